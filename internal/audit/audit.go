// Package audit is the append-only record of everything the bot decided and
// did. One JSONL file per UTC day; the ledger can be rebuilt from it.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"llm-crypto-trader/internal/ledger"
	"llm-crypto-trader/internal/logger"
	"llm-crypto-trader/internal/types"
)

type Kind string

const (
	KindDecision       Kind = "decision"
	KindRejection      Kind = "rejection"
	KindDiscrepancy    Kind = "discrepancy"
	KindOrder          Kind = "order"
	KindReconciliation Kind = "reconciliation"
)

type Record struct {
	Kind        Kind               `json:"kind"`
	At          time.Time          `json:"at"`
	Pair        string             `json:"pair,omitempty"`
	Decision    *types.Decision    `json:"decision,omitempty"`
	Rejection   *types.Rejection   `json:"rejection,omitempty"`
	Discrepancy *types.Discrepancy `json:"discrepancy,omitempty"`
	Ledger      *ledger.Entry      `json:"ledger,omitempty"`
}

// Mirror receives a copy of every record after it is on disk.
type Mirror interface {
	Mirror(ctx context.Context, r Record) error
}

const (
	filePrefix = "audit-"
	fileExt    = ".jsonl"
	dayLayout  = "2006-01-02"
)

type Log struct {
	dir string
	now func() time.Time

	mu   sync.Mutex
	day  string
	file *os.File

	mirror  Mirror
	pending chan Record
}

// Open prepares dir for writing. Files are created lazily per UTC day.
func Open(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	return &Log{dir: dir, now: time.Now}, nil
}

// SetMirror attaches m. Records are handed over through a bounded queue that
// RunMirror drains, so a slow mirror never blocks the ledger.
func (l *Log) SetMirror(m Mirror, queueSize int) {
	if queueSize <= 0 {
		queueSize = 1024
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mirror = m
	l.pending = make(chan Record, queueSize)
}

func (l *Log) Dir() string { return l.dir }

// Path returns the file holding records for the UTC day of t.
func Path(dir string, t time.Time) string {
	return filepath.Join(dir, filePrefix+t.UTC().Format(dayLayout)+fileExt)
}

// Write appends r as one JSON line.
func (l *Log) Write(r Record) error {
	if r.At.IsZero() {
		r.At = l.now().UTC()
	}
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode audit record: %w", err)
	}
	b = append(b, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := l.fileFor(r.At)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		return fmt.Errorf("write audit record: %w", err)
	}
	if l.pending != nil {
		select {
		case l.pending <- r:
		default:
			logger.Warn(context.Background(), "Audit mirror queue full, record not mirrored", "kind", r.Kind)
		}
	}
	return nil
}

func (l *Log) fileFor(at time.Time) (*os.File, error) {
	day := at.UTC().Format(dayLayout)
	if l.file != nil && l.day == day {
		return l.file, nil
	}
	if l.file != nil {
		_ = l.file.Close()
		l.file = nil
	}
	f, err := os.OpenFile(Path(l.dir, at), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit file: %w", err)
	}
	l.file, l.day = f, day
	return f, nil
}

// Append implements ledger.Journal.
func (l *Log) Append(e ledger.Entry) error {
	r := Record{Kind: KindOrder, At: e.At, Ledger: &e}
	switch {
	case e.Op == ledger.OpReconcile:
		r.Kind = KindReconciliation
	case e.Order != nil:
		r.Pair = e.Order.Pair
	}
	return l.Write(r)
}

func (l *Log) Decision(_ context.Context, d types.Decision) error {
	return l.Write(Record{Kind: KindDecision, At: d.DecidedAt, Pair: d.Pair, Decision: &d})
}

func (l *Log) Rejection(_ context.Context, pair string, r types.Rejection, at time.Time) error {
	return l.Write(Record{Kind: KindRejection, At: at, Pair: pair, Rejection: &r})
}

func (l *Log) Discrepancy(_ context.Context, d types.Discrepancy) error {
	return l.Write(Record{Kind: KindDiscrepancy, At: d.At, Pair: d.Pair, Discrepancy: &d})
}

// RunMirror delivers queued records until ctx is done, then drains what is left.
func (l *Log) RunMirror(ctx context.Context) {
	l.mu.Lock()
	m, ch := l.mirror, l.pending
	l.mu.Unlock()
	if m == nil {
		return
	}
	send := func(r Record) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := m.Mirror(sctx, r); err != nil {
			logger.ErrorWithErr(sctx, "Audit mirror failed", err, "kind", r.Kind)
		}
	}
	for {
		select {
		case r := <-ch:
			send(r)
		case <-ctx.Done():
			for {
				select {
				case r := <-ch:
					send(r)
				default:
					return
				}
			}
		}
	}
}

// Flush forces written records to stable storage.
func (l *Log) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	return l.file.Sync()
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Sync()
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil
	return err
}
