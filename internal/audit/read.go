package audit

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"llm-crypto-trader/internal/ledger"
	"llm-crypto-trader/internal/logger"
)

const gzExt = ".gz"

// Files lists the audit files in dir in day order. When a day exists both
// plain and compressed, the compressed copy is complete and wins.
func Files(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	byDay := map[string]string{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		day, gz, ok := parseName(e.Name())
		if !ok {
			continue
		}
		if _, seen := byDay[day]; seen && !gz {
			continue
		}
		byDay[day] = filepath.Join(dir, e.Name())
	}
	days := make([]string, 0, len(byDay))
	for d := range byDay {
		days = append(days, d)
	}
	sort.Strings(days)
	out := make([]string, len(days))
	for i, d := range days {
		out[i] = byDay[d]
	}
	return out, nil
}

func parseName(name string) (day string, gz bool, ok bool) {
	if strings.HasSuffix(name, gzExt) {
		gz = true
		name = strings.TrimSuffix(name, gzExt)
	}
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileExt) {
		return "", false, false
	}
	day = strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileExt)
	if _, err := time.Parse(dayLayout, day); err != nil {
		return "", false, false
	}
	return day, gz, true
}

// Read calls fn for every record in dir, oldest first.
func Read(dir string, fn func(Record) error) error {
	files, err := Files(dir)
	if err != nil {
		return err
	}
	for _, p := range files {
		if err := ReadFile(p, fn); err != nil {
			return err
		}
	}
	return nil
}

// ReadFile calls fn for every record in one file. Lines that do not decode,
// such as a tail cut short by a crash, are logged and skipped.
func ReadFile(path string, fn func(Record) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, gzExt) {
		gr, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		defer gr.Close()
		r = gr
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(strings.TrimSpace(sc.Text())) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			logger.Warn(context.Background(), "Skipping unreadable audit line", "file", path, "line", line, "error", err)
			continue
		}
		if err := fn(rec); err != nil {
			return fmt.Errorf("%s:%d: %w", path, line, err)
		}
	}
	return sc.Err()
}

// Replay rebuilds l from the ledger entries in dir. It must run before the
// log is attached to l as its journal.
func Replay(dir string, l *ledger.Ledger) (int, error) {
	n := 0
	err := Read(dir, func(r Record) error {
		if r.Ledger == nil {
			return nil
		}
		n++
		return l.Replay(*r.Ledger)
	})
	return n, err
}

// CompressOlder gzips day files older than retentionDays. The current day is
// never touched.
func CompressOlder(dir string, retentionDays int, now time.Time) error {
	if retentionDays <= 0 {
		return nil
	}
	cutoff := now.UTC().AddDate(0, 0, -retentionDays).Format(dayLayout)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		day, gz, ok := parseName(e.Name())
		if !ok || gz || day >= cutoff {
			continue
		}
		p := filepath.Join(dir, e.Name())
		if _, err := os.Stat(p + gzExt); err == nil {
			_ = os.Remove(p)
			continue
		}
		if err := compress(p); err != nil {
			logger.ErrorWithErr(context.Background(), "Failed to compress audit file", err, "file", p)
		}
	}
	return nil
}

func compress(p string) error {
	in, err := os.Open(p)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := p + gzExt + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	gw := gzip.NewWriter(out)
	_, err = io.Copy(gw, in)
	if cerr := gw.Close(); err == nil {
		err = cerr
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, p+gzExt); err != nil {
		return err
	}
	return os.Remove(p)
}
