// Package engine runs one decision cycle per pair: snapshot, signals, oracle,
// fusion, risk and execution.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"llm-crypto-trader/internal/execution"
	"llm-crypto-trader/internal/fusion"
	"llm-crypto-trader/internal/interfaces"
	"llm-crypto-trader/internal/ledger"
	"llm-crypto-trader/internal/logger"
	"llm-crypto-trader/internal/market"
	"llm-crypto-trader/internal/notify"
	"llm-crypto-trader/internal/oracle"
	"llm-crypto-trader/internal/risk"
	"llm-crypto-trader/internal/signals"
	"llm-crypto-trader/internal/store"
	"llm-crypto-trader/internal/types"
)

// Auditor persists the cycle's decision and any rejection.
type Auditor interface {
	Decision(ctx context.Context, d types.Decision) error
	Rejection(ctx context.Context, pair string, r types.Rejection, at time.Time) error
}

type nopAuditor struct{}

func (nopAuditor) Decision(context.Context, types.Decision) error { return nil }
func (nopAuditor) Rejection(context.Context, string, types.Rejection, time.Time) error {
	return nil
}

type noHeadlines struct{}

func (noHeadlines) Headlines(context.Context, string) []string { return nil }

// Deps are the collaborators of one Engine. Audit, News and Pub are optional.
type Deps struct {
	Feed    *market.Feed
	Signals *signals.Computer
	Oracle  *oracle.Advisor
	Fuser   *fusion.Fuser
	Guard   *risk.Guard
	Exec    *execution.Engine
	Ledger  *ledger.Ledger
	News    interfaces.Headlines
	Audit   Auditor
	Pub     notify.Publisher
	Summary oracle.SummaryConfig
}

// SummaryConfigFrom maps the indicator and oracle settings used in the LLM summary.
func SummaryConfigFrom(cfg *store.Config) oracle.SummaryConfig {
	return oracle.SummaryConfig{
		RecentCloses: cfg.Oracle.RecentCloses,
		ATRPeriod:    cfg.Indicators.ATRPeriod,
		BBWindow:     cfg.Indicators.BBWindow,
		BBStdDev:     cfg.Indicators.BBStdDev,
	}
}

type Engine struct {
	d   Deps
	now func() time.Time

	mu    sync.Mutex
	pairs map[string]*sync.Mutex
}

var _ interfaces.Engine = (*Engine)(nil)

func New(d Deps) *Engine {
	if d.News == nil {
		d.News = noHeadlines{}
	}
	if d.Audit == nil {
		d.Audit = nopAuditor{}
	}
	if d.Pub == nil {
		d.Pub = notify.Nop{}
	}
	return &Engine{d: d, now: time.Now, pairs: map[string]*sync.Mutex{}}
}

func (e *Engine) lock(pair string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.pairs[pair]
	if !ok {
		m = &sync.Mutex{}
		e.pairs[pair] = m
	}
	return m
}

// Step runs one cycle for pair. Cycles for the same pair never overlap.
// A failed snapshot returns an error; short history returns a skipped result.
func (e *Engine) Step(ctx context.Context, pair string) (*types.StepResult, error) {
	m := e.lock(pair)
	m.Lock()
	defer m.Unlock()

	snap, err := e.d.Feed.Snapshot(ctx, pair)
	if err != nil {
		return nil, e.fail(ctx, pair, fmt.Errorf("snapshot %s: %w", pair, err))
	}
	price := snap.Ticker.Last
	res := &types.StepResult{Pair: pair, Price: price.InexactFloat64(), Time: snap.FetchedAt.Unix()}

	set, err := e.d.Signals.Compute(snap.Candles)
	if errors.Is(err, signals.ErrInsufficientHistory) {
		logger.Info(ctx, "Skipping cycle", "pair", pair, "candles", len(snap.Candles), "required", e.d.Signals.RequiredHistory())
		res.Skipped = true
		res.SkipReason = err.Error()
		return res, nil
	}
	if err != nil {
		return nil, e.fail(ctx, pair, fmt.Errorf("signals %s: %w", pair, err))
	}

	summary := oracle.BuildSummary(snap, set, e.d.Ledger.Snapshot(pair), e.d.News.Headlines(ctx, pair), e.d.Summary)
	verdict := e.await(ctx, e.d.Oracle.AdviseAsync(ctx, summary))

	now := e.now()
	decision := e.d.Fuser.Price(e.d.Fuser.Fuse(set, verdict, now), pair, price)
	res.Decision = &decision

	// Post-decision work must finish even if the cycle is cancelled now.
	dctx := context.WithoutCancel(ctx)
	logger.Decision(ctx, pair, string(decision.Action), decision.Confidence, decision.Reason,
		"decision_id", decision.ID,
		"technical", decision.TechnicalTrend,
		"oracle", decision.Verdict.Stance,
		"oracle_degraded", decision.Verdict.Degraded,
		"size_fraction", decision.SizeFraction,
	)
	if err := e.d.Audit.Decision(dctx, decision); err != nil {
		logger.ErrorWithErr(ctx, "Failed to audit decision", err, "pair", pair, "decision_id", decision.ID)
	}
	e.d.Pub.Publish(notify.DecisionMade(decision))

	if decision.Action == types.ActionHold {
		return res, nil
	}

	intent, rej := e.d.Guard.Validate(decision, e.d.Ledger.Snapshot(pair), price)
	if rej != nil {
		res.Rejection = rej
		logger.Risk(ctx, pair, string(rej.Reason), "decision_id", decision.ID, "detail", rej.Detail)
		if err := e.d.Audit.Rejection(dctx, pair, *rej, now); err != nil {
			logger.ErrorWithErr(ctx, "Failed to audit rejection", err, "pair", pair)
		}
		e.d.Pub.Publish(notify.Rejected(pair, *rej, now))
		return res, nil
	}

	o, err := e.d.Exec.Submit(ctx, intent)
	if o.CorrelationID != "" {
		res.Order = &o
	}
	if err != nil && !errors.Is(err, execution.ErrOrderRejected) && !errors.Is(err, execution.ErrOrderUnknown) {
		return res, e.fail(dctx, pair, fmt.Errorf("submit %s: %w", pair, err))
	}
	return res, nil
}

// fail publishes a cycle failure so it reaches the operator, not only the
// log. Failures caused by shutdown are not published.
func (e *Engine) fail(ctx context.Context, pair string, err error) error {
	if ctx.Err() == nil {
		e.d.Pub.Publish(notify.Fatal(pair, err, e.now().UTC()))
	}
	return err
}

// await takes the oracle verdict unless the cycle ends first.
func (e *Engine) await(ctx context.Context, ch <-chan types.OracleVerdict) types.OracleVerdict {
	select {
	case v := <-ch:
		return v
	case <-ctx.Done():
		return types.DegradedVerdict("cancelled")
	}
}
