package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"llm-crypto-trader/internal/audit"
	"llm-crypto-trader/internal/execution"
	"llm-crypto-trader/internal/interfaces"
	"llm-crypto-trader/internal/logger"
	"llm-crypto-trader/internal/notify"
	"llm-crypto-trader/internal/store"
	"llm-crypto-trader/internal/trace"
)

const shutdownReconcileTimeout = 10 * time.Second

func main() {
	if err := initializeSystem(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(); err != nil {
		logger.ErrorWithErr(context.Background(), "Bot exited with error", err)
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	defer startProfiler(ctx, cfg)()

	// Background services outlive the trading loops so that the final
	// reconciliation can still be audited and notified.
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	dispatcher, hub := initializeNotify(ctx, cfg)
	go dispatcher.Run(bgCtx)
	if hub != nil {
		go hub.Run(bgCtx)
		go func() {
			if err := notify.StartServer(bgCtx, hub, cfg.Notify.Websocket.Addr); err != nil {
				logger.ErrorWithErr(ctx, "Event websocket server failed", err)
			}
		}()
	}

	auditLog, mirror, err := openAudit(ctx, cfg)
	if err != nil {
		return err
	}
	mirrorDone := make(chan struct{})
	go func() {
		defer close(mirrorDone)
		auditLog.RunMirror(bgCtx)
	}()
	defer func() {
		if err := mirror.Close(); err != nil {
			logger.Warn(context.Background(), "Failed to close audit mirror", "error", err)
		}
	}()

	l, err := restoreLedger(ctx, cfg, auditLog, dispatcher)
	if err != nil {
		return err
	}

	ex, err := initializeExchange(ctx, cfg)
	if err != nil {
		return err
	}
	exec := initializeExecution(cfg, ex, l, dispatcher, auditLog)
	if err := exec.Reconcile(ctx); err != nil {
		logger.Warn(ctx, "Initial reconciliation incomplete - trading is blocked until it succeeds", "error", err)
	}

	pairs := resolvePairs(ctx, cfg, ex)
	eng := initializeEngine(cfg, ex, initializeLLM(ctx, cfg), exec, l, dispatcher, auditLog)
	summarizer, err := initializeEOD(cfg)
	if err != nil {
		return err
	}

	logger.Info(ctx, "Bot started", "mode", cfg.Mode, "pairs", pairs, "poll", cfg.PollInterval(), "version", version)

	g, gctx := errgroup.WithContext(ctx)
	for _, pair := range pairs {
		pair := pair
		g.Go(func() error {
			pollPair(gctx, eng, pair, cfg.PollInterval())
			return nil
		})
	}
	g.Go(func() error {
		reconcileLoop(gctx, exec, cfg.ReconcileInterval())
		return nil
	})
	g.Go(func() error {
		eodLoop(gctx, cfg, summarizer)
		return nil
	})
	_ = g.Wait()

	shutdown(cfg, exec, auditLog, summarizer)
	bgCancel()
	dispatcher.Wait()
	<-mirrorDone
	if dropped := dispatcher.Dropped(); dropped > 0 {
		logger.Warn(context.Background(), "Notifications dropped during run", "count", dropped)
	}
	return nil
}

// pollPair runs a decision cycle immediately and then on every tick.
func pollPair(ctx context.Context, eng interfaces.Engine, pair string, every time.Duration) {
	tick := time.NewTicker(every)
	defer tick.Stop()
	for {
		if res, err := eng.Step(ctx, pair); err == nil && res != nil {
			b, _ := json.Marshal(res)
			fmt.Println(string(b))
		}
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
	}
}

func reconcileLoop(ctx context.Context, exec *execution.Engine, every time.Duration) {
	tick := time.NewTicker(every)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if err := exec.Reconcile(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn(ctx, "Reconciliation incomplete", "error", err)
			}
		}
	}
}

func eodLoop(ctx context.Context, cfg *store.Config, s interfaces.EodSummarizer) {
	tick := time.NewTicker(time.Minute)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if ok, _ := s.ShouldRunNow(); !ok {
				continue
			}
			if p, err := s.SummarizeToday(); err == nil && p != "" {
				logger.Info(ctx, "EOD CSV written", "path", p)
			}
			if cfg.Audit.RetentionDays > 0 {
				if err := audit.CompressOlder(cfg.Audit.Dir, cfg.Audit.RetentionDays, time.Now()); err != nil {
					logger.Warn(ctx, "Failed to compress old audit files", "error", err)
				}
			}
		}
	}
}

// shutdown reconciles once more on a detached context, writes the day's
// summary so far and flushes the audit log.
func shutdown(cfg *store.Config, exec *execution.Engine, log *audit.Log, s interfaces.EodSummarizer) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownReconcileTimeout)
	defer cancel()
	logger.Info(ctx, "Shutting down", "in_flight", exec.InFlight())

	if err := exec.Reconcile(ctx); err != nil {
		logger.Warn(ctx, "Final reconciliation incomplete", "error", err)
	}
	if p, err := s.SummarizeToday(); err == nil && p != "" {
		logger.Info(ctx, "EOD CSV written", "path", p)
	}
	if err := log.Flush(); err != nil {
		logger.ErrorWithErr(ctx, "Failed to flush audit log", err)
	}
	if err := log.Close(); err != nil {
		logger.ErrorWithErr(ctx, "Failed to close audit log", err, "dir", cfg.Audit.Dir)
	}
	if err := trace.Shutdown(ctx); err != nil {
		logger.Warn(ctx, "Failed to shut down tracer", "error", err)
	}
}
