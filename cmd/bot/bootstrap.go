package main

import (
	"context"
	"fmt"
	"os"
	"time"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"llm-crypto-trader/internal/audit"
	"llm-crypto-trader/internal/engine"
	"llm-crypto-trader/internal/engine/engineobs"
	"llm-crypto-trader/internal/eod"
	"llm-crypto-trader/internal/eod/eodobs"
	"llm-crypto-trader/internal/exchange/exchangeobs"
	"llm-crypto-trader/internal/exchange/kraken"
	"llm-crypto-trader/internal/exchange/paper"
	"llm-crypto-trader/internal/execution"
	"llm-crypto-trader/internal/fusion"
	"llm-crypto-trader/internal/interfaces"
	"llm-crypto-trader/internal/ledger"
	"llm-crypto-trader/internal/llm/claude"
	"llm-crypto-trader/internal/llm/llmobs"
	"llm-crypto-trader/internal/llm/noop"
	"llm-crypto-trader/internal/llm/openai"
	"llm-crypto-trader/internal/logger"
	"llm-crypto-trader/internal/market"
	"llm-crypto-trader/internal/news"
	"llm-crypto-trader/internal/notify"
	"llm-crypto-trader/internal/oracle"
	"llm-crypto-trader/internal/risk"
	"llm-crypto-trader/internal/signals"
	"llm-crypto-trader/internal/store"
	"llm-crypto-trader/internal/trace"
	"llm-crypto-trader/internal/types"
)

const version = "0.3.0"

// initializeSystem loads .env and initializes logger and tracer
func initializeSystem() error {
	_ = godotenv.Load()

	if err := logger.Init(); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	if err := trace.Init(version); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize tracer: %v\n", err)
	}
	return nil
}

func loadConfig(ctx context.Context) (*store.Config, error) {
	path := os.Getenv("TRADER_CONFIG")
	if path == "" {
		path = "config.yaml"
	}
	cfg, err := store.LoadConfig(path)
	if err != nil {
		logger.ErrorWithErr(ctx, "Failed to load config", err, "path", path)
		return nil, err
	}
	return cfg, nil
}

// startProfiler starts continuous profiling when enabled. The returned stop
// function is always safe to call.
func startProfiler(ctx context.Context, cfg *store.Config) func() {
	if !cfg.Profiling.Enabled {
		return func() {}
	}
	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: "llm-crypto-trader",
		ServerAddress:   cfg.Profiling.ServerAddress,
		Tags:            map[string]string{"mode": cfg.Mode, "exchange": cfg.Exchange},
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
		},
	})
	if err != nil {
		logger.Warn(ctx, "Profiler not started", "error", err, "server", cfg.Profiling.ServerAddress)
		return func() {}
	}
	logger.Info(ctx, "Profiler started", "server", cfg.Profiling.ServerAddress)
	return func() { _ = profiler.Stop() }
}

// knownPairs is every pair the bot may trade: the static list plus screener candidates.
func knownPairs(cfg *store.Config) []string {
	seen := map[string]bool{}
	var out []string
	for _, p := range append(append([]string{}, cfg.Pairs...), cfg.Screener.Candidates...) {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// initializeExchange builds the Kraken client, simulated behind the paper
// exchange in DRY_RUN, and wraps it with observability middleware.
func initializeExchange(ctx context.Context, cfg *store.Config) (interfaces.Exchange, error) {
	p := kraken.ParamsFromEnv()
	p.Timeout = cfg.ExchangeTimeout()
	p.Pairs = knownPairs(cfg)
	client, err := kraken.New(p)
	if err != nil {
		return nil, fmt.Errorf("kraken client: %w", err)
	}

	if cfg.IsLive() {
		logger.Warn(ctx, "Running in LIVE mode - orders are sent to Kraken")
		return exchangeobs.Wrap(client, "kraken"), nil
	}

	logger.Warn(ctx, "Running in DRY_RUN mode - orders will be simulated")
	sim := paper.New(client, decimal.NewFromFloat(cfg.Paper.FeeRate))
	quotes := map[string]bool{}
	for _, pair := range p.Pairs {
		base, quote, _ := types.SplitPair(pair)
		sim.Fund(base, decimal.NewFromFloat(cfg.Paper.BaseBalance))
		if !quotes[quote] {
			quotes[quote] = true
			sim.Fund(quote, decimal.NewFromFloat(cfg.Paper.QuoteBalance))
		}
	}
	return exchangeobs.Wrap(sim, "paper"), nil
}

func initializeLLM(ctx context.Context, cfg *store.Config) interfaces.LLM {
	switch cfg.LLM.Provider {
	case "OPENAI":
		return llmobs.Wrap(openai.NewClient(cfg), "openai")
	case "CLAUDE":
		return llmobs.Wrap(claude.NewClient(cfg), "claude")
	default:
		logger.Warn(ctx, "No LLM provider configured - oracle will always degrade to hold")
		return llmobs.Wrap(noop.NewClient(), "noop")
	}
}

// initializeNotify builds the event dispatcher. hub is nil when the
// websocket broadcast is disabled.
func initializeNotify(ctx context.Context, cfg *store.Config) (*notify.Dispatcher, *notify.Hub) {
	sinks := []notify.Sink{notify.LogSink{}}
	if cfg.Notify.Telegram.Enabled {
		tg, err := notify.TelegramFromEnv()
		if err != nil {
			logger.Warn(ctx, "Telegram notifications disabled", "error", err)
		} else {
			sinks = append(sinks, tg)
		}
	}
	var hub *notify.Hub
	if cfg.Notify.Websocket.Enabled {
		hub = notify.NewHub()
		sinks = append(sinks, hub)
	}
	return notify.NewDispatcher(cfg.Notify.QueueSize, sinks...), hub
}

// openAudit opens the audit log and, when enabled, its Postgres mirror.
func openAudit(ctx context.Context, cfg *store.Config) (*audit.Log, *audit.PGMirror, error) {
	log, err := audit.Open(cfg.Audit.Dir)
	if err != nil {
		return nil, nil, fmt.Errorf("open audit log: %w", err)
	}
	if !cfg.Audit.Postgres.Enabled {
		return log, nil, nil
	}
	mirror, err := audit.PGMirrorFromEnv()
	if err != nil {
		logger.Warn(ctx, "Postgres audit mirror disabled", "error", err)
		return log, nil, nil
	}
	log.SetMirror(mirror, 1024)
	logger.Info(ctx, "Postgres audit mirror enabled")
	return log, mirror, nil
}

// restoreLedger rebuilds the ledger from the audit log, then journals every
// further mutation back into it.
func restoreLedger(ctx context.Context, cfg *store.Config, log *audit.Log, pub notify.Publisher) (*ledger.Ledger, error) {
	l := ledger.New(ledger.ConfigFrom(cfg))
	n, err := audit.Replay(log.Dir(), l)
	if err != nil {
		return nil, fmt.Errorf("replay audit log: %w", err)
	}
	logger.Info(ctx, "Ledger restored from audit log", "entries", n, "open_orders", len(l.OpenOrders()))

	l.SetJournal(log, func(err error) {
		logger.ErrorWithErr(ctx, "Audit journal append failed", err)
		pub.Publish(notify.Fatal("", fmt.Errorf("audit journal: %w", err), time.Now()))
	})
	return l, nil
}

// resolvePairs returns the pairs to trade this run.
func resolvePairs(ctx context.Context, cfg *store.Config, ex interfaces.Exchange) []string {
	if cfg.PairsMode != "screen" {
		return cfg.Pairs
	}
	top, err := market.NewScreener(ex).TopByVolume(ctx, cfg.Screener.Candidates, cfg.Screener.TopN)
	if err != nil || len(top) == 0 {
		logger.Warn(ctx, "Screener failed - falling back to static pairs", "error", err, "pairs", cfg.Pairs)
		return cfg.Pairs
	}
	logger.Info(ctx, "Screener selected pairs", "pairs", top)
	return top
}

func initializeExecution(cfg *store.Config, ex interfaces.Exchange, l *ledger.Ledger, pub notify.Publisher, log *audit.Log) *execution.Engine {
	return execution.New(ex, l, pub, log, execution.ConfigFrom(cfg, knownPairs(cfg)))
}

// initializeEngine wires the decision cycle and wraps it with observability middleware
func initializeEngine(cfg *store.Config, ex interfaces.Exchange, llm interfaces.LLM, exec *execution.Engine, l *ledger.Ledger, pub notify.Publisher, log *audit.Log) interfaces.Engine {
	deps := engine.Deps{
		Feed:    market.NewFeed(ex, market.ConfigFrom(cfg)),
		Signals: signals.New(signals.ConfigFrom(cfg)),
		Oracle:  oracle.New(llm, oracle.ConfigFrom(cfg)),
		Fuser:   fusion.New(fusion.ConfigFrom(cfg)),
		Guard:   risk.New(risk.ConfigFrom(cfg)),
		Exec:    exec,
		Ledger:  l,
		Audit:   log,
		Pub:     pub,
		Summary: engine.SummaryConfigFrom(cfg),
	}
	if nc := news.ConfigFrom(cfg); nc.Enabled {
		deps.News = news.NewService(nc)
	}
	return engineobs.Wrap(engine.New(deps))
}

// initializeEOD wraps the summarizer with observability middleware
func initializeEOD(cfg *store.Config) (interfaces.EodSummarizer, error) {
	s, err := eod.NewFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	return eodobs.Wrap(s), nil
}
