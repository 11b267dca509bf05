package store

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"llm-crypto-trader/internal/types"
)

type Config struct {
	Mode        string   `yaml:"mode"`
	Exchange    string   `yaml:"exchange"`
	PairsMode   string   `yaml:"pairs_mode"`
	Pairs       []string `yaml:"pairs"`
	PollSeconds int      `yaml:"poll_seconds"`
	Candles     struct {
		IntervalMinutes int `yaml:"interval_minutes"`
		Window          int `yaml:"window"`
	} `yaml:"candles"`
	Screener struct {
		TopN       int      `yaml:"top_n"`
		Candidates []string `yaml:"candidates"`
	} `yaml:"screener"`
	Indicators struct {
		SMAWindow      int     `yaml:"sma_window"`
		EMAWindow      int     `yaml:"ema_window"`
		RSIPeriod      int     `yaml:"rsi_period"`
		MACDFast       int     `yaml:"macd_fast"`
		MACDSlow       int     `yaml:"macd_slow"`
		BaselineShort  int     `yaml:"baseline_short"`
		BaselineLong   int     `yaml:"baseline_long"`
		TrendThreshold float64 `yaml:"trend_threshold"`
		ATRPeriod      int     `yaml:"atr_period"`
		BBWindow       int     `yaml:"bb_window"`
		BBStdDev       float64 `yaml:"bb_stddev"`
	} `yaml:"indicators"`
	Oracle struct {
		TimeoutSeconds   int `yaml:"timeout_seconds"`
		StalenessSeconds int `yaml:"staleness_seconds"`
		MaxRationale     int `yaml:"max_rationale"`
		RecentCloses     int `yaml:"recent_closes"`
	} `yaml:"oracle"`
	LLM struct {
		Provider    string  `yaml:"provider"`
		Model       string  `yaml:"model"`
		MaxTokens   int     `yaml:"max_tokens"`
		Temperature float32 `yaml:"temperature"`
		System      string  `yaml:"system"`
	} `yaml:"llm"`
	Fusion struct {
		MaxSizeFraction       float64 `yaml:"max_size_fraction"`
		MinConfidence         float64 `yaml:"min_confidence"`
		ExcludeDegradedOracle bool    `yaml:"exclude_degraded_oracle"`
		StopLossPct           float64 `yaml:"stop_loss_pct"`
		TakeProfitPct         float64 `yaml:"take_profit_pct"`
	} `yaml:"fusion"`
	Risk struct {
		MaxPositionQuote float64 `yaml:"max_position_quote"`
		MaxOrderQuote    float64 `yaml:"max_order_quote"`
		MinOrderQty      float64 `yaml:"min_order_qty"`
		LotDecimals      int32   `yaml:"lot_decimals"`
		FeeRate          float64 `yaml:"fee_rate"`
	} `yaml:"risk"`
	Execution struct {
		TimeoutSeconds  int    `yaml:"timeout_seconds"`
		OrderTTLSeconds int    `yaml:"order_ttl_seconds"`
		OrderType       string `yaml:"order_type"`
		Retry           struct {
			MaxAttempts int     `yaml:"max_attempts"`
			BaseDelayMs int     `yaml:"base_delay_ms"`
			MaxDelayMs  int     `yaml:"max_delay_ms"`
			Multiplier  float64 `yaml:"multiplier"`
			Jitter      float64 `yaml:"jitter"`
		} `yaml:"retry"`
	} `yaml:"execution"`
	Reconcile struct {
		IntervalSeconds int     `yaml:"interval_seconds"`
		MaxResubmits    int     `yaml:"max_resubmits"`
		Tolerance       float64 `yaml:"tolerance"`
	} `yaml:"reconcile"`
	Ledger struct {
		StaleAfterSeconds int `yaml:"stale_after_seconds"`
	} `yaml:"ledger"`
	Paper struct {
		QuoteBalance float64 `yaml:"quote_balance"`
		BaseBalance  float64 `yaml:"base_balance"`
		FeeRate      float64 `yaml:"fee_rate"`
	} `yaml:"paper"`
	Notify struct {
		QueueSize int `yaml:"queue_size"`
		Telegram  struct {
			Enabled bool `yaml:"enabled"`
		} `yaml:"telegram"`
		Websocket struct {
			Enabled bool   `yaml:"enabled"`
			Addr    string `yaml:"addr"`
		} `yaml:"websocket"`
	} `yaml:"notify"`
	Audit struct {
		Dir           string `yaml:"dir"`
		RetentionDays int    `yaml:"retention_days"`
		EODCutoff     string `yaml:"eod_cutoff"`
		Postgres      struct {
			Enabled bool `yaml:"enabled"`
		} `yaml:"postgres"`
	} `yaml:"audit"`
	News struct {
		Enabled        bool `yaml:"enabled"`
		MaxHeadlines   int  `yaml:"max_headlines"`
		CacheMinutes   int  `yaml:"cache_minutes"`
		TimeoutSeconds int  `yaml:"timeout_seconds"`
	} `yaml:"news"`
	Profiling struct {
		Enabled       bool   `yaml:"enabled"`
		ServerAddress string `yaml:"server_address"`
	} `yaml:"profiling"`
}

func (c *Config) Validate() error {
	if c.Mode != "DRY_RUN" && c.Mode != "LIVE" {
		return fmt.Errorf("invalid mode '%s': must be 'DRY_RUN' or 'LIVE'", c.Mode)
	}
	if c.Exchange != "KRAKEN" {
		return fmt.Errorf("invalid exchange '%s': only 'KRAKEN' is supported", c.Exchange)
	}
	if c.PairsMode != "static" && c.PairsMode != "screen" {
		return fmt.Errorf("pairs_mode must be 'static' or 'screen', got '%s'", c.PairsMode)
	}
	if c.PairsMode == "static" && len(c.Pairs) == 0 {
		return errors.New("pairs cannot be empty")
	}
	for _, p := range c.Pairs {
		if _, _, ok := types.SplitPair(p); !ok {
			return fmt.Errorf("invalid pair '%s': expected BASE/QUOTE", p)
		}
	}
	ind := c.Indicators
	if ind.BaselineShort <= 0 || ind.BaselineLong <= ind.BaselineShort {
		return fmt.Errorf("indicators.baseline_long (%d) must exceed baseline_short (%d) > 0", ind.BaselineLong, ind.BaselineShort)
	}
	if ind.MACDFast <= 0 || ind.MACDSlow <= ind.MACDFast {
		return fmt.Errorf("indicators.macd_slow (%d) must exceed macd_fast (%d) > 0", ind.MACDSlow, ind.MACDFast)
	}
	if ind.TrendThreshold < 0 {
		return fmt.Errorf("indicators.trend_threshold must be >= 0, got %.4f", ind.TrendThreshold)
	}
	if c.Fusion.MaxSizeFraction <= 0 || c.Fusion.MaxSizeFraction > 1 {
		return fmt.Errorf("fusion.max_size_fraction must be in (0,1], got %.2f", c.Fusion.MaxSizeFraction)
	}
	if c.Fusion.MinConfidence < 0 || c.Fusion.MinConfidence > 1 {
		return fmt.Errorf("fusion.min_confidence must be in [0,1], got %.2f", c.Fusion.MinConfidence)
	}
	if c.Risk.MaxOrderQuote <= 0 || c.Risk.MaxPositionQuote <= 0 {
		return errors.New("risk.max_order_quote and risk.max_position_quote must be positive")
	}
	if c.Risk.MaxOrderQuote > c.Risk.MaxPositionQuote {
		return fmt.Errorf("risk.max_order_quote (%.2f) cannot exceed risk.max_position_quote (%.2f)", c.Risk.MaxOrderQuote, c.Risk.MaxPositionQuote)
	}
	if c.Execution.OrderType != "market" && c.Execution.OrderType != "limit" {
		return fmt.Errorf("execution.order_type must be 'market' or 'limit', got '%s'", c.Execution.OrderType)
	}
	if c.Execution.Retry.MaxAttempts < 1 {
		return fmt.Errorf("execution.retry.max_attempts must be >= 1, got %d", c.Execution.Retry.MaxAttempts)
	}
	if c.Reconcile.MaxResubmits < 0 {
		return fmt.Errorf("reconcile.max_resubmits must be >= 0, got %d", c.Reconcile.MaxResubmits)
	}
	if _, err := time.Parse("15:04", c.Audit.EODCutoff); err != nil {
		return fmt.Errorf("audit.eod_cutoff must be HH:MM: %w", err)
	}
	return nil
}

// MergeEnv applies environment overrides on top of the YAML values.
func (c *Config) MergeEnv() {
	if v := strings.TrimSpace(os.Getenv("TRADER_MODE")); v != "" {
		c.Mode = strings.ToUpper(v)
	}
	if v := strings.TrimSpace(os.Getenv("TRADER_PAIRS")); v != "" {
		pairs := []string{}
		for _, p := range strings.Split(v, ",") {
			if p = strings.ToUpper(strings.TrimSpace(p)); p != "" {
				pairs = append(pairs, p)
			}
		}
		c.Pairs = pairs
	}
	if v := strings.TrimSpace(os.Getenv("TRADER_LOG_DIR")); v != "" {
		c.Audit.Dir = v
	}
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = "DRY_RUN"
	}
	if c.Exchange == "" {
		c.Exchange = "KRAKEN"
	}
	if c.PairsMode == "" {
		c.PairsMode = "static"
	}
	if c.PollSeconds == 0 {
		c.PollSeconds = 60
	}
	if c.Candles.IntervalMinutes == 0 {
		c.Candles.IntervalMinutes = 15
	}
	if c.Candles.Window == 0 {
		c.Candles.Window = 120
	}
	if c.Screener.TopN == 0 {
		c.Screener.TopN = 3
	}

	ind := &c.Indicators
	setInt(&ind.SMAWindow, 10)
	setInt(&ind.EMAWindow, 10)
	setInt(&ind.RSIPeriod, 14)
	setInt(&ind.MACDFast, 12)
	setInt(&ind.MACDSlow, 26)
	setInt(&ind.BaselineShort, 5)
	setInt(&ind.BaselineLong, 15)
	setInt(&ind.ATRPeriod, 14)
	setInt(&ind.BBWindow, 20)
	if ind.BBStdDev == 0 {
		ind.BBStdDev = 2
	}

	setInt(&c.Oracle.TimeoutSeconds, 20)
	setInt(&c.Oracle.StalenessSeconds, 300)
	setInt(&c.Oracle.MaxRationale, 500)
	setInt(&c.Oracle.RecentCloses, 20)

	if c.LLM.Provider == "" {
		c.LLM.Provider = "NONE"
	}
	setInt(&c.LLM.MaxTokens, 300)

	if c.Fusion.MaxSizeFraction == 0 {
		c.Fusion.MaxSizeFraction = 1
	}
	if c.Fusion.StopLossPct == 0 {
		c.Fusion.StopLossPct = 1
	}
	if c.Fusion.TakeProfitPct == 0 {
		c.Fusion.TakeProfitPct = 1
	}

	if c.Risk.LotDecimals == 0 {
		c.Risk.LotDecimals = 8
	}
	if c.Risk.FeeRate == 0 {
		c.Risk.FeeRate = 0.0026
	}

	setInt(&c.Execution.TimeoutSeconds, 10)
	setInt(&c.Execution.OrderTTLSeconds, 900)
	if c.Execution.OrderType == "" {
		c.Execution.OrderType = "market"
	}
	r := &c.Execution.Retry
	setInt(&r.MaxAttempts, 3)
	setInt(&r.BaseDelayMs, 500)
	setInt(&r.MaxDelayMs, 5000)
	if r.Multiplier == 0 {
		r.Multiplier = 2
	}

	setInt(&c.Reconcile.IntervalSeconds, 30)
	if c.Reconcile.Tolerance == 0 {
		c.Reconcile.Tolerance = 1e-8
	}
	setInt(&c.Ledger.StaleAfterSeconds, 180)

	if c.Paper.FeeRate == 0 {
		c.Paper.FeeRate = c.Risk.FeeRate
	}

	setInt(&c.Notify.QueueSize, 256)
	if c.Notify.Websocket.Addr == "" {
		c.Notify.Websocket.Addr = ":8089"
	}

	if c.Audit.Dir == "" {
		c.Audit.Dir = "logs"
	}
	if c.Audit.EODCutoff == "" {
		c.Audit.EODCutoff = "23:55"
	}

	setInt(&c.News.MaxHeadlines, 8)
	setInt(&c.News.CacheMinutes, 30)
	setInt(&c.News.TimeoutSeconds, 10)

	if c.Profiling.ServerAddress == "" {
		c.Profiling.ServerAddress = "http://localhost:4040"
	}
}

func setInt(p *int, def int) {
	if *p == 0 {
		*p = def
	}
}

// Parse decodes YAML bytes, applies env overrides and defaults, and validates.
func Parse(b []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	c.MergeEnv()
	c.applyDefaults()

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &c, nil
}

func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollSeconds) * time.Second
}

func (c *Config) CandleInterval() time.Duration {
	return time.Duration(c.Candles.IntervalMinutes) * time.Minute
}

func (c *Config) OracleTimeout() time.Duration {
	return time.Duration(c.Oracle.TimeoutSeconds) * time.Second
}

func (c *Config) OracleStaleness() time.Duration {
	return time.Duration(c.Oracle.StalenessSeconds) * time.Second
}

func (c *Config) ExchangeTimeout() time.Duration {
	return time.Duration(c.Execution.TimeoutSeconds) * time.Second
}

func (c *Config) OrderTTL() time.Duration {
	return time.Duration(c.Execution.OrderTTLSeconds) * time.Second
}

func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.Reconcile.IntervalSeconds) * time.Second
}

func (c *Config) LedgerStaleAfter() time.Duration {
	return time.Duration(c.Ledger.StaleAfterSeconds) * time.Second
}

func (c *Config) IsLive() bool {
	return c.Mode == "LIVE"
}
