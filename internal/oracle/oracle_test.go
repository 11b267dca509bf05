package oracle

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm-crypto-trader/internal/types"
)

type llmFunc func(ctx context.Context, prompt string) (string, error)

func (f llmFunc) Complete(ctx context.Context, prompt string) (string, error) { return f(ctx, prompt) }

func reply(text string) llmFunc {
	return func(context.Context, string) (string, error) { return text, nil }
}

func newAdvisor(l llmFunc, timeout time.Duration) *Advisor {
	a := New(l, Config{Timeout: timeout, MaxRationale: 20})
	a.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return a
}

func TestParseVerdictAcceptsWrappedJSON(t *testing.T) {
	text := "Sure, here you go:\n```json\n{\"stance\":\"BUY\",\"confidence\":0.9,\"rationale\":\"momentum {strong}\"}\n```"
	v, err := ParseVerdict(text, 100)
	require.NoError(t, err)
	assert.Equal(t, types.StanceBuy, v.Stance)
	assert.Equal(t, 0.9, v.Confidence)
	assert.Equal(t, "momentum {strong}", v.Rationale)
}

func TestParseVerdictRejectsSchemaViolations(t *testing.T) {
	cases := map[string]string{
		"no object":      "I think you should buy",
		"unknown field":  `{"stance":"buy","confidence":0.5,"qty":3}`,
		"bad stance":     `{"stance":"short","confidence":0.5}`,
		"missing stance": `{"confidence":0.5}`,
		"missing conf":   `{"stance":"sell"}`,
		"conf too high":  `{"stance":"sell","confidence":1.5}`,
		"conf negative":  `{"stance":"sell","confidence":-0.1}`,
		"conf as string": `{"stance":"sell","confidence":"high"}`,
		"unterminated":   `{"stance":"sell","confidence":0.4`,
	}
	for name, text := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseVerdict(text, 100)
			assert.ErrorIs(t, err, ErrOracleMalformed)
		})
	}
}

func TestParseVerdictTruncatesRationale(t *testing.T) {
	v, err := ParseVerdict(`{"stance":"hold","confidence":0,"rationale":"`+strings.Repeat("x", 50)+`"}`, 10)
	require.NoError(t, err)
	assert.Len(t, v.Rationale, 10)
}

func TestAdviseStampsGeneratedAt(t *testing.T) {
	a := newAdvisor(reply(`{"stance":"sell","confidence":0.7,"rationale":"rolling over"}`), time.Second)
	v, err := a.Advise(context.Background(), Summary{Pair: "BTC/USD"})
	require.NoError(t, err)
	assert.Equal(t, types.StanceSell, v.Stance)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), v.GeneratedAt)
	assert.False(t, v.Degraded)
}

func TestAdviseTimeoutIsUnavailable(t *testing.T) {
	block := llmFunc(func(ctx context.Context, _ string) (string, error) {
		time.Sleep(200 * time.Millisecond)
		return `{"stance":"buy","confidence":1}`, nil
	})
	a := newAdvisor(block, 20*time.Millisecond)

	start := time.Now()
	_, err := a.Advise(context.Background(), Summary{Pair: "BTC/USD"})
	assert.ErrorIs(t, err, ErrOracleUnavailable)
	assert.Less(t, time.Since(start), 150*time.Millisecond)
}

func TestAdviseTransportErrorIsUnavailable(t *testing.T) {
	a := newAdvisor(func(context.Context, string) (string, error) { return "", errors.New("connection refused") }, time.Second)
	_, err := a.Advise(context.Background(), Summary{})
	assert.ErrorIs(t, err, ErrOracleUnavailable)
	assert.True(t, IsDegradable(err))
}

func TestAdviseOrDegrade(t *testing.T) {
	a := newAdvisor(reply("not json at all"), time.Second)
	v := a.AdviseOrDegrade(context.Background(), Summary{})
	assert.Equal(t, types.StanceHold, v.Stance)
	assert.Equal(t, 0.0, v.Confidence)
	assert.True(t, v.Degraded)
	assert.Equal(t, "malformed", v.Cause)
}

func TestAdviseAsyncDeliversOnce(t *testing.T) {
	a := newAdvisor(reply(`{"stance":"buy","confidence":0.8}`), time.Second)
	ch := a.AdviseAsync(context.Background(), Summary{})
	select {
	case v := <-ch:
		assert.Equal(t, types.StanceBuy, v.Stance)
	case <-time.After(time.Second):
		t.Fatal("verdict not delivered")
	}
}

func TestPromptCarriesSchemaAndState(t *testing.T) {
	var seen string
	a := newAdvisor(func(_ context.Context, p string) (string, error) {
		seen = p
		return `{"stance":"hold","confidence":0.1}`, nil
	}, time.Second)

	snap := types.Snapshot{
		Pair:    "ETH/USD",
		Candles: []types.Candle{{Ts: 1, Close: 10, High: 11, Low: 9}, {Ts: 2, Close: 11, High: 12, Low: 10}},
		Ticker:  types.Ticker{Last: decimal.NewFromInt(11)},
	}
	s := BuildSummary(snap, types.SignalSet{}, types.LedgerSnapshot{}, []string{"ETH upgrade ships"}, SummaryConfig{RecentCloses: 1, ATRPeriod: 14, BBWindow: 20, BBStdDev: 2})
	assert.Equal(t, []float64{11}, s.RecentCloses)
	assert.Equal(t, 0.0, s.Volatility.ATR)

	_, err := a.Advise(context.Background(), s)
	require.NoError(t, err)
	assert.Contains(t, seen, Schema)
	assert.Contains(t, seen, `"pair":"ETH/USD"`)
	assert.Contains(t, seen, "ETH upgrade ships")
}
