package eod

import (
	"encoding/csv"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm-crypto-trader/internal/audit"
	"llm-crypto-trader/internal/ledger"
	"llm-crypto-trader/internal/types"
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

var day = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func writeOrder(t *testing.T, log *audit.Log, at time.Time, id, pair string, side types.Side, u types.OrderUpdate) {
	t.Helper()
	require.NoError(t, log.Append(ledger.Entry{Op: ledger.OpTrack, At: at, Order: &types.Order{
		CorrelationID: id, Pair: pair, Side: side, Status: types.StatusPending,
	}}))
	u.CorrelationID = id
	require.NoError(t, log.Append(ledger.Entry{Op: ledger.OpApply, At: at.Add(time.Second), Update: &u}))
}

func TestSummarizeDayAggregatesClosedFills(t *testing.T) {
	dir := t.TempDir()
	log, err := audit.Open(dir)
	require.NoError(t, err)

	writeOrder(t, log, day.Add(-time.Hour), "old", "BTC/USD", types.SideBuy,
		types.OrderUpdate{Status: types.StatusFilled, FilledQty: d("1"), FilledCost: d("19000"), Fee: d("19")})
	writeOrder(t, log, day.Add(time.Hour), "a", "BTC/USD", types.SideBuy,
		types.OrderUpdate{Status: types.StatusFilled, FilledQty: d("0.02"), FilledCost: d("400"), Fee: d("0.4")})
	writeOrder(t, log, day.Add(2*time.Hour), "b", "BTC/USD", types.SideSell,
		types.OrderUpdate{Status: types.StatusFilled, FilledQty: d("0.01"), FilledCost: d("210"), Fee: d("0.21")})
	writeOrder(t, log, day.Add(3*time.Hour), "c", "ETH/USD", types.SideBuy,
		types.OrderUpdate{Status: types.StatusCancelled})
	writeOrder(t, log, day.Add(4*time.Hour), "e", "ETH/USD", types.SideBuy,
		types.OrderUpdate{Status: types.StatusPartiallyFilled, FilledQty: d("1"), FilledCost: d("3000")})
	require.NoError(t, log.Close())

	s, err := New(dir, "23:55")
	require.NoError(t, err)
	path, err := s.SummarizeDay(day.Add(12 * time.Hour))
	require.NoError(t, err)
	require.NotEmpty(t, path)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)

	require.Len(t, rows, 3)
	assert.Equal(t, "pair", rows[0][0])
	assert.Equal(t, []string{"BTC/USD", "2", "0.02", "20000.0000", "0.01", "21000.0000", "0.6100", "9.39", "400.00", "210.00"}, rows[1])
	assert.Equal(t, "TOTAL", rows[2][0])
	assert.Equal(t, "2", rows[2][1])
}

func TestSummarizeDayWithoutFills(t *testing.T) {
	s, err := New(t.TempDir(), "23:55")
	require.NoError(t, err)
	path, err := s.SummarizeDay(day)
	require.NoError(t, err)
	assert.Empty(t, path)
}

func TestShouldRunNowAfterCutoff(t *testing.T) {
	dir := t.TempDir()
	log, err := audit.Open(dir)
	require.NoError(t, err)
	writeOrder(t, log, day.Add(time.Hour), "a", "BTC/USD", types.SideBuy,
		types.OrderUpdate{Status: types.StatusFilled, FilledQty: d("0.02"), FilledCost: d("400")})
	require.NoError(t, log.Close())

	s, err := New(dir, "23:55")
	require.NoError(t, err)

	s.now = func() time.Time { return day.Add(23 * time.Hour) }
	run, _ := s.ShouldRunNow()
	assert.False(t, run, "before cutoff")

	s.now = func() time.Time { return day.Add(23*time.Hour + 56*time.Minute) }
	run, path := s.ShouldRunNow()
	assert.True(t, run)

	got, err := s.SummarizeToday()
	require.NoError(t, err)
	assert.Equal(t, path, got)
	run, _ = s.ShouldRunNow()
	assert.False(t, run, "already written")

	_, err = New(dir, "25:00")
	assert.Error(t, err)
}
