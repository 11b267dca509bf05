// Package eod writes the end-of-day CSV summary of filled orders per pair,
// read back from the audit log.
package eod

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"llm-crypto-trader/internal/audit"
	"llm-crypto-trader/internal/interfaces"
	"llm-crypto-trader/internal/ledger"
	"llm-crypto-trader/internal/store"
	"llm-crypto-trader/internal/types"
)

type Summarizer struct {
	auditDir string
	outDir   string
	cutoff   time.Duration // offset from UTC midnight
	now      func() time.Time
}

var _ interfaces.EodSummarizer = (*Summarizer)(nil)

// New summarizes the audit log in auditDir. cutoff is "HH:MM" UTC.
func New(auditDir, cutoff string) (*Summarizer, error) {
	c, err := time.Parse("15:04", cutoff)
	if err != nil {
		return nil, fmt.Errorf("eod cutoff: %w", err)
	}
	return &Summarizer{
		auditDir: auditDir,
		outDir:   filepath.Join(auditDir, "eod"),
		cutoff:   time.Duration(c.Hour())*time.Hour + time.Duration(c.Minute())*time.Minute,
		now:      time.Now,
	}, nil
}

func NewFromConfig(cfg *store.Config) (*Summarizer, error) {
	return New(cfg.Audit.Dir, cfg.Audit.EODCutoff)
}

func (s *Summarizer) csvPath(t time.Time) string {
	return filepath.Join(s.outDir, t.UTC().Format("2006-01-02")+".csv")
}

// SummarizeDay writes the summary for the UTC day of t. It returns an empty
// path when no order closed with fills that day.
func (s *Summarizer) SummarizeDay(t time.Time) (string, error) {
	start := time.Date(t.UTC().Year(), t.UTC().Month(), t.UTC().Day(), 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 1)

	states, err := s.load(end)
	if err != nil {
		return "", err
	}

	aggs := map[string]*aggRow{}
	for _, st := range states {
		if !st.Status.Terminal() || !st.FilledQty.IsPositive() {
			continue
		}
		if st.ClosedAt.Before(start) || !st.ClosedAt.Before(end) {
			continue
		}
		row := aggs[st.Pair]
		if row == nil {
			row = &aggRow{Pair: st.Pair}
			aggs[st.Pair] = row
		}
		row.Orders++
		row.Fees = row.Fees.Add(st.Fee)
		switch st.Side {
		case types.SideBuy:
			row.BuyQty = row.BuyQty.Add(st.FilledQty)
			row.BuyValue = row.BuyValue.Add(st.FilledCost)
		case types.SideSell:
			row.SellQty = row.SellQty.Add(st.FilledQty)
			row.SellValue = row.SellValue.Add(st.FilledCost)
		}
	}
	if len(aggs) == 0 {
		return "", nil
	}
	return s.write(start, aggs)
}

// load walks the audit log up to end and returns the last state of every order.
func (s *Summarizer) load(end time.Time) (map[string]*orderState, error) {
	states := map[string]*orderState{}
	err := audit.Read(s.auditDir, func(r audit.Record) error {
		if r.Ledger == nil || !r.At.Before(end) {
			return nil
		}
		e := r.Ledger
		switch e.Op {
		case ledger.OpTrack, ledger.OpAdopt:
			if e.Order == nil {
				return nil
			}
			o := e.Order
			states[o.CorrelationID] = &orderState{
				Pair: o.Pair, Side: o.Side, Status: o.Status,
				FilledQty: o.FilledQty, FilledCost: o.FilledCost, Fee: o.Fee,
			}
		case ledger.OpApply, ledger.OpReconcileUpdate:
			if e.Update == nil {
				return nil
			}
			st := states[e.Update.CorrelationID]
			if st == nil {
				return nil
			}
			st.Status = e.Update.Status
			if e.Update.FilledQty.GreaterThan(st.FilledQty) {
				st.FilledQty = e.Update.FilledQty
				st.FilledCost = e.Update.FilledCost
				st.Fee = e.Update.Fee
			}
			if st.Status.Terminal() {
				st.ClosedAt = r.At
			}
		case ledger.OpTransition:
			if st := states[e.CorrelationID]; st != nil {
				st.Status = e.Status
				if st.Status.Terminal() {
					st.ClosedAt = r.At
				}
			}
		}
		return nil
	})
	return states, err
}

func (s *Summarizer) write(day time.Time, aggs map[string]*aggRow) (string, error) {
	keys := make([]string, 0, len(aggs))
	for k := range aggs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	outPath := s.csvPath(day)
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return "", err
	}
	out, err := os.Create(outPath)
	if err != nil {
		return "", err
	}
	defer out.Close()

	w := csv.NewWriter(out)
	headers := []string{"pair", "orders", "buy_qty", "buy_avg", "sell_qty", "sell_avg", "fees", "realized_pnl", "gross_buy_value", "gross_sell_value"}
	if err := w.Write(headers); err != nil {
		return "", err
	}
	var totalBuy, totalSell, totalFees, totalPnL decimal.Decimal
	orders := 0
	for _, k := range keys {
		r := aggs[k]
		buyAvg, sellAvg := avg(r.BuyValue, r.BuyQty), avg(r.SellValue, r.SellQty)
		// matched round trips only, net of the day's fees
		matched := decimal.Min(r.BuyQty, r.SellQty)
		pnl := matched.Mul(sellAvg.Sub(buyAvg)).Sub(r.Fees)
		rec := []string{
			r.Pair, strconv.Itoa(r.Orders),
			r.BuyQty.String(), buyAvg.StringFixed(4),
			r.SellQty.String(), sellAvg.StringFixed(4),
			r.Fees.StringFixed(4), pnl.StringFixed(2),
			r.BuyValue.StringFixed(2), r.SellValue.StringFixed(2),
		}
		if err := w.Write(rec); err != nil {
			return "", err
		}
		orders += r.Orders
		totalBuy = totalBuy.Add(r.BuyValue)
		totalSell = totalSell.Add(r.SellValue)
		totalFees = totalFees.Add(r.Fees)
		totalPnL = totalPnL.Add(pnl)
	}
	_ = w.Write([]string{"TOTAL", strconv.Itoa(orders), "", "", "", "", totalFees.StringFixed(4), totalPnL.StringFixed(2), totalBuy.StringFixed(2), totalSell.StringFixed(2)})
	w.Flush()
	if err := w.Error(); err != nil {
		return "", err
	}
	return outPath, nil
}

func avg(value, qty decimal.Decimal) decimal.Decimal {
	if !qty.IsPositive() {
		return decimal.Zero
	}
	return value.Div(qty)
}

func (s *Summarizer) SummarizeToday() (string, error) { return s.SummarizeDay(s.now().UTC()) }

// ShouldRunNow reports whether today's cutoff has passed and the CSV is not
// written yet.
func (s *Summarizer) ShouldRunNow() (bool, string) {
	now := s.now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	outPath := s.csvPath(now)
	if now.After(midnight.Add(s.cutoff)) {
		if _, err := os.Stat(outPath); errors.Is(err, os.ErrNotExist) {
			return true, outPath
		}
	}
	return false, outPath
}
