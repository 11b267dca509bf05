package eod

import (
	"time"

	"github.com/shopspring/decimal"

	"llm-crypto-trader/internal/types"
)

// orderState is the last known state of one order while walking the audit log.
type orderState struct {
	Pair       string
	Side       types.Side
	Status     types.OrderStatus
	FilledQty  decimal.Decimal
	FilledCost decimal.Decimal
	Fee        decimal.Decimal
	ClosedAt   time.Time // when the order became terminal
}

// aggRow represents aggregated fills for one pair over a day.
type aggRow struct {
	Pair      string
	Orders    int
	BuyQty    decimal.Decimal // base bought
	BuyValue  decimal.Decimal // quote spent, before fees
	SellQty   decimal.Decimal
	SellValue decimal.Decimal
	Fees      decimal.Decimal // quote
}
