package types

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Candle struct {
	Ts     int64   `json:"ts"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

type Ticker struct {
	Pair      string          `json:"pair"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Last      decimal.Decimal `json:"last"`
	Volume24h decimal.Decimal `json:"volume_24h"`
	Ts        int64           `json:"ts"`
}

// Snapshot is one poll of market state for a pair.
type Snapshot struct {
	Pair      string    `json:"pair"`
	Candles   []Candle  `json:"candles"`
	Ticker    Ticker    `json:"ticker"`
	FetchedAt time.Time `json:"fetched_at"`
}

type Trend string

const (
	Bullish Trend = "bullish"
	Bearish Trend = "bearish"
	Neutral Trend = "neutral"
)

type Signal struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Trend Trend   `json:"trend"`
}

// SignalSet is produced fresh per cycle. Signals are kept sorted by name.
type SignalSet struct {
	Signals []Signal  `json:"signals"`
	At      time.Time `json:"at"`
}

func NewSignalSet(at time.Time, signals ...Signal) SignalSet {
	out := make([]Signal, len(signals))
	copy(out, signals)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return SignalSet{Signals: out, At: at}
}

func (s SignalSet) Get(name string) (Signal, bool) {
	i := sort.Search(len(s.Signals), func(i int) bool { return s.Signals[i].Name >= name })
	if i < len(s.Signals) && s.Signals[i].Name == name {
		return s.Signals[i], true
	}
	return Signal{}, false
}

func (s SignalSet) Values() map[string]float64 {
	m := make(map[string]float64, len(s.Signals))
	for _, sig := range s.Signals {
		m[sig.Name] = sig.Value
	}
	return m
}

type Stance string

const (
	StanceBuy  Stance = "buy"
	StanceSell Stance = "sell"
	StanceHold Stance = "hold"
)

type OracleVerdict struct {
	Stance      Stance    `json:"stance"`
	Confidence  float64   `json:"confidence"`
	Rationale   string    `json:"rationale"`
	GeneratedAt time.Time `json:"generated_at"`
	Degraded    bool      `json:"degraded,omitempty"`
	Cause       string    `json:"cause,omitempty"`
}

// DegradedVerdict is what the engine uses whenever the oracle cannot be trusted.
func DegradedVerdict(cause string) OracleVerdict {
	return OracleVerdict{Stance: StanceHold, Confidence: 0, Degraded: true, Cause: cause}
}

type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
	ActionHold Action = "hold"
)

type Decision struct {
	ID             string          `json:"id"`
	Pair           string          `json:"pair"`
	Action         Action          `json:"action"`
	SizeFraction   float64         `json:"size_fraction"`
	Confidence     float64         `json:"confidence"`
	Signals        SignalSet       `json:"signals"`
	Verdict        OracleVerdict   `json:"verdict"`
	TechnicalTrend Trend           `json:"technical_trend"`
	AgreementRatio float64         `json:"agreement_ratio"`
	Reason         string          `json:"reason"`
	Price          decimal.Decimal `json:"price"`
	StopLoss       decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit     decimal.Decimal `json:"take_profit,omitempty"`
	DecidedAt      time.Time       `json:"decided_at"`
}

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

type OrderStatus string

const (
	StatusPending         OrderStatus = "pending"
	StatusAccepted        OrderStatus = "accepted"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusFilled          OrderStatus = "filled"
	StatusRejected        OrderStatus = "rejected"
	StatusCancelled       OrderStatus = "cancelled"
	StatusUnknown         OrderStatus = "unknown"
)

func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusRejected, StatusCancelled:
		return true
	default:
		return false
	}
}

type Order struct {
	CorrelationID string          `json:"correlation_id"`
	ExchangeID    string          `json:"exchange_id,omitempty"`
	Pair          string          `json:"pair"`
	Side          Side            `json:"side"`
	Type          OrderType       `json:"type"`
	RequestedQty  decimal.Decimal `json:"requested_qty"`
	Price         decimal.Decimal `json:"price"`
	Status        OrderStatus     `json:"status"`
	FilledQty     decimal.Decimal `json:"filled_qty"`
	FilledCost    decimal.Decimal `json:"filled_cost"`
	Fee           decimal.Decimal `json:"fee"`
	Resubmits     int             `json:"resubmits"`
	DecisionID    string          `json:"decision_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// OrderUpdate is exchange-confirmed order state. Fill fields are cumulative.
type OrderUpdate struct {
	CorrelationID string          `json:"correlation_id"`
	ExchangeID    string          `json:"exchange_id,omitempty"`
	Status        OrderStatus     `json:"status"`
	FilledQty     decimal.Decimal `json:"filled_qty"`
	FilledCost    decimal.Decimal `json:"filled_cost"`
	Fee           decimal.Decimal `json:"fee"`
	Reason        string          `json:"reason,omitempty"`
}

// OrderIntent is a risk-approved, sized order waiting for submission.
type OrderIntent struct {
	Pair       string          `json:"pair"`
	Side       Side            `json:"side"`
	Type       OrderType       `json:"type"`
	Qty        decimal.Decimal `json:"qty"`
	Price      decimal.Decimal `json:"price"`
	DecisionID string          `json:"decision_id"`
}

type Balance struct {
	Asset     string          `json:"asset"`
	Available decimal.Decimal `json:"available"`
	Locked    decimal.Decimal `json:"locked"`
	Total     decimal.Decimal `json:"total"`
}

type LedgerSnapshot struct {
	Pair             string          `json:"pair"`
	BaseAsset        string          `json:"base_asset"`
	QuoteAsset       string          `json:"quote_asset"`
	Base             decimal.Decimal `json:"base"`
	Quote            decimal.Decimal `json:"quote"`
	ReservedBase     decimal.Decimal `json:"reserved_base"`
	ReservedQuote    decimal.Decimal `json:"reserved_quote"`
	OpenOrders       []Order         `json:"open_orders"`
	LastReconciledAt time.Time       `json:"last_reconciled_at"`
	Stale            bool            `json:"stale"`
	StaleReason      string          `json:"stale_reason,omitempty"`
}

func (s LedgerSnapshot) AvailableBase() decimal.Decimal {
	return s.Base.Sub(s.ReservedBase)
}

func (s LedgerSnapshot) AvailableQuote() decimal.Decimal {
	return s.Quote.Sub(s.ReservedQuote)
}

// HasOpen reports whether a non-terminal order on side is already open.
func (s LedgerSnapshot) HasOpen(side Side) bool {
	for _, o := range s.OpenOrders {
		if o.Side == side && !o.Status.Terminal() {
			return true
		}
	}
	return false
}

type RejectReason string

const (
	RejectHold                RejectReason = "hold"
	RejectLedgerStale         RejectReason = "ledger_stale"
	RejectDuplicatePending    RejectReason = "duplicate_pending"
	RejectMaxPosition         RejectReason = "max_position"
	RejectInsufficientBalance RejectReason = "insufficient_balance"
	RejectMaxOrderSize        RejectReason = "max_order_size"
	RejectBelowMinSize        RejectReason = "below_min_size"
	RejectInvalidPrice        RejectReason = "invalid_price"
)

type Rejection struct {
	Reason RejectReason `json:"reason"`
	Detail string       `json:"detail"`
}

func (r *Rejection) Error() string {
	return "risk rejected: " + string(r.Reason) + ": " + r.Detail
}

type StepResult struct {
	Pair       string     `json:"pair"`
	Decision   *Decision  `json:"decision,omitempty"`
	Rejection  *Rejection `json:"rejection,omitempty"`
	Order      *Order     `json:"order,omitempty"`
	Price      float64    `json:"price"`
	Time       int64      `json:"time"`
	Skipped    bool       `json:"skipped,omitempty"`
	SkipReason string     `json:"skip_reason,omitempty"`
}

// OrderRequest is what the exchange adapter sends. CorrelationID is the idempotency key.
type OrderRequest struct {
	CorrelationID string          `json:"correlation_id"`
	Pair          string          `json:"pair"`
	Side          Side            `json:"side"`
	Type          OrderType       `json:"type"`
	Qty           decimal.Decimal `json:"qty"`
	Price         decimal.Decimal `json:"price"`
}

// ExchangeOrder is the exchange's view of one order.
type ExchangeOrder struct {
	ExchangeID    string          `json:"exchange_id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Pair          string          `json:"pair"`
	Side          Side            `json:"side"`
	Type          OrderType       `json:"type"`
	Qty           decimal.Decimal `json:"qty"`
	Price         decimal.Decimal `json:"price"`
	Status        OrderStatus     `json:"status"`
	FilledQty     decimal.Decimal `json:"filled_qty"`
	FilledCost    decimal.Decimal `json:"filled_cost"`
	Fee           decimal.Decimal `json:"fee"`
	OpenedAt      time.Time       `json:"opened_at"`
}

func (o ExchangeOrder) Update() OrderUpdate {
	return OrderUpdate{
		CorrelationID: o.CorrelationID,
		ExchangeID:    o.ExchangeID,
		Status:        o.Status,
		FilledQty:     o.FilledQty,
		FilledCost:    o.FilledCost,
		Fee:           o.Fee,
	}
}

// SplitPair splits "BTC/USD" into its base and quote assets.
func SplitPair(pair string) (base, quote string, ok bool) {
	i := strings.IndexByte(pair, '/')
	if i <= 0 || i == len(pair)-1 {
		return "", "", false
	}
	return strings.ToUpper(pair[:i]), strings.ToUpper(pair[i+1:]), true
}

type DiscrepancyKind string

const (
	DiscrepancyStatus    DiscrepancyKind = "status_mismatch"
	DiscrepancyMissing   DiscrepancyKind = "missing_on_exchange"
	DiscrepancyAbandoned DiscrepancyKind = "abandoned"
	DiscrepancyOrphan    DiscrepancyKind = "orphan_adopted"
	DiscrepancyBalance   DiscrepancyKind = "balance_mismatch"
	DiscrepancyDiverged  DiscrepancyKind = "balance_diverged"
	DiscrepancyExpired   DiscrepancyKind = "order_expired"
)

// Discrepancy is a difference between local state and exchange truth found
// during reconciliation. Exchange truth always wins.
type Discrepancy struct {
	Kind          DiscrepancyKind `json:"kind"`
	Pair          string          `json:"pair,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Asset         string          `json:"asset,omitempty"`
	Local         string          `json:"local"`
	Exchange      string          `json:"exchange"`
	Detail        string          `json:"detail,omitempty"`
	At            time.Time       `json:"at"`
}
