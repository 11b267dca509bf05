package kraken

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"llm-crypto-trader/internal/exchange"
	"llm-crypto-trader/internal/types"
)

func (c *Client) Balances(ctx context.Context) (map[string]types.Balance, error) {
	var res map[string]string
	if err := c.private(ctx, "Balance", nil, &res); err != nil {
		return nil, err
	}
	out := make(map[string]types.Balance, len(res))
	for code, v := range res {
		// staked and earn balances are not tradable
		if strings.Contains(code, ".") {
			continue
		}
		amt, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("kraken Balance %s=%q: %w", code, v, err)
		}
		asset := Asset(code)
		b := out[asset]
		b.Asset = asset
		b.Total = b.Total.Add(amt)
		b.Available = b.Total
		out[asset] = b
	}
	return out, nil
}

type orderInfo struct {
	ClOrdID string  `json:"cl_ord_id"`
	Status  string  `json:"status"`
	OpenTm  float64 `json:"opentm"`
	Vol     string  `json:"vol"`
	VolExec string  `json:"vol_exec"`
	Cost    string  `json:"cost"`
	Fee     string  `json:"fee"`
	Descr   struct {
		Pair      string `json:"pair"`
		Type      string `json:"type"`
		OrderType string `json:"ordertype"`
		Price     string `json:"price"`
	} `json:"descr"`
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Status maps Kraken's order status onto the local lifecycle.
func Status(krakenStatus string, vol, volExec decimal.Decimal) types.OrderStatus {
	switch krakenStatus {
	case "pending":
		return types.StatusAccepted
	case "open":
		if volExec.IsPositive() {
			return types.StatusPartiallyFilled
		}
		return types.StatusAccepted
	case "closed":
		if volExec.IsPositive() && volExec.GreaterThanOrEqual(vol) {
			return types.StatusFilled
		}
		return types.StatusCancelled
	case "canceled", "expired":
		return types.StatusCancelled
	}
	return types.StatusUnknown
}

func (c *Client) toExchangeOrder(txid string, o orderInfo) types.ExchangeOrder {
	vol, exec := dec(o.Vol), dec(o.VolExec)
	return types.ExchangeOrder{
		ExchangeID:    txid,
		CorrelationID: o.ClOrdID,
		Pair:          pairFromKraken(o.Descr.Pair, c.p.Pairs),
		Side:          types.Side(o.Descr.Type),
		Type:          types.OrderType(o.Descr.OrderType),
		Qty:           vol,
		Price:         dec(o.Descr.Price),
		Status:        Status(o.Status, vol, exec),
		FilledQty:     exec,
		FilledCost:    dec(o.Cost),
		Fee:           dec(o.Fee),
		OpenedAt:      time.Unix(int64(o.OpenTm), 0).UTC(),
	}
}

func (c *Client) OpenOrders(ctx context.Context) ([]types.ExchangeOrder, error) {
	return c.listOrders(ctx, "OpenOrders", "open", nil)
}

func (c *Client) listOrders(ctx context.Context, method, key string, form url.Values) ([]types.ExchangeOrder, error) {
	// ClosedOrders also carries a numeric "count" beside the order map
	var res map[string]json.RawMessage
	if err := c.private(ctx, method, form, &res); err != nil {
		return nil, err
	}
	var orders map[string]orderInfo
	if raw, ok := res[key]; ok {
		if err := json.Unmarshal(raw, &orders); err != nil {
			return nil, fmt.Errorf("kraken %s: decode %s: %w", method, key, err)
		}
	}
	out := make([]types.ExchangeOrder, 0, len(orders))
	for txid, o := range orders {
		out = append(out, c.toExchangeOrder(txid, o))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExchangeID < out[j].ExchangeID })
	return out, nil
}

// SubmitOrder sends AddOrder with cl_ord_id set to the correlation id, so the
// order can be found again after a lost response.
func (c *Client) SubmitOrder(ctx context.Context, req types.OrderRequest) (types.ExchangeOrder, error) {
	form := url.Values{}
	form.Set("pair", PairName(req.Pair))
	form.Set("type", string(req.Side))
	form.Set("ordertype", string(req.Type))
	form.Set("volume", req.Qty.String())
	form.Set("cl_ord_id", req.CorrelationID)
	if req.Type == types.OrderTypeLimit {
		form.Set("price", req.Price.String())
	}

	var res struct {
		TxID []string `json:"txid"`
	}
	if err := c.private(ctx, "AddOrder", form, &res); err != nil {
		return types.ExchangeOrder{}, err
	}
	if len(res.TxID) == 0 {
		return types.ExchangeOrder{}, fmt.Errorf("%w: AddOrder returned no txid", exchange.ErrAmbiguous)
	}
	return types.ExchangeOrder{
		ExchangeID:    res.TxID[0],
		CorrelationID: req.CorrelationID,
		Pair:          req.Pair,
		Side:          req.Side,
		Type:          req.Type,
		Qty:           req.Qty,
		Price:         req.Price,
		Status:        types.StatusAccepted,
		OpenedAt:      time.Now().UTC(),
	}, nil
}

func (c *Client) CancelOrder(ctx context.Context, exchangeID string) error {
	form := url.Values{}
	form.Set("txid", exchangeID)
	return c.private(ctx, "CancelOrder", form, nil)
}

// LookupOrder searches open orders, then closed orders, by cl_ord_id.
func (c *Client) LookupOrder(ctx context.Context, correlationID string) (types.ExchangeOrder, error) {
	form := func() url.Values {
		f := url.Values{}
		f.Set("cl_ord_id", correlationID)
		return f
	}
	open, err := c.listOrders(ctx, "OpenOrders", "open", form())
	if err != nil {
		return types.ExchangeOrder{}, err
	}
	for _, o := range open {
		if o.CorrelationID == correlationID {
			return o, nil
		}
	}
	closed, err := c.listOrders(ctx, "ClosedOrders", "closed", form())
	if err != nil {
		return types.ExchangeOrder{}, err
	}
	for _, o := range closed {
		if o.CorrelationID == correlationID {
			return o, nil
		}
	}
	return types.ExchangeOrder{}, fmt.Errorf("%w: cl_ord_id %s", exchange.ErrNotFound, correlationID)
}
