package bybit

import (
	"errors"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/ordersync/errs"
	"github.com/coachpo/ordersync/internal/domain/schema"
)

// controlRequest is the outbound op frame used for auth, ping and (un)subscribe.
type controlRequest struct {
	ReqID string `json:"req_id,omitempty"`
	Op    string `json:"op"`
	Args  []any  `json:"args,omitempty"`
}

// envelope covers both op responses and topic data frames.
type envelope struct {
	ReqID        string          `json:"req_id"`
	Op           string          `json:"op"`
	Success      *bool           `json:"success"`
	RetMsg       string          `json:"ret_msg"`
	ConnID       string          `json:"conn_id"`
	ID           string          `json:"id"`
	Topic        string          `json:"topic"`
	CreationTime int64           `json:"creationTime"`
	Data         json.RawMessage `json:"data"`
}

func (e envelope) isControl() bool { return e.Op != "" && e.Topic == "" }

func (e envelope) succeeded() bool { return e.Success == nil || *e.Success }

func decodeEnvelope(frame []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return envelope{}, errs.New("bybit-stream", errs.CodeProtocol,
			errs.WithMessage("decode frame"), errs.WithCause(err))
	}
	if env.Op == "" && env.Topic == "" {
		return envelope{}, errs.New("bybit-stream", errs.CodeProtocol,
			errs.WithMessage("frame has neither op nor topic"), errs.WithRawMessage(truncate(frame, 256)))
	}
	return env, nil
}

// orderPayload is the order shape shared by the order topic and the REST order endpoints.
type orderPayload struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	Category    string `json:"category"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderType   string `json:"orderType"`
	Qty         string `json:"qty"`
	Price       string `json:"price"`
	OrderStatus string `json:"orderStatus"`
	CumExecQty  string `json:"cumExecQty"`
	CreatedTime string `json:"createdTime"`
	UpdatedTime string `json:"updatedTime"`
}

func (p orderPayload) toUpdate() (schema.OrderUpdate, error) {
	orderID := strings.TrimSpace(p.OrderID)
	if orderID == "" {
		return schema.OrderUpdate{}, errs.New("bybit", errs.CodeProtocol, errs.WithMessage("order payload missing orderId"))
	}
	if strings.TrimSpace(p.OrderStatus) == "" {
		return schema.OrderUpdate{}, errs.New("bybit", errs.CodeProtocol,
			errs.WithOrderID(orderID), errs.WithMessage("order payload missing orderStatus"))
	}
	seq, err := strconv.ParseInt(strings.TrimSpace(p.UpdatedTime), 10, 64)
	if err != nil {
		return schema.OrderUpdate{}, errs.New("bybit", errs.CodeProtocol,
			errs.WithOrderID(orderID), errs.WithMessage("invalid updatedTime"), errs.WithCause(err))
	}
	filled := strings.TrimSpace(p.CumExecQty)
	if filled == "" {
		filled = "0"
	}
	if _, err := decimal.NewFromString(filled); err != nil {
		return schema.OrderUpdate{}, errs.New("bybit", errs.CodeProtocol,
			errs.WithOrderID(orderID), errs.WithMessage("invalid cumExecQty"), errs.WithCause(err))
	}
	update := schema.OrderUpdate{
		OrderID:        orderID,
		OrderLinkID:    p.OrderLinkID,
		Symbol:         p.Symbol,
		Side:           schema.TradeSide(p.Side),
		OrderType:      schema.OrderType(p.OrderType),
		Quantity:       p.Qty,
		Status:         schema.OrderStatus(p.OrderStatus),
		FilledQuantity: filled,
		Sequence:       seq,
		UpdatedAt:      time.UnixMilli(seq).UTC(),
	}
	if price := strings.TrimSpace(p.Price); price != "" {
		if d, err := decimal.NewFromString(price); err == nil && !d.IsZero() {
			update.Price = &price
		}
	}
	return update, nil
}

// DecodeOrderUpdates parses the data array of an order topic frame. Items that
// fail validation are skipped; the valid ones are returned together with the
// joined item errors.
func DecodeOrderUpdates(payload []byte) ([]schema.OrderUpdate, error) {
	var raw []orderPayload
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, errs.New("bybit", errs.CodeProtocol, errs.WithTopic("order"),
			errs.WithMessage("decode order payload"), errs.WithCause(err))
	}
	out := make([]schema.OrderUpdate, 0, len(raw))
	var bad []error
	for _, item := range raw {
		if item.Category != "" && item.Category != schema.Category {
			continue
		}
		update, err := item.toUpdate()
		if err != nil {
			bad = append(bad, err)
			continue
		}
		out = append(out, update)
	}
	return out, errors.Join(bad...)
}

// Execution is a single fill from the execution topic.
type Execution struct {
	ExecID      string
	OrderID     string
	OrderLinkID string
	Symbol      string
	Side        schema.TradeSide
	Price       decimal.Decimal
	Quantity    decimal.Decimal
	Fee         decimal.Decimal
	IsMaker     bool
	ExecutedAt  time.Time
}

type executionPayload struct {
	Category    string `json:"category"`
	Symbol      string `json:"symbol"`
	ExecID      string `json:"execId"`
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	Side        string `json:"side"`
	ExecPrice   string `json:"execPrice"`
	ExecQty     string `json:"execQty"`
	ExecFee     string `json:"execFee"`
	ExecTime    string `json:"execTime"`
	IsMaker     bool   `json:"isMaker"`
}

// DecodeExecutions parses the data array of an execution topic frame.
func DecodeExecutions(payload []byte) ([]Execution, error) {
	var raw []executionPayload
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, errs.New("bybit", errs.CodeProtocol, errs.WithTopic("execution"),
			errs.WithMessage("decode execution payload"), errs.WithCause(err))
	}
	out := make([]Execution, 0, len(raw))
	for _, item := range raw {
		if item.Category != "" && item.Category != schema.Category {
			continue
		}
		out = append(out, Execution{
			ExecID:      item.ExecID,
			OrderID:     item.OrderID,
			OrderLinkID: item.OrderLinkID,
			Symbol:      item.Symbol,
			Side:        schema.TradeSide(item.Side),
			Price:       parseDecimal(item.ExecPrice),
			Quantity:    parseDecimal(item.ExecQty),
			Fee:         parseDecimal(item.ExecFee),
			IsMaker:     item.IsMaker,
			ExecutedAt:  parseMillis(item.ExecTime),
		})
	}
	return out, nil
}

// CoinBalance is one coin of a wallet snapshot.
type CoinBalance struct {
	Coin          string
	WalletBalance decimal.Decimal
	Equity        decimal.Decimal
	Locked        decimal.Decimal
	Free          decimal.Decimal
}

// WalletSnapshot is one account entry of a wallet frame or REST balance response.
type WalletSnapshot struct {
	AccountType string
	Coins       []CoinBalance
}

type walletPayload struct {
	AccountType string `json:"accountType"`
	Coin        []struct {
		Coin          string `json:"coin"`
		WalletBalance string `json:"walletBalance"`
		Equity        string `json:"equity"`
		Locked        string `json:"locked"`
		Free          string `json:"free"`
	} `json:"coin"`
}

func (w walletPayload) snapshot() WalletSnapshot {
	out := WalletSnapshot{AccountType: w.AccountType, Coins: make([]CoinBalance, 0, len(w.Coin))}
	for _, coin := range w.Coin {
		balance := CoinBalance{
			Coin:          coin.Coin,
			WalletBalance: parseDecimal(coin.WalletBalance),
			Equity:        parseDecimal(coin.Equity),
			Locked:        parseDecimal(coin.Locked),
			Free:          parseDecimal(coin.Free),
		}
		if coin.Free == "" {
			balance.Free = balance.WalletBalance.Sub(balance.Locked)
		}
		out.Coins = append(out.Coins, balance)
	}
	return out
}

// DecodeWallet parses the data array of a wallet topic frame.
func DecodeWallet(payload []byte) ([]WalletSnapshot, error) {
	var raw []walletPayload
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, errs.New("bybit", errs.CodeProtocol, errs.WithTopic("wallet"),
			errs.WithMessage("decode wallet payload"), errs.WithCause(err))
	}
	out := make([]WalletSnapshot, 0, len(raw))
	for _, item := range raw {
		out = append(out, item.snapshot())
	}
	return out, nil
}

func parseDecimal(value string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return decimal.Zero
	}
	return d
}

func parseMillis(value string) time.Time {
	ms, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
