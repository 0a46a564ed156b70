package bybit

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	bybitapi "github.com/bybit-exchange/bybit.go.api"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/coachpo/ordersync/errs"
	"github.com/coachpo/ordersync/internal/domain/schema"
	"github.com/coachpo/ordersync/internal/infra/logging"
)

const (
	restComponent = "bybit-rest"
	pageLimit     = 50
	maxPages      = 20
)

// RESTConfig configures the trade client.
type RESTConfig struct {
	BaseURL    string
	APIKey     string
	APISecret  string
	RecvWindow int
	Timeout    time.Duration
	RateLimit  float64
	RateBurst  int
	Logger     *logrus.Entry
}

// RESTClient places, cancels and queries spot orders through the v5 REST API.
type RESTClient struct {
	client     *bybitapi.Client
	limiter    *rate.Limiter
	recvWindow string
	logger     *logrus.Entry
}

// NewRESTClient builds a rate-limited client over the official SDK.
func NewRESTClient(cfg RESTConfig) (*RESTClient, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errs.New(restComponent, errs.CodeInvalid, errs.WithMessage("rest base url required"))
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 10
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 1
	}
	if cfg.RecvWindow <= 0 {
		cfg.RecvWindow = 5000
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	client := bybitapi.NewBybitHttpClient(cfg.APIKey, cfg.APISecret, bybitapi.WithBaseURL(strings.TrimRight(cfg.BaseURL, "/")))
	client.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	return &RESTClient{
		client:     client,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		recvWindow: strconv.Itoa(cfg.RecvWindow),
		logger:     cfg.Logger,
	}, nil
}

type placeResult struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
}

type orderListResult struct {
	Category       string         `json:"category"`
	List           []orderPayload `json:"list"`
	NextPageCursor string         `json:"nextPageCursor"`
}

// PlaceOrder submits a spot order. A missing OrderLinkID is generated.
func (c *RESTClient) PlaceOrder(ctx context.Context, req schema.OrderRequest) (schema.PlacedOrder, error) {
	if err := req.Validate(); err != nil {
		return schema.PlacedOrder{}, err
	}
	linkID := strings.TrimSpace(req.OrderLinkID)
	if linkID == "" {
		linkID = uuid.NewString()
	}
	params := map[string]interface{}{
		"category":    schema.Category,
		"symbol":      req.Symbol,
		"side":        string(req.Side),
		"orderType":   string(req.OrderType),
		"qty":         req.Quantity,
		"orderLinkId": linkID,
	}
	if req.Price != nil {
		params["price"] = *req.Price
	}
	if req.OrderType == schema.OrderTypeLimit {
		params["timeInForce"] = "GTC"
	}

	var out placeResult
	err := c.call(ctx, "place_order", params, &out, func(svc *bybitapi.BybitClientRequest) (*bybitapi.ServerResponse, error) {
		return svc.PlaceOrder(ctx)
	})
	if err != nil {
		return schema.PlacedOrder{}, err
	}
	if out.OrderID == "" {
		return schema.PlacedOrder{}, errs.New(restComponent, errs.CodeProtocol, errs.WithMessage("place response missing orderId"))
	}
	if out.OrderLinkID == "" {
		out.OrderLinkID = linkID
	}
	c.logger.WithFields(logrus.Fields{"order_id": out.OrderID, "symbol": req.Symbol}).Info("order placed")
	return schema.PlacedOrder{OrderID: out.OrderID, OrderLinkID: out.OrderLinkID}, nil
}

// CancelOrder requests cancellation of a resting order.
func (c *RESTClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if strings.TrimSpace(symbol) == "" || strings.TrimSpace(orderID) == "" {
		return errs.New(restComponent, errs.CodeInvalid, errs.WithOrderID(orderID), errs.WithMessage("symbol and order id required"))
	}
	params := map[string]interface{}{
		"category": schema.Category,
		"symbol":   symbol,
		"orderId":  orderID,
	}
	return c.call(ctx, "cancel_order", params, nil, func(svc *bybitapi.BybitClientRequest) (*bybitapi.ServerResponse, error) {
		return svc.CancelOrder(ctx)
	})
}

// GetOrder looks an order up among recent orders first and in history second.
func (c *RESTClient) GetOrder(ctx context.Context, symbol, orderID string) (schema.OrderUpdate, error) {
	params := map[string]interface{}{
		"category": schema.Category,
		"orderId":  orderID,
	}
	if symbol != "" {
		params["symbol"] = symbol
	}
	lookups := []struct {
		op   string
		call func(*bybitapi.BybitClientRequest) (*bybitapi.ServerResponse, error)
	}{
		{"get_order_realtime", func(svc *bybitapi.BybitClientRequest) (*bybitapi.ServerResponse, error) { return svc.GetOpenOrders(ctx) }},
		{"get_order_history", func(svc *bybitapi.BybitClientRequest) (*bybitapi.ServerResponse, error) { return svc.GetOrderHistory(ctx) }},
	}
	for _, lookup := range lookups {
		var out orderListResult
		if err := c.call(ctx, lookup.op, params, &out, lookup.call); err != nil {
			return schema.OrderUpdate{}, err
		}
		for _, item := range out.List {
			if item.OrderID == orderID {
				return item.toUpdate()
			}
		}
	}
	return schema.OrderUpdate{}, errs.New(restComponent, errs.CodeNotFound, errs.WithOrderID(orderID), errs.WithMessage("order not found"))
}

// OpenOrders lists every active spot order, following pagination cursors.
func (c *RESTClient) OpenOrders(ctx context.Context, symbol string) ([]schema.OrderUpdate, error) {
	var (
		out    []schema.OrderUpdate
		cursor string
	)
	for page := 0; page < maxPages; page++ {
		params := map[string]interface{}{
			"category": schema.Category,
			"openOnly": 0,
			"limit":    pageLimit,
		}
		if symbol != "" {
			params["symbol"] = symbol
		}
		if cursor != "" {
			params["cursor"] = cursor
		}
		var result orderListResult
		err := c.call(ctx, "open_orders", params, &result, func(svc *bybitapi.BybitClientRequest) (*bybitapi.ServerResponse, error) {
			return svc.GetOpenOrders(ctx)
		})
		if err != nil {
			return nil, err
		}
		for _, item := range result.List {
			update, err := item.toUpdate()
			if err != nil {
				return nil, err
			}
			out = append(out, update)
		}
		if result.NextPageCursor == "" || len(result.List) < pageLimit {
			return out, nil
		}
		cursor = result.NextPageCursor
	}
	c.logger.WithField("pages", maxPages).Warn("open orders truncated")
	return out, nil
}

// Ticker is the best bid/ask and last trade for a symbol.
type Ticker struct {
	Symbol    string
	LastPrice decimal.Decimal
	BidPrice  decimal.Decimal
	AskPrice  decimal.Decimal
	Volume24h decimal.Decimal
}

// Ticker fetches the spot ticker for symbol.
func (c *RESTClient) Ticker(ctx context.Context, symbol string) (Ticker, error) {
	params := map[string]interface{}{
		"category": schema.Category,
		"symbol":   symbol,
	}
	var out struct {
		List []struct {
			Symbol    string `json:"symbol"`
			LastPrice string `json:"lastPrice"`
			Bid1Price string `json:"bid1Price"`
			Ask1Price string `json:"ask1Price"`
			Volume24h string `json:"volume24h"`
		} `json:"list"`
	}
	err := c.call(ctx, "ticker", params, &out, func(svc *bybitapi.BybitClientRequest) (*bybitapi.ServerResponse, error) {
		return svc.GetMarketTickers(ctx)
	})
	if err != nil {
		return Ticker{}, err
	}
	for _, item := range out.List {
		if item.Symbol == symbol {
			return Ticker{
				Symbol:    item.Symbol,
				LastPrice: parseDecimal(item.LastPrice),
				BidPrice:  parseDecimal(item.Bid1Price),
				AskPrice:  parseDecimal(item.Ask1Price),
				Volume24h: parseDecimal(item.Volume24h),
			}, nil
		}
	}
	return Ticker{}, errs.New(restComponent, errs.CodeNotFound, errs.WithField("symbol", symbol), errs.WithMessage("ticker not found"))
}

// Balance returns the unified account wallet.
func (c *RESTClient) Balance(ctx context.Context) (WalletSnapshot, error) {
	params := map[string]interface{}{"accountType": "UNIFIED"}
	var out struct {
		List []walletPayload `json:"list"`
	}
	err := c.call(ctx, "wallet_balance", params, &out, func(svc *bybitapi.BybitClientRequest) (*bybitapi.ServerResponse, error) {
		return svc.GetAccountWallet(ctx)
	})
	if err != nil {
		return WalletSnapshot{}, err
	}
	if len(out.List) == 0 {
		return WalletSnapshot{AccountType: "UNIFIED"}, nil
	}
	return out.List[0].snapshot(), nil
}

// call waits for the limiter, runs fn and decodes the result into out.
func (c *RESTClient) call(ctx context.Context, op string, params map[string]interface{}, out any,
	fn func(*bybitapi.BybitClientRequest) (*bybitapi.ServerResponse, error)) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return errs.New(restComponent, errs.CodeRateLimited, errs.WithMessage(op), errs.WithCause(err))
	}
	params["recvWindow"] = c.recvWindow
	start := time.Now()
	resp, err := fn(c.client.NewUtaBybitServiceWithParams(params))
	log := c.logger.WithFields(logrus.Fields{"operation": op, "duration": time.Since(start).String()})
	if err != nil {
		log.WithError(err).Warn("exchange request failed")
		return errs.New(restComponent, errs.CodeTransport, errs.WithMessage(op), errs.WithCause(err))
	}
	if resp == nil {
		return errs.New(restComponent, errs.CodeProtocol, errs.WithMessage(op+": empty response"))
	}
	if resp.RetCode != 0 {
		log.WithFields(logrus.Fields{"ret_code": resp.RetCode, "ret_msg": resp.RetMsg}).Warn("exchange rejected request")
		return exchangeError(op, resp.RetCode, resp.RetMsg)
	}
	log.Debug("exchange request ok")
	if out == nil || resp.Result == nil {
		return nil
	}
	payload, err := json.Marshal(resp.Result)
	if err != nil {
		return errs.New(restComponent, errs.CodeProtocol, errs.WithMessage(op+": encode result"), errs.WithCause(err))
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return errs.New(restComponent, errs.CodeProtocol, errs.WithMessage(op+": decode result"), errs.WithCause(err))
	}
	return nil
}

// Bybit retCodes that deserve their own classification.
const (
	retCodeRateLimit     = 10006
	retCodeInvalidSign   = 10004
	retCodeInvalidKey    = 10003
	retCodeOrderNotFound = 110001
)

func exchangeError(op string, retCode int, retMsg string) error {
	code := errs.CodeExchange
	switch retCode {
	case retCodeRateLimit:
		code = errs.CodeRateLimited
	case retCodeInvalidKey, retCodeInvalidSign:
		code = errs.CodeAuth
	case retCodeOrderNotFound:
		code = errs.CodeNotFound
	}
	return errs.New(restComponent, code,
		errs.WithMessage(op),
		errs.WithRawCode(strconv.Itoa(retCode)),
		errs.WithRawMessage(retMsg))
}
