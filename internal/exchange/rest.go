// rest.go implements the Binance-compatible REST adapter.
//
// Every call waits on the matching rate-limit bucket, private calls carry a
// signed query, and mutating calls flow through a circuit breaker so a
// flapping venue stops taking writes quickly. Transport failures and 5xx
// responses classify as transient; other 4xx as permanent. The breaker only
// counts transient failures — a client-side 400 never opens the circuit.
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"quantdesk/pkg/types"
)

// RESTConfig selects the venue endpoints for one adapter instance.
type RESTConfig struct {
	BaseURL string
	WSURL   string
	Timeout time.Duration
}

// RESTAdapter implements Adapter over the venue's REST and WebSocket APIs.
type RESTAdapter struct {
	http    *resty.Client
	signer  *Signer
	rl      *RateLimiter
	breaker *gobreaker.CircuitBreaker
	wsURL   string
	log     *slog.Logger
	now     func() time.Time

	streamMu      sync.Mutex
	streamCancels []context.CancelFunc
	streamWG      sync.WaitGroup
	closed        bool
}

// NewRESTAdapter builds an adapter for one account's credentials.
func NewRESTAdapter(cfg RESTConfig, signer *Signer, logger *slog.Logger) *RESTAdapter {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			// Only reads are safe to replay; a placement that timed out may
			// have landed, so writes surface the error to the caller instead.
			if r == nil || r.Request == nil || r.Request.Method != http.MethodGet {
				return false
			}
			return err != nil || r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "exchange-rest",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var xerr *types.ExchangeError
			if errors.As(err, &xerr) {
				return !xerr.Transient()
			}
			return false
		},
	})

	return &RESTAdapter{
		http:    httpClient,
		signer:  signer,
		rl:      NewRateLimiter(),
		breaker: breaker,
		wsURL:   cfg.WSURL,
		log:     logger.With("component", "exchange_rest"),
		now:     time.Now,
	}
}

// ————————————————————————————————————————————————————————————————————————
// Wire shapes
// ————————————————————————————————————————————————————————————————————————

// restDepth is the venue's GET /api/v3/depth response. Levels arrive as
// ["price", "qty"] string pairs to preserve decimal precision.
type restDepth struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// restOrder is the venue's order response shape, shared by place, cancel
// and status endpoints.
type restOrder struct {
	Symbol              string `json:"symbol"`
	OrderID             int64  `json:"orderId"`
	ClientOrderID       string `json:"clientOrderId"`
	OrigClientOrderID   string `json:"origClientOrderId"`
	Price               string `json:"price"`
	OrigQty             string `json:"origQty"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	Status              string `json:"status"`
	Type                string `json:"type"`
	Side                string `json:"side"`
	TransactTime        int64  `json:"transactTime"`
	Time                int64  `json:"time"`
	UpdateTime          int64  `json:"updateTime"`
}

type restAPIError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// mapOrderStatus translates the venue's status vocabulary to the canonical
// one. EXPIRED behaves like a venue-initiated cancel. PENDING_CANCEL is
// still non-terminal so it maps to NEW until a terminal event arrives.
func mapOrderStatus(s string) types.OrderStatus {
	switch s {
	case "NEW":
		return types.OrderStatusNew
	case "PARTIALLY_FILLED":
		return types.OrderStatusPartial
	case "FILLED":
		return types.OrderStatusFilled
	case "CANCELED", "EXPIRED", "EXPIRED_IN_MATCH":
		return types.OrderStatusCanceled
	case "REJECTED":
		return types.OrderStatusRejected
	case "PENDING_CANCEL":
		return types.OrderStatusNew
	default:
		return types.OrderStatus(s)
	}
}

func (r *restOrder) toOrder() (*types.Order, error) {
	price, err := decimal.NewFromString(zeroIfEmpty(r.Price))
	if err != nil {
		return nil, fmt.Errorf("parse price %q: %w", r.Price, err)
	}
	qty, err := decimal.NewFromString(zeroIfEmpty(r.OrigQty))
	if err != nil {
		return nil, fmt.Errorf("parse qty %q: %w", r.OrigQty, err)
	}
	filled, err := decimal.NewFromString(zeroIfEmpty(r.ExecutedQty))
	if err != nil {
		return nil, fmt.Errorf("parse executedQty %q: %w", r.ExecutedQty, err)
	}
	quote, err := decimal.NewFromString(zeroIfEmpty(r.CummulativeQuoteQty))
	if err != nil {
		return nil, fmt.Errorf("parse cummulativeQuoteQty %q: %w", r.CummulativeQuoteQty, err)
	}

	avg := decimal.Zero
	if filled.IsPositive() {
		avg = quote.Div(filled)
	}

	clientID := r.ClientOrderID
	if clientID == "" {
		clientID = r.OrigClientOrderID
	}
	created := r.Time
	if created == 0 {
		created = r.TransactTime
	}
	updated := r.UpdateTime
	if updated == 0 {
		updated = created
	}

	return &types.Order{
		ID:        strconv.FormatInt(r.OrderID, 10),
		ClientID:  clientID,
		Symbol:    r.Symbol,
		Side:      types.Side(r.Side),
		Type:      types.OrderType(r.Type),
		Qty:       qty,
		Price:     price,
		Status:    mapOrderStatus(r.Status),
		FilledQty: filled,
		AvgPrice:  avg,
		CreatedAt: time.UnixMilli(created).UTC(),
		UpdatedAt: time.UnixMilli(updated).UTC(),
	}, nil
}

func zeroIfEmpty(s string) string {
	if s == "" {
		return "0"
	}
	return s
}

// ————————————————————————————————————————————————————————————————————————
// HTTP plumbing
// ————————————————————————————————————————————————————————————————————————

// asExchangeError converts a non-2xx response into the canonical error,
// pulling the venue's {code, msg} body when it parses.
func asExchangeError(resp *resty.Response) *types.ExchangeError {
	code := ""
	msg := strings.TrimSpace(resp.String())
	var apiErr restAPIError
	if err := json.Unmarshal(resp.Body(), &apiErr); err == nil && apiErr.Msg != "" {
		msg = apiErr.Msg
		switch apiErr.Code {
		case -2011, -2013: // unknown order on cancel / status
			code = types.CodeUnknownOrder
		default:
			code = strconv.Itoa(apiErr.Code)
		}
	}
	return types.NewExchangeError(resp.StatusCode(), code, msg)
}

// doSigned performs one signed request through the circuit breaker and
// decodes a 2xx body into out.
func (a *RESTAdapter) doSigned(ctx context.Context, method, path string, params url.Values, out any) error {
	result, err := a.breaker.Execute(func() (any, error) {
		req := a.http.R().
			SetContext(ctx).
			SetHeader("X-MBX-APIKEY", a.signer.APIKey()).
			SetQueryString(a.signer.SignedQuery(params, a.now()))

		resp, err := req.Execute(method, path)
		if err != nil {
			return nil, types.NewTransientError(fmt.Sprintf("%s %s: %v", method, path, err))
		}
		if resp.IsError() {
			return nil, asExchangeError(resp)
		}
		return resp, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return types.NewTransientError("exchange circuit open: " + err.Error())
		}
		return err
	}
	if out == nil {
		return nil
	}
	resp := result.(*resty.Response)
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Adapter surface
// ————————————————————————————————————————————————————————————————————————

// GetOrderbook fetches a depth snapshot for a symbol.
func (a *RESTAdapter) GetOrderbook(ctx context.Context, symbol string, depth int) (*types.Orderbook, error) {
	if err := a.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}
	if depth <= 0 {
		depth = 20
	}

	var raw restDepth
	resp, err := a.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol": symbol,
			"limit":  strconv.Itoa(depth),
		}).
		SetResult(&raw).
		Get("/api/v3/depth")
	if err != nil {
		return nil, types.NewTransientError(fmt.Sprintf("get depth: %v", err))
	}
	if resp.IsError() {
		return nil, asExchangeError(resp)
	}

	book := &types.Orderbook{
		Symbol:    symbol,
		UpdateSeq: raw.LastUpdateID,
		Timestamp: a.now().UTC(),
	}
	if book.Bids, err = parseLevels(raw.Bids); err != nil {
		return nil, fmt.Errorf("parse bids: %w", err)
	}
	if book.Asks, err = parseLevels(raw.Asks); err != nil {
		return nil, fmt.Errorf("parse asks: %w", err)
	}
	return book, nil
}

func parseLevels(raw [][]string) ([]types.OrderbookLevel, error) {
	levels := make([]types.OrderbookLevel, 0, len(raw))
	for _, pair := range raw {
		if len(pair) < 2 {
			return nil, fmt.Errorf("level has %d fields, want 2", len(pair))
		}
		price, err := decimal.NewFromString(pair[0])
		if err != nil {
			return nil, fmt.Errorf("parse level price %q: %w", pair[0], err)
		}
		qty, err := decimal.NewFromString(pair[1])
		if err != nil {
			return nil, fmt.Errorf("parse level qty %q: %w", pair[1], err)
		}
		levels = append(levels, types.OrderbookLevel{Price: price, Quantity: qty})
	}
	return levels, nil
}

// PlaceOrder submits a new order.
func (a *RESTAdapter) PlaceOrder(ctx context.Context, params OrderParams) (*types.Order, error) {
	if err := a.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("symbol", params.Symbol)
	q.Set("side", string(params.Side))
	q.Set("type", string(params.Type))
	q.Set("quantity", params.Qty.String())
	q.Set("newOrderRespType", "RESULT")
	if params.Type == types.OrderTypeLimit {
		q.Set("price", params.Price.String())
		q.Set("timeInForce", "GTC")
	}
	if params.ClientID != "" {
		q.Set("newClientOrderId", params.ClientID)
	}

	var raw restOrder
	if err := a.doSigned(ctx, http.MethodPost, "/api/v3/order", q, &raw); err != nil {
		return nil, err
	}
	return raw.toOrder()
}

// CancelOrder cancels one resting order by venue id.
func (a *RESTAdapter) CancelOrder(ctx context.Context, symbol, orderID string) (*types.Order, error) {
	if err := a.rl.Cancel.Wait(ctx); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("orderId", orderID)

	var raw restOrder
	if err := a.doSigned(ctx, http.MethodDelete, "/api/v3/order", q, &raw); err != nil {
		return nil, err
	}
	return raw.toOrder()
}

// GetOrderStatus fetches one order's current state.
func (a *RESTAdapter) GetOrderStatus(ctx context.Context, symbol, orderID string) (*types.Order, error) {
	if err := a.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("orderId", orderID)

	var raw restOrder
	if err := a.doSigned(ctx, http.MethodGet, "/api/v3/order", q, &raw); err != nil {
		return nil, err
	}
	return raw.toOrder()
}

// ValidateAPIKey probes GET /api/v3/account. An auth rejection reports
// Valid=false rather than an error so callers can journal the reason.
func (a *RESTAdapter) ValidateAPIKey(ctx context.Context) (*types.KeyValidation, error) {
	var acct struct {
		CanTrade    bool `json:"canTrade"`
		CanWithdraw bool `json:"canWithdraw"`
	}
	err := a.doSigned(ctx, http.MethodGet, "/api/v3/account", url.Values{}, &acct)
	if err != nil {
		var xerr *types.ExchangeError
		if errors.As(err, &xerr) && (xerr.HTTPStatus == http.StatusUnauthorized || xerr.HTTPStatus == http.StatusForbidden) {
			return &types.KeyValidation{Valid: false, Error: xerr.Msg}, nil
		}
		return nil, err
	}
	return &types.KeyValidation{
		Valid:       true,
		CanTrade:    acct.CanTrade,
		CanWithdraw: acct.CanWithdraw,
	}, nil
}

// ————————————————————————————————————————————————————————————————————————
// Streams
// ————————————————————————————————————————————————————————————————————————

// SubscribeOrderbook runs a partial-depth stream for symbol, invoking
// onUpdate for every snapshot until ctx is cancelled or Disconnect runs.
func (a *RESTAdapter) SubscribeOrderbook(ctx context.Context, symbol string, onUpdate func(types.Orderbook)) error {
	streamURL := fmt.Sprintf("%s/%s@depth20@100ms", a.wsURL, strings.ToLower(symbol))
	st := &stream{
		name:   "depth:" + symbol,
		urlFn:  func(context.Context) (string, error) { return streamURL, nil },
		logger: a.log,
		handle: func(msg []byte) {
			var raw restDepth
			if err := json.Unmarshal(msg, &raw); err != nil {
				a.log.Warn("malformed depth frame", "symbol", symbol, "err", err)
				return
			}
			book := types.Orderbook{
				Symbol:    symbol,
				UpdateSeq: raw.LastUpdateID,
				Timestamp: a.now().UTC(),
			}
			var err error
			if book.Bids, err = parseLevels(raw.Bids); err != nil {
				a.log.Warn("malformed depth bids", "symbol", symbol, "err", err)
				return
			}
			if book.Asks, err = parseLevels(raw.Asks); err != nil {
				a.log.Warn("malformed depth asks", "symbol", symbol, "err", err)
				return
			}
			onUpdate(book)
		},
	}
	return a.runStream(ctx, st)
}

// userEvent is the venue's executionReport frame (single-letter keys are
// the wire protocol's, not ours).
type userEvent struct {
	EventType     string `json:"e"`
	EventTime     int64  `json:"E"`
	Symbol        string `json:"s"`
	ClientOrderID string `json:"c"`
	Side          string `json:"S"`
	OrderQty      string `json:"q"`
	Price         string `json:"p"`
	Status        string `json:"X"`
	OrderID       int64  `json:"i"`
	LastFillQty   string `json:"l"`
	FilledQty     string `json:"z"`
	LastFillPrice string `json:"L"`
	TradeID       int64  `json:"t"`
}

// SubscribeUserData opens the account's user-data stream. The listen key is
// refreshed on every reconnect and kept alive while the stream runs.
func (a *RESTAdapter) SubscribeUserData(ctx context.Context, onUpdate func(types.OrderUpdate)) error {
	st := &stream{
		name: "user",
		urlFn: func(ctx context.Context) (string, error) {
			key, err := a.openListenKey(ctx)
			if err != nil {
				return "", err
			}
			return a.wsURL + "/" + key, nil
		},
		keepAlive: a.keepAliveListenKey,
		logger:    a.log,
		handle: func(msg []byte) {
			var raw userEvent
			if err := json.Unmarshal(msg, &raw); err != nil || raw.EventType != "executionReport" {
				return
			}
			upd, err := raw.toOrderUpdate()
			if err != nil {
				a.log.Warn("malformed execution report", "err", err)
				return
			}
			onUpdate(upd)
		},
	}
	return a.runStream(ctx, st)
}

func (e *userEvent) toOrderUpdate() (types.OrderUpdate, error) {
	price, err := decimal.NewFromString(zeroIfEmpty(e.Price))
	if err != nil {
		return types.OrderUpdate{}, fmt.Errorf("parse price: %w", err)
	}
	qty, err := decimal.NewFromString(zeroIfEmpty(e.OrderQty))
	if err != nil {
		return types.OrderUpdate{}, fmt.Errorf("parse qty: %w", err)
	}
	lastQty, err := decimal.NewFromString(zeroIfEmpty(e.LastFillQty))
	if err != nil {
		return types.OrderUpdate{}, fmt.Errorf("parse last fill qty: %w", err)
	}
	filled, err := decimal.NewFromString(zeroIfEmpty(e.FilledQty))
	if err != nil {
		return types.OrderUpdate{}, fmt.Errorf("parse filled qty: %w", err)
	}
	lastPrice, err := decimal.NewFromString(zeroIfEmpty(e.LastFillPrice))
	if err != nil {
		return types.OrderUpdate{}, fmt.Errorf("parse last fill price: %w", err)
	}

	tradeID := ""
	if e.TradeID > 0 {
		tradeID = strconv.FormatInt(e.TradeID, 10)
	}
	return types.OrderUpdate{
		OrderID:       strconv.FormatInt(e.OrderID, 10),
		ClientID:      e.ClientOrderID,
		Symbol:        e.Symbol,
		Side:          types.Side(e.Side),
		Status:        mapOrderStatus(e.Status),
		Price:         price,
		Qty:           qty,
		FilledQty:     filled,
		LastFillQty:   lastQty,
		LastFillPrice: lastPrice,
		TradeID:       tradeID,
		Time:          time.UnixMilli(e.EventTime).UTC(),
	}, nil
}

func (a *RESTAdapter) openListenKey(ctx context.Context) (string, error) {
	var out struct {
		ListenKey string `json:"listenKey"`
	}
	resp, err := a.http.R().
		SetContext(ctx).
		SetHeader("X-MBX-APIKEY", a.signer.APIKey()).
		SetResult(&out).
		Post("/api/v3/userDataStream")
	if err != nil {
		return "", types.NewTransientError(fmt.Sprintf("open listen key: %v", err))
	}
	if resp.IsError() {
		return "", asExchangeError(resp)
	}
	if out.ListenKey == "" {
		return "", fmt.Errorf("venue returned empty listen key")
	}
	return out.ListenKey, nil
}

// keepAliveListenKey pings the user stream every 30 minutes; the venue
// expires idle listen keys after 60.
func (a *RESTAdapter) keepAliveListenKey(ctx context.Context, streamURL string) {
	key := streamURL[strings.LastIndex(streamURL, "/")+1:]
	ticker := time.NewTicker(30 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			resp, err := a.http.R().
				SetContext(ctx).
				SetHeader("X-MBX-APIKEY", a.signer.APIKey()).
				SetQueryParam("listenKey", key).
				Put("/api/v3/userDataStream")
			if err != nil || resp.IsError() {
				a.log.Warn("listen key keepalive failed", "err", err)
			}
		}
	}
}

func (a *RESTAdapter) runStream(ctx context.Context, st *stream) error {
	a.streamMu.Lock()
	if a.closed {
		a.streamMu.Unlock()
		return fmt.Errorf("adapter disconnected")
	}
	streamCtx, cancel := context.WithCancel(ctx)
	a.streamCancels = append(a.streamCancels, cancel)
	a.streamWG.Add(1)
	a.streamMu.Unlock()

	go func() {
		defer a.streamWG.Done()
		st.run(streamCtx)
	}()
	return nil
}

// Disconnect stops every stream and waits for their goroutines to exit.
func (a *RESTAdapter) Disconnect() {
	a.streamMu.Lock()
	if a.closed {
		a.streamMu.Unlock()
		return
	}
	a.closed = true
	cancels := a.streamCancels
	a.streamCancels = nil
	a.streamMu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	a.streamWG.Wait()
}
