// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the trading backend: order and
// orderbook shapes, research results, engine configuration, and integration
// records. It has no dependencies on internal packages, so it can be imported
// by any layer.
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Signal is the three-valued research verdict for a symbol.
type Signal string

const (
	SignalBuy  Signal = "BUY"
	SignalSell Signal = "SELL"
	SignalHold Signal = "HOLD"
)

// OrderType enumerates the supported order kinds on the spot exchange.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// OrderStatus is the canonical lifecycle state of an order. Transitions are
// strictly monotonic: NEW → (PARTIALLY_FILLED)* → (FILLED|CANCELED|REJECTED).
// A terminal status is final; updates arriving after it are ignored.
type OrderStatus string

const (
	OrderStatusNew      OrderStatus = "NEW"
	OrderStatusPartial  OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled   OrderStatus = "FILLED"
	OrderStatusCanceled OrderStatus = "CANCELED"
	OrderStatusRejected OrderStatus = "REJECTED"
)

// Terminal reports whether the status is final.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected:
		return true
	}
	return false
}

// rank orders statuses along the lifecycle so monotonicity can be checked.
func (s OrderStatus) rank() int {
	switch s {
	case OrderStatusNew:
		return 0
	case OrderStatusPartial:
		return 1
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected:
		return 2
	}
	return -1
}

// CanTransition reports whether moving from s to next respects the order
// lifecycle. Repeated partial fills (PARTIALLY_FILLED → PARTIALLY_FILLED)
// and duplicate NEW events are allowed; leaving a terminal state is not.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	if s.Terminal() {
		return false
	}
	return next.rank() >= s.rank()
}

// ————————————————————————————————————————————————————————————————————————
// Orders & fills
// ————————————————————————————————————————————————————————————————————————

// Order is the canonical order record shared by the order manager, the
// strategies and the HTTP layer. Exchange-specific response shapes are
// translated into this struct at the adapter boundary.
type Order struct {
	ID        string          `json:"id"`
	ClientID  string          `json:"clientId"`
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	Type      OrderType       `json:"type"`
	Qty       decimal.Decimal `json:"qty"`
	Price     decimal.Decimal `json:"price"` // zero for MARKET orders
	Status    OrderStatus     `json:"status"`
	FilledQty decimal.Decimal `json:"filledQty"`
	AvgPrice  decimal.Decimal `json:"avgPrice"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() decimal.Decimal {
	return o.Qty.Sub(o.FilledQty)
}

// Fill is one execution against an order. TradeID deduplicates fills that
// arrive both on the user stream and via status polling.
type Fill struct {
	OrderID string          `json:"orderId"`
	TradeID string          `json:"tradeId"`
	Symbol  string          `json:"symbol"`
	Side    Side            `json:"side"`
	Price   decimal.Decimal `json:"price"`
	Qty     decimal.Decimal `json:"qty"`
	Time    time.Time       `json:"time"`
}

// OrderUpdate is an order lifecycle event from the exchange user stream.
// LastFillQty/LastFillPrice describe the increment carried by this event;
// FilledQty is cumulative.
type OrderUpdate struct {
	OrderID       string          `json:"orderId"`
	ClientID      string          `json:"clientId"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Status        OrderStatus     `json:"status"`
	Price         decimal.Decimal `json:"price"`
	Qty           decimal.Decimal `json:"qty"`
	FilledQty     decimal.Decimal `json:"filledQty"`
	LastFillQty   decimal.Decimal `json:"lastFillQty"`
	LastFillPrice decimal.Decimal `json:"lastFillPrice"`
	TradeID       string          `json:"tradeId"` // set when the event carries a fill
	Time          time.Time       `json:"time"`
}

// Fill extracts the fill increment from the update, if any.
func (u *OrderUpdate) Fill() (Fill, bool) {
	if u.LastFillQty.IsZero() {
		return Fill{}, false
	}
	return Fill{
		OrderID: u.OrderID,
		TradeID: u.TradeID,
		Symbol:  u.Symbol,
		Side:    u.Side,
		Price:   u.LastFillPrice,
		Qty:     u.LastFillQty,
		Time:    u.Time,
	}, true
}

// ————————————————————————————————————————————————————————————————————————
// Order book
// ————————————————————————————————————————————————————————————————————————

// OrderbookLevel is a single bid or ask level. Price and Quantity are
// decimals end to end; converting to floats happens only inside statistical
// feature code where drift cannot accumulate into positions.
type OrderbookLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// Orderbook is a point-in-time depth snapshot. Bids are sorted descending by
// price, asks ascending, so index 0 is always top of book. UpdateSeq is the
// exchange's monotonic sequence number for staleness checks.
type Orderbook struct {
	Symbol    string           `json:"symbol"`
	Bids      []OrderbookLevel `json:"bids"`
	Asks      []OrderbookLevel `json:"asks"`
	UpdateSeq int64            `json:"updateSeq"`
	Timestamp time.Time        `json:"timestamp"`
}

// BestBid returns the top bid level, if present.
func (b *Orderbook) BestBid() (OrderbookLevel, bool) {
	if len(b.Bids) == 0 {
		return OrderbookLevel{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the top ask level, if present.
func (b *Orderbook) BestAsk() (OrderbookLevel, bool) {
	if len(b.Asks) == 0 {
		return OrderbookLevel{}, false
	}
	return b.Asks[0], true
}

// MidPrice returns (bestBid+bestAsk)/2. ok is false when either side of the
// book is empty, in which case callers must abort the cycle.
func (b *Orderbook) MidPrice() (decimal.Decimal, bool) {
	bid, okB := b.BestBid()
	ask, okA := b.BestAsk()
	if !okB || !okA {
		return decimal.Zero, false
	}
	return bid.Price.Add(ask.Price).Div(decimal.NewFromInt(2)), true
}

// Spread returns bestAsk-bestBid, or ok=false on a one-sided book.
func (b *Orderbook) Spread() (decimal.Decimal, bool) {
	bid, okB := b.BestBid()
	ask, okA := b.BestAsk()
	if !okB || !okA {
		return decimal.Zero, false
	}
	return ask.Price.Sub(bid.Price), true
}

// ————————————————————————————————————————————————————————————————————————
// Research
// ————————————————————————————————————————————————————————————————————————

// MicroSignals are the per-snapshot features the research engine derives
// from one orderbook. All are dimensionless floats; they feed scoring, not
// position arithmetic.
type MicroSignals struct {
	SpreadPct     float64 `json:"spreadPct"`     // (ask0-bid0)/mid * 100
	Volume        float64 `json:"volume"`        // notional proxy, see Depth
	PriceMomentum float64 `json:"priceMomentum"` // mid return vs previous snapshot
	Depth         float64 `json:"depth"`         // Σ qty*price over top 5 levels, both sides
	Volatility    float64 `json:"volatility"`    // stddev of mid returns, last 20 snapshots
}

// ResearchResult is the verdict for one symbol at one instant.
type ResearchResult struct {
	Symbol            string       `json:"symbol"`
	Signal            Signal       `json:"signal"`
	Accuracy          float64      `json:"accuracy"`  // clamped to [0.10, 0.95]
	Imbalance         float64      `json:"imbalance"` // [-1, 1]
	MicroSignals      MicroSignals `json:"microSignals"`
	RecommendedAction string       `json:"recommendedAction"`
	Timestamp         time.Time    `json:"timestamp"`
}

// ————————————————————————————————————————————————————————————————————————
// Engine configuration & status
// ————————————————————————————————————————————————————————————————————————

// EngineConfig is the per-tenant HFT configuration, journalled under
// tenants/{tenant}/hftSettings. Quote math uses the decimal fields directly
// so repeated application over long sessions stays exact.
type EngineConfig struct {
	Symbol          string          `json:"symbol"`
	QuoteSize       decimal.Decimal `json:"quoteSize"`
	AdversePct      decimal.Decimal `json:"adversePct"` // fraction, e.g. 0.002
	CancelMs        int64           `json:"cancelMs"`
	MaxPos          decimal.Decimal `json:"maxPos"`
	MinSpreadPct    decimal.Decimal `json:"minSpreadPct"` // 0 = derive from live spread
	MaxTradesPerDay int             `json:"maxTradesPerDay"`
	IntervalMs      int64           `json:"intervalMs"`
	Enabled         bool            `json:"enabled"`
}

// Validate checks the config against the documented bounds.
func (c *EngineConfig) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if !c.QuoteSize.IsPositive() {
		return fmt.Errorf("quoteSize must be > 0, got %s", c.QuoteSize)
	}
	one := decimal.NewFromInt(1)
	if !c.AdversePct.IsPositive() || c.AdversePct.GreaterThanOrEqual(one) {
		return fmt.Errorf("adversePct must be in (0,1), got %s", c.AdversePct)
	}
	if c.CancelMs <= 0 {
		return fmt.Errorf("cancelMs must be > 0, got %d", c.CancelMs)
	}
	if !c.MaxPos.IsPositive() {
		return fmt.Errorf("maxPos must be > 0, got %s", c.MaxPos)
	}
	if c.MinSpreadPct.IsNegative() {
		return fmt.Errorf("minSpreadPct must be >= 0, got %s", c.MinSpreadPct)
	}
	if c.MaxTradesPerDay < 1 {
		return fmt.Errorf("maxTradesPerDay must be >= 1, got %d", c.MaxTradesPerDay)
	}
	if c.IntervalMs < 0 {
		return fmt.Errorf("intervalMs must be >= 0, got %d", c.IntervalMs)
	}
	return nil
}

// EngineStatus mirrors what the control plane reports and what is
// journalled under tenants/{tenant}/engineStatus.
type EngineStatus struct {
	Active     bool         `json:"active"`
	EngineType string       `json:"engineType"` // currently always "hft"
	Symbol     string       `json:"symbol"`
	Config     EngineConfig `json:"config"`
	UpdatedAt  time.Time    `json:"updatedAt"`
}

// ————————————————————————————————————————————————————————————————————————
// Integrations & credentials
// ————————————————————————————————————————————————————————————————————————

// IntegrationRecord is a per-tenant, per-provider integration document.
// Credential fields hold vault ciphertext, never plaintext.
type IntegrationRecord struct {
	Provider        string    `json:"provider"`
	Enabled         bool      `json:"enabled"`
	EncryptedAPIKey string    `json:"encryptedApiKey,omitempty"`
	EncryptedSecret string    `json:"encryptedSecret,omitempty"`
	Subtype         string    `json:"subtype,omitempty"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// KeyValidation is the result of probing exchange credentials.
type KeyValidation struct {
	Valid       bool   `json:"valid"`
	CanTrade    bool   `json:"canTrade"`
	CanWithdraw bool   `json:"canWithdraw"`
	Error       string `json:"error,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Exchange errors
// ————————————————————————————————————————————————————————————————————————

// ErrorKind splits exchange failures into the two classes callers care
// about: transient faults worth retrying (5xx, 429, timeouts) and permanent
// rejections that must not be retried.
type ErrorKind string

const (
	ErrorTransient ErrorKind = "TRANSIENT"
	ErrorPermanent ErrorKind = "PERMANENT"
)

// ExchangeError wraps any failure returned by an ExchangeAdapter. Code is
// the exchange's own error code when one was parseable (e.g. UNKNOWN_ORDER).
type ExchangeError struct {
	Kind       ErrorKind `json:"kind"`
	HTTPStatus int       `json:"httpStatus"`
	Code       string    `json:"code,omitempty"`
	Msg        string    `json:"msg"`
}

func (e *ExchangeError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("exchange error [%s %d %s]: %s", e.Kind, e.HTTPStatus, e.Code, e.Msg)
	}
	return fmt.Sprintf("exchange error [%s %d]: %s", e.Kind, e.HTTPStatus, e.Msg)
}

// Transient reports whether retrying the call may succeed.
func (e *ExchangeError) Transient() bool { return e.Kind == ErrorTransient }

// UnknownOrder reports whether the exchange did not recognise the order id,
// which cancel paths treat as success.
func (e *ExchangeError) UnknownOrder() bool { return e.Code == CodeUnknownOrder }

// CodeUnknownOrder is the canonical code adapters must set when the venue
// reports an unknown order id on cancel or status.
const CodeUnknownOrder = "UNKNOWN_ORDER"

// ClassifyStatus maps an HTTP status to an error kind: 429 and 5xx are
// transient, every other 4xx is permanent.
func ClassifyStatus(status int) ErrorKind {
	if status == 429 || status >= 500 {
		return ErrorTransient
	}
	return ErrorPermanent
}

// NewExchangeError builds an ExchangeError from an HTTP status and message.
func NewExchangeError(status int, code, msg string) *ExchangeError {
	return &ExchangeError{
		Kind:       ClassifyStatus(status),
		HTTPStatus: status,
		Code:       code,
		Msg:        msg,
	}
}

// NewTransientError marks a failure as retryable regardless of HTTP status,
// used for network timeouts and connection resets.
func NewTransientError(msg string) *ExchangeError {
	return &ExchangeError{Kind: ErrorTransient, Msg: msg}
}
