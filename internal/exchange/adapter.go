// Package exchange implements typed access to the spot exchange.
//
// Adapter is the capability the rest of the system programs against. Two
// implementations exist: RESTAdapter speaks a Binance-compatible REST and
// WebSocket wire protocol, PaperAdapter is an in-process simulated venue
// used for paper trading and tests. Engine code never sees wire shapes;
// every response is translated to the canonical pkg/types structs at this
// boundary and every failure is wrapped as *types.ExchangeError.
package exchange

import (
	"context"

	"github.com/shopspring/decimal"

	"quantdesk/pkg/types"
)

// Adapter is the typed capability over a spot exchange.
type Adapter interface {
	// GetOrderbook fetches a depth snapshot. depth <= 0 falls back to 20.
	GetOrderbook(ctx context.Context, symbol string, depth int) (*types.Orderbook, error)

	// PlaceOrder submits a new order and returns its canonical record.
	PlaceOrder(ctx context.Context, params OrderParams) (*types.Order, error)

	// CancelOrder cancels a resting order. Venues that no longer know the
	// order id return an *types.ExchangeError with CodeUnknownOrder; the
	// caller decides whether that counts as success.
	CancelOrder(ctx context.Context, symbol, orderID string) (*types.Order, error)

	// GetOrderStatus fetches the current state of one order.
	GetOrderStatus(ctx context.Context, symbol, orderID string) (*types.Order, error)

	// SubscribeOrderbook streams depth snapshots for one symbol until ctx is
	// cancelled or Disconnect is called. Reconnects are internal; the
	// callback only ever sees well-formed books.
	SubscribeOrderbook(ctx context.Context, symbol string, onUpdate func(types.Orderbook)) error

	// SubscribeUserData streams order lifecycle events for the account.
	SubscribeUserData(ctx context.Context, onUpdate func(types.OrderUpdate)) error

	// ValidateAPIKey probes the credentials. A reachable venue that rejects
	// them yields Valid=false with Error set, not a Go error.
	ValidateAPIKey(ctx context.Context) (*types.KeyValidation, error)

	// Disconnect tears down stream connections. Idempotent.
	Disconnect()
}

// OrderParams is the adapter-level order request.
type OrderParams struct {
	Symbol   string
	Side     types.Side
	Type     types.OrderType
	Qty      decimal.Decimal
	Price    decimal.Decimal // required for LIMIT
	ClientID string          // optional client order id, generated when empty
}
