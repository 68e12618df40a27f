// Package strategy implements the trading strategy variants the HFT engine
// dispatches to.
//
// Every variant implements the same capability set: Init wires the tenant's
// venue bindings, OnResearch consumes one research result plus a fresh
// orderbook per tick, OnOrderUpdate folds execution events back into
// strategy state, Shutdown cancels whatever is resting. Strategy-specific
// state never leaks out; the engine selects a variant by name and treats it
// as opaque.
//
// The market-making variant quotes both sides of the book and is the
// default. Its per-tick flow:
//
//  1. Require the live spread to clear the configured floor, else return.
//  2. Adverse cancel pass: drop any resting quote the mid has moved against
//     by more than adversePct.
//  3. Inventory-aware quoting: both sides while |inventory| < maxPos·0.3,
//     only SELL when long past the band, only BUY when short past it.
//     BUY rests at bestBid·(1 − adversePct/2), SELL at
//     bestAsk·(1 + adversePct/2), each sized quoteSize.
//  4. Every placement registers a cancel deadline now+cancelMs on the
//     shared timer wheel.
//  5. Journal the tick's placements.
package strategy

import (
	"context"
	"fmt"
	"log/slog"

	"quantdesk/internal/exchange"
	"quantdesk/internal/orders"
	"quantdesk/internal/store"
	"quantdesk/pkg/types"
)

// Variant names accepted by New.
const (
	VariantMarketMaker = "market-making-hft"
	VariantImbalance   = "orderbook-imbalance"
)

// Strategy is the capability set every variant implements.
type Strategy interface {
	// Init wires the tenant bindings. Called once before the first tick.
	Init(ctx context.Context, deps Deps, cfg types.EngineConfig) error

	// OnResearch runs one tick. placeAllowed is false when an engine-level
	// gate (accuracy below threshold) forbids new placements; maintenance
	// of existing quotes still runs.
	OnResearch(ctx context.Context, result types.ResearchResult, book types.Orderbook, placeAllowed bool) error

	// OnOrderUpdate folds a venue execution event into strategy state.
	OnOrderUpdate(ctx context.Context, upd types.OrderUpdate)

	// Shutdown cancels resting quotes and clears timers. Idempotent.
	Shutdown(ctx context.Context)
}

// Deps are the per-tenant bindings handed to a strategy on Init. The
// strategy owns no lifecycle for any of them. Position is shared with the
// engine, which folds fills into it before forwarding the order update.
type Deps struct {
	Adapter  exchange.Adapter
	Orders   *orders.Manager
	Wheel    *TimerWheel
	Journal  ExecutionJournal
	Position *Position
}

// ExecutionJournal persists execution log entries. *store.Store satisfies
// it; journal failures are logged and never abort trading.
type ExecutionJournal interface {
	SaveExecutionLog(tenant string, entry store.ExecutionLogEntry) error
}

// New builds a fresh instance of the named variant for one tenant. An empty
// name selects the market maker.
func New(name, tenant string, logger *slog.Logger) (Strategy, error) {
	switch name {
	case "", VariantMarketMaker:
		return NewMarketMaker(tenant, logger), nil
	case VariantImbalance:
		return NewImbalanceTaker(tenant, logger), nil
	default:
		return nil, fmt.Errorf("unknown strategy variant %q", name)
	}
}
