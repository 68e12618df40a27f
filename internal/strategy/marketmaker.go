package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"quantdesk/internal/exchange"
	"quantdesk/internal/store"
	"quantdesk/pkg/types"
)

var (
	two  = decimal.NewFromInt(2)
	half = decimal.NewFromFloat(0.5)

	// neutralBand is the fraction of maxPos inside which both sides quote.
	neutralBand = decimal.NewFromFloat(0.3)
)

// cancelTimeout bounds the venue call made from a timer callback, which has
// no parent request context.
const cancelTimeout = 5 * time.Second

// MarketMaker rests a pair of limit quotes around top of book and re-quotes
// every tick. Each placement carries a cancel deadline on the shared timer
// wheel; quotes the mid runs away from are cancelled early by the adverse
// pass. Inventory decides which sides quote: both inside the neutral band,
// only the reducing side outside it.
type MarketMaker struct {
	tenant string
	logger *slog.Logger

	mu     sync.Mutex
	deps   Deps
	cfg    types.EngineConfig
	ledger *quoteLedger
	inited bool
}

// NewMarketMaker creates the market-making variant for one tenant.
func NewMarketMaker(tenant string, logger *slog.Logger) *MarketMaker {
	return &MarketMaker{
		tenant: tenant,
		logger: logger.With("component", "marketmaker", "tenant", tenant),
	}
}

// Init wires the tenant bindings and resets quote state.
func (m *MarketMaker) Init(ctx context.Context, deps Deps, cfg types.EngineConfig) error {
	if deps.Orders == nil || deps.Wheel == nil || deps.Position == nil {
		return fmt.Errorf("marketmaker init: orders, wheel and position are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deps = deps
	m.cfg = cfg
	m.ledger = newQuoteLedger()
	m.inited = true
	return nil
}

// OnResearch runs one quoting tick.
//
// The spread floor is checked first: when MinSpreadPct is configured the
// live spread must clear mid·MinSpreadPct or the whole tick returns, resting
// quotes included. The adverse pass then drops quotes the mid has moved
// against by more than adversePct. Placement only happens when placeAllowed
// is true, so an engine-level gate still gets quote maintenance.
func (m *MarketMaker) OnResearch(ctx context.Context, result types.ResearchResult, book types.Orderbook, placeAllowed bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.inited {
		return fmt.Errorf("marketmaker: not initialised")
	}

	bid, okB := book.BestBid()
	ask, okA := book.BestAsk()
	if !okB || !okA {
		return nil
	}
	mid := bid.Price.Add(ask.Price).Div(two)
	spread := ask.Price.Sub(bid.Price)

	floor := spread.Mul(half)
	if m.cfg.MinSpreadPct.IsPositive() {
		floor = mid.Mul(m.cfg.MinSpreadPct)
	}
	if spread.LessThan(floor) {
		return nil
	}

	m.cancelAdverse(ctx, mid)

	if !placeAllowed {
		return nil
	}

	inv := m.deps.Position.Qty()
	band := m.cfg.MaxPos.Mul(neutralBand)

	var wantBuy, wantSell bool
	if inv.Abs().LessThan(band) {
		wantBuy, wantSell = true, true
	} else if inv.Sign() > 0 {
		wantSell = true
	} else {
		wantBuy = true
	}

	offset := m.cfg.AdversePct.Mul(half)
	var placed []string
	if wantBuy {
		price := bid.Price.Mul(decimal.NewFromInt(1).Sub(offset))
		if id, ok := m.placeQuote(ctx, types.SideBuy, price); ok {
			placed = append(placed, id)
		}
	}
	if wantSell {
		price := ask.Price.Mul(decimal.NewFromInt(1).Add(offset))
		if id, ok := m.placeQuote(ctx, types.SideSell, price); ok {
			placed = append(placed, id)
		}
	}

	if len(placed) > 0 {
		m.journal(store.ExecutionLogEntry{
			Action:   "EXECUTED",
			Status:   string(types.OrderStatusNew),
			Symbol:   m.cfg.Symbol,
			OrderIDs: placed,
			Time:     time.Now(),
		})
	}
	return nil
}

// placeQuote submits one limit order and registers it with its cancel
// deadline. A failed side is logged and skipped; the other side of the tick
// is not retried or rolled back.
func (m *MarketMaker) placeQuote(ctx context.Context, side types.Side, price decimal.Decimal) (string, bool) {
	order, err := m.deps.Orders.Place(ctx, exchange.OrderParams{
		Symbol: m.cfg.Symbol,
		Side:   side,
		Type:   types.OrderTypeLimit,
		Qty:    m.cfg.QuoteSize,
		Price:  price,
	})
	if err != nil {
		m.logger.Error("quote placement failed", "side", side, "price", price, "error", err)
		return "", false
	}

	now := time.Now()
	deadline := now.Add(time.Duration(m.cfg.CancelMs) * time.Millisecond)
	id := order.ID
	handle := m.deps.Wheel.ScheduleAt(deadline, func() { m.cancelExpired(id) })
	m.ledger.track(&PendingQuote{
		ID:       id,
		Symbol:   order.Symbol,
		Side:     side,
		Price:    price,
		Qty:      m.cfg.QuoteSize,
		PlacedAt: now,
		CancelAt: deadline,
	}, handle)

	m.logger.Debug("quote placed",
		"order_id", id,
		"side", side,
		"price", price,
		"qty", m.cfg.QuoteSize,
		"cancel_at", deadline,
	)
	return id, true
}

// cancelAdverse drops every resting quote the mid has moved against by more
// than adversePct. Caller holds m.mu.
func (m *MarketMaker) cancelAdverse(ctx context.Context, mid decimal.Decimal) {
	victims := m.ledger.adverseVictims(mid, m.cfg.AdversePct)
	if len(victims) == 0 {
		return
	}
	for _, id := range victims {
		m.ledger.drop(id, m.deps.Wheel)
		if err := m.deps.Orders.Cancel(ctx, id); err != nil {
			m.logger.Warn("adverse cancel failed", "order_id", id, "error", err)
		}
	}
	m.logger.Info("adverse quotes cancelled", "count", len(victims), "mid", mid)
	m.journal(store.ExecutionLogEntry{
		Action:   "CANCELLED",
		Status:   string(types.OrderStatusCanceled),
		Symbol:   m.cfg.Symbol,
		OrderIDs: victims,
		Reason:   "adverse_move",
		Time:     time.Now(),
	})
}

// cancelExpired fires from the timer wheel when a quote's deadline passes.
// A quote that already left the ledger (filled, cancelled, shut down) is
// ignored.
func (m *MarketMaker) cancelExpired(orderID string) {
	m.mu.Lock()
	if m.ledger == nil {
		m.mu.Unlock()
		return
	}
	if _, ok := m.ledger.pending[orderID]; !ok {
		m.mu.Unlock()
		return
	}
	m.ledger.drop(orderID, m.deps.Wheel)
	orders := m.deps.Orders
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
	defer cancel()
	if err := orders.Cancel(ctx, orderID); err != nil {
		m.logger.Warn("deadline cancel failed", "order_id", orderID, "error", err)
		return
	}
	m.logger.Debug("quote expired", "order_id", orderID)
}

// OnOrderUpdate maintains the quote ledger: terminal updates release the
// quote and its timer. Inventory is already folded in by the engine via the
// shared Position before this is called.
func (m *MarketMaker) OnOrderUpdate(ctx context.Context, upd types.OrderUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ledger == nil {
		return
	}
	if upd.Status.Terminal() {
		m.ledger.drop(upd.OrderID, m.deps.Wheel)
	}
}

// Shutdown cancels every resting quote and clears their timers. Idempotent.
func (m *MarketMaker) Shutdown(ctx context.Context) {
	m.mu.Lock()
	if m.ledger == nil {
		m.mu.Unlock()
		return
	}
	ids := m.ledger.dropAll(m.deps.Wheel)
	orders := m.deps.Orders
	m.mu.Unlock()

	for _, id := range ids {
		if err := orders.Cancel(ctx, id); err != nil {
			m.logger.Warn("shutdown cancel failed", "order_id", id, "error", err)
		}
	}
	if len(ids) > 0 {
		m.logger.Info("resting quotes cancelled on shutdown", "count", len(ids))
	}
}

// journal persists an execution entry, logging failures without aborting.
func (m *MarketMaker) journal(entry store.ExecutionLogEntry) {
	if m.deps.Journal == nil {
		return
	}
	if err := m.deps.Journal.SaveExecutionLog(m.tenant, entry); err != nil {
		m.logger.Warn("execution journal write failed", "error", err)
	}
}

// Pending returns the resting quotes in placement order, for status
// endpoints and tests.
func (m *MarketMaker) Pending() []PendingQuote {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ledger == nil {
		return nil
	}
	return m.ledger.ordered()
}
