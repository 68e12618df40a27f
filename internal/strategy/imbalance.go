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

// ImbalanceTaker crosses the spread in the direction of the research signal
// instead of resting passive quotes. It works at most one order at a time:
// a BUY signal lifts the ask, a SELL signal hits the bid, each with a small
// slippage allowance. The working order carries the same cancel deadline
// and adverse-move protection as a passive quote, so an unfilled remainder
// never outlives the edge that justified it.
type ImbalanceTaker struct {
	tenant string
	logger *slog.Logger

	mu      sync.Mutex
	deps    Deps
	cfg     types.EngineConfig
	working *PendingQuote
	timer   uint64
	inited  bool
}

// NewImbalanceTaker creates the taker variant for one tenant.
func NewImbalanceTaker(tenant string, logger *slog.Logger) *ImbalanceTaker {
	return &ImbalanceTaker{
		tenant: tenant,
		logger: logger.With("component", "imbalance", "tenant", tenant),
	}
}

// Init wires the tenant bindings.
func (t *ImbalanceTaker) Init(ctx context.Context, deps Deps, cfg types.EngineConfig) error {
	if deps.Orders == nil || deps.Wheel == nil || deps.Position == nil {
		return fmt.Errorf("imbalance init: orders, wheel and position are required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deps = deps
	t.cfg = cfg
	t.working = nil
	t.timer = 0
	t.inited = true
	return nil
}

// OnResearch runs one taker tick: maintain the working order, then place a
// new crossing order when the signal is directional and no order is
// outstanding.
func (t *ImbalanceTaker) OnResearch(ctx context.Context, result types.ResearchResult, book types.Orderbook, placeAllowed bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.inited {
		return fmt.Errorf("imbalance: not initialised")
	}

	bid, okB := book.BestBid()
	ask, okA := book.BestAsk()
	if !okB || !okA {
		return nil
	}
	mid := bid.Price.Add(ask.Price).Div(two)

	t.cancelAdverseWorking(ctx, mid)

	if !placeAllowed || result.Signal == types.SignalHold {
		return nil
	}
	if t.working != nil {
		return nil
	}

	inv := t.deps.Position.Qty()
	var side types.Side
	var price decimal.Decimal
	offset := t.cfg.AdversePct.Mul(half)
	switch result.Signal {
	case types.SignalBuy:
		if inv.Add(t.cfg.QuoteSize).GreaterThan(t.cfg.MaxPos) {
			return nil
		}
		side = types.SideBuy
		price = ask.Price.Mul(decimal.NewFromInt(1).Add(offset))
	case types.SignalSell:
		if inv.Sub(t.cfg.QuoteSize).LessThan(t.cfg.MaxPos.Neg()) {
			return nil
		}
		side = types.SideSell
		price = bid.Price.Mul(decimal.NewFromInt(1).Sub(offset))
	default:
		return nil
	}

	order, err := t.deps.Orders.Place(ctx, exchange.OrderParams{
		Symbol: t.cfg.Symbol,
		Side:   side,
		Type:   types.OrderTypeLimit,
		Qty:    t.cfg.QuoteSize,
		Price:  price,
	})
	if err != nil {
		t.logger.Error("taker placement failed", "side", side, "price", price, "error", err)
		return nil
	}

	now := time.Now()
	deadline := now.Add(time.Duration(t.cfg.CancelMs) * time.Millisecond)
	id := order.ID
	t.working = &PendingQuote{
		ID:       id,
		Symbol:   order.Symbol,
		Side:     side,
		Price:    price,
		Qty:      t.cfg.QuoteSize,
		PlacedAt: now,
		CancelAt: deadline,
	}
	t.timer = t.deps.Wheel.ScheduleAt(deadline, func() { t.cancelExpired(id) })

	t.logger.Info("taker order placed",
		"order_id", id,
		"side", side,
		"price", price,
		"imbalance", result.Imbalance,
		"accuracy", result.Accuracy,
	)
	t.journal(store.ExecutionLogEntry{
		Action:   "EXECUTED",
		Status:   string(types.OrderStatusNew),
		Symbol:   t.cfg.Symbol,
		OrderIDs: []string{id},
		Time:     now,
	})
	return nil
}

// cancelAdverseWorking cancels the working order when the mid has moved
// against its price by more than adversePct. Caller holds t.mu.
func (t *ImbalanceTaker) cancelAdverseWorking(ctx context.Context, mid decimal.Decimal) {
	w := t.working
	if w == nil || w.Price.IsZero() {
		return
	}
	var signed decimal.Decimal
	if w.Side == types.SideBuy {
		signed = mid.Sub(w.Price).Div(w.Price)
	} else {
		signed = w.Price.Sub(mid).Div(w.Price)
	}
	if !signed.LessThan(t.cfg.AdversePct.Neg()) {
		return
	}

	id := w.ID
	t.releaseWorking(id)
	if err := t.deps.Orders.Cancel(ctx, id); err != nil {
		t.logger.Warn("adverse cancel failed", "order_id", id, "error", err)
	}
	t.journal(store.ExecutionLogEntry{
		Action:   "CANCELLED",
		Status:   string(types.OrderStatusCanceled),
		Symbol:   t.cfg.Symbol,
		OrderIDs: []string{id},
		Reason:   "adverse_move",
		Time:     time.Now(),
	})
}

// cancelExpired fires from the timer wheel at the working order's deadline.
func (t *ImbalanceTaker) cancelExpired(orderID string) {
	t.mu.Lock()
	if t.working == nil || t.working.ID != orderID {
		t.mu.Unlock()
		return
	}
	t.releaseWorking(orderID)
	orders := t.deps.Orders
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
	defer cancel()
	if err := orders.Cancel(ctx, orderID); err != nil {
		t.logger.Warn("deadline cancel failed", "order_id", orderID, "error", err)
	}
}

// releaseWorking clears the working order and its timer. Caller holds t.mu.
func (t *ImbalanceTaker) releaseWorking(orderID string) {
	if t.working == nil || t.working.ID != orderID {
		return
	}
	t.working = nil
	if t.timer != 0 {
		t.deps.Wheel.Cancel(t.timer)
		t.timer = 0
	}
}

// OnOrderUpdate releases the working order when it terminates.
func (t *ImbalanceTaker) OnOrderUpdate(ctx context.Context, upd types.OrderUpdate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if upd.Status.Terminal() {
		t.releaseWorking(upd.OrderID)
	}
}

// Shutdown cancels the working order, if any. Idempotent.
func (t *ImbalanceTaker) Shutdown(ctx context.Context) {
	t.mu.Lock()
	var id string
	if t.working != nil {
		id = t.working.ID
		t.releaseWorking(id)
	}
	orders := t.deps.Orders
	t.mu.Unlock()

	if id == "" {
		return
	}
	if err := orders.Cancel(ctx, id); err != nil {
		t.logger.Warn("shutdown cancel failed", "order_id", id, "error", err)
	}
}

// journal persists an execution entry, logging failures without aborting.
func (t *ImbalanceTaker) journal(entry store.ExecutionLogEntry) {
	if t.deps.Journal == nil {
		return
	}
	if err := t.deps.Journal.SaveExecutionLog(t.tenant, entry); err != nil {
		t.logger.Warn("execution journal write failed", "error", err)
	}
}
