// Package orders tracks one account's orders against the venue.
//
// Manager is the single writer of local order state. Placements and
// cancels go to the venue through it, and every user-data event flows back
// in through ApplyUpdate, which enforces the lifecycle rules the rest of
// the system relies on:
//
//   - status only moves forward (NEW → PARTIALLY_FILLED → terminal);
//     stale or replayed events cannot regress an order
//   - each (orderID, tradeID) fill is surfaced exactly once, so inventory
//     and PnL see no double counting
//   - cancels are idempotent: the venue's unknown-order rejection means
//     the order is already settled, not that the cancel failed
//
// Placements are never retried here. A timed-out placement may have
// landed, so the caller decides whether to re-quote on the next cycle.
package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"quantdesk/internal/exchange"
	"quantdesk/internal/metrics"
	"quantdesk/pkg/types"
)

// Manager owns the local order registry for one account.
type Manager struct {
	adapter exchange.Adapter
	logger  *slog.Logger

	mu     sync.Mutex
	orders map[string]*types.Order
	fills  map[string]map[string]struct{} // orderID → trade ids already surfaced
}

// NewManager creates an order manager over the given venue adapter.
func NewManager(adapter exchange.Adapter, logger *slog.Logger) *Manager {
	return &Manager{
		adapter: adapter,
		logger:  logger.With("component", "orders"),
		orders:  make(map[string]*types.Order),
		fills:   make(map[string]map[string]struct{}),
	}
}

// Place submits a new order and registers the venue's response. A missing
// client id is filled in so fills can be correlated even if the venue id
// is lost.
func (m *Manager) Place(ctx context.Context, params exchange.OrderParams) (*types.Order, error) {
	if params.ClientID == "" {
		params.ClientID = uuid.NewString()
	}

	order, err := m.adapter.PlaceOrder(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("place %s %s %s: %w", params.Side, params.Qty, params.Symbol, err)
	}

	metrics.OrdersPlacedTotal.WithLabelValues(order.Symbol, string(order.Side)).Inc()
	m.merge(order)
	snapshot := *order
	return &snapshot, nil
}

// Cancel cancels one order. Orders the venue no longer knows (already
// filled, already canceled, or expired) settle locally without error.
func (m *Manager) Cancel(ctx context.Context, orderID string) error {
	m.mu.Lock()
	order, ok := m.orders[orderID]
	if !ok {
		m.mu.Unlock()
		m.logger.Debug("cancel for untracked order, treating as settled", "order_id", orderID)
		return nil
	}
	if order.Status.Terminal() {
		m.mu.Unlock()
		return nil
	}
	symbol := order.Symbol
	m.mu.Unlock()

	res, err := m.adapter.CancelOrder(ctx, symbol, orderID)
	if err != nil {
		var xerr *types.ExchangeError
		if errors.As(err, &xerr) && xerr.UnknownOrder() {
			m.settleLocally(orderID)
			metrics.OrdersCanceledTotal.WithLabelValues(symbol).Inc()
			return nil
		}
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}

	m.merge(res)
	metrics.OrdersCanceledTotal.WithLabelValues(symbol).Inc()
	return nil
}

// CancelAll cancels every open order, continuing past individual failures.
// Returns how many cancels succeeded and the joined failures, if any.
func (m *Manager) CancelAll(ctx context.Context) (int, error) {
	var errs []error
	canceled := 0
	for _, order := range m.Open() {
		if err := m.Cancel(ctx, order.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		canceled++
	}
	return canceled, errors.Join(errs...)
}

// Sync refreshes one order from the venue and merges the result.
func (m *Manager) Sync(ctx context.Context, orderID string) (*types.Order, error) {
	m.mu.Lock()
	order, ok := m.orders[orderID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("sync: order %s not tracked", orderID)
	}
	symbol := order.Symbol
	m.mu.Unlock()

	res, err := m.adapter.GetOrderStatus(ctx, symbol, orderID)
	if err != nil {
		return nil, fmt.Errorf("sync order %s: %w", orderID, err)
	}
	m.merge(res)

	snapshot, _ := m.Get(orderID)
	return &snapshot, nil
}

// Get returns a copy of one tracked order.
func (m *Manager) Get(orderID string) (types.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderID]
	if !ok {
		return types.Order{}, false
	}
	return *order, true
}

// Open returns copies of all non-terminal orders, oldest first.
func (m *Manager) Open() []types.Order {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]types.Order, 0, len(m.orders))
	for _, order := range m.orders {
		if !order.Status.Terminal() {
			out = append(out, *order)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ApplyUpdate folds one user-data event into the registry. When the event
// carries a fill that has not been seen before, the fill is returned with
// ok=true so the caller can update inventory and PnL; replays return
// ok=false and change nothing.
//
// A new fill is surfaced even when the order is already terminal locally:
// an optimistic local cancel can race a fill that matched first, and the
// executed quantity is the venue's truth.
func (m *Manager) ApplyUpdate(upd types.OrderUpdate) (types.Fill, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fill, hasFill := upd.Fill()
	if hasFill {
		trades := m.fills[upd.OrderID]
		if trades == nil {
			trades = make(map[string]struct{})
			m.fills[upd.OrderID] = trades
		}
		if _, seen := trades[upd.TradeID]; seen {
			return types.Fill{}, false
		}
		trades[upd.TradeID] = struct{}{}
	}

	order, ok := m.orders[upd.OrderID]
	if !ok {
		// Stream events can outrun the placement response.
		order = &types.Order{
			ID:        upd.OrderID,
			ClientID:  upd.ClientID,
			Symbol:    upd.Symbol,
			Side:      upd.Side,
			Type:      types.OrderTypeLimit,
			Qty:       upd.Qty,
			Price:     upd.Price,
			Status:    types.OrderStatusNew,
			CreatedAt: upd.Time,
			UpdatedAt: upd.Time,
		}
		m.orders[upd.OrderID] = order
	}

	if hasFill && upd.FilledQty.GreaterThan(order.FilledQty) {
		notional := order.AvgPrice.Mul(order.FilledQty).Add(fill.Price.Mul(fill.Qty))
		order.FilledQty = upd.FilledQty
		order.AvgPrice = notional.Div(order.FilledQty)
	}
	if upd.Status != order.Status && order.Status.CanTransition(upd.Status) {
		order.Status = upd.Status
	}
	if upd.Time.After(order.UpdatedAt) {
		order.UpdatedAt = upd.Time
	}

	if hasFill {
		metrics.FillsTotal.WithLabelValues(upd.Symbol).Inc()
		return fill, true
	}
	return types.Fill{}, false
}

// PruneTerminal drops terminal orders last touched before the cutoff and
// their fill markers. Returns how many orders were removed.
func (m *Manager) PruneTerminal(before time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, order := range m.orders {
		if order.Status.Terminal() && order.UpdatedAt.Before(before) {
			delete(m.orders, id)
			delete(m.fills, id)
			removed++
		}
	}
	return removed
}

// settleLocally transitions an order to CANCELED after the venue reported
// it unknown. Terminal orders are left as they are.
func (m *Manager) settleLocally(orderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[orderID]
	if !ok || order.Status.Terminal() {
		return
	}
	order.Status = types.OrderStatusCanceled
	order.UpdatedAt = time.Now().UTC()
}

// merge folds a venue order snapshot into the registry under the same
// monotonic rules as stream updates.
func (m *Manager) merge(res *types.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[res.ID]
	if !ok {
		snapshot := *res
		m.orders[res.ID] = &snapshot
		return
	}

	if res.FilledQty.GreaterThan(order.FilledQty) {
		order.FilledQty = res.FilledQty
		order.AvgPrice = res.AvgPrice
	}
	if res.Status != order.Status && order.Status.CanTransition(res.Status) {
		order.Status = res.Status
	}
	if res.UpdatedAt.After(order.UpdatedAt) {
		order.UpdatedAt = res.UpdatedAt
	}
}
