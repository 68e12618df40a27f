// paper.go implements the in-memory paper venue.
//
// PaperAdapter satisfies the same Adapter interface as the live venue but
// never leaves the process: books are either synthesized from a per-symbol
// random walk or pinned with SetBook, and resting limit orders fill the
// moment a new book crosses their price. Fills reach user-data subscribers
// exactly like live executionReport events, so the engine stack runs
// unchanged in paper mode.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"quantdesk/pkg/types"
)

const paperDepthLevels = 20

// PaperAdapter is an exchange simulator for dry runs and tests.
type PaperAdapter struct {
	mu       sync.Mutex
	mids     map[string]decimal.Decimal // random-walk mid per symbol
	pinned   map[string]*types.Orderbook
	orders   map[string]*types.Order
	userSubs []func(types.OrderUpdate)
	bookSubs map[string][]func(types.Orderbook)
	rng      *rand.Rand
	seq      int64
	fillSeq  int64
	closed   bool

	logger *slog.Logger
	now    func() time.Time
}

// NewPaperAdapter creates a simulator with an empty book set.
func NewPaperAdapter(logger *slog.Logger) *PaperAdapter {
	return &PaperAdapter{
		mids:     make(map[string]decimal.Decimal),
		pinned:   make(map[string]*types.Orderbook),
		orders:   make(map[string]*types.Order),
		bookSubs: make(map[string][]func(types.Orderbook)),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:   logger.With("component", "exchange_paper"),
		now:      time.Now,
	}
}

// SetBook pins an exact book for a symbol, replacing the random walk.
// Resting orders that the new book crosses fill immediately.
func (p *PaperAdapter) SetBook(book types.Orderbook) {
	p.mu.Lock()
	b := book
	if b.Timestamp.IsZero() {
		b.Timestamp = p.now().UTC()
	}
	p.pinned[book.Symbol] = &b
	updates := p.matchLocked(&b)
	subs := append([]func(types.Orderbook){}, p.bookSubs[book.Symbol]...)
	p.mu.Unlock()

	p.dispatch(updates)
	for _, fn := range subs {
		fn(b)
	}
}

// GetOrderbook returns the current book, advancing the random walk when the
// symbol has no pinned book.
func (p *PaperAdapter) GetOrderbook(ctx context.Context, symbol string, depth int) (*types.Orderbook, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if depth <= 0 || depth > paperDepthLevels {
		depth = paperDepthLevels
	}

	p.mu.Lock()
	book := p.currentBookLocked(symbol)
	updates := p.matchLocked(book)
	subs := append([]func(types.Orderbook){}, p.bookSubs[symbol]...)
	p.mu.Unlock()

	p.dispatch(updates)
	for _, fn := range subs {
		fn(*book)
	}

	out := *book
	if len(out.Bids) > depth {
		out.Bids = out.Bids[:depth]
	}
	if len(out.Asks) > depth {
		out.Asks = out.Asks[:depth]
	}
	return &out, nil
}

// currentBookLocked returns the pinned book or synthesizes the next step of
// the random walk. Caller holds p.mu.
func (p *PaperAdapter) currentBookLocked(symbol string) *types.Orderbook {
	if book, ok := p.pinned[symbol]; ok {
		return book
	}

	mid, ok := p.mids[symbol]
	if !ok {
		mid = decimal.NewFromInt(100)
	}
	// Drift the mid by up to ±0.1% per snapshot.
	step := 1 + (p.rng.Float64()-0.5)*0.002
	mid = mid.Mul(decimal.NewFromFloat(step)).Round(8)
	p.mids[symbol] = mid

	bp := mid.Mul(decimal.NewFromFloat(0.0001))
	book := &types.Orderbook{
		Symbol:    symbol,
		UpdateSeq: p.seq,
		Timestamp: p.now().UTC(),
	}
	p.seq++
	for i := 0; i < paperDepthLevels; i++ {
		offset := bp.Mul(decimal.NewFromInt(int64(i + 1)))
		qty := decimal.NewFromFloat(1 + p.rng.Float64()*4).Round(4)
		book.Bids = append(book.Bids, types.OrderbookLevel{
			Price:    mid.Sub(offset).Round(8),
			Quantity: qty,
		})
		book.Asks = append(book.Asks, types.OrderbookLevel{
			Price:    mid.Add(offset).Round(8),
			Quantity: qty,
		})
	}
	return book
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// PlaceOrder accepts an order into the simulator. Limit orders rest until a
// book crosses them; market orders fill at the current top of book.
func (p *PaperAdapter) PlaceOrder(ctx context.Context, params OrderParams) (*types.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !params.Qty.IsPositive() {
		return nil, types.NewExchangeError(400, "", "quantity must be positive")
	}
	if params.Type == types.OrderTypeLimit && !params.Price.IsPositive() {
		return nil, types.NewExchangeError(400, "", "limit orders require a positive price")
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, types.NewTransientError("paper adapter disconnected")
	}

	p.seq++
	clientID := params.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	now := p.now().UTC()
	order := &types.Order{
		ID:        strconv.FormatInt(p.seq, 10),
		ClientID:  clientID,
		Symbol:    params.Symbol,
		Side:      params.Side,
		Type:      params.Type,
		Qty:       params.Qty,
		Price:     params.Price,
		Status:    types.OrderStatusNew,
		CreatedAt: now,
		UpdatedAt: now,
	}
	p.orders[order.ID] = order

	var updates []types.OrderUpdate
	if params.Type == types.OrderTypeMarket {
		updates = p.fillMarketLocked(order)
	} else if book, ok := p.pinned[params.Symbol]; ok {
		updates = p.matchLocked(book)
	}
	p.mu.Unlock()

	p.dispatch(updates)

	// Return the post-match state so immediate fills are visible.
	p.mu.Lock()
	snapshot := *p.orders[order.ID]
	p.mu.Unlock()
	return &snapshot, nil
}

// CancelOrder cancels a resting order. Unknown or already-terminal orders
// return the venue's unknown-order rejection so callers can treat the
// cancel as settled.
func (p *PaperAdapter) CancelOrder(ctx context.Context, symbol, orderID string) (*types.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	order, ok := p.orders[orderID]
	if !ok || order.Symbol != symbol || order.Status.Terminal() {
		p.mu.Unlock()
		return nil, types.NewExchangeError(400, types.CodeUnknownOrder, "unknown order sent")
	}

	order.Status = types.OrderStatusCanceled
	order.UpdatedAt = p.now().UTC()
	snapshot := *order
	update := types.OrderUpdate{
		OrderID:   order.ID,
		ClientID:  order.ClientID,
		Symbol:    order.Symbol,
		Side:      order.Side,
		Status:    types.OrderStatusCanceled,
		Price:     order.Price,
		Qty:       order.Qty,
		FilledQty: order.FilledQty,
		Time:      order.UpdatedAt,
	}
	p.mu.Unlock()

	p.dispatch([]types.OrderUpdate{update})
	return &snapshot, nil
}

// GetOrderStatus returns a copy of one order's state.
func (p *PaperAdapter) GetOrderStatus(ctx context.Context, symbol, orderID string) (*types.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	order, ok := p.orders[orderID]
	if !ok || order.Symbol != symbol {
		return nil, types.NewExchangeError(400, types.CodeUnknownOrder, "unknown order sent")
	}
	snapshot := *order
	return &snapshot, nil
}

// ValidateAPIKey always succeeds; the simulator has no credentials.
func (p *PaperAdapter) ValidateAPIKey(ctx context.Context) (*types.KeyValidation, error) {
	return &types.KeyValidation{Valid: true, CanTrade: true}, nil
}

// ————————————————————————————————————————————————————————————————————————
// Matching
// ————————————————————————————————————————————————————————————————————————

// matchLocked fills every resting limit order the book crosses: a buy fills
// when the best ask trades through its price, a sell when the best bid
// does. Fills execute at the order's limit price for the full remaining
// quantity. Caller holds p.mu.
func (p *PaperAdapter) matchLocked(book *types.Orderbook) []types.OrderUpdate {
	bestBid, hasBid := book.BestBid()
	bestAsk, hasAsk := book.BestAsk()

	var updates []types.OrderUpdate
	for _, order := range p.orders {
		if order.Symbol != book.Symbol || order.Status.Terminal() || order.Type != types.OrderTypeLimit {
			continue
		}
		crossed := false
		switch order.Side {
		case types.SideBuy:
			crossed = hasAsk && bestAsk.Price.LessThanOrEqual(order.Price)
		case types.SideSell:
			crossed = hasBid && bestBid.Price.GreaterThanOrEqual(order.Price)
		}
		if crossed {
			updates = append(updates, p.fillLocked(order, order.Price))
		}
	}
	return updates
}

// fillMarketLocked fills a market order against the current top of book.
// Caller holds p.mu.
func (p *PaperAdapter) fillMarketLocked(order *types.Order) []types.OrderUpdate {
	book := p.currentBookLocked(order.Symbol)

	var level types.OrderbookLevel
	var ok bool
	if order.Side == types.SideBuy {
		level, ok = book.BestAsk()
	} else {
		level, ok = book.BestBid()
	}
	if !ok {
		order.Status = types.OrderStatusRejected
		order.UpdatedAt = p.now().UTC()
		return []types.OrderUpdate{{
			OrderID:  order.ID,
			ClientID: order.ClientID,
			Symbol:   order.Symbol,
			Side:     order.Side,
			Status:   types.OrderStatusRejected,
			Qty:      order.Qty,
			Time:     order.UpdatedAt,
		}}
	}
	return []types.OrderUpdate{p.fillLocked(order, level.Price)}
}

func (p *PaperAdapter) fillLocked(order *types.Order, price decimal.Decimal) types.OrderUpdate {
	fillQty := order.Remaining()
	order.FilledQty = order.Qty
	order.AvgPrice = price
	order.Status = types.OrderStatusFilled
	order.UpdatedAt = p.now().UTC()

	p.fillSeq++
	return types.OrderUpdate{
		OrderID:       order.ID,
		ClientID:      order.ClientID,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Status:        types.OrderStatusFilled,
		Price:         order.Price,
		Qty:           order.Qty,
		FilledQty:     order.FilledQty,
		LastFillQty:   fillQty,
		LastFillPrice: price,
		TradeID:       fmt.Sprintf("paper-%d", p.fillSeq),
		Time:          order.UpdatedAt,
	}
}

// ————————————————————————————————————————————————————————————————————————
// Subscriptions
// ————————————————————————————————————————————————————————————————————————

// SubscribeOrderbook registers a callback invoked for every book the
// simulator produces for symbol.
func (p *PaperAdapter) SubscribeOrderbook(ctx context.Context, symbol string, onUpdate func(types.Orderbook)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("adapter disconnected")
	}
	p.bookSubs[symbol] = append(p.bookSubs[symbol], onUpdate)
	return nil
}

// SubscribeUserData registers a callback invoked for every order event.
func (p *PaperAdapter) SubscribeUserData(ctx context.Context, onUpdate func(types.OrderUpdate)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("adapter disconnected")
	}
	p.userSubs = append(p.userSubs, onUpdate)
	return nil
}

// dispatch delivers order updates outside the adapter lock so subscribers
// may call back into the adapter.
func (p *PaperAdapter) dispatch(updates []types.OrderUpdate) {
	if len(updates) == 0 {
		return
	}
	p.mu.Lock()
	subs := append([]func(types.OrderUpdate){}, p.userSubs...)
	p.mu.Unlock()

	for _, upd := range updates {
		for _, fn := range subs {
			fn(upd)
		}
	}
}

// Disconnect drops all subscriptions. Orders remain readable.
func (p *PaperAdapter) Disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.userSubs = nil
	p.bookSubs = make(map[string][]func(types.Orderbook))
}
