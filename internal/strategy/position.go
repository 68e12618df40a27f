package strategy

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"quantdesk/pkg/types"
)

// PositionSnapshot is a copy of the tracked position at one instant.
// Serialized to JSON when the position is journalled across restarts.
type PositionSnapshot struct {
	Symbol        string          `json:"symbol"`
	Qty           decimal.Decimal `json:"qty"` // signed: + long, - short
	AvgEntry      decimal.Decimal `json:"avgEntry"`
	RealizedPnL   decimal.Decimal `json:"realizedPnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnl"`
	LastUpdated   time.Time       `json:"lastUpdated"`
}

// Position tracks signed inventory for one symbol. BUY fills add quantity,
// SELL fills subtract. Fills that reduce the position realize PnL against
// the average entry; fills that extend it reprice the average entry.
// All arithmetic is decimal so repeated fills never drift. Thread-safe.
type Position struct {
	mu   sync.RWMutex
	snap PositionSnapshot
}

// NewPosition creates an empty position tracker for one symbol.
func NewPosition(symbol string) *Position {
	return &Position{snap: PositionSnapshot{Symbol: symbol}}
}

// OnFill folds one execution into the position and returns the PnL realized
// by it (zero when the fill extends the position). A fill larger than the
// open quantity flips the sign: the overlap is closed at the average entry
// and the overshoot opens a fresh position at the fill price.
func (p *Position) OnFill(fill types.Fill) decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()

	signed := fill.Qty
	if fill.Side == types.SideSell {
		signed = signed.Neg()
	}

	var realized decimal.Decimal
	cur := p.snap.Qty

	if cur.IsZero() || cur.Sign() == signed.Sign() {
		totalCost := p.snap.AvgEntry.Mul(cur.Abs()).Add(fill.Price.Mul(fill.Qty))
		next := cur.Add(signed)
		if !next.IsZero() {
			p.snap.AvgEntry = totalCost.Div(next.Abs())
		}
		p.snap.Qty = next
	} else {
		closeQty := decimal.Min(fill.Qty, cur.Abs())
		diff := fill.Price.Sub(p.snap.AvgEntry)
		if cur.Sign() < 0 {
			diff = diff.Neg() // a short profits when it covers below entry
		}
		realized = diff.Mul(closeQty)
		p.snap.RealizedPnL = p.snap.RealizedPnL.Add(realized)

		next := cur.Add(signed)
		switch {
		case next.IsZero():
			p.snap.AvgEntry = decimal.Zero
		case next.Sign() != cur.Sign():
			p.snap.AvgEntry = fill.Price
		}
		p.snap.Qty = next
	}

	p.snap.LastUpdated = time.Now()
	return realized
}

// MarkToMarket recomputes unrealized PnL against the given mid price.
func (p *Position) MarkToMarket(mid decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap.UnrealizedPnL = mid.Sub(p.snap.AvgEntry).Mul(p.snap.Qty)
}

// Qty returns the current signed quantity.
func (p *Position) Qty() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snap.Qty
}

// Exposure returns the absolute notional of the position at the given mid.
func (p *Position) Exposure(mid decimal.Decimal) decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snap.Qty.Abs().Mul(mid)
}

// Snapshot returns a copy of the current position.
func (p *Position) Snapshot() PositionSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snap
}

// Restore overwrites the position from a persisted snapshot.
func (p *Position) Restore(snap PositionSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap = snap
}
