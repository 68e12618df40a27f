package strategy

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"quantdesk/pkg/types"
)

// PendingQuote is a read-only view of one resting quote.
type PendingQuote struct {
	ID       string
	Symbol   string
	Side     types.Side
	Price    decimal.Decimal
	Qty      decimal.Decimal
	PlacedAt time.Time
	CancelAt time.Time
}

// quoteLedger tracks resting quotes and their cancel-timer handles. Not
// safe for concurrent use; the owning strategy holds its own lock.
type quoteLedger struct {
	pending map[string]*PendingQuote
	timers  map[string]uint64
}

func newQuoteLedger() *quoteLedger {
	return &quoteLedger{
		pending: make(map[string]*PendingQuote),
		timers:  make(map[string]uint64),
	}
}

// track registers a quote and its timer handle. Handle 0 (stopped wheel) is
// kept too so drop stays uniform.
func (l *quoteLedger) track(q *PendingQuote, handle uint64) {
	l.pending[q.ID] = q
	l.timers[q.ID] = handle
}

// drop forgets a quote and cancels its timer on the wheel. Safe to call for
// unknown ids.
func (l *quoteLedger) drop(id string, wheel *TimerWheel) {
	if _, ok := l.pending[id]; !ok {
		return
	}
	delete(l.pending, id)
	if handle, ok := l.timers[id]; ok {
		delete(l.timers, id)
		wheel.Cancel(handle)
	}
}

// dropAll clears every quote and timer, returning the ids that were resting
// in placement order.
func (l *quoteLedger) dropAll(wheel *TimerWheel) []string {
	ids := make([]string, 0, len(l.pending))
	for _, q := range l.ordered() {
		ids = append(ids, q.ID)
	}
	for id, handle := range l.timers {
		delete(l.timers, id)
		wheel.Cancel(handle)
	}
	l.pending = make(map[string]*PendingQuote)
	return ids
}

// adverseVictims returns, in placement order, the ids of quotes the mid has
// moved against by more than adversePct. The signed move is
// (mid−price)/price for a BUY and (price−mid)/price for a SELL, so a
// negative value means the market ran away from the quote; the quote is a
// victim when the move is below −adversePct. A fill at such a price would
// be picking us off.
func (l *quoteLedger) adverseVictims(mid, adversePct decimal.Decimal) []string {
	floor := adversePct.Neg()
	var ids []string
	for _, q := range l.ordered() {
		if q.Price.IsZero() {
			continue
		}
		var signed decimal.Decimal
		if q.Side == types.SideBuy {
			signed = mid.Sub(q.Price).Div(q.Price)
		} else {
			signed = q.Price.Sub(mid).Div(q.Price)
		}
		if signed.LessThan(floor) {
			ids = append(ids, q.ID)
		}
	}
	return ids
}

// ordered returns the resting quotes sorted by placement time.
func (l *quoteLedger) ordered() []PendingQuote {
	out := make([]PendingQuote, 0, len(l.pending))
	for _, q := range l.pending {
		out = append(out, *q)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PlacedAt.Equal(out[j].PlacedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].PlacedAt.Before(out[j].PlacedAt)
	})
	return out
}
