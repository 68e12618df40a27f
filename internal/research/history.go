package research

import (
	"sync"

	"quantdesk/pkg/types"
)

// Window sizes for the per-symbol rings. Orderbook snapshots are heavier
// than scalar features, so they keep a shorter window; the mid-return ring
// feeds the volatility estimate and stays short on purpose.
const (
	bookWindow    = 50
	featureWindow = 200
	returnsWindow = 20
)

// History accumulates rolling per-symbol state across evaluations. Feature
// rings hold the raw inputs for the dynamic thresholds; prevMid carries the
// previous snapshot's mid so momentum always compares against the tick
// before, never against the snapshot being evaluated.
type History struct {
	mu        sync.Mutex
	books     []types.Orderbook
	spreadPct []float64
	depth     []float64
	volume    []float64
	absImb    []float64
	returns   []float64
	prevMid   float64
}

// NewHistory creates an empty history.
func NewHistory() *History {
	return &History{}
}

// PrevMid returns the mid price of the most recently appended snapshot,
// 0 while the history is empty.
func (h *History) PrevMid() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.prevMid
}

// Append records one evaluated snapshot. Callers must derive momentum from
// PrevMid before appending; the snapshot recorded here becomes prev for the
// next evaluation.
func (h *History) Append(book types.Orderbook, spreadPct, depth, volume, absImbalance, mid float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.books = pushRing(h.books, book, bookWindow)
	h.spreadPct = pushRing(h.spreadPct, spreadPct, featureWindow)
	h.depth = pushRing(h.depth, depth, featureWindow)
	h.volume = pushRing(h.volume, volume, featureWindow)
	h.absImb = pushRing(h.absImb, absImbalance, featureWindow)

	if h.prevMid > 0 {
		h.returns = pushRing(h.returns, (mid-h.prevMid)/h.prevMid, returnsWindow)
	}
	h.prevMid = mid
}

// windows returns copies of the scalar feature rings so threshold
// computation never races a concurrent append.
func (h *History) windows() (spreadPct, depth, volume, absImb, returns []float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return cloneFloats(h.spreadPct),
		cloneFloats(h.depth),
		cloneFloats(h.volume),
		cloneFloats(h.absImb),
		cloneFloats(h.returns)
}

// Books returns a copy of the retained orderbook snapshots, oldest first.
func (h *History) Books() []types.Orderbook {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]types.Orderbook, len(h.books))
	copy(out, h.books)
	return out
}

// Len reports how many snapshots the book ring currently holds.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.books)
}

func pushRing[T any](buf []T, v T, limit int) []T {
	buf = append(buf, v)
	if len(buf) > limit {
		buf = buf[len(buf)-limit:]
	}
	return buf
}

func cloneFloats(xs []float64) []float64 {
	out := make([]float64, len(xs))
	copy(out, xs)
	return out
}
