// Package research turns orderbook snapshots into trading signals.
//
// Engine evaluates one snapshot at a time against rolling per-symbol
// history. Accuracy starts at 0.5 and earns additive bonuses:
//
//	imbalance ≥ 1×/1.5×/2× the dynamic threshold  → +0.05/+0.10/+0.15
//	spread below 50 %/25 % of the P80 wide cutoff → +0.05/+0.10
//	volume above 1×/2× its median                 → +0.05/+0.10
//	depth above 1.5× its median                   → +0.05
//	momentum agreeing with book pressure          → +0.05
//	external features (sentiment, on-chain, trend) ±0.05 each,
//	  negative contributions clamped to −0.05 total
//
// The final value is clamped to [0.10, 0.95] and capped at 0.49 whenever
// the liquidity gate trips (spread wider than the P80 cutoff, or depth or
// volume under half their medians). Signals only fire at accuracy ≥ 0.5,
// so a gated symbol can never trade.
package research

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"quantdesk/internal/config"
	"quantdesk/internal/exchange"
	"quantdesk/pkg/types"
)

const (
	imbalanceLevels = 10 // book levels summed for imbalance
	depthLevels     = 5  // book levels summed for notional depth

	baseAccuracy  = 0.5
	accuracyFloor = 0.10
	accuracyCeil  = 0.95
	liquidityCap  = 0.49

	// momentumFloor filters noise: moves under 5 bps of the previous mid
	// never earn the momentum bonus.
	momentumFloor = 0.0005
)

// Journal receives research results worth persisting. *store.Store
// satisfies it; tests use a capture fake.
type Journal interface {
	SaveResearchLog(tenant string, result types.ResearchResult) error
}

// Engine owns the rolling history and feature providers for one tenant.
type Engine struct {
	tenant    string
	cfg       config.ResearchConfig
	journal   Journal
	providers []FeatureProvider
	logger    *slog.Logger

	mu        sync.Mutex
	histories map[string]*History

	now func() time.Time
}

// NewEngine creates a research engine. journal may be nil, in which case
// results are returned but never persisted.
func NewEngine(tenant string, cfg config.ResearchConfig, journal Journal, logger *slog.Logger, providers ...FeatureProvider) *Engine {
	return &Engine{
		tenant:    tenant,
		cfg:       cfg,
		journal:   journal,
		providers: providers,
		logger:    logger.With("component", "research", "tenant", tenant),
		histories: make(map[string]*History),
		now:       time.Now,
	}
}

// History returns the rolling history for symbol, creating it on first use.
func (e *Engine) History(symbol string) *History {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.histories[symbol]
	if !ok {
		h = NewHistory()
		e.histories[symbol] = h
	}
	return h
}

// Run fetches a fresh orderbook through the adapter and evaluates it.
func (e *Engine) Run(ctx context.Context, adapter exchange.Adapter, symbol string) (types.ResearchResult, error) {
	book, err := adapter.GetOrderbook(ctx, symbol, e.cfg.OrderbookDepth)
	if err != nil {
		return types.ResearchResult{}, fmt.Errorf("research orderbook %s: %w", symbol, err)
	}
	return e.Evaluate(ctx, *book), nil
}

// Evaluate scores one snapshot and journals the result. Degenerate books
// (either side empty) yield a neutral HOLD that is not journalled.
func (e *Engine) Evaluate(ctx context.Context, book types.Orderbook) types.ResearchResult {
	res, ok := e.evaluate(ctx, book)
	if ok && e.journal != nil {
		if err := e.journal.SaveResearchLog(e.tenant, res); err != nil {
			e.logger.Warn("research journal write failed", "symbol", res.Symbol, "error", err)
		}
	}
	return res
}

func (e *Engine) evaluate(ctx context.Context, book types.Orderbook) (types.ResearchResult, bool) {
	now := e.now()

	bid, okBid := book.BestBid()
	ask, okAsk := book.BestAsk()
	if !okBid || !okAsk {
		return types.ResearchResult{
			Symbol:            book.Symbol,
			Signal:            types.SignalHold,
			Accuracy:          baseAccuracy,
			RecommendedAction: recommendAction(types.SignalHold, baseAccuracy),
			Timestamp:         now,
		}, false
	}

	hist := e.History(book.Symbol)

	bid0 := bid.Price.InexactFloat64()
	ask0 := ask.Price.InexactFloat64()
	mid := (bid0 + ask0) / 2

	imb := imbalance(book)
	spreadPct := (ask0 - bid0) / mid * 100
	depth := notionalDepth(book)
	volume := depth // notional proxy used uniformly

	momentum := 0.0
	if prevMid := hist.PrevMid(); prevMid > 0 {
		momentum = (mid - prevMid) / prevMid
	}

	spreadHist, depthHist, volumeHist, imbHist, returns := hist.windows()

	volatility := 0.0
	if len(returns) >= 2 {
		volatility = stat.StdDev(returns, nil)
	}

	th := thresholdsFrom(imbHist, spreadHist, depthHist, volumeHist)

	acc := baseAccuracy
	acc += imbalanceBonus(math.Abs(imb), th.Imbalance)
	acc += spreadBonus(spreadPct, th.SpreadWide)
	acc += volumeBonus(volume, th.VolumeMedian)
	acc += depthBonus(depth, th.DepthMedian)
	acc += momentumBonus(momentum, imb)
	acc += e.externalAdjust(ctx, book.Symbol)
	acc = clamp(acc, accuracyFloor, accuracyCeil)

	if spreadPct > th.SpreadWide || depth < th.DepthLow || volume < th.VolumeLow {
		acc = math.Min(acc, liquidityCap)
	}

	signal := types.SignalHold
	switch {
	case acc < baseAccuracy:
		// gated or penalised below conviction, stay flat
	case imb > th.Imbalance:
		signal = types.SignalBuy
	case imb < -th.Imbalance:
		signal = types.SignalSell
	}

	// Append strictly after feature computation so the next evaluation sees
	// this snapshot as prev.
	hist.Append(book, spreadPct, depth, volume, math.Abs(imb), mid)

	return types.ResearchResult{
		Symbol:    book.Symbol,
		Signal:    signal,
		Accuracy:  acc,
		Imbalance: imb,
		MicroSignals: types.MicroSignals{
			SpreadPct:     spreadPct,
			Volume:        volume,
			PriceMomentum: momentum,
			Depth:         depth,
			Volatility:    volatility,
		},
		RecommendedAction: recommendAction(signal, acc),
		Timestamp:         now,
	}, true
}

// externalAdjust folds the feature providers into the accuracy score. Each
// provider runs under its own timeout; a failure contributes zero and never
// aborts the evaluation. Positive scores add up to +0.05 each, negative
// contributions are clamped to −0.05 in total so a hostile feed cannot
// flip a signal on its own.
func (e *Engine) externalAdjust(ctx context.Context, symbol string) float64 {
	var bonus, penalty float64
	for _, p := range e.providers {
		pctx, cancel := context.WithTimeout(ctx, e.cfg.ProviderTimeout)
		score, err := p.Score(pctx, symbol)
		cancel()
		if err != nil {
			e.logger.Debug("feature provider failed", "provider", p.Name(), "symbol", symbol, "error", err)
			continue
		}
		score = clamp(score, -1, 1)
		if score >= 0 {
			bonus += score * 0.05
		} else {
			penalty += score * 0.05
		}
	}
	if penalty < -0.05 {
		penalty = -0.05
	}
	return bonus + penalty
}

// ————————————————————————————————————————————————————————————————————————
// Feature math
// ————————————————————————————————————————————————————————————————————————

// imbalance is (Σ bidQty − Σ askQty) / total over the top 10 levels,
// in [−1, 1]. Positive means buy pressure.
func imbalance(book types.Orderbook) float64 {
	var bidQty, askQty float64
	for i := 0; i < len(book.Bids) && i < imbalanceLevels; i++ {
		bidQty += book.Bids[i].Quantity.InexactFloat64()
	}
	for i := 0; i < len(book.Asks) && i < imbalanceLevels; i++ {
		askQty += book.Asks[i].Quantity.InexactFloat64()
	}
	total := bidQty + askQty
	if total <= 0 {
		return 0
	}
	return (bidQty - askQty) / total
}

// notionalDepth sums qty·price over the top 5 levels of both sides.
func notionalDepth(book types.Orderbook) float64 {
	var sum float64
	for i := 0; i < len(book.Bids) && i < depthLevels; i++ {
		sum += book.Bids[i].Quantity.InexactFloat64() * book.Bids[i].Price.InexactFloat64()
	}
	for i := 0; i < len(book.Asks) && i < depthLevels; i++ {
		sum += book.Asks[i].Quantity.InexactFloat64() * book.Asks[i].Price.InexactFloat64()
	}
	return sum
}

// ————————————————————————————————————————————————————————————————————————
// Accuracy bonuses
// ————————————————————————————————————————————————————————————————————————

func imbalanceBonus(absImb, threshold float64) float64 {
	switch {
	case absImb >= 2*threshold:
		return 0.15
	case absImb >= 1.5*threshold:
		return 0.10
	case absImb >= threshold:
		return 0.05
	}
	return 0
}

func spreadBonus(spreadPct, wideCutoff float64) float64 {
	if math.IsInf(wideCutoff, 1) || wideCutoff <= 0 {
		return 0
	}
	switch {
	case spreadPct < 0.25*wideCutoff:
		return 0.10
	case spreadPct < 0.5*wideCutoff:
		return 0.05
	}
	return 0
}

func volumeBonus(volume, median float64) float64 {
	if median <= 0 {
		return 0
	}
	switch {
	case volume > 2*median:
		return 0.10
	case volume > median:
		return 0.05
	}
	return 0
}

func depthBonus(depth, median float64) float64 {
	if median <= 0 {
		return 0
	}
	if depth > 1.5*median {
		return 0.05
	}
	return 0
}

// momentumBonus rewards price momentum that agrees with book pressure.
func momentumBonus(momentum, imb float64) float64 {
	if math.Abs(momentum) <= momentumFloor {
		return 0
	}
	if (momentum > 0 && imb > 0) || (momentum < 0 && imb < 0) {
		return 0.05
	}
	return 0
}

// recommendAction buckets (signal, accuracy) into the display string the
// control plane and journals carry.
func recommendAction(sig types.Signal, acc float64) string {
	if sig == types.SignalBuy || sig == types.SignalSell {
		verb := strings.ToLower(string(sig))
		switch {
		case acc >= 0.85:
			return "strong_" + verb
		case acc >= 0.7:
			return verb
		default:
			return "lean_" + verb
		}
	}
	switch {
	case acc >= 0.85:
		return "stand_aside"
	case acc >= 0.7:
		return "hold"
	default:
		return "wait"
	}
}
