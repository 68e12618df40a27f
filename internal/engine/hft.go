// Package engine drives per-tenant trading.
//
// HFTEngine owns one tenant's tick loop: every interval it fetches a fresh
// orderbook, scores it through research, gates placement on accuracy and
// risk, and hands the tick to the strategy. UserEngine composes the engine
// with its venue adapter, order registry, research engine and strategy, and
// EngineManager is the process-wide registry HTTP handlers talk to.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"quantdesk/internal/bus"
	"quantdesk/internal/exchange"
	"quantdesk/internal/metrics"
	"quantdesk/internal/orders"
	"quantdesk/internal/research"
	"quantdesk/internal/risk"
	"quantdesk/internal/store"
	"quantdesk/internal/strategy"
	"quantdesk/pkg/types"
)

// EventSink receives engine events for fan-out. *bus.Bus satisfies it.
type EventSink interface {
	Publish(tenant, kind string, data any)
}

// ErrAlreadyRunning is returned by Start while the engine is not idle.
var ErrAlreadyRunning = errors.New("engine already running")

// State is the lifecycle gate of one HFT engine. Stopping exists so that
// no new cycle can begin between a stop request and loop exit.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "idle"
	}
}

const (
	// DefaultIntervalMs is the tick cadence when the config carries none.
	DefaultIntervalMs = 100

	// bookDepth is the orderbook depth fetched each cycle.
	bookDepth = 20

	// cycleTimeout bounds one full cycle including adapter round trips.
	cycleTimeout = 30 * time.Second

	// maxConsecutiveCycleErrors stops the engine when reached. Exchange
	// failures do not count; only unexpected internal errors do.
	maxConsecutiveCycleErrors = 3
)

// HFTDeps are the fixed bindings of one tenant's HFT engine.
type HFTDeps struct {
	Adapter  exchange.Adapter
	Orders   *orders.Manager
	Research *research.Engine
	Strategy strategy.Strategy
	Risk     *risk.Manager
	Journal  strategy.ExecutionJournal
	Events   EventSink

	// AutoTrade gates every cycle; a false flag skips ticks entirely.
	AutoTrade *atomic.Bool

	// OnAutoStop runs after the engine stops itself on repeated internal
	// errors, so the owner can journal the status change. Optional.
	OnAutoStop func()
}

// HFTEngine runs the periodic trading cycle for one tenant and symbol.
// Cycles are non-reentrant: a tick that arrives while the previous cycle
// is still running is dropped by the ticker.
type HFTEngine struct {
	tenant string
	deps   HFTDeps
	logger *slog.Logger

	minAccuracy float64

	mu       sync.Mutex
	state    State
	cfg      types.EngineConfig
	interval time.Duration
	position *strategy.Position
	stopCh   chan struct{}
	loopDone chan struct{}

	dailyTradeCount int
	tradeDay        string // UTC date the counter belongs to
	capWarned       bool

	// consecutive internal cycle errors; loop goroutine only
	cycleErrs int

	now func() time.Time
}

// NewHFT creates an idle engine. minAccuracy is the research accuracy below
// which no new quotes are placed.
func NewHFT(tenant string, minAccuracy float64, deps HFTDeps, logger *slog.Logger) *HFTEngine {
	return &HFTEngine{
		tenant:      tenant,
		deps:        deps,
		logger:      logger.With("component", "hft", "tenant", tenant),
		minAccuracy: minAccuracy,
		now:         time.Now,
	}
}

// HFTStatus is a point-in-time view of the engine for status endpoints.
type HFTStatus struct {
	State           string             `json:"state"`
	Running         bool               `json:"running"`
	Symbol          string             `json:"symbol,omitempty"`
	IntervalMs      int64              `json:"intervalMs,omitempty"`
	DailyTradeCount int                `json:"dailyTradeCount"`
	Config          types.EngineConfig `json:"config"`
}

// Start arms the tick loop. The daily trade counter resets when the last
// start happened on a different UTC day. Fails while not idle.
func (e *HFTEngine) Start(cfg types.EngineConfig, pos *strategy.Position) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateIdle {
		return fmt.Errorf("hft engine is %s: %w", e.state, ErrAlreadyRunning)
	}

	intervalMs := cfg.IntervalMs
	if intervalMs <= 0 {
		intervalMs = DefaultIntervalMs
	}

	day := dayKey(e.now())
	if day != e.tradeDay {
		e.dailyTradeCount = 0
		e.capWarned = false
		e.tradeDay = day
	}

	e.cfg = cfg
	e.interval = time.Duration(intervalMs) * time.Millisecond
	e.position = pos
	e.cycleErrs = 0
	e.stopCh = make(chan struct{})
	e.loopDone = make(chan struct{})
	e.state = StateRunning

	go e.loop(e.interval, e.stopCh, e.loopDone)

	metrics.EnginesActive.Inc()
	e.logger.Info("hft engine started", "symbol", cfg.Symbol, "interval", e.interval)
	return nil
}

// Stop halts the tick loop, waits out any in-flight cycle, and shuts the
// strategy down, which cancels resting quotes and clears their timers.
// Stopping an engine that is not running does nothing.
func (e *HFTEngine) Stop(ctx context.Context) {
	e.mu.Lock()
	if e.state != StateRunning {
		e.mu.Unlock()
		return
	}
	e.state = StateStopping
	close(e.stopCh)
	done := e.loopDone
	e.mu.Unlock()

	<-done

	e.deps.Strategy.Shutdown(ctx)

	e.mu.Lock()
	e.state = StateIdle
	symbol := e.cfg.Symbol
	e.mu.Unlock()

	metrics.EnginesActive.Dec()
	e.logger.Info("hft engine stopped", "symbol", symbol)
}

// OnOrderUpdate folds one venue execution event into the order registry,
// position and risk ledger, then forwards it to the strategy so terminal
// orders release their quote records. Fresh fills emit hft_trade and
// pnl_update events; replays are silent.
func (e *HFTEngine) OnOrderUpdate(upd types.OrderUpdate) {
	fill, fresh := e.deps.Orders.ApplyUpdate(upd)

	if fresh {
		e.mu.Lock()
		pos := e.position
		e.mu.Unlock()

		e.publish(bus.KindHFTTrade, map[string]any{
			"orderId": fill.OrderID,
			"tradeId": fill.TradeID,
			"symbol":  fill.Symbol,
			"side":    fill.Side,
			"price":   fill.Price,
			"qty":     fill.Qty,
			"status":  upd.Status,
		})

		if pos != nil && fill.Symbol == pos.Snapshot().Symbol {
			realized := pos.OnFill(fill)
			if !realized.IsZero() {
				// Only realized round trips touch the risk ledger; fills
				// that open or extend the position have no outcome yet.
				e.deps.Risk.RecordTradeResult(e.tenant, realized, !realized.IsNegative())
			}
			snap := pos.Snapshot()
			e.publish(bus.KindPnLUpdate, map[string]any{
				"symbol":       snap.Symbol,
				"realizedPnl":  snap.RealizedPnL,
				"lastTradePnl": realized,
				"inventory":    snap.Qty,
				"avgEntry":     snap.AvgEntry,
			})
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cycleTimeout)
	defer cancel()
	e.deps.Strategy.OnOrderUpdate(ctx, upd)
}

// State returns the current lifecycle state.
func (e *HFTEngine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Running reports whether the tick loop is armed.
func (e *HFTEngine) Running() bool {
	return e.State() == StateRunning
}

// Symbol returns the symbol of the current or last run.
func (e *HFTEngine) Symbol() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.Symbol
}

// Status returns a snapshot for status endpoints.
func (e *HFTEngine) Status() HFTStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return HFTStatus{
		State:           e.state.String(),
		Running:         e.state == StateRunning,
		Symbol:          e.cfg.Symbol,
		IntervalMs:      e.interval.Milliseconds(),
		DailyTradeCount: e.dailyTradeCount,
		Config:          e.cfg,
	}
}

// TradesToday returns today's count of placement-allowed ticks.
func (e *HFTEngine) TradesToday() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dailyTradeCount
}

// ————————————————————————————————————————————————————————————————————————
// Tick loop
// ————————————————————————————————————————————————————————————————————————

func (e *HFTEngine) loop(interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			e.runCycle(stop)
		}
	}
}

func (e *HFTEngine) runCycle(stop <-chan struct{}) {
	// The ticker can win the select race right after a stop request.
	select {
	case <-stop:
		return
	default:
	}

	if e.deps.AutoTrade != nil && !e.deps.AutoTrade.Load() {
		return
	}

	e.mu.Lock()
	cfg := e.cfg
	pos := e.position
	day := dayKey(e.now())
	if day != e.tradeDay {
		// The loop outlived the day it started on.
		e.tradeDay = day
		e.dailyTradeCount = 0
		e.capWarned = false
	}
	capped := cfg.MaxTradesPerDay > 0 && e.dailyTradeCount >= cfg.MaxTradesPerDay
	firstCap := capped && !e.capWarned
	if firstCap {
		e.capWarned = true
	}
	e.mu.Unlock()

	metrics.CyclesTotal.WithLabelValues(e.tenant).Inc()
	started := time.Now()
	defer func() {
		metrics.CycleSeconds.WithLabelValues(e.tenant).Observe(time.Since(started).Seconds())
	}()

	if capped {
		metrics.SkippedTotal.WithLabelValues(e.tenant, "daily_cap").Inc()
		if firstCap {
			e.journalSkip(cfg.Symbol, "daily cap")
			e.publish(bus.KindError, map[string]any{
				"reason": "daily cap",
				"symbol": cfg.Symbol,
				"cap":    cfg.MaxTradesPerDay,
			})
			e.logger.Warn("daily trade cap reached", "symbol", cfg.Symbol, "cap", cfg.MaxTradesPerDay)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cycleTimeout)
	defer cancel()

	book, err := e.deps.Adapter.GetOrderbook(ctx, cfg.Symbol, bookDepth)
	if err != nil {
		e.logger.Warn("orderbook fetch failed", "symbol", cfg.Symbol, "error", err)
		e.publish(bus.KindError, map[string]any{
			"reason":  "orderbook fetch failed",
			"symbol":  cfg.Symbol,
			"message": err.Error(),
		})
		return
	}

	mid, ok := book.MidPrice()
	if !ok {
		// One-sided book: nothing to quote against this tick.
		e.logger.Debug("orderbook has no mid", "symbol", cfg.Symbol)
		return
	}

	result := e.deps.Research.Evaluate(ctx, *book)
	metrics.ResearchAccuracy.WithLabelValues(e.tenant, cfg.Symbol).Set(result.Accuracy)

	placeAllowed := result.Accuracy >= e.minAccuracy
	if !placeAllowed {
		metrics.SkippedTotal.WithLabelValues(e.tenant, "low_accuracy").Inc()
	}

	if placeAllowed {
		allowed, reason := e.deps.Risk.CanTrade(e.tenant, cfg.Symbol, cfg.QuoteSize, mid, cfg.AdversePct)
		if !allowed {
			placeAllowed = false
			metrics.SkippedTotal.WithLabelValues(e.tenant, reason).Inc()
			e.journalSkip(cfg.Symbol, reason)
			e.logger.Info("placement denied by risk", "symbol", cfg.Symbol, "reason", reason)
		}
	}

	// The strategy always gets the tick: quote maintenance (adverse
	// cancels, deadline bookkeeping) must run even when placement is gated.
	if err := e.deps.Strategy.OnResearch(ctx, result, *book, placeAllowed); err != nil {
		e.cycleFailed(cfg.Symbol, err)
		return
	}
	e.cycleErrs = 0

	if pos != nil {
		pos.MarkToMarket(mid)
	}

	if placeAllowed {
		e.mu.Lock()
		e.dailyTradeCount++
		e.mu.Unlock()
	}

	e.publish(bus.KindResearchUpdate, result)
	e.publish(bus.KindAccuracyUpdate, map[string]any{
		"symbol":   result.Symbol,
		"accuracy": result.Accuracy,
		"signal":   result.Signal,
	})
}

// cycleFailed tracks consecutive internal errors. The venue can flake
// forever without tripping this; only strategy/internal failures reach
// here, and three in a row stop the engine.
func (e *HFTEngine) cycleFailed(symbol string, err error) {
	e.cycleErrs++
	metrics.CycleErrorsTotal.WithLabelValues(e.tenant).Inc()
	e.logger.Error("cycle failed", "symbol", symbol, "consecutive", e.cycleErrs, "error", err)
	e.publish(bus.KindError, map[string]any{
		"reason":  "cycle failed",
		"symbol":  symbol,
		"message": err.Error(),
	})

	// Exactly-once: ticks can keep failing while the stop below is still
	// in flight, and those must not spawn more stops.
	if e.cycleErrs != maxConsecutiveCycleErrors {
		return
	}

	e.logger.Error("stopping engine after repeated cycle failures",
		"symbol", symbol, "failures", e.cycleErrs)
	// Stop waits for the loop to exit, so it cannot run on this goroutine.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), cycleTimeout)
		defer cancel()
		e.Stop(ctx)
		if e.deps.OnAutoStop != nil {
			e.deps.OnAutoStop()
		}
	}()
}

func (e *HFTEngine) journalSkip(symbol, reason string) {
	if e.deps.Journal == nil {
		return
	}
	entry := store.ExecutionLogEntry{
		Action: "SKIPPED",
		Status: "SKIPPED",
		Symbol: symbol,
		Reason: reason,
		Time:   e.now(),
	}
	if err := e.deps.Journal.SaveExecutionLog(e.tenant, entry); err != nil {
		e.logger.Warn("execution journal write failed", "error", err)
	}
}

func (e *HFTEngine) publish(kind string, data any) {
	if e.deps.Events == nil {
		return
	}
	e.deps.Events.Publish(e.tenant, kind, data)
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
