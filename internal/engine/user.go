package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"quantdesk/internal/bus"
	"quantdesk/internal/exchange"
	"quantdesk/internal/orders"
	"quantdesk/internal/research"
	"quantdesk/internal/risk"
	"quantdesk/internal/store"
	"quantdesk/internal/strategy"
	"quantdesk/pkg/types"
)

// ErrInvalidConfig wraps engine config validation failures so handlers can
// map them to a 400.
var ErrInvalidConfig = errors.New("invalid engine config")

// EngineParts are the components a UserEngine composes. The manager builds
// them; the engine owns their lifecycle from then on.
type EngineParts struct {
	Adapter     exchange.Adapter
	Orders      *orders.Manager
	Research    *research.Engine
	Strategy    strategy.Strategy
	Wheel       *strategy.TimerWheel
	Journal     strategy.ExecutionJournal
	Risk        *risk.Manager
	Events      EventSink
	MinAccuracy float64
	OnAutoStop  func()
}

// UserEngine is one tenant's complete trading assembly: venue adapter,
// order registry, research, strategy and the HFT tick loop, plus the
// auto-trade flag the loop checks before every cycle.
type UserEngine struct {
	tenant string
	logger *slog.Logger

	adapter  exchange.Adapter
	orders   *orders.Manager
	research *research.Engine
	strat    strategy.Strategy
	wheel    *strategy.TimerWheel
	journal  strategy.ExecutionJournal
	events   EventSink
	hft      *HFTEngine

	autoTrade atomic.Bool

	mu         sync.Mutex
	position   *strategy.Position
	subscribed bool
	closed     bool
}

// NewUserEngine assembles a tenant's engine. Auto-trade starts enabled;
// nothing runs until Start arms the tick loop.
func NewUserEngine(tenant string, parts EngineParts, logger *slog.Logger) *UserEngine {
	u := &UserEngine{
		tenant:   tenant,
		logger:   logger.With("component", "engine", "tenant", tenant),
		adapter:  parts.Adapter,
		orders:   parts.Orders,
		research: parts.Research,
		strat:    parts.Strategy,
		wheel:    parts.Wheel,
		events:   parts.Events,
	}
	u.autoTrade.Store(true)
	u.journal = &mirroredJournal{store: parts.Journal, events: parts.Events}
	u.hft = NewHFT(tenant, parts.MinAccuracy, HFTDeps{
		Adapter:    parts.Adapter,
		Orders:     parts.Orders,
		Research:   parts.Research,
		Strategy:   parts.Strategy,
		Risk:       parts.Risk,
		Journal:    u.journal,
		Events:     parts.Events,
		AutoTrade:  &u.autoTrade,
		OnAutoStop: parts.OnAutoStop,
	}, logger)
	return u
}

// Start initialises the strategy against this engine's bindings and arms
// the tick loop. The user-data stream is subscribed on first start and
// lives until Shutdown disconnects the adapter. The manager serialises
// calls per tenant, so Start never races itself.
func (u *UserEngine) Start(ctx context.Context, cfg types.EngineConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return fmt.Errorf("engine for %s is shut down", u.tenant)
	}
	u.mu.Unlock()

	if u.hft.Running() {
		return fmt.Errorf("tenant %s: %w", u.tenant, ErrAlreadyRunning)
	}

	pos := strategy.NewPosition(cfg.Symbol)
	u.mu.Lock()
	u.position = pos
	u.mu.Unlock()

	deps := strategy.Deps{
		Adapter:  u.adapter,
		Orders:   u.orders,
		Wheel:    u.wheel,
		Journal:  u.journal,
		Position: pos,
	}
	if err := u.strat.Init(ctx, deps, cfg); err != nil {
		return fmt.Errorf("init strategy: %w", err)
	}

	if err := u.ensureUserStream(); err != nil {
		return fmt.Errorf("user data stream: %w", err)
	}

	return u.hft.Start(cfg, pos)
}

// Shutdown cascades: stop the tick loop (which cancels resting quotes and
// clears their timers), cancel anything still open, disconnect the venue
// streams, then emit engine_stop. Idempotent.
func (u *UserEngine) Shutdown(ctx context.Context) {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return
	}
	u.closed = true
	u.mu.Unlock()

	u.hft.Stop(ctx)

	if canceled, err := u.orders.CancelAll(ctx); err != nil {
		u.logger.Warn("cancel-all during shutdown failed", "canceled", canceled, "error", err)
	}

	u.adapter.Disconnect()

	if u.events != nil {
		u.events.Publish(u.tenant, bus.KindEngineStop, map[string]any{"reason": "shutdown"})
	}
	u.logger.Info("engine shut down")
}

// SetAutoTrade flips the flag every cycle reads before doing work.
func (u *UserEngine) SetAutoTrade(enabled bool) {
	u.autoTrade.Store(enabled)
	u.logger.Info("auto-trade toggled", "enabled", enabled)
}

// AutoTrade reports whether cycles may run.
func (u *UserEngine) AutoTrade() bool { return u.autoTrade.Load() }

// HFT exposes the tick loop for status queries and stop calls.
func (u *UserEngine) HFT() *HFTEngine { return u.hft }

// Orders exposes the order registry.
func (u *UserEngine) Orders() *orders.Manager { return u.orders }

// Research exposes the tenant's research engine for ad-hoc runs and scans.
func (u *UserEngine) Research() *research.Engine { return u.research }

// Adapter exposes the venue adapter.
func (u *UserEngine) Adapter() exchange.Adapter { return u.adapter }

// Position returns the live position tracker, nil before the first start.
func (u *UserEngine) Position() *strategy.Position {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.position
}

// ensureUserStream opens the adapter's user-data stream on first use. The
// stream gets a background context on purpose: it lives for the engine's
// lifetime and is torn down by adapter.Disconnect, not by whichever HTTP
// request happened to trigger the first start.
func (u *UserEngine) ensureUserStream() error {
	u.mu.Lock()
	if u.subscribed {
		u.mu.Unlock()
		return nil
	}
	u.mu.Unlock()

	if err := u.adapter.SubscribeUserData(context.Background(), u.hft.OnOrderUpdate); err != nil {
		return err
	}

	u.mu.Lock()
	u.subscribed = true
	u.mu.Unlock()
	return nil
}

// mirroredJournal persists execution entries and mirrors order-flow
// actions (EXECUTED, CANCELLED) onto the event stream as execution_trade.
// Skips stay journal-only: a risk denial is a control outcome, not flow.
type mirroredJournal struct {
	store  strategy.ExecutionJournal
	events EventSink
}

func (j *mirroredJournal) SaveExecutionLog(tenant string, entry store.ExecutionLogEntry) error {
	if j.events != nil && (entry.Action == "EXECUTED" || entry.Action == "CANCELLED") {
		j.events.Publish(tenant, bus.KindExecutionTrade, entry)
	}
	if j.store == nil {
		return nil
	}
	return j.store.SaveExecutionLog(tenant, entry)
}
