package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"quantdesk/internal/bus"
	"quantdesk/internal/config"
	"quantdesk/internal/exchange"
	"quantdesk/internal/orders"
	"quantdesk/internal/research"
	"quantdesk/internal/risk"
	"quantdesk/internal/store"
	"quantdesk/internal/strategy"
	"quantdesk/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitFor polls cond until it holds or the test times out. Cycle timing is
// goroutine-scheduled, so every assertion about loop progress goes through
// here instead of a bare sleep.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// fakeVenue serves a static two-sided book and records calls. The tick
// loop hits it from its own goroutine, so it locks.
type fakeVenue struct {
	mu          sync.Mutex
	fetches     int
	fetchErr    error
	seq         int
	canceled    []string
	userData    func(types.OrderUpdate)
	validation  *types.KeyValidation // nil means valid
	disconnects int
}

func newFakeVenue() *fakeVenue { return &fakeVenue{} }

func (f *fakeVenue) GetOrderbook(_ context.Context, symbol string, _ int) (*types.Orderbook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return &types.Orderbook{
		Symbol: symbol,
		Bids: []types.OrderbookLevel{
			{Price: decimal.RequireFromString("100.00"), Quantity: decimal.NewFromInt(5)},
			{Price: decimal.RequireFromString("99.90"), Quantity: decimal.NewFromInt(8)},
		},
		Asks: []types.OrderbookLevel{
			{Price: decimal.RequireFromString("100.10"), Quantity: decimal.NewFromInt(5)},
			{Price: decimal.RequireFromString("100.20"), Quantity: decimal.NewFromInt(8)},
		},
		Timestamp: time.Now().UTC(),
	}, nil
}

func (f *fakeVenue) PlaceOrder(_ context.Context, p exchange.OrderParams) (*types.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	now := time.Now().UTC()
	return &types.Order{
		ID: fmt.Sprintf("ord-%d", f.seq), ClientID: p.ClientID, Symbol: p.Symbol,
		Side: p.Side, Type: p.Type, Qty: p.Qty, Price: p.Price,
		Status: types.OrderStatusNew, CreatedAt: now, UpdatedAt: now,
	}, nil
}

func (f *fakeVenue) CancelOrder(_ context.Context, symbol, id string) (*types.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, id)
	return &types.Order{ID: id, Symbol: symbol, Status: types.OrderStatusCanceled, UpdatedAt: time.Now().UTC()}, nil
}

func (f *fakeVenue) GetOrderStatus(context.Context, string, string) (*types.Order, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeVenue) SubscribeOrderbook(context.Context, string, func(types.Orderbook)) error {
	return nil
}

func (f *fakeVenue) SubscribeUserData(_ context.Context, onUpdate func(types.OrderUpdate)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.userData = onUpdate
	return nil
}

func (f *fakeVenue) ValidateAPIKey(context.Context) (*types.KeyValidation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.validation != nil {
		return f.validation, nil
	}
	return &types.KeyValidation{Valid: true, CanTrade: true}, nil
}

func (f *fakeVenue) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
}

func (f *fakeVenue) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func (f *fakeVenue) disconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

func (f *fakeVenue) setFetchErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchErr = err
}

// captureSink records published events for assertions.
type captureSink struct {
	mu     sync.Mutex
	events []sinkEvent
}

type sinkEvent struct {
	Tenant string
	Kind   string
	Data   any
}

func (s *captureSink) Publish(tenant, kind string, data any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, sinkEvent{Tenant: tenant, Kind: kind, Data: data})
}

func (s *captureSink) byKind(kind string) []sinkEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sinkEvent
	for _, e := range s.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// errorsWithReason counts error events whose payload carries the reason.
func (s *captureSink) errorsWithReason(reason string) int {
	n := 0
	for _, e := range s.byKind(bus.KindError) {
		if m, ok := e.Data.(map[string]any); ok && m["reason"] == reason {
			n++
		}
	}
	return n
}

// memJournal captures execution log entries.
type memJournal struct {
	mu      sync.Mutex
	entries []store.ExecutionLogEntry
}

func (j *memJournal) SaveExecutionLog(_ string, entry store.ExecutionLogEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, entry)
	return nil
}

func (j *memJournal) withReason(reason string) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := 0
	for _, e := range j.entries {
		if e.Reason == reason {
			n++
		}
	}
	return n
}

// scriptedStrategy records every tick and update; researchErr makes each
// tick fail.
type scriptedStrategy struct {
	mu          sync.Mutex
	ticks       []bool // placeAllowed per tick
	updates     []types.OrderUpdate
	researchErr error
	shutdowns   int
}

func (s *scriptedStrategy) Init(context.Context, strategy.Deps, types.EngineConfig) error {
	return nil
}

func (s *scriptedStrategy) OnResearch(_ context.Context, _ types.ResearchResult, _ types.Orderbook, placeAllowed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticks = append(s.ticks, placeAllowed)
	return s.researchErr
}

func (s *scriptedStrategy) OnOrderUpdate(_ context.Context, upd types.OrderUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, upd)
}

func (s *scriptedStrategy) Shutdown(context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdowns++
}

func (s *scriptedStrategy) tickCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ticks)
}

func (s *scriptedStrategy) allowedTicks() (allowed, gated int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ok := range s.ticks {
		if ok {
			allowed++
		} else {
			gated++
		}
	}
	return allowed, gated
}

func (s *scriptedStrategy) updateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.updates)
}

func (s *scriptedStrategy) shutdownCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdowns
}

func hftConfig(intervalMs int64) types.EngineConfig {
	return types.EngineConfig{
		Symbol:          "BTCUSDT",
		QuoteSize:       decimal.RequireFromString("0.001"),
		AdversePct:      decimal.RequireFromString("0.002"),
		CancelMs:        60_000,
		MaxPos:          decimal.RequireFromString("0.01"),
		MaxTradesPerDay: 1000,
		IntervalMs:      intervalMs,
		Enabled:         true,
	}
}

func calmRisk() config.RiskConfig {
	return config.RiskConfig{
		StartingBalance:     10_000,
		ConsecutiveFailures: 5,
		PauseWindow:         time.Hour,
	}
}

type hftFixture struct {
	venue     *fakeVenue
	strat     *scriptedStrategy
	sink      *captureSink
	journal   *memJournal
	risk      *risk.Manager
	auto      *atomic.Bool
	autoStops atomic.Int32
	eng       *HFTEngine
}

// newTestHFT wires an engine over fakes plus a real risk manager and
// research engine. Cleanup stops the loop so stray ticks cannot cross
// tests.
func newTestHFT(t *testing.T, minAccuracy float64, rcfg config.RiskConfig) *hftFixture {
	t.Helper()
	f := &hftFixture{
		venue:   newFakeVenue(),
		strat:   &scriptedStrategy{},
		sink:    &captureSink{},
		journal: &memJournal{},
		risk:    risk.NewManager(rcfg, testLogger()),
	}
	f.auto = &atomic.Bool{}
	f.auto.Store(true)

	deps := HFTDeps{
		Adapter:    f.venue,
		Orders:     orders.NewManager(f.venue, testLogger()),
		Research:   research.NewEngine("tenant-1", config.ResearchConfig{}, nil, testLogger()),
		Strategy:   f.strat,
		Risk:       f.risk,
		Journal:    f.journal,
		Events:     f.sink,
		AutoTrade:  f.auto,
		OnAutoStop: func() { f.autoStops.Add(1) },
	}
	f.eng = NewHFT("tenant-1", minAccuracy, deps, testLogger())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		f.eng.Stop(ctx)
	})
	return f
}

func TestStartWhileRunningFails(t *testing.T) {
	t.Parallel()

	f := newTestHFT(t, 0, calmRisk())
	pos := strategy.NewPosition("BTCUSDT")

	if err := f.eng.Start(hftConfig(50_000), pos); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if got := f.eng.State(); got != StateRunning {
		t.Fatalf("state = %s, want running", got)
	}

	err := f.eng.Start(hftConfig(50_000), pos)
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start error = %v, want ErrAlreadyRunning", err)
	}
}

func TestStopIsIdempotentAndHaltsCycles(t *testing.T) {
	t.Parallel()

	f := newTestHFT(t, 0, calmRisk())

	// Stopping an idle engine is a no-op.
	ctx := context.Background()
	f.eng.Stop(ctx)
	if got := f.eng.State(); got != StateIdle {
		t.Fatalf("state after idle stop = %s, want idle", got)
	}
	if f.strat.shutdownCount() != 0 {
		t.Fatal("idle stop must not shut the strategy down")
	}

	pos := strategy.NewPosition("BTCUSDT")
	if err := f.eng.Start(hftConfig(5), pos); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "first cycle", func() bool { return f.strat.tickCount() >= 1 })

	f.eng.Stop(ctx)
	if got := f.eng.State(); got != StateIdle {
		t.Fatalf("state after stop = %s, want idle", got)
	}
	if f.strat.shutdownCount() != 1 {
		t.Fatalf("strategy shutdowns = %d, want 1", f.strat.shutdownCount())
	}

	ticks := f.strat.tickCount()
	time.Sleep(40 * time.Millisecond)
	if got := f.strat.tickCount(); got != ticks {
		t.Fatalf("cycles kept running after stop: %d -> %d", ticks, got)
	}

	f.eng.Stop(ctx)
	if f.strat.shutdownCount() != 1 {
		t.Fatal("second stop must be a no-op")
	}
}

func TestAutoTradeGateSkipsCycles(t *testing.T) {
	t.Parallel()

	f := newTestHFT(t, 0, calmRisk())
	f.auto.Store(false)

	if err := f.eng.Start(hftConfig(5), strategy.NewPosition("BTCUSDT")); err != nil {
		t.Fatalf("Start: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if n := f.venue.fetchCount(); n != 0 {
		t.Fatalf("fetched %d books with auto-trade off, want 0", n)
	}
	if n := f.strat.tickCount(); n != 0 {
		t.Fatalf("strategy saw %d ticks with auto-trade off, want 0", n)
	}

	f.auto.Store(true)
	waitFor(t, "cycles after re-enable", func() bool { return f.strat.tickCount() >= 1 })
}

func TestDailyCapLimitsPlacementAndWarnsOnce(t *testing.T) {
	t.Parallel()

	f := newTestHFT(t, 0, calmRisk())
	cfg := hftConfig(5)
	cfg.MaxTradesPerDay = 2

	if err := f.eng.Start(cfg, strategy.NewPosition("BTCUSDT")); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, "cap reached", func() bool { return f.eng.TradesToday() == 2 })
	waitFor(t, "capped cycle journaled", func() bool { return f.journal.withReason("daily cap") >= 1 })

	// Many more capped cycles pass; the counter must hold and the warning
	// must not repeat.
	time.Sleep(50 * time.Millisecond)
	if got := f.eng.TradesToday(); got != 2 {
		t.Fatalf("trades today = %d, want 2", got)
	}
	if got := f.strat.tickCount(); got != 2 {
		t.Fatalf("strategy ticks = %d, want 2 (capped cycles must not reach it)", got)
	}
	if got := f.sink.errorsWithReason("daily cap"); got != 1 {
		t.Fatalf("daily cap error events = %d, want exactly 1", got)
	}
	if got := f.journal.withReason("daily cap"); got != 1 {
		t.Fatalf("daily cap journal entries = %d, want exactly 1", got)
	}
	if !f.eng.Running() {
		t.Fatal("cap must not stop the engine")
	}
}

func TestConsecutiveCycleErrorsAutoStop(t *testing.T) {
	t.Parallel()

	f := newTestHFT(t, 0, calmRisk())
	f.strat.researchErr = errors.New("strategy wedged")

	if err := f.eng.Start(hftConfig(5), strategy.NewPosition("BTCUSDT")); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, "auto-stop", func() bool {
		return f.autoStops.Load() == 1 && f.eng.State() == StateIdle
	})

	if n := f.strat.tickCount(); n < 3 {
		t.Fatalf("strategy ticks = %d, want >= 3 before auto-stop", n)
	}
	if n := f.sink.errorsWithReason("cycle failed"); n < 3 {
		t.Fatalf("cycle failed events = %d, want >= 3", n)
	}
	if f.strat.shutdownCount() != 1 {
		t.Fatalf("strategy shutdowns = %d, want 1", f.strat.shutdownCount())
	}
}

func TestVenueErrorsNeverAutoStop(t *testing.T) {
	t.Parallel()

	f := newTestHFT(t, 0, calmRisk())
	f.venue.setFetchErr(errors.New("venue down"))

	if err := f.eng.Start(hftConfig(5), strategy.NewPosition("BTCUSDT")); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, "repeated fetch failures", func() bool {
		return f.sink.errorsWithReason("orderbook fetch failed") >= 4
	})

	if !f.eng.Running() {
		t.Fatal("venue failures must not stop the engine")
	}
	if f.autoStops.Load() != 0 {
		t.Fatal("auto-stop hook fired on venue failures")
	}
	if f.strat.tickCount() != 0 {
		t.Fatal("strategy must not see ticks without a book")
	}
}

func TestRiskDenialGatesPlacementNotMaintenance(t *testing.T) {
	t.Parallel()

	rcfg := calmRisk()
	rcfg.ConsecutiveFailures = 1
	f := newTestHFT(t, 0, rcfg)

	// One recorded failure pauses the tenant for the whole window.
	f.risk.RecordTradeResult("tenant-1", decimal.NewFromInt(-10), false)

	if err := f.eng.Start(hftConfig(5), strategy.NewPosition("BTCUSDT")); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, "risk denial journaled", func() bool {
		return f.journal.withReason("paused_by_risk") >= 1
	})
	waitFor(t, "gated ticks reach strategy", func() bool {
		_, gated := f.strat.allowedTicks()
		return gated >= 2
	})

	allowed, _ := f.strat.allowedTicks()
	if allowed != 0 {
		t.Fatalf("%d ticks allowed placement while paused, want 0", allowed)
	}
	if got := f.eng.TradesToday(); got != 0 {
		t.Fatalf("trades today = %d, want 0 while paused", got)
	}
	if !f.eng.Running() {
		t.Fatal("risk denial must not stop the engine")
	}
}

func TestOrderUpdateFoldsFillOnce(t *testing.T) {
	t.Parallel()

	f := newTestHFT(t, 0, calmRisk())
	pos := strategy.NewPosition("BTCUSDT")
	if err := f.eng.Start(hftConfig(50_000), pos); err != nil {
		t.Fatalf("Start: %v", err)
	}

	upd := types.OrderUpdate{
		OrderID:       "o-1",
		Symbol:        "BTCUSDT",
		Side:          types.SideBuy,
		Status:        types.OrderStatusPartial,
		Price:         decimal.RequireFromString("100.00"),
		Qty:           decimal.RequireFromString("0.002"),
		FilledQty:     decimal.RequireFromString("0.001"),
		LastFillQty:   decimal.RequireFromString("0.001"),
		LastFillPrice: decimal.RequireFromString("100.00"),
		TradeID:       "t-1",
		Time:          time.Now().UTC(),
	}

	f.eng.OnOrderUpdate(upd)

	if n := len(f.sink.byKind(bus.KindHFTTrade)); n != 1 {
		t.Fatalf("hft_trade events = %d, want 1", n)
	}
	if n := len(f.sink.byKind(bus.KindPnLUpdate)); n != 1 {
		t.Fatalf("pnl_update events = %d, want 1", n)
	}
	if got := pos.Qty(); !got.Equal(decimal.RequireFromString("0.001")) {
		t.Fatalf("inventory = %s, want 0.001", got)
	}
	if n := f.strat.updateCount(); n != 1 {
		t.Fatalf("strategy updates = %d, want 1", n)
	}

	// The venue stream replays the same trade; inventory and events must
	// not double, but the strategy still sees the status update.
	f.eng.OnOrderUpdate(upd)

	if n := len(f.sink.byKind(bus.KindHFTTrade)); n != 1 {
		t.Fatalf("hft_trade events after replay = %d, want 1", n)
	}
	if got := pos.Qty(); !got.Equal(decimal.RequireFromString("0.001")) {
		t.Fatalf("inventory after replay = %s, want 0.001", got)
	}
	if n := f.strat.updateCount(); n != 2 {
		t.Fatalf("strategy updates after replay = %d, want 2", n)
	}
}

func TestStatusReflectsRun(t *testing.T) {
	t.Parallel()

	f := newTestHFT(t, 0, calmRisk())

	st := f.eng.Status()
	if st.Running || st.State != "idle" {
		t.Fatalf("idle status = %+v", st)
	}

	cfg := hftConfig(50_000)
	if err := f.eng.Start(cfg, strategy.NewPosition("BTCUSDT")); err != nil {
		t.Fatalf("Start: %v", err)
	}

	st = f.eng.Status()
	if !st.Running || st.State != "running" {
		t.Fatalf("running status = %+v", st)
	}
	if st.Symbol != "BTCUSDT" || st.IntervalMs != 50_000 {
		t.Fatalf("status symbol/interval = %s/%d", st.Symbol, st.IntervalMs)
	}
}
