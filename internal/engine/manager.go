package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
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
	"quantdesk/internal/vault"
	"quantdesk/pkg/types"
)

var (
	// ErrEngineExists is returned by CreateEngine without reinit when the
	// tenant already has an engine.
	ErrEngineExists = errors.New("engine already exists")

	// ErrEngineNotFound is returned for operations on a tenant with no
	// engine.
	ErrEngineNotFound = errors.New("engine not found")

	// ErrNoConfig is returned by StartHFT when no symbol was given and the
	// tenant has no saved settings to fall back on.
	ErrNoConfig = errors.New("no saved engine config")
)

// Manager is the process-wide tenant → engine registry and the single
// entry point handlers go through. The registry lock guards only the map;
// every create/start/stop runs under its tenant's own lock, taken after
// the registry lock is released, so one tenant's slow venue cannot stall
// another tenant's calls.
type Manager struct {
	cfg    *config.Config
	vault  *vault.Vault
	store  *store.Store
	risk   *risk.Manager
	events EventSink
	wheel  *strategy.TimerWheel
	logger *slog.Logger

	mu      sync.RWMutex
	engines map[string]*UserEngine
	locks   map[string]*sync.Mutex
	closed  bool

	// newAdapter builds the venue adapter for CreateEngine; tests swap it.
	newAdapter func(apiKey, apiSecret string, testnet bool) (exchange.Adapter, error)
}

// NewManager creates the registry. The timer wheel is shared across all
// tenants; each engine schedules its cancel deadlines on it.
func NewManager(
	cfg *config.Config,
	v *vault.Vault,
	st *store.Store,
	rk *risk.Manager,
	events EventSink,
	wheel *strategy.TimerWheel,
	logger *slog.Logger,
) *Manager {
	m := &Manager{
		cfg:     cfg,
		vault:   v,
		store:   st,
		risk:    rk,
		events:  events,
		wheel:   wheel,
		logger:  logger.With("component", "engine-manager"),
		engines: make(map[string]*UserEngine),
		locks:   make(map[string]*sync.Mutex),
	}
	m.newAdapter = m.buildAdapter
	return m
}

// CreateParams are the credential inputs for creating a tenant's engine.
// Keys may arrive as vault ciphertext (from a stored integration) or as
// plaintext (from a direct API call).
type CreateParams struct {
	APIKey    string
	APISecret string
	Testnet   bool
	Reinit    bool
}

// CreateEngine builds and registers a tenant's engine: decrypt credentials
// if needed, stand up the venue adapter, validate the key, then wire
// orders, research and strategy around it. With Reinit the existing engine
// is shut down first and the tenant's risk ledger dropped; without it an
// existing engine fails with ErrEngineExists. Partial wiring is rolled
// back on any failure.
func (m *Manager) CreateEngine(ctx context.Context, tenant string, params CreateParams) (*UserEngine, error) {
	if tenant == "" {
		return nil, fmt.Errorf("tenant is required")
	}

	lock := m.lockFor(tenant)
	lock.Lock()
	defer lock.Unlock()

	m.mu.RLock()
	closed := m.closed
	existing := m.engines[tenant]
	m.mu.RUnlock()

	if closed {
		return nil, fmt.Errorf("engine manager is shut down")
	}
	if existing != nil {
		if !params.Reinit {
			return nil, fmt.Errorf("tenant %s: %w", tenant, ErrEngineExists)
		}
		existing.Shutdown(ctx)
		m.risk.RemoveTenant(tenant)
		m.mu.Lock()
		delete(m.engines, tenant)
		m.mu.Unlock()
		m.logger.Info("engine torn down for reinit", "tenant", tenant)
	}

	apiKey, err := m.resolveKey(params.APIKey)
	if err != nil {
		return nil, fmt.Errorf("api key: %w", err)
	}
	apiSecret, err := m.resolveKey(params.APISecret)
	if err != nil {
		return nil, fmt.Errorf("api secret: %w", err)
	}
	if !m.cfg.Exchange.Paper && (apiKey == "" || apiSecret == "") {
		return nil, fmt.Errorf("%w: api key and secret are required", ErrInvalidConfig)
	}

	adapter, err := m.newAdapter(apiKey, apiSecret, params.Testnet)
	if err != nil {
		return nil, fmt.Errorf("create adapter: %w", err)
	}

	validation, err := adapter.ValidateAPIKey(ctx)
	if err != nil {
		adapter.Disconnect()
		return nil, fmt.Errorf("validate api key: %w", err)
	}
	if !validation.Valid {
		adapter.Disconnect()
		return nil, fmt.Errorf("%w: api key rejected: %s", ErrInvalidConfig, validation.Error)
	}

	strat, err := strategy.New(m.cfg.Engine.Strategy, tenant, m.logger)
	if err != nil {
		adapter.Disconnect()
		return nil, err
	}

	tenantLog := m.logger.With("tenant", tenant)
	parts := EngineParts{
		Adapter:     adapter,
		Orders:      orders.NewManager(adapter, tenantLog),
		Research:    research.NewEngine(tenant, m.cfg.Research, m.store, tenantLog, m.researchProviders(tenant)...),
		Strategy:    strat,
		Wheel:       m.wheel,
		Journal:     m.store,
		Risk:        m.risk,
		Events:      m.events,
		MinAccuracy: m.cfg.Engine.MinAccuracy,
		OnAutoStop:  m.autoStopHook(tenant),
	}
	eng := NewUserEngine(tenant, parts, m.logger)

	m.mu.Lock()
	m.engines[tenant] = eng
	m.mu.Unlock()

	m.logActivity(tenant, "engine_created", map[string]any{
		"testnet": params.Testnet,
		"paper":   m.cfg.Exchange.Paper,
	})
	m.logger.Info("engine created", "tenant", tenant, "testnet", params.Testnet)
	return eng, nil
}

// GetEngine returns the tenant's engine. Safe for concurrent readers.
func (m *Manager) GetEngine(tenant string) (*UserEngine, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	eng, ok := m.engines[tenant]
	return eng, ok
}

// Tenants lists tenants with a registered engine.
func (m *Manager) Tenants() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.engines))
	for tenant := range m.engines {
		out = append(out, tenant)
	}
	return out
}

// StartHFT arms the tenant's tick loop. With an empty symbol the saved
// settings decide everything; ErrNoConfig when there are none. A positive
// intervalMs overrides the configured cadence. Starting the symbol that is
// already running is a no-op.
func (m *Manager) StartHFT(ctx context.Context, tenant, symbol string, intervalMs int64) error {
	lock := m.lockFor(tenant)
	lock.Lock()
	defer lock.Unlock()

	eng, ok := m.GetEngine(tenant)
	if !ok {
		return fmt.Errorf("tenant %s: %w", tenant, ErrEngineNotFound)
	}

	cfg, err := m.resolveEngineConfig(tenant, symbol)
	if err != nil {
		return err
	}
	if intervalMs > 0 {
		cfg.IntervalMs = intervalMs
	}

	if eng.HFT().Running() {
		if eng.HFT().Symbol() == cfg.Symbol {
			return nil
		}
		return fmt.Errorf("tenant %s is trading %s: %w", tenant, eng.HFT().Symbol(), ErrAlreadyRunning)
	}

	if err := eng.Start(ctx, cfg); err != nil {
		return err
	}

	m.journalStatus(tenant, types.EngineStatus{
		Active:     true,
		EngineType: "hft",
		Symbol:     cfg.Symbol,
		Config:     cfg,
		UpdatedAt:  time.Now().UTC(),
	})
	m.logActivity(tenant, "hft_started", map[string]any{"symbol": cfg.Symbol})
	m.events.Publish(tenant, bus.KindEngineStart, map[string]any{
		"symbol":     cfg.Symbol,
		"intervalMs": cfg.IntervalMs,
	})
	return nil
}

// StopHFT stops the tick loop, cancelling active quotes and their timers.
// Stopping a tenant with no engine, or one that is not running, succeeds.
func (m *Manager) StopHFT(ctx context.Context, tenant string) error {
	lock := m.lockFor(tenant)
	lock.Lock()
	defer lock.Unlock()

	eng, ok := m.GetEngine(tenant)
	if !ok {
		return nil
	}

	wasRunning := eng.HFT().Running()
	symbol := eng.HFT().Symbol()
	eng.HFT().Stop(ctx)

	if !wasRunning {
		return nil
	}

	m.journalStatus(tenant, types.EngineStatus{
		Active:     false,
		EngineType: "hft",
		Symbol:     symbol,
		Config:     eng.HFT().Status().Config,
		UpdatedAt:  time.Now().UTC(),
	})
	m.logActivity(tenant, "hft_stopped", map[string]any{"symbol": symbol})
	m.events.Publish(tenant, bus.KindEngineStop, map[string]any{
		"symbol": symbol,
		"reason": "stopped",
	})
	return nil
}

// SetAutoTrade flips the tenant's auto-trade flag.
func (m *Manager) SetAutoTrade(tenant string, enabled bool) error {
	eng, ok := m.GetEngine(tenant)
	if !ok {
		return fmt.Errorf("tenant %s: %w", tenant, ErrEngineNotFound)
	}
	eng.SetAutoTrade(enabled)
	m.logActivity(tenant, "auto_trade_toggled", map[string]any{"enabled": enabled})
	return nil
}

// StatusReport is the hft/status payload.
type StatusReport struct {
	Running      bool                `json:"running"`
	HasEngine    bool                `json:"hasEngine"`
	AutoTrade    bool                `json:"autoTrade"`
	EngineStatus *types.EngineStatus `json:"engineStatus,omitempty"`
	HFT          *HFTStatus          `json:"hft,omitempty"`
	Risk         *risk.State         `json:"risk,omitempty"`
}

// Status assembles the live view plus the journalled status document.
func (m *Manager) Status(tenant string) StatusReport {
	report := StatusReport{}

	if st, found, err := m.store.GetEngineStatus(tenant); err == nil && found {
		report.EngineStatus = &st
	} else if err != nil {
		m.logger.Warn("load engine status", "tenant", tenant, "error", err)
	}

	eng, ok := m.GetEngine(tenant)
	if !ok {
		return report
	}
	report.HasEngine = true
	report.Running = eng.HFT().Running()
	report.AutoTrade = eng.AutoTrade()
	hft := eng.HFT().Status()
	report.HFT = &hft
	rs := m.risk.Snapshot(tenant)
	report.Risk = &rs
	return report
}

// Shutdown tears down every engine in turn and refuses new creations.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	m.closed = true
	tenants := make([]string, 0, len(m.engines))
	for tenant := range m.engines {
		tenants = append(tenants, tenant)
	}
	m.mu.Unlock()

	for _, tenant := range tenants {
		lock := m.lockFor(tenant)
		lock.Lock()
		if eng, ok := m.GetEngine(tenant); ok {
			eng.Shutdown(ctx)
			m.journalStatus(tenant, types.EngineStatus{
				Active:     false,
				EngineType: "hft",
				Symbol:     eng.HFT().Symbol(),
				UpdatedAt:  time.Now().UTC(),
			})
			m.mu.Lock()
			delete(m.engines, tenant)
			m.mu.Unlock()
		}
		lock.Unlock()
	}
	m.logger.Info("engine manager shut down", "engines", len(tenants))
}

// PruneTerminalOrders drops settled orders older than the cutoff from
// every engine's registry. Returns how many were removed.
func (m *Manager) PruneTerminalOrders(before time.Time) int {
	m.mu.RLock()
	engines := make([]*UserEngine, 0, len(m.engines))
	for _, eng := range m.engines {
		engines = append(engines, eng)
	}
	m.mu.RUnlock()

	removed := 0
	for _, eng := range engines {
		removed += eng.Orders().PruneTerminal(before)
	}
	return removed
}

// ————————————————————————————————————————————————————————————————————————
// Wiring helpers
// ————————————————————————————————————————————————————————————————————————

func (m *Manager) lockFor(tenant string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[tenant]
	if !ok {
		l = &sync.Mutex{}
		m.locks[tenant] = l
	}
	return l
}

// resolveKey decrypts vault ciphertext; plaintext passes through. A
// ciphertext that fails authentication is an error, not an empty key.
func (m *Manager) resolveKey(key string) (string, error) {
	if !vault.IsCiphertext(key) {
		return key, nil
	}
	plain := m.vault.Decrypt(key)
	if plain == "" {
		return "", errors.New("stored credential failed decryption")
	}
	return plain, nil
}

// buildAdapter is the production adapter factory: the in-process paper
// venue when paper mode is on, the signed REST/WS venue otherwise.
func (m *Manager) buildAdapter(apiKey, apiSecret string, testnet bool) (exchange.Adapter, error) {
	if m.cfg.Exchange.Paper {
		return exchange.NewPaperAdapter(m.logger), nil
	}

	base, ws := m.cfg.Exchange.BaseURL, m.cfg.Exchange.WSURL
	if testnet {
		if m.cfg.Exchange.TestnetBaseURL != "" {
			base = m.cfg.Exchange.TestnetBaseURL
		}
		if m.cfg.Exchange.TestnetWSURL != "" {
			ws = m.cfg.Exchange.TestnetWSURL
		}
	}

	return exchange.NewRESTAdapter(exchange.RESTConfig{
		BaseURL: base,
		WSURL:   ws,
		Timeout: m.cfg.Exchange.HTTPTimeout,
	}, exchange.NewSigner(apiKey, apiSecret), m.logger), nil
}

// researchProviders wires the feature providers the tenant has enabled.
// Providers bind at engine creation; changing integrations takes effect on
// the next create (reinit).
func (m *Manager) researchProviders(tenant string) []research.FeatureProvider {
	recs, err := m.store.GetEnabledIntegrations(tenant)
	if err != nil {
		m.logger.Warn("load integrations", "tenant", tenant, "error", err)
		return nil
	}

	rc := m.cfg.Research
	var providers []research.FeatureProvider
	for name := range recs {
		switch name {
		case "sentiment":
			if rc.SentimentURL == "" {
				continue
			}
			providers = append(providers,
				research.NewSentimentProvider(rc.SentimentURL, rc.ProviderTimeout, rc.CacheTTL, m.logger))
		case "onchain":
			if rc.EthRPCURL == "" {
				continue
			}
			p, err := research.NewOnChainProvider(rc.EthRPCURL, rc.CacheTTL, m.logger)
			if err != nil {
				m.logger.Warn("onchain provider unavailable", "tenant", tenant, "error", err)
				continue
			}
			providers = append(providers, p)
		case "trend":
			if m.cfg.Exchange.BaseURL == "" {
				continue
			}
			providers = append(providers,
				research.NewTrendProvider(m.cfg.Exchange.BaseURL, rc.ProviderTimeout, rc.CacheTTL, m.logger))
		default:
			m.logger.Debug("integration has no research provider", "tenant", tenant, "provider", name)
		}
	}
	return providers
}

// resolveEngineConfig merges the start request with saved settings, or
// with process defaults when the tenant has never saved any.
func (m *Manager) resolveEngineConfig(tenant, symbol string) (types.EngineConfig, error) {
	saved, found, err := m.store.GetHFTSettings(tenant)
	if err != nil {
		return types.EngineConfig{}, fmt.Errorf("load hft settings: %w", err)
	}

	if !found {
		if symbol == "" {
			return types.EngineConfig{}, fmt.Errorf("tenant %s: %w", tenant, ErrNoConfig)
		}
		return m.defaultEngineConfig(symbol), nil
	}

	if symbol != "" {
		saved.Symbol = symbol
	}
	if saved.IntervalMs <= 0 {
		saved.IntervalMs = m.cfg.Engine.IntervalMs
	}
	return saved, nil
}

func (m *Manager) defaultEngineConfig(symbol string) types.EngineConfig {
	def := m.cfg.Engine
	return types.EngineConfig{
		Symbol:          symbol,
		QuoteSize:       decimal.NewFromFloat(def.QuoteSize),
		AdversePct:      decimal.NewFromFloat(def.AdversePct),
		CancelMs:        def.CancelMs,
		MaxPos:          decimal.NewFromFloat(def.MaxPos),
		MinSpreadPct:    decimal.NewFromFloat(def.MinSpreadPct),
		MaxTradesPerDay: def.MaxTradesPerDay,
		IntervalMs:      def.IntervalMs,
		Enabled:         true,
	}
}

// autoStopHook journals and announces an engine that stopped itself after
// repeated cycle failures. It takes no manager locks: it runs on the
// engine's own goroutine after Stop has completed.
func (m *Manager) autoStopHook(tenant string) func() {
	return func() {
		m.logger.Warn("engine auto-stopped after repeated failures", "tenant", tenant)

		st := types.EngineStatus{Active: false, EngineType: "hft", UpdatedAt: time.Now().UTC()}
		if cfg, found, err := m.store.GetHFTSettings(tenant); err == nil && found {
			st.Symbol = cfg.Symbol
			st.Config = cfg
		}
		m.journalStatus(tenant, st)
		m.logActivity(tenant, "hft_auto_stopped", map[string]any{"reason": "consecutive_errors"})
		m.events.Publish(tenant, bus.KindEngineStop, map[string]any{"reason": "auto_stop"})
	}
}

// journalStatus writes the status document, logging failures; trading
// control flow never depends on the journal.
func (m *Manager) journalStatus(tenant string, st types.EngineStatus) {
	if err := m.store.SaveEngineStatus(tenant, st); err != nil {
		m.logger.Warn("save engine status failed", "tenant", tenant, "error", err)
	}
}

func (m *Manager) logActivity(tenant, kind string, meta map[string]any) {
	if err := m.store.LogActivity(tenant, kind, meta); err != nil {
		m.logger.Warn("activity log write failed", "tenant", tenant, "kind", kind, "error", err)
	}
}
