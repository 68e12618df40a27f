// Package risk gates order flow for every tenant in the process.
//
// Manager is a singleton keyed by tenant. Each tenant's ledger is created
// lazily on first use and checked ahead of every trading decision:
//
//   - Pause:      after a streak of failed trades the tenant is paused;
//     the pause lifts itself once the window has elapsed since
//     the last failure
//   - Daily loss: a placement is denied when the day's accumulated loss
//     plus the proposed trade's assumed adverse move would
//     pass the cap
//   - Drawdown:   denied while the balance sits too far below its
//     high-water mark
//
// Daily state resets at the first call of each UTC day; only peakBalance
// survives the rollover. Deny reasons are stable tokens ("paused_by_risk",
// "daily_loss_cap", "drawdown") that cycles journal as SKIPPED.
package risk

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"quantdesk/internal/config"
)

// State is a point-in-time copy of one tenant's risk ledger.
type State struct {
	Balance             decimal.Decimal `json:"balance"`
	DailyStartBalance   decimal.Decimal `json:"dailyStartBalance"`
	DailyLoss           decimal.Decimal `json:"dailyLoss"`
	PeakBalance         decimal.Decimal `json:"peakBalance"`
	ConsecutiveFailures int             `json:"consecutiveFailures"`
	LastFailureTime     time.Time       `json:"lastFailureTime,omitempty"`
	Paused              bool            `json:"paused"`
	PausedReason        string          `json:"pausedReason,omitempty"`
}

type userState struct {
	balance             decimal.Decimal
	dailyStartBalance   decimal.Decimal
	dailyLoss           decimal.Decimal
	peakBalance         decimal.Decimal
	consecutiveFailures int
	lastFailureTime     time.Time
	paused              bool
	pausedReason        string
	lastResetDay        string // UTC date of the last rollover
}

// Manager tracks risk state for all tenants.
type Manager struct {
	cfg    config.RiskConfig
	logger *slog.Logger

	mu     sync.Mutex
	states map[string]*userState

	startingBalance decimal.Decimal
	dailyLossCap    decimal.Decimal
	drawdownCap     decimal.Decimal

	now func() time.Time
}

// NewManager creates the process-wide risk manager.
func NewManager(cfg config.RiskConfig, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:             cfg,
		logger:          logger.With("component", "risk"),
		states:          make(map[string]*userState),
		startingBalance: decimal.NewFromFloat(cfg.StartingBalance),
		dailyLossCap:    decimal.NewFromFloat(cfg.DailyLossCap),
		drawdownCap:     decimal.NewFromFloat(cfg.MaxDrawdown),
		now:             time.Now,
	}
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// CanTrade reports whether a tenant may place the proposed order. The
// projected daily loss assumes the trade immediately moves against us by
// assumedAdverseMove (a fraction, typically the strategy's adversePct).
func (m *Manager) CanTrade(tenant, symbol string, tradeSize, midPrice, assumedAdverseMove decimal.Decimal) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	st := m.stateLocked(tenant, now)
	m.rolloverLocked(tenant, st, now)

	if st.paused {
		if now.Sub(st.lastFailureTime) < m.cfg.PauseWindow {
			return false, "paused_by_risk"
		}
		st.paused = false
		st.pausedReason = ""
		m.logger.Info("risk pause lifted", "tenant", tenant, "symbol", symbol)
	}

	projected := st.dailyLoss.Add(tradeSize.Mul(midPrice).Mul(assumedAdverseMove))
	if m.dailyLossCap.IsPositive() && projected.GreaterThan(m.dailyLossCap) {
		return false, "daily_loss_cap"
	}

	if m.drawdownCap.IsPositive() && st.peakBalance.IsPositive() {
		dd := st.peakBalance.Sub(st.balance).Div(st.peakBalance)
		if dd.GreaterThan(m.drawdownCap) {
			return false, "drawdown"
		}
	}

	return true, ""
}

// RecordTradeResult applies one realized result to a tenant's ledger.
// Losses grow dailyLoss; a failed trade extends the failure streak, and
// hitting the configured streak pauses the tenant.
func (m *Manager) RecordTradeResult(tenant string, pnl decimal.Decimal, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	st := m.stateLocked(tenant, now)
	m.rolloverLocked(tenant, st, now)

	st.balance = st.balance.Add(pnl)
	if pnl.IsNegative() {
		st.dailyLoss = st.dailyLoss.Sub(pnl)
	}
	if st.balance.GreaterThan(st.peakBalance) {
		st.peakBalance = st.balance
	}

	if success {
		st.consecutiveFailures = 0
		return
	}

	st.consecutiveFailures++
	st.lastFailureTime = now
	if m.cfg.ConsecutiveFailures > 0 && st.consecutiveFailures >= m.cfg.ConsecutiveFailures {
		st.paused = true
		st.pausedReason = "consecutive_failures"
		m.logger.Warn("tenant paused by risk",
			"tenant", tenant,
			"consecutive_failures", st.consecutiveFailures,
			"window", m.cfg.PauseWindow,
		)
	}
}

// Snapshot returns a copy of one tenant's ledger, creating it if needed.
func (m *Manager) Snapshot(tenant string) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	st := m.stateLocked(tenant, now)
	m.rolloverLocked(tenant, st, now)

	return State{
		Balance:             st.balance,
		DailyStartBalance:   st.dailyStartBalance,
		DailyLoss:           st.dailyLoss,
		PeakBalance:         st.peakBalance,
		ConsecutiveFailures: st.consecutiveFailures,
		LastFailureTime:     st.lastFailureTime,
		Paused:              st.paused,
		PausedReason:        st.pausedReason,
	}
}

// RemoveTenant drops a tenant's ledger, typically when its engine is torn
// down with reinit.
func (m *Manager) RemoveTenant(tenant string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, tenant)
}

// SweepRollover forces the daily reset for every tenant not yet touched
// today, so pauses lift and loss windows clear even for idle tenants. The
// lazy per-call rollover remains the primary mechanism; this is the
// scheduler's backstop. Returns how many ledgers were reset.
func (m *Manager) SweepRollover() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	day := dayKey(now)
	swept := 0
	for tenant, st := range m.states {
		if st.lastResetDay != day {
			m.rolloverLocked(tenant, st, now)
			swept++
		}
	}
	return swept
}

// stateLocked returns the tenant's ledger, creating it lazily. Caller
// holds m.mu.
func (m *Manager) stateLocked(tenant string, now time.Time) *userState {
	st, ok := m.states[tenant]
	if !ok {
		st = &userState{
			balance:           m.startingBalance,
			dailyStartBalance: m.startingBalance,
			peakBalance:       m.startingBalance,
			lastResetDay:      dayKey(now),
		}
		m.states[tenant] = st
	}
	return st
}

// rolloverLocked resets daily state on the first call of each UTC day.
// Only peakBalance survives as a monotonic high-water mark. Caller holds
// m.mu, so the reset happens exactly once per day no matter how many
// goroutines race past midnight.
func (m *Manager) rolloverLocked(tenant string, st *userState, now time.Time) {
	day := dayKey(now)
	if day == st.lastResetDay {
		return
	}
	st.dailyLoss = decimal.Zero
	st.dailyStartBalance = st.balance
	st.consecutiveFailures = 0
	st.lastFailureTime = time.Time{}
	st.paused = false
	st.pausedReason = ""
	st.lastResetDay = day
	m.logger.Info("daily risk window reset",
		"tenant", tenant,
		"day", day,
		"start_balance", st.dailyStartBalance,
	)
}
