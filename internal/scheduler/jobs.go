package scheduler

import (
	"log/slog"
	"time"
)

// RolloverSweeper is the risk-manager capability the daily job needs.
type RolloverSweeper interface {
	SweepRollover() int
}

// JournalPruner deletes journal rows older than the cutoff.
type JournalPruner interface {
	PruneJournals(cutoff time.Time) (int64, error)
}

// OrderPruner drops settled orders older than the cutoff.
type OrderPruner interface {
	PruneTerminalOrders(before time.Time) int
}

type riskRollover struct {
	risk   RolloverSweeper
	logger *slog.Logger
}

// NewRiskRollover builds the daily job that resets loss windows and lifts
// pauses for tenants that traded nothing since midnight. Active tenants
// roll over lazily on their next risk check; this catches the idle ones.
func NewRiskRollover(risk RolloverSweeper, logger *slog.Logger) Job {
	return &riskRollover{risk: risk, logger: logger}
}

func (j *riskRollover) Name() string { return "risk-rollover" }

func (j *riskRollover) Run() error {
	swept := j.risk.SweepRollover()
	if swept > 0 {
		j.logger.Info("risk ledgers rolled over", "tenants", swept)
	}
	return nil
}

type journalPrune struct {
	store     JournalPruner
	retention time.Duration
	logger    *slog.Logger
}

// NewJournalPrune builds the hourly job that trims research, execution and
// activity journals to the configured retention.
func NewJournalPrune(store JournalPruner, retention time.Duration, logger *slog.Logger) Job {
	return &journalPrune{store: store, retention: retention, logger: logger}
}

func (j *journalPrune) Name() string { return "journal-prune" }

func (j *journalPrune) Run() error {
	pruned, err := j.store.PruneJournals(time.Now().UTC().Add(-j.retention))
	if err != nil {
		return err
	}
	if pruned > 0 {
		j.logger.Info("journals pruned", "rows", pruned)
	}
	return nil
}

type orderPrune struct {
	engines OrderPruner
	keep    time.Duration
	logger  *slog.Logger
}

// NewOrderPrune builds the hourly job that drops settled orders from the
// in-memory registries once they are keep old.
func NewOrderPrune(engines OrderPruner, keep time.Duration, logger *slog.Logger) Job {
	return &orderPrune{engines: engines, keep: keep, logger: logger}
}

func (j *orderPrune) Name() string { return "order-prune" }

func (j *orderPrune) Run() error {
	removed := j.engines.PruneTerminalOrders(time.Now().UTC().Add(-j.keep))
	if removed > 0 {
		j.logger.Info("terminal orders pruned", "orders", removed)
	}
	return nil
}
