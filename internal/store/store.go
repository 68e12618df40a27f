// Package store persists tenant documents and append-only journals in SQLite.
//
// Documents (HFT settings, engine status, integrations) are JSON bodies
// keyed by a path such as tenants/{tenant}/hftSettings and upserted in
// place. Journals (execution logs, research logs, activity) are append-only
// and pruned by the maintenance job. Engine code treats every write here as
// fire-and-forget: a failed journal write is logged, never fatal.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"quantdesk/pkg/types"
)

// Store wraps the SQLite handle. Safe for concurrent use; SQLite serialises
// writers internally and WAL keeps readers off the write lock.
type Store struct {
	db  *sql.DB
	log *slog.Logger
	now func() time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	path       TEXT PRIMARY KEY,
	body       TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS journal_entries (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	path       TEXT NOT NULL,
	body       TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_journal_path ON journal_entries(path, id);

CREATE TABLE IF NOT EXISTS activity_log (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant     TEXT NOT NULL,
	kind       TEXT NOT NULL,
	meta       TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_activity_tenant ON activity_log(tenant, id);
`

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", strings.TrimSuffix(p, ";"), err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{
		db:  db,
		log: logger.With("component", "store"),
		now: time.Now,
	}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// ————————————————————————————————————————————————————————————————————————
// Documents
// ————————————————————————————————————————————————————————————————————————

func settingsPath(tenant string) string { return fmt.Sprintf("tenants/%s/hftSettings", tenant) }
func statusPath(tenant string) string   { return fmt.Sprintf("tenants/%s/engineStatus", tenant) }
func integrationPath(tenant, provider string) string {
	return fmt.Sprintf("tenants/%s/integrations/%s", tenant, provider)
}
func executionPath(tenant string) string { return fmt.Sprintf("tenants/%s/executionLogs", tenant) }
func researchPath(tenant string) string  { return fmt.Sprintf("tenants/%s/researchLogs", tenant) }

func (s *Store) saveDocument(path string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	_, err = s.db.Exec(`
		INSERT INTO documents (path, body, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		path, string(body), s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert %s: %w", path, err)
	}
	return nil
}

func (s *Store) loadDocument(path string, v any) (bool, error) {
	var body string
	err := s.db.QueryRow(`SELECT body FROM documents WHERE path = ?`, path).Scan(&body)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load %s: %w", path, err)
	}
	if err := json.Unmarshal([]byte(body), v); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", path, err)
	}
	return true, nil
}

// SaveHFTSettings upserts the tenant's engine configuration.
func (s *Store) SaveHFTSettings(tenant string, cfg types.EngineConfig) error {
	return s.saveDocument(settingsPath(tenant), cfg)
}

// GetHFTSettings loads the tenant's engine configuration. ok is false when
// the tenant has never saved one.
func (s *Store) GetHFTSettings(tenant string) (types.EngineConfig, bool, error) {
	var cfg types.EngineConfig
	ok, err := s.loadDocument(settingsPath(tenant), &cfg)
	return cfg, ok, err
}

// SaveEngineStatus upserts the tenant's engine status document.
func (s *Store) SaveEngineStatus(tenant string, st types.EngineStatus) error {
	return s.saveDocument(statusPath(tenant), st)
}

// GetEngineStatus loads the tenant's engine status document.
func (s *Store) GetEngineStatus(tenant string) (types.EngineStatus, bool, error) {
	var st types.EngineStatus
	ok, err := s.loadDocument(statusPath(tenant), &st)
	return st, ok, err
}

// SaveIntegration upserts one provider integration for a tenant.
func (s *Store) SaveIntegration(tenant, provider string, rec types.IntegrationRecord) error {
	rec.Provider = provider
	rec.UpdatedAt = s.now().UTC()
	return s.saveDocument(integrationPath(tenant, provider), rec)
}

// GetIntegration loads a single provider integration.
func (s *Store) GetIntegration(tenant, provider string) (types.IntegrationRecord, bool, error) {
	var rec types.IntegrationRecord
	ok, err := s.loadDocument(integrationPath(tenant, provider), &rec)
	return rec, ok, err
}

// GetEnabledIntegrations returns every enabled integration for a tenant,
// keyed by provider name.
func (s *Store) GetEnabledIntegrations(tenant string) (map[string]types.IntegrationRecord, error) {
	all, err := s.GetIntegrations(tenant)
	if err != nil {
		return nil, err
	}
	for provider, rec := range all {
		if !rec.Enabled {
			delete(all, provider)
		}
	}
	return all, nil
}

// GetIntegrations returns every integration for a tenant, enabled or not,
// keyed by provider name.
func (s *Store) GetIntegrations(tenant string) (map[string]types.IntegrationRecord, error) {
	prefix := fmt.Sprintf("tenants/%s/integrations/", tenant)
	rows, err := s.db.Query(`SELECT body FROM documents WHERE path LIKE ? || '%'`, prefix)
	if err != nil {
		return nil, fmt.Errorf("query integrations: %w", err)
	}
	defer rows.Close()

	out := make(map[string]types.IntegrationRecord)
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan integration: %w", err)
		}
		var rec types.IntegrationRecord
		if err := json.Unmarshal([]byte(body), &rec); err != nil {
			s.log.Warn("skipping malformed integration document", "tenant", tenant, "err", err)
			continue
		}
		out[rec.Provider] = rec
	}
	return out, rows.Err()
}

// ————————————————————————————————————————————————————————————————————————
// Journals
// ————————————————————————————————————————————————————————————————————————

// ExecutionLogEntry is one line of the per-tenant execution journal.
type ExecutionLogEntry struct {
	Action   string    `json:"action"` // EXECUTED, SKIPPED, ERROR
	Status   string    `json:"status,omitempty"`
	Symbol   string    `json:"symbol"`
	OrderIDs []string  `json:"orderIds,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Time     time.Time `json:"time"`
}

func (s *Store) appendJournal(path string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	_, err = s.db.Exec(`INSERT INTO journal_entries (path, body, created_at) VALUES (?, ?, ?)`,
		path, string(body), s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("append %s: %w", path, err)
	}
	return nil
}

func (s *Store) tailJournal(path string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT body FROM journal_entries WHERE path = ? ORDER BY id DESC LIMIT ?`,
		path, limit)
	if err != nil {
		return nil, fmt.Errorf("tail %s: %w", path, err)
	}
	defer rows.Close()

	var bodies []string
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan %s: %w", path, err)
		}
		bodies = append(bodies, body)
	}
	return bodies, rows.Err()
}

// SaveExecutionLog appends to the tenant's execution journal.
func (s *Store) SaveExecutionLog(tenant string, entry ExecutionLogEntry) error {
	if entry.Time.IsZero() {
		entry.Time = s.now().UTC()
	}
	return s.appendJournal(executionPath(tenant), entry)
}

// GetHFTExecutionLogs returns the newest limit entries, newest first.
func (s *Store) GetHFTExecutionLogs(tenant string, limit int) ([]ExecutionLogEntry, error) {
	bodies, err := s.tailJournal(executionPath(tenant), limit)
	if err != nil {
		return nil, err
	}
	out := make([]ExecutionLogEntry, 0, len(bodies))
	for _, body := range bodies {
		var e ExecutionLogEntry
		if err := json.Unmarshal([]byte(body), &e); err != nil {
			s.log.Warn("skipping malformed execution log entry", "tenant", tenant, "err", err)
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// SaveResearchLog appends a research result to the tenant's research journal.
func (s *Store) SaveResearchLog(tenant string, result types.ResearchResult) error {
	return s.appendJournal(researchPath(tenant), result)
}

// GetResearchLogs returns the newest limit research results, newest first.
func (s *Store) GetResearchLogs(tenant string, limit int) ([]types.ResearchResult, error) {
	bodies, err := s.tailJournal(researchPath(tenant), limit)
	if err != nil {
		return nil, err
	}
	out := make([]types.ResearchResult, 0, len(bodies))
	for _, body := range bodies {
		var r types.ResearchResult
		if err := json.Unmarshal([]byte(body), &r); err != nil {
			s.log.Warn("skipping malformed research log entry", "tenant", tenant, "err", err)
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// ————————————————————————————————————————————————————————————————————————
// Activity
// ————————————————————————————————————————————————————————————————————————

// ActivityEntry is one row of the tenant activity audit trail.
type ActivityEntry struct {
	Tenant string         `json:"tenant"`
	Kind   string         `json:"kind"`
	Meta   map[string]any `json:"meta,omitempty"`
	Time   time.Time      `json:"time"`
}

// LogActivity records an audit event such as engine_started or config_updated.
func (s *Store) LogActivity(tenant, kind string, meta map[string]any) error {
	metaJSON := "{}"
	if len(meta) > 0 {
		b, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("marshal activity meta: %w", err)
		}
		metaJSON = string(b)
	}
	_, err := s.db.Exec(`INSERT INTO activity_log (tenant, kind, meta, created_at) VALUES (?, ?, ?, ?)`,
		tenant, kind, metaJSON, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("append activity: %w", err)
	}
	return nil
}

// GetActivity returns the newest limit activity entries for a tenant.
func (s *Store) GetActivity(tenant string, limit int) ([]ActivityEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT kind, meta, created_at FROM activity_log
		WHERE tenant = ? ORDER BY id DESC LIMIT ?`, tenant, limit)
	if err != nil {
		return nil, fmt.Errorf("query activity: %w", err)
	}
	defer rows.Close()

	var out []ActivityEntry
	for rows.Next() {
		var (
			kind      string
			metaJSON  string
			createdAt int64
		)
		if err := rows.Scan(&kind, &metaJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		entry := ActivityEntry{
			Tenant: tenant,
			Kind:   kind,
			Time:   time.UnixMilli(createdAt).UTC(),
		}
		if err := json.Unmarshal([]byte(metaJSON), &entry.Meta); err != nil {
			s.log.Warn("skipping malformed activity meta", "tenant", tenant, "err", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// ————————————————————————————————————————————————————————————————————————
// Maintenance
// ————————————————————————————————————————————————————————————————————————

// PruneJournals deletes journal and activity rows older than cutoff.
// Returns the number of rows removed.
func (s *Store) PruneJournals(cutoff time.Time) (int64, error) {
	ms := cutoff.UnixMilli()
	var total int64

	res, err := s.db.Exec(`DELETE FROM journal_entries WHERE created_at < ?`, ms)
	if err != nil {
		return 0, fmt.Errorf("prune journals: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}

	res, err = s.db.Exec(`DELETE FROM activity_log WHERE created_at < ?`, ms)
	if err != nil {
		return total, fmt.Errorf("prune activity: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}
	return total, nil
}
