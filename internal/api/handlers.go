package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shopspring/decimal"

	"quantdesk/internal/bus"
	"quantdesk/internal/config"
	"quantdesk/internal/engine"
	"quantdesk/internal/store"
	"quantdesk/internal/vault"
	"quantdesk/pkg/types"
)

const (
	defaultLogLimit = 100
	maxLogLimit     = 500
)

// Handlers holds the control-plane endpoint implementations.
type Handlers struct {
	cfg      *config.Config
	engines  *engine.Manager
	store    *store.Store
	vault    *vault.Vault
	events   *bus.Bus
	auth     *authenticator
	validate *validator.Validate
	upgrader websocket.Upgrader
	logger   *slog.Logger
	started  time.Time
}

func NewHandlers(
	cfg *config.Config,
	engines *engine.Manager,
	st *store.Store,
	v *vault.Vault,
	events *bus.Bus,
	auth *authenticator,
	logger *slog.Logger,
) *Handlers {
	return &Handlers{
		cfg:      cfg,
		engines:  engines,
		store:    st,
		vault:    v,
		events:   events,
		auth:     auth,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		upgrader: newUpgrader(cfg.Server.AllowedOrigins),
		logger:   logger.With("component", "api-handlers"),
		started:  time.Now(),
	}
}

// ————————————————————————————————————————————————————————————————————————
// Request/response plumbing
// ————————————————————————————————————————————————————————————————————————

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("response encode failed", "error", err)
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}

// fail maps domain sentinels onto HTTP statuses: validation and missing
// config are the caller's fault, absent engines are 404, lifecycle
// conflicts are 409, everything else is a 500.
func (h *Handlers) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrInvalidConfig), errors.Is(err, engine.ErrNoConfig):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrEngineNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrEngineExists), errors.Is(err, engine.ErrAlreadyRunning):
		h.writeError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error("request failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// decode parses a JSON body into v. An empty body leaves v zero-valued,
// so endpoints with optional bodies share this path.
func decode(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == io.EOF {
		return nil
	}
	return err
}

// validationMsg flattens validator output into the {error: string} shape.
func validationMsg(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		f := verrs[0]
		return "invalid field " + f.Field() + ": failed " + f.Tag()
	}
	return err.Error()
}

func logLimit(r *http.Request) int {
	limit := defaultLogLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxLogLimit {
		limit = maxLogLimit
	}
	return limit
}

// ————————————————————————————————————————————————————————————————————————
// Engine lifecycle
// ————————————————————————————————————————————————————————————————————————

type createEngineRequest struct {
	APIKey    string `json:"apiKey"`
	APISecret string `json:"apiSecret"`
	Testnet   bool   `json:"testnet"`
	Reinit    bool   `json:"reinit"`
}

// CreateEngine registers the tenant's engine. Credentials are persisted
// vault-encrypted under the exchange integration so a later reinit can
// reuse them.
func (h *Handlers) CreateEngine(w http.ResponseWriter, r *http.Request) {
	tenant := Tenant(r.Context())

	var req createEngineRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "malformed body: "+err.Error())
		return
	}

	if _, err := h.engines.CreateEngine(r.Context(), tenant, engine.CreateParams{
		APIKey:    req.APIKey,
		APISecret: req.APISecret,
		Testnet:   req.Testnet,
		Reinit:    req.Reinit,
	}); err != nil {
		h.fail(w, err)
		return
	}

	if req.APIKey != "" {
		h.persistExchangeKeys(tenant, req)
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "created",
		"paper":   h.cfg.Exchange.Paper,
		"testnet": req.Testnet,
	})
}

func (h *Handlers) persistExchangeKeys(tenant string, req createEngineRequest) {
	encKey, err := h.vault.Encrypt(req.APIKey)
	if err != nil {
		h.logger.Warn("api key encrypt failed", "tenant", tenant, "error", err)
		return
	}
	encSecret, err := h.vault.Encrypt(req.APISecret)
	if err != nil {
		h.logger.Warn("api secret encrypt failed", "tenant", tenant, "error", err)
		return
	}
	rec := types.IntegrationRecord{
		Enabled:         true,
		EncryptedAPIKey: encKey,
		EncryptedSecret: encSecret,
		Subtype:         subtypeFor(req.Testnet),
	}
	if err := h.store.SaveIntegration(tenant, "exchange", rec); err != nil {
		h.logger.Warn("exchange integration save failed", "tenant", tenant, "error", err)
	}
}

func subtypeFor(testnet bool) string {
	if testnet {
		return "testnet"
	}
	return "mainnet"
}

type engineConfigRequest struct {
	Symbol          string  `json:"symbol" validate:"required"`
	QuoteSize       float64 `json:"quoteSize" validate:"gt=0"`
	AdversePct      float64 `json:"adversePct" validate:"gt=0,lt=1"`
	CancelMs        int64   `json:"cancelMs" validate:"gt=0"`
	MaxPos          float64 `json:"maxPos" validate:"gt=0"`
	MinSpreadPct    float64 `json:"minSpreadPct" validate:"gte=0"`
	MaxTradesPerDay int     `json:"maxTradesPerDay" validate:"gte=1"`
	IntervalMs      int64   `json:"intervalMs" validate:"gte=0"`
	Enabled         bool    `json:"enabled"`
}

// SaveEngineConfig upserts the tenant's saved settings; hft/start without
// a symbol falls back to them.
func (h *Handlers) SaveEngineConfig(w http.ResponseWriter, r *http.Request) {
	tenant := Tenant(r.Context())

	var req engineConfigRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "malformed body: "+err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeError(w, http.StatusBadRequest, validationMsg(err))
		return
	}

	cfg := types.EngineConfig{
		Symbol:          req.Symbol,
		QuoteSize:       decimal.NewFromFloat(req.QuoteSize),
		AdversePct:      decimal.NewFromFloat(req.AdversePct),
		CancelMs:        req.CancelMs,
		MaxPos:          decimal.NewFromFloat(req.MaxPos),
		MinSpreadPct:    decimal.NewFromFloat(req.MinSpreadPct),
		MaxTradesPerDay: req.MaxTradesPerDay,
		IntervalMs:      req.IntervalMs,
		Enabled:         req.Enabled,
	}
	if err := cfg.Validate(); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.store.SaveHFTSettings(tenant, cfg); err != nil {
		h.fail(w, err)
		return
	}
	if err := h.store.LogActivity(tenant, "config_updated", map[string]any{"symbol": cfg.Symbol}); err != nil {
		h.logger.Warn("activity log write failed", "tenant", tenant, "error", err)
	}

	h.writeJSON(w, http.StatusOK, cfg)
}

// GetEngineConfig returns the saved settings, 404 when none exist.
func (h *Handlers) GetEngineConfig(w http.ResponseWriter, r *http.Request) {
	tenant := Tenant(r.Context())

	cfg, found, err := h.store.GetHFTSettings(tenant)
	if err != nil {
		h.fail(w, err)
		return
	}
	if !found {
		h.writeError(w, http.StatusNotFound, "no saved engine config")
		return
	}
	h.writeJSON(w, http.StatusOK, cfg)
}

type startHFTRequest struct {
	Symbol     string `json:"symbol"`
	IntervalMs int64  `json:"intervalMs"`
}

// StartHFT arms the tick loop. Body is optional: without a symbol the
// saved settings decide, and that path 400s when there are none.
func (h *Handlers) StartHFT(w http.ResponseWriter, r *http.Request) {
	tenant := Tenant(r.Context())

	var req startHFTRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "malformed body: "+err.Error())
		return
	}

	if err := h.engines.StartHFT(r.Context(), tenant, req.Symbol, req.IntervalMs); err != nil {
		h.fail(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.engines.Status(tenant))
}

// StopHFT halts the tick loop; stopping what is not running still 200s.
func (h *Handlers) StopHFT(w http.ResponseWriter, r *http.Request) {
	tenant := Tenant(r.Context())

	if err := h.engines.StopHFT(r.Context(), tenant); err != nil {
		h.fail(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// HFTStatus reports the live and journalled engine state.
func (h *Handlers) HFTStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.engines.Status(Tenant(r.Context())))
}

// ExecutionLogs tails the execution journal, newest first.
func (h *Handlers) ExecutionLogs(w http.ResponseWriter, r *http.Request) {
	tenant := Tenant(r.Context())

	entries, err := h.store.GetHFTExecutionLogs(tenant, logLimit(r))
	if err != nil {
		h.fail(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, entries)
}

type toggleRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

// ToggleAutoTrade flips the flag the tick loop checks before each cycle.
func (h *Handlers) ToggleAutoTrade(w http.ResponseWriter, r *http.Request) {
	tenant := Tenant(r.Context())

	var req toggleRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "malformed body: "+err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeError(w, http.StatusBadRequest, validationMsg(err))
		return
	}

	if err := h.engines.SetAutoTrade(tenant, *req.Enabled); err != nil {
		h.fail(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"autoTrade": *req.Enabled})
}

// ————————————————————————————————————————————————————————————————————————
// Research
// ————————————————————————————————————————————————————————————————————————

type researchRunRequest struct {
	Symbol string `json:"symbol" validate:"required"`
}

// RunResearch evaluates one symbol ad hoc through the tenant's adapter.
func (h *Handlers) RunResearch(w http.ResponseWriter, r *http.Request) {
	tenant := Tenant(r.Context())

	var req researchRunRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "malformed body: "+err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeError(w, http.StatusBadRequest, validationMsg(err))
		return
	}

	eng, ok := h.engines.GetEngine(tenant)
	if !ok {
		h.writeError(w, http.StatusNotFound, "engine not found")
		return
	}

	result, err := eng.Research().Run(r.Context(), eng.Adapter(), req.Symbol)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

type researchScanRequest struct {
	Symbols []string `json:"symbols" validate:"required,min=1,max=50,dive,required"`
}

// ScanResearch evaluates a symbol list and returns results ranked by
// accuracy descending.
func (h *Handlers) ScanResearch(w http.ResponseWriter, r *http.Request) {
	tenant := Tenant(r.Context())

	var req researchScanRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "malformed body: "+err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeError(w, http.StatusBadRequest, validationMsg(err))
		return
	}

	eng, ok := h.engines.GetEngine(tenant)
	if !ok {
		h.writeError(w, http.StatusNotFound, "engine not found")
		return
	}

	results := eng.Research().Scan(r.Context(), eng.Adapter(), req.Symbols)
	h.writeJSON(w, http.StatusOK, results)
}

// ResearchLogs tails the research journal, newest first.
func (h *Handlers) ResearchLogs(w http.ResponseWriter, r *http.Request) {
	tenant := Tenant(r.Context())

	entries, err := h.store.GetResearchLogs(tenant, logLimit(r))
	if err != nil {
		h.fail(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, entries)
}

// ————————————————————————————————————————————————————————————————————————
// Integrations
// ————————————————————————————————————————————————————————————————————————

type integrationRequest struct {
	APIKey  string `json:"apiKey"`
	Secret  string `json:"secret"`
	Enabled bool   `json:"enabled"`
	Subtype string `json:"subtype"`
}

type integrationView struct {
	Provider  string    `json:"provider"`
	Enabled   bool      `json:"enabled"`
	Subtype   string    `json:"subtype,omitempty"`
	APIKey    string    `json:"apiKey,omitempty"` // masked
	UpdatedAt time.Time `json:"updatedAt"`
}

// SaveIntegration upserts a provider integration. Keys are encrypted
// before they touch the store; providers bind to research engines on the
// next engine create.
func (h *Handlers) SaveIntegration(w http.ResponseWriter, r *http.Request) {
	tenant := Tenant(r.Context())
	provider := chi.URLParam(r, "provider")
	if provider == "" {
		h.writeError(w, http.StatusBadRequest, "provider is required")
		return
	}

	var req integrationRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "malformed body: "+err.Error())
		return
	}

	rec := types.IntegrationRecord{
		Enabled: req.Enabled,
		Subtype: req.Subtype,
	}
	if req.APIKey != "" {
		enc, err := h.vault.Encrypt(req.APIKey)
		if err != nil {
			h.fail(w, err)
			return
		}
		rec.EncryptedAPIKey = enc
	}
	if req.Secret != "" {
		enc, err := h.vault.Encrypt(req.Secret)
		if err != nil {
			h.fail(w, err)
			return
		}
		rec.EncryptedSecret = enc
	}

	if err := h.store.SaveIntegration(tenant, provider, rec); err != nil {
		h.fail(w, err)
		return
	}
	if err := h.store.LogActivity(tenant, "integration_updated", map[string]any{
		"provider": provider,
		"enabled":  req.Enabled,
	}); err != nil {
		h.logger.Warn("activity log write failed", "tenant", tenant, "error", err)
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "saved", "provider": provider})
}

// ListIntegrations returns every integration with its key masked.
func (h *Handlers) ListIntegrations(w http.ResponseWriter, r *http.Request) {
	tenant := Tenant(r.Context())

	recs, err := h.store.GetIntegrations(tenant)
	if err != nil {
		h.fail(w, err)
		return
	}

	views := make([]integrationView, 0, len(recs))
	for _, rec := range recs {
		view := integrationView{
			Provider:  rec.Provider,
			Enabled:   rec.Enabled,
			Subtype:   rec.Subtype,
			UpdatedAt: rec.UpdatedAt,
		}
		if rec.EncryptedAPIKey != "" {
			view.APIKey = vault.Mask(h.vault.Decrypt(rec.EncryptedAPIKey))
		}
		views = append(views, view)
	}
	h.writeJSON(w, http.StatusOK, views)
}

// ————————————————————————————————————————————————————————————————————————
// Health
// ————————————————————————————————————————————————————————————————————————

// Health reports liveness plus coarse system stats. The CPU sample uses a
// 100 ms window so the endpoint stays fast for load-balancer probes.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	cpuAvg := 0.0
	if pcts, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(pcts) > 0 {
		cpuAvg = pcts[0]
	}
	memPct := 0.0
	if stat, err := mem.VirtualMemory(); err == nil {
		memPct = stat.UsedPercent
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"uptimeSeconds": int64(time.Since(h.started).Seconds()),
		"system": map[string]any{
			"cpuPercent": cpuAvg,
			"memPercent": memPct,
			"goroutines": runtime.NumGoroutine(),
		},
	})
}
