package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"quantdesk/internal/bus"
	"quantdesk/internal/config"
	"quantdesk/internal/engine"
	"quantdesk/internal/risk"
	"quantdesk/internal/store"
	"quantdesk/internal/strategy"
	"quantdesk/internal/vault"
)

const (
	testMasterKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
	testJWTSecret = "test-signing-secret"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

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

func apiConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			AllowedOrigins: []string{"*"},
			ReadTimeout:    5 * time.Second,
			WriteTimeout:   5 * time.Second,
			RateLimitRPS:   500,
			RateLimitBurst: 500,
		},
		Auth: config.AuthConfig{
			JWTSecret:  testJWTSecret,
			TokenTTL:   time.Hour,
			AdminUsers: []string{"admin"},
		},
		Exchange: config.ExchangeConfig{
			Paper:       true,
			HTTPTimeout: 5 * time.Second,
		},
		Engine: config.EngineConfig{
			IntervalMs:      50_000,
			MinAccuracy:     0.6,
			QuoteSize:       0.001,
			AdversePct:      0.002,
			CancelMs:        60_000,
			MaxPos:          0.01,
			MaxTradesPerDay: 100,
			Strategy:        strategy.VariantMarketMaker,
		},
		Research: config.ResearchConfig{
			OrderbookDepth:  20,
			ProviderTimeout: time.Second,
			CacheTTL:        time.Minute,
		},
		Risk: config.RiskConfig{
			StartingBalance:     10_000,
			ConsecutiveFailures: 5,
			PauseWindow:         time.Hour,
		},
	}
}

type testServer struct {
	http   *httptest.Server
	cfg    *config.Config
	events *bus.Bus
	store  *store.Store
}

// newTestServer stands up the whole control plane over a temp store in
// paper mode: requests exercise the real router, auth, rate limiting and
// engine manager, with the simulated venue behind it.
func newTestServer(t *testing.T, mutate ...func(*config.Config)) *testServer {
	t.Helper()

	cfg := apiConfig()
	for _, fn := range mutate {
		fn(cfg)
	}

	st, err := store.Open(filepath.Join(t.TempDir(), "quantdesk.db"), testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	v, err := vault.New(testMasterKey, testLogger())
	if err != nil {
		t.Fatalf("vault: %v", err)
	}

	wheel, err := strategy.NewTimerWheel(4, testLogger())
	if err != nil {
		t.Fatalf("timer wheel: %v", err)
	}

	events := bus.New(testLogger())
	engines := engine.NewManager(cfg, v, st, risk.NewManager(cfg.Risk, testLogger()), events, wheel, testLogger())
	srv := NewServer(cfg, engines, st, v, events, testLogger())

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		engines.Shutdown(ctx)
		events.Close()
		wheel.Stop()
		st.Close()
	})

	return &testServer{http: ts, cfg: cfg, events: events, store: st}
}

func (ts *testServer) token(t *testing.T, tenant string) string {
	t.Helper()
	tok, err := IssueToken(testJWTSecret, tenant, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}

// do sends an authenticated JSON request. A nil body sends no payload.
func (ts *testServer) do(t *testing.T, method, path, tenant string, body any) *http.Response {
	t.Helper()

	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		payload = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, ts.http.URL+path, payload)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if tenant != "" {
		req.Header.Set("Authorization", "Bearer "+ts.token(t, tenant))
	}

	resp, err := ts.http.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func (ts *testServer) wsURL(t *testing.T, path, tenant string) string {
	t.Helper()
	return "ws" + strings.TrimPrefix(ts.http.URL, "http") + path + "?token=" + ts.token(t, tenant)
}

// ————————————————————————————————————————————————————————————————————————
// Auth and open endpoints
// ————————————————————————————————————————————————————————————————————————

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/hft/status"},
		{http.MethodPost, "/api/engine/create"},
		{http.MethodPost, "/api/hft/start"},
		{http.MethodGet, "/api/integrations"},
	}
	for _, p := range paths {
		resp := ts.do(t, p.method, p.path, "", nil)
		var body map[string]string
		decodeJSON(t, resp, &body)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("%s %s: status = %d, want 401", p.method, p.path, resp.StatusCode)
		}
		if body["error"] != "unauthorized" {
			t.Errorf("%s %s: error = %q, want unauthorized", p.method, p.path, body["error"])
		}
	}

	// A token signed with the wrong secret must be rejected too.
	tok, err := IssueToken("some-other-secret", "alice", time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	req, _ := http.NewRequest(http.MethodGet, ts.http.URL+"/api/hft/status", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := ts.http.Client().Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("forged token: status = %d, want 401", resp.StatusCode)
	}
}

func TestHealthAndMetricsAreOpen(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)

	resp := ts.do(t, http.MethodGet, "/health", "", nil)
	var health map[string]any
	decodeJSON(t, resp, &health)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d, want 200", resp.StatusCode)
	}
	if health["status"] != "ok" {
		t.Fatalf("health body = %v, want status ok", health)
	}
	if _, ok := health["system"]; !ok {
		t.Fatalf("health body missing system stats: %v", health)
	}

	resp = ts.do(t, http.MethodGet, "/metrics", "", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d, want 200", resp.StatusCode)
	}
	raw, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(raw), "go_goroutines") {
		t.Fatalf("metrics output missing runtime collectors")
	}
}

// ————————————————————————————————————————————————————————————————————————
// Engine lifecycle
// ————————————————————————————————————————————————————————————————————————

func TestEngineLifecycleOverHTTP(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/api/engine/create", "alice", map[string]any{})
	var created map[string]any
	decodeJSON(t, resp, &created)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create status = %d, body %v", resp.StatusCode, created)
	}
	if created["paper"] != true {
		t.Fatalf("create response = %v, want paper true", created)
	}

	// Second create without reinit conflicts.
	resp = ts.do(t, http.MethodPost, "/api/engine/create", "alice", map[string]any{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate create status = %d, want 409", resp.StatusCode)
	}

	resp = ts.do(t, http.MethodPost, "/api/hft/start", "alice", map[string]any{
		"symbol":     "BTCUSDT",
		"intervalMs": 60_000,
	})
	var report engine.StatusReport
	decodeJSON(t, resp, &report)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start status = %d", resp.StatusCode)
	}
	if !report.Running || !report.HasEngine {
		t.Fatalf("start report = %+v, want running engine", report)
	}
	if report.HFT == nil || report.HFT.Symbol != "BTCUSDT" {
		t.Fatalf("start report HFT = %+v, want symbol BTCUSDT", report.HFT)
	}

	resp = ts.do(t, http.MethodGet, "/api/hft/status", "alice", nil)
	decodeJSON(t, resp, &report)
	if !report.Running {
		t.Fatalf("status report = %+v, want running", report)
	}

	resp = ts.do(t, http.MethodPost, "/api/hft/stop", "alice", nil)
	var stopped map[string]string
	decodeJSON(t, resp, &stopped)
	if resp.StatusCode != http.StatusOK || stopped["status"] != "stopped" {
		t.Fatalf("stop status = %d body = %v", resp.StatusCode, stopped)
	}

	resp = ts.do(t, http.MethodGet, "/api/hft/status", "alice", nil)
	decodeJSON(t, resp, &report)
	if report.Running {
		t.Fatalf("status after stop = %+v, want not running", report)
	}

	// Stopping again is a no-op, not an error.
	resp = ts.do(t, http.MethodPost, "/api/hft/stop", "alice", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("second stop status = %d, want 200", resp.StatusCode)
	}
}

func TestStartWithoutSymbolOrSavedConfig(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/api/engine/create", "alice", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create status = %d", resp.StatusCode)
	}

	resp = ts.do(t, http.MethodPost, "/api/hft/start", "alice", nil)
	var body map[string]string
	decodeJSON(t, resp, &body)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("start status = %d, want 400", resp.StatusCode)
	}
	if body["error"] == "" {
		t.Fatalf("start error body = %v, want error message", body)
	}

	// No engine at all is a 404, not a 400.
	resp = ts.do(t, http.MethodPost, "/api/hft/start", "bob", map[string]any{"symbol": "BTCUSDT"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("start without engine status = %d, want 404", resp.StatusCode)
	}
}

func TestEngineConfigRoundtrip(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)

	resp := ts.do(t, http.MethodGet, "/api/engine/config", "alice", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("config before save status = %d, want 404", resp.StatusCode)
	}

	valid := map[string]any{
		"symbol":          "ETHUSDT",
		"quoteSize":       0.002,
		"adversePct":      0.003,
		"cancelMs":        45_000,
		"maxPos":          0.02,
		"minSpreadPct":    0.01,
		"maxTradesPerDay": 50,
		"intervalMs":      30_000,
		"enabled":         true,
	}
	resp = ts.do(t, http.MethodPost, "/api/engine/config", "alice", valid)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("save config status = %d, want 200", resp.StatusCode)
	}

	resp = ts.do(t, http.MethodGet, "/api/engine/config", "alice", nil)
	var got map[string]any
	decodeJSON(t, resp, &got)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get config status = %d, want 200", resp.StatusCode)
	}
	if got["symbol"] != "ETHUSDT" {
		t.Fatalf("config symbol = %v, want ETHUSDT", got["symbol"])
	}
	if got["maxTradesPerDay"] != float64(50) {
		t.Fatalf("config maxTradesPerDay = %v, want 50", got["maxTradesPerDay"])
	}

	// Config is per tenant.
	resp = ts.do(t, http.MethodGet, "/api/engine/config", "bob", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("other tenant config status = %d, want 404", resp.StatusCode)
	}

	invalid := []map[string]any{
		{},                                    // missing symbol
		mergeConfig(valid, "adversePct", 2.0), // out of (0,1)
		mergeConfig(valid, "quoteSize", 0.0),
		mergeConfig(valid, "maxTradesPerDay", 0),
	}
	for i, body := range invalid {
		resp = ts.do(t, http.MethodPost, "/api/engine/config", "alice", body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("invalid config %d: status = %d, want 400", i, resp.StatusCode)
		}
	}
}

func mergeConfig(base map[string]any, key string, value any) map[string]any {
	out := make(map[string]any, len(base))
	for k, v := range base {
		out[k] = v
	}
	out[key] = value
	return out
}

func TestAutoTradeToggle(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/api/engine/create", "alice", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create status = %d", resp.StatusCode)
	}

	resp = ts.do(t, http.MethodPost, "/api/auto-trade/toggle", "alice", map[string]any{"enabled": false})
	var body map[string]bool
	decodeJSON(t, resp, &body)
	if resp.StatusCode != http.StatusOK || body["autoTrade"] != false {
		t.Fatalf("toggle status = %d body = %v, want autoTrade false", resp.StatusCode, body)
	}

	var report engine.StatusReport
	resp = ts.do(t, http.MethodGet, "/api/hft/status", "alice", nil)
	decodeJSON(t, resp, &report)
	if report.AutoTrade {
		t.Fatalf("status report autoTrade = true after disabling")
	}

	// The flag is mandatory so a typoed body cannot silently disable.
	resp = ts.do(t, http.MethodPost, "/api/auto-trade/toggle", "alice", map[string]any{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("toggle without enabled: status = %d, want 400", resp.StatusCode)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Research
// ————————————————————————————————————————————————————————————————————————

func TestResearchEndpoints(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)

	// Research needs an engine to reach the venue through.
	resp := ts.do(t, http.MethodPost, "/api/research/run", "alice", map[string]any{"symbol": "BTCUSDT"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("run without engine status = %d, want 404", resp.StatusCode)
	}

	resp = ts.do(t, http.MethodPost, "/api/engine/create", "alice", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create status = %d", resp.StatusCode)
	}

	resp = ts.do(t, http.MethodPost, "/api/research/run", "alice", map[string]any{"symbol": "BTCUSDT"})
	var result map[string]any
	decodeJSON(t, resp, &result)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("run status = %d", resp.StatusCode)
	}
	if result["symbol"] != "BTCUSDT" {
		t.Fatalf("run result = %v, want symbol BTCUSDT", result)
	}

	resp = ts.do(t, http.MethodPost, "/api/research/scan", "alice", map[string]any{
		"symbols": []string{"BTCUSDT", "ETHUSDT"},
	})
	var results []map[string]any
	decodeJSON(t, resp, &results)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("scan status = %d", resp.StatusCode)
	}
	if len(results) != 2 {
		t.Fatalf("scan returned %d results, want 2", len(results))
	}

	resp = ts.do(t, http.MethodPost, "/api/research/scan", "alice", map[string]any{"symbols": []string{}})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty scan status = %d, want 400", resp.StatusCode)
	}

	// The ad-hoc run above was journalled; the log endpoint returns it.
	resp = ts.do(t, http.MethodGet, "/api/research/logs", "alice", nil)
	var logs []map[string]any
	decodeJSON(t, resp, &logs)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logs status = %d", resp.StatusCode)
	}
	if len(logs) == 0 {
		t.Fatalf("research logs empty after a journalled run")
	}
}

// ————————————————————————————————————————————————————————————————————————
// Integrations
// ————————————————————————————————————————————————————————————————————————

func TestIntegrationKeysNeverLeaveMasked(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/api/integrations/sentiment", "alice", map[string]any{
		"apiKey":  "sk-abcdef123456",
		"enabled": true,
	})
	var saved map[string]string
	decodeJSON(t, resp, &saved)
	if resp.StatusCode != http.StatusOK || saved["provider"] != "sentiment" {
		t.Fatalf("save status = %d body = %v", resp.StatusCode, saved)
	}

	resp = ts.do(t, http.MethodGet, "/api/integrations", "alice", nil)
	var list []map[string]any
	decodeJSON(t, resp, &list)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	if len(list) != 1 {
		t.Fatalf("list returned %d integrations, want 1", len(list))
	}

	got := list[0]
	if got["provider"] != "sentiment" || got["enabled"] != true {
		t.Fatalf("integration = %v, want enabled sentiment", got)
	}
	key, _ := got["apiKey"].(string)
	if key != "sk-a********3456" {
		t.Fatalf("masked key = %q, want sk-a********3456", key)
	}
	if strings.Contains(fmt.Sprint(got), "abcdef") {
		t.Fatalf("integration view leaks key material: %v", got)
	}

	// Disabled integrations still show up in the list.
	resp = ts.do(t, http.MethodPost, "/api/integrations/onchain", "alice", map[string]any{"enabled": false})
	resp.Body.Close()
	resp = ts.do(t, http.MethodGet, "/api/integrations", "alice", nil)
	decodeJSON(t, resp, &list)
	if len(list) != 2 {
		t.Fatalf("list returned %d integrations after second save, want 2", len(list))
	}

	// Another tenant sees nothing.
	resp = ts.do(t, http.MethodGet, "/api/integrations", "bob", nil)
	decodeJSON(t, resp, &list)
	if len(list) != 0 {
		t.Fatalf("bob sees %d of alice's integrations", len(list))
	}
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket streams
// ————————————————————————————————————————————————————————————————————————

func TestUserStreamDelivery(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)

	conn, resp, err := websocket.DefaultDialer.Dial(ts.wsURL(t, "/ws", "alice"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	resp.Body.Close()

	waitFor(t, "stream attach", func() bool { return ts.events.Subscribers("alice") == 1 })

	// Bob's event is interleaved between two of Alice's; per-client order
	// holds, so Alice must see hers back to back with nothing in between.
	ts.events.Publish("alice", bus.KindEngineStart, map[string]any{"symbol": "BTCUSDT"})
	ts.events.Publish("bob", bus.KindError, map[string]any{"message": "not for alice"})
	ts.events.Publish("alice", bus.KindEngineStop, map[string]any{"reason": "stopped"})

	want := []string{bus.KindEngineStart, bus.KindEngineStop}
	for i, kind := range want {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		var evt bus.Event
		if err := json.Unmarshal(raw, &evt); err != nil {
			t.Fatalf("decode %d: %v", i, err)
		}
		if evt.Type != kind || evt.Tenant != "alice" {
			t.Fatalf("event %d = %s/%s, want %s/alice", i, evt.Type, evt.Tenant, kind)
		}
	}
}

func TestUserStreamRejectsBadToken(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/ws?token=garbage"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatalf("dial with bad token succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("handshake response = %v, want 401", resp)
	}
	resp.Body.Close()
}

func TestAdminStreamSeesAllTenants(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)

	// Non-admins are turned away before the upgrade.
	_, resp, err := websocket.DefaultDialer.Dial(ts.wsURL(t, "/ws/admin", "mallory"), nil)
	if err == nil {
		t.Fatalf("non-admin dialed the admin stream")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("handshake response = %v, want 403", resp)
	}
	resp.Body.Close()

	conn, resp, err := websocket.DefaultDialer.Dial(ts.wsURL(t, "/ws/admin", "admin"), nil)
	if err != nil {
		t.Fatalf("admin dial: %v", err)
	}
	defer conn.Close()
	resp.Body.Close()

	waitFor(t, "admin attach", func() bool { return ts.events.AdminSubscribers() == 1 })

	ts.events.Publish("alice", bus.KindHFTTrade, map[string]any{"symbol": "BTCUSDT"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var evt bus.Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if evt.Type != bus.KindHFTTrade || evt.Tenant != "alice" {
		t.Fatalf("event = %s/%s, want hft_trade/alice", evt.Type, evt.Tenant)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Rate limiting
// ————————————————————————————————————————————————————————————————————————

func TestPerTenantRateLimit(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Server.RateLimitRPS = 1
		cfg.Server.RateLimitBurst = 1
	})

	resp := ts.do(t, http.MethodGet, "/api/hft/status", "alice", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", resp.StatusCode)
	}

	resp = ts.do(t, http.MethodGet, "/api/hft/status", "alice", nil)
	var body map[string]string
	decodeJSON(t, resp, &body)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", resp.StatusCode)
	}
	if body["error"] == "" {
		t.Fatalf("429 body = %v, want error message", body)
	}

	// Buckets are per tenant, so bob is unaffected by alice's burn.
	resp = ts.do(t, http.MethodGet, "/api/hft/status", "bob", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("other tenant status = %d, want 200", resp.StatusCode)
	}
}
