package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"quantdesk/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestAdapter wires a RESTAdapter against a local test server.
func newTestAdapter(t *testing.T, handler http.HandlerFunc) *RESTAdapter {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := RESTConfig{BaseURL: server.URL, Timeout: 2 * time.Second}
	return NewRESTAdapter(cfg, NewSigner("test-key", "test-secret"), testLogger())
}

// verifySignature recomputes the HMAC over the request's canonical query
// (everything but the signature param) and compares.
func verifySignature(t *testing.T, r *http.Request) {
	t.Helper()
	q := r.URL.Query()
	gotSig := q.Get("signature")
	if gotSig == "" {
		t.Fatal("request is missing signature param")
	}
	if q.Get("timestamp") == "" {
		t.Fatal("request is missing timestamp param")
	}
	q.Del("signature")

	mac := hmac.New(sha256.New, []byte("test-secret"))
	mac.Write([]byte(q.Encode()))
	want := hex.EncodeToString(mac.Sum(nil))
	if gotSig != want {
		t.Errorf("signature mismatch: got %s want %s", gotSig, want)
	}
}

func TestGetOrderbookParsesDepth(t *testing.T) {
	t.Parallel()

	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/depth" {
			t.Errorf("path = %s, want /api/v3/depth", r.URL.Path)
		}
		if got := r.URL.Query().Get("symbol"); got != "BTCUSDT" {
			t.Errorf("symbol = %s, want BTCUSDT", got)
		}
		if got := r.URL.Query().Get("limit"); got != "5" {
			t.Errorf("limit = %s, want 5", got)
		}
		w.Write([]byte(`{
			"lastUpdateId": 42,
			"bids": [["100.10","2.5"],["100.00","1"]],
			"asks": [["100.20","3"]]
		}`))
	})

	book, err := adapter.GetOrderbook(context.Background(), "BTCUSDT", 5)
	if err != nil {
		t.Fatalf("GetOrderbook: %v", err)
	}
	if book.UpdateSeq != 42 {
		t.Errorf("UpdateSeq = %d, want 42", book.UpdateSeq)
	}
	if len(book.Bids) != 2 || len(book.Asks) != 1 {
		t.Fatalf("levels = %d/%d, want 2/1", len(book.Bids), len(book.Asks))
	}
	if !book.Bids[0].Price.Equal(decimal.RequireFromString("100.10")) {
		t.Errorf("best bid = %s, want 100.10", book.Bids[0].Price)
	}
	if !book.Asks[0].Quantity.Equal(decimal.NewFromInt(3)) {
		t.Errorf("best ask qty = %s, want 3", book.Asks[0].Quantity)
	}
}

func TestGetOrderbookRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"code":-1001,"msg":"Internal error"}`))
			return
		}
		w.Write([]byte(`{"lastUpdateId":1,"bids":[["1","1"]],"asks":[["2","1"]]}`))
	})

	book, err := adapter.GetOrderbook(context.Background(), "BTCUSDT", 20)
	if err != nil {
		t.Fatalf("GetOrderbook after retries: %v", err)
	}
	if book.UpdateSeq != 1 {
		t.Errorf("UpdateSeq = %d, want 1", book.UpdateSeq)
	}
	if got := hits.Load(); got != 3 {
		t.Errorf("server hits = %d, want 3", got)
	}
}

func TestPlaceOrderSignsAndMapsResponse(t *testing.T) {
	t.Parallel()

	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v3/order" {
			t.Errorf("got %s %s, want POST /api/v3/order", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("X-MBX-APIKEY"); got != "test-key" {
			t.Errorf("api key header = %s, want test-key", got)
		}
		verifySignature(t, r)

		q := r.URL.Query()
		if q.Get("timeInForce") != "GTC" {
			t.Errorf("timeInForce = %s, want GTC", q.Get("timeInForce"))
		}
		w.Write([]byte(`{
			"symbol": "BTCUSDT",
			"orderId": 28,
			"clientOrderId": "mm-abc",
			"transactTime": 1700000000000,
			"price": "100.10",
			"origQty": "0.5",
			"executedQty": "0",
			"cummulativeQuoteQty": "0",
			"status": "NEW",
			"type": "LIMIT",
			"side": "BUY"
		}`))
	})

	order, err := adapter.PlaceOrder(context.Background(), OrderParams{
		Symbol:   "BTCUSDT",
		Side:     types.SideBuy,
		Type:     types.OrderTypeLimit,
		Qty:      decimal.RequireFromString("0.5"),
		Price:    decimal.RequireFromString("100.10"),
		ClientID: "mm-abc",
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if order.ID != "28" {
		t.Errorf("ID = %s, want 28", order.ID)
	}
	if order.Status != types.OrderStatusNew {
		t.Errorf("Status = %s, want NEW", order.Status)
	}
	if !order.Price.Equal(decimal.RequireFromString("100.10")) {
		t.Errorf("Price = %s, want 100.10", order.Price)
	}
}

func TestPlaceOrderMapsVenueError(t *testing.T) {
	t.Parallel()

	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-1013,"msg":"Filter failure: PRICE_FILTER"}`))
	})

	_, err := adapter.PlaceOrder(context.Background(), OrderParams{
		Symbol: "BTCUSDT",
		Side:   types.SideBuy,
		Type:   types.OrderTypeLimit,
		Qty:    decimal.NewFromInt(1),
		Price:  decimal.NewFromInt(1),
	})
	var xerr *types.ExchangeError
	if !errors.As(err, &xerr) {
		t.Fatalf("error = %v, want *types.ExchangeError", err)
	}
	if xerr.Transient() {
		t.Error("400 filter failure should be permanent")
	}
	if xerr.Code != "-1013" {
		t.Errorf("Code = %s, want -1013", xerr.Code)
	}
	if xerr.Msg != "Filter failure: PRICE_FILTER" {
		t.Errorf("Msg = %q", xerr.Msg)
	}
}

func TestCancelOrderUnknownOrderCode(t *testing.T) {
	t.Parallel()

	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("method = %s, want DELETE", r.Method)
		}
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-2011,"msg":"Unknown order sent."}`))
	})

	_, err := adapter.CancelOrder(context.Background(), "BTCUSDT", "99")
	var xerr *types.ExchangeError
	if !errors.As(err, &xerr) {
		t.Fatalf("error = %v, want *types.ExchangeError", err)
	}
	if !xerr.UnknownOrder() {
		t.Errorf("Code = %s, want %s", xerr.Code, types.CodeUnknownOrder)
	}
}

func TestGetOrderStatusComputesAvgPrice(t *testing.T) {
	t.Parallel()

	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		verifySignature(t, r)
		w.Write([]byte(`{
			"symbol": "BTCUSDT",
			"orderId": 7,
			"clientOrderId": "mm-7",
			"price": "100.00",
			"origQty": "2",
			"executedQty": "2",
			"cummulativeQuoteQty": "201",
			"status": "FILLED",
			"type": "LIMIT",
			"side": "SELL",
			"time": 1700000000000,
			"updateTime": 1700000001000
		}`))
	})

	order, err := adapter.GetOrderStatus(context.Background(), "BTCUSDT", "7")
	if err != nil {
		t.Fatalf("GetOrderStatus: %v", err)
	}
	if order.Status != types.OrderStatusFilled {
		t.Errorf("Status = %s, want FILLED", order.Status)
	}
	if !order.AvgPrice.Equal(decimal.RequireFromString("100.5")) {
		t.Errorf("AvgPrice = %s, want 100.5", order.AvgPrice)
	}
	if !order.UpdatedAt.After(order.CreatedAt) {
		t.Error("UpdatedAt should be after CreatedAt")
	}
}

func TestMapOrderStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		venue string
		want  types.OrderStatus
	}{
		{"NEW", types.OrderStatusNew},
		{"PARTIALLY_FILLED", types.OrderStatusPartial},
		{"FILLED", types.OrderStatusFilled},
		{"CANCELED", types.OrderStatusCanceled},
		{"EXPIRED", types.OrderStatusCanceled},
		{"EXPIRED_IN_MATCH", types.OrderStatusCanceled},
		{"REJECTED", types.OrderStatusRejected},
		{"PENDING_CANCEL", types.OrderStatusNew},
	}
	for _, tc := range cases {
		if got := mapOrderStatus(tc.venue); got != tc.want {
			t.Errorf("mapOrderStatus(%s) = %s, want %s", tc.venue, got, tc.want)
		}
	}
}

func TestBreakerOpensAfterConsecutiveServerErrors(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"code":-1001,"msg":"Internal error"}`))
	})

	params := OrderParams{
		Symbol: "BTCUSDT",
		Side:   types.SideBuy,
		Type:   types.OrderTypeLimit,
		Qty:    decimal.NewFromInt(1),
		Price:  decimal.NewFromInt(1),
	}
	for i := 0; i < 5; i++ {
		if _, err := adapter.PlaceOrder(context.Background(), params); err == nil {
			t.Fatal("expected error from failing venue")
		}
	}
	if got := hits.Load(); got != 5 {
		t.Fatalf("server hits = %d, want 5", got)
	}

	// Circuit is now open: the next call fails fast without a request.
	_, err := adapter.PlaceOrder(context.Background(), params)
	var xerr *types.ExchangeError
	if !errors.As(err, &xerr) || !xerr.Transient() {
		t.Fatalf("error = %v, want transient exchange error", err)
	}
	if got := hits.Load(); got != 5 {
		t.Errorf("server hits after open = %d, want 5", got)
	}
}

func TestPermanentErrorsDoNotTripBreaker(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 6 {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"code":-1013,"msg":"Filter failure: LOT_SIZE"}`))
			return
		}
		w.Write([]byte(`{"symbol":"BTCUSDT","orderId":1,"status":"NEW","price":"1","origQty":"1","type":"LIMIT","side":"BUY"}`))
	})

	params := OrderParams{
		Symbol: "BTCUSDT",
		Side:   types.SideBuy,
		Type:   types.OrderTypeLimit,
		Qty:    decimal.NewFromInt(1),
		Price:  decimal.NewFromInt(1),
	}
	for i := 0; i < 6; i++ {
		if _, err := adapter.PlaceOrder(context.Background(), params); err == nil {
			t.Fatal("expected rejection")
		}
	}

	// Client mistakes never open the circuit, so the venue stays reachable.
	order, err := adapter.PlaceOrder(context.Background(), params)
	if err != nil {
		t.Fatalf("PlaceOrder after rejections: %v", err)
	}
	if order.ID != "1" {
		t.Errorf("ID = %s, want 1", order.ID)
	}
}

func TestValidateAPIKey(t *testing.T) {
	t.Parallel()

	t.Run("unauthorized reports invalid", func(t *testing.T) {
		t.Parallel()
		adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"code":-2014,"msg":"API-key format invalid."}`))
		})

		kv, err := adapter.ValidateAPIKey(context.Background())
		if err != nil {
			t.Fatalf("ValidateAPIKey: %v", err)
		}
		if kv.Valid {
			t.Error("Valid = true, want false")
		}
		if kv.Error != "API-key format invalid." {
			t.Errorf("Error = %q", kv.Error)
		}
	})

	t.Run("account flags pass through", func(t *testing.T) {
		t.Parallel()
		adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
			verifySignature(t, r)
			w.Write([]byte(`{"canTrade":true,"canWithdraw":false}`))
		})

		kv, err := adapter.ValidateAPIKey(context.Background())
		if err != nil {
			t.Fatalf("ValidateAPIKey: %v", err)
		}
		if !kv.Valid || !kv.CanTrade || kv.CanWithdraw {
			t.Errorf("got %+v, want valid trading key without withdrawals", kv)
		}
	})
}
