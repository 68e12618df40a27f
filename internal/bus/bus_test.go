package bus

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// dialStream stands up a server that attaches every accepted connection
// to b, dials it once, and waits for the subscription to register.
func dialStream(t *testing.T, b *Bus, admin bool, tenant string) *websocket.Conn {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		if admin {
			b.AttachAdmin(conn)
		} else {
			b.Attach(conn, tenant)
		}
	}))
	t.Cleanup(srv.Close)

	before := b.Subscribers(tenant)
	if admin {
		before = b.AdminSubscribers()
	}

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	waitFor(t, "subscription registered", func() bool {
		if admin {
			return b.AdminSubscribers() > before
		}
		return b.Subscribers(tenant) > before
	})
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	var evt Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		t.Fatalf("decode event %q: %v", payload, err)
	}
	return evt
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPublishReachesTenantAndAdmin(t *testing.T) {
	t.Parallel()

	b := New(testLogger())
	user := dialStream(t, b, false, "alice")
	admin := dialStream(t, b, true, "")

	b.Publish("alice", KindAccuracyUpdate, map[string]float64{"accuracy": 0.82})

	for _, conn := range []*websocket.Conn{user, admin} {
		evt := readEvent(t, conn)
		if evt.Type != KindAccuracyUpdate {
			t.Errorf("type = %q, want %q", evt.Type, KindAccuracyUpdate)
		}
		if evt.Tenant != "alice" {
			t.Errorf("tenant = %q, want alice", evt.Tenant)
		}
		if evt.TimestampMs <= 0 {
			t.Errorf("timestamp_ms = %d, want > 0", evt.TimestampMs)
		}
		data, ok := evt.Data.(map[string]any)
		if !ok || data["accuracy"] == nil {
			t.Errorf("data = %#v, want accuracy field", evt.Data)
		}
	}
}

func TestPublishDoesNotCrossTenants(t *testing.T) {
	t.Parallel()

	b := New(testLogger())
	bob := dialStream(t, b, false, "bob")

	b.Publish("alice", KindError, map[string]string{"message": "boom"})

	bob.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	if _, payload, err := bob.ReadMessage(); err == nil {
		t.Fatalf("bob received another tenant's event: %s", payload)
	}
}

func TestHeartbeatPingGetsPong(t *testing.T) {
	t.Parallel()

	b := New(testLogger())
	user := dialStream(t, b, false, "alice")

	if err := user.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
		t.Fatalf("write ping: %v", err)
	}

	user.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := user.ReadMessage()
	if err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if string(payload) != "pong" {
		t.Fatalf("heartbeat reply = %q, want pong", payload)
	}
}

func TestSlowClientEvicted(t *testing.T) {
	t.Parallel()

	b := New(testLogger())
	b.sendBuffer = 2

	// No pumps: the queue is never drained, so the third publish must
	// overflow it and evict the client.
	c := b.newClient(nil, "alice", false)
	b.users["alice"] = map[*client]struct{}{c: {}}

	for i := 0; i < 3; i++ {
		b.Publish("alice", KindPnLUpdate, i)
	}

	select {
	case <-c.done:
	default:
		t.Fatal("client with a full queue was not evicted")
	}
}

func TestDisconnectRemovesSubscriber(t *testing.T) {
	t.Parallel()

	b := New(testLogger())
	user := dialStream(t, b, false, "alice")

	user.Close()

	waitFor(t, "subscriber removal", func() bool {
		return b.Subscribers("alice") == 0
	})
}
