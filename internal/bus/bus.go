// Package bus fans engine events out to WebSocket subscribers.
//
// There are two channels: per-tenant (each client sees only its own
// tenant's events) and admin (every event, annotated with the tenant it
// belongs to). Delivery is best-effort. Messages for one client keep
// publish order; a client that stops draining its queue is evicted rather
// than allowed to stall the publisher.
package bus

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"quantdesk/internal/metrics"
)

// Event kinds pushed over the stream.
const (
	KindEngineStart    = "engine_start"
	KindEngineStop     = "engine_stop"
	KindHFTTrade       = "hft_trade"
	KindExecutionTrade = "execution_trade"
	KindPnLUpdate      = "pnl_update"
	KindAccuracyUpdate = "accuracy_update"
	KindResearchUpdate = "research_update"
	KindError          = "error"
)

// Event is the wire shape of one stream message.
type Event struct {
	Type        string `json:"type"`
	Tenant      string `json:"tenant"`
	Data        any    `json:"data"`
	TimestampMs int64  `json:"timestamp_ms"`
}

// DefaultSendBuffer is how many messages may queue for one client before
// it counts as too slow and is evicted.
const DefaultSendBuffer = 64

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024 // clients only send heartbeats
)

// Bus routes events to subscribers. Client tables are touched only on
// connect and disconnect, under their channel's lock; publishing takes
// read locks so tenants do not serialise each other.
type Bus struct {
	logger     *slog.Logger
	sendBuffer int

	userMu sync.RWMutex
	users  map[string]map[*client]struct{}

	adminMu sync.RWMutex
	admins  map[*client]struct{}
}

// New creates a bus with the default per-client send buffer.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		logger:     logger.With("component", "bus"),
		sendBuffer: DefaultSendBuffer,
		users:      make(map[string]map[*client]struct{}),
		admins:     make(map[*client]struct{}),
	}
}

// Publish delivers one event to the tenant's subscribers and to every
// admin subscriber. It never blocks on a client.
func (b *Bus) Publish(tenant, kind string, data any) {
	evt := Event{
		Type:        kind,
		Tenant:      tenant,
		Data:        data,
		TimestampMs: time.Now().UnixMilli(),
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		b.logger.Error("marshal event", "kind", kind, "tenant", tenant, "error", err)
		return
	}

	b.userMu.RLock()
	for c := range b.users[tenant] {
		c.enqueue(payload)
	}
	b.userMu.RUnlock()

	b.adminMu.RLock()
	for c := range b.admins {
		c.enqueue(payload)
	}
	b.adminMu.RUnlock()
}

// Attach registers conn on the tenant's channel and starts its pumps.
// The bus owns the connection from here on.
func (b *Bus) Attach(conn *websocket.Conn, tenant string) {
	c := b.newClient(conn, tenant, false)

	b.userMu.Lock()
	set := b.users[tenant]
	if set == nil {
		set = make(map[*client]struct{})
		b.users[tenant] = set
	}
	set[c] = struct{}{}
	b.userMu.Unlock()

	metrics.WSConnections.WithLabelValues("user").Inc()
	b.logger.Info("stream client connected", "tenant", tenant)

	go c.writePump()
	go c.readPump()
}

// AttachAdmin registers conn on the admin channel and starts its pumps.
func (b *Bus) AttachAdmin(conn *websocket.Conn) {
	c := b.newClient(conn, "", true)

	b.adminMu.Lock()
	b.admins[c] = struct{}{}
	b.adminMu.Unlock()

	metrics.WSConnections.WithLabelValues("admin").Inc()
	b.logger.Info("admin stream client connected")

	go c.writePump()
	go c.readPump()
}

// Subscribers returns how many clients are attached for the tenant.
func (b *Bus) Subscribers(tenant string) int {
	b.userMu.RLock()
	defer b.userMu.RUnlock()
	return len(b.users[tenant])
}

// AdminSubscribers returns how many admin clients are attached.
func (b *Bus) AdminSubscribers() int {
	b.adminMu.RLock()
	defer b.adminMu.RUnlock()
	return len(b.admins)
}

// Close evicts every client. Events published afterwards go nowhere.
func (b *Bus) Close() {
	b.userMu.RLock()
	for _, set := range b.users {
		for c := range set {
			c.evict("bus closed")
		}
	}
	b.userMu.RUnlock()

	b.adminMu.RLock()
	for c := range b.admins {
		c.evict("bus closed")
	}
	b.adminMu.RUnlock()
}

func (b *Bus) newClient(conn *websocket.Conn, tenant string, admin bool) *client {
	return &client{
		bus:    b,
		conn:   conn,
		tenant: tenant,
		admin:  admin,
		send:   make(chan []byte, b.sendBuffer),
		done:   make(chan struct{}),
	}
}

func (b *Bus) remove(c *client) {
	removed := false
	if c.admin {
		b.adminMu.Lock()
		if _, ok := b.admins[c]; ok {
			delete(b.admins, c)
			removed = true
		}
		b.adminMu.Unlock()
	} else {
		b.userMu.Lock()
		if set, ok := b.users[c.tenant]; ok {
			if _, ok := set[c]; ok {
				delete(set, c)
				removed = true
			}
			if len(set) == 0 {
				delete(b.users, c.tenant)
			}
		}
		b.userMu.Unlock()
	}

	if removed {
		metrics.WSConnections.WithLabelValues(c.channel()).Dec()
		b.logger.Info("stream client disconnected", "channel", c.channel(), "tenant", c.tenant)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Clients
// ————————————————————————————————————————————————————————————————————————

type client struct {
	bus    *Bus
	conn   *websocket.Conn
	tenant string // empty for admin clients
	admin  bool
	send   chan []byte
	done   chan struct{}
	once   sync.Once
}

func (c *client) channel() string {
	if c.admin {
		return "admin"
	}
	return "user"
}

// enqueue hands a payload to the client's write pump. A full queue means
// the client is not draining; it is evicted and the payload dropped. The
// send channel is never closed, so concurrent publishers stay safe.
func (c *client) enqueue(payload []byte) {
	select {
	case c.send <- payload:
	default:
		metrics.EventsDropped.WithLabelValues(c.channel()).Inc()
		c.evict("slow consumer")
	}
}

// evict marks the client for teardown. The write pump notices and closes
// the socket, which unblocks the read pump and removes the client from
// its table.
func (c *client) evict(reason string) {
	c.once.Do(func() {
		c.bus.logger.Debug("evicting stream client",
			"channel", c.channel(), "tenant", c.tenant, "reason", reason)
		close(c.done)
	})
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.evict("write failed")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.evict("ping failed")
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		}
	}
}

func (c *client) readPump() {
	defer func() {
		c.evict("read closed")
		c.bus.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		kind, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.bus.logger.Debug("stream read error", "error", err)
			}
			return
		}
		// Clients only send heartbeats; anything else is ignored.
		if kind == websocket.TextMessage && string(bytes.TrimSpace(message)) == "ping" {
			c.enqueue([]byte("pong"))
		}
	}
}
