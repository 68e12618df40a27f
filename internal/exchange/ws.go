// ws.go implements the reconnecting WebSocket reader behind both adapter
// subscriptions:
//
//   - Depth stream (public): one connection per symbol, receives partial
//     book snapshots every 100ms.
//
//   - User stream (authenticated): one connection per account, receives
//     executionReport order lifecycle events. Its URL embeds a
//     server-issued listen key, so the URL is recomputed on every
//     reconnect and refreshed while the connection lives.
//
// Streams auto-reconnect with exponential backoff (1s → 30s max). A read
// deadline (90s) ensures silent server failures are detected within ~2
// missed pings.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pingInterval     = 50 * time.Second // how often we ping to keep alive
	readTimeout      = 90 * time.Second // ~2 missed pings triggers reconnect
	maxReconnectWait = 30 * time.Second // cap on exponential backoff
	writeTimeout     = 10 * time.Second // deadline for outgoing messages
)

// stream manages a single WebSocket subscription: connection lifecycle,
// frame dispatch, and automatic reconnection with exponential backoff.
type stream struct {
	name   string
	urlFn  func(ctx context.Context) (string, error)
	handle func(msg []byte) // called for every frame, on the read goroutine

	// keepAlive, when set, runs beside each live connection. The user
	// stream uses it to refresh its listen key.
	keepAlive func(ctx context.Context, url string)

	conn   *websocket.Conn
	connMu sync.Mutex // protects conn reads/writes

	logger *slog.Logger
}

// run connects and maintains the connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (s *stream) run(ctx context.Context) {
	backoff := time.Second

	for {
		err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			return
		}

		s.logger.Warn("websocket disconnected, reconnecting",
			"stream", s.name,
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		// Exponential backoff: 1s, 2s, 4s, 8s, ..., 30s max
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

func (s *stream) connectAndRead(ctx context.Context) error {
	url, err := s.urlFn(ctx)
	if err != nil {
		return fmt.Errorf("resolve url: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	defer func() {
		s.connMu.Lock()
		conn.Close()
		s.conn = nil
		s.connMu.Unlock()
	}()

	// A pong extends the read deadline between data frames.
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	s.logger.Info("websocket connected", "stream", s.name)

	connCtx, connCancel := context.WithCancel(ctx)
	defer connCancel()
	go s.pingLoop(connCtx)
	if s.keepAlive != nil {
		go s.keepAlive(connCtx, url)
	}
	go func() {
		// Unblocks ReadMessage when the caller cancels mid-read.
		<-connCtx.Done()
		conn.Close()
	}()

	// Read loop with deadline so we reconnect if server goes silent
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		s.handle(msg)
	}
}

func (s *stream) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.writeMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Warn("ping failed", "stream", s.name, "error", err)
				return
			}
		}
	}
}

func (s *stream) writeMessage(msgType int, data []byte) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(msgType, data)
}
