package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaypilot/relaypilot/pkg/log"
)

const wsWriteTimeout = 10 * time.Second

// wsClient wraps a connection with a write mutex since gorilla connections
// allow only one concurrent writer.
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// handleWS upgrades the connection and streams status snapshots until the
// client goes away. The first snapshot is sent immediately.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "websocket upgrade failed", slog.Any("error", err))
		return
	}
	client := &wsClient{conn: conn}
	s.clients.Store(client, struct{}{})
	log.Ctx(ctx).DebugContext(ctx, "websocket client connected")

	if status := s.controller.Status(); status != nil {
		if data, err := json.Marshal(status); err == nil {
			if err := client.write(data); err != nil {
				log.Ctx(ctx).DebugContext(ctx, "initial snapshot write failed", slog.Any("error", err))
			}
		}
	}

	defer func() {
		s.clients.Delete(client)
		conn.Close()
		log.Ctx(ctx).DebugContext(ctx, "websocket client disconnected")
	}()

	// Drain control frames and client messages; any read error ends the
	// connection.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Ctx(ctx).DebugContext(ctx, "websocket read error", slog.Any("error", err))
			}
			return
		}
	}
}

// broadcastSnapshots pushes the controller snapshot to every client whenever a
// new tick has published one.
func (s *Server) broadcastSnapshots(ctx context.Context) {
	ticker := time.NewTicker(s.wsInterval)
	defer ticker.Stop()

	var lastTaken time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		status := s.controller.Status()
		if status == nil || !status.Taken.After(lastTaken) {
			continue
		}
		lastTaken = status.Taken

		hasClients := false
		s.clients.Range(func(key, value any) bool {
			hasClients = true
			return false
		})
		if !hasClients {
			continue
		}

		data, err := json.Marshal(status)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to marshal status snapshot", slog.Any("error", err))
			continue
		}
		s.clients.Range(func(key, value any) bool {
			client := key.(*wsClient)
			if err := client.write(data); err != nil {
				client.conn.Close()
				s.clients.Delete(client)
			}
			return true
		})
	}
}

// closeClients force-closes every open WebSocket, used during shutdown.
func (s *Server) closeClients() {
	s.clients.Range(func(key, value any) bool {
		key.(*wsClient).conn.Close()
		s.clients.Delete(key)
		return true
	})
}
