package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
)

const broadcastInterval = 2 * time.Second

// hub manages WebSocket clients and periodically broadcasts Snapshot updates.
type hub struct {
	snapshot func() Snapshot
	logger   zerolog.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

type wsClient struct {
	conn *websocket.Conn
	done chan struct{}
}

func newHub(snapshot func() Snapshot, logger zerolog.Logger) *hub {
	return &hub{
		snapshot: snapshot,
		logger:   logger.With().Str("component", "ws-hub").Logger(),
		clients:  make(map[*wsClient]struct{}),
	}
}

func (h *hub) start(ctx context.Context) {
	ticker := time.NewTicker(broadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-ticker.C:
			h.broadcast(ctx, h.snapshot())
		}
	}
}

func (h *hub) broadcast(ctx context.Context, snap Snapshot) {
	h.mu.Lock()
	if len(h.clients) == 0 {
		h.mu.Unlock()
		return
	}
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	payload, err := json.Marshal(snap)
	if err != nil {
		h.logger.Err(err).Msg("marshal snapshot")
		return
	}

	for _, c := range clients {
		writeCtx, cancel := context.WithTimeout(ctx, time.Second)
		err := c.conn.Write(writeCtx, websocket.MessageText, payload)
		cancel()
		if err != nil {
			h.remove(c)
		}
	}
}

func (h *hub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Err(err).Msg("websocket accept failed")
		return
	}

	c := &wsClient{conn: conn, done: make(chan struct{})}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	h.logger.Debug().Msg("websocket client connected")

	// Hold the connection open; reads only surface client disconnects.
	go func() {
		defer h.remove(c)
		for {
			if _, _, err := conn.Read(r.Context()); err != nil {
				return
			}
		}
	}()

	<-c.done
}

func (h *hub) remove(c *wsClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
	}
	h.mu.Unlock()
	if ok {
		_ = c.conn.Close(websocket.StatusNormalClosure, "")
		close(c.done)
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		h.remove(c)
	}
}
