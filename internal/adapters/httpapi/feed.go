package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/studymate-app/studymate/internal/core"
	"github.com/studymate-app/studymate/internal/domain"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

var errFeedBackpressure = errors.New("feed backpressure")

// feedConn is one websocket subscriber of a session's snapshot stream.
type feedConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *feedConn) TrySend(b []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- b:
	default:
		return errFeedBackpressure
	}
	return nil
}

func (c *feedConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

type feedEvent struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Session *domain.Session `json:"session,omitempty"`
}

// HandleFeed upgrades to a websocket, pushes one event per observed
// snapshot, and accepts page/note commands from the client.
func (h *Handlers) HandleFeed(ctx context.Context, c *gin.Context) {
	id := domain.SessionID(c.Param("id"))

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "httpapi.feed").Msg("ws upgrade")
		return
	}

	conn := &feedConn{
		conn: ws,
		send: make(chan []byte, 8),
	}

	ctx, cancel := context.WithCancel(ctx)
	unsubscribe, err := h.Store.Subscribe(ctx, id, func(snap core.Snapshot) {
		if !snap.Exists {
			return
		}
		b, err := json.Marshal(feedEvent{Type: "snapshot", ID: string(id), Session: snap.Session})
		if err != nil {
			log.Error().Err(err).Str("module", "httpapi.feed").Msg("encode snapshot")
			return
		}
		if err := conn.TrySend(b); err != nil {
			// Slow consumer: this snapshot is dropped, the next one carries
			// the full state again.
			log.Warn().Str("module", "httpapi.feed").Str("session", string(id)).Msg("snapshot dropped")
		}
	})
	if err != nil {
		log.Error().Err(err).Str("module", "httpapi.feed").Msg("subscribe")
		cancel()
		conn.Close()
		return
	}

	log.Info().Str("module", "httpapi.feed").Str("session", string(id)).Msg("feed connected")

	go h.writePump(ctx, conn)
	go h.readPump(ctx, cancel, unsubscribe, id, conn)
}

func (h *Handlers) writePump(ctx context.Context, c *feedConn) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "httpapi.feed").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "httpapi.feed").Msg("writePump write error")
				return
			}
		}
	}
}

func (h *Handlers) readPump(ctx context.Context, cancel context.CancelFunc, unsubscribe func(), id domain.SessionID, c *feedConn) {
	defer func() {
		log.Info().Str("module", "httpapi.feed").Str("session", string(id)).Msg("feed closing")
		unsubscribe()
		cancel()
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				return
			}
			h.handleFeedMessage(ctx, id, c, data)
		}
	}
}

func (h *Handlers) handleFeedMessage(ctx context.Context, id domain.SessionID, c *feedConn, data []byte) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "httpapi.feed").Msg("bad json")
		return
	}

	switch env.Type {
	case "page":
		var p struct {
			PageNumber int `json:"pageNumber"`
		}
		if err := json.Unmarshal(data, &p); err != nil {
			log.Error().Err(err).Str("module", "httpapi.feed").Msg("bad page payload")
			return
		}
		page := domain.ClampPage(p.PageNumber)
		if err := h.Store.Merge(ctx, id, map[string]any{domain.FieldPageNumber: page}); err != nil {
			log.Error().Err(err).Str("module", "httpapi.feed").Msg("set page")
		}
	case "note":
		var p struct {
			Page int    `json:"page"`
			Text string `json:"text"`
		}
		if err := json.Unmarshal(data, &p); err != nil {
			log.Error().Err(err).Str("module", "httpapi.feed").Msg("bad note payload")
			return
		}
		page := domain.ClampPage(p.Page)
		if err := h.Store.Merge(ctx, id, map[string]any{domain.NoteField(page): p.Text}); err != nil {
			log.Error().Err(err).Str("module", "httpapi.feed").Msg("set note")
		}
	case "ping":
		_ = c.TrySend([]byte(`{"type":"pong"}`))
	default:
		log.Warn().Str("module", "httpapi.feed").Str("type", env.Type).Msg("unknown feed message")
	}
}
