// Package notify pushes persistence events to subscribed UI clients so the
// "saved locally, will sync later" notice can render without polling.
package notify

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// EventKind identifies what happened to a record.
type EventKind string

const (
	// EventFallbackCommit: a save landed in the local fallback store.
	EventFallbackCommit EventKind = "committed_fallback"
	// EventReplaySynced: a fallback record was replayed to the remote store.
	EventReplaySynced EventKind = "replay_synced"
	// EventSaveFailed: a save was persisted nowhere; the UI must warn.
	EventSaveFailed EventKind = "save_failed"
)

// Event is one persistence notification.
type Event struct {
	Kind         EventKind `json:"kind"`
	UserID       string    `json:"user_id"`
	SessionID    string    `json:"session_id,omitempty"`
	ExerciseType string    `json:"exercise_type,omitempty"`
	Message      string    `json:"message,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Allow all origins for development; restrict in production.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type subscriber struct {
	userID string
	send   chan []byte
}

// Hub fans persistence events out to websocket subscribers. Safe for
// concurrent Publish calls; slow clients drop events rather than block a
// save.
type Hub struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[*subscriber]struct{})}
}

// ServeWS upgrades the request and streams events until the client leaves.
// An optional user_id query parameter filters events to that user.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "tag", "notify", "error", err)
		return
	}
	sub := &subscriber{
		userID: r.URL.Query().Get("user_id"),
		send:   make(chan []byte, 16),
	}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	total := len(h.subs)
	h.mu.Unlock()
	slog.Info("notify client connected", "tag", "notify", "total", total)

	// Reader: only used to detect the client going away.
	go func() {
		defer h.drop(sub)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for msg := range sub.send {
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			break
		}
	}
	conn.Close()
	h.drop(sub)
}

func (h *Hub) drop(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.send)
	}
}

// Publish sends the event to matching subscribers. Never blocks: if a
// client's buffer is full the event is skipped for that client.
func (h *Hub) Publish(ev Event) {
	if h == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("encode event", "tag", "notify", "error", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if sub.userID != "" && sub.userID != ev.UserID {
			continue
		}
		select {
		case sub.send <- data:
		default:
		}
	}
}
