package gateway

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/sanjeevm-dev/cua-browser/pkg/store"
)

const (
	streamWriteTimeout = 10 * time.Second
	streamSendBuffer   = 32
)

// StreamEvent is one live step-log frame pushed to watchers
type StreamEvent struct {
	Type        string `json:"type"`
	SessionID   string `json:"sessionId"`
	Step        int    `json:"step"`
	CallID      string `json:"callId,omitempty"`
	Instruction string `json:"instruction,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

type subscriber struct {
	send chan []byte
}

// StreamHub fans step-log events out to websocket watchers per session
type StreamHub struct {
	upgrader    websocket.Upgrader
	subscribers map[string]map[*subscriber]struct{}
	mu          sync.RWMutex
	logger      zerolog.Logger
}

// NewStreamHub creates a hub
func NewStreamHub(logger zerolog.Logger) *StreamHub {
	return &StreamHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		subscribers: make(map[string]map[*subscriber]struct{}),
		logger:      logger,
	}
}

// Publish pushes a step-log entry to every watcher of its session. Slow
// watchers get dropped frames rather than blocking the step loop.
func (h *StreamHub) Publish(sessionID string, entry *store.StepLogEntry) {
	h.mu.RLock()
	subs := h.subscribers[sessionID]
	h.mu.RUnlock()
	if len(subs) == 0 {
		return
	}

	payload, err := json.Marshal(StreamEvent{
		Type:        "step",
		SessionID:   sessionID,
		Step:        entry.Step,
		CallID:      entry.CallID,
		Instruction: entry.Instruction,
		Timestamp:   entry.CreatedAt.UnixMilli(),
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to marshal stream event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subscribers[sessionID] {
		select {
		case sub.send <- payload:
		default:
		}
	}
}

// Serve upgrades the request and streams session events until the client
// disconnects
func (h *StreamHub) Serve(w http.ResponseWriter, r *http.Request, sessionID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	sub := &subscriber{send: make(chan []byte, streamSendBuffer)}
	h.register(sessionID, sub)
	defer func() {
		h.unregister(sessionID, sub)
		conn.Close()
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// the client sends nothing meaningful, reads only surface disconnects
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case payload := <-sub.send:
			conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (h *StreamHub) register(sessionID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subscribers[sessionID] == nil {
		h.subscribers[sessionID] = make(map[*subscriber]struct{})
	}
	h.subscribers[sessionID][sub] = struct{}{}
}

func (h *StreamHub) unregister(sessionID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subscribers[sessionID], sub)
	if len(h.subscribers[sessionID]) == 0 {
		delete(h.subscribers, sessionID)
	}
}
