package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/datatrac/datatrac-sync/internal/platform/logger"
	"github.com/datatrac/datatrac-sync/internal/sync/adapters/eventbus"
)

// upgrader matches the teacher's gateway/handlers.websocket.go defaults;
// origin checking is left to an upstream reverse proxy / auth middleware.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// writeWait bounds a single frame write so a stalled client cannot pin a
// goroutine forever.
const writeWait = 10 * time.Second

// StreamHandler serves the Event Stream surface (spec.md §6.2): a
// subscriber provides a taskId and receives progress/log/error events.
type StreamHandler struct {
	bus    *eventbus.Bus
	logger logger.Logger
}

// NewStreamHandler constructs a StreamHandler.
func NewStreamHandler(bus *eventbus.Bus, log logger.Logger) *StreamHandler {
	return &StreamHandler{bus: bus, logger: log}
}

// RegisterRoutes mounts the stream routes on router.
func (h *StreamHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/tasks/{id}/stream", h.Stream).Methods("GET")
	router.HandleFunc("/tasks/{id}/stream/sse", h.StreamSSE).Methods("GET")
}

// Stream upgrades the connection and relays taskId's events until the
// client disconnects or the server shuts the connection down.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["id"]

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err, "task_id", taskID)
		return
	}
	defer conn.Close()

	events, cancel := h.bus.Subscribe(taskID)
	defer cancel()

	// Detect client-initiated close without blocking the write loop.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}

// StreamSSE relays taskId's events as a chunked text/event-stream, for
// clients that can't hold a websocket open (plain curl, some browser
// proxies). Each event is one "data: <json>\n\n" frame, flushed
// immediately so it reaches the client without buffering.
func (h *StreamHandler) StreamSSE(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["id"]

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.logger.Error("response writer does not support flushing", "task_id", taskID)
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, cancel := h.bus.Subscribe(taskID)
	defer cancel()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if _, err := w.Write([]byte("data: ")); err != nil {
				return
			}
			if _, err := w.Write(payload); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
