package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/opsdeck/pulse/internal/metrics"
	"github.com/opsdeck/pulse/internal/stream"
)

// StreamHandler serves the live notification stream over SSE. Frames are
// `data: <JSON>\n\n`: a connected frame on open, a ping every heartbeat
// interval, and notification bodies as they are dispatched.
type StreamHandler struct {
	registry  *stream.Registry
	heartbeat time.Duration
	logger    *zap.Logger
}

// NewStreamHandler creates the SSE handler.
func NewStreamHandler(registry *stream.Registry, heartbeat time.Duration, logger *zap.Logger) *StreamHandler {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}

	return &StreamHandler{
		registry:  registry,
		heartbeat: heartbeat,
		logger:    logger,
	}
}

// Stream handles GET /v1/stream. The handler returns - tearing the
// connection down through a single exit path - on client abort, any write
// failure, or supersession by a newer connection from the same user.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	userID, ok := CurrentUser(r)
	if !ok {
		writeUnauthorized(w, "")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// The server's write timeout would kill a long-lived stream.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		h.logger.Debug("could not clear write deadline", zap.Error(err))
	}

	conn := h.registry.Register(userID)
	metrics.SetLiveConnections(h.registry.Len())
	defer func() {
		// No-op when this connection was superseded and no longer owns
		// the registry entry.
		h.registry.Unregister(userID, conn)
		metrics.SetLiveConnections(h.registry.Len())
	}()

	connected, _ := json.Marshal(map[string]string{
		"type":   "connected",
		"userId": userID.String(),
	})
	if err := writeFrame(w, flusher, connected); err != nil {
		return
	}

	ping, _ := json.Marshal(map[string]string{"type": "ping"})

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case <-ticker.C:
			if err := writeFrame(w, flusher, ping); err != nil {
				h.logger.Debug("heartbeat write failed, closing stream",
					zap.String("user_id", userID.String()),
				)
				return
			}

		case event, open := <-conn.Events():
			if !open {
				// Superseded by a newer connection for this user.
				return
			}
			if err := writeFrame(w, flusher, event); err != nil {
				h.logger.Debug("event write failed, closing stream",
					zap.String("user_id", userID.String()),
				)
				return
			}
		}
	}
}

func writeFrame(w http.ResponseWriter, flusher http.Flusher, payload []byte) error {
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
