package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/young-artisan/storefront-chat/internal/middleware"
	"github.com/young-artisan/storefront-chat/internal/model"
	"github.com/young-artisan/storefront-chat/pkg/metrics"
)

// Stream handles GET /api/v1/chat/stream. It sends a state event on connect
// and after every change, and a heartbeat while idle.
func (h *ChatHandler) Stream(heartbeatInterval time.Duration) http.HandlerFunc {
	if heartbeatInterval <= 0 {
		heartbeatInterval = 30 * time.Second
	}

	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		actor, ok := middleware.GetActor(ctx)
		if !ok {
			writeError(w, http.StatusUnauthorized, "not authenticated")
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, http.StatusInternalServerError, "streaming not supported")
			return
		}

		m, release, err := h.sessions.Stream(actor)
		if err != nil {
			h.writeChatError(w, err)
			return
		}
		defer release()

		// The server write timeout would cut long-lived streams.
		_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

		changes := m.Watch(ctx)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

		metrics.IncrementSSEConnections()
		defer metrics.DecrementSSEConnections()

		if err := sendSSEEvent(w, flusher, "state", newView(m.State())); err != nil {
			return
		}

		heartbeat := time.NewTicker(heartbeatInterval)
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				h.logger.Debug("SSE client disconnected", zap.String("actor_id", actor.ID))
				return

			case _, ok := <-changes:
				if !ok {
					if ctx.Err() == nil {
						_ = sendSSEEvent(w, flusher, "error", &model.ErrorEvent{
							Code:    "session_closed",
							Message: "chat session ended",
						})
					}
					return
				}
				if err := sendSSEEvent(w, flusher, "state", newView(m.State())); err != nil {
					h.logger.Debug("SSE write failed", zap.Error(err))
					return
				}

			case <-heartbeat.C:
				if err := sendSSEEvent(w, flusher, "heartbeat", &model.HeartbeatEvent{
					Timestamp: time.Now().UTC(),
				}); err != nil {
					return
				}
			}
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
