package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/lei/simple-analytics/internal/models"
)

const wsWriteWait = 10 * time.Second

// encodeSSE renders one event as a server-sent events frame
func encodeSSE(event models.JobEvent) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(len(data) + 8)
	buf.WriteString("data: ")
	buf.Write(data)
	buf.WriteString("\n\n")
	return buf.Bytes(), nil
}

var keepaliveFrame = []byte(": keepalive\n\n")

// StreamEvents handles GET /v2/jobs/{job_id}/stream?t=<token>
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	logger := GetLogger(r.Context())
	jobID := chi.URLParam(r, "job_id")

	filter, err := ParseEventFilter(r.URL.Query().Get("types"))
	if err != nil {
		respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		if logger != nil {
			logger.Error("streaming not supported by response writer")
		}
		respondError(w, r, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// nothing is written until the token has been checked
	sub, err := h.service.OpenStream(r.Context(), jobID, r.URL.Query().Get("t"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	defer sub.Close()

	// long-lived stream; lift the server write timeout for this response
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) && logger != nil {
		logger.Debug("could not clear write deadline", "error", err)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if logger != nil {
		logger.Info("event stream opened", "job_id", jobID)
	}

	ticker := time.NewTicker(h.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			if logger != nil {
				logger.Debug("event stream client gone", "job_id", jobID)
			}
			return

		case event, ok := <-sub.Events():
			if !ok {
				if logger != nil {
					logger.Warn("event stream dropped", "job_id", jobID, "slow_subscriber", sub.Dropped())
				}
				return
			}
			if !filter.Allow(event) {
				continue
			}
			frame, err := encodeSSE(event)
			if err != nil {
				if logger != nil {
					logger.Error("encode event failed", "job_id", jobID, "error", err)
				}
				continue
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
			if event.Type.Terminal() {
				if logger != nil {
					logger.Info("event stream completed", "job_id", jobID, "type", event.Type)
				}
				return
			}

		case <-ticker.C:
			if _, err := w.Write(keepaliveFrame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// StreamWebSocket handles GET /v2/jobs/{job_id}/ws?t=<token>
func (h *Handlers) StreamWebSocket(w http.ResponseWriter, r *http.Request) {
	logger := GetLogger(r.Context())
	jobID := chi.URLParam(r, "job_id")

	filter, err := ParseEventFilter(r.URL.Query().Get("types"))
	if err != nil {
		respondError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	sub, err := h.service.OpenStream(r.Context(), jobID, r.URL.Query().Get("t"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	defer sub.Close()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already written an error response
		if logger != nil {
			logger.Warn("websocket upgrade failed", "job_id", jobID, "error", err)
		}
		return
	}
	defer conn.Close()

	// reads only serve to notice the client going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-gone:
			if logger != nil {
				logger.Debug("websocket client gone", "job_id", jobID)
			}
			return

		case event, ok := <-sub.Events():
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "subscriber too slow"),
					time.Now().Add(wsWriteWait))
				return
			}
			if !filter.Allow(event) {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
			if event.Type.Terminal() {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(event.Type)),
					time.Now().Add(wsWriteWait))
				return
			}

		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
