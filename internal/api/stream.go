package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/holyanswers/holyanswers/internal/identity"
)

// HandleStream handles GET /api/stream, the per-user SSE feed of session,
// turn and counter events. Clients reconnecting with Last-Event-ID (or the
// lastEventId query parameter) get buffered events they missed.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	userID, st, ok := h.requireStore(w, r)
	if !ok {
		return
	}
	if h.Hub == nil {
		Error(w, http.StatusServiceUnavailable, "event stream disabled")
		return
	}

	lastEventID := int64(0)
	idHeader := r.Header.Get("Last-Event-ID")
	if idHeader == "" {
		idHeader = r.URL.Query().Get("lastEventId")
	}
	if idHeader != "" {
		if parsed, err := strconv.ParseInt(idHeader, 10, 64); err == nil {
			lastEventID = parsed
			slog.Info("SSE client reconnecting with Last-Event-ID", "user_id", userID, "last_event_id", lastEventID)
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ctx := r.Context()
	events, err := h.Hub.Subscribe(ctx, userID, lastEventID)
	if err != nil {
		slog.Error("failed to subscribe to events", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to subscribe")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if _, err := fmt.Fprintf(w, "retry: %d\n\n", h.retryDelay().Milliseconds()); err != nil {
		slog.Warn("failed to write SSE retry header", "user_id", userID, "error", err)
		return
	}

	// The snapshot lets a fresh tab render without a separate round trip.
	count, err := h.Counter.Get(ctx, identity.DeviceIDFromContext(ctx))
	if err != nil {
		slog.Warn("failed to read demo counter", "user_id", userID, "error", err)
	}
	snapshot, err := json.Marshal(map[string]interface{}{
		"sessions":   st.List(),
		"current_id": st.CurrentID(),
		"counter":    map[string]int{"count": count, "max": h.Counter.Max()},
	})
	if err != nil {
		slog.Warn("failed to marshal snapshot", "user_id", userID, "error", err)
		return
	}
	if err := writeSSE(w, "snapshot", string(snapshot)); err != nil {
		slog.Warn("failed to write SSE snapshot", "user_id", userID, "error", err)
		return
	}
	flusher.Flush()

	slog.Info("SSE connection established", "user_id", userID, "reconnect", lastEventID > 0)
	defer slog.Info("SSE connection closed", "user_id", userID)

	keepalive := time.NewTicker(h.keepaliveInterval())
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if err := writeSSE(w, "ping", `{"status":"alive"}`); err != nil {
				slog.Warn("failed to write SSE keepalive ping", "user_id", userID, "error", err)
				return
			}
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				slog.Warn("failed to marshal hub event", "user_id", userID, "event_id", ev.ID, "error", err)
				continue
			}
			if err := writeSSEWithID(w, ev.ID, ev.Type, string(data)); err != nil {
				slog.Warn("failed to write SSE event", "user_id", userID, "event_id", ev.ID, "error", err)
				return
			}
			flusher.Flush()
		}
	}
}
