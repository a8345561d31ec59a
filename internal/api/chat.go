package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/holyanswers/holyanswers/internal/chat"
	"github.com/holyanswers/holyanswers/internal/identity"
)

type chatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// chatStatus maps orchestrator rejections to HTTP statuses.
func chatStatus(err error) (int, string) {
	switch {
	case errors.Is(err, chat.ErrEmptyInput):
		return http.StatusBadRequest, "message is required"
	case errors.Is(err, chat.ErrTurnInFlight):
		return http.StatusConflict, "an answer is already being generated"
	case errors.Is(err, chat.ErrDemoCapReached):
		return http.StatusTooManyRequests, "demo message limit reached"
	case errors.Is(err, chat.ErrNotSignedIn):
		return http.StatusUnauthorized, "not signed in"
	case errors.Is(err, chat.ErrSessionNotFound):
		return http.StatusNotFound, "session not found"
	default:
		return http.StatusInternalServerError, "failed to start chat"
	}
}

// HandleChat handles POST /api/chat. The answer streams back as SSE "turn"
// events, each carrying the whole answer so far. The turn keeps running if
// the client goes away; its result lands in the session either way.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := h.requireStore(w, r)
	if !ok {
		return
	}

	// Rate-limit by user only so rotating sessions cannot bypass throttling.
	if !h.limiter.Allow(userID) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req chatRequest
	if !h.decode(w, r, &req) {
		return
	}

	ctx := r.Context()
	turn, err := h.Chat.Submit(ctx, chat.SubmitRequest{
		SessionID: req.SessionID,
		Input:     req.Message,
		DeviceID:  identity.DeviceIDFromContext(ctx),
	})
	if err != nil {
		status, msg := chatStatus(err)
		if status == http.StatusInternalServerError {
			slog.Error("chat submit failed", "user_id", userID, "error", err)
		}
		Error(w, status, msg)
		return
	}
	h.touch(ctx, userID)

	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	started := fmt.Sprintf(`{"turn_id":%q,"session_id":%q,"message_id":%q,"request_id":%q}`,
		turn.ID, turn.SessionID, turn.MessageID, chiMiddleware.GetReqID(ctx))
	if err := writeSSE(w, "started", started); err != nil {
		slog.Warn("failed to write SSE started event", "turn_id", turn.ID, "error", err)
		return
	}
	flusher.Flush()

	events, unsubscribe := turn.Subscribe()
	defer unsubscribe()

	keepalive := time.NewTicker(h.keepaliveInterval())
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("chat client disconnected, turn continues", "user_id", userID, "turn_id", turn.ID)
			return
		case <-keepalive.C:
			if err := writeSSE(w, "ping", `{"status":"alive"}`); err != nil {
				return
			}
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				return
			}
			data, err := json.Marshal(ev.View())
			if err != nil {
				slog.Warn("failed to marshal turn event", "turn_id", turn.ID, "error", err)
				continue
			}
			if err := writeSSE(w, "turn", string(data)); err != nil {
				slog.Warn("failed to write SSE turn event", "turn_id", turn.ID, "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

type stopRequest struct {
	SessionID string `json:"session_id"`
}

// HandleStop cancels the running answer of a session (the current one when
// no session is named).
func (h *Handler) HandleStop(w http.ResponseWriter, r *http.Request) {
	userID, st, ok := h.requireStore(w, r)
	if !ok {
		return
	}
	var req stopRequest
	if r.ContentLength != 0 {
		if !h.decode(w, r, &req) {
			return
		}
	}
	if req.SessionID == "" {
		req.SessionID = st.CurrentID()
	}
	cancelled := h.Chat.Cancel(userID, req.SessionID)
	JSON(w, http.StatusOK, map[string]interface{}{
		"session_id": req.SessionID,
		"cancelled":  cancelled,
	})
}

func (h *Handler) keepaliveInterval() time.Duration {
	if h.cfg != nil && h.cfg.SSE.KeepaliveInterval > 0 {
		return h.cfg.SSE.KeepaliveInterval
	}
	return 10 * time.Second
}

func (h *Handler) retryDelay() time.Duration {
	if h.cfg != nil && h.cfg.SSE.RetryDelay > 0 {
		return h.cfg.SSE.RetryDelay
	}
	return 5 * time.Second
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id int64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
