package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/holyanswers/holyanswers/internal/chat"
	"github.com/holyanswers/holyanswers/internal/domain"
	"github.com/holyanswers/holyanswers/internal/hub"
	"github.com/holyanswers/holyanswers/internal/identity"
	"github.com/holyanswers/holyanswers/internal/session"
)

var tabIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// UserRepository is the slice of the store the handler needs.
type UserRepository interface {
	GetUser(ctx context.Context, userID string) (*domain.User, error)
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error
}

// Deps are the collaborators of a Handler. Hub is optional.
type Deps struct {
	Users    UserRepository
	Registry *session.Registry
	Chat     *chat.Orchestrator
	Hub      *hub.Hub
	Conns    *ConnManager
}

// Handler serves /ws/chat: questions and stop requests come in, turn
// progress and the user's hub events go out.
type Handler struct {
	Deps
	allowedOrigin string
	isDev         bool
}

// NewHandler creates a WebSocket chat handler.
func NewHandler(deps Deps, allowedOrigin string, isDev bool) *Handler {
	if deps.Conns == nil {
		deps.Conns = NewConnManager()
	}
	return &Handler{Deps: deps, allowedOrigin: allowedOrigin, isDev: isDev}
}

// inbound is a client message.
type inbound struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

// outbound is a server message.
type outbound struct {
	Type      string         `json:"type"`
	Turn      *chat.TurnView `json:"turn,omitempty"`
	Event     *hub.Event     `json:"event,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Cancelled *bool          `json:"cancelled,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := identity.UserIDFromContext(ctx)
	deviceID := identity.DeviceIDFromContext(ctx)
	if userID == "" {
		http.Error(w, `{"error":"not signed in"}`, http.StatusUnauthorized)
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	if err := h.ensureStore(ctx, userID); err != nil {
		slog.Warn("WebSocket rejected", "user_id", userID, "error", err)
		http.Error(w, `{"error":"user not found"}`, http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := conn.Close(websocket.StatusNormalClosure, "connection ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	tabID := r.URL.Query().Get("tab")
	if !tabIDPattern.MatchString(tabID) {
		tabID = uuid.NewString()
	}
	h.Conns.Register(userID, tabID, conn)
	defer h.Conns.Unregister(userID, tabID, conn)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if h.Hub != nil {
		events, err := h.Hub.Subscribe(ctx, userID, 0)
		if err != nil {
			slog.Warn("Failed to subscribe chat connection to events", "user_id", userID, "error", err)
		} else {
			go h.forwardEvents(ctx, conn, events)
		}
	}

	h.readLoop(ctx, conn, userID, deviceID)
	slog.Info("Chat connection ended", "user_id", userID, "tab_id", tabID)
}

func (h *Handler) ensureStore(ctx context.Context, userID string) error {
	if _, ok := h.Registry.Lookup(userID); ok {
		return nil
	}
	user, err := h.Users.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if user == nil {
		return errors.New("unknown user")
	}
	_, err = h.Registry.SignIn(ctx, userID)
	return err
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, userID, deviceID string) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				slog.Debug("WebSocket closed by client", "user_id", userID)
			} else {
				slog.Warn("WebSocket read error", "error", err, "user_id", userID)
			}
			return
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			h.write(conn, outbound{Type: "error", Error: "invalid message"})
			continue
		}

		switch msg.Type {
		case "chat":
			h.submit(ctx, conn, userID, deviceID, msg)
		case "stop":
			sessionID := msg.SessionID
			if sessionID == "" {
				if st, ok := h.Registry.Lookup(userID); ok {
					sessionID = st.CurrentID()
				}
			}
			cancelled := h.Chat.Cancel(userID, sessionID)
			h.write(conn, outbound{Type: "stopped", SessionID: sessionID, Cancelled: &cancelled})
		case "ping":
			h.write(conn, outbound{Type: "pong"})
		default:
			h.write(conn, outbound{Type: "error", Error: "unknown message type"})
		}
	}
}

func (h *Handler) submit(ctx context.Context, conn *websocket.Conn, userID, deviceID string, msg inbound) {
	turn, err := h.Chat.Submit(ctx, chat.SubmitRequest{
		SessionID: msg.SessionID,
		Input:     msg.Content,
		DeviceID:  deviceID,
	})
	if err != nil {
		if !isRejection(err) {
			slog.Error("chat submit failed", "user_id", userID, "error", err)
		}
		h.write(conn, outbound{Type: "error", SessionID: msg.SessionID, Error: err.Error()})
		return
	}

	go func() {
		updateCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.Users.UpdateLastSeen(updateCtx, userID, time.Now().UTC()); err != nil {
			slog.Warn("Failed to update last seen", "error", err)
		}
	}()

	go func() {
		events, unsubscribe := turn.Subscribe()
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, open := <-events:
				if !open {
					return
				}
				view := ev.View()
				if err := h.write(conn, outbound{Type: "turn", Turn: &view}); err != nil {
					return
				}
			}
		}
	}()
}

func isRejection(err error) bool {
	return errors.Is(err, chat.ErrEmptyInput) ||
		errors.Is(err, chat.ErrTurnInFlight) ||
		errors.Is(err, chat.ErrDemoCapReached) ||
		errors.Is(err, chat.ErrNotSignedIn) ||
		errors.Is(err, chat.ErrSessionNotFound)
}

func (h *Handler) forwardEvents(ctx context.Context, conn *websocket.Conn, events <-chan hub.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			// Turn progress already flows to the tab that asked.
			if ev.Type == hub.TypeTurnUpdate {
				continue
			}
			if err := h.write(conn, outbound{Type: "event", Event: &ev}); err != nil {
				return
			}
		}
	}
}

func (h *Handler) write(conn *websocket.Conn, v outbound) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		slog.Debug("WebSocket write error", "error", err)
		return err
	}
	return nil
}
