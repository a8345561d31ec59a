// Package api provides HTTP handlers for the HolyAnswers API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/holyanswers/holyanswers/internal/chat"
	"github.com/holyanswers/holyanswers/internal/config"
	"github.com/holyanswers/holyanswers/internal/counter"
	"github.com/holyanswers/holyanswers/internal/domain"
	"github.com/holyanswers/holyanswers/internal/hub"
	"github.com/holyanswers/holyanswers/internal/identity"
	"github.com/holyanswers/holyanswers/internal/kv"
	"github.com/holyanswers/holyanswers/internal/session"
)

// defaultMaxRequestBodySize is used when no configuration is supplied.
const defaultMaxRequestBodySize = 1 << 20

// UserRepository is the slice of the store the handlers need.
type UserRepository interface {
	GetUser(ctx context.Context, userID string) (*domain.User, error)
	UpsertUser(ctx context.Context, user *domain.User) error
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error
	Ping(ctx context.Context) error
}

// HealthChecker reports AI backend readiness.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Deps are the collaborators of a Handler. Agent and OnSignOut are optional.
type Deps struct {
	Users    UserRepository
	Registry *session.Registry
	Chat     *chat.Orchestrator
	Counter  *counter.Counter
	Prefs    kv.Store
	Hub      *hub.Hub
	Agent    HealthChecker
	// OnSignOut runs after a user's turns and store are torn down.
	OnSignOut func(userID string)
}

// Handler serves the JSON and SSE API.
type Handler struct {
	Deps
	cfg         *config.Config
	limiter     *RateLimiter
	signInLocks sync.Map
}

// NewHandler creates a Handler. cfg may be nil, in which case defaults apply.
func NewHandler(deps Deps, cfg *config.Config) *Handler {
	requests, window := 10, time.Minute
	if cfg != nil {
		requests, window = cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration
	}
	return &Handler{
		Deps:    deps,
		cfg:     cfg,
		limiter: NewRateLimiter(requests, window),
	}
}

// RegisterRoutes registers all API routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.Health)
	r.Route("/api", func(r chi.Router) {
		r.Get("/me", h.GetMe)
		r.Get("/config", h.GetConfig)

		r.Post("/auth/sign-in", h.SignIn)
		r.Post("/auth/sign-out", h.SignOut)

		r.Get("/sessions", h.ListSessions)
		r.Post("/sessions", h.CreateSession)
		r.Get("/sessions/{id}", h.GetSession)
		r.Put("/sessions/{id}/select", h.SelectSession)
		r.Delete("/sessions/{id}", h.DeleteSession)

		r.Post("/chat", h.HandleChat)
		r.Post("/chat/stop", h.HandleStop)
		r.Get("/stream", h.HandleStream)

		r.Get("/counter", h.GetCounter)
		r.Post("/counter/reset", h.ResetCounter)
		r.Get("/preferences/theme", h.GetTheme)
		r.Put("/preferences/theme", h.PutTheme)
	})
}

// Close stops background work owned by the handler.
func (h *Handler) Close() {
	h.limiter.Stop()
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

func (h *Handler) isDevelopment() bool {
	return h.cfg == nil || h.cfg.IsDevelopment()
}

func (h *Handler) maxBodySize() int64 {
	if h.cfg != nil && h.cfg.SSE.MaxRequestBodySize > 0 {
		return h.cfg.SSE.MaxRequestBodySize
	}
	return defaultMaxRequestBodySize
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize())
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// requireStore resolves the signed-in user's session store, reopening it
// from persistence when the server restarted or the idle sweeper closed it.
func (h *Handler) requireStore(w http.ResponseWriter, r *http.Request) (string, *session.Store, bool) {
	ctx := r.Context()
	userID := identity.UserIDFromContext(ctx)
	if userID == "" {
		Error(w, http.StatusUnauthorized, "not signed in")
		return "", nil, false
	}
	if st, ok := h.Registry.Lookup(userID); ok {
		return userID, st, true
	}

	user, err := h.Users.GetUser(ctx, userID)
	if err != nil {
		slog.Error("failed to load user", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load user")
		return "", nil, false
	}
	if user == nil {
		Error(w, http.StatusUnauthorized, "user not found")
		return "", nil, false
	}
	st, err := h.Registry.SignIn(ctx, userID)
	if err != nil {
		slog.Error("failed to reopen session store", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to open sessions")
		return "", nil, false
	}
	h.touch(ctx, userID)
	return userID, st, true
}

func (h *Handler) touch(ctx context.Context, userID string) {
	if err := h.Users.UpdateLastSeen(ctx, userID, time.Now().UTC()); err != nil {
		slog.Warn("failed to update last seen", "user_id", userID, "error", err)
	}
}
