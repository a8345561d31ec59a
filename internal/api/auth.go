package api

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/holyanswers/holyanswers/internal/domain"
	"github.com/holyanswers/holyanswers/internal/identity"
)

const maxDisplayNameRunes = 64

// GetMe returns the device and, when signed in, the user.
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := map[string]interface{}{
		"device_id": identity.DeviceIDFromContext(ctx),
		"signed_in": false,
	}

	if userID := identity.UserIDFromContext(ctx); userID != "" {
		user, err := h.Users.GetUser(ctx, userID)
		if err != nil {
			slog.Error("failed to load user", "user_id", userID, "error", err)
			Error(w, http.StatusInternalServerError, "failed to load user")
			return
		}
		if user != nil {
			resp["signed_in"] = true
			resp["user"] = user
		}
	}
	JSON(w, http.StatusOK, resp)
}

// GetConfig returns the settings the frontend needs.
func (h *Handler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]interface{}{
		"demo_message_cap": h.Counter.Max(),
		"ai_enabled":       h.Agent != nil,
	}
	if h.cfg != nil {
		resp["ai_backend"] = h.cfg.AI.Backend
		resp["cancel_policy"] = h.cfg.Chat.CancelPolicy
	}
	JSON(w, http.StatusOK, resp)
}

type signInRequest struct {
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
}

// SignIn creates or loads the user, opens their sessions and sets the user cookie.
func (h *Handler) SignIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	req.DisplayName = strings.TrimSpace(req.DisplayName)
	if req.Email != "" && !strings.Contains(req.Email, "@") {
		Error(w, http.StatusBadRequest, "invalid email")
		return
	}
	if runes := []rune(req.DisplayName); len(runes) > maxDisplayNameRunes {
		req.DisplayName = string(runes[:maxDisplayNameRunes])
	}

	ctx := r.Context()
	userID := identity.UserIDFromContext(ctx)
	if req.Email != "" || userID == "" {
		userID = identity.NewUserID(req.Email)
	}

	// One sign-in at a time per user.
	lock, _ := h.signInLocks.LoadOrStore(userID, &sync.Mutex{})
	mutex := lock.(*sync.Mutex)
	if !mutex.TryLock() {
		Error(w, http.StatusConflict, "sign_in_in_progress")
		return
	}
	defer func() {
		mutex.Unlock()
		h.signInLocks.Delete(userID)
	}()

	user, err := h.Users.GetUser(ctx, userID)
	if err != nil {
		slog.Error("failed to load user", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load user")
		return
	}
	now := time.Now().UTC()
	if user == nil {
		user = &domain.User{UserID: userID, CreatedAt: now}
	}
	if req.DisplayName != "" {
		user.DisplayName = req.DisplayName
	}
	if user.DisplayName == "" {
		user.DisplayName = "Guest"
	}
	if req.Email != "" {
		user.Email = req.Email
	}
	user.LastSeenAt = now
	user.UpdatedAt = now
	if err := h.Users.UpsertUser(ctx, user); err != nil {
		slog.Error("failed to save user", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to save user")
		return
	}

	st, err := h.Registry.SignIn(ctx, userID)
	if err != nil {
		slog.Error("failed to open session store", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to open sessions")
		return
	}

	identity.SetUserCookie(w, userID, h.isDevelopment())
	slog.Info("user signed in", "user_id", userID, "sessions", st.Len())
	JSON(w, http.StatusOK, map[string]interface{}{
		"user":       user,
		"sessions":   st.List(),
		"current_id": st.CurrentID(),
	})
}

// SignOut stops the user's running answers, closes their sessions and clears the cookie.
func (h *Handler) SignOut(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	identity.ClearUserCookie(w, h.isDevelopment())
	if userID == "" {
		JSON(w, http.StatusOK, map[string]string{"status": "signed_out"})
		return
	}

	cancelled := h.Chat.CancelUser(userID)
	h.Registry.SignOut(userID)
	if h.Hub != nil {
		h.Hub.Prune(userID)
	}
	if h.OnSignOut != nil {
		h.OnSignOut(userID)
	}

	slog.Info("user signed out", "user_id", userID, "cancelled_turns", cancelled)
	JSON(w, http.StatusOK, map[string]string{"status": "signed_out"})
}
