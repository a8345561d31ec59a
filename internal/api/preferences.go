package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/holyanswers/holyanswers/internal/hub"
	"github.com/holyanswers/holyanswers/internal/identity"
	"github.com/holyanswers/holyanswers/internal/kv"
)

// Themes.
const (
	ThemeLight = "light"
	ThemeDark  = "dark"

	themeKeyPrefix = "theme:"
)

// GetCounter returns the device's demo counter.
func (h *Handler) GetCounter(w http.ResponseWriter, r *http.Request) {
	deviceID := identity.DeviceIDFromContext(r.Context())
	count, err := h.Counter.Get(r.Context(), deviceID)
	if err != nil {
		slog.Error("failed to read demo counter", "device_id", deviceID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to read counter")
		return
	}
	JSON(w, http.StatusOK, counterResponse(count, h.Counter.Max()))
}

// ResetCounter zeroes the device's demo counter.
func (h *Handler) ResetCounter(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	deviceID := identity.DeviceIDFromContext(ctx)
	if err := h.Counter.Reset(ctx, deviceID); err != nil {
		slog.Error("failed to reset demo counter", "device_id", deviceID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to reset counter")
		return
	}
	if userID := identity.UserIDFromContext(ctx); userID != "" && h.Hub != nil {
		h.publishCounter(ctx, userID, 0)
	}
	slog.Info("demo counter reset", "device_id", deviceID)
	JSON(w, http.StatusOK, counterResponse(0, h.Counter.Max()))
}

func counterResponse(count, limit int) map[string]interface{} {
	return map[string]interface{}{
		"count":     count,
		"max":       limit,
		"remaining": max(0, limit-count),
		"reached":   count >= limit,
	}
}

func (h *Handler) publishCounter(ctx context.Context, userID string, count int) {
	ev, err := hub.NewEvent(hub.TypeCounterUpdated, userID, "", map[string]int{"count": count, "max": h.Counter.Max()})
	if err == nil {
		err = h.Hub.Publish(ctx, ev)
	}
	if err != nil {
		slog.Warn("failed to publish counter event", "user_id", userID, "error", err)
	}
}

type themeRequest struct {
	Theme string `json:"theme"`
}

// GetTheme returns the device's theme, light when unset.
func (h *Handler) GetTheme(w http.ResponseWriter, r *http.Request) {
	deviceID := identity.DeviceIDFromContext(r.Context())
	theme, err := h.Prefs.Get(r.Context(), themeKeyPrefix+deviceID)
	if errors.Is(err, kv.ErrNotFound) || (err == nil && !validTheme(theme)) {
		theme, err = ThemeLight, nil
	}
	if err != nil {
		slog.Error("failed to read theme", "device_id", deviceID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to read theme")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"theme": theme})
}

// PutTheme stores the device's theme.
func (h *Handler) PutTheme(w http.ResponseWriter, r *http.Request) {
	var req themeRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !validTheme(req.Theme) {
		Error(w, http.StatusBadRequest, "theme must be light or dark")
		return
	}
	deviceID := identity.DeviceIDFromContext(r.Context())
	if err := h.Prefs.Set(r.Context(), themeKeyPrefix+deviceID, req.Theme); err != nil {
		slog.Error("failed to save theme", "device_id", deviceID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to save theme")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"theme": req.Theme})
}

func validTheme(theme string) bool {
	return theme == ThemeLight || theme == ThemeDark
}
