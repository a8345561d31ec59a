// Package identity provides the anonymous device identity and the signed-in
// user identity carried by cookies.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DeviceCookieName = "ha_device"
	UserCookieName   = "ha_user"

	deviceCookieMaxAge = 365 * 24 * time.Hour
	userCookieMaxAge   = 30 * 24 * time.Hour
)

type contextKey int

const (
	deviceIDKey contextKey = iota
	userIDKey
)

var deviceIDPattern = regexp.MustCompile(`^dev_[a-f0-9]{32}$`)

// userNamespace derives stable user ids from e-mail addresses.
var userNamespace = uuid.MustParse("6f1c3f5e-8a4d-4c1b-9a60-52f1d4b1e7a3")

// DeviceIDFromContext returns the anonymous device id of the request.
func DeviceIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(deviceIDKey).(string); ok {
		return v
	}
	return ""
}

// UserIDFromContext returns the signed-in user id, or "" for anonymous requests.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// WithUserID returns a context carrying userID as the signed-in user.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// WithDeviceID returns a context carrying deviceID.
func WithDeviceID(ctx context.Context, deviceID string) context.Context {
	return context.WithValue(ctx, deviceIDKey, deviceID)
}

// UserResolver answers "who is signed in" from the request context.
type UserResolver struct{}

// CurrentUserID returns the signed-in user id of ctx.
func (UserResolver) CurrentUserID(ctx context.Context) (string, bool) {
	id := UserIDFromContext(ctx)
	return id, id != ""
}

// NewUserID returns the id for a user signing in with email. The same address
// always maps to the same id; an empty address gets a fresh one.
func NewUserID(email string) string {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return uuid.NewString()
	}
	return uuid.NewSHA1(userNamespace, []byte(email)).String()
}

func generateDeviceID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate device id: %w", err)
	}
	return "dev_" + hex.EncodeToString(buf), nil
}

func isValidDeviceID(id string) bool {
	return deviceIDPattern.MatchString(id)
}

func isValidUserID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func setCookie(w http.ResponseWriter, name, value string, maxAge time.Duration, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(maxAge.Seconds()),
		Expires:  time.Now().Add(maxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

func getOrCreateDeviceID(w http.ResponseWriter, r *http.Request, isDev bool) (string, error) {
	if c, err := r.Cookie(DeviceCookieName); err == nil && isValidDeviceID(c.Value) {
		setCookie(w, DeviceCookieName, c.Value, deviceCookieMaxAge, isDev)
		return c.Value, nil
	}

	id, err := generateDeviceID()
	if err != nil {
		return "", err
	}
	setCookie(w, DeviceCookieName, id, deviceCookieMaxAge, isDev)
	return id, nil
}

// SetUserCookie marks the browser as signed in as userID.
func SetUserCookie(w http.ResponseWriter, userID string, isDev bool) {
	setCookie(w, UserCookieName, userID, userCookieMaxAge, isDev)
}

// ClearUserCookie signs the browser out.
func ClearUserCookie(w http.ResponseWriter, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     UserCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

// Middleware injects the device id (issuing a cookie when missing) and the
// signed-in user id, if the request carries a well-formed user cookie.
func Middleware(isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			deviceID, err := getOrCreateDeviceID(w, r, isDev)
			if err != nil {
				http.Error(w, `{"error":"failed to establish device identity"}`, http.StatusInternalServerError)
				return
			}

			ctx := WithDeviceID(r.Context(), deviceID)
			if c, err := r.Cookie(UserCookieName); err == nil && isValidUserID(c.Value) {
				ctx = WithUserID(ctx, c.Value)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IPFromRequest returns a normalized remote IP for request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
