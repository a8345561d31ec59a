package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func serve(t *testing.T, req *http.Request) (*httptest.ResponseRecorder, context.Context) {
	t.Helper()
	var got context.Context
	h := Middleware(true)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got = r.Context()
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w, got
}

func TestMiddlewareIssuesDeviceCookie(t *testing.T) {
	w, ctx := serve(t, httptest.NewRequest(http.MethodGet, "/", nil))

	deviceID := DeviceIDFromContext(ctx)
	if !isValidDeviceID(deviceID) {
		t.Fatalf("invalid device id %q", deviceID)
	}
	var found bool
	for _, c := range w.Result().Cookies() {
		if c.Name == DeviceCookieName && c.Value == deviceID {
			found = true
		}
	}
	if !found {
		t.Fatal("device cookie not set")
	}
	if id, ok := (UserResolver{}).CurrentUserID(ctx); ok || id != "" {
		t.Fatalf("expected anonymous request, got %q", id)
	}
}

func TestMiddlewareKeepsDeviceAndReadsUser(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: DeviceCookieName, Value: "dev_0123456789abcdef0123456789abcdef"})
	userID := NewUserID("ruth@example.com")
	req.AddCookie(&http.Cookie{Name: UserCookieName, Value: userID})

	_, ctx := serve(t, req)
	if got := DeviceIDFromContext(ctx); got != "dev_0123456789abcdef0123456789abcdef" {
		t.Fatalf("device id changed: %q", got)
	}
	if got, ok := (UserResolver{}).CurrentUserID(ctx); !ok || got != userID {
		t.Fatalf("expected user %q, got %q", userID, got)
	}
}

func TestMiddlewareIgnoresMalformedUserCookie(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: UserCookieName, Value: "../../etc/passwd"})

	_, ctx := serve(t, req)
	if got := UserIDFromContext(ctx); got != "" {
		t.Fatalf("expected no user, got %q", got)
	}
}

func TestNewUserIDIsStablePerEmail(t *testing.T) {
	a := NewUserID(" Ruth@Example.com ")
	b := NewUserID("ruth@example.com")
	if a != b {
		t.Fatalf("expected stable id, got %q and %q", a, b)
	}
	if NewUserID("") == NewUserID("") {
		t.Fatal("anonymous sign-ins must get distinct ids")
	}
}

func TestClearUserCookieExpires(t *testing.T) {
	w := httptest.NewRecorder()
	ClearUserCookie(w, true)
	cookies := w.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != UserCookieName || cookies[0].MaxAge >= 0 {
		t.Fatalf("unexpected cookies %+v", cookies)
	}
}
