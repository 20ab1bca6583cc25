package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const testSecret = "test-secret"

func signedToken(t *testing.T, subject string, expires time.Time) string {
	t.Helper()
	claims := &Claims{
		Username: "tester",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	return token
}

func identityProbe(t *testing.T, isDev bool, decorate func(*http.Request)) (*httptest.ResponseRecorder, string, string) {
	t.Helper()
	var userID, sessionID string
	handler := Middleware(testSecret, isDev)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID = UserIDFromContext(r.Context())
		sessionID = SessionIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	if decorate != nil {
		decorate(req)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w, userID, sessionID
}

func TestMiddlewareAcceptsBearerToken(t *testing.T) {
	token := signedToken(t, "user-42", time.Now().Add(time.Hour))
	w, userID, sessionID := identityProbe(t, false, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
		r.Header.Set(SessionHeaderName, "tab-7")
	})

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if userID != "user-42" {
		t.Errorf("Expected user-42, got %q", userID)
	}
	if sessionID != "tab-7" {
		t.Errorf("Expected tab-7, got %q", sessionID)
	}
}

func TestMiddlewareRejectsExpiredToken(t *testing.T) {
	token := signedToken(t, "user-42", time.Now().Add(-time.Hour))
	w, _, _ := identityProbe(t, false, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
	})

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 for expired token, got %d", w.Code)
	}
}

func TestMiddlewareRejectsMissingTokenInProduction(t *testing.T) {
	w, _, _ := identityProbe(t, false, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without token, got %d", w.Code)
	}
}

func TestMiddlewareRejectsWrongSignature(t *testing.T) {
	claims := &Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "user-42",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("other-secret"))
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}

	w, _, _ := identityProbe(t, false, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
	})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 for wrong signature, got %d", w.Code)
	}
}

func TestMiddlewareDevFallsBackToAnonCookie(t *testing.T) {
	w, userID, _ := identityProbe(t, true, nil)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 in dev without token, got %d", w.Code)
	}
	if !isValidAnonID(userID) {
		t.Errorf("Expected generated anon id, got %q", userID)
	}

	var cookie *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == AnonCookieName {
			cookie = c
		}
	}
	if cookie == nil {
		t.Fatal("Expected anon cookie to be set")
	}
	if cookie.Value != userID {
		t.Errorf("Cookie %q does not match context user %q", cookie.Value, userID)
	}
}

func TestMiddlewareDevReusesValidAnonCookie(t *testing.T) {
	existing := "anon_0123456789abcdef0123456789abcdef"
	_, userID, _ := identityProbe(t, true, func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: AnonCookieName, Value: existing})
	})

	if userID != existing {
		t.Errorf("Expected reused anon id, got %q", userID)
	}
}

func TestSanitizeSessionID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"tab-1", "tab-1"},
		{"", DefaultSessionIDValue},
		{"has spaces", DefaultSessionIDValue},
		{"semi;colon", DefaultSessionIDValue},
		{" padded ", "padded"},
	}
	for _, tt := range tests {
		if got := sanitizeSessionID(tt.in); got != tt.want {
			t.Errorf("sanitizeSessionID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
