package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newTestHandler(secret []byte) http.Handler {
	return NewGuard(secret, "/healthz", "/metrics").Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if SubjectFromContext(r.Context()) != "" && RoleFromContext(r.Context()) == "" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
}

func TestGuard_NoToken(t *testing.T) {
	handler := newTestHandler([]byte("test-secret"))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/delete-range", nil)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

func TestGuard_ExemptPaths(t *testing.T) {
	handler := newTestHandler([]byte("test-secret"))
	for _, path := range []string{"/healthz", "/metrics"} {
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, path, nil))
		if resp.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, resp.Code)
		}
	}
}

func TestGuard_RoleRequirements(t *testing.T) {
	secret := []byte("test-secret")
	handler := newTestHandler(secret)

	cases := []struct {
		role   string
		method string
		path   string
		want   int
	}{
		{"viewer", http.MethodGet, "/api/v1/admin/status", http.StatusOK},
		{"viewer", http.MethodPost, "/api/v1/admin/flush/abc", http.StatusForbidden},
		{"operator", http.MethodPost, "/api/v1/admin/flush/abc", http.StatusOK},
		{"operator", http.MethodPost, "/api/v1/admin/delete-range", http.StatusForbidden},
		{"admin", http.MethodPost, "/api/v1/admin/delete-range", http.StatusOK},
		{"admin", http.MethodPost, "/api/v1/other", http.StatusOK},
		{"viewer", http.MethodPost, "/api/v1/other", http.StatusForbidden},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		req.Header.Set("Authorization", "Bearer "+mustToken(t, secret, tc.role, time.Hour))
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, req)
		if resp.Code != tc.want {
			t.Fatalf("%s %s %s: expected %d, got %d", tc.role, tc.method, tc.path, tc.want, resp.Code)
		}
	}
}

func TestRoleSatisfies(t *testing.T) {
	if !RoleAdmin.Satisfies(RoleOperator) || !RoleOperator.Satisfies(RoleOperator) {
		t.Fatal("expected higher or equal role to satisfy")
	}
	if RoleViewer.Satisfies(RoleOperator) || Role("").Satisfies(RoleViewer) {
		t.Fatal("expected lower or unknown role to fail")
	}
	if _, ok := ParseRole("root"); ok {
		t.Fatal("expected unknown role to be rejected")
	}
}

func TestGuard_LowercaseBearerScheme(t *testing.T) {
	secret := []byte("test-secret")
	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/status", nil)
	req.Header.Set("Authorization", "bearer "+mustToken(t, secret, "viewer", time.Hour))
	resp := httptest.NewRecorder()
	newTestHandler(secret).ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}

func TestParseJWT(t *testing.T) {
	secret := []byte("test-secret")

	claims, err := ParseJWT(mustToken(t, secret, "admin", time.Hour), secret)
	if err != nil || claims.Role != "admin" || claims.Subject != "ops-1" {
		t.Fatalf("unexpected claims %+v %v", claims, err)
	}
	if _, err := ParseJWT("", secret); !errors.Is(err, ErrEmptyToken) {
		t.Fatalf("expected ErrEmptyToken, got %v", err)
	}
	if _, err := ParseJWT("x", nil); !errors.Is(err, ErrEmptySecret) {
		t.Fatalf("expected ErrEmptySecret, got %v", err)
	}
	if _, err := ParseJWT(mustToken(t, secret, "admin", -time.Minute), secret); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expired token to be invalid, got %v", err)
	}
	if _, err := ParseJWT(mustToken(t, []byte("other"), "admin", time.Hour), secret); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected bad signature to be invalid, got %v", err)
	}
	if _, err := ParseJWT(mustToken(t, secret, "root", time.Hour), secret); !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("expected ErrInvalidRole, got %v", err)
	}
}

func mustToken(t *testing.T, secret []byte, role string, ttl time.Duration) string {
	t.Helper()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "ops-1",
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Minute)),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}
