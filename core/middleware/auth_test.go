package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"fleetcore/core/auth"
	"fleetcore/core/codec"
)

func testSecret(t *testing.T) *auth.Secret {
	t.Helper()
	s, err := auth.Load("shared-secret", "")
	if err != nil {
		t.Fatalf("auth.Load: %v", err)
	}
	return s
}

func TestAuthMiddlewareRejectsMissingToken(t *testing.T) {
	secret := testSecret(t)
	called := false
	h := AuthMiddleware(secret, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/nodes", nil))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if called {
		t.Fatal("the wrapped handler must not run without a valid token")
	}

	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v (raw: %s)", err, rec.Body.String())
	}
	if body.Success {
		t.Fatal("expected success=false in the error envelope")
	}
	if body.ErrorCode != codec.ErrInvalidToken {
		t.Fatalf("error_code = %s, want %s", body.ErrorCode, codec.ErrInvalidToken)
	}
}

func TestAuthMiddlewareAcceptsBearerHeader(t *testing.T) {
	secret := testSecret(t)
	h := AuthMiddleware(secret, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))

	req := httptest.NewRequest("GET", "/api/v1/nodes", nil)
	req.Header.Set("Authorization", "Bearer shared-secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestAuthMiddlewareAcceptsQueryToken(t *testing.T) {
	secret := testSecret(t)
	h := AuthMiddleware(secret, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))

	req := httptest.NewRequest("GET", "/api/v1/ws?token=shared-secret", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestAuthMiddlewareRejectsWrongToken(t *testing.T) {
	secret := testSecret(t)
	h := AuthMiddleware(secret, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))

	req := httptest.NewRequest("GET", "/api/v1/nodes", nil)
	req.Header.Set("Authorization", "Bearer wrong-secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v (raw: %s)", err, rec.Body.String())
	}
	if body.ErrorCode != codec.ErrInvalidToken {
		t.Fatalf("error_code = %s, want %s", body.ErrorCode, codec.ErrInvalidToken)
	}
}
