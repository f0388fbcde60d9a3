package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestAuth(token string) *Auth {
	cfg := DefaultServerConfig()
	cfg.Security.AdminToken = token
	return NewAuth(nil, nil, cfg)
}

func TestParseRole(t *testing.T) {
	cases := []struct {
		input   string
		want    Role
		wantErr bool
	}{
		{"admin", RoleAdmin, false},
		{"operator", RoleOperator, false},
		{"  Admin ", RoleAdmin, false},
		{"OPERATOR", RoleOperator, false},
		{"root", "", true},
		{"", "", true},
	}
	for _, tc := range cases {
		got, err := ParseRole(tc.input)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseRole(%q): expected error, got %q", tc.input, got)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("ParseRole(%q) = %q, %v; want %q", tc.input, got, err, tc.want)
		}
	}
}

func TestServiceTokenActsAsAdmin(t *testing.T) {
	auth := newTestAuth("svc-token")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/jobs", nil)
	req.Header.Set("X-Admin-Token", "svc-token")
	principal, err := auth.AuthenticateRequest(req)
	if err != nil {
		t.Fatalf("header token rejected: %v", err)
	}
	if principal.Role != RoleAdmin {
		t.Fatalf("expected admin role, got %q", principal.Role)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/admin/jobs", nil)
	req.Header.Set("Authorization", "Bearer svc-token")
	principal, err = auth.AuthenticateRequest(req)
	if err != nil || principal.Role != RoleAdmin {
		t.Fatalf("bearer token rejected: principal=%+v err=%v", principal, err)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/admin/jobs", nil)
	req.Header.Set("X-Admin-Token", "wrong")
	if _, err := auth.AuthenticateRequest(req); err == nil {
		t.Fatal("wrong token must not authenticate")
	}
}

func TestAuthenticateWithoutCredentials(t *testing.T) {
	auth := newTestAuth("svc-token")
	req := httptest.NewRequest(http.MethodGet, "/api/v1/typing/enroll", nil)
	if _, err := auth.AuthenticateRequest(req); err == nil {
		t.Fatal("anonymous request must not authenticate")
	}
}

func TestRequireAdminGate(t *testing.T) {
	auth := newTestAuth("svc-token")
	var seen Principal
	handler := auth.RequireAdmin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous: expected 401, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("X-Admin-Token", "svc-token")
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("service token: expected 200, got %d", rec.Code)
	}
	if seen.Role != RoleAdmin || seen.Subject != "service-token" {
		t.Fatalf("unexpected principal: %+v", seen)
	}
}

func TestLoginWithoutUserStore(t *testing.T) {
	auth := newTestAuth("")
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login",
		strings.NewReader(`{"username":"alice","password":"pw"}`))
	auth.HandleLogin(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a user store, got %d", rec.Code)
	}
}
