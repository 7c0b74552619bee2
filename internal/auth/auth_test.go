package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	xerrors "ProofChain/internal/errors"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(Config{
		Enabled: true,
		Keys: []KeyConfig{
			{Name: "ingest", SHA256: TokenDigest("ingest-token"), Permissions: []string{PermissionReceiptsWrite, PermissionReceiptsRead}},
			{Name: "dashboard", SHA256: TokenDigest("read-token"), Permissions: []string{PermissionReceiptsRead}},
			{Name: "retired", SHA256: TokenDigest("old-token"), Permissions: []string{PermissionReceiptsWrite}, Disabled: true},
		},
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestMiddlewareEnforcesPermissions(t *testing.T) {
	svc := newTestService(t)
	var seen *Subject
	handler := svc.Middleware(MiddlewareConfig{RequiredPermissions: map[string][]string{
		http.MethodPost: {PermissionReceiptsWrite},
		"*":             {PermissionReceiptsRead},
	}})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusAccepted)
	}))

	cases := []struct {
		name   string
		method string
		token  string
		want   int
	}{
		{"missing token", http.MethodPost, "", http.StatusUnauthorized},
		{"unknown token", http.MethodPost, "Bearer nope", http.StatusUnauthorized},
		{"read key cannot write", http.MethodPost, "Bearer read-token", http.StatusForbidden},
		{"read key can read", http.MethodGet, "Bearer read-token", http.StatusAccepted},
		{"ingest key can write", http.MethodPost, "bearer ingest-token", http.StatusAccepted},
		{"disabled key", http.MethodPost, "Bearer old-token", http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(tc.method, "/api/v1/receipts", nil)
			if tc.token != "" {
				req.Header.Set("Authorization", tc.token)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("expected status %d, got %d", tc.want, rec.Code)
			}
			if tc.want == http.StatusAccepted && seen == nil {
				t.Fatal("subject not propagated to handler")
			}
		})
	}
}

func TestMiddlewareDisabledPassesThrough(t *testing.T) {
	svc, err := NewService(Config{})
	if err != nil {
		t.Fatal(err)
	}
	handler := svc.Middleware(MiddlewareConfig{})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected pass-through, got %d", rec.Code)
	}

	var nilSvc *Service
	rec = httptest.NewRecorder()
	nilSvc.Middleware(MiddlewareConfig{})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("nil service must pass through, got %d", rec.Code)
	}
}

func TestNewServiceRejectsBadKeys(t *testing.T) {
	cases := map[string]Config{
		"no keys":      {Enabled: true},
		"bad digest":   {Keys: []KeyConfig{{Name: "a", SHA256: "xyz"}}},
		"missing name": {Keys: []KeyConfig{{SHA256: TokenDigest("t")}}},
		"duplicate": {Keys: []KeyConfig{
			{Name: "a", SHA256: TokenDigest("t")},
			{Name: "b", SHA256: TokenDigest("t")},
		}},
	}
	for name, cfg := range cases {
		if _, err := NewService(cfg); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
			t.Fatalf("%s: expected invalid argument, got %v", name, err)
		}
	}
}
