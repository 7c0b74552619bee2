package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"ProofChain/internal/auth"
	xerrors "ProofChain/internal/errors"
	"ProofChain/internal/proofs"
	"ProofChain/internal/receipt"
	"ProofChain/internal/sanitize"
	"ProofChain/internal/tier"
	"ProofChain/internal/verify"
	"ProofChain/internal/web3"
)

type testServer struct {
	server *Server
	store  *receipt.MemoryStore
	queue  *receipt.MemoryQueue
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	validator, err := web3.NewValidator(web3.WithNonProduction())
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	store := receipt.NewMemoryStore()
	queue := receipt.NewMemoryQueue(16)
	manager, err := receipt.NewManager(validator, store, queue)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	verifier := verify.New(store, nil)
	server := NewServer(":0", manager, verifier, WithChains(map[string]web3.ChainCandidate{
		"Dev": {
			Network:       "ethereum-dev",
			Endpoint:      "http://127.0.0.1:8545",
			MaxFeeCeiling: 1_000_000_000,
		},
		"mainnet-expensive": {
			Network:       "ethereum",
			Endpoint:      "http://127.0.0.1:8546",
			MaxFeeCeiling: 2_000_000_000_000_000_000,
		},
	}))
	return &testServer{server: server, store: store, queue: queue}
}

func post(t *testing.T, handler http.HandlerFunc, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body struct {
		Error errorBody `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, rec.Body.String())
	}
	return body.Error
}

func TestHandleSubmitCreatesPendingRecord(t *testing.T) {
	ts := newTestServer(t)

	rec := post(t, ts.server.handleReceipts, "/api/v1/receipts", map[string]any{
		"payload": map[string]any{"actor": "demo", "amount": 12.5},
		"tier":    "open",
		"network": "dev",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status code: got %d want %d (%s)", rec.Code, http.StatusAccepted, rec.Body.String())
	}
	var got submitResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.Record == nil || got.Record.State != receipt.StatePending || got.Record.Network != "ethereum-dev" {
		t.Fatalf("unexpected record: %+v", got.Record)
	}
	if got.Error != nil {
		t.Fatalf("unexpected error: %+v", got.Error)
	}
	if ts.queue.Len() != 1 {
		t.Fatalf("expected one queued job, got %d", ts.queue.Len())
	}
}

func TestHandleSubmitErrors(t *testing.T) {
	ts := newTestServer(t)

	t.Run("invalid method", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodDelete, "/api/v1/receipts", nil)
		rec := httptest.NewRecorder()
		ts.server.handleReceipts(rec, req)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
		}
	})

	t.Run("unknown network", func(t *testing.T) {
		rec := post(t, ts.server.handleReceipts, "/api/v1/receipts", map[string]any{
			"payload": map[string]any{"k": "v"}, "tier": "open", "network": "solana",
		})
		if rec.Code != http.StatusUnprocessableEntity {
			t.Fatalf("expected status %d, got %d", http.StatusUnprocessableEntity, rec.Code)
		}
		if body := decodeError(t, rec); body.Code != web3.CodeUnsupportedNetwork {
			t.Fatalf("unexpected error code %s", body.Code)
		}
	})

	t.Run("invalid tier", func(t *testing.T) {
		rec := post(t, ts.server.handleReceipts, "/api/v1/receipts", map[string]any{
			"payload": map[string]any{"k": "v"}, "tier": "secret", "network": "dev",
		})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
		}
		if body := decodeError(t, rec); body.Code != tier.CodeInvalidTier {
			t.Fatalf("unexpected error code %s", body.Code)
		}
	})

	t.Run("missing payload", func(t *testing.T) {
		rec := post(t, ts.server.handleReceipts, "/api/v1/receipts", map[string]any{
			"tier": "open", "network": "dev",
		})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
		}
	})

	t.Run("unknown field", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/receipts",
			strings.NewReader(`{"payload":{"k":"v"},"tier":"open","network":"dev","endpoint":"http://evil"}`))
		rec := httptest.NewRecorder()
		ts.server.handleReceipts(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
		}
	})

	t.Run("chain config rejected", func(t *testing.T) {
		rec := post(t, ts.server.handleReceipts, "/api/v1/receipts", map[string]any{
			"payload": map[string]any{"k": "v"}, "tier": "open", "network": "mainnet-expensive",
		})
		if rec.Code != http.StatusUnprocessableEntity {
			t.Fatalf("expected status %d, got %d (%s)", http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
		}
		var got submitResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if got.Record == nil || got.Record.State != receipt.StateFailed {
			t.Fatalf("rejected submission should be recorded as failed: %+v", got.Record)
		}
		if got.Error == nil || got.Error.Code != web3.CodeFeeCeilingExceeded {
			t.Fatalf("unexpected error: %+v", got.Error)
		}
	})
}

func TestHandleReceiptDetailAndList(t *testing.T) {
	ts := newTestServer(t)

	created := post(t, ts.server.handleReceipts, "/api/v1/receipts", map[string]any{
		"payload": map[string]any{"n": 1}, "tier": "open", "network": "dev",
	})
	var sub submitResponse
	if err := json.Unmarshal(created.Body.Bytes(), &sub); err != nil || sub.Record == nil {
		t.Fatalf("submit: %v (%s)", err, created.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/receipts/"+sub.Record.ID, nil)
	rec := httptest.NewRecorder()
	ts.server.handleReceiptDetail(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d want %d", rec.Code, http.StatusOK)
	}
	var got receipt.Record
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.ID != sub.Record.ID || got.ContentHash != sub.Record.ContentHash {
		t.Fatalf("unexpected record: %+v", got)
	}

	t.Run("not found", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/receipts/missing", nil)
		rec := httptest.NewRecorder()
		ts.server.handleReceiptDetail(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected status %d, got %d", http.StatusNotFound, rec.Code)
		}
	})

	t.Run("missing id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/receipts/", nil)
		rec := httptest.NewRecorder()
		ts.server.handleReceiptDetail(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
		}
	})

	t.Run("list by state", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/receipts?state=pending&network=ethereum-dev&limit=5", nil)
		rec := httptest.NewRecorder()
		ts.server.handleReceipts(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("unexpected status code: got %d (%s)", rec.Code, rec.Body.String())
		}
		var records []receipt.Record
		if err := json.Unmarshal(rec.Body.Bytes(), &records); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if len(records) != 1 || records[0].ID != sub.Record.ID {
			t.Fatalf("unexpected records: %+v", records)
		}
	})

	t.Run("invalid filters", func(t *testing.T) {
		for _, query := range []string{"state=lost", "limit=-1", "offset=x", "tier=secret"} {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/receipts?"+query, nil)
			rec := httptest.NewRecorder()
			ts.server.handleReceipts(rec, req)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("%s: expected status %d, got %d", query, http.StatusBadRequest, rec.Code)
			}
		}
	})

	t.Run("stats", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
		rec := httptest.NewRecorder()
		ts.server.handleStats(rec, req)
		var stats receipt.Stats
		if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if stats.Total != 1 || stats.Pending != 1 {
			t.Fatalf("unexpected stats: %+v", stats)
		}
	})
}

func TestHandleVerify(t *testing.T) {
	ts := newTestServer(t)

	payload := map[string]any{"actor": "demo"}
	cleaned, err := sanitize.New(sanitize.Config{}).Sanitize(payload)
	if err != nil {
		t.Fatal(err)
	}
	hash, err := proofs.Digest(cleaned, proofs.DefaultAlgorithm)
	if err != nil {
		t.Fatal(err)
	}

	rec := post(t, ts.server.handleVerify, "/api/v1/verify", map[string]any{
		"content_hash": hash.Hex(),
		"payload":      map[string]any{"actor": "someone-else"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("a mismatch is a result, got status %d (%s)", rec.Code, rec.Body.String())
	}
	var got verify.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.Outcome != verify.OutcomeMismatch {
		t.Fatalf("unexpected outcome %s", got.Outcome)
	}

	rec = post(t, ts.server.handleVerify, "/api/v1/verify", map[string]any{
		"content_hash": hash.Hex(),
		"payload":      payload,
	})
	_ = json.Unmarshal(rec.Body.Bytes(), &got)
	if got.Outcome != verify.OutcomeMatchedUnconfirmed {
		t.Fatalf("unexpected outcome %s", got.Outcome)
	}

	rec = post(t, ts.server.handleVerify, "/api/v1/verify", map[string]any{
		"content_hash":   hash.Hex(),
		"hash_algorithm": "md5",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
	}

	t.Run("lookup", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/verify/"+hash.Hex(), nil)
		rec := httptest.NewRecorder()
		ts.server.handleLookup(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("unexpected status code: got %d", rec.Code)
		}
		var got verify.Result
		if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if got.Outcome != verify.OutcomeUnknown {
			t.Fatalf("unexpected outcome %s", got.Outcome)
		}

		req = httptest.NewRequest(http.MethodGet, "/api/v1/verify/not-hex", nil)
		rec = httptest.NewRecorder()
		ts.server.handleLookup(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
		}
	})
}

func TestHandleSubmitRejectsOversizedBody(t *testing.T) {
	ts := newTestServer(t)
	ts.server.maxBodyBytes = 64

	rec := post(t, ts.server.handleReceipts, "/api/v1/receipts", map[string]any{
		"payload": map[string]any{"blob": strings.Repeat("x", 256)}, "tier": "open", "network": "dev",
	})
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, rec.Code)
	}
}

func TestStatusFor(t *testing.T) {
	cases := map[xerrors.Code]int{
		sanitize.CodeDepthExceeded:      http.StatusBadRequest,
		sanitize.CodePayloadTooLarge:    http.StatusRequestEntityTooLarge,
		web3.CodeEndpointNotAllowed:     http.StatusUnprocessableEntity,
		receipt.CodeRecordNotFound:      http.StatusNotFound,
		receipt.CodeRecordConflict:      http.StatusConflict,
		receipt.CodeJobPublish:          http.StatusServiceUnavailable,
		xerrors.CodeStorageFailure:      http.StatusInternalServerError,
		tier.CodeSealedViolation:        http.StatusInternalServerError,
		proofs.CodeUnsupportedAlgorithm: http.StatusBadRequest,
	}
	for code, want := range cases {
		if got := statusFor(xerrors.New(code, "x")); got != want {
			t.Fatalf("%s: got %d want %d", code, got, want)
		}
	}
}

func TestWithContextRejectsAfterShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	handler := withContext(ctx, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status %d, got %d", http.StatusServiceUnavailable, rec.Code)
	}
}

func TestHandlerProtectsRecordRoutes(t *testing.T) {
	ts := newTestServer(t)
	svc, err := auth.NewService(auth.Config{
		Enabled: true,
		Keys: []auth.KeyConfig{
			{Name: "reader", SHA256: auth.TokenDigest("r"), Permissions: []string{auth.PermissionReceiptsRead}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	WithAuth(svc)(ts.server)
	handler := ts.server.Handler()

	cases := []struct {
		method, path, token string
		want                int
	}{
		{http.MethodGet, "/api/v1/receipts", "", http.StatusUnauthorized},
		{http.MethodGet, "/api/v1/receipts", "Bearer r", http.StatusOK},
		{http.MethodPost, "/api/v1/receipts", "Bearer r", http.StatusForbidden},
		{http.MethodGet, "/api/v1/verify/" + strings.Repeat("ab", 32), "", http.StatusOK},
		{http.MethodGet, "/healthz", "", http.StatusOK},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, tc.path, strings.NewReader(`{}`))
		if tc.token != "" {
			req.Header.Set("Authorization", tc.token)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Fatalf("%s %s: expected status %d, got %d", tc.method, tc.path, tc.want, rec.Code)
		}
	}
}
