// Package proofchain is a thin client for the ProofChain REST API.
package proofchain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the ProofChain REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// Submission is the payload accepted by Submit. Network names a chain
// configured on the server; endpoints and fee ceilings never travel over
// the wire.
type Submission struct {
	Payload  any               `json:"payload"`
	Tier     string            `json:"tier"`
	Network  string            `json:"network"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ChainReference locates a commitment on its network.
type ChainReference struct {
	Network string `json:"network"`
	TxID    string `json:"tx_id"`
}

// Signature is the detached signature over a content hash.
type Signature struct {
	Algorithm string `json:"algorithm"`
	KeyID     string `json:"key_id,omitempty"`
	Value     []byte `json:"value"`
}

// Receipt mirrors a commitment record.
type Receipt struct {
	ID                    string          `json:"id"`
	ContentHash           string          `json:"content_hash"`
	HashAlgorithm         string          `json:"hash_algorithm"`
	Tier                  string          `json:"tier"`
	Network               string          `json:"network"`
	ChainReference        *ChainReference `json:"chain_reference,omitempty"`
	State                 string          `json:"state"`
	Confirmations         uint64          `json:"confirmations"`
	RequiredConfirmations uint64          `json:"required_confirmations"`
	LastError             string          `json:"last_error,omitempty"`
	ErrorCode             string          `json:"error_code,omitempty"`
	Signature             *Signature      `json:"signature,omitempty"`
	SignatureStatus       string          `json:"signature_status"`
	CreatedAt             int64           `json:"created_at"`
	BroadcastAt           int64           `json:"broadcast_at,omitempty"`
	UpdatedAt             int64           `json:"updated_at"`
}

// Settled reports whether the receipt reached a terminal state.
func (r Receipt) Settled() bool {
	return r.State == "confirmed" || r.State == "failed"
}

// VerifyResult is the outcome of a hash verification.
type VerifyResult struct {
	Outcome        string          `json:"outcome"`
	ContentHash    string          `json:"content_hash"`
	HashAlgorithm  string          `json:"hash_algorithm,omitempty"`
	Matched        bool            `json:"matched"`
	PayloadChecked bool            `json:"payload_checked"`
	Known          bool            `json:"known"`
	ChainConfirmed bool            `json:"chain_confirmed"`
	Confirmations  uint64          `json:"confirmations"`
	Network        string          `json:"network,omitempty"`
	State          string          `json:"state,omitempty"`
	ChainReference *ChainReference `json:"chain_reference,omitempty"`
	CheckedAt      time.Time       `json:"checked_at"`
}

// ListFilter narrows ListReceipts.
type ListFilter struct {
	States  []string
	Network string
	Tier    string
	Limit   int
	Offset  int
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("proofchain api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("proofchain api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the ProofChain API. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Submit hands a payload to the server for commitment. When the server
// records the submission but rejects its chain configuration, both the
// failed receipt and an *APIError are returned.
func (c *Client) Submit(ctx context.Context, sub Submission) (*Receipt, error) {
	var resp struct {
		Record *Receipt  `json:"record"`
		Error  *APIError `json:"error"`
	}
	err := c.send(ctx, http.MethodPost, "/api/v1/receipts", nil, sub, &resp)
	if err != nil {
		if apiErr, ok := err.(*apiErrorWithBody); ok {
			_ = json.Unmarshal(apiErr.body, &resp)
			if resp.Record != nil {
				return resp.Record, apiErr.APIError
			}
			return nil, apiErr.APIError
		}
		return nil, err
	}
	return resp.Record, nil
}

// GetReceipt fetches a receipt by identifier.
func (c *Client) GetReceipt(ctx context.Context, id string) (*Receipt, error) {
	var rec Receipt
	if err := c.get(ctx, "/api/v1/receipts/"+id, nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListReceipts returns receipts matching filter, most recently updated first.
func (c *Client) ListReceipts(ctx context.Context, filter ListFilter) ([]Receipt, error) {
	query := url.Values{}
	if len(filter.States) > 0 {
		query.Set("state", strings.Join(filter.States, ","))
	}
	if filter.Network != "" {
		query.Set("network", filter.Network)
	}
	if filter.Tier != "" {
		query.Set("tier", filter.Tier)
	}
	if filter.Limit > 0 {
		query.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.Offset > 0 {
		query.Set("offset", strconv.Itoa(filter.Offset))
	}
	var out []Receipt
	if err := c.get(ctx, "/api/v1/receipts", query, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// WaitSettled polls GetReceipt until the receipt is confirmed or failed.
func (c *Client) WaitSettled(ctx context.Context, id string, interval time.Duration) (*Receipt, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		rec, err := c.GetReceipt(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec.Settled() {
			return rec, nil
		}
		select {
		case <-ctx.Done():
			return rec, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Lookup reports what the server knows about a bare content hash.
func (c *Client) Lookup(ctx context.Context, contentHash string) (VerifyResult, error) {
	var result VerifyResult
	if err := c.get(ctx, "/api/v1/verify/"+contentHash, nil, &result); err != nil {
		return VerifyResult{}, err
	}
	return result, nil
}

// Verify recomputes the digest of payload on the server and compares it with
// contentHash. A nil payload checks chain state only.
func (c *Client) Verify(ctx context.Context, contentHash, algorithm string, payload any) (VerifyResult, error) {
	body := map[string]any{"content_hash": contentHash}
	if algorithm != "" {
		body["hash_algorithm"] = algorithm
	}
	if payload != nil {
		body["payload"] = payload
	}
	var result VerifyResult
	if err := c.send(ctx, http.MethodPost, "/api/v1/verify", nil, body, &result); err != nil {
		return VerifyResult{}, unwrapAPIError(err)
	}
	return result, nil
}

// apiErrorWithBody keeps the raw response so callers can decode partial results.
type apiErrorWithBody struct {
	*APIError
	body []byte
}

func unwrapAPIError(err error) error {
	if e, ok := err.(*apiErrorWithBody); ok {
		return e.APIError
	}
	return err
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	return unwrapAPIError(c.send(ctx, http.MethodGet, endpoint, query, nil, out))
}

func (c *Client) send(ctx context.Context, method, endpoint string, query url.Values, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint), RawQuery: query.Encode()}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.ResolveReference(rel).String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: apiErr})
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErrorWithBody{APIError: apiErr, body: data}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
