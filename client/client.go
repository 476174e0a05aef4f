// Package client is a typed HTTP client for the relayer endpoints.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"gasless-relayer/sessioncache"
)

type EnableRequest struct {
	Signature     string `json:"signature"`
	Message       string `json:"message"`
	WalletAddress string `json:"walletAddress"`
	UseEIP7702    bool   `json:"useEIP7702,omitempty"`
}

type EnableResponse struct {
	SmartAccountAddress string `json:"smartAccountAddress"`
	TxHash              string `json:"txHash"`
	Pending             bool   `json:"pending,omitempty"`
}

type StatusResponse struct {
	IsEnabled           bool    `json:"isEnabled"`
	IsRegistered        bool    `json:"isRegistered"`
	SmartAccountAddress *string `json:"smartAccountAddress"`
	PlayerUsername      *string `json:"playerUsername"`
	IsDefinitive        bool    `json:"isDefinitive"`
	IsUncertain         bool    `json:"isUncertain"`
	RetainClientState   bool    `json:"retainClientState,omitempty"`
}

type RegisterSessionRequest struct {
	UserAddress string `json:"userAddress"`
	PublicKey   string `json:"publicKey"`
	Signature   string `json:"signature"`
	ValidUntil  int64  `json:"validUntil"`
}

type RegisterSessionResponse struct {
	Success           bool   `json:"success"`
	SessionRegistered bool   `json:"sessionRegistered"`
	OnChainRegistered *bool  `json:"onChainRegistered,omitempty"`
	TxHash            string `json:"txHash,omitempty"`
}

type SessionData struct {
	PublicKey  string `json:"publicKey"`
	ValidUntil int64  `json:"validUntil"`
}

type SessionStatusResponse struct {
	HasSession  bool         `json:"hasSession"`
	SessionData *SessionData `json:"sessionData,omitempty"`
}

type TransactionRequest struct {
	UserAddress     string `json:"userAddress"`
	PublicKey       string `json:"publicKey"`
	Signature       string `json:"signature"`
	ContractAddress string `json:"contractAddress"`
	FunctionName    string `json:"functionName"`
	Args            []any  `json:"args"`
}

type TransactionResponse struct {
	TxHash       string `json:"txHash"`
	Status       string `json:"status"`
	RequestKey   string `json:"requestKey"`
	Deduplicated bool   `json:"deduplicated,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Error is a non-2xx answer from the relayer.
type Error struct {
	StatusCode        int
	Message           string `json:"error"`
	RetryAfter        int    `json:"retryAfter,omitempty"`
	RetainClientState bool   `json:"retainClientState,omitempty"`
}

func (e *Error) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("relayer: %d %s (retry after %ds)", e.StatusCode, e.Message, e.RetryAfter)
	}
	return fmt.Sprintf("relayer: %d %s", e.StatusCode, e.Message)
}

var _ sessioncache.Fetcher = (*Client)(nil)

// Client talks to one relayer base URL.
type Client struct {
	baseURL string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 90 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) EnableAA(ctx context.Context, req EnableRequest) (EnableResponse, error) {
	var out EnableResponse
	err := c.post(ctx, "/aa/enable", req, &out, idempotencyKey(req.Signature))
	return out, err
}

func (c *Client) AAStatus(ctx context.Context, wallet string) (StatusResponse, error) {
	var out StatusResponse
	err := c.post(ctx, "/aa/status", map[string]string{"walletAddress": wallet}, &out, "")
	return out, err
}

func (c *Client) RegisterSession(ctx context.Context, req RegisterSessionRequest) (RegisterSessionResponse, error) {
	var out RegisterSessionResponse
	err := c.post(ctx, "/session/register", req, &out, "")
	return out, err
}

func (c *Client) SessionStatus(ctx context.Context, wallet string) (SessionStatusResponse, error) {
	var out SessionStatusResponse
	err := c.post(ctx, "/session/status", map[string]string{"userAddress": wallet}, &out, "")
	return out, err
}

func (c *Client) RevokeSession(ctx context.Context, wallet, publicKey string) error {
	return c.post(ctx, "/session/revoke", map[string]string{"userAddress": wallet, "publicKey": publicKey}, nil, "")
}

// FetchSession adapts SessionStatus to sessioncache.Fetcher.
func (c *Client) FetchSession(ctx context.Context, wallet string) (sessioncache.ServerSession, error) {
	st, err := c.SessionStatus(ctx, wallet)
	if err != nil {
		return sessioncache.ServerSession{}, err
	}
	out := sessioncache.ServerSession{HasSession: st.HasSession}
	if st.SessionData != nil {
		out.PublicKey = st.SessionData.PublicKey
		out.ValidUntil = st.SessionData.ValidUntil
	}
	return out, nil
}

// SendTransaction relays a session-signed call.
func (c *Client) SendTransaction(ctx context.Context, req TransactionRequest) (TransactionResponse, error) {
	var out TransactionResponse
	err := c.post(ctx, "/session/transaction", req, &out, idempotencyKey(req.Signature))
	return out, err
}

// idempotencyKey derives the Idempotency-Key from a request signature so a
// retried request replays the first answer.
func idempotencyKey(sig string) string {
	key := strings.TrimPrefix(strings.ToLower(sig), "0x")
	if len(key) > 64 {
		key = key[:64]
	}
	return key
}

func (c *Client) post(ctx context.Context, path string, in, out any, idempotencyKey string) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("relayer %s: %w", path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("relayer %s: read body: %w", path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		e := &Error{StatusCode: resp.StatusCode}
		if jerr := json.Unmarshal(raw, e); jerr != nil || e.Message == "" {
			e.Message = strings.TrimSpace(string(raw))
			if e.Message == "" {
				e.Message = http.StatusText(resp.StatusCode)
			}
		}
		return e
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("relayer %s: decode response: %w", path, err)
	}
	return nil
}
