package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/carelink/carelink/internal/platform/fault"
	"github.com/carelink/carelink/internal/platform/fhir"
)

// DefaultGatewayTimeout bounds every outbound gateway call.
const DefaultGatewayTimeout = 30 * time.Second

// FetchRequest asks the gateway to retrieve a patient record from another
// provider.
type FetchRequest struct {
	RequesterID string            `json:"requesterId"`
	TargetID    string            `json:"targetId"`
	Identifiers []fhir.Identifier `json:"identifiers"`
}

// FetchResponse is the gateway's immediate acknowledgement of a fetch.
type FetchResponse struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// PushRequest sends a local record to another provider through the gateway.
type PushRequest struct {
	SenderID     string          `json:"senderId"`
	TargetID     string          `json:"targetId"`
	ResourceType string          `json:"resourceType"`
	Data         json.RawMessage `json:"data"`
}

// PushResponse is the gateway's immediate acknowledgement of a push.
type PushResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// RejectionError reports that the gateway accepted the connection but
// refused the request (4xx). Distinct from transport failure: a rejected
// attempt was sent.
type RejectionError struct {
	StatusCode int
	Detail     string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("gateway rejected request: %d: %s", e.StatusCode, e.Detail)
}

// GatewayClient is the outbound interface to the interoperability gateway.
type GatewayClient interface {
	Fetch(ctx context.Context, req FetchRequest, idempotencyKey string) (*FetchResponse, error)
	Push(ctx context.Context, req PushRequest, idempotencyKey string) (*PushResponse, error)
}

// TokenManager obtains and caches the gateway's client-credentials access
// token, refreshing it ahead of expiry.
type TokenManager struct {
	authURL      string
	clientID     string
	clientSecret string
	httpClient   *http.Client

	mu        sync.RWMutex
	token     string
	expiresAt time.Time
}

func NewTokenManager(authURL, clientID, clientSecret string, httpClient *http.Client) *TokenManager {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &TokenManager{
		authURL:      authURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   httpClient,
	}
}

// Token returns a valid access token, requesting a new one when the cached
// token is within a minute of expiry.
func (tm *TokenManager) Token(ctx context.Context) (string, error) {
	tm.mu.RLock()
	if tm.token != "" && time.Now().Add(time.Minute).Before(tm.expiresAt) {
		defer tm.mu.RUnlock()
		return tm.token, nil
	}
	tm.mu.RUnlock()

	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.token != "" && time.Now().Add(time.Minute).Before(tm.expiresAt) {
		return tm.token, nil
	}

	form := url.Values{}
	form.Set("client_id", tm.clientID)
	form.Set("client_secret", tm.clientSecret)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		tm.authURL+"/accesstoken?grant_type=client_credentials",
		bytes.NewBufferString(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := tm.httpClient.Do(req)
	if err != nil {
		return "", fault.Wrap(fault.KindNetwork, err, "token request failed")
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode != http.StatusOK {
		return "", fault.New(fault.KindAuthentication, "token endpoint returned %d: %s", resp.StatusCode, body)
	}

	var result struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   string `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("parse token response: %w", err)
	}

	tm.token = result.AccessToken
	tm.expiresAt = tokenExpiry(result.AccessToken, result.ExpiresIn)
	return tm.token, nil
}

// tokenExpiry prefers the exp claim embedded in the token itself over the
// advertised expires_in, which some gateways round or omit.
func tokenExpiry(token, expiresIn string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	secs, err := strconv.Atoi(expiresIn)
	if err != nil || secs <= 0 {
		secs = 300
	}
	return time.Now().Add(time.Duration(secs) * time.Second)
}

// HTTPGatewayClient talks to the real gateway over HTTP with bearer auth.
type HTTPGatewayClient struct {
	baseURL    string
	httpClient *http.Client
	tokens     *TokenManager
	logger     zerolog.Logger
}

func NewHTTPGatewayClient(baseURL string, tokens *TokenManager, timeout time.Duration, logger zerolog.Logger) *HTTPGatewayClient {
	if timeout <= 0 {
		timeout = DefaultGatewayTimeout
	}
	return &HTTPGatewayClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		tokens:     tokens,
		logger:     logger,
	}
}

func (c *HTTPGatewayClient) Fetch(ctx context.Context, req FetchRequest, idempotencyKey string) (*FetchResponse, error) {
	var out FetchResponse
	if err := c.post(ctx, "/exchange/fetch", req, idempotencyKey, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPGatewayClient) Push(ctx context.Context, req PushRequest, idempotencyKey string) (*PushResponse, error) {
	var out PushResponse
	if err := c.post(ctx, "/exchange/push", req, idempotencyKey, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPGatewayClient) post(ctx context.Context, path string, payload interface{}, idempotencyKey string, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)

	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fault.Wrap(fault.KindNetwork, err, "gateway call %s failed", path)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 256<<10))
	c.logger.Debug().
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("gateway call")

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("parse gateway response: %w", err)
		}
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return &RejectionError{StatusCode: resp.StatusCode, Detail: string(respBody)}
	default:
		// 5xx is treated like transport failure: the request may or may
		// not have been processed, so the caller keeps the row pending.
		return fault.New(fault.KindNetwork, "gateway returned %d: %s", resp.StatusCode, respBody)
	}
}
