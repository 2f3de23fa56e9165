package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aviaryhq/aviary-go/auth"
	"github.com/aviaryhq/aviary-go/log"
)

const refreshPath = "/auth/refresh"

// RequestSpec describes one request/response call.
type RequestSpec struct {
	Method string
	Path   string
	Query  url.Values
	// Body is JSON-marshaled when non-nil.
	Body any
	// Result is JSON-decoded into when non-nil.
	Result any
}

// Client is the authenticated transport for the Aviary platform.
// It injects the bearer token on every call, detects authorization failures,
// and performs a single-flight token refresh with automatic request replay.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     *auth.Source
	log        *log.Logger

	mu       sync.Mutex
	inflight *refreshFlight
}

// refreshFlight is one in-flight refresh shared by all concurrent callers.
type refreshFlight struct {
	done chan struct{}
	err  error
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(client *Client) {
		client.httpClient.Timeout = d
	}
}

// WithLogger sets the client logger.
func WithLogger(l *log.Logger) ClientOption {
	return func(client *Client) {
		client.log = l
	}
}

// NewClient creates an authenticated transport against baseURL.
func NewClient(baseURL string, tokens *auth.Source, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		tokens: tokens,
		log:    log.Nop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// BaseURL returns the configured base URL without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// buildURL builds a request URL from a path and optional query values.
func (c *Client) buildURL(path string, query url.Values) string {
	u, _ := url.Parse(c.baseURL + path)
	if len(query) > 0 {
		q := u.Query()
		for k, vs := range query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// Authorize attaches the current bearer token to req, if one is held.
// Used by the stream client, which builds its own requests.
func (c *Client) Authorize(req *http.Request) {
	if tok := c.tokens.Token(); tok != nil && tok.Access != "" {
		req.Header.Set("Authorization", "Bearer "+tok.Access)
	}
}

// Do performs the call described by spec. Failures are returned as *APIError.
// On an authorization failure the token is refreshed (single-flight across
// all concurrent callers) and the call is replayed exactly once.
func (c *Client) Do(ctx context.Context, spec RequestSpec) error {
	var bodyBytes []byte
	if spec.Body != nil {
		var err error
		bodyBytes, err = json.Marshal(spec.Body)
		if err != nil {
			return &APIError{Kind: ErrDecode, Message: "marshal request body", Err: err}
		}
	}

	err := c.doOnce(ctx, spec, bodyBytes)
	if err == nil || !IsAuthFailure(err) {
		return err
	}

	// The refresh call itself never triggers another refresh cycle.
	if spec.Path == refreshPath {
		return err
	}

	if refreshErr := c.Refresh(ctx); refreshErr != nil {
		// Surface the original authorization failure, not the refresh one.
		return err
	}

	c.log.Debug("replaying request after token refresh",
		zap.String("method", spec.Method), zap.String("path", spec.Path))
	return c.doOnce(ctx, spec, bodyBytes)
}

// doOnce performs a single attempt of the call.
func (c *Client) doOnce(ctx context.Context, spec RequestSpec, bodyBytes []byte) error {
	var bodyReader io.Reader
	if bodyBytes != nil {
		bodyReader = bytes.NewReader(bodyBytes)
	}

	reqURL := c.buildURL(spec.Path, spec.Query)
	req, err := http.NewRequestWithContext(ctx, spec.Method, reqURL, bodyReader)
	if err != nil {
		return &APIError{Kind: ErrNetwork, Message: "create request", Err: err}
	}

	if bodyBytes != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	c.Authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return wrapTransportError(err, spec.Method+" "+spec.Path)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		apiErr := newStatusError(resp, respBody)
		c.log.Debug("request failed",
			zap.String("method", spec.Method),
			zap.String("path", spec.Path),
			zap.Int("status", resp.StatusCode),
			zap.String("request_id", apiErr.RequestID))
		return apiErr
	}

	if spec.Result != nil {
		if err := json.NewDecoder(resp.Body).Decode(spec.Result); err != nil {
			return &APIError{Kind: ErrDecode, Message: "decode response", Err: err}
		}
	}

	return nil
}

// NewStreamRequest builds an authorized request for a streaming call. The
// caller owns execution; the transport only contributes URL construction,
// body marshaling, and the bearer credential.
func (c *Client) NewStreamRequest(ctx context.Context, spec RequestSpec) (*http.Request, error) {
	var bodyReader io.Reader
	if spec.Body != nil {
		bodyBytes, err := json.Marshal(spec.Body)
		if err != nil {
			return nil, &APIError{Kind: ErrDecode, Message: "marshal request body", Err: err}
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, spec.Method, c.buildURL(spec.Path, spec.Query), bodyReader)
	if err != nil {
		return nil, &APIError{Kind: ErrNetwork, Message: "create request", Err: err}
	}
	if spec.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.Authorize(req)
	return req, nil
}

// refreshResponse is the refresh endpoint's success payload.
type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Refresh exchanges the held refresh token for a new token pair and persists
// it. Concurrent callers share a single in-flight refresh: only one refresh
// request is ever issued regardless of how many calls trigger it.
func (c *Client) Refresh(ctx context.Context) error {
	c.mu.Lock()
	if c.inflight != nil {
		flight := c.inflight
		c.mu.Unlock()
		select {
		case <-flight.done:
			return flight.err
		case <-ctx.Done():
			return wrapTransportError(ctx.Err(), "refresh wait")
		}
	}
	flight := &refreshFlight{done: make(chan struct{})}
	c.inflight = flight
	c.mu.Unlock()

	flight.err = c.doRefresh(ctx)

	c.mu.Lock()
	c.inflight = nil
	c.mu.Unlock()
	close(flight.done)

	return flight.err
}

// doRefresh performs the actual refresh call and persists the new token.
func (c *Client) doRefresh(ctx context.Context) error {
	tok := c.tokens.Token()
	if tok == nil || tok.Refresh == "" {
		return &APIError{Kind: ErrAuth, Message: "no refresh token held"}
	}

	var result refreshResponse
	err := c.doOnce(ctx, RequestSpec{
		Method: http.MethodPost,
		Path:   refreshPath,
		Result: &result,
	}, mustMarshal(map[string]string{"refresh_token": tok.Refresh}))
	if err != nil {
		c.log.Warn("token refresh failed", zap.Error(err))
		return err
	}
	if result.AccessToken == "" {
		return &APIError{Kind: ErrDecode, Message: "refresh response missing access token"}
	}

	c.tokens.Set(&auth.Token{Access: result.AccessToken, Refresh: result.RefreshToken})
	c.log.Info("token refreshed")
	return nil
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("marshal: %v", err))
	}
	return b
}

// HealthResponse is the server health payload.
type HealthResponse struct {
	Status string `json:"status"`
}

// Health checks the platform health endpoint.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var result HealthResponse
	if err := c.Do(ctx, RequestSpec{Method: http.MethodGet, Path: "/health", Result: &result}); err != nil {
		return nil, err
	}
	return &result, nil
}
