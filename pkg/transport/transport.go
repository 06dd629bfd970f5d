// Package transport provides the request primitive used to talk to the remote
// job service, together with the session handle and response policy that
// every call goes through.
//
// The primitive is deliberately small: Requester.Request sends one JSON body
// and returns the raw status and body. Client layers the response policy
// (Session.HandleResponse) and JSON decoding on top.
package transport

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
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Requester performs one request against the remote service.
//
// A non-nil error means the exchange did not complete (DNS, connection,
// timeout, cancelled context). Non-2xx statuses are not errors at this layer.
type Requester interface {
	Request(ctx context.Context, method, path string, body any) (int, []byte, error)
}

// HTTPConfig configures an HTTPRequester.
type HTTPConfig struct {
	// BaseURL is the service root, e.g. "https://jobs.example.com/api".
	BaseURL string

	// Timeout bounds each request. Default: 30s
	Timeout time.Duration

	// RateLimit is the maximum requests per second issued by this requester.
	// Zero means unlimited.
	RateLimit float64

	// UserAgent is sent with every request when set.
	UserAgent string
}

// DefaultHTTPConfig returns the default requester configuration.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		Timeout:   30 * time.Second,
		UserAgent: "jobtail",
	}
}

// maxResponseBody caps how much of a response is read.
const maxResponseBody = 16 << 20

// HTTPRequester implements Requester over net/http with JSON bodies.
//
// HTTPRequester is safe for concurrent use.
type HTTPRequester struct {
	baseURL string
	client  *http.Client
	session *Session
	agent   string
	logger  *zap.Logger

	// Rate limiter (nil if unlimited)
	limiter *rate.Limiter
}

// HTTPOption configures an HTTPRequester.
type HTTPOption func(*HTTPRequester)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(r *HTTPRequester) {
		if c != nil {
			r.client = c
		}
	}
}

// WithLogger sets the logger used for request diagnostics.
func WithLogger(l *zap.Logger) HTTPOption {
	return func(r *HTTPRequester) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewHTTPRequester creates a requester for cfg.BaseURL. The session supplies
// the bearer token; it may be nil for unauthenticated use.
func NewHTTPRequester(cfg HTTPConfig, session *Session, opts ...HTTPOption) (*HTTPRequester, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		return nil, fmt.Errorf("base URL scheme must be http or https: %s", base)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultHTTPConfig().Timeout
	}

	r := &HTTPRequester{
		baseURL: base,
		client:  &http.Client{Timeout: cfg.Timeout},
		session: session,
		agent:   cfg.UserAgent,
		logger:  zap.NewNop(),
	}
	if cfg.RateLimit > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Request sends body as JSON with the given method to path.
func (r *HTTPRequester) Request(ctx context.Context, method, path string, body any) (int, []byte, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return 0, nil, err
		}
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	requestID := uuid.New().String()
	req.Header.Set("X-Request-ID", requestID)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.agent != "" {
		req.Header.Set("User-Agent", r.agent)
	}
	if r.session != nil {
		if token := r.session.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Debug("Request failed",
			zap.String("path", path),
			zap.String("request_id", requestID),
			zap.Error(err))
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response body: %w", err)
	}
	return resp.StatusCode, b, nil
}

// Client combines a Requester with a Session's response policy.
type Client struct {
	requester Requester
	session   *Session
}

// NewClient creates a Client. A nil session gets a fresh empty Session so the
// response policy still applies.
func NewClient(r Requester, session *Session) *Client {
	if session == nil {
		session = NewSession("")
	}
	return &Client{requester: r, session: session}
}

// Session returns the session handle used by this client.
func (c *Client) Session() *Session {
	return c.session
}

// Call POSTs in to path, applies the response policy and decodes the body
// into out. out may be nil, and an empty body leaves out untouched.
func (c *Client) Call(ctx context.Context, path string, in, out any) error {
	if c.session.Invalidated() {
		return fmt.Errorf("%s: %w", path, ErrSessionInvalid)
	}

	status, body, err := c.requester.Request(ctx, http.MethodPost, path, in)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if err := c.session.HandleResponse(path, status, body); err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", path, err)
	}
	return nil
}
