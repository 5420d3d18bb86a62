// Package ocpiclient performs the outbound OCPI calls of the registration
// handshake.
package ocpiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rsclarke/mspsim/internal/logging"
	"github.com/rsclarke/mspsim/internal/ocpi"
	"go.uber.org/zap"
)

// DefaultTimeout bounds every outbound call.
const DefaultTimeout = 30 * time.Second

const maxResponseBytes = 1 << 20

// Response is the outcome of one outbound call. Body is only set for 2xx
// answers that decode; Raw always holds the response text. DecodeErr is set
// when a 2xx body is not a valid OCPI envelope.
type Response[T any] struct {
	StatusCode    int
	Body          *ocpi.Response[T]
	Raw           string
	DecodeErr     error
	RequestBody   string
	RequestID     string
	CorrelationID string
}

// Client talks to a peer's OCPI endpoints.
type Client struct {
	client *http.Client
	logger *zap.Logger
}

// New creates a Client with the given timeout. A zero timeout uses
// DefaultTimeout.
func New(timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// GetVersions fetches a peer's versions list.
func (c *Client) GetVersions(ctx context.Context, url, token string) (*Response[[]ocpi.VersionInfo], error) {
	return do[[]ocpi.VersionInfo](ctx, c, http.MethodGet, url, token, nil)
}

// GetEndpoints fetches the endpoint list for one version.
func (c *Client) GetEndpoints(ctx context.Context, url, token string) (*Response[ocpi.VersionDetails], error) {
	return do[ocpi.VersionDetails](ctx, c, http.MethodGet, url, token, nil)
}

// PostCredentials registers our credentials with a peer.
func (c *Client) PostCredentials(ctx context.Context, url string, cred ocpi.Credential, token string) (*Response[*ocpi.Credential], error) {
	body, err := json.Marshal(cred)
	if err != nil {
		return nil, fmt.Errorf("marshal credentials: %w", err)
	}
	return do[*ocpi.Credential](ctx, c, http.MethodPost, url, token, body)
}

// A transport fault is returned as an error. Any HTTP answer, including
// non-2xx and undecodable bodies, is returned as a Response.
func do[T any](ctx context.Context, c *Client, method, url, token string, body []byte) (*Response[T], error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	out := &Response[T]{
		RequestBody:   string(body),
		RequestID:     uuid.NewString(),
		CorrelationID: uuid.NewString(),
	}
	req.Header.Set("X-Request-ID", out.RequestID)
	req.Header.Set("X-Correlation-ID", out.CorrelationID)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Token "+token)
	}

	c.logger.Info("sending request", logging.Method(method), logging.URL(url), logging.RequestID(out.RequestID))

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("request failed", logging.Method(method), logging.URL(url), zap.Error(err))
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer func(Body io.ReadCloser) {
		_ = Body.Close()
	}(resp.Body)

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	out.StatusCode = resp.StatusCode
	out.Raw = string(raw)

	c.logger.Info("received response", logging.Method(method), logging.URL(url), logging.Status(resp.StatusCode))
	c.logger.Debug("response body", logging.URL(url), zap.String("body", out.Raw))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return out, nil
	}

	var parsed ocpi.Response[T]
	if err := json.Unmarshal(raw, &parsed); err != nil {
		c.logger.Warn("undecodable response", logging.URL(url), logging.Status(resp.StatusCode), zap.Error(err))
		out.DecodeErr = fmt.Errorf("decoding response from %s: %w", url, err)
		return out, nil
	}
	out.Body = &parsed
	return out, nil
}
