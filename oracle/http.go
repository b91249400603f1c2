package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	errUtils "github.com/philtim/tzclock/errors"
)

// maxErrorBody bounds how much of a failed response is read for the message.
const maxErrorBody = 64 << 10

// Doer performs HTTP requests. *http.Client satisfies it; tests may swap it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithTimeout sets the request timeout of the default transport.
func WithTimeout(timeout time.Duration) Option {
	return func(c *HTTPClient) {
		if hc, ok := c.client.(*http.Client); ok && timeout > 0 {
			hc.Timeout = timeout
		}
	}
}

// WithDoer replaces the underlying HTTP client.
func WithDoer(d Doer) Option {
	return func(c *HTTPClient) {
		c.client = d
	}
}

// WithLogger sets the logger used for request tracing.
func WithLogger(l *log.Logger) Option {
	return func(c *HTTPClient) {
		c.logger = l
	}
}

// HTTPClient is an Oracle served by a remote tzclock server.
type HTTPClient struct {
	base   *url.URL
	client Doer
	logger *log.Logger
}

// NewHTTPClient creates a client for the server at baseURL
func NewHTTPClient(baseURL string, opts ...Option) (*HTTPClient, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server url %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid server url %q: scheme must be http or https", baseURL)
	}

	c := &HTTPClient{
		base:   u,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: log.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Current fetches the current instant for tz
func (c *HTTPClient) Current(ctx context.Context, tz string) (time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("api", "current", tz), nil)
	if err != nil {
		return time.Time{}, err
	}

	var resp CurrentResponse
	if err := c.do(req, &resp); err != nil {
		return time.Time{}, err
	}
	return resp.Instant()
}

// Convert asks the server to convert req
func (c *HTTPClient) Convert(ctx context.Context, req ConvertRequest) (time.Time, error) {
	body, err := json.Marshal(ConvertPayload{DT: req.Source, From: req.From, To: req.To})
	if err != nil {
		return time.Time{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("api", "convert"), bytes.NewReader(body))
	if err != nil {
		return time.Time{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	var resp ConvertResponse
	if err := c.do(httpReq, &resp); err != nil {
		return time.Time{}, err
	}
	return resp.Instant()
}

// Ping checks that the server answers a current time query for UTC
func (c *HTTPClient) Ping(ctx context.Context) error {
	_, err := c.Current(ctx, "UTC")
	return err
}

// endpoint joins path segments onto the base URL. Timezone ids keep their
// slash so "Europe/Moscow" maps to /api/current/Europe/Moscow; url.URL
// escapes anything else.
func (c *HTTPClient) endpoint(segments ...string) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.Join(segments, "/")
	u.RawPath = ""
	return u.String()
}

func (c *HTTPClient) do(req *http.Request, out any) error {
	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return ctxErr
		}
		c.logger.Debug("oracle request failed", "method", req.Method, "url", req.URL.String(), "err", err)
		return &errUtils.RemoteError{Message: fmt.Sprintf("time server unreachable: %v", err)}
	}
	defer resp.Body.Close()

	c.logger.Debug("oracle request", "method", req.Method, "url", req.URL.String(), "status", resp.StatusCode, "took", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &errUtils.RemoteError{Status: resp.StatusCode, Message: errorMessage(resp, body)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &errUtils.RemoteError{Status: resp.StatusCode, Message: fmt.Sprintf("malformed response: %v", err)}
	}
	return nil
}

// errorMessage extracts the user facing text of a failed response: the
// detail field of a JSON error body, else the raw body, else the status.
func errorMessage(resp *http.Response, body []byte) string {
	var er ErrorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.Detail != "" {
		return er.Detail
	}
	if text := strings.TrimSpace(string(body)); text != "" {
		return text
	}
	return fmt.Sprintf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
}
