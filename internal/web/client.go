package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rotisserie/eris"

	"github.com/eslider/triggerd/internal/model"
)

// Client talks to a running daemon's admin API. Connection-refused and
// 503 responses are retried with exponential backoff; once retries are
// exhausted the caller gets model.ErrNotReady rather than a hard error,
// so startup races can be polled through.
type Client struct {
	base   string
	secret string
	http   *retryablehttp.Client
}

const (
	clientRetryMax  = 5
	clientBackoff   = 500 * time.Millisecond
	clientTimeout   = 10 * time.Second
	backoffFactor   = 1.5
	maxBackoffDelay = 10 * time.Second
)

// NewClient creates an admin client for the given base URL, e.g.
// "http://127.0.0.1:12050". secret may be empty.
func NewClient(base, secret string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = clientRetryMax
	rc.HTTPClient.Timeout = clientTimeout
	rc.Logger = nil
	rc.CheckRetry = checkRetry
	rc.Backoff = backoff
	return &Client{base: base, secret: secret, http: rc}
}

// checkRetry retries connection failures and 503 only. Every other
// status is a final answer.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	return resp.StatusCode == http.StatusServiceUnavailable, nil
}

// backoff grows the delay by 1.5x per attempt from the base delay.
func backoff(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
	d := clientBackoff
	for i := 0; i < attemptNum; i++ {
		d = time.Duration(float64(d) * backoffFactor)
	}
	if d > maxBackoffDelay {
		d = maxBackoffDelay
	}
	return d
}

func (c *Client) do(method, path string) ([]byte, error) {
	req, err := retryablehttp.NewRequest(method, c.base+path, nil)
	if err != nil {
		return nil, err
	}
	if c.secret != "" {
		req.Header.Set("x-admin-secret", c.secret)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Retries exhausted on a connection-level failure: the daemon
		// is likely still starting.
		return nil, eris.Wrap(model.ErrNotReady, err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, model.ErrNotFound
	case http.StatusForbidden:
		return nil, model.ErrUnauthorized
	default:
		return nil, fmt.Errorf("admin API %s: status %d", path, resp.StatusCode)
	}

	// A 200 body may still be a notReady stub.
	var stub struct {
		NotReady bool `json:"notReady"`
	}
	if json.Unmarshal(body, &stub) == nil && stub.NotReady {
		return nil, model.ErrNotReady
	}
	return body, nil
}

// State fetches the full trigger snapshot.
func (c *Client) State() (*model.StateSnapshot, error) {
	body, err := c.do(http.MethodGet, "/api/state")
	if err != nil {
		return nil, err
	}
	var snap model.StateSnapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return nil, eris.Wrap(err, "decode state")
	}
	return &snap, nil
}

// TokenResult is the reveal/regenerate response.
type TokenResult struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

// Reveal returns the permanent token and firing URL for a webhook.
func (c *Client) Reveal(name string) (*TokenResult, error) {
	return c.tokenOp(name, "reveal")
}

// Regenerate replaces the permanent token and returns the new value.
func (c *Client) Regenerate(name string) (*TokenResult, error) {
	return c.tokenOp(name, "regenerate")
}

func (c *Client) tokenOp(name, op string) (*TokenResult, error) {
	body, err := c.do(http.MethodPost, "/api/webhooks/"+url.PathEscape(name)+"/"+op)
	if err != nil {
		return nil, err
	}
	var res TokenResult
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, eris.Wrap(err, "decode token response")
	}
	return &res, nil
}

// Ephemeral grants a short-lived token with the given TTL in seconds.
func (c *Client) Ephemeral(name string, ttlSeconds int) (*model.EphemeralGrant, error) {
	path := fmt.Sprintf("/api/webhooks/%s/ephemeral?ttl=%d", url.PathEscape(name), ttlSeconds)
	body, err := c.do(http.MethodPost, path)
	if err != nil {
		return nil, err
	}
	var grant model.EphemeralGrant
	if err := json.Unmarshal(body, &grant); err != nil {
		return nil, eris.Wrap(err, "decode ephemeral grant")
	}
	return &grant, nil
}

// Health probes liveness. Returns the daemon uptime in milliseconds.
func (c *Client) Health() (int64, error) {
	body, err := c.do(http.MethodGet, "/health")
	if err != nil {
		return 0, err
	}
	var res struct {
		OK bool  `json:"ok"`
		MS int64 `json:"ms"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return 0, err
	}
	if !res.OK {
		return 0, model.ErrNotReady
	}
	return res.MS, nil
}
