package ux

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	azidentity "github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"

	eve "notesync.evalgo.org/common"
	"notesync.evalgo.org/telemetry"
)

const (
	maxAttempts    = 8
	requestTimeout = 30 * time.Second
	graphScope     = "https://graph.microsoft.com/.default"
)

// ErrThrottled wraps the last throttling status code once Do has
// exhausted maxAttempts against a directory endpoint that kept
// responding 429/503/504, so callers can distinguish a retry-budget
// exhaustion from a non-retryable HTTP error using errors.As.
type ErrThrottled struct {
	URL        string
	StatusCode int
}

func (e *ErrThrottled) Error() string {
	return fmt.Sprintf("ux: exceeded retry budget for %s, still throttled with status %d", e.URL, e.StatusCode)
}

// TokenSource returns a bearer token for Graph-scope requests.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// ClientSecretTokenSource wraps azidentity's client-credentials flow.
type ClientSecretTokenSource struct {
	cred *azidentity.ClientSecretCredential
}

// NewClientSecretTokenSource builds a token source for a tenant/app
// registration's client-credentials flow, grounded on the same
// azidentity.NewClientSecretCredential constructor used elsewhere in
// this codebase for service-to-service Azure auth.
func NewClientSecretTokenSource(tenantID, clientID, clientSecret string) (*ClientSecretTokenSource, error) {
	cred, err := azidentity.NewClientSecretCredential(tenantID, clientID, clientSecret, nil)
	if err != nil {
		return nil, fmt.Errorf("ux: create client secret credential: %w", err)
	}
	return &ClientSecretTokenSource{cred: cred}, nil
}

func (t *ClientSecretTokenSource) Token(ctx context.Context) (string, error) {
	tok, err := t.cred.GetToken(ctx, policy.TokenRequestOptions{Scopes: []string{graphScope}})
	if err != nil {
		return "", fmt.Errorf("ux: acquire token: %w", err)
	}
	return tok.Token, nil
}

// Client performs Graph HTTP calls with the adaptive throttling and
// retry envelope described in spec_full §11/§8 scenario 6: up to
// maxAttempts tries, honoring Retry-After on 429/503/504, doubling a
// jittered backoff otherwise, and feeding AdaptiveLimiter so the page
// size and inter-page sleep degrade under sustained throttling.
type Client struct {
	HTTP    *http.Client
	Tokens  TokenSource
	Limiter *AdaptiveLimiter
	// BaseURL defaults to the production Graph root; tests override it
	// to point at an httptest server.
	BaseURL string
	// Metrics is optional; when set, every 429/503/504 response
	// increments its HTTPThrottles counter (spec_full §12.3).
	Metrics *telemetry.Metrics
}

// NewClient builds a Client with a fresh AdaptiveLimiter seeded at
// pageSize.
func NewClient(tokens TokenSource, pageSize int) *Client {
	return &Client{
		HTTP:    &http.Client{Timeout: requestTimeout},
		Tokens:  tokens,
		Limiter: NewAdaptiveLimiter(pageSize),
		BaseURL: graphRoot,
	}
}

// Do issues method/url (with an optional JSON body) and retries on
// throttling responses, returning the final response body on success.
func (c *Client) Do(ctx context.Context, method, url string, body io.Reader) ([]byte, int, error) {
	delay := time.Second
	lastThrottleStatus := 0
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = io.ReadAll(body)
		if err != nil {
			return nil, 0, err
		}
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		token, err := c.Tokens.Token(ctx)
		if err != nil {
			return nil, 0, err
		}

		var reqBody io.Reader
		if bodyBytes != nil {
			reqBody = &byteReader{b: bodyBytes}
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
		if err != nil {
			return nil, 0, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.HTTP.Do(req)
		if err != nil {
			return nil, 0, fmt.Errorf("ux: request %s %s: %w", method, url, err)
		}
		data, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, 0, readErr
		}

		switch resp.StatusCode {
		case 200, 201, 204:
			c.Limiter.NoteSuccess()
			return data, resp.StatusCode, nil
		case 429, 503, 504:
			c.Limiter.NoteServiceError()
			lastThrottleStatus = resp.StatusCode
			if c.Metrics != nil {
				c.Metrics.HTTPThrottles.WithLabelValues("graph").Inc()
			}
			wait := retryAfterOrDefault(resp.Header.Get("Retry-After"), delay)
			eve.Logger.WithField("status", resp.StatusCode).WithField("attempt", attempt).WithField("wait", wait).Warn("ux: throttled, retrying")
			time.Sleep(wait)
			delay = minDuration(delay*2, 30*time.Second)
			continue
		default:
			return nil, resp.StatusCode, fmt.Errorf("ux: http %d from %s: %s", resp.StatusCode, url, string(data))
		}
	}
	return nil, 0, &ErrThrottled{URL: url, StatusCode: lastThrottleStatus}
}

func retryAfterOrDefault(header string, delay time.Duration) time.Duration {
	if header != "" {
		if secs, err := strconv.ParseFloat(header, 64); err == nil {
			return time.Duration(secs * float64(time.Second))
		}
	}
	return delay + time.Duration(rand.Float64()*0.5*float64(delay))
}

type byteReader struct {
	b   []byte
	pos int
}

func (r *byteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.pos:])
	r.pos += n
	return n, nil
}
