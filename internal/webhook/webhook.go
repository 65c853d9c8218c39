// Package webhook sends assembled documents to the TRMNL webhook
package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultTimeout bounds a single POST
const DefaultTimeout = 30 * time.Second

// maxResponseBody limits how much of the response is kept for logs
const maxResponseBody = 4096

var (
	// ErrMissingURL means no webhook URL is configured
	ErrMissingURL = errors.New("webhook URL is required")

	// ErrInvalidURL means the URL is not an absolute http(s) URL
	ErrInvalidURL = errors.New("webhook URL must start with http:// or https://")
)

// StatusError is returned for any response other than 200
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("webhook returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("webhook returned HTTP %d: %s", e.StatusCode, e.Body)
}

// Response describes a completed request
type Response struct {
	StatusCode int
	Body       string
	Duration   time.Duration
}

// Client posts JSON bodies
type Client struct {
	http      *http.Client
	userAgent string
}

// New creates a client. A nil httpClient gets DefaultTimeout.
func New(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{
		http:      httpClient,
		userAgent: "trmnlpush/1.0",
	}
}

// ValidateURL checks that raw is an absolute http or https URL
func ValidateURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ErrMissingURL
	}
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		return ErrInvalidURL
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ErrInvalidURL
	}
	return nil
}

// Post sends body once. There is no retry; the next cycle sends fresh data.
// A non-200 response returns the Response together with a *StatusError.
func (c *Client) Post(ctx context.Context, webhookURL string, body []byte) (*Response, error) {
	if err := ValidateURL(webhookURL); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSpace(webhookURL), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))

	result := &Response{
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(respBody)),
		Duration:   time.Since(start),
	}

	if resp.StatusCode != http.StatusOK {
		return result, &StatusError{StatusCode: resp.StatusCode, Body: result.Body}
	}
	return result, nil
}
