// Package upstream calls the upstream LLM multiplexer over HTTP, protected
// by a circuit breaker and a single bounded retry.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/cfxhq/router/internal/breaker"
)

// retryPause is the fixed delay before the single retry attempt.
const retryPause = 500 * time.Millisecond

// Kind classifies an upstream call failure for the pipeline's error mapping.
type Kind int

const (
	KindNone Kind = iota
	KindCircuitOpen
	KindTransient // exhausted retries on a retryable condition
	KindPermanent // non-2xx, non-retryable
)

// Error wraps a classified upstream failure.
type Error struct {
	Kind       Kind
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upstream: %v", e.Err)
	}
	return fmt.Sprintf("upstream: status %d", e.StatusCode)
}

func (e *Error) Unwrap() error { return e.Err }

// Client calls the upstream multiplexer's chat-completions endpoint.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *breaker.Breaker
}

// New builds a Client with a pooled, tuned *http.Client, matching the
// connection-reuse shape of a well-configured production HTTP client
// rather than leaving Transport at its zero value.
func New(baseURL string, connectTimeout, requestTimeout time.Duration, br *breaker.Breaker) *Client {
	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: connectTimeout}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   connectTimeout,
		ResponseHeaderTimeout: requestTimeout,
	}

	return &Client{
		baseURL: baseURL,
		http: &http.Client{
			Transport: transport,
			Timeout:   requestTimeout,
		},
		breaker: br,
	}
}

// isRetryable reports whether a non-2xx status code warrants one retry.
func isRetryable(status int) bool {
	return status == http.StatusBadGateway || status == http.StatusServiceUnavailable || status == http.StatusGatewayTimeout
}

// Do sends the given JSON request body to the chat-completions endpoint and
// returns the raw response on success, applying the breaker and a single
// bounded retry. The caller is responsible for closing resp.Body.
func (c *Client) Do(ctx context.Context, body []byte) (*http.Response, error) {
	if !c.breaker.AllowRequest() {
		return nil, &Error{Kind: KindCircuitOpen}
	}

	resp, err := c.attempt(ctx, body)
	if err == nil {
		c.breaker.RecordSuccess()
		return resp, nil
	}

	var uerr *Error
	if !errors.As(err, &uerr) || !c.shouldRetry(uerr) {
		c.breaker.RecordFailure()
		return nil, err
	}

	timer := time.NewTimer(retryPause)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		c.breaker.RecordFailure()
		return nil, ctx.Err()
	case <-timer.C:
	}

	resp, err = c.attempt(ctx, body)
	if err != nil {
		c.breaker.RecordFailure()
		return nil, err
	}

	c.breaker.RecordSuccess()
	return resp, nil
}

func (c *Client) shouldRetry(err *Error) bool {
	if err.StatusCode != 0 {
		return isRetryable(err.StatusCode)
	}
	// A network-level timeout or connect error (StatusCode == 0) is
	// always eligible for the single retry.
	return true
}

func (c *Client) attempt(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindTransient, Err: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	kind := KindPermanent
	if isRetryable(resp.StatusCode) {
		kind = KindTransient
	}
	return nil, &Error{Kind: kind, StatusCode: resp.StatusCode, Err: fmt.Errorf("upstream returned %d: %s", resp.StatusCode, respBody)}
}

// DecodeJSON reads and JSON-decodes a non-streaming response body.
func DecodeJSON(resp *http.Response, dst any) error {
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decoding upstream response: %w", err)
	}
	return nil
}
