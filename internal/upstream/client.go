package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultTimeout = 600 * time.Second
	maxRetries     = 3
	initialBackoff = 1 * time.Second
)

// Failure classes surfaced to callers. Each maps to a distinct
// user-displayable message; see UserMessage.
var (
	ErrTimeout    = errors.New("upstream timeout")
	ErrConnection = errors.New("upstream connection failed")
)

// Client communicates with a Dify-style conversational AI backend.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	timeout    time.Duration
}

// NewClient creates a client for the chat-messages API at baseURL. timeout
// bounds a whole streamed exchange; zero means the 600s default.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		// Per-request deadlines come from the context; the client itself
		// must not cut a long streamed body short.
		httpClient: &http.Client{Timeout: 0},
		timeout:    timeout,
	}
}

// Timeout returns the configured per-exchange timeout.
func (c *Client) Timeout() time.Duration {
	return c.timeout
}

// Chat posts a chat-messages request and returns the raw response body. For
// streaming payloads the body yields SSE-style `data: {...}` lines; it is
// single-pass and the caller must close it. Transient upstream statuses
// (429, 5xx) are retried with exponential backoff; other client errors fail
// immediately.
func (c *Client) Chat(ctx context.Context, p Payload) (io.ReadCloser, error) {
	body, err := json.Marshal(p.withDefaults())
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	var lastErr error
	for attempt := range maxRetries {
		rc, err := c.doChat(ctx, body)
		if err == nil {
			return rc, nil
		}
		if !isRetryable(err) {
			return nil, err
		}

		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return nil, classify(ctx.Err())
			case <-time.After(backoff):
			}
		}
	}

	return nil, fmt.Errorf("upstream unavailable after %d retries: %w", maxRetries, lastErr)
}

func (c *Client) doChat(ctx context.Context, body []byte) (io.ReadCloser, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/chat-messages", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, classify(err)
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		return nil, &statusError{status: resp.StatusCode, body: string(respBody)}
	}

	// Tie the timeout context to the body so the deadline keeps covering the
	// streamed read and is released when the caller closes it.
	return &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}, nil
}

// Ping probes upstream reachability without sending a chat message.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classify(err)
	}
	resp.Body.Close()
	return nil
}

// statusError is a non-2xx upstream response.
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("upstream returned status %d", e.status)
	}
	return fmt.Sprintf("upstream returned status %d: %s", e.status, e.body)
}

func isRetryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.status == http.StatusTooManyRequests || se.status >= 500
	}
	return false
}

// classify maps a transport error onto the timeout/connection failure
// classes; anything unrecognized is returned as-is (generic request failure).
func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	return err
}

// UserMessage renders an upstream failure as the message shown (and
// persisted) as the bot's reply. timeout is the configured exchange timeout,
// included in the timeout-class message.
func UserMessage(err error, timeout time.Duration) string {
	switch {
	case errors.Is(err, ErrTimeout):
		return fmt.Sprintf("Request timeout: The server took too long to respond (timeout: %ds). Please try again with a simpler query.", int(timeout.Seconds()))
	case errors.Is(err, ErrConnection):
		return "Connection error: Unable to connect to the AI service. Please check your internet connection and try again."
	default:
		return fmt.Sprintf("Request error: %v", err)
	}
}

// cancelOnClose wraps a ReadCloser and cancels a context on Close. The
// exchange deadline can fire while the body is still being streamed, so read
// errors go through the same classification as request-initiation failures.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Read(p []byte) (int, error) {
	n, err := c.ReadCloser.Read(p)
	if err != nil && err != io.EOF {
		err = classify(err)
	}
	return n, err
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
