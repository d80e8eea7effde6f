// Package gateway connects the relay to a managed WebSocket gateway. The
// gateway terminates client sockets, forwards their events to us over HTTP
// and accepts outgoing frames per connection.
package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/relay/internal/adapter/metrics"
	"github.com/pscheid92/relay/internal/domain"
	"github.com/pscheid92/relay/internal/platform/retry"
	"github.com/sony/gobreaker"
)

// Post results recorded in metrics.
const (
	resultOK        = "ok"
	resultGone      = "gone"
	resultRetryable = "retryable"
	resultRejected  = "rejected"
	resultOpen      = "open"
)

// DefaultPolicy retries throttled and failed posts a few times.
var DefaultPolicy = retry.Policy{
	MaxAttempts:      3,
	InitialBackoff:   100 * time.Millisecond,
	MaxBackoff:       2 * time.Second,
	RateLimitBackoff: time.Second,
}

// statusError is a non-2xx answer from the gateway.
type statusError struct {
	code       int
	retryAfter time.Duration
}

func (e *statusError) Error() string {
	return fmt.Sprintf("gateway responded %d %s", e.code, http.StatusText(e.code))
}

func (e *statusError) RetryAfter() time.Duration { return e.retryAfter }

// Client posts frames to gateway connections.
type Client struct {
	endpoint string
	http     *http.Client
	breaker  *gobreaker.CircuitBreaker
	policy   retry.Policy
	clock    clockwork.Clock
	metrics  *metrics.GatewayMetrics
}

// NewClient creates a client for the connection API rooted at endpoint.
// gatewayMetrics may be nil.
func NewClient(endpoint string, timeout time.Duration, policy retry.Policy, clock clockwork.Clock, gatewayMetrics *metrics.GatewayMetrics) *Client {
	c := &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		http:     &http.Client{Timeout: timeout},
		policy:   policy,
		clock:    clock,
		metrics:  gatewayMetrics,
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "gateway",
		MaxRequests: 1,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		IsSuccessful: countsAsSuccess,
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Circuit breaker state changed", "component", name, "from", from.String(), "to", to.String())
			c.metrics.SetBreakerState(stateToFloat(to))
		},
	})

	return c
}

// PostToConnection delivers frame to one gateway connection. It returns an
// error wrapping domain.ErrConnectionGone when the gateway no longer knows
// the connection.
func (c *Client) PostToConnection(ctx context.Context, connectionID string, frame []byte) error {
	start := c.clock.Now()
	err := retry.DoVoid(ctx, c.policy, classify, func(ctx context.Context) error {
		_, err := c.breaker.Execute(func() (any, error) {
			return nil, c.post(ctx, connectionID, frame)
		})
		return err
	})
	c.metrics.OnPost(resultOf(err), c.clock.Since(start))

	if err != nil {
		return fmt.Errorf("post to connection %s: %w", connectionID, err)
	}
	return nil
}

// State reports the breaker state.
func (c *Client) State() gobreaker.State {
	return c.breaker.State()
}

// Check fails while the breaker is open, which keeps the instance out of
// rotation until the gateway answers again.
func (c *Client) Check(context.Context) error {
	if c.breaker.State() == gobreaker.StateOpen {
		return fmt.Errorf("gateway: %w", gobreaker.ErrOpenState)
	}
	return nil
}

func (c *Client) post(ctx context.Context, connectionID string, frame []byte) error {
	target := c.endpoint + "/@connections/" + url.PathEscape(connectionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(frame))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusGone:
		return domain.ErrConnectionGone
	default:
		return &statusError{code: resp.StatusCode, retryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	}
}

func classify(err error) retry.Action {
	if errors.Is(err, domain.ErrConnectionGone) ||
		errors.Is(err, gobreaker.ErrOpenState) ||
		errors.Is(err, gobreaker.ErrTooManyRequests) ||
		errors.Is(err, context.Canceled) {
		return retry.Stop
	}

	var status *statusError
	if errors.As(err, &status) {
		switch {
		case status.code == http.StatusTooManyRequests:
			return retry.After
		case status.code >= 500:
			return retry.Retry
		default:
			return retry.Stop
		}
	}

	// network errors and timeouts
	return retry.Retry
}

// countsAsSuccess keeps answers about the request itself (gone, bad request)
// from tripping the breaker; only throttling, 5xx and transport errors count.
func countsAsSuccess(err error) bool {
	if err == nil || errors.Is(err, domain.ErrConnectionGone) {
		return true
	}
	var status *statusError
	if errors.As(err, &status) {
		return status.code < 500 && status.code != http.StatusTooManyRequests
	}
	return false
}

func resultOf(err error) string {
	var permanent *retry.PermanentError
	switch {
	case err == nil:
		return resultOK
	case errors.Is(err, domain.ErrConnectionGone):
		return resultGone
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return resultOpen
	case errors.As(err, &permanent):
		return resultRejected
	default:
		return resultRetryable
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
