package psp

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"
)

const maxResponseBody = 1 << 20

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Caller performs provider HTTP calls behind a circuit breaker. Transport
// faults and 5xx/401/403/429 answers count as failures and come back as
// *TransportError; any other answer is returned for the adapter to decode.
type Caller struct {
	provider string
	client   *http.Client
	cb       *gobreaker.CircuitBreaker[Response]
}

type BreakerSettings struct {
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
}

func NewCaller(provider string, client *http.Client, bs BreakerSettings, logger *slog.Logger) *Caller {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if bs.ConsecutiveFailures == 0 {
		bs.ConsecutiveFailures = 5
	}
	if bs.OpenTimeout == 0 {
		bs.OpenTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	cb := gobreaker.NewCircuitBreaker[Response](gobreaker.Settings{
		Name:        provider,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     bs.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= bs.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("psp circuit state changed", "provider", name, "from", from.String(), "to", to.String())
		},
	})
	return &Caller{provider: provider, client: client, cb: cb}
}

func (c *Caller) Do(req *http.Request, op string) (Response, error) {
	resp, err := c.cb.Execute(func() (Response, error) {
		r, err := c.client.Do(req)
		if err != nil {
			return Response{}, &TransportError{Provider: c.provider, Op: op, Err: err}
		}
		defer r.Body.Close()

		body, err := io.ReadAll(io.LimitReader(r.Body, maxResponseBody))
		if err != nil {
			return Response{}, &TransportError{Provider: c.provider, Op: op, StatusCode: r.StatusCode, Err: err}
		}
		out := Response{StatusCode: r.StatusCode, Header: r.Header, Body: body}
		if isTransportStatus(r.StatusCode) {
			return out, &TransportError{
				Provider:   c.provider,
				Op:         op,
				StatusCode: r.StatusCode,
				Err:        fmt.Errorf("unexpected response: %s", snippet(body)),
			}
		}
		return out, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Response{}, &TransportError{Provider: c.provider, Op: op, Err: err}
	}
	return resp, err
}

// Malformed wraps a body the adapter could not decode.
func (c *Caller) Malformed(op string, status int, err error) error {
	return &TransportError{Provider: c.provider, Op: op, StatusCode: status, Err: fmt.Errorf("malformed response: %w", err)}
}

func isTransportStatus(code int) bool {
	return code >= 500 || code == http.StatusUnauthorized || code == http.StatusForbidden ||
		code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
}

func snippet(b []byte) string {
	if len(b) > 200 {
		return string(b[:200]) + "..."
	}
	return string(b)
}
