// Package sonnen reads the local JSON API of a sonnenBatterie.
package sonnen

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"sonnen-monitor/internal/battery"
	"sonnen-monitor/internal/logger"

	"github.com/sony/gobreaker"
)

const (
	latestDataPath = "/api/v2/latestdata"
	statusPath     = "/api/v2/status"
	authHeader     = "Auth-Token"
	userAgent      = "sonnen-monitor"

	maxBodySize = 1 << 20

	defaultTimeout          = 10 * time.Second
	defaultBreakerThreshold = 5
	defaultBreakerTimeout   = 30 * time.Second
)

// ErrUnauthorized is returned when the battery rejects the auth token.
var ErrUnauthorized = errors.New("unauthorized: check the auth token")

// FetchError wraps every failure of a device request.
type FetchError struct {
	Op   string // "latestdata", "status", "decode" or "fetch"
	Host string
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("sonnen %s (%s): %v", e.Op, e.Host, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Config holds the connection settings of one battery.
type Config struct {
	Host      string // IP, hostname or base URL
	AuthToken string
	Timeout   time.Duration

	// BreakerThreshold is the number of consecutive failed fetches that open
	// the circuit breaker. BreakerTimeout is how long it stays open.
	BreakerThreshold uint32
	BreakerTimeout   time.Duration
}

// Client fetches snapshots from one battery.
type Client struct {
	host       string
	baseURL    string
	token      string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	now        func() time.Time
}

// NewClient creates a client for the battery described by cfg.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	threshold := cfg.BreakerThreshold
	if threshold == 0 {
		threshold = defaultBreakerThreshold
	}
	breakerTimeout := cfg.BreakerTimeout
	if breakerTimeout <= 0 {
		breakerTimeout = defaultBreakerTimeout
	}

	c := &Client{
		host:       cfg.Host,
		baseURL:    baseURL(cfg.Host),
		token:      cfg.AuthToken,
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "sonnen-" + cfg.Host,
		MaxRequests: 1,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("Battery circuit breaker changed state")
		},
	})

	return c
}

func baseURL(host string) string {
	host = strings.TrimRight(host, "/")
	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		return host
	}
	return "http://" + host
}

// Fetch reads both payloads and returns them as one snapshot. Nothing is
// returned unless both requests and both parses succeed.
func (c *Client) Fetch(ctx context.Context) (*battery.Snapshot, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.fetchSnapshot(ctx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &FetchError{Op: "fetch", Host: c.host, Err: err}
		}
		return nil, err
	}
	return result.(*battery.Snapshot), nil
}

func (c *Client) fetchSnapshot(ctx context.Context) (*battery.Snapshot, error) {
	details, err := c.FetchLatestData(ctx)
	if err != nil {
		return nil, err
	}
	status, err := c.FetchStatus(ctx)
	if err != nil {
		return nil, err
	}

	snap, err := battery.NewSnapshot(details, status, c.now())
	if err != nil {
		return nil, &FetchError{Op: "decode", Host: c.host, Err: err}
	}
	return snap, nil
}

// FetchLatestData returns the raw body of /api/v2/latestdata.
func (c *Client) FetchLatestData(ctx context.Context) ([]byte, error) {
	body, err := c.fetchJSON(ctx, c.baseURL+latestDataPath)
	if err != nil {
		return nil, &FetchError{Op: battery.PayloadLatestData, Host: c.host, Err: err}
	}
	return body, nil
}

// FetchStatus returns the raw body of /api/v2/status.
func (c *Client) FetchStatus(ctx context.Context) ([]byte, error) {
	body, err := c.fetchJSON(ctx, c.baseURL+statusPath)
	if err != nil {
		return nil, &FetchError{Op: battery.PayloadStatus, Host: c.host, Err: err}
	}
	return body, nil
}

// TestConnection performs a single authenticated request.
func (c *Client) TestConnection(ctx context.Context) error {
	_, err := c.FetchStatus(ctx)
	return err
}

// fetchJSON performs an authenticated GET and returns the response body
func (c *Client) fetchJSON(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", url, err)
	}
	req.Header.Set(authHeader, c.token)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w (status code %d from %s)", ErrUnauthorized, resp.StatusCode, url)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("unexpected status code %d from %s", resp.StatusCode, url)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read body from %s: %w", url, err)
	}
	return body, nil
}
