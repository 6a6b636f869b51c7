package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode"

	"pix-billing/internal/config"

	"github.com/VictoriaMetrics/metrics"
)

const (
	defaultTimeoutMs        = 15_000
	defaultConnectTimeoutMs = 5_000
	defaultMaxAttempts      = 3
	defaultBackoffBaseMs    = 500
	defaultJitter           = 0.2
	userAgent               = "pix-billing"
)

var retryableStatuses = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

func IsRetryableStatus(status int) bool {
	return retryableStatuses[status]
}

type sleepFunc func(ctx context.Context, d time.Duration) error

// Client talks to the PIX provider. Every attempt is counted and timed; see
// Call for the retry policy.
type Client struct {
	baseURL     string
	apiKey      string
	httpClient  *http.Client
	maxAttempts int
	backoffBase time.Duration
	jitter      float64
	sleep       sleepFunc
	logger      *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func withSleep(fn sleepFunc) Option {
	return func(c *Client) { c.sleep = fn }
}

func NewClient(cfg config.Provider, logger *slog.Logger, opts ...Option) *Client {
	timeoutMs := orDefault(cfg.TimeoutMs, defaultTimeoutMs)
	connectTimeoutMs := orDefault(cfg.ConnectTimeoutMs, defaultConnectTimeoutMs)

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: time.Duration(connectTimeoutMs) * time.Millisecond}).DialContext

	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout:   time.Duration(timeoutMs) * time.Millisecond,
			Transport: transport,
		},
		maxAttempts: orDefault(cfg.MaxAttempts, defaultMaxAttempts),
		backoffBase: time.Duration(orDefault(cfg.BackoffBaseMs, defaultBackoffBaseMs)) * time.Millisecond,
		jitter:      cfg.Jitter,
		sleep:       sleepCtx,
		logger:      logger,
	}
	if c.jitter <= 0 {
		c.jitter = defaultJitter
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call sends body (JSON encoded, nil for none) and returns the final status
// and payload. 429, 500, 502, 503, 504 and transport failures are retried
// with exponential backoff; any other status is returned as is. If every
// attempt fails at the transport level the last error is returned.
func (c *Client) Call(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("encode %s %s body: %w", method, path, err)
		}
	}

	var (
		status  int
		payload []byte
		err     error
		delay   = c.backoffBase
	)

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		status, payload, err = c.do(ctx, method, path, raw)
		if err == nil && !IsRetryableStatus(status) {
			return status, payload, nil
		}
		if ctx.Err() != nil {
			return 0, nil, ctx.Err()
		}
		if attempt == c.maxAttempts {
			break
		}

		wait := c.withJitter(delay)
		c.logger.WarnContext(ctx, "Retrying provider request",
			"method", method, "path", path, "attempt", attempt, "status", status, "error", err, "backoff", wait)

		if sleepErr := c.sleep(ctx, wait); sleepErr != nil {
			return 0, nil, sleepErr
		}
		delay *= 2
	}

	if err != nil {
		return 0, nil, fmt.Errorf("%s %s failed after %d attempts: %w", method, path, c.maxAttempts, err)
	}
	return status, payload, nil
}

func (c *Client) do(ctx context.Context, method, path string, raw []byte) (int, []byte, error) {
	endpoint := metricEndpoint(path)
	start := time.Now()

	var reader io.Reader
	if raw != nil {
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("access_token", c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		observe(method, "error", endpoint, start)
		return 0, nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	observe(method, strconv.Itoa(resp.StatusCode), endpoint, start)
	if err != nil {
		return 0, nil, err
	}

	c.logger.DebugContext(ctx, "Provider response", "method", method, "path", path, "status", resp.StatusCode)
	return resp.StatusCode, payload, nil
}

func (c *Client) withJitter(d time.Duration) time.Duration {
	return d + time.Duration(rand.Float64()*c.jitter*float64(d))
}

func observe(method, status, endpoint string, start time.Time) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`provider_requests_total{method=%q,status=%q,endpoint=%q}`,
		method, status, endpoint)).Inc()
	metrics.GetOrCreateHistogram(fmt.Sprintf(`provider_request_duration_seconds{method=%q,endpoint=%q}`,
		method, endpoint)).UpdateDuration(start)
}

// metricEndpoint replaces provider ids in path with ":id" so the endpoint
// label stays bounded.
func metricEndpoint(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	segments := strings.Split(path, "/")
	for i, segment := range segments {
		if strings.IndexFunc(segment, unicode.IsDigit) >= 0 {
			segments[i] = ":id"
		}
	}
	return strings.Join(segments, "/")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
