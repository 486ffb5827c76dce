package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/context/ctxhttp"

	"github.com/pbaille/arq/internal/logging"
	"github.com/pbaille/arq/internal/metrics"
)

const (
	DefaultBaseURL      = "https://arweave.net"
	DefaultTimeout      = 30 * time.Second
	DefaultMaxBodyBytes = 5 * 1024 * 1024

	userAgent = "arq/1.0 (arfs-reader)"
)

var (
	ErrNotFound = errors.New("gateway: not found")
	ErrTooLarge = errors.New("gateway: response exceeds size limit")
)

// HTTPError is a non-success response the client does not interpret
type HTTPError struct {
	Endpoint string
	Code     int
	Body     string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("gateway %s: HTTP %d: %s", e.Endpoint, e.Code, e.Body)
}

// Cache stores immutable gateway payloads keyed by kind and transaction id
type Cache interface {
	Get(kind, id string) ([]byte, bool, error)
	Put(kind, id string, payload []byte) error
}

// Config configures a Client
type Config struct {
	BaseURL      string
	Timeout      time.Duration
	MaxBodyBytes int64
	// HTTPClient overrides the default client; Timeout is ignored when set.
	HTTPClient *http.Client
	// Cache, Metrics and Logger are optional.
	Cache   Cache
	Metrics *metrics.Collector
	Logger  *slog.Logger
}

// Client talks to one gateway: the GraphQL index, raw transactions,
// transaction data and transaction status
type Client struct {
	base    *url.URL
	http    *http.Client
	maxBody int64
	cache   Cache
	metrics *metrics.Collector
	log     *slog.Logger
}

// New validates the gateway URL and builds a client
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	base, err := parseBaseURL(cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.HTTPClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		cfg.HTTPClient = &http.Client{Timeout: timeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &Client{
		base:    base,
		http:    cfg.HTTPClient,
		maxBody: cfg.MaxBodyBytes,
		cache:   cfg.Cache,
		metrics: cfg.Metrics,
		log:     cfg.Logger,
	}, nil
}

func parseBaseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid gateway URL: %w", err)
	}
	if u.Scheme == "" {
		u, err = url.Parse("https://" + strings.TrimRight(raw, "/"))
		if err != nil {
			return nil, fmt.Errorf("invalid gateway URL: %w", err)
		}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid gateway URL: missing host")
	}
	return u, nil
}

// BaseURL returns the gateway root
func (c *Client) BaseURL() string {
	return c.base.String()
}

func (c *Client) endpoint(path string) string {
	return c.base.String() + path
}

// do sends req and returns status and body, reading at most maxBody bytes
func (c *Client) do(ctx context.Context, endpoint string, req *http.Request) (int, []byte, error) {
	req.Header.Set("User-Agent", userAgent)

	resp, err := ctxhttp.Do(ctx, c.http, req)
	if err != nil {
		c.metrics.ObserveRequest(endpoint, 0)
		return 0, nil, fmt.Errorf("%s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	c.metrics.ObserveRequest(endpoint, resp.StatusCode)

	limited := io.LimitReader(resp.Body, c.maxBody+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("%s: read body: %w", endpoint, err)
	}
	if int64(len(body)) > c.maxBody {
		return resp.StatusCode, nil, fmt.Errorf("%s: %w (%d bytes)", endpoint, ErrTooLarge, c.maxBody)
	}
	c.log.Debug("gateway request", "endpoint", endpoint, "url", req.URL.String(), "status", resp.StatusCode, "bytes", len(body))
	return resp.StatusCode, body, nil
}

// cached runs fetch unless kind/id is already cached, then stores the result.
// Cache failures are logged and never fail the request.
func (c *Client) cached(kind, id string, fetch func() ([]byte, error)) ([]byte, error) {
	if c.cache != nil {
		payload, ok, err := c.cache.Get(kind, id)
		if err != nil {
			c.log.Warn("cache read failed", "kind", kind, "id", id, "error", err)
		} else if ok {
			c.metrics.ObserveCache(true)
			return payload, nil
		}
		c.metrics.ObserveCache(false)
	}

	payload, err := fetch()
	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		if err := c.cache.Put(kind, id, payload); err != nil {
			c.log.Warn("cache write failed", "kind", kind, "id", id, "error", err)
		}
	}
	return payload, nil
}

func truncate(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
