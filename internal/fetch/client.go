// Package fetch implements the bounded-timeout HTTP GET client used for robots.txt and sitemaps.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
)

// ErrStatus marks a response outside the 2xx range.
var ErrStatus = errors.New("unexpected http status")

// Config controls collector behavior.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MaxAttempts  int
	Backoff      time.Duration
	MaxBodyBytes int
	PerHostRPS   float64
	PerHostBurst int
}

// Request describes one GET. ETag and LastModified turn it into a conditional fetch.
type Request struct {
	URL          string
	ETag         string
	LastModified string
	// Timeout overrides Config.Timeout for this call when non-zero.
	Timeout time.Duration
}

// Response is the outcome of a GET that reached the server. Non-2xx statuses are not errors.
type Response struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	ETag         string
	LastModified string
	Duration     time.Duration
}

// OK reports a 2xx status.
func (r Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// NotModified reports a 304 status.
func (r Response) NotModified() bool {
	return r.StatusCode == http.StatusNotModified
}

// CheckStatus returns ErrStatus wrapped with the code when the response is not 2xx.
func CheckStatus(r Response) error {
	if r.OK() {
		return nil
	}
	return fmt.Errorf("%w: %d from %s", ErrStatus, r.StatusCode, r.URL)
}

// Client performs GETs through a Colly collector with retries and per-host rate limiting.
type Client struct {
	cfg           Config
	baseCollector *colly.Collector
	limiter       *Limiter
	logger        *zap.Logger
}

// New builds a Client.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 2
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 200 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
		colly.ParseHTTPErrorResponse(),
	)
	c.WithTransport(newHTTPTransport())
	// Per-call budgets are enforced through the request context; this is the hard ceiling.
	c.SetRequestTimeout(cfg.Timeout)

	return &Client{
		cfg:           cfg,
		baseCollector: c,
		limiter:       NewLimiter(LimiterConfig{RPS: cfg.PerHostRPS, Burst: cfg.PerHostBurst}),
		logger:        logger.Named("fetch"),
	}
}

// Get fetches req.URL, retrying transport failures with linear backoff.
func (c *Client) Get(ctx context.Context, req Request) (Response, error) {
	resp, err := Retry(ctx, c.cfg.MaxAttempts, c.cfg.Backoff, func(ctx context.Context, attempt int) (Response, error) {
		resp, err := c.once(ctx, req)
		if err != nil && attempt < c.cfg.MaxAttempts {
			c.logger.Debug("fetch attempt failed",
				zap.String("url", req.URL),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		}
		return resp, err
	})
	if err != nil {
		return Response{}, fmt.Errorf("get %s: %w", req.URL, err)
	}
	return resp, nil
}

func (c *Client) once(ctx context.Context, req Request) (Response, error) {
	timeout := req.Timeout
	if timeout <= 0 || timeout > c.cfg.Timeout {
		timeout = c.cfg.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := c.limiter.Wait(ctx, req.URL); err != nil {
		return Response{}, err
	}

	var (
		result   Response
		fetchErr error
	)
	start := time.Now()
	collector := c.buildCollector(ctx, start, &result, &fetchErr)

	hdr := http.Header{}
	if req.ETag != "" {
		hdr.Set("If-None-Match", req.ETag)
	}
	if req.LastModified != "" {
		hdr.Set("If-Modified-Since", req.LastModified)
	}

	done := make(chan error, 1)
	go func() {
		done <- collector.Request(http.MethodGet, req.URL, nil, colly.NewContext(), hdr)
	}()

	select {
	case <-ctx.Done():
		return Response{}, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if fetchErr != nil {
			return Response{}, fmt.Errorf("colly response failed: %w", fetchErr)
		}
		if err != nil {
			return Response{}, fmt.Errorf("colly request failed: %w", err)
		}
		return result, nil
	}
}

func (c *Client) buildCollector(
	ctx context.Context,
	start time.Time,
	result *Response,
	fetchErr *error,
) *colly.Collector {
	collector := c.baseCollector.Clone()
	colly.StdlibContext(ctx)(collector)
	collector.AllowURLRevisit = true
	collector.IgnoreRobotsTxt = true
	collector.ParseHTTPErrorResponse = true
	if c.cfg.UserAgent != "" {
		collector.UserAgent = c.cfg.UserAgent
	}
	if c.cfg.MaxBodyBytes > 0 {
		collector.MaxBodySize = c.cfg.MaxBodyBytes
	}

	collector.OnResponse(func(r *colly.Response) {
		*result = toResponse(r, time.Since(start))
	})
	collector.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
	return collector
}

func toResponse(r *colly.Response, elapsed time.Duration) Response {
	out := Response{
		StatusCode: r.StatusCode,
		Body:       append([]byte(nil), r.Body...),
		Duration:   elapsed,
	}
	if r.Request != nil && r.Request.URL != nil {
		out.URL = r.Request.URL.String()
	}
	if r.Headers != nil {
		out.Headers = r.Headers.Clone()
		out.ETag = r.Headers.Get("ETag")
		out.LastModified = r.Headers.Get("Last-Modified")
	}
	return out
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
