// Package remote is the JSON-over-HTTP client shared by the service boundaries
// (inference, data collection). It rate limits outgoing calls and classifies
// failures as transient or permanent for the worker pool's retry policy.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"praice/internal/jobs"
	logx "praice/pkg/logx"
)

const maxErrorBody = 512

type Config struct {
	BaseURL string
	Timeout time.Duration
	// RatePerSec bounds outgoing requests. 0 disables limiting.
	RatePerSec float64
	Burst      int
}

// StatusError is returned for a non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: HTTP %d", e.Method, e.Path, e.Status)
	}
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.Path, e.Status, e.Body)
}

type Client struct {
	name    string
	base    *url.URL
	http    *http.Client
	limiter *rate.Limiter
	log     logx.Logger
}

func New(name string, cfg Config, log logx.Logger) (*Client, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("%s: invalid base url %q", name, cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	c := &Client{
		name: name,
		base: base,
		http: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        32,
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		log: log,
	}
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(cfg.RatePerSec)
			if burst < 1 {
				burst = 1
			}
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	return c, nil
}

// BaseURL returns the configured endpoint.
func (c *Client) BaseURL() string { return c.base.String() }

// Do sends in as JSON (when non-nil) and decodes a 2xx body into out (when non-nil).
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return jobs.Transient(fmt.Errorf("%s: rate limit wait: %w", c.name, err))
		}
	}

	u := *c.base
	u.Path = c.base.Path + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return jobs.Permanent(fmt.Errorf("%s: encode request: %w", c.name, err))
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return jobs.Permanent(fmt.Errorf("%s: build request: %w", c.name, err))
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		// Network failures and timeouts are retryable.
		return jobs.Transient(fmt.Errorf("%s: %s %s: %w", c.name, method, path, err))
	}
	defer resp.Body.Close()
	c.log.Trace("remote call",
		logx.String("remote", c.name),
		logx.String("method", method),
		logx.String("path", path),
		logx.Int("status", resp.StatusCode),
		logx.Duration("took", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return classify(c.name, method, path, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return jobs.Permanent(fmt.Errorf("%s: %s %s: malformed response: %w", c.name, method, path, err))
	}
	return nil
}

func classify(name, method, path string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	se := &StatusError{Method: method, Path: path, Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	err := fmt.Errorf("%s: %w", name, se)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
		if d, ok := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()); ok {
			return jobs.RetryAfter(err, d)
		}
		return jobs.Transient(err)
	case resp.StatusCode >= 500:
		return jobs.Transient(err)
	default:
		return jobs.Permanent(err)
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
