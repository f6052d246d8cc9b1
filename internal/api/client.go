package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"praice/internal/jobs"
	"praice/internal/remote"
	"praice/internal/task/tracker"
	logx "praice/pkg/logx"
)

// Client talks to a running beat server. The CLI uses it.
type Client struct {
	rc *remote.Client
}

func NewClient(baseURL string, timeout time.Duration, log logx.Logger) (*Client, error) {
	rc, err := remote.New("beat", remote.Config{BaseURL: baseURL, Timeout: timeout}, log)
	if err != nil {
		return nil, err
	}
	return &Client{rc: rc}, nil
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status int
	Err    *Error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Err.Message)
}

func (c *Client) call(ctx context.Context, method, path string, query url.Values, out any) error {
	var env Envelope
	if err := c.rc.Do(ctx, method, path, query, nil, &env); err != nil {
		var se *remote.StatusError
		if errors.As(err, &se) {
			if json.Unmarshal([]byte(se.Body), &env) == nil && env.Error != nil {
				return &APIError{Status: se.Status, Err: env.Error}
			}
		}
		return err
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}

func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	err := c.call(ctx, http.MethodGet, "/api/v1/health", nil, &h)
	return h, err
}

func (c *Client) Jobs(ctx context.Context) ([]Job, error) {
	var out []Job
	err := c.call(ctx, http.MethodGet, "/api/v1/jobs", nil, &out)
	return out, err
}

func (c *Client) Trigger(ctx context.Context, name string) (jobs.Run, error) {
	var run jobs.Run
	err := c.call(ctx, http.MethodPost, "/api/v1/jobs/"+url.PathEscape(name)+"/trigger", nil, &run)
	return run, err
}

func (c *Client) Runs(ctx context.Context, name string, limit int) ([]jobs.Run, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []jobs.Run
	err := c.call(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(name)+"/runs", q, &out)
	return out, err
}

func (c *Client) Run(ctx context.Context, id string) (jobs.Run, error) {
	var run jobs.Run
	err := c.call(ctx, http.MethodGet, "/api/v1/runs/"+url.PathEscape(id), nil, &run)
	return run, err
}

func (c *Client) History(ctx context.Context, id string) ([]tracker.Transition, error) {
	var out []tracker.Transition
	err := c.call(ctx, http.MethodGet, "/api/v1/runs/"+url.PathEscape(id)+"/history", nil, &out)
	return out, err
}

func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := c.call(ctx, http.MethodGet, "/api/v1/stats", nil, &st)
	return st, err
}
