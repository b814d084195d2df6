package client

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-datasync/cache"
	"github.com/saiset-co/sai-datasync/types"
	"github.com/saiset-co/sai-datasync/utils"
)

type State int32

const (
	StateRunning State = iota
	StateStopping
	StateStopped
)

const (
	DefaultTimeout      = 30 * time.Second
	DefaultRetryBackoff = time.Second
)

type Option func(*Client)

// WithHTTPClient replaces the underlying fasthttp client.
func WithHTTPClient(client *fasthttp.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

// WithRetryBackoff sets the base backoff; attempt n waits n*backoff.
func WithRetryBackoff(backoff time.Duration) Option {
	return func(c *Client) {
		c.retryBackoff = backoff
	}
}

// Client talks JSON to one remote service. Transport failures and breaker
// rejections wrap types.ErrNetworkUnavailable, HTTP statuses >= 400 wrap
// types.ErrRemoteRejected.
type Client struct {
	logger       types.Logger
	name         string
	client       *fasthttp.Client
	baseURL      string
	timeout      time.Duration
	retries      int
	retryBackoff time.Duration
	breaker      *CircuitBreaker
	state        atomic.Value
}

func NewClient(name string, settings types.ServiceSettings, logger types.Logger, opts ...Option) (*Client, error) {
	if settings.BaseURL == "" {
		return nil, types.Errorf(types.ErrInvalidParameter, "base url is empty for service %s", name)
	}

	timeout := settings.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	c := &Client{
		logger:       logger,
		name:         name,
		baseURL:      strings.TrimRight(settings.BaseURL, "/"),
		timeout:      timeout,
		retries:      settings.Retries,
		retryBackoff: DefaultRetryBackoff,
		breaker:      NewCircuitBreaker(settings.Breaker, logger, name),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.client == nil {
		c.client = &fasthttp.Client{
			Name:         "sai-datasync",
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
		}
	}

	c.state.Store(StateRunning)
	return c, nil
}

func (c *Client) Name() string {
	return c.name
}

func (c *Client) Breaker() *CircuitBreaker {
	return c.breaker
}

// Call sends body as JSON and decodes a 2xx response into out when out is
// not nil.
func (c *Client) Call(ctx context.Context, method, path string, body, out interface{}) error {
	if !c.IsRunning() {
		return types.ErrNotRunning
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL + path)
	req.Header.SetMethod(method)
	req.Header.Set("Accept", "application/json")

	if body != nil {
		data, err := utils.Marshal(body)
		if err != nil {
			return types.WrapError(err, "failed to marshal request body")
		}
		req.SetBody(data)
		req.Header.SetContentType("application/json")
	}

	respBody, err := c.executeWithRetries(ctx, req, resp)
	if err != nil {
		return err
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := sonic.ConfigDefault.Unmarshal(respBody, out); err != nil {
		return types.Errorf(types.ErrRemoteRejected, "%s %s: invalid response body: %v", method, path, err)
	}
	return nil
}

func (c *Client) Close() {
	if !c.state.CompareAndSwap(StateRunning, StateStopping) {
		return
	}
	c.client.CloseIdleConnections()
	c.state.Store(StateStopped)
	c.logger.Debug("HTTP client closed", zap.String("service", c.name))
}

func (c *Client) IsRunning() bool {
	return c.state.Load().(State) == StateRunning
}

func (c *Client) executeWithRetries(ctx context.Context, req *fasthttp.Request, resp *fasthttp.Response) ([]byte, error) {
	method := string(req.Header.Method())
	uri := req.URI().String()

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if !c.breaker.CanExecute() {
			return nil, types.Errorf(types.ErrNetworkUnavailable, "%s: %v", c.name, types.ErrCircuitBreakerOpen)
		}

		deadline := time.Now().Add(c.timeout)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}

		err := c.client.DoDeadline(req, resp, deadline)
		statusCode := resp.StatusCode()

		if err == nil && statusCode >= 200 && statusCode < 300 {
			c.breaker.RecordSuccess()
			respBody := make([]byte, len(resp.Body()))
			copy(respBody, resp.Body())
			return respBody, nil
		}

		if IsBreakerFailure(statusCode, err) {
			c.breaker.RecordFailure()
		} else {
			c.breaker.RecordSuccess()
		}

		if err != nil {
			lastErr = types.Errorf(types.ErrNetworkUnavailable, "%s %s: %v", method, uri, err)
		} else {
			lastErr = types.Errorf(types.ErrRemoteRejected, "%s %s: HTTP %d: %s", method, uri, statusCode, truncate(resp.Body(), 256))
		}

		if attempt == c.retries || !IsRetryable(statusCode, err) {
			break
		}

		backoff := time.Duration(attempt+1) * c.retryBackoff
		c.logger.Debug("Retrying request",
			zap.String("service", c.name),
			zap.Duration("backoff", backoff),
			zap.Error(lastErr))

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, types.WrapError(ctx.Err(), "request cancelled during retry")
		}
	}

	return nil, lastErr
}

func truncate(body []byte, limit int) string {
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}

// Get performs a GET on path and decodes the JSON response into V.
func Get[V any](ctx context.Context, c *Client, path string) (V, error) {
	var value V
	err := c.Call(ctx, fasthttp.MethodGet, path, nil, &value)
	return value, err
}

// Fetch returns a cache fetch function reading path.
func Fetch[V any](c *Client, path string) cache.FetchFunc[V] {
	return func(ctx context.Context) (V, error) {
		return Get[V](ctx, c, path)
	}
}
