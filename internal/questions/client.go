package questions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
)

// Client calls the question-bank service over HTTP.
type Client struct {
	baseURL string
	http    *fasthttp.Client

	defaultTimeout time.Duration
	retryMax       int
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.defaultTimeout = d }
}

func WithRetry(max int) Option {
	return func(c *Client) { c.retryMax = max }
}

func WithMaxConnsPerHost(n int) Option {
	return func(c *Client) { c.http.MaxConnsPerHost = n }
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		http:           &fasthttp.Client{ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second, MaxConnsPerHost: 64},
		defaultTimeout: 10 * time.Second,
		retryMax:       3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetch retrieves n questions of the given language/format.
func (c *Client) Fetch(ctx context.Context, lang, format string, n int) ([]Question, error) {
	if n <= 0 {
		return nil, fmt.Errorf("question count must be positive")
	}
	req := fetchRequest{Lang: lang, Format: format, Count: n}
	var resp fetchResponse
	if err := c.doJSON(ctx, fasthttp.MethodPost, "/v1/questions/draw", req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Questions) < n {
		return nil, fmt.Errorf("question bank returned %d of %d questions", len(resp.Questions), n)
	}
	return resp.Questions, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in any, out any) error {
	url := c.baseURL + path
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(method)
	req.SetRequestURI(url)
	req.Header.SetContentType("application/json")

	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		req.SetBody(payload)
	}

	attempts := c.retryMax
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		timeout := c.defaultTimeout
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < timeout {
				timeout = rem
			}
		}
		err := c.http.DoTimeout(req, resp, timeout)
		if err != nil {
			lastErr = err
			continue
		}
		status := resp.StatusCode()
		if status >= 500 {
			lastErr = fmt.Errorf("question bank status %d", status)
			continue
		}
		if status >= 400 {
			return fmt.Errorf("question bank status %d: %s", status, strings.TrimSpace(string(resp.Body())))
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	if lastErr == nil {
		lastErr = errors.New("request failed")
	}
	return fmt.Errorf("%s %s: %w", method, path, lastErr)
}
