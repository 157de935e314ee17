// Package webdriver is a small W3C WebDriver client covering what a
// benchmark session needs: open a session, navigate, count elements and
// close.
package webdriver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

var ErrNotReady = errors.New("webdriver not ready")

// Error is a W3C error response.
type Error struct {
	Status  int
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("webdriver %d %s: %s", e.Status, e.Code, e.Message)
}

type errorEnvelope struct {
	Value Error `json:"value"`
}

type Client struct {
	http         *resty.Client
	pollInterval time.Duration
}

// New returns a client for a driver listening on baseURL, e.g.
// "http://127.0.0.1:9515".
func New(baseURL string) *Client {
	return &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(30 * time.Second).
			SetHeader("Content-Type", "application/json"),
		pollInterval: 100 * time.Millisecond,
	}
}

func (c *Client) SetPollInterval(d time.Duration) *Client {
	c.pollInterval = d
	return c
}

func (c *Client) request(ctx context.Context) *resty.Request {
	return c.http.R().SetContext(ctx).SetError(&errorEnvelope{})
}

func asError(resp *resty.Response) error {
	if !resp.IsError() {
		return nil
	}
	if env, ok := resp.Error().(*errorEnvelope); ok && env.Value.Code != "" {
		e := env.Value
		e.Status = resp.StatusCode()
		return &e
	}
	return &Error{Status: resp.StatusCode(), Code: "unknown error", Message: resp.String()}
}

// WaitReady polls /status until the driver reports ready or ctx ends.
func (c *Client) WaitReady(ctx context.Context) error {
	var lastErr error
	for {
		var out struct {
			Value struct {
				Ready   bool   `json:"ready"`
				Message string `json:"message"`
			} `json:"value"`
		}
		resp, err := c.request(ctx).SetResult(&out).Get("/status")
		switch {
		case err != nil:
			lastErr = err
		case resp.IsError():
			lastErr = asError(resp)
		case out.Value.Ready:
			return nil
		default:
			lastErr = fmt.Errorf("%w: %s", ErrNotReady, out.Value.Message)
		}

		t := time.NewTimer(c.pollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("%w: %w", ErrNotReady, errors.Join(ctx.Err(), lastErr))
		case <-t.C:
		}
	}
}

// NewSession creates a session with caps as alwaysMatch capabilities and
// returns its id.
func (c *Client) NewSession(ctx context.Context, caps map[string]any) (string, error) {
	var out struct {
		Value struct {
			SessionID string `json:"sessionId"`
		} `json:"value"`
	}
	body := map[string]any{"capabilities": map[string]any{"alwaysMatch": caps}}
	resp, err := c.request(ctx).SetBody(body).SetResult(&out).Post("/session")
	if err != nil {
		return "", fmt.Errorf("new session: %w", err)
	}
	if err := asError(resp); err != nil {
		return "", fmt.Errorf("new session: %w", err)
	}
	if out.Value.SessionID == "" {
		return "", fmt.Errorf("new session: driver returned no session id")
	}
	return out.Value.SessionID, nil
}

func (c *Client) Navigate(ctx context.Context, sessionID, url string) error {
	resp, err := c.request(ctx).
		SetPathParam("session", sessionID).
		SetBody(map[string]string{"url": url}).
		Post("/session/{session}/url")
	if err != nil {
		return fmt.Errorf("navigate to %s: %w", url, err)
	}
	if err := asError(resp); err != nil {
		return fmt.Errorf("navigate to %s: %w", url, err)
	}
	return nil
}

// FindElements returns the number of elements matching a CSS selector.
func (c *Client) FindElements(ctx context.Context, sessionID, css string) (int, error) {
	var out struct {
		Value []map[string]any `json:"value"`
	}
	resp, err := c.request(ctx).
		SetPathParam("session", sessionID).
		SetBody(map[string]string{"using": "css selector", "value": css}).
		SetResult(&out).
		Post("/session/{session}/elements")
	if err != nil {
		return 0, fmt.Errorf("find %q: %w", css, err)
	}
	if err := asError(resp); err != nil {
		return 0, fmt.Errorf("find %q: %w", css, err)
	}
	return len(out.Value), nil
}

func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	resp, err := c.request(ctx).
		SetPathParam("session", sessionID).
		Delete("/session/{session}")
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if err := asError(resp); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}
