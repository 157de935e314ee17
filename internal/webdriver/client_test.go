package webdriver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeDriver struct {
	statusCalls atomic.Int32
	readyAfter  int32
	caps        map[string]any
	navigated   string
	deleted     bool
}

func (f *fakeDriver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/status":
		n := f.statusCalls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"value": map[string]any{"ready": n > f.readyAfter, "message": "starting"}})
	case r.Method == http.MethodPost && r.URL.Path == "/session":
		var body struct {
			Capabilities struct {
				AlwaysMatch map[string]any `json:"alwaysMatch"`
			} `json:"capabilities"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.caps = body.Capabilities.AlwaysMatch
		_ = json.NewEncoder(w).Encode(map[string]any{"value": map[string]any{"sessionId": "s1"}})
	case r.Method == http.MethodPost && r.URL.Path == "/session/s1/url":
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.navigated = body["url"]
		_ = json.NewEncoder(w).Encode(map[string]any{"value": nil})
	case r.Method == http.MethodPost && r.URL.Path == "/session/s1/elements":
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["value"] == "bad[" {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]any{"value": map[string]any{"error": "invalid selector", "message": "bad selector"}})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"value": []map[string]any{{"e": "1"}, {"e": "2"}}})
	case r.Method == http.MethodDelete && r.URL.Path == "/session/s1":
		f.deleted = true
		_ = json.NewEncoder(w).Encode(map[string]any{"value": nil})
	default:
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]any{"value": map[string]any{"error": "unknown command", "message": r.URL.Path}})
	}
}

func TestClient_SessionFlow(t *testing.T) {
	driver := &fakeDriver{readyAfter: 2}
	srv := httptest.NewServer(driver)
	defer srv.Close()

	ctx := context.Background()
	c := New(srv.URL).SetPollInterval(time.Millisecond)

	require.NoError(t, c.WaitReady(ctx))
	require.GreaterOrEqual(t, driver.statusCalls.Load(), int32(3))

	id, err := c.NewSession(ctx, map[string]any{"pageLoadStrategy": "none"})
	require.NoError(t, err)
	require.Equal(t, "s1", id)
	require.Equal(t, "none", driver.caps["pageLoadStrategy"])

	require.NoError(t, c.Navigate(ctx, id, "https://example.com"))
	require.Equal(t, "https://example.com", driver.navigated)

	n, err := c.FindElements(ctx, id, "div.result")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	_, err = c.FindElements(ctx, id, "bad[")
	var wdErr *Error
	require.True(t, errors.As(err, &wdErr))
	require.Equal(t, "invalid selector", wdErr.Code)
	require.Equal(t, http.StatusBadRequest, wdErr.Status)

	require.NoError(t, c.DeleteSession(ctx, id))
	require.True(t, driver.deleted)
}

func TestClient_WaitReadyHonoursContext(t *testing.T) {
	driver := &fakeDriver{readyAfter: 1 << 30}
	srv := httptest.NewServer(driver)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := New(srv.URL).SetPollInterval(time.Millisecond).WaitReady(ctx)
	require.ErrorIs(t, err, ErrNotReady)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
