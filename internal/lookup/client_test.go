package lookup

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/mention-monitor/internal/monitor"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL + "/", UserAgent: "monitor-test", Timeout: time.Second}, nil, zaptest.NewLogger(t))
}

func TestNormalizeID(t *testing.T) {
	t.Parallel()
	bare, full := NormalizeID("t3_abc")
	require.Equal(t, "abc", bare)
	require.Equal(t, "t3_abc", full)

	bare, full = NormalizeID(" abc ")
	require.Equal(t, "abc", bare)
	require.Equal(t, "t3_abc", full)
}

func TestFetchDecodesFirstChild(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/info" || r.URL.Query().Get("id") != "t3_abc" ||
			r.Header.Get("Authorization") != "Bearer tok" || r.UserAgent() != "monitor-test" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"kind":"Listing","data":{"children":[{"kind":"t3","data":{
			"id":"abc","title":"Widget question","selftext":"I bought a Widget yesterday","author":"bob",
			"subreddit":"gadgets","permalink":"/r/gadgets/comments/abc/q/","ups":12,"downs":0,
			"num_comments":3,"stickied":false,"locked":true,"created_utc":1717243200.0}}]}}`))
	})

	item, err := c.Fetch(context.Background(), "tok", "abc")
	require.NoError(t, err)
	require.Equal(t, "abc", item.ID)
	require.Equal(t, "I bought a Widget yesterday", item.Selftext)
	require.Equal(t, 12, item.Ups)
	require.Equal(t, 3, item.NumComments)
	require.True(t, item.Locked)
	require.Equal(t, "gadgets", item.Community)
}

func TestFetchRejectsMalformedPayloads(t *testing.T) {
	t.Parallel()
	testCases := map[string]string{
		"not json":        `<html>`,
		"missing data":    `{"kind":"Listing"}`,
		"children object": `{"data":{"children":{}}}`,
		"no children":     `{"data":{"children":[]}}`,
		"wrong kind":      `{"data":{"children":[{"kind":"t1","data":{"id":"abc"}}]}}`,
		"id mismatch":     `{"data":{"children":[{"kind":"t3","data":{"id":"zzz"}}]}}`,
		"missing id":      `{"data":{"children":[{"kind":"t3","data":{}}]}}`,
	}
	for name, body := range testCases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(body))
			})
			_, err := c.Fetch(context.Background(), "tok", "t3_abc")
			require.ErrorIs(t, err, monitor.ErrValidation)
			require.False(t, monitor.Retryable(err))
		})
	}
}

func TestFetchClassifiesStatus(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, monitor.ErrAuth},
		{http.StatusTooManyRequests, monitor.ErrTransient},
		{http.StatusBadGateway, monitor.ErrTransient},
		{http.StatusNotFound, monitor.ErrValidation},
	}
	for _, tc := range testCases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			t.Parallel()
			c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
			})
			_, err := c.Fetch(context.Background(), "tok", "abc")
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestFetchEmptyID(t *testing.T) {
	t.Parallel()
	_, err := New(Config{}, nil, nil).Fetch(context.Background(), "tok", "t3_")
	require.ErrorIs(t, err, monitor.ErrValidation)
}
