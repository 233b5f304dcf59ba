package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func identityNormalize(raw string) (string, error) { return raw, nil }

func newFetcher(t *testing.T) *CollyFetcher {
	t.Helper()
	f, err := NewCollyFetcher(Config{
		UserAgent:      "sitespider-test/1.0",
		RequestTimeout: 5 * time.Second,
		MaxRedirects:   3,
		MaxRetries:     2,
	}, identityNormalize, zap.NewNop())
	require.NoError(t, err)
	return f
}

func TestFetchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, "<html><body>hello</body></html>")
	}))
	defer srv.Close()

	res, err := newFetcher(t).Fetch(context.Background(), srv.URL+"/page", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, srv.URL+"/page", res.URL)
	assert.Contains(t, string(res.Body), "hello")
	assert.Equal(t, "text/html; charset=utf-8", res.ContentType)
	assert.Equal(t, 1, res.Attempts)
	assert.False(t, res.FetchedAt.IsZero())
}

func TestFetchNotFoundIsTerminal(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	res, err := newFetcher(t).Fetch(context.Background(), srv.URL+"/missing", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, int32(1), hits.Load(), "4xx must not be retried")
}

func TestFetchRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, "recovered")
	}))
	defer srv.Close()

	res, err := newFetcher(t).Fetch(context.Background(), srv.URL+"/flaky", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, 3, res.Attempts)
}

func TestFetchExhaustedRetriesKeepStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	res, err := newFetcher(t).Fetch(context.Background(), srv.URL+"/down", nil)
	require.NoError(t, err, "a 5xx after exhausted retries is a recorded outcome, not an error")
	assert.Equal(t, http.StatusBadGateway, res.StatusCode)
	assert.Equal(t, 3, res.Attempts)
}

func TestFetchFollowsRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/old":
			http.Redirect(w, r, "/new", http.StatusMovedPermanently)
		case "/new":
			fmt.Fprint(w, "landed")
		}
	}))
	defer srv.Close()

	var hops []string
	check := func(id string) error {
		hops = append(hops, id)
		return nil
	}
	res, err := newFetcher(t).Fetch(context.Background(), srv.URL+"/old", check)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.True(t, strings.HasSuffix(res.FinalURL, "/new"))
	require.Len(t, hops, 1)
	assert.True(t, strings.HasSuffix(hops[0], "/new"))
}

func TestFetchRedirectOutOfScope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "https://elsewhere.example/", http.StatusFound)
	}))
	defer srv.Close()

	check := func(id string) error {
		if strings.Contains(id, "elsewhere.example") {
			return ErrOutOfScope
		}
		return nil
	}
	_, err := newFetcher(t).Fetch(context.Background(), srv.URL+"/leaving", check)
	assert.ErrorIs(t, err, ErrOutOfScope)
}

func TestFetchRedirectLoopBounded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, r.URL.Path+"x", http.StatusFound)
	}))
	defer srv.Close()

	_, err := newFetcher(t).Fetch(context.Background(), srv.URL+"/loop", nil)
	assert.ErrorIs(t, err, ErrTooManyRedirects)
}

func TestFetchTransportFailure(t *testing.T) {
	f, err := NewCollyFetcher(Config{
		RequestTimeout: 500 * time.Millisecond,
		MaxRetries:     1,
	}, identityNormalize, zap.NewNop())
	require.NoError(t, err)

	res, err := f.Fetch(context.Background(), "http://127.0.0.1:1/unreachable", nil)
	require.Error(t, err)
	assert.Zero(t, res.StatusCode)
	assert.Equal(t, 2, res.Attempts)
}
