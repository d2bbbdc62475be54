package restclient

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"fcppm/catalog"
	"fcppm/model"

	"github.com/stretchr/testify/require"
)

func window(t *testing.T, start, end string) model.Window {
	t.Helper()
	s, err := time.Parse(time.RFC3339, start)
	require.NoError(t, err)
	e, err := time.Parse(time.RFC3339, end)
	require.NoError(t, err)
	return model.Window{Symbol: "BTCUSDT", Market: catalog.Spot, Interval: catalog.Interval1h, Start: s, End: e}
}

func klinesJSON(startMs int64, n int) string {
	out := "["
	for i := 0; i < n; i++ {
		if i > 0 {
			out += ","
		}
		ts := startMs + int64(i)*3600_000
		out += fmt.Sprintf(`[%d,"100.0","101.0","99.0","100.5","10.0",0,"0",0,"0","0","0"]`, ts)
	}
	return out + "]"
}

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := New(Config{
		BaseURLs:  map[catalog.MarketClass]string{catalog.Spot: url},
		Timeout:   5 * time.Second,
		PageLimit: 1000,
		RateBudget: map[catalog.MarketClass]int{catalog.Spot: 6000},
	})
	require.NoError(t, err)
	return c
}

func TestNew_RejectsZeroTimeout(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestFetchWindow_SinglePage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, klinesJSON(1704844800000, 3))
	}))
	defer ts.Close()

	c := newTestClient(t, ts.URL)
	outcome := c.FetchWindow(context.Background(), window(t, "2024-01-10T00:00:00Z", "2024-01-10T03:00:00Z"))
	require.Equal(t, model.Served, outcome.Kind)
	require.Len(t, outcome.Bars, 3)
}

func TestFetchWindow_EmptyClosed(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[]`)
	}))
	defer ts.Close()

	c := newTestClient(t, ts.URL)
	outcome := c.FetchWindow(context.Background(), window(t, "2024-01-10T00:00:00Z", "2024-01-10T03:00:00Z"))
	require.Equal(t, model.Served, outcome.Kind)
	require.Empty(t, outcome.Bars)
}

func TestFetchWindow_RateLimited(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	c, err := New(Config{
		BaseURLs:        map[catalog.MarketClass]string{catalog.Spot: ts.URL},
		Timeout:         5 * time.Second,
		RateBudget:      map[catalog.MarketClass]int{catalog.Spot: 6000},
		RateLimitPolicy: WaitForBudget,
		MaxRetries:      1,
	})
	require.NoError(t, err)

	outcome := c.FetchWindow(context.Background(), window(t, "2024-01-10T00:00:00Z", "2024-01-10T01:00:00Z"))
	require.Equal(t, model.RateLimited, outcome.Kind)
	require.NotNil(t, outcome.Retry)
	require.Equal(t, 5*time.Second, outcome.Retry.After)
}

func TestFetchWindow_FatalBanTripsBreaker(t *testing.T) {
	calls := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusTeapot)
	}))
	defer ts.Close()

	c := newTestClient(t, ts.URL)
	outcome := c.FetchWindow(context.Background(), window(t, "2024-01-10T00:00:00Z", "2024-01-10T01:00:00Z"))
	require.Equal(t, model.TransportError, outcome.Kind)
	require.ErrorContains(t, outcome.Err, "fatal")
}

func TestFetchWindow_RejectedFutureWindow(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer ts.Close()

	c := newTestClient(t, ts.URL)
	future := time.Now().UTC().Add(365 * 24 * time.Hour)
	outcome := c.FetchWindow(context.Background(), model.Window{
		Symbol: "BTCUSDT", Market: catalog.Spot, Interval: catalog.Interval1h,
		Start: future, End: future.Add(time.Hour),
	})
	require.Equal(t, model.RejectedFuture, outcome.Kind)
}

func TestPageWeight(t *testing.T) {
	require.Equal(t, 1, pageWeight(100))
	require.Equal(t, 2, pageWeight(500))
	require.Equal(t, 5, pageWeight(1000))
}
