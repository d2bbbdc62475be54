package orchestrator

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fcppm/archiveclient"
	"fcppm/cachestore"
	"fcppm/catalog"
	"fcppm/daypack"
	"fcppm/errs"
	"fcppm/model"
	"fcppm/restclient"
)

func fixedNow(s string) func() time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return func() time.Time { return t }
}

func win(t *testing.T, start, end string) model.Window {
	t.Helper()
	s, err := time.Parse(time.RFC3339, start)
	require.NoError(t, err)
	e, err := time.Parse(time.RFC3339, end)
	require.NoError(t, err)
	return model.Window{Symbol: "BTCUSDT", Market: catalog.Spot, Interval: catalog.Interval1h, Start: s, End: e}
}

func fullDayBars(date string) []model.Bar {
	d, _ := time.Parse("2006-01-02", date)
	bars := make([]model.Bar, 24)
	for i := range bars {
		bars[i] = model.Bar{OpenTime: d.Add(time.Duration(i) * time.Hour), Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10}
	}
	return bars
}

// TestRun_WarmCacheRoundtrip implements scenario S1: a fully pre-populated
// cache day serves the whole query with zero archive or REST calls.
func TestRun_WarmCacheRoundtrip(t *testing.T) {
	store, err := cachestore.New(t.TempDir(), 0)
	require.NoError(t, err)
	now, _ := time.Parse(time.RFC3339, "2024-01-17T00:00:00Z")
	key := model.CacheKey{Provider: "BINANCE", Market: catalog.Spot, Symbol: "BTCUSDT", Interval: catalog.Interval1h, Date: mustDay("2024-01-15")}
	require.NoError(t, store.Put(key, daypack.DayPack{Key: key, Bars: fullDayBars("2024-01-15")}, now, false))

	archiveCalls, restCalls := 0, 0
	archiveSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { archiveCalls++; w.WriteHeader(404) }))
	defer archiveSrv.Close()
	restSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { restCalls++; fmt.Fprint(w, `[]`) }))
	defer restSrv.Close()

	o := &Orchestrator{
		Cache:   store,
		Archive: archiveclient.New(archiveclient.Config{ArchiveRoot: archiveSrv.URL}),
		Rest:    newRestClient(t, restSrv.URL),
		Now:     fixedNow("2024-01-17T00:00:00Z"),
	}

	result, err := o.Run(context.Background(), Query{Window: win(t, "2024-01-15T00:00:00Z", "2024-01-16T00:00:00Z")})
	require.NoError(t, err)
	require.Len(t, result.Bars, 24)
	require.Equal(t, 24, result.Coverage.ServedFromCache)
	require.Equal(t, 0, archiveCalls)
	require.Equal(t, 0, restCalls)
}

// TestRun_ArchiveFill implements scenario S2: empty cache, archive serves a
// complete verified day, and the result is written back to cache.
func TestRun_ArchiveFill(t *testing.T) {
	store, err := cachestore.New(t.TempDir(), 0)
	require.NoError(t, err)

	csvBody := ""
	bars := fullDayBars("2024-01-10")
	for _, b := range bars {
		csvBody += fmt.Sprintf("%d,%.2f,%.2f,%.2f,%.2f,%.2f,0,0,0,0,0,0\n", b.OpenTime.UnixMilli(), b.Open, b.High, b.Low, b.Close, b.Volume)
	}
	zipBody := zipOf(t, csvBody)
	sum := sha256.Sum256(zipBody)
	sumLine := hex.EncodeToString(sum[:]) + "  data.zip\n"

	archiveSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path[len(r.URL.Path)-3:] == "zip" {
			w.Write(zipBody)
			return
		}
		w.Write([]byte(sumLine))
	}))
	defer archiveSrv.Close()
	restSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { fmt.Fprint(w, `[]`) }))
	defer restSrv.Close()

	o := &Orchestrator{
		Cache:   store,
		Archive: archiveclient.New(archiveclient.Config{ArchiveRoot: archiveSrv.URL}),
		Rest:    newRestClient(t, restSrv.URL),
		Now:     fixedNow("2024-01-17T00:00:00Z"),
	}

	result, err := o.Run(context.Background(), Query{Window: win(t, "2024-01-10T00:00:00Z", "2024-01-11T00:00:00Z")})
	require.NoError(t, err)
	require.Len(t, result.Bars, 24)
	require.Equal(t, 24, result.Coverage.ServedFromArchive)

	pack, hit, err := store.Get(model.CacheKey{Provider: "BINANCE", Market: catalog.Spot, Symbol: "BTCUSDT", Interval: catalog.Interval1h, Date: mustDay("2024-01-10")})
	require.NoError(t, err)
	require.True(t, hit)
	require.Len(t, pack.Bars, 24)

	result2, err := o.Run(context.Background(), Query{Window: win(t, "2024-01-10T00:00:00Z", "2024-01-11T00:00:00Z")})
	require.NoError(t, err)
	require.Equal(t, 24, result2.Coverage.ServedFromCache)
	require.Equal(t, 0, result2.Coverage.ServedFromArchive)
}

// TestRun_ChecksumMismatchFallsThroughToRest implements scenario S4.
func TestRun_ChecksumMismatchFallsThroughToRest(t *testing.T) {
	store, err := cachestore.New(t.TempDir(), 0)
	require.NoError(t, err)

	zipBody := zipOf(t, "garbage-but-well-formed-csv-is-not-required-for-this-test\n")
	archiveSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path[len(r.URL.Path)-3:] == "zip" {
			w.Write(zipBody)
			return
		}
		w.Write([]byte(hex.EncodeToString(make([]byte, 32)) + "  data.zip\n"))
	}))
	defer archiveSrv.Close()

	bars := fullDayBars("2024-01-10")
	restSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, klinesJSONFrom(bars))
	}))
	defer restSrv.Close()

	o := &Orchestrator{
		Cache:   store,
		Archive: archiveclient.New(archiveclient.Config{ArchiveRoot: archiveSrv.URL}),
		Rest:    newRestClient(t, restSrv.URL),
		Now:     fixedNow("2024-01-17T00:00:00Z"),
	}

	result, err := o.Run(context.Background(), Query{Window: win(t, "2024-01-10T00:00:00Z", "2024-01-11T00:00:00Z")})
	require.NoError(t, err)
	require.Len(t, result.Bars, 24)
	require.Equal(t, 24, result.Coverage.ServedFromRest)

	_, hit, err := store.Get(model.CacheKey{Provider: "BINANCE", Market: catalog.Spot, Symbol: "BTCUSDT", Interval: catalog.Interval1h, Date: mustDay("2024-01-10")})
	require.NoError(t, err)
	require.True(t, hit, "REST-sourced full closed day should still be written to cache")
}

// TestRun_RestInvalidSymbolIsFatal asserts that an invalid-symbol outcome
// from REST (§7: "Fatal to the call") escalates to Run's returned error
// instead of being logged away as just another unserved gap.
func TestRun_RestInvalidSymbolIsFatal(t *testing.T) {
	store, err := cachestore.New(t.TempDir(), 0)
	require.NoError(t, err)

	restSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(404) }))
	defer restSrv.Close()

	o := &Orchestrator{
		Cache: store,
		Rest:  newRestClient(t, restSrv.URL),
		Now:   fixedNow("2024-01-17T00:00:00Z"),
	}

	_, err = o.Run(context.Background(), Query{
		Window:   win(t, "2024-01-10T00:00:00Z", "2024-01-11T00:00:00Z"),
		Override: RestOnly,
	})
	require.Error(t, err)
	require.ErrorIs(t, err, errs.ErrInvalidSymbol)
}

// TestRun_RestFatalBanIsFatal asserts that a fatal-transport (418) outcome
// from REST escalates to Run's returned error rather than being retried or
// silently swallowed.
func TestRun_RestFatalBanIsFatal(t *testing.T) {
	store, err := cachestore.New(t.TempDir(), 0)
	require.NoError(t, err)

	var calls int
	restSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusTeapot)
	}))
	defer restSrv.Close()

	o := &Orchestrator{
		Cache: store,
		Rest:  newRestClient(t, restSrv.URL),
		Now:   fixedNow("2024-01-17T00:00:00Z"),
	}

	_, err = o.Run(context.Background(), Query{
		Window:   win(t, "2024-01-10T00:00:00Z", "2024-01-11T00:00:00Z"),
		Override: RestOnly,
	})
	require.Error(t, err)
	require.ErrorIs(t, err, errs.ErrFatalTransport)
	require.Equal(t, 1, calls, "a fatal ban must not be retried")
}

func mustDay(s string) time.Time {
	d, _ := time.Parse("2006-01-02", s)
	return d
}

func zipOf(t *testing.T, body string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	f, err := zw.Create("data.csv")
	require.NoError(t, err)
	_, err = f.Write([]byte(body))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func klinesJSONFrom(bars []model.Bar) string {
	out := "["
	for i, b := range bars {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf(`[%d,"%.2f","%.2f","%.2f","%.2f","%.2f",0,"0",0,"0","0","0"]`,
			b.OpenTime.UnixMilli(), b.Open, b.High, b.Low, b.Close, b.Volume)
	}
	return out + "]"
}

func newRestClient(t *testing.T, url string) *restclient.Client {
	t.Helper()
	c, err := restclient.New(restclient.Config{
		BaseURLs:   map[catalog.MarketClass]string{catalog.Spot: url},
		Timeout:    5 * time.Second,
		RateBudget: map[catalog.MarketClass]int{catalog.Spot: 6000},
	})
	require.NoError(t, err)
	return c
}
