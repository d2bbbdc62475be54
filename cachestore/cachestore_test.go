package cachestore

import (
	"testing"
	"time"

	"fcppm/catalog"
	"fcppm/daypack"
	"fcppm/model"

	"github.com/stretchr/testify/require"
)

func key(t *testing.T, date string) model.CacheKey {
	t.Helper()
	d, err := time.Parse("2006-01-02", date)
	require.NoError(t, err)
	return model.CacheKey{Provider: "binance", Market: catalog.Spot, Symbol: "BTCUSDT", Interval: catalog.Interval1h, Date: d}
}

func fullDayBars(t *testing.T, date string) []model.Bar {
	t.Helper()
	d, err := time.Parse("2006-01-02", date)
	require.NoError(t, err)
	bars := make([]model.Bar, 24)
	for i := range bars {
		bars[i] = model.Bar{OpenTime: d.Add(time.Duration(i) * time.Hour), Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10}
	}
	return bars
}

func TestStore_GetMiss(t *testing.T) {
	s, err := New(t.TempDir(), 0)
	require.NoError(t, err)
	_, hit, err := s.Get(key(t, "2024-01-15"))
	require.NoError(t, err)
	require.False(t, hit)
}

func TestStore_PutThenGet(t *testing.T) {
	s, err := New(t.TempDir(), 0)
	require.NoError(t, err)
	k := key(t, "2024-01-15")
	now, _ := time.Parse(time.RFC3339, "2024-01-17T00:00:00Z")

	require.NoError(t, s.Put(k, daypack.DayPack{Key: k, Bars: fullDayBars(t, "2024-01-15")}, now, false))

	pack, hit, err := s.Get(k)
	require.NoError(t, err)
	require.True(t, hit)
	require.Len(t, pack.Bars, 24)
}

func TestStore_PutRejectsOpenDay(t *testing.T) {
	s, err := New(t.TempDir(), 0)
	require.NoError(t, err)
	k := key(t, "2024-01-15")
	now, _ := time.Parse(time.RFC3339, "2024-01-15T12:00:00Z")

	err = s.Put(k, daypack.DayPack{Key: k, Bars: fullDayBars(t, "2024-01-15")}, now, false)
	require.Error(t, err)
}

func TestStore_PutRejectsIncompletePackWithoutSparseFlag(t *testing.T) {
	s, err := New(t.TempDir(), 0)
	require.NoError(t, err)
	k := key(t, "2024-01-15")
	now, _ := time.Parse(time.RFC3339, "2024-01-17T00:00:00Z")
	bars := fullDayBars(t, "2024-01-15")[:20]

	require.Error(t, s.Put(k, daypack.DayPack{Key: k, Bars: bars}, now, false))
	require.NoError(t, s.Put(k, daypack.DayPack{Key: k, Bars: bars}, now, true))
}

func TestStore_PutRejectsOverwrite(t *testing.T) {
	s, err := New(t.TempDir(), 0)
	require.NoError(t, err)
	k := key(t, "2024-01-15")
	now, _ := time.Parse(time.RFC3339, "2024-01-17T00:00:00Z")
	bars := fullDayBars(t, "2024-01-15")

	require.NoError(t, s.Put(k, daypack.DayPack{Key: k, Bars: bars}, now, false))
	require.Error(t, s.Put(k, daypack.DayPack{Key: k, Bars: bars}, now, false))
}

func TestStore_ListAndPurge(t *testing.T) {
	s, err := New(t.TempDir(), 0)
	require.NoError(t, err)
	now, _ := time.Parse(time.RFC3339, "2024-01-17T00:00:00Z")
	k1, k2 := key(t, "2024-01-15"), key(t, "2024-01-16")

	require.NoError(t, s.Put(k1, daypack.DayPack{Key: k1, Bars: fullDayBars(t, "2024-01-15")}, now, false))
	require.NoError(t, s.Put(k2, daypack.DayPack{Key: k2, Bars: fullDayBars(t, "2024-01-16")}, now, false))

	dates, err := s.List("binance", catalog.Spot, "BTCUSDT", catalog.Interval1h)
	require.NoError(t, err)
	require.Len(t, dates, 2)

	require.NoError(t, s.Purge("binance"))
	dates, err = s.List("binance", catalog.Spot, "BTCUSDT", catalog.Interval1h)
	require.NoError(t, err)
	require.Empty(t, dates)
}
