package daypack

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"fcppm/catalog"
	"fcppm/model"

	"github.com/stretchr/testify/require"
)

func sampleBars(t *testing.T) []model.Bar {
	t.Helper()
	day, err := time.Parse(time.RFC3339, "2024-01-15T00:00:00Z")
	require.NoError(t, err)
	bars := make([]model.Bar, 0, 24)
	for i := 0; i < 24; i++ {
		bars = append(bars, model.Bar{
			OpenTime: day.Add(time.Duration(i) * time.Hour),
			Open:     100 + float64(i),
			High:     101 + float64(i),
			Low:      99 + float64(i),
			Close:    100.5 + float64(i),
			Volume:   10,
		})
	}
	return bars
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	bars := sampleBars(t)
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, DayPack{Bars: bars}))

	decoded, err := Decode(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.Equal(t, bars, decoded)
}

func TestDecode_RejectsBadMagic(t *testing.T) {
	_, err := Decode(bytes.NewReader([]byte("not-a-daypack-file-------------")))
	require.Error(t, err)
}

func TestValidate_RejectsNonMonotonic(t *testing.T) {
	bars := sampleBars(t)
	bars[1], bars[2] = bars[2], bars[1]
	p := DayPack{
		Key: model.CacheKey{
			Provider: "binance", Market: catalog.Spot, Symbol: "BTCUSDT",
			Interval: catalog.Interval1h, Date: bars[0].OpenTime.Truncate(24 * time.Hour),
		},
		Bars: bars,
	}
	require.Error(t, p.Validate())
}

func TestWriteAtomic_ThenOpen(t *testing.T) {
	dir := t.TempDir()
	bars := sampleBars(t)
	key := model.CacheKey{
		Provider: "binance", Market: catalog.Spot, Symbol: "BTCUSDT",
		Interval: catalog.Interval1h, Date: bars[0].OpenTime.Truncate(24 * time.Hour),
	}
	path := filepath.Join(dir, "2024-01-15.fcp")

	require.NoError(t, WriteAtomic(path, DayPack{Key: key, Bars: bars}))

	mp, err := Open(path)
	require.NoError(t, err)
	defer mp.Close()
	require.Equal(t, bars, mp.Bars())
}

func TestWriteAtomic_RejectsOverwrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "2024-01-15.fcp")
	bars := sampleBars(t)
	require.NoError(t, WriteAtomic(path, DayPack{Bars: bars}))
	require.Error(t, WriteAtomic(path, DayPack{Bars: bars}))
}

func TestWriteAtomic_NoTempFileLeftBehind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "2024-01-15.fcp")
	require.NoError(t, WriteAtomic(path, DayPack{Bars: sampleBars(t)}))

	entries, err := filepath.Glob(filepath.Join(dir, ".tmp.*"))
	require.NoError(t, err)
	require.Empty(t, entries)
}
