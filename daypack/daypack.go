// Package daypack implements the columnar day-pack codec: one UTC day of
// bars for one (provider, market, symbol, interval), encoded to a
// memory-mappable file with a fixed, self-describing schema
// {open_time:int64-ms-UTC, open,high,low,close,volume:f64}.
//
// Write protocol (§4.3): serialize to a temp file in the same directory,
// fsync it, rename to the final path. Reads are via memory map; readers
// must never observe a half-written final file, which the rename makes
// impossible to witness.
package daypack

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"time"

	"fcppm/errs"
	"fcppm/model"
)

const (
	magic         = "FCP1"
	schemaVersion = uint8(1)
	recordSize    = 8 + 8*5 // int64 ms + 5 float64
)

// DayPack is the cache's unit of persistence: the ordered, deduplicated set
// of bars whose open-time falls in one UTC calendar day for one cache key.
type DayPack struct {
	Key  model.CacheKey
	Bars []model.Bar
}

// Validate checks the DayPack invariants from §3: strictly increasing
// open-times, all open-times aligned to the interval boundary, and (when
// non-empty) bars actually falling within the key's day.
func (p DayPack) Validate() error {
	d := p.Key.Interval.Duration()
	dayStart := p.Key.Date.UTC()
	dayEnd := dayStart.Add(24 * time.Hour)

	var prev time.Time
	for i, b := range p.Bars {
		if err := b.Validate(); err != nil {
			return err
		}
		if b.OpenTime.Before(dayStart) || !b.OpenTime.Before(dayEnd) {
			return fmt.Errorf("bar at %s falls outside day %s", b.OpenTime, dayStart)
		}
		if b.OpenTime.Truncate(d) != b.OpenTime {
			return fmt.Errorf("bar at %s is not aligned to interval %s", b.OpenTime, d)
		}
		if i > 0 && !b.OpenTime.After(prev) {
			return fmt.Errorf("bars are not strictly increasing at index %d", i)
		}
		prev = b.OpenTime
	}
	return nil
}

// Encode writes p's schema header and bars to w in ascending open-time order.
func Encode(w io.Writer, p DayPack) error {
	sorted := make([]model.Bar, len(p.Bars))
	copy(sorted, p.Bars)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].OpenTime.Before(sorted[j].OpenTime) })

	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(magic); err != nil {
		return err
	}
	if err := bw.WriteByte(schemaVersion); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, uint32(len(sorted))); err != nil {
		return err
	}
	for _, b := range sorted {
		rec := [6]uint64{
			uint64(b.OpenTime.UnixMilli()),
			floatBits(b.Open),
			floatBits(b.High),
			floatBits(b.Low),
			floatBits(b.Close),
			floatBits(b.Volume),
		}
		if err := binary.Write(bw, binary.LittleEndian, rec); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Decode reads a day-pack schema+bars from r. Schema mismatch is a fatal
// corruption error for the file (§4.3): callers decide whether to purge.
func Decode(r io.Reader) ([]model.Bar, error) {
	header := make([]byte, len(magic)+1+4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("%w: truncated header: %v", errs.ErrCorruptCache, err)
	}
	if string(header[:len(magic)]) != magic {
		return nil, fmt.Errorf("%w: bad magic", errs.ErrCorruptCache)
	}
	if header[len(magic)] != schemaVersion {
		return nil, fmt.Errorf("%w: unsupported schema version %d", errs.ErrCorruptCache, header[len(magic)])
	}
	count := binary.LittleEndian.Uint32(header[len(magic)+1:])

	bars := make([]model.Bar, count)
	buf := make([]byte, recordSize)
	for i := uint32(0); i < count; i++ {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("%w: truncated record %d: %v", errs.ErrCorruptCache, i, err)
		}
		ms := int64(binary.LittleEndian.Uint64(buf[0:8]))
		bars[i] = model.Bar{
			OpenTime: time.UnixMilli(ms).UTC(),
			Open:     floatFromBits(binary.LittleEndian.Uint64(buf[8:16])),
			High:     floatFromBits(binary.LittleEndian.Uint64(buf[16:24])),
			Low:      floatFromBits(binary.LittleEndian.Uint64(buf[24:32])),
			Close:    floatFromBits(binary.LittleEndian.Uint64(buf[32:40])),
			Volume:   floatFromBits(binary.LittleEndian.Uint64(buf[40:48])),
		}
	}
	return bars, nil
}

// WriteAtomic encodes p and atomically installs it at path, following §4.3's
// temp-fsync-rename protocol. It fails if path already exists: day-pack
// files are immutable once written (refresh is delete-and-rewrite, owned by
// the caller).
func WriteAtomic(path string, p DayPack) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s already exists", errs.ErrCacheFileImmutable, path)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp := filepath.Join(dir, fmt.Sprintf(".tmp.%s.%d", filepath.Base(path), rand.Int63()))
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer os.Remove(tmp) // no-op once renamed away

	var buf bytes.Buffer
	if err := Encode(&buf, p); err != nil {
		f.Close()
		return err
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	if dirf, err := os.Open(dir); err == nil {
		_ = dirf.Sync() // best-effort directory fsync
		_ = dirf.Close()
	}
	return nil
}

func floatBits(f float64) uint64     { return math.Float64bits(f) }
func floatFromBits(u uint64) float64 { return math.Float64frombits(u) }
