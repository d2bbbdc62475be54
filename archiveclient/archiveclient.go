// Package archiveclient fetches per-day zip+CSV bundles from the public
// historical object store and verifies them against a sibling SHA-256
// checksum file before decoding (§4.5). It adapts the teacher's
// candles/binance request style from a single-page REST call into a
// bounded-parallel, per-day bulk download. Each file is requested once: a
// network failure or unexpected status is returned as a TransportError
// outcome without any retry.
package archiveclient

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"fcppm/errs"
	"fcppm/model"
)

// Config configures a Client.
type Config struct {
	ArchiveRoot string // e.g. "https://data.binance.vision/data"
	HTTPClient  *http.Client
	Timeout     time.Duration
	Concurrency int // max parallel day-fetches; see FetchDays
}

func (c *Config) applyDefaults() {
	if c.ArchiveRoot == "" {
		c.ArchiveRoot = "https://data.binance.vision/data"
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
}

// Client is the archive (public object store) fetch tier.
type Client struct {
	cfg Config
}

// New constructs a Client, filling unset Config fields with defaults.
func New(cfg Config) *Client {
	cfg.applyDefaults()
	return &Client{cfg: cfg}
}

// FetchDay retrieves one day's zip+CHECKSUM pair and decodes it into a
// FetchOutcome. It never writes to the cache; that is the orchestrator's
// decision once it knows the pack is complete for the day.
func (c *Client) FetchDay(ctx context.Context, key model.CacheKey) model.FetchOutcome {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	zipURL := c.dayURL(key, "zip")
	sumURL := c.dayURL(key, "CHECKSUM")

	zipBody, status, err := c.get(ctx, zipURL)
	if err != nil {
		return model.FetchOutcome{Kind: model.TransportError, Err: err}
	}
	if status == http.StatusNotFound || status == http.StatusForbidden {
		return model.FetchOutcome{Kind: model.NotYetPublished}
	}
	if status != http.StatusOK {
		return model.FetchOutcome{Kind: model.TransportError, Err: fmt.Errorf("archiveclient: unexpected status %d fetching %s", status, zipURL)}
	}

	sumBody, status, err := c.get(ctx, sumURL)
	if err != nil {
		return model.FetchOutcome{Kind: model.TransportError, Err: err}
	}
	if status == http.StatusNotFound || status == http.StatusForbidden {
		return model.FetchOutcome{Kind: model.NotYetPublished}
	}
	if status != http.StatusOK {
		return model.FetchOutcome{Kind: model.TransportError, Err: fmt.Errorf("archiveclient: unexpected status %d fetching %s", status, sumURL)}
	}

	want, err := parseChecksum(sumBody)
	if err != nil {
		return model.FetchOutcome{Kind: model.IntegrityError, Err: errs.Tag("archiveclient", errs.ErrIntegrity, key.String(), err)}
	}
	got := sha256.Sum256(zipBody)
	gotHex := hex.EncodeToString(got[:])
	if !strings.EqualFold(want, gotHex) {
		return model.FetchOutcome{Kind: model.IntegrityError, Err: errs.Tag("archiveclient", errs.ErrIntegrity, key.String(),
			fmt.Errorf("checksum mismatch: want %s got %s", want, gotHex))}
	}

	bars, err := decodeZippedCSV(zipBody)
	if err != nil {
		return model.FetchOutcome{Kind: model.IntegrityError, Err: errs.Tag("archiveclient", errs.ErrIntegrity, key.String(), err)}
	}
	if len(bars) == 0 {
		return model.FetchOutcome{Kind: model.EmptyClosed}
	}
	return model.FetchOutcome{Kind: model.Served, Bars: bars}
}

// FetchDays fetches every key in keys, bounded to cfg.Concurrency in-flight
// requests at a time, and returns outcomes in the same order as keys. The
// caller (orchestrator) merges by open-time, not by completion order, so
// the bound here is purely a resource ceiling.
func (c *Client) FetchDays(ctx context.Context, keys []model.CacheKey) []model.FetchOutcome {
	out := make([]model.FetchOutcome, len(keys))
	sem := make(chan struct{}, c.cfg.Concurrency)
	var wg sync.WaitGroup

	for i, key := range keys {
		i, key := i, key
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			out[i] = c.FetchDay(ctx, key)
		}()
	}
	wg.Wait()
	return out
}

func (c *Client) dayURL(key model.CacheKey, ext string) string {
	return fmt.Sprintf("%s/%s/daily/klines/%s/%s/%s-%s-%s.%s",
		strings.TrimSuffix(c.cfg.ArchiveRoot, "/"),
		key.Market.ArchiveSegment(),
		key.Symbol,
		key.Interval.Canonical(),
		key.Symbol,
		key.Interval.Canonical(),
		key.Date.UTC().Format("2006-01-02"),
		ext,
	)
}

func (c *Client) get(ctx context.Context, url string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

// parseChecksum extracts the hex digest from a ".CHECKSUM" file, whose
// format is the standard sha256sum line: "<hex>  <filename>".
func parseChecksum(body []byte) (string, error) {
	fields := strings.Fields(string(body))
	if len(fields) == 0 {
		return "", fmt.Errorf("empty checksum file")
	}
	digest := fields[0]
	if len(digest) != 64 {
		return "", fmt.Errorf("checksum file does not contain a 64-character sha256 digest")
	}
	return digest, nil
}

// minCSVColumns counts the leading columns of the provider-fixed column
// order that this engine reads: open-time, open, high, low, close, volume.
// They are followed by columns this engine ignores (close-time, quote
// volume, trade count, taker-buy volumes, unused).
const minCSVColumns = 6

func decodeZippedCSV(zipBody []byte) ([]model.Bar, error) {
	zr, err := zip.NewReader(bytes.NewReader(zipBody), int64(len(zipBody)))
	if err != nil {
		return nil, fmt.Errorf("not a valid zip archive: %w", err)
	}
	if len(zr.File) != 1 {
		return nil, fmt.Errorf("expected exactly one entry in the archive, found %d", len(zr.File))
	}
	rc, err := zr.File[0].Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	r := csv.NewReader(rc)
	r.FieldsPerRecord = -1

	var bars []model.Bar
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("malformed CSV row: %w", err)
		}
		if len(row) < minCSVColumns {
			return nil, fmt.Errorf("row has %d columns, expected at least %d", len(row), minCSVColumns)
		}
		if isHeaderRow(row) {
			continue
		}
		bar, err := parseCSVRow(row)
		if err != nil {
			return nil, err
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

func isHeaderRow(row []string) bool {
	_, err := strconv.ParseInt(row[0], 10, 64)
	return err != nil
}

func parseCSVRow(row []string) (model.Bar, error) {
	openMs, err := strconv.ParseInt(row[0], 10, 64)
	if err != nil {
		return model.Bar{}, fmt.Errorf("non-numeric open time column: %w", err)
	}
	open, err := strconv.ParseFloat(row[1], 64)
	if err != nil {
		return model.Bar{}, fmt.Errorf("non-numeric open column: %w", err)
	}
	high, err := strconv.ParseFloat(row[2], 64)
	if err != nil {
		return model.Bar{}, fmt.Errorf("non-numeric high column: %w", err)
	}
	low, err := strconv.ParseFloat(row[3], 64)
	if err != nil {
		return model.Bar{}, fmt.Errorf("non-numeric low column: %w", err)
	}
	closep, err := strconv.ParseFloat(row[4], 64)
	if err != nil {
		return model.Bar{}, fmt.Errorf("non-numeric close column: %w", err)
	}
	vol, err := strconv.ParseFloat(row[5], 64)
	if err != nil {
		return model.Bar{}, fmt.Errorf("non-numeric volume column: %w", err)
	}
	return model.Bar{
		OpenTime: time.UnixMilli(openMs).UTC(),
		Open:     open, High: high, Low: low, Close: closep, Volume: vol,
	}, nil
}
