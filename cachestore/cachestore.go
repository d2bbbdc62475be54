// Package cachestore implements the content-addressed on-disk directory of
// day-packs: read via mmap, atomic write, listing, eviction by delete (§4.4).
//
// At most one writer per CacheKey is allowed; readers are unbounded and
// never block on a write-in-progress for a different key. Cross-process
// writers are serialized by an O_EXCL lock file held for the duration of
// the write, mirroring the teacher's candles/cache package's role as "the
// one place the Market synchronizes on," generalized from an in-memory LRU
// to a directory of immutable files.
package cachestore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"fcppm/catalog"
	"fcppm/daypack"
	"fcppm/errs"
	"fcppm/model"
	"fcppm/timeutil"
)

const fileExt = "fcp"

// Stats mirrors the teacher's CacheMisses/CacheRequests counters on
// MemoryCache, generalized across the whole store.
type Stats struct {
	Hits   int
	Misses int
}

// Store is the directory-backed day-pack cache.
type Store struct {
	root string

	mu      sync.Mutex
	keyLock map[string]*sync.Mutex
	handles *lru.Cache // path -> *daypack.MappedPack, bounds open mappings

	statsMu sync.Mutex
	stats   Stats
}

// New constructs a Store rooted at root. handleCacheSize bounds how many
// mmap handles stay open at once; it's the same "keep N recent entries"
// knob as the teacher's NewMemoryCache cache-size parameter, now sized in
// open mappings rather than bar-count (daypack.Open closes the file
// descriptor once the mapping exists).
func New(root string, handleCacheSize int) (*Store, error) {
	if handleCacheSize <= 0 {
		handleCacheSize = 256
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	handles, err := lru.NewWithEvict(handleCacheSize, func(_ interface{}, v interface{}) {
		if mp, ok := v.(*daypack.MappedPack); ok {
			_ = mp.Close()
		}
	})
	if err != nil {
		return nil, err
	}
	return &Store{root: root, keyLock: map[string]*sync.Mutex{}, handles: handles}, nil
}

func (s *Store) path(key model.CacheKey) string {
	return filepath.Join(s.root, key.RelPath(fileExt))
}

func (s *Store) lockFor(key model.CacheKey) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key.String()
	l, ok := s.keyLock[k]
	if !ok {
		l = &sync.Mutex{}
		s.keyLock[k] = l
	}
	return l
}

// Get resolves key's path and opens it via mmap, returning (pack, true, nil)
// on a hit or (zero, false, nil) on a miss. A corrupt file is surfaced as
// errs.ErrCorruptCache and the caller should Purge it before retrying the
// tier sequence (it is not auto-quarantined here to keep Get read-only).
// Get reads key's day-pack, either from the open-handle cache or by mmap'ing
// it fresh. Only the stats counter bump is serialized; the handle lookup and
// the mmap open are not, so a read of one key never blocks a concurrent read
// of a different key (§5: "readers are unbounded").
func (s *Store) Get(key model.CacheKey) (daypack.DayPack, bool, error) {
	path := s.path(key)

	if v, ok := s.handles.Get(path); ok {
		s.bumpStat(true)
		mp := v.(*daypack.MappedPack)
		return daypack.DayPack{Key: key, Bars: mp.Bars()}, true, nil
	}

	if _, err := os.Stat(path); err != nil {
		s.bumpStat(false)
		return daypack.DayPack{}, false, nil
	}

	mp, err := daypack.Open(path)
	if err != nil {
		return daypack.DayPack{}, false, errs.Tag("cachestore", errs.ErrCorruptCache, key.String(), err)
	}
	s.handles.Add(path, mp)
	s.bumpStat(true)
	return daypack.DayPack{Key: key, Bars: mp.Bars()}, true, nil
}

func (s *Store) bumpStat(hit bool) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	if hit {
		s.stats.Hits++
	} else {
		s.stats.Misses++
	}
}

// Put writes pack at key, subject to §4.4's acceptance rules:
//
//   - the day must be strictly closed (before today-UTC, per now)
//   - the pack must be non-empty
//   - the pack's bar count must equal the expected count for (day, interval),
//     unless completeSparse is true (the source flagged the day as
//     definitively complete-but-sparse)
//
// Overwrite of an existing file is rejected: cache files are immutable.
func (s *Store) Put(key model.CacheKey, pack daypack.DayPack, now time.Time, completeSparse bool) error {
	if !timeutil.IsClosedDay(key.Date, now) {
		return fmt.Errorf("cachestore: refusing to cache open day %s", key)
	}
	if len(pack.Bars) == 0 {
		return fmt.Errorf("cachestore: refusing to cache empty pack for %s", key)
	}
	if !completeSparse && len(pack.Bars) != timeutil.ExpectedCount(key.Interval) {
		return fmt.Errorf("cachestore: pack for %s has %d bars, expected %d", key, len(pack.Bars), timeutil.ExpectedCount(key.Interval))
	}
	if err := pack.Validate(); err != nil {
		return fmt.Errorf("cachestore: invalid pack for %s: %w", key, err)
	}

	lock := s.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	path := s.path(key)
	lockPath := path + ".lock"
	lf, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("cachestore: concurrent writer holds %s: %w", key, err)
	}
	defer func() {
		lf.Close()
		os.Remove(lockPath)
	}()

	return daypack.WriteAtomic(path, pack)
}

// List returns the ordered dates present in the cache for (provider, market,
// symbol, interval).
func (s *Store) List(provider string, market catalog.MarketClass, symbol string, interval catalog.Interval) ([]time.Time, error) {
	dir := filepath.Join(s.root, provider, market.PathSegment(), "klines", "daily", symbol, interval.Canonical())
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var dates []time.Time
	for _, e := range entries {
		name := e.Name()
		if filepath.Ext(name) != "."+fileExt {
			continue
		}
		d, err := time.Parse("2006-01-02", name[:len(name)-len(fileExt)-1])
		if err != nil {
			continue
		}
		dates = append(dates, d)
	}
	return dates, nil
}

// Purge removes every cache file whose path has prefix. It is an
// administrative operation with no concurrency guard beyond the OS's own
// unlink atomicity: callers are responsible for not purging keys with
// concurrent writers in flight.
func (s *Store) Purge(prefix string) error {
	root := filepath.Join(s.root, prefix)
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		if filepath.Ext(path) != "."+fileExt {
			return nil
		}
		s.handles.Remove(path)
		return os.Remove(path)
	})
}

// Stats returns the store's cumulative hit/miss counters.
func (s *Store) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}
