// Package archive caches day archives in memory over a persistent store.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"dawnarchive/pkg/types"
)

// Mirror receives a copy of every archive write and deletion. Mirror
// failures are logged and never fail the cache operation.
type Mirror interface {
	SaveArchive(ctx context.Context, archive *types.DayArchive) error
	DeleteBefore(ctx context.Context, cutoff string) (int64, error)
	DeleteAll(ctx context.Context) error
}

// FileError records a per-date failure during ClearAll.
type FileError struct {
	Date string
	Err  error
}

func (e FileError) Error() string {
	return fmt.Sprintf("%s: %v", e.Date, e.Err)
}

func (e FileError) Unwrap() error { return e.Err }

// Cache maps dates to archives, memory first, then the store.
//
// Deleting persisted archives (EvictOlderThan, ClearAll) leaves the memory
// layer untouched: entries already loaded stay readable until DropMemory or
// restart.
type Cache struct {
	store  Store
	mirror Mirror
	logger *slog.Logger

	mu     sync.RWMutex
	memory map[string]*types.DayArchive
}

// Option configures a Cache.
type Option func(*Cache)

// WithMirror attaches a secondary sink for archive writes.
func WithMirror(m Mirror) Option {
	return func(c *Cache) { c.mirror = m }
}

// WithLogger sets the cache logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.logger = l
		}
	}
}

// New returns a cache over store.
func New(store Store, opts ...Option) *Cache {
	c := &Cache{
		store:  store,
		logger: slog.Default(),
		memory: make(map[string]*types.DayArchive),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the archive for date. Unreadable or corrupt documents are
// logged and reported as a miss.
func (c *Cache) Get(date string) (*types.DayArchive, bool) {
	if !types.ValidDate(date) {
		return nil, false
	}

	c.mu.RLock()
	archive, ok := c.memory[date]
	c.mu.RUnlock()
	if ok {
		return archive, true
	}

	data, err := c.store.Read(date)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			c.logger.Warn("read archive failed", "date", date, "error", err)
		}
		return nil, false
	}

	var decoded types.DayArchive
	if err := json.Unmarshal(data, &decoded); err != nil {
		c.logger.Warn("corrupt archive treated as miss", "date", date, "error", err)
		return nil, false
	}
	if decoded.Sections == nil {
		decoded.Sections = map[string][]types.Article{}
	}

	c.mu.Lock()
	c.memory[date] = &decoded
	c.mu.Unlock()
	return &decoded, true
}

// Put persists archive under date, replaces the memory entry and forwards
// the archive to the mirror.
func (c *Cache) Put(ctx context.Context, date string, archive *types.DayArchive) error {
	if !types.ValidDate(date) {
		return fmt.Errorf("invalid archive date %q", date)
	}
	if archive == nil {
		return errors.New("archive is nil")
	}

	data, err := json.MarshalIndent(archive, "", "  ")
	if err != nil {
		return fmt.Errorf("encode archive %s: %w", date, err)
	}
	if err := c.store.Write(date, data); err != nil {
		return fmt.Errorf("persist archive %s: %w", date, err)
	}

	c.mu.Lock()
	c.memory[date] = archive
	c.mu.Unlock()

	if c.mirror != nil {
		if err := c.mirror.SaveArchive(ctx, archive); err != nil {
			c.logger.Warn("mirror archive failed", "date", date, "error", err)
		}
	}
	return nil
}

// EvictOlderThan deletes every persisted archive dated before cutoff and
// returns how many were removed.
func (c *Cache) EvictOlderThan(ctx context.Context, cutoff string) (int, error) {
	if !types.ValidDate(cutoff) {
		return 0, fmt.Errorf("invalid cutoff date %q", cutoff)
	}
	dates, err := c.ListDates()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, date := range dates {
		if date >= cutoff {
			break
		}
		err := c.store.Delete(date)
		switch {
		case err == nil:
			removed++
		case errors.Is(err, ErrNotFound):
			// Already gone; another caller removed it after the listing.
		default:
			c.logger.Warn("evict archive failed", "date", date, "error", err)
		}
	}

	if c.mirror != nil {
		if _, err := c.mirror.DeleteBefore(ctx, cutoff); err != nil {
			c.logger.Warn("mirror eviction failed", "cutoff", cutoff, "error", err)
		}
	}
	if removed > 0 {
		c.logger.Info("evicted archives", "cutoff", cutoff, "removed", removed)
	}
	return removed, nil
}

// ListDates returns the sorted dates with a persisted archive. Documents
// whose key is not a calendar date are ignored.
func (c *Cache) ListDates() ([]string, error) {
	keys, err := c.store.List()
	if err != nil {
		return nil, err
	}
	dates := make([]string, 0, len(keys))
	for _, key := range keys {
		if types.ValidDate(key) {
			dates = append(dates, key)
		}
	}
	sort.Strings(dates)
	return dates, nil
}

// ClearAll deletes every persisted archive, continuing past failures.
func (c *Cache) ClearAll(ctx context.Context) (int, []FileError) {
	dates, err := c.ListDates()
	if err != nil {
		return 0, []FileError{{Date: "*", Err: err}}
	}

	deleted := 0
	var failures []FileError
	for _, date := range dates {
		if err := c.store.Delete(date); err != nil {
			failures = append(failures, FileError{Date: date, Err: err})
			continue
		}
		deleted++
	}

	if c.mirror != nil {
		if err := c.mirror.DeleteAll(ctx); err != nil {
			c.logger.Warn("mirror clear failed", "error", err)
		}
	}
	return deleted, failures
}

// Exists reports whether a persisted archive exists for date.
func (c *Cache) Exists(date string) bool {
	return types.ValidDate(date) && c.store.Exists(date)
}

// Size returns the persisted size of date's archive in bytes.
func (c *Cache) Size(date string) (int64, error) {
	if !types.ValidDate(date) {
		return 0, ErrNotFound
	}
	return c.store.Size(date)
}

// MemoryDates returns the sorted dates held in memory.
func (c *Cache) MemoryDates() []string {
	c.mu.RLock()
	dates := make([]string, 0, len(c.memory))
	for date := range c.memory {
		dates = append(dates, date)
	}
	c.mu.RUnlock()
	sort.Strings(dates)
	return dates
}

// DropMemory empties the memory layer.
func (c *Cache) DropMemory() {
	c.mu.Lock()
	c.memory = make(map[string]*types.DayArchive)
	c.mu.Unlock()
}
