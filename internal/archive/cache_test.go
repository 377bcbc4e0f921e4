package archive

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dawnarchive/pkg/types"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCache(t *testing.T, opts ...Option) (*Cache, *FileStore) {
	t.Helper()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	return New(store, opts...), store
}

func sampleArchive(date string) *types.DayArchive {
	archive := types.NewDayArchive(date, []string{"front-page", "sport"}, time.Date(2025, 3, 1, 10, 30, 0, 0, time.UTC))
	archive.Sections["front-page"] = []types.Article{{
		Title:    "Budget passed",
		URL:      "https://www.dawn.com/news/1001",
		Summary:  "The assembly approved the budget.",
		Section:  "front-page",
		Date:     date,
		ImageURL: "https://images.dawn.com/1001.jpg",
	}}
	return archive
}

func TestPutGetRoundTripAfterDroppingMemory(t *testing.T) {
	cache, _ := newTestCache(t)
	want := sampleArchive("2013-03-01")
	require.NoError(t, cache.Put(context.Background(), want.Date, want))

	cache.DropMemory()
	assert.Empty(t, cache.MemoryDates())

	got, ok := cache.Get("2013-03-01")
	require.True(t, ok)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []string{"2013-03-01"}, cache.MemoryDates())
}

func TestPersistedDocumentIsIndented(t *testing.T) {
	cache, store := newTestCache(t)
	require.NoError(t, cache.Put(context.Background(), "2013-03-01", sampleArchive("2013-03-01")))

	raw, err := os.ReadFile(filepath.Join(store.Dir(), "2013-03-01.json"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "\n  \"date\": \"2013-03-01\"")
	assert.Contains(t, string(raw), "\"cached_at\"")
	assert.Contains(t, string(raw), "\"imageUrl\"")
}

func TestGetMiss(t *testing.T) {
	cache, _ := newTestCache(t)
	_, ok := cache.Get("2013-03-01")
	assert.False(t, ok)
	_, ok = cache.Get("../../etc/passwd")
	assert.False(t, ok)
}

func TestCorruptFileIsMiss(t *testing.T) {
	cache, store := newTestCache(t)
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), "2013-03-02.json"), []byte("{not json"), 0o644))

	_, ok := cache.Get("2013-03-02")
	assert.False(t, ok)
	assert.Empty(t, cache.MemoryDates())
}

func TestPutRejectsInvalidDate(t *testing.T) {
	cache, _ := newTestCache(t)
	assert.Error(t, cache.Put(context.Background(), "yesterday", sampleArchive("yesterday")))
	assert.Error(t, cache.Put(context.Background(), "2013-03-01", nil))
}

func TestEvictOlderThan(t *testing.T) {
	dates := []string{"2013-02-27", "2013-02-28", "2013-03-01", "2013-03-02", "2013-03-03"}
	for i, cutoff := range dates {
		t.Run(cutoff, func(t *testing.T) {
			cache, _ := newTestCache(t)
			for _, d := range dates {
				require.NoError(t, cache.Put(context.Background(), d, sampleArchive(d)))
			}

			removed, err := cache.EvictOlderThan(context.Background(), cutoff)
			require.NoError(t, err)
			assert.Equal(t, i, removed)

			remaining, err := cache.ListDates()
			require.NoError(t, err)
			assert.Equal(t, dates[i:], remaining)
		})
	}
}

func TestEvictionKeepsMemoryEntries(t *testing.T) {
	cache, _ := newTestCache(t)
	require.NoError(t, cache.Put(context.Background(), "2013-01-01", sampleArchive("2013-01-01")))

	removed, err := cache.EvictOlderThan(context.Background(), "2013-06-01")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.False(t, cache.Exists("2013-01-01"))

	archive, ok := cache.Get("2013-01-01")
	require.True(t, ok)
	assert.Equal(t, "2013-01-01", archive.Date)

	cache.DropMemory()
	_, ok = cache.Get("2013-01-01")
	assert.False(t, ok)
}

func TestEvictRejectsInvalidCutoff(t *testing.T) {
	cache, _ := newTestCache(t)
	_, err := cache.EvictOlderThan(context.Background(), "not-a-date")
	assert.Error(t, err)
}

func TestListDatesSkipsForeignFiles(t *testing.T) {
	cache, store := newTestCache(t)
	for _, d := range []string{"2013-03-02", "2013-01-15", "2013-02-01"} {
		require.NoError(t, cache.Put(context.Background(), d, sampleArchive(d)))
	}
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), "notes.json"), []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), "2013-04-01.txt"), []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(store.Dir(), "2013-05-01.json"), 0o755))

	dates, err := cache.ListDates()
	require.NoError(t, err)
	assert.Equal(t, []string{"2013-01-15", "2013-02-01", "2013-03-02"}, dates)
}

func TestClearAll(t *testing.T) {
	cache, _ := newTestCache(t)
	for _, d := range []string{"2013-01-01", "2013-01-02"} {
		require.NoError(t, cache.Put(context.Background(), d, sampleArchive(d)))
	}

	deleted, failures := cache.ClearAll(context.Background())
	assert.Equal(t, 2, deleted)
	assert.Empty(t, failures)

	dates, err := cache.ListDates()
	require.NoError(t, err)
	assert.Empty(t, dates)
	assert.Equal(t, []string{"2013-01-01", "2013-01-02"}, cache.MemoryDates())
}

type flakyStore struct {
	*FileStore
	failDelete string
	deleteErr  error
}

func (s flakyStore) Delete(key string) error {
	if key == s.failDelete {
		if s.deleteErr != nil {
			return s.deleteErr
		}
		return errors.New("permission denied")
	}
	return s.FileStore.Delete(key)
}

func TestClearAllContinuesPastFailures(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	cache := New(flakyStore{FileStore: fs, failDelete: "2013-01-02"}, WithLogger(quietLogger()))
	for _, d := range []string{"2013-01-01", "2013-01-02", "2013-01-03"} {
		require.NoError(t, cache.Put(context.Background(), d, sampleArchive(d)))
	}

	deleted, failures := cache.ClearAll(context.Background())
	assert.Equal(t, 2, deleted)
	require.Len(t, failures, 1)
	assert.Equal(t, "2013-01-02", failures[0].Date)
	assert.Contains(t, failures[0].Error(), "permission denied")
}

func TestEvictOlderThanCountsOnlyDeletedFiles(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	// The file for 2013-01-02 disappears between listing and deletion.
	store := flakyStore{FileStore: fs, failDelete: "2013-01-02", deleteErr: ErrNotFound}
	cache := New(store, WithLogger(quietLogger()))
	for _, d := range []string{"2013-01-01", "2013-01-02", "2013-01-03"} {
		require.NoError(t, cache.Put(context.Background(), d, sampleArchive(d)))
	}

	removed, err := cache.EvictOlderThan(context.Background(), "2013-01-03")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	store.deleteErr = errors.New("permission denied")
	cache = New(store, WithLogger(quietLogger()))
	removed, err = cache.EvictOlderThan(context.Background(), "2013-01-03")
	require.NoError(t, err)
	assert.Zero(t, removed)
}

type recordingMirror struct {
	mu      sync.Mutex
	saved   []string
	cutoffs []string
	cleared int
	err     error
}

func (m *recordingMirror) SaveArchive(ctx context.Context, archive *types.DayArchive) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, archive.Date)
	return m.err
}

func (m *recordingMirror) DeleteBefore(ctx context.Context, cutoff string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cutoffs = append(m.cutoffs, cutoff)
	return 0, m.err
}

func (m *recordingMirror) DeleteAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleared++
	return m.err
}

func TestMirrorReceivesWritesAndFailuresAreIgnored(t *testing.T) {
	mirror := &recordingMirror{err: errors.New("db down")}
	cache, _ := newTestCache(t, WithMirror(mirror))

	require.NoError(t, cache.Put(context.Background(), "2013-01-01", sampleArchive("2013-01-01")))
	_, err := cache.EvictOlderThan(context.Background(), "2012-01-01")
	require.NoError(t, err)
	_, failures := cache.ClearAll(context.Background())
	assert.Empty(t, failures)

	assert.Equal(t, []string{"2013-01-01"}, mirror.saved)
	assert.Equal(t, []string{"2012-01-01"}, mirror.cutoffs)
	assert.Equal(t, 1, mirror.cleared)
}

func TestSizeAndExists(t *testing.T) {
	cache, _ := newTestCache(t)
	assert.False(t, cache.Exists("2013-01-01"))
	_, err := cache.Size("2013-01-01")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, cache.Put(context.Background(), "2013-01-01", sampleArchive("2013-01-01")))
	assert.True(t, cache.Exists("2013-01-01"))
	size, err := cache.Size("2013-01-01")
	require.NoError(t, err)
	assert.Greater(t, size, int64(0))
}

func TestFileStoreLeavesNoTempFiles(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Write("2013-01-01", []byte("{}")))
	require.NoError(t, store.Write("2013-01-01", []byte(`{"date":"2013-01-01"}`)))

	entries, err := os.ReadDir(store.Dir())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "2013-01-01.json", entries[0].Name())

	data, err := store.Read("2013-01-01")
	require.NoError(t, err)
	assert.Equal(t, `{"date":"2013-01-01"}`, string(data))
	assert.ErrorIs(t, store.Delete("2099-01-01"), ErrNotFound)
}
