package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeFactories runs each contract test against both implementations.
func storeFactories(t *testing.T) map[string]func(now func() time.Time) Store {
	return map[string]func(now func() time.Time) Store{
		"memory": func(now func() time.Time) Store {
			s := NewMemoryStore()
			s.now = now
			return s
		},
		"sqlite": func(now func() time.Time) Store {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "journal.db"), nil)
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			s.now = now
			return s
		},
	}
}

func stepClock(start time.Time) func() time.Time {
	cur := start
	return func() time.Time {
		cur = cur.Add(time.Minute)
		return cur
	}
}

func TestStore_PutAndGet(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(stepClock(time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)))

			e, err := s.Put(ctx, Entry{Title: "Morning", Content: "Coffee on the porch."})
			require.NoError(t, err)
			assert.NotEmpty(t, e.ID)
			assert.False(t, e.CreatedAt.IsZero())

			got, err := s.GetEntryByID(ctx, e.ID)
			require.NoError(t, err)
			assert.Equal(t, "Morning", got.Title)
			assert.Equal(t, "Coffee on the porch.", got.Content)
			assert.True(t, got.CreatedAt.Equal(e.CreatedAt))

			_, err = s.GetEntryByID(ctx, "missing")
			assert.ErrorIs(t, err, ErrEntryNotFound)
		})
	}
}

func TestStore_UpdateKeepsCreatedAt(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(stepClock(time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)))

			e, err := s.Put(ctx, Entry{Content: "draft"})
			require.NoError(t, err)

			updated, err := s.Put(ctx, Entry{ID: e.ID, Content: "final text"})
			require.NoError(t, err)
			assert.True(t, updated.CreatedAt.Equal(e.CreatedAt))
			assert.True(t, updated.UpdatedAt.After(e.UpdatedAt))

			got, err := s.GetEntryByID(ctx, e.ID)
			require.NoError(t, err)
			assert.Equal(t, "final text", got.Content)
		})
	}
}

func TestStore_EntriesNewestFirst(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(stepClock(time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)))

			for _, c := range []string{"one", "two", "three"} {
				_, err := s.Put(ctx, Entry{Content: c})
				require.NoError(t, err)
			}

			entries, err := s.Entries(ctx)
			require.NoError(t, err)
			require.Len(t, entries, 3)
			assert.Equal(t, "three", entries[0].Content)
			assert.Equal(t, "one", entries[2].Content)
		})
	}
}

func TestStore_Delete(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(time.Now)

			e, err := s.Put(ctx, Entry{Content: "temporary"})
			require.NoError(t, err)
			require.NoError(t, s.Delete(ctx, e.ID))

			_, err = s.GetEntryByID(ctx, e.ID)
			assert.ErrorIs(t, err, ErrEntryNotFound)
			assert.ErrorIs(t, s.Delete(ctx, e.ID), ErrEntryNotFound)
		})
	}
}

func TestStore_RejectsEmptyContent(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			_, err := newStore(time.Now).Put(context.Background(), Entry{Content: "  \n"})
			assert.ErrorIs(t, err, ErrEmptyContent)
		})
	}
}

func TestSQLiteStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "journal.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(path, nil)
	require.NoError(t, err)
	e, err := s.Put(ctx, Entry{Content: "persisted"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := NewSQLiteStore(path, nil)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.GetEntryByID(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "persisted", got.Content)
}

func TestNewMemoryStore_Seeded(t *testing.T) {
	s := NewMemoryStore(Entry{ID: "e1", Content: "seed"}, Entry{Content: "no id"})
	entries, err := s.Entries(context.Background())
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
