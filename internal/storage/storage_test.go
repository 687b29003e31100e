package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStores(t *testing.T) map[string]Store {
	mem, err := NewMemoryStore()
	require.NoError(t, err)

	sqlite, err := NewSQLiteStore(&SQLiteConfig{
		Path:      filepath.Join(t.TempDir(), "data", "seqget.db"),
		EnableWAL: true,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		mem.Close()
		sqlite.Close()
	})

	return map[string]Store{"memory": mem, "sqlite": sqlite}
}

func TestStoreRuns(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			run := &Run{
				Template:       "http://example.com/img{{1}}.jpg",
				TargetPath:     "/tmp/out",
				MaxConcurrency: 4,
				State:          "working",
			}
			require.NoError(t, store.CreateRun(ctx, run))
			assert.NotEmpty(t, run.ID)
			assert.False(t, run.StartedAt.IsZero())

			got, err := store.GetRun(ctx, run.ID)
			require.NoError(t, err)
			assert.Equal(t, run.Template, got.Template)
			assert.Equal(t, 4, got.MaxConcurrency)
			assert.Nil(t, got.FinishedAt)

			finished := time.Now().UTC()
			run.State = "done"
			run.Done = 3
			run.Failed = 1
			run.Bytes = 4096
			run.FinishedAt = &finished
			require.NoError(t, store.UpdateRun(ctx, run))

			got, err = store.GetRun(ctx, run.ID)
			require.NoError(t, err)
			assert.Equal(t, "done", got.State)
			assert.Equal(t, int64(3), got.Done)
			assert.Equal(t, int64(1), got.Failed)
			assert.Equal(t, int64(4096), got.Bytes)
			require.NotNil(t, got.FinishedAt)
			assert.WithinDuration(t, finished, *got.FinishedAt, time.Second)

			_, err = store.GetRun(ctx, "missing")
			assert.ErrorIs(t, err, ErrRunNotFound)
			assert.ErrorIs(t, store.UpdateRun(ctx, &Run{ID: "missing"}), ErrRunNotFound)
			assert.ErrorIs(t, store.CreateRun(ctx, &Run{ID: run.ID, Template: "x", TargetPath: "y", State: "working"}), ErrRunExists)

			require.NoError(t, store.DeleteRun(ctx, run.ID))
			_, err = store.GetRun(ctx, run.ID)
			assert.ErrorIs(t, err, ErrRunNotFound)
			assert.ErrorIs(t, store.DeleteRun(ctx, run.ID), ErrRunNotFound)
		})
	}
}

func TestStoreListRunsNewestFirst(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now().Add(-time.Hour).UTC()

			for i := 0; i < 5; i++ {
				run := &Run{
					ID:         fmt.Sprintf("run-%d", i),
					Template:   "http://example.com/{{1}}",
					TargetPath: "/tmp",
					State:      "done",
					StartedAt:  base.Add(time.Duration(i) * time.Minute),
				}
				require.NoError(t, store.CreateRun(ctx, run))
			}

			runs, err := store.ListRuns(ctx, 2, 0)
			require.NoError(t, err)
			require.Len(t, runs, 2)
			assert.Equal(t, "run-4", runs[0].ID)
			assert.Equal(t, "run-3", runs[1].ID)

			runs, err = store.ListRuns(ctx, 0, 3)
			require.NoError(t, err)
			require.Len(t, runs, 2)
			assert.Equal(t, "run-1", runs[0].ID)
		})
	}
}

func TestStoreItems(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			run := &Run{Template: "http://example.com/f{{1}}.jpg", TargetPath: "/tmp", State: "working"}
			require.NoError(t, store.CreateRun(ctx, run))

			for i := 1; i <= 3; i++ {
				item := &ItemRecord{
					RunID:     run.ID,
					ItemID:    int64(i),
					URL:       fmt.Sprintf("http://example.com/f%d.jpg", i),
					LocalPath: fmt.Sprintf("/tmp/example.com/f%d.jpg", i),
					State:     "done",
					Bytes:     int64(i * 100),
					Duration:  1500 * time.Millisecond,
				}
				if i == 2 {
					item.State = "error"
					item.Error = "unexpected status code: 404"
				}
				require.NoError(t, store.RecordItem(ctx, item))
				assert.NotZero(t, item.ID)
			}

			items, err := store.ListItems(ctx, run.ID, 0, 0)
			require.NoError(t, err)
			require.Len(t, items, 3)
			assert.Equal(t, int64(1), items[0].ItemID)
			assert.Equal(t, "error", items[1].State)
			assert.Contains(t, items[1].Error, "404")
			assert.Equal(t, 1500*time.Millisecond, items[2].Duration)

			items, err = store.ListItems(ctx, run.ID, 1, 1)
			require.NoError(t, err)
			require.Len(t, items, 1)
			assert.Equal(t, int64(2), items[0].ItemID)

			_, err = store.ListItems(ctx, "missing", 10, 0)
			assert.ErrorIs(t, err, ErrRunNotFound)
		})
	}
}

func TestMemoryStoreRecordItemUnknownRun(t *testing.T) {
	store, err := NewMemoryStore()
	require.NoError(t, err)

	err = store.RecordItem(context.Background(), &ItemRecord{RunID: "missing", URL: "http://x/"})
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestStorageManager(t *testing.T) {
	mgr, err := NewManager(&StorageConfig{Type: StorageTypeMemory})
	require.NoError(t, err)
	assert.NotNil(t, mgr.GetStore())
	require.NoError(t, mgr.Close())

	mgr, err = NewManager(&StorageConfig{
		Type:   StorageTypeSQLite,
		SQLite: &SQLiteConfig{Path: filepath.Join(t.TempDir(), "runs.db")},
	})
	require.NoError(t, err)
	_, ok := mgr.GetStore().(*SQLiteStore)
	assert.True(t, ok)
	require.NoError(t, mgr.Close())

	_, err = NewManager(&StorageConfig{Type: StorageTypeSQLite})
	assert.Equal(t, ErrMissingSQLiteConfig, err)

	_, err = NewManager(&StorageConfig{Type: "postgresql"})
	assert.Equal(t, ErrInvalidStorageType, err)
}

func TestConcurrentRecordItems(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			run := &Run{Template: "http://example.com/{{1}}", TargetPath: "/tmp", State: "working"}
			require.NoError(t, store.CreateRun(ctx, run))

			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					assert.NoError(t, store.RecordItem(ctx, &ItemRecord{
						RunID:  run.ID,
						ItemID: int64(i),
						URL:    fmt.Sprintf("http://example.com/%d", i),
						State:  "done",
					}))
				}(i)
			}
			wg.Wait()

			items, err := store.ListItems(ctx, run.ID, 0, 0)
			require.NoError(t, err)
			assert.Len(t, items, 20)
		})
	}
}

func TestStorageErrorUnwrap(t *testing.T) {
	inner := fmt.Errorf("disk full")
	err := &StorageError{Code: "IO", Message: "write failed", Err: inner}
	assert.Equal(t, "IO: write failed: disk full", err.Error())
	assert.ErrorIs(t, err, inner)
	assert.Equal(t, "NOT_FOUND: Run not found", ErrRunNotFound.Error())
}
