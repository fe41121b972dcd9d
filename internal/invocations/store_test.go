package invocations

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/watzon/forge/internal/config"
	"github.com/watzon/forge/internal/database"
	"github.com/watzon/forge/internal/functions"
)

func testDB(t *testing.T) *database.DB {
	t.Helper()

	cfg := &config.DatabaseConfig{
		Path:         filepath.Join(t.TempDir(), "test.db"),
		WALMode:      true,
		ForeignKeys:  true,
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 1,
		MaxIdleConns: 1,
		CacheSize:    -2000,
	}

	db, err := database.Open(cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

func record(id, functionID string, kind functions.ErrorKind, ms int64, at time.Time) Record {
	return Record{
		ID:              id,
		FunctionID:      functionID,
		InvocationID:    "inv-" + id,
		Success:         kind == "",
		ErrorKind:       kind,
		ExecutionTimeMs: ms,
		MemoryUsedMB:    float64(ms) / 10,
		CreatedAt:       at,
	}
}

func TestStore_InsertAndList(t *testing.T) {
	store := NewStore(testDB(t))
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, store.Insert(ctx, record("a", "fn-1", "", 10, base)))
	require.NoError(t, store.Insert(ctx, record("b", "fn-1", functions.KindTimeout, 30, base.Add(time.Second))))
	require.NoError(t, store.Insert(ctx, record("c", "fn-2", "", 20, base.Add(2*time.Second))))

	records, err := store.List(ctx, ListOptions{FunctionID: "fn-1"})
	require.NoError(t, err)
	require.Len(t, records, 2)

	require.Equal(t, "b", records[0].ID, "newest first")
	require.False(t, records[0].Success)
	require.Equal(t, functions.KindTimeout, records[0].ErrorKind)
	require.Equal(t, int64(30), records[0].ExecutionTimeMs)
	require.InDelta(t, 3.0, records[0].MemoryUsedMB, 0.001)
	require.True(t, records[0].CreatedAt.Equal(base.Add(time.Second)))

	require.Equal(t, "a", records[1].ID)
	require.True(t, records[1].Success)
	require.Empty(t, records[1].ErrorKind)
}

func TestStore_Logs(t *testing.T) {
	store := NewStore(testDB(t))
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	chatty := record("a", "fn-1", "", 10, base)
	chatty.Logs = []string{"starting", `quoted "value"`}
	require.NoError(t, store.Insert(ctx, chatty))
	require.NoError(t, store.Insert(ctx, record("b", "fn-1", "", 10, base.Add(time.Second))))

	records, err := store.List(ctx, ListOptions{FunctionID: "fn-1"})
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Empty(t, records[0].Logs)
	require.Equal(t, []string{"starting", `quoted "value"`}, records[1].Logs)
}

func TestStore_ListFiltersAndPaging(t *testing.T) {
	store := NewStore(testDB(t))
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	for i := range 10 {
		kind := functions.ErrorKind("")
		if i%2 == 1 {
			kind = functions.KindTrap
		}
		require.NoError(t, store.Insert(ctx, record(fmt.Sprintf("r%02d", i), "fn", kind, int64(i), base.Add(time.Duration(i)*time.Minute))))
	}

	page, err := store.List(ctx, ListOptions{FunctionID: "fn", Limit: 3, Offset: 2})
	require.NoError(t, err)
	require.Len(t, page, 3)
	require.Equal(t, []string{"r07", "r06", "r05"}, []string{page[0].ID, page[1].ID, page[2].ID})

	traps, err := store.List(ctx, ListOptions{FunctionID: "fn", ErrorKind: functions.KindTrap})
	require.NoError(t, err)
	require.Len(t, traps, 5)

	recent, err := store.List(ctx, ListOptions{FunctionID: "fn", Since: base.Add(8 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, recent, 2)

	n, err := store.Count(ctx, ListOptions{FunctionID: "fn", ErrorKind: functions.KindTrap, Limit: 1})
	require.NoError(t, err)
	require.Equal(t, int64(5), n)

	empty, err := store.List(ctx, ListOptions{FunctionID: "missing"})
	require.NoError(t, err)
	require.NotNil(t, empty)
	require.Empty(t, empty)
}

func TestStore_Stats(t *testing.T) {
	store := NewStore(testDB(t))
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, store.Insert(ctx, record("a", "fn", "", 10, base)))
	require.NoError(t, store.Insert(ctx, record("b", "fn", "", 20, base.Add(time.Minute))))
	require.NoError(t, store.Insert(ctx, record("c", "fn", functions.KindTimeout, 30, base.Add(2*time.Minute))))
	require.NoError(t, store.Insert(ctx, record("d", "fn", functions.KindResourceExceeded, 40, base.Add(3*time.Minute))))
	require.NoError(t, store.Insert(ctx, record("e", "other", "", 1000, base.Add(time.Hour))))

	stats, err := store.Stats(ctx, "fn")
	require.NoError(t, err)

	require.Equal(t, "fn", stats.FunctionID)
	require.Equal(t, int64(4), stats.TotalInvocations)
	require.Equal(t, int64(2), stats.SuccessfulInvocations)
	require.Equal(t, int64(2), stats.FailedInvocations)
	require.InDelta(t, 25.0, stats.AvgExecutionTimeMs, 0.001)
	require.InDelta(t, 2.5, stats.AvgMemoryUsedMB, 0.001)
	require.NotNil(t, stats.LastInvokedAt)
	require.True(t, stats.LastInvokedAt.Equal(base.Add(3*time.Minute)))
	require.Equal(t, map[functions.ErrorKind]int64{
		functions.KindTimeout:          1,
		functions.KindResourceExceeded: 1,
	}, stats.FailuresByKind)
	require.InDelta(t, 0.5, stats.SuccessRate(), 0.001)
}

func TestStore_StatsNeverInvoked(t *testing.T) {
	store := NewStore(testDB(t))

	stats, err := store.Stats(context.Background(), "fresh")
	require.NoError(t, err)
	require.Zero(t, stats.TotalInvocations)
	require.Nil(t, stats.LastInvokedAt)
	require.Nil(t, stats.FailuresByKind)
	require.Zero(t, stats.SuccessRate())
}

func TestStore_DeleteOlderThan(t *testing.T) {
	store := NewStore(testDB(t))
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.Insert(ctx, record("old", "fn", "", 1, now.Add(-48*time.Hour))))
	require.NoError(t, store.Insert(ctx, record("new", "fn", "", 1, now.Add(-time.Minute))))

	deleted, err := store.DeleteOlderThan(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(1), deleted)

	records, err := store.List(ctx, ListOptions{FunctionID: "fn"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "new", records[0].ID)
}

func TestStore_DeleteForFunction(t *testing.T) {
	store := NewStore(testDB(t))
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.Insert(ctx, record("a", "fn", "", 1, now)))
	require.NoError(t, store.Insert(ctx, record("b", "other", "", 1, now)))

	deleted, err := store.DeleteForFunction(ctx, "fn")
	require.NoError(t, err)
	require.Equal(t, int64(1), deleted)

	n, err := store.Count(ctx, ListOptions{})
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestStore_InsertDefaultsCreatedAt(t *testing.T) {
	store := NewStore(testDB(t))
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, Record{ID: "x", FunctionID: "fn", InvocationID: "i", Success: true}))

	records, err := store.List(ctx, ListOptions{FunctionID: "fn"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.WithinDuration(t, time.Now(), records[0].CreatedAt, time.Minute)
}
