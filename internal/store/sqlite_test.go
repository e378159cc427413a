package store

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "runs.db"), true, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndGetRun(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	intensity := 12
	want := &Run{
		ID:        "run-1",
		Source:    "/uploads/cat.png",
		Output:    "/uploads/cat_processed.png",
		Filters:   []string{"grayscale", "blur"},
		Intensity: &intensity,
		Width:     640,
		Height:    480,
		Status:    StatusSucceeded,
		Warnings:  []string{`unknown filter "x" at stage 2 passed through unchanged`},
		Duration:  1500 * time.Millisecond,
		CreatedAt: time.UnixMilli(1_700_000_000_123),
	}
	require.NoError(t, s.RecordRun(ctx, want))

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("GetRun mismatch (-want +got):\n%s", diff)
	}
}

func TestRecordRunWithoutOptionalFields(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordRun(ctx, &Run{
		ID:      "failed-1",
		Source:  "/uploads/bad.png",
		Filters: []string{"sepia"},
		Status:  StatusFailed,
		Error:   "stage 0 (sepia): decode failed",
	}))

	got, err := s.GetRun(ctx, "failed-1")
	require.NoError(t, err)
	assert.Nil(t, got.Intensity)
	assert.Nil(t, got.Warnings)
	assert.Equal(t, StatusFailed, got.Status)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestGetRunNotFound(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	_, err := s.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordRunDuplicateID(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	run := &Run{ID: "dup", Source: "a.png", Filters: []string{"invert"}, Status: StatusSucceeded}
	require.NoError(t, s.RecordRun(ctx, run))
	assert.Error(t, s.RecordRun(ctx, run))
}

func TestListRunsNewestFirst(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	base := time.UnixMilli(1_700_000_000_000)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.RecordRun(ctx, &Run{
			ID:        fmt.Sprintf("run-%d", i),
			Source:    "src.png",
			Filters:   []string{"invert"},
			Status:    StatusSucceeded,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	runs, err := s.ListRuns(ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-4", runs[0].ID)
	assert.Equal(t, "run-3", runs[1].ID)

	runs, err = s.ListRuns(ctx, 10, 3)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-1", runs[0].ID)
	assert.Equal(t, "run-0", runs[1].ID)
}

func TestListRunsEmpty(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	runs, err := s.ListRuns(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.NotNil(t, runs)
	assert.Empty(t, runs)
}

func TestStats(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	records := []struct {
		filters []string
		status  Status
	}{
		{[]string{"grayscale", "blur"}, StatusSucceeded},
		{[]string{"Blur"}, StatusSucceeded},
		{[]string{"sepia"}, StatusFailed},
	}
	for i, r := range records {
		require.NoError(t, s.RecordRun(ctx, &Run{
			ID:      fmt.Sprintf("r%d", i),
			Source:  "x.png",
			Filters: r.filters,
			Status:  r.status,
		}))
	}

	stats, err := s.Stats(ctx)
	require.NoError(t, err)

	want := &Stats{
		Total:       3,
		Succeeded:   2,
		Failed:      1,
		FilterUsage: map[string]int{"grayscale": 1, "blur": 2, "sepia": 1},
	}
	if diff := cmp.Diff(want, stats); diff != "" {
		t.Errorf("Stats mismatch (-want +got):\n%s", diff)
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "twice.db")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	first, err := NewSQLiteStore(path, true, logger)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := NewSQLiteStore(path, true, logger)
	require.NoError(t, err)
	defer second.Close()

	version, dirty, err := MigrateVersion(second.DB(), logger)
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)
}
