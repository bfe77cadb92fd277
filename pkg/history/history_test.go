// This file may be distributed under the terms of the GNU GPLv3 license.

package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleJob(jobID string, state string, finished time.Time) Job {
	return Job{
		JobID:         jobID,
		FileName:      "benchy.gcode",
		State:         state,
		TotalDuration: 120,
		PrintDuration: 100,
		FilamentUsed:  420.5,
		StartedAt:     finished.Add(-2 * time.Minute),
		FinishedAt:    finished,
	}
}

func TestRecordAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.RecordJob(ctx, sampleJob("job-1", "complete", base)))
	require.NoError(t, s.RecordJob(ctx, sampleJob("job-2", "cancelled", base.Add(time.Hour))))

	jobs, err := s.ListJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	// Newest first.
	assert.Equal(t, "job-2", jobs[0].JobID)
	assert.Equal(t, "job-1", jobs[1].JobID)
	assert.Equal(t, "benchy.gcode", jobs[0].FileName)
	assert.InDelta(t, 420.5, jobs[0].FilamentUsed, 1e-9)
	assert.True(t, jobs[0].FinishedAt.Equal(base.Add(time.Hour)))
}

func TestListLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.RecordJob(ctx,
			sampleJob("job", "complete", base.Add(time.Duration(i)*time.Minute))))
	}

	jobs, err := s.ListJobs(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, jobs, 3)
}

func TestStatsAndClear(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	require.NoError(t, s.RecordJob(ctx, sampleJob("a", "complete", base)))
	require.NoError(t, s.RecordJob(ctx, sampleJob("b", "complete", base)))
	require.NoError(t, s.RecordJob(ctx, sampleJob("c", "error", base)))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats["complete"])
	assert.Equal(t, 1, stats["error"])

	n, err := s.Clear(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	jobs, err := s.ListJobs(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "history.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.RecordJob(ctx, sampleJob("job-1", "complete", time.Now().UTC())))
	require.NoError(t, s.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	jobs, err := s2.ListJobs(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}
