// This file may be distributed under the terms of the GNU GPLv3 license.

package host

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"printhost/pkg/log"
	"printhost/pkg/motion"
)

func newStatsFixture(t *testing.T) (*PrintStats, *GCodeMove, *fakeClock) {
	t.Helper()
	logger := log.New("test")
	gm := NewGCodeMove(motion.NewRecorder(), logger)
	ps := NewPrintStats(gm, logger)
	clock := &fakeClock{t: time.Unix(1000, 0)}
	ps.now = clock.Now
	return ps, gm, clock
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func TestPrintStatsLifecycle(t *testing.T) {
	ps, _, clock := newStatsFixture(t)
	var results []JobResult
	ps.SetFinishHook(func(r JobResult) { results = append(results, r) })

	assert.Equal(t, StateStandby, ps.State())

	ps.NoteStart("job-1", "benchy.gcode")
	assert.Equal(t, StatePrinting, ps.State())

	clock.Advance(10 * time.Second)
	ps.NotePause()
	assert.Equal(t, StatePaused, ps.State())
	assert.InDelta(t, 10.0, ps.PrintDuration(), 1e-9)

	// Paused time counts toward total but not print duration.
	clock.Advance(5 * time.Second)
	ps.NoteStart("job-1", "benchy.gcode")
	clock.Advance(10 * time.Second)
	ps.NoteComplete()

	require.Len(t, results, 1)
	r := results[0]
	assert.Equal(t, "job-1", r.JobID)
	assert.Equal(t, StateComplete, r.State)
	assert.InDelta(t, 20.0, r.PrintDuration, 1e-9)
	assert.InDelta(t, 25.0, r.TotalDuration, 1e-9)
	assert.Equal(t, StateComplete, ps.State())
}

func TestPrintStatsResumeKeepsJobIdentity(t *testing.T) {
	ps, _, clock := newStatsFixture(t)
	ps.NoteStart("job-1", "a.gcode")
	clock.Advance(time.Second)
	ps.NotePause()

	// A resume must not reset the accumulated durations.
	ps.NoteStart("ignored", "ignored")
	assert.Equal(t, "a.gcode", ps.Status()["filename"])
	clock.Advance(time.Second)
	assert.InDelta(t, 2.0, ps.PrintDuration(), 1e-9)
}

func TestPrintStatsFilamentUsage(t *testing.T) {
	ps, gm, _ := newStatsFixture(t)
	ps.NoteStart("job-1", "a.gcode")

	// The job loop feeds usage explicitly after each dispatched line.
	gm.lastPosition[3] = 12.0
	ps.UpdateFilament()
	assert.InDelta(t, 12.0, ps.FilamentUsed(), 1e-9)

	// Extrusion while paused (retracts, filament swaps) does not count; the
	// resume re-baselines the extruder position.
	ps.NotePause()
	gm.lastPosition[3] = 16.0
	ps.NoteStart("job-1", "a.gcode")
	ps.NotePause()
	assert.InDelta(t, 12.0, ps.FilamentUsed(), 1e-9)

	// Usage is measured in logical filament, so an extrude factor does not
	// inflate it.
	gm.extrudeFactor = 2.0
	ps.NoteStart("job-1", "a.gcode")
	gm.lastPosition[3] = 20.0
	ps.UpdateFilament()
	ps.NotePause()
	assert.InDelta(t, 14.0, ps.FilamentUsed(), 1e-9)
}

func TestPrintStatsError(t *testing.T) {
	ps, _, _ := newStatsFixture(t)
	var results []JobResult
	ps.SetFinishHook(func(r JobResult) { results = append(results, r) })

	ps.NoteStart("job-1", "a.gcode")
	ps.NoteError("boom")

	assert.Equal(t, StateError, ps.State())
	assert.Equal(t, "boom", ps.Status()["message"])
	require.Len(t, results, 1)
	assert.Equal(t, "boom", results[0].Message)
}

func TestPrintStatsFinishWithoutJobReportsNothing(t *testing.T) {
	ps, _, _ := newStatsFixture(t)
	fired := false
	ps.SetFinishHook(func(JobResult) { fired = true })

	ps.NoteCancel()
	assert.False(t, fired)
	assert.Equal(t, StateCancelled, ps.State())
}
