// This file may be distributed under the terms of the GNU GPLv3 license.

package host

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPauseWithoutJobAnnounces(t *testing.T) {
	fx := newHostFixture(t, nil)

	fx.dispatch(t, "PAUSE")
	assert.True(t, fx.p.pauseResume.IsPaused())
	assert.True(t, fx.sawOutput("action:paused"))

	fx.dispatch(t, "PAUSE")
	assert.True(t, fx.sawOutput("Print already paused"))

	fx.dispatch(t, "RESUME")
	assert.False(t, fx.p.pauseResume.IsPaused())
	assert.True(t, fx.sawOutput("action:resumed"))
}

func TestResumeWithoutPauseIsInformational(t *testing.T) {
	fx := newHostFixture(t, nil)
	fx.dispatch(t, "RESUME")
	assert.True(t, fx.sawOutput("Print is not paused, resume aborted"))
}

func TestPauseFlushesMotion(t *testing.T) {
	fx := newHostFixture(t, nil)
	before := fx.engine.FlushCount
	fx.dispatch(t, "PAUSE")
	assert.Greater(t, fx.engine.FlushCount, before)
}

func TestM600ParksAndSwapResumeReturns(t *testing.T) {
	fx := newHostFixture(t, nil)
	fx.dispatch(t, "G28")
	fx.dispatch(t, "G1 X10 Y10 Z5 E2 F6000")

	fx.dispatch(t, "M600")
	assert.True(t, fx.p.pauseResume.IsPaused())

	// The park script retracted, lifted, and parked at the configured spot.
	assert.Equal(t, [4]float64{0, 0, 15, -20}, fx.engine.LastMove().Pos)
	// G92 E0 at the end of the script re-zeroed the logical extruder.
	assert.InDelta(t, 0.0, fx.p.gm.GetGcodePosition()[3], 1e-9)

	movesBefore := len(fx.engine.Moves)
	fx.dispatch(t, "SWAP_RESUME")
	assert.False(t, fx.p.pauseResume.IsPaused())

	// One corrective move back to the pre-change position.
	require.Len(t, fx.engine.Moves, movesBefore+1)
	last := fx.engine.LastMove()
	assert.InDelta(t, 10.0, last.Pos[0], 1e-9)
	assert.InDelta(t, 10.0, last.Pos[1], 1e-9)
	assert.InDelta(t, 5.0, last.Pos[2], 1e-9)
	assert.InDelta(t, fx.cfg.Pause.RecoverVelocity, last.Speed, 1e-9)

	// The logical extrude position is back where the print left off.
	assert.InDelta(t, 2.0, fx.p.gm.GetGcodePosition()[3], 1e-9)
}

func TestM600WhilePausedIsIgnored(t *testing.T) {
	fx := newHostFixture(t, nil)
	fx.dispatch(t, "PAUSE")
	before := len(fx.engine.Moves)

	fx.dispatch(t, "M600")
	assert.Equal(t, before, len(fx.engine.Moves))
	assert.True(t, fx.sawOutput("Print already paused"))
}

func TestSwapResumeWithoutFilamentChangeActsAsResume(t *testing.T) {
	fx := newHostFixture(t, nil)
	fx.dispatch(t, "PAUSE")
	fx.dispatch(t, "SWAP_RESUME")
	assert.False(t, fx.p.pauseResume.IsPaused())
	assert.True(t, fx.sawOutput("action:resumed"))
}

func TestClearPauseDropsPauseWithoutMotion(t *testing.T) {
	fx := newHostFixture(t, nil)
	fx.dispatch(t, "PAUSE")
	before := len(fx.engine.Moves)

	fx.dispatch(t, "CLEAR_PAUSE")
	assert.False(t, fx.p.pauseResume.IsPaused())
	assert.Equal(t, before, len(fx.engine.Moves))

	fx.dispatch(t, "RESUME")
	assert.True(t, fx.sawOutput("Print is not paused, resume aborted"))
}

func TestCancelPrintWithoutJobAnnounces(t *testing.T) {
	fx := newHostFixture(t, nil)
	fx.dispatch(t, "CANCEL_PRINT")
	assert.True(t, fx.sawOutput("action:cancel"))
}

func TestCancelPausedJobClearsState(t *testing.T) {
	fx := newHostFixture(t, nil)
	fx.writeFile(t, "c.gcode", "G1 X1 E1\nPAUSE\nG1 X2 E2\n")

	fx.dispatch(t, "SDCARD_PRINT_FILE FILENAME=c.gcode")
	fx.waitParked(t)

	fx.dispatch(t, "CANCEL_PRINT")
	assert.Equal(t, StateCancelled, fx.p.stats.State())
	assert.Empty(t, fx.p.sd.FilePath())
	assert.False(t, fx.p.store.HasState())
	assert.False(t, fx.p.pauseResume.IsPaused())
}
