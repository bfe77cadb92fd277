// Pause/resume orchestration
//
// Coordinates the job engine, the coordinate state machine, and the motion
// engine so a pause can park the toolhead and a resume returns exactly to
// the paused position with one corrective move.
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package host

import (
	"fmt"

	"printhost/pkg/config"
	"printhost/pkg/gcode"
	"printhost/pkg/log"
	"printhost/pkg/motion"
)

const pauseStateName = "PAUSE_STATE"
const filamentChangeStateName = "M600_state"

// PauseResume implements PAUSE, RESUME, M600 filament change, and
// CANCEL_PRINT on top of the job engine and saved coordinate states.
type PauseResume struct {
	dispatcher *gcode.Dispatcher
	sd         *VirtualSDCard
	gm         *GCodeMove
	stats      *PrintStats
	engine     motion.Engine
	logger     *log.Logger
	cfg        config.Pause

	isPaused bool

	// sdPaused remembers whether the pause parked the job engine, so resume
	// knows whether to restart it or just announce the resume.
	sdPaused         bool
	pauseCommandSent bool
}

// NewPauseResume creates the orchestrator.
func NewPauseResume(d *gcode.Dispatcher, sd *VirtualSDCard, gm *GCodeMove,
	stats *PrintStats, engine motion.Engine, cfg config.Pause,
	logger *log.Logger) *PauseResume {
	return &PauseResume{
		dispatcher: d,
		sd:         sd,
		gm:         gm,
		stats:      stats,
		engine:     engine,
		logger:     logger,
		cfg:        cfg,
	}
}

// RegisterCommands installs the pause/resume commands.
func (pr *PauseResume) RegisterCommands(d *gcode.Dispatcher) {
	d.MustRegister("PAUSE", pr.cmdPause, "Pauses the current job")
	d.MustRegister("RESUME", pr.cmdResume, "Resumes the job from a pause")
	d.MustRegister("M600", pr.cmdM600, "Pause for a filament change")
	d.MustRegister("SWAP_RESUME", pr.cmdSwapResume, "Resume after a filament change")
	d.MustRegister("CLEAR_PAUSE", pr.cmdClearPause, "Clears the pause state without resuming")
	d.MustRegister("CANCEL_PRINT", pr.cmdCancelPrint, "Cancel the current job")
}

// IsPaused reports whether a pause is in effect.
func (pr *PauseResume) IsPaused() bool {
	return pr.isPaused
}

// sendPause parks the job engine (or announces the pause when no job is
// streaming) and drains in-flight motion so the saved position is exact.
func (pr *PauseResume) sendPause() {
	if !pr.pauseCommandSent {
		if pr.sd.IsActive() {
			pr.sdPaused = true
			pr.sd.DoPause()
		} else {
			pr.sdPaused = false
			pr.dispatcher.Respond("// action:paused")
		}
		pr.pauseCommandSent = true
	}
	if err := pr.engine.Flush(); err != nil {
		pr.logger.Warn("motion flush on pause: %v", err)
	}
}

func (pr *PauseResume) sendResume() error {
	pr.pauseCommandSent = false
	if pr.sdPaused {
		if err := pr.sd.DoResume(); err != nil {
			return err
		}
		pr.sdPaused = false
	} else {
		pr.dispatcher.Respond("// action:resumed")
	}
	if err := pr.engine.Flush(); err != nil {
		pr.logger.Warn("motion flush on resume: %v", err)
	}
	return nil
}

func (pr *PauseResume) cmdPause(cmd *gcode.Command) (string, error) {
	if pr.isPaused {
		return "Print already paused", nil
	}
	pr.sendPause()
	pr.stats.UpdateFilament()
	pr.gm.SaveState(pauseStateName)
	pr.isPaused = true
	pr.stats.NotePause()
	return "", nil
}

// doResume restores the paused coordinate state with a single corrective
// move and restarts whatever the pause stopped.
func (pr *PauseResume) doResume(velocity float64) (string, error) {
	if !pr.isPaused {
		// A stray RESUME is informational, not an error.
		return "Print is not paused, resume aborted", nil
	}
	if err := pr.gm.RestoreState(pauseStateName, true, velocity); err != nil {
		return "", err
	}
	if err := pr.sendResume(); err != nil {
		return "", err
	}
	pr.isPaused = false
	return "", nil
}

func (pr *PauseResume) cmdResume(cmd *gcode.Command) (string, error) {
	velocity, err := cmd.Float("VELOCITY", pr.cfg.RecoverVelocity)
	if err != nil {
		return "", err
	}
	return pr.doResume(velocity)
}

func (pr *PauseResume) cmdM600(cmd *gcode.Command) (string, error) {
	if pr.isPaused {
		return "Print already paused", nil
	}
	x, err := cmd.Float("X", pr.cfg.ParkX)
	if err != nil {
		return "", err
	}
	y, err := cmd.Float("Y", pr.cfg.ParkY)
	if err != nil {
		return "", err
	}
	z, err := cmd.Float("Z", pr.cfg.ZLift)
	if err != nil {
		return "", err
	}
	e, err := cmd.Float("E", -20)
	if err != nil {
		return "", err
	}

	pr.sendPause()
	// Filament purged by the park script does not count as job usage.
	pr.stats.UpdateFilament()
	pr.gm.SaveState(filamentChangeStateName)
	pr.gm.SaveState(pauseStateName)

	script := fmt.Sprintf(
		"G91\nG1 E-5 F4000\nG1 Z%g\nG90\nG1 X%g Y%g F3000\nG0 E10 F6000\nG0 E%g F6000\nG92 E0",
		z, x, y, e)
	// The dispatch mutex is already held by this command.
	if err := pr.dispatcher.RunScriptLocked(script); err != nil {
		return "", err
	}
	pr.isPaused = true
	pr.stats.NotePause()
	return "", nil
}

func (pr *PauseResume) cmdSwapResume(cmd *gcode.Command) (string, error) {
	velocity, err := cmd.Float("VELOCITY", pr.cfg.RecoverVelocity)
	if err != nil {
		return "", err
	}
	if !pr.gm.HasState(filamentChangeStateName) {
		return pr.doResume(velocity)
	}
	if !pr.isPaused {
		return "Print is not paused, resume aborted", nil
	}
	// Return to the position saved before the filament-change park.
	if err := pr.gm.RestoreState(filamentChangeStateName, true, velocity); err != nil {
		return "", err
	}
	pr.gm.DropState(filamentChangeStateName)
	if err := pr.sendResume(); err != nil {
		return "", err
	}
	pr.isPaused = false
	return "", nil
}

func (pr *PauseResume) cmdClearPause(cmd *gcode.Command) (string, error) {
	pr.isPaused = false
	pr.pauseCommandSent = false
	return "", nil
}

func (pr *PauseResume) cmdCancelPrint(cmd *gcode.Command) (string, error) {
	if pr.sd.IsActive() || pr.sdPaused {
		pr.sd.DoCancel()
	} else {
		pr.dispatcher.Respond("// action:cancel")
	}
	pr.isPaused = false
	pr.sdPaused = false
	pr.pauseCommandSent = false
	return "", nil
}

// Status returns the pause state for status queries.
func (pr *PauseResume) Status() map[string]any {
	return map[string]any{
		"is_paused": pr.isPaused,
	}
}
