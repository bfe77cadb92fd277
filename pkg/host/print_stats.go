// Job statistics tracking
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package host

import (
	"sync"
	"time"

	"printhost/pkg/gcode"
	"printhost/pkg/log"
)

// PrintState is the lifecycle state of the current job.
type PrintState string

const (
	StateStandby   PrintState = "standby"
	StatePrinting  PrintState = "printing"
	StatePaused    PrintState = "paused"
	StateComplete  PrintState = "complete"
	StateCancelled PrintState = "cancelled"
	StateError     PrintState = "error"
)

// JobResult summarizes a finished job for the history sink.
type JobResult struct {
	JobID         string
	FileName      string
	State         PrintState
	Message       string
	TotalDuration float64
	PrintDuration float64
	FilamentUsed  float64
	StartedAt     time.Time
	FinishedAt    time.Time
}

// PrintStats tracks per-job timing and filament usage. Durations are split
// into total (wall clock since start) and print (excluding paused time).
//
// A mutex guards the fields: the job loop reports progress from the reactor
// goroutine while status queries poll from any other. NoteStart and
// UpdateFilament read the coordinate state, so their callers must hold the
// dispatch mutex.
type PrintStats struct {
	gm     *GCodeMove
	logger *log.Logger
	now    func() time.Time

	mu sync.Mutex

	jobID        string
	fileName     string
	state        PrintState
	errorMessage string

	startTime     time.Time
	printStart    time.Time
	totalDuration float64
	printDuration float64

	filamentUsed float64
	lastEPos     float64

	// Optional layer progress reported by slicer markers.
	infoTotalLayer   *int
	infoCurrentLayer *int

	finishHook func(JobResult)
}

// NewPrintStats creates the tracker in standby.
func NewPrintStats(gm *GCodeMove, logger *log.Logger) *PrintStats {
	return &PrintStats{
		gm:     gm,
		logger: logger,
		now:    time.Now,
		state:  StateStandby,
	}
}

// RegisterCommands installs the slicer progress command.
func (ps *PrintStats) RegisterCommands(d *gcode.Dispatcher) {
	d.MustRegister("SET_PRINT_STATS_INFO", ps.cmdSetPrintStatsInfo,
		"Overwrite slicer-reported layer information")
}

// SetFinishHook installs a callback invoked once per job when it reaches a
// terminal state.
func (ps *PrintStats) SetFinishHook(hook func(JobResult)) {
	ps.mu.Lock()
	ps.finishHook = hook
	ps.mu.Unlock()
}

// UpdateFilament accumulates filament usage from the coordinate state. The
// job loop calls it after every dispatched line; the caller must hold the
// dispatch mutex.
func (ps *PrintStats) UpdateFilament() {
	ps.mu.Lock()
	ps.updateFilament()
	ps.mu.Unlock()
}

func (ps *PrintStats) updateFilament() {
	curEPos := ps.gm.lastPosition[3]
	ps.filamentUsed += (curEPos - ps.lastEPos) / ps.gm.extrudeFactor
	ps.lastEPos = curEPos
}

func (ps *PrintStats) accumulate() {
	if !ps.printStart.IsZero() {
		ps.printDuration += ps.now().Sub(ps.printStart).Seconds()
		ps.printStart = time.Time{}
	}
}

// NoteStart marks the job as printing. Called on initial start and on every
// resume; only the first call of a job sets the start time. The extruder
// baseline is read from the coordinate state, so the caller must hold the
// dispatch mutex.
func (ps *PrintStats) NoteStart(jobID, fileName string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	now := ps.now()
	if ps.state != StatePaused {
		// Fresh job.
		ps.jobID = jobID
		ps.fileName = fileName
		ps.startTime = now
		ps.totalDuration = 0
		ps.printDuration = 0
		ps.filamentUsed = 0
		ps.errorMessage = ""
		ps.infoTotalLayer = nil
		ps.infoCurrentLayer = nil
	}
	ps.lastEPos = ps.gm.lastPosition[3]
	ps.printStart = now
	ps.state = StatePrinting
}

// NotePause stops the print clock but keeps the job live. Filament usage is
// not re-read here; the job loop accumulated it per dispatched line.
func (ps *PrintStats) NotePause() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.accumulate()
	if ps.state == StatePrinting {
		ps.state = StatePaused
	}
}

// NoteComplete finishes the job successfully.
func (ps *PrintStats) NoteComplete() {
	ps.noteFinish(StateComplete, "")
}

// NoteCancel finishes the job as cancelled.
func (ps *PrintStats) NoteCancel() {
	ps.noteFinish(StateCancelled, "")
}

// NoteError finishes the job with an error message.
func (ps *PrintStats) NoteError(message string) {
	ps.noteFinish(StateError, message)
}

// Reset returns to standby without reporting a finished job.
func (ps *PrintStats) Reset() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.state = StateStandby
	ps.jobID = ""
	ps.fileName = ""
	ps.errorMessage = ""
	ps.startTime = time.Time{}
	ps.printStart = time.Time{}
	ps.totalDuration = 0
	ps.printDuration = 0
	ps.filamentUsed = 0
	ps.infoTotalLayer = nil
	ps.infoCurrentLayer = nil
}

func (ps *PrintStats) noteFinish(state PrintState, message string) {
	ps.mu.Lock()
	if ps.state == StateStandby || ps.jobID == "" {
		ps.state = state
		ps.mu.Unlock()
		return
	}
	ps.accumulate()
	now := ps.now()
	startedAt := ps.startTime
	ps.totalDuration = now.Sub(startedAt).Seconds()
	ps.startTime = time.Time{}
	ps.state = state
	ps.errorMessage = message

	result := JobResult{
		JobID:         ps.jobID,
		FileName:      ps.fileName,
		State:         state,
		Message:       message,
		TotalDuration: ps.totalDuration,
		PrintDuration: ps.printDuration,
		FilamentUsed:  ps.filamentUsed,
		StartedAt:     startedAt,
		FinishedAt:    now,
	}
	hook := ps.finishHook
	ps.jobID = ""
	ps.mu.Unlock()

	// The hook runs unlocked so a sink may query the tracker.
	if hook != nil {
		hook(result)
	}
}

// State returns the current lifecycle state.
func (ps *PrintStats) State() PrintState {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.state
}

// PrintDuration returns seconds spent printing, excluding paused time.
func (ps *PrintStats) PrintDuration() float64 {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.printDurationLocked()
}

func (ps *PrintStats) printDurationLocked() float64 {
	d := ps.printDuration
	if !ps.printStart.IsZero() {
		d += ps.now().Sub(ps.printStart).Seconds()
	}
	return d
}

// FilamentUsed returns millimeters of filament accumulated so far, current
// as of the last UpdateFilament call.
func (ps *PrintStats) FilamentUsed() float64 {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.filamentUsed
}

func (ps *PrintStats) cmdSetPrintStatsInfo(cmd *gcode.Command) (string, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if cmd.Has("TOTAL_LAYER") {
		v, err := cmd.Int("TOTAL_LAYER", 0)
		if err != nil {
			return "", err
		}
		ps.infoTotalLayer = &v
		zero := 0
		ps.infoCurrentLayer = &zero
	}
	if cmd.Has("CURRENT_LAYER") {
		v, err := cmd.Int("CURRENT_LAYER", 0)
		if err != nil {
			return "", err
		}
		ps.infoCurrentLayer = &v
	}
	return "", nil
}

// Status returns the stats for status queries.
func (ps *PrintStats) Status() map[string]any {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	var total float64
	if !ps.startTime.IsZero() {
		total = ps.now().Sub(ps.startTime).Seconds()
	} else {
		total = ps.totalDuration
	}
	info := map[string]any{}
	if ps.infoTotalLayer != nil {
		info["total_layer"] = *ps.infoTotalLayer
	}
	if ps.infoCurrentLayer != nil {
		info["current_layer"] = *ps.infoCurrentLayer
	}
	return map[string]any{
		"filename":       ps.fileName,
		"state":          string(ps.state),
		"message":        ps.errorMessage,
		"total_duration": total,
		"print_duration": ps.printDurationLocked(),
		"filament_used":  ps.filamentUsed,
		"info":           info,
	}
}
