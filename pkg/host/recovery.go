// Power-loss job recovery
//
// Rebuilds the coordinate state of an interrupted job from the persisted
// checkpoint pair plus a bounded backward scan of the job file, then
// re-homes, returns the toolhead to the interrupted position, and resumes
// dispatch at the checkpointed offset.
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package host

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"printhost/pkg/checkpoint"
	"printhost/pkg/errors"
	"printhost/pkg/gcode"
	"printhost/pkg/log"
	"printhost/pkg/motion"
)

const (
	// tailScanChunk is the backward read granularity; tailScanLimit bounds
	// the total window so a file of comments cannot stall startup.
	tailScanChunk = 4096
	tailScanLimit = 256 * 1024
)

// Recovery restores an interrupted job from checkpoint state.
type Recovery struct {
	dispatcher *gcode.Dispatcher
	sd         *VirtualSDCard
	gm         *GCodeMove
	engine     motion.Engine
	store      *checkpoint.Store
	calib      *motion.Calibration
	logger     *log.Logger
}

// NewRecovery creates the recovery module.
func NewRecovery(d *gcode.Dispatcher, sd *VirtualSDCard, gm *GCodeMove,
	engine motion.Engine, store *checkpoint.Store, calib *motion.Calibration,
	logger *log.Logger) *Recovery {
	return &Recovery{
		dispatcher: d,
		sd:         sd,
		gm:         gm,
		engine:     engine,
		store:      store,
		calib:      calib,
		logger:     logger,
	}
}

// RegisterCommands installs the recovery command.
func (rc *Recovery) RegisterCommands(d *gcode.Dispatcher) {
	d.MustRegister("RESUME_INTERRUPTED", rc.cmdResumeInterrupted,
		"Resume a power-interrupted job from its checkpoint")
}

// Available reports whether checkpoint state for an interrupted job exists.
func (rc *Recovery) Available() bool {
	return rc.store.HasState()
}

// tailScan holds the axis targets recovered from the job file.
type tailScan struct {
	x, y, z, e *float64
}

func (t *tailScan) complete() bool {
	return t.x != nil && t.y != nil && t.z != nil && t.e != nil
}

// axisFrom extracts the value of a single-letter axis field from a line,
// e.g. "X12.5" out of "G1 X12.5 Y3 E0.8".
func axisFrom(line, axis string) *float64 {
	for _, f := range strings.Fields(line) {
		if !strings.HasPrefix(f, axis) {
			continue
		}
		if v, err := strconv.ParseFloat(f[len(axis):], 64); err == nil {
			return &v
		}
	}
	return nil
}

// absorb takes axis values from one line, scanning backward, so the value
// nearest the interruption wins. X and Y are taken together to avoid pairing
// coordinates from different moves.
func (t *tailScan) absorb(line string) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "G1") && !strings.HasPrefix(trimmed, "G0") &&
		!strings.HasPrefix(trimmed, ";") {
		return
	}
	if t.e == nil && strings.Contains(trimmed, "E") {
		t.e = axisFrom(trimmed, "E")
	}
	if t.x == nil && t.y == nil {
		if x, y := axisFrom(trimmed, "X"), axisFrom(trimmed, "Y"); x != nil && y != nil {
			t.x, t.y = x, y
		}
	}
	if t.z == nil && strings.Contains(trimmed, "Z") {
		t.z = axisFrom(trimmed, "Z")
	}
}

// scanTail reads the job file backward from offset, collecting the last
// commanded X/Y/Z/E values before the interruption.
func scanTail(path string, offset int64) (*tailScan, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.IOFailure("open job file for scan", err)
	}
	defer f.Close()

	scan := &tailScan{}
	window := ""
	scanned := int64(0)
	end := offset

	for end > 0 && scanned < tailScanLimit {
		start := end - tailScanChunk
		if start < 0 {
			start = 0
		}
		buf := make([]byte, end-start)
		if _, err := f.ReadAt(buf, start); err != nil {
			return nil, errors.IOFailure("read job file for scan", err)
		}
		window = string(buf) + window
		scanned += end - start
		end = start

		lines := strings.Split(window, "\n")
		// The first line is partial unless the window reaches the file start.
		first := 0
		if end > 0 {
			first = 1
		}
		for i := len(lines) - 1; i >= first; i-- {
			scan.absorb(lines[i])
			if scan.complete() {
				return scan, nil
			}
		}
		// Keep only the partial head for the next extension.
		window = lines[0]
	}
	return scan, nil
}

// Restore rebuilds the interrupted job. The caller must hold the dispatch
// mutex; replayed scripts run through the locked dispatch path. On any
// validation failure it returns a RecoveryUnavailable error and leaves the
// host in a clean idle state.
func (rc *Recovery) Restore() error {
	rec, err := rc.store.Latest()
	if err != nil {
		return err
	}
	meta, err := rc.store.ReadMetadata()
	if err != nil {
		return err
	}
	if rec == nil || meta == nil {
		return errors.RecoveryUnavailable("no checkpoint state")
	}

	info, err := os.Stat(meta.FilePath)
	if err != nil {
		return errors.RecoveryUnavailable(fmt.Sprintf("job file missing: %v", err))
	}
	if meta.FileSize != 0 && info.Size() != meta.FileSize {
		return errors.RecoveryUnavailable(fmt.Sprintf(
			"job file size changed (%d, expected %d)", info.Size(), meta.FileSize))
	}

	scan, err := scanTail(meta.FilePath, int64(rec.FileOffset))
	if err != nil {
		return err
	}
	if !scan.complete() {
		return errors.RecoveryUnavailable("could not recover coordinates from the job file")
	}

	rel, err := filepath.Rel(rc.sd.sdcardDir, meta.FilePath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return errors.RecoveryUnavailable("job file is outside the sdcard directory")
	}
	if err := rc.sd.PrepareRestore(rel, int64(rec.FileOffset), meta.JobID); err != nil {
		return err
	}

	rc.logger.InfoFields("restoring interrupted job", log.Fields{
		"file":   rel,
		"offset": rec.FileOffset,
		"x":      *scan.x,
		"y":      *scan.y,
		"z":      *scan.z,
	})

	gm := rc.gm
	gm.absoluteCoord = meta.AbsoluteCoord
	gm.basePosition = []float64{0, 0, 0, rec.BaseExtrudePos}
	gm.homingPosition = make([]float64, 4)
	gm.speed = 25.0
	if meta.SpeedFactor > 0 {
		gm.speedFactor = meta.SpeedFactor
	}
	if meta.ExtrudeFactor > 0 {
		gm.extrudeFactor = meta.ExtrudeFactor
	}

	// The extrude target is offset so the first resumed extrusion lands at
	// the right filament position, with a per-kinematics prime correction.
	targetE := *scan.e + rec.BaseExtrudePos
	eDiff := gm.lastPosition[3] - targetE + rc.calib.ExtrudeCorrection()
	gm.basePosition[3] += eDiff

	if meta.FanState != "" {
		if err := rc.dispatcher.RunScriptLocked(meta.FanState); err != nil {
			rc.logger.Warn("fan state replay failed: %v", err)
		}
	}

	if rc.calib.HomesAllAxes() {
		if err := rc.dispatcher.RunScriptLocked("G28"); err != nil {
			return err
		}
		copy(gm.lastPosition[:3], []float64{*scan.x, *scan.y, *scan.z})
		if err := rc.engine.Move(gm.lastPosition, gm.speed); err != nil {
			return err
		}
	} else {
		// Z cannot be re-homed over the partial print; X/Y are homed, Z is
		// rebased onto the interrupted height.
		if err := rc.dispatcher.RunScriptLocked("G28 X0 Y0"); err != nil {
			return err
		}
		if err := rc.dispatcher.RunScriptLocked(
			fmt.Sprintf("G1 X%g Y%g F16000", *scan.x, *scan.y)); err != nil {
			return err
		}
		pos := append([]float64{}, gm.lastPosition...)
		pos[2] += *scan.z
		rc.engine.SetPosition(pos, []int{motion.AxisZ})
		gm.ResetLastPosition()
		copy(gm.lastPosition[:3], []float64{*scan.x, *scan.y, *scan.z})
		if err := rc.engine.Move(gm.lastPosition, gm.speed); err != nil {
			return err
		}
		if err := rc.dispatcher.RunScriptLocked(
			fmt.Sprintf("G1 X%g Y%g F3000", *scan.x, *scan.y)); err != nil {
			return err
		}
	}
	if err := rc.engine.Flush(); err != nil {
		return err
	}
	gm.absoluteExtrude = meta.AbsoluteExtrude

	return rc.sd.DoResume()
}

func (rc *Recovery) cmdResumeInterrupted(cmd *gcode.Command) (string, error) {
	if rc.sd.IsActive() {
		return "", errors.Busy("job engine")
	}
	if !rc.Available() {
		return "", errors.RecoveryUnavailable("no interrupted job to resume")
	}
	return "", rc.Restore()
}
