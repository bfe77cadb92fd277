// G-code movement commands and coordinate manipulation
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package host

import (
	"fmt"

	"printhost/pkg/errors"
	"printhost/pkg/gcode"
	"printhost/pkg/log"
	"printhost/pkg/motion"
)

// savedState is one named snapshot of the coordinate state.
type savedState struct {
	absoluteCoord   bool
	absoluteExtrude bool
	basePosition    []float64
	lastPosition    []float64
	homingPosition  []float64
	speed           float64
	speedFactor     float64
	extrudeFactor   float64
}

// GCodeMove owns the logical coordinate state: the mapping between g-code
// coordinates and motion engine coordinates, the override factors, and the
// named save/restore snapshots.
type GCodeMove struct {
	engine motion.Engine
	logger *log.Logger

	absoluteCoord   bool
	absoluteExtrude bool

	// basePosition is subtracted from lastPosition to produce the logical
	// position; homingPosition is the origin established by SET_GCODE_OFFSET
	// and applied on homing completion.
	basePosition   []float64
	lastPosition   []float64
	homingPosition []float64

	speed         float64
	speedFactor   float64
	extrudeFactor float64

	savedStates map[string]*savedState
}

// NewGCodeMove creates the coordinate state machine over a motion engine.
func NewGCodeMove(engine motion.Engine, logger *log.Logger) *GCodeMove {
	gm := &GCodeMove{
		engine:          engine,
		logger:          logger,
		absoluteCoord:   true,
		absoluteExtrude: true,
		basePosition:    make([]float64, 4),
		homingPosition:  make([]float64, 4),
		speed:           25.0,
		speedFactor:     1.0 / 60.0,
		extrudeFactor:   1.0,
		savedStates:     make(map[string]*savedState),
	}
	gm.lastPosition = engine.GetPosition()
	return gm
}

// RegisterCommands installs the movement and coordinate commands.
func (gm *GCodeMove) RegisterCommands(d *gcode.Dispatcher) {
	d.MustRegister("G1", gm.cmdG1, "Linear move")
	d.MustRegister("G0", gm.cmdG1, "Linear move")
	d.MustRegister("G90", gm.cmdG90, "Use absolute coordinates")
	d.MustRegister("G91", gm.cmdG91, "Use relative coordinates")
	d.MustRegister("M82", gm.cmdM82, "Use absolute distances for extrusion")
	d.MustRegister("M83", gm.cmdM83, "Use relative distances for extrusion")
	d.MustRegister("G92", gm.cmdG92, "Set position")
	d.MustRegister("M114", gm.cmdM114, "Report current position")
	d.MustRegister("M220", gm.cmdM220, "Set speed factor override percentage")
	d.MustRegister("M221", gm.cmdM221, "Set extrude factor override percentage")
	d.MustRegister("SET_GCODE_OFFSET", gm.cmdSetGcodeOffset, "Set a virtual offset to g-code positions")
	d.MustRegister("SAVE_GCODE_STATE", gm.cmdSaveGcodeState, "Save g-code coordinate state")
	d.MustRegister("RESTORE_GCODE_STATE", gm.cmdRestoreGcodeState, "Restore a previously saved g-code state")
}

// GetGcodePosition returns the logical position: last position minus the
// base offset, with the extrude axis descaled.
func (gm *GCodeMove) GetGcodePosition() []float64 {
	out := make([]float64, 4)
	for i := range out {
		out[i] = gm.lastPosition[i] - gm.basePosition[i]
	}
	out[3] /= gm.extrudeFactor
	return out
}

func (gm *GCodeMove) gcodeSpeed() float64 {
	return gm.speed / gm.speedFactor
}

// ResetLastPosition refreshes the logical position from the motion engine.
// Called when the engine's position changes outside normal dispatch
// (homing, manual moves, error recovery).
func (gm *GCodeMove) ResetLastPosition() {
	gm.lastPosition = gm.engine.GetPosition()
}

// OnHomeComplete rebases the homed axes onto the homing origin and refreshes
// the last position from the engine.
func (gm *GCodeMove) OnHomeComplete(axes []int) {
	gm.ResetLastPosition()
	for _, axis := range axes {
		if axis >= 0 && axis < 4 {
			gm.basePosition[axis] = gm.homingPosition[axis]
		}
	}
}

func (gm *GCodeMove) cmdG90(cmd *gcode.Command) (string, error) {
	gm.absoluteCoord = true
	return "", nil
}

func (gm *GCodeMove) cmdG91(cmd *gcode.Command) (string, error) {
	gm.absoluteCoord = false
	return "", nil
}

func (gm *GCodeMove) cmdM82(cmd *gcode.Command) (string, error) {
	gm.absoluteExtrude = true
	return "", nil
}

func (gm *GCodeMove) cmdM83(cmd *gcode.Command) (string, error) {
	gm.absoluteExtrude = false
	return "", nil
}

var axisNames = [4]string{"X", "Y", "Z", "E"}

func (gm *GCodeMove) cmdG1(cmd *gcode.Command) (string, error) {
	// Parse every field before mutating anything so a malformed parameter
	// never dispatches a partially applied target.
	var values [4]*float64
	for pos, axis := range axisNames {
		if !cmd.Has(axis) {
			continue
		}
		v, err := cmd.Float(axis, 0)
		if err != nil {
			return "", err
		}
		val := v
		values[pos] = &val
	}
	var feed *float64
	if cmd.Has("F") {
		f, err := cmd.Float("F", 0)
		if err != nil {
			return "", err
		}
		if f <= 0.0 {
			return "", errors.InvalidParameter(cmd.Name, "F", cmd.String("F", ""))
		}
		feed = &f
	}

	for pos := 0; pos < 3; pos++ {
		if values[pos] == nil {
			continue
		}
		if gm.absoluteCoord {
			gm.lastPosition[pos] = *values[pos] + gm.basePosition[pos]
		} else {
			gm.lastPosition[pos] += *values[pos]
		}
	}
	if values[3] != nil {
		v := *values[3] * gm.extrudeFactor
		if !gm.absoluteCoord || !gm.absoluteExtrude {
			gm.lastPosition[3] += v
		} else {
			gm.lastPosition[3] = v + gm.basePosition[3]
		}
	}
	if feed != nil {
		gm.speed = *feed * gm.speedFactor
	}
	return "", gm.engine.Move(gm.lastPosition, gm.speed)
}

func (gm *GCodeMove) cmdG92(cmd *gcode.Command) (string, error) {
	anySet := false
	for pos, axis := range axisNames {
		if !cmd.Has(axis) {
			continue
		}
		v, err := cmd.Float(axis, 0)
		if err != nil {
			return "", err
		}
		anySet = true
		if pos == 3 {
			v *= gm.extrudeFactor
		}
		gm.basePosition[pos] = gm.lastPosition[pos] - v
	}
	if !anySet {
		// G92 with no arguments re-zeros every axis to the current position.
		gm.basePosition = append([]float64{}, gm.lastPosition...)
	}
	return "", nil
}

func (gm *GCodeMove) cmdM114(cmd *gcode.Command) (string, error) {
	p := gm.GetGcodePosition()
	return fmt.Sprintf("X:%.3f Y:%.3f Z:%.3f E:%.3f", p[0], p[1], p[2], p[3]), nil
}

func (gm *GCodeMove) cmdM220(cmd *gcode.Command) (string, error) {
	s, err := cmd.Float("S", 100.0)
	if err != nil {
		return "", err
	}
	if s <= 0.0 {
		return "", errors.InvalidParameter(cmd.Name, "S", cmd.String("S", ""))
	}
	value := s / (60.0 * 100.0)
	gm.speed = gm.gcodeSpeed() * value
	gm.speedFactor = value
	return "", nil
}

func (gm *GCodeMove) cmdM221(cmd *gcode.Command) (string, error) {
	s, err := cmd.Float("S", 100.0)
	if err != nil {
		return "", err
	}
	if s <= 0.0 {
		return "", errors.InvalidParameter(cmd.Name, "S", cmd.String("S", ""))
	}
	newExtrudeFactor := s / 100.0
	// Rebase E so the logical extrude coordinate does not jump; only future
	// deltas scale by the new factor.
	lastEPos := gm.lastPosition[3]
	eValue := (lastEPos - gm.basePosition[3]) / gm.extrudeFactor
	gm.basePosition[3] = lastEPos - eValue*newExtrudeFactor
	gm.extrudeFactor = newExtrudeFactor
	return "", nil
}

func (gm *GCodeMove) cmdSetGcodeOffset(cmd *gcode.Command) (string, error) {
	var moveDelta [4]float64
	for pos, axis := range axisNames {
		var offset float64
		switch {
		case cmd.Has(axis):
			v, err := cmd.Float(axis, 0)
			if err != nil {
				return "", err
			}
			offset = v
		case cmd.Has(axis + "_ADJUST"):
			v, err := cmd.Float(axis+"_ADJUST", 0)
			if err != nil {
				return "", err
			}
			offset = v + gm.homingPosition[pos]
		default:
			continue
		}
		delta := offset - gm.homingPosition[pos]
		moveDelta[pos] = delta
		gm.basePosition[pos] += delta
		gm.homingPosition[pos] = offset
	}
	move, err := cmd.Int("MOVE", 0)
	if err != nil {
		return "", err
	}
	if move != 0 {
		speed, err := cmd.Float("MOVE_SPEED", gm.speed)
		if err != nil {
			return "", err
		}
		if speed <= 0.0 {
			return "", errors.InvalidParameter(cmd.Name, "MOVE_SPEED", cmd.String("MOVE_SPEED", ""))
		}
		for pos, delta := range moveDelta {
			gm.lastPosition[pos] += delta
		}
		return "", gm.engine.Move(gm.lastPosition, speed)
	}
	return "", nil
}

// SaveState snapshots the full coordinate state under a name. Last write
// wins; there is no eviction.
func (gm *GCodeMove) SaveState(name string) {
	if name == "" {
		name = "default"
	}
	gm.savedStates[name] = &savedState{
		absoluteCoord:   gm.absoluteCoord,
		absoluteExtrude: gm.absoluteExtrude,
		basePosition:    append([]float64{}, gm.basePosition...),
		lastPosition:    append([]float64{}, gm.lastPosition...),
		homingPosition:  append([]float64{}, gm.homingPosition...),
		speed:           gm.speed,
		speedFactor:     gm.speedFactor,
		extrudeFactor:   gm.extrudeFactor,
	}
}

// HasState reports whether a snapshot exists under the name.
func (gm *GCodeMove) HasState(name string) bool {
	_, ok := gm.savedStates[name]
	return ok
}

// DropState removes a snapshot. Missing names are ignored.
func (gm *GCodeMove) DropState(name string) {
	delete(gm.savedStates, name)
}

// RestoreState restores a named snapshot. The extrude base is corrected by
// the extrusion commanded since the snapshot so restoring never discards it.
// With move set, issues a single corrective XYZ move at moveSpeed.
func (gm *GCodeMove) RestoreState(name string, move bool, moveSpeed float64) error {
	if name == "" {
		name = "default"
	}
	state, ok := gm.savedStates[name]
	if !ok {
		return errors.UnknownState(name)
	}

	gm.absoluteCoord = state.absoluteCoord
	gm.absoluteExtrude = state.absoluteExtrude
	gm.basePosition = append([]float64{}, state.basePosition...)
	gm.homingPosition = append([]float64{}, state.homingPosition...)
	gm.speed = state.speed
	gm.speedFactor = state.speedFactor
	gm.extrudeFactor = state.extrudeFactor

	eDiff := gm.lastPosition[3] - state.lastPosition[3]
	gm.basePosition[3] += eDiff

	if move {
		if moveSpeed <= 0 {
			moveSpeed = gm.speed
		}
		copy(gm.lastPosition[:3], state.lastPosition[:3])
		return gm.engine.Move(gm.lastPosition, moveSpeed)
	}
	return nil
}

func (gm *GCodeMove) cmdSaveGcodeState(cmd *gcode.Command) (string, error) {
	gm.SaveState(cmd.String("NAME", "default"))
	return "", nil
}

func (gm *GCodeMove) cmdRestoreGcodeState(cmd *gcode.Command) (string, error) {
	move, err := cmd.Int("MOVE", 0)
	if err != nil {
		return "", err
	}
	speed, err := cmd.Float("MOVE_SPEED", 0)
	if err != nil {
		return "", err
	}
	return "", gm.RestoreState(cmd.String("NAME", "default"), move != 0, speed)
}

// Status returns the coordinate state for status queries.
func (gm *GCodeMove) Status() map[string]any {
	gcodePos := gm.GetGcodePosition()
	return map[string]any{
		"speed_factor":         gm.speedFactor * 60.0,
		"speed":                gm.gcodeSpeed(),
		"extrude_factor":       gm.extrudeFactor,
		"absolute_coordinates": gm.absoluteCoord,
		"absolute_extrude":     gm.absoluteExtrude,
		"homing_origin":        append([]float64{}, gm.homingPosition...),
		"position":             append([]float64{}, gm.lastPosition...),
		"gcode_position":       gcodePos,
	}
}
