// Power-loss recovery calibration
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package motion

import "strings"

// Kinematics families with distinct recovery behavior. A parallel family
// homes all axes together; a cartesian family can rehome X/Y while keeping
// the checkpointed Z.
const (
	KinematicsCartesian = "cartesian"
	KinematicsDelta     = "delta"
)

// Built-in extrude corrections applied to the reconstructed extruder
// position after power loss. The values are empirical and have no documented
// derivation; they compensate for motion queued but not executed at the
// moment power was lost. Treat as calibration data, not constants.
var defaultExtrudeCorrection = map[string]float64{
	KinematicsCartesian: -0.5,
	KinematicsDelta:     6.0,
}

// Calibration resolves per-kinematics recovery parameters, with config
// overrides taking precedence over the built-in table.
type Calibration struct {
	kinematics string
	overrides  map[string]float64
}

// NewCalibration builds a calibration view for one kinematics family.
func NewCalibration(kinematics string, overrides map[string]float64) *Calibration {
	k := strings.ToLower(strings.TrimSpace(kinematics))
	if k == "" {
		k = KinematicsCartesian
	}
	return &Calibration{kinematics: k, overrides: overrides}
}

// Kinematics returns the configured family name.
func (c *Calibration) Kinematics() string {
	return c.kinematics
}

// ExtrudeCorrection returns the extrude correction for the configured
// family. Unknown families get zero correction rather than a guess.
func (c *Calibration) ExtrudeCorrection() float64 {
	if v, ok := c.overrides[c.kinematics]; ok {
		return v
	}
	if v, ok := defaultExtrudeCorrection[c.kinematics]; ok {
		return v
	}
	return 0.0
}

// HomesAllAxes reports whether recovery must rehome every axis before any
// coordinate can be trusted. Parallel kinematics cannot home X/Y alone.
func (c *Calibration) HomesAllAxes() bool {
	return c.kinematics == KinematicsDelta
}
