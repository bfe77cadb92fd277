// Motion engine interface
//
// The host never plans motion itself. It hands fully resolved targets to an
// Engine and trusts the engine's own queue and kinematics.
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package motion

// Axis indices into 4-element position vectors.
const (
	AxisX = 0
	AxisY = 1
	AxisZ = 2
	AxisE = 3
)

// Engine is the motion backend consumed by the coordinate state machine.
type Engine interface {
	// Move requests motion to the given XYZE position at the given speed.
	// The target is always fully resolved; no partially applied axis update
	// is ever dispatched.
	Move(pos []float64, speed float64) error

	// GetPosition returns the engine's current XYZE position.
	GetPosition() []float64

	// SetPosition forces the engine's notion of position without motion.
	// homedAxes lists the axis indices that may now be trusted.
	SetPosition(pos []float64, homedAxes []int)

	// Flush blocks until all queued motion is physically complete. Required
	// before any pause or offset mutation that must see a quiescent machine.
	Flush() error
}

// Homer is implemented by engines that can execute a homing cycle. Engines
// without it treat G28 as a position trust declaration only.
type Homer interface {
	Home(axes []int) error
}
