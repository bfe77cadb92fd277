// Tracing engine for console operation
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package motion

import (
	"printhost/pkg/log"
)

// TraceEngine is an Engine that logs every motion request instead of driving
// hardware. It stands in for a controller transport when the host runs
// without a machine attached, keeping the full command surface usable for
// dry runs and job verification.
type TraceEngine struct {
	logger   *log.Logger
	position [4]float64
}

// NewTraceEngine creates a TraceEngine at the origin.
func NewTraceEngine(logger *log.Logger) *TraceEngine {
	return &TraceEngine{logger: logger}
}

func (t *TraceEngine) Move(pos []float64, speed float64) error {
	copy(t.position[:], pos)
	t.logger.Debug("move X%.3f Y%.3f Z%.3f E%.5f F%.1f",
		t.position[0], t.position[1], t.position[2], t.position[3], speed*60.0)
	return nil
}

func (t *TraceEngine) GetPosition() []float64 {
	p := make([]float64, 4)
	copy(p, t.position[:])
	return p
}

func (t *TraceEngine) SetPosition(pos []float64, homedAxes []int) {
	copy(t.position[:], pos)
	t.logger.Debug("set position X%.3f Y%.3f Z%.3f E%.5f homed=%v",
		t.position[0], t.position[1], t.position[2], t.position[3], homedAxes)
}

func (t *TraceEngine) Flush() error {
	return nil
}

// Home zeros the requested axes, mirroring what a homing cycle reports back.
func (t *TraceEngine) Home(axes []int) error {
	for _, a := range axes {
		if a >= 0 && a < 4 {
			t.position[a] = 0
		}
	}
	t.logger.Debug("home axes=%v", axes)
	return nil
}
