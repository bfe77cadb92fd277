// Recording engine for tests
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package motion

// RecordedMove is one Move call captured by the Recorder.
type RecordedMove struct {
	Pos   [4]float64
	Speed float64
}

// Recorder is an Engine that records every call. The host's own tests and
// downstream integration tests drive the coordinate state machine against it
// instead of real hardware.
type Recorder struct {
	Moves      []RecordedMove
	Position   [4]float64
	HomedAxes  []int
	FlushCount int

	// MoveErr, when set, is returned by the next Move call.
	MoveErr error
}

// NewRecorder creates a Recorder at the origin.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Move(pos []float64, speed float64) error {
	if r.MoveErr != nil {
		err := r.MoveErr
		r.MoveErr = nil
		return err
	}
	var p [4]float64
	copy(p[:], pos)
	r.Moves = append(r.Moves, RecordedMove{Pos: p, Speed: speed})
	r.Position = p
	return nil
}

func (r *Recorder) GetPosition() []float64 {
	p := make([]float64, 4)
	copy(p, r.Position[:])
	return p
}

func (r *Recorder) SetPosition(pos []float64, homedAxes []int) {
	copy(r.Position[:], pos)
	r.HomedAxes = append([]int(nil), homedAxes...)
}

func (r *Recorder) Flush() error {
	r.FlushCount++
	return nil
}

// Home zeros the homed axes and records them, matching what a homing cycle
// leaves behind on real hardware.
func (r *Recorder) Home(axes []int) error {
	for _, a := range axes {
		if a >= 0 && a < 4 {
			r.Position[a] = 0
		}
	}
	r.HomedAxes = append([]int(nil), axes...)
	return nil
}

// LastMove returns the most recent recorded move, or nil if none.
func (r *Recorder) LastMove() *RecordedMove {
	if len(r.Moves) == 0 {
		return nil
	}
	return &r.Moves[len(r.Moves)-1]
}
