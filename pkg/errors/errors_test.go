package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesThroughWrapping(t *testing.T) {
	base := InvalidParameter("G1", "X", "abc")
	wrapped := fmt.Errorf("dispatch: %w", base)

	assert.True(t, Is(wrapped, ErrInvalidParameter))
	assert.False(t, Is(wrapped, ErrBusy))
}

func TestUnwrapKeepsCause(t *testing.T) {
	cause := fmt.Errorf("disk full")
	err := IOFailure("write checkpoint", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "IO_FAILURE")
	assert.Contains(t, err.Error(), "disk full")
}

func TestIsLocal(t *testing.T) {
	cases := []struct {
		err   error
		local bool
	}{
		{InvalidParameter("G1", "F", "-1"), true},
		{UnknownState("nope"), true},
		{Busy("SD"), true},
		{Instruction("G1 X10", fmt.Errorf("boom")), false},
		{RecoveryUnavailable("no checkpoint"), false},
		{IOFailure("seek", fmt.Errorf("bad fd")), false},
	}
	for _, c := range cases {
		assert.Equal(t, c.local, IsLocal(c.err), "%v", c.err)
	}
}
