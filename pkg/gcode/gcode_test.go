package gcode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"printhost/pkg/errors"
	"printhost/pkg/log"
	"printhost/pkg/reactor"
)

func TestParseLine(t *testing.T) {
	cmd, err := ParseLine("G1 X10.5 Y-2 E0.04 ; perimeter")
	require.NoError(t, err)
	require.NotNil(t, cmd)
	assert.Equal(t, "G1", cmd.Name)
	assert.Equal(t, "10.5", cmd.Args["X"])
	assert.Equal(t, "-2", cmd.Args["Y"])
	assert.Equal(t, "0.04", cmd.Args["E"])

	cmd, err = ParseLine("RESTORE_GCODE_STATE NAME=PAUSE_STATE MOVE=1")
	require.NoError(t, err)
	assert.Equal(t, "RESTORE_GCODE_STATE", cmd.Name)
	assert.Equal(t, "PAUSE_STATE", cmd.Args["NAME"])
	assert.Equal(t, "1", cmd.Args["MOVE"])
}

func TestParseLineBlankAndComments(t *testing.T) {
	for _, line := range []string{"", "   ", "; layer 3", "(inline comment)"} {
		cmd, err := ParseLine(line)
		require.NoError(t, err)
		assert.Nil(t, cmd, "line %q", line)
	}
}

func TestCommandArgHelpers(t *testing.T) {
	cmd, err := ParseLine("G1 X10 Fbad")
	require.NoError(t, err)

	x, err := cmd.Float("X", 0)
	require.NoError(t, err)
	assert.Equal(t, 10.0, x)
	assert.True(t, cmd.Has("x"))
	assert.False(t, cmd.Has("Z"))

	z, err := cmd.Float("Z", 7.5)
	require.NoError(t, err)
	assert.Equal(t, 7.5, z)

	_, err = cmd.Float("F", 0)
	assert.True(t, errors.Is(err, errors.ErrInvalidParameter))
}

func newTestDispatcher() *Dispatcher {
	return NewDispatcher(reactor.New(), log.New("gcode-test"))
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	d := newTestDispatcher()
	h := func(cmd *Command) (string, error) { return "", nil }

	require.NoError(t, d.Register("M114", h, "report position"))
	assert.Error(t, d.Register("m114", h, "dup"))
	assert.Error(t, d.Register("", h, "empty"))
	assert.Error(t, d.Register("M115", nil, "nil handler"))
}

func TestDispatchRoutesToHandler(t *testing.T) {
	d := newTestDispatcher()
	var got *Command
	d.MustRegister("G1", func(cmd *Command) (string, error) {
		got = cmd
		return "", nil
	}, "move")

	require.NoError(t, d.Dispatch("g1 X5"))
	require.NotNil(t, got)
	assert.Equal(t, "5", got.Args["X"])
}

func TestDispatchUnknownCommandEchoes(t *testing.T) {
	d := newTestDispatcher()
	var out []string
	d.SetOutput(func(msg string) { out = append(out, msg) })

	require.NoError(t, d.Dispatch("M999"))
	require.Len(t, out, 1)
	assert.Contains(t, out[0], "Unknown command")
}

func TestRunScriptStopsAtFirstError(t *testing.T) {
	d := newTestDispatcher()
	var calls []string
	d.MustRegister("A_OK", func(cmd *Command) (string, error) {
		calls = append(calls, "ok")
		return "", nil
	}, "")
	d.MustRegister("A_FAIL", func(cmd *Command) (string, error) {
		calls = append(calls, "fail")
		return "", errors.Busy("test")
	}, "")

	err := d.RunScript("A_OK\nA_FAIL\nA_OK")
	assert.Error(t, err)
	assert.Equal(t, []string{"ok", "fail"}, calls)
	// The mutex is released on the error path.
	assert.False(t, d.Mutex().Test())
}

func TestDispatchHoldsMutex(t *testing.T) {
	d := newTestDispatcher()
	var lockedDuring bool
	d.MustRegister("CHECK", func(cmd *Command) (string, error) {
		lockedDuring = d.Mutex().Test()
		return "", nil
	}, "")

	require.NoError(t, d.Dispatch("CHECK"))
	assert.True(t, lockedDuring)
	assert.False(t, d.Mutex().Test())
}
