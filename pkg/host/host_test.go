// This file may be distributed under the terms of the GNU GPLv3 license.

package host

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"printhost/pkg/config"
	"printhost/pkg/log"
	"printhost/pkg/motion"
)

// hostFixture is a full printer over a recording engine and temp dirs.
type hostFixture struct {
	p      *Printer
	engine *motion.Recorder
	cfg    *config.Config
	sdDir  string

	mu     sync.Mutex
	output []string
}

func newHostFixture(t *testing.T, mutate func(*config.Config)) *hostFixture {
	t.Helper()
	cfg := config.Default()
	cfg.Controller.Serial = "testctl"
	cfg.Paths.SDCardDir = t.TempDir()
	cfg.Paths.StateDir = t.TempDir()
	if mutate != nil {
		mutate(&cfg)
	}

	logger := log.New("host-test")
	logger.SetLevel(log.WARN)

	engine := motion.NewRecorder()
	p, err := NewPrinter(&cfg, engine, logger)
	require.NoError(t, err)

	fx := &hostFixture{p: p, engine: engine, cfg: &cfg, sdDir: cfg.Paths.SDCardDir}
	p.SetOutput(func(msg string) {
		fx.mu.Lock()
		fx.output = append(fx.output, msg)
		fx.mu.Unlock()
	})

	p.Start()
	t.Cleanup(p.Shutdown)
	return fx
}

func (fx *hostFixture) writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(fx.sdDir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func (fx *hostFixture) dispatch(t *testing.T, line string) {
	t.Helper()
	require.NoError(t, fx.p.Dispatch(line), "dispatching %q", line)
}

// waitFor polls a condition until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (fx *hostFixture) waitState(t *testing.T, state PrintState) {
	t.Helper()
	waitFor(t, "state "+string(state), func() bool {
		return fx.p.stats.State() == state
	})
}

// waitParked waits for a paused job's work loop to fully exit, so the
// engine can be resumed or inspected without racing it.
func (fx *hostFixture) waitParked(t *testing.T) {
	t.Helper()
	waitFor(t, "job engine parked", func() bool {
		return fx.p.stats.State() == StatePaused && !fx.p.sd.IsActive()
	})
}

func (fx *hostFixture) sawOutput(substr string) bool {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	for _, msg := range fx.output {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}

func TestG28HomesAndRebases(t *testing.T) {
	fx := newHostFixture(t, nil)

	fx.dispatch(t, "SET_GCODE_OFFSET X=1.5")
	fx.dispatch(t, "G28")

	assert.Equal(t, []int{0, 1, 2}, fx.engine.HomedAxes)
	assert.InDelta(t, 1.5, fx.p.gm.basePosition[0], 1e-9)

	fx.dispatch(t, "G28 X0")
	assert.Equal(t, []int{0}, fx.engine.HomedAxes)
}

func TestM400FlushesMotion(t *testing.T) {
	fx := newHostFixture(t, nil)
	before := fx.engine.FlushCount
	fx.dispatch(t, "M400")
	assert.Equal(t, before+1, fx.engine.FlushCount)
}

func TestUnknownCommandIsEchoedNotFatal(t *testing.T) {
	fx := newHostFixture(t, nil)
	fx.dispatch(t, "M900 K0.05")
	assert.True(t, fx.sawOutput(`Unknown command: "M900"`))
}

func TestSecondHostOnSameControllerIsRejected(t *testing.T) {
	fx := newHostFixture(t, nil)

	logger := log.New("host-test2")
	logger.SetLevel(log.WARN)
	_, err := NewPrinter(fx.cfg, motion.NewRecorder(), logger)
	require.Error(t, err)
}

func TestStatusSurfaceSections(t *testing.T) {
	fx := newHostFixture(t, nil)
	st := fx.p.Status()
	for _, section := range []string{"gcode_move", "print_stats", "virtual_sdcard", "pause_resume"} {
		assert.Contains(t, st, section)
	}
}
