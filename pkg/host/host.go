// Printer host assembly
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package host

import (
	"printhost/pkg/checkpoint"
	"printhost/pkg/config"
	"printhost/pkg/gcode"
	"printhost/pkg/log"
	"printhost/pkg/motion"
	"printhost/pkg/reactor"
)

// Printer wires the reactor, dispatcher, coordinate state machine, job
// engine, pause orchestration, and recovery into one host instance.
type Printer struct {
	cfg    *config.Config
	logger *log.Logger

	reactor    *reactor.Reactor
	dispatcher *gcode.Dispatcher
	engine     motion.Engine
	calib      *motion.Calibration
	store      *checkpoint.Store

	gm          *GCodeMove
	stats       *PrintStats
	sd          *VirtualSDCard
	pauseResume *PauseResume
	recovery    *Recovery
}

// NewPrinter assembles a host from configuration and a motion engine. It
// takes the controller's state lock; a second host on the same controller
// serial fails with a Busy error.
func NewPrinter(cfg *config.Config, engine motion.Engine, logger *log.Logger) (*Printer, error) {
	r := reactor.New()
	d := gcode.NewDispatcher(r, logger.WithPrefix("gcode"))

	store, err := checkpoint.NewStore(cfg.Paths.StateDir, cfg.Controller.Serial,
		logger.WithPrefix("checkpoint"))
	if err != nil {
		return nil, err
	}

	calib := motion.NewCalibration(cfg.Controller.Kinematics, cfg.Recovery.ExtrudeCorrection)
	gm := NewGCodeMove(engine, logger.WithPrefix("gcode_move"))
	stats := NewPrintStats(gm, logger.WithPrefix("print_stats"))
	sd := NewVirtualSDCard(r, d, gm, stats, store, cfg, logger.WithPrefix("virtual_sdcard"))
	pauseResume := NewPauseResume(d, sd, gm, stats, engine, cfg.Pause,
		logger.WithPrefix("pause_resume"))
	recovery := NewRecovery(d, sd, gm, engine, store, calib, logger.WithPrefix("recovery"))

	p := &Printer{
		cfg:         cfg,
		logger:      logger,
		reactor:     r,
		dispatcher:  d,
		engine:      engine,
		calib:       calib,
		store:       store,
		gm:          gm,
		stats:       stats,
		sd:          sd,
		pauseResume: pauseResume,
		recovery:    recovery,
	}

	gm.RegisterCommands(d)
	stats.RegisterCommands(d)
	sd.RegisterCommands(d)
	pauseResume.RegisterCommands(d)
	recovery.RegisterCommands(d)
	p.registerHostCommands(d)
	return p, nil
}

func (p *Printer) registerHostCommands(d *gcode.Dispatcher) {
	d.MustRegister("G28", p.cmdG28, "Home axes")
	d.MustRegister("M400", p.cmdM400, "Wait for queued moves to complete")
}

func (p *Printer) cmdG28(cmd *gcode.Command) (string, error) {
	var axes []int
	for pos, axis := range []string{"X", "Y", "Z"} {
		if cmd.Has(axis) {
			axes = append(axes, pos)
		}
	}
	if len(axes) == 0 {
		axes = []int{motion.AxisX, motion.AxisY, motion.AxisZ}
	}
	if homer, ok := p.engine.(motion.Homer); ok {
		if err := homer.Home(axes); err != nil {
			return "", err
		}
	} else {
		// Engines without a homing cycle take G28 as a trust declaration.
		p.engine.SetPosition(p.engine.GetPosition(), axes)
	}
	p.gm.OnHomeComplete(axes)
	return "", nil
}

func (p *Printer) cmdM400(cmd *gcode.Command) (string, error) {
	return "", p.engine.Flush()
}

// Start launches the reactor's dispatch loop.
func (p *Printer) Start() {
	p.reactor.Run()
}

// Shutdown stops any running job, ends the reactor, and releases the
// controller lock. Checkpoint state is kept so an interrupted job can still
// be recovered on the next start.
func (p *Printer) Shutdown() {
	p.sd.DoPause()
	p.reactor.End()
	p.reactor.Wait()
	if err := p.store.Close(); err != nil {
		p.logger.Warn("closing checkpoint store: %v", err)
	}
}

// Dispatch runs one command line through the shared dispatch path.
func (p *Printer) Dispatch(line string) error {
	return p.dispatcher.Dispatch(line)
}

// RunScript runs a multi-line script through the shared dispatch path.
func (p *Printer) RunScript(script string) error {
	return p.dispatcher.RunScript(script)
}

// SetOutput installs the sink for command responses.
func (p *Printer) SetOutput(fn func(msg string)) {
	p.dispatcher.SetOutput(fn)
}

// SetJobSink installs a callback receiving every finished job's summary.
func (p *Printer) SetJobSink(sink func(JobResult)) {
	p.stats.SetFinishHook(sink)
}

// Recovery exposes the recovery module for startup orchestration.
func (p *Printer) Recovery() *Recovery {
	return p.recovery
}

// TryRecover resumes an interrupted job if recovery is enabled and
// checkpoint state exists. Failures are logged, not fatal; the host comes up
// idle and the job can be restarted manually.
func (p *Printer) TryRecover() {
	if !p.cfg.Recovery.Enabled || !p.recovery.Available() {
		return
	}
	p.dispatcher.Mutex().Lock()
	err := p.recovery.Restore()
	p.dispatcher.Mutex().Unlock()
	if err != nil {
		p.logger.Warn("recovery skipped: %v", err)
	}
}

// Status returns the host-wide status surface. The dispatch mutex is taken
// so the coordinate state is not read mid-command.
func (p *Printer) Status() map[string]any {
	p.dispatcher.Mutex().Lock()
	defer p.dispatcher.Mutex().Unlock()
	return map[string]any{
		"gcode_move":     p.gm.Status(),
		"print_stats":    p.stats.Status(),
		"virtual_sdcard": p.sd.Status(),
		"pause_resume":   p.pauseResume.Status(),
	}
}
