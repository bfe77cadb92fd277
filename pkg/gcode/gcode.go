// G-code line parsing and command dispatch
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package gcode

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"printhost/pkg/errors"
	"printhost/pkg/log"
	"printhost/pkg/reactor"
)

// Command is one parsed g-code line.
type Command struct {
	Name string
	Args map[string]string
	Raw  string
}

var reParenComment = regexp.MustCompile(`\([^)]*\)`)

// ParseLine parses a raw line into a Command. Blank lines and pure comments
// return (nil, nil).
func ParseLine(line string) (*Command, error) {
	ln := strings.TrimSpace(line)
	if ln == "" {
		return nil, nil
	}
	if idx := strings.IndexByte(ln, ';'); idx >= 0 {
		ln = strings.TrimSpace(ln[:idx])
	}
	if ln == "" {
		return nil, nil
	}
	ln = strings.TrimSpace(reParenComment.ReplaceAllString(ln, " "))
	if ln == "" {
		return nil, nil
	}

	fields := strings.Fields(ln)
	if len(fields) == 0 {
		return nil, nil
	}
	name := strings.ToUpper(fields[0])
	args := map[string]string{}
	for _, f := range fields[1:] {
		if f == "" {
			continue
		}
		if strings.Contains(f, "=") {
			kv := strings.SplitN(f, "=", 2)
			k := strings.ToUpper(strings.TrimSpace(kv[0]))
			v := ""
			if len(kv) > 1 {
				v = strings.TrimSpace(kv[1])
			}
			if k != "" {
				args[k] = v
			}
			continue
		}
		if len(f) < 2 {
			continue
		}
		k := strings.ToUpper(f[:1])
		v := strings.TrimSpace(f[1:])
		if k != "" {
			args[k] = v
		}
	}
	return &Command{Name: name, Args: args, Raw: line}, nil
}

// Has reports whether the argument was present on the line.
func (c *Command) Has(key string) bool {
	_, ok := c.Args[strings.ToUpper(key)]
	return ok
}

// Float returns a float argument, or def if absent.
func (c *Command) Float(key string, def float64) (float64, error) {
	raw, ok := c.Args[strings.ToUpper(key)]
	if !ok {
		return def, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, errors.InvalidParameter(c.Name, strings.ToUpper(key), raw)
	}
	return f, nil
}

// Int returns an integer argument, or def if absent.
func (c *Command) Int(key string, def int) (int, error) {
	raw, ok := c.Args[strings.ToUpper(key)]
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.InvalidParameter(c.Name, strings.ToUpper(key), raw)
	}
	return n, nil
}

// String returns a string argument, or def if absent.
func (c *Command) String(key, def string) string {
	if raw, ok := c.Args[strings.ToUpper(key)]; ok {
		return raw
	}
	return def
}

// Handler executes one command. The returned string, if non-empty, is sent
// to the command output (e.g. an M114 position report).
type Handler func(cmd *Command) (string, error)

// Dispatcher owns the command registry and the shared dispatch mutex.
// External commands and file-sourced lines both funnel through Dispatch;
// the job engine tests the mutex before pulling lines from the file so
// interactive commands always run first.
type Dispatcher struct {
	mutex    *reactor.Mutex
	handlers map[string]Handler
	help     map[string]string
	output   func(msg string)
	logger   *log.Logger
}

// NewDispatcher creates a dispatcher bound to the reactor's execution model.
func NewDispatcher(r *reactor.Reactor, logger *log.Logger) *Dispatcher {
	return &Dispatcher{
		mutex:    r.NewMutex(false),
		handlers: make(map[string]Handler),
		help:     make(map[string]string),
		output:   func(string) {},
		logger:   logger,
	}
}

// Mutex returns the shared dispatch mutex.
func (d *Dispatcher) Mutex() *reactor.Mutex {
	return d.mutex
}

// SetOutput installs the sink for command responses.
func (d *Dispatcher) SetOutput(fn func(msg string)) {
	if fn != nil {
		d.output = fn
	}
}

// Respond sends a message to the command output.
func (d *Dispatcher) Respond(msg string) {
	d.output(msg)
}

// Register installs a handler for a command name. Registration is validated
// up front: a duplicate name is a programming error and is rejected.
func (d *Dispatcher) Register(name string, handler Handler, help string) error {
	name = strings.ToUpper(strings.TrimSpace(name))
	if name == "" {
		return fmt.Errorf("gcode: empty command name")
	}
	if handler == nil {
		return fmt.Errorf("gcode: nil handler for %s", name)
	}
	if _, exists := d.handlers[name]; exists {
		return fmt.Errorf("gcode: command %s already registered", name)
	}
	d.handlers[name] = handler
	d.help[name] = help
	return nil
}

// MustRegister is Register for startup wiring, where a duplicate means the
// process is misassembled.
func (d *Dispatcher) MustRegister(name string, handler Handler, help string) {
	if err := d.Register(name, handler, help); err != nil {
		panic(err)
	}
}

// Dispatch parses and executes one line while holding the dispatch mutex.
func (d *Dispatcher) Dispatch(line string) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.DispatchLocked(line)
}

// DispatchLocked executes one line. The caller must hold the dispatch mutex;
// the job engine's read loop uses this after checking the mutex itself.
func (d *Dispatcher) DispatchLocked(line string) error {
	cmd, err := ParseLine(line)
	if err != nil {
		return err
	}
	if cmd == nil {
		return nil
	}

	handler, ok := d.handlers[cmd.Name]
	if !ok {
		// Unknown commands are echoed, not fatal. A sliced file is full of
		// commands this host does not interpret itself.
		d.logger.Debug("unknown command: %s", cmd.Name)
		d.output(fmt.Sprintf("// Unknown command: %q", cmd.Name))
		return nil
	}

	result, err := handler(cmd)
	if err != nil {
		return err
	}
	if result != "" {
		d.output(result)
	}
	return nil
}

// RunScript dispatches each non-empty line of a script in order, stopping at
// the first error.
func (d *Dispatcher) RunScript(script string) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.RunScriptLocked(script)
}

// RunScriptLocked is RunScript for callers already holding the mutex.
func (d *Dispatcher) RunScriptLocked(script string) error {
	for _, line := range strings.Split(script, "\n") {
		if err := d.DispatchLocked(line); err != nil {
			return err
		}
	}
	return nil
}

// CommandHelp returns the help text for a registered command.
func (d *Dispatcher) CommandHelp(name string) (string, bool) {
	h, ok := d.help[strings.ToUpper(name)]
	return h, ok
}
