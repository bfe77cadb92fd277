// Host configuration loading
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Controller identifies the physical machine this host drives. The serial
// keys the checkpoint/metadata file pair so two controllers sharing a state
// directory never clobber each other.
type Controller struct {
	Serial     string `toml:"serial"`
	Kinematics string `toml:"kinematics"`
}

// Paths contains directory configuration.
type Paths struct {
	SDCardDir string `toml:"sdcard_dir"`
	StateDir  string `toml:"state_dir"`
}

// Job contains dispatch loop tuning.
type Job struct {
	// Checkpoint cadence: write a checkpoint record every
	// CheckpointIntervalLines dispatched lines, once WarmupExtrudeLines
	// extrusion moves have been seen.
	CheckpointIntervalLines int `toml:"checkpoint_interval_lines"`
	MetadataIntervalLines   int `toml:"metadata_interval_lines"`
	WarmupExtrudeLines      int `toml:"warmup_extrude_lines"`

	// BlockSize is the file read granularity in bytes.
	BlockSize int `toml:"block_size"`

	// OnErrorGcode runs when a dispatched line reports an error, before the
	// job transitions to the error state.
	OnErrorGcode string `toml:"on_error_gcode"`
}

// Pause contains pause/resume and filament-change positioning.
type Pause struct {
	RecoverVelocity float64 `toml:"recover_velocity"`
	ParkX           float64 `toml:"park_x"`
	ParkY           float64 `toml:"park_y"`
	ZLift           float64 `toml:"z_lift"`
}

// Recovery contains power-loss recovery settings.
type Recovery struct {
	Enabled bool `toml:"enabled"`

	// ExtrudeCorrection overrides the built-in per-kinematics extrude
	// calibration, keyed by kinematics family name. Values here have no
	// documented derivation and need hardware validation.
	ExtrudeCorrection map[string]float64 `toml:"extrude_correction"`
}

// History contains job history database settings.
type History struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Logging contains log output settings.
type Logging struct {
	Level string `toml:"level"`
}

// Config encapsulates all configuration values for the print host.
type Config struct {
	Controller Controller `toml:"controller"`
	Paths      Paths      `toml:"paths"`
	Job        Job        `toml:"job"`
	Pause      Pause      `toml:"pause"`
	Recovery   Recovery   `toml:"recovery"`
	History    History    `toml:"history"`
	Logging    Logging    `toml:"logging"`
}

// Default returns the built-in configuration defaults.
func Default() Config {
	return Config{
		Controller: Controller{
			Serial:     "printer",
			Kinematics: "cartesian",
		},
		Paths: Paths{
			SDCardDir: "~/printer_data/gcodes",
			StateDir:  "~/printer_data/state",
		},
		Job: Job{
			CheckpointIntervalLines: 9,
			MetadataIntervalLines:   29,
			WarmupExtrudeLines:      20,
			BlockSize:               8192,
			OnErrorGcode:            "",
		},
		Pause: Pause{
			RecoverVelocity: 50.0,
			ParkX:           0.0,
			ParkY:           0.0,
			ZLift:           10.0,
		},
		Recovery: Recovery{
			Enabled: true,
		},
		History: History{
			Enabled: true,
			Path:    "~/printer_data/state/history.db",
		},
		Logging: Logging{
			Level: "info",
		},
	}
}

// DefaultConfigPath returns the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/printhost/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded and normalized. The bool reports
// whether a file existed at the resolved path.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("printhost.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

func (c *Config) normalize() error {
	var err error
	if c.Paths.SDCardDir, err = expandPath(c.Paths.SDCardDir); err != nil {
		return err
	}
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return err
	}
	if strings.TrimSpace(c.History.Path) != "" {
		if c.History.Path, err = expandPath(c.History.Path); err != nil {
			return err
		}
	}
	c.Controller.Serial = strings.TrimSpace(c.Controller.Serial)
	c.Controller.Kinematics = strings.ToLower(strings.TrimSpace(c.Controller.Kinematics))
	return nil
}

// Validate checks configuration values for internal consistency.
func (c *Config) Validate() error {
	if c.Controller.Serial == "" {
		return fmt.Errorf("controller.serial must not be empty")
	}
	if strings.ContainsAny(c.Controller.Serial, "/\\") {
		return fmt.Errorf("controller.serial %q must not contain path separators", c.Controller.Serial)
	}
	if c.Job.CheckpointIntervalLines <= 0 {
		return fmt.Errorf("job.checkpoint_interval_lines must be positive, got %d", c.Job.CheckpointIntervalLines)
	}
	if c.Job.MetadataIntervalLines <= 0 {
		return fmt.Errorf("job.metadata_interval_lines must be positive, got %d", c.Job.MetadataIntervalLines)
	}
	if c.Job.WarmupExtrudeLines < 0 {
		return fmt.Errorf("job.warmup_extrude_lines must not be negative, got %d", c.Job.WarmupExtrudeLines)
	}
	if c.Job.BlockSize <= 0 {
		return fmt.Errorf("job.block_size must be positive, got %d", c.Job.BlockSize)
	}
	if c.Pause.RecoverVelocity <= 0 {
		return fmt.Errorf("pause.recover_velocity must be positive, got %g", c.Pause.RecoverVelocity)
	}
	return nil
}

// EnsureDirectories creates the directories required for operation.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Paths.SDCardDir, c.Paths.StateDir}
	if c.History.Enabled && strings.TrimSpace(c.History.Path) != "" {
		dirs = append(dirs, filepath.Dir(c.History.Path))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
