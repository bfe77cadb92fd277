// This file may be distributed under the terms of the GNU GPLv3 license.

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, args ...string) error {
	t.Helper()
	cmd := newRootCommand()
	cmd.SetArgs(args)
	return cmd.Execute()
}

func TestConfigInitWritesSample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	require.NoError(t, runCLI(t, "config", "init", "-c", path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[controller]")

	// A second init without --force must not clobber the file.
	err = runCLI(t, "config", "init", "-c", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	require.NoError(t, runCLI(t, "config", "init", "-c", path, "--force"))
}

func TestConfigShowWithDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.toml")
	assert.NoError(t, runCLI(t, "config", "show", "-c", path))
}

func TestRecoveryShowWithoutState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := "[controller]\nserial = \"testctl\"\n" +
		"[paths]\nsdcard_dir = \"" + filepath.Join(dir, "gcodes") + "\"\n" +
		"state_dir = \"" + filepath.Join(dir, "state") + "\"\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "state"), 0o755))

	assert.NoError(t, runCLI(t, "recovery", "show", "-c", path))
	assert.NoError(t, runCLI(t, "recovery", "clear", "-c", path))
}
