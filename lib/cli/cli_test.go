package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const simConfig = `
[run]
destination = "unused.db"
description = "bench check"
chunk_samples = 20

[[scope]]
name = "LeCroy_1"
address = "192.168.7.63"
channels = ["C1", "C2"]
poll_interval = "1ms"

[scope.channel_descriptions]
C1 = "Isat, tip 1"

[motion]
settle = "1s"
poll_interval = "1ms"

[[motion.grid]]
name = "x"
min = 0
max = 10
n = 2

[[motion.grid]]
name = "y"
min = 0
max = 5
n = 2

[[motion.motor_boundary]]
name = "stop"
kind = "box"
min = [-1, -1]
max = [5, 6]

[[motion.axis]]
name = "x"
port = "usb:A603UX94"

[[motion.axis]]
name = "y"
port = "tcp:192.168.7.80"
`

func testApp(t *testing.T) (*App, *bytes.Buffer) {
	t.Helper()
	a := New()
	a.logger = zerolog.Nop()
	out := &bytes.Buffer{}
	a.out = out
	return a, out
}

func writeConfig(t *testing.T, text string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.toml")
	require.NoError(t, os.WriteFile(path, []byte(text), 0o644))
	return path
}

func TestSimulateAndInspect(t *testing.T) {
	cfg := writeConfig(t, simConfig)
	dst := filepath.Join(t.TempDir(), "sim.db")

	a, out := testApp(t)
	err := a.Run([]string{AppName, "simulate", "-c", cfg, "--destination", dst, "--samples", "50"})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Run summary")
	assert.Contains(t, out.String(), "(2 complete, 0 partial, 2 skipped)")
	assert.Contains(t, out.String(), dst)

	a, out = testApp(t)
	require.NoError(t, a.Run([]string{AppName, "inspect", "--shot", "1", dst}))
	s := out.String()
	assert.Contains(t, s, "bench check")
	assert.Contains(t, s, "LeCroy_1")
	assert.Contains(t, s, "C1: Isat, tip 1")
	assert.Contains(t, s, "4 stored of 4 planned")
	assert.Contains(t, s, "unset positions: 2")
	assert.Contains(t, s, "LeCroy_1/C1: 50 samples in 1 segments")
	assert.Contains(t, s, "LeCroy_1/C2: 50 samples")

	// the destination holds a run now
	a, _ = testApp(t)
	err = a.Run([]string{AppName, "simulate", "-c", cfg, "--destination", dst})
	assert.Error(t, err)

	a, out = testApp(t)
	require.NoError(t, a.Run([]string{AppName, "simulate", "-c", cfg, "--destination", dst, "--overwrite", "--samples", "10"}))
	assert.Contains(t, out.String(), "(2 complete, 0 partial, 2 skipped)")
}

func TestPlan(t *testing.T) {
	cfg := writeConfig(t, simConfig)
	a, out := testApp(t)
	require.NoError(t, a.Run([]string{AppName, "plan", "-c", cfg}))
	s := out.String()
	assert.Contains(t, s, "axes:       x, y")
	assert.Contains(t, s, "shots:      4")
	assert.Contains(t, s, "4 distinct positions")
	assert.Contains(t, s, "boundary violation")
	assert.Contains(t, s, "2 of 4 shots would be skipped")
}

func TestPlanLockstep(t *testing.T) {
	cfg := writeConfig(t, `
[run]
destination = "x.db"

[[scope]]
name = "s"
address = "10.0.0.2"

[motion]
sweep = "lockstep"

[[motion.grid]]
name = "p1"
min = 0
max = 2
n = 3

[[motion.grid]]
name = "p2"
min = 10
max = 30
n = 3
`)
	a, out := testApp(t)
	require.NoError(t, a.Run([]string{AppName, "plan", "-c", cfg}))
	s := out.String()
	assert.Contains(t, s, "axes:       p1, p2")
	assert.Contains(t, s, "shots:      3")
	assert.Contains(t, s, "[1 20]")
	assert.Contains(t, s, "every position is allowed")
}

func TestPlanStationary(t *testing.T) {
	cfg := writeConfig(t, `
[run]
destination = "x.db"
shots_per_position = 12

[[scope]]
name = "s"
address = "10.0.0.2"
`)
	a, out := testApp(t)
	require.NoError(t, a.Run([]string{AppName, "plan", "-c", cfg}))
	s := out.String()
	assert.Contains(t, s, "axes:       none")
	assert.Contains(t, s, "shots:      12")
	assert.Contains(t, s, "stationary")
	assert.Contains(t, s, "... 2 more ...")
	assert.Contains(t, s, "every position is allowed")
}

func TestInspectMissing(t *testing.T) {
	a, _ := testApp(t)
	assert.Error(t, a.Run([]string{AppName, "inspect", filepath.Join(t.TempDir(), "none.db")}))
	a, _ = testApp(t)
	assert.Error(t, a.Run([]string{AppName, "inspect"}))
}

func TestMissingConfigFlag(t *testing.T) {
	a, _ := testApp(t)
	assert.Error(t, a.Run([]string{AppName, "plan"}))
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.5 KiB", formatBytes(1536))
	assert.Equal(t, "2.0 MiB", formatBytes(2<<20))
}
