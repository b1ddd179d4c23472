// Copyright (c) 2020–2024 The daqrig developers. All rights reserved.
// Project site: https://github.com/bapsf/daqrig
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

// Package config loads the TOML description of an acquisition run: where
// to store it, which digitizers take part, and how the probe moves.
//
// A minimal file:
//
//	[run]
//	destination = "runs/density_scan.db"
//	description = "Langmuir probe, x-y plane at port 27"
//	shots_per_position = 3
//
//	[[scope]]
//	name = "LeCroy_1"
//	address = "192.168.7.63"
//	channels = ["C1", "C2"]
//
//	[motion]
//	kinematics = "pivot"
//	[[motion.grid]]
//	name = "x"
//	min = -20
//	max = 20
//	n = 41
//	[[motion.grid]]
//	name = "y"
//	min = 0
//	max = 0
//	n = 1
//	[[motion.axis]]
//	name = "x"
//	port = "usb:A603UX94"
//	[[motion.axis]]
//	name = "y"
//	port = "tcp:192.168.7.80"
//
// With sweep = "lockstep" under [motion] each grid axis is a separate 1-D
// probe and all of them step together, so every axis needs the same n.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/bapsf/daqrig/lib/motion"
)

// Sweep kinds.
const (
	SweepGrid     = "grid"
	SweepLockstep = "lockstep"
)

// maxLockstepAxes bounds the number of probes swept together.
const maxLockstepAxes = 16

// Config is a complete run description.
type Config struct {
	Run    RunConfig     `toml:"run"`
	Scopes []ScopeConfig `toml:"scope"`
	// Motion is nil for a rig without a probe drive.
	Motion *MotionConfig `toml:"motion"`

	// Text is the file the configuration was parsed from, kept as run
	// provenance.
	Text string `toml:"-"`
}

// RunConfig describes the run store and shot counts.
type RunConfig struct {
	Destination string `toml:"destination"`
	Description string `toml:"description"`
	Overwrite   bool   `toml:"overwrite"`
	// Compression is the flate level, 1 to 9.
	Compression      int `toml:"compression"`
	ChunkSamples     int `toml:"chunk_samples"`
	ShotsPerPosition int `toml:"shots_per_position"`
	// Repeats is how many times the whole position list is scanned.
	Repeats int `toml:"repeats"`
}

// ScopeConfig describes one digitizer.
type ScopeConfig struct {
	Name string `toml:"name"`
	// Address is host or host:port of the VICP server.
	Address string `toml:"address"`
	// Channels to read; empty means whatever the scope displays.
	Channels []string `toml:"channels"`
	// ExternalDelay is the cable and trigger delay in seconds, recorded
	// with the run.
	ExternalDelay float64       `toml:"external_delay"`
	PollTimeout   time.Duration `toml:"poll_timeout"`
	PollInterval  time.Duration `toml:"poll_interval"`
	DialTimeout   time.Duration `toml:"dial_timeout"`
	Description   string        `toml:"description"`

	// Segments is the expected sequence-mode segment count. Records with
	// another count are rejected. Zero takes it from the first record.
	Segments int `toml:"segments"`

	// ChannelDescriptions labels channels, e.g. "C1" = "Isat, probe 2".
	ChannelDescriptions map[string]string `toml:"channel_descriptions"`
}

// MotionConfig describes the probe drive and the scan.
type MotionConfig struct {
	Grid []GridAxis `toml:"grid"`

	// Sweep is "grid" for every combination of the axis values, or
	// "lockstep" to step all axes together, one probe per axis.
	Sweep string `toml:"sweep"`

	// Kinematics is "identity" or "pivot".
	Kinematics string       `toml:"kinematics"`
	Pivot      *PivotConfig `toml:"pivot"`

	Tolerance    float64       `toml:"tolerance"`
	Attempts     int           `toml:"attempts"`
	Settle       time.Duration `toml:"settle"`
	PollInterval time.Duration `toml:"poll_interval"`

	ProbeBoundary []BoundaryConfig `toml:"probe_boundary"`
	MotorBoundary []BoundaryConfig `toml:"motor_boundary"`

	// Axis lists the drives, one per grid axis in the same order. With
	// no drives the plan is recorded but the probe is not moved.
	Axis []AxisConfig `toml:"axis"`
}

// GridAxis is one axis of the scan: N points from Min to Max.
type GridAxis struct {
	Name string  `toml:"name"`
	Min  float64 `toml:"min"`
	Max  float64 `toml:"max"`
	N    int     `toml:"n"`
}

// PivotConfig overrides the ball valve geometry, in cm.
type PivotConfig struct {
	ProbeIn float64 `toml:"probe_in"`
	Outside float64 `toml:"outside"`
	Height  float64 `toml:"height"`
}

// BoundaryConfig is a box or exclusion zone. Min and Max take one entry
// per axis; use inf or nan to leave a side open.
type BoundaryConfig struct {
	Name string    `toml:"name"`
	Kind string    `toml:"kind"`
	Min  []float64 `toml:"min"`
	Max  []float64 `toml:"max"`
}

// AxisConfig is one stepper drive.
type AxisConfig struct {
	Name string `toml:"name"`
	// Port is a serial device, "usb:<adapter serial>", or "tcp:host[:port]"
	// for an Ethernet drive.
	Port        string  `toml:"port"`
	Baud        int     `toml:"baud"`
	UnitsPerRev float64 `toml:"units_per_rev"`
	StepsPerRev int     `toml:"steps_per_rev"`

	// WriteDelay spaces consecutive commands for drives that drop them.
	WriteDelay time.Duration `toml:"write_delay"`
}

// Load reads, defaults and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a configuration, applies defaults and validates it. Keys
// that match no field are an error.
func Parse(text string) (*Config, error) {
	var cfg Config
	md, err := toml.Decode(text, &cfg)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if und := md.Undecoded(); len(und) > 0 {
		var errs ValidationErrors
		for _, k := range und {
			errs = append(errs, ValidationError{Field: k.String(), Message: "unknown key"})
		}
		return nil, errs
	}
	cfg.Text = text
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills in zero values.
func (c *Config) ApplyDefaults() {
	if c.Run.Compression == 0 {
		c.Run.Compression = 1
	}
	if c.Run.ShotsPerPosition == 0 {
		c.Run.ShotsPerPosition = 1
	}
	if c.Run.Repeats == 0 {
		c.Run.Repeats = 1
	}
	for i := range c.Scopes {
		s := &c.Scopes[i]
		if s.PollTimeout == 0 {
			s.PollTimeout = 10 * time.Second
		}
		if s.PollInterval == 0 {
			s.PollInterval = 20 * time.Millisecond
		}
		if s.DialTimeout == 0 {
			s.DialTimeout = 5 * time.Second
		}
	}
	if m := c.Motion; m != nil {
		if m.Sweep == "" {
			m.Sweep = SweepGrid
		}
		if m.Kinematics == "" {
			m.Kinematics = "identity"
		}
		if m.Tolerance == 0 {
			m.Tolerance = 0.01
		}
		if m.Attempts == 0 {
			m.Attempts = 3
		}
		if m.Settle == 0 {
			m.Settle = 30 * time.Second
		}
		if m.PollInterval == 0 {
			m.PollInterval = 100 * time.Millisecond
		}
		for i := range m.Axis {
			if m.Axis[i].Baud == 0 {
				m.Axis[i].Baud = 9600
			}
			if m.Axis[i].UnitsPerRev == 0 {
				m.Axis[i].UnitsPerRev = 0.254
			}
		}
	}
}

// AxisNames returns the scan axes in grid order.
func (c *Config) AxisNames() []string {
	if c.Motion == nil {
		return nil
	}
	names := make([]string, len(c.Motion.Grid))
	for i, g := range c.Motion.Grid {
		names[i] = g.Name
	}
	return names
}

// Grid returns the scan described by the motion section.
func (c *Config) Grid() motion.Grid {
	var g motion.Grid
	if c.Motion != nil {
		g = c.Motion.grid()
	}
	g.Duplicates, g.Repeats = c.Run.ShotsPerPosition, c.Run.Repeats
	return g
}

func (m *MotionConfig) grid() motion.Grid {
	g := motion.Grid{Lockstep: strings.EqualFold(m.Sweep, SweepLockstep)}
	for _, a := range m.Grid {
		g.Axes = append(g.Axes, motion.AxisRange{Name: a.Name, Min: a.Min, Max: a.Max, N: a.N})
	}
	return g
}

// Plan returns the planned position of every shot. Without a motion
// section every shot is taken at the same, axis-less, position.
func (c *Config) Plan() ([]motion.Position, error) {
	if c.Motion == nil || len(c.Motion.Grid) == 0 {
		n := max(c.Run.ShotsPerPosition, 1) * max(c.Run.Repeats, 1)
		plan := make([]motion.Position, n)
		for i := range plan {
			plan[i] = motion.Position{Shot: i + 1, Point: motion.Point{}}
		}
		return plan, nil
	}
	return c.Grid().Positions()
}

// Kin returns the probe to motor transform.
func (m *MotionConfig) Kin() motion.Kinematics {
	if strings.EqualFold(m.Kinematics, "pivot") {
		p := motion.DefaultPivot
		if m.Pivot != nil {
			p = motion.Pivot{ProbeIn: m.Pivot.ProbeIn, Outside: m.Pivot.Outside, Height: m.Pivot.Height}
		}
		return p
	}
	return motion.Identity{}
}

// CoordinatorConfig converts the section for motion.NewCoordinator.
func (m *MotionConfig) CoordinatorConfig() (motion.Config, error) {
	cfg := motion.Config{
		Tolerance:    m.Tolerance,
		Attempts:     m.Attempts,
		Settle:       m.Settle,
		PollInterval: m.PollInterval,
	}
	for _, g := range m.Grid {
		cfg.Axes = append(cfg.Axes, g.Name)
	}
	var err error
	if cfg.ProbeBounds, err = predicates(m.ProbeBoundary); err != nil {
		return cfg, err
	}
	if cfg.MotorBounds, err = predicates(m.MotorBoundary); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func predicates(bc []BoundaryConfig) ([]motion.Predicate, error) {
	out := make([]motion.Predicate, 0, len(bc))
	for i, b := range bc {
		kind, err := motion.ParseKind(b.Kind)
		if err != nil {
			return nil, fmt.Errorf("boundary %d: %w", i, err)
		}
		name := b.Name
		if name == "" {
			name = fmt.Sprintf("%s %d", kind, i)
		}
		out = append(out, motion.Predicate{Name: name, Kind: kind, Min: b.Min, Max: b.Max})
	}
	return out, nil
}
