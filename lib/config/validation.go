// Copyright (c) 2020–2024 The daqrig developers. All rights reserved.
// Project site: https://github.com/bapsf/daqrig
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package config

import (
	"fmt"
	"math"
	"strings"

	"github.com/bapsf/daqrig/lib/motion"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

func (e *ValidationErrors) add(field, format string, a ...any) {
	*e = append(*e, ValidationError{Field: field, Message: fmt.Sprintf(format, a...)})
}

// Validate checks the whole configuration and reports every problem
// found, as ValidationErrors.
func (c *Config) Validate() error {
	var errs ValidationErrors
	c.validateRun(&errs)
	c.validateScopes(&errs)
	if c.Motion != nil {
		c.Motion.validate(&errs)
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

func (c *Config) validateRun(errs *ValidationErrors) {
	r := c.Run
	if strings.TrimSpace(r.Destination) == "" {
		errs.add("run.destination", "is required")
	}
	if r.Compression < 1 || r.Compression > 9 {
		errs.add("run.compression", "must be between 1 and 9, got %d", r.Compression)
	}
	if r.ChunkSamples < 0 {
		errs.add("run.chunk_samples", "must not be negative")
	}
	if r.ShotsPerPosition < 1 {
		errs.add("run.shots_per_position", "must be at least 1")
	}
	if r.Repeats < 1 {
		errs.add("run.repeats", "must be at least 1")
	}
}

func (c *Config) validateScopes(errs *ValidationErrors) {
	if len(c.Scopes) == 0 {
		errs.add("scope", "at least one digitizer is required")
	}
	seen := map[string]bool{}
	for i, s := range c.Scopes {
		f := fmt.Sprintf("scope[%d]", i)
		switch {
		case s.Name == "":
			errs.add(f+".name", "is required")
		case seen[s.Name]:
			errs.add(f+".name", "duplicate name %q", s.Name)
		case strings.Contains(s.Name, ","):
			errs.add(f+".name", "must not contain a comma")
		}
		seen[s.Name] = true
		if s.Address == "" {
			errs.add(f+".address", "is required")
		}
		chans := map[string]bool{}
		for _, ch := range s.Channels {
			if ch == "" || strings.Contains(ch, ",") {
				errs.add(f+".channels", "invalid channel %q", ch)
			} else if chans[ch] {
				errs.add(f+".channels", "duplicate channel %q", ch)
			}
			chans[ch] = true
		}
		if s.PollTimeout <= 0 {
			errs.add(f+".poll_timeout", "must be positive")
		}
		if s.PollInterval <= 0 || s.PollInterval > s.PollTimeout {
			errs.add(f+".poll_interval", "must be positive and no longer than poll_timeout")
		}
		if math.IsNaN(s.ExternalDelay) || math.IsInf(s.ExternalDelay, 0) {
			errs.add(f+".external_delay", "must be finite")
		}
		if s.Segments < 0 {
			errs.add(f+".segments", "must not be negative")
		}
		for ch := range s.ChannelDescriptions {
			switch {
			case ch == "":
				errs.add(f+".channel_descriptions", "empty channel name")
			case len(s.Channels) > 0 && !chans[ch]:
				errs.add(f+".channel_descriptions", "channel %q is not acquired", ch)
			}
		}
	}
}

func (m *MotionConfig) validate(errs *ValidationErrors) {
	n := len(m.Grid)
	lockstep := false
	switch strings.ToLower(m.Sweep) {
	case SweepGrid:
		if n < 1 || n > 3 {
			errs.add("motion.grid", "needs 1 to 3 axes, got %d", n)
		}
	case SweepLockstep:
		lockstep = true
		if n < 1 || n > maxLockstepAxes {
			errs.add("motion.grid", "needs 1 to %d axes, got %d", maxLockstepAxes, n)
		}
	default:
		errs.add("motion.sweep", "unknown sweep %q", m.Sweep)
	}
	names := map[string]bool{}
	for i, g := range m.Grid {
		f := fmt.Sprintf("motion.grid[%d]", i)
		if g.Name == "" || strings.Contains(g.Name, ",") {
			errs.add(f+".name", "invalid axis name %q", g.Name)
		} else if names[g.Name] {
			errs.add(f+".name", "duplicate axis %q", g.Name)
		}
		names[g.Name] = true
		if g.N < 1 {
			errs.add(f+".n", "must be at least 1")
		} else if lockstep && g.N != m.Grid[0].N {
			errs.add(f+".n", "lockstep axes need the same n, got %d and %d", g.N, m.Grid[0].N)
		}
		if !finite(g.Min) || !finite(g.Max) {
			errs.add(f, "min and max must be finite")
		}
	}

	switch strings.ToLower(m.Kinematics) {
	case "identity":
		if m.Pivot != nil {
			errs.add("motion.pivot", "only used with pivot kinematics")
		}
	case "pivot":
		if lockstep {
			errs.add("motion.kinematics", "pivot kinematics drive a single probe, not a lockstep sweep")
		}
		if n < 2 || n > 3 {
			errs.add("motion.kinematics", "pivot needs 2 or 3 axes")
		}
		if p := m.Pivot; p != nil && (p.ProbeIn <= 0 || p.Outside <= 0 || p.Height <= 0) {
			errs.add("motion.pivot", "probe_in, outside and height must be positive")
		}
	default:
		errs.add("motion.kinematics", "unknown kinematics %q", m.Kinematics)
	}

	if m.Tolerance <= 0 {
		errs.add("motion.tolerance", "must be positive")
	}
	if m.Attempts < 1 {
		errs.add("motion.attempts", "must be at least 1")
	}
	if m.Settle <= 0 || m.PollInterval <= 0 {
		errs.add("motion.settle", "settle and poll_interval must be positive")
	}

	validateBounds(errs, "motion.probe_boundary", m.ProbeBoundary, n)
	validateBounds(errs, "motion.motor_boundary", m.MotorBoundary, n)

	if len(m.Axis) > 0 && len(m.Axis) != n {
		errs.add("motion.axis", "%d drives for %d grid axes", len(m.Axis), n)
	}
	for i, a := range m.Axis {
		f := fmt.Sprintf("motion.axis[%d]", i)
		if i < n && a.Name != m.Grid[i].Name {
			errs.add(f+".name", "%q does not match grid axis %q", a.Name, m.Grid[i].Name)
		}
		if a.Port == "" {
			errs.add(f+".port", "is required")
		}
		if a.UnitsPerRev <= 0 {
			errs.add(f+".units_per_rev", "must be positive")
		}
		if a.StepsPerRev < 0 {
			errs.add(f+".steps_per_rev", "must not be negative")
		}
		if a.Baud <= 0 {
			errs.add(f+".baud", "must be positive")
		}
		if a.WriteDelay < 0 {
			errs.add(f+".write_delay", "must not be negative")
		}
	}

	// planned points must pass the probe frame predicates; the motor
	// frame is checked when the coordinator is built
	if len(*errs) == 0 {
		cfg, err := m.CoordinatorConfig()
		if err != nil {
			errs.add("motion", "%v", err)
			return
		}
		plan, err := m.grid().Positions()
		if err != nil {
			errs.add("motion.grid", "%v", err)
			return
		}
		for _, p := range plan {
			if d := motion.Denied(cfg.ProbeBounds, p.Point); d != nil {
				errs.add("motion.grid", "point %v is denied by %s", []float64(p.Point), d)
				return
			}
		}
	}
}

func validateBounds(errs *ValidationErrors, field string, bc []BoundaryConfig, axes int) {
	for i, b := range bc {
		f := fmt.Sprintf("%s[%d]", field, i)
		if _, err := motion.ParseKind(b.Kind); err != nil {
			errs.add(f+".kind", "%v", err)
		}
		if len(b.Min) > axes || len(b.Max) > axes {
			errs.add(f, "more bounds than axes")
		}
		for j := range min(len(b.Min), len(b.Max)) {
			if b.Min[j] > b.Max[j] {
				errs.add(f, "min %g exceeds max %g on axis %d", b.Min[j], b.Max[j], j)
			}
		}
	}
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
