// Copyright (c) 2020–2024 The daqrig developers. All rights reserved.
// Project site: https://github.com/bapsf/daqrig
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

// Package motion moves a probe between planned positions. Targets are
// checked against boundary predicates in the probe frame and, after the
// kinematic transform, in the motor frame before any drive is commanded.
package motion

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

var (
	// ErrBoundaryViolation means a target was rejected before any motion.
	ErrBoundaryViolation = errors.New("boundary violation")
	// ErrMotionFailure means the drives did not reach the target.
	ErrMotionFailure = errors.New("motion failure")
)

// Actuator is one motor axis, in motor-frame units.
type Actuator interface {
	Enable(ctx context.Context) error
	Disable(ctx context.Context) error
	SetTarget(ctx context.Context, v float64) error
	Position(ctx context.Context) (float64, error)
}

// Stopper is an actuator that can abandon a move in progress.
type Stopper interface {
	Stop() error
}

// AlarmClearer is an actuator that latches faults, such as a stall, which
// must be cleared before it moves again.
type AlarmClearer interface {
	Alarm() (string, error)
	ClearAlarm() error
}

// Config holds the tuning of a Coordinator. Zero values get defaults.
type Config struct {
	Axes         []string
	Tolerance    float64       // motor units; default 0.01
	Attempts     int           // default 3
	Settle       time.Duration // per attempt; default 30s
	PollInterval time.Duration // default 100ms
	ProbeBounds  []Predicate
	MotorBounds  []Predicate
}

func (c *Config) applyDefaults() {
	if c.Tolerance <= 0 {
		c.Tolerance = 0.01
	}
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.Settle <= 0 {
		c.Settle = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
}

// Coordinator moves all axes together.
type Coordinator struct {
	cfg    Config
	kin    Kinematics
	axes   []Actuator
	logger zerolog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the coordinator logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// NewCoordinator pairs cfg.Axes with axes by index. A nil kin means the
// motor frame is the probe frame.
func NewCoordinator(cfg Config, kin Kinematics, axes []Actuator, opts ...Option) (*Coordinator, error) {
	if len(axes) == 0 {
		return nil, errors.New("no axes")
	}
	if len(cfg.Axes) != len(axes) {
		return nil, fmt.Errorf("%d axis names for %d actuators", len(cfg.Axes), len(axes))
	}
	if kin == nil {
		kin = Identity{}
	}
	cfg.applyDefaults()
	c := &Coordinator{cfg: cfg, kin: kin, axes: axes, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Axes returns the axis names.
func (c *Coordinator) Axes() []string { return c.cfg.Axes }

// Check validates target against the probe-frame predicates, then the
// motor-frame predicates. It returns the motor coordinates of an allowed
// target.
func (c *Coordinator) Check(target Point) (Point, error) {
	if len(target) != len(c.axes) {
		return nil, fmt.Errorf("target %v has %d coordinates, want %d", target, len(target), len(c.axes))
	}
	for _, v := range target {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: target %v is not finite", ErrBoundaryViolation, target)
		}
	}
	if p := Denied(c.cfg.ProbeBounds, target); p != nil {
		return nil, fmt.Errorf("%w: probe position %v denied by %s", ErrBoundaryViolation, target, p)
	}
	motor, err := c.kin.ToMotor(target)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBoundaryViolation, err)
	}
	if p := Denied(c.cfg.MotorBounds, motor); p != nil {
		return nil, fmt.Errorf("%w: motor position %v denied by %s", ErrBoundaryViolation, motor, p)
	}
	return motor, nil
}

// Enable energizes every axis.
func (c *Coordinator) Enable(ctx context.Context) error {
	for i, a := range c.axes {
		if err := a.Enable(ctx); err != nil {
			return fmt.Errorf("enable %s: %w", c.cfg.Axes[i], err)
		}
	}
	return nil
}

// MoveTo moves to target and returns the probe position actually reached.
// A target denied by a predicate fails with ErrBoundaryViolation before any
// drive is commanded. Every axis is commanded before any readback is taken.
// A move that does not settle within tolerance is reissued, up to
// Config.Attempts times, then fails with ErrMotionFailure.
func (c *Coordinator) MoveTo(ctx context.Context, target Point) (Point, error) {
	motor, err := c.Check(target)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if attempt > 1 {
			c.clearAlarms()
		}
		if err := c.command(ctx, motor); err != nil {
			lastErr = err
			c.logger.Warn().Err(err).Int("attempt", attempt).Msg("move command failed")
			continue
		}
		reached, err := c.settle(ctx, motor)
		if ctx.Err() != nil {
			c.halt()
			return nil, ctx.Err()
		}
		if err == nil {
			probe, err := c.kin.ToProbe(reached)
			if err != nil {
				return nil, fmt.Errorf("%w: readback %v: %v", ErrMotionFailure, reached, err)
			}
			if attempt > 1 {
				c.logger.Info().Int("attempt", attempt).Msg("move succeeded on retry")
			}
			return probe, nil
		}
		lastErr = err
		c.logger.Warn().Err(err).Int("attempt", attempt).Interface("target", target).Msg("move did not settle")
	}
	c.halt()
	return nil, fmt.Errorf("%w: %v not reached after %d attempts: %v", ErrMotionFailure, target, c.cfg.Attempts, lastErr)
}

func (c *Coordinator) command(ctx context.Context, motor Point) error {
	for i, a := range c.axes {
		if err := a.SetTarget(ctx, motor[i]); err != nil {
			return fmt.Errorf("%s: %w", c.cfg.Axes[i], err)
		}
	}
	return nil
}

// settle polls the readbacks until every axis is within tolerance of its
// target or the settle time runs out. It returns the last readback.
func (c *Coordinator) settle(ctx context.Context, motor Point) (Point, error) {
	deadline := time.Now().Add(c.cfg.Settle)
	got := make(Point, len(c.axes))
	for {
		var err error
		for i, a := range c.axes {
			got[i], err = a.Position(ctx)
			if err != nil {
				return nil, fmt.Errorf("%s readback: %w", c.cfg.Axes[i], err)
			}
		}
		if got.Equal(motor, c.cfg.Tolerance) {
			return got, nil
		}
		if !time.Now().Before(deadline) {
			return got, fmt.Errorf("readback %v, want %v within %g", got, motor, c.cfg.Tolerance)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(min(c.cfg.PollInterval, time.Until(deadline))):
		}
	}
}

// halt stops every axis that supports it.
func (c *Coordinator) halt() error {
	var err error
	for i, a := range c.axes {
		if s, ok := a.(Stopper); ok {
			if e := s.Stop(); e != nil {
				c.logger.Error().Err(e).Str("axis", c.cfg.Axes[i]).Msg("stop")
				err = multierr.Append(err, fmt.Errorf("stop %s: %w", c.cfg.Axes[i], e))
			}
		}
	}
	return err
}

// clearAlarms clears latched faults so a retry is not refused.
func (c *Coordinator) clearAlarms() {
	for i, a := range c.axes {
		ac, ok := a.(AlarmClearer)
		if !ok {
			continue
		}
		code, err := ac.Alarm()
		if err != nil || code == "" {
			continue
		}
		c.logger.Warn().Str("axis", c.cfg.Axes[i]).Str("alarm", code).Msg("clearing alarm")
		if err := ac.ClearAlarm(); err != nil {
			c.logger.Error().Err(err).Str("axis", c.cfg.Axes[i]).Msg("clear alarm")
		}
	}
}

// Position reads back every axis and returns the probe position.
func (c *Coordinator) Position(ctx context.Context) (Point, error) {
	got := make(Point, len(c.axes))
	for i, a := range c.axes {
		v, err := a.Position(ctx)
		if err != nil {
			return nil, fmt.Errorf("%s readback: %w", c.cfg.Axes[i], err)
		}
		got[i] = v
	}
	return c.kin.ToProbe(got)
}

// Close stops and then disables every axis, attempting all of them even if
// some fail.
func (c *Coordinator) Close(ctx context.Context) error {
	err := c.halt()
	for i, a := range c.axes {
		if e := a.Disable(ctx); e != nil {
			err = multierr.Append(err, fmt.Errorf("disable %s: %w", c.cfg.Axes[i], e))
		}
	}
	return err
}
