// Copyright (c) 2020–2024 The daqrig developers. All rights reserved.
// Project site: https://github.com/bapsf/daqrig
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

// Package scl drives Applied Motion stepper drives using the SCL command
// language, over RS-232 or over Ethernet (eSCL, UDP/TCP port 7776).
//
// Every command is answered: "%" when executed, "*" when buffered, "?n"
// on error, or "XX=value" for queries.
package scl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/bapsf/daqrig"
)

// Port is the eSCL TCP port.
const Port = 7776

// eSCL packets start with these two bytes.
var esclHeader = []byte{0x00, 0x07}

// ErrNack is returned when the drive rejects a command.
var ErrNack = errors.New("command rejected by drive")

// ESCL adapts a TCP stream to eSCL framing by prefixing each write with the
// packet header. Responses carry the same header, which Drive strips.
type ESCL struct {
	io.ReadWriter
}

func (e ESCL) Write(p []byte) (int, error) {
	if _, err := e.ReadWriter.Write(append(append([]byte(nil), esclHeader...), p...)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Drive is one motor axis. It implements motion.Actuator with positions in
// length units (cm by default).
type Drive struct {
	inst        daqrig.Instrument
	name        string
	unitsPerRev float64
	stepsPerRev int
}

// Option configures a Drive.
type Option func(*Drive)

// WithUnitsPerRev sets the travel per motor revolution. The LAPD drives
// move 0.254 cm per turn.
func WithUnitsPerRev(u float64) Option { return func(d *Drive) { d.unitsPerRev = u } }

// WithStepsPerRev skips asking the drive for its encoder resolution.
func WithStepsPerRev(n int) Option { return func(d *Drive) { d.stepsPerRev = n } }

// New configures a drive for decimal responses and reads its encoder
// resolution. inst must use '\r' as its terminator.
func New(inst daqrig.Instrument, name string, opts ...Option) (*Drive, error) {
	d := &Drive{inst: inst, name: name, unitsPerRev: 0.254}
	for _, opt := range opts {
		opt(d)
	}
	if _, err := d.exchange("IFD"); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if d.stepsPerRev == 0 {
		v, err := d.exchange("ER")
		if err != nil {
			return nil, fmt.Errorf("%s: encoder resolution: %w", name, err)
		}
		d.stepsPerRev, err = strconv.Atoi(v)
		if err != nil || d.stepsPerRev <= 0 {
			return nil, fmt.Errorf("%s: encoder resolution %q", name, v)
		}
	}
	return d, nil
}

func (d *Drive) Name() string { return d.name }

// exchange sends cmd and returns the value part of the answer, if any.
func (d *Drive) exchange(cmd string) (string, error) {
	resp, err := d.inst.Query(cmd)
	if err != nil {
		return "", fmt.Errorf("%s: %w", cmd, err)
	}
	resp = strings.TrimPrefix(resp, string(esclHeader))
	resp = strings.TrimSpace(resp)
	switch {
	case strings.HasPrefix(resp, "?"):
		return "", fmt.Errorf("%s: %w (code %s)", cmd, ErrNack, strings.TrimPrefix(resp, "?"))
	case resp == "%" || resp == "*":
		return "", nil
	}
	if _, v, ok := strings.Cut(resp, "="); ok {
		return v, nil
	}
	return resp, nil
}

func (d *Drive) toSteps(v float64) int {
	return int(math.Round(v / d.unitsPerRev * float64(d.stepsPerRev)))
}

func (d *Drive) fromSteps(s int) float64 {
	return float64(s) / float64(d.stepsPerRev) * d.unitsPerRev
}

func (d *Drive) Enable(ctx context.Context) error {
	_, err := d.exchange("ME")
	return err
}

func (d *Drive) Disable(ctx context.Context) error {
	_, err := d.exchange("MD")
	return err
}

// SetTarget starts an absolute move to v. It does not wait for the move to
// finish.
func (d *Drive) SetTarget(ctx context.Context, v float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := d.exchange(fmt.Sprintf("DI%d", d.toSteps(v))); err != nil {
		return err
	}
	_, err := d.exchange("FP")
	return err
}

// Position returns the encoder position.
func (d *Drive) Position(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	v, err := d.exchange("EP")
	if err != nil {
		return 0, err
	}
	steps, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: encoder position %q", d.name, v)
	}
	return d.fromSteps(steps), nil
}

// Status returns the drive status letters (RS), e.g. "RP" for ready and in
// position, or "A" when an alarm is present.
func (d *Drive) Status() (string, error) { return d.exchange("RS") }

// Alarm returns the alarm code, or "" when none is present.
func (d *Drive) Alarm() (string, error) {
	st, err := d.Status()
	if err != nil || !strings.Contains(st, "A") {
		return "", err
	}
	return d.exchange("AL")
}

// ClearAlarm clears a latched alarm.
func (d *Drive) ClearAlarm() error {
	_, err := d.exchange("AR")
	return err
}

// Stop halts motion immediately.
func (d *Drive) Stop() error {
	_, err := d.exchange("ST")
	return err
}

// SetZero declares the current position to be zero.
func (d *Drive) SetZero() error {
	if _, err := d.exchange("EP0"); err != nil {
		return err
	}
	_, err := d.exchange("SP0")
	return err
}
