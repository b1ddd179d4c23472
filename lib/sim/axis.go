// Copyright (c) 2020–2024 The daqrig developers. All rights reserved.
// Project site: https://github.com/bapsf/daqrig
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Axis simulates one motor axis. Positions are in motor-frame units.
type Axis struct {
	mu sync.Mutex

	Name string
	// Offset is added to every readback, to simulate a drive that stops
	// short. Set it to something beyond the coordinator tolerance to make
	// moves fail.
	Offset float64
	// Lag is how many readbacks return the previous position after a move.
	Lag int
	// FailAttempts limits Offset to the first n moves; 0 applies it to
	// all of them.
	FailAttempts int
	// Fault is a latched alarm code. While set, SetTarget fails.
	Fault string

	enabled bool
	target  float64
	pos     float64
	prev    float64
	lagLeft int
	moves   int
	Calls   []string
}

func NewAxis(name string) *Axis { return &Axis{Name: name} }

func (a *Axis) Enable(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enabled = true
	a.Calls = append(a.Calls, "enable")
	return nil
}

func (a *Axis) Disable(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enabled = false
	a.Calls = append(a.Calls, "disable")
	return nil
}

func (a *Axis) SetTarget(ctx context.Context, v float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.enabled {
		return errors.New("sim: axis " + a.Name + " disabled")
	}
	if a.Fault != "" {
		return errors.New("sim: axis " + a.Name + " alarm " + a.Fault)
	}
	a.Calls = append(a.Calls, fmt.Sprintf("target %g", v))
	a.moves++
	a.prev = a.pos
	a.target = v
	a.pos = v
	if a.FailAttempts == 0 || a.moves <= a.FailAttempts {
		a.pos += a.Offset
	}
	a.lagLeft = a.Lag
	return nil
}

func (a *Axis) Position(ctx context.Context) (float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Calls = append(a.Calls, "position")
	if a.lagLeft > 0 {
		a.lagLeft--
		return a.prev, nil
	}
	return a.pos, nil
}

// Moves is the number of SetTarget calls.
func (a *Axis) Moves() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.moves
}

func (a *Axis) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Calls = append(a.Calls, "stop")
	return nil
}

func (a *Axis) Alarm() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Fault, nil
}

func (a *Axis) ClearAlarm() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Calls = append(a.Calls, "clear alarm")
	a.Fault = ""
	return nil
}
