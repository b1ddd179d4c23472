// Copyright (c) 2020–2024 The daqrig developers. All rights reserved.
// Project site: https://github.com/bapsf/daqrig
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

// Package sim provides simulated digitizers and motor axes. They back the
// simulate command and the package tests of the acquisition engine.
package sim

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/bapsf/daqrig/lib/wavedesc"
)

// Digitizer simulates a LeCroy oscilloscope. The zero value is not usable;
// create one with NewDigitizer.
type Digitizer struct {
	mu sync.Mutex

	ID       string
	Channels []string // displayed channels
	Samples  int      // per segment
	Segments int
	// PollsToTrigger is how many trigger mode queries report the armed
	// mode before STOP. Negative never triggers.
	PollsToTrigger int
	// Fail maps channels to the error returned when they are read.
	Fail map[string]error
	// Corrupt lists channels whose records are truncated.
	Corrupt []string

	mode    string
	polls   int
	shots   int
	closed  bool
	History []string
}

// NewDigitizer returns a digitizer with the given displayed channels,
// triggering on the first poll.
func NewDigitizer(id string, channels ...string) *Digitizer {
	return &Digitizer{
		ID:       id,
		Channels: channels,
		Samples:  1000,
		Segments: 1,
		Fail:     map[string]error{},
		mode:     "STOP",
	}
}

func (d *Digitizer) log(format string, a ...any) {
	d.History = append(d.History, fmt.Sprintf(format, a...))
}

func (d *Digitizer) SetTriggerMode(ctx context.Context, mode string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return "", errors.New("sim: digitizer closed")
	}
	prev := d.mode
	switch mode {
	case "":
		if d.mode == "SINGLE" {
			d.polls++
			if d.PollsToTrigger >= 0 && d.polls > d.PollsToTrigger {
				d.mode = "STOP"
				d.shots++
			}
		}
		return d.mode, nil
	case "SINGLE":
		d.polls = 0
	}
	d.log("TRIG_MODE %s", mode)
	d.mode = mode
	return prev, nil
}

func (d *Digitizer) DisplayedChannels(ctx context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.Channels), nil
}

func (d *Digitizer) ReadRaw(ctx context.Context, channel string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.log("READ %s", channel)
	if err := d.Fail[channel]; err != nil {
		return nil, err
	}
	if !slices.Contains(d.Channels, channel) {
		return nil, fmt.Errorf("sim: channel %s not displayed", channel)
	}

	h := wavedesc.Header{
		Order:          binary.LittleEndian,
		CommType:       wavedesc.Word,
		InstrumentName: d.ID,
		TraceLabel:     channel,
		SubarrayCount:  d.Segments,
		SweepsPerAcq:   1,
		VerticalGain:   1.0 / 4096,
		HorizInterval:  1e-8,
		HorizOffset:    -1e-6,
		VertUnit:       "V",
		HorUnit:        "S",
	}
	now := time.Now().UTC()
	h.TriggerYear, h.TriggerMonth, h.TriggerDay = now.Year(), int(now.Month()), now.Day()
	h.TriggerHour, h.TriggerMinute = now.Hour(), now.Minute()
	h.TriggerSecond = float64(now.Second()) + float64(now.Nanosecond())/1e9

	n := d.Samples * max(d.Segments, 1)
	counts := make([]int, n)
	phase := float64(d.shots) + float64(len(channel))
	for i := range counts {
		counts[i] = int(8000 * math.Sin(2*math.Pi*float64(i)/100+phase))
	}
	var trig []wavedesc.TriggerTime
	if d.Segments > 1 {
		for s := 0; s < d.Segments; s++ {
			trig = append(trig, wavedesc.TriggerTime{Time: float64(s) * 1e-3})
		}
	}
	rec := wavedesc.Encode(h, counts, trig)
	if slices.Contains(d.Corrupt, channel) {
		rec = rec[:len(rec)/2]
	}
	return rec, nil
}

func (d *Digitizer) Identity(ctx context.Context) (string, error) {
	if d.ID == "" {
		return "", errors.New("sim: no response to *IDN?")
	}
	return "LECROY," + d.ID + ",SIM,0.1", nil
}

func (d *Digitizer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// Closed reports whether Close was called.
func (d *Digitizer) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Mode returns the current trigger mode.
func (d *Digitizer) Mode() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}
