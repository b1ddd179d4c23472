// Copyright (c) 2020–2024 The daqrig developers. All rights reserved.
// Project site: https://github.com/bapsf/daqrig
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

// Package lecroy talks to LeCroy oscilloscopes using their remote command
// set. It implements scope.Transport.
package lecroy

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/bapsf/daqrig"
	"github.com/gotmc/query"
	"github.com/rs/zerolog"
)

// Channels that can be probed for display state.
var Channels = []string{"C1", "C2", "C3", "C4"}

// Instrument is the command channel needed by Scope. Both
// *daqrig.Controller and *cmdlog.Trace satisfy it.
type Instrument interface {
	daqrig.Instrument
	query.Querier
}

// Scope is a LeCroy oscilloscope.
type Scope struct {
	inst   Instrument
	closer io.Closer
	logger zerolog.Logger
}

// New prepares the oscilloscope for binary transfers: headers off, 16 bit
// words, and a cleared command status register. closer is closed by Close
// and may be nil.
func New(inst Instrument, closer io.Closer, logger zerolog.Logger) (*Scope, error) {
	s := &Scope{inst: inst, closer: closer, logger: logger}
	for _, cmd := range []string{
		"COMM_HEADER OFF",
		"COMM_FORMAT DEF9,WORD,BIN",
	} {
		if err := inst.Command(cmd); err != nil {
			return nil, fmt.Errorf("lecroy init %q: %w", cmd, err)
		}
	}
	// reading CMR clears it, so stale errors do not show up later
	cmr, err := query.Int(inst, "CMR?")
	if err != nil {
		return nil, fmt.Errorf("lecroy init: %w", err)
	}
	if cmr != 0 {
		logger.Debug().Int("cmr", cmr).Msg("cleared command status register")
	}
	return s, nil
}

func (s *Scope) SetTriggerMode(ctx context.Context, mode string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	prev, err := query.String(s.inst, "TRIG_MODE?")
	if err != nil {
		return "", err
	}
	prev = strings.TrimSpace(prev)
	if mode == "" {
		return prev, nil
	}
	switch mode = strings.ToUpper(mode); mode {
	case "AUTO", "NORM", "SINGLE", "STOP":
	default:
		return prev, fmt.Errorf("unknown trigger mode %q", mode)
	}
	return prev, s.inst.Command("TRIG_MODE %s", mode)
}

func (s *Scope) DisplayedChannels(ctx context.Context) ([]string, error) {
	var on []string
	for _, ch := range Channels {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r, err := query.String(s.inst, ch+":TRACE?")
		if err != nil {
			return nil, fmt.Errorf("%s:TRACE?: %w", ch, err)
		}
		if strings.HasPrefix(strings.TrimSpace(r), "ON") {
			on = append(on, ch)
		}
	}
	return on, nil
}

func (s *Scope) ReadRaw(ctx context.Context, channel string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// all points, all segments
	if err := s.inst.Command("WAVEFORM_SETUP SP,0,NP,0,FP,1,SN,0"); err != nil {
		return nil, err
	}
	return s.inst.QueryBlock(channel + ":WAVEFORM? ALL")
}

func (s *Scope) Identity(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return query.String(s.inst, "*IDN?")
}

// Message shows msg on the oscilloscope status line.
func (s *Scope) Message(msg string) error {
	if len(msg) > 49 {
		msg = msg[:46] + "..."
	}
	return s.inst.Command("MESSAGE %q", msg)
}

func (s *Scope) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
