// Copyright (c) 2020–2024 The daqrig developers. All rights reserved.
// Project site: https://github.com/bapsf/daqrig
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

// Package cmdlog traces the commands sent to an instrument and what came
// back, colouring commands so a long debug log stays readable.
package cmdlog

import (
	"fmt"
	"strings"

	"github.com/bapsf/daqrig"
	"github.com/charmbracelet/lipgloss"
	"github.com/rs/zerolog"
)

func isAscii(s string) bool {
	return !strings.ContainsFunc(s, func(r rune) bool {
		switch {
		case r < 7:
			return true
		case r > 6 && r < 14:
			return false
		case r > 13 && r < 32:
			return true
		case r > 127:
			return true
		}
		return false
	})
}

var (
	CmdStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	R1Style  = lipgloss.NewStyle().Foreground(lipgloss.Color("35"))
	R2Style  = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
)

// Trace wraps an instrument and logs every exchange at debug level.
type Trace struct {
	inst   daqrig.Instrument
	logger zerolog.Logger
}

var _ daqrig.Instrument = (*Trace)(nil)

// New returns a tracing wrapper around inst.
func New(inst daqrig.Instrument, logger zerolog.Logger) *Trace {
	return &Trace{inst: inst, logger: logger}
}

func (t *Trace) Command(format string, a ...any) error {
	err := t.inst.Command(format, a...)
	c := format
	if a != nil {
		c = strings.TrimSpace(fmt.Sprintf(format, a...))
	}
	if err != nil {
		t.logger.Debug().Err(err).Msgf("%s()", CmdStyle.Render(c))
	} else {
		t.logger.Debug().Msgf("%s()", CmdStyle.Render(c))
	}
	return err
}

func (t *Trace) Query(q string) (string, error) {
	a, err := t.inst.Query(q)
	if err != nil {
		t.logger.Debug().Err(err).Msgf("query %s", CmdStyle.Render(q))
		return a, err
	}
	if e := t.logger.Debug(); e.Enabled() {
		e.Msg(describe(CmdStyle.Render(q), a))
	}
	return a, nil
}

func (t *Trace) QueryBlock(q string) ([]byte, error) {
	b, err := t.inst.QueryBlock(q)
	if err != nil {
		t.logger.Debug().Err(err).Msgf("query %s", CmdStyle.Render(q))
		return b, err
	}
	t.logger.Debug().Msgf("%s: %s", CmdStyle.Render(q), R2Style.Render(blockSummary(b)))
	return b, nil
}

// describe renders a response the way it is most readable: quoted if it is
// text, quoted and in hex if short, hex only otherwise.
func describe(q, a string) string {
	if len(a) == 0 {
		return q + ": " + R1Style.Render("<no response>")
	}
	switch {
	case isAscii(a):
		return fmt.Sprintf("%s: [%d] %q", q, len(a), a)
	case len(a) < 32:
		return fmt.Sprintf("%s: [%d] %q (% 2x)", q, len(a), a, []byte(a))
	default:
		return fmt.Sprintf("%s: [%d] % 2x", q, len(a), []byte(a[:32])) + "..."
	}
}

func blockSummary(b []byte) string {
	if len(b) > 16 {
		return fmt.Sprintf("[%d] %q...", len(b), b[:16])
	}
	return fmt.Sprintf("[%d] %q", len(b), b)
}
