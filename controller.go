// Copyright (c) 2020–2024 The daqrig developers. All rights reserved.
// Project site: https://github.com/bapsf/daqrig
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

// Package daqrig holds the message-based instrument controller shared by the
// digitizer and motor drive transports. The acquisition engine itself lives
// under lib/.
package daqrig

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Instrument is a message-based instrument that accepts ASCII commands and
// answers queries. It is satisfied by *Controller and by wrappers such as
// the command trace in lib/cmdlog.
type Instrument interface {
	Command(format string, a ...any) error
	Query(cmd string) (string, error)
	QueryBlock(cmd string) ([]byte, error)
}

// Controller sends commands to a single instrument over a byte stream and
// reads back its responses.
type Controller struct {
	rw         io.ReadWriter
	br         *bufio.Reader
	term       byte // appended to every command
	eot        byte // ends every response
	writeDelay time.Duration
	lastWrite  time.Time
	logger     zerolog.Logger
}

// ControllerOption applies an option to the controller.
type ControllerOption func(*Controller)

// NewController creates a controller talking over rw, which can be a serial
// port, a TCP socket, or a VICP connection. Responses are read through a
// buffer owned by the controller, so rw should not be read by anyone else
// afterwards.
func NewController(rw io.ReadWriter, opts ...ControllerOption) *Controller {
	c := Controller{
		rw:     rw,
		term:   '\n',
		eot:    '\n',
		logger: zerolog.Nop(),
	}

	// Apply options using the functional option pattern.
	for _, opt := range opts {
		opt(&c)
	}
	c.br = bufio.NewReaderSize(rw, 64*1024)
	return &c
}

// WithLogger sets the logger. Raw traffic is logged at trace level.
func WithLogger(l zerolog.Logger) ControllerOption {
	return func(c *Controller) { c.logger = l }
}

// WithTerminator sets the character appended to commands and the character
// expected at the end of responses. Stepper drives use '\r'.
func WithTerminator(cmd, resp byte) ControllerOption {
	return func(c *Controller) {
		c.term = cmd
		c.eot = resp
	}
}

// WithWriteDelay enforces a minimum spacing between consecutive writes, for
// instruments that drop commands sent back to back.
func WithWriteDelay(d time.Duration) ControllerOption {
	return func(c *Controller) { c.writeDelay = d }
}

// Write writes the given data to the instrument unmodified.
func (c *Controller) Write(p []byte) (n int, err error) {
	c.pace()
	return c.rw.Write(p)
}

// Read reads buffered response data from the instrument.
func (c *Controller) Read(p []byte) (n int, err error) {
	return c.br.Read(p)
}

func (c *Controller) pace() {
	if c.writeDelay > 0 {
		if wait := c.writeDelay - time.Since(c.lastWrite); wait > 0 {
			time.Sleep(wait)
		}
		c.lastWrite = time.Now()
	}
}

func (c *Controller) send(cmd string) error {
	cmd = fmt.Sprintf("%s%c", strings.TrimSpace(cmd), c.term)
	c.logger.Trace().Str("cmd", strings.TrimSpace(cmd)).Msg("send")
	_, err := c.Write([]byte(cmd))
	return err
}

// Command formats according to a format specifier if provided and sends an
// ASCII command to the instrument. All leading and trailing whitespace is
// removed before the terminator is appended.
func (c *Controller) Command(format string, a ...any) error {
	cmd := format
	if a != nil {
		cmd = fmt.Sprintf(format, a...)
	}
	return c.send(cmd)
}

// Query sends cmd and returns the response with the terminator and any
// trailing whitespace removed. It satisfies query.Querier.
func (c *Controller) Query(cmd string) (string, error) {
	if err := c.send(cmd); err != nil {
		return "", fmt.Errorf("error writing command: %w", err)
	}
	s, err := c.br.ReadString(c.eot)
	if err == io.EOF && len(s) > 0 {
		err = nil
	}
	c.logger.Trace().Str("query", cmd).Str("resp", s).Msg("read")
	if err != nil {
		return "", fmt.Errorf("error reading response to %q: %w", cmd, err)
	}
	return strings.TrimRightFunc(s, func(r rune) bool { return r == rune(c.eot) || r == '\r' || r == ' ' }), nil
}

// QueryBlock sends cmd and reads an IEEE 488.2 definite length block
// response. Anything before the '#' (such as a response tag like "ALL,") is
// kept, so the returned slice starts with the response as sent and ends with
// the last data byte. The terminator following the block is consumed, waiting
// for it if it has not arrived yet.
func (c *Controller) QueryBlock(cmd string) ([]byte, error) {
	if err := c.send(cmd); err != nil {
		return nil, fmt.Errorf("error writing command: %w", err)
	}
	head, err := c.br.ReadBytes('#')
	if err != nil {
		return nil, fmt.Errorf("reading block header: %w", err)
	}
	nd, err := c.br.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("reading block header: %w", err)
	}
	if nd < '1' || nd > '9' {
		return nil, fmt.Errorf("indefinite or invalid block length digit %q", nd)
	}
	digits := make([]byte, nd-'0')
	if _, err := io.ReadFull(c.br, digits); err != nil {
		return nil, fmt.Errorf("reading block length: %w", err)
	}
	n, err := strconv.Atoi(string(digits))
	if err != nil {
		return nil, fmt.Errorf("block length %q: %w", digits, err)
	}

	out := make([]byte, 0, len(head)+1+len(digits)+n)
	out = append(out, head...)
	out = append(out, nd)
	out = append(out, digits...)
	out = out[:len(out)+n]
	if _, err := io.ReadFull(c.br, out[len(out)-n:]); err != nil {
		return nil, fmt.Errorf("reading %d byte block: %w", n, err)
	}
	// Large blocks bypass the buffer, so the terminator may still be on
	// the wire.
	if b, err := c.br.Peek(1); err == nil && b[0] == c.eot {
		c.br.Discard(1)
	}
	c.logger.Trace().Str("query", cmd).Int("bytes", len(out)).Msg("read block")
	return out, nil
}
