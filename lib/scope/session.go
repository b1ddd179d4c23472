// Copyright (c) 2020–2024 The daqrig developers. All rights reserved.
// Project site: https://github.com/bapsf/daqrig
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

// Package scope drives one digitizer through a single-shot capture:
// arm, wait for the trigger, read the channels.
package scope

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bapsf/daqrig/lib/wavedesc"
	"github.com/rs/zerolog"
)

var (
	// ErrAcquisitionTimeout means the digitizer did not trigger in time.
	ErrAcquisitionTimeout = errors.New("acquisition timeout")
	// ErrInvalidState is returned when an operation is called out of order.
	ErrInvalidState = errors.New("invalid session state")
)

// Trigger modes understood by Transport.SetTriggerMode.
const (
	ModeSingle = "SINGLE"
	ModeNormal = "NORM"
	ModeAuto   = "AUTO"
	ModeStop   = "STOP"
)

// Transport is the command channel to one digitizer.
type Transport interface {
	// SetTriggerMode switches to mode and returns the mode in effect
	// before the call. An empty mode only queries.
	SetTriggerMode(ctx context.Context, mode string) (string, error)
	DisplayedChannels(ctx context.Context) ([]string, error)
	// ReadRaw returns the complete waveform record of a channel.
	ReadRaw(ctx context.Context, channel string) ([]byte, error)
	Identity(ctx context.Context) (string, error)
	Close() error
}

// State of a session.
type State int

const (
	Idle State = iota
	Armed
	Triggered
	Readable
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	case Triggered:
		return "triggered"
	case Readable:
		return "readable"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Session owns one digitizer transport for the duration of a run.
type Session struct {
	name      string
	t         Transport
	logger    zerolog.Logger
	state     State
	identity  string
	segments  int // fixed by the first decoded record
	header    *wavedesc.Header
	timeBase  []float64
	closed    bool
	lastReady time.Duration
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithSegments fixes the expected sequence-mode segment count up front
// instead of taking it from the first record.
func WithSegments(n int) Option {
	return func(s *Session) { s.segments = n }
}

// New creates a session named name over t.
func New(name string, t Transport, opts ...Option) *Session {
	s := &Session{name: name, t: t, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("scope", name).Logger()
	return s
}

func (s *Session) Name() string { return s.name }

func (s *Session) State() State { return s.state }

// Segments is the sequence-mode segment count, or 0 before the first read.
func (s *Session) Segments() int { return s.segments }

// Header returns the first decoded header, or nil.
func (s *Session) Header() *wavedesc.Header { return s.header }

// TimeBase returns the sample times taken from the first decoded record.
func (s *Session) TimeBase() []float64 { return s.timeBase }

// Identify queries and caches the instrument identity.
func (s *Session) Identify(ctx context.Context) (string, error) {
	if s.identity != "" {
		return s.identity, nil
	}
	id, err := s.t.Identity(ctx)
	if err != nil {
		return "", fmt.Errorf("identify %s: %w", s.name, err)
	}
	s.identity = strings.TrimSpace(id)
	return s.identity, nil
}

// Arm puts the digitizer in single-shot trigger mode.
func (s *Session) Arm(ctx context.Context) error {
	if s.state != Idle {
		return fmt.Errorf("arm %s: %w: %s", s.name, ErrInvalidState, s.state)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.t.SetTriggerMode(ctx, ModeSingle); err != nil {
		return fmt.Errorf("arm %s: %w", s.name, err)
	}
	s.state = Armed
	return nil
}

// PollReady waits until the digitizer reports STOP, meaning a capture has
// completed. It polls every interval until timeout. On timeout the
// digitizer is stopped and ErrAcquisitionTimeout returned; on cancellation
// it is stopped and the context error returned. Either way the session is
// back in Idle.
func (s *Session) PollReady(ctx context.Context, timeout, interval time.Duration) error {
	if s.state != Armed {
		return fmt.Errorf("poll %s: %w: %s", s.name, ErrInvalidState, s.state)
	}
	start := time.Now()
	deadline := start.Add(timeout)
	for {
		if err := ctx.Err(); err != nil {
			s.disarm(ctx)
			return err
		}
		mode, err := s.t.SetTriggerMode(ctx, "")
		if err != nil {
			s.disarm(ctx)
			return fmt.Errorf("poll %s: %w", s.name, err)
		}
		if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(mode)), ModeStop) {
			s.state = Triggered
			s.lastReady = time.Since(start)
			s.state = Readable
			return nil
		}
		if !time.Now().Before(deadline) {
			s.disarm(ctx)
			return fmt.Errorf("poll %s after %s: %w", s.name, timeout, ErrAcquisitionTimeout)
		}
		wait := min(interval, time.Until(deadline))
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}
}

// LastReady is how long the last successful PollReady waited.
func (s *Session) LastReady() time.Duration { return s.lastReady }

// Disarm stops the digitizer and returns the session to Idle.
func (s *Session) Disarm(ctx context.Context) error {
	if s.state == Idle {
		return nil
	}
	return s.disarm(ctx)
}

func (s *Session) disarm(ctx context.Context) error {
	s.state = Idle
	_, err := s.t.SetTriggerMode(context.WithoutCancel(ctx), ModeStop)
	if err != nil {
		s.logger.Warn().Err(err).Msg("stop trigger")
	}
	return err
}

// Result holds the channels read after one capture.
type Result struct {
	Traces []*wavedesc.Trace
	// Failed maps channels that could not be read or decoded to the reason.
	Failed map[string]error
}

// Complete reports whether every requested channel was read.
func (r *Result) Complete() bool { return len(r.Failed) == 0 && len(r.Traces) > 0 }

// Read reads channels, or the displayed channels if none are given. A
// channel that fails is logged and left out of the result; the others are
// still returned. The session returns to Idle.
func (s *Session) Read(ctx context.Context, channels []string) (*Result, error) {
	if s.state != Readable {
		return nil, fmt.Errorf("read %s: %w: %s", s.name, ErrInvalidState, s.state)
	}
	defer func() { s.state = Idle }()

	if len(channels) == 0 {
		var err error
		channels, err = s.t.DisplayedChannels(ctx)
		if err != nil {
			return nil, fmt.Errorf("read %s: displayed channels: %w", s.name, err)
		}
	}

	res := &Result{Failed: map[string]error{}}
	for _, ch := range channels {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw, err := s.t.ReadRaw(ctx, ch)
		if err != nil {
			s.logger.Warn().Err(err).Str("channel", ch).Msg("read failed")
			res.Failed[ch] = err
			continue
		}
		tr, err := wavedesc.Decode(raw, s.segments)
		if err != nil {
			s.logger.Warn().Err(err).Str("channel", ch).Int("bytes", len(raw)).Msg("decode failed")
			res.Failed[ch] = err
			continue
		}
		tr.Channel = ch
		if s.header == nil {
			s.header = tr.Header
			s.segments = tr.Header.Segments()
			s.timeBase = tr.Header.TimeBase()
			s.logger.Debug().Int("segments", s.segments).Int("samples", tr.Header.Samples()).Msg("first record")
		}
		res.Traces = append(res.Traces, tr)
	}
	return res, nil
}

// Close releases the transport. It is safe to call more than once.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.t.Close()
}
