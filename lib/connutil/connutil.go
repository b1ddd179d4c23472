// Copyright (c) 2020–2024 The daqrig developers. All rights reserved.
// Project site: https://github.com/bapsf/daqrig
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

// Package connutil opens the connections described by a run configuration:
// VICP sessions to the digitizers and serial or Ethernet links to the motor
// drives. Every opener returns a cleanup function alongside its result.
package connutil

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.bug.st/serial"
	"go.uber.org/multierr"

	"github.com/bapsf/daqrig"
	"github.com/bapsf/daqrig/lib/cmdlog"
	"github.com/bapsf/daqrig/lib/config"
	"github.com/bapsf/daqrig/lib/find"
	"github.com/bapsf/daqrig/lib/lecroy"
	"github.com/bapsf/daqrig/lib/motion"
	"github.com/bapsf/daqrig/lib/scl"
	"github.com/bapsf/daqrig/lib/scope"
	"github.com/bapsf/daqrig/lib/vicp"
)

// ErrTimeout is returned by reads that see no data within the port's read
// timeout.
var ErrTimeout = errors.New("read timeout")

// ioTimeout bounds every read on an instrument link.
const ioTimeout = 10 * time.Second

func nocleanup() error { return nil }

// serialPort turns the (0, nil) that go.bug.st/serial returns on a read
// timeout into ErrTimeout.
type serialPort struct {
	serial.Port
}

func (p serialPort) Read(b []byte) (int, error) {
	n, err := p.Port.Read(b)
	if n == 0 && err == nil {
		return 0, ErrTimeout
	}
	return n, err
}

// OpenSerial opens a serial device at 8N1.
func OpenSerial(dev string, baud int, readTimeout time.Duration) (serial.Port, func() error, error) {
	port, err := serial.Open(dev, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, nocleanup, fmt.Errorf("open %s: %w", dev, err)
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		port.Close()
		return nil, nocleanup, fmt.Errorf("%s: set read timeout: %w", dev, err)
	}
	// discard anything left over from a previous session
	if err := port.ResetInputBuffer(); err != nil {
		port.Close()
		return nil, nocleanup, fmt.Errorf("%s: reset input: %w", dev, err)
	}
	cleanup := func() error {
		return multierr.Append(port.Drain(), port.Close())
	}
	return serialPort{port}, cleanup, nil
}

// deadlineConn sets a fresh read deadline before every read.
type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c deadlineConn) Read(b []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(b)
}

// Scope connects to the LeCroy digitizer described by sc and wraps it in a
// session. Closing the session closes the connection.
func Scope(sc config.ScopeConfig, logger zerolog.Logger) (*scope.Session, error) {
	logger = logger.With().Str("scope", sc.Name).Logger()
	nc, err := net.DialTimeout("tcp", vicpAddr(sc.Address), sc.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", sc.Name, err)
	}
	timeout := max(ioTimeout, sc.PollTimeout)
	ctrl := daqrig.NewController(vicp.New(deadlineConn{nc, timeout}), daqrig.WithLogger(logger))
	ls, err := lecroy.New(cmdlog.New(ctrl, logger), nc, logger)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("%s: %w", sc.Name, err)
	}
	logger.Info().Str("address", nc.RemoteAddr().String()).Msg("connected")
	opts := []scope.Option{scope.WithLogger(logger)}
	if sc.Segments > 0 {
		opts = append(opts, scope.WithSegments(sc.Segments))
	}
	return scope.New(sc.Name, ls, opts...), nil
}

func vicpAddr(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return net.JoinHostPort(addr, fmt.Sprint(vicp.Port))
	}
	return addr
}

var (
	_ motion.Actuator     = (*scl.Drive)(nil)
	_ motion.Stopper      = (*scl.Drive)(nil)
	_ motion.AlarmClearer = (*scl.Drive)(nil)
)

// Drive opens the motor drive described by ac. Ports of the form
// "tcp:host[:port]" use eSCL over TCP; anything else is a serial device,
// with "usb:<serial>" resolved through f.
func Drive(ac config.AxisConfig, f find.Finder, logger zerolog.Logger) (*scl.Drive, func() error, error) {
	logger = logger.With().Str("axis", ac.Name).Logger()
	opts := []scl.Option{scl.WithUnitsPerRev(ac.UnitsPerRev)}
	if ac.StepsPerRev > 0 {
		opts = append(opts, scl.WithStepsPerRev(ac.StepsPerRev))
	}
	ctrlOpts := []daqrig.ControllerOption{
		daqrig.WithTerminator('\r', '\r'),
		daqrig.WithLogger(logger),
	}
	if ac.WriteDelay > 0 {
		ctrlOpts = append(ctrlOpts, daqrig.WithWriteDelay(ac.WriteDelay))
	}

	var (
		ctrl    *daqrig.Controller
		cleanup func() error
	)
	if host, ok := strings.CutPrefix(ac.Port, "tcp:"); ok {
		if _, _, err := net.SplitHostPort(host); err != nil {
			host = net.JoinHostPort(host, fmt.Sprint(scl.Port))
		}
		nc, err := net.DialTimeout("tcp", host, ioTimeout)
		if err != nil {
			return nil, nocleanup, fmt.Errorf("axis %s: %w", ac.Name, err)
		}
		ctrl = daqrig.NewController(scl.ESCL{ReadWriter: deadlineConn{nc, ioTimeout}}, ctrlOpts...)
		cleanup = nc.Close
		logger.Debug().Str("address", host).Msg("eSCL connection")
	} else {
		dev, err := f.Resolve(ac.Port)
		if err != nil {
			return nil, nocleanup, fmt.Errorf("axis %s: %w", ac.Name, err)
		}
		port, closePort, err := OpenSerial(dev, ac.Baud, ioTimeout)
		if err != nil {
			return nil, nocleanup, fmt.Errorf("axis %s: %w", ac.Name, err)
		}
		ctrl = daqrig.NewController(port, ctrlOpts...)
		cleanup = closePort
		logger.Debug().Str("device", dev).Int("baud", ac.Baud).Msg("serial connection")
	}

	d, err := scl.New(cmdlog.New(ctrl, logger), ac.Name, opts...)
	if err != nil {
		cleanup()
		return nil, nocleanup, err
	}
	return d, cleanup, nil
}

// Coordinator opens every drive of m and builds the motion coordinator.
// The returned cleanup closes the drive links; it does not disable the
// drives, which is the coordinator's Close.
func Coordinator(m *config.MotionConfig, f find.Finder, logger zerolog.Logger) (*motion.Coordinator, func() error, error) {
	cfg, err := m.CoordinatorConfig()
	if err != nil {
		return nil, nocleanup, err
	}
	var (
		axes     []motion.Actuator
		cleanups []func() error
	)
	cleanup := func() error {
		var err error
		for _, c := range cleanups {
			err = multierr.Append(err, c())
		}
		return err
	}
	for _, ac := range m.Axis {
		d, c, err := Drive(ac, f, logger)
		if err != nil {
			return nil, nocleanup, multierr.Append(err, cleanup())
		}
		axes = append(axes, d)
		cleanups = append(cleanups, c)
	}
	coord, err := motion.NewCoordinator(cfg, m.Kin(), axes, motion.WithLogger(logger.With().Str("component", "motion").Logger()))
	if err != nil {
		return nil, nocleanup, multierr.Append(err, cleanup())
	}
	return coord, cleanup, nil
}
