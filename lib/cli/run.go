// Copyright (c) 2020–2024 The daqrig developers. All rights reserved.
// Project site: https://github.com/bapsf/daqrig
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package cli

// This file contains the run and simulate commands.

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"github.com/bapsf/daqrig/lib/acquire"
	"github.com/bapsf/daqrig/lib/config"
	"github.com/bapsf/daqrig/lib/connutil"
	"github.com/bapsf/daqrig/lib/find"
	"github.com/bapsf/daqrig/lib/lecroy"
	"github.com/bapsf/daqrig/lib/motion"
	"github.com/bapsf/daqrig/lib/runstore"
	"github.com/bapsf/daqrig/lib/scope"
	"github.com/bapsf/daqrig/lib/sim"
)

var (
	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	skipStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle  = lipgloss.NewStyle().Faint(true)
)

// rig is what a run needs besides the store.
type rig struct {
	instruments []acquire.Instrument
	mover       acquire.Mover
	cleanup     func() error
}

func loadConfig(ctx *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(ctx.String("config"))
	if err != nil {
		return nil, err
	}
	if ctx.Bool("overwrite") {
		cfg.Run.Overwrite = true
	}
	return cfg, nil
}

func (a *App) run(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	r, err := a.hardware(cfg)
	if err != nil {
		return err
	}
	return a.acquire(ctx.Context, cfg, r)
}

func (a *App) simulate(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	if d := ctx.String("destination"); d != "" {
		cfg.Run.Destination = d
	}
	r, err := a.simulated(cfg, ctx.Int("samples"), ctx.Int("segments"))
	if err != nil {
		return err
	}
	return a.acquire(ctx.Context, cfg, r)
}

// hardware connects to the configured digitizers and drives. A digitizer
// that cannot be reached is logged and left out.
func (a *App) hardware(cfg *config.Config) (*rig, error) {
	r := &rig{cleanup: func() error { return nil }}
	for _, sc := range cfg.Scopes {
		s, err := connutil.Scope(sc, a.logger)
		if err != nil {
			a.logger.Error().Err(err).Str("scope", sc.Name).Msg("cannot connect")
			continue
		}
		r.instruments = append(r.instruments, instrument(sc, s))
	}
	if cfg.Motion != nil && len(cfg.Motion.Axis) > 0 {
		coord, cleanup, err := connutil.Coordinator(cfg.Motion, find.Finder{Logger: a.logger}, a.logger)
		if err != nil {
			for _, in := range r.instruments {
				in.Session.Close()
			}
			return nil, fmt.Errorf("motion: %w", err)
		}
		r.mover, r.cleanup = coord, cleanup
	}
	return r, nil
}

// simulated builds sim digitizers and axes shaped like the configuration.
func (a *App) simulated(cfg *config.Config, samples, segments int) (*rig, error) {
	r := &rig{cleanup: func() error { return nil }}
	for _, sc := range cfg.Scopes {
		channels := sc.Channels
		if len(channels) == 0 {
			channels = append([]string(nil), lecroy.Channels[:2]...)
		}
		d := sim.NewDigitizer("SIM-"+sc.Name, channels...)
		d.Samples = samples
		d.Segments = segments
		d.PollsToTrigger = 2
		opts := []scope.Option{scope.WithLogger(a.logger)}
		if sc.Segments > 0 {
			d.Segments = sc.Segments
			opts = append(opts, scope.WithSegments(sc.Segments))
		}
		r.instruments = append(r.instruments, instrument(sc, scope.New(sc.Name, d, opts...)))
	}
	if cfg.Motion != nil && len(cfg.Motion.Grid) > 0 {
		mc, err := cfg.Motion.CoordinatorConfig()
		if err != nil {
			return nil, err
		}
		var axes []motion.Actuator
		for _, n := range mc.Axes {
			axes = append(axes, sim.NewAxis(n))
		}
		mc.Settle = min(mc.Settle, time.Second)
		coord, err := motion.NewCoordinator(mc, cfg.Motion.Kin(), axes, motion.WithLogger(a.logger))
		if err != nil {
			return nil, err
		}
		r.mover = coord
	}
	return r, nil
}

func instrument(sc config.ScopeConfig, s *scope.Session) acquire.Instrument {
	return acquire.Instrument{
		Session:       s,
		Channels:      sc.Channels,
		PollTimeout:   sc.PollTimeout,
		PollInterval:  sc.PollInterval,
		Address:       sc.Address,
		Description:   sc.Description,
		ExternalDelay: sc.ExternalDelay,

		ChannelDescriptions: sc.ChannelDescriptions,
	}
}

// acquire runs the shot loop until done or interrupted by SIGINT/SIGTERM.
func (a *App) acquire(parent context.Context, cfg *config.Config, r *rig) (err error) {
	defer func() {
		err = multierr.Append(err, r.cleanup())
	}()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	plan, err := cfg.Plan()
	if err != nil {
		return err
	}

	var store *runstore.Store
	defer func() {
		if store != nil {
			err = multierr.Append(err, store.Close())
		}
	}()
	createStore := func(ctx context.Context, insts []runstore.Instrument) (acquire.Store, error) {
		s, err := runstore.Create(cfg.Run.Destination, runstore.RunInfo{
			Description: cfg.Run.Description,
			Config:      cfg.Text,
			Axes:        cfg.AxisNames(),
			Instruments: insts,
		}, runstore.Options{
			Overwrite:        cfg.Run.Overwrite,
			CompressionLevel: cfg.Run.Compression,
			ChunkSamples:     cfg.Run.ChunkSamples,
		})
		if err != nil {
			return nil, err
		}
		store = s
		a.logger.Info().Str("destination", s.Path()).Int("shots", len(plan)).Msg("run store created")
		return s, nil
	}

	o, err := acquire.New(acquire.Config{
		Plan:        plan,
		Instruments: r.instruments,
		Mover:       r.mover,
		Store:       createStore,
		Listener:    acquire.ListenerFunc(a.progress),
	}, acquire.WithLogger(a.logger))
	if err != nil {
		return err
	}

	sum, err := o.Run(ctx)
	a.summary(sum, store)
	if errors.Is(err, acquire.ErrInterrupted) {
		a.logger.Warn().Msg("run interrupted; the store holds every shot completed so far")
	}
	return err
}

func (a *App) progress(rep acquire.Report) {
	var status string
	switch rep.Outcome {
	case acquire.Complete:
		status = okStyle.Render(rep.Outcome.String())
	case acquire.Partial:
		status = warnStyle.Render(rep.Outcome.String())
	default:
		status = skipStyle.Render(rep.Outcome.String())
	}
	fmt.Fprintf(a.out, "shot %5d  %-8s  at %v  %s\n", rep.Position.Shot, status, []float64(rep.Position.Point),
		dimStyle.Render(fmt.Sprintf("elapsed %s, about %s left", rep.Elapsed.Round(time.Second), rep.Remaining.Round(time.Second))))
}

func (a *App) summary(sum acquire.Summary, store *runstore.Store) {
	fmt.Fprintf(a.out, "\n=== Run summary ===\n\n")
	fmt.Fprintf(a.out, "  shots:    %d of %d (%d complete, %d partial, %d skipped)\n",
		sum.Shots(), sum.Planned, sum.Complete, sum.Partial, sum.Skipped)
	fmt.Fprintf(a.out, "  elapsed:  %s\n", sum.Elapsed.Round(time.Millisecond))
	if sum.Written && store != nil {
		fmt.Fprintf(a.out, "  written:  %s (%s)\n", store.Path(), formatBytes(store.Size()))
	} else {
		fmt.Fprintf(a.out, "  written:  nothing\n")
	}
	if sum.Interrupted {
		fmt.Fprintf(a.out, "  %s\n", warnStyle.Render("interrupted"))
	}
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
