// Copyright (c) 2020–2024 The daqrig developers. All rights reserved.
// Project site: https://github.com/bapsf/daqrig
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

// Package acquire runs the shot loop: for every planned position it moves
// the probe, arms every digitizer, waits for the trigger, reads the
// digitizers back and persists the shot. Failures of one shot are recorded
// as that shot's outcome and the run goes on.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/bapsf/daqrig/lib/motion"
	"github.com/bapsf/daqrig/lib/runstore"
	"github.com/bapsf/daqrig/lib/scope"
)

var (
	// ErrNoUsableInstruments means no digitizer answered at run start.
	ErrNoUsableInstruments = errors.New("no usable instruments")
	// ErrInterrupted is returned when the run is cancelled. It wraps
	// context.Canceled.
	ErrInterrupted = fmt.Errorf("acquisition interrupted: %w", context.Canceled)
)

// Outcome classifies a shot.
type Outcome int

const (
	// Complete shots have every expected trace and a position.
	Complete Outcome = iota
	// Partial shots are missing some channels or instruments.
	Partial
	// Skipped shots were not acquired because the probe could not be
	// moved. They are stored empty with the reason.
	Skipped
)

func (o Outcome) String() string {
	switch o {
	case Complete:
		return "complete"
	case Partial:
		return "partial"
	case Skipped:
		return "skipped"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Store receives the run. *runstore.Store implements it.
type Store interface {
	InitPositions(ctx context.Context, plan []motion.Position) error
	WriteTimeBase(ctx context.Context, instrument string, tb []float64) error
	WriteShot(ctx context.Context, rec runstore.ShotRecord) error
}

// Mover positions the probe. *motion.Coordinator implements it.
type Mover interface {
	Enable(ctx context.Context) error
	MoveTo(ctx context.Context, target motion.Point) (motion.Point, error)
	Close(ctx context.Context) error
}

// Instrument is a digitizer taking part in the run.
type Instrument struct {
	Session *scope.Session
	// Channels to read; empty reads the displayed channels.
	Channels      []string
	PollTimeout   time.Duration
	PollInterval  time.Duration
	Address       string
	Description   string
	ExternalDelay float64

	// ChannelDescriptions labels channels by name.
	ChannelDescriptions map[string]string
}

// StoreFunc creates the run store once the usable instruments are known.
type StoreFunc func(ctx context.Context, instruments []runstore.Instrument) (Store, error)

// Report describes a persisted shot.
type Report struct {
	Position  motion.Position
	Achieved  motion.Point // nil for skipped shots
	Outcome   Outcome
	Reason    string
	Data      []runstore.InstrumentShot
	TimeBases map[string][]float64
	// Ready holds how long each triggered digitizer took to report a
	// capture, by name.
	Ready     map[string]time.Duration
	Elapsed   time.Duration // since the run started
	Remaining time.Duration // estimated
}

// Listener is told about every shot after it is persisted.
type Listener interface {
	Shot(r Report)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(Report)

func (f ListenerFunc) Shot(r Report) { f(r) }

// Summary is the result of a run.
type Summary struct {
	Planned  int
	Complete int
	Partial  int
	Skipped  int
	Elapsed  time.Duration
	// Written reports whether the store was created.
	Written     bool
	Interrupted bool
}

// Shots is the number of shots persisted.
func (s Summary) Shots() int { return s.Complete + s.Partial + s.Skipped }

// Config wires an Orchestrator.
type Config struct {
	Plan        []motion.Position
	Instruments []Instrument
	// Mover is nil for a rig without a probe drive.
	Mover    Mover
	Store    StoreFunc
	Listener Listener
}

// Orchestrator drives one run. It owns the sessions and the mover it is
// given and closes them when Run returns.
type Orchestrator struct {
	cfg    Config
	logger zerolog.Logger

	usable []*Instrument
	store  Store
	tbDone map[string]bool
	tbs    map[string][]float64
	moved  bool // drives enabled
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the orchestrator logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New checks cfg and returns an orchestrator ready to Run.
func New(cfg Config, opts ...Option) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, errors.New("no store")
	}
	if len(cfg.Plan) == 0 {
		return nil, errors.New("empty position plan")
	}
	for i, p := range cfg.Plan {
		if p.Shot != i+1 {
			return nil, fmt.Errorf("plan entry %d has shot number %d", i, p.Shot)
		}
	}
	o := &Orchestrator{
		cfg:    cfg,
		logger: zerolog.Nop(),
		tbDone: map[string]bool{},
		tbs:    map[string][]float64{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Run acquires every planned shot. Per-shot failures become the shot's
// outcome; only ErrNoUsableInstruments, store errors and cancellation end
// the run early. A cancelled run returns ErrInterrupted once the shot in
// progress has unwound, without persisting it. The sessions and the mover
// are closed on every path.
func (o *Orchestrator) Run(ctx context.Context) (sum Summary, err error) {
	start := time.Now()
	sum.Planned = len(o.cfg.Plan)
	defer func() {
		err = multierr.Append(err, o.close(ctx))
		sum.Elapsed = time.Since(start)
	}()

	if err := o.identify(ctx); err != nil {
		return sum, o.interrupted(ctx, &sum, err)
	}

	infos := make([]runstore.Instrument, 0, len(o.usable))
	for _, in := range o.usable {
		id, _ := in.Session.Identify(ctx)
		infos = append(infos, runstore.Instrument{
			Name:          in.Session.Name(),
			Identity:      id,
			Address:       in.Address,
			Description:   in.Description,
			ExternalDelay: in.ExternalDelay,
			Channels:      in.Channels,

			ChannelDescriptions: in.ChannelDescriptions,
		})
	}
	o.store, err = o.cfg.Store(ctx, infos)
	if err != nil {
		return sum, fmt.Errorf("create store: %w", err)
	}
	sum.Written = true
	if err := o.store.InitPositions(ctx, o.cfg.Plan); err != nil {
		return sum, err
	}

	switch {
	case o.cfg.Mover == nil:
		o.logger.Info().Msg("no probe drive; positions are recorded as planned")
	case motion.Stationary(o.cfg.Plan):
		o.logger.Info().Interface("position", o.cfg.Plan[0].Point).Msg("stationary run; motion disabled")
	default:
		if err := o.cfg.Mover.Enable(ctx); err != nil {
			return sum, o.interrupted(ctx, &sum, fmt.Errorf("enable drives: %w", err))
		}
		o.moved = true
	}

	for i, pos := range o.cfg.Plan {
		if ctx.Err() != nil {
			return sum, o.interrupted(ctx, &sum, ctx.Err())
		}
		rep, err := o.shot(ctx, pos)
		if err != nil {
			return sum, o.interrupted(ctx, &sum, err)
		}
		switch rep.Outcome {
		case Complete:
			sum.Complete++
		case Partial:
			sum.Partial++
		case Skipped:
			sum.Skipped++
		}

		rep.Elapsed = time.Since(start)
		rep.Remaining = rep.Elapsed / time.Duration(i+1) * time.Duration(len(o.cfg.Plan)-i-1)
		ev := o.logger.Info()
		if rep.Outcome != Complete {
			ev = o.logger.Warn().Str("reason", rep.Reason)
		}
		ev.Int("shot", pos.Shot).
			Int("of", len(o.cfg.Plan)).
			Stringer("outcome", rep.Outcome).
			Dur("elapsed", rep.Elapsed.Round(time.Millisecond)).
			Dur("remaining", rep.Remaining.Round(time.Second)).
			Msg("shot done")
		if o.cfg.Listener != nil {
			o.cfg.Listener.Shot(rep)
		}
	}
	return sum, nil
}

// interrupted maps cancellation to ErrInterrupted and passes other errors
// through.
func (o *Orchestrator) interrupted(ctx context.Context, sum *Summary, err error) error {
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		sum.Interrupted = true
		return fmt.Errorf("%w after %d of %d shots", ErrInterrupted, sum.Shots(), sum.Planned)
	}
	return err
}

// identify keeps the instruments that answer an identity query.
func (o *Orchestrator) identify(ctx context.Context) error {
	for i := range o.cfg.Instruments {
		in := &o.cfg.Instruments[i]
		id, err := in.Session.Identify(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			o.logger.Error().Err(err).Str("scope", in.Session.Name()).Msg("instrument not usable")
			continue
		}
		o.logger.Info().Str("scope", in.Session.Name()).Str("identity", id).Msg("instrument ready")
		o.usable = append(o.usable, in)
	}
	if len(o.usable) == 0 {
		return fmt.Errorf("%w: %d configured", ErrNoUsableInstruments, len(o.cfg.Instruments))
	}
	return nil
}

// shot acquires and persists one shot. An error return ends the run.
func (o *Orchestrator) shot(ctx context.Context, pos motion.Position) (Report, error) {
	rep := Report{Position: pos, Outcome: Complete, TimeBases: o.tbs}
	rec := runstore.ShotRecord{Shot: pos.Shot}

	if o.moved {
		got, err := o.cfg.Mover.MoveTo(ctx, pos.Point)
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		if err != nil {
			rep.Outcome, rep.Reason = Skipped, err.Error()
			rec.AcquiredAt = time.Now()
			rec.Outcome, rec.Skipped, rec.Reason = rep.Outcome.String(), true, rep.Reason
			if err := o.persist(ctx, rec); err != nil {
				return rep, err
			}
			return rep, nil
		}
		rep.Achieved = got
	} else {
		rep.Achieved = pos.Point.Clone()
	}
	rec.Achieved = rep.Achieved

	var problems []string
	fail := func(in *Instrument, err error) {
		problems = append(problems, fmt.Sprintf("%s: %v", in.Session.Name(), err))
	}

	// every digitizer is armed before any waits: the trigger is shared
	var armed []*Instrument
	for _, in := range o.usable {
		if err := in.Session.Arm(ctx); err != nil {
			if ctx.Err() != nil {
				return rep, ctx.Err()
			}
			fail(in, err)
			continue
		}
		armed = append(armed, in)
	}
	var ready []*Instrument
	for _, in := range armed {
		if err := in.Session.PollReady(ctx, in.PollTimeout, in.PollInterval); err != nil {
			if ctx.Err() != nil {
				return rep, ctx.Err()
			}
			fail(in, err)
			continue
		}
		if rep.Ready == nil {
			rep.Ready = map[string]time.Duration{}
		}
		rep.Ready[in.Session.Name()] = in.Session.LastReady()
		o.logger.Debug().Int("shot", pos.Shot).Str("scope", in.Session.Name()).Dur("ready", in.Session.LastReady()).Msg("triggered")
		ready = append(ready, in)
	}
	rec.AcquiredAt = time.Now()

	for _, in := range ready {
		res, err := in.Session.Read(ctx, in.Channels)
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		if err != nil {
			fail(in, err)
			continue
		}
		for _, ch := range slices.Sorted(maps.Keys(res.Failed)) {
			fail(in, fmt.Errorf("%s: %v", ch, res.Failed[ch]))
		}
		if len(res.Traces) == 0 {
			continue
		}
		if err := o.timeBase(ctx, in); err != nil {
			return rep, err
		}
		is := runstore.InstrumentShot{Instrument: in.Session.Name()}
		for _, tr := range res.Traces {
			st := runstore.Trace{
				Channel:  tr.Channel,
				Header:   tr.Raw,
				Samples:  tr.Samples(),
				Segments: len(tr.Segments),
			}
			for _, tt := range tr.TriggerTimes {
				st.TriggerTimes = append(st.TriggerTimes, tt.Time)
			}
			is.Traces = append(is.Traces, st)
		}
		rec.Data = append(rec.Data, is)
	}

	if len(problems) > 0 {
		rep.Outcome = Partial
		rep.Reason = strings.Join(problems, "; ")
	}
	rep.Data = rec.Data
	rec.Outcome, rec.Reason = rep.Outcome.String(), rep.Reason
	if err := o.persist(ctx, rec); err != nil {
		return rep, err
	}
	return rep, nil
}

// persist writes rec even if ctx is cancelled meanwhile, so an interrupt
// never leaves an acquired shot unsaved.
func (o *Orchestrator) persist(ctx context.Context, rec runstore.ShotRecord) error {
	if err := o.store.WriteShot(context.WithoutCancel(ctx), rec); err != nil {
		return fmt.Errorf("persist shot %d: %w", rec.Shot, err)
	}
	return nil
}

// timeBase writes the instrument's time base the first time it has data.
func (o *Orchestrator) timeBase(ctx context.Context, in *Instrument) error {
	name := in.Session.Name()
	if o.tbDone[name] {
		return nil
	}
	tb := in.Session.TimeBase()
	if err := o.store.WriteTimeBase(context.WithoutCancel(ctx), name, tb); err != nil {
		return fmt.Errorf("time base %s: %w", name, err)
	}
	o.tbDone[name] = true
	o.tbs[name] = tb
	return nil
}

// close disarms and closes every session and, if it was used, disables
// the probe drive.
func (o *Orchestrator) close(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	var err error
	for i := range o.cfg.Instruments {
		s := o.cfg.Instruments[i].Session
		if s.State() != scope.Idle {
			err = multierr.Append(err, s.Disarm(ctx))
		}
		err = multierr.Append(err, s.Close())
	}
	if o.moved {
		err = multierr.Append(err, o.cfg.Mover.Close(ctx))
	}
	return err
}
