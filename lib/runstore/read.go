// Copyright (c) 2020–2024 The daqrig developers. All rights reserved.
// Project site: https://github.com/bapsf/daqrig
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package runstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/bapsf/daqrig/lib/motion"
)

// Info reads the run metadata, instruments included.
func (s *Store) Info(ctx context.Context) (RunInfo, error) {
	var (
		info    RunInfo
		created int64
		axes    string
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, created_ns, description, config, axes FROM run_info`).
		Scan(&info.ID, &created, &info.Description, &info.Config, &axes)
	if err != nil {
		return info, fmt.Errorf("read run info: %w", err)
	}
	info.Created = time.Unix(0, created)
	info.Axes = splitList(axes)
	info.Instruments, err = s.Instruments(ctx)
	return info, err
}

// Instruments lists the instruments of the run, ordered by name.
func (s *Store) Instruments(ctx context.Context) ([]Instrument, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, identity, address, description, external_delay, channels
		FROM instruments ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query instruments: %w", err)
	}
	defer rows.Close()

	var out []Instrument
	for rows.Next() {
		var (
			in       Instrument
			channels string
		)
		if err := rows.Scan(&in.Name, &in.Identity, &in.Address, &in.Description, &in.ExternalDelay, &channels); err != nil {
			return nil, fmt.Errorf("scan instrument: %w", err)
		}
		in.Channels = splitList(channels)
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].ChannelDescriptions, err = s.channelDescriptions(ctx, out[i].Name); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) channelDescriptions(ctx context.Context, instrument string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel, description FROM channel_descriptions WHERE instrument = ?`, instrument)
	if isNoTable(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query channel descriptions: %w", err)
	}
	defer rows.Close()

	var out map[string]string
	for rows.Next() {
		var ch, desc string
		if err := rows.Scan(&ch, &desc); err != nil {
			return nil, fmt.Errorf("scan channel description: %w", err)
		}
		if out == nil {
			out = map[string]string{}
		}
		out[ch] = desc
	}
	return out, rows.Err()
}

// ShotSummary describes a stored shot without its sample data.
type ShotSummary struct {
	Shot       int
	AcquiredAt time.Time
	Outcome    string
	Skipped    bool
	Reason     string
	// Channels maps instrument name to the channels stored for it.
	Channels map[string][]string
}

// Shots lists the completed shots in shot order. Shots whose write never
// committed are not visible.
func (s *Store) Shots(ctx context.Context) ([]ShotSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT shot, acquired_ns, outcome, skipped, reason
		FROM shots WHERE complete = 1 ORDER BY shot`)
	if err != nil {
		return nil, fmt.Errorf("query shots: %w", err)
	}
	var out []ShotSummary
	for rows.Next() {
		sum, err := scanShot(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, sum)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].Channels, err = s.channels(ctx, out[i].Shot); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Shot reads the summary of one completed shot.
func (s *Store) Shot(ctx context.Context, shot int) (ShotSummary, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT shot, acquired_ns, outcome, skipped, reason
		FROM shots WHERE shot = ? AND complete = 1`, shot)
	sum, err := scanShot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return sum, fmt.Errorf("shot %d: %w", shot, ErrNotFound)
	}
	if err != nil {
		return sum, err
	}
	sum.Channels, err = s.channels(ctx, shot)
	return sum, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanShot(r scanner) (ShotSummary, error) {
	var (
		sum ShotSummary
		ns  int64
	)
	if err := r.Scan(&sum.Shot, &ns, &sum.Outcome, &sum.Skipped, &sum.Reason); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sum, err
		}
		return sum, fmt.Errorf("scan shot: %w", err)
	}
	sum.AcquiredAt = time.Unix(0, ns)
	return sum, nil
}

func (s *Store) channels(ctx context.Context, shot int) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.instrument, t.channel
		FROM instrument_shots i LEFT JOIN traces t ON t.shot = i.shot AND t.instrument = i.instrument
		WHERE i.shot = ? ORDER BY i.instrument, t.channel`, shot)
	if err != nil {
		return nil, fmt.Errorf("query channels: %w", err)
	}
	defer rows.Close()

	out := map[string][]string{}
	for rows.Next() {
		var (
			inst string
			ch   sql.NullString
		)
		if err := rows.Scan(&inst, &ch); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		if _, ok := out[inst]; !ok {
			out[inst] = []string{}
		}
		if ch.Valid {
			out[inst] = append(out[inst], ch.String)
		}
	}
	return out, rows.Err()
}

// Trace reads one stored waveform, verifying every chunk.
func (s *Store) Trace(ctx context.Context, shot int, instrument, channel string) (Trace, error) {
	tr := Trace{Channel: channel}
	var (
		n    int
		trig []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT t.header, t.samples, t.segments, t.trigger_times
		FROM traces t JOIN shots s ON s.shot = t.shot
		WHERE t.shot = ? AND t.instrument = ? AND t.channel = ? AND s.complete = 1`,
		shot, instrument, channel).Scan(&tr.Header, &n, &tr.Segments, &trig)
	if errors.Is(err, sql.ErrNoRows) {
		return tr, fmt.Errorf("shot %d %s/%s: %w", shot, instrument, channel, ErrNotFound)
	}
	if err != nil {
		return tr, fmt.Errorf("read trace: %w", err)
	}
	tr.TriggerTimes = decodeFloats(trig)

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, data, crc FROM trace_chunks
		WHERE shot = ? AND instrument = ? AND channel = ? ORDER BY seq`,
		shot, instrument, channel)
	if err != nil {
		return tr, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	tr.Samples = make([]float64, 0, n)
	for want := 0; rows.Next(); want++ {
		var (
			seq  int
			data []byte
			crc  int64
		)
		if err := rows.Scan(&seq, &data, &crc); err != nil {
			return tr, fmt.Errorf("scan chunk: %w", err)
		}
		if seq != want {
			return tr, fmt.Errorf("%w: shot %d %s/%s missing chunk %d", ErrChecksum, shot, instrument, channel, want)
		}
		v, err := decodeChunk(data, uint32(crc))
		if err != nil {
			return tr, fmt.Errorf("shot %d %s/%s chunk %d: %w", shot, instrument, channel, seq, err)
		}
		tr.Samples = append(tr.Samples, v...)
	}
	if err := rows.Err(); err != nil {
		return tr, err
	}
	if len(tr.Samples) != n {
		return tr, fmt.Errorf("%w: shot %d %s/%s has %d samples, expected %d", ErrChecksum, shot, instrument, channel, len(tr.Samples), n)
	}
	return tr, nil
}

// TimeBase reads the sample times of an instrument.
func (s *Store) TimeBase(ctx context.Context, instrument string) ([]float64, error) {
	var (
		n    int
		data []byte
		crc  int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT samples, data, crc FROM timebases WHERE instrument = ?`, instrument).
		Scan(&n, &data, &crc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("time base %s: %w", instrument, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read time base: %w", err)
	}
	tb, err := decodeChunk(data, uint32(crc))
	if err != nil {
		return nil, fmt.Errorf("time base %s: %w", instrument, err)
	}
	if len(tb) != n {
		return nil, fmt.Errorf("%w: time base %s has %d samples, expected %d", ErrChecksum, instrument, len(tb), n)
	}
	return tb, nil
}

// AchievedPosition is the position reached for a shot. Set is false while
// the shot has not been acquired, in which case Point holds NaN.
type AchievedPosition struct {
	Shot  int
	Point motion.Point
	Set   bool
}

// SetupPositions returns the planned positions in shot order.
func (s *Store) SetupPositions(ctx context.Context) ([]motion.Position, error) {
	var out []motion.Position
	err := s.eachPosition(ctx, func(shot, axis int, setup float64, _ sql.NullFloat64) {
		if n := len(out); n == 0 || out[n-1].Shot != shot {
			out = append(out, motion.Position{Shot: shot, Point: make(motion.Point, s.axes)})
		}
		out[len(out)-1].Point[axis] = setup
	})
	return out, err
}

// AchievedPositions returns the achieved position of every planned shot.
func (s *Store) AchievedPositions(ctx context.Context) ([]AchievedPosition, error) {
	var out []AchievedPosition
	err := s.eachPosition(ctx, func(shot, axis int, _ float64, achieved sql.NullFloat64) {
		if n := len(out); n == 0 || out[n-1].Shot != shot {
			p := make(motion.Point, s.axes)
			for i := range p {
				p[i] = math.NaN()
			}
			out = append(out, AchievedPosition{Shot: shot, Point: p, Set: true})
		}
		cur := &out[len(out)-1]
		if achieved.Valid {
			cur.Point[axis] = achieved.Float64
		} else {
			cur.Set = false
		}
	})
	return out, err
}

func (s *Store) eachPosition(ctx context.Context, fn func(shot, axis int, setup float64, achieved sql.NullFloat64)) error {
	rows, err := s.db.QueryContext(ctx, `SELECT shot, axis, setup, achieved FROM positions ORDER BY shot, axis`)
	if err != nil {
		return fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			shot, axis int
			setup      float64
			achieved   sql.NullFloat64
		)
		if err := rows.Scan(&shot, &axis, &setup, &achieved); err != nil {
			return fmt.Errorf("scan position: %w", err)
		}
		if axis < 0 || axis >= s.axes {
			return fmt.Errorf("position for shot %d has axis %d of %d", shot, axis, s.axes)
		}
		fn(shot, axis, setup, achieved)
	}
	return rows.Err()
}
