// Copyright (c) 2020–2024 The daqrig developers. All rights reserved.
// Project site: https://github.com/bapsf/daqrig
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package runstore

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/bapsf/daqrig/lib/motion"
)

// Trace is the stored form of one channel of one shot.
type Trace struct {
	Channel string
	// Header is the instrument's binary waveform descriptor, verbatim.
	Header   []byte
	Samples  []float64 // all segments concatenated
	Segments int
	// TriggerTimes holds per-segment trigger times in sequence mode.
	TriggerTimes []float64
}

// InstrumentShot is what one instrument contributed to a shot.
type InstrumentShot struct {
	Instrument string
	Traces     []Trace
}

// ShotRecord is everything written for a shot.
type ShotRecord struct {
	Shot       int
	AcquiredAt time.Time
	Outcome    string
	Skipped    bool
	Reason     string
	Data       []InstrumentShot
	// Achieved is the probe position reached, or nil if unknown.
	Achieved motion.Point
}

// InitPositions records the planned positions and reserves an unset
// achieved position for each. It may be called once per run.
func (s *Store) InitPositions(ctx context.Context, plan []motion.Position) error {
	if s.initialized {
		return fmt.Errorf("positions: %w", ErrAlreadyInitialized)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO positions (shot, axis, setup, achieved) VALUES (?, ?, ?, NULL)`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, p := range plan {
		if len(p.Point) != s.axes {
			return fmt.Errorf("shot %d: %d coordinates for %d axes", p.Shot, len(p.Point), s.axes)
		}
		for axis, v := range p.Point {
			if _, err := stmt.ExecContext(ctx, p.Shot, axis, v); err != nil {
				if isConstraint(err) {
					return fmt.Errorf("positions: shot %d planned twice: %w", p.Shot, ErrAlreadyInitialized)
				}
				return fmt.Errorf("insert position: %w", err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.initialized = true
	return nil
}

// WriteTimeBase records the sample times of an instrument. Each instrument
// has exactly one time base per run.
func (s *Store) WriteTimeBase(ctx context.Context, instrument string, tb []float64) error {
	data, crc, err := encodeChunk(tb, s.level)
	if err != nil {
		return fmt.Errorf("encode time base: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO timebases (instrument, samples, data, crc) VALUES (?, ?, ?, ?)`,
		instrument, len(tb), data, int64(crc))
	if isConstraint(err) {
		var n int
		if s.db.QueryRowContext(ctx, `SELECT count(*) FROM timebases WHERE instrument = ?`, instrument).Scan(&n) == nil && n > 0 {
			return fmt.Errorf("%s: %w", instrument, ErrDuplicateTimeBase)
		}
		return fmt.Errorf("time base for unknown instrument %s: %w", instrument, err)
	}
	if err != nil {
		return fmt.Errorf("insert time base: %w", err)
	}
	return nil
}

// WriteShot writes a shot in a single transaction: either all of it is
// stored, marked complete, or none of it. Writing an existing shot number
// fails with ErrDuplicateShot and leaves the stored shot untouched.
func (s *Store) WriteShot(ctx context.Context, rec ShotRecord) error {
	if rec.Shot < 1 {
		return fmt.Errorf("invalid shot number %d", rec.Shot)
	}
	if rec.AcquiredAt.IsZero() {
		rec.AcquiredAt = time.Now()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO shots (shot, acquired_ns, outcome, skipped, reason) VALUES (?, ?, ?, ?, ?)`,
		rec.Shot, rec.AcquiredAt.UnixNano(), rec.Outcome, rec.Skipped, rec.Reason)
	if isConstraint(err) {
		return fmt.Errorf("shot %d: %w", rec.Shot, ErrDuplicateShot)
	}
	if err != nil {
		return fmt.Errorf("insert shot: %w", err)
	}

	for _, in := range rec.Data {
		if err := s.writeInstrumentShot(ctx, tx, rec.Shot, in); err != nil {
			return err
		}
	}

	if rec.Achieved != nil {
		if err := s.writeAchieved(ctx, tx, rec.Shot, rec.Achieved); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE shots SET complete = 1 WHERE shot = ?`, rec.Shot); err != nil {
		return fmt.Errorf("mark shot complete: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) writeInstrumentShot(ctx context.Context, tx *sql.Tx, shot int, in InstrumentShot) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO instrument_shots (shot, instrument) VALUES (?, ?)`, shot, in.Instrument)
	if err != nil {
		return fmt.Errorf("insert shot %d instrument %s: %w", shot, in.Instrument, err)
	}
	for _, tr := range in.Traces {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO traces (shot, instrument, channel, header, samples, segments, trigger_times)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			shot, in.Instrument, tr.Channel, tr.Header, len(tr.Samples), max(tr.Segments, 1), encodeFloats(tr.TriggerTimes))
		if err != nil {
			return fmt.Errorf("insert trace %s/%s: %w", in.Instrument, tr.Channel, err)
		}
		for seq, lo := 0, 0; lo < len(tr.Samples) || seq == 0; seq, lo = seq+1, lo+s.chunk {
			hi := min(lo+s.chunk, len(tr.Samples))
			data, crc, err := encodeChunk(tr.Samples[lo:hi], s.level)
			if err != nil {
				return fmt.Errorf("encode %s/%s: %w", in.Instrument, tr.Channel, err)
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO trace_chunks (shot, instrument, channel, seq, data, crc)
				VALUES (?, ?, ?, ?, ?, ?)`,
				shot, in.Instrument, tr.Channel, seq, data, int64(crc))
			if err != nil {
				return fmt.Errorf("insert chunk %s/%s/%d: %w", in.Instrument, tr.Channel, seq, err)
			}
		}
	}
	return nil
}

func (s *Store) writeAchieved(ctx context.Context, tx *sql.Tx, shot int, p motion.Point) error {
	if len(p) != s.axes {
		return fmt.Errorf("shot %d: achieved position has %d coordinates for %d axes", shot, len(p), s.axes)
	}
	for axis, v := range p {
		var val any = v
		if math.IsNaN(v) {
			val = nil
		}
		res, err := tx.ExecContext(ctx, `UPDATE positions SET achieved = ? WHERE shot = ? AND axis = ?`, val, shot, axis)
		if err != nil {
			return fmt.Errorf("update achieved position: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("shot %d is not in the position plan", shot)
		}
	}
	return nil
}
