// Copyright (c) 2020–2024 The daqrig developers. All rights reserved.
// Project site: https://github.com/bapsf/daqrig
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

// Package runstore is the append-only record of one acquisition run, kept
// in a single SQLite file. A run holds its metadata, the instruments that
// took part, one time base per instrument, the planned and achieved probe
// positions, and per shot the waveform of every channel read.
//
// Shots are written whole in one transaction and never rewritten.
package runstore

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
)

var (
	// ErrAlreadyInitialized is returned when creating a run over an
	// existing one, or initializing positions twice.
	ErrAlreadyInitialized = errors.New("run store already initialized")
	// ErrNotInitialized is returned when opening a file holding no run.
	ErrNotInitialized = errors.New("run store not initialized")
	// ErrDuplicateShot is returned when a shot number is written twice.
	ErrDuplicateShot = errors.New("duplicate shot")
	// ErrDuplicateTimeBase is returned when an instrument time base is
	// written twice.
	ErrDuplicateTimeBase = errors.New("duplicate time base")
	// ErrNotFound is returned by readers for missing records.
	ErrNotFound = errors.New("not found")
	// ErrChecksum is returned when stored data fails verification.
	ErrChecksum = errors.New("checksum mismatch")
)

const schema = `
CREATE TABLE IF NOT EXISTS run_info (
    id              TEXT PRIMARY KEY,
    created_ns      INTEGER NOT NULL,
    description     TEXT NOT NULL,
    config          TEXT NOT NULL,
    axes            TEXT NOT NULL,
    compression     INTEGER NOT NULL,
    chunk_samples   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS instruments (
    name            TEXT PRIMARY KEY,
    identity        TEXT NOT NULL,
    address         TEXT NOT NULL,
    description     TEXT NOT NULL,
    external_delay  REAL NOT NULL,
    channels        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS channel_descriptions (
    instrument      TEXT NOT NULL REFERENCES instruments(name),
    channel         TEXT NOT NULL,
    description     TEXT NOT NULL,
    PRIMARY KEY (instrument, channel)
);

CREATE TABLE IF NOT EXISTS timebases (
    instrument      TEXT PRIMARY KEY REFERENCES instruments(name),
    samples         INTEGER NOT NULL,
    data            BLOB NOT NULL,
    crc             INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
    shot            INTEGER NOT NULL,
    axis            INTEGER NOT NULL,
    setup           REAL NOT NULL,
    achieved        REAL,
    PRIMARY KEY (shot, axis)
);

CREATE TABLE IF NOT EXISTS shots (
    shot            INTEGER PRIMARY KEY,
    acquired_ns     INTEGER NOT NULL,
    outcome         TEXT NOT NULL,
    skipped         INTEGER NOT NULL DEFAULT 0,
    reason          TEXT NOT NULL DEFAULT '',
    complete        INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS instrument_shots (
    shot            INTEGER NOT NULL REFERENCES shots(shot),
    instrument      TEXT NOT NULL REFERENCES instruments(name),
    PRIMARY KEY (shot, instrument)
);

CREATE TABLE IF NOT EXISTS traces (
    shot            INTEGER NOT NULL,
    instrument      TEXT NOT NULL,
    channel         TEXT NOT NULL,
    header          BLOB NOT NULL,
    samples         INTEGER NOT NULL,
    segments        INTEGER NOT NULL,
    trigger_times   BLOB,
    PRIMARY KEY (shot, instrument, channel),
    FOREIGN KEY (shot, instrument) REFERENCES instrument_shots(shot, instrument)
);

CREATE TABLE IF NOT EXISTS trace_chunks (
    shot            INTEGER NOT NULL,
    instrument      TEXT NOT NULL,
    channel         TEXT NOT NULL,
    seq             INTEGER NOT NULL,
    data            BLOB NOT NULL,
    crc             INTEGER NOT NULL,
    PRIMARY KEY (shot, instrument, channel, seq),
    FOREIGN KEY (shot, instrument, channel) REFERENCES traces(shot, instrument, channel)
);
`

// Instrument describes a digitizer taking part in the run.
type Instrument struct {
	Name        string
	Identity    string // *IDN? response
	Address     string
	Description string
	// ExternalDelay is recorded for analysis only; it is not applied to
	// the stored time base.
	ExternalDelay float64
	Channels      []string

	// ChannelDescriptions labels channels by name.
	ChannelDescriptions map[string]string
}

// RunInfo is the run-level metadata.
type RunInfo struct {
	ID          string
	Created     time.Time
	Description string
	// Config is the configuration text the run was started with.
	Config      string
	Axes        []string
	Instruments []Instrument
}

// Options tune how a run is written.
type Options struct {
	// Overwrite replaces an existing run at the destination.
	Overwrite bool
	// CompressionLevel is the flate level for sample data, 1 (fastest)
	// to 9. Zero means 1.
	CompressionLevel int
	// ChunkSamples caps the number of samples per stored chunk. Zero means
	// 512Ki.
	ChunkSamples int
}

const defaultChunkSamples = 512 * 1024

// Store is an open run.
type Store struct {
	db          *sql.DB
	path        string
	level       int
	chunk       int
	axes        int
	initialized bool
}

func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

func hasRun(path string) (bool, error) {
	st, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) || (err == nil && st.Size() == 0) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("inspect %s: %w", path, err)
	}
	db, err := openDB(path)
	if err != nil {
		return false, err
	}
	defer db.Close()
	var n int
	err = db.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type='table' AND name='run_info'`).Scan(&n)
	if err != nil {
		// not a database we can read: refuse to clobber it
		return true, fmt.Errorf("inspect %s: %w", path, err)
	}
	if n == 0 {
		return false, nil
	}
	err = db.QueryRow(`SELECT count(*) FROM run_info`).Scan(&n)
	return n > 0, err
}

func removeDB(path string) error {
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

// Create initializes a new run at path, creating parent directories. It
// fails with ErrAlreadyInitialized if path already holds a run, unless
// opts.Overwrite is set. A file that cannot be inspected is only replaced
// with opts.Overwrite.
func Create(path string, info RunInfo, opts Options) (*Store, error) {
	exists, err := hasRun(path)
	if !opts.Overwrite {
		switch {
		case exists && err != nil:
			return nil, fmt.Errorf("%w: %v", ErrAlreadyInitialized, err)
		case exists:
			return nil, fmt.Errorf("%s: %w", path, ErrAlreadyInitialized)
		case err != nil:
			return nil, err
		}
	}
	if exists || err != nil {
		if err := removeDB(path); err != nil {
			return nil, fmt.Errorf("remove previous run: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create run directory: %w", err)
	}
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	s := &Store{db: db, path: path, level: opts.CompressionLevel, chunk: opts.ChunkSamples, axes: len(info.Axes)}
	if s.level == 0 {
		s.level = 1
	}
	if s.chunk <= 0 {
		s.chunk = defaultChunkSamples
	}
	if info.ID == "" {
		info.ID = uuid.NewString()
	}
	if info.Created.IsZero() {
		info.Created = time.Now()
	}
	if err := s.writeInfo(info); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) writeInfo(info RunInfo) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO run_info (id, created_ns, description, config, axes, compression, chunk_samples)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		info.ID, info.Created.UnixNano(), info.Description, info.Config, strings.Join(info.Axes, ","), s.level, s.chunk,
	)
	if err != nil {
		return fmt.Errorf("insert run info: %w", err)
	}
	for _, in := range info.Instruments {
		_, err := tx.Exec(`
			INSERT INTO instruments (name, identity, address, description, external_delay, channels)
			VALUES (?, ?, ?, ?, ?, ?)`,
			in.Name, in.Identity, in.Address, in.Description, in.ExternalDelay, strings.Join(in.Channels, ","),
		)
		if err != nil {
			return fmt.Errorf("insert instrument %s: %w", in.Name, err)
		}
		for ch, desc := range in.ChannelDescriptions {
			_, err := tx.Exec(`INSERT INTO channel_descriptions (instrument, channel, description) VALUES (?, ?, ?)`,
				in.Name, ch, desc)
			if err != nil {
				return fmt.Errorf("insert description %s/%s: %w", in.Name, ch, err)
			}
		}
	}
	return tx.Commit()
}

// Open opens an existing run for reading, or for appending shots to a run
// that was interrupted.
func Open(path string) (*Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, path: path}
	var axes string
	err = db.QueryRow(`SELECT axes, compression, chunk_samples FROM run_info`).Scan(&axes, &s.level, &s.chunk)
	if err != nil {
		db.Close()
		if errors.Is(err, sql.ErrNoRows) || isNoTable(err) {
			return nil, fmt.Errorf("%s: %w", path, ErrNotInitialized)
		}
		return nil, fmt.Errorf("read run info: %w", err)
	}
	s.axes = len(splitList(axes))
	var n int
	if err := db.QueryRow(`SELECT count(*) FROM positions`).Scan(&n); err == nil {
		s.initialized = n > 0
	}
	return s, nil
}

// Path is the file backing the store.
func (s *Store) Path() string { return s.path }

// Size is the current size of the run on disk, write-ahead log included.
func (s *Store) Size() int64 {
	var total int64
	for _, p := range []string{s.path, s.path + "-wal"} {
		if st, err := os.Stat(p); err == nil {
			total += st.Size()
		}
	}
	return total
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func isConstraint(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint
}

func isNoTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
