package runstore

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bapsf/daqrig/lib/motion"
)

func testInfo() RunInfo {
	return RunInfo{
		Description: "test run",
		Config:      "[run]\n",
		Axes:        []string{"x", "y"},
		Instruments: []Instrument{
			{Name: "scope1", Identity: "LECROY,WAVERUNNER", Address: "vicp:10.0.0.5", ExternalDelay: 1.5e-6, Channels: []string{"C1", "C2"},
				ChannelDescriptions: map[string]string{"C1": "Isat", "C2": "Vf, 10x probe"}},
			{Name: "scope2", Identity: "LECROY,HDO", Address: "vicp:10.0.0.6", Channels: []string{"C1"}},
		},
	}
}

func newStore(t *testing.T, opts Options) *Store {
	t.Helper()
	s, err := Create(filepath.Join(t.TempDir(), "runs", "run.db"), testInfo(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func plan2x2() []motion.Position {
	return []motion.Position{
		{Shot: 1, Point: motion.Point{0, 0}},
		{Shot: 2, Point: motion.Point{10, 0}},
		{Shot: 3, Point: motion.Point{0, 5}},
		{Shot: 4, Point: motion.Point{10, 5}},
	}
}

func ramp(n int, scale float64) []float64 {
	v := make([]float64, n)
	for i := range v {
		v[i] = float64(i) * scale
	}
	return v
}

func TestCreateOpen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "run.db")
	s, err := Create(path, testInfo(), Options{})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Create(path, testInfo(), Options{})
	assert.ErrorIs(t, err, ErrAlreadyInitialized)

	s, err = Open(path)
	require.NoError(t, err)
	info, err := s.Info(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, info.ID)
	assert.Equal(t, "test run", info.Description)
	assert.Equal(t, []string{"x", "y"}, info.Axes)
	require.Len(t, info.Instruments, 2)
	assert.Equal(t, "scope1", info.Instruments[0].Name)
	assert.Equal(t, []string{"C1", "C2"}, info.Instruments[0].Channels)
	assert.InDelta(t, 1.5e-6, info.Instruments[0].ExternalDelay, 1e-12)
	assert.Equal(t, map[string]string{"C1": "Isat", "C2": "Vf, 10x probe"}, info.Instruments[0].ChannelDescriptions)
	assert.Nil(t, info.Instruments[1].ChannelDescriptions)
	require.NoError(t, s.Close())

	// overwrite starts afresh
	s, err = Create(path, RunInfo{Description: "second", Axes: []string{"x"}}, Options{Overwrite: true})
	require.NoError(t, err)
	defer s.Close()
	info, err = s.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, "second", info.Description)
	assert.Empty(t, info.Instruments)
}

func TestCreateKeepsUninspectableFile(t *testing.T) {
	dir := t.TempDir()
	junk := filepath.Join(dir, "notes.db")
	require.NoError(t, os.WriteFile(junk, []byte("shot log, do not delete\n"), 0o644))

	_, err := Create(junk, testInfo(), Options{})
	assert.ErrorIs(t, err, ErrAlreadyInitialized)
	data, err := os.ReadFile(junk)
	require.NoError(t, err)
	assert.Equal(t, "shot log, do not delete\n", string(data))

	// the path cannot be inspected at all
	_, err = Create(filepath.Join(junk, "run.db"), testInfo(), Options{})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrAlreadyInitialized)
	data, err = os.ReadFile(junk)
	require.NoError(t, err)
	assert.Equal(t, "shot log, do not delete\n", string(data))

	s, err := Create(junk, testInfo(), Options{Overwrite: true})
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestOpenMissingRun(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "nope.db"))
	assert.Error(t, err)
}

func TestPositions(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, Options{})

	require.NoError(t, s.InitPositions(ctx, plan2x2()))
	assert.ErrorIs(t, s.InitPositions(ctx, plan2x2()), ErrAlreadyInitialized)

	setup, err := s.SetupPositions(ctx)
	require.NoError(t, err)
	assert.Equal(t, plan2x2(), setup)

	ach, err := s.AchievedPositions(ctx)
	require.NoError(t, err)
	require.Len(t, ach, 4)
	for _, a := range ach {
		assert.False(t, a.Set)
		assert.True(t, math.IsNaN(a.Point[0]))
	}

	require.NoError(t, s.WriteShot(ctx, ShotRecord{Shot: 2, Outcome: "complete", Achieved: motion.Point{10.01, -0.004}}))
	ach, err = s.AchievedPositions(ctx)
	require.NoError(t, err)
	assert.True(t, ach[1].Set)
	assert.Equal(t, motion.Point{10.01, -0.004}, ach[1].Point)
	assert.False(t, ach[0].Set)

	err = s.WriteShot(ctx, ShotRecord{Shot: 9, Outcome: "complete", Achieved: motion.Point{1, 1}})
	assert.ErrorContains(t, err, "not in the position plan")
	_, err = s.Shot(ctx, 9)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInitPositionsWrongAxes(t *testing.T) {
	s := newStore(t, Options{})
	err := s.InitPositions(context.Background(), []motion.Position{{Shot: 1, Point: motion.Point{1, 2, 3}}})
	assert.Error(t, err)
}

func TestTimeBase(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, Options{})

	tb := ramp(1000, 1e-9)
	require.NoError(t, s.WriteTimeBase(ctx, "scope1", tb))
	assert.ErrorIs(t, s.WriteTimeBase(ctx, "scope1", tb), ErrDuplicateTimeBase)
	assert.Error(t, s.WriteTimeBase(ctx, "ghost", tb))

	got, err := s.TimeBase(ctx, "scope1")
	require.NoError(t, err)
	assert.Equal(t, tb, got)

	_, err = s.TimeBase(ctx, "scope2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWriteShot(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, Options{ChunkSamples: 300})
	require.NoError(t, s.InitPositions(ctx, plan2x2()))

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := ShotRecord{
		Shot:       1,
		AcquiredAt: at,
		Outcome:    "complete",
		Data: []InstrumentShot{
			{Instrument: "scope1", Traces: []Trace{
				{Channel: "C1", Header: []byte("WAVEDESC"), Samples: ramp(1000, 0.5), Segments: 1},
				{Channel: "C2", Header: []byte("WAVEDESC"), Samples: ramp(1000, -0.25), Segments: 2, TriggerTimes: []float64{0, 1e-3}},
			}},
			{Instrument: "scope2", Traces: []Trace{
				{Channel: "C1", Header: []byte("WAVEDESC"), Samples: ramp(10, 1)},
			}},
		},
		Achieved: motion.Point{0, 0},
	}
	require.NoError(t, s.WriteShot(ctx, rec))

	sum, err := s.Shot(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "complete", sum.Outcome)
	assert.True(t, sum.AcquiredAt.Equal(at))
	assert.Equal(t, map[string][]string{"scope1": {"C1", "C2"}, "scope2": {"C1"}}, sum.Channels)

	tr, err := s.Trace(ctx, 1, "scope1", "C2")
	require.NoError(t, err)
	assert.Equal(t, ramp(1000, -0.25), tr.Samples)
	assert.Equal(t, 2, tr.Segments)
	assert.Equal(t, []float64{0, 1e-3}, tr.TriggerTimes)
	assert.Equal(t, []byte("WAVEDESC"), tr.Header)

	var chunks int
	require.NoError(t, s.db.QueryRow(`SELECT count(*) FROM trace_chunks WHERE shot = 1 AND instrument = 'scope1' AND channel = 'C1'`).Scan(&chunks))
	assert.Equal(t, 4, chunks)

	_, err = s.Trace(ctx, 1, "scope2", "C4")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDuplicateShotLeavesOriginal(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, Options{})
	require.NoError(t, s.InitPositions(ctx, plan2x2()))

	first := ShotRecord{Shot: 3, Outcome: "complete", Data: []InstrumentShot{
		{Instrument: "scope1", Traces: []Trace{{Channel: "C1", Header: []byte{1}, Samples: ramp(8, 1)}}},
	}}
	require.NoError(t, s.WriteShot(ctx, first))

	second := ShotRecord{Shot: 3, Outcome: "partial", Data: []InstrumentShot{
		{Instrument: "scope1", Traces: []Trace{{Channel: "C1", Header: []byte{1}, Samples: ramp(8, 2)}}},
	}}
	assert.ErrorIs(t, s.WriteShot(ctx, second), ErrDuplicateShot)

	sum, err := s.Shot(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, "complete", sum.Outcome)
	tr, err := s.Trace(ctx, 3, "scope1", "C1")
	require.NoError(t, err)
	assert.Equal(t, ramp(8, 1), tr.Samples)
}

func TestFailedShotIsInvisible(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, Options{})

	// unknown instrument violates a foreign key half way through the shot
	err := s.WriteShot(ctx, ShotRecord{Shot: 1, Outcome: "complete", Data: []InstrumentShot{
		{Instrument: "scope1", Traces: []Trace{{Channel: "C1", Header: []byte{1}, Samples: ramp(4, 1)}}},
		{Instrument: "ghost", Traces: []Trace{{Channel: "C1", Header: []byte{1}, Samples: ramp(4, 1)}}},
	}})
	require.Error(t, err)

	shots, err := s.Shots(ctx)
	require.NoError(t, err)
	assert.Empty(t, shots)

	// the shot number is still free
	require.NoError(t, s.WriteShot(ctx, ShotRecord{Shot: 1, Outcome: "skipped", Skipped: true, Reason: "no trigger"}))
	shots, err = s.Shots(ctx)
	require.NoError(t, err)
	require.Len(t, shots, 1)
	assert.True(t, shots[0].Skipped)
	assert.Equal(t, "no trigger", shots[0].Reason)
	assert.Empty(t, shots[0].Channels)
}

func TestChecksum(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, Options{})
	require.NoError(t, s.WriteShot(ctx, ShotRecord{Shot: 1, Outcome: "complete", Data: []InstrumentShot{
		{Instrument: "scope1", Traces: []Trace{{Channel: "C1", Header: []byte{1}, Samples: ramp(64, 1)}}},
	}}))

	_, err := s.db.Exec(`UPDATE trace_chunks SET crc = crc + 1 WHERE shot = 1`)
	require.NoError(t, err)
	_, err = s.Trace(ctx, 1, "scope1", "C1")
	assert.ErrorIs(t, err, ErrChecksum)
}

func TestChunkRoundTrip(t *testing.T) {
	in := []float64{0, -1, math.Pi, math.Inf(1), 1e-300, 42}
	data, crc, err := encodeChunk(in, 9)
	require.NoError(t, err)
	out, err := decodeChunk(data, crc)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	data[0] ^= 0xff
	_, err = decodeChunk(data, crc)
	assert.ErrorIs(t, err, ErrChecksum)
}
