package scope

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bapsf/daqrig/lib/sim"
	"github.com/bapsf/daqrig/lib/wavedesc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionCycle(t *testing.T) {
	ctx := context.Background()
	d := sim.NewDigitizer("HDO4104", "C1", "C2")
	d.Samples = 50
	d.PollsToTrigger = 2
	s := New("scope1", d)

	id, err := s.Identify(ctx)
	require.NoError(t, err)
	assert.Equal(t, "LECROY,HDO4104,SIM,0.1", id)

	require.NoError(t, s.Arm(ctx))
	assert.Equal(t, Armed, s.State())
	assert.Equal(t, "SINGLE", d.Mode())

	require.NoError(t, s.PollReady(ctx, time.Second, time.Millisecond))
	assert.Equal(t, Readable, s.State())
	assert.GreaterOrEqual(t, s.LastReady(), time.Millisecond)

	res, err := s.Read(ctx, nil)
	require.NoError(t, err)
	assert.True(t, res.Complete())
	require.Len(t, res.Traces, 2)
	assert.Equal(t, "C1", res.Traces[0].Channel)
	assert.Len(t, res.Traces[0].Segments[0], 50)
	assert.Equal(t, Idle, s.State())
	assert.Equal(t, 1, s.Segments())
	assert.Len(t, s.TimeBase(), 50)

	require.NoError(t, s.Close())
	assert.True(t, d.Closed())
	require.NoError(t, s.Close())
}

func TestSessionOrder(t *testing.T) {
	ctx := context.Background()
	s := New("scope1", sim.NewDigitizer("X", "C1"))

	err := s.PollReady(ctx, time.Second, time.Millisecond)
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = s.Read(ctx, nil)
	assert.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, s.Arm(ctx))
	assert.ErrorIs(t, s.Arm(ctx), ErrInvalidState)
}

func TestPollTimeoutDisarms(t *testing.T) {
	ctx := context.Background()
	d := sim.NewDigitizer("X", "C1")
	d.PollsToTrigger = -1
	s := New("scope1", d)

	require.NoError(t, s.Arm(ctx))
	err := s.PollReady(ctx, 20*time.Millisecond, 2*time.Millisecond)
	require.ErrorIs(t, err, ErrAcquisitionTimeout)
	assert.Equal(t, Idle, s.State())
	assert.Equal(t, "STOP", d.Mode())

	// the session can be armed again after a timeout
	require.NoError(t, s.Arm(ctx))
}

func TestPollCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d := sim.NewDigitizer("X", "C1")
	d.PollsToTrigger = -1
	s := New("scope1", d)
	require.NoError(t, s.Arm(ctx))

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := s.PollReady(ctx, time.Minute, time.Millisecond)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Idle, s.State())
	assert.Equal(t, "STOP", d.Mode())
}

func TestReadPartial(t *testing.T) {
	ctx := context.Background()
	d := sim.NewDigitizer("X", "C1", "C2", "C3")
	d.Samples = 10
	d.Fail["C2"] = errors.New("socket timeout")
	d.Corrupt = []string{"C3"}
	s := New("scope1", d)

	require.NoError(t, s.Arm(ctx))
	require.NoError(t, s.PollReady(ctx, time.Second, time.Millisecond))
	res, err := s.Read(ctx, []string{"C1", "C2", "C3"})
	require.NoError(t, err)
	assert.False(t, res.Complete())
	require.Len(t, res.Traces, 1)
	assert.Equal(t, "C1", res.Traces[0].Channel)
	assert.Len(t, res.Failed, 2)
	assert.ErrorIs(t, res.Failed["C3"], wavedesc.ErrMalformedHeader)
}

func TestSegmentCountFixedByFirstRecord(t *testing.T) {
	ctx := context.Background()
	d := sim.NewDigitizer("X", "C1")
	d.Samples = 10
	d.Segments = 4
	s := New("scope1", d)

	read := func() *Result {
		require.NoError(t, s.Arm(ctx))
		require.NoError(t, s.PollReady(ctx, time.Second, time.Millisecond))
		res, err := s.Read(ctx, nil)
		require.NoError(t, err)
		return res
	}

	res := read()
	require.Len(t, res.Traces, 1)
	assert.Len(t, res.Traces[0].Segments, 4)
	assert.Len(t, res.Traces[0].TriggerTimes, 4)
	assert.Equal(t, 4, s.Segments())

	d.Segments = 2
	res = read()
	assert.Empty(t, res.Traces)
	assert.ErrorIs(t, res.Failed["C1"], wavedesc.ErrMalformedHeader)
}

func TestWithSegmentsRejectsOtherCounts(t *testing.T) {
	ctx := context.Background()
	d := sim.NewDigitizer("X", "C1")
	d.Samples = 10
	d.Segments = 2
	s := New("scope1", d, WithSegments(4))
	assert.Equal(t, 4, s.Segments())

	require.NoError(t, s.Arm(ctx))
	require.NoError(t, s.PollReady(ctx, time.Second, time.Millisecond))
	res, err := s.Read(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Traces)
	assert.ErrorIs(t, res.Failed["C1"], wavedesc.ErrMalformedHeader)
	assert.Nil(t, s.Header())

	d.Segments = 4
	require.NoError(t, s.Arm(ctx))
	require.NoError(t, s.PollReady(ctx, time.Second, time.Millisecond))
	res, err = s.Read(ctx, nil)
	require.NoError(t, err)
	require.Len(t, res.Traces, 1)
	assert.Len(t, res.Traces[0].Segments, 4)
}
