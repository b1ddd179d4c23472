package scl

import (
	"bytes"
	"context"
	"strconv"
	"strings"
	"testing"

	"github.com/bapsf/daqrig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// drive emulates an SCL drive on the far end of a stream.
type drive struct {
	escl    bool
	enabled bool
	dist    int
	pos     int
	alarm   string
	sent    []string
	out     bytes.Buffer
}

func (d *drive) Write(p []byte) (int, error) {
	if d.escl {
		if !bytes.HasPrefix(p, esclHeader) {
			d.reply("?9")
			return len(p), nil
		}
		p = p[2:]
	}
	cmd := strings.TrimSpace(string(p))
	d.sent = append(d.sent, cmd)
	switch {
	case cmd == "IFD", cmd == "ST", cmd == "SP0":
		d.reply("%")
	case cmd == "ME", cmd == "MD":
		d.enabled = cmd == "ME"
		d.reply("%")
	case cmd == "AR":
		d.alarm = ""
		d.reply("%")
	case cmd == "AL":
		d.reply("AL=" + d.alarm)
	case cmd == "ER":
		d.reply("ER=20000")
	case cmd == "RS":
		if d.alarm != "" {
			d.reply("RS=AD")
			break
		}
		d.reply("RS=RP")
	case cmd == "EP0":
		d.pos = 0
		d.reply("%")
	case strings.HasPrefix(cmd, "DI"):
		d.dist, _ = strconv.Atoi(cmd[2:])
		d.reply("%")
	case cmd == "FP":
		if !d.enabled {
			d.reply("?3")
			break
		}
		d.pos = d.dist
		d.reply("%")
	case cmd == "EP":
		d.reply("EP=" + strconv.Itoa(d.pos))
	default:
		d.reply("?1")
	}
	return len(p), nil
}

func (d *drive) reply(s string) {
	if d.escl {
		d.out.Write(esclHeader)
	}
	d.out.WriteString(s + "\r")
}

func (d *drive) Read(p []byte) (int, error) { return d.out.Read(p) }

func TestDriveSerial(t *testing.T) {
	ctx := context.Background()
	far := &drive{}
	d, err := New(daqrig.NewController(far, daqrig.WithTerminator('\r', '\r')), "x")
	require.NoError(t, err)
	assert.Equal(t, 20000, d.stepsPerRev)

	require.NoError(t, d.Enable(ctx))
	require.NoError(t, d.SetTarget(ctx, 2.54))
	assert.Contains(t, far.sent, "DI200000")

	pos, err := d.Position(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 2.54, pos, 1e-9)

	st, err := d.Status()
	require.NoError(t, err)
	assert.Equal(t, "RP", st)
	alarm, err := d.Alarm()
	require.NoError(t, err)
	assert.Empty(t, alarm)

	require.NoError(t, d.Disable(ctx))
	err = d.SetTarget(ctx, 1)
	assert.ErrorIs(t, err, ErrNack)
}

func TestDriveESCL(t *testing.T) {
	ctx := context.Background()
	far := &drive{escl: true}
	ctrl := daqrig.NewController(ESCL{far}, daqrig.WithTerminator('\r', '\r'))
	d, err := New(ctrl, "y", WithStepsPerRev(4000), WithUnitsPerRev(0.5))
	require.NoError(t, err)
	assert.NotContains(t, far.sent, "ER")

	require.NoError(t, d.Enable(ctx))
	require.NoError(t, d.SetTarget(ctx, -1.25))
	pos, err := d.Position(ctx)
	require.NoError(t, err)
	assert.InDelta(t, -1.25, pos, 1e-9)
	assert.Contains(t, far.sent, "DI-10000")
}

func TestDriveAlarmStopZero(t *testing.T) {
	ctx := context.Background()
	far := &drive{alarm: "0002"}
	d, err := New(daqrig.NewController(far, daqrig.WithTerminator('\r', '\r')), "x")
	require.NoError(t, err)

	alarm, err := d.Alarm()
	require.NoError(t, err)
	assert.Equal(t, "0002", alarm)
	require.NoError(t, d.ClearAlarm())
	alarm, err = d.Alarm()
	require.NoError(t, err)
	assert.Empty(t, alarm)

	require.NoError(t, d.Enable(ctx))
	require.NoError(t, d.SetTarget(ctx, 1.27))
	require.NoError(t, d.Stop())
	require.NoError(t, d.SetZero())
	pos, err := d.Position(ctx)
	require.NoError(t, err)
	assert.Zero(t, pos)
	assert.Equal(t, []string{"ST", "EP0", "SP0", "EP"}, far.sent[len(far.sent)-4:])
}
