package daqrig

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/gotmc/query"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loopback records writes and serves canned responses.
type loopback struct {
	sent bytes.Buffer
	resp bytes.Buffer
}

func (l *loopback) Write(p []byte) (int, error) { return l.sent.Write(p) }
func (l *loopback) Read(p []byte) (int, error)  { return l.resp.Read(p) }

func TestCommand(t *testing.T) {
	l := &loopback{}
	c := NewController(l)

	require.NoError(t, c.Command("  TRIG_MODE SINGLE \n"))
	require.NoError(t, c.Command("C%d:TRACE?", 2))
	assert.Equal(t, "TRIG_MODE SINGLE\nC2:TRACE?\n", l.sent.String())
}

func TestQuery(t *testing.T) {
	l := &loopback{}
	l.resp.WriteString("STOP\nLECROY,HDO4104,1234,8.1\n")
	c := NewController(l)

	s, err := c.Query("TRIG_MODE?")
	require.NoError(t, err)
	assert.Equal(t, "STOP", s)

	idn, err := query.String(c, "*IDN?")
	require.NoError(t, err)
	assert.Equal(t, "LECROY,HDO4104,1234,8.1", idn)
	assert.Equal(t, "TRIG_MODE?\n*IDN?\n", l.sent.String())
}

func TestQueryTerminator(t *testing.T) {
	l := &loopback{}
	l.resp.WriteString("1000\r")
	c := NewController(l, WithTerminator('\r', '\r'))

	s, err := c.Query("SP")
	require.NoError(t, err)
	assert.Equal(t, "1000", s)
	assert.Equal(t, "SP\r", l.sent.String())
}

func TestQueryBlock(t *testing.T) {
	l := &loopback{}
	l.resp.WriteString("ALL,#9000000005\x01\x02#\n\x05\nOFF\n")
	c := NewController(l)

	b, err := c.QueryBlock("C1:WF? ALL")
	require.NoError(t, err)
	assert.Equal(t, []byte("ALL,#9000000005\x01\x02#\n\x05"), b)

	// the block terminator must not leak into the next response
	s, err := c.Query("C1:TRACE?")
	require.NoError(t, err)
	assert.Equal(t, "OFF", s)
}

func TestQueryBlockLarge(t *testing.T) {
	for _, n := range []int{1000, 200_000, 2_000_000} {
		t.Run(fmt.Sprint(n), func(t *testing.T) {
			l := &loopback{}
			fmt.Fprintf(&l.resp, "ALL,#9%09d", n)
			l.resp.Write(bytes.Repeat([]byte{0x7f}, n))
			l.resp.WriteString("\nSTOP\n")
			c := NewController(l)

			b, err := c.QueryBlock("C1:WF? ALL")
			require.NoError(t, err)
			assert.Len(t, b, len("ALL,#9")+9+n)

			s, err := c.Query("TRIG_MODE?")
			require.NoError(t, err)
			assert.Equal(t, "STOP", s)
		})
	}
}

func TestWriteDelay(t *testing.T) {
	l := &loopback{}
	c := NewController(l, WithWriteDelay(20*time.Millisecond))

	start := time.Now()
	for range 3 {
		require.NoError(t, c.Command("EP"))
	}
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	assert.Equal(t, "EP\nEP\nEP\n", l.sent.String())
}

func TestQueryBlockInvalid(t *testing.T) {
	l := &loopback{}
	l.resp.WriteString("#0\n")
	c := NewController(l)

	_, err := c.QueryBlock("C1:WF? ALL")
	assert.Error(t, err)
}
