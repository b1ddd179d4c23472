package cmdlog

import (
	"bytes"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type canned struct {
	resp  string
	block []byte
	err   error
	sent  []string
}

func (c *canned) Command(format string, a ...any) error {
	c.sent = append(c.sent, format)
	return c.err
}
func (c *canned) Query(q string) (string, error)      { c.sent = append(c.sent, q); return c.resp, c.err }
func (c *canned) QueryBlock(q string) ([]byte, error) { c.sent = append(c.sent, q); return c.block, c.err }

func TestTraceLogsExchanges(t *testing.T) {
	var buf bytes.Buffer
	inst := &canned{resp: "STOP", block: []byte("#9000000002\x01\x02")}
	tr := New(inst, zerolog.New(&buf).Level(zerolog.DebugLevel))

	s, err := tr.Query("TRIG_MODE?")
	require.NoError(t, err)
	assert.Equal(t, "STOP", s)
	require.NoError(t, tr.Command("TRIG_MODE SINGLE"))
	_, err = tr.QueryBlock("C1:WF? ALL")
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "TRIG_MODE?")
	assert.Contains(t, out, `\"STOP\"`)
	assert.Contains(t, out, "TRIG_MODE SINGLE")
	assert.Contains(t, out, "[13]")
	assert.Equal(t, []string{"TRIG_MODE?", "TRIG_MODE SINGLE", "C1:WF? ALL"}, inst.sent)
}

func TestTracePassesErrors(t *testing.T) {
	var buf bytes.Buffer
	boom := errors.New("boom")
	tr := New(&canned{err: boom}, zerolog.New(&buf).Level(zerolog.DebugLevel))

	_, err := tr.Query("*IDN?")
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, tr.Command("STOP"), boom)
	assert.Contains(t, buf.String(), "boom")
}

func TestIsAscii(t *testing.T) {
	assert.True(t, isAscii("LECROY,HDO4104\r\n"))
	assert.False(t, isAscii("\x01\x02"))
	assert.False(t, isAscii("\xff"))
}
