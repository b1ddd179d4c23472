package vicp

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pipe struct {
	out bytes.Buffer
	in  bytes.Buffer
}

func (p *pipe) Write(b []byte) (int, error) { return p.out.Write(b) }
func (p *pipe) Read(b []byte) (int, error)  { return p.in.Read(b) }

func frame(op byte, payload string) []byte {
	hdr := []byte{op, 1, 0, 0, 0, 0, 0, 0}
	binary.BigEndian.PutUint32(hdr[4:], uint32(len(payload)))
	return append(hdr, payload...)
}

func TestWrite(t *testing.T) {
	p := &pipe{}
	c := New(p)

	n, err := c.Write([]byte("*IDN?\n"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	_, err = c.Write([]byte("X"))
	require.NoError(t, err)

	b := p.out.Bytes()
	assert.Equal(t, byte(OpData|OpRemote|OpEOI), b[0])
	assert.Equal(t, byte(1), b[2])
	assert.Equal(t, uint32(6), binary.BigEndian.Uint32(b[4:8]))
	assert.Equal(t, "*IDN?\n", string(b[8:14]))
	assert.Equal(t, byte(2), b[14+2])
}

func TestReadAcrossFrames(t *testing.T) {
	p := &pipe{}
	p.in.Write(frame(OpData, "ALL,#9000000"))
	p.in.Write(frame(OpData|OpEOI, "003abc\n"))
	c := New(p)

	got, err := io.ReadAll(c)
	require.NoError(t, err)
	assert.Equal(t, "ALL,#9000000003abc\n", string(got))
	assert.True(t, c.EOI())
}

func TestReadRejectsNonData(t *testing.T) {
	p := &pipe{}
	p.in.Write(frame(OpSRQ, ""))
	c := New(p)

	_, err := c.Read(make([]byte, 4))
	assert.Error(t, err)
}

func TestDial(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		defer nc.Close()
		var hdr [headerLen]byte
		if _, err := io.ReadFull(nc, hdr[:]); err != nil {
			return
		}
		q := make([]byte, binary.BigEndian.Uint32(hdr[4:]))
		if _, err := io.ReadFull(nc, q); err != nil {
			return
		}
		nc.Write(frame(OpData|OpEOI, "LECROY,WR8254M,1,9.9\n"))
	}()

	c, nc, err := Dial(ln.Addr().String(), time.Second)
	require.NoError(t, err)
	defer nc.Close()
	_, err = c.Write([]byte("*IDN?\n"))
	require.NoError(t, err)
	buf := make([]byte, len("LECROY,WR8254M,1,9.9\n"))
	_, err = io.ReadFull(c, buf)
	require.NoError(t, err)
	assert.Equal(t, "LECROY,WR8254M,1,9.9\n", string(buf))
	assert.True(t, c.EOI())

	_, _, err = Dial("127.0.0.1:1", 100*time.Millisecond)
	assert.Error(t, err)
}
