// Copyright (c) 2020–2024 The daqrig developers. All rights reserved.
// Project site: https://github.com/bapsf/daqrig
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

// Package vicp implements the LeCroy VICP framing used by its oscilloscopes
// on TCP port 1861. Each message is preceded by an 8 byte header:
//
//	byte 0   operation flags (DATA, REMOTE, EOI, ...)
//	byte 1   protocol version (1)
//	byte 2   sequence number
//	byte 3   spare
//	byte 4-7 payload length, big endian
package vicp

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

// Port is the TCP port LeCroy instruments listen on.
const Port = 1861

// Operation flags.
const (
	OpData       = 0x80
	OpRemote     = 0x40
	OpLockout    = 0x20
	OpClear      = 0x10
	OpSRQ        = 0x08
	OpSerialPoll = 0x04
	OpEOI        = 0x01
)

const headerLen = 8

// Conn is a VICP connection. It implements io.ReadWriter: every Write is
// sent as one message terminated with EOI, and Read returns payload bytes
// of received data messages in order, hiding the framing.
type Conn struct {
	rw      io.ReadWriter
	seq     byte
	pending int // payload bytes left in the current incoming frame
	eoi     bool
}

// New wraps an established stream, typically a net.Conn.
func New(rw io.ReadWriter) *Conn {
	return &Conn{rw: rw, seq: 1}
}

// Dial connects to a VICP instrument. addr may omit the port.
func Dial(addr string, timeout time.Duration) (*Conn, net.Conn, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, fmt.Sprint(Port))
	}
	nc, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, nil, err
	}
	return New(nc), nc, nil
}

// Write sends p as a single data message with EOI set.
func (c *Conn) Write(p []byte) (int, error) {
	var hdr [headerLen]byte
	hdr[0] = OpData | OpRemote | OpEOI
	hdr[1] = 1
	hdr[2] = c.seq
	binary.BigEndian.PutUint32(hdr[4:], uint32(len(p)))
	c.seq++
	if c.seq == 0 {
		c.seq = 1
	}
	if _, err := c.rw.Write(append(hdr[:], p...)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Read reads payload bytes, consuming frame headers as needed.
func (c *Conn) Read(p []byte) (int, error) {
	for c.pending == 0 {
		var hdr [headerLen]byte
		if _, err := io.ReadFull(c.rw, hdr[:]); err != nil {
			return 0, err
		}
		if hdr[0]&OpData == 0 {
			return 0, fmt.Errorf("vicp: unexpected operation %#02x", hdr[0])
		}
		c.pending = int(binary.BigEndian.Uint32(hdr[4:]))
		c.eoi = hdr[0]&OpEOI != 0
	}
	if len(p) > c.pending {
		p = p[:c.pending]
	}
	n, err := c.rw.Read(p)
	c.pending -= n
	return n, err
}

// EOI reports whether the frame being read is the last of a message.
func (c *Conn) EOI() bool { return c.eoi }
