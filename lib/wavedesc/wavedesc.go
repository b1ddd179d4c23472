// Copyright (c) 2020–2024 The daqrig developers. All rights reserved.
// Project site: https://github.com/bapsf/daqrig
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

// Package wavedesc decodes LeCroy WAVEDESC waveform records, as returned by
// the `<trace>:WAVEFORM?` query, into calibrated samples.
//
// A record is an IEEE 488.2 definite length block (#9nnnnnnnnn) holding a
// 346 byte descriptor followed by optional user text, trigger time array,
// interleave (RIS) time array, a reserved array, and finally the sample array.
package wavedesc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"
)

// DescriptorLen is the length of the WAVEDESC block for template LECROY_2_3.
const DescriptorLen = 346

// ErrMalformedHeader is returned for any record that cannot be decoded.
var ErrMalformedHeader = errors.New("malformed waveform header")

// Sample widths as reported by COMM_TYPE.
const (
	Byte = 0
	Word = 1
)

// Header holds the fields of a WAVEDESC block needed to calibrate and place
// samples in time.
type Header struct {
	Order    binary.ByteOrder
	CommType int

	DescriptorLen int
	UserTextLen   int
	TrigTimeLen   int
	RISTimeLen    int
	ResArray1Len  int
	WaveArray1Len int // bytes

	InstrumentName   string
	InstrumentNumber int
	TraceLabel       string

	WaveArrayCount int
	SegmentIndex   int
	SubarrayCount  int
	SweepsPerAcq   int

	VerticalGain   float64
	VerticalOffset float64
	NominalBits    int
	HorizInterval  float64
	HorizOffset    float64
	VertUnit       string
	HorUnit        string

	TriggerSecond float64
	TriggerMinute int
	TriggerHour   int
	TriggerDay    int
	TriggerMonth  int
	TriggerYear   int

	AcqDuration  float64
	RecordType   int
	Timebase     int
	VertCoupling int
	ProbeAtt     float64
	WaveSource   int

	// offset of the descriptor within the buffer it was parsed from
	blockOffset int
}

// Width is the size of a single sample in bytes.
func (h *Header) Width() int {
	if h.CommType == Word {
		return 2
	}
	return 1
}

// Segments is the number of sequence-mode segments; 1 for single capture.
func (h *Header) Segments() int {
	if h.SubarrayCount < 1 {
		return 1
	}
	return h.SubarrayCount
}

// Samples is the number of samples in one segment.
func (h *Header) Samples() int {
	return h.WaveArray1Len / h.Width() / h.Segments()
}

// TimeBase returns the sample times of one segment, in seconds.
func (h *Header) TimeBase() []float64 {
	n := h.Samples()
	tb := make([]float64, n)
	for i := range tb {
		tb[i] = h.HorizOffset + float64(i)*h.HorizInterval
	}
	return tb
}

// TriggerTime returns the trigger timestamp recorded by the instrument. The
// instrument clock carries no zone, so UTC is assumed.
func (h *Header) TriggerTime() time.Time {
	sec, frac := math.Modf(h.TriggerSecond)
	return time.Date(h.TriggerYear, time.Month(h.TriggerMonth), h.TriggerDay,
		h.TriggerHour, h.TriggerMinute, int(sec), int(frac*1e9), time.UTC)
}

// Trace is a decoded waveform record for one channel.
type Trace struct {
	Channel  string
	Header   *Header
	Raw      []byte      // the descriptor bytes exactly as received
	Segments [][]float64 // one entry per segment
	// TriggerTimes holds the per-segment trigger time and offset in
	// sequence mode. It is nil when the record has no trigger time array.
	TriggerTimes []TriggerTime
}

// TriggerTime is one entry of the trigger time array.
type TriggerTime struct {
	Time   float64 // seconds since the first trigger
	Offset float64 // seconds from trigger to first sample
}

// Samples returns all segments concatenated.
func (t *Trace) Samples() []float64 {
	if len(t.Segments) == 1 {
		return t.Segments[0]
	}
	var out []float64
	for _, s := range t.Segments {
		out = append(out, s...)
	}
	return out
}

// BlockOffset locates the start of the descriptor by parsing the definite
// length block prefix, e.g. "ALL,#9000000346" or "#9000000346".
func BlockOffset(buf []byte) (int, error) {
	// Some transports strip the block prefix.
	if bytes.HasPrefix(buf, []byte("WAVEDESC")) {
		return 0, nil
	}
	i := bytes.IndexByte(buf, '#')
	if i < 0 || i+2 > len(buf) {
		return 0, fmt.Errorf("%w: no block prefix", ErrMalformedHeader)
	}
	nd := int(buf[i+1] - '0')
	if nd < 1 || nd > 9 || i+2+nd > len(buf) {
		return 0, fmt.Errorf("%w: bad block prefix %q", ErrMalformedHeader, buf[i:min(len(buf), i+2)])
	}
	if _, err := strconv.Atoi(string(buf[i+2 : i+2+nd])); err != nil {
		return 0, fmt.Errorf("%w: block length: %v", ErrMalformedHeader, err)
	}
	return i + 2 + nd, nil
}

// ParseHeader parses the descriptor of a waveform record.
func ParseHeader(buf []byte) (*Header, error) {
	off, err := BlockOffset(buf)
	if err != nil {
		return nil, err
	}
	if len(buf) < off+DescriptorLen {
		return nil, fmt.Errorf("%w: %d bytes, need %d for descriptor", ErrMalformedHeader, len(buf), off+DescriptorLen)
	}
	d := buf[off : off+DescriptorLen]
	if name := cstring(d[0:16]); name != "WAVEDESC" {
		return nil, fmt.Errorf("%w: descriptor name %q", ErrMalformedHeader, name)
	}

	// COMM_ORDER is itself written in the order it declares: 0 (HIFIRST)
	// reads the same either way, 1 (LOFIRST) only appears as 01 00.
	var order binary.ByteOrder
	switch {
	case d[34] == 0 && d[35] == 0:
		order = binary.BigEndian
	case d[34] == 1 && d[35] == 0:
		order = binary.LittleEndian
	default:
		return nil, fmt.Errorf("%w: comm order % x", ErrMalformedHeader, d[34:36])
	}

	r := fieldReader{b: d, o: order}
	h := &Header{
		Order:            order,
		CommType:         r.i16(32),
		DescriptorLen:    r.i32(36),
		UserTextLen:      r.i32(40),
		TrigTimeLen:      r.i32(48),
		RISTimeLen:       r.i32(52),
		ResArray1Len:     r.i32(56),
		WaveArray1Len:    r.i32(60),
		InstrumentName:   cstring(d[76:92]),
		InstrumentNumber: r.i32(92),
		TraceLabel:       cstring(d[96:112]),
		WaveArrayCount:   r.i32(116),
		SegmentIndex:     r.i32(140),
		SubarrayCount:    r.i32(144),
		SweepsPerAcq:     r.i32(148),
		VerticalGain:     r.f32(156),
		VerticalOffset:   r.f32(160),
		NominalBits:      r.i16(172),
		HorizInterval:    r.f32(176),
		HorizOffset:      r.f64(180),
		VertUnit:         cstring(d[196:244]),
		HorUnit:          cstring(d[244:292]),
		TriggerSecond:    r.f64(296),
		TriggerMinute:    int(d[304]),
		TriggerHour:      int(d[305]),
		TriggerDay:       int(d[306]),
		TriggerMonth:     int(d[307]),
		TriggerYear:      r.i16(308),
		AcqDuration:      r.f32(312),
		RecordType:       r.i16(316),
		Timebase:         r.i16(324),
		VertCoupling:     r.i16(326),
		ProbeAtt:         r.f32(328),
		WaveSource:       r.i16(344),
		blockOffset:      off,
	}

	switch {
	case h.CommType != Byte && h.CommType != Word:
		return nil, fmt.Errorf("%w: comm type %d", ErrMalformedHeader, h.CommType)
	case h.DescriptorLen < DescriptorLen:
		return nil, fmt.Errorf("%w: descriptor length %d", ErrMalformedHeader, h.DescriptorLen)
	case h.UserTextLen < 0, h.TrigTimeLen < 0, h.RISTimeLen < 0, h.ResArray1Len < 0:
		return nil, fmt.Errorf("%w: negative block length", ErrMalformedHeader)
	case h.WaveArray1Len <= 0:
		return nil, fmt.Errorf("%w: no samples (trace off or not triggered?)", ErrMalformedHeader)
	case h.WaveArray1Len%(h.Width()*h.Segments()) != 0:
		return nil, fmt.Errorf("%w: %d bytes do not divide into %d segments of width %d",
			ErrMalformedHeader, h.WaveArray1Len, h.Segments(), h.Width())
	}
	return h, nil
}

// payloadOffset is the offset of the sample array within the record.
func (h *Header) payloadOffset() int {
	return h.blockOffset + h.DescriptorLen + h.UserTextLen + h.TrigTimeLen + h.RISTimeLen + h.ResArray1Len
}

// Decode decodes a full waveform record. If segments is positive the record
// must hold exactly that many segments; zero accepts whatever the header
// declares.
func Decode(buf []byte, segments int) (*Trace, error) {
	h, err := ParseHeader(buf)
	if err != nil {
		return nil, err
	}
	if segments > 0 && h.Segments() != segments {
		return nil, fmt.Errorf("%w: %d segments, expected %d", ErrMalformedHeader, h.Segments(), segments)
	}
	start := h.payloadOffset()
	end := start + h.WaveArray1Len
	if start > len(buf) || end > len(buf) {
		return nil, fmt.Errorf("%w: payload [%d:%d] exceeds %d byte record", ErrMalformedHeader, start, end, len(buf))
	}

	data := buf[start:end]
	n := h.Samples()
	w := h.Width()
	tr := &Trace{
		Header:   h,
		Raw:      append([]byte(nil), buf[h.blockOffset:h.blockOffset+DescriptorLen]...),
		Segments: make([][]float64, h.Segments()),
	}
	for s := range tr.Segments {
		seg := make([]float64, n)
		for i := range seg {
			p := (s*n + i) * w
			var raw float64
			if w == 2 {
				raw = float64(int16(h.Order.Uint16(data[p:])))
			} else {
				raw = float64(int8(data[p]))
			}
			seg[i] = raw*h.VerticalGain - h.VerticalOffset
		}
		tr.Segments[s] = seg
	}

	if h.TrigTimeLen >= 16*h.Segments() {
		tt := h.blockOffset + h.DescriptorLen + h.UserTextLen
		r := fieldReader{b: buf[tt : tt+h.TrigTimeLen], o: h.Order}
		tr.TriggerTimes = make([]TriggerTime, h.Segments())
		for s := range tr.TriggerTimes {
			tr.TriggerTimes[s] = TriggerTime{Time: r.f64(16 * s), Offset: r.f64(16*s + 8)}
		}
	}
	return tr, nil
}

type fieldReader struct {
	b []byte
	o binary.ByteOrder
}

func (r fieldReader) i16(at int) int { return int(int16(r.o.Uint16(r.b[at:]))) }
func (r fieldReader) i32(at int) int { return int(int32(r.o.Uint32(r.b[at:]))) }
func (r fieldReader) f32(at int) float64 { return float64(math.Float32frombits(r.o.Uint32(r.b[at:]))) }
func (r fieldReader) f64(at int) float64 { return math.Float64frombits(r.o.Uint64(r.b[at:])) }

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(bytes.TrimSpace(b))
}
