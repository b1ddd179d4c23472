// Copyright (c) 2020–2024 The daqrig developers. All rights reserved.
// Project site: https://github.com/bapsf/daqrig
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package wavedesc

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Encode builds a waveform record, prefix included, from raw sample counts.
// The counts of all segments are concatenated; SubarrayCount in h decides
// how they are split. Block lengths in h are recomputed from the arguments.
// It is the inverse of Decode and is used to simulate digitizers.
func Encode(h Header, counts []int, trig []TriggerTime) []byte {
	if h.Order == nil {
		h.Order = binary.LittleEndian
	}
	h.DescriptorLen = DescriptorLen
	h.UserTextLen = 0
	h.RISTimeLen = 0
	h.ResArray1Len = 0
	h.TrigTimeLen = 16 * len(trig)
	h.WaveArray1Len = len(counts) * h.Width()
	h.WaveArrayCount = len(counts)

	body := make([]byte, DescriptorLen+h.TrigTimeLen+h.WaveArray1Len)
	d := body[:DescriptorLen]
	w := fieldWriter{b: d, o: h.Order}
	copy(d[0:16], "WAVEDESC")
	copy(d[16:32], "LECROY_2_3")
	w.i16(32, h.CommType)
	if h.Order == binary.LittleEndian {
		w.i16(34, 1)
	}
	w.i32(36, h.DescriptorLen)
	w.i32(40, h.UserTextLen)
	w.i32(48, h.TrigTimeLen)
	w.i32(52, h.RISTimeLen)
	w.i32(56, h.ResArray1Len)
	w.i32(60, h.WaveArray1Len)
	copy(d[76:92], h.InstrumentName)
	w.i32(92, h.InstrumentNumber)
	copy(d[96:112], h.TraceLabel)
	w.i32(116, h.WaveArrayCount)
	w.i32(120, h.WaveArrayCount)
	w.i32(128, h.WaveArrayCount-1)
	w.i32(136, 1)
	w.i32(140, h.SegmentIndex)
	w.i32(144, h.SubarrayCount)
	w.i32(148, h.SweepsPerAcq)
	w.f32(156, h.VerticalGain)
	w.f32(160, h.VerticalOffset)
	w.i16(172, h.NominalBits)
	w.i16(174, h.SubarrayCount)
	w.f32(176, h.HorizInterval)
	w.f64(180, h.HorizOffset)
	copy(d[196:244], h.VertUnit)
	copy(d[244:292], h.HorUnit)
	w.f64(296, h.TriggerSecond)
	d[304] = byte(h.TriggerMinute)
	d[305] = byte(h.TriggerHour)
	d[306] = byte(h.TriggerDay)
	d[307] = byte(h.TriggerMonth)
	w.i16(308, h.TriggerYear)
	w.f32(312, h.AcqDuration)
	w.i16(316, h.RecordType)
	w.i16(324, h.Timebase)
	w.i16(326, h.VertCoupling)
	w.f32(328, h.ProbeAtt)
	w.i16(344, h.WaveSource)

	tw := fieldWriter{b: body[DescriptorLen : DescriptorLen+h.TrigTimeLen], o: h.Order}
	for i, t := range trig {
		tw.f64(16*i, t.Time)
		tw.f64(16*i+8, t.Offset)
	}

	data := body[DescriptorLen+h.TrigTimeLen:]
	for i, c := range counts {
		if h.Width() == 2 {
			h.Order.PutUint16(data[2*i:], uint16(int16(c)))
		} else {
			data[i] = byte(int8(c))
		}
	}

	prefix := fmt.Sprintf("ALL,#9%09d", len(body))
	return append([]byte(prefix), body...)
}

type fieldWriter struct {
	b []byte
	o binary.ByteOrder
}

func (w fieldWriter) i16(at, v int) { w.o.PutUint16(w.b[at:], uint16(int16(v))) }
func (w fieldWriter) i32(at, v int) { w.o.PutUint32(w.b[at:], uint32(int32(v))) }
func (w fieldWriter) f32(at int, v float64) { w.o.PutUint32(w.b[at:], math.Float32bits(float32(v))) }
func (w fieldWriter) f64(at int, v float64) { w.o.PutUint64(w.b[at:], math.Float64bits(v)) }
