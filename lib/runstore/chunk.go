// Copyright (c) 2020–2024 The daqrig developers. All rights reserved.
// Project site: https://github.com/bapsf/daqrig
// Use of this source code is governed by a MIT-style license that
// can be found in the LICENSE.txt file for the project.

package runstore

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"math"
)

// Sample data is stored as little endian float64, byte-shuffled so the
// slowly varying high bytes of neighbouring samples sit together, then
// deflated. The CRC covers the stored bytes.

const sampleSize = 8

func shuffle(b []byte, size int) []byte {
	n := len(b) / size
	out := make([]byte, len(b))
	for i := 0; i < n; i++ {
		for j := 0; j < size; j++ {
			out[j*n+i] = b[i*size+j]
		}
	}
	return out
}

func unshuffle(b []byte, size int) []byte {
	n := len(b) / size
	out := make([]byte, len(b))
	for i := 0; i < n; i++ {
		for j := 0; j < size; j++ {
			out[i*size+j] = b[j*n+i]
		}
	}
	return out
}

func encodeChunk(samples []float64, level int) ([]byte, uint32, error) {
	raw := make([]byte, len(samples)*sampleSize)
	for i, v := range samples {
		binary.LittleEndian.PutUint64(raw[i*sampleSize:], math.Float64bits(v))
	}
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, level)
	if err != nil {
		return nil, 0, err
	}
	if _, err := w.Write(shuffle(raw, sampleSize)); err != nil {
		return nil, 0, err
	}
	if err := w.Close(); err != nil {
		return nil, 0, err
	}
	return buf.Bytes(), crc32.ChecksumIEEE(buf.Bytes()), nil
}

func decodeChunk(data []byte, crc uint32) ([]float64, error) {
	if got := crc32.ChecksumIEEE(data); got != crc {
		return nil, fmt.Errorf("%w: crc %08x, stored %08x", ErrChecksum, got, crc)
	}
	raw, err := io.ReadAll(flate.NewReader(bytes.NewReader(data)))
	if err != nil {
		return nil, fmt.Errorf("inflate: %w", err)
	}
	if len(raw)%sampleSize != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a whole number of samples", ErrChecksum, len(raw))
	}
	raw = unshuffle(raw, sampleSize)
	out := make([]float64, len(raw)/sampleSize)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[i*sampleSize:]))
	}
	return out, nil
}

func encodeFloats(v []float64) []byte {
	if v == nil {
		return nil
	}
	b := make([]byte, len(v)*sampleSize)
	for i, f := range v {
		binary.LittleEndian.PutUint64(b[i*sampleSize:], math.Float64bits(f))
	}
	return b
}

func decodeFloats(b []byte) []float64 {
	if b == nil {
		return nil
	}
	v := make([]float64, len(b)/sampleSize)
	for i := range v {
		v[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[i*sampleSize:]))
	}
	return v
}
