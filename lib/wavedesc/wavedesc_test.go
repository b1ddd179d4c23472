package wavedesc

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHeader(commType int, order binary.ByteOrder) Header {
	return Header{
		Order:          order,
		CommType:       commType,
		InstrumentName: "LECROYHDO4104",
		VerticalGain:   0.5,
		VerticalOffset: 1,
		HorizInterval:  1e-9,
		HorizOffset:    -2e-6,
		SweepsPerAcq:   1,
		TriggerSecond:  12.25,
		TriggerMinute:  30,
		TriggerHour:    14,
		TriggerDay:     3,
		TriggerMonth:   7,
		TriggerYear:    2024,
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		name     string
		commType int
		order    binary.ByteOrder
		counts   []int
	}{
		{"word-lofirst", Word, binary.LittleEndian, []int{0, 1, -1, 1000, -32768, 32767}},
		{"word-hifirst", Word, binary.BigEndian, []int{5, -5, 300, -300}},
		{"byte-lofirst", Byte, binary.LittleEndian, []int{0, 127, -128, 3}},
		{"byte-hifirst", Byte, binary.BigEndian, []int{-1, 2, -3, 4, -5}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := testHeader(tc.commType, tc.order)
			buf := Encode(h, tc.counts, nil)

			tr, err := Decode(buf, 0)
			require.NoError(t, err)
			require.Len(t, tr.Segments, 1)
			require.Len(t, tr.Segments[0], len(tc.counts))
			for i, c := range tc.counts {
				assert.InDelta(t, float64(c)*0.5-1, tr.Segments[0][i], 1e-12, "sample %d", i)
			}
			assert.Equal(t, tc.order, tr.Header.Order)
			assert.Equal(t, "LECROYHDO4104", tr.Header.InstrumentName)
			assert.Len(t, tr.Raw, DescriptorLen)
			assert.Nil(t, tr.TriggerTimes)
		})
	}
}

func TestDecodeTimeBase(t *testing.T) {
	h := testHeader(Word, binary.LittleEndian)
	tr, err := Decode(Encode(h, []int{1, 2, 3, 4}, nil), 0)
	require.NoError(t, err)

	tb := tr.Header.TimeBase()
	require.Len(t, tb, 4)
	for i, v := range tb {
		assert.InDelta(t, -2e-6+float64(i)*1e-9, v, 1e-15)
	}
	assert.Equal(t, time.Date(2024, 7, 3, 14, 30, 12, 250000000, time.UTC), tr.Header.TriggerTime())
}

func TestDecodeSequence(t *testing.T) {
	h := testHeader(Word, binary.LittleEndian)
	h.SubarrayCount = 3
	counts := []int{1, 2, 3, 4, 5, 6}
	trig := []TriggerTime{{0, 1e-9}, {1e-3, 2e-9}, {2e-3, 3e-9}}
	buf := Encode(h, counts, trig)

	tr, err := Decode(buf, 3)
	require.NoError(t, err)
	require.Len(t, tr.Segments, 3)
	assert.InDeltaSlice(t, []float64{-0.5, 0}, tr.Segments[0], 1e-12)
	assert.InDeltaSlice(t, []float64{1.5, 2}, tr.Segments[2], 1e-12)
	assert.Equal(t, trig, tr.TriggerTimes)
	assert.Len(t, tr.Header.TimeBase(), 2)
	assert.Len(t, tr.Samples(), 6)

	_, err = Decode(buf, 2)
	assert.ErrorIs(t, err, ErrMalformedHeader)
	_, err = Decode(buf, 1)
	assert.ErrorIs(t, err, ErrMalformedHeader)
}

func TestDecodeMalformed(t *testing.T) {
	good := Encode(testHeader(Word, binary.LittleEndian), []int{1, 2, 3, 4}, nil)
	prefix := len("ALL,#9000000000")

	mutate := func(f func(b []byte) []byte) []byte {
		b := append([]byte(nil), good...)
		return f(b)
	}

	for _, tc := range []struct {
		name string
		buf  []byte
	}{
		{"empty", nil},
		{"no-prefix", []byte("garbage")},
		{"short-header", good[:prefix+100]},
		{"bad-name", mutate(func(b []byte) []byte { copy(b[prefix:], "WAVEDESX"); return b })},
		{"bad-comm-type", mutate(func(b []byte) []byte { b[prefix+32] = 7; return b })},
		{"bad-comm-order", mutate(func(b []byte) []byte { b[prefix+34] = 2; return b })},
		{"zero-samples", mutate(func(b []byte) []byte {
			binary.LittleEndian.PutUint32(b[prefix+60:], 0)
			return b
		})},
		{"odd-word-count", mutate(func(b []byte) []byte {
			binary.LittleEndian.PutUint32(b[prefix+60:], 7)
			return b
		})},
		{"payload-beyond-buffer", good[:len(good)-1]},
		{"user-text-beyond-buffer", mutate(func(b []byte) []byte {
			binary.LittleEndian.PutUint32(b[prefix+40:], 1<<20)
			return b
		})},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tr, err := Decode(tc.buf, 0)
			require.ErrorIs(t, err, ErrMalformedHeader)
			assert.Nil(t, tr)
		})
	}
}

func TestBlockOffset(t *testing.T) {
	off, err := BlockOffset([]byte("ALL,#9000000346WAVEDESC"))
	require.NoError(t, err)
	assert.Equal(t, 15, off)

	off, err = BlockOffset([]byte("#44096WAVEDESC"))
	require.NoError(t, err)
	assert.Equal(t, 6, off)

	off, err = BlockOffset([]byte("WAVEDESC"))
	require.NoError(t, err)
	assert.Equal(t, 0, off)

	_, err = BlockOffset([]byte("#x"))
	assert.ErrorIs(t, err, ErrMalformedHeader)
}
