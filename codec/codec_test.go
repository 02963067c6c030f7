package codec

import (
	"bytes"
	"math"
	"testing"

	"github.com/colorfulnotion/wasmstep/ir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	a    uint32
	b    uint64
	name string
	vals []ir.Value
}

func (s *sample) EncodeTo(e *Encoder) {
	e.Uint32(s.a)
	e.Uint64(s.b)
	e.String(s.name)
	e.Values(s.vals)
}

func (s *sample) DecodeFrom(d *Decoder) error {
	s.a = d.Uint32()
	s.b = d.Uint64()
	s.name = d.String()
	s.vals = d.Values()
	return d.Err()
}

func TestWireLayout(t *testing.T) {
	var buf bytes.Buffer
	e := NewEncoder(&buf)
	e.Uint32(0x01020304)
	e.Value(ir.ValueI32(-1))
	e.Value(ir.VoidValue)
	e.Value(ir.ValueF64(1.5))
	e.String("ab")
	require.NoError(t, e.Err())

	want := []byte{
		0x04, 0x03, 0x02, 0x01,
		1, 0xff, 0xff, 0xff, 0xff,
		0,
		4, 0, 0, 0, 0, 0, 0, 0xf8, 0x3f,
		2, 0, 0, 0, 0, 0, 0, 0, 'a', 'b',
	}
	assert.Equal(t, want, buf.Bytes())
}

func TestRoundTrip(t *testing.T) {
	in := &sample{
		a:    7,
		b:    math.MaxUint64,
		name: "quicksort",
		vals: []ir.Value{ir.ValueI32(3), ir.ValueI64(-9), ir.ValueF32(float32(math.NaN())), ir.ValueF64(-0.0), ir.VoidValue},
	}
	data, err := Marshal(in)
	require.NoError(t, err)

	out := &sample{}
	require.NoError(t, Unmarshal(data, out))
	assert.Equal(t, in.a, out.a)
	assert.Equal(t, in.b, out.b)
	assert.Equal(t, in.name, out.name)
	require.Len(t, out.vals, len(in.vals))
	for i := range in.vals {
		assert.True(t, in.vals[i].Equal(out.vals[i]), "value %d", i)
	}
}

func TestRejectsBadInput(t *testing.T) {
	data := MustMarshal(&sample{name: "x"})

	assert.ErrorIs(t, Unmarshal(append(data, 0), &sample{}), ErrTrailingBytes)
	assert.Error(t, Unmarshal(data[:len(data)-3], &sample{}))

	// a value tag outside the known kinds
	d := NewDecoder(bytes.NewReader([]byte{9, 0, 0, 0, 0}))
	d.Value()
	assert.Error(t, d.Err())

	// a blob claiming more bytes than remain
	d = NewDecoder(bytes.NewReader([]byte{0xff, 0, 0, 0, 0, 0, 0, 0}))
	d.Bytes()
	assert.ErrorIs(t, d.Err(), ErrBlobTooLarge)
}
