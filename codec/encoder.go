package codec

import (
	"encoding/binary"
	"io"

	"github.com/colorfulnotion/wasmstep/ir"
)

// Encoder writes the flat format to an io.Writer. The first write error is
// kept and every later call becomes a no-op.
type Encoder struct {
	w   io.Writer
	err error
	buf [8]byte
}

// NewEncoder creates a new encoder with the given writer.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Err returns the first write error.
func (e *Encoder) Err() error { return e.err }

func (e *Encoder) write(b []byte) {
	if e.err != nil {
		return
	}
	_, e.err = e.w.Write(b)
}

func (e *Encoder) Uint8(v uint8) {
	e.buf[0] = v
	e.write(e.buf[:1])
}

func (e *Encoder) Bool(v bool) {
	if v {
		e.Uint8(1)
	} else {
		e.Uint8(0)
	}
}

func (e *Encoder) Uint32(v uint32) {
	binary.LittleEndian.PutUint32(e.buf[:4], v)
	e.write(e.buf[:4])
}

func (e *Encoder) Uint64(v uint64) {
	binary.LittleEndian.PutUint64(e.buf[:8], v)
	e.write(e.buf[:8])
}

// Bytes writes a u64 length prefix followed by b.
func (e *Encoder) Bytes(b []byte) {
	e.Uint64(uint64(len(b)))
	e.write(b)
}

func (e *Encoder) String(s string) {
	e.Bytes([]byte(s))
}

// Value writes the kind tag and the kind-sized payload.
func (e *Encoder) Value(v ir.Value) {
	e.Uint8(uint8(v.Kind()))
	e.write(v.Bytes())
}

// Values writes a u64 count followed by each value.
func (e *Encoder) Values(vs []ir.Value) {
	e.Uint64(uint64(len(vs)))
	for _, v := range vs {
		e.Value(v)
	}
}
