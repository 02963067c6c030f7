package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/colorfulnotion/wasmstep/ir"
)

// Decoder reads the flat format. Like Encoder it keeps the first error;
// values read after an error are zero.
type Decoder struct {
	r   *bytes.Reader
	err error
	buf [8]byte
}

// NewDecoder creates a decoder over an in-memory reader.
func NewDecoder(r *bytes.Reader) *Decoder {
	return &Decoder{r: r}
}

// Err returns the first read error.
func (d *Decoder) Err() error { return d.err }

// Remaining returns the unread byte count.
func (d *Decoder) Remaining() int { return d.r.Len() }

// Fail records err unless an earlier error is already kept.
func (d *Decoder) Fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

func (d *Decoder) read(b []byte) bool {
	if d.err != nil {
		return false
	}
	if _, err := io.ReadFull(d.r, b); err != nil {
		d.err = fmt.Errorf("codec: short input: %w", err)
		return false
	}
	return true
}

func (d *Decoder) Uint8() uint8 {
	if !d.read(d.buf[:1]) {
		return 0
	}
	return d.buf[0]
}

func (d *Decoder) Bool() bool {
	switch d.Uint8() {
	case 0:
		return false
	case 1:
		return true
	default:
		d.Fail(fmt.Errorf("codec: invalid bool"))
		return false
	}
}

func (d *Decoder) Uint32() uint32 {
	if !d.read(d.buf[:4]) {
		return 0
	}
	return binary.LittleEndian.Uint32(d.buf[:4])
}

func (d *Decoder) Uint64() uint64 {
	if !d.read(d.buf[:8]) {
		return 0
	}
	return binary.LittleEndian.Uint64(d.buf[:8])
}

// Count reads a u64 element count and rejects counts that could not fit in
// the remaining input at minSize bytes per element.
func (d *Decoder) Count(minSize int) int {
	n := d.Uint64()
	if d.err != nil {
		return 0
	}
	if minSize > 0 && n > uint64(d.r.Len()/minSize) {
		d.Fail(ErrBlobTooLarge)
		return 0
	}
	return int(n)
}

func (d *Decoder) Bytes() []byte {
	n := d.Count(1)
	if d.err != nil {
		return nil
	}
	out := make([]byte, n)
	if !d.read(out) {
		return nil
	}
	return out
}

func (d *Decoder) String() string {
	return string(d.Bytes())
}

func (d *Decoder) Value() ir.Value {
	k := ir.Kind(d.Uint8())
	if d.err != nil {
		return ir.VoidValue
	}
	if !k.Valid() {
		d.Fail(fmt.Errorf("codec: value tag %d", k))
		return ir.VoidValue
	}
	raw := make([]byte, k.Size())
	if !d.read(raw) {
		return ir.VoidValue
	}
	v, err := ir.FromBytes(k, raw)
	if err != nil {
		d.Fail(err)
	}
	return v
}

func (d *Decoder) Values() []ir.Value {
	n := d.Count(1)
	if d.err != nil || n == 0 {
		return nil
	}
	out := make([]ir.Value, n)
	for i := range out {
		out[i] = d.Value()
	}
	return out
}
