// Package heap implements the resizable, bounds-checked byte array backing a
// module instance's linear memory, and the chunk-granular patches used to
// rewind it to a past checkpoint.
package heap

import (
	"bytes"
	"fmt"

	"github.com/colorfulnotion/wasmstep/codec"
	"github.com/colorfulnotion/wasmstep/vmerrors"
)

const (
	DefaultChunkSize = 1024
	PageSize         = 65536
)

// Heap is a module's linear memory. Every mutation passes through the open
// patch, if any, before the bytes change.
type Heap struct {
	data      []byte
	maxSize   uint64
	chunkSize uint64
	patch     *Patch
}

// New returns a zero-filled heap of size bytes that may grow to maxSize.
func New(size, maxSize, chunkSize uint64) (*Heap, error) {
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}
	if size > maxSize {
		return nil, fmt.Errorf("initial size %d above max %d: %w", size, maxSize, vmerrors.ErrMIllegalHeapResize)
	}
	return &Heap{data: make([]byte, size), maxSize: maxSize, chunkSize: chunkSize}, nil
}

func (h *Heap) Size() uint64      { return uint64(len(h.data)) }
func (h *Heap) MaxSize() uint64   { return h.maxSize }
func (h *Heap) ChunkSize() uint64 { return h.chunkSize }

// ChunkCount is the number of chunks covering the current size.
func (h *Heap) ChunkCount() uint64 {
	return (h.Size() + h.chunkSize - 1) / h.chunkSize
}

// check validates [offset, offset+length). Overflow is reported before
// bounds so the two failures stay distinguishable.
func (h *Heap) check(offset, length uint64) error {
	end := offset + length
	if end < offset {
		return fmt.Errorf("access %d+%d: %w", offset, length, vmerrors.ErrMOverflowInHeapAccess)
	}
	if end > h.Size() {
		return fmt.Errorf("access [%d,%d) size %d: %w", offset, end, h.Size(), vmerrors.ErrMOutOfBounds)
	}
	return nil
}

// Read returns a copy of length bytes at offset.
func (h *Heap) Read(offset, length uint64) ([]byte, error) {
	if err := h.check(offset, length); err != nil {
		return nil, err
	}
	out := make([]byte, length)
	copy(out, h.data[offset:offset+length])
	return out, nil
}

// Write copies b to offset.
func (h *Heap) Write(offset uint64, b []byte) error {
	length := uint64(len(b))
	if err := h.check(offset, length); err != nil {
		return err
	}
	if length == 0 {
		return nil
	}
	h.notify(offset, offset+length)
	copy(h.data[offset:], b)
	return nil
}

// Grow appends delta zero bytes.
func (h *Heap) Grow(delta uint64) error {
	newSize := h.Size() + delta
	if newSize < h.Size() || newSize > h.maxSize {
		return fmt.Errorf("grow %d from %d max %d: %w", delta, h.Size(), h.maxSize, vmerrors.ErrMIllegalHeapResize)
	}
	return h.Resize(newSize)
}

// Shrink drops the last delta bytes.
func (h *Heap) Shrink(delta uint64) error {
	if delta > h.Size() {
		return fmt.Errorf("shrink %d from %d: %w", delta, h.Size(), vmerrors.ErrMIllegalHeapResize)
	}
	return h.Resize(h.Size() - delta)
}

// Resize sets the size directly. Bytes that disappear are captured by the
// open patch first; new bytes are zero.
func (h *Heap) Resize(newSize uint64) error {
	if newSize > h.maxSize {
		return fmt.Errorf("resize to %d max %d: %w", newSize, h.maxSize, vmerrors.ErrMIllegalHeapResize)
	}
	old := h.Size()
	switch {
	case newSize < old:
		h.notify(newSize, old)
		h.data = h.data[:newSize]
	case newSize > old:
		h.notify(old, newSize)
		h.data = append(h.data, make([]byte, newSize-old)...)
	}
	return nil
}

func (h *Heap) notify(lo, hi uint64) {
	if h.patch != nil {
		h.patch.notify(h.data, lo, hi)
	}
}

// OpenPatch starts a new patch at the current state and returns the one it
// replaces, or nil.
func (h *Heap) OpenPatch() (closed *Patch) {
	closed = h.patch
	h.patch = newPatch(h.chunkSize, h.Size())
	return closed
}

// ClosePatch detaches and returns the open patch.
func (h *Heap) ClosePatch() *Patch {
	p := h.patch
	h.patch = nil
	return p
}

// Patch returns the open patch, or nil.
func (h *Heap) Patch() *Patch { return h.patch }

// Restore rolls the heap back to the state p was opened at. It does not go
// through the open patch.
func (h *Heap) Restore(p *Patch) {
	switch size := p.sizeAtOpen; {
	case size < h.Size():
		h.data = h.data[:size]
	case size > h.Size():
		h.data = append(h.data, make([]byte, size-h.Size())...)
	}
	for idx, pre := range p.chunks {
		copy(h.data[idx*p.chunkSize:], pre)
	}
}

func (h *Heap) chunkRange(idx uint64) []byte {
	lo := idx * h.chunkSize
	if lo >= h.Size() {
		return nil
	}
	hi := lo + h.chunkSize
	if hi > h.Size() {
		hi = h.Size()
	}
	return h.data[lo:hi]
}

// Chunk returns a copy of chunk idx clipped to the heap size.
func (h *Heap) Chunk(idx uint64) []byte {
	return bytes.Clone(h.chunkRange(idx))
}

// ChunkEqual reports whether chunk idx has the same clipped contents in h
// and o.
func (h *Heap) ChunkEqual(o *Heap, idx uint64) bool {
	return bytes.Equal(h.chunkRange(idx), o.chunkRange(idx))
}

// Clone copies the contents without the open patch.
func (h *Heap) Clone() *Heap {
	return &Heap{data: bytes.Clone(h.data), maxSize: h.maxSize, chunkSize: h.chunkSize}
}

// Equal compares size, limits and contents.
func (h *Heap) Equal(o *Heap) bool {
	return h.maxSize == o.maxSize && h.chunkSize == o.chunkSize && bytes.Equal(h.data, o.data)
}

func (h *Heap) EncodeTo(e *codec.Encoder) {
	e.Uint64(h.maxSize)
	e.Uint64(h.chunkSize)
	e.Bytes(h.data)
}

func (h *Heap) DecodeFrom(d *codec.Decoder) error {
	h.maxSize = d.Uint64()
	h.chunkSize = d.Uint64()
	h.data = d.Bytes()
	h.patch = nil
	if err := d.Err(); err != nil {
		return err
	}
	if h.chunkSize == 0 || uint64(len(h.data)) > h.maxSize {
		return fmt.Errorf("heap size %d max %d chunk %d: %w", len(h.data), h.maxSize, h.chunkSize, vmerrors.ErrDCorruptState)
	}
	if h.data == nil {
		h.data = []byte{}
	}
	return nil
}
