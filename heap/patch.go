package heap

import (
	"golang.org/x/exp/slices"
)

// Patch records the pre-image of every chunk that existed when it was opened
// and was modified afterwards, plus the set of all chunks touched while it
// was open (including chunks created by growth).
type Patch struct {
	chunkSize  uint64
	sizeAtOpen uint64
	chunks     map[uint64][]byte
	touched    map[uint64]struct{}
}

func newPatch(chunkSize, size uint64) *Patch {
	return &Patch{
		chunkSize:  chunkSize,
		sizeAtOpen: size,
		chunks:     make(map[uint64][]byte),
		touched:    make(map[uint64]struct{}),
	}
}

// notify runs before data[lo:hi) changes. A chunk's pre-image is captured on
// first touch only.
func (p *Patch) notify(data []byte, lo, hi uint64) {
	if hi <= lo {
		return
	}
	for idx := lo / p.chunkSize; idx*p.chunkSize < hi; idx++ {
		p.touched[idx] = struct{}{}
		start := idx * p.chunkSize
		if start >= p.sizeAtOpen {
			continue
		}
		if _, ok := p.chunks[idx]; ok {
			continue
		}
		end := min(start+p.chunkSize, p.sizeAtOpen, uint64(len(data)))
		pre := make([]byte, end-start)
		copy(pre, data[start:end])
		p.chunks[idx] = pre
	}
}

func (p *Patch) SizeAtOpen() uint64 { return p.sizeAtOpen }
func (p *Patch) ChunkSize() uint64  { return p.chunkSize }

// Touched returns the sorted indices of every chunk modified while open.
func (p *Patch) Touched() []uint64 {
	return sortedKeys(p.touched)
}

// Captured returns the sorted indices of chunks holding a pre-image.
func (p *Patch) Captured() []uint64 {
	return sortedKeys(p.chunks)
}

func (p *Patch) HasTouched(idx uint64) bool {
	_, ok := p.touched[idx]
	return ok
}

// PreImage returns the captured bytes of chunk idx.
func (p *Patch) PreImage(idx uint64) ([]byte, bool) {
	b, ok := p.chunks[idx]
	return b, ok
}

// Empty reports whether nothing was touched.
func (p *Patch) Empty() bool { return len(p.touched) == 0 }

func sortedKeys[V any](m map[uint64]V) []uint64 {
	out := make([]uint64, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
