// Package interrupt tracks injected-but-undelivered interrupt vectors.
package interrupt

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/bitmap"
)

// Bitmap is a fixed-width set of pending interrupt vectors.
//
// Vectors outside [0, Len()) are a programming error and panic.
type Bitmap struct {
	n    uint32
	bits bitmap.Bitmap
}

// NewBitmap returns an empty bitmap of n vectors.
func NewBitmap(n uint32) *Bitmap {
	return &Bitmap{n: n, bits: bitmap.New(n)}
}

// Len returns the number of vectors the bitmap tracks.
func (b *Bitmap) Len() uint32 {
	return b.n
}

func (b *Bitmap) check(vector uint32) {
	if vector >= b.n {
		panic(fmt.Sprintf("interrupt: vector %d out of range [0, %d)", vector, b.n))
	}
}

// Get reports whether vector is pending.
func (b *Bitmap) Get(vector uint32) bool {
	b.check(vector)
	set, err := b.bits.FirstOne(vector)
	return err == nil && set == vector
}

// Set marks vector pending.
func (b *Bitmap) Set(vector uint32) {
	b.check(vector)
	b.bits.Add(vector)
}

// Clear clears every vector in [low, high).
func (b *Bitmap) Clear(low, high uint32) {
	if low >= high {
		return
	}
	if high > b.n {
		panic(fmt.Sprintf("interrupt: clear [%d, %d) out of range [0, %d)", low, high, b.n))
	}
	for v, err := b.bits.FirstOne(low); err == nil && v < high; v, err = b.bits.FirstOne(v + 1) {
		b.bits.Remove(v)
		if v+1 >= b.n {
			break
		}
	}
}

// Scan returns the lowest pending vector.
func (b *Bitmap) Scan() (uint32, bool) {
	if b.bits.IsEmpty() {
		return 0, false
	}
	v, err := b.bits.FirstOne(0)
	if err != nil || v >= b.n {
		return 0, false
	}
	return v, true
}
