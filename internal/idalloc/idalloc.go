// Package idalloc hands out small unique integer IDs (vCPU slots, ASIDs)
// from a fixed range.
package idalloc

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/bitmap"

	"github.com/tinyrange/vmmcore/internal/hv"
)

// ID is the set of integer types an Allocator can hand out.
type ID interface {
	~uint8 | ~uint16 | ~uint32 | ~int
}

// MaxRange bounds max-min so the backing bitmap stays small.
const MaxRange = 1 << 20

// Allocator tracks which IDs in [min, max) are in use.
//
// Allocator is not safe for concurrent use; owners serialize access.
type Allocator[T ID] struct {
	min, max T
	hint     T
	used     bitmap.Bitmap
}

// New returns an allocator over [min, max) with every ID free.
func New[T ID](min, max T) (*Allocator[T], error) {
	if min >= max {
		return nil, fmt.Errorf("idalloc: empty range [%d, %d): %w", min, max, hv.ErrInvalidArgs)
	}
	if uint64(max-min) > MaxRange {
		return nil, fmt.Errorf("idalloc: range [%d, %d) wider than %d: %w", min, max, MaxRange, hv.ErrInvalidArgs)
	}
	a := &Allocator[T]{min: min, max: max}
	if err := a.Reset(min); err != nil {
		return nil, err
	}
	return a, nil
}

// Reset frees every ID and makes hint the first candidate for TryAlloc.
func (a *Allocator[T]) Reset(hint T) error {
	if hint < a.min || hint >= a.max {
		return fmt.Errorf("idalloc: reset hint %d outside [%d, %d): %w", hint, a.min, a.max, hv.ErrOutOfRange)
	}
	a.used = bitmap.New(a.index(a.max))
	a.hint = hint
	return nil
}

// TryAlloc returns the smallest free ID at or above the hint, wrapping around
// to the bottom of the range.
func (a *Allocator[T]) TryAlloc() (T, error) {
	if i, ok := a.firstFree(a.index(a.hint), a.index(a.max)); ok {
		a.used.Add(i)
		return a.min + T(i), nil
	}
	if i, ok := a.firstFree(0, a.index(a.hint)); ok {
		a.used.Add(i)
		return a.min + T(i), nil
	}
	return 0, fmt.Errorf("idalloc: all IDs in [%d, %d) in use: %w", a.min, a.max, hv.ErrNoResources)
}

// index maps an ID in [min, max] to its bitmap position.
func (a *Allocator[T]) index(id T) uint32 {
	return uint32(id - a.min)
}

func (a *Allocator[T]) firstFree(start, end uint32) (uint32, bool) {
	if start >= end {
		return 0, false
	}
	id, err := a.used.FirstZero(start)
	if err != nil || id >= end {
		return 0, false
	}
	return id, true
}

// Free returns id to the pool.
func (a *Allocator[T]) Free(id T) error {
	if !a.Allocated(id) {
		return fmt.Errorf("idalloc: free of unallocated ID %d: %w", id, hv.ErrInvalidArgs)
	}
	a.used.Remove(a.index(id))
	return nil
}

// Allocated reports whether id is currently handed out.
func (a *Allocator[T]) Allocated(id T) bool {
	if id < a.min || id >= a.max {
		return false
	}
	i := a.index(id)
	set, err := a.used.FirstOne(i)
	return err == nil && set == i
}

// InUse returns the number of allocated IDs.
func (a *Allocator[T]) InUse() int {
	return int(a.used.GetNumOnes())
}
