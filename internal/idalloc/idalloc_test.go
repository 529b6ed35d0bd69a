package idalloc

import (
	"errors"
	"math"
	"testing"

	"github.com/tinyrange/vmmcore/internal/hv"
)

func TestAllocSequential(t *testing.T) {
	const maxID = 8
	a, err := New[uint16](1, maxID)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Reset(1); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	for want := uint16(1); want < maxID; want++ {
		got, err := a.TryAlloc()
		if err != nil {
			t.Fatalf("TryAlloc #%d: %v", want, err)
		}
		if got != want {
			t.Fatalf("TryAlloc = %d, want %d", got, want)
		}
	}
	if _, err := a.TryAlloc(); !errors.Is(err, hv.ErrNoResources) {
		t.Fatalf("TryAlloc on full allocator = %v, want ErrNoResources", err)
	}
	if got, want := a.InUse(), maxID-1; got != want {
		t.Fatalf("InUse = %d, want %d", got, want)
	}
}

func TestFree(t *testing.T) {
	a, err := New[uint8](1, 8)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < 7; i++ {
		if _, err := a.TryAlloc(); err != nil {
			t.Fatalf("TryAlloc: %v", err)
		}
	}

	if err := a.Free(4); err != nil {
		t.Fatalf("Free(4): %v", err)
	}
	if err := a.Free(4); !errors.Is(err, hv.ErrInvalidArgs) {
		t.Fatalf("double Free(4) = %v, want ErrInvalidArgs", err)
	}
	if err := a.Free(8); !errors.Is(err, hv.ErrInvalidArgs) {
		t.Fatalf("Free(max) = %v, want ErrInvalidArgs", err)
	}
	if err := a.Free(0); !errors.Is(err, hv.ErrInvalidArgs) {
		t.Fatalf("Free(below min) = %v, want ErrInvalidArgs", err)
	}

	got, err := a.TryAlloc()
	if err != nil {
		t.Fatalf("TryAlloc after free: %v", err)
	}
	if got != 4 {
		t.Fatalf("TryAlloc after free = %d, want 4", got)
	}
}

func TestResetOutOfRange(t *testing.T) {
	a, err := New[int](1, 8)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, hint := range []int{0, 8, 100} {
		if err := a.Reset(hint); !errors.Is(err, hv.ErrOutOfRange) {
			t.Fatalf("Reset(%d) = %v, want ErrOutOfRange", hint, err)
		}
	}
}

func TestResetHintWraps(t *testing.T) {
	a, err := New[uint32](0, 4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Reset(2); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	var got []uint32
	for i := 0; i < 4; i++ {
		id, err := a.TryAlloc()
		if err != nil {
			t.Fatalf("TryAlloc: %v", err)
		}
		got = append(got, id)
	}
	want := []uint32{2, 3, 0, 1}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("allocation order = %v, want %v", got, want)
		}
	}
}

func TestResetFreesEverything(t *testing.T) {
	a, err := New[uint16](1, 3)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.TryAlloc()
	a.TryAlloc()
	if err := a.Reset(1); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if a.InUse() != 0 || a.Allocated(1) {
		t.Fatalf("allocator not empty after Reset")
	}
}

func TestNewRejectsEmptyRange(t *testing.T) {
	if _, err := New[uint16](4, 4); !errors.Is(err, hv.ErrInvalidArgs) {
		t.Fatalf("New(4, 4) = %v, want ErrInvalidArgs", err)
	}
}

func TestSignedRange(t *testing.T) {
	a, err := New[int](-2, 3)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for want := -2; want < 3; want++ {
		got, err := a.TryAlloc()
		if err != nil {
			t.Fatalf("TryAlloc: %v", err)
		}
		if got != want {
			t.Fatalf("TryAlloc = %d, want %d", got, want)
		}
	}
	if _, err := a.TryAlloc(); !errors.Is(err, hv.ErrNoResources) {
		t.Fatalf("TryAlloc when full = %v, want ErrNoResources", err)
	}
	if !a.Allocated(-1) {
		t.Fatalf("Allocated(-1) = false")
	}
	if a.Allocated(-3) {
		t.Fatalf("Allocated(-3) = true for an ID below the range")
	}
	if err := a.Free(-1); err != nil {
		t.Fatalf("Free(-1): %v", err)
	}
	if err := a.Free(-1); !errors.Is(err, hv.ErrInvalidArgs) {
		t.Fatalf("second Free(-1) = %v, want ErrInvalidArgs", err)
	}
	if got, err := a.TryAlloc(); err != nil || got != -1 {
		t.Fatalf("TryAlloc after Free = %d, %v; want -1", got, err)
	}
}

func TestOffsetRange(t *testing.T) {
	a, err := New[uint32](1000, 1002)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Reset(1001); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	for _, want := range []uint32{1001, 1000} {
		if got, err := a.TryAlloc(); err != nil || got != want {
			t.Fatalf("TryAlloc = %d, %v; want %d", got, err, want)
		}
	}
	if got := a.InUse(); got != 2 {
		t.Fatalf("InUse = %d, want 2", got)
	}
}

func TestNewRejectsHugeRange(t *testing.T) {
	if _, err := New[uint32](0, math.MaxUint32); !errors.Is(err, hv.ErrInvalidArgs) {
		t.Fatalf("New(0, MaxUint32) = %v, want ErrInvalidArgs", err)
	}
	if _, err := New[uint32](7, 7+MaxRange); err != nil {
		t.Fatalf("New at MaxRange: %v", err)
	}
}
