package pci

import (
	"fmt"
	"math/bits"

	"github.com/tinyrange/vmmcore/internal/hv"
)

// MaxBarSize is the fixed window every BAR is placed in. The port-I/O cursor
// advances by this much per BAR regardless of the BAR's own size.
const MaxBarSize = 0x100

// BarType is the address space a BAR decodes.
type BarType uint8

const (
	BarMMIO BarType = 0
	BarPIO  BarType = 1
)

func (t BarType) String() string {
	if t == BarPIO {
		return "pio"
	}
	return "mmio"
}

// Bar is an implemented base address register.
type Bar struct {
	Size   uint32
	Addr   uint64
	IOType BarType
}

// NewBar returns a BAR of the requested size rounded up to a power of two.
func NewBar(size uint32) (Bar, error) {
	if size == 0 {
		return Bar{}, fmt.Errorf("pci: zero-sized bar: %w", hv.ErrInvalidArgs)
	}
	if size > MaxBarSize {
		return Bar{}, fmt.Errorf("pci: bar size 0x%x exceeds window 0x%x: %w", size, MaxBarSize, hv.ErrNotSupported)
	}
	rounded := uint32(1) << bits.Len32(size-1)
	return Bar{Size: rounded}, nil
}

// Mask returns the address bits software may program.
func (b Bar) Mask() uint32 {
	return ^(b.Size - 1)
}

// Register returns the config-space encoding of a BAR holding addr.
func (b Bar) Register(addr uint32) uint32 {
	return addr&b.Mask() | uint32(b.IOType)
}
