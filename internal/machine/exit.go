package machine

import (
	"fmt"

	"github.com/tinyrange/vmmcore/internal/hv"
	"github.com/tinyrange/vmmcore/internal/trap"
)

// ExitKind is the reason a vCPU left the guest.
type ExitKind uint8

const (
	// ExitIO is a port I/O instruction.
	ExitIO ExitKind = iota
	// ExitMMIO is a decoded access to an address with no RAM behind it.
	ExitMMIO
	// ExitPageFault is a second-level translation fault.
	ExitPageFault
)

func (k ExitKind) String() string {
	switch k {
	case ExitIO:
		return "io"
	case ExitMMIO:
		return "mmio"
	case ExitPageFault:
		return "page-fault"
	default:
		return fmt.Sprintf("exit(%d)", uint8(k))
	}
}

// Exit describes one VM exit. For I/O and MMIO, Data holds the bytes written
// or receives the bytes read.
type Exit struct {
	Kind  ExitKind
	Addr  uint64
	Data  []byte
	Write bool
}

// HandleExit routes an exit to the trap map or the address space.
func (m *Machine) HandleExit(e *Exit) error {
	switch e.Kind {
	case ExitIO:
		return m.traps.Dispatch(trap.KindIO, e.Addr, e.Data, e.Write)
	case ExitMMIO:
		return m.traps.Dispatch(trap.KindMem, e.Addr, e.Data, e.Write)
	case ExitPageFault:
		if m.space.IsMapped(e.Addr) {
			return m.space.PageFault(e.Addr)
		}
		// Faults outside RAM are device accesses when a trap covers them.
		if _, ok := m.traps.Lookup(trap.KindMem, e.Addr); ok && e.Data != nil {
			return m.traps.Dispatch(trap.KindMem, e.Addr, e.Data, e.Write)
		}
		return fmt.Errorf("machine: fault at 0x%x: %w", e.Addr, hv.ErrNotFound)
	default:
		return fmt.Errorf("machine: unknown exit %s: %w", e.Kind, hv.ErrInvalidArgs)
	}
}
