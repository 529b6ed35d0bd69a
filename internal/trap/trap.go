// Package trap keeps the registry of guest address ranges whose accesses
// must exit to the VMM and be routed to an emulated device.
package trap

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/btree"

	"github.com/tinyrange/vmmcore/internal/hv"
)

// Kind selects the address space a trap lives in.
type Kind uint8

const (
	// KindMem traps guest-physical memory accesses.
	KindMem Kind = iota
	// KindIO traps port I/O.
	KindIO

	numKinds
)

func (k Kind) String() string {
	switch k {
	case KindMem:
		return "mem"
	case KindIO:
		return "io"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Packet describes one trapped access as delivered to a Handler.
type Packet struct {
	Kind  Kind
	Addr  uint64
	Key   uint64
	Write bool
	// Data holds the bytes written, or receives the bytes read.
	Data []byte
}

// Handler emulates accesses that hit a trap.
type Handler interface {
	HandleTrap(p *Packet) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(p *Packet) error

// HandleTrap implements Handler.
func (f HandlerFunc) HandleTrap(p *Packet) error {
	return f(p)
}

// Trap is one registered range [Base, Base+Length).
type Trap struct {
	Kind    Kind
	Base    uint64
	Length  uint64
	Key     uint64
	Handler Handler
}

// End returns the first address after the trap.
func (t *Trap) End() uint64 {
	return t.Base + t.Length
}

// Contains reports whether addr falls inside the trap.
func (t *Trap) Contains(addr uint64) bool {
	return addr >= t.Base && addr < t.End()
}

func lessByBase(a, b *Trap) bool {
	return a.Base < b.Base
}

// Map is the set of traps of a single guest. Lookups may run concurrently
// with each other; insertions exclude everything else.
type Map struct {
	arch hv.CpuArchitecture

	mu    sync.RWMutex
	trees [numKinds]*btree.BTreeG[*Trap]
}

// NewMap returns an empty map for a guest of the given architecture.
func NewMap(arch hv.CpuArchitecture) *Map {
	m := &Map{arch: arch}
	for i := range m.trees {
		m.trees[i] = btree.NewG[*Trap](8, lessByBase)
	}
	return m
}

// Architecture returns the guest architecture the map was created for.
func (m *Map) Architecture() hv.CpuArchitecture {
	return m.arch
}

func (m *Map) tree(kind Kind) (*btree.BTreeG[*Trap], error) {
	if kind >= numKinds {
		return nil, fmt.Errorf("trap: unknown kind %d: %w", kind, hv.ErrInvalidArgs)
	}
	return m.trees[kind], nil
}

// InsertTrap registers handler for [base, base+length).
func (m *Map) InsertTrap(kind Kind, base, length uint64, handler Handler, key uint64) error {
	tree, err := m.tree(kind)
	if err != nil {
		return err
	}
	if handler == nil {
		return fmt.Errorf("trap: nil handler for %s trap at 0x%x: %w", kind, base, hv.ErrInvalidArgs)
	}
	if length == 0 {
		return fmt.Errorf("trap: %s trap at 0x%x has zero length: %w", kind, base, hv.ErrOutOfRange)
	}
	end := base + length
	if end < base {
		return fmt.Errorf("trap: %s trap at 0x%x length 0x%x overflows: %w", kind, base, length, hv.ErrOutOfRange)
	}
	if kind == KindIO {
		limit := m.arch.PortSpaceLimit()
		if limit == 0 {
			return fmt.Errorf("trap: %s has no port I/O space: %w", m.arch, hv.ErrNotSupported)
		}
		if end > limit {
			return fmt.Errorf("trap: io trap [0x%x-0x%x) exceeds port space 0x%x: %w", base, end, limit, hv.ErrOutOfRange)
		}
	}

	t := &Trap{Kind: kind, Base: base, Length: length, Key: key, Handler: handler}

	m.mu.Lock()
	defer m.mu.Unlock()

	// The only candidates for an intersection are the closest trap starting
	// at or below base and the first trap starting above it.
	if prev, ok := floor(tree, base); ok && prev.End() > base {
		return fmt.Errorf("trap: %s trap [0x%x-0x%x) overlaps [0x%x-0x%x): %w",
			kind, base, end, prev.Base, prev.End(), hv.ErrAlreadyExists)
	}
	var next *Trap
	tree.AscendGreaterOrEqual(&Trap{Base: base}, func(item *Trap) bool {
		next = item
		return false
	})
	if next != nil && next.Base < end {
		return fmt.Errorf("trap: %s trap [0x%x-0x%x) overlaps [0x%x-0x%x): %w",
			kind, base, end, next.Base, next.End(), hv.ErrAlreadyExists)
	}

	tree.ReplaceOrInsert(t)
	slog.Debug("trap: inserted", "kind", kind.String(), "base", fmt.Sprintf("0x%x", base), "length", length, "key", key)
	return nil
}

func floor(tree *btree.BTreeG[*Trap], addr uint64) (*Trap, bool) {
	var found *Trap
	tree.DescendLessOrEqual(&Trap{Base: addr}, func(item *Trap) bool {
		found = item
		return false
	})
	return found, found != nil
}

// Lookup returns the trap covering addr.
func (m *Map) Lookup(kind Kind, addr uint64) (*Trap, bool) {
	tree, err := m.tree(kind)
	if err != nil {
		return nil, false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := floor(tree, addr)
	if !ok || !t.Contains(addr) {
		return nil, false
	}
	return t, true
}

// Dispatch routes an access of len(data) bytes at addr to the trap covering
// it. The whole access must fall inside one trap.
func (m *Map) Dispatch(kind Kind, addr uint64, data []byte, write bool) error {
	t, ok := m.Lookup(kind, addr)
	if !ok {
		return fmt.Errorf("trap: no %s trap at 0x%x: %w", kind, addr, hv.ErrNotFound)
	}
	accessEnd := addr + uint64(len(data))
	if accessEnd < addr || accessEnd > t.End() {
		return fmt.Errorf("trap: %s access [0x%x-0x%x) crosses trap end 0x%x: %w",
			kind, addr, accessEnd, t.End(), hv.ErrOutOfRange)
	}
	return t.Handler.HandleTrap(&Packet{
		Kind:  kind,
		Addr:  addr,
		Key:   t.Key,
		Write: write,
		Data:  data,
	})
}

// Len returns the number of traps of the given kind.
func (m *Map) Len(kind Kind) int {
	tree, err := m.tree(kind)
	if err != nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return tree.Len()
}

// Traps returns a snapshot of the traps of the given kind in address order.
func (m *Map) Traps(kind Kind) []Trap {
	tree, err := m.tree(kind)
	if err != nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Trap, 0, tree.Len())
	tree.Ascend(func(item *Trap) bool {
		out = append(out, *item)
		return true
	})
	return out
}
