package hv

import (
	"fmt"
	"sort"
	"sync"
)

// AllocationRequest describes a window the layout should place above RAM.
type AllocationRequest struct {
	Name      string
	Size      uint64
	Alignment uint64
}

// Layout tracks the guest-physical layout of a VM: RAM regions, fixed device
// windows and dynamically placed MMIO windows. It only hands out addresses;
// installing mappings is the job of the gpa package.
type Layout struct {
	mu sync.Mutex

	arch   CpuArchitecture
	maxGPA uint64

	ram []Region

	// nextMMIO is the next candidate address for Allocate. It starts above the
	// highest RAM region and only moves forward.
	nextMMIO uint64

	allocations  []Region
	fixedRegions []Region
}

// NewLayout creates an empty layout for a guest-physical space of maxGPA bytes.
func NewLayout(arch CpuArchitecture, maxGPA uint64) *Layout {
	return &Layout{
		arch:   arch,
		maxGPA: maxGPA,
	}
}

// AddRAM records a RAM region. RAM regions must not overlap each other or any
// fixed region.
func (l *Layout) AddRAM(name string, base, size uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	r := Region{Name: name, Base: base, Size: size}
	if err := l.checkLocked(r); err != nil {
		return err
	}

	l.ram = append(l.ram, r)
	sort.Slice(l.ram, func(i, j int) bool { return l.ram[i].Base < l.ram[j].Base })
	if end := alignUp(r.End(), 0x1000); end > l.nextMMIO {
		l.nextMMIO = end
	}
	return nil
}

// RegisterFixed records a window at a pre-determined address (ECAM, interrupt
// controller page and so on).
func (l *Layout) RegisterFixed(name string, base, size uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	r := Region{Name: name, Base: base, Size: size}
	if err := l.checkLocked(r); err != nil {
		return err
	}
	l.fixedRegions = append(l.fixedRegions, r)
	return nil
}

// Allocate places a window above RAM, skipping any fixed region in the way.
func (l *Layout) Allocate(req AllocationRequest) (Region, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if req.Size == 0 {
		return Region{}, fmt.Errorf("layout: cannot allocate zero-size region for %s: %w", req.Name, ErrInvalidArgs)
	}

	alignment := req.Alignment
	if alignment == 0 {
		alignment = 0x1000
	}
	if alignment&(alignment-1) != 0 {
		return Region{}, fmt.Errorf("layout: alignment 0x%x is not a power of 2 for %s: %w", alignment, req.Name, ErrInvalidArgs)
	}

	size := alignUp(req.Size, alignment)
	base := alignUp(l.nextMMIO, alignment)
	for {
		candidate := Region{Name: req.Name, Base: base, Size: size}
		if candidate.End() < candidate.Base || candidate.End() > l.maxGPA {
			return Region{}, fmt.Errorf("layout: no room for %s (0x%x bytes): %w", req.Name, size, ErrNoResources)
		}
		blocker, ok := l.conflictLocked(candidate)
		if !ok {
			l.allocations = append(l.allocations, candidate)
			l.nextMMIO = candidate.End()
			return candidate, nil
		}
		base = alignUp(blocker.End(), alignment)
	}
}

func (l *Layout) checkLocked(r Region) error {
	if r.Size == 0 {
		return fmt.Errorf("layout: region %s has zero size: %w", r.Name, ErrInvalidArgs)
	}
	if r.End() < r.Base || r.End() > l.maxGPA {
		return fmt.Errorf("layout: region %s [0x%x-0x%x) exceeds guest-physical limit 0x%x: %w",
			r.Name, r.Base, r.End(), l.maxGPA, ErrOutOfRange)
	}
	if blocker, ok := l.conflictLocked(r); ok {
		return fmt.Errorf("layout: region %s [0x%x-0x%x) overlaps %s [0x%x-0x%x): %w",
			r.Name, r.Base, r.End(), blocker.Name, blocker.Base, blocker.End(), ErrAlreadyExists)
	}
	return nil
}

func (l *Layout) conflictLocked(r Region) (Region, bool) {
	for _, set := range [][]Region{l.ram, l.fixedRegions, l.allocations} {
		for _, existing := range set {
			if existing.Overlaps(r) {
				return existing, true
			}
		}
	}
	return Region{}, false
}

// RAM returns a copy of the RAM regions in address order.
func (l *Layout) RAM() []Region {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Region(nil), l.ram...)
}

// Allocations returns a copy of all dynamically placed windows.
func (l *Layout) Allocations() []Region {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Region(nil), l.allocations...)
}

// FixedRegions returns a copy of all fixed windows.
func (l *Layout) FixedRegions() []Region {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Region(nil), l.fixedRegions...)
}

// MaxGPA returns the size of the guest-physical space.
func (l *Layout) MaxGPA() uint64 {
	return l.maxGPA
}

// Architecture returns the CPU architecture.
func (l *Layout) Architecture() CpuArchitecture {
	return l.arch
}

// alignUp aligns value up to the specified alignment.
func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}
