package gpa

import (
	"fmt"
	"log/slog"

	"github.com/google/btree"
	"gvisor.dev/gvisor/pkg/hostarch"

	"github.com/tinyrange/vmmcore/internal/hv"
)

// child is an entry in a region's index: a Mapping or a nested Region.
type child interface {
	start() uint64
	end() uint64
}

// probe is a search key for the index.
type probe uint64

func (p probe) start() uint64 { return uint64(p) }
func (p probe) end() uint64   { return uint64(p) }

func lessByStart(a, b child) bool {
	return a.start() < b.start()
}

// Region is a range of guest-physical space into which mappings and nested
// regions are installed. The root region of an AddressSpace spans the whole
// guest-physical space.
type Region struct {
	as     *AddressSpace
	parent *Region

	base, size uint64

	children  *btree.BTreeG[child]
	destroyed bool
}

func newRegion(as *AddressSpace, parent *Region, base, size uint64) *Region {
	return &Region{
		as:       as,
		parent:   parent,
		base:     base,
		size:     size,
		children: btree.NewG[child](8, lessByStart),
	}
}

func (r *Region) start() uint64 { return r.base }
func (r *Region) end() uint64   { return r.base + r.size }

// Base returns the first guest-physical address of the region.
func (r *Region) Base() uint64 { return r.base }

// Size returns the size of the region in bytes.
func (r *Region) Size() uint64 { return r.size }

// HasParent reports whether the region is still attached to a parent region.
func (r *Region) HasParent() bool {
	r.as.mu.RLock()
	defer r.as.mu.RUnlock()
	return r.parent != nil
}

// IsEmpty reports whether the region contains no mappings or sub-regions.
func (r *Region) IsEmpty() bool {
	r.as.mu.RLock()
	defer r.as.mu.RUnlock()
	return r.children.Len() == 0
}

// CreateRegion carves a nested region of size bytes out of r. addr is the
// absolute guest-physical base, or Anywhere to take the lowest free address
// satisfying align.
func (r *Region) CreateRegion(addr, size, align uint64) (*Region, error) {
	r.as.mu.Lock()
	defer r.as.mu.Unlock()

	if err := r.checkAliveLocked(); err != nil {
		return nil, err
	}
	base, size, err := r.placeLocked(addr, size, align)
	if err != nil {
		return nil, err
	}
	sub := newRegion(r.as, r, base, size)
	r.children.ReplaceOrInsert(sub)
	slog.Debug("gpa: created region", "base", fmt.Sprintf("0x%x", base), "size", size)
	return sub, nil
}

// Destroy unmaps everything inside r and detaches it from its parent. The
// root region cannot be destroyed on its own; use AddressSpace.Destroy.
func (r *Region) Destroy() error {
	r.as.mu.Lock()
	defer r.as.mu.Unlock()

	if r.destroyed {
		return fmt.Errorf("gpa: region 0x%x already destroyed: %w", r.base, hv.ErrBadState)
	}
	if r.parent == nil {
		return fmt.Errorf("gpa: cannot destroy the root region: %w", hv.ErrBadState)
	}
	r.parent.children.Delete(r)
	r.destroyLocked()
	r.parent = nil
	return nil
}

func (r *Region) destroyLocked() {
	r.children.Ascend(func(c child) bool {
		switch c := c.(type) {
		case *Mapping:
			c.releaseLocked(c.base, c.end())
			c.region = nil
		case *Region:
			c.destroyLocked()
			c.parent = nil
		}
		return true
	})
	r.children.Clear(false)
	r.destroyed = true
}

func (r *Region) checkAliveLocked() error {
	if r.destroyed || r.as.destroyed {
		return fmt.Errorf("gpa: region 0x%x is destroyed: %w", r.base, hv.ErrBadState)
	}
	return nil
}

// placeLocked validates or finds [addr, addr+size) inside r and returns the
// page-rounded placement.
func (r *Region) placeLocked(addr, size, align uint64) (uint64, uint64, error) {
	if size == 0 {
		return 0, 0, fmt.Errorf("gpa: zero-length placement: %w", hv.ErrInvalidArgs)
	}
	size, ok := roundUpPage(size)
	if !ok {
		return 0, 0, fmt.Errorf("gpa: length overflows: %w", hv.ErrOutOfRange)
	}
	if align == 0 {
		align = PageSize
	}
	if align&(align-1) != 0 || align < PageSize {
		return 0, 0, fmt.Errorf("gpa: alignment 0x%x is not a power of two >= page size: %w", align, hv.ErrInvalidArgs)
	}

	if addr == Anywhere {
		base, ok := r.findGapLocked(size, align)
		if !ok {
			return 0, 0, fmt.Errorf("gpa: no 0x%x-byte gap in region 0x%x: %w", size, r.base, hv.ErrNoResources)
		}
		return base, size, nil
	}

	if addr&(align-1) != 0 {
		return 0, 0, fmt.Errorf("gpa: address 0x%x not aligned to 0x%x: %w", addr, align, hv.ErrInvalidArgs)
	}
	end := addr + size
	if end < addr || addr < r.base || end > r.end() {
		return 0, 0, fmt.Errorf("gpa: [0x%x-0x%x) outside region [0x%x-0x%x): %w",
			addr, end, r.base, r.end(), hv.ErrOutOfRange)
	}
	if c, ok := r.firstOverlapLocked(addr, end); ok {
		return 0, 0, fmt.Errorf("gpa: [0x%x-0x%x) overlaps [0x%x-0x%x): %w",
			addr, end, c.start(), c.end(), hv.ErrAlreadyExists)
	}
	return addr, size, nil
}

func (r *Region) findGapLocked(size, align uint64) (uint64, bool) {
	candidate, ok := alignUp(r.base, align)
	if !ok {
		return 0, false
	}
	fits := false
	r.children.Ascend(func(c child) bool {
		if candidate+size >= candidate && candidate+size <= c.start() {
			fits = true
			return false
		}
		if c.end() > candidate {
			candidate, ok = alignUp(c.end(), align)
			if !ok {
				return false
			}
		}
		return true
	})
	if !ok {
		return 0, false
	}
	if fits {
		return candidate, true
	}
	end := candidate + size
	return candidate, end >= candidate && end <= r.end()
}

// floorLocked returns the child with the greatest start <= addr.
func (r *Region) floorLocked(addr uint64) (child, bool) {
	var found child
	r.children.DescendLessOrEqual(probe(addr), func(c child) bool {
		found = c
		return false
	})
	return found, found != nil
}

func (r *Region) firstOverlapLocked(start, end uint64) (child, bool) {
	if c, ok := r.floorLocked(start); ok && c.end() > start {
		return c, true
	}
	var found child
	r.children.AscendGreaterOrEqual(probe(start), func(c child) bool {
		if c.start() < end {
			found = c
		}
		return false
	})
	return found, found != nil
}

// overlappingLocked returns the direct children intersecting [start, end) in
// address order.
func (r *Region) overlappingLocked(start, end uint64) []child {
	var out []child
	if c, ok := r.floorLocked(start); ok && c.start() < start && c.end() > start {
		out = append(out, c)
	}
	r.children.AscendGreaterOrEqual(probe(start), func(c child) bool {
		if c.start() >= end {
			return false
		}
		out = append(out, c)
		return true
	})
	return out
}

// lookupLocked returns the mapping covering addr, descending into nested
// regions.
func (r *Region) lookupLocked(addr uint64) *Mapping {
	c, ok := r.floorLocked(addr)
	if !ok || c.end() <= addr {
		return nil
	}
	switch c := c.(type) {
	case *Mapping:
		return c
	case *Region:
		return c.lookupLocked(addr)
	}
	return nil
}

// mappingsLocked appends the mappings intersecting [start, end) in address
// order, descending into nested regions.
func (r *Region) mappingsLocked(start, end uint64, out []*Mapping) []*Mapping {
	for _, c := range r.overlappingLocked(start, end) {
		switch c := c.(type) {
		case *Mapping:
			out = append(out, c)
		case *Region:
			out = c.mappingsLocked(start, end, out)
		}
	}
	return out
}

// unmapLocked removes [start, end) from every mapping under r. Nested regions
// stay attached even when they end up empty.
func (r *Region) unmapLocked(start, end uint64) {
	for _, c := range r.overlappingLocked(start, end) {
		switch c := c.(type) {
		case *Region:
			c.unmapLocked(max(start, c.base), min(end, c.end()))
		case *Mapping:
			r.trimLocked(c, max(start, c.base), min(end, c.end()))
		}
	}
}

// trimLocked removes [start, end) from m, which must intersect it, truncating
// or splitting m as needed.
func (r *Region) trimLocked(m *Mapping, start, end uint64) {
	m.releaseLocked(start, end)

	switch {
	case start == m.base && end == m.end():
		r.children.Delete(m)
		m.region = nil
	case start == m.base:
		r.children.Delete(m)
		m.objOffset += end - m.base
		m.length = m.end() - end
		m.base = end
		r.children.ReplaceOrInsert(m)
	case end == m.end():
		m.length = start - m.base
	default:
		right := m.cloneAt(end)
		m.length = start - m.base
		r.children.ReplaceOrInsert(right)
	}
}

// splitLocked splits m at addr, which must lie strictly inside it, and
// returns the upper half.
func (r *Region) splitLocked(m *Mapping, addr uint64) *Mapping {
	right := m.cloneAt(addr)
	m.length = addr - m.base
	r.children.ReplaceOrInsert(right)
	return right
}

// CreateMapping is a convenience for AddressSpace.CreateMapping on r.
func (r *Region) CreateMapping(addr, length, align uint64, obj BackingObject, objOffset uint64, perm hostarch.AccessType, cache CachePolicy) (*Mapping, error) {
	return r.as.CreateMapping(r, addr, length, align, obj, objOffset, perm, cache)
}
