package gpa

import (
	"gvisor.dev/gvisor/pkg/hostarch"
)

// Mapping installs a range of a backing object at a guest-physical range.
type Mapping struct {
	as     *AddressSpace
	region *Region

	base, length uint64

	obj       BackingObject
	objOffset uint64

	perm  hostarch.AccessType
	cache CachePolicy

	// fixed mappings are populated eagerly and never demand-faulted.
	fixed bool
}

func (m *Mapping) start() uint64 { return m.base }
func (m *Mapping) end() uint64   { return m.base + m.length }

// cloneAt returns a new mapping covering [addr, m.end()) of m.
func (m *Mapping) cloneAt(addr uint64) *Mapping {
	return &Mapping{
		as:        m.as,
		region:    m.region,
		base:      addr,
		length:    m.end() - addr,
		obj:       m.obj,
		objOffset: m.objOffset + (addr - m.base),
		perm:      m.perm,
		cache:     m.cache,
		fixed:     m.fixed,
	}
}

// releaseLocked drops translations and the object's mapping reference for
// [start, end) of m without changing m itself.
func (m *Mapping) releaseLocked(start, end uint64) {
	m.as.pt.Unmap(start, end-start)
	m.obj.RemoveMapping(m.objOffset+(start-m.base), end-start)
}

// MappingInfo is a point-in-time description of a Mapping.
type MappingInfo struct {
	Base         uint64
	Length       uint64
	Object       BackingObject
	ObjectOffset uint64
	Perm         hostarch.AccessType
	Cache        CachePolicy
	Fixed        bool
}

// End returns the first address after the mapping.
func (i MappingInfo) End() uint64 {
	return i.Base + i.Length
}

func (m *Mapping) infoLocked() MappingInfo {
	return MappingInfo{
		Base:         m.base,
		Length:       m.length,
		Object:       m.obj,
		ObjectOffset: m.objOffset,
		Perm:         m.perm,
		Cache:        m.cache,
		Fixed:        m.fixed,
	}
}

// Info returns the current extent and attributes of m. A mapping that has
// been fully unmapped keeps reporting its last state.
func (m *Mapping) Info() MappingInfo {
	m.as.mu.RLock()
	defer m.as.mu.RUnlock()
	return m.infoLocked()
}
