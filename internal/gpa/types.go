// Package gpa manages the guest-physical address space of a VM: the tree of
// regions, the mappings of backing objects into it, and the second-level
// page table filled in on demand by page faults.
package gpa

import (
	"fmt"
	"sync"

	"gvisor.dev/gvisor/pkg/hostarch"

	"github.com/tinyrange/vmmcore/internal/hv"
	"github.com/tinyrange/vmmcore/internal/idalloc"
)

// PageSize is the granularity of every mapping.
const PageSize = uint64(hostarch.PageSize)

// Anywhere asks CreateRegion to pick the lowest free aligned address.
const Anywhere = ^uint64(0)

// CachePolicy selects the memory type used for a mapping.
type CachePolicy uint8

const (
	CacheCached CachePolicy = iota
	CacheUncached
	CacheUncachedDevice
	CacheWriteCombining
)

func (c CachePolicy) String() string {
	switch c {
	case CacheCached:
		return "cached"
	case CacheUncached:
		return "uncached"
	case CacheUncachedDevice:
		return "uncached-device"
	case CacheWriteCombining:
		return "write-combining"
	default:
		return fmt.Sprintf("cache(%d)", uint8(c))
	}
}

// Valid reports whether c is one of the defined policies.
func (c CachePolicy) Valid() bool {
	return c <= CacheWriteCombining
}

// MemoryType returns the host memory type a policy corresponds to.
func (c CachePolicy) MemoryType() hostarch.MemoryType {
	switch c {
	case CacheWriteCombining:
		return hostarch.MemoryTypeWriteCombine
	case CacheUncached, CacheUncachedDevice:
		return hostarch.MemoryTypeUncached
	default:
		return hostarch.MemoryTypeWriteBack
	}
}

// ParseCachePolicy parses the names produced by CachePolicy.String.
func ParseCachePolicy(s string) (CachePolicy, error) {
	for c := CacheCached; c <= CacheWriteCombining; c++ {
		if c.String() == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("gpa: unknown cache policy %q: %w", s, hv.ErrInvalidArgs)
}

// ParsePerm parses a permission string such as "rw" or "r-x".
func ParsePerm(s string) (hostarch.AccessType, error) {
	var at hostarch.AccessType
	for _, ch := range s {
		switch ch {
		case 'r':
			at.Read = true
		case 'w':
			at.Write = true
		case 'x':
			at.Execute = true
		case '-':
		default:
			return hostarch.NoAccess, fmt.Errorf("gpa: bad permission %q: %w", s, hv.ErrInvalidArgs)
		}
	}
	return at, nil
}

// Page identifies one page of host memory provided by a backing object.
type Page struct {
	// HostAddr is the host address of the first byte of the page.
	HostAddr uint64
}

// BackingObject supplies the contents of mapped guest memory.
//
// The object is shared: the address space holds it for as long as any part
// of a mapping refers to it, and its supplier may keep using it directly.
type BackingObject interface {
	// Size returns the size of the object in bytes.
	Size() uint64
	// CommitRange makes [offset, offset+length) resident.
	CommitRange(offset, length uint64) error
	// GetPage returns the page at offset, committing it if needed.
	GetPage(offset uint64, access hostarch.AccessType) (Page, error)
	// AddMapping is called when [offset, offset+length) is mapped into a
	// guest; RemoveMapping when any part of it is unmapped again.
	AddMapping(offset, length uint64) error
	RemoveMapping(offset, length uint64)
}

// ASIDPool hands out address-space identifiers (VPIDs on x86) to address
// spaces. It is safe for concurrent use.
type ASIDPool struct {
	mu    sync.Mutex
	alloc *idalloc.Allocator[uint16]
}

// NewASIDPool returns a pool over [min, max).
func NewASIDPool(min, max uint16) (*ASIDPool, error) {
	alloc, err := idalloc.New[uint16](min, max)
	if err != nil {
		return nil, err
	}
	return &ASIDPool{alloc: alloc}, nil
}

func (p *ASIDPool) get() (uint16, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alloc.TryAlloc()
}

func (p *ASIDPool) put(id uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alloc.Free(id)
}

// InUse returns the number of identifiers currently assigned.
func (p *ASIDPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alloc.InUse()
}

func pageAligned(v uint64) bool {
	return v&(PageSize-1) == 0
}

// roundUpPage rounds v up to a page boundary; ok is false on overflow.
func roundUpPage(v uint64) (uint64, bool) {
	r := (v + PageSize - 1) &^ (PageSize - 1)
	return r, r >= v
}

func alignUp(v, align uint64) (uint64, bool) {
	r := (v + align - 1) &^ (align - 1)
	return r, r >= v
}
