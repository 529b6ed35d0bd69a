package gpa

import (
	"fmt"
	"log/slog"
	"sync"

	"gvisor.dev/gvisor/pkg/hostarch"

	"github.com/tinyrange/vmmcore/internal/hv"
)

// Config describes a guest-physical address space.
type Config struct {
	Arch hv.CpuArchitecture
	// MaxGPA is the size of the guest-physical space; it must be a non-zero
	// multiple of the page size.
	MaxGPA uint64
	// ASIDs, when set, supplies the address-space identifier tagging this
	// guest's translations.
	ASIDs *ASIDPool
}

// AddressSpace is the guest-physical address space of one VM.
//
// A single RWMutex guards the region tree and every mapping. Page faults take
// the read side; anything that changes the tree takes the write side.
type AddressSpace struct {
	arch   hv.CpuArchitecture
	maxGPA uint64

	asids   *ASIDPool
	asid    uint16
	hasASID bool

	pt *PageTable

	mu        sync.RWMutex
	root      *Region
	destroyed bool
}

// New creates an address space whose root region spans [0, cfg.MaxGPA).
func New(cfg Config) (*AddressSpace, error) {
	if cfg.MaxGPA == 0 || !pageAligned(cfg.MaxGPA) {
		return nil, fmt.Errorf("gpa: max guest-physical address 0x%x must be a non-zero page multiple: %w", cfg.MaxGPA, hv.ErrInvalidArgs)
	}
	arch := cfg.Arch
	if arch == "" {
		arch = hv.ArchitectureX86_64
	}

	as := &AddressSpace{
		arch:   arch,
		maxGPA: cfg.MaxGPA,
		asids:  cfg.ASIDs,
		pt:     NewPageTable(FormatFor(arch)),
	}
	if as.asids != nil {
		id, err := as.asids.get()
		if err != nil {
			return nil, fmt.Errorf("gpa: allocate asid: %w", err)
		}
		as.asid, as.hasASID = id, true
	}

	as.root = newRegion(as, nil, 0, cfg.MaxGPA)
	return as, nil
}

// Root returns the region spanning the whole guest-physical space.
func (as *AddressSpace) Root() *Region {
	return as.root
}

// ASID returns the identifier assigned at creation, if any.
func (as *AddressSpace) ASID() (uint16, bool) {
	return as.asid, as.hasASID
}

// PageTable returns the second-level translations installed so far.
func (as *AddressSpace) PageTable() *PageTable {
	return as.pt
}

// MaxGPA returns the size of the guest-physical space.
func (as *AddressSpace) MaxGPA() uint64 {
	return as.maxGPA
}

// CreateMapping maps [objOffset, objOffset+length) of obj at addr inside
// region. length is rounded up to whole pages; addr must be aligned to align
// (at least a page).
func (as *AddressSpace) CreateMapping(region *Region, addr, length, align uint64, obj BackingObject, objOffset uint64, perm hostarch.AccessType, cache CachePolicy) (*Mapping, error) {
	if region == nil || region.as != as {
		return nil, fmt.Errorf("gpa: region does not belong to this address space: %w", hv.ErrInvalidArgs)
	}
	if obj == nil {
		return nil, fmt.Errorf("gpa: nil backing object: %w", hv.ErrInvalidArgs)
	}
	if !cache.Valid() {
		return nil, fmt.Errorf("gpa: invalid cache policy %d: %w", cache, hv.ErrInvalidArgs)
	}
	if !pageAligned(objOffset) {
		return nil, fmt.Errorf("gpa: object offset 0x%x not page aligned: %w", objOffset, hv.ErrInvalidArgs)
	}
	if addr == Anywhere {
		return nil, fmt.Errorf("gpa: mappings need a fixed address: %w", hv.ErrInvalidArgs)
	}

	as.mu.Lock()
	defer as.mu.Unlock()
	return as.createMappingLocked(region, addr, length, align, obj, objOffset, perm, cache, false)
}

func (as *AddressSpace) createMappingLocked(region *Region, addr, length, align uint64, obj BackingObject, objOffset uint64, perm hostarch.AccessType, cache CachePolicy, fixed bool) (*Mapping, error) {
	if err := region.checkAliveLocked(); err != nil {
		return nil, err
	}
	base, length, err := region.placeLocked(addr, length, align)
	if err != nil {
		return nil, err
	}
	if objEnd := objOffset + length; objEnd < objOffset || objEnd > obj.Size() {
		return nil, fmt.Errorf("gpa: object range [0x%x-0x%x) exceeds object size 0x%x: %w",
			objOffset, objOffset+length, obj.Size(), hv.ErrOutOfRange)
	}
	if err := obj.AddMapping(objOffset, length); err != nil {
		return nil, fmt.Errorf("gpa: map object: %w", err)
	}

	m := &Mapping{
		as:        as,
		region:    region,
		base:      base,
		length:    length,
		obj:       obj,
		objOffset: objOffset,
		perm:      perm,
		cache:     cache,
		fixed:     fixed,
	}
	region.children.ReplaceOrInsert(m)
	slog.Debug("gpa: mapped",
		"base", fmt.Sprintf("0x%x", base),
		"length", length,
		"offset", objOffset,
		"perm", perm.String(),
		"cache", cache.String())
	return m, nil
}

// UnmapRange removes [base, base+length) from every mapping it touches.
// Mappings partially covered are truncated or split; ranges with nothing
// mapped, including ranges beyond the guest-physical space, are a no-op.
func (as *AddressSpace) UnmapRange(base, length uint64) error {
	if !pageAligned(base) {
		return fmt.Errorf("gpa: unmap base 0x%x not page aligned: %w", base, hv.ErrInvalidArgs)
	}
	if length == 0 {
		return fmt.Errorf("gpa: zero-length unmap: %w", hv.ErrInvalidArgs)
	}
	length, ok := roundUpPage(length)
	end := base + length
	if !ok || end < base {
		end = as.maxGPA
	}

	as.mu.Lock()
	defer as.mu.Unlock()
	if as.destroyed {
		return fmt.Errorf("gpa: address space destroyed: %w", hv.ErrBadState)
	}
	if base >= as.maxGPA {
		return nil
	}
	as.root.unmapLocked(base, min(end, as.maxGPA))
	return nil
}

// IsMapped reports whether addr lies inside a live mapping.
func (as *AddressSpace) IsMapped(addr uint64) bool {
	as.mu.RLock()
	defer as.mu.RUnlock()
	if as.destroyed {
		return false
	}
	return as.root.lookupLocked(addr) != nil
}

// PageFault resolves a second-level fault at addr: it finds the covering
// mapping, asks the backing object for the page at the translated offset and
// installs the translation with the mapping's permissions and cache policy.
func (as *AddressSpace) PageFault(addr uint64) error {
	as.mu.RLock()
	defer as.mu.RUnlock()
	if as.destroyed {
		return fmt.Errorf("gpa: address space destroyed: %w", hv.ErrBadState)
	}
	m := as.root.lookupLocked(addr)
	if m == nil {
		return fmt.Errorf("gpa: fault at unmapped address 0x%x: %w", addr, hv.ErrNotFound)
	}
	return as.faultLocked(m, addr)
}

func (as *AddressSpace) faultLocked(m *Mapping, addr uint64) error {
	page := addr &^ (PageSize - 1)
	offset := m.objOffset + (page - m.base)
	p, err := m.obj.GetPage(offset, m.perm)
	if err != nil {
		return fmt.Errorf("gpa: fault at 0x%x (object offset 0x%x): %w", addr, offset, err)
	}
	as.pt.Map(page, p.HostAddr, m.perm, m.cache)
	return nil
}

// Populate faults in every page of [addr, addr+length), reporting progress in
// bytes after each page when progress is non-nil.
func (as *AddressSpace) Populate(addr, length uint64, progress func(n uint64)) error {
	if !pageAligned(addr) {
		return fmt.Errorf("gpa: populate base 0x%x not page aligned: %w", addr, hv.ErrInvalidArgs)
	}
	length, ok := roundUpPage(length)
	if !ok || addr+length < addr {
		return fmt.Errorf("gpa: populate range overflows: %w", hv.ErrOutOfRange)
	}
	for page := addr; page < addr+length; page += PageSize {
		if err := as.PageFault(page); err != nil {
			return err
		}
		if progress != nil {
			progress(PageSize)
		}
	}
	return nil
}

// physicalObject exposes a fixed range of host memory as a backing object.
type physicalObject struct {
	base, size uint64
}

func (p *physicalObject) Size() uint64 { return p.size }

func (p *physicalObject) CommitRange(offset, length uint64) error {
	if offset+length < offset || offset+length > p.size {
		return fmt.Errorf("gpa: commit outside physical range: %w", hv.ErrOutOfRange)
	}
	return nil
}

func (p *physicalObject) GetPage(offset uint64, _ hostarch.AccessType) (Page, error) {
	if offset >= p.size {
		return Page{}, fmt.Errorf("gpa: offset 0x%x outside physical range: %w", offset, hv.ErrOutOfRange)
	}
	return Page{HostAddr: p.base + offset}, nil
}

func (p *physicalObject) AddMapping(uint64, uint64) error { return nil }
func (p *physicalObject) RemoveMapping(uint64, uint64)    {}

// MapInterruptController maps the host physical range [hostAddr,
// hostAddr+length) 1:1 at addr, bypassing backing-object demand paging. The
// translations are installed immediately as uncached device memory.
func (as *AddressSpace) MapInterruptController(addr, hostAddr, length uint64) error {
	if !pageAligned(addr) || !pageAligned(hostAddr) {
		return fmt.Errorf("gpa: interrupt controller 0x%x -> 0x%x not page aligned: %w", addr, hostAddr, hv.ErrInvalidArgs)
	}
	length, ok := roundUpPage(length)
	if !ok || length == 0 {
		return fmt.Errorf("gpa: bad interrupt controller length: %w", hv.ErrInvalidArgs)
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	obj := &physicalObject{base: hostAddr, size: length}
	m, err := as.createMappingLocked(as.root, addr, length, PageSize, obj, 0, hostarch.ReadWrite, CacheUncachedDevice, true)
	if err != nil {
		return err
	}
	for page := m.base; page < m.end(); page += PageSize {
		if err := as.faultLocked(m, page); err != nil {
			return err
		}
	}
	slog.Debug("gpa: mapped interrupt controller", "addr", fmt.Sprintf("0x%x", addr), "host", fmt.Sprintf("0x%x", hostAddr))
	return nil
}

// Protect changes the permissions of [addr, addr+length) inside region. The
// whole range must be mapped. Backing objects and cache policies are kept;
// mappings straddling the range edges are split.
func (as *AddressSpace) Protect(region *Region, addr, length uint64, perm hostarch.AccessType) error {
	if region == nil || region.as != as {
		return fmt.Errorf("gpa: region does not belong to this address space: %w", hv.ErrInvalidArgs)
	}
	if !pageAligned(addr) || length == 0 {
		return fmt.Errorf("gpa: bad protect range 0x%x+0x%x: %w", addr, length, hv.ErrInvalidArgs)
	}
	length, ok := roundUpPage(length)
	end := addr + length
	if !ok || end < addr {
		return fmt.Errorf("gpa: protect range overflows: %w", hv.ErrOutOfRange)
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	if err := region.checkAliveLocked(); err != nil {
		return err
	}
	if addr < region.base || end > region.end() {
		return fmt.Errorf("gpa: protect [0x%x-0x%x) outside region [0x%x-0x%x): %w",
			addr, end, region.base, region.end(), hv.ErrOutOfRange)
	}

	mappings := region.mappingsLocked(addr, end, nil)
	cursor := addr
	for _, m := range mappings {
		if m.base > cursor {
			break
		}
		cursor = m.end()
	}
	if cursor < end {
		return fmt.Errorf("gpa: protect range has unmapped page at 0x%x: %w", cursor, hv.ErrNotFound)
	}

	for _, m := range mappings {
		target := m
		if target.base < addr {
			target = target.region.splitLocked(target, addr)
		}
		if target.end() > end {
			target.region.splitLocked(target, end)
		}
		target.perm = perm
		as.pt.Protect(target.base, target.length, perm)
	}
	return nil
}

// Translate returns the host address currently backing addr.
func (as *AddressSpace) Translate(addr uint64) (uint64, bool) {
	return as.pt.Translate(addr)
}

// Mappings returns every live mapping in address order.
func (as *AddressSpace) Mappings() []MappingInfo {
	as.mu.RLock()
	defer as.mu.RUnlock()
	if as.destroyed {
		return nil
	}
	var out []MappingInfo
	for _, m := range as.root.mappingsLocked(0, as.maxGPA, nil) {
		out = append(out, m.infoLocked())
	}
	return out
}

// Destroy tears down every mapping and region and releases the ASID.
func (as *AddressSpace) Destroy() error {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.destroyed {
		return fmt.Errorf("gpa: address space already destroyed: %w", hv.ErrBadState)
	}
	as.root.destroyLocked()
	as.pt.Clear()
	as.destroyed = true
	if as.hasASID {
		if err := as.asids.put(as.asid); err != nil {
			return fmt.Errorf("gpa: release asid %d: %w", as.asid, err)
		}
	}
	return nil
}
