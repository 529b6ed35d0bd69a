package gpa

import (
	"sync"

	"gvisor.dev/gvisor/pkg/hostarch"

	"github.com/tinyrange/vmmcore/internal/hv"
)

// Format encodes second-level translation entries for one architecture.
type Format interface {
	Encode(hostAddr uint64, perm hostarch.AccessType, cache CachePolicy) uint64
	HostAddr(pte uint64) uint64
	Perm(pte uint64) hostarch.AccessType
	WithPerm(pte uint64, perm hostarch.AccessType) uint64
}

// FormatFor returns the entry format used by arch.
func FormatFor(arch hv.CpuArchitecture) Format {
	if arch == hv.ArchitectureARM64 {
		return Stage2Format{}
	}
	return EPTFormat{}
}

// Intel EPT leaf entry bits (SDM Vol. 3C 29.3.2).
const (
	EPTRead         = 1 << 0
	EPTWrite        = 1 << 1
	EPTExecute      = 1 << 2
	eptMemTypeShift = 3
	eptMemTypeMask  = 0x7 << eptMemTypeShift
	EPTIgnorePAT    = 1 << 6
	eptAddrMask     = 0x000f_ffff_ffff_f000
)

// EPT memory types.
const (
	EPTMemTypeUC = 0
	EPTMemTypeWC = 1
	EPTMemTypeWB = 6
)

// EPTFormat encodes x86 extended page table leaf entries.
type EPTFormat struct{}

// EPTMemType returns the EPT memory type field for a cache policy.
func EPTMemType(cache CachePolicy) uint64 {
	switch cache.MemoryType() {
	case hostarch.MemoryTypeWriteCombine:
		return EPTMemTypeWC
	case hostarch.MemoryTypeUncached:
		return EPTMemTypeUC
	default:
		return EPTMemTypeWB
	}
}

func (EPTFormat) Encode(hostAddr uint64, perm hostarch.AccessType, cache CachePolicy) uint64 {
	pte := hostAddr&eptAddrMask | EPTMemType(cache)<<eptMemTypeShift | EPTIgnorePAT
	return EPTFormat{}.WithPerm(pte, perm)
}

func (EPTFormat) HostAddr(pte uint64) uint64 {
	return pte & eptAddrMask
}

func (EPTFormat) Perm(pte uint64) hostarch.AccessType {
	return hostarch.AccessType{
		Read:    pte&EPTRead != 0,
		Write:   pte&EPTWrite != 0,
		Execute: pte&EPTExecute != 0,
	}
}

func (EPTFormat) WithPerm(pte uint64, perm hostarch.AccessType) uint64 {
	pte &^= EPTRead | EPTWrite | EPTExecute
	if perm.Read {
		pte |= EPTRead
	}
	if perm.Write {
		pte |= EPTWrite
	}
	if perm.Execute {
		pte |= EPTExecute
	}
	return pte
}

// EPTMemTypeOf extracts the memory type field of an EPT entry.
func EPTMemTypeOf(pte uint64) uint64 {
	return (pte & eptMemTypeMask) >> eptMemTypeShift
}

// ARMv8 stage-2 block/page descriptor bits (ARM DDI 0487 D8.3).
const (
	s2Valid         = 1 << 0
	s2Page          = 1 << 1
	s2MemAttrShift  = 2
	s2MemAttrMask   = 0xf << s2MemAttrShift
	S2Read          = 1 << 6
	S2Write         = 1 << 7
	s2InnerShare    = 3 << 8
	s2AccessFlag    = 1 << 10
	S2ExecuteNever  = 1 << 54
	s2AddrMask      = 0x0000_ffff_ffff_f000
	S2MemAttrDevice = 0x0 // Device-nGnRnE
	S2MemAttrNC     = 0x5 // Normal, non-cacheable
	S2MemAttrWB     = 0xf // Normal, write-back
)

// Stage2Format encodes arm64 stage-2 translation descriptors.
type Stage2Format struct{}

// S2MemAttr returns the stage-2 MemAttr field for a cache policy. Unlike EPT,
// stage 2 distinguishes plain uncached memory from device memory.
func S2MemAttr(cache CachePolicy) uint64 {
	switch cache {
	case CacheUncachedDevice:
		return S2MemAttrDevice
	case CacheUncached, CacheWriteCombining:
		return S2MemAttrNC
	default:
		return S2MemAttrWB
	}
}

func (Stage2Format) Encode(hostAddr uint64, perm hostarch.AccessType, cache CachePolicy) uint64 {
	pte := hostAddr&s2AddrMask | s2Valid | s2Page | s2AccessFlag | S2MemAttr(cache)<<s2MemAttrShift
	if cache != CacheUncachedDevice {
		pte |= s2InnerShare
	}
	return Stage2Format{}.WithPerm(pte, perm)
}

func (Stage2Format) HostAddr(pte uint64) uint64 {
	return pte & s2AddrMask
}

func (Stage2Format) Perm(pte uint64) hostarch.AccessType {
	return hostarch.AccessType{
		Read:    pte&S2Read != 0,
		Write:   pte&S2Write != 0,
		Execute: pte&S2ExecuteNever == 0,
	}
}

func (Stage2Format) WithPerm(pte uint64, perm hostarch.AccessType) uint64 {
	pte &^= S2Read | S2Write | S2ExecuteNever
	if perm.Read {
		pte |= S2Read
	}
	if perm.Write {
		pte |= S2Write
	}
	if !perm.Execute {
		pte |= S2ExecuteNever
	}
	return pte
}

// S2MemAttrOf extracts the MemAttr field of a stage-2 descriptor.
func S2MemAttrOf(pte uint64) uint64 {
	return (pte & s2MemAttrMask) >> s2MemAttrShift
}

// PageTable is the VMM's record of the second-level translations installed
// for a guest, keyed by guest frame. Entries are only present for pages that
// have been faulted in or mapped eagerly.
type PageTable struct {
	format Format

	mu      sync.Mutex
	entries map[uint64]uint64
}

// NewPageTable returns an empty table using format.
func NewPageTable(format Format) *PageTable {
	return &PageTable{
		format:  format,
		entries: make(map[uint64]uint64),
	}
}

// Format returns the entry format of the table.
func (pt *PageTable) Format() Format {
	return pt.format
}

// Map installs the translation for the page containing gpa.
func (pt *PageTable) Map(gpa, hostAddr uint64, perm hostarch.AccessType, cache CachePolicy) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.entries[gpa/PageSize] = pt.format.Encode(hostAddr, perm, cache)
}

// forRange calls fn for each installed entry in [gpa, gpa+length).
func (pt *PageTable) forRange(gpa, length uint64, fn func(gfn uint64)) {
	first := gpa / PageSize
	last := (gpa + length + PageSize - 1) / PageSize
	if last-first > uint64(len(pt.entries)) {
		for gfn := range pt.entries {
			if gfn >= first && gfn < last {
				fn(gfn)
			}
		}
		return
	}
	for gfn := first; gfn < last; gfn++ {
		if _, ok := pt.entries[gfn]; ok {
			fn(gfn)
		}
	}
}

// Unmap removes every translation in [gpa, gpa+length).
func (pt *PageTable) Unmap(gpa, length uint64) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.forRange(gpa, length, func(gfn uint64) {
		delete(pt.entries, gfn)
	})
}

// Protect rewrites the permissions of every translation in [gpa, gpa+length),
// leaving host address and memory type untouched.
func (pt *PageTable) Protect(gpa, length uint64, perm hostarch.AccessType) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.forRange(gpa, length, func(gfn uint64) {
		pt.entries[gfn] = pt.format.WithPerm(pt.entries[gfn], perm)
	})
}

// Lookup returns the raw entry for the page containing gpa.
func (pt *PageTable) Lookup(gpa uint64) (uint64, bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pte, ok := pt.entries[gpa/PageSize]
	return pte, ok
}

// Translate returns the host address backing gpa.
func (pt *PageTable) Translate(gpa uint64) (uint64, bool) {
	pte, ok := pt.Lookup(gpa)
	if !ok {
		return 0, false
	}
	return pt.format.HostAddr(pte) + gpa%PageSize, true
}

// Len returns the number of installed translations.
func (pt *PageTable) Len() int {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return len(pt.entries)
}

// Clear drops every translation.
func (pt *PageTable) Clear() {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	clear(pt.entries)
}
