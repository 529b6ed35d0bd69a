//go:build unix

// Package vmo provides anonymous-memory backing objects for guest RAM.
package vmo

import (
	"fmt"
	"io"
	"math"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/bitmap"
	"gvisor.dev/gvisor/pkg/hostarch"

	"github.com/tinyrange/vmmcore/internal/gpa"
	"github.com/tinyrange/vmmcore/internal/hv"
)

const pageSize = gpa.PageSize

// Object is a page-granular range of private anonymous host memory. Pages
// are committed on first use by GetPage or explicitly by CommitRange.
type Object struct {
	mem  []byte
	size uint64

	mu        sync.Mutex
	committed bitmap.Bitmap
	mapped    uint64
	closed    bool
}

var (
	_ gpa.BackingObject = (*Object)(nil)
	_ io.ReaderAt       = (*Object)(nil)
	_ io.WriterAt       = (*Object)(nil)
)

// New reserves size bytes, rounded up to whole pages.
func New(size uint64) (*Object, error) {
	if size == 0 {
		return nil, fmt.Errorf("vmo: zero size: %w", hv.ErrInvalidArgs)
	}
	size = (size + pageSize - 1) &^ (pageSize - 1)
	if size == 0 || size/pageSize > math.MaxUint32 || size > math.MaxInt {
		return nil, fmt.Errorf("vmo: size 0x%x too large: %w", size, hv.ErrOutOfRange)
	}

	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("vmo: mmap 0x%x bytes: %w", size, err)
	}
	return &Object{
		mem:       mem,
		size:      size,
		committed: bitmap.New(uint32(size / pageSize)),
	}, nil
}

func (o *Object) Size() uint64 { return o.size }

func (o *Object) checkRange(offset, length uint64) error {
	if end := offset + length; end < offset || end > o.size {
		return fmt.Errorf("vmo: range [0x%x-0x%x) outside object of 0x%x bytes: %w", offset, offset+length, o.size, hv.ErrOutOfRange)
	}
	return nil
}

// CommitRange makes every page touching [offset, offset+length) resident.
func (o *Object) CommitRange(offset, length uint64) error {
	if err := o.checkRange(offset, length); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.commitLocked(offset, length)
}

func (o *Object) commitLocked(offset, length uint64) error {
	if o.closed {
		return fmt.Errorf("vmo: object closed: %w", hv.ErrBadState)
	}
	if length == 0 {
		return nil
	}
	first := offset / pageSize
	last := (offset + length + pageSize - 1) / pageSize
	for pg := first; pg < last; {
		z, err := o.committed.FirstZero(uint32(pg))
		if err != nil || uint64(z) >= last {
			break
		}
		// Commit the whole run of uncommitted pages in one call.
		run := last
		if one, err := o.committed.FirstOne(z); err == nil && uint64(one) < last {
			run = uint64(one)
		}
		if err := populate(o.mem[uint64(z)*pageSize : run*pageSize]); err != nil {
			return fmt.Errorf("vmo: commit pages [%d, %d): %w", z, run, err)
		}
		for p := uint64(z); p < run; p++ {
			o.committed.Add(uint32(p))
		}
		pg = run
	}
	return nil
}

// GetPage commits the page containing offset and returns its host address.
func (o *Object) GetPage(offset uint64, _ hostarch.AccessType) (gpa.Page, error) {
	if offset >= o.size {
		return gpa.Page{}, fmt.Errorf("vmo: page offset 0x%x outside object: %w", offset, hv.ErrOutOfRange)
	}
	offset &^= pageSize - 1

	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.commitLocked(offset, pageSize); err != nil {
		return gpa.Page{}, err
	}
	return gpa.Page{HostAddr: uint64(uintptr(unsafe.Pointer(&o.mem[offset])))}, nil
}

func (o *Object) AddMapping(offset, length uint64) error {
	if err := o.checkRange(offset, length); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return fmt.Errorf("vmo: object closed: %w", hv.ErrBadState)
	}
	o.mapped += length
	return nil
}

func (o *Object) RemoveMapping(offset, length uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if length > o.mapped {
		length = o.mapped
	}
	o.mapped -= length
}

// MappedBytes returns how many bytes of the object are currently mapped into
// guests, counting each mapping separately.
func (o *Object) MappedBytes() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mapped
}

// CommittedPages returns the number of pages made resident so far.
func (o *Object) CommittedPages() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return int(o.committed.GetNumOnes())
}

// ReadAt copies object contents into p.
func (o *Object) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("vmo: negative offset: %w", hv.ErrInvalidArgs)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return 0, fmt.Errorf("vmo: object closed: %w", hv.ErrBadState)
	}
	if uint64(off) >= o.size {
		return 0, io.EOF
	}
	n := copy(p, o.mem[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt copies p into the object, committing the pages it touches.
func (o *Object) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("vmo: negative offset: %w", hv.ErrInvalidArgs)
	}
	if err := o.checkRange(uint64(off), uint64(len(p))); err != nil {
		return 0, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.commitLocked(uint64(off), uint64(len(p))); err != nil {
		return 0, err
	}
	return copy(o.mem[off:], p), nil
}

// Close releases the host memory. It fails while any mapping remains.
func (o *Object) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	if o.mapped != 0 {
		return fmt.Errorf("vmo: close with 0x%x bytes still mapped: %w", o.mapped, hv.ErrBadState)
	}
	o.closed = true
	mem := o.mem
	o.mem = nil
	return unix.Munmap(mem)
}

func touch(mem []byte) {
	for i := 0; i < len(mem); i += int(pageSize) {
		mem[i] = 0
	}
}
