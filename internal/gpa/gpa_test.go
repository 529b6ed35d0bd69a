package gpa

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/gvisor/pkg/hostarch"

	"github.com/tinyrange/vmmcore/internal/hv"
)

const P = PageSize

// fakeObject pretends to live at hostBase in host memory.
type fakeObject struct {
	mu       sync.Mutex
	size     uint64
	hostBase uint64
	mapped   int64
	faults   []uint64
	failGet  error
}

func newFakeObject(pages uint64, hostBase uint64) *fakeObject {
	return &fakeObject{size: pages * P, hostBase: hostBase}
}

func (o *fakeObject) Size() uint64 { return o.size }

func (o *fakeObject) CommitRange(offset, length uint64) error { return nil }

func (o *fakeObject) GetPage(offset uint64, _ hostarch.AccessType) (Page, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.failGet != nil {
		return Page{}, o.failGet
	}
	o.faults = append(o.faults, offset)
	return Page{HostAddr: o.hostBase + offset}, nil
}

func (o *fakeObject) AddMapping(offset, length uint64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.mapped += int64(length)
	return nil
}

func (o *fakeObject) RemoveMapping(offset, length uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.mapped -= int64(length)
}

func newTestSpace(t *testing.T, arch hv.CpuArchitecture) *AddressSpace {
	t.Helper()
	as, err := New(Config{Arch: arch, MaxGPA: 1 << 32})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return as
}

type extent struct{ Base, End, Offset uint64 }

func extents(as *AddressSpace) []extent {
	var out []extent
	for _, m := range as.Mappings() {
		out = append(out, extent{m.Base, m.End(), m.ObjectOffset})
	}
	return out
}

func TestNewValidation(t *testing.T) {
	for _, size := range []uint64{0, P + 1} {
		if _, err := New(Config{MaxGPA: size}); !errors.Is(err, hv.ErrInvalidArgs) {
			t.Errorf("New(MaxGPA=0x%x) = %v, want ErrInvalidArgs", size, err)
		}
	}
}

func TestUnmapExactMapping(t *testing.T) {
	as := newTestSpace(t, hv.ArchitectureX86_64)
	obj := newFakeObject(2, 0x10_0000)
	if _, err := as.CreateMapping(as.Root(), 0, 2*P, P, obj, 0, hostarch.ReadWrite, CacheCached); err != nil {
		t.Fatalf("CreateMapping: %v", err)
	}
	if err := as.UnmapRange(0, 2*P); err != nil {
		t.Fatalf("UnmapRange: %v", err)
	}
	if as.IsMapped(0) || as.IsMapped(P) {
		t.Fatal("range still mapped after exact unmap")
	}
	if obj.mapped != 0 {
		t.Fatalf("object still has %d mapped bytes", obj.mapped)
	}
	if !as.Root().IsEmpty() {
		t.Fatal("root not empty")
	}
}

func TestUnmapOutsideMappings(t *testing.T) {
	as := newTestSpace(t, hv.ArchitectureX86_64)
	obj := newFakeObject(1, 0x10_0000)
	if _, err := as.CreateMapping(as.Root(), 0, P, P, obj, 0, hostarch.ReadWrite, CacheCached); err != nil {
		t.Fatalf("CreateMapping: %v", err)
	}
	if err := as.UnmapRange(8*P, 4*P); err != nil {
		t.Fatalf("UnmapRange of empty range: %v", err)
	}
	if err := as.UnmapRange(as.MaxGPA()+P, P); err != nil {
		t.Fatalf("UnmapRange beyond max: %v", err)
	}
	if !as.IsMapped(0) {
		t.Fatal("unrelated mapping was removed")
	}
}

func TestUnmapRangeArgs(t *testing.T) {
	as := newTestSpace(t, hv.ArchitectureX86_64)
	if err := as.UnmapRange(1, P); !errors.Is(err, hv.ErrInvalidArgs) {
		t.Errorf("unaligned UnmapRange = %v, want ErrInvalidArgs", err)
	}
	if err := as.UnmapRange(0, 0); !errors.Is(err, hv.ErrInvalidArgs) {
		t.Errorf("zero UnmapRange = %v, want ErrInvalidArgs", err)
	}
}

func TestUnmapAcrossTwoMappings(t *testing.T) {
	as := newTestSpace(t, hv.ArchitectureX86_64)
	a := newFakeObject(2, 0x10_0000)
	b := newFakeObject(2, 0x20_0000)
	if _, err := as.CreateMapping(as.Root(), 0, 2*P, P, a, 0, hostarch.ReadWrite, CacheCached); err != nil {
		t.Fatalf("CreateMapping a: %v", err)
	}
	if _, err := as.CreateMapping(as.Root(), 3*P, 2*P, P, b, 0, hostarch.ReadWrite, CacheCached); err != nil {
		t.Fatalf("CreateMapping b: %v", err)
	}
	if err := as.UnmapRange(P, 3*P); err != nil {
		t.Fatalf("UnmapRange: %v", err)
	}

	want := []extent{{0, P, 0}, {4 * P, 5 * P, P}}
	if diff := cmp.Diff(want, extents(as)); diff != "" {
		t.Fatalf("mappings mismatch (-want +got):\n%s", diff)
	}
	if a.mapped != int64(P) || b.mapped != int64(P) {
		t.Fatalf("mapped bytes = %d, %d, want %d each", a.mapped, b.mapped, P)
	}

	// The surviving tail of b still faults in at its original object offset.
	if err := as.PageFault(4 * P); err != nil {
		t.Fatalf("PageFault: %v", err)
	}
	if host, ok := as.Translate(4*P + 8); !ok || host != 0x20_0000+P+8 {
		t.Fatalf("Translate = 0x%x, %v", host, ok)
	}
}

func TestUnmapSplitsMapping(t *testing.T) {
	as := newTestSpace(t, hv.ArchitectureX86_64)
	obj := newFakeObject(4, 0x10_0000)
	if _, err := as.CreateMapping(as.Root(), 8*P, 4*P, P, obj, 0, hostarch.ReadWrite, CacheCached); err != nil {
		t.Fatalf("CreateMapping: %v", err)
	}
	if err := as.Populate(8*P, 4*P, nil); err != nil {
		t.Fatalf("Populate: %v", err)
	}
	if err := as.UnmapRange(9*P, 2*P); err != nil {
		t.Fatalf("UnmapRange: %v", err)
	}
	want := []extent{{8 * P, 9 * P, 0}, {11 * P, 12 * P, 3 * P}}
	if diff := cmp.Diff(want, extents(as)); diff != "" {
		t.Fatalf("mappings mismatch (-want +got):\n%s", diff)
	}
	if got := as.PageTable().Len(); got != 2 {
		t.Fatalf("page table has %d entries, want 2", got)
	}
	if _, ok := as.Translate(9 * P); ok {
		t.Fatal("unmapped page still translated")
	}
}

func TestSubRegionSurvivesUnmap(t *testing.T) {
	as := newTestSpace(t, hv.ArchitectureX86_64)
	sub, err := as.Root().CreateRegion(Anywhere, 4*P, P)
	if err != nil {
		t.Fatalf("CreateRegion: %v", err)
	}
	obj := newFakeObject(4, 0x10_0000)
	if _, err := sub.CreateMapping(sub.Base(), 4*P, P, obj, 0, hostarch.ReadWrite, CacheCached); err != nil {
		t.Fatalf("CreateMapping: %v", err)
	}
	if err := as.UnmapRange(sub.Base(), 4*P); err != nil {
		t.Fatalf("UnmapRange: %v", err)
	}
	if !sub.HasParent() {
		t.Fatal("sub-region detached by unmap")
	}
	if !sub.IsEmpty() {
		t.Fatal("sub-region still holds mappings")
	}

	if err := sub.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if sub.HasParent() {
		t.Fatal("destroyed region still attached")
	}
	if _, err := sub.CreateRegion(Anywhere, P, P); !errors.Is(err, hv.ErrBadState) {
		t.Fatalf("CreateRegion on destroyed region = %v, want ErrBadState", err)
	}
	if err := as.Root().Destroy(); !errors.Is(err, hv.ErrBadState) {
		t.Fatalf("destroying root = %v, want ErrBadState", err)
	}
}

func TestCreateRegionPlacement(t *testing.T) {
	as := newTestSpace(t, hv.ArchitectureX86_64)
	root := as.Root()
	first, err := root.CreateRegion(Anywhere, P, P)
	if err != nil {
		t.Fatalf("CreateRegion: %v", err)
	}
	if first.Base() != 0 {
		t.Fatalf("first region at 0x%x, want 0", first.Base())
	}
	second, err := root.CreateRegion(Anywhere, P, 4*P)
	if err != nil {
		t.Fatalf("CreateRegion aligned: %v", err)
	}
	if second.Base() != 4*P {
		t.Fatalf("aligned region at 0x%x, want 0x%x", second.Base(), 4*P)
	}
	if _, err := root.CreateRegion(4*P, P, P); !errors.Is(err, hv.ErrAlreadyExists) {
		t.Fatalf("overlapping region = %v, want ErrAlreadyExists", err)
	}
	if _, err := root.CreateRegion(P, P, 3*P); !errors.Is(err, hv.ErrInvalidArgs) {
		t.Fatalf("non power-of-two alignment = %v, want ErrInvalidArgs", err)
	}
	if _, err := root.CreateRegion(as.MaxGPA(), P, P); !errors.Is(err, hv.ErrOutOfRange) {
		t.Fatalf("region past end = %v, want ErrOutOfRange", err)
	}
	gap, err := root.CreateRegion(Anywhere, 2*P, P)
	if err != nil {
		t.Fatalf("CreateRegion gap: %v", err)
	}
	if gap.Base() != P {
		t.Fatalf("gap region at 0x%x, want 0x%x", gap.Base(), P)
	}
	if _, err := second.CreateRegion(Anywhere, 2*P, P); !errors.Is(err, hv.ErrNoResources) {
		t.Fatalf("oversized sub-region = %v, want ErrNoResources", err)
	}
}

func TestCreateMappingErrors(t *testing.T) {
	as := newTestSpace(t, hv.ArchitectureX86_64)
	obj := newFakeObject(2, 0x10_0000)
	root := as.Root()

	if _, err := as.CreateMapping(root, 0, 4*P, P, obj, 0, hostarch.Read, CacheCached); !errors.Is(err, hv.ErrOutOfRange) {
		t.Errorf("oversized mapping = %v, want ErrOutOfRange", err)
	}
	if _, err := as.CreateMapping(root, 0, P, P, obj, 1, hostarch.Read, CacheCached); !errors.Is(err, hv.ErrInvalidArgs) {
		t.Errorf("unaligned offset = %v, want ErrInvalidArgs", err)
	}
	if _, err := as.CreateMapping(root, 0, P, P, obj, 0, hostarch.Read, CachePolicy(9)); !errors.Is(err, hv.ErrInvalidArgs) {
		t.Errorf("bad cache policy = %v, want ErrInvalidArgs", err)
	}
	if _, err := as.CreateMapping(root, 0, P, P, obj, 0, hostarch.Read, CacheCached); err != nil {
		t.Fatalf("CreateMapping: %v", err)
	}
	if _, err := as.CreateMapping(root, 0, P, P, obj, P, hostarch.Read, CacheCached); !errors.Is(err, hv.ErrAlreadyExists) {
		t.Errorf("overlapping mapping = %v, want ErrAlreadyExists", err)
	}

	other := newTestSpace(t, hv.ArchitectureX86_64)
	if _, err := as.CreateMapping(other.Root(), 0, P, P, obj, 0, hostarch.Read, CacheCached); !errors.Is(err, hv.ErrInvalidArgs) {
		t.Errorf("foreign region = %v, want ErrInvalidArgs", err)
	}
}

func TestPageFaultPermissions(t *testing.T) {
	for _, tc := range []struct {
		name string
		perm hostarch.AccessType
		bits uint64
	}{
		{"r", hostarch.Read, EPTRead},
		{"rw", hostarch.ReadWrite, EPTRead | EPTWrite},
		{"rx", hostarch.AccessType{Read: true, Execute: true}, EPTRead | EPTExecute},
	} {
		t.Run(tc.name, func(t *testing.T) {
			as := newTestSpace(t, hv.ArchitectureX86_64)
			obj := newFakeObject(1, 0x40_0000)
			if _, err := as.CreateMapping(as.Root(), 2*P, P, P, obj, 0, tc.perm, CacheCached); err != nil {
				t.Fatalf("CreateMapping: %v", err)
			}
			if err := as.PageFault(2*P + 0x10); err != nil {
				t.Fatalf("PageFault: %v", err)
			}
			pte, ok := as.PageTable().Lookup(2 * P)
			if !ok {
				t.Fatal("no entry installed")
			}
			if got := pte & (EPTRead | EPTWrite | EPTExecute); got != tc.bits {
				t.Fatalf("permission bits = %#b, want %#b", got, tc.bits)
			}
			if got := EPTMemTypeOf(pte); got != EPTMemTypeWB {
				t.Fatalf("memory type = %d, want WB", got)
			}
			if diff := cmp.Diff([]uint64{0}, obj.faults); diff != "" {
				t.Fatalf("faulted offsets mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPageFaultUnmapped(t *testing.T) {
	as := newTestSpace(t, hv.ArchitectureX86_64)
	if err := as.PageFault(0); !errors.Is(err, hv.ErrNotFound) {
		t.Fatalf("PageFault = %v, want ErrNotFound", err)
	}

	obj := newFakeObject(1, 0)
	obj.failGet = hv.ErrNoResources
	if _, err := as.CreateMapping(as.Root(), 0, P, P, obj, 0, hostarch.Read, CacheCached); err != nil {
		t.Fatalf("CreateMapping: %v", err)
	}
	if err := as.PageFault(0); !errors.Is(err, hv.ErrNoResources) {
		t.Fatalf("PageFault = %v, want ErrNoResources", err)
	}
}

func TestCachePolicyEncoding(t *testing.T) {
	for _, tc := range []struct {
		cache CachePolicy
		ept   uint64
		s2    uint64
	}{
		{CacheCached, EPTMemTypeWB, S2MemAttrWB},
		{CacheUncached, EPTMemTypeUC, S2MemAttrNC},
		{CacheUncachedDevice, EPTMemTypeUC, S2MemAttrDevice},
		{CacheWriteCombining, EPTMemTypeWC, S2MemAttrNC},
	} {
		t.Run(tc.cache.String(), func(t *testing.T) {
			pte := EPTFormat{}.Encode(0x1234_5000, hostarch.ReadWrite, tc.cache)
			if got := EPTMemTypeOf(pte); got != tc.ept {
				t.Errorf("EPT memory type = %d, want %d", got, tc.ept)
			}
			if pte&EPTIgnorePAT == 0 {
				t.Error("EPT entry does not ignore PAT")
			}
			if got := (EPTFormat{}).HostAddr(pte); got != 0x1234_5000 {
				t.Errorf("EPT host address = 0x%x", got)
			}

			s2 := Stage2Format{}.Encode(0x1234_5000, hostarch.Read, tc.cache)
			if got := S2MemAttrOf(s2); got != tc.s2 {
				t.Errorf("stage-2 MemAttr = %#x, want %#x", got, tc.s2)
			}
			if got := (Stage2Format{}).Perm(s2); got != hostarch.Read {
				t.Errorf("stage-2 perm = %v, want %v", got, hostarch.Read)
			}
		})
	}
}

func TestMapInterruptController(t *testing.T) {
	as := newTestSpace(t, hv.ArchitectureARM64)
	if err := as.MapInterruptController(0x800_0000, 0x2c00_0000, 2*P); err != nil {
		t.Fatalf("MapInterruptController: %v", err)
	}
	if got := as.PageTable().Len(); got != 2 {
		t.Fatalf("installed %d entries, want 2", got)
	}
	pte, ok := as.PageTable().Lookup(0x800_0000 + P)
	if !ok {
		t.Fatal("second page not installed")
	}
	if got := S2MemAttrOf(pte); got != S2MemAttrDevice {
		t.Fatalf("MemAttr = %#x, want device", got)
	}
	if host, _ := as.Translate(0x800_0000 + P + 4); host != 0x2c00_0000+P+4 {
		t.Fatalf("Translate = 0x%x", host)
	}
	infos := as.Mappings()
	if len(infos) != 1 || !infos[0].Fixed || infos[0].Cache != CacheUncachedDevice {
		t.Fatalf("mappings = %+v", infos)
	}
	if err := as.MapInterruptController(0x800_0000, 0x2c00_0000, P); !errors.Is(err, hv.ErrAlreadyExists) {
		t.Fatalf("second controller = %v, want ErrAlreadyExists", err)
	}
}

func TestProtect(t *testing.T) {
	as := newTestSpace(t, hv.ArchitectureX86_64)
	obj := newFakeObject(4, 0x10_0000)
	if _, err := as.CreateMapping(as.Root(), 0, 4*P, P, obj, 0, hostarch.ReadWrite, CacheCached); err != nil {
		t.Fatalf("CreateMapping: %v", err)
	}
	if err := as.Populate(0, 4*P, nil); err != nil {
		t.Fatalf("Populate: %v", err)
	}
	if err := as.Protect(as.Root(), P, 2*P, hostarch.Read); err != nil {
		t.Fatalf("Protect: %v", err)
	}

	var perms []hostarch.AccessType
	for _, m := range as.Mappings() {
		perms = append(perms, m.Perm)
	}
	if diff := cmp.Diff([]hostarch.AccessType{hostarch.ReadWrite, hostarch.Read, hostarch.ReadWrite}, perms); diff != "" {
		t.Fatalf("perms mismatch (-want +got):\n%s", diff)
	}
	for page, want := range map[uint64]hostarch.AccessType{0: hostarch.ReadWrite, P: hostarch.Read, 2 * P: hostarch.Read, 3 * P: hostarch.ReadWrite} {
		pte, _ := as.PageTable().Lookup(page)
		if got := (EPTFormat{}).Perm(pte); got != want {
			t.Errorf("page 0x%x perm = %v, want %v", page, got, want)
		}
	}

	if err := as.Protect(as.Root(), 3*P, 2*P, hostarch.Read); !errors.Is(err, hv.ErrNotFound) {
		t.Fatalf("Protect over hole = %v, want ErrNotFound", err)
	}
}

func TestPopulateProgress(t *testing.T) {
	as := newTestSpace(t, hv.ArchitectureX86_64)
	obj := newFakeObject(3, 0x10_0000)
	if _, err := as.CreateMapping(as.Root(), 0, 3*P, P, obj, 0, hostarch.ReadWrite, CacheCached); err != nil {
		t.Fatalf("CreateMapping: %v", err)
	}
	var total uint64
	if err := as.Populate(0, 3*P, func(n uint64) { total += n }); err != nil {
		t.Fatalf("Populate: %v", err)
	}
	if total != 3*P {
		t.Fatalf("progress total = %d, want %d", total, 3*P)
	}
	if err := as.Populate(0, 4*P, nil); !errors.Is(err, hv.ErrNotFound) {
		t.Fatalf("Populate past mapping = %v, want ErrNotFound", err)
	}
}

func TestDestroyReleasesASID(t *testing.T) {
	pool, err := NewASIDPool(1, 3)
	if err != nil {
		t.Fatalf("NewASIDPool: %v", err)
	}
	a, err := New(Config{MaxGPA: 1 << 20, ASIDs: pool})
	if err != nil {
		t.Fatalf("New a: %v", err)
	}
	b, err := New(Config{MaxGPA: 1 << 20, ASIDs: pool})
	if err != nil {
		t.Fatalf("New b: %v", err)
	}
	if _, err := New(Config{MaxGPA: 1 << 20, ASIDs: pool}); !errors.Is(err, hv.ErrNoResources) {
		t.Fatalf("third address space = %v, want ErrNoResources", err)
	}
	idA, _ := a.ASID()
	idB, _ := b.ASID()
	if idA == idB {
		t.Fatalf("duplicate ASID %d", idA)
	}

	obj := newFakeObject(1, 0x10_0000)
	if _, err := a.CreateMapping(a.Root(), 0, P, P, obj, 0, hostarch.Read, CacheCached); err != nil {
		t.Fatalf("CreateMapping: %v", err)
	}
	if err := a.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if obj.mapped != 0 {
		t.Fatalf("object still mapped after destroy: %d", obj.mapped)
	}
	if pool.InUse() != 1 {
		t.Fatalf("pool in use = %d, want 1", pool.InUse())
	}
	if err := a.PageFault(0); !errors.Is(err, hv.ErrBadState) {
		t.Fatalf("PageFault after destroy = %v, want ErrBadState", err)
	}
	if err := a.Destroy(); !errors.Is(err, hv.ErrBadState) {
		t.Fatalf("second Destroy = %v, want ErrBadState", err)
	}
}

func TestParsers(t *testing.T) {
	perm, err := ParsePerm("r-x")
	if err != nil || perm != (hostarch.AccessType{Read: true, Execute: true}) {
		t.Fatalf("ParsePerm = %v, %v", perm, err)
	}
	if _, err := ParsePerm("rq"); !errors.Is(err, hv.ErrInvalidArgs) {
		t.Fatalf("ParsePerm bad = %v", err)
	}
	c, err := ParseCachePolicy("write-combining")
	if err != nil || c != CacheWriteCombining {
		t.Fatalf("ParseCachePolicy = %v, %v", c, err)
	}
}

func TestConcurrentFaultsAndRemaps(t *testing.T) {
	as := newTestSpace(t, hv.ArchitectureX86_64)
	stable := newFakeObject(16, 0x4000_0000)
	if _, err := as.CreateMapping(as.Root(), 0, 16*P, P, stable, 0, hostarch.ReadWrite, CacheCached); err != nil {
		t.Fatalf("CreateMapping: %v", err)
	}

	var g errgroup.Group
	for w := uint64(0); w < 4; w++ {
		g.Go(func() error {
			base := (w + 1) << 24
			obj := newFakeObject(4, 0x8000_0000+w<<24)
			for i := 0; i < 200; i++ {
				if _, err := as.CreateMapping(as.Root(), base, 4*P, P, obj, 0, hostarch.ReadWrite, CacheCached); err != nil {
					return fmt.Errorf("round %d: CreateMapping: %w", i, err)
				}
				if err := as.PageFault(base + P); err != nil {
					return fmt.Errorf("round %d: PageFault: %w", i, err)
				}
				if err := as.Protect(as.Root(), base, 2*P, hostarch.Read); err != nil {
					return fmt.Errorf("round %d: Protect: %w", i, err)
				}
				if err := as.UnmapRange(base, 4*P); err != nil {
					return fmt.Errorf("round %d: UnmapRange: %w", i, err)
				}
				if as.IsMapped(base) {
					return fmt.Errorf("round %d: 0x%x still mapped", i, base)
				}
			}
			return nil
		})
		g.Go(func() error {
			for i := uint64(0); i < 1000; i++ {
				addr := (i % 16) * P
				if !as.IsMapped(addr) {
					return fmt.Errorf("0x%x unmapped", addr)
				}
				if err := as.PageFault(addr); err != nil {
					return fmt.Errorf("PageFault(0x%x): %w", addr, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]extent{{0, 16 * P, 0}}, extents(as)); diff != "" {
		t.Fatalf("mappings mismatch (-want +got):\n%s", diff)
	}
	if stable.mapped != int64(16*P) {
		t.Fatalf("stable object mapped = 0x%x, want 0x%x", stable.mapped, 16*P)
	}
	if host, ok := as.Translate(3*P + 5); !ok || host != 0x4000_0000+3*P+5 {
		t.Fatalf("Translate = 0x%x, %v", host, ok)
	}
}
