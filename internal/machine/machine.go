// Package machine assembles the guest-physical address space, trap map,
// interrupt controller and PCI bus of one VM from a configuration, and routes
// VM exits to them.
package machine

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
	"gvisor.dev/gvisor/pkg/cleanup"

	"github.com/tinyrange/vmmcore/internal/config"
	"github.com/tinyrange/vmmcore/internal/devices/doorbell"
	"github.com/tinyrange/vmmcore/internal/devices/pci"
	"github.com/tinyrange/vmmcore/internal/gpa"
	"github.com/tinyrange/vmmcore/internal/hv"
	"github.com/tinyrange/vmmcore/internal/idalloc"
	"github.com/tinyrange/vmmcore/internal/interrupt"
	"github.com/tinyrange/vmmcore/internal/trap"
	"github.com/tinyrange/vmmcore/internal/vmo"
)

// Option configures a Machine.
type Option interface {
	IsOption()
}

// WithASIDPool tags the address space with an identifier from pool.
func WithASIDPool(pool *gpa.ASIDPool) Option {
	return &asidOption{pool: pool}
}

type asidOption struct{ pool *gpa.ASIDPool }

func (*asidOption) IsOption() {}

// WithInterruptVectors sizes the interrupt controller.
func WithInterruptVectors(n uint32) Option {
	return &vectorsOption{n: n}
}

type vectorsOption struct{ n uint32 }

func (*vectorsOption) IsOption() {}

// RAM is one guest RAM region.
type RAM struct {
	Name   string
	Base   uint64
	Size   uint64
	Object *vmo.Object
}

// Machine is an assembled VM without vCPUs running.
type Machine struct {
	cfg    *config.Config
	layout *hv.Layout
	space  *gpa.AddressSpace
	traps  *trap.Map
	irq    *interrupt.Controller
	bus    *pci.Bus

	ram       []RAM
	doorbells map[int]*doorbell.Doorbell

	vcpuMu sync.Mutex
	vcpus  *idalloc.Allocator[int]

	closeOnce sync.Once
	closeErr  error
}

// New builds a machine from a validated configuration.
func New(cfg *config.Config, opts ...Option) (*Machine, error) {
	var (
		asids   *gpa.ASIDPool
		vectors uint32
	)
	for _, opt := range opts {
		switch o := opt.(type) {
		case *asidOption:
			asids = o.pool
		case *vectorsOption:
			vectors = o.n
		}
	}

	arch := cfg.Arch()
	m := &Machine{
		cfg:       cfg,
		layout:    hv.NewLayout(arch, cfg.MaxGPA),
		traps:     trap.NewMap(arch),
		irq:       interrupt.NewController(vectors),
		doorbells: make(map[int]*doorbell.Doorbell),
	}

	vcpus, err := idalloc.New(0, cfg.VCPUs)
	if err != nil {
		return nil, fmt.Errorf("machine: vcpu allocator: %w", err)
	}
	m.vcpus = vcpus

	space, err := gpa.New(gpa.Config{Arch: arch, MaxGPA: cfg.MaxGPA, ASIDs: asids})
	if err != nil {
		return nil, fmt.Errorf("machine: create address space: %w", err)
	}
	m.space = space

	cu := cleanup.Make(func() { m.Close() })
	defer cu.Clean()

	// Fixed windows first so RAM without an address is placed around them.
	for _, mem := range cfg.Memory {
		if mem.Base == nil {
			continue
		}
		if err := m.layout.AddRAM(mem.Name, *mem.Base, mem.Size); err != nil {
			return nil, fmt.Errorf("machine: %w", err)
		}
	}
	if err := m.layout.RegisterFixed("pci-ecam", cfg.PCI.EcamBase, pci.EcamSize); err != nil {
		return nil, fmt.Errorf("machine: %w", err)
	}
	if ic := cfg.InterruptController; ic != nil {
		if err := m.layout.RegisterFixed("interrupt-controller", ic.GuestAddr, ic.Size); err != nil {
			return nil, fmt.Errorf("machine: %w", err)
		}
		if err := m.space.MapInterruptController(ic.GuestAddr, ic.HostAddr, ic.Size); err != nil {
			return nil, fmt.Errorf("machine: map interrupt controller: %w", err)
		}
	}

	for _, mem := range cfg.Memory {
		if err := m.addRAM(mem); err != nil {
			return nil, err
		}
	}

	m.bus = pci.NewBus(m.irq, cfg.IRQTable())
	if err := m.bus.RegisterTraps(m.traps, cfg.PCI.EcamBase); err != nil {
		return nil, fmt.Errorf("machine: %w", err)
	}
	for _, d := range cfg.PCI.Devices {
		if err := m.addDevice(d); err != nil {
			return nil, err
		}
	}

	cu.Release()
	slog.Info("machine: created",
		"arch", arch,
		"ram", len(m.ram),
		"devices", len(m.doorbells),
		"vcpus", cfg.VCPUs)
	return m, nil
}

func (m *Machine) addRAM(mem config.Memory) error {
	perm, err := gpa.ParsePerm(mem.Perm)
	if err != nil {
		return fmt.Errorf("machine: memory %q: %w", mem.Name, err)
	}
	cache, err := gpa.ParseCachePolicy(mem.Cache)
	if err != nil {
		return fmt.Errorf("machine: memory %q: %w", mem.Name, err)
	}

	base := uint64(0)
	if mem.Base != nil {
		base = *mem.Base
	} else {
		r, err := m.layout.Allocate(hv.AllocationRequest{Name: mem.Name, Size: mem.Size, Alignment: gpa.PageSize})
		if err != nil {
			return fmt.Errorf("machine: place memory %q: %w", mem.Name, err)
		}
		base = r.Base
	}

	obj, err := vmo.New(mem.Size)
	if err != nil {
		return fmt.Errorf("machine: memory %q: %w", mem.Name, err)
	}
	if _, err := m.space.CreateMapping(m.space.Root(), base, mem.Size, gpa.PageSize, obj, 0, perm, cache); err != nil {
		obj.Close()
		return fmt.Errorf("machine: map memory %q: %w", mem.Name, err)
	}

	m.ram = append(m.ram, RAM{Name: mem.Name, Base: base, Size: mem.Size, Object: obj})
	slog.Debug("machine: mapped ram", "name", mem.Name, "base", fmt.Sprintf("0x%x", base), "size", mem.Size)
	return nil
}

func (m *Machine) addDevice(d config.Device) error {
	db := doorbell.New(pci.Config{
		VendorID:          d.VendorID,
		DeviceID:          d.DeviceID,
		SubsystemVendorID: d.SubsystemVendorID,
		SubsystemID:       d.SubsystemID,
		Class:             d.Class,
		Revision:          d.Revision,
	})
	for _, c := range d.Capabilities {
		if err := db.Device().AddCapability(pci.Capability{ID: c.ID, Payload: c.Payload}); err != nil {
			return fmt.Errorf("machine: slot %d: %w", d.Slot, err)
		}
	}
	if err := m.bus.Connect(db.Device(), d.Slot); err != nil {
		return fmt.Errorf("machine: %w", err)
	}
	if err := db.Device().RegisterTraps(m.traps); err != nil {
		return fmt.Errorf("machine: slot %d: %w", d.Slot, err)
	}
	m.doorbells[d.Slot] = db
	return nil
}

func (m *Machine) Config() *config.Config { return m.cfg }
func (m *Machine) Layout() *hv.Layout { return m.layout }
func (m *Machine) AddressSpace() *gpa.AddressSpace { return m.space }
func (m *Machine) Traps() *trap.Map { return m.traps }
func (m *Machine) Interrupts() *interrupt.Controller { return m.irq }
func (m *Machine) Bus() *pci.Bus { return m.bus }
func (m *Machine) RAM() []RAM { return append([]RAM(nil), m.ram...) }
func (m *Machine) Doorbell(slot int) *doorbell.Doorbell { return m.doorbells[slot] }

// TotalRAM returns the bytes of guest RAM.
func (m *Machine) TotalRAM() uint64 {
	var total uint64
	for _, r := range m.ram {
		total += r.Size
	}
	return total
}

// Prefault faults in all of guest RAM, one goroutine per region. progress,
// when set, is called with the bytes populated and must be safe for
// concurrent use.
func (m *Machine) Prefault(progress func(n uint64)) error {
	var g errgroup.Group
	for _, r := range m.ram {
		g.Go(func() error {
			if err := m.space.Populate(r.Base, r.Size, progress); err != nil {
				return fmt.Errorf("machine: prefault %q: %w", r.Name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// AllocVCPU reserves a vCPU slot.
func (m *Machine) AllocVCPU() (int, error) {
	m.vcpuMu.Lock()
	defer m.vcpuMu.Unlock()
	return m.vcpus.TryAlloc()
}

// FreeVCPU releases a slot returned by AllocVCPU.
func (m *Machine) FreeVCPU(id int) error {
	m.vcpuMu.Lock()
	defer m.vcpuMu.Unlock()
	return m.vcpus.Free(id)
}

// Close tears down the address space and releases guest RAM.
func (m *Machine) Close() error {
	m.closeOnce.Do(func() {
		var errs []error
		if err := m.space.Destroy(); err != nil {
			errs = append(errs, err)
		}
		for _, r := range m.ram {
			if err := r.Object.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %q: %w", r.Name, err))
			}
		}
		m.closeErr = errors.Join(errs...)
	})
	return m.closeErr
}
