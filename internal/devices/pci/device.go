package pci

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/vmmcore/internal/hv"
	"github.com/tinyrange/vmmcore/internal/trap"
)

// Type 0 configuration header offsets.
const (
	RegVendorID      = 0x00
	RegCommand       = 0x04
	RegStatus        = 0x06
	RegRevisionClass = 0x08
	RegHeaderType    = 0x0c
	RegBar0          = 0x10
	RegCardbusCIS    = 0x28
	RegSubsystem     = 0x2c
	RegExpansionROM  = 0x30
	RegCapabilities  = 0x34
	RegInterrupt     = 0x3c

	// CapabilityBase is where the capability list starts.
	CapabilityBase = 0x40
	// ConfigSpaceSize is the size of conventional configuration space.
	ConfigSpaceSize = 0x100

	NumBars = 6
)

// Command register bits.
const (
	CommandIOEnable  = 1 << 0
	CommandMemEnable = 1 << 1
	CommandBusMaster = 1 << 2
)

// Status register bits.
const (
	StatusInterrupt      = 1 << 3
	StatusCapabilityList = 1 << 4
)

// Backend emulates the registers behind a device's BARs.
type Backend interface {
	ReadBar(dev *Device, bar int, offset uint64, data []byte) error
	WriteBar(dev *Device, bar int, offset uint64, data []byte) error
}

// Capability is one entry of the capability list. The logical length of the
// entry is 2 + len(Payload); it occupies that rounded up to 4 bytes.
type Capability struct {
	ID      uint8
	Payload []byte
}

func (c Capability) length() int {
	return 2 + len(c.Payload)
}

func (c Capability) paddedLength() int {
	return (c.length() + 3) &^ 3
}

// Config holds the identity of a PCI function.
type Config struct {
	VendorID          uint16
	DeviceID          uint16
	SubsystemVendorID uint16
	SubsystemID       uint16
	// Class is the 24-bit class code: base class, subclass, prog-if.
	Class    uint32
	Revision uint8
	// BarSizes are the requested sizes of BAR0..BAR5; zero means absent.
	BarSizes [NumBars]uint32
}

// Device is a PCI function on a Bus.
type Device struct {
	cfg     Config
	backend Backend

	mu      sync.Mutex
	bus     *Bus
	slot    int
	irq     uint32
	command uint16
	bars    [NumBars]Bar
	barRegs [NumBars]uint32
	caps    []Capability
}

// NewDevice returns a disconnected device using backend for BAR traffic.
func NewDevice(cfg Config, backend Backend) *Device {
	return &Device{cfg: cfg, backend: backend, slot: -1}
}

// Config returns the identity the device was created with.
func (d *Device) Config() Config {
	return d.cfg
}

// Slot returns the bus slot the device is connected to, or -1.
func (d *Device) Slot() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.slot
}

// IRQ returns the global interrupt line assigned at connect time.
func (d *Device) IRQ() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.irq
}

// Command returns the command register.
func (d *Device) Command() uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.command
}

// Bar returns BAR i and whether it is implemented.
func (d *Device) Bar(i int) (Bar, bool) {
	if i < 0 || i >= NumBars {
		return Bar{}, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bars[i], d.bars[i].Size != 0
}

// AddCapability appends a capability to the list.
func (d *Device) AddCapability(c Capability) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	used := 0
	for _, existing := range d.caps {
		used += existing.paddedLength()
	}
	if c.length() > 0xff || CapabilityBase+used+c.paddedLength() > ConfigSpaceSize {
		return fmt.Errorf("pci: capability 0x%02x does not fit in config space: %w", c.ID, hv.ErrNoResources)
	}
	c.Payload = append([]byte(nil), c.Payload...)
	d.caps = append(d.caps, c)
	return nil
}

// statusLocked returns the status register. The interrupt bit is always
// reported.
func (d *Device) statusLocked() uint16 {
	status := uint16(StatusInterrupt)
	if len(d.caps) > 0 {
		status |= StatusCapabilityList
	}
	return status
}

// capabilityByteLocked returns byte offset of the capability list.
func (d *Device) capabilityByteLocked(offset int) uint8 {
	pos := CapabilityBase
	for i, c := range d.caps {
		size := c.paddedLength()
		if offset >= pos+size {
			pos += size
			continue
		}
		switch rel := offset - pos; {
		case rel == 0:
			return c.ID
		case rel == 1:
			if i == len(d.caps)-1 {
				return 0
			}
			return uint8(pos + size)
		case rel < c.length():
			return c.Payload[rel-2]
		default:
			return 0
		}
	}
	return 0
}

func (d *Device) readRegisterLocked(reg int) uint32 {
	switch {
	case reg == RegVendorID:
		return uint32(d.cfg.VendorID) | uint32(d.cfg.DeviceID)<<16
	case reg == RegCommand:
		return uint32(d.command) | uint32(d.statusLocked())<<16
	case reg == RegRevisionClass:
		return uint32(d.cfg.Revision) | (d.cfg.Class&0xffffff)<<8
	case reg == RegHeaderType:
		// Cache line size, latency timer and BIST are zero; header type 0.
		return 0
	case reg >= RegBar0 && reg < RegBar0+4*NumBars:
		i := (reg - RegBar0) / 4
		if d.bars[i].Size == 0 {
			return 0
		}
		return d.bars[i].Register(d.barRegs[i])
	case reg == RegSubsystem:
		return uint32(d.cfg.SubsystemVendorID) | uint32(d.cfg.SubsystemID)<<16
	case reg == RegCapabilities:
		if len(d.caps) == 0 {
			return 0
		}
		return CapabilityBase
	case reg == RegInterrupt:
		// Interrupt pin 1 is INTA#.
		return uint32(uint8(d.irq)) | 1<<8
	case reg >= CapabilityBase && reg < ConfigSpaceSize:
		var v uint32
		for i := 0; i < 4; i++ {
			v |= uint32(d.capabilityByteLocked(reg+i)) << (8 * i)
		}
		return v
	default:
		// CardBus CIS, expansion ROM and everything unimplemented.
		return 0
	}
}

// ReadConfig reads size bytes of configuration space at offset. It never
// fails: registers that are not implemented read as zero.
func (d *Device) ReadConfig(offset uint16, size int) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()

	var v uint32
	for i := 0; i < size && i < 4; i++ {
		off := int(offset) + i
		if off >= ConfigSpaceSize {
			break
		}
		reg := d.readRegisterLocked(off &^ 3)
		v |= (reg >> (8 * (off & 3)) & 0xff) << (8 * i)
	}
	return v
}

// WriteConfig writes size bytes of configuration space at offset. The write
// must not cross a register boundary.
func (d *Device) WriteConfig(offset uint16, size int, value uint32) error {
	if size != 1 && size != 2 && size != 4 {
		return fmt.Errorf("pci: config write of %d bytes: %w", size, hv.ErrInvalidArgs)
	}
	off := int(offset)
	if off&3+size > 4 {
		return fmt.Errorf("pci: config write at 0x%x+%d crosses a register: %w", off, size, hv.ErrInvalidArgs)
	}
	if off >= ConfigSpaceSize {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	reg := off &^ 3
	switch {
	case reg == RegVendorID, reg == RegRevisionClass:
		return fmt.Errorf("pci: write to read-only register 0x%02x: %w", reg, hv.ErrNotSupported)
	case reg == RegHeaderType:
		if off <= RegHeaderType+2 && off+size > RegHeaderType+2 {
			return fmt.Errorf("pci: write to header type: %w", hv.ErrNotSupported)
		}
		return nil
	case reg == RegCommand:
		if off+size > RegStatus {
			if off >= RegStatus {
				// Status bits are not write-one-to-clear here; drop the write.
				return nil
			}
			return fmt.Errorf("pci: %d-byte write spanning command and status: %w", size, hv.ErrNotSupported)
		}
		shift := 8 * (off - RegCommand)
		mask := uint16((uint32(1)<<(8*size) - 1) << shift)
		d.command = d.command&^mask | uint16(value<<shift)&mask
		return nil
	case reg >= RegBar0 && reg < RegBar0+4*NumBars:
		if size != 4 {
			return fmt.Errorf("pci: %d-byte bar write: %w", size, hv.ErrNotSupported)
		}
		i := (reg - RegBar0) / 4
		if d.bars[i].Size != 0 {
			d.barRegs[i] = value & d.bars[i].Mask()
		}
		return nil
	default:
		return nil
	}
}

// HandleTrap implements trap.Handler for the device's BARs; the trap key is
// the BAR index.
func (d *Device) HandleTrap(p *trap.Packet) error {
	i := int(p.Key)
	bar, ok := d.Bar(i)
	if !ok {
		return fmt.Errorf("pci: trap for unimplemented bar %d: %w", i, hv.ErrNotFound)
	}
	if !p.Write {
		return fmt.Errorf("pci: read of bar %d: %w", i, hv.ErrNotSupported)
	}
	return d.backend.WriteBar(d, i, p.Addr-bar.Addr, p.Data)
}

// RegisterTraps registers one trap per implemented BAR with m, keyed by BAR
// index.
func (d *Device) RegisterTraps(m *trap.Map) error {
	d.mu.Lock()
	bars := d.bars
	connected := d.bus != nil
	d.mu.Unlock()

	if !connected {
		return fmt.Errorf("pci: register traps of disconnected device: %w", hv.ErrBadState)
	}
	for i, bar := range bars {
		if bar.Size == 0 {
			continue
		}
		kind := trap.KindMem
		if bar.IOType == BarPIO {
			kind = trap.KindIO
		}
		if err := m.InsertTrap(kind, bar.Addr, uint64(bar.Size), d, uint64(i)); err != nil {
			return fmt.Errorf("pci: bar %d: %w", i, err)
		}
	}
	return nil
}

// Interrupt raises the device's INTx line through the bus's router.
func (d *Device) Interrupt() error {
	d.mu.Lock()
	bus, irq := d.bus, d.irq
	d.mu.Unlock()

	if bus == nil {
		return fmt.Errorf("pci: interrupt from disconnected device: %w", hv.ErrBadState)
	}
	slog.Debug("pci: interrupt", "slot", d.Slot(), "irq", irq)
	return bus.router.Interrupt(irq)
}
