// Package pci implements a single-bus virtual PCI root complex: device slots,
// type 0 configuration space, the legacy CF8/CFC access mechanism and ECAM.
package pci

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/vmmcore/internal/hv"
	"github.com/tinyrange/vmmcore/internal/trap"
)

const (
	// MaxDevices is the number of device slots on the bus.
	MaxDevices = 16
	// RootComplexSlot holds the host bridge.
	RootComplexSlot = 0
	// PioBase is the first port handed to a BAR.
	PioBase = 0x8000

	ConfigAddressPort = 0xcf8
	ConfigDataPort    = 0xcfc

	// EcamSize covers every slot of bus 0.
	EcamSize = MaxDevices << 15

	configAddressEnable = 1 << 31
)

// DefaultIRQs is the slot to global IRQ table used when none is configured.
var DefaultIRQs = [MaxDevices]uint32{
	32, 33, 34, 35, 36, 37, 38, 39,
	40, 41, 42, 43, 44, 45, 46, 47,
}

// InterruptRouter delivers a global interrupt line to the guest.
type InterruptRouter interface {
	Interrupt(globalIRQ uint32) error
}

// Bus is the root complex and its device slots.
type Bus struct {
	router InterruptRouter
	irqs   [MaxDevices]uint32

	slots [MaxDevices]atomic.Pointer[Device]

	// mu guards the CF8 register and the port cursor.
	mu         sync.Mutex
	configAddr uint32
	pioCursor  uint64
}

type rootComplex struct{}

func (rootComplex) ReadBar(*Device, int, uint64, []byte) error {
	return fmt.Errorf("pci: root complex bar: %w", hv.ErrNotSupported)
}

func (rootComplex) WriteBar(*Device, int, uint64, []byte) error {
	return fmt.Errorf("pci: root complex bar: %w", hv.ErrNotSupported)
}

// NewBus creates a bus routing interrupts through router, with a host bridge
// connected in RootComplexSlot.
func NewBus(router InterruptRouter, irqs [MaxDevices]uint32) *Bus {
	b := &Bus{
		router:    router,
		irqs:      irqs,
		pioCursor: PioBase,
	}
	root := NewDevice(Config{
		VendorID: 0x8086, // Intel
		DeviceID: 0x29c0, // Q35 DRAM controller
		Class:    0x060000,
		BarSizes: [NumBars]uint32{0x10},
	}, rootComplex{})
	if err := b.Connect(root, RootComplexSlot); err != nil {
		panic(fmt.Sprintf("pci: connect root complex: %v", err))
	}
	return b
}

// Device returns the device in slot, or nil.
func (b *Bus) Device(slot int) *Device {
	if slot < 0 || slot >= MaxDevices {
		return nil
	}
	return b.slots[slot].Load()
}

// Devices returns the connected devices in slot order.
func (b *Bus) Devices() []*Device {
	var out []*Device
	for i := range b.slots {
		if d := b.slots[i].Load(); d != nil {
			out = append(out, d)
		}
	}
	return out
}

// Connect places dev in slot, assigning its BARs port-I/O windows, its IRQ
// and enabling I/O decoding.
func (b *Bus) Connect(dev *Device, slot int) error {
	if slot < 0 || slot >= MaxDevices {
		return fmt.Errorf("pci: slot %d: %w", slot, hv.ErrOutOfRange)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.slots[slot].Load() != nil {
		return fmt.Errorf("pci: slot %d occupied: %w", slot, hv.ErrAlreadyExists)
	}

	var bars [NumBars]Bar
	cursor := b.pioCursor
	for i, size := range dev.cfg.BarSizes {
		if size == 0 {
			continue
		}
		bar, err := NewBar(size)
		if err != nil {
			return fmt.Errorf("pci: slot %d bar %d: %w", slot, i, err)
		}
		bar.Addr = cursor
		bar.IOType = BarPIO
		bars[i] = bar
		cursor += MaxBarSize
	}

	dev.mu.Lock()
	if dev.bus != nil {
		dev.mu.Unlock()
		return fmt.Errorf("pci: device already connected to slot %d: %w", dev.slot, hv.ErrBadState)
	}
	dev.bus = b
	dev.slot = slot
	dev.irq = b.irqs[slot]
	dev.command |= CommandIOEnable
	dev.bars = bars
	for i, bar := range bars {
		dev.barRegs[i] = uint32(bar.Addr)
	}
	dev.mu.Unlock()

	b.pioCursor = cursor
	b.slots[slot].Store(dev)
	slog.Debug("pci: connected device",
		"slot", slot,
		"vendor", fmt.Sprintf("0x%04x", dev.cfg.VendorID),
		"device", fmt.Sprintf("0x%04x", dev.cfg.DeviceID),
		"irq", b.irqs[slot])
	return nil
}

// ReadConfig reads configuration space of the device in slot. Empty or
// invalid slots read as all ones.
func (b *Bus) ReadConfig(slot int, offset uint16, size int) uint32 {
	dev := b.Device(slot)
	if dev == nil {
		return allOnes(size)
	}
	return dev.ReadConfig(offset, size)
}

// WriteConfig writes configuration space of the device in slot.
func (b *Bus) WriteConfig(slot int, offset uint16, size int, value uint32) error {
	dev := b.Device(slot)
	if dev == nil {
		return fmt.Errorf("pci: no device in slot %d: %w", slot, hv.ErrOutOfRange)
	}
	return dev.WriteConfig(offset, size, value)
}

func allOnes(size int) uint32 {
	if size >= 4 {
		return 0xffffffff
	}
	return uint32(1)<<(8*size) - 1
}

func checkSize(size int) error {
	if size != 1 && size != 2 && size != 4 {
		return fmt.Errorf("pci: %d-byte access: %w", size, hv.ErrInvalidArgs)
	}
	return nil
}

// decodeConfigAddress resolves the CF8 register to a device and register.
func (b *Bus) decodeConfigAddress(addr uint32) (*Device, uint16, bool) {
	if addr&configAddressEnable == 0 {
		return nil, 0, false
	}
	bus := (addr >> 16) & 0xff
	dev := int((addr >> 11) & 0x1f)
	fn := (addr >> 8) & 0x7
	if bus != 0 || fn != 0 {
		return nil, 0, false
	}
	d := b.Device(dev)
	return d, uint16(addr & 0xfc), d != nil
}

// PortRead services a guest read from the CF8/CFC ports.
func (b *Bus) PortRead(port uint16, size int) (uint32, error) {
	if err := checkSize(size); err != nil {
		return 0, err
	}
	end := int(port) + size
	switch {
	case port >= ConfigAddressPort && end <= ConfigDataPort:
		shift := 8 * (port - ConfigAddressPort)
		b.mu.Lock()
		v := b.configAddr >> shift
		b.mu.Unlock()
		return v & allOnes(size), nil
	case port >= ConfigDataPort && end <= ConfigDataPort+4:
		b.mu.Lock()
		addr := b.configAddr
		b.mu.Unlock()
		dev, reg, ok := b.decodeConfigAddress(addr)
		if !ok {
			return allOnes(size), nil
		}
		return dev.ReadConfig(reg+(port-ConfigDataPort), size), nil
	default:
		return 0, fmt.Errorf("pci: port 0x%x+%d outside config ports: %w", port, size, hv.ErrOutOfRange)
	}
}

// PortWrite services a guest write to the CF8/CFC ports. Writes to absent
// devices are dropped.
func (b *Bus) PortWrite(port uint16, size int, value uint32) error {
	if err := checkSize(size); err != nil {
		return err
	}
	end := int(port) + size
	switch {
	case port >= ConfigAddressPort && end <= ConfigDataPort:
		shift := 8 * (port - ConfigAddressPort)
		mask := allOnes(size) << shift
		b.mu.Lock()
		b.configAddr = b.configAddr&^mask | (value<<shift)&mask
		b.mu.Unlock()
		return nil
	case port >= ConfigDataPort && end <= ConfigDataPort+4:
		b.mu.Lock()
		addr := b.configAddr
		b.mu.Unlock()
		dev, reg, ok := b.decodeConfigAddress(addr)
		if !ok {
			return nil
		}
		return dev.WriteConfig(reg+(port-ConfigDataPort), size, value)
	default:
		return fmt.Errorf("pci: port 0x%x+%d outside config ports: %w", port, size, hv.ErrOutOfRange)
	}
}

// decodeEcam splits an offset into the ECAM window.
func (b *Bus) decodeEcam(addr uint64) (*Device, uint16, bool) {
	bus := (addr >> 20) & 0xff
	dev := int((addr >> 15) & 0x1f)
	fn := (addr >> 12) & 0x7
	reg := uint16(addr & 0xfff)
	if addr>>28 != 0 || bus != 0 || fn != 0 {
		return nil, 0, false
	}
	d := b.Device(dev)
	return d, reg, d != nil
}

// EcamRead services a read at offset addr into the ECAM window.
func (b *Bus) EcamRead(addr uint64, size int) (uint32, error) {
	if err := checkSize(size); err != nil {
		return 0, err
	}
	dev, reg, ok := b.decodeEcam(addr)
	if !ok {
		return allOnes(size), nil
	}
	return dev.ReadConfig(reg, size), nil
}

// EcamWrite services a write at offset addr into the ECAM window. Unlike the
// port mechanism, writes to absent devices fail.
func (b *Bus) EcamWrite(addr uint64, size int, value uint32) error {
	if err := checkSize(size); err != nil {
		return err
	}
	dev, reg, ok := b.decodeEcam(addr)
	if !ok {
		return fmt.Errorf("pci: ecam write at 0x%x to absent device: %w", addr, hv.ErrOutOfRange)
	}
	return dev.WriteConfig(reg, size, value)
}

type portHandler struct{ bus *Bus }

func (h portHandler) HandleTrap(p *trap.Packet) error {
	return h.bus.handleAccess(p, func(size int) (uint32, error) {
		return h.bus.PortRead(uint16(p.Addr), size)
	}, func(size int, v uint32) error {
		return h.bus.PortWrite(uint16(p.Addr), size, v)
	})
}

type ecamHandler struct {
	bus  *Bus
	base uint64
}

func (h ecamHandler) HandleTrap(p *trap.Packet) error {
	off := p.Addr - h.base
	return h.bus.handleAccess(p, func(size int) (uint32, error) {
		return h.bus.EcamRead(off, size)
	}, func(size int, v uint32) error {
		return h.bus.EcamWrite(off, size, v)
	})
}

func (b *Bus) handleAccess(p *trap.Packet, read func(int) (uint32, error), write func(int, uint32) error) error {
	size := len(p.Data)
	if err := checkSize(size); err != nil {
		return err
	}
	var buf [4]byte
	if p.Write {
		copy(buf[:], p.Data)
		return write(size, binary.LittleEndian.Uint32(buf[:]))
	}
	v, err := read(size)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(buf[:], v)
	copy(p.Data, buf[:size])
	return nil
}

// RegisterTraps registers the configuration mechanisms with m: the CF8/CFC
// ports where the architecture has port I/O, and the ECAM window at ecamBase.
// An ecamBase of zero leaves ECAM unregistered.
func (b *Bus) RegisterTraps(m *trap.Map, ecamBase uint64) error {
	if m.Architecture().PortSpaceLimit() != 0 {
		if err := m.InsertTrap(trap.KindIO, ConfigAddressPort, 8, portHandler{bus: b}, 0); err != nil {
			return fmt.Errorf("pci: config ports: %w", err)
		}
	}
	if ecamBase != 0 {
		if err := m.InsertTrap(trap.KindMem, ecamBase, EcamSize, ecamHandler{bus: b, base: ecamBase}, 0); err != nil {
			return fmt.Errorf("pci: ecam: %w", err)
		}
	}
	return nil
}
