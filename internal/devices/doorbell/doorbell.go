// Package doorbell implements a minimal PCI function whose only register
// window is a doorbell: every write to BAR0 is latched and raises INTx.
package doorbell

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/vmmcore/internal/devices/pci"
	"github.com/tinyrange/vmmcore/internal/hv"
)

const (
	DefaultVendorID = 0x1af4
	DefaultDeviceID = 0x1110
	// DefaultClass is "other" base class.
	DefaultClass = 0xff0000

	// BarSize is the size of the doorbell window.
	BarSize = 0x20

	// RingSize is how many writes are remembered.
	RingSize = 16
)

// Write is one latched doorbell write.
type Write struct {
	Offset uint64
	Value  uint32
	Size   int
}

// Doorbell is the device backend.
type Doorbell struct {
	dev *pci.Device

	mu    sync.Mutex
	ring  [RingSize]Write
	head  int
	count uint64
}

// New creates a doorbell with the given identity. Zero fields take the
// defaults and BAR0 is always BarSize bytes.
func New(cfg pci.Config) *Doorbell {
	if cfg.VendorID == 0 {
		cfg.VendorID = DefaultVendorID
	}
	if cfg.DeviceID == 0 {
		cfg.DeviceID = DefaultDeviceID
	}
	if cfg.Class == 0 {
		cfg.Class = DefaultClass
	}
	cfg.BarSizes = [pci.NumBars]uint32{BarSize}

	d := &Doorbell{}
	d.dev = pci.NewDevice(cfg, d)
	return d
}

// Device returns the PCI function to connect to a bus.
func (d *Doorbell) Device() *pci.Device {
	return d.dev
}

// ReadBar implements pci.Backend. The doorbell is write-only.
func (d *Doorbell) ReadBar(_ *pci.Device, bar int, offset uint64, _ []byte) error {
	return fmt.Errorf("doorbell: read of bar %d offset 0x%x: %w", bar, offset, hv.ErrNotSupported)
}

// WriteBar implements pci.Backend.
func (d *Doorbell) WriteBar(dev *pci.Device, bar int, offset uint64, data []byte) error {
	if bar != 0 {
		return fmt.Errorf("doorbell: write to bar %d: %w", bar, hv.ErrNotFound)
	}
	if len(data) == 0 || len(data) > 4 {
		return fmt.Errorf("doorbell: %d-byte write: %w", len(data), hv.ErrInvalidArgs)
	}
	var buf [4]byte
	copy(buf[:], data)
	w := Write{Offset: offset, Value: binary.LittleEndian.Uint32(buf[:]), Size: len(data)}

	d.mu.Lock()
	d.ring[d.head] = w
	d.head = (d.head + 1) % RingSize
	d.count++
	d.mu.Unlock()

	slog.Debug("doorbell: rung", "slot", dev.Slot(), "offset", offset, "value", w.Value)
	return dev.Interrupt()
}

// Count returns the number of writes seen.
func (d *Doorbell) Count() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.count
}

// Writes returns the remembered writes, oldest first.
func (d *Doorbell) Writes() []Write {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := int(min(d.count, RingSize))
	out := make([]Write, 0, n)
	start := (d.head - n + RingSize) % RingSize
	for i := 0; i < n; i++ {
		out = append(out, d.ring[(start+i)%RingSize])
	}
	return out
}
