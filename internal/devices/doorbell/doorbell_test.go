package doorbell

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tinyrange/vmmcore/internal/devices/pci"
	"github.com/tinyrange/vmmcore/internal/hv"
	"github.com/tinyrange/vmmcore/internal/interrupt"
	"github.com/tinyrange/vmmcore/internal/trap"
)

func setup(t *testing.T) (*Doorbell, *interrupt.Controller, *trap.Map) {
	t.Helper()
	ctrl := interrupt.NewController(0)
	bus := pci.NewBus(ctrl, pci.DefaultIRQs)
	db := New(pci.Config{})
	if err := bus.Connect(db.Device(), 2); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	m := trap.NewMap(hv.ArchitectureX86_64)
	if err := db.Device().RegisterTraps(m); err != nil {
		t.Fatalf("RegisterTraps: %v", err)
	}
	return db, ctrl, m
}

func TestDefaults(t *testing.T) {
	db := New(pci.Config{})
	cfg := db.Device().Config()
	if cfg.VendorID != DefaultVendorID || cfg.DeviceID != DefaultDeviceID || cfg.Class != DefaultClass {
		t.Fatalf("identity = %+v", cfg)
	}
	if cfg.BarSizes[0] != BarSize {
		t.Fatalf("bar0 size = 0x%x", cfg.BarSizes[0])
	}
}

func TestWriteRaisesInterrupt(t *testing.T) {
	db, ctrl, m := setup(t)
	bar, _ := db.Device().Bar(0)

	if err := m.Dispatch(trap.KindIO, bar.Addr+8, []byte{0x34, 0x12}, true); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	irq := pci.DefaultIRQs[2]
	if !ctrl.IsPending(irq) {
		t.Fatalf("irq %d not pending", irq)
	}
	if diff := cmp.Diff([]Write{{Offset: 8, Value: 0x1234, Size: 2}}, db.Writes()); diff != "" {
		t.Fatalf("writes (-want +got):\n%s", diff)
	}

	if err := m.Dispatch(trap.KindIO, bar.Addr, make([]byte, 4), false); !errors.Is(err, hv.ErrNotSupported) {
		t.Fatalf("read = %v, want ErrNotSupported", err)
	}
}

func TestRingWraps(t *testing.T) {
	db, _, m := setup(t)
	bar, _ := db.Device().Bar(0)
	for i := 0; i < RingSize+3; i++ {
		if err := m.Dispatch(trap.KindIO, bar.Addr, []byte{byte(i)}, true); err != nil {
			t.Fatalf("Dispatch %d: %v", i, err)
		}
	}
	writes := db.Writes()
	if len(writes) != RingSize {
		t.Fatalf("len = %d, want %d", len(writes), RingSize)
	}
	if writes[0].Value != 3 || writes[RingSize-1].Value != RingSize+2 {
		t.Fatalf("ring = %+v", writes)
	}
	if db.Count() != RingSize+3 {
		t.Fatalf("Count = %d", db.Count())
	}
}

func TestDisconnected(t *testing.T) {
	db := New(pci.Config{})
	if err := db.WriteBar(db.Device(), 0, 0, []byte{1}); !errors.Is(err, hv.ErrBadState) {
		t.Fatalf("WriteBar on disconnected device = %v, want ErrBadState", err)
	}
	if err := db.WriteBar(db.Device(), 0, 0, make([]byte, 8)); !errors.Is(err, hv.ErrInvalidArgs) {
		t.Fatalf("8-byte write = %v, want ErrInvalidArgs", err)
	}
}
