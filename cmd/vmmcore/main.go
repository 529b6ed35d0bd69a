// Command vmmcore builds a machine from a YAML description, optionally
// prefaults its RAM and dumps the PCI functions a guest would enumerate.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/vmmcore/internal/config"
	"github.com/tinyrange/vmmcore/internal/devices/pci"
	"github.com/tinyrange/vmmcore/internal/hv"
	"github.com/tinyrange/vmmcore/internal/machine"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "vmmcore: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Machine description (YAML); default machine when empty")
	prefault := flag.Bool("prefault", false, "Fault in all guest RAM before exiting")
	dump := flag.Bool("dump", false, "Enumerate PCI functions through config space")
	verbose := flag.Bool("v", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return err
		}
	}

	m, err := machine.New(cfg)
	if err != nil {
		return err
	}
	defer m.Close()

	if *prefault {
		if err := prefaultRAM(m); err != nil {
			return err
		}
	}
	if *dump {
		if err := dumpPCI(os.Stdout, m); err != nil {
			return err
		}
	}
	return nil
}

func prefaultRAM(m *machine.Machine) error {
	total := m.TotalRAM()
	var progress func(uint64)
	if term.IsTerminal(int(os.Stderr.Fd())) {
		bar := progressbar.DefaultBytes(int64(total), "prefault")
		defer bar.Close()
		progress = func(n uint64) { bar.Add64(int64(n)) }
	}
	if err := m.Prefault(progress); err != nil {
		return err
	}
	slog.Info("prefaulted guest ram", "bytes", total, "translations", m.AddressSpace().PageTable().Len())
	return nil
}

// configReader reads config space the way a guest would: through the CF8/CFC
// ports where the architecture has them, through ECAM otherwise.
type configReader struct {
	m *machine.Machine
}

func (r configReader) read(slot int, reg uint16) (uint32, error) {
	data := make([]byte, 4)
	if r.m.Config().Arch().PortSpaceLimit() != 0 {
		addr := make([]byte, 4)
		binary.LittleEndian.PutUint32(addr, 1<<31|uint32(slot)<<11|uint32(reg))
		if err := r.m.HandleExit(&machine.Exit{Kind: machine.ExitIO, Addr: pci.ConfigAddressPort, Data: addr, Write: true}); err != nil {
			return 0, err
		}
		if err := r.m.HandleExit(&machine.Exit{Kind: machine.ExitIO, Addr: pci.ConfigDataPort, Data: data}); err != nil {
			return 0, err
		}
	} else {
		addr := r.m.Config().PCI.EcamBase + uint64(slot)<<15 + uint64(reg)
		if err := r.m.HandleExit(&machine.Exit{Kind: machine.ExitMMIO, Addr: addr, Data: data}); err != nil {
			return 0, err
		}
	}
	return binary.LittleEndian.Uint32(data), nil
}

func dumpPCI(w io.Writer, m *machine.Machine) error {
	r := configReader{m: m}
	fmt.Fprintf(w, "%-4s %-9s %-8s %-10s %-6s %s\n", "SLOT", "ID", "CLASS", "BAR0", "IRQ", "CAPS")
	for slot := 0; slot < pci.MaxDevices; slot++ {
		id, err := r.read(slot, pci.RegVendorID)
		if err != nil {
			return fmt.Errorf("slot %d: %w", slot, err)
		}
		if id == 0xffffffff {
			continue
		}
		var regs [3]uint32
		for i, reg := range []uint16{pci.RegRevisionClass, pci.RegBar0, pci.RegInterrupt} {
			if regs[i], err = r.read(slot, reg); err != nil {
				return fmt.Errorf("slot %d: %w", slot, err)
			}
		}
		caps, err := walkCapabilities(r, slot)
		if err != nil {
			return fmt.Errorf("slot %d: %w", slot, err)
		}
		fmt.Fprintf(w, "%-4d %04x:%04x %06x   0x%08x %-6d %v\n",
			slot, id&0xffff, id>>16, regs[0]>>8, regs[1], regs[2]&0xff, caps)
	}
	return nil
}

func walkCapabilities(r configReader, slot int) ([]uint8, error) {
	ptrReg, err := r.read(slot, pci.RegCapabilities)
	if err != nil {
		return nil, err
	}
	var ids []uint8
	for ptr := uint16(ptrReg & 0xfc); ptr != 0; {
		if len(ids) > pci.ConfigSpaceSize/4 {
			return nil, fmt.Errorf("capability list loops: %w", hv.ErrBadState)
		}
		v, err := r.read(slot, ptr)
		if err != nil {
			return nil, err
		}
		ids = append(ids, uint8(v))
		ptr = uint16(v>>8) & 0xfc
	}
	return ids, nil
}
