// Package config loads the YAML description of a machine.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/vmmcore/internal/devices/pci"
	"github.com/tinyrange/vmmcore/internal/gpa"
	"github.com/tinyrange/vmmcore/internal/hv"
)

const (
	DefaultMaxGPA = 1 << 36
	DefaultVCPUs  = 1
	MaxVCPUs      = 64

	DefaultEcamBaseX86   = 0xe000_0000
	DefaultEcamBaseARM64 = 0x3f00_0000

	KindDoorbell = "doorbell"
)

// Config describes a machine.
type Config struct {
	Architecture        string               `yaml:"architecture"`
	MaxGPA              uint64               `yaml:"max_gpa"`
	VCPUs               int                  `yaml:"vcpus"`
	Memory              []Memory             `yaml:"memory"`
	InterruptController *InterruptController `yaml:"interrupt_controller,omitempty"`
	PCI                 PCI                  `yaml:"pci"`
}

// Memory is a RAM region backed by anonymous host memory.
type Memory struct {
	Name string `yaml:"name"`
	// Base is the guest-physical address; when omitted the region is placed
	// above every RAM region and earlier allocation, stepping past fixed
	// windows.
	Base  *uint64 `yaml:"base,omitempty"`
	Size  uint64  `yaml:"size"`
	Perm  string  `yaml:"perm"`
	Cache string  `yaml:"cache"`
}

// InterruptController places a host interrupt-controller page in the guest.
type InterruptController struct {
	GuestAddr uint64 `yaml:"guest_addr"`
	HostAddr  uint64 `yaml:"host_addr"`
	Size      uint64 `yaml:"size"`
}

type PCI struct {
	EcamBase uint64   `yaml:"ecam_base"`
	IRQs     []uint32 `yaml:"irqs,omitempty"`
	Devices  []Device `yaml:"devices"`
}

type Device struct {
	Slot              int          `yaml:"slot"`
	Kind              string       `yaml:"kind"`
	VendorID          uint16       `yaml:"vendor_id,omitempty"`
	DeviceID          uint16       `yaml:"device_id,omitempty"`
	SubsystemVendorID uint16       `yaml:"subsystem_vendor_id,omitempty"`
	SubsystemID       uint16       `yaml:"subsystem_id,omitempty"`
	Class             uint32       `yaml:"class,omitempty"`
	Revision          uint8        `yaml:"revision,omitempty"`
	Capabilities      []Capability `yaml:"capabilities,omitempty"`
}

type Capability struct {
	ID      uint8   `yaml:"id"`
	Payload []uint8 `yaml:"payload,omitempty"`
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes, defaults and validates a YAML configuration.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a single-vCPU x86_64 machine with 64 MiB of RAM and no
// devices.
func Default() *Config {
	cfg := &Config{
		Memory: []Memory{{Name: "ram", Size: 64 << 20}},
	}
	cfg.normalize()
	return cfg
}

func (c *Config) normalize() {
	if c.Architecture == "" {
		c.Architecture = string(hv.ArchitectureX86_64)
	}
	if c.MaxGPA == 0 {
		c.MaxGPA = DefaultMaxGPA
	}
	if c.VCPUs == 0 {
		c.VCPUs = DefaultVCPUs
	}
	for i := range c.Memory {
		m := &c.Memory[i]
		if m.Name == "" {
			m.Name = fmt.Sprintf("ram%d", i)
		}
		if m.Perm == "" {
			m.Perm = "rwx"
		}
		if m.Cache == "" {
			m.Cache = gpa.CacheCached.String()
		}
	}
	if c.PCI.EcamBase == 0 {
		if arch, _ := hv.ParseArchitecture(c.Architecture); arch == hv.ArchitectureARM64 {
			c.PCI.EcamBase = DefaultEcamBaseARM64
		} else {
			c.PCI.EcamBase = DefaultEcamBaseX86
		}
	}
	if len(c.PCI.IRQs) == 0 {
		c.PCI.IRQs = append([]uint32(nil), pci.DefaultIRQs[:]...)
	}
	for i := range c.PCI.Devices {
		if c.PCI.Devices[i].Kind == "" {
			c.PCI.Devices[i].Kind = KindDoorbell
		}
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("config: %s: %w", fmt.Sprintf(format, args...), hv.ErrInvalidArgs)
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	arch, err := hv.ParseArchitecture(c.Architecture)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.MaxGPA%gpa.PageSize != 0 {
		return invalid("max_gpa 0x%x is not page aligned", c.MaxGPA)
	}
	if c.VCPUs < 1 || c.VCPUs > MaxVCPUs {
		return invalid("vcpus %d outside [1, %d]", c.VCPUs, MaxVCPUs)
	}

	if len(c.Memory) == 0 {
		return invalid("no memory regions")
	}
	names := make(map[string]bool)
	for _, m := range c.Memory {
		if names[m.Name] {
			return invalid("duplicate memory region %q", m.Name)
		}
		names[m.Name] = true
		if m.Size == 0 || m.Size%gpa.PageSize != 0 {
			return invalid("memory %q size 0x%x must be a non-zero page multiple", m.Name, m.Size)
		}
		if m.Base != nil && *m.Base%gpa.PageSize != 0 {
			return invalid("memory %q base 0x%x is not page aligned", m.Name, *m.Base)
		}
		if _, err := gpa.ParsePerm(m.Perm); err != nil {
			return fmt.Errorf("config: memory %q: %w", m.Name, err)
		}
		if _, err := gpa.ParseCachePolicy(m.Cache); err != nil {
			return fmt.Errorf("config: memory %q: %w", m.Name, err)
		}
	}

	if ic := c.InterruptController; ic != nil {
		if ic.Size == 0 || ic.Size%gpa.PageSize != 0 || ic.GuestAddr%gpa.PageSize != 0 || ic.HostAddr%gpa.PageSize != 0 {
			return invalid("interrupt controller must be page aligned and non-empty")
		}
	}

	if len(c.PCI.IRQs) != pci.MaxDevices {
		return invalid("pci irqs has %d entries, want %d", len(c.PCI.IRQs), pci.MaxDevices)
	}
	if c.PCI.EcamBase%gpa.PageSize != 0 {
		return invalid("pci ecam_base 0x%x is not page aligned", c.PCI.EcamBase)
	}
	if len(c.PCI.Devices) > 0 && arch.PortSpaceLimit() == 0 {
		return invalid("pci devices use port-I/O bars, which %s lacks", arch)
	}
	slots := make(map[int]bool)
	for _, d := range c.PCI.Devices {
		if d.Slot <= pci.RootComplexSlot || d.Slot >= pci.MaxDevices {
			return invalid("pci slot %d outside [1, %d)", d.Slot, pci.MaxDevices)
		}
		if slots[d.Slot] {
			return invalid("pci slot %d used twice", d.Slot)
		}
		slots[d.Slot] = true
		if d.Kind != KindDoorbell {
			return invalid("pci slot %d: unknown device kind %q", d.Slot, d.Kind)
		}
		if d.Class > 0xffffff {
			return invalid("pci slot %d: class 0x%x wider than 24 bits", d.Slot, d.Class)
		}
	}
	return nil
}

// Arch returns the parsed architecture. It assumes a validated config.
func (c *Config) Arch() hv.CpuArchitecture {
	arch, _ := hv.ParseArchitecture(c.Architecture)
	return arch
}

// IRQTable returns the PCI slot to IRQ table.
func (c *Config) IRQTable() [pci.MaxDevices]uint32 {
	var t [pci.MaxDevices]uint32
	copy(t[:], c.PCI.IRQs)
	return t
}
