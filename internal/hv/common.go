package hv

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the memory, trap and PCI layers. Callers wrap
// these with context and test for them with errors.Is.
var (
	ErrOutOfRange    = errors.New("out of range")
	ErrAlreadyExists = errors.New("already exists")
	ErrNotSupported  = errors.New("not supported")
	ErrNotFound      = errors.New("not found")
	ErrBadState      = errors.New("bad state")
	ErrInvalidArgs   = errors.New("invalid arguments")
	ErrNoResources   = errors.New("no resources")
)

type CpuArchitecture string

const (
	ArchitectureInvalid CpuArchitecture = "invalid"
	ArchitectureX86_64  CpuArchitecture = "x86_64"
	ArchitectureARM64   CpuArchitecture = "arm64"
)

// ParseArchitecture maps a configuration string onto a CpuArchitecture.
func ParseArchitecture(s string) (CpuArchitecture, error) {
	switch s {
	case "x86_64", "amd64":
		return ArchitectureX86_64, nil
	case "arm64", "aarch64":
		return ArchitectureARM64, nil
	default:
		return ArchitectureInvalid, fmt.Errorf("unknown architecture %q: %w", s, ErrInvalidArgs)
	}
}

// PortSpaceLimit returns the size of the architecture's port I/O space, or 0
// when the architecture has no port I/O.
func (a CpuArchitecture) PortSpaceLimit() uint64 {
	switch a {
	case ArchitectureX86_64:
		return 1 << 16
	default:
		return 0
	}
}

// Region is a half-open guest-physical window [Base, Base+Size).
type Region struct {
	Name string
	Base uint64
	Size uint64
}

// End returns the first address after the region.
func (r Region) End() uint64 {
	return r.Base + r.Size
}

// Overlaps reports whether two regions share at least one address.
func (r Region) Overlaps(o Region) bool {
	return r.Base < o.End() && o.Base < r.End()
}
