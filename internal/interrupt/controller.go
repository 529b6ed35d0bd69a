package interrupt

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/vmmcore/internal/hv"
)

// DefaultVectors is the width of an x86 interrupt vector space.
const DefaultVectors = 256

// Controller is a flat pending-vector interrupt controller: a global IRQ is
// latched as the vector of the same number until the vCPU acknowledges it.
// It is the interrupt-routing collaborator consumed by the PCI bus.
type Controller struct {
	mu      sync.Mutex
	pending *Bitmap
	raised  uint64
}

// NewController returns a controller for vectors [0, n).
func NewController(n uint32) *Controller {
	if n == 0 {
		n = DefaultVectors
	}
	return &Controller{pending: NewBitmap(n)}
}

// Interrupt latches globalIRQ as pending.
func (c *Controller) Interrupt(globalIRQ uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if globalIRQ >= c.pending.Len() {
		return fmt.Errorf("interrupt: irq %d exceeds %d vectors: %w", globalIRQ, c.pending.Len(), hv.ErrOutOfRange)
	}
	c.pending.Set(globalIRQ)
	c.raised++
	slog.Debug("interrupt: raised", "irq", globalIRQ)
	return nil
}

// Pending returns the lowest pending vector without acknowledging it.
func (c *Controller) Pending() (uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending.Scan()
}

// IsPending reports whether vector is latched.
func (c *Controller) IsPending(vector uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if vector >= c.pending.Len() {
		return false
	}
	return c.pending.Get(vector)
}

// Ack clears vector once it has been delivered.
func (c *Controller) Ack(vector uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if vector >= c.pending.Len() {
		return
	}
	c.pending.Clear(vector, vector+1)
}

// Raised returns the total number of Interrupt calls accepted.
func (c *Controller) Raised() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.raised
}
