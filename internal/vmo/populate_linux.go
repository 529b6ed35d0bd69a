//go:build linux

package vmo

import (
	"errors"

	"golang.org/x/sys/unix"
)

// populate prefaults mem writable. MADV_POPULATE_WRITE needs Linux 5.14;
// older kernels get the pages touched one by one.
func populate(mem []byte) error {
	err := unix.Madvise(mem, unix.MADV_POPULATE_WRITE)
	if errors.Is(err, unix.EINVAL) {
		touch(mem)
		return nil
	}
	return err
}
