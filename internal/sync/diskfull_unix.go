//go:build unix

package sync

import (
	"errors"

	"golang.org/x/sys/unix"
)

// DiskFull reports whether err is an out-of-space or quota failure
func DiskFull(err error) bool {
	return errors.Is(err, unix.ENOSPC) || errors.Is(err, unix.EDQUOT)
}
