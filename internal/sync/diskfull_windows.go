//go:build windows

package sync

import (
	"errors"

	"golang.org/x/sys/windows"
)

// DiskFull reports whether err is an out-of-space or quota failure
func DiskFull(err error) bool {
	return errors.Is(err, windows.ERROR_DISK_FULL) || errors.Is(err, windows.ERROR_HANDLE_DISK_FULL)
}
