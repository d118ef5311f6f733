//go:build !unix && !windows

package sync

// DiskFull always reports false where no out-of-space errno is known
func DiskFull(error) bool {
	return false
}
