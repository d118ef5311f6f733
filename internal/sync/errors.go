package sync

import (
	"errors"
	"fmt"
	"strings"

	"github.com/schaermu/patchd/internal/digest"
	"github.com/schaermu/patchd/internal/manifest"
)

var (
	// ErrHashMismatch means downloaded or patched content has the wrong digest
	ErrHashMismatch = errors.New("hash mismatch")
	// ErrStalePlan means the local file no longer has the digest the plan assumed
	ErrStalePlan = errors.New("stale plan")
	// ErrBadPatch means a delta could not be applied
	ErrBadPatch = errors.New("unusable patch")
	// ErrNetwork means the download failed after retries
	ErrNetwork = errors.New("network error")
	// ErrLocalIO means a read, write or rename under the root failed
	ErrLocalIO = errors.New("local io error")
)

// SyncError describes a failed action with enough context to report it
type SyncError struct {
	Kind     manifest.Kind
	Path     string
	URL      string
	Expected digest.Digest
	Actual   digest.Digest
	Err      error
}

func (e *SyncError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", e.Kind, e.Path)
	if e.URL != "" {
		fmt.Fprintf(&b, " (%s)", e.URL)
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	if !e.Expected.IsZero() && !e.Actual.IsZero() {
		fmt.Fprintf(&b, ": expected %s, got %s", e.Expected, e.Actual)
	}
	return b.String()
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// ShouldFallback reports whether a failed FetchPatch should be retried as
// a full download: the base changed, the delta was unusable, or the
// result had the wrong digest.
func ShouldFallback(err error) bool {
	return errors.Is(err, ErrStalePlan) || errors.Is(err, ErrBadPatch) || errors.Is(err, ErrHashMismatch)
}

func localErr(err error) error {
	if DiskFull(err) {
		return fmt.Errorf("%w: disk full: %w", ErrLocalIO, err)
	}
	return fmt.Errorf("%w: %w", ErrLocalIO, err)
}
