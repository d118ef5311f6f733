// Package sync executes planned actions against an installation root.
//
// Every write is staged in a temporary file inside the staging directory,
// verified, and renamed over its target. The staging directory must live
// on the same volume as the root so the rename is atomic.
package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"syscall"

	"github.com/spf13/afero"

	"github.com/schaermu/patchd/internal/bspatch"
	"github.com/schaermu/patchd/internal/digest"
	"github.com/schaermu/patchd/internal/fetch"
	"github.com/schaermu/patchd/internal/manifest"
)

// tempPrefix marks staging files so leftovers from a crash can be found
const tempPrefix = ".patchd-tmp-"

// DefaultMaxPatchSize bounds a downloaded patch container held in memory
const DefaultMaxPatchSize int64 = 256 << 20

// Getter streams the body of a URL, retrying network failures
type Getter interface {
	Do(ctx context.Context, url string, fn func(body io.Reader) error) error
}

// Result reports what an action transferred
type Result struct {
	// Bytes received from the network
	Bytes int64
	// Written is the size of the committed file
	Written int64
}

// Synchronizer applies actions under one installation root
type Synchronizer struct {
	fs           afero.Fs
	root         string
	staging      string
	client       Getter
	logger       *slog.Logger
	maxPatchSize int64
	codecOpts    []bspatch.Option
}

// Option configures a Synchronizer
type Option func(*Synchronizer)

// WithMaxPatchSize overrides DefaultMaxPatchSize
func WithMaxPatchSize(n int64) Option {
	return func(s *Synchronizer) {
		s.maxPatchSize = n
	}
}

// WithCodecOptions passes limits through to the patch codec
func WithCodecOptions(opts ...bspatch.Option) Option {
	return func(s *Synchronizer) {
		s.codecOpts = append(s.codecOpts, opts...)
	}
}

// New creates a Synchronizer. staging defaults to <root>/.cache.
func New(fs afero.Fs, root, staging string, client Getter, logger *slog.Logger, opts ...Option) *Synchronizer {
	if staging == "" {
		staging = filepath.Join(root, ".cache")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Synchronizer{
		fs:           fs,
		root:         root,
		staging:      staging,
		client:       client,
		logger:       logger,
		maxPatchSize: DefaultMaxPatchSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Root returns the installation root
func (s *Synchronizer) Root() string {
	return s.root
}

// StagingDir returns the directory temporary files are written to
func (s *Synchronizer) StagingDir() string {
	return s.staging
}

// Apply performs one action. Actions on distinct paths are independent
// and may run concurrently.
func (s *Synchronizer) Apply(ctx context.Context, a manifest.Action) (Result, error) {
	if err := manifest.ValidatePath(a.Path); err != nil {
		return Result{}, &SyncError{Kind: a.Kind, Path: a.Path, Err: localErr(err)}
	}

	switch a.Kind {
	case manifest.Skip:
		return Result{}, nil
	case manifest.FetchFull:
		return s.fetchFull(ctx, a)
	case manifest.FetchPatch:
		return s.fetchPatch(ctx, a)
	case manifest.Delete:
		return Result{}, s.delete(a)
	default:
		return Result{}, &SyncError{Kind: a.Kind, Path: a.Path, Err: fmt.Errorf("unknown action kind %d", int(a.Kind))}
	}
}

// target maps a manifest path onto the filesystem
func (s *Synchronizer) target(rel string) string {
	return filepath.Join(s.root, filepath.FromSlash(rel))
}

// fetchFull downloads the whole file, retrying once on a digest mismatch
func (s *Synchronizer) fetchFull(ctx context.Context, a manifest.Action) (Result, error) {
	var res Result
	var mismatch digest.Digest

	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			s.logger.Warn("downloaded file failed verification, retrying",
				"path", a.Path,
				"url", a.URL,
				"expected", a.Expected.String(),
				"actual", mismatch.String())
		}

		tmp, n, got, err := s.download(ctx, a.URL, a.Expected.Algorithm)
		res.Bytes += n
		if err != nil {
			return res, s.fail(ctx, a, err)
		}

		if got.Equal(a.Expected) {
			if err := s.commit(tmp, a.Path); err != nil {
				return res, &SyncError{Kind: a.Kind, Path: a.Path, URL: a.URL, Err: err}
			}
			res.Written = n
			s.logger.Debug("file updated", "path", a.Path, "bytes", n)
			return res, nil
		}

		s.discard(tmp)
		mismatch = got
	}

	return res, &SyncError{
		Kind:     a.Kind,
		Path:     a.Path,
		URL:      a.URL,
		Expected: a.Expected,
		Actual:   mismatch,
		Err:      ErrHashMismatch,
	}
}

// fetchPatch rebuilds the file from its current content and a delta
func (s *Synchronizer) fetchPatch(ctx context.Context, a manifest.Action) (Result, error) {
	var res Result

	// Re-check the base: the file may have changed since planning
	source, err := afero.ReadFile(s.fs, s.target(a.Path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return res, &SyncError{Kind: a.Kind, Path: a.Path, Expected: a.Base, Err: fmt.Errorf("%w: file vanished", ErrStalePlan)}
		}
		return res, &SyncError{Kind: a.Kind, Path: a.Path, Err: localErr(err)}
	}
	base, err := digest.Bytes(a.Base.Algorithm, source)
	if err != nil {
		return res, &SyncError{Kind: a.Kind, Path: a.Path, Err: err}
	}
	if !base.Equal(a.Base) {
		return res, &SyncError{Kind: a.Kind, Path: a.Path, Expected: a.Base, Actual: base, Err: ErrStalePlan}
	}

	// Download the patch container
	patch, err := s.downloadPatch(ctx, a.URL)
	res.Bytes = int64(len(patch))
	if err != nil {
		return res, s.fail(ctx, a, err)
	}

	// The manifest size caps what the header may declare
	opts := slices.Clip(s.codecOpts)
	if a.Size > 0 {
		opts = append(opts, bspatch.WithMaxTargetSize(a.Size))
	}
	out, err := bspatch.Apply(source, patch, opts...)
	if err != nil {
		return res, &SyncError{Kind: a.Kind, Path: a.Path, URL: a.URL, Err: fmt.Errorf("%w: %w", ErrBadPatch, err)}
	}

	got, err := digest.Bytes(a.Expected.Algorithm, out)
	if err != nil {
		return res, &SyncError{Kind: a.Kind, Path: a.Path, Err: err}
	}
	if !got.Equal(a.Expected) {
		return res, &SyncError{Kind: a.Kind, Path: a.Path, URL: a.URL, Expected: a.Expected, Actual: got, Err: ErrHashMismatch}
	}

	tmp, err := s.stage(out)
	if err != nil {
		return res, &SyncError{Kind: a.Kind, Path: a.Path, Err: err}
	}
	if err := s.commit(tmp, a.Path); err != nil {
		return res, &SyncError{Kind: a.Kind, Path: a.Path, Err: err}
	}

	res.Written = int64(len(out))
	s.logger.Debug("file patched", "path", a.Path, "patch_bytes", len(patch), "bytes", len(out))
	return res, nil
}

// delete removes a file. A directory now standing at the path means the
// file is already gone.
func (s *Synchronizer) delete(a manifest.Action) error {
	target := s.target(a.Path)
	info, err := s.fs.Stat(target)
	switch {
	case err != nil && (errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)):
		return nil
	case err == nil && info.IsDir():
		s.logger.Debug("skipping delete of replaced file", "path", a.Path)
		return nil
	}

	s.logger.Debug("deleting file", "path", a.Path)
	if err := s.fs.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &SyncError{Kind: a.Kind, Path: a.Path, Err: localErr(err)}
	}
	return nil
}

// fail classifies a download failure
func (s *Synchronizer) fail(ctx context.Context, a manifest.Action, err error) error {
	switch {
	case ctx.Err() != nil:
		err = ctx.Err()
	case fetch.IsNetwork(err):
		err = fmt.Errorf("%w: %w", ErrNetwork, err)
	case errors.Is(err, ErrLocalIO), errors.Is(err, ErrBadPatch):
	default:
		err = localErr(err)
	}
	return &SyncError{Kind: a.Kind, Path: a.Path, URL: a.URL, Err: err}
}

// download streams url into a staging file while hashing it
func (s *Synchronizer) download(ctx context.Context, url string, alg digest.Algorithm) (string, int64, digest.Digest, error) {
	h, err := alg.New()
	if err != nil {
		return "", 0, digest.Digest{}, err
	}
	if err := s.fs.MkdirAll(s.staging, 0755); err != nil {
		return "", 0, digest.Digest{}, localErr(err)
	}

	var tmp string
	var n int64
	err = s.client.Do(ctx, url, func(body io.Reader) error {
		// a retried exchange starts from scratch
		if tmp != "" {
			s.discard(tmp)
			tmp = ""
		}
		h.Reset()

		f, err := afero.TempFile(s.fs, s.staging, tempPrefix+"*")
		if err != nil {
			return localErr(err)
		}
		tmp = f.Name()

		n, err = io.Copy(io.MultiWriter(f, h), body)
		if cerr := f.Close(); err == nil && cerr != nil {
			err = localErr(cerr)
		}
		return err
	})
	if err != nil {
		if tmp != "" {
			s.discard(tmp)
		}
		return "", n, digest.Digest{}, err
	}

	return tmp, n, digest.Digest{Algorithm: alg, Sum: h.Sum(nil)}, nil
}

// downloadPatch reads a patch container into memory
func (s *Synchronizer) downloadPatch(ctx context.Context, url string) ([]byte, error) {
	var data []byte
	err := s.client.Do(ctx, url, func(body io.Reader) error {
		b, err := io.ReadAll(io.LimitReader(body, s.maxPatchSize+1))
		data = b
		if err != nil {
			return err
		}
		if int64(len(b)) > s.maxPatchSize {
			return fmt.Errorf("%w: larger than %d bytes", ErrBadPatch, s.maxPatchSize)
		}
		return nil
	})
	return data, err
}

// stage writes data to a new staging file
func (s *Synchronizer) stage(data []byte) (string, error) {
	if err := s.fs.MkdirAll(s.staging, 0755); err != nil {
		return "", localErr(err)
	}

	f, err := afero.TempFile(s.fs, s.staging, tempPrefix+"*")
	if err != nil {
		return "", localErr(err)
	}
	tmp := f.Name()

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		s.discard(tmp)
		return "", localErr(err)
	}
	if err := f.Close(); err != nil {
		s.discard(tmp)
		return "", localErr(err)
	}
	return tmp, nil
}

// commit renames a verified staging file over the target. The previous
// file's permissions are carried over.
func (s *Synchronizer) commit(tmp, rel string) error {
	target := s.target(rel)

	mode := os.FileMode(0644)
	if info, err := s.fs.Stat(target); err == nil && info.Mode().IsRegular() {
		mode = info.Mode().Perm()
	}

	if err := s.fs.Chmod(tmp, mode); err != nil {
		s.discard(tmp)
		return localErr(err)
	}
	if err := s.clearPath(rel); err != nil {
		s.discard(tmp)
		return localErr(err)
	}
	if err := s.fs.MkdirAll(filepath.Dir(target), 0755); err != nil {
		s.discard(tmp)
		return localErr(err)
	}
	if err := s.fs.Rename(tmp, target); err != nil {
		s.discard(tmp)
		return localErr(err)
	}
	return nil
}

// clearPath removes what a release replaced with rel: a regular file
// standing where one of its parent directories belongs, and an empty
// directory left at rel itself.
func (s *Synchronizer) clearPath(rel string) error {
	for _, dir := range manifest.Parents(rel) {
		full := s.target(dir)
		info, err := s.fs.Stat(full)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				break
			}
			return err
		}
		if info.IsDir() {
			continue
		}
		s.logger.Info("removing file replaced by a directory", "path", dir)
		if err := s.fs.Remove(full); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		break
	}

	target := s.target(rel)
	if info, err := s.fs.Stat(target); err == nil && info.IsDir() {
		// Only an empty directory can be removed
		if err := s.fs.Remove(target); err != nil {
			return fmt.Errorf("%s is a directory: %w", rel, err)
		}
	}
	return nil
}

func (s *Synchronizer) discard(tmp string) {
	if err := s.fs.Remove(tmp); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("failed to remove staging file", "path", tmp, "error", err)
	}
}

// CleanStaging removes staging files left behind by an interrupted run
func (s *Synchronizer) CleanStaging() error {
	entries, err := afero.ReadDir(s.fs, s.staging)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return localErr(err)
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), tempPrefix) {
			continue
		}
		s.logger.Debug("removing stale staging file", "name", e.Name())
		s.discard(filepath.Join(s.staging, e.Name()))
	}
	return nil
}
