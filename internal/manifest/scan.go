package manifest

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/afero"

	"github.com/schaermu/patchd/internal/digest"
)

// LocalFile is the on-disk state of one path. A zero Hash means absent.
type LocalFile struct {
	Path string
	Size int64
	Hash digest.Digest
}

// Present reports whether the file exists
func (l LocalFile) Present() bool {
	return !l.Hash.IsZero()
}

// ScanOptions excludes parts of the installation tree from a scan
type ScanOptions struct {
	// Exclude lists root-relative slash paths whose subtrees are ignored,
	// typically the staging directory.
	Exclude []string
	// Keep lists path.Match patterns for files that are never pruned. A
	// pattern matching a directory keeps everything below it.
	Keep []string
}

func (o ScanOptions) ignored(rel string) bool {
	for _, ex := range o.Exclude {
		if rel == ex || strings.HasPrefix(rel, ex+"/") {
			return true
		}
	}
	for _, pattern := range o.Keep {
		for p := rel; p != "." && p != ""; p = path.Dir(p) {
			if ok, _ := path.Match(pattern, p); ok {
				return true
			}
		}
	}
	return false
}

// Scan lists every regular file under root as sorted root-relative slash
// paths. A missing root is an empty installation.
func Scan(fs afero.Fs, root string, opts ScanOptions) ([]string, error) {
	if _, err := fs.Stat(root); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, &FetchError{Path: root, Err: fmt.Errorf("%w: %w", ErrLocalIO, err)}
	}

	var files []string
	err := afero.Walk(fs, root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if info.IsDir() {
			for _, ex := range opts.Exclude {
				if rel == ex {
					return filepath.SkipDir
				}
			}
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		if opts.ignored(rel) {
			return nil
		}

		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, &FetchError{Path: root, Err: fmt.Errorf("%w: %w", ErrLocalIO, err)}
	}

	sort.Strings(files)
	return files, nil
}

// Inspect hashes root/rel with alg. Missing files, directories sitting
// where a file is expected, and paths below a regular file are reported
// as absent.
func Inspect(fs afero.Fs, root, rel string, alg digest.Algorithm) (LocalFile, error) {
	full := filepath.Join(root, filepath.FromSlash(rel))

	info, err := fs.Stat(full)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) || BlockedByFile(fs, root, rel) {
			return LocalFile{Path: rel}, nil
		}
		return LocalFile{}, &FetchError{Path: full, Err: fmt.Errorf("%w: %w", ErrLocalIO, err)}
	}
	if !info.Mode().IsRegular() {
		return LocalFile{Path: rel}, nil
	}

	d, size, err := digest.File(fs, full, alg)
	if err != nil {
		if errors.Is(err, digest.ErrAbsent) {
			return LocalFile{Path: rel}, nil
		}
		return LocalFile{}, &FetchError{Path: full, Err: fmt.Errorf("%w: %w", ErrLocalIO, err)}
	}
	return LocalFile{Path: rel, Size: size, Hash: d}, nil
}

// BlockedByFile reports whether a parent directory of rel is a regular
// file, as happens when a release turns a file into a directory.
func BlockedByFile(fs afero.Fs, root, rel string) bool {
	for _, dir := range Parents(rel) {
		info, err := fs.Stat(filepath.Join(root, filepath.FromSlash(dir)))
		if err != nil {
			return false
		}
		if !info.IsDir() {
			return true
		}
	}
	return false
}

// Parents returns the parent directories of a slash path, outermost first
func Parents(rel string) []string {
	var dirs []string
	for d := path.Dir(rel); d != "." && d != "/" && d != ""; d = path.Dir(d) {
		dirs = append(dirs, d)
	}
	for i, j := 0, len(dirs)-1; i < j; i, j = i+1, j-1 {
		dirs[i], dirs[j] = dirs[j], dirs[i]
	}
	return dirs
}
