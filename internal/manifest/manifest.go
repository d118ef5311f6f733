// Package manifest fetches the published file list and plans the actions
// that bring a local installation up to date.
package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/schaermu/patchd/internal/digest"
)

var (
	// ErrUnreachable means the manifest could not be retrieved
	ErrUnreachable = errors.New("manifest unreachable")
	// ErrMalformedManifest means the document failed to parse or validate
	ErrMalformedManifest = errors.New("malformed manifest")
	// ErrLocalIO means the local tree could not be read
	ErrLocalIO = errors.New("local io error")
	// ErrBadSignature means the detached signature did not verify
	ErrBadSignature = errors.New("manifest signature invalid")
)

// FetchError carries the manifest URL or local path a failure relates to
type FetchError struct {
	URL  string
	Path string
	Err  error
}

func (e *FetchError) Error() string {
	switch {
	case e.Path != "":
		return fmt.Sprintf("manifest: %s: %v", e.Path, e.Err)
	case e.URL != "":
		return fmt.Sprintf("manifest %s: %v", e.URL, e.Err)
	default:
		return fmt.Sprintf("manifest: %v", e.Err)
	}
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Manifest is the authoritative list of files for a published version
type Manifest struct {
	Version string  `json:"version" jsonschema:"description=Published version label"`
	Files   []Entry `json:"files" jsonschema:"required,description=Files making up the installation"`
}

// Entry describes one expected file
type Entry struct {
	Path    string        `json:"path" jsonschema:"required,description=Slash separated path relative to the installation root"`
	Size    int64         `json:"size" jsonschema:"minimum=0,description=Expected size in bytes"`
	Hash    digest.Digest `json:"hash" jsonschema:"required,description=Digest of the expected content"`
	URL     string        `json:"url" jsonschema:"required,description=Absolute URL of the full file"`
	Patch   *Delta        `json:"patch,omitempty" jsonschema:"description=Delta from the previous version"`
	Patches []Delta       `json:"patches,omitempty" jsonschema:"description=Additional deltas from older versions"`
}

// Delta is a binary patch producing Entry.Hash from a file whose digest is From
type Delta struct {
	From digest.Digest `json:"from" jsonschema:"required,description=Digest the local file must have for the delta to apply"`
	URL  string        `json:"url" jsonschema:"required,description=Absolute URL of the patch container"`
	Size int64         `json:"size,omitempty" jsonschema:"minimum=0,description=Size of the patch container in bytes"`
}

// Deltas returns every delta the entry offers, Patch first
func (e *Entry) Deltas() []Delta {
	var out []Delta
	if e.Patch != nil {
		out = append(out, *e.Patch)
	}
	return append(out, e.Patches...)
}

// DeltaFrom returns the delta whose base matches local
func (e *Entry) DeltaFrom(local digest.Digest) (Delta, bool) {
	for _, d := range e.Deltas() {
		if d.From.Equal(local) {
			return d, true
		}
	}
	return Delta{}, false
}

// Parse decodes and validates a manifest document
func Parse(data []byte) (*Manifest, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedManifest, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after document", ErrMalformedManifest)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks every entry. Errors wrap ErrMalformedManifest.
func (m *Manifest) Validate() error {
	if m.Files == nil {
		return fmt.Errorf("%w: missing files list", ErrMalformedManifest)
	}

	seen := make(map[string]int, len(m.Files))
	for i := range m.Files {
		e := &m.Files[i]
		if err := e.validate(); err != nil {
			return fmt.Errorf("%w: files[%d]: %v", ErrMalformedManifest, i, err)
		}
		key := strings.ToLower(e.Path)
		if j, dup := seen[key]; dup {
			return fmt.Errorf("%w: files[%d]: path %q duplicates files[%d]", ErrMalformedManifest, i, e.Path, j)
		}
		seen[key] = i
	}

	// A listed file cannot also be the parent directory of another entry
	for i := range m.Files {
		for _, dir := range Parents(strings.ToLower(m.Files[i].Path)) {
			if j, ok := seen[dir]; ok {
				return fmt.Errorf("%w: files[%d]: path %q is below file %q", ErrMalformedManifest, i, m.Files[i].Path, m.Files[j].Path)
			}
		}
	}
	return nil
}

func (e *Entry) validate() error {
	if err := ValidatePath(e.Path); err != nil {
		return err
	}
	if e.Size < 0 {
		return fmt.Errorf("%s: negative size", e.Path)
	}
	if e.Hash.IsZero() {
		return fmt.Errorf("%s: missing hash", e.Path)
	}
	if err := validateURL(e.URL); err != nil {
		return fmt.Errorf("%s: url: %w", e.Path, err)
	}
	for i, d := range e.Deltas() {
		if d.From.IsZero() {
			return fmt.Errorf("%s: patch %d: missing base digest", e.Path, i)
		}
		if d.From.Equal(e.Hash) {
			return fmt.Errorf("%s: patch %d: base equals target", e.Path, i)
		}
		if d.Size < 0 {
			return fmt.Errorf("%s: patch %d: negative size", e.Path, i)
		}
		if err := validateURL(d.URL); err != nil {
			return fmt.Errorf("%s: patch %d: url: %w", e.Path, i, err)
		}
	}
	return nil
}

// ValidatePath accepts clean, relative, slash separated paths that stay
// inside the installation root.
func ValidatePath(p string) error {
	switch {
	case p == "":
		return fmt.Errorf("empty path")
	case strings.ContainsRune(p, '\\'):
		return fmt.Errorf("path %q contains a backslash", p)
	case strings.ContainsRune(p, 0):
		return fmt.Errorf("path %q contains a NUL byte", p)
	case path.IsAbs(p):
		return fmt.Errorf("path %q is absolute", p)
	case path.Clean(p) != p:
		return fmt.Errorf("path %q is not clean", p)
	case p == ".." || strings.HasPrefix(p, "../"):
		return fmt.Errorf("path %q escapes the installation root", p)
	case len(p) >= 2 && p[1] == ':':
		return fmt.Errorf("path %q has a drive letter", p)
	}
	return nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%q is not an absolute http(s) url", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	return nil
}
