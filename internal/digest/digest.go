// Package digest identifies file contents by a strong 256-bit hash.
//
// Digests are written as "<algorithm>:<hex>", for example
// "sha256:9f86d081...". A bare 64 character hex string is read as sha256.
package digest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/spf13/afero"
	"github.com/zeebo/blake3"
)

// Algorithm names a supported hash function
type Algorithm string

const (
	SHA256 Algorithm = "sha256"
	BLAKE3 Algorithm = "blake3"
)

// Default is used when a digest string carries no algorithm prefix
const Default = SHA256

// Size is the length in bytes of every supported digest
const Size = 32

// ErrAbsent is returned by File when the path does not exist
var ErrAbsent = errors.New("file absent")

// New returns a fresh hash.Hash for the algorithm
func (a Algorithm) New() (hash.Hash, error) {
	switch a {
	case SHA256:
		return sha256.New(), nil
	case BLAKE3:
		return blake3.New(), nil
	default:
		return nil, fmt.Errorf("unsupported digest algorithm %q", string(a))
	}
}

// Digest is an algorithm-tagged content hash. The zero value means "none".
type Digest struct {
	Algorithm Algorithm
	Sum       []byte
}

// Parse reads a digest in "<algorithm>:<hex>" or bare hex form
func Parse(s string) (Digest, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Digest{}, fmt.Errorf("empty digest")
	}

	alg := Default
	if i := strings.IndexByte(s, ':'); i >= 0 {
		alg = Algorithm(strings.ToLower(s[:i]))
		s = s[i+1:]
	}
	if _, err := alg.New(); err != nil {
		return Digest{}, err
	}

	sum, err := hex.DecodeString(s)
	if err != nil {
		return Digest{}, fmt.Errorf("invalid %s digest: %w", alg, err)
	}
	if len(sum) != Size {
		return Digest{}, fmt.Errorf("invalid %s digest: want %d bytes, got %d", alg, Size, len(sum))
	}

	return Digest{Algorithm: alg, Sum: sum}, nil
}

// MustParse is Parse for constants and tests; it panics on error
func MustParse(s string) Digest {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// String returns the canonical "<algorithm>:<hex>" form, or "" for the zero digest
func (d Digest) String() string {
	if d.IsZero() {
		return ""
	}
	return string(d.Algorithm) + ":" + hex.EncodeToString(d.Sum)
}

// IsZero reports whether d is the "no digest" value
func (d Digest) IsZero() bool {
	return len(d.Sum) == 0
}

// Equal reports whether two digests name the same algorithm and sum.
// Two zero digests are not equal: absence never matches absence.
func (d Digest) Equal(o Digest) bool {
	if d.IsZero() || o.IsZero() {
		return false
	}
	return d.Algorithm == o.Algorithm && bytes.Equal(d.Sum, o.Sum)
}

// MarshalText implements encoding.TextMarshaler
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Digest) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*d = Digest{}
		return nil
	}
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// JSONSchema implements jsonschema.JSONSchemer; digests travel as strings
func (Digest) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:        "string",
		Pattern:     "^((sha256|blake3):)?[0-9a-fA-F]{64}$",
		Description: "Content digest as <algorithm>:<hex>; bare hex means sha256",
	}
}

// Bytes hashes an in-memory buffer
func Bytes(alg Algorithm, data []byte) (Digest, error) {
	switch alg {
	case SHA256:
		sum := sha256.Sum256(data)
		return Digest{Algorithm: alg, Sum: sum[:]}, nil
	case BLAKE3:
		sum := blake3.Sum256(data)
		return Digest{Algorithm: alg, Sum: sum[:]}, nil
	default:
		return Digest{}, fmt.Errorf("unsupported digest algorithm %q", string(alg))
	}
}

// Reader hashes everything read from r and returns the digest and byte count
func Reader(alg Algorithm, r io.Reader) (Digest, int64, error) {
	h, err := alg.New()
	if err != nil {
		return Digest{}, 0, err
	}
	n, err := io.Copy(h, r)
	if err != nil {
		return Digest{}, n, err
	}
	return Digest{Algorithm: alg, Sum: h.Sum(nil)}, n, nil
}

// File hashes the file at path on fs. A missing file yields ErrAbsent.
func File(fs afero.Fs, path string, alg Algorithm) (Digest, int64, error) {
	f, err := fs.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Digest{}, 0, ErrAbsent
		}
		return Digest{}, 0, err
	}
	defer func() {
		_ = f.Close()
	}()

	info, err := f.Stat()
	if err != nil {
		return Digest{}, 0, err
	}
	if info.IsDir() {
		return Digest{}, 0, fmt.Errorf("%s is a directory", path)
	}

	return Reader(alg, f)
}
