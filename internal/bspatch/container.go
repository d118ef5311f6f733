// Package bspatch applies bsdiff-style binary deltas.
//
// # Container format
//
// A patch is a 32 byte header followed by three compressed streams:
//
//	offset  size  field
//	0       8     magic: "BSDIFFL4" (LZ4 frame streams) or "BSDIFF40" (bzip2 streams)
//	8       8     compressed length of the control stream
//	16      8     compressed length of the diff stream
//	24      8     length of the produced file
//	32      ...   control stream, diff stream, extra stream (runs to end of input)
//
// Integers use the bsdiff sign-magnitude encoding: eight little-endian bytes
// with the sign in the top bit of the last byte. The control stream is a
// sequence of (copy, extra, seek) integer triples.
//
// BSDIFFL4 is the native format and the only one Encode produces. BSDIFF40
// containers written by classic bsdiff are accepted for decoding.
//
// Nothing in this package touches the disk or network. Every length and
// offset read from a patch is treated as hostile and checked before use.
package bspatch

import (
	"bytes"
	"compress/bzip2"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/pierrec/lz4/v4"
)

const (
	// MagicLZ4 marks containers whose streams are LZ4 frames
	MagicLZ4 = "BSDIFFL4"
	// MagicBzip2 marks classic bsdiff 4.x containers
	MagicBzip2 = "BSDIFF40"

	// HeaderSize is the fixed container header length
	HeaderSize = 32

	controlSize = 24
)

// DefaultMaxTargetSize bounds the output allocation for a single patch
const DefaultMaxTargetSize int64 = 1 << 30

var (
	// ErrTruncated means a stream ended before a required read completed
	ErrTruncated = errors.New("patch truncated")
	// ErrCursorOutOfRange means a seek moved the source cursor outside the source
	ErrCursorOutOfRange = errors.New("source cursor out of range")
	// ErrSizeMismatch means the produced length cannot equal the declared length
	ErrSizeMismatch = errors.New("output size mismatch")
	// ErrBadMagic means the input is not a recognised patch container
	ErrBadMagic = errors.New("bad patch magic")
	// ErrCorruptStream means a compressed stream failed to decode
	ErrCorruptStream = errors.New("corrupt patch stream")
	// ErrCorruptControl means a control triple carries a negative length
	ErrCorruptControl = errors.New("corrupt control triple")
)

// PatchError reports where in the output a patch failed
type PatchError struct {
	Op     string // "header", "control", "diff", "extra", "seek", "finish"
	Offset int64  // output position when the failure was detected
	Err    error
}

func (e *PatchError) Error() string {
	return fmt.Sprintf("bspatch: %s at output offset %d: %v", e.Op, e.Offset, e.Err)
}

func (e *PatchError) Unwrap() error {
	return e.Err
}

// Header is the decoded fixed-size container header
type Header struct {
	Magic      string
	ControlLen int64
	DiffLen    int64
	NewSize    int64
}

// Control is one (copy, extra, seek) instruction
type Control struct {
	Copy  int64
	Extra int64
	Seek  int64
}

// Container is a fully decompressed patch
type Container struct {
	Header
	Controls []Control
	Diff     []byte
	Extra    []byte
}

// Option tunes decoding limits
type Option func(*options)

type options struct {
	maxTargetSize int64
}

// WithMaxTargetSize overrides DefaultMaxTargetSize
func WithMaxTargetSize(n int64) Option {
	return func(o *options) {
		o.maxTargetSize = n
	}
}

func newOptions(opts []Option) options {
	o := options{maxTargetSize: DefaultMaxTargetSize}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// offtin decodes a bsdiff sign-magnitude integer
func offtin(b []byte) int64 {
	y := int64(b[7] & 0x7f)
	for i := 6; i >= 0; i-- {
		y = y<<8 | int64(b[i])
	}
	if b[7]&0x80 != 0 {
		y = -y
	}
	return y
}

// offtout encodes x in bsdiff sign-magnitude form
func offtout(x int64, b []byte) {
	var y uint64
	if x < 0 {
		// -MinInt64 does not fit; clamp to the largest magnitude representable
		if x == math.MinInt64 {
			x++
		}
		y = uint64(-x)
	} else {
		y = uint64(x)
	}
	for i := 0; i < 8; i++ {
		b[i] = byte(y >> (8 * i))
	}
	if x < 0 {
		b[7] |= 0x80
	}
}

// ParseHeader decodes and validates the container header.
// It checks that the declared stream lengths fit inside the patch.
func ParseHeader(patch []byte, opts ...Option) (Header, error) {
	o := newOptions(opts)

	if len(patch) < HeaderSize {
		return Header{}, &PatchError{Op: "header", Err: ErrTruncated}
	}

	h := Header{
		Magic:      string(patch[0:8]),
		ControlLen: offtin(patch[8:16]),
		DiffLen:    offtin(patch[16:24]),
		NewSize:    offtin(patch[24:32]),
	}

	if h.Magic != MagicLZ4 && h.Magic != MagicBzip2 {
		return Header{}, &PatchError{Op: "header", Err: ErrBadMagic}
	}

	if h.NewSize < 0 || h.NewSize > o.maxTargetSize {
		return Header{}, &PatchError{Op: "header", Err: fmt.Errorf("%w: declared length %d outside [0, %d]", ErrSizeMismatch, h.NewSize, o.maxTargetSize)}
	}

	body := int64(len(patch) - HeaderSize)
	if h.ControlLen < 0 || h.DiffLen < 0 || h.ControlLen > body || h.DiffLen > body-h.ControlLen {
		return Header{}, &PatchError{Op: "header", Err: fmt.Errorf("%w: stream lengths %d+%d exceed %d byte body", ErrTruncated, h.ControlLen, h.DiffLen, body)}
	}

	return h, nil
}

// streams holds readers positioned at the start of each decompressed stream
type streams struct {
	control io.Reader
	diff    io.Reader
	extra   io.Reader
}

func openStreams(patch []byte, h Header) (*streams, error) {
	ctrlEnd := HeaderSize + h.ControlLen
	diffEnd := ctrlEnd + h.DiffLen

	ctrl := patch[HeaderSize:ctrlEnd]
	diff := patch[ctrlEnd:diffEnd]
	extra := patch[diffEnd:]

	switch h.Magic {
	case MagicLZ4:
		return &streams{
			control: lz4.NewReader(bytes.NewReader(ctrl)),
			diff:    lz4.NewReader(bytes.NewReader(diff)),
			extra:   lz4.NewReader(bytes.NewReader(extra)),
		}, nil
	case MagicBzip2:
		return &streams{
			control: bzip2.NewReader(bytes.NewReader(ctrl)),
			diff:    bzip2.NewReader(bytes.NewReader(diff)),
			extra:   bzip2.NewReader(bytes.NewReader(extra)),
		}, nil
	default:
		return nil, &PatchError{Op: "header", Err: ErrBadMagic}
	}
}

// streamErr maps a read failure onto the package taxonomy
func streamErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrTruncated
	}
	return fmt.Errorf("%w: %v", ErrCorruptStream, err)
}

// controlReader yields triples from a decompressed control stream.
// done is true on a clean end of stream at a record boundary.
type controlReader struct {
	r   io.Reader
	buf [controlSize]byte
}

func (c *controlReader) next() (ctl Control, done bool, err error) {
	n, err := io.ReadFull(c.r, c.buf[:])
	if err != nil {
		if errors.Is(err, io.EOF) && n == 0 {
			return Control{}, true, nil
		}
		return Control{}, false, streamErr(err)
	}
	return Control{
		Copy:  offtin(c.buf[0:8]),
		Extra: offtin(c.buf[8:16]),
		Seek:  offtin(c.buf[16:24]),
	}, false, nil
}

// maxControls bounds the control loop. Every useful triple produces at
// least one byte, so more than twice the output length cannot be valid.
func maxControls(newSize int64) int64 {
	return 2*newSize + 2
}

// Decode fully decompresses a container. Stream reads are bounded by the
// declared output length, so a small patch cannot expand without limit.
func Decode(patch []byte, opts ...Option) (*Container, error) {
	h, err := ParseHeader(patch, opts...)
	if err != nil {
		return nil, err
	}
	s, err := openStreams(patch, h)
	if err != nil {
		return nil, err
	}

	c := &Container{Header: h}
	cr := &controlReader{r: s.control}
	var copyTotal, extraTotal int64
	for {
		if int64(len(c.Controls)) >= maxControls(h.NewSize) {
			return nil, &PatchError{Op: "control", Offset: copyTotal + extraTotal, Err: fmt.Errorf("%w: more than %d control triples", ErrSizeMismatch, maxControls(h.NewSize))}
		}
		ctl, done, err := cr.next()
		if err != nil {
			return nil, &PatchError{Op: "control", Offset: copyTotal + extraTotal, Err: err}
		}
		if done {
			break
		}
		if ctl.Copy < 0 || ctl.Extra < 0 {
			return nil, &PatchError{Op: "control", Offset: copyTotal + extraTotal, Err: ErrCorruptControl}
		}
		if ctl.Copy > h.NewSize-copyTotal-extraTotal || ctl.Extra > h.NewSize-copyTotal-extraTotal-ctl.Copy {
			return nil, &PatchError{Op: "control", Offset: copyTotal + extraTotal, Err: ErrSizeMismatch}
		}
		copyTotal += ctl.Copy
		extraTotal += ctl.Extra
		c.Controls = append(c.Controls, ctl)
	}

	if c.Diff, err = readBounded(s.diff, copyTotal); err != nil {
		return nil, &PatchError{Op: "diff", Offset: 0, Err: err}
	}
	if c.Extra, err = readBounded(s.extra, extraTotal); err != nil {
		return nil, &PatchError{Op: "extra", Offset: 0, Err: err}
	}

	return c, nil
}

func readBounded(r io.Reader, n int64) ([]byte, error) {
	buf, err := appendFrom(make([]byte, 0, min(n, applyChunk)), r, n)
	if err != nil {
		return nil, streamErr(err)
	}
	return buf, nil
}

// Encode serializes a container in the BSDIFFL4 format. The Magic and
// stream length fields of c are ignored and recomputed.
// Encode does not compute deltas; callers supply the triples and streams.
func Encode(c *Container) ([]byte, error) {
	if c == nil {
		return nil, errors.New("bspatch: nil container")
	}

	var ctrlRaw bytes.Buffer
	var rec [controlSize]byte
	for _, ctl := range c.Controls {
		offtout(ctl.Copy, rec[0:8])
		offtout(ctl.Extra, rec[8:16])
		offtout(ctl.Seek, rec[16:24])
		ctrlRaw.Write(rec[:])
	}

	ctrl, err := compress(ctrlRaw.Bytes())
	if err != nil {
		return nil, fmt.Errorf("compress control: %w", err)
	}
	diff, err := compress(c.Diff)
	if err != nil {
		return nil, fmt.Errorf("compress diff: %w", err)
	}
	extra, err := compress(c.Extra)
	if err != nil {
		return nil, fmt.Errorf("compress extra: %w", err)
	}

	out := make([]byte, HeaderSize, HeaderSize+len(ctrl)+len(diff)+len(extra))
	copy(out[0:8], MagicLZ4)
	offtout(int64(len(ctrl)), out[8:16])
	offtout(int64(len(diff)), out[16:24])
	offtout(c.NewSize, out[24:32])
	out = append(out, ctrl...)
	out = append(out, diff...)
	out = append(out, extra...)
	return out, nil
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
