package bspatch

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"slices"
)

// Apply transforms source into the target described by patch.
// The returned buffer is newly allocated; source and patch are never
// modified or retained.
func Apply(source, patch []byte, opts ...Option) ([]byte, error) {
	h, err := ParseHeader(patch, opts...)
	if err != nil {
		return nil, err
	}
	s, err := openStreams(patch, h)
	if err != nil {
		return nil, err
	}
	cr := &controlReader{r: s.control}
	return apply(source, h.NewSize, cr.next, s.diff, s.extra)
}

// ApplyContainer applies an already decoded container
func ApplyContainer(source []byte, c *Container, opts ...Option) ([]byte, error) {
	o := newOptions(opts)
	if c == nil {
		return nil, &PatchError{Op: "header", Err: ErrTruncated}
	}
	if c.NewSize < 0 || c.NewSize > o.maxTargetSize {
		return nil, &PatchError{Op: "header", Err: fmt.Errorf("%w: declared length %d outside [0, %d]", ErrSizeMismatch, c.NewSize, o.maxTargetSize)}
	}

	i := 0
	next := func() (Control, bool, error) {
		if i == len(c.Controls) {
			return Control{}, true, nil
		}
		ctl := c.Controls[i]
		i++
		return ctl, false, nil
	}
	return apply(source, c.NewSize, next, bytes.NewReader(c.Diff), bytes.NewReader(c.Extra))
}

// applyChunk bounds how far the output grows ahead of decoded stream data
const applyChunk = 1 << 20

// apply runs the bspatch loop. Source bytes past the end of source
// contribute zero to the diff, matching bspatch; the cursor itself must be
// inside [0, len(source)] whenever a copy step starts. The output grows
// as stream data arrives, so the declared length alone never allocates.
func apply(source []byte, newSize int64, next func() (Control, bool, error), diff, extra io.Reader) ([]byte, error) {
	out := make([]byte, 0, min(newSize, applyChunk))
	oldSize := int64(len(source))

	var oldPos, newPos, steps int64
	for newPos < newSize {
		if steps >= maxControls(newSize) {
			return nil, &PatchError{Op: "control", Offset: newPos, Err: fmt.Errorf("%w: control stream makes no progress", ErrSizeMismatch)}
		}
		steps++

		ctl, done, err := next()
		if err != nil {
			return nil, &PatchError{Op: "control", Offset: newPos, Err: err}
		}
		if done {
			return nil, &PatchError{Op: "finish", Offset: newPos, Err: fmt.Errorf("%w: produced %d of %d bytes", ErrSizeMismatch, newPos, newSize)}
		}
		if ctl.Copy < 0 || ctl.Extra < 0 {
			return nil, &PatchError{Op: "control", Offset: newPos, Err: ErrCorruptControl}
		}
		if oldPos < 0 || oldPos > oldSize {
			return nil, &PatchError{Op: "seek", Offset: newPos, Err: fmt.Errorf("%w: cursor %d, source length %d", ErrCursorOutOfRange, oldPos, oldSize)}
		}

		// Diff bytes added onto source bytes
		if ctl.Copy > newSize-newPos {
			return nil, &PatchError{Op: "diff", Offset: newPos, Err: fmt.Errorf("%w: copy of %d overruns %d byte target", ErrSizeMismatch, ctl.Copy, newSize)}
		}
		if out, err = appendFrom(out, diff, ctl.Copy); err != nil {
			return nil, &PatchError{Op: "diff", Offset: newPos, Err: streamErr(err)}
		}
		dst := out[newPos : newPos+ctl.Copy]
		n := min(ctl.Copy, oldSize-oldPos)
		src := source[oldPos : oldPos+n]
		for i := range src {
			dst[i] += src[i]
		}
		newPos += ctl.Copy
		oldPos += ctl.Copy

		// Literal extra bytes
		if ctl.Extra > newSize-newPos {
			return nil, &PatchError{Op: "extra", Offset: newPos, Err: fmt.Errorf("%w: extra of %d overruns %d byte target", ErrSizeMismatch, ctl.Extra, newSize)}
		}
		if out, err = appendFrom(out, extra, ctl.Extra); err != nil {
			return nil, &PatchError{Op: "extra", Offset: newPos, Err: streamErr(err)}
		}
		newPos += ctl.Extra

		oldPos = seek(oldPos, ctl.Seek)
	}

	return out, nil
}

// appendFrom reads exactly n bytes from r onto out, growing out at most
// applyChunk bytes beyond what has been read.
func appendFrom(out []byte, r io.Reader, n int64) ([]byte, error) {
	for n > 0 {
		k := int(min(n, applyChunk))
		start := len(out)
		out = slices.Grow(out, k)[:start+k]
		if _, err := io.ReadFull(r, out[start:]); err != nil {
			return out[:start], err
		}
		n -= int64(k)
	}
	return out, nil
}

// seek adds off to pos, mapping overflow to an out-of-range cursor
func seek(pos, off int64) int64 {
	if off > 0 && pos > math.MaxInt64-off {
		return -1
	}
	if off < 0 && pos < math.MinInt64-off {
		return -1
	}
	return pos + off
}
