package bspatch

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math/rand"
	"testing"
)

func FuzzApply(f *testing.F) {
	seed := &Container{
		Header:   Header{NewSize: 6},
		Controls: []Control{{Copy: 3, Extra: 3, Seek: -2}},
		Diff:     []byte{1, 2, 3},
		Extra:    []byte("xyz"),
	}
	patch, err := Encode(seed)
	if err != nil {
		f.Fatal(err)
	}
	f.Add([]byte("abcdef"), patch)
	f.Add([]byte{}, []byte(MagicLZ4))
	f.Add([]byte("abc"), append([]byte(MagicBzip2), make([]byte, 24)...))

	f.Fuzz(func(t *testing.T, source, patch []byte) {
		orig := append([]byte{}, source...)
		out, err := Apply(source, patch, WithMaxTargetSize(1<<20))
		if !bytes.Equal(orig, source) {
			t.Fatalf("source modified")
		}
		if err != nil {
			var perr *PatchError
			if !errors.As(err, &perr) {
				t.Fatalf("error is not a PatchError: %v", err)
			}
			return
		}
		h, err := ParseHeader(patch)
		if err != nil {
			t.Fatalf("apply succeeded on invalid header: %v", err)
		}
		if int64(len(out)) != h.NewSize {
			t.Fatalf("output length %d, header declares %d", len(out), h.NewSize)
		}
	})
}

func FuzzControls(f *testing.F) {
	f.Add(int64(4), []byte{0, 0, 0, 0, 0, 0, 0, 0})
	f.Fuzz(func(t *testing.T, newSize int64, raw []byte) {
		if newSize < 0 || newSize > 1<<12 {
			return
		}
		// interpret raw as little-endian int64 triples
		var controls []Control
		for len(raw) >= 24 {
			controls = append(controls, Control{
				Copy:  int64(binary.LittleEndian.Uint64(raw[0:8])) % 4096,
				Extra: int64(binary.LittleEndian.Uint64(raw[8:16])) % 4096,
				Seek:  int64(binary.LittleEndian.Uint64(raw[16:24])),
			})
			raw = raw[24:]
		}
		c := &Container{
			Header:   Header{NewSize: newSize},
			Controls: controls,
			Diff:     raw,
			Extra:    raw,
		}
		_, _ = ApplyContainer([]byte("fuzz source buffer"), c)
	})
}

func FuzzRoundTrip(f *testing.F) {
	f.Add(int64(1))
	f.Add(int64(1234))
	f.Fuzz(func(t *testing.T, seed int64) {
		r := rand.New(rand.NewSource(seed))
		source, target, segs := randomCase(r)
		c := buildContainer(t, source, target, segs)
		patch, err := Encode(c)
		if err != nil {
			t.Fatal(err)
		}
		got, err := Apply(source, patch)
		if err != nil {
			t.Fatalf("apply: %v", err)
		}
		if !bytes.Equal(got, target) {
			t.Fatalf("round trip mismatch")
		}
	})
}
