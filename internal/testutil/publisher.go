// Package testutil provides fixtures shared by package tests.
package testutil

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"

	"github.com/schaermu/patchd/internal/bspatch"
	"github.com/schaermu/patchd/internal/digest"
)

// Publisher is an in-process content server standing in for a CDN
type Publisher struct {
	srv *httptest.Server

	mu    sync.Mutex
	files map[string][]byte
	fails map[string]int
	hits  map[string]int
	block map[string]chan struct{}
}

// NewPublisher starts a Publisher that is closed when the test ends
func NewPublisher(t testing.TB) *Publisher {
	p := &Publisher{
		files: make(map[string][]byte),
		fails: make(map[string]int),
		hits:  make(map[string]int),
		block: make(map[string]chan struct{}),
	}
	p.srv = httptest.NewServer(http.HandlerFunc(p.serve))
	t.Cleanup(p.srv.Close)
	return p
}

func (p *Publisher) serve(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	p.mu.Lock()
	p.hits[path]++
	gate := p.block[path]
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}

	p.mu.Lock()
	body, ok := p.files[path]
	failing := p.fails[path]
	if failing > 0 {
		p.fails[path]--
	}
	p.mu.Unlock()

	switch {
	case failing != 0:
		w.WriteHeader(http.StatusServiceUnavailable)
	case !ok:
		http.NotFound(w, r)
	default:
		_, _ = w.Write(body)
	}
}

// URL returns the absolute URL of path
func (p *Publisher) URL(path string) string {
	return p.srv.URL + path
}

// Put publishes body at path and returns its URL
func (p *Publisher) Put(path string, body []byte) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.files[path] = append([]byte(nil), body...)
	return p.URL(path)
}

// Fail answers the next n requests for path with 503. A negative n fails
// every request.
func (p *Publisher) Fail(path string, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fails[path] = n
}

// Block holds requests for path until the returned function is called
func (p *Publisher) Block(path string) (release func()) {
	ch := make(chan struct{})
	p.mu.Lock()
	p.block[path] = ch
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(ch)
			p.mu.Lock()
			delete(p.block, path)
			p.mu.Unlock()
		})
	}
}

// Hits returns how many requests path received
func (p *Publisher) Hits(path string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hits[path]
}

// TotalHits returns the number of requests served
func (p *Publisher) TotalHits() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, n := range p.hits {
		total += n
	}
	return total
}

// Sum is the sha256 digest of data
func Sum(t testing.TB, data []byte) digest.Digest {
	t.Helper()
	d, err := digest.Bytes(digest.SHA256, data)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	return d
}

// Delta builds a valid patch turning source into target. It is not a
// real differ: one diff run covers the common length and the rest of the
// target is carried as extra bytes.
func Delta(t testing.TB, source, target []byte) []byte {
	t.Helper()

	n := min(len(source), len(target))
	diff := make([]byte, n)
	for i := 0; i < n; i++ {
		diff[i] = target[i] - source[i]
	}

	patch, err := bspatch.Encode(&bspatch.Container{
		Header:   bspatch.Header{NewSize: int64(len(target))},
		Controls: []bspatch.Control{{Copy: int64(n), Extra: int64(len(target) - n)}},
		Diff:     diff,
		Extra:    target[n:],
	})
	if err != nil {
		t.Fatalf("encode delta: %v", err)
	}
	return patch
}

// Logger returns a logger that only reports errors
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// DiscardLogger returns a logger that drops everything
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
