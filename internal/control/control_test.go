package control

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/schaermu/patchd/internal/config"
	"github.com/schaermu/patchd/internal/manifest"
	filesync "github.com/schaermu/patchd/internal/sync"
	"github.com/schaermu/patchd/internal/testutil"
	"github.com/schaermu/patchd/internal/update"
)

const testSecret = "test-secret-key"

// fakePlanner plans nothing and optionally blocks until proceed is closed
type fakePlanner struct {
	mu      sync.Mutex
	calls   int
	started chan struct{}
	proceed chan struct{}
}

func (p *fakePlanner) FetchAndPlan(ctx context.Context, _, _ string) (*manifest.Manifest, []manifest.Action, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()

	if p.started != nil {
		select {
		case p.started <- struct{}{}:
		default:
		}
	}
	if p.proceed != nil {
		select {
		case <-p.proceed:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
	return &manifest.Manifest{Version: "7"}, nil, nil
}

func (p *fakePlanner) Plan(string, *manifest.Manifest) ([]manifest.Action, error) {
	return nil, nil
}

func (p *fakePlanner) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type nopSyncer struct{}

func (nopSyncer) Apply(context.Context, manifest.Action) (filesync.Result, error) {
	return filesync.Result{}, nil
}

func (nopSyncer) CleanStaging() error { return nil }

func setupTestConfig(t *testing.T) *config.Config {
	t.Helper()

	tmpDir := t.TempDir()
	secretPath := filepath.Join(tmpDir, "control_secret")
	if err := os.WriteFile(secretPath, []byte(testSecret+"\n"), 0600); err != nil {
		t.Fatalf("failed to write secret file: %v", err)
	}

	return &config.Config{
		Install:  config.InstallConfig{Root: filepath.Join(tmpDir, "game")},
		Manifest: config.ManifestConfig{URL: "https://cdn.example.com/manifest.json"},
		Serve: config.ServeConfig{
			Enabled:    true,
			ListenAddr: "127.0.0.1:0",
			SecretFile: secretPath,
			Debounce:   config.Duration(10 * time.Millisecond),
		},
	}
}

func newTestServer(t *testing.T, cfg *config.Config, planner *fakePlanner) *Server {
	t.Helper()
	logger := testutil.Logger()
	u := update.New(planner, func(string) update.Syncer { return nopSyncer{} }, logger)
	server, err := NewServer(cfg, u, logger)
	if err != nil {
		t.Fatalf("NewServer() failed: %v", err)
	}
	return server
}

func signedRequest(method, target string, body []byte) *http.Request {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign([]byte(testSecret), body))
	return req
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (s *Server) isIdle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current == nil
}

func TestNewServer(t *testing.T) {
	cfg := setupTestConfig(t)
	server := newTestServer(t, cfg, &fakePlanner{})

	if string(server.secret) != testSecret {
		t.Errorf("expected secret to be %q, got %q", testSecret, string(server.secret))
	}
	if server.debounce.delay != 10*time.Millisecond {
		t.Errorf("expected configured debounce, got %s", server.debounce.delay)
	}
	if server.request.Root != cfg.Install.Root || server.request.ManifestURL != cfg.Manifest.URL {
		t.Errorf("unexpected request %+v", server.request)
	}
}

func TestNewServer_SecretErrors(t *testing.T) {
	cfg := setupTestConfig(t)
	cfg.Serve.SecretFile = "/nonexistent/secret"
	if _, err := NewServer(cfg, nil, testutil.Logger()); err == nil {
		t.Fatal("expected error for missing secret file, got nil")
	}

	empty := filepath.Join(t.TempDir(), "empty")
	if err := os.WriteFile(empty, []byte("\n"), 0600); err != nil {
		t.Fatal(err)
	}
	cfg.Serve.SecretFile = empty
	if _, err := NewServer(cfg, nil, testutil.Logger()); err == nil {
		t.Fatal("expected error for empty secret file, got nil")
	}
}

func TestVerifySignature(t *testing.T) {
	server := newTestServer(t, setupTestConfig(t), &fakePlanner{})
	body := []byte(`{"version":"1.0.5"}`)

	tests := []struct {
		name      string
		body      []byte
		signature string
		want      bool
	}{
		{"valid signature", body, Sign([]byte(testSecret), body), true},
		{"invalid signature", body, "sha256=invalid", false},
		{"missing sha256 prefix", body, "notsha256", false},
		{"empty signature", body, "", false},
		{"wrong body", []byte(`{"version":"1.0.6"}`), Sign([]byte(testSecret), body), false},
		{"wrong secret", body, Sign([]byte("other"), body), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := server.verifySignature(tt.body, tt.signature); got != tt.want {
				t.Errorf("verifySignature() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHandlePublish_ValidRequest(t *testing.T) {
	planner := &fakePlanner{}
	server := newTestServer(t, setupTestConfig(t), planner)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, signedRequest(http.MethodPost, "/publish", []byte(`{"version":"1.0.5"}`)))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d", rec.Code)
	}

	waitFor(t, "debounced update", func() bool {
		return server.Status().Last != nil
	})
	if planner.Calls() != 1 {
		t.Errorf("expected one update, got %d", planner.Calls())
	}
	if last := server.Status().Last; last.Version != "7" || last.Phase != update.Complete {
		t.Errorf("unexpected last result %+v", last)
	}
}

func TestHandlePublish_Rejections(t *testing.T) {
	server := newTestServer(t, setupTestConfig(t), &fakePlanner{})
	body := []byte(`{"version":"1.0.5"}`)

	tests := []struct {
		name string
		req  func() *http.Request
		want int
	}{
		{
			name: "invalid method",
			req:  func() *http.Request { return httptest.NewRequest(http.MethodGet, "/publish", nil) },
			want: http.StatusMethodNotAllowed,
		},
		{
			name: "invalid content type",
			req: func() *http.Request {
				r := signedRequest(http.MethodPost, "/publish", body)
				r.Header.Set("Content-Type", "text/plain")
				return r
			},
			want: http.StatusBadRequest,
		},
		{
			name: "invalid signature",
			req: func() *http.Request {
				r := signedRequest(http.MethodPost, "/publish", body)
				r.Header.Set(SignatureHeader, "sha256=deadbeef")
				return r
			},
			want: http.StatusForbidden,
		},
		{
			name: "invalid payload",
			req:  func() *http.Request { return signedRequest(http.MethodPost, "/publish", []byte("{")) },
			want: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			server.Handler().ServeHTTP(rec, tt.req())
			if rec.Code != tt.want {
				t.Errorf("expected status %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestHandleUpdateAndCancel(t *testing.T) {
	planner := &fakePlanner{started: make(chan struct{}, 1), proceed: make(chan struct{})}
	server := newTestServer(t, setupTestConfig(t), planner)
	handler := server.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, signedRequest(http.MethodPost, "/update", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var started map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &started); err != nil || started["run_id"] == "" {
		t.Fatalf("expected run id, got %q (%v)", rec.Body.String(), err)
	}
	<-planner.started

	// A second explicit update conflicts
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, signedRequest(http.MethodPost, "/update", nil))
	if rec.Code != http.StatusConflict {
		t.Errorf("expected status 409, got %d", rec.Code)
	}

	// Status shows the active run
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	var st Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("invalid status body: %v", err)
	}
	if st.Active == nil || st.Active.ID != started["run_id"] || st.Active.Phase != update.Planning {
		t.Errorf("unexpected active run %+v", st.Active)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, signedRequest(http.MethodPost, "/cancel", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d", rec.Code)
	}

	waitFor(t, "canceled run", server.isIdle)
	last := server.Status().Last
	if last == nil || last.Phase != update.Failed || !strings.Contains(last.Error, "canceled") {
		t.Errorf("unexpected last result %+v", last)
	}

	// Nothing left to cancel
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, signedRequest(http.MethodPost, "/cancel", nil))
	if rec.Code != http.StatusConflict {
		t.Errorf("expected status 409, got %d", rec.Code)
	}
}

func TestHandleUpdate_InvalidSignature(t *testing.T) {
	planner := &fakePlanner{}
	server := newTestServer(t, setupTestConfig(t), planner)

	req := httptest.NewRequest(http.MethodPost, "/update", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("expected status 403, got %d", rec.Code)
	}
	if planner.Calls() != 0 {
		t.Error("unsigned request must not start an update")
	}
}

// TestStart_SingleFlight verifies that queued starts while an update runs
// collapse into a single re-run.
func TestStart_SingleFlight(t *testing.T) {
	planner := &fakePlanner{started: make(chan struct{}, 1), proceed: make(chan struct{})}
	server := newTestServer(t, setupTestConfig(t), planner)

	first, err := server.start(false)
	if err != nil {
		t.Fatalf("start() failed: %v", err)
	}
	<-planner.started

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run, err := server.start(true)
			if err != nil {
				t.Errorf("queued start failed: %v", err)
				return
			}
			if run.ID != first.ID {
				t.Errorf("queued start returned run %s, want %s", run.ID, first.ID)
			}
		}()
	}
	wg.Wait()

	server.mu.Lock()
	pending := server.pending
	server.mu.Unlock()
	if !pending {
		t.Error("expected pending to be true after concurrent starts")
	}

	close(planner.proceed)
	waitFor(t, "pending re-run", func() bool {
		return planner.Calls() == 2 && server.isIdle()
	})

	server.mu.Lock()
	stillPending := server.pending
	server.mu.Unlock()
	if stillPending {
		t.Error("expected pending to be false after the re-run")
	}
}

func TestHandleEvents(t *testing.T) {
	server := newTestServer(t, setupTestConfig(t), &fakePlanner{})
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/events")
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Errorf("unexpected content type %q", ct)
	}
	waitFor(t, "subscriber", func() bool { return server.hub.count() == 1 })

	if _, err := server.start(false); err != nil {
		t.Fatal(err)
	}

	count := 0
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		var ev struct {
			Type  string `json:"type"`
			Phase string `json:"phase"`
			Seq   int64  `json:"seq"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("invalid event line %q: %v", scanner.Text(), err)
		}
		count++
		if ev.Seq != int64(count) {
			t.Errorf("event %d has seq %d", count, ev.Seq)
		}
		if ev.Type == "finished" {
			if ev.Phase != "complete" {
				t.Errorf("finished in phase %s", ev.Phase)
			}
			break
		}
	}
	if count < 3 {
		t.Errorf("expected a full event stream, got %d events", count)
	}
}

func TestServe(t *testing.T) {
	cfg := setupTestConfig(t)
	cfg.Serve.AutoUpdate = true
	planner := &fakePlanner{}
	server := newTestServer(t, cfg, planner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx, ln)
	}()

	waitFor(t, "initial update", func() bool { return server.Status().Last != nil })

	resp, err := http.Get("http://" + ln.Addr().String() + "/status")
	if err != nil {
		t.Fatal(err)
	}
	var st Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if st.Last == nil || st.Last.Phase != update.Complete {
		t.Errorf("unexpected status %+v", st)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() returned %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Serve() did not return after cancel")
	}
}

func TestServe_CancelsActiveRunOnShutdown(t *testing.T) {
	cfg := setupTestConfig(t)
	cfg.Serve.AutoUpdate = true
	planner := &fakePlanner{started: make(chan struct{}, 1), proceed: make(chan struct{})}
	server := newTestServer(t, cfg, planner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx, ln)
	}()
	<-planner.started

	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Serve() did not return after cancel")
	}
	if !server.isIdle() {
		t.Error("expected the active run to be finished")
	}
}

func TestDebouncer(t *testing.T) {
	var callCount int
	var mu sync.Mutex
	d := &debouncer{delay: 50 * time.Millisecond}

	// Trigger multiple times rapidly
	for i := 0; i < 5; i++ {
		d.trigger(func() {
			mu.Lock()
			callCount++
			mu.Unlock()
		})
		time.Sleep(10 * time.Millisecond)
	}

	// Wait for debounce to complete
	time.Sleep(100 * time.Millisecond)

	// Should only be called once despite 5 triggers
	mu.Lock()
	count := callCount
	mu.Unlock()

	if count != 1 {
		t.Errorf("expected callback to be called once, got %d", count)
	}

	// A stopped debouncer never fires
	d.trigger(func() {
		mu.Lock()
		callCount++
		mu.Unlock()
	})
	d.stop()
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	count = callCount
	mu.Unlock()
	if count != 1 {
		t.Errorf("expected stopped debouncer not to fire, got %d calls", count)
	}
}

func TestHub(t *testing.T) {
	h := newHub()
	slow, unsubscribeSlow := h.subscribe()
	fast, unsubscribe := h.subscribe()

	for i := 0; i < subscriberBuffer+10; i++ {
		h.publish(update.Event{Seq: int64(i + 1)})
		<-fast
	}
	if len(slow) != subscriberBuffer {
		t.Errorf("slow subscriber holds %d events, want %d", len(slow), subscriberBuffer)
	}

	unsubscribe()
	unsubscribe()
	if h.count() != 1 {
		t.Errorf("expected one subscriber, got %d", h.count())
	}

	h.close()
	for range slow {
	}
	unsubscribeSlow()

	late, _ := h.subscribe()
	if _, ok := <-late; ok {
		t.Error("subscribing to a closed hub should yield a closed channel")
	}
}
