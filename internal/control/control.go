// Package control serves the HTTP trigger surface of a long-running patchd:
// signed publish notifications from the release pipeline plus start,
// cancel, status and event-stream endpoints for local tooling.
package control

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/schaermu/patchd/internal/config"
	"github.com/schaermu/patchd/internal/update"
)

// SignatureHeader carries "sha256=<hex hmac of the body>"
const SignatureHeader = "X-Patchd-Signature-256"

// ErrNoRun means there is no active update to act on
var ErrNoRun = errors.New("no update running")

// PublishEvent is the body of a publish notification
type PublishEvent struct {
	Version string `json:"version"`
}

// Updater starts update runs
type Updater interface {
	Start(ctx context.Context, req update.Request) (*update.Run, error)
}

// Status is the body of GET /status
type Status struct {
	Active *update.Result `json:"active,omitempty"`
	Last   *update.Result `json:"last,omitempty"`
}

// Server implements the control HTTP server
type Server struct {
	updater  Updater
	request  update.Request
	logger   *slog.Logger
	secret   []byte
	auto     bool
	debounce *debouncer
	hub      *hub

	baseMu sync.Mutex
	base   context.Context

	mu      sync.Mutex // guards current, pending and last
	current *update.Run
	pending bool // another update was requested while current runs
	last    *update.Result
	idle    chan struct{}
}

// debouncer implements debouncing for publish notifications
type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	delay    time.Duration
	callback func()
}

// NewServer creates a control server updating cfg's installation
func NewServer(cfg *config.Config, updater Updater, logger *slog.Logger) (*Server, error) {
	// Load shared secret from file
	secret, err := os.ReadFile(cfg.Serve.SecretFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read control secret: %w", err)
	}

	// Trim any whitespace/newlines from secret
	secret = []byte(strings.TrimSpace(string(secret)))
	if len(secret) == 0 {
		return nil, fmt.Errorf("control secret file %s is empty", cfg.Serve.SecretFile)
	}

	delay := time.Duration(cfg.Serve.Debounce)
	if delay <= 0 {
		delay = config.DefaultDebounce
	}

	return &Server{
		updater:  updater,
		request:  update.Request{Root: cfg.Install.Root, ManifestURL: cfg.Manifest.URL},
		logger:   logger,
		secret:   secret,
		auto:     cfg.Serve.AutoUpdate,
		debounce: &debouncer{delay: delay},
		hub:      newHub(),
		base:     context.Background(),
	}, nil
}

// Handler returns the control API routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /publish", s.handlePublish)
	mux.HandleFunc("POST /update", s.handleUpdate)
	mux.HandleFunc("POST /cancel", s.handleCancel)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /events", s.handleEvents)
	return mux
}

// Serve runs the control server on ln until ctx is canceled. With auto
// update enabled an update starts before requests are accepted.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.baseMu.Lock()
	s.base = ctx
	s.baseMu.Unlock()

	if s.auto {
		s.logger.Info("performing initial update before serving requests")
		if _, err := s.start(true); err != nil {
			s.logger.Error("initial update failed to start", "error", err)
		}
	}

	server := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("control server starting", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for context cancellation or error
	select {
	case <-ctx.Done():
		s.logger.Info("shutting down control server")
		s.debounce.stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.hub.close()
		err := server.Shutdown(shutdownCtx)
		s.waitIdle(shutdownCtx)
		return err
	case err := <-errCh:
		return err
	}
}

func (s *Server) context() context.Context {
	s.baseMu.Lock()
	defer s.baseMu.Unlock()
	return s.base
}

// handlePublish handles release notifications from the publishing pipeline
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	// Check content type
	contentType := r.Header.Get("Content-Type")
	if contentType != "application/json" {
		s.logger.Warn("rejecting request with invalid content type", "content_type", contentType)
		http.Error(w, "Invalid content type", http.StatusBadRequest)
		return
	}

	body, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	var event PublishEvent
	if err := json.Unmarshal(body, &event); err != nil {
		s.logger.Error("failed to parse publish payload", "error", err)
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}

	s.logger.Info("publish notification accepted", "version", event.Version)

	// Trigger debounced update
	s.debounce.trigger(func() {
		if _, err := s.start(true); err != nil {
			s.logger.Error("failed to start update", "error", err)
		}
	})

	w.WriteHeader(http.StatusAccepted)
	_, _ = fmt.Fprintf(w, "Update scheduled\n")
}

// handleUpdate starts an update immediately
func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(w, r); !ok {
		return
	}

	run, err := s.start(false)
	if err != nil {
		if errors.Is(err, update.ErrRunActive) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		s.logger.Error("failed to start update", "error", err)
		http.Error(w, "Failed to start update", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": run.ID})
}

// handleCancel cancels the active update
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(w, r); !ok {
		return
	}

	run, err := s.cancel()
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": run.ID})
}

// handleStatus reports the active and the last finished run
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Status())
}

// handleEvents streams events of every run as newline-delimited JSON
// until the client disconnects or the server shuts down.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sub, unsubscribe := s.hub.subscribe()
	defer unsubscribe()

	// Streams outlive the server write timeout
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if err := enc.Encode(ev); err != nil {
				s.logger.Debug("event stream closed", "error", err)
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

// authenticate reads the body and checks its signature, answering the
// request itself on failure
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MB limit
	if err != nil {
		s.logger.Error("failed to read request body", "error", err)
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return nil, false
	}
	defer func() {
		_ = r.Body.Close()
	}()

	if !s.verifySignature(body, r.Header.Get(SignatureHeader)) {
		s.logger.Warn("rejecting request with invalid signature", "path", r.URL.Path)
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return nil, false
	}
	return body, true
}

// verifySignature checks a "sha256=<hex>" HMAC of body
func (s *Server) verifySignature(body []byte, signature string) bool {
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	signature = strings.TrimPrefix(signature, "sha256=")

	return hmac.Equal([]byte(signature), []byte(Sign(s.secret, body)[len("sha256="):]))
}

// Sign returns the signature header value for body
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// start begins an update with single-flight semantics. With queue set, a
// request arriving while an update runs schedules at most one re-run;
// otherwise it fails with update.ErrRunActive.
func (s *Server) start(queue bool) (*update.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil {
		if queue {
			s.pending = true
			s.logger.Info("update already in progress, queuing pending re-run", "run_id", s.current.ID)
			return s.current, nil
		}
		return nil, fmt.Errorf("%w (run %s)", update.ErrRunActive, s.current.ID)
	}

	run, err := s.updater.Start(s.context(), s.request)
	if err != nil {
		return nil, err
	}
	s.current = run
	s.idle = make(chan struct{})
	go s.follow(run)
	return run, nil
}

// follow relays a run's events to subscribers and records its result
func (s *Server) follow(run *update.Run) {
	for ev := range run.Events() {
		s.hub.publish(ev)
	}
	res := run.Wait()

	if res.Err != nil {
		s.logger.Error("update failed", "run_id", run.ID, "error", res.Err)
	} else {
		s.logger.Info("update completed successfully", "run_id", run.ID, "version", res.Version)
	}

	s.mu.Lock()
	s.last = &res
	s.current = nil
	again := s.pending
	s.pending = false
	idle := s.idle
	s.mu.Unlock()

	if again && s.context().Err() == nil {
		s.logger.Info("re-running update due to pending request")
		if _, err := s.start(true); err != nil {
			s.logger.Error("failed to start pending update", "error", err)
		}
	}
	close(idle)
}

func (s *Server) cancel() (*update.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil, ErrNoRun
	}
	s.pending = false
	s.current.Cancel()
	s.logger.Info("update cancel requested", "run_id", s.current.ID)
	return s.current, nil
}

// waitIdle waits for the current run, canceling it first
func (s *Server) waitIdle(ctx context.Context) {
	for {
		s.mu.Lock()
		run, idle := s.current, s.idle
		s.pending = false
		s.mu.Unlock()
		if run == nil {
			return
		}
		run.Cancel()
		select {
		case <-idle:
		case <-ctx.Done():
			return
		}
	}
}

// Status returns the active and the last finished run
func (s *Server) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st Status
	if s.current != nil {
		active := s.current.Status()
		st.Active = &active
	}
	if s.last != nil {
		last := *s.last
		st.Last = &last
	}
	return st
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// trigger schedules the callback to run after the debounce delay
func (d *debouncer) trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.callback = callback

	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		cb := d.callback
		d.mu.Unlock()

		if cb != nil {
			cb()
		}
	})
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.callback = nil
}
