// Package update drives update runs through the
// Idle → Planning → Syncing → Verifying → Complete/Failed state machine.
//
// A run executes on its own goroutines. Callers observe it only through
// the event channel returned by Run.Events and the Result returned by
// Run.Wait.
package update

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/schaermu/patchd/internal/manifest"
	filesync "github.com/schaermu/patchd/internal/sync"
)

// DefaultWorkers is the number of actions applied concurrently
const DefaultWorkers = 4

var (
	// ErrRunActive means another run owns the installation root
	ErrRunActive = errors.New("an update is already running for this installation")
	// ErrCanceled means the caller canceled the run
	ErrCanceled = errors.New("update canceled")
	// ErrGameRunning means a game process is using the installation
	ErrGameRunning = errors.New("game is running")
	// ErrFilesFailed means at least one file could not be updated
	ErrFilesFailed = errors.New("files failed to update")
	// ErrNotVerified means a file did not match the manifest after syncing
	ErrNotVerified = errors.New("file does not match manifest after sync")
)

// Planner fetches the manifest and computes actions for a root
type Planner interface {
	FetchAndPlan(ctx context.Context, root, url string) (*manifest.Manifest, []manifest.Action, error)
	Plan(root string, m *manifest.Manifest) ([]manifest.Action, error)
}

// Syncer applies single actions under one root
type Syncer interface {
	Apply(ctx context.Context, a manifest.Action) (filesync.Result, error)
	CleanStaging() error
}

// SyncerFactory returns the Syncer for an installation root
type SyncerFactory func(root string) Syncer

// Gate lists processes that forbid replacing files, such as a running game
type Gate interface {
	Blockers(ctx context.Context) ([]string, error)
}

// Request starts a run
type Request struct {
	Root        string
	ManifestURL string
}

// Updater starts runs and enforces one active run per installation root
type Updater struct {
	planner   Planner
	newSyncer SyncerFactory
	gate      Gate
	logger    *slog.Logger
	workers   int
	verify    bool

	mu     sync.Mutex
	active map[string]*Run
}

// Option configures an Updater
type Option func(*Updater)

// WithWorkers bounds concurrent actions; values below one mean one
func WithWorkers(n int) Option {
	return func(u *Updater) {
		u.workers = max(n, 1)
	}
}

// WithGate refuses to sync while the gate reports blockers
func WithGate(g Gate) Option {
	return func(u *Updater) {
		u.gate = g
	}
}

// WithVerify re-plans after syncing and fails files that still differ
func WithVerify(v bool) Option {
	return func(u *Updater) {
		u.verify = v
	}
}

// New creates an Updater
func New(planner Planner, newSyncer SyncerFactory, logger *slog.Logger, opts ...Option) *Updater {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	u := &Updater{
		planner:   planner,
		newSyncer: newSyncer,
		logger:    logger,
		workers:   DefaultWorkers,
		active:    make(map[string]*Run),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Start begins a run in the background. It fails immediately with
// ErrRunActive if the root already has an active run.
func (u *Updater) Start(ctx context.Context, req Request) (*Run, error) {
	if req.Root == "" {
		return nil, fmt.Errorf("installation root is required")
	}
	if req.ManifestURL == "" {
		return nil, fmt.Errorf("manifest url is required")
	}
	root := filepath.Clean(req.Root)

	u.mu.Lock()
	if cur, ok := u.active[root]; ok {
		u.mu.Unlock()
		return nil, fmt.Errorf("%w (run %s)", ErrRunActive, cur.ID)
	}

	runCtx, cancel := context.WithCancel(ctx)
	r := &Run{
		ID:          uuid.NewString(),
		Root:        root,
		ManifestURL: req.ManifestURL,
		Started:     time.Now(),
		events:      newEventQueue(),
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	u.active[root] = r
	u.mu.Unlock()

	go u.execute(runCtx, r)
	return r, nil
}

// Active returns the run currently owning root, if any
func (u *Updater) Active(root string) (*Run, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	r, ok := u.active[filepath.Clean(root)]
	return r, ok
}

func (u *Updater) release(r *Run) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.active[r.Root] == r {
		delete(u.active, r.Root)
	}
}

// outcome is the result of one action, fallback included
type outcome struct {
	action   manifest.Action
	bytes    int64
	fellBack bool
	err      error
}

func (u *Updater) execute(ctx context.Context, r *Run) {
	logger := u.logger.With("run_id", r.ID, "root", r.Root)
	logger.Info("update started", "manifest", r.ManifestURL)
	r.emit(Event{Type: EventStarted, Phase: Idle, Message: r.ManifestURL})

	err := u.run(ctx, r, logger)

	// Terminal transition
	res := Result{
		ID:          r.ID,
		Root:        r.Root,
		ManifestURL: r.ManifestURL,
		Started:     r.Started,
	}
	r.session.snapshot(&res)
	if err == nil && len(res.Failures) > 0 {
		err = fmt.Errorf("%w: %d of %d", ErrFilesFailed, len(res.Failures), res.Total)
	}
	if err != nil {
		r.session.setPhase(Failed)
		res.Phase = Failed
	} else {
		r.session.setPhase(Complete)
		res.Phase = Complete
	}
	res.Err = err
	if err != nil {
		res.Error = err.Error()
	}
	res.Finished = time.Now()

	if err != nil {
		logger.Warn("update failed", "error", err, "failed", len(res.Failures), "bytes", res.Bytes)
	} else {
		logger.Info("update complete", "actions", res.Total, "bytes", res.Bytes)
	}

	// The root is free before Finished is observed so a caller reacting to
	// it can start the next run.
	u.release(r)
	r.setResult(res)
	r.emit(Event{Type: EventPhase, Phase: res.Phase})
	r.emit(Event{
		Type:      EventFinished,
		Phase:     res.Phase,
		Completed: res.Completed,
		Total:     res.Total,
		Bytes:     res.Bytes,
		Failed:    res.FailedPaths(),
		Message:   res.Error,
	})
	r.events.close()
	close(r.done)
}

// run executes Planning, Syncing and Verifying. A returned error is fatal
// to the run; per-file failures are recorded in the session instead.
func (u *Updater) run(ctx context.Context, r *Run, logger *slog.Logger) error {
	r.transition(Planning)

	if u.gate != nil {
		blockers, err := u.gate.Blockers(ctx)
		if err != nil {
			logger.Warn("failed to check for running game processes", "error", err)
		}
		if len(blockers) > 0 {
			return fmt.Errorf("%w: %s", ErrGameRunning, strings.Join(blockers, ", "))
		}
	}

	m, actions, err := u.planner.FetchAndPlan(ctx, r.Root, r.ManifestURL)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", ErrCanceled, ctx.Err())
		}
		return err
	}

	pending := manifest.Pending(actions)
	r.session.plan(m.Version, pending)
	if len(pending) == 0 {
		r.message(fmt.Sprintf("All %d files are up to date", len(actions)))
		return nil
	}
	r.message(fmt.Sprintf("Updating %d of %d files", len(pending), len(actions)))

	r.transition(Syncing)
	s := u.newSyncer(r.Root)
	if err := s.CleanStaging(); err != nil {
		logger.Warn("failed to clean staging directory", "error", err)
	}

	canceled := u.sync(ctx, r, s, pending, logger)
	if canceled {
		return ErrCanceled
	}

	r.transition(Verifying)
	if u.verify {
		if err := u.verifyRoot(r, m); err != nil {
			return err
		}
	}
	return nil
}

// sync applies pending actions with a bounded pool and reports whether
// the run was canceled before every action was attempted.
func (u *Updater) sync(ctx context.Context, r *Run, s Syncer, pending []manifest.Action, logger *slog.Logger) bool {
	// In-flight files run to completion even after cancellation
	work := context.WithoutCancel(ctx)

	results := make(chan outcome)
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for o := range results {
			completed, total, bytes := r.session.record(o.action, o.bytes, o.err)
			if o.err != nil {
				logger.Warn("file failed", "path", o.action.Path, "action", o.action.Kind.String(), "error", o.err)
				r.emit(Event{Type: EventFileFailed, Phase: Syncing, Path: o.action.Path, Reason: o.err.Error()})
			}
			if o.fellBack && o.err == nil {
				logger.Debug("file updated by full download after patch fallback", "path", o.action.Path)
			}
			r.emit(Event{Type: EventProgress, Phase: Syncing, Completed: completed, Total: total, Bytes: bytes, Path: o.action.Path})
		}
	}()

	g := new(errgroup.Group)
	g.SetLimit(u.workers)

	// g.Go blocks while the pool is full, so cancellation is checked again
	// once a slot frees up.
	var skipped atomic.Int64
	for _, wave := range waves(pending) {
		for _, a := range wave {
			if ctx.Err() != nil {
				skipped.Add(1)
				continue
			}
			g.Go(func() error {
				if ctx.Err() != nil {
					skipped.Add(1)
					return nil
				}
				results <- u.applyOne(work, r, s, a, logger)
				return nil
			})
		}
		_ = g.Wait()
	}
	close(results)
	<-collected

	if n := skipped.Load(); n > 0 {
		logger.Info("update canceled", "attempted", int64(len(pending))-n, "remaining", n)
		return true
	}
	return false
}

// waves splits pending actions into batches run one after another. Deletes
// of a file that a fetched path replaces with a directory, or that sit
// below a fetched path, go first; everything else runs in the second
// batch.
func waves(pending []manifest.Action) [][]manifest.Action {
	fetched := make(map[string]struct{})
	parents := make(map[string]struct{})
	for _, a := range pending {
		if a.Kind != manifest.FetchFull && a.Kind != manifest.FetchPatch {
			continue
		}
		p := strings.ToLower(a.Path)
		fetched[p] = struct{}{}
		for _, dir := range manifest.Parents(p) {
			parents[dir] = struct{}{}
		}
	}

	conflicts := func(a manifest.Action) bool {
		p := strings.ToLower(a.Path)
		if _, ok := parents[p]; ok {
			return true
		}
		for _, dir := range manifest.Parents(p) {
			if _, ok := fetched[dir]; ok {
				return true
			}
		}
		return false
	}

	var first, rest []manifest.Action
	for _, a := range pending {
		if a.Kind == manifest.Delete && conflicts(a) {
			first = append(first, a)
		} else {
			rest = append(rest, a)
		}
	}
	if len(first) == 0 {
		return [][]manifest.Action{rest}
	}
	return [][]manifest.Action{first, rest}
}

// applyOne runs an action, falling back from a patch to a full download
// at most once.
func (u *Updater) applyOne(ctx context.Context, r *Run, s Syncer, a manifest.Action, logger *slog.Logger) outcome {
	res, err := s.Apply(ctx, a)
	o := outcome{action: a, bytes: res.Bytes, err: err}

	if err != nil && a.Kind == manifest.FetchPatch && filesync.ShouldFallback(err) {
		logger.Info("patch unusable, downloading full file", "path", a.Path, "reason", err)
		r.message(fmt.Sprintf("Patch for %s could not be applied, downloading the full file", a.Path))

		full := a.Fallback()
		res, err = s.Apply(ctx, full)
		o.bytes += res.Bytes
		o.err = err
		o.fellBack = true
		if err != nil {
			o.action = full
		}
	}
	return o
}

// verifyRoot re-plans against the fetched manifest; anything still
// pending that has not already failed is recorded as a failure.
func (u *Updater) verifyRoot(r *Run, m *manifest.Manifest) error {
	actions, err := u.planner.Plan(r.Root, m)
	if err != nil {
		return err
	}

	failed := make(map[string]struct{})
	for _, f := range r.session.failures() {
		failed[f.Action.Path] = struct{}{}
	}
	for _, a := range manifest.Pending(actions) {
		if _, ok := failed[a.Path]; ok {
			continue
		}
		err := fmt.Errorf("%w: %s", ErrNotVerified, a.Kind)
		r.session.fail(a, err)
		r.emit(Event{Type: EventFileFailed, Phase: Verifying, Path: a.Path, Reason: err.Error()})
	}
	return nil
}

// Run is a handle on one update run
type Run struct {
	ID          string
	Root        string
	ManifestURL string
	Started     time.Time

	session session
	events  *eventQueue
	cancel  context.CancelFunc
	done    chan struct{}

	mu     sync.Mutex
	result Result
}

// Events returns the run's event stream, starting with the first event of
// the run even when called late. Events arrive in order and the channel
// is closed after EventFinished. Once requested, the stream must be
// drained; a run whose events are never requested holds no goroutine.
func (r *Run) Events() <-chan Event {
	return r.events.stream()
}

// Cancel stops the run between actions. Files already being written are
// finished; the run then ends Failed with ErrCanceled.
func (r *Run) Cancel() {
	r.cancel()
}

// Done is closed when the run reaches a terminal phase
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run ends and returns its result
func (r *Run) Wait() Result {
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

// Phase returns the current phase
func (r *Run) Phase() Phase {
	return r.session.getPhase()
}

// Status returns a snapshot of the run, final once Done is closed
func (r *Run) Status() Result {
	select {
	case <-r.done:
		return r.Wait()
	default:
	}
	res := Result{ID: r.ID, Root: r.Root, ManifestURL: r.ManifestURL, Started: r.Started}
	r.session.snapshot(&res)
	return res
}

func (r *Run) setResult(res Result) {
	r.mu.Lock()
	r.result = res
	r.mu.Unlock()
	r.cancel()
}

func (r *Run) emit(ev Event) {
	ev.RunID = r.ID
	r.events.push(ev)
}

func (r *Run) transition(p Phase) {
	r.session.setPhase(p)
	r.emit(Event{Type: EventPhase, Phase: p})
}

func (r *Run) message(msg string) {
	r.emit(Event{Type: EventMessage, Phase: r.session.getPhase(), Message: msg})
}
