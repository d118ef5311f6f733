package update

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/schaermu/patchd/internal/manifest"
)

// Failure is an action that could not be completed
type Failure struct {
	Action manifest.Action
	Err    error
}

// MarshalJSON renders the failure for status reports
func (f Failure) MarshalJSON() ([]byte, error) {
	reason := ""
	if f.Err != nil {
		reason = f.Err.Error()
	}
	return json.Marshal(struct {
		Path   string        `json:"path"`
		Kind   manifest.Kind `json:"kind"`
		URL    string        `json:"url,omitempty"`
		Reason string        `json:"reason"`
	}{
		Path:   f.Action.Path,
		Kind:   f.Action.Kind,
		URL:    f.Action.URL,
		Reason: reason,
	})
}

// Result summarizes a run that reached a terminal phase
type Result struct {
	ID          string    `json:"id"`
	Root        string    `json:"root"`
	ManifestURL string    `json:"manifest_url"`
	Version     string    `json:"version,omitempty"`
	Phase       Phase     `json:"phase"`
	Total       int       `json:"total"`
	Completed   int       `json:"completed"`
	Bytes       int64     `json:"bytes"`
	Failures    []Failure `json:"failures,omitempty"`
	Err         error     `json:"-"`
	Error       string    `json:"error,omitempty"`
	Started     time.Time `json:"started"`
	Finished    time.Time `json:"finished"`
}

// FailedPaths lists the paths of failed actions in failure order
func (r Result) FailedPaths() []string {
	out := make([]string, 0, len(r.Failures))
	for _, f := range r.Failures {
		out = append(out, f.Action.Path)
	}
	return out
}

// session is the mutable state of one run. The run goroutine and the
// progress collector write it; readers take snapshots.
type session struct {
	mu        sync.Mutex
	phase     Phase
	version   string
	actions   []manifest.Action
	completed int
	bytes     int64
	failed    []Failure
}

func (s *session) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

func (s *session) getPhase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *session) plan(version string, actions []manifest.Action) {
	s.mu.Lock()
	s.version = version
	s.actions = actions
	s.mu.Unlock()
}

// record accounts for one attempted action and returns the running totals
func (s *session) record(a manifest.Action, bytes int64, err error) (completed int, total int, sum int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed++
	s.bytes += bytes
	if err != nil {
		s.failed = append(s.failed, Failure{Action: a, Err: err})
	}
	return s.completed, len(s.actions), s.bytes
}

func (s *session) fail(a manifest.Action, err error) {
	s.mu.Lock()
	s.failed = append(s.failed, Failure{Action: a, Err: err})
	s.mu.Unlock()
}

func (s *session) failures() []Failure {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Failure(nil), s.failed...)
}

func (s *session) snapshot(r *Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.Phase = s.phase
	r.Version = s.version
	r.Total = len(s.actions)
	r.Completed = s.completed
	r.Bytes = s.bytes
	r.Failures = append([]Failure(nil), s.failed...)
}

// eventQueue delivers events in emission order without ever blocking the
// emitter. out is closed after the final event has been received. The
// pump only runs once someone asks for the stream.
type eventQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	closed bool
	seq    int64
	out    chan Event
	start  sync.Once
}

func newEventQueue() *eventQueue {
	q := &eventQueue{out: make(chan Event)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// stream starts delivery and returns the output channel
func (q *eventQueue) stream() <-chan Event {
	q.start.Do(func() {
		go q.pump()
	})
	return q.out
}

func (q *eventQueue) push(ev Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.seq++
	ev.Seq = q.seq
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	q.queue = append(q.queue, ev)
	q.cond.Signal()
}

func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Signal()
	q.mu.Unlock()
}

func (q *eventQueue) pump() {
	defer close(q.out)
	for {
		q.mu.Lock()
		for len(q.queue) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.queue) == 0 {
			q.mu.Unlock()
			return
		}
		ev := q.queue[0]
		q.queue = q.queue[1:]
		q.mu.Unlock()

		q.out <- ev
	}
}
