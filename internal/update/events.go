package update

import (
	"fmt"
	"time"
)

// Phase is a state of the update state machine
type Phase int

const (
	Idle Phase = iota
	Planning
	Syncing
	Verifying
	Complete
	Failed
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Planning:
		return "planning"
	case Syncing:
		return "syncing"
	case Verifying:
		return "verifying"
	case Complete:
		return "complete"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Terminal reports whether no further transitions follow
func (p Phase) Terminal() bool {
	return p == Complete || p == Failed
}

// MarshalText implements encoding.TextMarshaler
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// EventType discriminates Event
type EventType int

const (
	// EventStarted is the first event of every run
	EventStarted EventType = iota
	// EventPhase reports a state transition
	EventPhase
	// EventProgress follows every attempted action
	EventProgress
	// EventFileFailed reports an action that failed permanently
	EventFileFailed
	// EventMessage carries human readable status text
	EventMessage
	// EventFinished is the last event of every run
	EventFinished
)

func (t EventType) String() string {
	switch t {
	case EventStarted:
		return "started"
	case EventPhase:
		return "phase"
	case EventProgress:
		return "progress"
	case EventFileFailed:
		return "file_failed"
	case EventMessage:
		return "message"
	case EventFinished:
		return "finished"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// MarshalText implements encoding.TextMarshaler
func (t EventType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Event is one notification from a run to its caller. Seq increases by one
// per event within a run.
type Event struct {
	Type  EventType `json:"type"`
	RunID string    `json:"run_id"`
	Seq   int64     `json:"seq"`
	Time  time.Time `json:"time"`
	Phase Phase     `json:"phase"`

	// Progress
	Completed int   `json:"completed,omitempty"`
	Total     int   `json:"total,omitempty"`
	Bytes     int64 `json:"bytes,omitempty"`

	// FileFailed
	Path   string `json:"path,omitempty"`
	Reason string `json:"reason,omitempty"`

	// Message
	Message string `json:"message,omitempty"`

	// Finished
	Failed []string `json:"failed,omitempty"`
}
