// Package gameproc detects running game processes so files are not
// replaced underneath them.
package gameproc

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
)

// Proc is a running process
type Proc struct {
	PID  int32
	Name string
}

func (p Proc) String() string {
	return fmt.Sprintf("%s (pid %d)", p.Name, p.PID)
}

// Detector matches running processes against a set of executable names
type Detector struct {
	names map[string]struct{}
	list  func(ctx context.Context) ([]Proc, error)
	self  int32
}

// New creates a Detector for the given executable names. Matching ignores
// case and a trailing ".exe".
func New(names []string) *Detector {
	d := &Detector{
		names: make(map[string]struct{}, len(names)),
		list:  listProcesses,
		self:  int32(os.Getpid()),
	}
	for _, n := range names {
		if n = normalize(n); n != "" {
			d.names[n] = struct{}{}
		}
	}
	return d
}

func normalize(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.TrimSuffix(name, ".exe")
}

// Running returns the matching processes
func (d *Detector) Running(ctx context.Context) ([]Proc, error) {
	if len(d.names) == 0 {
		return nil, nil
	}

	procs, err := d.list(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("process detection cancelled: %w", ctx.Err())
		}
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}

	var out []Proc
	for _, p := range procs {
		if p.PID == d.self {
			continue
		}
		if _, ok := d.names[normalize(p.Name)]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// Blockers describes the matching processes
func (d *Detector) Blockers(ctx context.Context) ([]string, error) {
	procs, err := d.Running(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(procs))
	for _, p := range procs {
		out = append(out, p.String())
	}
	return out, nil
}

func listProcesses(ctx context.Context) ([]Proc, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]Proc, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			// exited while listing, or not ours to inspect
			continue
		}
		out = append(out, Proc{PID: p.Pid, Name: name})
	}
	return out, nil
}
