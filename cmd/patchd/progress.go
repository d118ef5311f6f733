package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/term"

	"github.com/schaermu/patchd/internal/update"
)

// renderer prints run events for a human. On a terminal progress redraws
// a single status line; elsewhere every attempted file gets its own line.
type renderer struct {
	out   io.Writer
	tty   bool
	width int
	dirty bool // a status line without trailing newline is on screen
}

func newRenderer(w io.Writer) *renderer {
	r := &renderer{out: w, width: 80}
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		r.tty = true
		if width, _, err := term.GetSize(int(f.Fd())); err == nil && width > 0 {
			r.width = width
		}
	}
	return r
}

func (r *renderer) handle(ev update.Event) {
	switch ev.Type {
	case update.EventPhase:
		if !ev.Phase.Terminal() {
			r.println(fmt.Sprintf("==> %s", ev.Phase))
		}
	case update.EventMessage:
		r.println(ev.Message)
	case update.EventFileFailed:
		r.println(fmt.Sprintf("FAILED %s: %s", ev.Path, ev.Reason))
	case update.EventProgress:
		line := fmt.Sprintf("[%*d/%d] %s  %s", digits(ev.Total), ev.Completed, ev.Total, humanize.Bytes(uint64(max(ev.Bytes, 0))), ev.Path)
		if r.tty {
			r.status(line)
		} else {
			r.println(line)
		}
	}
}

// summary prints the outcome of a finished run
func (r *renderer) summary(res update.Result) {
	elapsed := res.Finished.Sub(res.Started).Round(10 * time.Millisecond)
	switch {
	case res.Err == nil && res.Total == 0:
		r.println(fmt.Sprintf("Already up to date (version %s)", versionLabel(res.Version)))
	case res.Err == nil:
		r.println(fmt.Sprintf("Updated %d files to version %s, %s downloaded in %s",
			res.Total, versionLabel(res.Version), humanize.Bytes(uint64(max(res.Bytes, 0))), elapsed))
	default:
		r.println(fmt.Sprintf("Update failed after %s: %s", elapsed, res.Error))
		for _, f := range res.Failures {
			r.println(fmt.Sprintf("  %s: %v", f.Action.Path, f.Err))
		}
	}
}

func (r *renderer) status(line string) {
	if len(line) > r.width-1 {
		line = line[:r.width-1]
	}
	_, _ = fmt.Fprintf(r.out, "\r%s\x1b[K", line)
	r.dirty = true
}

func (r *renderer) println(line string) {
	if r.dirty {
		_, _ = fmt.Fprint(r.out, "\n")
		r.dirty = false
	}
	_, _ = fmt.Fprintln(r.out, strings.TrimRight(line, "\n"))
}

func digits(n int) int {
	return len(fmt.Sprint(n))
}

func versionLabel(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
