package manifest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/afero"

	"github.com/schaermu/patchd/internal/digest"
)

// Kind is the type of work planned for one file
type Kind int

const (
	// Skip means the local file already matches
	Skip Kind = iota
	// FetchFull downloads the whole file
	FetchFull
	// FetchPatch downloads a delta and applies it to the local file
	FetchPatch
	// Delete removes a file the manifest no longer lists
	Delete
)

func (k Kind) String() string {
	switch k {
	case Skip:
		return "skip"
	case FetchFull:
		return "fetch-full"
	case FetchPatch:
		return "fetch-patch"
	case Delete:
		return "delete"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// MarshalText implements encoding.TextMarshaler
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Action is the planned unit of work for one file. Actions are values and
// are not modified once planning completes.
type Action struct {
	Kind Kind   `json:"kind"`
	Path string `json:"path"`
	// URL is the object to download: the full file for FetchFull, the
	// patch container for FetchPatch.
	URL string `json:"url,omitempty"`
	// FullURL is the full-file URL, kept on FetchPatch for fallback
	FullURL string `json:"full_url,omitempty"`
	// Base is the digest the local file must still have for a patch to apply
	Base     digest.Digest `json:"base,omitempty"`
	Expected digest.Digest `json:"expected,omitempty"`
	// Size is the expected size of the resulting file
	Size int64 `json:"size,omitempty"`
	// Transfer is the expected download size, when known
	Transfer int64 `json:"transfer,omitempty"`
}

func (a Action) String() string {
	switch a.Kind {
	case FetchFull:
		return fmt.Sprintf("%s %s <- %s", a.Kind, a.Path, a.URL)
	case FetchPatch:
		return fmt.Sprintf("%s %s <- %s (base %s)", a.Kind, a.Path, a.URL, a.Base)
	default:
		return fmt.Sprintf("%s %s", a.Kind, a.Path)
	}
}

// Fallback converts a FetchPatch into the equivalent FetchFull. Other
// kinds are returned unchanged.
func (a Action) Fallback() Action {
	if a.Kind != FetchPatch {
		return a
	}
	return Action{
		Kind:     FetchFull,
		Path:     a.Path,
		URL:      a.FullURL,
		FullURL:  a.FullURL,
		Expected: a.Expected,
		Size:     a.Size,
		Transfer: a.Size,
	}
}

// Pending drops Skip actions
func Pending(actions []Action) []Action {
	out := make([]Action, 0, len(actions))
	for _, a := range actions {
		if a.Kind != Skip {
			out = append(out, a)
		}
	}
	return out
}

// PlanOptions controls planning
type PlanOptions struct {
	ScanOptions
	// Prune emits Delete actions for local files the manifest does not list
	Prune bool
}

// Plan compares m against the files under root. It only reads. Actions
// follow manifest order; Delete actions come last, sorted by path, so the
// same inputs always give the same list. Listed paths match local names
// case-insensitively, so a file differing only in case is never pruned.
func Plan(fs afero.Fs, root string, m *Manifest, opts PlanOptions) ([]Action, error) {
	actions := make([]Action, 0, len(m.Files))
	listed := make(map[string]struct{}, len(m.Files))

	for i := range m.Files {
		e := &m.Files[i]
		listed[strings.ToLower(e.Path)] = struct{}{}

		a, err := planEntry(fs, root, e)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}

	if !opts.Prune {
		return actions, nil
	}

	local, err := Scan(fs, root, opts.ScanOptions)
	if err != nil {
		return nil, err
	}
	for _, rel := range local {
		if _, ok := listed[strings.ToLower(rel)]; ok {
			continue
		}
		actions = append(actions, Action{Kind: Delete, Path: rel})
	}
	return actions, nil
}

func planEntry(fs afero.Fs, root string, e *Entry) (Action, error) {
	// Local state is hashed once per algorithm the entry mentions
	hashes := make(map[digest.Algorithm]LocalFile, 1)
	local := func(alg digest.Algorithm) (LocalFile, error) {
		if lf, ok := hashes[alg]; ok {
			return lf, nil
		}
		lf, err := Inspect(fs, root, e.Path, alg)
		if err != nil {
			return LocalFile{}, err
		}
		hashes[alg] = lf
		return lf, nil
	}

	lf, err := local(e.Hash.Algorithm)
	if err != nil {
		return Action{}, err
	}
	if lf.Hash.Equal(e.Hash) {
		return Action{Kind: Skip, Path: e.Path, Expected: e.Hash, Size: e.Size}, nil
	}

	if lf.Present() {
		for _, d := range e.Deltas() {
			base, err := local(d.From.Algorithm)
			if err != nil {
				return Action{}, err
			}
			if base.Hash.Equal(d.From) {
				return Action{
					Kind:     FetchPatch,
					Path:     e.Path,
					URL:      d.URL,
					FullURL:  e.URL,
					Base:     d.From,
					Expected: e.Hash,
					Size:     e.Size,
					Transfer: d.Size,
				}, nil
			}
		}
	}

	return Action{
		Kind:     FetchFull,
		Path:     e.Path,
		URL:      e.URL,
		FullURL:  e.URL,
		Expected: e.Hash,
		Size:     e.Size,
		Transfer: e.Size,
	}, nil
}

// Planner fetches a manifest and plans it against a local root
type Planner struct {
	fetcher *Fetcher
	fs      afero.Fs
	opts    PlanOptions
	logger  *slog.Logger
}

// NewPlanner creates a Planner
func NewPlanner(fetcher *Fetcher, fs afero.Fs, opts PlanOptions, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Planner{fetcher: fetcher, fs: fs, opts: opts, logger: logger}
}

// FetchAndPlan retrieves the manifest at url and plans it against root
func (p *Planner) FetchAndPlan(ctx context.Context, root, url string) (*Manifest, []Action, error) {
	m, err := p.fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, nil, err
	}

	actions, err := p.Plan(root, m)
	if err != nil {
		return nil, nil, err
	}

	counts := make(map[Kind]int, 4)
	for _, a := range actions {
		counts[a.Kind]++
	}
	p.logger.Info("update plan",
		"root", root,
		"skip", counts[Skip],
		"full", counts[FetchFull],
		"patch", counts[FetchPatch],
		"delete", counts[Delete])

	return m, actions, nil
}

// Plan plans an already fetched manifest against root
func (p *Planner) Plan(root string, m *Manifest) ([]Action, error) {
	return Plan(p.fs, root, m, p.opts)
}
