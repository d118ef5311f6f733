package manifest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/ProtonMail/go-crypto/openpgp" //nolint:staticcheck // ProtonMail's maintained fork

	"github.com/schaermu/patchd/internal/fetch"
)

// DefaultMaxSize bounds the manifest document
const DefaultMaxSize int64 = 16 << 20

// maxSignatureSize bounds the detached signature download
const maxSignatureSize int64 = 64 << 10

// SignatureSuffix is appended to the manifest URL to locate its signature
const SignatureSuffix = ".sig"

// Getter is the transport the fetcher needs
type Getter interface {
	Get(ctx context.Context, url string, limit int64) ([]byte, error)
}

// Fetcher retrieves and parses manifest documents
type Fetcher struct {
	client  Getter
	keyring openpgp.KeyRing
	maxSize int64
	logger  *slog.Logger
}

// FetcherOption configures a Fetcher
type FetcherOption func(*Fetcher)

// WithKeyring requires a valid detached signature at <url>.sig
func WithKeyring(k openpgp.KeyRing) FetcherOption {
	return func(f *Fetcher) {
		f.keyring = k
	}
}

// WithMaxSize overrides DefaultMaxSize
func WithMaxSize(n int64) FetcherOption {
	return func(f *Fetcher) {
		if n > 0 {
			f.maxSize = n
		}
	}
}

// NewFetcher creates a Fetcher
func NewFetcher(client Getter, logger *slog.Logger, opts ...FetcherOption) *Fetcher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	f := &Fetcher{
		client:  client,
		maxSize: DefaultMaxSize,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch downloads, optionally verifies, and parses the manifest at url
func (f *Fetcher) Fetch(ctx context.Context, url string) (*Manifest, error) {
	f.logger.Debug("fetching manifest", "url", url)

	data, err := f.client.Get(ctx, url, f.maxSize)
	if err != nil {
		return nil, f.fail(ctx, url, err)
	}

	if f.keyring != nil {
		sigURL := url + SignatureSuffix
		sig, err := f.client.Get(ctx, sigURL, maxSignatureSize)
		if err != nil {
			return nil, f.fail(ctx, sigURL, err)
		}
		if err := VerifySignature(f.keyring, data, sig); err != nil {
			return nil, &FetchError{URL: url, Err: err}
		}
		f.logger.Debug("manifest signature verified", "url", url)
	}

	m, err := Parse(data)
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}

	f.logger.Info("manifest fetched", "url", url, "version", m.Version, "files", len(m.Files))
	return m, nil
}

func (f *Fetcher) fail(ctx context.Context, url string, err error) error {
	if ctx.Err() != nil {
		return &FetchError{URL: url, Err: ctx.Err()}
	}
	if errors.Is(err, fetch.ErrTooLarge) {
		return &FetchError{URL: url, Err: fmt.Errorf("%w: %w", ErrMalformedManifest, err)}
	}
	return &FetchError{URL: url, Err: fmt.Errorf("%w: %w", ErrUnreachable, err)}
}
