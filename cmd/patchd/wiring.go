package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/afero"

	"github.com/schaermu/patchd/internal/config"
	"github.com/schaermu/patchd/internal/fetch"
	"github.com/schaermu/patchd/internal/gameproc"
	"github.com/schaermu/patchd/internal/manifest"
	filesync "github.com/schaermu/patchd/internal/sync"
	"github.com/schaermu/patchd/internal/update"
)

// newPlanner builds the manifest planner for cfg
func newPlanner(cfg *config.Config, fs afero.Fs, client *fetch.Client, logger *slog.Logger) (*manifest.Planner, error) {
	opts := []manifest.FetcherOption{manifest.WithMaxSize(cfg.Manifest.MaxSize)}
	if cfg.HasKeyring() {
		keyring, err := manifest.LoadKeyring(fs, cfg.Manifest.KeyringFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load manifest keyring: %w", err)
		}
		opts = append(opts, manifest.WithKeyring(keyring))
	}

	var exclude []string
	if rel := cfg.StagingExclude(); rel != "" {
		exclude = append(exclude, rel)
	}

	return manifest.NewPlanner(
		manifest.NewFetcher(client, logger, opts...),
		fs,
		manifest.PlanOptions{
			ScanOptions: manifest.ScanOptions{Exclude: exclude, Keep: cfg.Install.Keep},
			Prune:       cfg.PruneEnabled(),
		},
		logger,
	), nil
}

func newClient(cfg *config.Config, logger *slog.Logger) *fetch.Client {
	return fetch.New(
		fetch.WithTimeout(time.Duration(cfg.Sync.Timeout)),
		fetch.WithRetries(cfg.RetryCount()),
		fetch.WithUserAgent(cfg.Sync.UserAgent),
		fetch.WithLogger(logger),
	)
}

// newUpdater wires the orchestrator for cfg on fs
func newUpdater(cfg *config.Config, fs afero.Fs, logger *slog.Logger) (*update.Updater, error) {
	client := newClient(cfg, logger)
	planner, err := newPlanner(cfg, fs, client, logger)
	if err != nil {
		return nil, err
	}

	staging := cfg.StagingDir()
	newSyncer := func(root string) update.Syncer {
		return filesync.New(fs, root, staging, client, logger)
	}

	opts := []update.Option{
		update.WithWorkers(cfg.Sync.Workers),
		update.WithVerify(cfg.Sync.Verify),
	}
	if len(cfg.Game.ProcessNames) > 0 {
		opts = append(opts, update.WithGate(gameproc.New(cfg.Game.ProcessNames)))
	}

	return update.New(planner, newSyncer, logger, opts...), nil
}
