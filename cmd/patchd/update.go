package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/schaermu/patchd/internal/manifest"
	"github.com/schaermu/patchd/internal/update"
)

var (
	verifyFlag bool
	jsonOutput bool
	showAll    bool
)

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Bring the installation up to date with the published manifest",
	Long: `Update fetches the manifest, compares every listed file with the local
installation and downloads or patches whatever differs. Files the manifest
no longer lists are removed unless pruning is disabled.

Interrupting the command lets files that are being written finish and then
stops; the installation stays consistent and the next update resumes.`,
	RunE: runUpdate,
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show what an update would do without changing anything",
	RunE:  runPlan,
}

func init() {
	updateCmd.Flags().BoolVar(&verifyFlag, "verify", false, "re-check every file against the manifest after syncing")
	planCmd.Flags().BoolVar(&jsonOutput, "json", false, "print the plan as JSON")
	planCmd.Flags().BoolVar(&showAll, "all", false, "include files that are already up to date")
}

func runUpdate(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	// Setup logger
	logger := setupLogger()

	// Load configuration
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if verifyFlag {
		cfg.Sync.Verify = true
	}

	updater, err := newUpdater(cfg, afero.NewOsFs(), logger)
	if err != nil {
		return err
	}

	run, err := updater.Start(ctx, update.Request{Root: cfg.Install.Root, ManifestURL: cfg.Manifest.URL})
	if err != nil {
		return err
	}

	r := newRenderer(cmd.OutOrStdout())
	for ev := range run.Events() {
		r.handle(ev)
	}
	res := run.Wait()
	r.summary(res)

	return res.Err
}

func runPlan(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fs := afero.NewOsFs()
	planner, err := newPlanner(cfg, fs, newClient(cfg, logger), logger)
	if err != nil {
		return err
	}

	m, actions, err := planner.FetchAndPlan(ctx, cfg.Install.Root, cfg.Manifest.URL)
	if err != nil {
		return err
	}

	shown := actions
	if !showAll {
		shown = manifest.Pending(actions)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Version string            `json:"version,omitempty"`
			Actions []manifest.Action `json:"actions"`
		}{Version: m.Version, Actions: shown})
	}

	var transfer int64
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, a := range shown {
		size := ""
		if a.Transfer > 0 {
			size = humanize.Bytes(uint64(a.Transfer))
			transfer += a.Transfer
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", a.Kind, a.Path, size)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	pending := len(manifest.Pending(actions))
	_, _ = fmt.Fprintf(out, "\nVersion %s: %d of %d actions pending, about %s to download\n",
		versionLabel(m.Version), pending, len(actions), humanize.Bytes(uint64(transfer)))
	return nil
}
