package main

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/schaermu/patchd/internal/activation"
	"github.com/schaermu/patchd/internal/control"
)

// controlSocketName is the FileDescriptorName of the activated socket
const controlSocketName = "patchd-control"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the control server",
	Long: `Serve starts a long-running HTTP server that updates the installation when
the release pipeline posts a signed publish notification. Local tools can
start, cancel and watch updates through the same server.

The listening socket is taken from systemd socket activation when present,
otherwise serve.listen_addr is used.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if !cfg.Serve.Enabled {
		return fmt.Errorf("serve.enabled is false in the configuration")
	}

	updater, err := newUpdater(cfg, afero.NewOsFs(), logger)
	if err != nil {
		return err
	}

	server, err := control.NewServer(cfg, updater, logger)
	if err != nil {
		return err
	}

	ln, activated, err := activation.Listen(controlSocketName, cfg.Serve.ListenAddr)
	if err != nil {
		return err
	}
	if activated {
		logger.Info("using systemd activated socket", "addr", ln.Addr().String())
	}

	return server.Serve(ctx, ln)
}
