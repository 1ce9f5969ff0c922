// Command offline-core runs the offline content sync core: a control API
// server plus one-shot download, sync and maintenance commands.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/offlinekit/offline-core/internal/app"
	"github.com/offlinekit/offline-core/internal/config"
	"github.com/offlinekit/offline-core/internal/monitoring"
)

var version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "offline-core",
		Short:         "Offline content sync for downloaded tracks and collections",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.PersistentFlags().StringP("config", "c", "", "Configuration file (default: data dir settings.json)")
	cmd.PersistentFlags().BoolP("verbose", "v", false, "Verbose console logging")

	cmd.AddCommand(
		cmdServe(),
		cmdDownload(),
		cmdSync(),
		cmdPurge(),
		cmdList(),
	)
	return cmd
}

func cmdServe() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control API with scheduled sync",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if addr, _ := cmd.Flags().GetString("listen"); addr != "" {
				cfg.Server.ListenAddr = addr
			}

			logger, err := serveLogger(cmd, cfg)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(cfg, logger, version)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				a.Shutdown()
				return err
			}

			srv := a.Server()
			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe(cfg.Server.ListenAddr) }()

			select {
			case <-ctx.Done():
			case err = <-errCh:
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return errors.Join(err, srv.Shutdown(shutdownCtx), a.Shutdown())
		},
	}
	cmd.Flags().StringP("listen", "l", "", "Listen address (overrides server.listen_addr)")
	return cmd
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// serveLogger writes to the configured sink, or to the console with -v
func serveLogger(cmd *cobra.Command, cfg *config.Config) (*zap.Logger, error) {
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		return monitoring.NewCLILogger(true)
	}
	return monitoring.NewLogger(cfg.Logging.LogConfig())
}

// openApp builds and starts the core for a one-shot command
func openApp(cmd *cobra.Command) (*app.App, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	// One-shot commands never run the periodic schedule
	cfg.Sync.Enabled = false

	verbose, _ := cmd.Flags().GetBool("verbose")
	logger, err := monitoring.NewCLILogger(verbose)
	if err != nil {
		return nil, err
	}

	a, err := app.New(cfg, logger, version)
	if err != nil {
		return nil, err
	}
	if err := a.Start(cmd.Context()); err != nil {
		a.Shutdown()
		return nil, err
	}
	return a, nil
}
