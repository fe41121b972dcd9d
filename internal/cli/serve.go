package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/watzon/forge/internal/config"
	"github.com/watzon/forge/internal/database"
	"github.com/watzon/forge/internal/server"
)

const shutdownTimeout = 30 * time.Second

var (
	servePort  int
	serveHost  string
	serveWatch string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the function server",
	Long: `Start the Forge HTTP server.

The server will:
  - Open (and migrate) the SQLite database
  - Compile and cache deployed functions on first invocation
  - Record every invocation in the background
  - Optionally deploy and watch a directory of function manifests

Use --watch <dir> to deploy manifests from a directory and redeploy them
when their files change.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", config.DefaultPort, "Port to listen on")
	serveCmd.Flags().StringVar(&serveHost, "host", config.DefaultHost, "Host to bind to")
	serveCmd.Flags().StringVar(&serveWatch, "watch", "", "Deploy and watch function manifests under this directory")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	applyServeFlags(cmd, cfg)

	db, err := database.Open(&cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	srv, err := server.New(ctx, cfg, db, server.WithVersion(version))
	if err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case <-sigChan:
			log.Info().Msg("Shutdown signal received")
		case <-ctx.Done():
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Error during shutdown")
		}
	}()

	if err := srv.Start(ctx); err != nil {
		log.Error().Err(err).Msg("Server error")
		cancel()
		_ = srv.Shutdown(context.Background())
		return err
	}
	return nil
}

func applyServeFlags(cmd *cobra.Command, c *config.Config) {
	if cmd.Flags().Changed("port") {
		c.Server.Port = servePort
	}
	if cmd.Flags().Changed("host") {
		c.Server.Host = serveHost
	}
	if serveWatch != "" {
		c.Watch.Enabled = true
		c.Watch.Path = serveWatch
	}
}
