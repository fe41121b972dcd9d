package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/watzon/forge/internal/config"
	"github.com/watzon/forge/internal/database"
	"github.com/watzon/forge/internal/functions"
	"github.com/watzon/forge/internal/server"
)

// Table formatting constants.
const (
	tableWidth     = 80
	hashDisplayLen = 12
)

var deployOwner string

var deployCmd = &cobra.Command{
	Use:   "deploy <dir|manifest.yaml>",
	Short: "Deploy functions from manifests",
	Long: `Deploy functions described by manifest.yaml files into the local
database.

Given a directory, every immediate subdirectory containing a manifest is
deployed. Given a manifest file, only that function is deployed. A function
that already exists for the owner is redeployed in place and keeps its id.

Examples:
  forge deploy ./functions
  forge deploy ./functions/hello/manifest.yaml --owner acme`,
	Args: cobra.ExactArgs(1),
	RunE: runDeploy,
}

func init() {
	deployCmd.Flags().StringVar(&deployOwner, "owner", "", "Owner of the deployed functions (default from watch.owner)")

	rootCmd.AddCommand(deployCmd)
}

func runDeploy(cmd *cobra.Command, args []string) error {
	if deployOwner != "" {
		cfg.Watch.Owner = deployOwner
	}

	failed, err := deployPath(cmd.Context(), cfg, args[0], cmd.OutOrStdout())
	if err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d function(s) failed to deploy", failed)
	}
	return nil
}

// deployPath deploys the manifest or manifest directory at path and writes
// a summary table to out. It returns how many manifests failed.
func deployPath(ctx context.Context, c *config.Config, path string, out io.Writer) (int, error) {
	manifests, err := collectManifests(path)
	if err != nil {
		return 0, err
	}
	if len(manifests) == 0 {
		fmt.Fprintf(out, "No manifests found in %s\n", path)
		return 0, nil
	}

	return withComponents(ctx, c, func(comps *server.Components) (int, error) {
		fmt.Fprintf(out, "%-24s %-28s %-14s %s\n", "NAME", "ID", "DIGEST", "STATUS")
		fmt.Fprintln(out, strings.Repeat("-", tableWidth))

		failed := 0
		for _, m := range manifests {
			fn, err := comps.Deploys.DeployManifest(ctx, m)
			if err != nil {
				failed++
				log.Debug().Err(err).Str("function", m.Name).Msg("Manifest deploy failed")
				fmt.Fprintf(out, "%-24s %-28s %-14s failed: %v\n", m.Name, "-", "-", err)
				continue
			}
			fmt.Fprintf(out, "%-24s %-28s %-14s deployed\n", fn.Name, fn.ID, truncateHash(fn.CodeDigest))
		}
		return failed, nil
	})
}

// collectManifests loads a single manifest file or discovers the manifests
// under a directory.
func collectManifests(path string) ([]*functions.Manifest, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	if !info.IsDir() {
		m, err := functions.LoadManifest(path)
		if err != nil {
			return nil, err
		}
		return []*functions.Manifest{m}, nil
	}

	if _, err := os.Stat(filepath.Join(path, functions.ManifestFile)); err == nil {
		m, err := functions.LoadManifest(filepath.Join(path, functions.ManifestFile))
		if err != nil {
			return nil, err
		}
		return []*functions.Manifest{m}, nil
	}

	return functions.DiscoverManifests(path)
}

// withComponents opens the database and the execution stack for the
// duration of fn.
func withComponents[T any](ctx context.Context, c *config.Config, fn func(*server.Components) (T, error)) (T, error) {
	var zero T

	db, err := database.Open(&c.Database)
	if err != nil {
		return zero, err
	}
	defer db.Close()

	comps, err := server.NewComponents(ctx, c, db)
	if err != nil {
		return zero, err
	}
	defer comps.Close(ctx)

	return fn(comps)
}

func truncateHash(hash string) string {
	if len(hash) > hashDisplayLen {
		return hash[:hashDisplayLen]
	}
	return hash
}
