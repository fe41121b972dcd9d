package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/watzon/forge/internal/config"
	"github.com/watzon/forge/internal/database"
	"github.com/watzon/forge/internal/deploy"
	"github.com/watzon/forge/internal/invocations"
)

const timeLayout = "2006-01-02 15:04:05"

var (
	functionsOwner string
	functionsJSON  bool
	historyLimit   int
	pruneOlderThan time.Duration
)

var functionsCmd = &cobra.Command{
	Use:     "functions",
	Aliases: []string{"fn"},
	Short:   "Inspect and manage deployed functions",
	Long: `Inspect and manage the functions stored in the local database.

Examples:
  forge functions list --owner acme
  forge functions stats <id>
  forge functions history <id> --limit 20
  forge functions delete <id>
  forge functions prune --older-than 168h`,
}

var functionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List deployed functions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(cfg, func(db *database.DB) error {
			return listFunctions(cmd.Context(), deploy.NewStore(db), functionsOwner, functionsJSON, cmd.OutOrStdout())
		})
	},
}

var functionsStatsCmd = &cobra.Command{
	Use:   "stats <id>",
	Short: "Show invocation statistics for a function",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(cfg, func(db *database.DB) error {
			return showStats(cmd.Context(), deploy.NewStore(db), invocations.NewStore(db), args[0], functionsJSON, cmd.OutOrStdout())
		})
	},
}

var functionsHistoryCmd = &cobra.Command{
	Use:   "history <id>",
	Short: "Show recent invocations of a function",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(cfg, func(db *database.DB) error {
			return showHistory(cmd.Context(), invocations.NewStore(db), args[0], historyLimit, cmd.OutOrStdout())
		})
	},
}

var functionsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a function and its invocation history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(cfg, func(db *database.DB) error {
			return deleteFunction(cmd.Context(), deploy.NewStore(db), invocations.NewStore(db), args[0], cmd.OutOrStdout())
		})
	},
}

var functionsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete invocation records older than a retention window",
	Long: `Delete invocation records older than --older-than. Defaults to the
recorder retention from the config.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		age := cfg.Recorder.Retention
		if cmd.Flags().Changed("older-than") {
			age = pruneOlderThan
		}
		if age <= 0 {
			return fmt.Errorf("retention must be positive")
		}
		return withDB(cfg, func(db *database.DB) error {
			deleted, err := invocations.NewStore(db).DeleteOlderThan(cmd.Context(), age)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d invocation record(s) older than %s\n", deleted, age)
			return nil
		})
	},
}

func init() {
	functionsListCmd.Flags().StringVar(&functionsOwner, "owner", "", "Only list functions of this owner")
	functionsListCmd.Flags().BoolVar(&functionsJSON, "json", false, "Print JSON")
	functionsStatsCmd.Flags().BoolVar(&functionsJSON, "json", false, "Print JSON")
	functionsHistoryCmd.Flags().IntVarP(&historyLimit, "limit", "n", invocations.DefaultListLimit, "Number of invocations to show")
	functionsPruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 0, "Delete records older than this duration")

	functionsCmd.AddCommand(functionsListCmd)
	functionsCmd.AddCommand(functionsStatsCmd)
	functionsCmd.AddCommand(functionsHistoryCmd)
	functionsCmd.AddCommand(functionsDeleteCmd)
	functionsCmd.AddCommand(functionsPruneCmd)
	rootCmd.AddCommand(functionsCmd)
}

func withDB(c *config.Config, fn func(*database.DB) error) error {
	db, err := database.Open(&c.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(db)
}

func listFunctions(ctx context.Context, store *deploy.Store, owner string, asJSON bool, out io.Writer) error {
	fns, err := store.List(ctx, owner)
	if err != nil {
		return err
	}

	if asJSON {
		return writeJSON(out, fns)
	}

	if len(fns) == 0 {
		fmt.Fprintln(out, "No functions deployed.")
		return nil
	}

	fmt.Fprintf(out, "%-28s %-12s %-20s %-8s %-7s %s\n", "ID", "OWNER", "NAME", "RUNTIME", "ACTIVE", "UPDATED")
	fmt.Fprintln(out, strings.Repeat("-", tableWidth+20))
	for _, fn := range fns {
		fmt.Fprintf(out, "%-28s %-12s %-20s %-8s %-7t %s\n",
			fn.ID, fn.OwnerID, fn.Name, fn.Runtime, fn.IsActive, fn.UpdatedAt.Local().Format(timeLayout))
	}
	return nil
}

func showStats(ctx context.Context, fns *deploy.Store, history *invocations.Store, id string, asJSON bool, out io.Writer) error {
	fn, err := fns.Get(ctx, id)
	if err != nil {
		return err
	}

	stats, err := history.Stats(ctx, id)
	if err != nil {
		return err
	}

	if asJSON {
		return writeJSON(out, map[string]any{
			"stats":        stats,
			"success_rate": stats.SuccessRate(),
		})
	}

	fmt.Fprintf(out, "Function:     %s (%s)\n", fn.Name, fn.ID)
	fmt.Fprintf(out, "Invocations:  %d\n", stats.TotalInvocations)
	fmt.Fprintf(out, "Succeeded:    %d\n", stats.SuccessfulInvocations)
	fmt.Fprintf(out, "Failed:       %d\n", stats.FailedInvocations)
	fmt.Fprintf(out, "Success rate: %.1f%%\n", stats.SuccessRate()*100)
	fmt.Fprintf(out, "Avg time:     %.2fms\n", stats.AvgExecutionTimeMs)
	fmt.Fprintf(out, "Avg memory:   %.2fMB\n", stats.AvgMemoryUsedMB)
	if stats.LastInvokedAt != nil {
		fmt.Fprintf(out, "Last invoked: %s\n", stats.LastInvokedAt.Local().Format(timeLayout))
	} else {
		fmt.Fprintln(out, "Last invoked: never")
	}
	for kind, n := range stats.FailuresByKind {
		fmt.Fprintf(out, "  %-18s %d\n", kind, n)
	}
	return nil
}

func showHistory(ctx context.Context, history *invocations.Store, id string, limit int, out io.Writer) error {
	records, err := history.List(ctx, invocations.ListOptions{FunctionID: id, Limit: limit})
	if err != nil {
		return err
	}

	if len(records) == 0 {
		fmt.Fprintln(out, "No invocations recorded.")
		return nil
	}

	fmt.Fprintf(out, "%-20s %-38s %-18s %-10s %s\n", "TIME", "INVOCATION", "OUTCOME", "DURATION", "MEMORY")
	fmt.Fprintln(out, strings.Repeat("-", tableWidth+20))
	for _, rec := range records {
		outcome := "success"
		if !rec.Success {
			outcome = string(rec.ErrorKind)
		}
		fmt.Fprintf(out, "%-20s %-38s %-18s %-10s %.2fMB\n",
			rec.CreatedAt.Local().Format(timeLayout),
			rec.InvocationID,
			outcome,
			fmt.Sprintf("%dms", rec.ExecutionTimeMs),
			rec.MemoryUsedMB)
		for _, line := range rec.Logs {
			fmt.Fprintf(out, "    | %s\n", line)
		}
	}
	return nil
}

func deleteFunction(ctx context.Context, fns *deploy.Store, history *invocations.Store, id string, out io.Writer) error {
	if err := fns.Delete(ctx, id); err != nil {
		return err
	}
	deleted, err := history.DeleteForFunction(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Deleted function %s (%d invocation record(s))\n", id, deleted)
	return nil
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
