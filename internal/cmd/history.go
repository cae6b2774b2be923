package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func (a *app) newHistoryCmd() *cobra.Command {
	var (
		limit int
		prune bool
		keep  int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent install, uninstall and update runs",
		Long: `History lists the runs recorded in the install directory's ledger,
newest first. Update and install prune old runs automatically; --prune
does it on demand.

Examples:
  spool history                 # last 20 runs
  spool history --limit 0       # every run
  spool history --prune --keep 5`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.ledger(cmd.Context())
			if err != nil {
				return err
			}

			if prune {
				if !cmd.Flags().Changed("keep") {
					keep = a.settings.Ledger.KeepRuns
				}
				result, err := store.PruneRuns(cmd.Context(), keep)
				if err != nil {
					return err
				}
				if a.out.Structured() {
					return a.out.Write(result)
				}
				out := cmd.OutOrStdout()
				if len(result.Deleted) == 0 {
					fmt.Fprintf(out, "No runs to prune. Keeping %d runs.\n", result.Kept)
					return nil
				}
				fmt.Fprintf(out, "Pruned %d run(s), keeping %d:\n", len(result.Deleted), result.Kept)
				for _, r := range result.Deleted {
					fmt.Fprintf(out, "  - %s %s (%s)\n", r.ID, r.Operation, r.StartedAt.Local().Format("2006-01-02 15:04:05"))
				}
				return nil
			}

			runs, err := store.Runs(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if a.out.Structured() {
				return a.out.Write(runs)
			}

			out := cmd.OutOrStdout()
			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs recorded.")
				fmt.Fprintf(out, "Ledger: %s\n", store.Path())
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "Started\tOperation\tSource\tState\tWritten\tRemoved\tSkipped\tError")
			for _, r := range runs {
				errMsg := r.Error
				if errMsg == "" {
					errMsg = "-"
				}
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
					r.StartedAt.Local().Format("2006-01-02 15:04:05"),
					r.Operation,
					r.Source,
					r.State,
					r.Written,
					r.Removed,
					r.Skipped,
					truncate(errMsg, descriptionWidth),
				)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of runs to show (0 for all)")
	cmd.Flags().BoolVar(&prune, "prune", false, "Delete old runs instead of listing")
	cmd.Flags().IntVar(&keep, "keep", 0, "Runs to keep when pruning (default: ledger.keep_runs)")

	return cmd
}
