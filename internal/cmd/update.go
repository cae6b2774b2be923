package cmd

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/adamancini/spool/internal/apply"
	"github.com/adamancini/spool/internal/distrib"
	"github.com/adamancini/spool/internal/interactive"
	"github.com/adamancini/spool/internal/plan"
)

// stdinIsTerminal is replaced in tests.
var stdinIsTerminal = interactive.IsTerminal

func (a *app) snapshotURL(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	if a.settings.Update.URL != "" {
		return a.settings.Update.URL, nil
	}
	return "", errors.New("no snapshot URL: pass one as an argument or set update.url")
}

func (a *app) newUpdateCmd() *cobra.Command {
	var interactiveMode bool

	cmd := &cobra.Command{
		Use:   "update [snapshot-url]",
		Short: "Update the launcher directory from a snapshot archive",
		Long: `Update downloads a zip or tar.gz snapshot of the launcher, removes files
that are no longer shipped, writes the new ones and swaps the running
binary last. Preserved entries (launcher_data.json, logs, ...) are never
touched.

If the update fails part-way the files already written stay in place and
the exit status is 4; run update again to finish. Interrupting before the
cleaning stage leaves the directory untouched.

Examples:
  spool update https://example.com/launcher-latest.zip
  spool update --interactive          # uses update.url from the config
  spool plan                          # preview without changing anything`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			url, err := a.snapshotURL(args)
			if err != nil {
				return err
			}

			if !cmd.Flags().Changed("interactive") {
				interactiveMode = a.settings.Update.Interactive
			}
			var extra []distrib.Option
			if interactiveMode {
				if !stdinIsTerminal() {
					return errors.New("--interactive requires a terminal")
				}
				prompter := interactive.NewPrompterWithIO(cmd.InOrStdin(), cmd.ErrOrStderr())
				extra = append(extra, distrib.WithConfirm(prompter.PromptForSelection))
			}

			svc, err := a.service(cmd.Context(), extra...)
			if err != nil {
				return err
			}
			res, err := svc.StartUpdate(cmd.Context(), url).Wait()
			if errors.Is(err, distrib.ErrDeclined) {
				fmt.Fprintln(cmd.ErrOrStderr(), "Update declined. No changes made.")
				return nil
			}
			var partial *apply.PartialApplyError
			if errors.As(err, &partial) {
				a.logger.Error("update stopped part-way",
					"state", partial.State,
					"done", len(partial.Completed),
					"remaining", len(partial.Remaining))
				if !a.out.Structured() {
					fmt.Fprintln(cmd.ErrOrStderr(), "Not applied:")
					printPlanText(cmd.ErrOrStderr(), partial.RetryPlan())
				}
			}
			if err != nil {
				return err
			}

			if a.out.Structured() {
				return a.out.Write(res)
			}
			printUpdateText(cmd.OutOrStdout(), res)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&interactiveMode, "interactive", "i", false, "Confirm each change before applying")

	return cmd
}

func printUpdateText(w io.Writer, res *distrib.UpdateResult) {
	r := res.Report
	fmt.Fprintf(w, "Updated from %s\n", res.Source)
	if r == nil {
		return
	}
	if len(r.Written) > 0 {
		fmt.Fprintf(w, "Written: %d\n", len(r.Written))
	}
	if len(r.Removed) > 0 {
		fmt.Fprintf(w, "Removed: %d\n", len(r.Removed))
	}
	if len(r.Skipped) > 0 {
		fmt.Fprintf(w, "Skipped: %d\n", len(r.Skipped))
	}
	if len(r.Deferred) > 0 {
		fmt.Fprintln(w, "\nReplaced running binary (old copy is removed on next start):")
		for _, p := range r.Deferred {
			fmt.Fprintf(w, "  - %s\n", p)
		}
	}
}

func printPlanText(w io.Writer, p *plan.Plan) {
	if len(p.Ops) == 0 {
		fmt.Fprintln(w, "Nothing to do.")
		return
	}
	for _, op := range p.Ops {
		fmt.Fprintf(w, "  %s\n", op)
	}
	write, remove, skip := p.Summary()
	fmt.Fprintf(w, "\n%d to write, %d to remove, %d skipped\n", write, remove, skip)
}

func (a *app) newPlanCmd() *cobra.Command {
	var detailedExitCode bool

	cmd := &cobra.Command{
		Use:   "plan [snapshot-url]",
		Short: "Show what update would change",
		Long: `Plan downloads and extracts the snapshot and prints the operations
update would perform. Nothing in the install directory changes.

With --detailed-exitcode the exit status is 2 when the plan has changes.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			url, err := a.snapshotURL(args)
			if err != nil {
				return err
			}
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			p, err := svc.PlanUpdate(cmd.Context(), url)
			if err != nil {
				return err
			}

			if a.out.Structured() {
				if err := a.out.Write(p); err != nil {
					return err
				}
			} else {
				printPlanText(cmd.OutOrStdout(), p)
			}

			if detailedExitCode && p.HasChanges() {
				cmd.SilenceErrors = true
				return &ExitError{Code: ExitChanges}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&detailedExitCode, "detailed-exitcode", false, "Exit 2 when the plan has changes")

	return cmd
}

func (a *app) newRecoverCmd() *cobra.Command {
	var breakLock bool

	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Finish or roll back an interrupted update",
		Long: `Every spool command settles the install directory before it runs:
leftover temporary files are removed and an interrupted binary swap is
completed or rolled back. Recover does only that and reports the result.

A lock left by a spool process that has exited on this host is taken
over automatically. --break-lock removes any lock, including one from
another host; use it only when no other spool process works on the
directory.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := a.settings.InstallDir
			if breakLock {
				owner, err := apply.ReadLock(dir, "")
				if err != nil {
					a.logger.Warn("lock file is unreadable, removing it", "err", err)
				}
				if owner != nil {
					a.logger.Warn("breaking lock", "pid", owner.PID, "host", owner.Host, "since", owner.AcquiredAt)
				}
				if err := apply.BreakLock(dir, ""); err != nil {
					return err
				}
				// temp files were left alone while the lock existed
				if err := a.recover(); err != nil {
					return err
				}
			}

			rec := a.recovery
			if a.out.Structured() {
				return a.out.Write(rec)
			}
			w := cmd.OutOrStdout()
			if rec.Locked {
				fmt.Fprintln(w, "Install directory is locked by a running operation; nothing was changed.")
				return nil
			}
			if !rec.Changed() && rec.PendingSidecar == "" {
				fmt.Fprintln(w, "Install directory is consistent.")
				return nil
			}
			for _, p := range rec.SweptTemps {
				fmt.Fprintf(w, "- removed temporary file %s\n", p)
			}
			switch {
			case rec.RemovedSidecar:
				fmt.Fprintln(w, "- removed the previous launcher binary")
			case rec.CompletedSwap:
				fmt.Fprintln(w, "- completed the launcher binary swap")
			case rec.RestoredSidecar:
				fmt.Fprintln(w, "- restored the previous launcher binary")
			}
			if rec.PendingSidecar != "" {
				fmt.Fprintf(w, "- %s is still in use and will be removed on the next start\n", rec.PendingSidecar)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&breakLock, "break-lock", false, "Remove a stale install directory lock")

	return cmd
}
