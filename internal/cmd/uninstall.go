package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/adamancini/spool/internal/interactive"
)

func (a *app) newUninstallCmd() *cobra.Command {
	var (
		kind string
		yes  bool
	)

	cmd := &cobra.Command{
		Use:   "uninstall <project-id>",
		Short: "Remove an installed artifact",
		Long: `Uninstall removes the file recorded for a project and forgets it.
Only artifacts installed by spool can be removed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := a.kind(kind)
			if err != nil {
				return err
			}
			store, err := a.ledger(cmd.Context())
			if err != nil {
				return err
			}
			artifact, err := store.GetArtifact(cmd.Context(), args[0], k.String())
			if err != nil {
				return fmt.Errorf("%s (%s) is not installed: %w", args[0], k, err)
			}

			if !yes {
				prompter := interactive.NewPrompterWithIO(cmd.InOrStdin(), cmd.ErrOrStderr())
				if !prompter.Confirm("Remove %s (%s)?", artifact.Path, artifact.VersionNumber) {
					fmt.Fprintln(cmd.ErrOrStderr(), "Uninstall cancelled.")
					return nil
				}
			}

			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			report, err := svc.StartUninstall(cmd.Context(), args[0], k.String()).Wait()
			if err != nil {
				return err
			}

			if a.out.Structured() {
				return a.out.Write(report)
			}
			for _, p := range report.Removed {
				fmt.Fprintf(cmd.OutOrStdout(), "- %s\n", p)
			}
			for _, op := range report.Skipped {
				fmt.Fprintf(cmd.OutOrStdout(), "= %s (%s)\n", op.Path, op.Reason)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&kind, "kind", "k", "", "Artifact kind: mod, shader, resourcepack, modpack")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip confirmation prompt")

	return cmd
}

func (a *app) newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List installed artifacts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.ledger(cmd.Context())
			if err != nil {
				return err
			}
			artifacts, err := store.ListArtifacts(cmd.Context())
			if err != nil {
				return err
			}

			if a.out.Structured() {
				return a.out.Write(artifacts)
			}

			out := cmd.OutOrStdout()
			if len(artifacts) == 0 {
				fmt.Fprintln(out, "No artifacts installed.")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "Kind\tProject\tVersion\tPath\tInstalled")
			for _, art := range artifacts {
				version := art.VersionNumber
				if version == "" {
					version = art.ReleaseID
				}
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					art.Kind,
					art.ProjectID,
					version,
					art.Path,
					art.InstalledAt.Local().Format("2006-01-02 15:04:05"),
				)
			}
			return w.Flush()
		},
	}
}
