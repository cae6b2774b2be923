package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/adamancini/spool/internal/apply"
	"github.com/adamancini/spool/internal/config"
	"github.com/adamancini/spool/internal/templates"
)

func (a *app) newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect spool configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the resolved settings",
		Long: `Show prints the settings after defaults, the config file, SPOOL_*
environment variables and flags have been applied.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s := a.settings
			if a.out.Structured() {
				return a.out.Write(s)
			}
			w := cmd.OutOrStdout()
			file := s.File
			if file == "" {
				file = "(none)"
			}
			self := s.SelfPath
			if self == "" {
				self = "(outside install dir)"
			}
			fmt.Fprintf(w, "Config file:  %s\n", file)
			fmt.Fprintf(w, "Install dir:  %s\n", s.InstallDir)
			fmt.Fprintf(w, "Launcher:     %s\n", self)
			fmt.Fprintf(w, "Preserve:     %s\n", strings.Join(s.Preserve, ", "))
			fmt.Fprintf(w, "Registry:     %s\n", s.Registry.BaseURL)
			fmt.Fprintf(w, "Fetch:        timeout %s, max %d bytes\n", s.Fetch.Timeout, s.Fetch.MaxBytes)
			fmt.Fprintf(w, "Ledger:       %s (keep %d runs)\n", s.Ledger.Path, s.Ledger.KeepRuns)
			fmt.Fprintf(w, "Preferences:  %s\n", s.Prefs.Path)
			if s.Update.URL != "" {
				fmt.Fprintf(w, "Update URL:   %s\n", s.Update.URL)
			}
			return nil
		},
	})
	cmd.AddCommand(newConfigInitCmd())
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var (
		templateName string
		outputPath   string
		force        bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a config file from a template",
		Long: `Init writes a starter config file. The default location is
$XDG_CONFIG_HOME/spool/config.<format>, which spool reads automatically.

Examples:
  spool config init                      # minimal template
  spool config init --template full
  spool config init --template server --path ./spool.toml`,
		Annotations: map[string]string{annotationSkipSetup: "true"},
		Args:        cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tmpl, err := templates.Get(templateName)
			if err != nil {
				return err
			}

			if outputPath == "" {
				dir, err := config.Dir()
				if err != nil {
					return fmt.Errorf("failed to locate config directory: %w", err)
				}
				outputPath = filepath.Join(dir, tmpl.Filename())
			}

			if _, err := os.Stat(outputPath); err == nil && !force {
				return fmt.Errorf("config file already exists at %s (use --force to overwrite)", outputPath)
			}

			parentDir := filepath.Dir(outputPath)
			if err := os.MkdirAll(parentDir, 0o755); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", parentDir, err)
			}
			if err := apply.WriteFile(outputPath, tmpl.Content, 0o644); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Created %s from the %s template\n", outputPath, tmpl.Name)
			fmt.Fprintln(out, "\nNext steps:")
			fmt.Fprintln(out, "  1. Edit the file to set install_dir and update.url")
			fmt.Fprintln(out, "  2. Run 'spool config show' to check the resolved settings")
			return nil
		},
	}

	cmd.Flags().StringVarP(&templateName, "template", "t", "minimal", "Template name")
	cmd.Flags().StringVar(&outputPath, "path", "", "Output path (default: $XDG_CONFIG_HOME/spool/config.<format>)")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file")

	_ = cmd.RegisterFlagCompletionFunc("template", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		var completions []string
		for _, name := range templates.List() {
			completions = append(completions, fmt.Sprintf("%s\t%s", name, templates.GetDescription(name)))
		}
		return completions, cobra.ShellCompDirectiveNoFileComp
	})

	return cmd
}
