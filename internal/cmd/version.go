package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/adamancini/spool/internal/output"
)

// versionInfo is what version prints in structured formats.
type versionInfo struct {
	buildInfo `yaml:",inline"`
	GoVersion string `json:"go_version" yaml:"go_version" toml:"go_version"`
	Platform  string `json:"platform" yaml:"platform" toml:"platform"`
}

func (a *app) newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long: `Display the spool version and build details.

Examples:
  spool version             # Show current version
  spool version -o json     # Machine-readable build info`,
		Annotations: map[string]string{annotationSkipSetup: "true"},
		Args:        cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := output.ParseFormat(a.outputFormat)
			if err != nil {
				return err
			}
			info := versionInfo{
				buildInfo: a.build,
				GoVersion: runtime.Version(),
				Platform:  runtime.GOOS + "/" + runtime.GOARCH,
			}
			if format != output.FormatText {
				return output.NewWriter(cmd.OutOrStdout(), format).Write(info)
			}
			fmt.Fprintln(cmd.OutOrStdout(), a.build)
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", info.GoVersion, info.Platform)
			return nil
		},
	}
}
