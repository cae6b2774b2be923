package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/adamancini/spool/internal/distrib"
	"github.com/adamancini/spool/internal/prefs"
	"github.com/adamancini/spool/internal/resolve"
	"github.com/adamancini/spool/internal/types"
)

// queryFlags select what install and resolve look for. Empty values fall
// back to the preference record, then to the configured defaults.
type queryFlags struct {
	kind        string
	loader      string
	gameVersion string
}

func (f *queryFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.kind, "kind", "k", "", "Artifact kind: mod, shader, resourcepack, modpack")
	cmd.Flags().StringVar(&f.loader, "loader", "", "Game loader (default: from launcher_data.json)")
	cmd.Flags().StringVar(&f.gameVersion, "game-version", "", "Game version (default: from launcher_data.json)")

	_ = cmd.RegisterFlagCompletionFunc("kind", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		var kinds []string
		for _, k := range types.AllKinds() {
			kinds = append(kinds, k.String())
		}
		return kinds, cobra.ShellCompDirectiveNoFileComp
	})
	_ = cmd.RegisterFlagCompletionFunc("loader", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		var loaders []string
		for _, l := range types.AllLoaders() {
			loaders = append(loaders, l.String())
		}
		return loaders, cobra.ShellCompDirectiveNoFileComp
	})
}

func (a *app) kind(flag string) (types.Kind, error) {
	if flag == "" {
		flag = a.settings.Defaults.Kind
	}
	return types.ParseKind(flag)
}

// query builds the resolver query from flags, the preference record and
// the configured defaults, in that order.
func (a *app) query(f queryFlags) (resolve.Query, error) {
	kind, err := a.kind(f.kind)
	if err != nil {
		return resolve.Query{}, err
	}

	loader, err := types.ParseLoader(a.settings.Defaults.Loader)
	if err != nil {
		return resolve.Query{}, fmt.Errorf("defaults.loader: %w", err)
	}

	rec, err := prefs.Load(a.settings.Prefs.Path)
	if err != nil {
		return resolve.Query{}, err
	}

	if f.loader == "" && f.gameVersion == "" {
		q, err := rec.Query(kind, loader)
		if err == nil {
			return q, nil
		}
		if a.settings.Defaults.PlatformVersion == "" {
			return resolve.Query{}, fmt.Errorf("%w (pass --game-version)", err)
		}
	}

	if f.loader != "" {
		if loader, err = types.ParseLoader(f.loader); err != nil {
			return resolve.Query{}, err
		}
	} else if l := rec.Loader(); l != "" {
		loader = l
	}

	version := f.gameVersion
	if version == "" {
		version = rec.PlatformVersion()
	}
	if version == "" {
		version = a.settings.Defaults.PlatformVersion
	}
	if version == "" {
		return resolve.Query{}, fmt.Errorf("no game version selected (pass --game-version or set it in %s)", prefs.FileName)
	}

	return resolve.NewQuery(version, types.LoaderFor(kind, loader).String(), kind, nil), nil
}

func (a *app) newInstallCmd() *cobra.Command {
	var (
		qf    queryFlags
		force bool
	)

	cmd := &cobra.Command{
		Use:   "install <project-id>...",
		Short: "Install the newest compatible release of one or more projects",
		Long: `Install picks the newest release of each project that supports the
selected game version and loader, chooses the right file from it and
writes it into the kind's directory (mods/, shaderpacks/, ...).

A previously installed release of the same project is removed. When the
chosen file is already present nothing is downloaded unless --force is set.

Examples:
  spool install P7dR8mSH                          # Fabric API for the selected version
  spool install --kind shader --game-version 1.20.1 BVzZfTc1
  spool install -o json AANobbMI`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := a.query(qf)
			if err != nil {
				return err
			}
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}

			var results []*distrib.InstallResult
			for _, id := range args {
				job := svc.StartInstall(cmd.Context(), distrib.InstallRequest{ProjectID: id, Query: q, Force: force})
				res, err := job.Wait()
				if err != nil {
					return fmt.Errorf("failed to install %s: %w", id, err)
				}
				results = append(results, res)
			}

			if a.out.Structured() {
				return a.out.Write(results)
			}
			printInstallResults(cmd, results)
			return nil
		},
	}

	qf.register(cmd)
	cmd.Flags().BoolVar(&force, "force", false, "Download even if the file is already installed")

	return cmd
}

func printInstallResults(cmd *cobra.Command, results []*distrib.InstallResult) {
	w := cmd.OutOrStdout()
	for _, r := range results {
		version := r.Match.Release.VersionNumber
		if version == "" {
			version = r.Match.Release.ID
		}
		if r.Skipped {
			fmt.Fprintf(w, "= %s %s already installed at %s\n", r.ProjectID, version, r.Path)
			continue
		}
		fmt.Fprintf(w, "+ %s %s -> %s\n", r.ProjectID, version, r.Path)
		if r.Replaced != "" {
			fmt.Fprintf(w, "- %s\n", r.Replaced)
		}
	}
}

func (a *app) newResolveCmd() *cobra.Command {
	var qf queryFlags

	cmd := &cobra.Command{
		Use:   "resolve <project-id>",
		Short: "Show which release and file install would pick",
		Long: `Resolve queries the registry and runs the same selection as install
without downloading anything.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := a.query(qf)
			if err != nil {
				return err
			}
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			match, err := svc.Resolve(cmd.Context(), args[0], q)
			if err != nil {
				return err
			}

			if a.out.Structured() {
				return a.out.Write(match)
			}
			dest, err := resolve.Destination(q.Kind, match.File)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Release:  %s (%s)\n", match.Release.VersionNumber, match.Release.ID)
			fmt.Fprintf(w, "File:     %s\n", match.File.Filename)
			fmt.Fprintf(w, "Selected: %s\n", match.Rule)
			fmt.Fprintf(w, "Target:   %s\n", dest)
			fmt.Fprintf(w, "Query:    %s / %s / %s\n", q.PlatformVersion, q.Loader, strings.ToLower(q.Kind.String()))
			return nil
		},
	}

	qf.register(cmd)
	return cmd
}
