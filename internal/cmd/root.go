// Package cmd contains the CLI command implementations.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/fang"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/adamancini/spool/internal/apply"
	"github.com/adamancini/spool/internal/config"
	"github.com/adamancini/spool/internal/distrib"
	"github.com/adamancini/spool/internal/fetch"
	"github.com/adamancini/spool/internal/ledger"
	"github.com/adamancini/spool/internal/output"
	"github.com/adamancini/spool/internal/plan"
	"github.com/adamancini/spool/internal/progress"
	"github.com/adamancini/spool/internal/registry"
)

// annotationSkipSetup marks commands that run without settings, recovery
// or the progress pipeline.
const annotationSkipSetup = "spool/skip-setup"

// annotationNoBridge marks commands that serve the progress hub themselves.
const annotationNoBridge = "spool/no-bridge"

const shutdownTimeout = 5 * time.Second

// buildInfo is stamped by the release build.
type buildInfo struct {
	Version string `json:"version" yaml:"version" toml:"version"`
	Commit  string `json:"commit" yaml:"commit" toml:"commit"`
	Date    string `json:"date" yaml:"date" toml:"date"`
}

func (b buildInfo) String() string {
	return fmt.Sprintf("spool version %s (commit %s, built %s)", b.Version, b.Commit, b.Date)
}

// app is the state shared by every command of one invocation.
type app struct {
	build buildInfo

	// Global flags
	outputFormat   string
	configPath     string
	installDir     string
	progressListen string
	verbose        bool
	quiet          bool

	// executable overrides os.Executable when locating the running binary.
	executable string

	settings  *config.Settings
	logger    *log.Logger
	out       *output.Writer
	buffer    *progress.Buffer
	forwarded chan struct{}
	hub       *progress.Hub
	bridge    *http.Server
	store     *ledger.Store
	recovery  *apply.Recovery
}

func newApp(version, commit, date string) *app {
	return &app{
		build:  buildInfo{Version: version, Commit: commit, Date: date},
		logger: log.New(io.Discard),
	}
}

// Execute runs the spool command tree. Interrupts cancel the command's
// context; work that has not reached the cleaning stage stops cleanly.
func Execute(version, commit, date string) error {
	a := newApp(version, commit, date)
	defer a.close()

	return fang.Execute(
		context.Background(),
		a.rootCmd(),
		fang.WithVersion(a.build.String()),
		fang.WithNotifySignal(os.Interrupt),
	)
}

func (a *app) rootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "spool",
		Short: "Install mods and update a game launcher in place",
		Long: `spool resolves mods, shader packs and resource packs against a release
registry and installs the right file for the selected game version and
loader. It also updates the launcher directory from a snapshot archive,
keeping user data and swapping the running binary safely.`,
		Version:           a.build.Version,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&a.outputFormat, "output", "o", "text", "Output format: text, json, yaml, toml")
	rootCmd.PersistentFlags().StringVar(&a.configPath, "config", "", "Path to config file")
	rootCmd.PersistentFlags().StringVarP(&a.installDir, "install-dir", "d", "", "Launcher install directory (default: current directory)")
	rootCmd.PersistentFlags().StringVar(&a.progressListen, "progress-listen", "", "Serve progress events over websocket on this address")
	rootCmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&a.quiet, "quiet", "q", false, "Quiet mode (errors only)")
	rootCmd.MarkFlagsMutuallyExclusive("verbose", "quiet")

	// Add subcommands
	rootCmd.AddCommand(a.newInstallCmd())
	rootCmd.AddCommand(a.newResolveCmd())
	rootCmd.AddCommand(a.newUninstallCmd())
	rootCmd.AddCommand(a.newListCmd())
	rootCmd.AddCommand(a.newSearchCmd())
	rootCmd.AddCommand(a.newInfoCmd())
	rootCmd.AddCommand(a.newUpdateCmd())
	rootCmd.AddCommand(a.newPlanCmd())
	rootCmd.AddCommand(a.newRecoverCmd())
	rootCmd.AddCommand(a.newHistoryCmd())
	rootCmd.AddCommand(a.newServeCmd())
	rootCmd.AddCommand(a.newConfigCmd())
	rootCmd.AddCommand(a.newVersionCmd())
	rootCmd.AddCommand(newCompletionCmd())

	// Register completion function for output flag
	_ = rootCmd.RegisterFlagCompletionFunc("output", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"text", "json", "yaml", "toml"}, cobra.ShellCompDirectiveNoFileComp
	})

	return rootCmd
}

func skipSetup(cmd *cobra.Command) bool {
	if cmd.Annotations[annotationSkipSetup] == "true" {
		return true
	}
	switch cmd.Name() {
	case cobra.ShellCompRequestCmd, cobra.ShellCompNoDescRequestCmd, "help", "man":
		return true
	}
	return false
}

// setup loads settings, builds the logger and output writer, settles any
// interrupted update and starts the progress pipeline.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	if skipSetup(cmd) {
		return nil
	}

	level := log.InfoLevel
	switch {
	case a.verbose:
		level = log.DebugLevel
	case a.quiet:
		level = log.ErrorLevel
	}
	a.logger = log.NewWithOptions(cmd.ErrOrStderr(), log.Options{
		Prefix:          "spool",
		ReportTimestamp: true,
		Level:           level,
	})

	format, err := output.ParseFormat(a.outputFormat)
	if err != nil {
		return err
	}
	a.out = output.NewWriter(cmd.OutOrStdout(), format)

	settings, err := config.Load(config.Options{
		ConfigFile: a.configPath,
		Overrides:  a.overrides(cmd),
		Executable: a.executable,
	})
	if err != nil {
		return err
	}
	a.settings = settings
	if settings.File != "" {
		a.logger.Debug("loaded config", "file", settings.File)
	}

	if err := a.recover(); err != nil {
		return err
	}

	a.startProgress(cmd)
	return nil
}

// overrides maps explicitly set flags onto setting keys.
func (a *app) overrides(cmd *cobra.Command) map[string]any {
	o := map[string]any{}
	flags := cmd.Flags()
	if flags.Changed("install-dir") {
		o[config.KeyInstallDir] = a.installDir
	}
	if flags.Changed("progress-listen") {
		o[config.KeyProgressListen] = a.progressListen
	}
	return o
}

func (a *app) selfBinary() string {
	if a.settings.SelfPath == "" {
		return ""
	}
	return filepath.Join(a.settings.InstallDir, filepath.FromSlash(a.settings.SelfPath))
}

func (a *app) recover() error {
	rec, err := apply.Recover(a.settings.InstallDir, a.selfBinary())
	if err != nil {
		return fmt.Errorf("failed to recover install directory: %w", err)
	}
	a.recovery = rec
	if rec.Locked {
		a.logger.Debug("install directory is locked by a running operation, skipped recovery")
	}
	if rec.SidecarErr != nil {
		a.logger.Warn("previous launcher binary is still in use, will retry", "path", rec.PendingSidecar, "err", rec.SidecarErr)
	}
	if rec.Changed() {
		a.logger.Info("recovered install directory",
			"swept", len(rec.SweptTemps),
			"removed_sidecar", rec.RemovedSidecar,
			"completed_swap", rec.CompletedSwap,
			"restored_sidecar", rec.RestoredSidecar)
	}
	return nil
}

func (a *app) startProgress(cmd *cobra.Command) {
	a.buffer = progress.NewBuffer(a.settings.Progress.Buffer)
	a.hub = progress.NewHub(a.logger)
	a.forwarded = make(chan struct{})

	sink := progress.Tee(progress.LogSink(a.logger), a.hub)
	go func() {
		defer close(a.forwarded)
		progress.Forward(a.buffer, sink)
	}()

	if a.settings.Progress.Listen == "" || cmd.Annotations[annotationNoBridge] == "true" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/progress", a.hub)
	a.bridge = &http.Server{Addr: a.settings.Progress.Listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := a.bridge.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("progress bridge stopped", "addr", a.settings.Progress.Listen, "err", err)
		}
	}()
	a.logger.Info("serving progress", "addr", a.settings.Progress.Listen, "path", "/progress")
}

// close drains pending progress and releases everything setup opened.
func (a *app) close() {
	if a.buffer != nil {
		a.buffer.Close()
		<-a.forwarded
		if n := a.buffer.Dropped(); n > 0 {
			a.logger.Debug("progress events dropped", "count", n)
		}
		a.buffer = nil
	}
	if a.bridge != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		_ = a.bridge.Shutdown(ctx)
		cancel()
		a.bridge = nil
	}
	if a.hub != nil {
		a.hub.Close()
		a.hub = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("failed to close ledger", "err", err)
		}
		a.store = nil
	}
}

// ledger opens the install directory's ledger on first use.
func (a *app) ledger(ctx context.Context) (*ledger.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	store, err := ledger.Open(ctx, a.settings.Ledger.Path)
	if err != nil {
		return nil, err
	}
	a.store = store
	return store, nil
}

func (a *app) userAgent() string {
	ua := a.settings.Registry.UserAgent
	if ua == "spool" && a.build.Version != "" {
		ua = "spool/" + strings.TrimPrefix(a.build.Version, "v")
	}
	return ua
}

func (a *app) retriever() *fetch.Retriever {
	return fetch.New(
		fetch.WithUserAgent(a.userAgent()),
		fetch.WithReporter(a.buffer),
		fetch.WithLogger(a.logger),
	)
}

func (a *app) registry() *registry.Client {
	return registry.New(a.retriever(),
		registry.WithBaseURL(a.settings.Registry.BaseURL),
		registry.WithTimeout(a.settings.Fetch.Timeout),
		registry.WithMaxBytes(a.settings.Fetch.MetadataMaxBytes),
	)
}

// service builds a distribution service over the install directory.
func (a *app) service(ctx context.Context, extra ...distrib.Option) (*distrib.Service, error) {
	store, err := a.ledger(ctx)
	if err != nil {
		return nil, err
	}
	opts := []distrib.Option{
		distrib.WithRetriever(a.retriever()),
		distrib.WithVersions(a.registry()),
		distrib.WithLedger(store),
		distrib.WithReporter(a.buffer),
		distrib.WithLogger(a.logger),
		distrib.WithPreserve(plan.NewPreserveSet(a.settings.Preserve...)),
		distrib.WithSelfPath(a.settings.SelfPath),
		distrib.WithFetchLimits(a.settings.Fetch.Timeout, a.settings.Fetch.MaxBytes),
		distrib.WithKeepRuns(a.settings.Ledger.KeepRuns),
	}
	return distrib.New(a.settings.InstallDir, append(opts, extra...)...), nil
}
