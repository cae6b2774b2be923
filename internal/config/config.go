// Package config loads spool settings from defaults, an optional config
// file, SPOOL_* environment variables and command-line overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Setting keys.
const (
	KeyInstallDir         = "install_dir"
	KeyRegistryBaseURL    = "registry.base_url"
	KeyRegistryUserAgent  = "registry.user_agent"
	KeyFetchTimeout       = "fetch.timeout"
	KeyFetchMaxBytes      = "fetch.max_bytes"
	KeyFetchMetaMaxBytes  = "fetch.metadata_max_bytes"
	KeyPreserve           = "preserve"
	KeySelfPath           = "self_path"
	KeyProgressBuffer     = "progress.buffer"
	KeyProgressListen     = "progress.listen"
	KeyLedgerPath         = "ledger.path"
	KeyLedgerKeepRuns     = "ledger.keep_runs"
	KeyPrefsPath          = "prefs.path"
	KeyUpdateURL          = "update.url"
	KeyUpdateInteractive  = "update.interactive"
	KeyDefaultKind        = "defaults.kind"
	KeyDefaultLoader      = "defaults.loader"
	KeyDefaultGameVersion = "defaults.platform_version"
)

const (
	envPrefix = "SPOOL"

	// DefaultMaxBytes bounds a snapshot or artifact download.
	DefaultMaxBytes = 256 << 20

	// DefaultMetadataMaxBytes bounds a registry response.
	DefaultMetadataMaxBytes = 8 << 20

	// DefaultProgressBuffer is the progress queue capacity.
	DefaultProgressBuffer = 64

	// DefaultKeepRuns is how many update runs the ledger retains.
	DefaultKeepRuns = 30

	// StateDirName holds spool's own bookkeeping inside the install dir.
	StateDirName = ".spool"
)

// DefaultPreserve lists install-dir entries an update never touches.
var DefaultPreserve = []string{"launcher_data.json", "logs", "cache", ".spool.lock", StateDirName}

// Settings is the resolved configuration.
type Settings struct {
	InstallDir string   `json:"install_dir" yaml:"install_dir" toml:"install_dir"`
	Preserve   []string `json:"preserve" yaml:"preserve" toml:"preserve"`
	// SelfPath is the running binary relative to InstallDir, or empty
	// when the binary lives elsewhere.
	SelfPath string `json:"self_path" yaml:"self_path" toml:"self_path"`

	Registry RegistrySettings `json:"registry" yaml:"registry" toml:"registry"`
	Fetch    FetchSettings    `json:"fetch" yaml:"fetch" toml:"fetch"`
	Progress ProgressSettings `json:"progress" yaml:"progress" toml:"progress"`
	Ledger   LedgerSettings   `json:"ledger" yaml:"ledger" toml:"ledger"`
	Prefs    PrefsSettings    `json:"prefs" yaml:"prefs" toml:"prefs"`
	Update   UpdateSettings   `json:"update" yaml:"update" toml:"update"`
	Defaults DefaultSettings  `json:"defaults" yaml:"defaults" toml:"defaults"`

	// File is the config file that was merged, if any.
	File string `json:"file,omitempty" yaml:"file,omitempty" toml:"file,omitempty"`
}

type RegistrySettings struct {
	BaseURL   string `json:"base_url" yaml:"base_url" toml:"base_url"`
	UserAgent string `json:"user_agent" yaml:"user_agent" toml:"user_agent"`
}

type FetchSettings struct {
	Timeout          time.Duration `json:"timeout" yaml:"timeout" toml:"timeout"`
	MaxBytes         int64         `json:"max_bytes" yaml:"max_bytes" toml:"max_bytes"`
	MetadataMaxBytes int64         `json:"metadata_max_bytes" yaml:"metadata_max_bytes" toml:"metadata_max_bytes"`
}

type ProgressSettings struct {
	Buffer int    `json:"buffer" yaml:"buffer" toml:"buffer"`
	Listen string `json:"listen,omitempty" yaml:"listen,omitempty" toml:"listen,omitempty"`
}

type LedgerSettings struct {
	Path     string `json:"path" yaml:"path" toml:"path"`
	KeepRuns int    `json:"keep_runs" yaml:"keep_runs" toml:"keep_runs"`
}

type PrefsSettings struct {
	Path string `json:"path" yaml:"path" toml:"path"`
}

// UpdateSettings describes where the launcher snapshot comes from.
type UpdateSettings struct {
	URL         string `json:"url,omitempty" yaml:"url,omitempty" toml:"url,omitempty"`
	Interactive bool   `json:"interactive" yaml:"interactive" toml:"interactive"`
}

// DefaultSettings are fallbacks for install/resolve when neither flags nor
// the preference record supply a value.
type DefaultSettings struct {
	Kind            string `json:"kind" yaml:"kind" toml:"kind"`
	Loader          string `json:"loader" yaml:"loader" toml:"loader"`
	PlatformVersion string `json:"platform_version,omitempty" yaml:"platform_version,omitempty" toml:"platform_version,omitempty"`
}

// Options control Load.
type Options struct {
	// ConfigFile is an explicit path; when empty the standard locations
	// are searched.
	ConfigFile string
	// Overrides are applied last, typically from command-line flags.
	Overrides map[string]any
	// Executable overrides os.Executable for self-path detection.
	Executable string
}

// Load resolves settings with precedence
// defaults < config file < environment < overrides.
func Load(opts Options) (*Settings, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	path, err := FindConfigFile(opts.ConfigFile)
	if err != nil {
		return nil, err
	}
	if err := mergeConfigFile(v, path); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	for k, val := range opts.Overrides {
		v.Set(k, val)
	}

	s, err := build(v, opts.Executable)
	if err != nil {
		return nil, err
	}
	s.File = path

	if err := Validate(s); err != nil {
		return nil, err
	}
	return s, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(KeyInstallDir, ".")
	v.SetDefault(KeyRegistryBaseURL, "https://api.modrinth.com/v2")
	v.SetDefault(KeyRegistryUserAgent, "spool")
	v.SetDefault(KeyFetchTimeout, "60s")
	v.SetDefault(KeyFetchMaxBytes, DefaultMaxBytes)
	v.SetDefault(KeyFetchMetaMaxBytes, DefaultMetadataMaxBytes)
	v.SetDefault(KeyPreserve, DefaultPreserve)
	v.SetDefault(KeySelfPath, "")
	v.SetDefault(KeyProgressBuffer, DefaultProgressBuffer)
	v.SetDefault(KeyProgressListen, "")
	v.SetDefault(KeyLedgerPath, "")
	v.SetDefault(KeyLedgerKeepRuns, DefaultKeepRuns)
	v.SetDefault(KeyPrefsPath, "")
	v.SetDefault(KeyUpdateURL, "")
	v.SetDefault(KeyUpdateInteractive, false)
	v.SetDefault(KeyDefaultKind, "mod")
	v.SetDefault(KeyDefaultLoader, "fabric")
	v.SetDefault(KeyDefaultGameVersion, "")
}

func build(v *viper.Viper, executable string) (*Settings, error) {
	installDir, err := filepath.Abs(v.GetString(KeyInstallDir))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve install dir: %w", err)
	}

	s := &Settings{
		InstallDir: installDir,
		Preserve:   v.GetStringSlice(KeyPreserve),
		SelfPath:   v.GetString(KeySelfPath),
		Registry: RegistrySettings{
			BaseURL:   v.GetString(KeyRegistryBaseURL),
			UserAgent: v.GetString(KeyRegistryUserAgent),
		},
		Fetch: FetchSettings{
			Timeout:          v.GetDuration(KeyFetchTimeout),
			MaxBytes:         v.GetInt64(KeyFetchMaxBytes),
			MetadataMaxBytes: v.GetInt64(KeyFetchMetaMaxBytes),
		},
		Progress: ProgressSettings{
			Buffer: v.GetInt(KeyProgressBuffer),
			Listen: v.GetString(KeyProgressListen),
		},
		Ledger: LedgerSettings{
			Path:     v.GetString(KeyLedgerPath),
			KeepRuns: v.GetInt(KeyLedgerKeepRuns),
		},
		Prefs: PrefsSettings{Path: v.GetString(KeyPrefsPath)},
		Update: UpdateSettings{
			URL:         v.GetString(KeyUpdateURL),
			Interactive: v.GetBool(KeyUpdateInteractive),
		},
		Defaults: DefaultSettings{
			Kind:            v.GetString(KeyDefaultKind),
			Loader:          v.GetString(KeyDefaultLoader),
			PlatformVersion: v.GetString(KeyDefaultGameVersion),
		},
	}

	if s.Ledger.Path == "" {
		s.Ledger.Path = filepath.Join(installDir, StateDirName, "ledger.db")
	}
	if s.Prefs.Path == "" {
		s.Prefs.Path = filepath.Join(installDir, "launcher_data.json")
	}
	if s.SelfPath == "" {
		s.SelfPath = DetectSelfPath(installDir, executable)
	}
	return s, nil
}

// DetectSelfPath returns the running binary relative to installDir, or ""
// when it is not inside installDir. An empty exe means os.Executable.
func DetectSelfPath(installDir, exe string) string {
	if exe == "" {
		var err error
		exe, err = os.Executable()
		if err != nil {
			return ""
		}
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	if resolved, err := filepath.EvalSymlinks(installDir); err == nil {
		installDir = resolved
	}
	rel, err := filepath.Rel(installDir, exe)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return ""
	}
	return filepath.ToSlash(rel)
}

// Dir returns spool's configuration directory, $XDG_CONFIG_HOME/spool or
// ~/.config/spool.
func Dir() (string, error) {
	xdgConfig := os.Getenv("XDG_CONFIG_HOME")
	if xdgConfig == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		xdgConfig = filepath.Join(home, ".config")
	}
	return filepath.Join(xdgConfig, "spool"), nil
}

// FindConfigFile returns explicitPath if set (it must exist), else the
// first existing file among $SPOOL_CONFIG and
// $XDG_CONFIG_HOME/spool/config.{yaml,yml,toml,json}. No file is not an error.
func FindConfigFile(explicitPath string) (string, error) {
	if explicitPath != "" {
		if _, err := os.Stat(explicitPath); err != nil {
			return "", fmt.Errorf("specified config file not found: %s", explicitPath)
		}
		return explicitPath, nil
	}

	if envPath := os.Getenv("SPOOL_CONFIG"); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath, nil
		}
	}

	dir, err := Dir()
	if err != nil {
		return "", nil
	}

	for _, name := range []string{"config.yaml", "config.yml", "config.toml", "config.json"} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", nil
}

func mergeConfigFile(v *viper.Viper, path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config path %s is a directory", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	format := detectFormat(path, data)
	if format == FormatUnknown {
		return fmt.Errorf("unable to detect file format for %s", path)
	}
	v.SetConfigType(format.String())
	if err := v.MergeConfig(bytes.NewReader(expandEnvVars(data))); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}
