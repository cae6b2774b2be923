package e2e

import (
	"archive/zip"
	"bytes"
	"errors"
	"flag"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

const (
	binaryName = "spool"
)

var binaryPath string

// TestMain builds the binary before running tests
func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(0)
	}

	// Build the binary
	cmd := exec.Command("go", "build", "-o", binaryName, "../../cmd/spool")
	if err := cmd.Run(); err != nil {
		panic("failed to build binary: " + err.Error())
	}

	// Get absolute path to binary
	binaryPath, _ = filepath.Abs(binaryName)

	// Run tests
	code := m.Run()

	// Cleanup
	os.Remove(binaryName)

	os.Exit(code)
}

const releases = `[
	{"id":"r2","version_number":"1.2.0","game_versions":["1.20.1"],"loaders":["fabric"],
	 "files":[{"filename":"fabric-loader-0.15.0.jar","url":"{{CDN}}/fabric-loader-0.15.0.jar","primary":true},
	          {"filename":"sodium-1.2.0.jar","url":"{{CDN}}/sodium-1.2.0.jar","primary":false}]},
	{"id":"r1","version_number":"1.1.0","game_versions":["1.20.1"],"loaders":["fabric"],
	 "files":[{"filename":"sodium-1.1.0.jar","url":"{{CDN}}/sodium-1.1.0.jar","primary":true}]}
]`

// newRegistry serves a registry, a CDN and a launcher snapshot.
func newRegistry(t *testing.T, snapshot []byte) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/project/sodium/version", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.ReplaceAll(releases, "{{CDN}}", srv.URL+"/cdn")))
	})
	mux.HandleFunc("/cdn/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("jar:" + strings.TrimPrefix(r.URL.Path, "/cdn/")))
	})
	mux.HandleFunc("/launcher.zip", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(snapshot)
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func buildSnapshot(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create("TNTLauncher-main/" + name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// setupTestEnv creates an install directory with a preference record.
func setupTestEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	prefs := `{"username":"Steve","vanilla_version":"1.20.1","fabric_version":"fabric-loader-0.15.0-1.20.1"}`
	if err := os.WriteFile(filepath.Join(dir, "launcher_data.json"), []byte(prefs), 0o644); err != nil {
		t.Fatalf("failed to write preferences: %v", err)
	}
	return dir
}

// runSpool executes the spool binary with given arguments
func runSpool(t *testing.T, registry string, args ...string) (string, string, error) {
	t.Helper()

	cmd := exec.Command(binaryPath, args...)
	cmd.Env = append(os.Environ(),
		"XDG_CONFIG_HOME="+t.TempDir(),
		"SPOOL_CONFIG=",
		"SPOOL_REGISTRY_BASE_URL="+registry+"/v2",
	)

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}

func TestE2E_Version(t *testing.T) {
	stdout, stderr, err := runSpool(t, "http://127.0.0.1:1", "version", "-o", "yaml")
	if err != nil {
		t.Fatalf("version failed: %v\nstderr: %s", err, stderr)
	}

	var info map[string]string
	if err := yaml.Unmarshal([]byte(stdout), &info); err != nil {
		t.Fatalf("failed to parse YAML output: %v\nOutput: %s", err, stdout)
	}
	if info["version"] == "" || info["platform"] == "" {
		t.Errorf("version info incomplete: %v", info)
	}
}

func TestE2E_InstallAndList(t *testing.T) {
	srv := newRegistry(t, nil)
	dir := setupTestEnv(t)

	stdout, stderr, err := runSpool(t, srv.URL, "--install-dir", dir, "install", "-o", "yaml", "sodium")
	if err != nil {
		t.Fatalf("install failed: %v\nstderr: %s", err, stderr)
	}

	var results []map[string]interface{}
	if err := yaml.Unmarshal([]byte(stdout), &results); err != nil {
		t.Fatalf("failed to parse YAML output: %v\nOutput: %s", err, stdout)
	}
	if len(results) != 1 || results[0]["path"] != "mods/sodium-1.2.0.jar" {
		t.Fatalf("install result = %v", results)
	}

	data, err := os.ReadFile(filepath.Join(dir, "mods", "sodium-1.2.0.jar"))
	if err != nil {
		t.Fatalf("installed file missing: %v", err)
	}
	if string(data) != "jar:sodium-1.2.0.jar" {
		t.Errorf("installed content = %q", data)
	}

	stdout, _, err = runSpool(t, srv.URL, "--install-dir", dir, "list")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if !strings.Contains(stdout, "sodium") || !strings.Contains(stdout, "mods/sodium-1.2.0.jar") {
		t.Errorf("list output:\n%s", stdout)
	}
}

func TestE2E_NoCompatibleReleaseExitCode(t *testing.T) {
	srv := newRegistry(t, nil)
	dir := setupTestEnv(t)

	_, _, err := runSpool(t, srv.URL, "--install-dir", dir, "install", "--game-version", "1.8.9", "sodium")
	if got := exitCode(err); got != 5 {
		t.Errorf("exit code = %d, want 5", got)
	}
}

func TestE2E_UpdatePreservesUserData(t *testing.T) {
	snapshot := buildSnapshot(t, map[string]string{
		"TNTLauncher.py":      "print('v2')",
		"assets/icon.png":     "png",
		"launcher_data.json":  `{"username":"Player"}`,
		"logs/should-not-see": "x",
	})
	srv := newRegistry(t, snapshot)
	dir := setupTestEnv(t)
	if err := os.WriteFile(filepath.Join(dir, "removed_in_v2.py"), []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}
	before, _ := os.ReadFile(filepath.Join(dir, "launcher_data.json"))

	_, _, err := runSpool(t, srv.URL, "--install-dir", dir, "plan", "--detailed-exitcode", srv.URL+"/launcher.zip")
	if got := exitCode(err); got != 2 {
		t.Errorf("plan exit code = %d, want 2", got)
	}

	_, stderr, err := runSpool(t, srv.URL, "--install-dir", dir, "update", srv.URL+"/launcher.zip")
	if err != nil {
		t.Fatalf("update failed: %v\nstderr: %s", err, stderr)
	}

	if data, err := os.ReadFile(filepath.Join(dir, "TNTLauncher.py")); err != nil || string(data) != "print('v2')" {
		t.Errorf("TNTLauncher.py = %q, %v", data, err)
	}
	if _, err := os.Stat(filepath.Join(dir, "removed_in_v2.py")); !os.IsNotExist(err) {
		t.Error("stale file survived the update")
	}
	if _, err := os.Stat(filepath.Join(dir, "logs")); !os.IsNotExist(err) {
		t.Error("update created a preserved directory")
	}
	after, _ := os.ReadFile(filepath.Join(dir, "launcher_data.json"))
	if !bytes.Equal(before, after) {
		t.Errorf("preferences changed: %s", after)
	}

	stdout, _, err := runSpool(t, srv.URL, "--install-dir", dir, "history", "-o", "yaml")
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	var runs []map[string]interface{}
	if err := yaml.Unmarshal([]byte(stdout), &runs); err != nil {
		t.Fatalf("failed to parse YAML output: %v\nOutput: %s", err, stdout)
	}
	if len(runs) != 1 || runs[0]["operation"] != "update" || runs[0]["state"] != "done" {
		t.Errorf("history = %v", runs)
	}
}

func TestE2E_LockHeldExitCode(t *testing.T) {
	srv := newRegistry(t, buildSnapshot(t, map[string]string{"a.txt": "a"}))
	dir := setupTestEnv(t)
	lock := `{"token":"t","pid":1,"acquired_at":"2026-01-01T00:00:00Z"}`
	if err := os.WriteFile(filepath.Join(dir, ".spool.lock"), []byte(lock), 0o644); err != nil {
		t.Fatal(err)
	}

	_, _, err := runSpool(t, srv.URL, "--install-dir", dir, "update", srv.URL+"/launcher.zip")
	if got := exitCode(err); got != 3 {
		t.Errorf("exit code = %d, want 3", got)
	}
	if _, err := os.Stat(filepath.Join(dir, "a.txt")); !os.IsNotExist(err) {
		t.Error("update wrote while locked")
	}
}

func TestE2E_Completion(t *testing.T) {
	for _, shell := range []string{"bash", "zsh", "fish"} {
		t.Run(shell, func(t *testing.T) {
			stdout, stderr, err := runSpool(t, "http://127.0.0.1:1", "completion", shell)
			if err != nil {
				t.Fatalf("completion %s failed: %v\nstderr: %s", shell, err, stderr)
			}
			if !strings.Contains(stdout, "spool") {
				t.Errorf("completion script does not mention spool")
			}
		})
	}
}
