package distrib

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/adamancini/spool/internal/apply"
	"github.com/adamancini/spool/internal/ledger"
	"github.com/adamancini/spool/internal/plan"
	"github.com/adamancini/spool/internal/progress"
	"github.com/adamancini/spool/internal/registry"
	"github.com/adamancini/spool/internal/resolve"
	"github.com/adamancini/spool/internal/types"
)

type recorder struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recorder) Report(e progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) contains(fragment string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if strings.Contains(e.Message, fragment) {
			return true
		}
	}
	return false
}

// fixture serves a registry and a CDN from one httptest server.
type fixture struct {
	srv          *httptest.Server
	versionsHits atomic.Int32
	cdnHits      atomic.Int32
	snapshotHits atomic.Int32

	mu       sync.Mutex
	releases string
	snapshot []byte
}

const defaultReleases = `[
	{"id":"r3","version_number":"1.3.0","game_versions":["1.20.2"],"loaders":["fabric"],
	 "files":[{"filename":"mod-1.3.0.jar","url":"{{CDN}}/mod-1.3.0.jar","primary":true}]},
	{"id":"r2","version_number":"1.2.0","game_versions":["1.20.1"],"loaders":["fabric"],
	 "files":[{"filename":"fabric-loader-0.15.0.jar","url":"{{CDN}}/fabric-loader-0.15.0.jar","primary":true},
	          {"filename":"mod-1.2.0.jar","url":"{{CDN}}/mod-1.2.0.jar","primary":false}]},
	{"id":"r1","version_number":"1.1.0","game_versions":["1.20.1"],"loaders":["fabric"],
	 "files":[{"filename":"mod-1.1.0.jar","url":"{{CDN}}/mod-1.1.0.jar","primary":true}]}
]`

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{releases: defaultReleases}
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/project/P1/version", func(w http.ResponseWriter, r *http.Request) {
		f.versionsHits.Add(1)
		f.mu.Lock()
		body := strings.ReplaceAll(f.releases, "{{CDN}}", f.srv.URL+"/cdn")
		f.mu.Unlock()
		_, _ = w.Write([]byte(body))
	})
	mux.HandleFunc("/cdn/", func(w http.ResponseWriter, r *http.Request) {
		f.cdnHits.Add(1)
		_, _ = w.Write([]byte("jar:" + strings.TrimPrefix(r.URL.Path, "/cdn/")))
	})
	mux.HandleFunc("/snapshot.zip", func(w http.ResponseWriter, r *http.Request) {
		f.snapshotHits.Add(1)
		f.mu.Lock()
		defer f.mu.Unlock()
		_, _ = w.Write(f.snapshot)
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) setReleases(body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases = body
}

func (f *fixture) setSnapshot(t *testing.T, files map[string]string) {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	if _, err := zw.Create("launcher-2.0/"); err != nil {
		t.Fatal(err)
	}
	for name, body := range files {
		w, err := zw.Create("launcher-2.0/" + name)
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
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshot = buf.Bytes()
}

func (f *fixture) versions() *registry.Client {
	return registry.New(nil, registry.WithBaseURL(f.srv.URL+"/v2"))
}

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for p, body := range files {
		full := filepath.Join(dir, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func readTree(t *testing.T, dir string) map[string]string {
	t.Helper()
	out := make(map[string]string)
	err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, _ := filepath.Rel(dir, p)
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		out[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	if err != nil {
		t.Fatalf("readTree() error = %v", err)
	}
	return out
}

func openLedger(t *testing.T) *ledger.Store {
	t.Helper()
	store, err := ledger.Open(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("ledger.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

var testPreserve = plan.NewPreserveSet("launcher_data.json", "logs", "cache", apply.DefaultLockName)

func modQuery(version string) resolve.Query {
	return resolve.NewQuery(version, "fabric", types.KindMod, nil)
}

func TestInstall_EndToEnd(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	before := map[string]string{
		"launcher_data.json": `{"fabric_version":"fabric-loader-0.15.0-1.20.1"}`,
		"mods/other.jar":     "other",
	}
	writeFiles(t, dir, before)

	rec := &recorder{}
	store := openLedger(t)
	svc := New(dir,
		WithVersions(f.versions()),
		WithLedger(store),
		WithReporter(rec),
		WithPreserve(testPreserve),
	)

	res, err := svc.Install(context.Background(), InstallRequest{ProjectID: "P1", Query: modQuery("1.20.1")})
	if err != nil {
		t.Fatalf("Install() error = %v", err)
	}

	if res.Match.Release.ID != "r2" {
		t.Errorf("release = %s, want r2", res.Match.Release.ID)
	}
	if res.Match.Rule != resolve.RuleExtension {
		t.Errorf("rule = %s, want %s", res.Match.Rule, resolve.RuleExtension)
	}
	if res.Path != "mods/mod-1.2.0.jar" {
		t.Errorf("Path = %s, want mods/mod-1.2.0.jar", res.Path)
	}
	if got := res.Report.Written; len(got) != 1 || got[0] != "mods/mod-1.2.0.jar" {
		t.Errorf("Written = %v, want only mods/mod-1.2.0.jar", got)
	}

	want := map[string]string{
		"launcher_data.json": before["launcher_data.json"],
		"mods/other.jar":     "other",
		"mods/mod-1.2.0.jar": "jar:mod-1.2.0.jar",
	}
	got := readTree(t, dir)
	if len(got) != len(want) {
		t.Errorf("install dir = %v, want %v", got, want)
	}
	for p, body := range want {
		if got[p] != body {
			t.Errorf("%s = %q, want %q", p, got[p], body)
		}
	}

	if n := f.cdnHits.Load(); n != 1 {
		t.Errorf("cdn hits = %d, want 1", n)
	}
	if !rec.contains("installed mods/mod-1.2.0.jar") {
		t.Error("missing done progress event")
	}

	a, err := store.GetArtifact(context.Background(), "P1", "mod")
	if err != nil {
		t.Fatalf("GetArtifact() error = %v", err)
	}
	if a.ReleaseID != "r2" || a.Path != "mods/mod-1.2.0.jar" || a.PlatformVersion != "1.20.1" {
		t.Errorf("ledger entry = %+v", a)
	}
	runs, err := store.Runs(context.Background(), 0)
	if err != nil {
		t.Fatalf("Runs() error = %v", err)
	}
	if len(runs) != 1 || runs[0].Operation != "install" || runs[0].State != "done" || runs[0].Written != 1 {
		t.Errorf("runs = %+v", runs)
	}
}

func TestInstall_SkipsWhenPresent(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	svc := New(dir, WithVersions(f.versions()), WithPreserve(testPreserve))

	if _, err := svc.Install(context.Background(), InstallRequest{ProjectID: "P1", Query: modQuery("1.20.1")}); err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	res, err := svc.Install(context.Background(), InstallRequest{ProjectID: "P1", Query: modQuery("1.20.1")})
	if err != nil {
		t.Fatalf("second Install() error = %v", err)
	}
	if !res.Skipped {
		t.Error("second Install() should be skipped")
	}
	if n := f.cdnHits.Load(); n != 1 {
		t.Errorf("cdn hits = %d, want 1", n)
	}

	res, err = svc.Install(context.Background(), InstallRequest{ProjectID: "P1", Query: modQuery("1.20.1"), Force: true})
	if err != nil {
		t.Fatalf("forced Install() error = %v", err)
	}
	if res.Skipped {
		t.Error("forced Install() should not skip")
	}
	if n := f.cdnHits.Load(); n != 2 {
		t.Errorf("cdn hits = %d, want 2", n)
	}
}

func TestInstall_ReplacesPreviousRelease(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	store := openLedger(t)
	svc := New(dir, WithVersions(f.versions()), WithLedger(store), WithPreserve(testPreserve))

	if _, err := svc.Install(context.Background(), InstallRequest{ProjectID: "P1", Query: modQuery("1.20.1")}); err != nil {
		t.Fatalf("Install() error = %v", err)
	}

	f.setReleases(`[{"id":"r4","game_versions":["1.20.1"],"loaders":["fabric"],
		"files":[{"filename":"mod-1.4.0.jar","url":"{{CDN}}/mod-1.4.0.jar","primary":true}]}]`)

	res, err := svc.Install(context.Background(), InstallRequest{ProjectID: "P1", Query: modQuery("1.20.1")})
	if err != nil {
		t.Fatalf("upgrade Install() error = %v", err)
	}
	if res.Replaced != "mods/mod-1.2.0.jar" {
		t.Errorf("Replaced = %q, want mods/mod-1.2.0.jar", res.Replaced)
	}

	got := readTree(t, dir)
	if _, ok := got["mods/mod-1.2.0.jar"]; ok {
		t.Error("old release still present")
	}
	if got["mods/mod-1.4.0.jar"] != "jar:mod-1.4.0.jar" {
		t.Errorf("new release = %q", got["mods/mod-1.4.0.jar"])
	}
}

func TestInstall_PresentUpgradeRemovesPreviousRelease(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	store := openLedger(t)
	svc := New(dir, WithVersions(f.versions()), WithLedger(store), WithPreserve(testPreserve))

	if _, err := svc.Install(context.Background(), InstallRequest{ProjectID: "P1", Query: modQuery("1.20.1")}); err != nil {
		t.Fatalf("Install() error = %v", err)
	}

	// the new release's file is already in place, e.g. copied by hand
	f.setReleases(`[{"id":"r4","game_versions":["1.20.1"],"loaders":["fabric"],
		"files":[{"filename":"mod-1.4.0.jar","url":"{{CDN}}/mod-1.4.0.jar","primary":true}]}]`)
	writeFiles(t, dir, map[string]string{"mods/mod-1.4.0.jar": "manual copy"})

	res, err := svc.Install(context.Background(), InstallRequest{ProjectID: "P1", Query: modQuery("1.20.1")})
	if err != nil {
		t.Fatalf("upgrade Install() error = %v", err)
	}
	if !res.Skipped || res.Replaced != "mods/mod-1.2.0.jar" {
		t.Errorf("Install() skipped = %v, replaced = %q, want skipped download and mods/mod-1.2.0.jar replaced", res.Skipped, res.Replaced)
	}
	if n := f.cdnHits.Load(); n != 1 {
		t.Errorf("cdn hits = %d, want 1", n)
	}

	got := readTree(t, dir)
	if _, ok := got["mods/mod-1.2.0.jar"]; ok {
		t.Error("old release still present next to the new one")
	}
	if got["mods/mod-1.4.0.jar"] != "manual copy" {
		t.Errorf("present file = %q, want it left alone", got["mods/mod-1.4.0.jar"])
	}

	a, err := store.GetArtifact(context.Background(), "P1", "mod")
	if err != nil {
		t.Fatalf("GetArtifact() error = %v", err)
	}
	if a.Path != "mods/mod-1.4.0.jar" {
		t.Errorf("ledger path = %q, want mods/mod-1.4.0.jar", a.Path)
	}
}

func TestInstall_NoCompatibleReleaseMakesNoDownload(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	rec := &recorder{}
	svc := New(dir, WithVersions(f.versions()), WithReporter(rec), WithPreserve(testPreserve))

	_, err := svc.Install(context.Background(), InstallRequest{ProjectID: "P1", Query: modQuery("1.19.2")})
	var nce *resolve.NoCompatibleReleaseError
	if !errors.As(err, &nce) {
		t.Fatalf("Install() error = %v, want NoCompatibleReleaseError", err)
	}
	if n := f.cdnHits.Load(); n != 0 {
		t.Errorf("cdn hits = %d, want 0", n)
	}
	if !rec.contains("error: no release supports 1.19.2") {
		t.Error("error not pushed to reporter")
	}
	if got := readTree(t, dir); len(got) != 0 {
		t.Errorf("install dir changed: %v", got)
	}
}

func TestInstall_LockHeld(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	lock, err := apply.AcquireLock(dir, apply.DefaultLockName)
	if err != nil {
		t.Fatalf("AcquireLock() error = %v", err)
	}
	defer func() { _ = lock.Release() }()

	svc := New(dir, WithVersions(f.versions()), WithPreserve(testPreserve))
	_, err = svc.Install(context.Background(), InstallRequest{ProjectID: "P1", Query: modQuery("1.20.1")})
	var lhe *apply.LockHeldError
	if !errors.As(err, &lhe) {
		t.Fatalf("Install() error = %v, want LockHeldError", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "mods", "mod-1.2.0.jar")); !os.IsNotExist(err) {
		t.Error("artifact written despite held lock")
	}
}

func TestInstall_CanceledBeforeStart(t *testing.T) {
	f := newFixture(t)
	svc := New(t.TempDir(), WithVersions(f.versions()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Install(ctx, InstallRequest{ProjectID: "P1", Query: modQuery("1.20.1")})
	if !IsCanceled(err) {
		t.Fatalf("Install() error = %v, want ErrCanceled", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error %v should wrap context.Canceled", err)
	}
	if n := f.versionsHits.Load(); n != 0 {
		t.Errorf("registry hits = %d, want 0", n)
	}
}

func TestUninstall(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	store := openLedger(t)
	svc := New(dir, WithVersions(f.versions()), WithLedger(store), WithPreserve(testPreserve))

	if _, err := svc.Install(context.Background(), InstallRequest{ProjectID: "P1", Query: modQuery("1.20.1")}); err != nil {
		t.Fatalf("Install() error = %v", err)
	}

	report, err := svc.Uninstall(context.Background(), "P1", "mod")
	if err != nil {
		t.Fatalf("Uninstall() error = %v", err)
	}
	if len(report.Removed) != 1 || report.Removed[0] != "mods/mod-1.2.0.jar" {
		t.Errorf("Removed = %v", report.Removed)
	}
	if got := readTree(t, dir); len(got) != 0 {
		t.Errorf("install dir after uninstall = %v", got)
	}
	if _, err := store.GetArtifact(context.Background(), "P1", "mod"); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("ledger entry still present: %v", err)
	}

	if _, err := svc.Uninstall(context.Background(), "P1", "mod"); !errors.Is(err, ErrNotInstalled) {
		t.Errorf("second Uninstall() error = %v, want ErrNotInstalled", err)
	}

	bare := New(dir)
	if _, err := bare.Uninstall(context.Background(), "P1", "mod"); err == nil {
		t.Error("Uninstall() without ledger expected error")
	}
}

func TestUpdate_EndToEnd(t *testing.T) {
	f := newFixture(t)
	f.setSnapshot(t, map[string]string{
		"launcher":     "new-binary",
		"lib/core.jar": "core-2",
		"README.txt":   "hello",
	})

	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"launcher":           "old-binary",
		"lib/core.jar":       "core-1",
		"lib/stale.jar":      "stale",
		"launcher_data.json": `{"username":"Steve"}`,
		"logs/latest.log":    "log",
	})

	store := openLedger(t)
	rec := &recorder{}
	svc := New(dir,
		WithLedger(store),
		WithReporter(rec),
		WithPreserve(testPreserve),
		WithSelfPath("launcher"),
	)

	res, err := svc.Update(context.Background(), f.srv.URL+"/snapshot.zip")
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	got := readTree(t, dir)
	want := map[string]string{
		"launcher":                       "new-binary",
		"launcher" + apply.SidecarSuffix: "old-binary",
		"lib/core.jar":                   "core-2",
		"README.txt":                     "hello",
		"launcher_data.json":             `{"username":"Steve"}`,
		"logs/latest.log":                "log",
	}
	if len(got) != len(want) {
		t.Errorf("install dir = %v, want %v", got, want)
	}
	for p, body := range want {
		if got[p] != body {
			t.Errorf("%s = %q, want %q", p, got[p], body)
		}
	}

	if len(res.Report.Deferred) != 1 {
		t.Errorf("Deferred = %v, want the sidecar", res.Report.Deferred)
	}
	if len(res.Report.Removed) != 1 || res.Report.Removed[0] != "lib/stale.jar" {
		t.Errorf("Removed = %v", res.Report.Removed)
	}
	if !rec.contains("update complete") {
		t.Error("missing done event")
	}

	rcv, err := apply.Recover(dir, "launcher")
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if !rcv.RemovedSidecar {
		t.Error("Recover() should delete the sidecar after a completed swap")
	}

	runs, err := store.Runs(context.Background(), 0)
	if err != nil {
		t.Fatalf("Runs() error = %v", err)
	}
	if len(runs) != 1 || runs[0].Operation != "update" || runs[0].ID != res.Report.RunID {
		t.Errorf("runs = %+v", runs)
	}
}

func TestPlanUpdate_DoesNotTouchDisk(t *testing.T) {
	f := newFixture(t)
	f.setSnapshot(t, map[string]string{"a.txt": "a"})

	dir := t.TempDir()
	before := map[string]string{"b.txt": "b", "launcher_data.json": "{}"}
	writeFiles(t, dir, before)

	svc := New(dir, WithPreserve(testPreserve))
	p, err := svc.PlanUpdate(context.Background(), f.srv.URL+"/snapshot.zip")
	if err != nil {
		t.Fatalf("PlanUpdate() error = %v", err)
	}
	w, r, s := p.Summary()
	if w != 1 || r != 1 || s != testPreserve.Len() {
		t.Errorf("Summary() = %d/%d/%d", w, r, s)
	}
	if got := readTree(t, dir); len(got) != len(before) {
		t.Errorf("install dir changed: %v", got)
	}
}

func TestUpdate_CorruptArchive(t *testing.T) {
	f := newFixture(t)
	f.mu.Lock()
	f.snapshot = []byte("PK\x03\x04garbage")
	f.mu.Unlock()

	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"keep.txt": "x"})
	rec := &recorder{}
	svc := New(dir, WithReporter(rec))

	_, err := svc.Update(context.Background(), f.srv.URL+"/snapshot.zip")
	if err == nil {
		t.Fatal("Update() expected error")
	}
	if !rec.contains("error:") {
		t.Error("error not pushed to reporter")
	}
	if got := readTree(t, dir); got["keep.txt"] != "x" || len(got) != 1 {
		t.Errorf("install dir changed: %v", got)
	}
}

func TestUpdate_Declined(t *testing.T) {
	f := newFixture(t)
	f.setSnapshot(t, map[string]string{"a.txt": "a"})
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"b.txt": "b"})

	var seen *plan.Plan
	svc := New(dir, WithConfirm(func(p *plan.Plan) (*plan.Plan, bool) {
		seen = p
		return p, false
	}))

	_, err := svc.Update(context.Background(), f.srv.URL+"/snapshot.zip")
	if !errors.Is(err, ErrDeclined) {
		t.Fatalf("Update() error = %v, want ErrDeclined", err)
	}
	if seen == nil || !seen.HasChanges() {
		t.Error("confirm hook not shown the plan")
	}
	if got := readTree(t, dir); got["b.txt"] != "b" || len(got) != 1 {
		t.Errorf("install dir changed: %v", got)
	}
}

func TestStartUpdate_Wait(t *testing.T) {
	f := newFixture(t)
	f.setSnapshot(t, map[string]string{"a.txt": "a"})
	dir := t.TempDir()

	svc := New(dir)
	job := svc.StartUpdate(context.Background(), f.srv.URL+"/snapshot.zip")
	res, err := job.Wait()
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	select {
	case <-job.Done():
	default:
		t.Error("Done() not closed after Wait")
	}
	if len(res.Report.Written) != 1 {
		t.Errorf("Written = %v", res.Report.Written)
	}
}

func TestStartInstall_CancelBeforeRun(t *testing.T) {
	f := newFixture(t)
	svc := New(t.TempDir(), WithVersions(f.versions()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	job := svc.StartInstall(ctx, InstallRequest{ProjectID: "P1", Query: modQuery("1.20.1")})
	if _, err := job.Wait(); !IsCanceled(err) {
		t.Errorf("Wait() error = %v, want ErrCanceled", err)
	}
}
