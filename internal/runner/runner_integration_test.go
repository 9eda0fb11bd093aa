//go:build integration

package runner

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"witness/internal/browser"
	"witness/internal/notify"
	"witness/internal/suite"
	"witness/internal/verifier"
)

func newDashboardServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/dashboard/sources", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><head><title>Data Sources - Dashboard</title></head>
<body><h1>Data Sources</h1></body></html>`)
	})
	mux.HandleFunc("/dashboard", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><head><title>Dashboard</title></head><body><p>no main yet</p></body></html>`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestRunSuiteEndToEnd(t *testing.T) {
	if err := browser.EnsureInstalled(); err != nil {
		t.Skipf("playwright install unavailable: %v", err)
	}
	srv := newDashboardServer(t)

	var hookBody []byte
	var hookSig string
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hookSig = r.Header.Get(notify.SignatureHeader)
		hookBody, _ = io.ReadAll(r.Body)
	}))
	defer hook.Close()

	st, err := suite.Parse([]byte(fmt.Sprintf(`suite: dashboard
defaults:
  timeout: 2s
checks:
  - id: sources
    url: %s/dashboard/sources
    selector: h1
    text: Data Sources
    title_contains: Dashboard
  - id: home
    url: %s/dashboard
    selector: main
  - id: ignored
    url: %s/dashboard
    skip: true
notify:
  webhook: %s
  secret: s3cret
`, srv.URL, srv.URL, srv.URL, hook.URL)))
	if err != nil {
		t.Fatalf("parse suite: %v", err)
	}

	ws := t.TempDir()
	res, err := Run(Options{
		Suite:       st,
		Workspace:   ws,
		Headless:    true,
		SkipInstall: true,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := Summary{Total: 3, Pass: 1, Degraded: 1, Skipped: 1}
	if res.Manifest.Summary != want {
		t.Fatalf("summary = %+v, want %+v", res.Manifest.Summary, want)
	}

	m, err := LoadManifest(filepath.Join(res.RunDir, "run.json"))
	if err != nil {
		t.Fatalf("manifest not persisted: %v", err)
	}
	if m.RunID != res.RunID || len(m.Checks) != 3 {
		t.Fatalf("unexpected manifest: %+v", m)
	}

	if _, err := os.Stat(filepath.Join(res.RunDir, "artifacts", "sources.png")); err != nil {
		t.Fatalf("screenshot artifact missing: %v", err)
	}
	log, err := os.ReadFile(res.LogPath)
	if err != nil || len(log) == 0 {
		t.Fatalf("run log missing or empty: %v", err)
	}

	ids, err := FindRuns(ws)
	if err != nil || len(ids) != 1 || ids[0] != res.RunID {
		t.Fatalf("FindRuns() = %v, %v", ids, err)
	}

	if hookBody == nil {
		t.Fatal("webhook was not delivered")
	}
	if wantSig := "sha256=" + notify.Sign("s3cret", hookBody); hookSig != wantSig {
		t.Fatalf("webhook signature mismatch: got %q want %q", hookSig, wantSig)
	}
	var event notify.Event
	if err := json.Unmarshal(hookBody, &event); err != nil {
		t.Fatalf("webhook body does not decode: %v", err)
	}
	if event.Type != "run.completed" || event.RunID != res.RunID {
		t.Fatalf("unexpected event: %+v", event)
	}
}

func TestRunComparesAgainstBaseline(t *testing.T) {
	if err := browser.EnsureInstalled(); err != nil {
		t.Skipf("playwright install unavailable: %v", err)
	}
	srv := newDashboardServer(t)

	st, err := suite.Single(suite.Check{
		ID:      "sources",
		URL:     srv.URL + "/dashboard/sources",
		Timeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}

	ws := t.TempDir()
	first, err := Run(Options{Suite: st, Workspace: ws, Headless: true, SkipInstall: true})
	if err != nil {
		t.Fatalf("first run: %v", err)
	}

	baselineDir := t.TempDir()
	shot, err := os.ReadFile(filepath.Join(first.RunDir, "artifacts", "sources.png"))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(baselineDir, "sources.png"), shot, 0o644); err != nil {
		t.Fatal(err)
	}

	second, err := Run(Options{
		Suite:         st,
		Workspace:     ws,
		Headless:      true,
		SkipInstall:   true,
		BaselineDir:   baselineDir,
		DiffThreshold: 0.05,
	})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	rec := second.Manifest.Checks[0]
	if rec.Baseline == nil {
		t.Fatal("baseline diff not recorded")
	}
	if rec.Baseline.SizeMismatch {
		t.Fatal("same page should render at the same size")
	}
	if rec.Status != verifier.StatusPass {
		t.Fatalf("status = %q, baseline = %+v", rec.Status, rec.Baseline)
	}
}
