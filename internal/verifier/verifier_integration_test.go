//go:build integration

package verifier

import (
	"fmt"
	"image/png"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"witness/internal/browser"
	"witness/internal/suite"
)

func newSession(t *testing.T) *browser.Session {
	t.Helper()
	if err := browser.EnsureInstalled(); err != nil {
		t.Skipf("playwright install unavailable: %v", err)
	}
	sess, err := browser.Launch(browser.Options{
		Headless:   true,
		ProfileDir: filepath.Join(t.TempDir(), "profile"),
		Ephemeral:  true,
	})
	if err != nil {
		t.Fatalf("launch browser: %v", err)
	}
	t.Cleanup(func() { sess.Close() })
	return sess
}

func newPageServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/sources", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><head><title>Data Sources - Dashboard</title></head>
<body><h1>Data Sources</h1><table><tr><td>postgres</td></tr></table></body></html>`)
	})
	mux.HandleFunc("/bare", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><head><title>Loading</title></head><body><p>spinner</p></body></html>`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func singleCheck(t *testing.T, c suite.Check) suite.Check {
	t.Helper()
	s, err := suite.Single(c)
	if err != nil {
		t.Fatalf("build check: %v", err)
	}
	return s.Checks[0]
}

func TestRunPassingCheck(t *testing.T) {
	srv := newPageServer(t)
	sess := newSession(t)
	artifacts := t.TempDir()

	page, err := sess.NewPage()
	if err != nil {
		t.Fatal(err)
	}
	defer page.Close()

	check := singleCheck(t, suite.Check{
		ID:            "sources",
		URL:           srv.URL + "/sources",
		Selector:      "h1",
		Text:          "Data Sources",
		TitleContains: "Dashboard",
	})

	out := New(slog.Default(), nil).Run(page, check, artifacts)
	if out.Status != StatusPass {
		t.Fatalf("status = %q, warnings = %v, error = %q", out.Status, out.Warnings, out.Error)
	}
	if out.SelectorFound == nil || !*out.SelectorFound {
		t.Fatal("selector should have been found")
	}
	if out.TitleOK == nil || !*out.TitleOK {
		t.Fatalf("title check failed, page title = %q", out.PageTitle)
	}

	shot, err := os.Open(filepath.Join(artifacts, out.Screenshot))
	if err != nil {
		t.Fatalf("screenshot missing: %v", err)
	}
	defer shot.Close()
	if _, err := png.Decode(shot); err != nil {
		t.Fatalf("screenshot is not a png: %v", err)
	}

	content, err := os.ReadFile(filepath.Join(artifacts, out.Content))
	if err != nil {
		t.Fatalf("content snapshot missing: %v", err)
	}
	if !strings.Contains(string(content), "Data Sources") {
		t.Fatalf("content snapshot does not mention the heading: %q", content)
	}
}

func TestRunDegradesWhenSelectorMissing(t *testing.T) {
	srv := newPageServer(t)
	sess := newSession(t)
	artifacts := t.TempDir()

	page, err := sess.NewPage()
	if err != nil {
		t.Fatal(err)
	}
	defer page.Close()

	check := singleCheck(t, suite.Check{
		ID:       "bare",
		URL:      srv.URL + "/bare",
		Selector: "h1",
		Text:     "Data Sources",
		Timeout:  2 * time.Second,
	})

	out := New(slog.Default(), nil).Run(page, check, artifacts)
	if out.Status != StatusDegraded {
		t.Fatalf("status = %q, want degraded", out.Status)
	}
	if out.SelectorFound == nil || *out.SelectorFound {
		t.Fatal("selector should have been reported missing")
	}
	// Evidence is still captured for a degraded page.
	if _, err := os.Stat(filepath.Join(artifacts, "bare.png")); err != nil {
		t.Fatalf("screenshot missing for degraded check: %v", err)
	}
}

func TestRunFailsOnUnreachablePage(t *testing.T) {
	sess := newSession(t)
	artifacts := t.TempDir()

	// Grab a port nothing listens on.
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	page, err := sess.NewPage()
	if err != nil {
		t.Fatal(err)
	}
	defer page.Close()

	check := singleCheck(t, suite.Check{
		ID:      "down",
		URL:     deadURL + "/sources",
		Timeout: 2 * time.Second,
	})

	out := New(slog.Default(), nil).Run(page, check, artifacts)
	if out.Status != StatusFailed {
		t.Fatalf("status = %q, want failed", out.Status)
	}
	if out.Error == "" {
		t.Fatal("expected a navigation error")
	}
	if _, err := os.Stat(filepath.Join(artifacts, "down.png")); !os.IsNotExist(err) {
		t.Fatal("no screenshot should exist for a failed navigation")
	}
}

func TestBlockedHostAbortsRequests(t *testing.T) {
	srv := newPageServer(t)
	sess := newSession(t)
	artifacts := t.TempDir()

	page, err := sess.NewPage()
	if err != nil {
		t.Fatal(err)
	}
	defer page.Close()

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}

	check := singleCheck(t, suite.Check{
		ID:      "blocked",
		URL:     srv.URL + "/sources",
		Timeout: 2 * time.Second,
	})

	// Blocking the page's own host must abort the navigation itself.
	out := New(slog.Default(), []string{u.Hostname()}).Run(page, check, artifacts)
	if out.Status != StatusFailed {
		t.Fatalf("status = %q, want failed", out.Status)
	}
}
