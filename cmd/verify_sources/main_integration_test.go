//go:build integration

package main

import (
	"bytes"
	"fmt"
	"image/png"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"
)

// captureStdout runs fn with os.Stdout redirected and returns what it wrote.
func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	old := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	os.Stdout = w
	done := make(chan string, 1)
	go func() {
		var buf bytes.Buffer
		io.Copy(&buf, r)
		done <- buf.String()
	}()
	fn()
	w.Close()
	os.Stdout = old
	return <-done
}

// serveDashboard binds the fixed port the tool targets. Tests skip when
// something else already owns it.
func serveDashboard(t *testing.T, body string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:3000")
	if err != nil {
		t.Skipf("port 3000 unavailable: %v", err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/dashboard/sources", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, body)
	})
	srv := &http.Server{Handler: mux}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })
}

func requireNothingOnPort3000(t *testing.T) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", "127.0.0.1:3000", 200*time.Millisecond)
	if err == nil {
		conn.Close()
		t.Skip("something is listening on port 3000")
	}
}

func TestHappyPath(t *testing.T) {
	serveDashboard(t, `<html><head><title>Data Sources</title></head>
<body><h1>Data Sources</h1><table><tr><td>postgres</td></tr></table></body></html>`)
	t.Chdir(t.TempDir())

	out := captureStdout(t, run)

	if !strings.Contains(out, "Screenshot taken") {
		t.Fatalf("missing confirmation line, got:\n%s", out)
	}
	if strings.Contains(out, "Heading not found") {
		t.Fatalf("unexpected warning, got:\n%s", out)
	}
	if strings.Contains(out, "Error:") {
		t.Fatalf("unexpected error line, got:\n%s", out)
	}

	f, err := os.Open("verification/sources_page.png")
	if err != nil {
		t.Fatalf("screenshot missing: %v", err)
	}
	defer f.Close()
	if _, err := png.Decode(f); err != nil {
		t.Fatalf("screenshot is not a png: %v", err)
	}
}

func TestMissingHeadingStillCaptures(t *testing.T) {
	serveDashboard(t, `<html><head><title>Dashboard</title></head>
<body><h1>Something Else</h1><p>db error</p></body></html>`)
	t.Chdir(t.TempDir())

	out := captureStdout(t, run)

	if !strings.Contains(out, "Heading not found, page might be erroring due to DB") {
		t.Fatalf("missing warning line, got:\n%s", out)
	}
	if !strings.Contains(out, "Screenshot taken") {
		t.Fatalf("screenshot should still be taken, got:\n%s", out)
	}
	if strings.Index(out, "Heading not found") > strings.Index(out, "Screenshot taken") {
		t.Fatalf("warning must come before the confirmation, got:\n%s", out)
	}
	if _, err := os.Stat("verification/sources_page.png"); err != nil {
		t.Fatalf("screenshot missing: %v", err)
	}
}

func TestUnreachableServer(t *testing.T) {
	requireNothingOnPort3000(t)
	t.Chdir(t.TempDir())

	out := captureStdout(t, run)

	if !strings.Contains(out, "Error:") {
		t.Fatalf("expected an error line, got:\n%s", out)
	}
	if strings.Contains(out, "Screenshot taken") {
		t.Fatalf("no screenshot confirmation expected, got:\n%s", out)
	}
	if _, err := os.Stat("verification/sources_page.png"); !os.IsNotExist(err) {
		t.Fatal("no screenshot file should exist when navigation fails")
	}
}

func TestRepeatedRunsOverwrite(t *testing.T) {
	serveDashboard(t, `<html><body><h1>Data Sources</h1></body></html>`)
	t.Chdir(t.TempDir())

	first := captureStdout(t, run)
	if !strings.Contains(first, "Screenshot taken") {
		t.Fatalf("first run failed, got:\n%s", first)
	}
	second := captureStdout(t, run)
	if !strings.Contains(second, "Screenshot taken") {
		t.Fatalf("second run failed, got:\n%s", second)
	}

	f, err := os.Open("verification/sources_page.png")
	if err != nil {
		t.Fatalf("screenshot missing after rerun: %v", err)
	}
	defer f.Close()
	if _, err := png.Decode(f); err != nil {
		t.Fatalf("overwritten screenshot is not a png: %v", err)
	}
}

func TestArgumentsAreIgnored(t *testing.T) {
	serveDashboard(t, `<html><body><h1>Data Sources</h1></body></html>`)
	t.Chdir(t.TempDir())

	oldArgs := os.Args
	os.Args = []string{"verify_sources", "--unknown-flag", "positional", "-x"}
	defer func() { os.Args = oldArgs }()

	out := captureStdout(t, run)

	if !strings.Contains(out, "Screenshot taken") {
		t.Fatalf("arguments changed behavior, got:\n%s", out)
	}
}
