// Command witness runs page verification suites and serves their results.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"witness/internal/browser"
	"witness/internal/runner"
	"witness/internal/server"
	"witness/internal/suite"
)

const version = "0.3.0"

func main() {
	initLogger()
	if len(os.Args) < 2 {
		usage()
		return
	}
	switch os.Args[1] {
	case "run":
		runCmd(os.Args[2:])
	case "serve":
		serveCmd(os.Args[2:])
	case "list":
		listCmd(os.Args[2:])
	case "init":
		initCmd(os.Args[2:])
	case "prune":
		pruneCmd(os.Args[2:])
	case "install":
		installCmd()
	case "mcp":
		mcpCmd(os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		usage()
	}
}

func usage() {
	fmt.Println("witness usage:")
	fmt.Println("  witness run     --suite <path> [--workspace .] [--headless=false] [--video] [--har] [--baseline <dir>]")
	fmt.Println("  witness serve   [--port 8787] [--workspace .]")
	fmt.Println("  witness list    [--workspace .]  # list run ids")
	fmt.Println("  witness init    [--out witness.yaml]  # write a starter suite")
	fmt.Println("  witness prune   [--keep 20] [--workspace .]")
	fmt.Println("  witness install # download the playwright driver and chromium")
	fmt.Println("  witness mcp     [--workspace .]  # serve verification tools over stdio")
}

func initLogger() {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	suitePath := fs.String("suite", "", "Suite file (YAML)")
	workspace := fs.String("workspace", ".", "Workspace root holding runs/")
	engine := fs.String("engine", "chromium", "Engine label recorded in the manifest")
	headless := fs.Bool("headless", true, "Headless mode")
	profile := fs.String("profile", "", "Persistent profile dir (default: throwaway per run)")
	var chromiumArgs stringList
	fs.Var(&chromiumArgs, "chromium-arg", "Extra Chromium command line flag, repeatable")
	video := fs.Bool("video", false, "Record a video per check")
	har := fs.Bool("har", false, "Record network traffic as a HAR file")
	baselineDir := fs.String("baseline", os.Getenv("BASELINE_DIR"), "Baseline dir for visual diff")
	diffThreshold := fs.Float64("diff-threshold", 0.01, "Baseline diff ratio above which a check degrades")
	blocked := fs.String("blocked-hosts", os.Getenv("BLOCKED_HOSTS"), "Comma separated hosts to block requests to")
	skipInstall := fs.Bool("skip-install", false, "Skip the playwright driver install step")
	fs.Parse(args)

	if *suitePath == "" {
		log.Fatal("--suite is required")
	}
	st, err := suite.Load(*suitePath)
	if err != nil {
		log.Fatalf("load suite: %v", err)
	}

	res, err := runner.Run(runner.Options{
		Suite:         st,
		SuitePath:     *suitePath,
		Workspace:     *workspace,
		Engine:        *engine,
		Headless:      *headless,
		ProfileDir:    strings.TrimSpace(*profile),
		ExtraArgs:     chromiumArgs,
		CaptureVideo:  *video,
		CaptureHAR:    *har,
		BaselineDir:   strings.TrimSpace(*baselineDir),
		DiffThreshold: *diffThreshold,
		BlockedHosts:  runner.ParseBlockedHosts(*blocked),
		SkipInstall:   *skipInstall,
	})
	if err != nil {
		log.Fatalf("run failed: %v", err)
	}
	b, _ := json.MarshalIndent(res.Manifest, "", "  ")
	fmt.Println(string(b))
	if !res.Manifest.Summary.Ok() {
		os.Exit(2)
	}
}

func serveCmd(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	port := fs.Int("port", 8787, "Port to listen on")
	workspace := fs.String("workspace", ".", "Workspace root holding runs/")
	headless := fs.Bool("headless", true, "Headless mode for API-triggered runs")
	skipInstall := fs.Bool("skip-install", false, "Skip the playwright driver install step")
	fs.Parse(args)

	run := func(st *suite.Suite, suitePath string) (*runner.Result, error) {
		res, err := runner.Run(runner.Options{
			Suite:       st,
			SuitePath:   suitePath,
			Workspace:   *workspace,
			Headless:    *headless,
			SkipInstall: *skipInstall,
		})
		if err != nil {
			return nil, err
		}
		return &res, nil
	}

	s := server.New(*workspace, run, slog.Default())
	addr := fmt.Sprintf(":%d", *port)
	log.Printf("witness serve listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, s.Routes()))
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	workspace := fs.String("workspace", ".", "Workspace root holding runs/")
	fs.Parse(args)

	runs, err := runner.FindRuns(*workspace)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		log.Fatal(err)
	}
	for _, id := range runs {
		fmt.Println(id)
	}
}

func initCmd(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	out := fs.String("out", "witness.yaml", "Where to write the starter suite")
	fs.Parse(args)

	if _, err := os.Stat(*out); err == nil {
		log.Fatalf("%s already exists, not overwriting", *out)
	}
	if err := os.WriteFile(*out, []byte(suite.ExampleYAML), 0o644); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("wrote %s\n", *out)
}

func pruneCmd(args []string) {
	fs := flag.NewFlagSet("prune", flag.ExitOnError)
	workspace := fs.String("workspace", ".", "Workspace root holding runs/")
	keep := fs.Int("keep", 20, "Number of newest runs to keep")
	fs.Parse(args)

	removed, err := runner.Prune(*workspace, *keep)
	if err != nil {
		log.Fatal(err)
	}
	for _, id := range removed {
		fmt.Println("removed", id)
	}
}

func installCmd() {
	if err := browser.EnsureInstalled(); err != nil {
		log.Fatalf("install failed: %v", err)
	}
	fmt.Println("playwright driver and chromium are ready")
}

// stringList collects the values of a repeatable flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	if v = strings.TrimSpace(v); v != "" {
		*s = append(*s, v)
	}
	return nil
}
