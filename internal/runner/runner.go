// Package runner executes a verification suite and owns the per-run
// workspace layout: runs/<id>/artifacts for evidence, runs/<id>/logs for
// the run log, and run.json as the manifest tying it together.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"witness/internal/baseline"
	"witness/internal/browser"
	"witness/internal/notify"
	"witness/internal/suite"
	"witness/internal/verifier"
)

// Options configure a run.
type Options struct {
	Suite         *suite.Suite
	SuitePath     string // recorded in the manifest for provenance
	Workspace     string // base path; defaults to cwd
	Engine        string // display label, e.g. "chromium"
	Headless      bool
	ProfileDir    string // optional persistent profile location
	ExtraArgs     []string
	CaptureVideo  bool
	CaptureHAR    bool
	BaselineDir   string  // optional dir of known-good screenshots, one <check-id>.png each
	DiffThreshold float64 // baseline diff ratio above which a check degrades
	BlockedHosts  []string
	SkipInstall   bool
	Log           *slog.Logger // process logger; the run keeps its own file log
}

// Result contains the run location and manifest.
type Result struct {
	RunID    string
	RunDir   string
	Manifest Manifest
	LogPath  string
}

// CheckRecord is one check's outcome plus the artifacts the runner
// attached around it.
type CheckRecord struct {
	verifier.Outcome
	Video     string         `json:"video,omitempty"`
	VideoWebP string         `json:"video_webp,omitempty"`
	Baseline  *baseline.Diff `json:"baseline,omitempty"`
}

// Summary counts check outcomes.
type Summary struct {
	Total    int `json:"total"`
	Pass     int `json:"pass"`
	Degraded int `json:"degraded"`
	Failed   int `json:"failed"`
	Skipped  int `json:"skipped"`
}

// Manifest is persisted to run.json.
type Manifest struct {
	RunID      string        `json:"run_id"`
	Suite      string        `json:"suite"`
	SuitePath  string        `json:"suite_path,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Engine     string        `json:"engine"`
	Headless   bool          `json:"headless"`
	HAR        string        `json:"har,omitempty"`
	Summary    Summary       `json:"summary"`
	Checks     []CheckRecord `json:"checks"`
	LogPath    string        `json:"log_path"`
}

// Run executes every check in the suite inside one browser session and
// produces artifacts. Individual checks failing does not fail the run;
// only the machinery around them can.
func Run(opts Options) (Result, error) {
	if opts.Suite == nil || len(opts.Suite.Checks) == 0 {
		return Result{}, errors.New("suite with at least one check is required")
	}
	if opts.Workspace == "" {
		cwd, _ := os.Getwd()
		opts.Workspace = cwd
	}
	if opts.Engine == "" {
		opts.Engine = "chromium"
	}
	proc := opts.Log
	if proc == nil {
		proc = slog.Default()
	}

	runID := uuid.NewString()
	runDir := filepath.Join(opts.Workspace, "runs", runID)
	artifactsDir := filepath.Join(runDir, "artifacts")
	logsDir := filepath.Join(runDir, "logs")
	if err := os.MkdirAll(artifactsDir, 0o755); err != nil {
		return Result{}, err
	}
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return Result{}, err
	}

	logPath := filepath.Join(logsDir, "runner.ndjson")
	logFile, err := os.Create(logPath)
	if err != nil {
		return Result{}, err
	}
	defer logFile.Close()
	log := slog.New(slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug})).
		With("run_id", runID)

	proc.Info("run started", "run_id", runID, "suite", opts.Suite.Name, "checks", len(opts.Suite.Checks))
	log.Info("run started", "suite", opts.Suite.Name, "checks", len(opts.Suite.Checks))

	if !opts.SkipInstall {
		log.Info("installing playwright browsers")
		if err := browser.EnsureInstalled(); err != nil {
			return Result{}, fmt.Errorf("install browsers: %w", err)
		}
	}

	profileDir := opts.ProfileDir
	ephemeral := profileDir == ""
	if ephemeral {
		profileDir = browser.TempProfileDir(runID)
	}

	bOpts := browser.Options{
		Headless:   opts.Headless,
		ProfileDir: profileDir,
		Ephemeral:  ephemeral,
		ExtraArgs:  opts.ExtraArgs,
	}
	if opts.CaptureVideo {
		bOpts.VideoDir = filepath.Join(artifactsDir, "video")
	}
	harName := ""
	if opts.CaptureHAR {
		harName = "network.har"
		bOpts.HARPath = filepath.Join(artifactsDir, harName)
	}

	sess, err := browser.Launch(bOpts)
	if err != nil {
		return Result{}, err
	}
	defer sess.Close()

	v := verifier.New(log, opts.BlockedHosts)
	start := time.Now()
	records := make([]CheckRecord, 0, len(opts.Suite.Checks))
	for _, check := range opts.Suite.Checks {
		records = append(records, runCheck(sess, v, check, artifactsDir, opts, log))
	}

	// HAR and any trailing video writes land on context close.
	if err := sess.Close(); err != nil {
		log.Warn("close session", "error", err)
	}

	manifest := Manifest{
		RunID:      runID,
		Suite:      opts.Suite.Name,
		SuitePath:  opts.SuitePath,
		StartedAt:  start,
		FinishedAt: time.Now(),
		Engine:     opts.Engine,
		Headless:   opts.Headless,
		HAR:        harName,
		Summary:    summarize(records),
		Checks:     records,
		LogPath:    logPath,
	}

	if err := writeManifest(filepath.Join(runDir, "run.json"), manifest); err != nil {
		log.Warn("write manifest failed", "error", err)
	}

	if hook := opts.Suite.Notify; hook.Webhook != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := notify.Deliver(ctx, hook.Webhook, hook.Secret, &notify.Event{
			Type:      "run.completed",
			RunID:     runID,
			Suite:     opts.Suite.Name,
			Timestamp: time.Now().Unix(),
			Data:      manifest,
		})
		cancel()
		if err != nil {
			log.Warn("webhook delivery failed", "url", hook.Webhook, "error", err)
			proc.Warn("webhook delivery failed", "url", hook.Webhook, "error", err)
		} else {
			log.Info("webhook delivered", "url", hook.Webhook)
		}
	}

	s := manifest.Summary
	log.Info("run finished", "pass", s.Pass, "degraded", s.Degraded, "failed", s.Failed, "skipped", s.Skipped)
	proc.Info("run finished", "run_id", runID, "pass", s.Pass, "degraded", s.Degraded, "failed", s.Failed, "skipped", s.Skipped)

	return Result{RunID: runID, RunDir: runDir, Manifest: manifest, LogPath: logPath}, nil
}

// runCheck gives every check a fresh page and folds video and baseline
// artifacts into its record.
func runCheck(sess *browser.Session, v *verifier.Verifier, check suite.Check, artifactsDir string, opts Options, log *slog.Logger) CheckRecord {
	rec := CheckRecord{Outcome: verifier.Outcome{
		CheckID: check.ID,
		Name:    check.Name,
		URL:     check.URL,
	}}
	if check.Skip {
		rec.Status = verifier.StatusSkipped
		log.Info("check skipped", "check", check.ID)
		return rec
	}

	page, err := sess.NewPage()
	if err != nil {
		log.Warn("open page failed", "check", check.ID, "error", err)
		rec.Status = verifier.StatusFailed
		rec.Error = fmt.Sprintf("open page: %v", err)
		return rec
	}

	rec.Outcome = v.Run(page, check, artifactsDir)

	video := page.Video()
	if err := page.Close(); err != nil {
		log.Warn("close page", "check", check.ID, "error", err)
	}
	if video != nil {
		videoPath, err := video.Path()
		if err != nil {
			log.Warn("video path error", "check", check.ID, "error", err)
		} else if videoPath != "" {
			rec.Video = filepath.Join("video", filepath.Base(videoPath))
			webpName := check.ID + ".webp"
			if err := convertToWebP(videoPath, filepath.Join(artifactsDir, webpName)); err != nil {
				log.Warn("webp conversion failed", "check", check.ID, "error", err)
			} else {
				rec.VideoWebP = webpName
				log.Info("webp created", "check", check.ID, "path", webpName)
			}
		}
	}

	if opts.BaselineDir != "" && rec.Screenshot != "" {
		compareBaseline(&rec, check, artifactsDir, opts, log)
	}
	return rec
}

func compareBaseline(rec *CheckRecord, check suite.Check, artifactsDir string, opts Options, log *slog.Logger) {
	basePath := filepath.Join(opts.BaselineDir, check.ID+".png")
	if _, err := os.Stat(basePath); err != nil {
		log.Info("no baseline for check", "check", check.ID, "path", basePath)
		return
	}
	diffName := check.ID + ".diff.png"
	d, err := baseline.Compare(basePath, filepath.Join(artifactsDir, rec.Screenshot), filepath.Join(artifactsDir, diffName))
	if err != nil {
		log.Warn("baseline compare failed", "check", check.ID, "error", err)
		rec.Warnings = append(rec.Warnings, fmt.Sprintf("baseline compare: %v", err))
		if rec.Status == verifier.StatusPass {
			rec.Status = verifier.StatusDegraded
		}
		return
	}
	if d.DiffImage != "" {
		d.DiffImage = diffName
	}
	rec.Baseline = d
	if d.Ratio > opts.DiffThreshold {
		log.Warn("baseline drift", "check", check.ID, "ratio", d.Ratio, "pixels", d.DiffPixels)
		rec.Warnings = append(rec.Warnings, fmt.Sprintf("baseline drift: %.4f of pixels changed", d.Ratio))
		if rec.Status == verifier.StatusPass {
			rec.Status = verifier.StatusDegraded
		}
	} else {
		log.Info("baseline match", "check", check.ID, "ratio", d.Ratio)
	}
}

func summarize(records []CheckRecord) Summary {
	s := Summary{Total: len(records)}
	for _, r := range records {
		switch r.Status {
		case verifier.StatusPass:
			s.Pass++
		case verifier.StatusDegraded:
			s.Degraded++
		case verifier.StatusFailed:
			s.Failed++
		case verifier.StatusSkipped:
			s.Skipped++
		}
	}
	return s
}

// Ok reports whether the run had no failed checks.
func (s Summary) Ok() bool {
	return s.Failed == 0
}

// --- helpers ---

func convertToWebP(input, output string) error {
	if input == "" {
		return errors.New("empty input video path")
	}
	if err := tryFfmpegWebp(input, output); err == nil {
		return nil
	}
	framesDir, err := os.MkdirTemp("", "webp-frames")
	if err != nil {
		return err
	}
	defer os.RemoveAll(framesDir)

	framePattern := filepath.Join(framesDir, "frame-%03d.png")
	cmd := exec.Command("ffmpeg", "-y", "-i", input, "-vf", "fps=15,scale=1280:-1:flags=lanczos", framePattern)
	if err := cmd.Run(); err != nil {
		return err
	}

	frames, err := filepath.Glob(filepath.Join(framesDir, "frame-*.png"))
	if err != nil {
		return err
	}
	if len(frames) == 0 {
		return errors.New("no frames generated for webp conversion")
	}

	args := append([]string{"-loop", "0"}, frames...)
	args = append(args, "-o", output)
	return exec.Command("img2webp", args...).Run()
}

func tryFfmpegWebp(input, output string) error {
	return exec.Command("ffmpeg", "-y", "-i", input, "-vcodec", "libwebp", "-filter:v", "fps=15,scale=1280:-1:flags=lanczos", "-loop", "0", "-an", "-fps_mode", "cfr", output).Run()
}

// ParseBlockedHosts splits a comma separated host list from flags or env.
func ParseBlockedHosts(raw string) []string {
	if raw == "" {
		return nil
	}
	var hosts []string
	for _, h := range strings.Split(raw, ",") {
		if h = strings.TrimSpace(h); h != "" {
			hosts = append(hosts, h)
		}
	}
	return hosts
}

// Prune removes the oldest run directories, keeping the newest keep runs.
// It returns the removed run IDs.
func Prune(workspace string, keep int) ([]string, error) {
	if keep < 0 {
		return nil, errors.New("keep must be >= 0")
	}
	runsDir := filepath.Join(workspace, "runs")
	entries, err := os.ReadDir(runsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	type runInfo struct {
		id  string
		mod time.Time
	}
	var runs []runInfo
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		runs = append(runs, runInfo{id: e.Name(), mod: info.ModTime()})
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].mod.After(runs[j].mod) })

	var removed []string
	for _, r := range runs[min(keep, len(runs)):] {
		if err := os.RemoveAll(filepath.Join(runsDir, r.id)); err != nil {
			return removed, err
		}
		removed = append(removed, r.id)
	}
	return removed, nil
}
