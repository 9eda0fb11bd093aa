// Package server exposes the run archive and on-demand suite execution
// over HTTP. Run execution is injected so the API can be exercised
// without a browser.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"witness/internal/runner"
	"witness/internal/suite"
)

// RunFunc executes a suite and returns the run result.
type RunFunc func(s *suite.Suite, suitePath string) (*runner.Result, error)

// Server serves manifests, logs and artifacts from a workspace.
type Server struct {
	workspace string
	run       RunFunc
	log       *slog.Logger
}

func New(workspace string, run RunFunc, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{workspace: workspace, run: run, log: log}
}

// Routes builds the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(cors)
	r.Get("/health", s.handleHealth)
	r.Route("/v1/runs", func(r chi.Router) {
		r.Get("/", s.handleListRuns)
		r.Post("/", s.handleCreateRun)
		r.Get("/{runID}", s.handleGetRun)
		r.Get("/{runID}/logs", s.handleGetRunLogs)
	})
	// Raw artifacts: screenshots, content snapshots, videos, HAR files.
	runsDir := filepath.Join(s.workspace, "runs")
	r.Handle("/runs/*", http.StripPrefix("/runs/", http.FileServer(http.Dir(runsDir))))
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// runListItem is the condensed form returned by the list endpoint.
type runListItem struct {
	RunID     string         `json:"run_id"`
	Suite     string         `json:"suite"`
	StartedAt time.Time      `json:"started_at"`
	Summary   runner.Summary `json:"summary"`
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	ids, err := runner.FindRuns(s.workspace)
	if err != nil {
		if os.IsNotExist(err) {
			writeJSON(w, http.StatusOK, []runListItem{})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	items := make([]runListItem, 0, len(ids))
	for _, id := range ids {
		m, err := runner.LoadManifest(filepath.Join(s.workspace, "runs", id, "run.json"))
		if err != nil {
			// Half-written or foreign directories are not listable runs.
			continue
		}
		items = append(items, runListItem{RunID: m.RunID, Suite: m.Suite, StartedAt: m.StartedAt, Summary: m.Summary})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].StartedAt.After(items[j].StartedAt) })
	writeJSON(w, http.StatusOK, items)
}

// createRunRequest starts a run from a suite file or a single inline check.
type createRunRequest struct {
	SuitePath string `json:"suite_path,omitempty"`

	URL           string  `json:"url,omitempty"`
	Selector      string  `json:"selector,omitempty"`
	Text          string  `json:"text,omitempty"`
	TitleContains string  `json:"title_contains,omitempty"`
	TimeoutSec    float64 `json:"timeout_seconds,omitempty"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	var (
		st  *suite.Suite
		err error
	)
	switch {
	case req.SuitePath != "":
		st, err = suite.Load(req.SuitePath)
	case req.URL != "":
		st, err = suite.Single(suite.Check{
			ID:            "adhoc",
			URL:           req.URL,
			Selector:      req.Selector,
			Text:          req.Text,
			TitleContains: req.TitleContains,
			Timeout:       time.Duration(req.TimeoutSec * float64(time.Second)),
		})
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "suite_path or url is required"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	s.log.Info("run requested", "suite", st.Name, "checks", len(st.Checks))
	res, err := s.run(st, req.SuitePath)
	if err != nil {
		s.log.Error("run failed", "suite", st.Name, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	manifest := res.Manifest
	rewriteArtifactURLs(&manifest)
	writeJSON(w, http.StatusOK, manifest)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if !validRunID(runID) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid run id"})
		return
	}
	manifestPath := filepath.Join(s.workspace, "runs", runID, "run.json")
	if _, err := os.Stat(manifestPath); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	manifest, err := runner.LoadManifest(manifestPath)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	rewriteArtifactURLs(&manifest)
	writeJSON(w, http.StatusOK, manifest)
}

func (s *Server) handleGetRunLogs(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if !validRunID(runID) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid run id"})
		return
	}
	logPath := filepath.Join(s.workspace, "runs", runID, "logs", "runner.ndjson")
	if _, err := os.Stat(logPath); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	http.ServeFile(w, r, logPath)
}

// rewriteArtifactURLs turns manifest-relative artifact names into URLs
// served by the /runs/ file handler.
func rewriteArtifactURLs(m *runner.Manifest) {
	prefix := "/runs/" + m.RunID + "/artifacts/"
	if m.HAR != "" {
		m.HAR = prefix + m.HAR
	}
	m.LogPath = "/v1/runs/" + m.RunID + "/logs"
	for i := range m.Checks {
		c := &m.Checks[i]
		if c.Screenshot != "" {
			c.Screenshot = prefix + c.Screenshot
		}
		if c.Content != "" {
			c.Content = prefix + c.Content
		}
		if c.Video != "" {
			c.Video = prefix + c.Video
		}
		if c.VideoWebP != "" {
			c.VideoWebP = prefix + c.VideoWebP
		}
		if c.Baseline != nil && c.Baseline.DiffImage != "" {
			c.Baseline.DiffImage = prefix + c.Baseline.DiffImage
		}
	}
}

func validRunID(id string) bool {
	return id != "" && !strings.ContainsAny(id, "/\\") && id != "." && id != ".."
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		if r.Method == http.MethodOptions {
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
