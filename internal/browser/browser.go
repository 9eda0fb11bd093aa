// Package browser owns the Playwright lifecycle: driver install, Chromium
// launch with a persistent profile, and release of everything on Close.
package browser

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/playwright-community/playwright-go"
)

// Options configure a browser session.
type Options struct {
	Headless   bool
	ProfileDir string   // profile location; required, caller picks a temp dir for throwaway sessions
	Ephemeral  bool     // remove ProfileDir on Close
	ExtraArgs  []string // appended to the Chromium command line
	VideoDir   string   // non-empty records a webm per page into this dir
	HARPath    string   // non-empty records network traffic as a HAR file
}

// Session is one launched Chromium with a single browser context. Pages
// are created from it; Close tears the whole stack down.
type Session struct {
	pw   *playwright.Playwright
	ctx  playwright.BrowserContext
	opts Options

	closeOnce sync.Once
	closeErr  error
}

// EnsureInstalled downloads the Playwright driver and Chromium if missing.
func EnsureInstalled() error {
	return playwright.Install(&playwright.RunOptions{Browsers: []string{"chromium"}})
}

// Launch starts Playwright and opens a persistent Chromium context.
func Launch(opts Options) (*Session, error) {
	if opts.ProfileDir == "" {
		return nil, fmt.Errorf("browser: ProfileDir is required")
	}
	if opts.Ephemeral {
		_ = os.RemoveAll(opts.ProfileDir)
	}

	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}

	ctxOpts := playwright.BrowserTypeLaunchPersistentContextOptions{
		Headless: playwright.Bool(opts.Headless),
		Args:     append([]string{"--disable-dev-shm-usage"}, opts.ExtraArgs...),
	}
	if opts.VideoDir != "" {
		ctxOpts.RecordVideo = &playwright.RecordVideo{
			Dir:  opts.VideoDir,
			Size: &playwright.Size{Width: 1280, Height: 720},
		}
	}
	if opts.HARPath != "" {
		ctxOpts.RecordHarPath = playwright.String(opts.HARPath)
	}

	ctx, err := pw.Chromium.LaunchPersistentContext(opts.ProfileDir, ctxOpts)
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("launch context: %w", err)
	}

	return &Session{pw: pw, ctx: ctx, opts: opts}, nil
}

// NewPage opens a fresh page in the session context.
func (s *Session) NewPage() (playwright.Page, error) {
	return s.ctx.NewPage()
}

// Close shuts down the context and the Playwright driver. The HAR file,
// if recording, is only complete after Close returns. Safe to call twice.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if err := s.ctx.Close(); err != nil {
			s.closeErr = fmt.Errorf("close context: %w", err)
		}
		if err := s.pw.Stop(); err != nil && s.closeErr == nil {
			s.closeErr = fmt.Errorf("stop playwright: %w", err)
		}
		if s.opts.Ephemeral {
			_ = os.RemoveAll(s.opts.ProfileDir)
		}
	})
	return s.closeErr
}

// TempProfileDir returns a per-run throwaway profile path.
func TempProfileDir(runID string) string {
	return filepath.Join(os.TempDir(), "witness-profile-"+runID)
}
