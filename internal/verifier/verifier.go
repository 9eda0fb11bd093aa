// Package verifier executes a single page check: navigate, wait for the
// readiness selector, then capture evidence regardless of what the page
// actually rendered. Only a failed navigation fails a check outright; a
// missing selector or a lost artifact degrades it instead, so one broken
// page never hides the state of the rest.
package verifier

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/playwright-community/playwright-go"

	"witness/internal/suite"
)

// Status classifies a check outcome.
type Status string

const (
	StatusPass     Status = "pass"     // navigated, all expectations met, evidence captured
	StatusDegraded Status = "degraded" // navigated, but an expectation or artifact fell short
	StatusFailed   Status = "failed"   // navigation failed, nothing to show
	StatusSkipped  Status = "skipped"
)

// Outcome records what one check observed and captured. Artifact fields
// are file names relative to the run's artifacts directory.
type Outcome struct {
	CheckID       string   `json:"check_id"`
	Name          string   `json:"name,omitempty"`
	URL           string   `json:"url"`
	Status        Status   `json:"status"`
	SelectorFound *bool    `json:"selector_found,omitempty"`
	TitleOK       *bool    `json:"title_ok,omitempty"`
	Screenshot    string   `json:"screenshot,omitempty"`
	Content       string   `json:"content,omitempty"`
	FinalURL      string   `json:"final_url,omitempty"`
	PageTitle     string   `json:"page_title,omitempty"`
	Error         string   `json:"error,omitempty"`
	Warnings      []string `json:"warnings,omitempty"`
	DurationMS    int64    `json:"duration_ms"`
}

// Verifier runs checks against pages handed to it. Safe for reuse across
// checks; the markdown converter it carries is goroutine-safe.
type Verifier struct {
	log     *slog.Logger
	md      *converter.Converter
	blocked []string
}

// New returns a Verifier logging to log. Requests to blockedHosts (exact
// host or any subdomain) are aborted before they leave the browser.
func New(log *slog.Logger, blockedHosts []string) *Verifier {
	if log == nil {
		log = slog.Default()
	}
	return &Verifier{
		log: log,
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(
					table.WithCellPaddingBehavior(table.CellPaddingBehaviorMinimal),
				),
			),
		),
		blocked: blockedHosts,
	}
}

// Run executes check on page and writes its artifacts into artifactsDir.
// The page is left open; the caller owns its lifecycle.
func (v *Verifier) Run(page playwright.Page, check suite.Check, artifactsDir string) (out Outcome) {
	out.CheckID = check.ID
	out.Name = check.Name
	out.URL = check.URL

	log := v.log.With("check", check.ID)
	start := time.Now()
	defer func() { out.DurationMS = time.Since(start).Milliseconds() }()

	if len(v.blocked) > 0 {
		if err := page.Route("**/*", func(route playwright.Route) {
			host := requestHost(route.Request().URL())
			if hostBlocked(host, v.blocked) {
				log.Debug("request blocked", "host", host)
				if err := route.Abort(); err != nil {
					_ = route.Continue()
				}
				return
			}
			_ = route.Continue()
		}); err != nil {
			out.warn(log, "install route filter", err)
		}
	}

	log.Info("navigating", "url", check.URL, "wait_until", check.WaitUntil)
	if _, err := page.Goto(check.URL, playwright.PageGotoOptions{
		WaitUntil: waitUntilState(check.WaitUntil),
		Timeout:   playwright.Float(40_000),
	}); err != nil {
		log.Warn("navigation failed", "error", err)
		out.Status = StatusFailed
		out.Error = fmt.Sprintf("navigate: %v", err)
		return out
	}

	if sel := check.WaitSelector(); sel != "" {
		found := true
		if _, err := page.WaitForSelector(sel, playwright.PageWaitForSelectorOptions{
			Timeout: playwright.Float(float64(check.Timeout.Milliseconds())),
		}); err != nil {
			found = false
			log.Warn("selector not found", "selector", sel, "error", err)
			out.Warnings = append(out.Warnings, fmt.Sprintf("selector %s not found", sel))
		} else {
			log.Info("selector present", "selector", sel)
		}
		out.SelectorFound = &found
	}

	title, err := page.Title()
	if err != nil {
		out.warn(log, "read title", err)
	}
	out.PageTitle = title
	if check.TitleContains != "" {
		ok := strings.Contains(title, check.TitleContains)
		if !ok {
			log.Warn("title mismatch", "want", check.TitleContains, "got", title)
			out.Warnings = append(out.Warnings, fmt.Sprintf("title %q does not contain %q", title, check.TitleContains))
		}
		out.TitleOK = &ok
	}

	if check.Screenshot != "" {
		path := filepath.Join(artifactsDir, check.Screenshot)
		fullPage := check.FullPage == nil || *check.FullPage
		if _, err := page.Screenshot(playwright.PageScreenshotOptions{
			Path:     playwright.String(path),
			FullPage: playwright.Bool(fullPage),
		}); err != nil {
			out.warn(log, "screenshot", err)
		} else {
			out.Screenshot = check.Screenshot
			log.Info("screenshot captured", "path", path)
		}
	}

	if name, err := v.snapshotContent(page, check, artifactsDir); err != nil {
		out.warn(log, "content snapshot", err)
	} else {
		out.Content = name
	}

	out.FinalURL = page.URL()
	out.Status = statusOf(out)
	return out
}

// snapshotContent renders the page DOM to markdown next to the screenshot,
// so a run is diffable as text and not just as pixels.
func (v *Verifier) snapshotContent(page playwright.Page, check suite.Check, artifactsDir string) (string, error) {
	html, err := page.Content()
	if err != nil {
		return "", err
	}
	md, err := v.md.ConvertString(html, converter.WithDomain(requestHost(check.URL)))
	if err != nil {
		return "", err
	}
	name := check.ID + ".md"
	if err := os.WriteFile(filepath.Join(artifactsDir, name), []byte(md), 0o644); err != nil {
		return "", err
	}
	return name, nil
}

func (o *Outcome) warn(log *slog.Logger, what string, err error) {
	log.Warn(what+" failed", "error", err)
	o.Warnings = append(o.Warnings, fmt.Sprintf("%s: %v", what, err))
}

// statusOf classifies a navigated check. Any missed expectation or lost
// artifact degrades it; a clean sweep passes.
func statusOf(o Outcome) Status {
	if o.Error != "" {
		return StatusFailed
	}
	if o.SelectorFound != nil && !*o.SelectorFound {
		return StatusDegraded
	}
	if o.TitleOK != nil && !*o.TitleOK {
		return StatusDegraded
	}
	if len(o.Warnings) > 0 {
		return StatusDegraded
	}
	return StatusPass
}

func waitUntilState(name string) *playwright.WaitUntilState {
	switch name {
	case suite.WaitLoad:
		return playwright.WaitUntilStateLoad
	case suite.WaitDOMContentLoaded:
		return playwright.WaitUntilStateDomcontentloaded
	default:
		return playwright.WaitUntilStateNetworkidle
	}
}

func requestHost(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// hostBlocked reports whether host matches any entry exactly or as a
// subdomain of it.
func hostBlocked(host string, blocked []string) bool {
	if host == "" {
		return false
	}
	for _, b := range blocked {
		b = strings.TrimSpace(strings.ToLower(b))
		if b == "" {
			continue
		}
		h := strings.ToLower(host)
		if h == b || strings.HasSuffix(h, "."+b) {
			return true
		}
	}
	return false
}
