// Package suite defines the YAML format for verification suites: which
// pages to visit, what each page must show before it counts as ready,
// and what evidence to capture.
package suite

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Wait states accepted by Check.WaitUntil.
const (
	WaitLoad             = "load"
	WaitDOMContentLoaded = "domcontentloaded"
	WaitNetworkIdle      = "networkidle"
)

// Suite is an ordered set of page checks executed in a single browser run.
type Suite struct {
	Name     string   `yaml:"suite"`
	Defaults Defaults `yaml:"defaults"`
	Checks   []Check  `yaml:"checks"`
	Notify   Notify   `yaml:"notify"`
}

// Defaults fills per-check fields left unset.
type Defaults struct {
	Timeout   time.Duration `yaml:"timeout"`
	WaitUntil string        `yaml:"wait_until"`
	FullPage  *bool         `yaml:"full_page"`
}

// Check describes one page verification: navigate to URL, wait for the
// readiness selector, capture evidence.
type Check struct {
	ID            string        `yaml:"id"`
	Name          string        `yaml:"name"`
	URL           string        `yaml:"url"`
	Selector      string        `yaml:"selector"`
	Text          string        `yaml:"text"`
	Timeout       time.Duration `yaml:"timeout"`
	WaitUntil     string        `yaml:"wait_until"`
	FullPage      *bool         `yaml:"full_page"`
	Screenshot    string        `yaml:"screenshot"`
	TitleContains string        `yaml:"title_contains"`
	Skip          bool          `yaml:"skip"`
}

// Notify configures run-completion delivery.
type Notify struct {
	Webhook string `yaml:"webhook"`
	Secret  string `yaml:"secret"`
}

// Load reads and validates a suite file.
func Load(path string) (*Suite, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML suite data, applies defaults and validates it.
func Parse(data []byte) (*Suite, error) {
	var s Suite
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse suite: %w", err)
	}
	s.applyDefaults()
	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Suite) applyDefaults() {
	if s.Name == "" {
		s.Name = "unnamed"
	}
	if s.Defaults.Timeout <= 0 {
		s.Defaults.Timeout = 10 * time.Second
	}
	if s.Defaults.WaitUntil == "" {
		s.Defaults.WaitUntil = WaitNetworkIdle
	}
	if s.Defaults.FullPage == nil {
		full := true
		s.Defaults.FullPage = &full
	}
	for i := range s.Checks {
		c := &s.Checks[i]
		if c.Timeout <= 0 {
			c.Timeout = s.Defaults.Timeout
		}
		if c.WaitUntil == "" {
			c.WaitUntil = s.Defaults.WaitUntil
		}
		if c.FullPage == nil {
			c.FullPage = s.Defaults.FullPage
		}
		if c.Screenshot == "" && c.ID != "" {
			c.Screenshot = c.ID + ".png"
		}
	}
}

func (s *Suite) validate() error {
	if len(s.Checks) == 0 {
		return fmt.Errorf("suite %q has no checks", s.Name)
	}
	seen := make(map[string]bool, len(s.Checks))
	for i, c := range s.Checks {
		if c.ID == "" {
			return fmt.Errorf("check %d: missing id", i)
		}
		// Artifact names derive from the id.
		if strings.ContainsAny(c.ID, "/\\") || strings.Contains(c.ID, "..") {
			return fmt.Errorf("check %q: id must be a bare name", c.ID)
		}
		if seen[c.ID] {
			return fmt.Errorf("check %q: duplicate id", c.ID)
		}
		seen[c.ID] = true
		if c.URL == "" {
			return fmt.Errorf("check %q: missing url", c.ID)
		}
		u, err := url.Parse(c.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("check %q: invalid url %q", c.ID, c.URL)
		}
		switch c.WaitUntil {
		case WaitLoad, WaitDOMContentLoaded, WaitNetworkIdle:
		default:
			return fmt.Errorf("check %q: invalid wait_until %q", c.ID, c.WaitUntil)
		}
		if c.Text != "" && c.Selector == "" {
			return fmt.Errorf("check %q: text requires a selector", c.ID)
		}
		if strings.ContainsAny(c.Screenshot, "/\\") {
			return fmt.Errorf("check %q: screenshot must be a bare file name", c.ID)
		}
	}
	if s.Notify.Webhook != "" {
		u, err := url.Parse(s.Notify.Webhook)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("notify: invalid webhook url %q", s.Notify.Webhook)
		}
	}
	return nil
}

// Single wraps one check in a validated ad-hoc suite, applying defaults.
func Single(c Check) (*Suite, error) {
	s := &Suite{Name: "adhoc", Checks: []Check{c}}
	s.applyDefaults()
	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// WaitSelector returns the selector the check waits on, folding the
// optional text match into Playwright's has-text engine.
func (c Check) WaitSelector() string {
	if c.Selector == "" {
		return ""
	}
	if c.Text == "" {
		return c.Selector
	}
	return fmt.Sprintf("%s:has-text(%q)", c.Selector, c.Text)
}

// ExampleYAML is a starter suite written by the init command.
const ExampleYAML = `suite: dashboard
defaults:
  timeout: 10s
  wait_until: networkidle
  full_page: true
checks:
  - id: sources
    name: Data sources page
    url: http://localhost:3000/dashboard/sources
    selector: h1
    text: Data Sources
  - id: home
    name: Dashboard home
    url: http://localhost:3000/dashboard
    selector: main
    title_contains: Dashboard
# notify:
#   webhook: https://hooks.example.com/witness
#   secret: change-me
`
