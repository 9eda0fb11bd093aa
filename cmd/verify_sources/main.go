// Command verify_sources is the legacy smoke check for the data sources
// dashboard page. It navigates to the page, waits briefly for its heading,
// and leaves a full-page screenshot behind in verification/.
//
// A missing heading only prints a warning, any other failure prints an
// Error line, and the process always exits 0. Consumers read the
// screenshot, not the exit code.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/playwright-community/playwright-go"
)

const (
	targetURL       = "http://localhost:3000/dashboard/sources"
	headingSelector = "h1:has-text('Data Sources')"
	headingTimeout  = 10_000 // ms
	screenshotPath  = "verification/sources_page.png"
)

func main() {
	run()
}

func run() {
	if err := playwright.Install(&playwright.RunOptions{Browsers: []string{"chromium"}}); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	pw, err := playwright.Run()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	defer pw.Stop()

	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(true),
	})
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	defer browser.Close()

	if err := verify(browser); err != nil {
		fmt.Printf("Error: %v\n", err)
	}
}

// verify runs the navigate, wait, screenshot sequence. Only the heading
// wait may fail without aborting; the caller reports everything else.
func verify(browser playwright.Browser) error {
	page, err := browser.NewPage()
	if err != nil {
		return err
	}

	if _, err := page.Goto(targetURL); err != nil {
		return err
	}

	if _, err := page.WaitForSelector(headingSelector, playwright.PageWaitForSelectorOptions{
		Timeout: playwright.Float(headingTimeout),
	}); err != nil {
		fmt.Println("Heading not found, page might be erroring due to DB")
	}

	if err := os.MkdirAll(filepath.Dir(screenshotPath), 0o755); err != nil {
		return err
	}
	if _, err := page.Screenshot(playwright.PageScreenshotOptions{
		Path:     playwright.String(screenshotPath),
		FullPage: playwright.Bool(true),
	}); err != nil {
		return err
	}
	fmt.Println("Screenshot taken")
	return nil
}
