package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"witness/internal/runner"
	"witness/internal/suite"
)

// mcpCmd exposes page verification as MCP tools over stdio, so agents can
// point a browser at a page and get evidence back without shelling out.
func mcpCmd(args []string) {
	fs := flag.NewFlagSet("mcp", flag.ExitOnError)
	workspace := fs.String("workspace", ".", "Workspace root holding runs/")
	headless := fs.Bool("headless", true, "Headless mode")
	skipInstall := fs.Bool("skip-install", false, "Skip the playwright driver install step")
	fs.Parse(args)

	s := mcpserver.NewMCPServer(
		"witness",
		version,
		mcpserver.WithToolCapabilities(false),
	)

	verifyTool := mcp.NewTool("verify_page",
		mcp.WithDescription("Navigate a headless browser to a URL, wait for an optional readiness selector, and capture a full-page screenshot plus a markdown snapshot of the page. Returns the check outcome and artifact paths."),
		mcp.WithString("url",
			mcp.Required(),
			mcp.Description("The URL of the page to verify"),
		),
		mcp.WithString("selector",
			mcp.Description("CSS selector the page must render before it counts as ready (e.g. 'h1')"),
		),
		mcp.WithString("text",
			mcp.Description("Text the selector must contain (e.g. 'Data Sources')"),
		),
		mcp.WithString("title_contains",
			mcp.Description("Substring the page title must contain"),
		),
		mcp.WithNumber("timeout_seconds",
			mcp.Description("How long to wait for the selector (default: 10)"),
		),
	)
	s.AddTool(verifyTool, handleVerifyPage(*workspace, *headless, *skipInstall))

	suiteTool := mcp.NewTool("run_suite",
		mcp.WithDescription("Run a verification suite file (YAML) and return the run manifest with per-check outcomes."),
		mcp.WithString("path",
			mcp.Required(),
			mcp.Description("Path to the suite file"),
		),
	)
	s.AddTool(suiteTool, handleRunSuite(*workspace, *headless, *skipInstall))

	listTool := mcp.NewTool("list_runs",
		mcp.WithDescription("List verification run IDs recorded in the workspace."),
	)
	s.AddTool(listTool, handleListRuns(*workspace))

	if err := mcpserver.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

func handleVerifyPage(workspace string, headless, skipInstall bool) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		url, err := request.RequireString("url")
		if err != nil {
			return mcp.NewToolResultError("url is required"), nil
		}

		check := suite.Check{
			ID:            "adhoc",
			URL:           url,
			Selector:      request.GetString("selector", ""),
			Text:          request.GetString("text", ""),
			TitleContains: request.GetString("title_contains", ""),
		}
		if v, ok := request.GetArguments()["timeout_seconds"].(float64); ok && v > 0 {
			check.Timeout = time.Duration(v * float64(time.Second))
		}

		st, err := suite.Single(check)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		res, err := runner.Run(runner.Options{
			Suite:       st,
			Workspace:   workspace,
			Headless:    headless,
			SkipInstall: skipInstall,
		})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("run failed: %v", err)), nil
		}

		out, err := json.MarshalIndent(struct {
			RunID  string             `json:"run_id"`
			RunDir string             `json:"run_dir"`
			Check  runner.CheckRecord `json:"check"`
		}{res.RunID, res.RunDir, res.Manifest.Checks[0]}, "", "  ")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("encode result: %v", err)), nil
		}
		return mcp.NewToolResultText(string(out)), nil
	}
}

func handleRunSuite(workspace string, headless, skipInstall bool) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		path, err := request.RequireString("path")
		if err != nil {
			return mcp.NewToolResultError("path is required"), nil
		}
		st, err := suite.Load(path)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("load suite: %v", err)), nil
		}
		res, err := runner.Run(runner.Options{
			Suite:       st,
			SuitePath:   path,
			Workspace:   workspace,
			Headless:    headless,
			SkipInstall: skipInstall,
		})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("run failed: %v", err)), nil
		}
		out, err := json.MarshalIndent(res.Manifest, "", "  ")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("encode manifest: %v", err)), nil
		}
		return mcp.NewToolResultText(string(out)), nil
	}
}

func handleListRuns(workspace string) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ids, err := runner.FindRuns(workspace)
		if err != nil {
			if os.IsNotExist(err) {
				return mcp.NewToolResultText("no runs recorded"), nil
			}
			return mcp.NewToolResultError(err.Error()), nil
		}
		if len(ids) == 0 {
			return mcp.NewToolResultText("no runs recorded"), nil
		}
		return mcp.NewToolResultText(strings.Join(ids, "\n")), nil
	}
}
