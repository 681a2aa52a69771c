// pmpilot-mcp exposes the pmpilot job tools to MCP-capable clients.
//
// Usage:
//
//	pmpilot-mcp serve    # Start MCP server (stdio transport)
//
// It reads the same environment as the API server. Jobs it launches are
// recorded under PMPILOT_MCP_SESSION (default "mcp") and reconciled by the
// API server's poller.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kiranshivaraju/pmpilot/internal/cache"
	"github.com/kiranshivaraju/pmpilot/internal/config"
	"github.com/kiranshivaraju/pmpilot/internal/jobs"
	"github.com/kiranshivaraju/pmpilot/internal/mcpserver"
	"github.com/kiranshivaraju/pmpilot/internal/store"
	"github.com/kiranshivaraju/pmpilot/internal/tools"
	"github.com/kiranshivaraju/pmpilot/internal/workflow"
	"github.com/mark3labs/mcp-go/server"
)

const defaultSessionID = "mcp"

func main() {
	// stdout belongs to the MCP transport.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "--help", "-h", "help":
		printUsage()
	case "--version", "-v", "version":
		fmt.Printf("pmpilot-mcp v%s\n", mcpserver.Version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	pgStore := store.NewPostgresStore(pool)
	runner := workflow.NewGitHubClient(cfg.GitHub, cfg.Workflow)
	launcher := jobs.NewLauncher(pgStore, runner, jobs.NewCacheNotifier(redisCache))
	dispatcher := tools.NewBuiltinDispatcher(launcher, pgStore, cfg.Workflow, cfg.Poller.JobTimeout)

	sessionID := os.Getenv("PMPILOT_MCP_SESSION")
	if sessionID == "" {
		sessionID = defaultSessionID
	}
	slog.Info("mcp server starting", "session_id", sessionID, "tools", len(dispatcher.Tools()))

	return server.ServeStdio(mcpserver.New(dispatcher, sessionID))
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `pmpilot-mcp v%s

Usage:
  pmpilot-mcp serve    Start the MCP server (stdio transport)

Configuration:
  Add to your AI tool's MCP config:

  {
    "mcpServers": {
      "pmpilot": {
        "command": "pmpilot-mcp",
        "args": ["serve"]
      }
    }
  }
`, mcpserver.Version)
}
