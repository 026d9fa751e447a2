package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/cexll/issueflow/internal/config"
	"github.com/cexll/issueflow/internal/devin"
	"github.com/cexll/issueflow/internal/github"
	"github.com/cexll/issueflow/internal/store"
	"github.com/cexll/issueflow/internal/workflow"
	"github.com/joho/godotenv"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[MCP Stage Server] Failed to load configuration: %v", err)
	}

	log.Println("[MCP Stage Server] Starting issueflow MCP server v1.0.0")
	log.Printf("[MCP Stage Server] Repository: %s", cfg.RepoFullName())

	records, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("[MCP Stage Server] Failed to open record store: %v", err)
	}
	defer records.Close()

	var issues *github.Client
	if cfg.GitHubToken != "" {
		issues = github.NewClient(cfg.GitHubOwner, cfg.GitHubRepo, cfg.GitHubToken)
	} else {
		issues = github.NewAppClient(cfg.GitHubOwner, cfg.GitHubRepo, &github.AppAuth{
			AppID:      cfg.GitHubAppID,
			PrivateKey: cfg.GitHubPrivateKey,
		})
	}

	sessions := devin.NewClient(cfg.DevinBaseURL, cfg.DevinAPIKey)
	controller := workflow.New(records, sessions, issues, cfg.GitHubOwner, cfg.GitHubRepo, cfg.GitHubToken, cfg.CommentLimit)

	tools := &toolHandler{controller: controller, sessions: sessions}

	server := mcp.NewServer(&mcp.Implementation{
		Name:    "issueflow-stage-server",
		Version: "v1.0.0",
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "run_triage",
		Description: "Start (or return the cached result of) the triage stage for a GitHub issue",
	}, tools.HandleRunTriage)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "run_execute",
		Description: "Start (or return the cached result of) the execute stage for a GitHub issue",
	}, tools.HandleRunExecute)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "run_verify",
		Description: "Start (or return the cached result of) the verify stage for a GitHub issue",
	}, tools.HandleRunVerify)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_stage",
		Description: "Re-fetch the remote session for a stage and merge newly available fields into the stored record",
	}, tools.HandleSyncStage)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_stage",
		Description: "Return the stored stage record for an issue, if any",
	}, tools.HandleGetStage)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "clear_cache",
		Description: "Delete all cached stage records for an issue (does not cancel remote sessions)",
	}, tools.HandleClearCache)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "await_stage",
		Description: "Poll a stage's remote session until structured output (or, for execute, a PR URL) appears or a timeout elapses",
	}, tools.HandleAwaitStage)
	log.Println("[MCP Stage Server] Registered 7 tools")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("[MCP Stage Server] Received shutdown signal")
		cancel()
	}()

	log.Println("[MCP Stage Server] Starting on stdio transport...")
	if err := server.Run(ctx, &mcp.StdioTransport{}); err != nil {
		log.Fatalf("[MCP Stage Server] Server error: %v", err)
	}
	log.Println("[MCP Stage Server] Server stopped gracefully")
}
