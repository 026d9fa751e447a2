package main

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/cexll/issueflow/internal/config"
	"github.com/cexll/issueflow/internal/devin"
	"github.com/cexll/issueflow/internal/github"
	"github.com/cexll/issueflow/internal/store"
	"github.com/cexll/issueflow/internal/web"
	"github.com/cexll/issueflow/internal/workflow"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
)

var (
	loadDotEnv         = godotenv.Load
	openStore          = store.Open
	newWebHandler      = web.NewHandler
	defaultListenServe = http.ListenAndServe
)

func main() {
	if err := run(context.Background(), defaultListenServe); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func run(ctx context.Context, serve func(string, http.Handler) error) error {
	// Load .env file (ignore error if file doesn't exist)
	_ = loadDotEnv()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log.Printf("Starting issueflow server...")
	log.Printf("Port: %d", cfg.Port)
	log.Printf("Repository: %s", cfg.RepoFullName())
	log.Printf("Devin base URL: %s", cfg.DevinBaseURL)
	log.Printf("Record database: %s", cfg.DBPath)

	records, err := openStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open record store: %w", err)
	}
	defer records.Close()

	var issues *github.Client
	if cfg.GitHubToken != "" {
		issues = github.NewClient(cfg.GitHubOwner, cfg.GitHubRepo, cfg.GitHubToken)
	} else {
		log.Printf("GitHub auth: App %s", cfg.GitHubAppID)
		issues = github.NewAppClient(cfg.GitHubOwner, cfg.GitHubRepo, &github.AppAuth{
			AppID:      cfg.GitHubAppID,
			PrivateKey: cfg.GitHubPrivateKey,
		})
	}

	sessions := devin.NewClient(cfg.DevinBaseURL, cfg.DevinAPIKey)

	controller := workflow.New(records, sessions, issues, cfg.GitHubOwner, cfg.GitHubRepo, cfg.GitHubToken, cfg.CommentLimit)

	handler, err := newWebHandler(controller, issues, sessions, cfg.RepoFullName())
	if err != nil {
		return fmt.Errorf("failed to initialize web handler: %w", err)
	}

	r := mux.NewRouter()
	handler.RegisterRoutes(r)

	// Root endpoint with info
	r.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"service":"issueflow","status":"running","repo":"%s"}`, cfg.RepoFullName())
	}).Methods("GET")

	addr := fmt.Sprintf(":%d", cfg.Port)
	log.Printf("Server listening on %s", addr)
	log.Printf("Health check: http://localhost%s/health", addr)
	log.Printf("Dashboard: http://localhost%s/dashboard", addr)

	if err := serve(addr, r); err != nil {
		return fmt.Errorf("server failed to start: %w", err)
	}

	return nil
}
