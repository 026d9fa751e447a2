// Package web exposes the stage workflow over HTTP.
package web

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"log"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"

	"github.com/cexll/issueflow/internal/devin"
	"github.com/cexll/issueflow/internal/github"
	"github.com/cexll/issueflow/internal/store"
	"github.com/cexll/issueflow/internal/workflow"
	"github.com/gorilla/mux"
)

//go:embed templates/*
var templatesFS embed.FS

// StageService runs and reconciles workflow stages
type StageService interface {
	RunTriage(ctx context.Context, issueNumber int, force bool) (*workflow.RunResult, error)
	RunExecute(ctx context.Context, issueNumber int, force bool) (*workflow.RunResult, error)
	RunVerify(ctx context.Context, issueNumber int, force bool) (*workflow.RunResult, error)
	Sync(ctx context.Context, stage store.Stage, issueNumber int) (*store.StageRecord, error)
	Get(stage store.Stage, issueNumber int) (*store.StageRecord, error)
	ClearCache(issueNumber int) map[string]bool
}

// IssueLister lists the repository's open issues
type IssueLister interface {
	ListOpenIssues(ctx context.Context) ([]github.Issue, error)
}

// SessionFetcher reads remote session state for the pass-through endpoint
type SessionFetcher interface {
	GetSession(ctx context.Context, sessionID string) (*devin.Session, error)
}

// Handler serves the JSON API and the dashboard page
type Handler struct {
	stages    StageService
	issues    IssueLister
	sessions  SessionFetcher
	repo      string
	templates *template.Template
}

// NewHandler creates a web handler. repo is the owner/repo slug shown on the
// dashboard.
func NewHandler(stages StageService, issues IssueLister, sessions SessionFetcher, repo string) (*Handler, error) {
	tmpl, err := template.ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, err
	}

	return &Handler{
		stages:    stages,
		issues:    issues,
		sessions:  sessions,
		repo:      repo,
		templates: tmpl,
	}, nil
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.Use(recoverMiddleware)

	r.HandleFunc("/health", h.handleHealth).Methods("GET")
	r.HandleFunc("/issues", h.handleListIssues).Methods("GET")

	r.HandleFunc("/issues/{number}/triage", h.runStage(store.StageTriage)).Methods("POST")
	r.HandleFunc("/issues/{number}/execute", h.runStage(store.StageExecute)).Methods("POST")
	r.HandleFunc("/issues/{number}/verify", h.runStage(store.StageVerify)).Methods("POST")

	r.HandleFunc("/issues/{number}/triage", h.getStage(store.StageTriage)).Methods("GET")
	r.HandleFunc("/issues/{number}/execute", h.getStage(store.StageExecute)).Methods("GET")
	r.HandleFunc("/issues/{number}/verify", h.getStage(store.StageVerify)).Methods("GET")

	r.HandleFunc("/issues/{number}/sync-triage", h.syncStage(store.StageTriage)).Methods("POST")
	r.HandleFunc("/issues/{number}/sync-execute", h.syncStage(store.StageExecute)).Methods("POST")
	r.HandleFunc("/issues/{number}/sync-verify", h.syncStage(store.StageVerify)).Methods("POST")

	r.HandleFunc("/issues/{number}/cache", h.handleClearCache).Methods("DELETE")

	r.HandleFunc("/sessions/{id}", h.handleGetSession).Methods("GET")
	r.HandleFunc("/dashboard", h.handleDashboard).Methods("GET")
}

// stageResponse is a stage record tagged with whether it came from cache
type stageResponse struct {
	Cached bool `json:"cached"`
	*store.StageRecord
}

// syncResponse is an updated record returned by a sync endpoint
type syncResponse struct {
	OK     bool `json:"ok"`
	Synced bool `json:"synced"`
	*store.StageRecord
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) handleListIssues(w http.ResponseWriter, r *http.Request) {
	issues, err := h.issues.ListOpenIssues(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if issues == nil {
		issues = []github.Issue{}
	}
	writeJSON(w, http.StatusOK, issues)
}

func (h *Handler) runStage(stage store.Stage) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		number, ok := issueNumber(w, r)
		if !ok {
			return
		}
		force := parseForce(r)

		var result *workflow.RunResult
		var err error
		switch stage {
		case store.StageTriage:
			result, err = h.stages.RunTriage(r.Context(), number, force)
		case store.StageExecute:
			result, err = h.stages.RunExecute(r.Context(), number, force)
		case store.StageVerify:
			result, err = h.stages.RunVerify(r.Context(), number, force)
		}
		if err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, &stageResponse{Cached: result.Cached, StageRecord: result.Record})
	}
}

func (h *Handler) getStage(stage store.Stage) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		number, ok := issueNumber(w, r)
		if !ok {
			return
		}

		record, err := h.stages.Get(stage, number)
		if err != nil {
			writeError(w, err)
			return
		}

		// Absence is not an error here; the body is JSON null
		writeJSON(w, http.StatusOK, record)
	}
}

func (h *Handler) syncStage(stage store.Stage) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		number, ok := issueNumber(w, r)
		if !ok {
			return
		}

		record, err := h.stages.Sync(r.Context(), stage, number)
		if err != nil {
			writeError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, &syncResponse{OK: true, Synced: true, StageRecord: record})
	}
}

func (h *Handler) handleClearCache(w http.ResponseWriter, r *http.Request) {
	number, ok := issueNumber(w, r)
	if !ok {
		return
	}

	cleared := h.stages.ClearCache(number)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":           true,
		"issue_number": number,
		"cleared":      cleared,
	})
}

// handleGetSession is a pass-through session read. The server holds the API
// key; nothing secret is echoed back.
func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	session, err := h.sessions.GetSession(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}

	if len(session.Raw) > 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(session.Raw)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *Handler) handleDashboard(w http.ResponseWriter, r *http.Request) {
	data := struct {
		Repo string
	}{Repo: h.repo}

	if err := h.templates.ExecuteTemplate(w, "dashboard.html", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func issueNumber(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := mux.Vars(r)["number"]
	number, err := strconv.Atoi(raw)
	if err != nil || number <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid issue number: " + raw})
		return 0, false
	}
	return number, true
}

func parseForce(r *http.Request) bool {
	force, err := strconv.ParseBool(r.URL.Query().Get("force"))
	if err != nil {
		return false
	}
	return force
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[Web] Failed to encode response: %v", err)
	}
}

// writeError maps the workflow error taxonomy onto HTTP statuses
func writeError(w http.ResponseWriter, err error) {
	var rateLimit *devin.RateLimitError
	if errors.As(err, &rateLimit) {
		writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"error":         rateLimit.Error(),
			"retry_after_s": rateLimit.RetryAfterS,
		})
		return
	}

	var precondition *workflow.PreconditionError
	if errors.As(err, &precondition) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": precondition.Error()})
		return
	}

	var notFound *workflow.NotFoundError
	if errors.As(err, &notFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": notFound.Error()})
		return
	}

	var apiErr *devin.APIError
	if errors.As(err, &apiErr) {
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"error":         apiErr.Error(),
			"remote_status": apiErr.StatusCode,
		})
		return
	}

	log.Printf("[Web] Internal error: %v", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}

// recoverMiddleware converts panics into a 500 response carrying the error
// and a truncated stack, so an unexpected failure never kills the process
func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Printf("[Web] Panic serving %s %s: %v", r.Method, r.URL.Path, rec)
				writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
					"error":          "internal server error",
					"detail":         toString(rec),
					"traceback_tail": stackTail(25),
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func toString(v interface{}) string {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	if s, ok := v.(string); ok {
		return s
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func stackTail(lines int) []string {
	all := strings.Split(string(debug.Stack()), "\n")
	if len(all) > lines {
		all = all[len(all)-lines:]
	}
	return all
}
