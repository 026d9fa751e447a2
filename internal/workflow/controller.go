// Package workflow orchestrates the per-issue triage, execute, and verify
// stages. Each stage follows the same shape: consult the record cache, start
// a remote session when needed, persist the session handle, and leave
// completion to be observed later via Sync.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/cexll/issueflow/internal/devin"
	"github.com/cexll/issueflow/internal/github"
	"github.com/cexll/issueflow/internal/store"
)

// SessionAPI starts and fetches remote agent sessions
type SessionAPI interface {
	CreateSession(ctx context.Context, req *devin.CreateSessionRequest) (*devin.CreateSessionResponse, error)
	GetSession(ctx context.Context, sessionID string) (*devin.Session, error)
}

// IssueSource reads issue data from the tracker
type IssueSource interface {
	GetIssue(ctx context.Context, number int) (*github.Issue, error)
	ListRecentComments(ctx context.Context, number, limit int) ([]github.Comment, error)
}

// RecordStore persists stage records
type RecordStore interface {
	Get(stage store.Stage, issueNumber int) (*store.StageRecord, error)
	Upsert(stage store.Stage, rec *store.StageRecord) error
	Delete(stage store.Stage, issueNumber int) (bool, error)
}

// RunResult is the outcome of running a stage. Cached distinguishes "already
// done" from "just started a session".
type RunResult struct {
	Cached bool
	Record *store.StageRecord
}

// Controller runs stages for issues in one configured repository
type Controller struct {
	records      RecordStore
	sessions     SessionAPI
	issues       IssueSource
	owner        string
	repo         string
	githubToken  string
	commentLimit int
}

// New creates a stage controller. githubToken is handed to execute/verify
// sessions as a session-scoped secret for repository write access; it is
// never logged.
func New(records RecordStore, sessions SessionAPI, issues IssueSource, owner, repo, githubToken string, commentLimit int) *Controller {
	if commentLimit <= 0 {
		commentLimit = 10
	}
	return &Controller{
		records:      records,
		sessions:     sessions,
		issues:       issues,
		owner:        owner,
		repo:         repo,
		githubToken:  githubToken,
		commentLimit: commentLimit,
	}
}

// Get returns the stored record for (stage, issue), or nil when absent.
// Absence is not an error here.
func (c *Controller) Get(stage store.Stage, issueNumber int) (*store.StageRecord, error) {
	return c.records.Get(stage, issueNumber)
}

// RunTriage starts (or returns the cached result of) the triage stage.
// A record whose structured output has been filled in counts as done.
func (c *Controller) RunTriage(ctx context.Context, issueNumber int, force bool) (*RunResult, error) {
	existing, err := c.records.Get(store.StageTriage, issueNumber)
	if err != nil {
		return nil, err
	}
	if existing != nil && !force && existing.HasStructuredOutput() {
		return &RunResult{Cached: true, Record: existing}, nil
	}

	issue, err := c.issues.GetIssue(ctx, issueNumber)
	if err != nil {
		return nil, err
	}
	comments, err := c.issues.ListRecentComments(ctx, issueNumber, c.commentLimit)
	if err != nil {
		return nil, err
	}

	prompt, err := buildTriagePrompt(c.owner, c.repo, issue, comments)
	if err != nil {
		return nil, err
	}

	resp, err := c.sessions.CreateSession(ctx, &devin.CreateSessionRequest{
		Prompt: prompt,
		Title:  sessionTitle("Triage", issueNumber, issue.Title),
		Tags:   stageTags(issueNumber, "triage"),
	})
	if err != nil {
		return nil, err
	}

	return c.persistNewRun(store.StageTriage, issueNumber, resp)
}

// RunExecute starts (or returns the cached result of) the execute stage. The
// cache is only considered satisfied once a pull request reference exists;
// structured output alone does not count. Triage output is required as plan
// input and is produced on the fly when missing.
func (c *Controller) RunExecute(ctx context.Context, issueNumber int, force bool) (*RunResult, error) {
	existing, err := c.records.Get(store.StageExecute, issueNumber)
	if err != nil {
		return nil, err
	}
	if existing != nil && !force && recordPullRequestURL(existing) != "" {
		return &RunResult{Cached: true, Record: existing}, nil
	}

	issue, err := c.issues.GetIssue(ctx, issueNumber)
	if err != nil {
		return nil, err
	}

	triageJSON, err := c.triageOutput(ctx, issueNumber)
	if err != nil {
		return nil, err
	}
	if triageJSON == "" {
		return nil, &PreconditionError{
			Stage:   store.StageExecute,
			Message: "no triage found for this issue",
			Action:  "Run POST /issues/{number}/triage first.",
		}
	}

	prompt, err := buildExecutePrompt(c.owner, c.repo, issue, triageJSON)
	if err != nil {
		return nil, err
	}

	resp, err := c.sessions.CreateSession(ctx, &devin.CreateSessionRequest{
		Prompt:         prompt,
		Title:          sessionTitle("Execute", issueNumber, issue.Title),
		Tags:           stageTags(issueNumber, "execute"),
		SessionSecrets: c.repoSecrets(),
	})
	if err != nil {
		return nil, err
	}

	return c.persistNewRun(store.StageExecute, issueNumber, resp)
}

// RunVerify starts (or returns the cached result of) the verify stage. Any
// existing record counts as a cache hit when not forced. Requires the execute
// stage to have reported a pull request URL.
func (c *Controller) RunVerify(ctx context.Context, issueNumber int, force bool) (*RunResult, error) {
	existing, err := c.records.Get(store.StageVerify, issueNumber)
	if err != nil {
		return nil, err
	}
	if existing != nil && !force {
		return &RunResult{Cached: true, Record: existing}, nil
	}

	execRecord, err := c.records.Get(store.StageExecute, issueNumber)
	if err != nil {
		return nil, err
	}
	prURL := ""
	if execRecord != nil {
		prURL = recordPullRequestURL(execRecord)
	}
	if prURL == "" {
		return nil, &PreconditionError{
			Stage:   store.StageVerify,
			Message: "no pull request found for this issue",
			Action:  "Run POST /issues/{number}/execute first and wait for the PR.",
		}
	}

	issue, err := c.issues.GetIssue(ctx, issueNumber)
	if err != nil {
		return nil, err
	}

	prNumber := pullRequestNumber(prURL)
	prompt, err := buildVerifyPrompt(c.owner, c.repo, issue, prURL, prNumber)
	if err != nil {
		return nil, err
	}

	resp, err := c.sessions.CreateSession(ctx, &devin.CreateSessionRequest{
		Prompt:         prompt,
		Title:          sessionTitle("Verify", issueNumber, issue.Title),
		Tags:           stageTags(issueNumber, "verify", "pr:"+prNumber),
		SessionSecrets: c.repoSecrets(),
	})
	if err != nil {
		return nil, err
	}

	return c.persistNewRun(store.StageVerify, issueNumber, resp)
}

// Sync re-fetches the remote session backing an existing record and merges
// newly available fields (structured output, pull request URL) into it.
// session_id and session_url are preserved unchanged. Idempotent: an
// unchanged remote snapshot reproduces the same record.
func (c *Controller) Sync(ctx context.Context, stage store.Stage, issueNumber int) (*store.StageRecord, error) {
	record, err := c.records.Get(stage, issueNumber)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, &NotFoundError{Stage: stage, IssueNumber: issueNumber}
	}
	if record.SessionID == "" {
		return nil, &PreconditionError{Stage: stage, Message: "record has no session_id"}
	}

	session, err := c.sessions.GetSession(ctx, record.SessionID)
	if err != nil {
		return nil, err
	}

	record.StructuredOutput = session.StructuredOutput
	record.Session = sessionSnapshot(session)
	if stage.HasPullRequest() {
		record.PullRequestURL = devin.ExtractPullRequestURL(session)
	}

	if err := c.records.Upsert(stage, record); err != nil {
		return nil, err
	}
	return c.records.Get(stage, issueNumber)
}

// ClearCache removes all three stage records for an issue. It reports what
// was deleted per stage and never fails: a broken store must not block
// clearing the rest. Remote sessions are not cancelled.
func (c *Controller) ClearCache(issueNumber int) map[string]bool {
	cleared := make(map[string]bool, len(store.Stages))
	for _, stage := range store.Stages {
		deleted, err := c.records.Delete(stage, issueNumber)
		if err != nil {
			log.Printf("[Workflow] Failed to clear %s cache for issue #%d: %v", stage, issueNumber, err)
			cleared[string(stage)] = false
			continue
		}
		cleared[string(stage)] = deleted
	}
	return cleared
}

// triageOutput returns the triage structured output for the issue, running
// triage once (unforced) when the cached output is missing. Returns "" when
// no output is available even after the fallback run.
func (c *Controller) triageOutput(ctx context.Context, issueNumber int) (string, error) {
	record, err := c.records.Get(store.StageTriage, issueNumber)
	if err != nil {
		return "", err
	}
	if record != nil && record.HasStructuredOutput() {
		return string(record.StructuredOutput), nil
	}

	result, err := c.RunTriage(ctx, issueNumber, false)
	if err != nil {
		return "", fmt.Errorf("triage fallback failed: %w", err)
	}
	if result.Record != nil && result.Record.HasStructuredOutput() {
		return string(result.Record.StructuredOutput), nil
	}
	return "", nil
}

// persistNewRun writes the freshly started session as the stage's record:
// session handle set, output empty, status placeholder "working".
func (c *Controller) persistNewRun(stage store.Stage, issueNumber int, resp *devin.CreateSessionResponse) (*RunResult, error) {
	record := &store.StageRecord{
		IssueNumber: issueNumber,
		SessionID:   resp.SessionID,
		SessionURL:  resp.URL,
		Session:     json.RawMessage(`{"status_enum":"working"}`),
	}
	if err := c.records.Upsert(stage, record); err != nil {
		return nil, err
	}

	saved, err := c.records.Get(stage, issueNumber)
	if err != nil {
		return nil, err
	}
	return &RunResult{Cached: false, Record: saved}, nil
}

func (c *Controller) repoSecrets() []devin.SessionSecret {
	if c.githubToken == "" {
		return nil
	}
	return []devin.SessionSecret{
		{Key: "GITHUB_TOKEN", Value: c.githubToken, Sensitive: true},
	}
}

// recordPullRequestURL finds the record's PR URL, preferring the dedicated
// column and falling back to a pull_request_url key inside the structured
// output.
func recordPullRequestURL(record *store.StageRecord) string {
	if record.PullRequestURL != "" {
		return record.PullRequestURL
	}
	if len(record.StructuredOutput) == 0 {
		return ""
	}

	var out struct {
		PullRequestURL string `json:"pull_request_url"`
	}
	if err := json.Unmarshal(record.StructuredOutput, &out); err != nil {
		return ""
	}
	return out.PullRequestURL
}

// pullRequestNumber extracts the numeric PR id as the final path segment of
// its URL, e.g. ".../pull/42" -> "42"
func pullRequestNumber(prURL string) string {
	trimmed := strings.TrimSuffix(prURL, "/")
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		return trimmed[i+1:]
	}
	return trimmed
}

func sessionSnapshot(session *devin.Session) json.RawMessage {
	if len(session.Raw) > 0 {
		return session.Raw
	}
	snapshot, err := json.Marshal(session)
	if err != nil {
		return nil
	}
	return snapshot
}
