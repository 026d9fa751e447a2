package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cexll/issueflow/internal/devin"
	"github.com/cexll/issueflow/internal/store"
	"github.com/cexll/issueflow/internal/workflow"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type toolHandler struct {
	controller *workflow.Controller
	sessions   *devin.Client
}

// StageParams identifies an issue for a stage run
type StageParams struct {
	IssueNumber int  `json:"issue_number" jsonschema:"The GitHub issue number"`
	Force       bool `json:"force,omitempty" jsonschema:"Re-run the stage even if a satisfying cached record exists"`
}

// NamedStageParams identifies an issue plus a stage name
type NamedStageParams struct {
	IssueNumber int    `json:"issue_number" jsonschema:"The GitHub issue number"`
	Stage       string `json:"stage" jsonschema:"One of: triage, execute, verify"`
}

// IssueParams identifies an issue
type IssueParams struct {
	IssueNumber int `json:"issue_number" jsonschema:"The GitHub issue number"`
}

// AwaitParams configures a polling loop on a stage's session
type AwaitParams struct {
	IssueNumber int    `json:"issue_number" jsonschema:"The GitHub issue number"`
	Stage       string `json:"stage" jsonschema:"One of: triage, execute, verify"`
	TimeoutS    int    `json:"timeout_s,omitempty" jsonschema:"Polling deadline in seconds (default 900)"`
	IntervalS   int    `json:"interval_s,omitempty" jsonschema:"Polling interval in seconds (default 15)"`
}

func (h *toolHandler) HandleRunTriage(ctx context.Context, req *mcp.CallToolRequest, params StageParams) (*mcp.CallToolResult, any, error) {
	result, err := h.controller.RunTriage(ctx, params.IssueNumber, params.Force)
	if err != nil {
		return errorResult(err), nil, nil
	}
	return jsonResult(runPayload(result))
}

func (h *toolHandler) HandleRunExecute(ctx context.Context, req *mcp.CallToolRequest, params StageParams) (*mcp.CallToolResult, any, error) {
	result, err := h.controller.RunExecute(ctx, params.IssueNumber, params.Force)
	if err != nil {
		return errorResult(err), nil, nil
	}
	return jsonResult(runPayload(result))
}

func (h *toolHandler) HandleRunVerify(ctx context.Context, req *mcp.CallToolRequest, params StageParams) (*mcp.CallToolResult, any, error) {
	result, err := h.controller.RunVerify(ctx, params.IssueNumber, params.Force)
	if err != nil {
		return errorResult(err), nil, nil
	}
	return jsonResult(runPayload(result))
}

func (h *toolHandler) HandleSyncStage(ctx context.Context, req *mcp.CallToolRequest, params NamedStageParams) (*mcp.CallToolResult, any, error) {
	stage, err := parseStage(params.Stage)
	if err != nil {
		return nil, nil, err
	}

	record, err := h.controller.Sync(ctx, stage, params.IssueNumber)
	if err != nil {
		return errorResult(err), nil, nil
	}
	return jsonResult(record)
}

func (h *toolHandler) HandleGetStage(ctx context.Context, req *mcp.CallToolRequest, params NamedStageParams) (*mcp.CallToolResult, any, error) {
	stage, err := parseStage(params.Stage)
	if err != nil {
		return nil, nil, err
	}

	record, err := h.controller.Get(stage, params.IssueNumber)
	if err != nil {
		return errorResult(err), nil, nil
	}
	if record == nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("no %s record for issue #%d", stage, params.IssueNumber)}},
		}, nil, nil
	}
	return jsonResult(record)
}

func (h *toolHandler) HandleClearCache(ctx context.Context, req *mcp.CallToolRequest, params IssueParams) (*mcp.CallToolResult, any, error) {
	cleared := h.controller.ClearCache(params.IssueNumber)
	return jsonResult(map[string]interface{}{
		"ok":           true,
		"issue_number": params.IssueNumber,
		"cleared":      cleared,
	})
}

// HandleAwaitStage blocks on the devin polling helpers until the stage's
// session produces what the stage needs or the deadline passes
func (h *toolHandler) HandleAwaitStage(ctx context.Context, req *mcp.CallToolRequest, params AwaitParams) (*mcp.CallToolResult, any, error) {
	stage, err := parseStage(params.Stage)
	if err != nil {
		return nil, nil, err
	}

	record, err := h.controller.Get(stage, params.IssueNumber)
	if err != nil {
		return errorResult(err), nil, nil
	}
	if record == nil {
		return errorResult(fmt.Errorf("no %s record for issue #%d; run the stage first", stage, params.IssueNumber)), nil, nil
	}

	timeout := devin.DefaultPollTimeout
	if params.TimeoutS > 0 {
		timeout = time.Duration(params.TimeoutS) * time.Second
	}
	interval := devin.DefaultPollInterval
	if params.IntervalS > 0 {
		interval = time.Duration(params.IntervalS) * time.Second
	}

	var poll *devin.PollResult
	if stage.HasPullRequest() {
		poll, err = h.sessions.PollUntilPR(ctx, record.SessionID, timeout, interval)
	} else {
		poll, err = h.sessions.PollStructuredOutput(ctx, record.SessionID, timeout, interval)
	}
	if err != nil {
		return errorResult(err), nil, nil
	}

	// Fold whatever the poll observed into the stored record
	if _, err := h.controller.Sync(ctx, stage, params.IssueNumber); err != nil {
		return errorResult(err), nil, nil
	}
	return jsonResult(poll)
}

func runPayload(result *workflow.RunResult) map[string]interface{} {
	return map[string]interface{}{
		"cached": result.Cached,
		"record": result.Record,
	}
}

func parseStage(name string) (store.Stage, error) {
	switch store.Stage(name) {
	case store.StageTriage, store.StageExecute, store.StageVerify:
		return store.Stage(name), nil
	}
	return "", fmt.Errorf("invalid stage %q (expected triage, execute, or verify)", name)
}

func jsonResult(v interface{}) (*mcp.CallToolResult, any, error) {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(payload)}},
	}, nil, nil
}

func errorResult(err error) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("Error: %v", err)}},
		IsError: true,
	}
}
