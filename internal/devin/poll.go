package devin

import (
	"context"
	"encoding/json"
	"time"
)

const (
	// DefaultPollInterval follows the API docs' recommended 10-30s cadence
	DefaultPollInterval = 15 * time.Second
	// DefaultPollTimeout caps a polling loop at 15 minutes
	DefaultPollTimeout = 900 * time.Second
)

// PollResult is the outcome of a client-side polling loop. Timeout is true
// when the deadline passed before the session produced what was asked for;
// it distinguishes "not done yet" from a terminal failure.
type PollResult struct {
	Session          *Session        `json:"session"`
	StructuredOutput json.RawMessage `json:"structured_output,omitempty"`
	PullRequestURL   string          `json:"pull_request_url,omitempty"`
	Timeout          bool            `json:"timeout,omitempty"`
}

// PollStructuredOutput polls a session until structured output appears, the
// session reaches a terminal status, or timeout elapses. These helpers are
// for callers driving their own polling; the server's request path never
// blocks on them.
func (c *Client) PollStructuredOutput(ctx context.Context, sessionID string, timeout, interval time.Duration) (*PollResult, error) {
	deadline := time.Now().Add(timeout)
	var last *Session

	for time.Now().Before(deadline) {
		session, err := c.GetSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		last = session

		if len(session.StructuredOutput) > 0 || session.Terminal() {
			return &PollResult{Session: session, StructuredOutput: session.StructuredOutput}, nil
		}
		c.sleep(interval)
	}

	result := &PollResult{Session: last, Timeout: true}
	if last != nil {
		result.StructuredOutput = last.StructuredOutput
	}
	return result, nil
}

// PollUntilPR polls a session until a pull request reference is available,
// the session finishes, or timeout elapses. The PR can surface either as a
// dedicated field on the session or as a pull_request_url key inside the
// structured output.
func (c *Client) PollUntilPR(ctx context.Context, sessionID string, timeout, interval time.Duration) (*PollResult, error) {
	deadline := time.Now().Add(timeout)
	var last *Session

	for time.Now().Before(deadline) {
		session, err := c.GetSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		last = session

		prURL := ExtractPullRequestURL(session)
		if prURL != "" {
			return &PollResult{
				Session:          session,
				StructuredOutput: session.StructuredOutput,
				PullRequestURL:   prURL,
			}, nil
		}

		if session.Terminal() {
			return &PollResult{Session: session, StructuredOutput: session.StructuredOutput}, nil
		}
		c.sleep(interval)
	}

	result := &PollResult{Session: last, Timeout: true}
	if last != nil {
		result.StructuredOutput = last.StructuredOutput
	}
	return result, nil
}

// ExtractPullRequestURL finds the session's PR URL, checking the dedicated
// pull_request field first and falling back to a pull_request_url key nested
// inside the structured output.
func ExtractPullRequestURL(session *Session) string {
	if session == nil {
		return ""
	}
	if session.PullRequest != nil && session.PullRequest.URL != "" {
		return session.PullRequest.URL
	}
	if len(session.StructuredOutput) == 0 {
		return ""
	}

	var out struct {
		PullRequestURL string `json:"pull_request_url"`
	}
	if err := json.Unmarshal(session.StructuredOutput, &out); err != nil {
		return ""
	}
	return out.PullRequestURL
}
