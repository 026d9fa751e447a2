// Package devin is a minimal client for the Devin session API. It covers the
// two calls this service makes: creating a session and fetching its state.
package devin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"
)

const (
	// createMaxAttempts bounds the in-process retry loop on HTTP 429.
	// Session creation is the only call worth retrying locally; polling
	// reads are cheap and the caller already loops.
	createMaxAttempts = 3
)

// RateLimitError is returned when session creation stays throttled after the
// local retry budget is exhausted. RetryAfterS carries the last suggested wait
// so callers can surface a "try again in N seconds" response.
type RateLimitError struct {
	RetryAfterS int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("devin rate limited (429), retry after ~%ds", e.RetryAfterS)
}

// APIError is any non-success response from the Devin API. It is not retried.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("devin API error %d: %s", e.StatusCode, e.Body)
}

// SessionSecret is a secret injected into the remote session's sandboxed
// environment. Values must never be logged or echoed to clients.
type SessionSecret struct {
	Key       string `json:"key"`
	Value     string `json:"value"`
	Sensitive bool   `json:"sensitive"`
}

// CreateSessionRequest describes a new remote unit of work
type CreateSessionRequest struct {
	Prompt         string          `json:"prompt"`
	Title          string          `json:"title"`
	Tags           []string        `json:"tags"`
	SessionSecrets []SessionSecret `json:"session_secrets,omitempty"`
}

// CreateSessionResponse is the handle of a freshly created session
type CreateSessionResponse struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
}

// PullRequest is the session's pull request reference, once one exists
type PullRequest struct {
	URL string `json:"url"`
}

// Session is a snapshot of remote session state. Raw holds the undecoded
// response body so callers can persist the snapshot without losing fields
// this client does not model.
type Session struct {
	SessionID        string          `json:"session_id"`
	URL              string          `json:"url,omitempty"`
	StatusEnum       string          `json:"status_enum"`
	StructuredOutput json.RawMessage `json:"structured_output,omitempty"`
	PullRequest      *PullRequest    `json:"pull_request,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// Terminal reports whether the session has reached a final status
func (s *Session) Terminal() bool {
	switch s.StatusEnum {
	case "completed", "failed", "error", "cancelled", "finished":
		return true
	}
	return false
}

// Client calls the Devin session API
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client

	// injectable for tests
	sleep func(time.Duration)
}

// NewClient creates a Devin API client
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		sleep:      time.Sleep,
	}
}

// CreateSession starts a new remote session. On HTTP 429 it retries up to 3
// attempts total with exponential backoff (2s, 4s, 8s), honoring an integer
// Retry-After header over the exponential schedule when the server sends one.
func (c *Client) CreateSession(ctx context.Context, req *CreateSessionRequest) (*CreateSessionResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session request: %w", err)
	}

	for attempt := 1; attempt <= createMaxAttempts; attempt++ {
		status, headers, body, err := c.do(ctx, http.MethodPost, "/sessions", payload)
		if err != nil {
			return nil, err
		}

		if status == http.StatusTooManyRequests {
			sleepS := 1 << attempt // 2s, 4s, 8s
			if retryAfter, ok := parseRetryAfter(headers.Get("Retry-After")); ok {
				sleepS = retryAfter
			}
			if attempt == createMaxAttempts {
				return nil, &RateLimitError{RetryAfterS: sleepS}
			}
			log.Printf("[Devin] Rate limited creating session, attempt %d/%d, sleeping %ds", attempt, createMaxAttempts, sleepS)
			c.sleep(time.Duration(sleepS) * time.Second)
			continue
		}

		if status >= 400 {
			return nil, &APIError{StatusCode: status, Body: string(body)}
		}

		var resp CreateSessionResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("failed to decode session response: %w", err)
		}
		return &resp, nil
	}

	return nil, fmt.Errorf("unexpected error creating devin session")
}

// GetSession fetches the current state of a session. It is a cheap idempotent
// read, so non-success responses fail immediately without retry.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	status, _, body, err := c.do(ctx, http.MethodGet, "/sessions/"+sessionID, nil)
	if err != nil {
		return nil, err
	}

	if status >= 400 {
		return nil, &APIError{StatusCode: status, Body: string(body)}
	}

	var session Session
	if err := json.Unmarshal(body, &session); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	session.Raw = json.RawMessage(body)
	return &session, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte) (int, http.Header, []byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("devin request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("failed to read devin response: %w", err)
	}

	return resp.StatusCode, resp.Header, respBody, nil
}

func parseRetryAfter(header string) (int, bool) {
	if header == "" {
		return 0, false
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0, false
	}
	return seconds, true
}
