// Package github reads issue data from one configured GitHub repository.
package github

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	gh "github.com/google/go-github/v66/github"
)

// Issue is the slice of issue data the workflow needs
type Issue struct {
	Number    int      `json:"number"`
	Title     string   `json:"title"`
	Body      string   `json:"body"`
	Labels    []string `json:"labels"`
	UpdatedAt string   `json:"updated_at"`
}

// Comment is one issue comment
type Comment struct {
	Author string `json:"author"`
	Body   string `json:"body"`
}

// Client reads issues and comments from a single owner/repo
type Client struct {
	gh    *gh.Client
	owner string
	repo  string
}

// NewClient creates a client authenticated with a static token
func NewClient(owner, repo, token string) *Client {
	return &Client{
		gh:    gh.NewClient(nil).WithAuthToken(token),
		owner: owner,
		repo:  repo,
	}
}

// NewAppClient creates a client authenticated as a GitHub App installation
func NewAppClient(owner, repo string, auth *AppAuth) *Client {
	httpClient := &http.Client{
		Transport: newInstallationTransport(auth, owner, repo),
		Timeout:   60 * time.Second,
	}
	return &Client{
		gh:    gh.NewClient(httpClient),
		owner: owner,
		repo:  repo,
	}
}

// NewClientWithBaseURL creates a token client pointed at a custom API base,
// used by tests to target an httptest server
func NewClientWithBaseURL(owner, repo, token, baseURL string) (*Client, error) {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	client := gh.NewClient(nil).WithAuthToken(token)
	client.BaseURL = parsed
	return &Client{gh: client, owner: owner, repo: repo}, nil
}

// RepoFullName returns the owner/repo slug this client is bound to
func (c *Client) RepoFullName() string {
	return c.owner + "/" + c.repo
}

// GetIssue fetches a single issue by number
func (c *Client) GetIssue(ctx context.Context, number int) (*Issue, error) {
	issue, _, err := c.gh.Issues.Get(ctx, c.owner, c.repo, number)
	if err != nil {
		return nil, fmt.Errorf("failed to get issue #%d: %w", number, err)
	}
	return convertIssue(issue), nil
}

// ListRecentComments returns the most recent limit comments on an issue,
// oldest first
func (c *Client) ListRecentComments(ctx context.Context, number, limit int) ([]Comment, error) {
	opts := &gh.IssueListCommentsOptions{
		ListOptions: gh.ListOptions{PerPage: 100},
	}

	var all []*gh.IssueComment
	for {
		comments, resp, err := c.gh.Issues.ListComments(ctx, c.owner, c.repo, number, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to list comments for issue #%d: %w", number, err)
		}
		all = append(all, comments...)
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}

	result := make([]Comment, 0, len(all))
	for _, comment := range all {
		result = append(result, Comment{
			Author: comment.GetUser().GetLogin(),
			Body:   comment.GetBody(),
		})
	}
	return result, nil
}

// ListOpenIssues returns the repository's open issues, excluding pull
// requests (the issues API reports PRs as issues too)
func (c *Client) ListOpenIssues(ctx context.Context) ([]Issue, error) {
	opts := &gh.IssueListByRepoOptions{
		State:       "open",
		ListOptions: gh.ListOptions{PerPage: 100},
	}

	var result []Issue
	for {
		issues, resp, err := c.gh.Issues.ListByRepo(ctx, c.owner, c.repo, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to list issues: %w", err)
		}
		for _, issue := range issues {
			if issue.IsPullRequest() {
				continue
			}
			result = append(result, *convertIssue(issue))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return result, nil
}

func convertIssue(issue *gh.Issue) *Issue {
	labels := make([]string, 0, len(issue.Labels))
	for _, label := range issue.Labels {
		labels = append(labels, label.GetName())
	}

	updatedAt := ""
	if ts := issue.GetUpdatedAt(); !ts.IsZero() {
		updatedAt = ts.Format(time.RFC3339)
	}

	return &Issue{
		Number:    issue.GetNumber(),
		Title:     issue.GetTitle(),
		Body:      issue.GetBody(),
		Labels:    labels,
		UpdatedAt: updatedAt,
	}
}
