package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClientWithBaseURL("octocat", "hello-world", "ghp_test", srv.URL)
	if err != nil {
		t.Fatalf("NewClientWithBaseURL() error = %v", err)
	}
	return client
}

func TestGetIssue(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/octocat/hello-world/issues/7" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		fmt.Fprint(w, `{
			"number": 7,
			"title": "Fix login bug",
			"body": "Login fails.",
			"labels": [{"name": "bug"}, {"name": "auth"}],
			"updated_at": "2024-05-01T12:00:00Z"
		}`)
	}))

	issue, err := client.GetIssue(context.Background(), 7)
	if err != nil {
		t.Fatalf("GetIssue() error = %v", err)
	}

	if issue.Number != 7 {
		t.Errorf("Number = %d, want 7", issue.Number)
	}
	if issue.Title != "Fix login bug" {
		t.Errorf("Title = %s", issue.Title)
	}
	if len(issue.Labels) != 2 || issue.Labels[0] != "bug" || issue.Labels[1] != "auth" {
		t.Errorf("Labels = %v", issue.Labels)
	}
	if issue.UpdatedAt != "2024-05-01T12:00:00Z" {
		t.Errorf("UpdatedAt = %s", issue.UpdatedAt)
	}
}

func TestGetIssueNotFound(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message": "Not Found"}`)
	}))

	_, err := client.GetIssue(context.Background(), 999)
	if err == nil {
		t.Fatal("GetIssue() succeeded for missing issue")
	}
}

func TestListRecentCommentsKeepsLastN(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		comments := make([]map[string]interface{}, 0, 15)
		for i := 1; i <= 15; i++ {
			comments = append(comments, map[string]interface{}{
				"user": map[string]string{"login": fmt.Sprintf("user%d", i)},
				"body": fmt.Sprintf("comment %d", i),
			})
		}
		json.NewEncoder(w).Encode(comments)
	}))

	got, err := client.ListRecentComments(context.Background(), 7, 10)
	if err != nil {
		t.Fatalf("ListRecentComments() error = %v", err)
	}

	if len(got) != 10 {
		t.Fatalf("got %d comments, want 10", len(got))
	}
	// The last 10, oldest first
	if got[0].Author != "user6" || got[0].Body != "comment 6" {
		t.Errorf("first kept comment = %+v, want user6", got[0])
	}
	if got[9].Author != "user15" {
		t.Errorf("last kept comment = %+v, want user15", got[9])
	}
}

func TestListRecentCommentsEmpty(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[]`)
	}))

	got, err := client.ListRecentComments(context.Background(), 7, 10)
	if err != nil {
		t.Fatalf("ListRecentComments() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %d comments, want 0", len(got))
	}
}

func TestListOpenIssuesSkipsPullRequests(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("state"); got != "open" {
			t.Errorf("state = %s, want open", got)
		}
		fmt.Fprint(w, `[
			{"number": 1, "title": "real issue"},
			{"number": 2, "title": "a PR", "pull_request": {"url": "https://api.github.com/repos/octocat/hello-world/pulls/2"}},
			{"number": 3, "title": "another issue"}
		]`)
	}))

	issues, err := client.ListOpenIssues(context.Background())
	if err != nil {
		t.Fatalf("ListOpenIssues() error = %v", err)
	}

	if len(issues) != 2 {
		t.Fatalf("got %d issues, want 2 (PR filtered out)", len(issues))
	}
	if issues[0].Number != 1 || issues[1].Number != 3 {
		t.Errorf("issues = %+v", issues)
	}
}

func TestRepoFullName(t *testing.T) {
	client := NewClient("octocat", "hello-world", "ghp_test")
	if got := client.RepoFullName(); got != "octocat/hello-world" {
		t.Errorf("RepoFullName() = %s, want octocat/hello-world", got)
	}
}
