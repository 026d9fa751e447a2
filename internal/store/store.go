package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Stage identifies one phase of the per-issue workflow
type Stage string

const (
	StageTriage  Stage = "triage"
	StageExecute Stage = "execute"
	StageVerify  Stage = "verify"
)

// Stages lists all workflow stages in dependency order
var Stages = []Stage{StageTriage, StageExecute, StageVerify}

// table maps a stage to its backing table. Only the execute table carries a
// pull_request_url column.
func (s Stage) table() (string, error) {
	switch s {
	case StageTriage:
		return "triage_runs", nil
	case StageExecute:
		return "exec_runs", nil
	case StageVerify:
		return "verify_runs", nil
	}
	return "", fmt.Errorf("unknown stage: %s", s)
}

// HasPullRequest reports whether records for this stage carry a pull request URL
func (s Stage) HasPullRequest() bool {
	return s == StageExecute
}

// StageRecord is one cached run of a stage for an issue. StructuredOutput and
// Session are opaque JSON blobs; the store does not interpret them.
type StageRecord struct {
	IssueNumber      int             `json:"issue_number"`
	CreatedAt        int64           `json:"created_at"`
	SessionID        string          `json:"session_id"`
	SessionURL       string          `json:"session_url,omitempty"`
	StructuredOutput json.RawMessage `json:"structured_output,omitempty"`
	PullRequestURL   string          `json:"pull_request_url,omitempty"`
	Session          json.RawMessage `json:"session,omitempty"`
}

// HasStructuredOutput reports whether the remote session has produced output.
// An empty JSON object counts as absent, matching the "still in progress"
// placeholder written at session creation.
func (r *StageRecord) HasStructuredOutput() bool {
	return len(r.StructuredOutput) > 0 && string(r.StructuredOutput) != "{}" && string(r.StructuredOutput) != "null"
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS triage_runs (
	issue_number INTEGER PRIMARY KEY,
	created_at INTEGER NOT NULL,
	session_id TEXT NOT NULL,
	session_url TEXT,
	structured_output TEXT,
	raw_session_json TEXT
);
CREATE TABLE IF NOT EXISTS exec_runs (
	issue_number INTEGER PRIMARY KEY,
	created_at INTEGER NOT NULL,
	session_id TEXT NOT NULL,
	session_url TEXT,
	structured_output TEXT,
	pull_request_url TEXT,
	raw_session_json TEXT
);
CREATE TABLE IF NOT EXISTS verify_runs (
	issue_number INTEGER PRIMARY KEY,
	created_at INTEGER NOT NULL,
	session_id TEXT NOT NULL,
	session_url TEXT,
	structured_output TEXT,
	raw_session_json TEXT
);
`

// Store persists stage records in SQLite, one table per stage
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the record database at path
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the record for (stage, issue), or nil if none exists
func (s *Store) Get(stage Stage, issueNumber int) (*StageRecord, error) {
	table, err := stage.table()
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT issue_number, created_at, session_id, session_url, structured_output, raw_session_json FROM %s WHERE issue_number = ?", table)
	if stage.HasPullRequest() {
		query = fmt.Sprintf("SELECT issue_number, created_at, session_id, session_url, structured_output, pull_request_url, raw_session_json FROM %s WHERE issue_number = ?", table)
	}

	row := s.db.QueryRow(query, issueNumber)

	rec := &StageRecord{}
	var sessionURL, structuredOutput, rawSession sql.NullString
	var pullRequestURL sql.NullString

	var scanErr error
	if stage.HasPullRequest() {
		scanErr = row.Scan(&rec.IssueNumber, &rec.CreatedAt, &rec.SessionID, &sessionURL, &structuredOutput, &pullRequestURL, &rawSession)
	} else {
		scanErr = row.Scan(&rec.IssueNumber, &rec.CreatedAt, &rec.SessionID, &sessionURL, &structuredOutput, &rawSession)
	}
	if scanErr == sql.ErrNoRows {
		return nil, nil
	}
	if scanErr != nil {
		return nil, fmt.Errorf("failed to read %s record: %w", stage, scanErr)
	}

	rec.SessionURL = sessionURL.String
	rec.PullRequestURL = pullRequestURL.String
	if structuredOutput.Valid && structuredOutput.String != "" {
		rec.StructuredOutput = json.RawMessage(structuredOutput.String)
	}
	if rawSession.Valid && rawSession.String != "" {
		rec.Session = json.RawMessage(rawSession.String)
	}

	return rec, nil
}

// Upsert writes the full record for (stage, rec.IssueNumber), replacing all
// non-key columns of any existing row in a single statement. CreatedAt is
// stamped on every write.
func (s *Store) Upsert(stage Stage, rec *StageRecord) error {
	table, err := stage.table()
	if err != nil {
		return err
	}

	createdAt := s.now().Unix()
	structuredOutput := nullableJSON(rec.StructuredOutput)
	rawSession := nullableJSON(rec.Session)

	if stage.HasPullRequest() {
		query := fmt.Sprintf(`
		INSERT INTO %s(issue_number, created_at, session_id, session_url, structured_output, pull_request_url, raw_session_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(issue_number) DO UPDATE SET
			created_at=excluded.created_at,
			session_id=excluded.session_id,
			session_url=excluded.session_url,
			structured_output=excluded.structured_output,
			pull_request_url=excluded.pull_request_url,
			raw_session_json=excluded.raw_session_json`, table)
		if _, err := s.db.Exec(query, rec.IssueNumber, createdAt, rec.SessionID, rec.SessionURL, structuredOutput, rec.PullRequestURL, rawSession); err != nil {
			return fmt.Errorf("failed to upsert %s record: %w", stage, err)
		}
		return nil
	}

	query := fmt.Sprintf(`
	INSERT INTO %s(issue_number, created_at, session_id, session_url, structured_output, raw_session_json)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(issue_number) DO UPDATE SET
		created_at=excluded.created_at,
		session_id=excluded.session_id,
		session_url=excluded.session_url,
		structured_output=excluded.structured_output,
		raw_session_json=excluded.raw_session_json`, table)
	if _, err := s.db.Exec(query, rec.IssueNumber, createdAt, rec.SessionID, rec.SessionURL, structuredOutput, rawSession); err != nil {
		return fmt.Errorf("failed to upsert %s record: %w", stage, err)
	}
	return nil
}

// Delete removes the record for (stage, issue). Returns true iff a row existed.
// The underlying remote session is unaffected.
func (s *Store) Delete(stage Stage, issueNumber int) (bool, error) {
	table, err := stage.table()
	if err != nil {
		return false, err
	}

	res, err := s.db.Exec(fmt.Sprintf("DELETE FROM %s WHERE issue_number = ?", table), issueNumber)
	if err != nil {
		return false, fmt.Errorf("failed to delete %s record: %w", stage, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
