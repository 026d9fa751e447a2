package workflow

import (
	"fmt"

	"github.com/cexll/issueflow/internal/store"
)

// PreconditionError indicates a stage was asked to run without its
// dependency's output present, and the automatic fallback (if any) also
// failed. Action names the request the caller should make first.
type PreconditionError struct {
	Stage   store.Stage
	Message string
	Action  string
}

func (e *PreconditionError) Error() string {
	if e.Action != "" {
		return fmt.Sprintf("%s: %s. %s", e.Stage, e.Message, e.Action)
	}
	return fmt.Sprintf("%s: %s", e.Stage, e.Message)
}

// NotFoundError indicates a sync or fetch was requested for an issue with no
// existing record for that stage.
type NotFoundError struct {
	Stage       store.Stage
	IssueNumber int
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no %s record found for issue #%d", e.Stage, e.IssueNumber)
}
