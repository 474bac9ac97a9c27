package workflow

import "errors"

// Machine-readable error codes recorded on executions, logs, and node_status
// events. Human messages travel alongside, never instead.
const (
	CodeValidation     = "VALIDATION"
	CodeComponentError = "COMPONENT_ERROR"
	CodeTimeout        = "TIMEOUT"
	CodeBudgetExceeded = "BUDGET_EXCEEDED"
	CodeUpstreamFailed = "UPSTREAM_FAILED"
	CodeCancelled      = "CANCELLED"
	CodeCheckpointLost = "CHECKPOINT_LOST"
)

var (
	// ErrNotFound is returned when an entity does not exist or is soft-deleted.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a compare-and-set status transition loses:
	// the row was not in the expected prior status.
	ErrConflict = errors.New("status conflict")
)
