package storage

import (
	"context"
	"errors"
	"time"

	"github.com/michaelbrown/scriptforge/internal/envmgr"
)

// ErrNotFound is returned when a run id or prefix matches nothing.
var ErrNotFound = errors.New("not found")

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	StatusQueued    RunStatus = "queued"
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
	StatusTimedOut  RunStatus = "timed_out"
)

// Done reports whether the run has reached a terminal state.
func (s RunStatus) Done() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimedOut
}

// StatusFor maps an execution outcome onto a terminal run status.
func StatusFor(kind envmgr.Kind) RunStatus {
	switch kind {
	case envmgr.KindSuccess:
		return StatusCompleted
	case envmgr.KindTimeout:
		return StatusTimedOut
	default:
		return StatusFailed
	}
}

// Run is one recorded script execution.
type Run struct {
	ID             string      `json:"id"`
	TaskID         string      `json:"task_id"`
	Script         string      `json:"script"`
	Argument       string      `json:"argument"`
	TimeoutSeconds int         `json:"timeout_seconds,omitempty"`
	Notify         bool        `json:"notify"`
	Status         RunStatus   `json:"status"`
	Outcome        envmgr.Kind `json:"outcome,omitempty"`
	Output         string      `json:"output,omitempty"`
	ExitCode       int         `json:"exit_code"`
	DurationMS     int64       `json:"duration_ms"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// Apply copies an execution result onto the run.
func (r *Run) Apply(res *envmgr.Result) {
	r.Status = StatusFor(res.Kind)
	r.Outcome = res.Kind
	r.Output = res.Payload()
	r.ExitCode = res.ExitCode
	r.DurationMS = res.Duration.Milliseconds()
	if res.TaskID != "" {
		r.TaskID = string(res.TaskID)
	}
}

// RunListOptions controls filtering and pagination for ListRuns.
type RunListOptions struct {
	Status RunStatus
	TaskID string
	Limit  int
	Offset int
}

// Store is the persistence interface for environments and runs.
type Store interface {
	envmgr.Registry

	// CreateRun inserts a new run. The ID field must be set by the caller.
	CreateRun(ctx context.Context, r *Run) error

	// GetRun returns a run by ID or unique ID prefix.
	GetRun(ctx context.Context, id string) (*Run, error)

	// ListRuns returns runs ordered by created_at descending.
	ListRuns(ctx context.Context, opts RunListOptions) ([]Run, error)

	// UpdateRun updates the mutable fields of a run.
	UpdateRun(ctx context.Context, r *Run) error

	// DeleteRun removes a run by ID or unique ID prefix.
	DeleteRun(ctx context.Context, id string) error

	// Close releases resources.
	Close() error
}
