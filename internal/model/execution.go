package model

import "time"

// ResultStatus is the lifecycle state of one host within an execution.
type ResultStatus string

const (
	ResultPending ResultStatus = "pending"
	ResultRunning ResultStatus = "running"
	ResultSuccess ResultStatus = "success"
	ResultError   ResultStatus = "error"
	ResultSkipped ResultStatus = "skipped"
)

// Terminal reports whether no further transition is possible.
func (s ResultStatus) Terminal() bool {
	return s == ResultSuccess || s == ResultError || s == ResultSkipped
}

// ExecutionStatus is the roll-up state of an execution.
type ExecutionStatus string

const (
	ExecPending   ExecutionStatus = "pending"
	ExecRunning   ExecutionStatus = "running"
	ExecCompleted ExecutionStatus = "completed"
	ExecFailed    ExecutionStatus = "failed"
	ExecCancelled ExecutionStatus = "cancelled"
)

// Finished reports whether the execution reached a final state.
func (s ExecutionStatus) Finished() bool {
	return s == ExecCompleted || s == ExecFailed || s == ExecCancelled
}

// CommandResult is the outcome for a single host. ExitCode is nil when the
// command never produced one (connect failure, timeout, skip).
type CommandResult struct {
	ConnectionID   string       `json:"connectionId"`
	ConnectionName string       `json:"connectionName"`
	Hostname       string       `json:"hostname"`
	Status         ResultStatus `json:"status"`
	ExitCode       *int         `json:"exitCode,omitempty"`
	Stdout         string       `json:"stdout,omitempty"`
	Stderr         string       `json:"stderr,omitempty"`
	Error          string       `json:"error,omitempty"`
	StartedAt      *time.Time   `json:"startedAt,omitempty"`
	CompletedAt    *time.Time   `json:"completedAt,omitempty"`
}

// Duration is zero unless both timestamps are set.
func (r CommandResult) Duration() time.Duration {
	if r.StartedAt == nil || r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(*r.StartedAt)
}

// PendingResult seeds the result slot for a connection.
func PendingResult(conn ServerConnection) CommandResult {
	return CommandResult{
		ConnectionID:   conn.ID,
		ConnectionName: conn.Name,
		Hostname:       conn.Hostname,
		Status:         ResultPending,
	}
}

// CommandExecution is one logical command fanned out across many hosts.
// Results holds exactly one slot per entry of ConnectionIDs, in the same order.
type CommandExecution struct {
	ID             string          `json:"id"`
	Command        string          `json:"command"`
	TargetOS       TargetOS        `json:"targetOs"`
	ConnectionIDs  []string        `json:"connectionIds"`
	Results        []CommandResult `json:"results"`
	Status         ExecutionStatus `json:"status"`
	StartedAt      time.Time       `json:"startedAt"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty"`
	SavedCommandID string          `json:"savedCommandId,omitempty"`
}

// ResultFor returns the slot index for a connection, or -1.
func (e *CommandExecution) ResultFor(connectionID string) int {
	for i := range e.Results {
		if e.Results[i].ConnectionID == connectionID {
			return i
		}
	}
	return -1
}

// Counts tallies results by status.
func (e *CommandExecution) Counts() map[ResultStatus]int {
	counts := make(map[ResultStatus]int)
	for _, r := range e.Results {
		counts[r.Status]++
	}
	return counts
}

// AggregateStatus rolls per-host results up into an execution status.
// Skipped hosts never fail an execution.
func AggregateStatus(results []CommandResult, cancelled bool) ExecutionStatus {
	if cancelled {
		return ExecCancelled
	}
	failed := false
	for _, r := range results {
		if !r.Status.Terminal() {
			return ExecRunning
		}
		if r.Status == ResultError {
			failed = true
		}
	}
	if failed {
		return ExecFailed
	}
	return ExecCompleted
}

// ExecutionPatch is a partial update of an execution record.
type ExecutionPatch struct {
	Status      *ExecutionStatus
	CompletedAt *time.Time
}
