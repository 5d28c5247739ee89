package schema

import "time"

// ExecutionStatus represents the lifecycle state of an execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// StepStatus is the terminal outcome of one step.
type StepStatus string

const (
	StepSkipped   StepStatus = "skipped"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// StepResult is the recorded outcome of a step. Once stored in an execution
// it is never modified.
type StepResult struct {
	Status    StepStatus     `json:"status"`
	Payload   map[string]any `json:"payload,omitempty"`
	Error     string         `json:"error,omitempty"`
	Attempts  int            `json:"attempts,omitempty"`
	ElapsedMs int64          `json:"elapsed_ms"`
}

// Clone returns a copy whose payload, nested maps and slices included, can
// be handed out safely.
func (r *StepResult) Clone() *StepResult {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Payload = DeepCopyMap(r.Payload)
	return &cp
}

// LogEntry is one line of an execution's step log.
type LogEntry struct {
	Step        string         `json:"step"`
	Kind        StepKind       `json:"type"`
	Status      StepStatus     `json:"status"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
	Attempts    int            `json:"attempts,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// ExecutionReport is the status payload returned to callers.
type ExecutionReport struct {
	ID          string                 `json:"id"`
	Workflow    string                 `json:"workflow"`
	Version     string                 `json:"version,omitempty"`
	Owner       string                 `json:"owner"`
	Status      ExecutionStatus        `json:"status"`
	CurrentStep string                 `json:"current_step,omitempty"`
	StepResults map[string]*StepResult `json:"step_results"`
	StartTime   time.Time              `json:"start_time"`
	EndTime     *time.Time             `json:"end_time,omitempty"`
	Error       string                 `json:"error,omitempty"`
	ErrorCode   string                 `json:"error_code,omitempty"`
	FailedStep  string                 `json:"failed_step,omitempty"`
	Warnings    []string               `json:"warnings,omitempty"`
	Log         []LogEntry             `json:"log,omitempty"`
}
