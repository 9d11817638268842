package worker

import "time"

type Status string

const (
	StatusSpawned   Status = "spawned"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// LiveStatuses are the non-terminal statuses. A (session, spec) pair has at
// most one worker in one of them.
var LiveStatuses = []Status{StatusSpawned, StatusActive}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Worker is one spawn attempt. A retry is a new Worker; the failed attempt
// is kept as it was.
type Worker struct {
	// ID is the handle returned by the executor.
	ID           string     `json:"id"`
	SessionID    string     `json:"session_id"`
	SpecID       string     `json:"spec_id"`
	AgentType    AgentType  `json:"agent_type"`
	Status       Status     `json:"status"`
	Prompt       string     `json:"-"`
	RetryCount   int        `json:"retry_count"`
	ErrorMessage string     `json:"error_message,omitempty"`
	Result       *Result    `json:"result,omitempty"`
	SpawnedAt    time.Time  `json:"spawned_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Result summarizes the activity of a completed worker.
type Result struct {
	ToolsExecuted int      `json:"tools_executed"`
	SuccessRate   float64  `json:"success_rate"`
	ChangedFiles  []string `json:"changed_files"`
	TestsRun      int      `json:"tests_run"`
	Summary       string   `json:"summary,omitempty"`
	// Inferred is set when completion was concluded from a completion phrase
	// and inactivity rather than an explicit result.
	Inferred bool `json:"inferred,omitempty"`
}

// ResultToolName marks the activity record an executor appends when the
// worker run ends.
const ResultToolName = "Result"

// Activity is one tool execution observed in a session. WorkerID is empty
// for records not attributed to a particular worker.
type Activity struct {
	ID           string
	SessionID    string
	WorkerID     string
	ToolName     string
	Success      bool
	DurationMs   int64
	ErrorMessage string
	RawInput     string
	Output       string
	CreatedAt    time.Time
}
