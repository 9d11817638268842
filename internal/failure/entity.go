package failure

import "time"

type Classification string

const (
	ClassificationNew        Classification = "NEW"
	ClassificationFlaky      Classification = "FLAKY"
	ClassificationRecurring  Classification = "RECURRING"
	ClassificationPersistent Classification = "PERSISTENT"
)

type ErrorType string

const (
	ErrorTypeType          ErrorType = "type-error"
	ErrorTypeMissingProp   ErrorType = "missing-property"
	ErrorTypeAssertion     ErrorType = "assertion-failure"
	ErrorTypeNetwork       ErrorType = "network-error"
	ErrorTypeConfiguration ErrorType = "configuration-error"
	ErrorTypeOther         ErrorType = "other"
)

// Failure is one reported test failure. It stays pending until the watcher
// links it to a spec.
type Failure struct {
	ID           string `json:"id"`
	ProjectID    string `json:"project_id"`
	RunID        string `json:"run_id"`
	TestName     string `json:"test_name"`
	ErrorMessage string `json:"error_message"`
	Stack        string `json:"stack"`
	File         string `json:"file"`
	// TotalRuns and ConsecutiveFailures are optional counters supplied by
	// CI. Zero means unknown.
	TotalRuns           int       `json:"total_runs"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OccurredAt          time.Time `json:"occurred_at"`
	SpecID              string    `json:"spec_id"`
	Resolved            bool      `json:"resolved"`
}

// History aggregates every failure of one test.
type History struct {
	TestName            string         `json:"test_name"`
	Occurrences         int            `json:"occurrences"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
	TotalRuns           int            `json:"total_runs"`
	LastSeen            time.Time      `json:"last_seen"`
	Classification      Classification `json:"classification"`
}

// FailureRate is occurrences over observed runs. A test with no recorded
// runs counts as always failing.
func (h *History) FailureRate() float64 {
	if h.TotalRuns <= 0 {
		return 1
	}
	return float64(h.Occurrences) / float64(h.TotalRuns)
}

// TrackedProposal links a generated spec to the failure signature it was
// generated from.
type TrackedProposal struct {
	SpecID          string
	TestName        string
	NormalizedError string
	ErrorType       ErrorType
	Occurrences     int
	Priority        int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Report is the document CI drops into the report directory or posts to
// the API.
type Report struct {
	ProjectID string            `yaml:"project_id" json:"project_id"`
	RunID     string            `yaml:"run_id" json:"run_id"`
	Failures  []ReportedFailure `yaml:"failures" json:"failures"`
	Passed    []string          `yaml:"passed" json:"passed"`
}

type ReportedFailure struct {
	TestName            string `yaml:"test_name" json:"test_name"`
	ErrorMessage        string `yaml:"error_message" json:"error_message"`
	Stack               string `yaml:"stack" json:"stack"`
	File                string `yaml:"file" json:"file"`
	TotalRuns           int    `yaml:"total_runs" json:"total_runs"`
	ConsecutiveFailures int    `yaml:"consecutive_failures" json:"consecutive_failures"`
}
