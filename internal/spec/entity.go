package spec

import "time"

type Status string

const (
	StatusProposing  Status = "proposing"
	StatusApproved   Status = "approved"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusReview     Status = "review"
	StatusApplied    Status = "applied"
	StatusArchived   Status = "archived"
)

type Origin string

const (
	OriginError Origin = "error"
	OriginUser  Origin = "user"
)

// Trigger identifies who requested a transition.
type Trigger string

const (
	TriggerUser   Trigger = "user"
	TriggerWorker Trigger = "worker"
	TriggerSystem Trigger = "system"
)

type Spec struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Title     string `json:"title"`
	Status    Status `json:"status"`
	// Priority is the escalation-aware priority computed for error-derived
	// specs; 0 when none was computed.
	Priority int    `json:"priority"`
	Origin   Origin `json:"origin"`
	// Classification is the failure classification the spec was derived
	// from, empty for user-authored specs.
	Classification  string    `json:"classification"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	StatusChangedAt time.Time `json:"status_changed_at"`
	StatusChangedBy string    `json:"status_changed_by"`
}

// Content holds the documents of a spec. The core treats them as opaque
// except for the task checklist.
type Content struct {
	Proposal  string    `yaml:"proposal" json:"proposal"`
	Tasks     string    `yaml:"tasks" json:"tasks"`
	Design    string    `yaml:"design" json:"design"`
	UpdatedAt time.Time `yaml:"updated_at" json:"updated_at"`
}

// Text returns all documents joined, for keyword scoring.
func (c *Content) Text() string {
	if c == nil {
		return ""
	}
	return c.Proposal + "\n" + c.Tasks + "\n" + c.Design
}

type TransitionRecord struct {
	ID          string    `json:"id"`
	SpecID      string    `json:"spec_id"`
	From        Status    `json:"from"`
	To          Status    `json:"to"`
	TriggeredBy Trigger   `json:"triggered_by"`
	UserID      string    `json:"user_id"`
	SessionID   string    `json:"session_id"`
	Notes       string    `json:"notes"`
	CreatedAt   time.Time `json:"created_at"`
}

type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "pending"
	VerificationVerified VerificationStatus = "verified"
	VerificationFailed   VerificationStatus = "failed"
)

type AppliedSpec struct {
	ID                 string             `json:"id"`
	SpecID             string             `json:"spec_id"`
	ProjectID          string             `json:"project_id"`
	SessionID          string             `json:"session_id"`
	Notes              string             `json:"notes"`
	VerificationStatus VerificationStatus `json:"verification_status"`
	AppliedAt          time.Time          `json:"applied_at"`
	VerifiedAt         *time.Time         `json:"verified_at"`
}
