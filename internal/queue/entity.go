package queue

import "time"

type Status string

const (
	StatusQueued    Status = "queued"
	StatusAssigned  Status = "assigned"
	StatusBlocked   Status = "blocked"
	StatusCompleted Status = "completed"
)

var Statuses = []Status{StatusQueued, StatusAssigned, StatusBlocked, StatusCompleted}

// WorkItem is one queued unit of work for a project. Items are ordered by
// priority descending, then position ascending. Title is the spec title and
// is only filled in by reads.
type WorkItem struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id"`
	SpecID      string     `json:"spec_id"`
	Title       string     `json:"title"`
	Priority    int        `json:"priority"`
	Position    int        `json:"position"`
	Status      Status     `json:"status"`
	BlockedBy   string     `json:"blocked_by,omitempty"`
	SessionID   string     `json:"session_id,omitempty"`
	AddedAt     time.Time  `json:"added_at"`
	AssignedAt  *time.Time `json:"assigned_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type Filter struct {
	Status      Status
	MinPriority int
	MaxPriority int
	// Text matches the spec title, case-insensitively.
	Text string
}

type Reorder struct {
	WorkItemID  string `json:"work_item_id"`
	NewPosition int    `json:"new_position"`
}

type Stats struct {
	Counts      map[Status]int `json:"counts"`
	Total       int            `json:"total"`
	MaxPriority int            `json:"max_priority"`
}
