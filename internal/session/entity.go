package session

import "time"

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// Session is a supervisory session. It works on at most one work item at
// a time.
type Session struct {
	ID                string    `json:"id"`
	ProjectID         string    `json:"project_id"`
	Status            Status    `json:"status"`
	CurrentWorkItemID string    `json:"current_work_item_id"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}
