package eventbus

import (
	"time"

	"github.com/oklog/ulid/v2"
)

type Type string

const (
	ItemAdded         Type = "item_added"
	ItemRemoved       Type = "item_removed"
	ItemReordered     Type = "item_reordered"
	StatusChanged     Type = "status_changed"
	WorkerSpawned     Type = "worker_spawned"
	WorkerStarted     Type = "worker_started"
	WorkerCompleted   Type = "worker_completed"
	WorkerFailed      Type = "worker_failed"
	ProposalGenerated Type = "proposal_generated"
	ProposalUpdated   Type = "proposal_updated"
	PriorityEscalated Type = "priority_escalated"
)

// Event is a named notification. ID is unique per event and is the
// idempotency key for consumers, since delivery may repeat.
type Event struct {
	ID         string         `json:"id"`
	Type       Type           `json:"type"`
	ResourceID string         `json:"resource_id"`
	Payload    map[string]any `json:"payload,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

func NewEvent(t Type, resourceID string, payload map[string]any) *Event {
	return &Event{
		ID:         ulid.Make().String(),
		Type:       t,
		ResourceID: resourceID,
		Payload:    payload,
		CreatedAt:  time.Now(),
	}
}

// String returns a payload value as a string, or "" when absent.
func (e *Event) String(key string) string {
	s, _ := e.Payload[key].(string)
	return s
}

// Publisher is what components are constructed with to emit events.
type Publisher interface {
	Publish(event *Event)
}

// Discard drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(*Event) {}

// Observe returns a Publisher that calls fn with every event before passing
// it to p.
func Observe(p Publisher, fn func(*Event)) Publisher {
	return observer{next: p, fn: fn}
}

type observer struct {
	next Publisher
	fn   func(*Event)
}

func (o observer) Publish(e *Event) {
	o.fn(e)
	o.next.Publish(e)
}
