package worker

import "context"

type SpawnRequest struct {
	AgentType   AgentType
	Prompt      string
	Description string
	SessionID   string
	SpecID      string
}

// Executor runs worker tasks outside the coordinator. Liveness is not
// polled from it; executors report tool use into the activity feed.
type Executor interface {
	// Spawn starts a task and returns its agent id.
	Spawn(ctx context.Context, req SpawnRequest) (string, error)
	Cancel(ctx context.Context, agentID string) error
}
