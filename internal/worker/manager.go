package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"

	"github.com/kazz187/specguild/internal/eventbus"
	"github.com/kazz187/specguild/internal/queue"
	"github.com/kazz187/specguild/internal/session"
	"github.com/kazz187/specguild/internal/spec"
	"github.com/kazz187/specguild/pkg/cerr"
	"github.com/kazz187/specguild/pkg/clock"
)

// MaxRetries is the number of retries made with the failed attempt's agent
// type. The next retry falls back to AgentGeneral, and the one after that
// requires manual intervention.
const MaxRetries = 3

// Transitioner moves specs through their lifecycle.
type Transitioner interface {
	Transition(ctx context.Context, specID string, to spec.Status, by spec.Trigger, opts ...spec.TransitionOption) (*spec.Spec, error)
}

// WorkQueue is the part of the work queue that settles the item a worker
// was spawned for.
type WorkQueue interface {
	CompleteWorkItem(ctx context.Context, itemID string) (*queue.WorkItem, error)
	BlockWorkItem(ctx context.Context, itemID, blockedBySpecID string) (*queue.WorkItem, error)
	UnblockWorkItem(ctx context.Context, itemID string) (*queue.WorkItem, error)
}

type Manager struct {
	repo      Repository
	specs     spec.Repository
	content   spec.ContentRepository
	sessions  session.Repository
	lifecycle Transitioner
	queue     WorkQueue
	executor  Executor
	bus       eventbus.Publisher
	clock     clock.Clock
}

func NewManager(repo Repository, specs spec.Repository, content spec.ContentRepository, sessions session.Repository,
	lifecycle Transitioner, queue WorkQueue, executor Executor, bus eventbus.Publisher, clk clock.Clock,
) *Manager {
	return &Manager{
		repo:      repo,
		specs:     specs,
		content:   content,
		sessions:  sessions,
		lifecycle: lifecycle,
		queue:     queue,
		executor:  executor,
		bus:       bus,
		clock:     clk,
	}
}

func (m *Manager) publish(t eventbus.Type, w *Worker, extra map[string]any) {
	payload := map[string]any{
		"kind":        "worker",
		"worker_id":   w.ID,
		"session_id":  w.SessionID,
		"spec_id":     w.SpecID,
		"agent_type":  string(w.AgentType),
		"retry_count": w.RetryCount,
	}
	maps.Copy(payload, extra)
	m.bus.Publish(eventbus.NewEvent(t, w.ID, payload))
}

// Spawn starts a worker for the spec on behalf of a session holding a work
// item. An empty agentType is chosen by SelectAgent over the spec content.
func (m *Manager) Spawn(ctx context.Context, sessionID, specID string, agentType AgentType) (*Worker, error) {
	sess, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.CurrentWorkItemID == "" {
		return nil, cerr.PreconditionError("session", sessionID, "idle", "a current work item")
	}
	sp, content, err := m.loadSpec(ctx, specID)
	if err != nil {
		return nil, err
	}
	if agentType == "" {
		agentType = SelectAgent(sp.Title + "\n" + content.Text())
	} else if _, err := ParseAgentType(string(agentType)); err != nil {
		return nil, cerr.ValidationError(err.Error())
	}
	w, err := m.launch(ctx, sessionID, sp, content, agentType, 0, "")
	if err != nil {
		return nil, err
	}
	if sp.Status == spec.StatusAssigned {
		if _, err := m.lifecycle.Transition(ctx, specID, spec.StatusInProgress, spec.TriggerWorker,
			spec.ExpectFrom(spec.StatusAssigned), spec.WithSession(sessionID)); err != nil {
			slog.Warn("worker: failed to move spec to in_progress", "spec_id", specID, "error", err)
		}
	}
	return w, nil
}

func (m *Manager) loadSpec(ctx context.Context, specID string) (*spec.Spec, *spec.Content, error) {
	sp, err := m.specs.Get(ctx, specID)
	if err != nil {
		return nil, nil, err
	}
	content, err := m.content.Get(ctx, specID)
	if err != nil {
		if !errors.Is(err, cerr.ErrNotFound) {
			return nil, nil, err
		}
		content = &spec.Content{}
	}
	return sp, content, nil
}

// launch asks the executor for a task and records it. Nothing is stored
// when the executor fails.
func (m *Manager) launch(ctx context.Context, sessionID string, sp *spec.Spec, content *spec.Content,
	agentType AgentType, retryCount int, previousFailure string,
) (*Worker, error) {
	prompt, err := BuildPrompt(agentType, sp, content, previousFailure, retryCount)
	if err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", err)
	}
	agentID, err := m.executor.Spawn(ctx, SpawnRequest{
		AgentType:   agentType,
		Prompt:      prompt,
		Description: sp.Title,
		SessionID:   sessionID,
		SpecID:      sp.ID,
	})
	if err != nil {
		return nil, cerr.NewError(cerr.Unavailable, "failed to spawn worker", err)
	}
	w := &Worker{
		ID:         agentID,
		SessionID:  sessionID,
		SpecID:     sp.ID,
		AgentType:  agentType,
		Status:     StatusSpawned,
		Prompt:     prompt,
		RetryCount: retryCount,
		SpawnedAt:  m.clock.Now(),
	}
	if err := m.repo.Create(ctx, w); err != nil {
		if cancelErr := m.executor.Cancel(ctx, agentID); cancelErr != nil {
			slog.Warn("worker: failed to cancel orphaned task", "worker_id", agentID, "error", cancelErr)
		}
		return nil, err
	}
	slog.Info("worker: spawned", "worker_id", w.ID, "spec_id", sp.ID, "agent_type", agentType, "retry_count", retryCount)
	m.publish(eventbus.WorkerSpawned, w, nil)
	return w, nil
}

// Cancel marks the worker cancelled. The executor is asked to stop the task
// but its failure does not keep the worker alive. Cancelling a live worker
// blocks its work item on its own spec and frees the session; an operator
// unblocks the item to have it dispatched again.
func (m *Manager) Cancel(ctx context.Context, id string) (*Worker, error) {
	w, err := m.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	live := !w.Status.Terminal()
	if live {
		m.stop(ctx, id)
	}
	now := m.clock.Now()
	if err := m.repo.SetCancelled(ctx, id, now); err != nil {
		return nil, err
	}
	w.Status = StatusCancelled
	w.CompletedAt = &now
	slog.Info("worker: cancelled", "worker_id", id)
	if live {
		if itemID := m.heldItem(ctx, w); itemID != "" {
			if _, err := m.queue.BlockWorkItem(ctx, itemID, w.SpecID); err != nil {
				slog.Warn("worker: failed to release work item", "work_item_id", itemID, "error", err)
			}
		}
	}
	return w, nil
}

// stop asks the executor to end the task. Failures are only logged.
func (m *Manager) stop(ctx context.Context, id string) {
	if err := m.executor.Cancel(ctx, id); err != nil {
		slog.Warn("worker: executor cancel failed", "worker_id", id, "error", err)
	}
}

// heldItem returns the work item the worker's session holds, or "".
func (m *Manager) heldItem(ctx context.Context, w *Worker) string {
	sess, err := m.sessions.Get(ctx, w.SessionID)
	if err != nil {
		slog.Warn("worker: failed to load session", "session_id", w.SessionID, "error", err)
		return ""
	}
	return sess.CurrentWorkItemID
}

// Retry spawns a new attempt for a failed worker. It returns nil without an
// error when the retry budget is spent and a person has to step in.
func (m *Manager) Retry(ctx context.Context, id string, force AgentType) (*Worker, error) {
	prev, err := m.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if prev.Status != StatusFailed {
		return nil, cerr.InvalidStateError("worker", id, string(prev.Status), string(StatusFailed))
	}
	var agentType AgentType
	switch {
	case force != "":
		if _, err := ParseAgentType(string(force)); err != nil {
			return nil, cerr.ValidationError(err.Error())
		}
		agentType = force
	case prev.RetryCount < MaxRetries:
		agentType = prev.AgentType
	case prev.RetryCount == MaxRetries:
		agentType = AgentGeneral
	default:
		slog.Info("worker: retries exhausted", "worker_id", id, "retry_count", prev.RetryCount)
		return nil, nil
	}
	sp, content, err := m.loadSpec(ctx, prev.SpecID)
	if err != nil {
		return nil, err
	}
	w, err := m.launch(ctx, prev.SessionID, sp, content, agentType, prev.RetryCount+1, prev.ErrorMessage)
	if err != nil {
		return nil, fmt.Errorf("retry worker %s: %w", id, err)
	}
	return w, nil
}

func (m *Manager) Get(ctx context.Context, id string) (*Worker, error) {
	return m.repo.Get(ctx, id)
}

// ListActive lists live workers, newest spawn first.
func (m *Manager) ListActive(ctx context.Context, filter ListFilter) ([]*Worker, error) {
	if len(filter.Statuses) == 0 {
		filter.Statuses = LiveStatuses
	}
	return m.repo.List(ctx, filter)
}
