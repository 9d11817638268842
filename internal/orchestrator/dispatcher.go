// Package orchestrator hands queued work to idle sessions and starts
// workers for it.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/kazz187/specguild/internal/eventbus"
	"github.com/kazz187/specguild/internal/queue"
	"github.com/kazz187/specguild/internal/session"
	"github.com/kazz187/specguild/internal/spec"
	"github.com/kazz187/specguild/internal/worker"
	"github.com/kazz187/specguild/pkg/cerr"
)

type Queue interface {
	NextQueued(ctx context.Context, projectID string) (*queue.WorkItem, error)
	AssignWorkItem(ctx context.Context, itemID, sessionID string) (*queue.WorkItem, error)
	UnblockWorkItem(ctx context.Context, itemID string) (*queue.WorkItem, error)
}

type Sessions interface {
	ListActive(ctx context.Context, projectID string) ([]*session.Session, error)
}

type Spawner interface {
	Spawn(ctx context.Context, sessionID, specID string, agentType worker.AgentType) (*worker.Worker, error)
}

// FailureResolver marks the failures behind an applied spec resolved.
type FailureResolver interface {
	ResolveBySpec(ctx context.Context, specID string) (int, error)
}

type Dispatcher struct {
	queue    Queue
	sessions Sessions
	spawner  Spawner
	failures FailureResolver

	mu sync.Mutex
}

func NewDispatcher(q Queue, sessions Sessions, spawner Spawner, failures FailureResolver) *Dispatcher {
	return &Dispatcher{queue: q, sessions: sessions, spawner: spawner, failures: failures}
}

// Dispatch gives every idle active session the next queued item of its
// project and spawns a worker for it. It returns the number of workers
// started.
func (d *Dispatcher) Dispatch(ctx context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	sessions, err := d.sessions.ListActive(ctx, "")
	if err != nil {
		return 0, err
	}
	started := 0
	for _, sess := range sessions {
		if sess.CurrentWorkItemID != "" {
			continue
		}
		ok, err := d.dispatch(ctx, sess)
		if err != nil {
			slog.Error("dispatcher: failed to dispatch", "session_id", sess.ID, "error", err)
			continue
		}
		if ok {
			started++
		}
	}
	return started, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, sess *session.Session) (bool, error) {
	item, err := d.queue.NextQueued(ctx, sess.ProjectID)
	if errors.Is(err, cerr.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if _, err := d.queue.AssignWorkItem(ctx, item.ID, sess.ID); err != nil {
		return false, err
	}
	w, err := d.spawner.Spawn(ctx, sess.ID, item.SpecID, "")
	if err != nil {
		// Put the item back so another pass can pick it up.
		if _, uerr := d.queue.UnblockWorkItem(ctx, item.ID); uerr != nil {
			slog.Error("dispatcher: failed to requeue item", "work_item_id", item.ID, "error", uerr)
		}
		return false, err
	}
	slog.Info("dispatcher: worker dispatched", "session_id", sess.ID, "work_item_id", item.ID, "worker_id", w.ID)
	return true, nil
}

// Run dispatches whenever queue, worker or lifecycle events may have freed a
// session or added work. It blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context, bus *eventbus.Bus) {
	sub := bus.Subscribe(256, eventbus.ItemAdded, eventbus.WorkerCompleted, eventbus.WorkerFailed, eventbus.StatusChanged)
	defer sub.Cancel()

	slog.Info("dispatcher started")
	for {
		select {
		case <-ctx.Done():
			slog.Info("dispatcher stopped")
			return
		case e, ok := <-sub.C():
			if !ok {
				return
			}
			d.handle(ctx, e)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, e *eventbus.Event) {
	if e.Type == eventbus.StatusChanged && e.String("kind") == "spec" && e.String("to") == string(spec.StatusApplied) {
		specID := e.String("spec_id")
		n, err := d.failures.ResolveBySpec(ctx, specID)
		if err != nil {
			slog.Error("dispatcher: failed to resolve failures", "spec_id", specID, "error", err)
		} else if n > 0 {
			slog.Info("dispatcher: failures resolved", "spec_id", specID, "count", n)
		}
	}
	if _, err := d.Dispatch(ctx); err != nil {
		slog.Error("dispatcher: dispatch failed", "event", e.Type, "error", err)
	}
}
