package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/kazz187/specguild/internal/eventbus"
	"github.com/kazz187/specguild/internal/spec"
	"github.com/kazz187/specguild/pkg/clock"
	"github.com/kazz187/specguild/pkg/panicerr"
)

type MonitorOptions struct {
	// IdleComplete is how long a worker that announced completion must stay
	// quiet before it is treated as completed.
	IdleComplete time.Duration
	// IdleFail is how long a worker that never announced completion may
	// stay quiet before it fails as timed out.
	IdleFail time.Duration
	Window   int
}

func DefaultMonitorOptions() MonitorOptions {
	return MonitorOptions{
		IdleComplete: 10 * time.Minute,
		IdleFail:     20 * time.Minute,
		Window:       50,
	}
}

// Monitor derives worker liveness and outcome from the activity feed.
type Monitor struct {
	manager   *Manager
	repo      Repository
	activity  ActivityRepository
	lifecycle Transitioner
	queue     WorkQueue
	bus       eventbus.Publisher
	clock     clock.Clock
	opts      MonitorOptions
}

func NewMonitor(manager *Manager, activity ActivityRepository, opts MonitorOptions) *Monitor {
	return &Monitor{
		manager:   manager,
		repo:      manager.repo,
		activity:  activity,
		lifecycle: manager.lifecycle,
		queue:     manager.queue,
		bus:       manager.bus,
		clock:     manager.clock,
		opts:      opts,
	}
}

// Sweep checks every live worker once and returns how many changed status.
// A failing worker check is logged and does not stop the sweep.
func (m *Monitor) Sweep(ctx context.Context) (int, error) {
	workers, err := m.repo.List(ctx, ListFilter{Statuses: LiveStatuses})
	if err != nil {
		return 0, err
	}
	changed := 0
	for _, w := range workers {
		var moved bool
		err := panicerr.SafeContext(func(ctx context.Context) error {
			var err error
			moved, err = m.check(ctx, w)
			return err
		})(ctx)
		if err != nil {
			slog.Error("monitor: worker check failed", "worker_id", w.ID, "error", err)
			continue
		}
		if moved {
			changed++
		}
	}
	return changed, nil
}

func (m *Monitor) check(ctx context.Context, w *Worker) (bool, error) {
	records, err := m.activity.Recent(ctx, w.SessionID, w.ID, w.SpawnedAt, m.opts.Window)
	if err != nil {
		return false, err
	}
	a := Analyze(records)
	if w.Status == StatusSpawned && a.Seen() {
		ok, err := m.repo.MarkStarted(ctx, w.ID, a.FirstAt)
		if err != nil {
			return false, err
		}
		if ok {
			w.Status = StatusActive
			w.StartedAt = &a.FirstAt
			slog.Info("monitor: worker started", "worker_id", w.ID)
			m.manager.publish(eventbus.WorkerStarted, w, nil)
		}
	}

	if a.Final != nil {
		if a.Final.Success {
			return m.complete(ctx, w, a, false)
		}
		msg := a.Final.ErrorMessage
		if msg == "" {
			msg = "worker reported failure"
		}
		return m.fail(ctx, w, msg)
	}

	last := w.SpawnedAt
	if a.Seen() {
		last = a.LastAt
	}
	idle := m.clock.Now().Sub(last)
	switch {
	case a.CompletionSignal && idle >= m.opts.IdleComplete:
		return m.complete(ctx, w, a, true)
	case !a.CompletionSignal && idle >= m.opts.IdleFail:
		return m.fail(ctx, w, "timed out")
	}
	return false, nil
}

func (m *Monitor) complete(ctx context.Context, w *Worker, a *Analysis, inferred bool) (bool, error) {
	result := a.Result(inferred)
	now := m.clock.Now()
	ok, err := m.repo.MarkCompleted(ctx, w.ID, result, now)
	if err != nil || !ok {
		return false, err
	}
	w.Status = StatusCompleted
	w.Result = result
	w.CompletedAt = &now
	slog.Info("monitor: worker completed", "worker_id", w.ID, "spec_id", w.SpecID,
		"tools_executed", result.ToolsExecuted, "inferred", inferred)
	m.manager.publish(eventbus.WorkerCompleted, w, map[string]any{
		"tools_executed": result.ToolsExecuted,
		"success_rate":   result.SuccessRate,
		"changed_files":  result.ChangedFiles,
		"tests_run":      result.TestsRun,
		"inferred":       inferred,
	})

	if _, err := m.lifecycle.Transition(ctx, w.SpecID, spec.StatusReview, spec.TriggerWorker,
		spec.ExpectFrom(spec.StatusInProgress), spec.WithSession(w.SessionID)); err != nil {
		slog.Warn("monitor: failed to move spec to review", "spec_id", w.SpecID, "error", err)
	}
	if itemID := m.manager.heldItem(ctx, w); itemID != "" {
		if _, err := m.queue.CompleteWorkItem(ctx, itemID); err != nil {
			slog.Warn("monitor: failed to complete work item", "work_item_id", itemID, "error", err)
		}
	}
	return true, nil
}

func (m *Monitor) fail(ctx context.Context, w *Worker, msg string) (bool, error) {
	now := m.clock.Now()
	ok, err := m.repo.MarkFailed(ctx, w.ID, msg, now)
	if err != nil || !ok {
		return false, err
	}
	w.Status = StatusFailed
	w.ErrorMessage = msg
	w.CompletedAt = &now
	slog.Warn("monitor: worker failed", "worker_id", w.ID, "spec_id", w.SpecID, "reason", msg)
	// A timed-out task may still be running; its late records must not
	// land next to the retry.
	m.manager.stop(ctx, w.ID)

	next, err := m.manager.Retry(ctx, w.ID, "")
	switch {
	case err != nil:
		// The executor could not take a new attempt. The item goes back to
		// the queue and is dispatched afresh once spawning works again.
		slog.Error("monitor: retry failed", "worker_id", w.ID, "error", err)
		if itemID := m.manager.heldItem(ctx, w); itemID != "" {
			if _, err := m.queue.UnblockWorkItem(ctx, itemID); err != nil {
				slog.Warn("monitor: failed to requeue work item", "work_item_id", itemID, "error", err)
			}
		}
		m.manager.publish(eventbus.WorkerFailed, w, map[string]any{
			"error":               msg,
			"retry_error":         err.Error(),
			"manual_intervention": false,
		})
		return true, nil
	case next != nil:
		m.manager.publish(eventbus.WorkerFailed, w, map[string]any{
			"error":               msg,
			"retry_worker_id":     next.ID,
			"manual_intervention": false,
		})
		return true, nil
	}

	if itemID := m.manager.heldItem(ctx, w); itemID != "" {
		if _, err := m.queue.BlockWorkItem(ctx, itemID, w.SpecID); err != nil {
			slog.Warn("monitor: failed to block work item", "work_item_id", itemID, "error", err)
		}
	}
	m.manager.publish(eventbus.WorkerFailed, w, map[string]any{
		"error":               msg,
		"manual_intervention": true,
	})
	return true, nil
}
