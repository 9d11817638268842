package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"

	"github.com/oklog/ulid/v2"

	"github.com/kazz187/specguild/internal/eventbus"
	"github.com/kazz187/specguild/internal/session"
	"github.com/kazz187/specguild/internal/spec"
	"github.com/kazz187/specguild/pkg/cerr"
	"github.com/kazz187/specguild/pkg/clock"
)

// Transitioner moves specs through their lifecycle.
type Transitioner interface {
	Transition(ctx context.Context, specID string, to spec.Status, by spec.Trigger, opts ...spec.TransitionOption) (*spec.Spec, error)
}

type Service struct {
	tx        spec.TxRunner
	repo      Repository
	specs     spec.Repository
	sessions  session.Repository
	lifecycle Transitioner
	bus       eventbus.Publisher
	clock     clock.Clock
}

func NewService(tx spec.TxRunner, repo Repository, specs spec.Repository, sessions session.Repository,
	lifecycle Transitioner, bus eventbus.Publisher, clk clock.Clock,
) *Service {
	return &Service{
		tx:        tx,
		repo:      repo,
		specs:     specs,
		sessions:  sessions,
		lifecycle: lifecycle,
		bus:       bus,
		clock:     clk,
	}
}

func (s *Service) publish(t eventbus.Type, w *WorkItem, extra map[string]any) {
	payload := map[string]any{
		"kind":         "work_item",
		"work_item_id": w.ID,
		"project_id":   w.ProjectID,
		"spec_id":      w.SpecID,
	}
	maps.Copy(payload, extra)
	s.bus.Publish(eventbus.NewEvent(t, w.ID, payload))
}

// AddToQueue enqueues an approved spec. A nil priority is computed with
// DefaultPriority.
func (s *Service) AddToQueue(ctx context.Context, projectID, specID string, priority *int) (*WorkItem, error) {
	if priority != nil && (*priority < MinPriority || *priority > MaxPriority) {
		return nil, cerr.ValidationError(fmt.Sprintf("priority %d is outside %d-%d", *priority, MinPriority, MaxPriority))
	}
	var w *WorkItem
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		sp, err := s.specs.Get(ctx, specID)
		if err != nil {
			return err
		}
		if sp.ProjectID != projectID {
			return cerr.ValidationError(fmt.Sprintf("spec %s belongs to project %s, not %s", specID, sp.ProjectID, projectID))
		}
		if sp.Status != spec.StatusApproved {
			return cerr.PreconditionError("spec", specID, string(sp.Status), string(spec.StatusApproved))
		}
		now := s.clock.Now()
		p := DefaultPriority(sp, now)
		if priority != nil {
			p = *priority
		}
		maxPos, err := s.repo.MaxPosition(ctx, projectID)
		if err != nil {
			return err
		}
		w = &WorkItem{
			ID:        ulid.Make().String(),
			ProjectID: projectID,
			SpecID:    specID,
			Title:     sp.Title,
			Priority:  p,
			Position:  maxPos + 1,
			Status:    StatusQueued,
			AddedAt:   now,
		}
		return s.repo.Insert(ctx, w)
	})
	if err != nil {
		return nil, err
	}
	slog.Info("queue: item added", "work_item_id", w.ID, "spec_id", specID, "priority", w.Priority, "position", w.Position)
	s.publish(eventbus.ItemAdded, w, map[string]any{"priority": w.Priority, "position": w.Position})
	return w, nil
}

// EnqueueApproved adds an approved spec unless it already has open work.
func (s *Service) EnqueueApproved(ctx context.Context, projectID, specID string) error {
	if _, err := s.repo.FindOpenBySpec(ctx, specID); err == nil {
		return nil
	} else if !errors.Is(err, cerr.ErrNotFound) {
		return err
	}
	_, err := s.AddToQueue(ctx, projectID, specID, nil)
	return err
}

func (s *Service) GetQueue(ctx context.Context, projectID string, filter Filter) ([]*WorkItem, error) {
	return s.repo.List(ctx, projectID, filter)
}

func (s *Service) Get(ctx context.Context, itemID string) (*WorkItem, error) {
	return s.repo.Get(ctx, itemID)
}

// ReorderQueue applies all position updates in one transaction. Any item
// outside the project rejects the whole batch.
func (s *Service) ReorderQueue(ctx context.Context, projectID string, order []Reorder) error {
	if len(order) == 0 {
		return cerr.ValidationError("reorder batch is empty")
	}
	seen := make(map[string]bool, len(order))
	for _, o := range order {
		if seen[o.WorkItemID] {
			return cerr.ValidationError(fmt.Sprintf("work item %s appears twice in the batch", o.WorkItemID))
		}
		seen[o.WorkItemID] = true
	}
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		for _, o := range order {
			w, err := s.repo.Get(ctx, o.WorkItemID)
			if err != nil {
				if errors.Is(err, cerr.ErrNotFound) {
					return cerr.ValidationError(fmt.Sprintf("work item %s does not exist", o.WorkItemID))
				}
				return err
			}
			if w.ProjectID != projectID {
				return cerr.ValidationError(fmt.Sprintf("work item %s belongs to project %s, not %s", w.ID, w.ProjectID, projectID))
			}
			if err := s.repo.UpdatePosition(ctx, w.ID, o.NewPosition); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.bus.Publish(eventbus.NewEvent(eventbus.ItemReordered, projectID, map[string]any{
		"kind":       "work_item",
		"project_id": projectID,
		"count":      len(order),
	}))
	return nil
}

// AssignWorkItem hands a queued item to a session. The session holds at
// most one item. The spec is moved to assigned on a best-effort basis.
func (s *Service) AssignWorkItem(ctx context.Context, itemID, sessionID string) (*WorkItem, error) {
	var w *WorkItem
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		w, err = s.repo.Get(ctx, itemID)
		if err != nil {
			return err
		}
		if w.Status != StatusQueued {
			return cerr.InvalidStateError("work item", itemID, string(w.Status), string(StatusQueued))
		}
		sess, err := s.sessions.Get(ctx, sessionID)
		if err != nil {
			return err
		}
		if sess.Status != session.StatusActive {
			return cerr.InvalidStateError("session", sessionID, string(sess.Status), string(session.StatusActive))
		}
		if sess.ProjectID != w.ProjectID {
			return cerr.ValidationError(fmt.Sprintf("session %s belongs to project %s, not %s", sessionID, sess.ProjectID, w.ProjectID))
		}
		now := s.clock.Now()
		ok, err := s.sessions.SetCurrentWorkItem(ctx, sessionID, itemID, now)
		if err != nil {
			return err
		}
		if !ok {
			return cerr.InvalidStateError("session", sessionID, "holding "+sess.CurrentWorkItemID, "idle")
		}
		if ok, err = s.repo.MarkAssigned(ctx, itemID, sessionID, now); err != nil {
			return err
		} else if !ok {
			return cerr.InvalidStateError("work item", itemID, "not queued", string(StatusQueued))
		}
		w.Status = StatusAssigned
		w.SessionID = sessionID
		w.AssignedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("queue: item assigned", "work_item_id", itemID, "session_id", sessionID)
	s.publish(eventbus.StatusChanged, w, map[string]any{
		"from":       string(StatusQueued),
		"to":         string(StatusAssigned),
		"session_id": sessionID,
	})
	if _, err := s.lifecycle.Transition(ctx, w.SpecID, spec.StatusAssigned, spec.TriggerSystem,
		spec.ExpectFrom(spec.StatusApproved), spec.WithSession(sessionID)); err != nil {
		slog.Warn("queue: failed to move spec to assigned", "spec_id", w.SpecID, "error", err)
	}
	return w, nil
}

// CompleteWorkItem completes the item, releases its session and unblocks
// the items waiting on its spec.
func (s *Service) CompleteWorkItem(ctx context.Context, itemID string) (*WorkItem, error) {
	var (
		w    *WorkItem
		from Status
	)
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		w, err = s.repo.Get(ctx, itemID)
		if err != nil {
			return err
		}
		from = w.Status
		if w.Status == StatusCompleted {
			return cerr.InvalidStateError("work item", itemID, string(w.Status), "not completed")
		}
		now := s.clock.Now()
		ok, err := s.repo.MarkCompleted(ctx, itemID, now)
		if err != nil {
			return err
		}
		if !ok {
			return cerr.InvalidStateError("work item", itemID, string(StatusCompleted), "not completed")
		}
		if w.SessionID != "" {
			if err := s.sessions.ClearCurrentWorkItem(ctx, w.SessionID, itemID, now); err != nil {
				return err
			}
		}
		w.Status = StatusCompleted
		w.CompletedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("queue: item completed", "work_item_id", itemID, "spec_id", w.SpecID)
	s.publish(eventbus.StatusChanged, w, map[string]any{"from": string(from), "to": string(StatusCompleted)})
	if _, err := s.CheckAndUnblockDependents(ctx, w.SpecID); err != nil {
		slog.Warn("queue: failed to unblock dependents", "spec_id", w.SpecID, "error", err)
	}
	return w, nil
}

// BlockWorkItem blocks the item on a spec and releases the session holding
// it. Blocking on a spec that is already applied leaves the item as it is.
func (s *Service) BlockWorkItem(ctx context.Context, itemID, blockedBySpecID string) (*WorkItem, error) {
	var (
		w       *WorkItem
		blocked bool
	)
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		w, err = s.repo.Get(ctx, itemID)
		if err != nil {
			return err
		}
		if w.Status == StatusCompleted {
			return cerr.InvalidStateError("work item", itemID, string(w.Status), "not completed")
		}
		blocker, err := s.specs.Get(ctx, blockedBySpecID)
		if err != nil {
			return err
		}
		if blocker.Status == spec.StatusApplied || blocker.Status == spec.StatusArchived {
			return nil
		}
		if w.SessionID != "" {
			if err := s.sessions.ClearCurrentWorkItem(ctx, w.SessionID, itemID, s.clock.Now()); err != nil {
				return err
			}
		}
		if err := s.repo.SetBlocked(ctx, itemID, blockedBySpecID); err != nil {
			return err
		}
		blocked = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !blocked {
		return w, nil
	}
	from := w.Status
	w.Status = StatusBlocked
	w.BlockedBy = blockedBySpecID
	slog.Info("queue: item blocked", "work_item_id", itemID, "blocked_by", blockedBySpecID)
	s.publish(eventbus.StatusChanged, w, map[string]any{
		"from":       string(from),
		"to":         string(StatusBlocked),
		"blocked_by": blockedBySpecID,
	})
	return w, nil
}

// UnblockWorkItem returns the item to queued, whatever its state. A session
// holding the item lets go of it.
func (s *Service) UnblockWorkItem(ctx context.Context, itemID string) (*WorkItem, error) {
	var w *WorkItem
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		w, err = s.repo.Get(ctx, itemID)
		if err != nil {
			return err
		}
		if w.SessionID != "" {
			if err := s.sessions.ClearCurrentWorkItem(ctx, w.SessionID, itemID, s.clock.Now()); err != nil {
				return err
			}
		}
		return s.repo.Unblock(ctx, itemID)
	})
	if err != nil {
		return nil, err
	}
	from := w.Status
	w.Status = StatusQueued
	w.BlockedBy = ""
	w.SessionID = ""
	w.AssignedAt = nil
	s.publish(eventbus.StatusChanged, w, map[string]any{"from": string(from), "to": string(StatusQueued)})
	return w, nil
}

// CheckAndUnblockDependents unblocks every item blocked by specID in one
// statement.
func (s *Service) CheckAndUnblockDependents(ctx context.Context, specID string) (int, error) {
	var n int
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		n, err = s.repo.UnblockDependents(ctx, specID)
		return err
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info("queue: dependents unblocked", "spec_id", specID, "count", n)
	}
	return n, nil
}

func (s *Service) GetStats(ctx context.Context, projectID string) (*Stats, error) {
	return s.repo.Stats(ctx, projectID)
}

// RemoveFromQueue deletes the item for good.
func (s *Service) RemoveFromQueue(ctx context.Context, itemID string) error {
	var w *WorkItem
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		w, err = s.repo.Get(ctx, itemID)
		if err != nil {
			return err
		}
		if w.SessionID != "" {
			if err := s.sessions.ClearCurrentWorkItem(ctx, w.SessionID, itemID, s.clock.Now()); err != nil {
				return err
			}
		}
		return s.repo.Delete(ctx, itemID)
	})
	if err != nil {
		return err
	}
	slog.Info("queue: item removed", "work_item_id", itemID)
	s.publish(eventbus.ItemRemoved, w, nil)
	return nil
}

// UpdatePriority re-prioritizes the open items of a spec.
func (s *Service) UpdatePriority(ctx context.Context, specID string, priority int) (int, error) {
	priority = min(max(priority, MinPriority), MaxPriority)
	n, err := s.repo.UpdatePriorityBySpec(ctx, specID, priority)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.bus.Publish(eventbus.NewEvent(eventbus.ItemReordered, specID, map[string]any{
			"kind":     "work_item",
			"spec_id":  specID,
			"priority": priority,
			"count":    n,
		}))
	}
	return n, nil
}

func (s *Service) NextQueued(ctx context.Context, projectID string) (*WorkItem, error) {
	return s.repo.NextQueued(ctx, projectID)
}
