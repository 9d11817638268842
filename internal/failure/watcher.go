package failure

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kazz187/specguild/internal/eventbus"
	"github.com/kazz187/specguild/internal/spec"
	"github.com/kazz187/specguild/pkg/cerr"
	"github.com/kazz187/specguild/pkg/clock"
	"github.com/kazz187/specguild/pkg/panicerr"
)

// Specs is the part of the spec lifecycle the watcher drives.
type Specs interface {
	Create(ctx context.Context, in spec.CreateInput) (*spec.Spec, error)
	DiscardContent(ctx context.Context, specID string) error
	Get(ctx context.Context, specID string) (*spec.Spec, error)
	Approve(ctx context.Context, specID, userID string) (*spec.Spec, error)
	UpdateContent(ctx context.Context, specID string, c *spec.Content) (*spec.Content, error)
	UpdatePriority(ctx context.Context, specID string, priority int, classification string) error
}

// PriorityUpdater re-prioritizes the queued work of a spec.
type PriorityUpdater interface {
	UpdatePriority(ctx context.Context, specID string, priority int) (int, error)
}

type WatcherOptions struct {
	// AutoApprove approves new proposals as Approver, which enqueues them.
	AutoApprove bool
	Approver    string
	BatchSize   int
}

type Watcher struct {
	tx        spec.TxRunner
	repo      Repository
	specs     Specs
	queue     PriorityUpdater
	generator Generator
	bus       eventbus.Publisher
	clock     clock.Clock
	opts      WatcherOptions
}

func NewWatcher(tx spec.TxRunner, repo Repository, specs Specs, queue PriorityUpdater, generator Generator,
	bus eventbus.Publisher, clk clock.Clock, opts WatcherOptions,
) *Watcher {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	return &Watcher{
		tx:        tx,
		repo:      repo,
		specs:     specs,
		queue:     queue,
		generator: generator,
		bus:       bus,
		clock:     clk,
		opts:      opts,
	}
}

var errAlreadyLinked = errors.New("failure already linked")

// Poll processes every pending failure once. A failure that cannot be
// processed is logged and left pending for the next poll.
func (w *Watcher) Poll(ctx context.Context) (int, error) {
	pending, err := w.repo.ListPending(ctx, w.opts.BatchSize)
	if err != nil {
		return 0, err
	}
	processed := 0
	for _, f := range pending {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		err := panicerr.SafeContext(func(ctx context.Context) error {
			return w.process(ctx, f)
		})(ctx)
		if err != nil {
			slog.Error("watcher: failed to process failure", "failure_id", f.ID, "test_name", f.TestName, "error", err)
			continue
		}
		processed++
	}
	return processed, nil
}

func (w *Watcher) process(ctx context.Context, f *Failure) error {
	prev, err := w.repo.GetHistory(ctx, f.TestName)
	if err != nil && !errors.Is(err, cerr.ErrNotFound) {
		return err
	}
	h := NextHistory(prev, f)
	normalized := NormalizeError(f.ErrorMessage)

	tracked, err := w.repo.FindProposal(ctx, f.TestName, normalized)
	switch {
	case errors.Is(err, cerr.ErrNotFound):
	case err != nil:
		return err
	default:
		open, err := w.isOpen(ctx, tracked.SpecID)
		if err != nil {
			return err
		}
		if open {
			return w.recordOccurrence(ctx, f, h, tracked)
		}
	}
	return w.propose(ctx, f, h, normalized)
}

// isOpen reports whether the spec can still absorb new occurrences. A
// failure that comes back after its fix was applied gets a new proposal.
func (w *Watcher) isOpen(ctx context.Context, specID string) (bool, error) {
	s, err := w.specs.Get(ctx, specID)
	if err != nil {
		if errors.Is(err, cerr.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return s.Status != spec.StatusApplied && s.Status != spec.StatusArchived, nil
}

func (w *Watcher) recordOccurrence(ctx context.Context, f *Failure, h *History, tracked *TrackedProposal) error {
	prevPriority := tracked.Priority
	next := *tracked
	next.Occurrences++
	next.Priority = max(prevPriority, PriorityFor(h.Classification, next.Occurrences))
	next.UpdatedAt = w.clock.Now()

	err := w.tx.RunInTx(ctx, func(ctx context.Context) error {
		ok, err := w.repo.LinkSpec(ctx, f.ID, tracked.SpecID)
		if err != nil {
			return err
		}
		if !ok {
			return errAlreadyLinked
		}
		if err := w.repo.PutHistory(ctx, h); err != nil {
			return err
		}
		if err := w.repo.UpdateProposal(ctx, &next); err != nil {
			return err
		}
		return w.specs.UpdatePriority(ctx, tracked.SpecID, next.Priority, string(h.Classification))
	})
	if errors.Is(err, errAlreadyLinked) {
		return nil
	}
	if err != nil {
		return err
	}
	slog.Info("watcher: repeated failure",
		"spec_id", next.SpecID, "test_name", f.TestName, "occurrences", next.Occurrences,
		"classification", h.Classification, "priority", next.Priority)

	if Escalated(next.Occurrences, prevPriority, next.Priority) {
		if w.queue != nil {
			if _, err := w.queue.UpdatePriority(ctx, next.SpecID, next.Priority); err != nil {
				slog.Warn("watcher: failed to update queued priority", "spec_id", next.SpecID, "error", err)
			}
		}
		w.bus.Publish(eventbus.NewEvent(eventbus.PriorityEscalated, next.SpecID, map[string]any{
			"spec_id":        next.SpecID,
			"project_id":     f.ProjectID,
			"test_name":      f.TestName,
			"occurrences":    next.Occurrences,
			"from":           prevPriority,
			"to":             next.Priority,
			"classification": string(h.Classification),
		}))
	}
	if err := w.refreshProposal(ctx, f, h, &next); err != nil {
		slog.Warn("watcher: failed to refresh proposal", "spec_id", next.SpecID, "error", err)
	}
	return nil
}

// refreshProposal re-renders the proposal with the new counters and
// publishes the diff.
func (w *Watcher) refreshProposal(ctx context.Context, f *Failure, h *History, tracked *TrackedProposal) error {
	p, err := w.generator.Generate(ctx, GenerateInput{
		Failure:     f,
		History:     h,
		ErrorType:   tracked.ErrorType,
		Occurrences: tracked.Occurrences,
		Priority:    tracked.Priority,
	})
	if err != nil {
		return err
	}
	prev, err := w.specs.UpdateContent(ctx, tracked.SpecID, p.Content)
	if err != nil {
		return err
	}
	var before string
	if prev != nil {
		before = prev.Proposal
	}
	diff, err := UnifiedDiff("proposal.md", before, p.Content.Proposal)
	if err != nil {
		return fmt.Errorf("diff proposal: %w", err)
	}
	w.bus.Publish(eventbus.NewEvent(eventbus.ProposalUpdated, tracked.SpecID, map[string]any{
		"spec_id":     tracked.SpecID,
		"project_id":  f.ProjectID,
		"occurrences": tracked.Occurrences,
		"diff":        diff,
	}))
	return nil
}

func (w *Watcher) propose(ctx context.Context, f *Failure, h *History, normalized string) error {
	errType := ClassifyErrorType(f.ErrorMessage)
	priority := PriorityFor(h.Classification, 1)
	p, err := w.generator.Generate(ctx, GenerateInput{
		Failure:     f,
		History:     h,
		ErrorType:   errType,
		Occurrences: 1,
		Priority:    priority,
	})
	if err != nil {
		return err
	}
	// The spec row joins the transaction that links the failure, so a
	// failed link leaves no spec behind for the next poll to duplicate.
	var s *spec.Spec
	now := w.clock.Now()
	err = w.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		s, err = w.specs.Create(ctx, spec.CreateInput{
			ProjectID:      f.ProjectID,
			Title:          p.Title,
			Origin:         spec.OriginError,
			Classification: string(h.Classification),
			Priority:       priority,
			Content:        p.Content,
		})
		if err != nil {
			return err
		}
		ok, err := w.repo.LinkSpec(ctx, f.ID, s.ID)
		if err != nil {
			return err
		}
		if !ok {
			return errAlreadyLinked
		}
		if err := w.repo.PutHistory(ctx, h); err != nil {
			return err
		}
		return w.repo.InsertProposal(ctx, &TrackedProposal{
			SpecID:          s.ID,
			TestName:        f.TestName,
			NormalizedError: normalized,
			ErrorType:       errType,
			Occurrences:     1,
			Priority:        priority,
			CreatedAt:       now,
			UpdatedAt:       now,
		})
	})
	if err != nil && s != nil {
		if derr := w.specs.DiscardContent(ctx, s.ID); derr != nil {
			slog.Warn("watcher: failed to discard proposal documents", "spec_id", s.ID, "error", derr)
		}
	}
	if errors.Is(err, errAlreadyLinked) {
		slog.Info("watcher: failure linked concurrently, proposal discarded", "failure_id", f.ID)
		return nil
	}
	if err != nil {
		return err
	}

	slog.Info("watcher: proposal generated",
		"spec_id", s.ID, "test_name", f.TestName, "classification", h.Classification, "priority", priority)
	w.bus.Publish(eventbus.NewEvent(eventbus.ProposalGenerated, s.ID, map[string]any{
		"spec_id":        s.ID,
		"project_id":     f.ProjectID,
		"test_name":      f.TestName,
		"classification": string(h.Classification),
		"error_type":     string(errType),
		"priority":       priority,
	}))

	if w.opts.AutoApprove {
		if _, err := w.specs.Approve(ctx, s.ID, w.opts.Approver); err != nil {
			slog.Warn("watcher: failed to auto-approve proposal", "spec_id", s.ID, "error", err)
		}
	}
	return nil
}
