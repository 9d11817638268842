package spec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/kazz187/specguild/internal/eventbus"
	"github.com/kazz187/specguild/pkg/cerr"
	"github.com/kazz187/specguild/pkg/clock"
	"github.com/kazz187/specguild/pkg/panicerr"
)

// ValidTransitions lists the allowed target states per state.
//
//	proposing   -> approved, proposing
//	approved    -> assigned, proposing
//	assigned    -> in_progress, proposing
//	in_progress -> review, proposing
//	review      -> applied, in_progress
//	applied     -> archived
//	archived    (terminal)
var ValidTransitions = map[Status][]Status{
	StatusProposing:  {StatusApproved, StatusProposing},
	StatusApproved:   {StatusAssigned, StatusProposing},
	StatusAssigned:   {StatusInProgress, StatusProposing},
	StatusInProgress: {StatusReview, StatusProposing},
	StatusReview:     {StatusApplied, StatusInProgress},
	StatusApplied:    {StatusArchived},
	StatusArchived:   {},
}

func IsValidTransition(from, to Status) bool {
	return slices.Contains(ValidTransitions[from], to)
}

// IsManualGate reports whether from -> to may only be triggered by a user.
func IsManualGate(from, to Status) bool {
	return (from == StatusProposing && to == StatusApproved) ||
		(from == StatusReview && to == StatusApplied)
}

// isRejection reports whether from -> to sends work back to proposing.
// Rejections must carry notes.
func isRejection(from, to Status) bool {
	return to == StatusProposing && from != StatusProposing
}

// Queue is the part of the work queue the lifecycle drives.
type Queue interface {
	EnqueueApproved(ctx context.Context, projectID, specID string) error
	CheckAndUnblockDependents(ctx context.Context, specID string) (int, error)
}

type Lifecycle struct {
	tx      TxRunner
	repo    Repository
	content ContentRepository
	queue   Queue
	bus     eventbus.Publisher
	clock   clock.Clock
}

func NewLifecycle(tx TxRunner, repo Repository, content ContentRepository, bus eventbus.Publisher, clk clock.Clock) *Lifecycle {
	return &Lifecycle{
		tx:      tx,
		repo:    repo,
		content: content,
		bus:     bus,
		clock:   clk,
	}
}

// SetQueue wires the work queue. The queue itself depends on the spec
// repository, so it is attached after construction.
func (l *Lifecycle) SetQueue(q Queue) {
	l.queue = q
}

type transitionOptions struct {
	notes      string
	userID     string
	sessionID  string
	expectFrom Status
}

type TransitionOption func(*transitionOptions)

func WithNotes(notes string) TransitionOption {
	return func(o *transitionOptions) { o.notes = notes }
}

func WithUser(userID string) TransitionOption {
	return func(o *transitionOptions) { o.userID = userID }
}

func WithSession(sessionID string) TransitionOption {
	return func(o *transitionOptions) { o.sessionID = sessionID }
}

// ExpectFrom makes the transition fail unless the spec is still in from.
// Without it the state read at the start of the call is expected.
func ExpectFrom(from Status) TransitionOption {
	return func(o *transitionOptions) { o.expectFrom = from }
}

type CreateInput struct {
	ProjectID      string
	Title          string
	Origin         Origin
	Classification string
	Priority       int
	Content        *Content
}

// Create stores a new spec in proposing together with its documents.
func (l *Lifecycle) Create(ctx context.Context, in CreateInput) (*Spec, error) {
	if in.ProjectID == "" || strings.TrimSpace(in.Title) == "" {
		return nil, cerr.ValidationError("project id and title are required")
	}
	if in.Origin == "" {
		in.Origin = OriginUser
	}
	now := l.clock.Now()
	s := &Spec{
		ID:              ulid.Make().String(),
		ProjectID:       in.ProjectID,
		Title:           in.Title,
		Status:          StatusProposing,
		Priority:        in.Priority,
		Origin:          in.Origin,
		Classification:  in.Classification,
		CreatedAt:       now,
		UpdatedAt:       now,
		StatusChangedAt: now,
		StatusChangedBy: string(TriggerSystem),
	}
	// The documents go last so a failed write rolls the row back with it.
	err := l.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := l.repo.Create(ctx, s); err != nil {
			return err
		}
		if in.Content == nil {
			return nil
		}
		c := *in.Content
		c.UpdatedAt = now
		return l.content.Put(ctx, s.ID, &c)
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// DiscardContent removes the documents of a spec whose row was rolled back
// by the caller's transaction. Missing documents are not an error.
func (l *Lifecycle) DiscardContent(ctx context.Context, specID string) error {
	if err := l.content.Delete(ctx, specID); err != nil && !errors.Is(err, cerr.ErrNotFound) {
		return err
	}
	return nil
}

func (l *Lifecycle) Get(ctx context.Context, specID string) (*Spec, error) {
	return l.repo.Get(ctx, specID)
}

func (l *Lifecycle) Content(ctx context.Context, specID string) (*Content, error) {
	return l.content.Get(ctx, specID)
}

// UpdateContent replaces the spec documents and returns the previous ones,
// nil when there were none.
func (l *Lifecycle) UpdateContent(ctx context.Context, specID string, c *Content) (*Content, error) {
	prev, err := l.content.Get(ctx, specID)
	if err != nil && !cerr.IsCode(err, cerr.NotFound) {
		return nil, err
	}
	next := *c
	next.UpdatedAt = l.clock.Now()
	if err := l.content.Put(ctx, specID, &next); err != nil {
		return nil, err
	}
	return prev, nil
}

func (l *Lifecycle) UpdatePriority(ctx context.Context, specID string, priority int, classification string) error {
	return l.repo.UpdatePriority(ctx, specID, priority, classification, l.clock.Now())
}

func (l *Lifecycle) History(ctx context.Context, specID string) ([]*TransitionRecord, error) {
	if _, err := l.repo.Get(ctx, specID); err != nil {
		return nil, err
	}
	return l.repo.ListTransitions(ctx, specID)
}

// Transition moves a spec to another state and appends the history record
// in one transaction.
func (l *Lifecycle) Transition(ctx context.Context, specID string, to Status, by Trigger, opts ...TransitionOption) (*Spec, error) {
	return l.transition(ctx, specID, to, by, nil, opts...)
}

func (l *Lifecycle) transition(ctx context.Context, specID string, to Status, by Trigger,
	extra func(ctx context.Context, s *Spec) error, opts ...TransitionOption,
) (*Spec, error) {
	var o transitionOptions
	for _, opt := range opts {
		opt(&o)
	}
	observed, err := l.repo.Get(ctx, specID)
	if err != nil {
		return nil, err
	}
	from := observed.Status
	if o.expectFrom != "" {
		from = o.expectFrom
	}
	if err := l.checkTransition(specID, from, to, by, o); err != nil {
		return nil, err
	}

	now := l.clock.Now()
	var updated *Spec
	err = l.tx.RunInTx(ctx, func(ctx context.Context) error {
		ok, err := l.repo.UpdateStatus(ctx, specID, from, to, string(by), now)
		if err != nil {
			return err
		}
		if !ok {
			current, err := l.repo.Get(ctx, specID)
			if err != nil {
				return err
			}
			return cerr.InvalidTransitionError(specID, string(current.Status), string(to))
		}
		if err := l.repo.AppendTransition(ctx, &TransitionRecord{
			ID:          ulid.Make().String(),
			SpecID:      specID,
			From:        from,
			To:          to,
			TriggeredBy: by,
			UserID:      o.userID,
			SessionID:   o.sessionID,
			Notes:       o.notes,
			CreatedAt:   now,
		}); err != nil {
			return err
		}
		s := *observed
		s.Status = to
		s.StatusChangedAt = now
		s.StatusChangedBy = string(by)
		s.UpdatedAt = now
		if extra != nil {
			if err := extra(ctx, &s); err != nil {
				return err
			}
		}
		updated = &s
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("lifecycle: spec transitioned", "spec_id", specID, "from", from, "to", to, "triggered_by", by)
	l.bus.Publish(eventbus.NewEvent(eventbus.StatusChanged, specID, map[string]any{
		"kind":         "spec",
		"spec_id":      specID,
		"project_id":   updated.ProjectID,
		"from":         string(from),
		"to":           string(to),
		"triggered_by": string(by),
	}))
	return updated, nil
}

func (l *Lifecycle) checkTransition(specID string, from, to Status, by Trigger, o transitionOptions) error {
	if !IsValidTransition(from, to) {
		return cerr.InvalidTransitionError(specID, string(from), string(to))
	}
	if IsManualGate(from, to) && by != TriggerUser {
		return cerr.AuthorizationError(specID, string(from), string(to))
	}
	if isRejection(from, to) && strings.TrimSpace(o.notes) == "" {
		return cerr.ValidationError(fmt.Sprintf("spec %s: sending %s back to proposing requires notes", specID, from)).
			WithDetail(string(from), "current_state")
	}
	return nil
}

// Approve passes the manual approval gate and enqueues the spec. Enqueueing
// is best-effort: a failure is logged and the approval stands.
func (l *Lifecycle) Approve(ctx context.Context, specID, userID string) (*Spec, error) {
	s, err := l.Transition(ctx, specID, StatusApproved, TriggerUser, WithUser(userID), ExpectFrom(StatusProposing))
	if err != nil {
		return nil, err
	}
	if l.queue != nil {
		if err := l.queue.EnqueueApproved(ctx, s.ProjectID, s.ID); err != nil {
			slog.Warn("lifecycle: failed to enqueue approved spec", "spec_id", s.ID, "error", err)
		}
	}
	return s, nil
}

// Reject sends the spec back to proposing with the reason as notes.
func (l *Lifecycle) Reject(ctx context.Context, specID, reason, userID string) (*Spec, error) {
	by := TriggerSystem
	if userID != "" {
		by = TriggerUser
	}
	return l.Transition(ctx, specID, StatusProposing, by, WithNotes(reason), WithUser(userID))
}

type ApplyInput struct {
	ProjectID string
	SessionID string
	Notes     string
	UserID    string
}

// MarkApplied passes the review gate, records the applied spec with a
// pending verification, and unblocks the work waiting on it.
func (l *Lifecycle) MarkApplied(ctx context.Context, specID string, in ApplyInput) (*Spec, error) {
	s, err := l.transition(ctx, specID, StatusApplied, TriggerUser,
		func(ctx context.Context, s *Spec) error {
			if in.ProjectID != "" && in.ProjectID != s.ProjectID {
				return cerr.ValidationError(fmt.Sprintf("spec %s belongs to project %s, not %s", specID, s.ProjectID, in.ProjectID))
			}
			return l.repo.InsertApplied(ctx, &AppliedSpec{
				ID:                 ulid.Make().String(),
				SpecID:             specID,
				ProjectID:          s.ProjectID,
				SessionID:          in.SessionID,
				Notes:              in.Notes,
				VerificationStatus: VerificationPending,
				AppliedAt:          s.StatusChangedAt,
			})
		},
		WithNotes(in.Notes), WithUser(in.UserID), WithSession(in.SessionID), ExpectFrom(StatusReview))
	if err != nil {
		return nil, err
	}
	if l.queue != nil {
		if n, err := l.queue.CheckAndUnblockDependents(ctx, specID); err != nil {
			slog.Warn("lifecycle: failed to unblock dependents", "spec_id", specID, "error", err)
		} else if n > 0 {
			slog.Info("lifecycle: unblocked dependents", "spec_id", specID, "count", n)
		}
	}
	return s, nil
}

func (l *Lifecycle) RecordVerification(ctx context.Context, specID string, status VerificationStatus) (*AppliedSpec, error) {
	if status != VerificationVerified && status != VerificationFailed {
		return nil, cerr.ValidationError(fmt.Sprintf("unknown verification status %q", status))
	}
	if err := l.repo.UpdateVerification(ctx, specID, status, l.clock.Now()); err != nil {
		return nil, err
	}
	return l.repo.GetApplied(ctx, specID)
}

// TasksCompletionPercentage reports how much of the spec's task checklist
// is checked off.
func (l *Lifecycle) TasksCompletionPercentage(ctx context.Context, specID string) (int, error) {
	c, err := l.content.Get(ctx, specID)
	if err != nil {
		if cerr.IsCode(err, cerr.NotFound) {
			return 0, nil
		}
		return 0, err
	}
	return ParseChecklist(c.Tasks).Percentage(), nil
}

// AutoTransitionSweep moves every in_progress spec whose checklist is fully
// checked to review. Errors on one spec are logged and do not stop the sweep.
func (l *Lifecycle) AutoTransitionSweep(ctx context.Context) (int, error) {
	specs, err := l.repo.List(ctx, ListFilter{Status: StatusInProgress})
	if err != nil {
		return 0, err
	}
	moved := 0
	for _, s := range specs {
		if ctx.Err() != nil {
			return moved, ctx.Err()
		}
		err := panicerr.Safe(func() error {
			return l.autoTransition(ctx, s)
		})()
		switch {
		case err == nil:
		case errors.Is(err, errNotComplete):
			continue
		default:
			slog.Error("lifecycle: auto transition failed", "spec_id", s.ID, "error", err)
			continue
		}
		moved++
	}
	return moved, nil
}

var errNotComplete = errors.New("checklist not complete")

func (l *Lifecycle) autoTransition(ctx context.Context, s *Spec) error {
	c, err := l.content.Get(ctx, s.ID)
	if err != nil {
		return err
	}
	if !ParseChecklist(c.Tasks).Complete() {
		return errNotComplete
	}
	_, err = l.Transition(ctx, s.ID, StatusReview, TriggerSystem,
		ExpectFrom(StatusInProgress), WithNotes("all tasks complete"))
	return err
}
