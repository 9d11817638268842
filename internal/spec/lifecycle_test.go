package spec_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/specguild/internal/db"
	"github.com/kazz187/specguild/internal/eventbus"
	"github.com/kazz187/specguild/internal/spec"
	"github.com/kazz187/specguild/internal/spec/repositoryimpl"
	"github.com/kazz187/specguild/pkg/cerr"
	"github.com/kazz187/specguild/pkg/clock"
	"github.com/kazz187/specguild/pkg/storage"
)

type recorder struct {
	mu     sync.Mutex
	events []*eventbus.Event
}

func (r *recorder) Publish(e *eventbus.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) ofType(t eventbus.Type) []*eventbus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*eventbus.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type fakeQueue struct {
	enqueued  []string
	unblocked []string
	err       error
}

func (q *fakeQueue) EnqueueApproved(_ context.Context, _, specID string) error {
	q.enqueued = append(q.enqueued, specID)
	return q.err
}

func (q *fakeQueue) CheckAndUnblockDependents(_ context.Context, specID string) (int, error) {
	q.unblocked = append(q.unblocked, specID)
	return 1, q.err
}

type fixture struct {
	lc      *spec.Lifecycle
	repo    *repositoryimpl.SQLiteRepository
	content *repositoryimpl.YAMLContentRepository
	queue   *fakeQueue
	events  *recorder
	clock   *clock.Fake
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	d, err := db.Open(ctx, filepath.Join(t.TempDir(), "specguild.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	st, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	f := &fixture{
		repo:    repositoryimpl.NewSQLiteRepository(d),
		content: repositoryimpl.NewYAMLContentRepository(st),
		queue:   &fakeQueue{},
		events:  &recorder{},
		clock:   clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
	}
	f.lc = spec.NewLifecycle(d, f.repo, f.content, f.events, f.clock)
	f.lc.SetQueue(f.queue)
	return f
}

func (f *fixture) create(t *testing.T, tasks string) *spec.Spec {
	t.Helper()
	s, err := f.lc.Create(context.Background(), spec.CreateInput{
		ProjectID: "p1",
		Title:     "fix login",
		Origin:    spec.OriginError,
		Content:   &spec.Content{Proposal: "login fails", Tasks: tasks},
	})
	require.NoError(t, err)
	return s
}

// walk drives s to status along the happy path.
func (f *fixture) walk(t *testing.T, id string, to spec.Status) {
	t.Helper()
	ctx := context.Background()
	path := []struct {
		status spec.Status
		by     spec.Trigger
	}{
		{spec.StatusApproved, spec.TriggerUser},
		{spec.StatusAssigned, spec.TriggerSystem},
		{spec.StatusInProgress, spec.TriggerWorker},
		{spec.StatusReview, spec.TriggerWorker},
		{spec.StatusApplied, spec.TriggerUser},
		{spec.StatusArchived, spec.TriggerSystem},
	}
	for _, step := range path {
		_, err := f.lc.Transition(ctx, id, step.status, step.by)
		require.NoError(t, err)
		if step.status == to {
			return
		}
	}
}

func TestValidTransitions(t *testing.T) {
	all := []spec.Status{
		spec.StatusProposing, spec.StatusApproved, spec.StatusAssigned, spec.StatusInProgress,
		spec.StatusReview, spec.StatusApplied, spec.StatusArchived,
	}
	allowed := map[[2]spec.Status]bool{}
	for _, edge := range [][2]spec.Status{
		{spec.StatusProposing, spec.StatusApproved},
		{spec.StatusProposing, spec.StatusProposing},
		{spec.StatusApproved, spec.StatusAssigned},
		{spec.StatusApproved, spec.StatusProposing},
		{spec.StatusAssigned, spec.StatusInProgress},
		{spec.StatusAssigned, spec.StatusProposing},
		{spec.StatusInProgress, spec.StatusReview},
		{spec.StatusInProgress, spec.StatusProposing},
		{spec.StatusReview, spec.StatusApplied},
		{spec.StatusReview, spec.StatusInProgress},
		{spec.StatusApplied, spec.StatusArchived},
	} {
		allowed[edge] = true
	}
	for _, from := range all {
		for _, to := range all {
			got := spec.IsValidTransition(from, to)
			if got != allowed[[2]spec.Status{from, to}] {
				t.Errorf("IsValidTransition(%s, %s) = %v", from, to, got)
			}
		}
	}
	assert.True(t, spec.IsManualGate(spec.StatusProposing, spec.StatusApproved))
	assert.True(t, spec.IsManualGate(spec.StatusReview, spec.StatusApplied))
	assert.False(t, spec.IsManualGate(spec.StatusApproved, spec.StatusAssigned))
}

func TestTransitionRecordsHistoryAndEvent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.create(t, "")

	f.clock.Advance(time.Minute)
	got, err := f.lc.Transition(ctx, s.ID, spec.StatusApproved, spec.TriggerUser, spec.WithUser("alice"))
	require.NoError(t, err)
	assert.Equal(t, spec.StatusApproved, got.Status)
	assert.Equal(t, f.clock.Now(), got.StatusChangedAt)
	assert.Equal(t, "user", got.StatusChangedBy)

	stored, err := f.repo.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, spec.StatusApproved, stored.Status)

	history, err := f.lc.History(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, spec.StatusProposing, history[0].From)
	assert.Equal(t, spec.StatusApproved, history[0].To)
	assert.Equal(t, "alice", history[0].UserID)

	evs := f.events.ofType(eventbus.StatusChanged)
	require.Len(t, evs, 1)
	assert.Equal(t, "proposing", evs[0].String("from"))
	assert.Equal(t, "approved", evs[0].String("to"))
}

func TestTransitionRejections(t *testing.T) {
	ctx := context.Background()

	t.Run("disallowed edge", func(t *testing.T) {
		f := newFixture(t)
		s := f.create(t, "")
		_, err := f.lc.Transition(ctx, s.ID, spec.StatusInProgress, spec.TriggerSystem)
		require.ErrorIs(t, err, cerr.ErrInvalidTransition)
		assert.Equal(t, "proposing", cerr.CurrentState(err))
	})

	t.Run("manual gate needs user", func(t *testing.T) {
		f := newFixture(t)
		s := f.create(t, "")
		_, err := f.lc.Transition(ctx, s.ID, spec.StatusApproved, spec.TriggerSystem)
		require.ErrorIs(t, err, cerr.ErrAuthorization)

		f.walk(t, s.ID, spec.StatusReview)
		_, err = f.lc.Transition(ctx, s.ID, spec.StatusApplied, spec.TriggerWorker)
		require.ErrorIs(t, err, cerr.ErrAuthorization)
	})

	t.Run("reject without notes", func(t *testing.T) {
		f := newFixture(t)
		s := f.create(t, "")
		f.walk(t, s.ID, spec.StatusAssigned)
		_, err := f.lc.Transition(ctx, s.ID, spec.StatusProposing, spec.TriggerUser)
		require.ErrorIs(t, err, cerr.ErrValidation)

		got, err := f.lc.Reject(ctx, s.ID, "needs a smaller fix", "bob")
		require.NoError(t, err)
		assert.Equal(t, spec.StatusProposing, got.Status)
	})

	t.Run("archived is terminal", func(t *testing.T) {
		f := newFixture(t)
		s := f.create(t, "")
		f.walk(t, s.ID, spec.StatusArchived)
		_, err := f.lc.Transition(ctx, s.ID, spec.StatusProposing, spec.TriggerUser, spec.WithNotes("again"))
		require.ErrorIs(t, err, cerr.ErrInvalidTransition)
	})

	t.Run("unknown spec", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.lc.Transition(ctx, "missing", spec.StatusApproved, spec.TriggerUser)
		require.ErrorIs(t, err, cerr.ErrNotFound)
	})

	t.Run("stale expectation", func(t *testing.T) {
		f := newFixture(t)
		s := f.create(t, "")
		f.walk(t, s.ID, spec.StatusApproved)
		_, err := f.lc.Transition(ctx, s.ID, spec.StatusApproved, spec.TriggerUser, spec.ExpectFrom(spec.StatusProposing))
		require.ErrorIs(t, err, cerr.ErrInvalidTransition)
		assert.Equal(t, "approved", cerr.CurrentState(err))
	})
}

func TestConcurrentTransitionsOnlyOneWins(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.create(t, "")
	f.walk(t, s.ID, spec.StatusApproved)

	const n = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.lc.Transition(ctx, s.ID, spec.StatusAssigned, spec.TriggerSystem)
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}()
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.True(t, errors.Is(err, cerr.ErrInvalidTransition), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, ok)

	history, err := f.lc.History(ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestApproveEnqueues(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.create(t, "")

	_, err := f.lc.Approve(ctx, s.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{s.ID}, f.queue.enqueued)

	t.Run("enqueue failure keeps approval", func(t *testing.T) {
		f := newFixture(t)
		f.queue.err = errors.New("queue down")
		s := f.create(t, "")
		got, err := f.lc.Approve(ctx, s.ID, "alice")
		require.NoError(t, err)
		assert.Equal(t, spec.StatusApproved, got.Status)
	})
}

func TestMarkApplied(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.create(t, "")
	f.walk(t, s.ID, spec.StatusReview)

	_, err := f.lc.MarkApplied(ctx, s.ID, spec.ApplyInput{ProjectID: "p2", UserID: "alice"})
	require.ErrorIs(t, err, cerr.ErrValidation)
	stored, err := f.repo.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, spec.StatusReview, stored.Status, "failed apply must roll back the transition")

	got, err := f.lc.MarkApplied(ctx, s.ID, spec.ApplyInput{ProjectID: "p1", SessionID: "s1", Notes: "merged", UserID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, spec.StatusApplied, got.Status)
	assert.Equal(t, []string{s.ID}, f.queue.unblocked)

	applied, err := f.repo.GetApplied(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, spec.VerificationPending, applied.VerificationStatus)
	assert.Equal(t, "s1", applied.SessionID)

	applied, err = f.lc.RecordVerification(ctx, s.ID, spec.VerificationVerified)
	require.NoError(t, err)
	assert.Equal(t, spec.VerificationVerified, applied.VerificationStatus)
	require.NotNil(t, applied.VerifiedAt)
}

func TestAutoTransitionSweep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	done := f.create(t, "- [x] reproduce\n- [x] fix\n")
	partial := f.create(t, "- [x] reproduce\n- [ ] fix\n")
	empty := f.create(t, "")
	idle := f.create(t, "- [x] reproduce\n")
	for _, s := range []*spec.Spec{done, partial, empty} {
		f.walk(t, s.ID, spec.StatusInProgress)
	}

	pct, err := f.lc.TasksCompletionPercentage(ctx, partial.ID)
	require.NoError(t, err)
	assert.Equal(t, 50, pct)

	moved, err := f.lc.AutoTransitionSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	for id, want := range map[string]spec.Status{
		done.ID:    spec.StatusReview,
		partial.ID: spec.StatusInProgress,
		empty.ID:   spec.StatusInProgress,
		idle.ID:    spec.StatusProposing,
	} {
		got, err := f.repo.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, got.Status, id)
	}
}

type brokenContent struct {
	spec.ContentRepository
}

func (brokenContent) Put(context.Context, string, *spec.Content) error {
	return errors.New("bucket unavailable")
}

func TestCreateRollsBackWhenDocumentsFail(t *testing.T) {
	ctx := context.Background()
	d, err := db.Open(ctx, filepath.Join(t.TempDir(), "specguild.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	st, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	repo := repositoryimpl.NewSQLiteRepository(d)
	content := repositoryimpl.NewYAMLContentRepository(st)
	lc := spec.NewLifecycle(d, repo, brokenContent{content}, eventbus.Discard, clock.NewFake(time.Now()))

	_, err = lc.Create(ctx, spec.CreateInput{ProjectID: "p1", Title: "fix login", Content: &spec.Content{Proposal: "x"}})
	require.Error(t, err)
	specs, err := repo.List(ctx, spec.ListFilter{ProjectID: "p1"})
	require.NoError(t, err)
	assert.Empty(t, specs)

	s, err := lc.Create(ctx, spec.CreateInput{ProjectID: "p1", Title: "no documents"})
	require.NoError(t, err, "specs without documents never touch the store")
	_, err = content.Get(ctx, s.ID)
	assert.ErrorIs(t, err, cerr.ErrNotFound)
}

func TestDiscardContent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.create(t, "- [ ] a\n")

	require.NoError(t, f.lc.DiscardContent(ctx, s.ID))
	_, err := f.content.Get(ctx, s.ID)
	assert.ErrorIs(t, err, cerr.ErrNotFound)
	assert.NoError(t, f.lc.DiscardContent(ctx, s.ID), "already gone")
}
