package queue_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/specguild/internal/db"
	"github.com/kazz187/specguild/internal/eventbus"
	"github.com/kazz187/specguild/internal/queue"
	queuerepo "github.com/kazz187/specguild/internal/queue/repositoryimpl"
	"github.com/kazz187/specguild/internal/session"
	sessionrepo "github.com/kazz187/specguild/internal/session/repositoryimpl"
	"github.com/kazz187/specguild/internal/spec"
	specrepo "github.com/kazz187/specguild/internal/spec/repositoryimpl"
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

func (r *recorder) count(t eventbus.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

type fixture struct {
	queue     *queue.Service
	lifecycle *spec.Lifecycle
	sessions  *session.Service
	events    *recorder
	clock     *clock.Fake
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
		events: &recorder{},
		clock:  clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
	}
	specs := specrepo.NewSQLiteRepository(d)
	sessions := sessionrepo.NewSQLiteRepository(d)
	f.lifecycle = spec.NewLifecycle(d, specs, specrepo.NewYAMLContentRepository(st), f.events, f.clock)
	f.sessions = session.NewService(sessions, f.clock)
	f.queue = queue.NewService(d, queuerepo.NewSQLiteRepository(d), specs, sessions, f.lifecycle, f.events, f.clock)
	f.lifecycle.SetQueue(f.queue)
	return f
}

func (f *fixture) spec(t *testing.T, projectID, title string, to spec.Status) *spec.Spec {
	t.Helper()
	ctx := context.Background()
	s, err := f.lifecycle.Create(ctx, spec.CreateInput{ProjectID: projectID, Title: title})
	require.NoError(t, err)
	for _, step := range []struct {
		status spec.Status
		by     spec.Trigger
	}{
		{spec.StatusApproved, spec.TriggerUser},
		{spec.StatusAssigned, spec.TriggerSystem},
		{spec.StatusInProgress, spec.TriggerWorker},
		{spec.StatusReview, spec.TriggerWorker},
		{spec.StatusApplied, spec.TriggerUser},
	} {
		if s.Status == to {
			break
		}
		s, err = f.lifecycle.Transition(ctx, s.ID, step.status, step.by)
		require.NoError(t, err)
	}
	require.Equal(t, to, s.Status)
	return s
}

func (f *fixture) add(t *testing.T, projectID, title string, priority int) *queue.WorkItem {
	t.Helper()
	s := f.spec(t, projectID, title, spec.StatusApproved)
	w, err := f.queue.AddToQueue(context.Background(), projectID, s.ID, &priority)
	require.NoError(t, err)
	return w
}

func ids(items []*queue.WorkItem) []string {
	out := make([]string, len(items))
	for i, w := range items {
		out[i] = w.ID
	}
	return out
}

func TestAddToQueue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	proposing := f.spec(t, "p1", "draft", spec.StatusProposing)
	_, err := f.queue.AddToQueue(ctx, "p1", proposing.ID, nil)
	require.ErrorIs(t, err, cerr.ErrPrecondition)
	assert.Equal(t, "proposing", cerr.CurrentState(err))

	for i := range 3 {
		s := f.spec(t, "p1", "fix", spec.StatusApproved)
		w, err := f.queue.AddToQueue(ctx, "p1", s.ID, nil)
		require.NoError(t, err)
		assert.Equal(t, i, w.Position)
		assert.Equal(t, 3, w.Priority)
		assert.Equal(t, queue.StatusQueued, w.Status)
	}
	assert.Equal(t, 3, f.events.count(eventbus.ItemAdded))

	other := f.spec(t, "p2", "elsewhere", spec.StatusApproved)
	_, err = f.queue.AddToQueue(ctx, "p1", other.ID, nil)
	require.ErrorIs(t, err, cerr.ErrValidation)

	bad := 9
	_, err = f.queue.AddToQueue(ctx, "p2", other.ID, &bad)
	require.ErrorIs(t, err, cerr.ErrValidation)

	_, err = f.queue.AddToQueue(ctx, "p1", "missing", nil)
	require.ErrorIs(t, err, cerr.ErrNotFound)
}

func TestApproveEnqueuesOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.spec(t, "p1", "fix login", spec.StatusProposing)

	_, err := f.lifecycle.Approve(ctx, s.ID, "alice")
	require.NoError(t, err)
	require.NoError(t, f.queue.EnqueueApproved(ctx, "p1", s.ID))

	items, err := f.queue.GetQueue(ctx, "p1", queue.Filter{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, s.ID, items[0].SpecID)
	assert.Equal(t, "fix login", items[0].Title)
}

func TestGetQueueOrderAndFilter(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	low := f.add(t, "p1", "Fix login redirect", 2)
	high := f.add(t, "p1", "Repair checkout total", 5)
	mid := f.add(t, "p1", "fix LOGIN timeout", 3)
	f.add(t, "p2", "other project", 5)

	items, err := f.queue.GetQueue(ctx, "p1", queue.Filter{})
	require.NoError(t, err)
	assert.Equal(t, []string{high.ID, mid.ID, low.ID}, ids(items))

	items, err = f.queue.GetQueue(ctx, "p1", queue.Filter{Text: "login"})
	require.NoError(t, err)
	assert.Equal(t, []string{mid.ID, low.ID}, ids(items))

	items, err = f.queue.GetQueue(ctx, "p1", queue.Filter{MinPriority: 3, MaxPriority: 4})
	require.NoError(t, err)
	assert.Equal(t, []string{mid.ID}, ids(items))

	items, err = f.queue.GetQueue(ctx, "p1", queue.Filter{Text: "100%"})
	require.NoError(t, err)
	assert.Empty(t, items)

	next, err := f.queue.NextQueued(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, high.ID, next.ID)

	_, err = f.queue.NextQueued(ctx, "empty")
	require.ErrorIs(t, err, cerr.ErrNotFound)
}

func TestReorderQueue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.add(t, "p1", "a", 3)
	b := f.add(t, "p1", "b", 3)
	c := f.add(t, "p1", "c", 3)
	foreign := f.add(t, "p2", "x", 3)

	require.NoError(t, f.queue.ReorderQueue(ctx, "p1", []queue.Reorder{
		{WorkItemID: a.ID, NewPosition: c.Position},
		{WorkItemID: c.ID, NewPosition: a.Position},
	}))
	items, err := f.queue.GetQueue(ctx, "p1", queue.Filter{})
	require.NoError(t, err)
	assert.Equal(t, []string{c.ID, b.ID, a.ID}, ids(items))
	assert.Equal(t, 1, f.events.count(eventbus.ItemReordered))

	err = f.queue.ReorderQueue(ctx, "p1", []queue.Reorder{
		{WorkItemID: a.ID, NewPosition: 0},
		{WorkItemID: foreign.ID, NewPosition: 2},
	})
	require.ErrorIs(t, err, cerr.ErrValidation)
	items, err = f.queue.GetQueue(ctx, "p1", queue.Filter{})
	require.NoError(t, err)
	assert.Equal(t, []string{c.ID, b.ID, a.ID}, ids(items), "rejected batch must not apply partially")

	require.ErrorIs(t, f.queue.ReorderQueue(ctx, "p1", nil), cerr.ErrValidation)
	require.ErrorIs(t, f.queue.ReorderQueue(ctx, "p1", []queue.Reorder{
		{WorkItemID: a.ID, NewPosition: 1},
		{WorkItemID: a.ID, NewPosition: 2},
	}), cerr.ErrValidation)
}

func TestAssignWorkItem(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	first := f.add(t, "p1", "first", 3)
	second := f.add(t, "p1", "second", 3)
	sess, err := f.sessions.Create(ctx, "p1")
	require.NoError(t, err)

	_, err = f.queue.AssignWorkItem(ctx, first.ID, "missing")
	require.ErrorIs(t, err, cerr.ErrNotFound)

	w, err := f.queue.AssignWorkItem(ctx, first.ID, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusAssigned, w.Status)
	assert.Equal(t, sess.ID, w.SessionID)
	require.NotNil(t, w.AssignedAt)

	got, err := f.sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.CurrentWorkItemID)

	s, err := f.lifecycle.Get(ctx, first.SpecID)
	require.NoError(t, err)
	assert.Equal(t, spec.StatusAssigned, s.Status)

	_, err = f.queue.AssignWorkItem(ctx, first.ID, sess.ID)
	require.ErrorIs(t, err, cerr.ErrInvalidState)
	assert.Equal(t, "assigned", cerr.CurrentState(err))

	_, err = f.queue.AssignWorkItem(ctx, second.ID, sess.ID)
	require.ErrorIs(t, err, cerr.ErrInvalidState, "a session holds one item")
	w, err = f.queue.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusQueued, w.Status)

	other, err := f.sessions.Create(ctx, "p2")
	require.NoError(t, err)
	_, err = f.queue.AssignWorkItem(ctx, second.ID, other.ID)
	require.ErrorIs(t, err, cerr.ErrValidation)
}

func TestBlockAndUnblock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	w1 := f.add(t, "p1", "one", 3)
	w2 := f.add(t, "p1", "two", 3)
	w3 := f.add(t, "p1", "three", 3)
	applied := f.spec(t, "p1", "done already", spec.StatusApplied)
	pending := f.spec(t, "p1", "prerequisite", spec.StatusInProgress)
	otherBlocker := f.spec(t, "p1", "other prerequisite", spec.StatusApproved)

	w, err := f.queue.BlockWorkItem(ctx, w1.ID, applied.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusQueued, w.Status)
	assert.Empty(t, w.BlockedBy)

	w, err = f.queue.BlockWorkItem(ctx, w1.ID, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusBlocked, w.Status)
	assert.Equal(t, pending.ID, w.BlockedBy)
	_, err = f.queue.BlockWorkItem(ctx, w2.ID, pending.ID)
	require.NoError(t, err)
	_, err = f.queue.BlockWorkItem(ctx, w3.ID, otherBlocker.ID)
	require.NoError(t, err)

	n, err := f.queue.CheckAndUnblockDependents(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for id, want := range map[string]queue.Status{
		w1.ID: queue.StatusQueued,
		w2.ID: queue.StatusQueued,
		w3.ID: queue.StatusBlocked,
	} {
		got, err := f.queue.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, got.Status)
		if want == queue.StatusQueued {
			assert.Empty(t, got.BlockedBy)
		}
	}

	w, err = f.queue.UnblockWorkItem(ctx, w3.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusQueued, w.Status)
	assert.Empty(t, w.BlockedBy)

	_, err = f.queue.BlockWorkItem(ctx, w3.ID, "missing")
	require.ErrorIs(t, err, cerr.ErrNotFound)
}

func TestCompleteWorkItemUnblocksDependents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	prereq := f.add(t, "p1", "prerequisite", 4)
	dependent := f.add(t, "p1", "dependent", 3)
	sess, err := f.sessions.Create(ctx, "p1")
	require.NoError(t, err)

	_, err = f.queue.BlockWorkItem(ctx, dependent.ID, prereq.SpecID)
	require.NoError(t, err)
	_, err = f.queue.AssignWorkItem(ctx, prereq.ID, sess.ID)
	require.NoError(t, err)

	w, err := f.queue.CompleteWorkItem(ctx, prereq.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, w.Status)
	require.NotNil(t, w.CompletedAt)

	got, err := f.sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, got.CurrentWorkItemID)

	dep, err := f.queue.Get(ctx, dependent.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusQueued, dep.Status)

	_, err = f.queue.CompleteWorkItem(ctx, prereq.ID)
	require.ErrorIs(t, err, cerr.ErrInvalidState)
}

func TestStatsRemoveAndPriority(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.add(t, "p1", "a", 2)
	b := f.add(t, "p1", "b", 4)
	c := f.add(t, "p1", "c", 3)
	blocker := f.spec(t, "p1", "blocker", spec.StatusApproved)
	_, err := f.queue.BlockWorkItem(ctx, c.ID, blocker.ID)
	require.NoError(t, err)

	st, err := f.queue.GetStats(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 4, st.MaxPriority)
	assert.Equal(t, 2, st.Counts[queue.StatusQueued])
	assert.Equal(t, 1, st.Counts[queue.StatusBlocked])
	assert.Equal(t, 0, st.Counts[queue.StatusCompleted])

	n, err := f.queue.UpdatePriority(ctx, a.SpecID, 9)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err := f.queue.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.MaxPriority, got.Priority)

	require.NoError(t, f.queue.RemoveFromQueue(ctx, b.ID))
	_, err = f.queue.Get(ctx, b.ID)
	require.ErrorIs(t, err, cerr.ErrNotFound)
	assert.Equal(t, 1, f.events.count(eventbus.ItemRemoved))
	require.ErrorIs(t, f.queue.RemoveFromQueue(ctx, b.ID), cerr.ErrNotFound)

	st, err = f.queue.GetStats(ctx, "empty")
	require.NoError(t, err)
	assert.Equal(t, 0, st.Total)
	assert.Equal(t, 0, st.MaxPriority)
}
