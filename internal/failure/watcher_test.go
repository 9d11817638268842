package failure_test

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
	"github.com/kazz187/specguild/internal/failure"
	failurerepo "github.com/kazz187/specguild/internal/failure/repositoryimpl"
	"github.com/kazz187/specguild/internal/spec"
	specrepo "github.com/kazz187/specguild/internal/spec/repositoryimpl"
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

type priorityUpdates struct {
	mu      sync.Mutex
	updates map[string]int
}

func (p *priorityUpdates) UpdatePriority(_ context.Context, specID string, priority int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.updates == nil {
		p.updates = map[string]int{}
	}
	p.updates[specID] = priority
	return 1, nil
}

type harness struct {
	db        *db.DB
	store     storage.Storage
	service   *failure.Service
	watcher   *failure.Watcher
	repo      *failurerepo.SQLiteRepository
	specs     *specrepo.SQLiteRepository
	lifecycle *spec.Lifecycle
	queue     *priorityUpdates
	events    *recorder
	clock     *clock.Fake
}

func newHarness(t *testing.T, opts failure.WatcherOptions) *harness {
	t.Helper()
	ctx := context.Background()
	d, err := db.Open(ctx, filepath.Join(t.TempDir(), "specguild.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	st, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	gen, err := failure.NewTemplateGenerator()
	require.NoError(t, err)

	h := &harness{
		db:     d,
		store:  st,
		repo:   failurerepo.NewSQLiteRepository(d),
		specs:  specrepo.NewSQLiteRepository(d),
		queue:  &priorityUpdates{},
		events: &recorder{},
		clock:  clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
	}
	h.lifecycle = spec.NewLifecycle(d, h.specs, specrepo.NewYAMLContentRepository(st), h.events, h.clock)
	h.service = failure.NewService(h.repo, h.clock)
	h.watcher = failure.NewWatcher(d, h.repo, h.lifecycle, h.queue, gen, h.events, h.clock, opts)
	return h
}

func (h *harness) report(t *testing.T, rf failure.ReportedFailure) {
	t.Helper()
	h.clock.Advance(time.Hour)
	_, err := h.service.Ingest(context.Background(), &failure.Report{
		ProjectID: "p1",
		RunID:     "run-" + h.clock.Now().Format("150405"),
		Failures:  []failure.ReportedFailure{rf},
	})
	require.NoError(t, err)
}

func TestWatcherEscalatesRepeatedLoginFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, failure.WatcherOptions{})

	steps := []struct {
		failure        failure.ReportedFailure
		classification failure.Classification
		priority       int
	}{
		{
			failure.ReportedFailure{TestName: "login", ErrorMessage: "expected 200 to equal 401 at login.test.ts:12:5"},
			failure.ClassificationNew, 2,
		},
		{
			failure.ReportedFailure{TestName: "login", ErrorMessage: "expected 200 to equal 401 at login.test.ts:14:5", TotalRuns: 9, ConsecutiveFailures: 1},
			failure.ClassificationFlaky, 3,
		},
		{
			failure.ReportedFailure{TestName: "login", ErrorMessage: "expected 200 to equal 401 at login.test.ts:14:9", TotalRuns: 10, ConsecutiveFailures: 2},
			failure.ClassificationRecurring, 4,
		},
		{
			failure.ReportedFailure{TestName: "login", ErrorMessage: "expected 200 to equal 401 at login.test.ts:15:1", TotalRuns: 11, ConsecutiveFailures: 5},
			failure.ClassificationPersistent, 5,
		},
	}

	var specID string
	for i, step := range steps {
		h.report(t, step.failure)
		n, err := h.watcher.Poll(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n, "step %d", i+1)

		hist, err := h.repo.GetHistory(ctx, "login")
		require.NoError(t, err)
		assert.Equal(t, i+1, hist.Occurrences)
		assert.Equal(t, step.classification, hist.Classification, "step %d", i+1)

		if specID == "" {
			generated := h.events.ofType(eventbus.ProposalGenerated)
			require.Len(t, generated, 1)
			specID = generated[0].ResourceID
		}
		s, err := h.lifecycle.Get(ctx, specID)
		require.NoError(t, err)
		assert.Equal(t, step.priority, s.Priority, "step %d", i+1)
		assert.Equal(t, string(step.classification), s.Classification)

		tracked, err := h.repo.GetProposal(ctx, specID)
		require.NoError(t, err)
		assert.Equal(t, i+1, tracked.Occurrences)
		assert.Equal(t, step.priority, tracked.Priority)
	}

	assert.Len(t, h.events.ofType(eventbus.ProposalGenerated), 1, "repeats of one error share a proposal")

	escalations := h.events.ofType(eventbus.PriorityEscalated)
	require.Len(t, escalations, 3)
	for i, e := range escalations {
		assert.Equal(t, i+2, e.Payload["occurrences"])
		assert.Equal(t, i+3, e.Payload["to"])
	}
	assert.Equal(t, 5, h.queue.updates[specID])

	updated := h.events.ofType(eventbus.ProposalUpdated)
	require.Len(t, updated, 3)
	assert.Contains(t, updated[0].Payload["diff"], "+- Priority: 3")

	pending, err := h.repo.ListPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestWatcherNewErrorGetsNewProposal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, failure.WatcherOptions{AutoApprove: true, Approver: "ci-bot"})

	h.report(t, failure.ReportedFailure{TestName: "checkout", ErrorMessage: "expected cart total 10"})
	h.report(t, failure.ReportedFailure{TestName: "checkout", ErrorMessage: "connect ECONNREFUSED 127.0.0.1:6379"})
	n, err := h.watcher.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	generated := h.events.ofType(eventbus.ProposalGenerated)
	require.Len(t, generated, 2)
	assert.Equal(t, "assertion-failure", generated[0].Payload["error_type"])
	assert.Equal(t, "network-error", generated[1].Payload["error_type"])
	assert.Empty(t, h.events.ofType(eventbus.PriorityEscalated))

	for _, e := range generated {
		s, err := h.lifecycle.Get(ctx, e.ResourceID)
		require.NoError(t, err)
		assert.Equal(t, spec.StatusApproved, s.Status)
		assert.Equal(t, spec.OriginError, s.Origin)
		assert.Equal(t, "user", s.StatusChangedBy)
	}
	history, err := h.lifecycle.History(ctx, generated[0].ResourceID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "ci-bot", history[0].UserID)
}

func TestWatcherReopensAfterApply(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, failure.WatcherOptions{})

	h.report(t, failure.ReportedFailure{TestName: "login", ErrorMessage: "expected true"})
	_, err := h.watcher.Poll(ctx)
	require.NoError(t, err)
	first := h.events.ofType(eventbus.ProposalGenerated)[0].ResourceID

	for _, step := range []struct {
		to spec.Status
		by spec.Trigger
	}{
		{spec.StatusApproved, spec.TriggerUser},
		{spec.StatusAssigned, spec.TriggerSystem},
		{spec.StatusInProgress, spec.TriggerWorker},
		{spec.StatusReview, spec.TriggerWorker},
	} {
		_, err := h.lifecycle.Transition(ctx, first, step.to, step.by)
		require.NoError(t, err)
	}
	_, err = h.lifecycle.MarkApplied(ctx, first, spec.ApplyInput{UserID: "alice"})
	require.NoError(t, err)
	resolved, err := h.service.ResolveBySpec(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, 1, resolved)

	h.report(t, failure.ReportedFailure{TestName: "login", ErrorMessage: "expected true"})
	_, err = h.watcher.Poll(ctx)
	require.NoError(t, err)
	generated := h.events.ofType(eventbus.ProposalGenerated)
	require.Len(t, generated, 2)
	assert.NotEqual(t, first, generated[1].ResourceID)
}

func TestServiceRecordRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, failure.WatcherOptions{})

	require.NoError(t, h.service.RecordRun(ctx, "never-failed"))

	h.report(t, failure.ReportedFailure{TestName: "search", ErrorMessage: "timeout", ConsecutiveFailures: 3})
	_, err := h.watcher.Poll(ctx)
	require.NoError(t, err)

	_, err = h.service.Ingest(ctx, &failure.Report{ProjectID: "p1", Passed: []string{"search"}})
	require.NoError(t, err)
	hist, err := h.service.History(ctx, "search")
	require.NoError(t, err)
	assert.Equal(t, 2, hist.TotalRuns)
	assert.Equal(t, 0, hist.ConsecutiveFailures)
	assert.Equal(t, 1, hist.Occurrences)

	_, err = h.service.Ingest(ctx, &failure.Report{ProjectID: ""})
	require.Error(t, err)
}

type flakyProposals struct {
	*failurerepo.SQLiteRepository
	fail bool
}

func (r *flakyProposals) InsertProposal(ctx context.Context, p *failure.TrackedProposal) error {
	if r.fail {
		return errors.New("disk I/O error")
	}
	return r.SQLiteRepository.InsertProposal(ctx, p)
}

func TestWatcherProposalIsAtomic(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, failure.WatcherOptions{})
	repo := &flakyProposals{SQLiteRepository: h.repo, fail: true}
	gen, err := failure.NewTemplateGenerator()
	require.NoError(t, err)
	w := failure.NewWatcher(h.db, repo, h.lifecycle, h.queue, gen, h.events, h.clock, failure.WatcherOptions{})

	h.report(t, failure.ReportedFailure{TestName: "login", ErrorMessage: "expected true"})
	n, err := w.Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	specs, err := h.specs.List(ctx, spec.ListFilter{ProjectID: "p1"})
	require.NoError(t, err)
	assert.Empty(t, specs, "spec row rolled back")
	blobs, err := h.store.List(ctx, "specs")
	require.NoError(t, err)
	assert.Empty(t, blobs, "documents discarded")
	assert.Empty(t, h.events.ofType(eventbus.ProposalGenerated))

	repo.fail = false
	n, err = w.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "failure stayed pending")
	specs, err = h.specs.List(ctx, spec.ListFilter{ProjectID: "p1"})
	require.NoError(t, err)
	require.Len(t, specs, 1)
	generated := h.events.ofType(eventbus.ProposalGenerated)
	require.Len(t, generated, 1)
	assert.Equal(t, specs[0].ID, generated[0].ResourceID)

	n, err = w.Poll(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
