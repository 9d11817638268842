package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kazz187/specguild/internal/config"
	"github.com/kazz187/specguild/internal/db"
	"github.com/kazz187/specguild/internal/eventbus"
	"github.com/kazz187/specguild/internal/executor"
	"github.com/kazz187/specguild/internal/failure"
	failurerepo "github.com/kazz187/specguild/internal/failure/repositoryimpl"
	"github.com/kazz187/specguild/internal/orchestrator"
	"github.com/kazz187/specguild/internal/pushnotification"
	pushsubrepo "github.com/kazz187/specguild/internal/pushsubscription/repositoryimpl"
	"github.com/kazz187/specguild/internal/queue"
	queuerepo "github.com/kazz187/specguild/internal/queue/repositoryimpl"
	"github.com/kazz187/specguild/internal/scheduler"
	"github.com/kazz187/specguild/internal/server"
	"github.com/kazz187/specguild/internal/session"
	sessionrepo "github.com/kazz187/specguild/internal/session/repositoryimpl"
	"github.com/kazz187/specguild/internal/spec"
	specrepo "github.com/kazz187/specguild/internal/spec/repositoryimpl"
	"github.com/kazz187/specguild/internal/worker"
	workerrepo "github.com/kazz187/specguild/internal/worker/repositoryimpl"
	"github.com/kazz187/specguild/pkg/clock"
	"github.com/kazz187/specguild/pkg/storage"
	"github.com/kazz187/specguild/pkg/telemetry"
	"github.com/kazz187/specguild/pkg/worktree"
)

const jobDispatch = "dispatch"

// app holds the wired components shared by every command.
type app struct {
	env        *config.Env
	db         *db.DB
	bus        *eventbus.Bus
	lifecycle  *spec.Lifecycle
	queue      *queue.Service
	sessions   *session.Service
	failures   *failure.Service
	watcher    *failure.Watcher
	executor   *executor.Claude
	workers    *worker.Manager
	monitor    *worker.Monitor
	dispatcher *orchestrator.Dispatcher
	jobs       []scheduler.Job
	scheduler  *scheduler.Scheduler
	pushSender *pushnotification.Sender
	server     *server.Server
}

// newApp wires everything. ctx bounds the lifetime of running workers.
func newApp(ctx context.Context, env *config.Env) (*app, error) {
	d, err := db.Open(ctx, env.DBPath)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(ctx, storage.Options{
		Type:    env.StorageEnv.Type,
		BaseDir: env.StorageEnv.BaseDir,
		Bucket:  env.S3Bucket,
		Prefix:  env.S3Prefix,
		Region:  env.S3Region,
	})
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	clk := clock.Real{}
	bus := eventbus.New()
	pub := eventbus.Observe(bus, func(e *eventbus.Event) {
		telemetry.EventsPublished.WithLabelValues(string(e.Type)).Inc()
	})

	specRepo := specrepo.NewSQLiteRepository(d)
	contentRepo := specrepo.NewYAMLContentRepository(store)
	sessionRepo := sessionrepo.NewSQLiteRepository(d)
	failureRepo := failurerepo.NewSQLiteRepository(d)
	pushSubRepo := pushsubrepo.NewYAMLRepository(store)

	a := &app{env: env, db: d, bus: bus}
	a.lifecycle = spec.NewLifecycle(d, specRepo, contentRepo, pub, clk)
	a.queue = queue.NewService(d, queuerepo.NewSQLiteRepository(d), specRepo, sessionRepo, a.lifecycle, pub, clk)
	a.lifecycle.SetQueue(a.queue)
	a.sessions = session.NewService(sessionRepo, clk)
	a.failures = failure.NewService(failureRepo, clk)

	generator, err := failure.NewTemplateGenerator()
	if err != nil {
		d.Close()
		return nil, err
	}
	a.watcher = failure.NewWatcher(d, failureRepo, a.lifecycle, a.queue, generator, pub, clk, failure.WatcherOptions{
		AutoApprove: env.AutoApprove,
		Approver:    env.AutoApprover,
	})

	worktrees, err := worktree.NewManager(env.RepoPath)
	if err != nil {
		slog.Warn("worktrees disabled, workers run in the repository", "repo_path", env.RepoPath, "error", err)
	}
	activity := workerrepo.NewActivityRepository(d)
	a.executor = executor.NewClaude(ctx, worktrees, activity, clk, executor.Options{
		RepoPath:       env.RepoPath,
		PermissionMode: env.PermissionMode,
		MaxTurns:       env.MaxTurns,
	})
	a.workers = worker.NewManager(workerrepo.NewSQLiteRepository(d), specRepo, contentRepo, sessionRepo,
		a.lifecycle, a.queue, a.executor, pub, clk)
	a.monitor = worker.NewMonitor(a.workers, activity, worker.MonitorOptions{
		IdleComplete: env.IdleCompleteAfter,
		IdleFail:     env.IdleFailAfter,
		Window:       env.ActivityWindow,
	})
	a.dispatcher = orchestrator.NewDispatcher(a.queue, a.sessions, a.workers, a.failures)

	a.jobs = []scheduler.Job{
		{Name: "watch", Schedule: env.WatchSchedule, Run: a.watcher.Poll},
		{Name: "monitor", Schedule: env.MonitorSchedule, Run: a.monitor.Sweep},
		{Name: "auto_transition", Schedule: env.AutoTransitionSchedule, Run: a.lifecycle.AutoTransitionSweep},
		{Name: jobDispatch, Schedule: env.DispatchSchedule, Run: a.dispatcher.Dispatch},
	}
	a.scheduler = scheduler.New(a.jobs...)

	a.pushSender = pushnotification.NewSender(&env.VAPIDEnv, pushSubRepo)
	a.server = server.NewServer(
		&env.BaseEnv,
		a.queue,
		a.lifecycle,
		a.workers,
		a.sessions,
		a.failures,
		pushnotification.NewServer(&env.VAPIDEnv, pushSubRepo, clk),
	)
	return a, nil
}

func (a *app) Close() {
	a.executor.Close()
	a.bus.Close()
	if err := a.db.Close(); err != nil {
		slog.Error("failed to close database", "error", err)
	}
}
