// Package scheduler runs the periodic sweeps: failure watching, worker
// monitoring, automatic lifecycle transitions and dispatch.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kazz187/specguild/pkg/panicerr"
	"github.com/kazz187/specguild/pkg/telemetry"
)

// Job is one sweep. Run returns how many items it changed.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) (int, error)
}

type Scheduler struct {
	jobs []Job
	cron *cron.Cron
}

func New(jobs ...Job) *Scheduler {
	return &Scheduler{
		jobs: jobs,
		// A sweep still running when its next tick fires is skipped.
		cron: cron.New(cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
}

// Start registers every job and starts the cron loop. Jobs run with ctx
// and stop being scheduled when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	for _, job := range s.jobs {
		if _, err := s.cron.AddFunc(job.Schedule, func() {
			if ctx.Err() != nil {
				return
			}
			_ = s.run(ctx, job)
		}); err != nil {
			return fmt.Errorf("schedule %s (%q): %w", job.Name, job.Schedule, err)
		}
		slog.Info("scheduler: job registered", "job", job.Name, "schedule", job.Schedule)
	}
	s.cron.Start()
	go func() {
		<-ctx.Done()
		<-s.cron.Stop().Done()
		slog.Info("scheduler stopped")
	}()
	return nil
}

// RunOnce runs every job once in registration order. A failing job does not
// stop the others.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	var errs []error
	for _, job := range s.jobs {
		if err := s.run(ctx, job); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", job.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) run(ctx context.Context, job Job) error {
	ctx, span := otel.Tracer("specguild/scheduler").Start(ctx, "sweep."+job.Name,
		trace.WithAttributes(attribute.String("job", job.Name)))
	defer span.End()

	start := time.Now()
	var n int
	err := panicerr.SafeContext(func(ctx context.Context) error {
		var err error
		n, err = job.Run(ctx)
		return err
	})(ctx)
	telemetry.ObserveSweep(job.Name, time.Since(start), n, err)
	span.SetAttributes(attribute.Int("items", n))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sweep failed")
		slog.Error("scheduler: sweep failed", "job", job.Name, "error", err)
		return err
	}
	if n > 0 {
		slog.Info("scheduler: sweep done", "job", job.Name, "items", n, "elapsed", time.Since(start))
	}
	return nil
}
