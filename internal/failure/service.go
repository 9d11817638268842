package failure

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/kazz187/specguild/pkg/cerr"
	"github.com/kazz187/specguild/pkg/clock"
)

// Service stores incoming test results for the watcher.
type Service struct {
	repo  Repository
	clock clock.Clock
}

func NewService(repo Repository, clk clock.Clock) *Service {
	return &Service{repo: repo, clock: clk}
}

// Ingest records the failures of a report and folds its passing tests into
// the history. It returns the stored failures.
func (s *Service) Ingest(ctx context.Context, r *Report) ([]*Failure, error) {
	if r.ProjectID == "" {
		return nil, cerr.ValidationError("report project_id is required")
	}
	now := s.clock.Now()
	out := make([]*Failure, 0, len(r.Failures))
	for i, rf := range r.Failures {
		if strings.TrimSpace(rf.TestName) == "" {
			return out, cerr.ValidationError("report failure has no test_name").
				WithDetail(rf.ErrorMessage, "failures."+strconv.Itoa(i))
		}
		f := &Failure{
			ID:                  ulid.Make().String(),
			ProjectID:           r.ProjectID,
			RunID:               r.RunID,
			TestName:            rf.TestName,
			ErrorMessage:        rf.ErrorMessage,
			Stack:               rf.Stack,
			File:                rf.File,
			TotalRuns:           rf.TotalRuns,
			ConsecutiveFailures: rf.ConsecutiveFailures,
			OccurredAt:          now,
		}
		if err := s.repo.Record(ctx, f); err != nil {
			return out, err
		}
		out = append(out, f)
	}
	for _, name := range r.Passed {
		if err := s.RecordRun(ctx, name); err != nil {
			slog.Warn("failure: failed to record passing run", "test_name", name, "error", err)
		}
	}
	slog.Info("failure: report ingested", "project_id", r.ProjectID, "run_id", r.RunID,
		"failures", len(out), "passed", len(r.Passed))
	return out, nil
}

// RecordRun counts a passing run of a test that has failed before. Tests
// without history are ignored.
func (s *Service) RecordRun(ctx context.Context, testName string) error {
	h, err := s.repo.GetHistory(ctx, testName)
	if errors.Is(err, cerr.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return s.repo.PutHistory(ctx, PassedRun(h))
}

func (s *Service) History(ctx context.Context, testName string) (*History, error) {
	return s.repo.GetHistory(ctx, testName)
}

// ResolveBySpec marks the failures linked to an applied spec resolved.
func (s *Service) ResolveBySpec(ctx context.Context, specID string) (int, error) {
	return s.repo.ResolveBySpec(ctx, specID)
}
