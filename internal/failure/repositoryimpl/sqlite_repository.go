package repositoryimpl

import (
	"context"

	"github.com/kazz187/specguild/internal/db"
	"github.com/kazz187/specguild/internal/failure"
	"github.com/kazz187/specguild/pkg/cerr"
)

type SQLiteRepository struct {
	db *db.DB
}

func NewSQLiteRepository(d *db.DB) *SQLiteRepository {
	return &SQLiteRepository{db: d}
}

const failureColumns = `id, project_id, run_id, test_name, error_message, stack, file,
	total_runs, consecutive_failures, occurred_at, spec_id, resolved`

func (r *SQLiteRepository) Record(ctx context.Context, f *failure.Failure) error {
	_, err := r.db.Conn(ctx).ExecContext(ctx,
		`INSERT INTO failures (`+failureColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.ProjectID, f.RunID, f.TestName, f.ErrorMessage, f.Stack, f.File,
		f.TotalRuns, f.ConsecutiveFailures, db.Millis(f.OccurredAt), f.SpecID, f.Resolved)
	if err != nil {
		return cerr.WrapDBError("failure", f.ID, err)
	}
	return nil
}

func (r *SQLiteRepository) ListPending(ctx context.Context, limit int) ([]*failure.Failure, error) {
	rows, err := r.db.Conn(ctx).QueryContext(ctx,
		`SELECT `+failureColumns+` FROM failures
		 WHERE resolved = 0 AND spec_id = ''
		 ORDER BY occurred_at, id LIMIT ?`, limit)
	if err != nil {
		return nil, cerr.WrapDBError("failures", "pending", err)
	}
	defer rows.Close()
	var out []*failure.Failure
	for rows.Next() {
		var (
			f        failure.Failure
			occurred int64
		)
		if err := rows.Scan(&f.ID, &f.ProjectID, &f.RunID, &f.TestName, &f.ErrorMessage, &f.Stack, &f.File,
			&f.TotalRuns, &f.ConsecutiveFailures, &occurred, &f.SpecID, &f.Resolved); err != nil {
			return nil, cerr.WrapDBError("failures", "pending", err)
		}
		f.OccurredAt = db.Time(occurred)
		out = append(out, &f)
	}
	if err := rows.Err(); err != nil {
		return nil, cerr.WrapDBError("failures", "pending", err)
	}
	return out, nil
}

func (r *SQLiteRepository) LinkSpec(ctx context.Context, failureID, specID string) (bool, error) {
	res, err := r.db.Conn(ctx).ExecContext(ctx,
		`UPDATE failures SET spec_id = ? WHERE id = ? AND spec_id = ''`, specID, failureID)
	if err != nil {
		return false, cerr.WrapDBError("failure", failureID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, cerr.WrapDBError("failure", failureID, err)
	}
	return n == 1, nil
}

func (r *SQLiteRepository) ResolveBySpec(ctx context.Context, specID string) (int, error) {
	res, err := r.db.Conn(ctx).ExecContext(ctx,
		`UPDATE failures SET resolved = 1 WHERE spec_id = ? AND resolved = 0`, specID)
	if err != nil {
		return 0, cerr.WrapDBError("failures of spec", specID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, cerr.WrapDBError("failures of spec", specID, err)
	}
	return int(n), nil
}

func (r *SQLiteRepository) GetHistory(ctx context.Context, testName string) (*failure.History, error) {
	var (
		h        failure.History
		lastSeen int64
	)
	err := r.db.Conn(ctx).QueryRowContext(ctx,
		`SELECT test_name, occurrences, consecutive_failures, total_runs, last_seen, classification
		 FROM failure_history WHERE test_name = ?`, testName).
		Scan(&h.TestName, &h.Occurrences, &h.ConsecutiveFailures, &h.TotalRuns, &lastSeen, &h.Classification)
	if err != nil {
		return nil, cerr.WrapDBError("failure history", testName, err)
	}
	h.LastSeen = db.Time(lastSeen)
	return &h, nil
}

func (r *SQLiteRepository) PutHistory(ctx context.Context, h *failure.History) error {
	_, err := r.db.Conn(ctx).ExecContext(ctx,
		`INSERT INTO failure_history (test_name, occurrences, consecutive_failures, total_runs, last_seen, classification)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (test_name) DO UPDATE SET
		   occurrences = excluded.occurrences,
		   consecutive_failures = excluded.consecutive_failures,
		   total_runs = excluded.total_runs,
		   last_seen = excluded.last_seen,
		   classification = excluded.classification`,
		h.TestName, h.Occurrences, h.ConsecutiveFailures, h.TotalRuns, db.Millis(h.LastSeen), h.Classification)
	if err != nil {
		return cerr.WrapDBError("failure history", h.TestName, err)
	}
	return nil
}

const proposalColumns = `spec_id, test_name, normalized_error, error_type, occurrences, priority, created_at, updated_at`

func scanProposal(row interface{ Scan(...any) error }) (*failure.TrackedProposal, error) {
	var (
		p                failure.TrackedProposal
		created, updated int64
	)
	if err := row.Scan(&p.SpecID, &p.TestName, &p.NormalizedError, &p.ErrorType, &p.Occurrences, &p.Priority,
		&created, &updated); err != nil {
		return nil, err
	}
	p.CreatedAt = db.Time(created)
	p.UpdatedAt = db.Time(updated)
	return &p, nil
}

func (r *SQLiteRepository) FindProposal(ctx context.Context, testName, normalizedError string) (*failure.TrackedProposal, error) {
	p, err := scanProposal(r.db.Conn(ctx).QueryRowContext(ctx,
		`SELECT `+proposalColumns+` FROM failure_proposals
		 WHERE test_name = ? AND normalized_error = ?
		 ORDER BY created_at DESC, spec_id DESC LIMIT 1`, testName, normalizedError))
	if err != nil {
		return nil, cerr.WrapDBError("proposal for test", testName, err)
	}
	return p, nil
}

func (r *SQLiteRepository) GetProposal(ctx context.Context, specID string) (*failure.TrackedProposal, error) {
	p, err := scanProposal(r.db.Conn(ctx).QueryRowContext(ctx,
		`SELECT `+proposalColumns+` FROM failure_proposals WHERE spec_id = ?`, specID))
	if err != nil {
		return nil, cerr.WrapDBError("proposal", specID, err)
	}
	return p, nil
}

func (r *SQLiteRepository) InsertProposal(ctx context.Context, p *failure.TrackedProposal) error {
	_, err := r.db.Conn(ctx).ExecContext(ctx,
		`INSERT INTO failure_proposals (`+proposalColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.SpecID, p.TestName, p.NormalizedError, p.ErrorType, p.Occurrences, p.Priority,
		db.Millis(p.CreatedAt), db.Millis(p.UpdatedAt))
	if err != nil {
		return cerr.WrapDBError("proposal", p.SpecID, err)
	}
	return nil
}

func (r *SQLiteRepository) UpdateProposal(ctx context.Context, p *failure.TrackedProposal) error {
	res, err := r.db.Conn(ctx).ExecContext(ctx,
		`UPDATE failure_proposals SET occurrences = ?, priority = ?, updated_at = ? WHERE spec_id = ?`,
		p.Occurrences, p.Priority, db.Millis(p.UpdatedAt), p.SpecID)
	if err != nil {
		return cerr.WrapDBError("proposal", p.SpecID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return cerr.NotFoundError("proposal", p.SpecID)
	}
	return nil
}

var _ failure.Repository = (*SQLiteRepository)(nil)
