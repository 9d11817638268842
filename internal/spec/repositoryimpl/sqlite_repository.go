package repositoryimpl

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/kazz187/specguild/internal/db"
	"github.com/kazz187/specguild/internal/spec"
	"github.com/kazz187/specguild/pkg/cerr"
)

type SQLiteRepository struct {
	db *db.DB
}

func NewSQLiteRepository(d *db.DB) *SQLiteRepository {
	return &SQLiteRepository{db: d}
}

const specColumns = `id, project_id, title, status, priority, origin, classification,
	created_at, updated_at, status_changed_at, status_changed_by`

type scanner interface {
	Scan(dest ...any) error
}

func scanSpec(row scanner) (*spec.Spec, error) {
	var (
		s                         spec.Spec
		created, updated, changed int64
	)
	if err := row.Scan(&s.ID, &s.ProjectID, &s.Title, &s.Status, &s.Priority, &s.Origin, &s.Classification,
		&created, &updated, &changed, &s.StatusChangedBy); err != nil {
		return nil, err
	}
	s.CreatedAt = db.Time(created)
	s.UpdatedAt = db.Time(updated)
	s.StatusChangedAt = db.Time(changed)
	return &s, nil
}

func (r *SQLiteRepository) Create(ctx context.Context, s *spec.Spec) error {
	_, err := r.db.Conn(ctx).ExecContext(ctx,
		`INSERT INTO specs (`+specColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.ProjectID, s.Title, s.Status, s.Priority, s.Origin, s.Classification,
		db.Millis(s.CreatedAt), db.Millis(s.UpdatedAt), db.Millis(s.StatusChangedAt), s.StatusChangedBy)
	if err != nil {
		return cerr.WrapDBError("spec", s.ID, err)
	}
	return nil
}

func (r *SQLiteRepository) Get(ctx context.Context, id string) (*spec.Spec, error) {
	row := r.db.Conn(ctx).QueryRowContext(ctx, `SELECT `+specColumns+` FROM specs WHERE id = ?`, id)
	s, err := scanSpec(row)
	if err != nil {
		return nil, cerr.WrapDBError("spec", id, err)
	}
	return s, nil
}

func (r *SQLiteRepository) List(ctx context.Context, filter spec.ListFilter) ([]*spec.Spec, error) {
	var (
		where []string
		args  []any
	)
	if filter.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, filter.ProjectID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	q := `SELECT ` + specColumns + ` FROM specs`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at, id"
	rows, err := r.db.Conn(ctx).QueryContext(ctx, q, args...)
	if err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("list specs: %w", err))
	}
	defer rows.Close()
	var out []*spec.Spec
	for rows.Next() {
		s, err := scanSpec(rows)
		if err != nil {
			return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("scan spec: %w", err))
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("list specs: %w", err))
	}
	return out, nil
}

func (r *SQLiteRepository) UpdateStatus(ctx context.Context, id string, from, to spec.Status, by string, at time.Time) (bool, error) {
	res, err := r.db.Conn(ctx).ExecContext(ctx,
		`UPDATE specs SET status = ?, status_changed_at = ?, status_changed_by = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		to, db.Millis(at), by, db.Millis(at), id, from)
	if err != nil {
		return false, cerr.WrapDBError("spec", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, cerr.WrapDBError("spec", id, err)
	}
	return n == 1, nil
}

func (r *SQLiteRepository) UpdatePriority(ctx context.Context, id string, priority int, classification string, at time.Time) error {
	res, err := r.db.Conn(ctx).ExecContext(ctx,
		`UPDATE specs SET priority = ?, classification = ?, updated_at = ? WHERE id = ?`,
		priority, classification, db.Millis(at), id)
	if err != nil {
		return cerr.WrapDBError("spec", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return cerr.NotFoundError("spec", id)
	}
	return nil
}

func (r *SQLiteRepository) AppendTransition(ctx context.Context, t *spec.TransitionRecord) error {
	_, err := r.db.Conn(ctx).ExecContext(ctx,
		`INSERT INTO spec_transitions (id, spec_id, from_state, to_state, triggered_by, user_id, session_id, notes, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.SpecID, t.From, t.To, t.TriggeredBy, t.UserID, t.SessionID, t.Notes, db.Millis(t.CreatedAt))
	if err != nil {
		return cerr.WrapDBError("spec transition", t.ID, err)
	}
	return nil
}

func (r *SQLiteRepository) ListTransitions(ctx context.Context, specID string) ([]*spec.TransitionRecord, error) {
	rows, err := r.db.Conn(ctx).QueryContext(ctx,
		`SELECT id, spec_id, from_state, to_state, triggered_by, user_id, session_id, notes, created_at
		 FROM spec_transitions WHERE spec_id = ? ORDER BY created_at, id`, specID)
	if err != nil {
		return nil, cerr.WrapDBError("spec transitions", specID, err)
	}
	defer rows.Close()
	var out []*spec.TransitionRecord
	for rows.Next() {
		var (
			t  spec.TransitionRecord
			at int64
		)
		if err := rows.Scan(&t.ID, &t.SpecID, &t.From, &t.To, &t.TriggeredBy, &t.UserID, &t.SessionID, &t.Notes, &at); err != nil {
			return nil, cerr.WrapDBError("spec transitions", specID, err)
		}
		t.CreatedAt = db.Time(at)
		out = append(out, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, cerr.WrapDBError("spec transitions", specID, err)
	}
	return out, nil
}

func (r *SQLiteRepository) InsertApplied(ctx context.Context, a *spec.AppliedSpec) error {
	_, err := r.db.Conn(ctx).ExecContext(ctx,
		`INSERT INTO applied_specs (id, spec_id, project_id, session_id, notes, verification_status, applied_at, verified_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.SpecID, a.ProjectID, a.SessionID, a.Notes, a.VerificationStatus, db.Millis(a.AppliedAt), db.NullMillis(a.VerifiedAt))
	if err != nil {
		return cerr.WrapDBError("applied spec", a.SpecID, err)
	}
	return nil
}

func (r *SQLiteRepository) GetApplied(ctx context.Context, specID string) (*spec.AppliedSpec, error) {
	var (
		a        spec.AppliedSpec
		applied  int64
		verified sql.NullInt64
	)
	err := r.db.Conn(ctx).QueryRowContext(ctx,
		`SELECT id, spec_id, project_id, session_id, notes, verification_status, applied_at, verified_at
		 FROM applied_specs WHERE spec_id = ?`, specID).
		Scan(&a.ID, &a.SpecID, &a.ProjectID, &a.SessionID, &a.Notes, &a.VerificationStatus, &applied, &verified)
	if err != nil {
		return nil, cerr.WrapDBError("applied spec", specID, err)
	}
	a.AppliedAt = db.Time(applied)
	a.VerifiedAt = db.TimePtr(verified)
	return &a, nil
}

func (r *SQLiteRepository) UpdateVerification(ctx context.Context, specID string, status spec.VerificationStatus, at time.Time) error {
	res, err := r.db.Conn(ctx).ExecContext(ctx,
		`UPDATE applied_specs SET verification_status = ?, verified_at = ? WHERE spec_id = ?`,
		status, db.Millis(at), specID)
	if err != nil {
		return cerr.WrapDBError("applied spec", specID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return cerr.NotFoundError("applied spec", specID)
	}
	return nil
}
