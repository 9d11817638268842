package repositoryimpl

import (
	"context"
	"time"

	"github.com/kazz187/specguild/internal/db"
	"github.com/kazz187/specguild/internal/session"
	"github.com/kazz187/specguild/pkg/cerr"
)

type SQLiteRepository struct {
	db *db.DB
}

func NewSQLiteRepository(d *db.DB) *SQLiteRepository {
	return &SQLiteRepository{db: d}
}

const columns = `id, project_id, status, current_work_item_id, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scan(row scanner) (*session.Session, error) {
	var (
		s                session.Session
		created, updated int64
	)
	if err := row.Scan(&s.ID, &s.ProjectID, &s.Status, &s.CurrentWorkItemID, &created, &updated); err != nil {
		return nil, err
	}
	s.CreatedAt = db.Time(created)
	s.UpdatedAt = db.Time(updated)
	return &s, nil
}

func (r *SQLiteRepository) Create(ctx context.Context, s *session.Session) error {
	_, err := r.db.Conn(ctx).ExecContext(ctx,
		`INSERT INTO sessions (`+columns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		s.ID, s.ProjectID, s.Status, s.CurrentWorkItemID, db.Millis(s.CreatedAt), db.Millis(s.UpdatedAt))
	if err != nil {
		return cerr.WrapDBError("session", s.ID, err)
	}
	return nil
}

func (r *SQLiteRepository) Get(ctx context.Context, id string) (*session.Session, error) {
	s, err := scan(r.db.Conn(ctx).QueryRowContext(ctx, `SELECT `+columns+` FROM sessions WHERE id = ?`, id))
	if err != nil {
		return nil, cerr.WrapDBError("session", id, err)
	}
	return s, nil
}

func (r *SQLiteRepository) ListActive(ctx context.Context, projectID string) ([]*session.Session, error) {
	q := `SELECT ` + columns + ` FROM sessions WHERE status = ?`
	args := []any{session.StatusActive}
	if projectID != "" {
		q += ` AND project_id = ?`
		args = append(args, projectID)
	}
	rows, err := r.db.Conn(ctx).QueryContext(ctx, q+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, cerr.WrapDBError("session", "", err)
	}
	defer rows.Close()
	var out []*session.Session
	for rows.Next() {
		s, err := scan(rows)
		if err != nil {
			return nil, cerr.WrapDBError("session", "", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) End(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.Conn(ctx).ExecContext(ctx,
		`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`, session.StatusEnded, db.Millis(at), id)
	if err != nil {
		return cerr.WrapDBError("session", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return cerr.NotFoundError("session", id)
	}
	return nil
}

func (r *SQLiteRepository) SetCurrentWorkItem(ctx context.Context, id, itemID string, at time.Time) (bool, error) {
	res, err := r.db.Conn(ctx).ExecContext(ctx,
		`UPDATE sessions SET current_work_item_id = ?, updated_at = ?
		 WHERE id = ? AND (current_work_item_id = '' OR current_work_item_id = ?)`,
		itemID, db.Millis(at), id, itemID)
	if err != nil {
		return false, cerr.WrapDBError("session", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, cerr.WrapDBError("session", id, err)
	}
	return n == 1, nil
}

func (r *SQLiteRepository) ClearCurrentWorkItem(ctx context.Context, id, itemID string, at time.Time) error {
	_, err := r.db.Conn(ctx).ExecContext(ctx,
		`UPDATE sessions SET current_work_item_id = '', updated_at = ?
		 WHERE id = ? AND current_work_item_id = ?`,
		db.Millis(at), id, itemID)
	if err != nil {
		return cerr.WrapDBError("session", id, err)
	}
	return nil
}
