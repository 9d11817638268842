package repositoryimpl

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/kazz187/specguild/internal/db"
	"github.com/kazz187/specguild/internal/worker"
	"github.com/kazz187/specguild/pkg/cerr"
)

type SQLiteRepository struct {
	db *db.DB
}

func NewSQLiteRepository(d *db.DB) *SQLiteRepository {
	return &SQLiteRepository{db: d}
}

var _ worker.Repository = (*SQLiteRepository)(nil)

const columns = `w.id, w.session_id, w.spec_id, w.agent_type, w.status, w.prompt, w.retry_count,
	w.error_message, w.result, w.spawned_at, w.started_at, w.completed_at`

type scanner interface {
	Scan(dest ...any) error
}

func scan(row scanner) (*worker.Worker, error) {
	var (
		w                  worker.Worker
		result             string
		spawned            int64
		started, completed sql.NullInt64
	)
	if err := row.Scan(&w.ID, &w.SessionID, &w.SpecID, &w.AgentType, &w.Status, &w.Prompt, &w.RetryCount,
		&w.ErrorMessage, &result, &spawned, &started, &completed); err != nil {
		return nil, err
	}
	if result != "" {
		w.Result = &worker.Result{}
		if err := json.Unmarshal([]byte(result), w.Result); err != nil {
			return nil, err
		}
	}
	w.SpawnedAt = db.Time(spawned)
	w.StartedAt = db.TimePtr(started)
	w.CompletedAt = db.TimePtr(completed)
	return &w, nil
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

func (r *SQLiteRepository) Create(ctx context.Context, w *worker.Worker) error {
	_, err := r.db.Conn(ctx).ExecContext(ctx,
		`INSERT INTO workers (id, session_id, spec_id, agent_type, status, prompt, retry_count, error_message, result, spawned_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', ?)`,
		w.ID, w.SessionID, w.SpecID, w.AgentType, w.Status, w.Prompt, w.RetryCount, w.ErrorMessage, db.Millis(w.SpawnedAt))
	if isUniqueViolation(err) {
		return cerr.InvalidStateError("session", w.SessionID, "running a worker for spec "+w.SpecID, "no live worker")
	}
	if err != nil {
		return cerr.WrapDBError("worker", w.ID, err)
	}
	return nil
}

func (r *SQLiteRepository) Get(ctx context.Context, id string) (*worker.Worker, error) {
	w, err := scan(r.db.Conn(ctx).QueryRowContext(ctx, `SELECT `+columns+` FROM workers w WHERE w.id = ?`, id))
	if err != nil {
		return nil, cerr.WrapDBError("worker", id, err)
	}
	return w, nil
}

func (r *SQLiteRepository) List(ctx context.Context, filter worker.ListFilter) ([]*worker.Worker, error) {
	q := `SELECT ` + columns + ` FROM workers w`
	var (
		where []string
		args  []any
	)
	if filter.ProjectID != "" {
		q += ` JOIN specs s ON s.id = w.spec_id`
		where = append(where, `s.project_id = ?`)
		args = append(args, filter.ProjectID)
	}
	if filter.SessionID != "" {
		where = append(where, `w.session_id = ?`)
		args = append(args, filter.SessionID)
	}
	if filter.SpecID != "" {
		where = append(where, `w.spec_id = ?`)
		args = append(args, filter.SpecID)
	}
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			marks[i] = "?"
			args = append(args, s)
		}
		where = append(where, `w.status IN (`+strings.Join(marks, ", ")+`)`)
	}
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	rows, err := r.db.Conn(ctx).QueryContext(ctx, q+` ORDER BY w.spawned_at DESC, w.id DESC`, args...)
	if err != nil {
		return nil, cerr.WrapDBError("workers", "", err)
	}
	defer rows.Close()
	var out []*worker.Worker
	for rows.Next() {
		w, err := scan(rows)
		if err != nil {
			return nil, cerr.WrapDBError("workers", "", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) exec(ctx context.Context, id, q string, args ...any) (bool, error) {
	res, err := r.db.Conn(ctx).ExecContext(ctx, q, args...)
	if err != nil {
		return false, cerr.WrapDBError("worker", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, cerr.WrapDBError("worker", id, err)
	}
	return n > 0, nil
}

func (r *SQLiteRepository) MarkStarted(ctx context.Context, id string, at time.Time) (bool, error) {
	return r.exec(ctx, id,
		`UPDATE workers SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
		worker.StatusActive, db.Millis(at), id, worker.StatusSpawned)
}

const live = `status IN ('spawned', 'active')`

func (r *SQLiteRepository) MarkCompleted(ctx context.Context, id string, result *worker.Result, at time.Time) (bool, error) {
	b, err := json.Marshal(result)
	if err != nil {
		return false, cerr.NewError(cerr.Internal, "server error", err)
	}
	return r.exec(ctx, id,
		`UPDATE workers SET status = ?, result = ?, completed_at = ? WHERE id = ? AND `+live,
		worker.StatusCompleted, string(b), db.Millis(at), id)
}

func (r *SQLiteRepository) MarkFailed(ctx context.Context, id string, message string, at time.Time) (bool, error) {
	return r.exec(ctx, id,
		`UPDATE workers SET status = ?, error_message = ?, completed_at = ? WHERE id = ? AND `+live,
		worker.StatusFailed, message, db.Millis(at), id)
}

func (r *SQLiteRepository) SetCancelled(ctx context.Context, id string, at time.Time) error {
	ok, err := r.exec(ctx, id,
		`UPDATE workers SET status = ?, completed_at = ? WHERE id = ?`,
		worker.StatusCancelled, db.Millis(at), id)
	if err != nil {
		return err
	}
	if !ok {
		return cerr.NotFoundError("worker", id)
	}
	return nil
}
