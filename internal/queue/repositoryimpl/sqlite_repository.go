package repositoryimpl

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/kazz187/specguild/internal/db"
	"github.com/kazz187/specguild/internal/queue"
	"github.com/kazz187/specguild/pkg/cerr"
)

type SQLiteRepository struct {
	db *db.DB
}

func NewSQLiteRepository(d *db.DB) *SQLiteRepository {
	return &SQLiteRepository{db: d}
}

var _ queue.Repository = (*SQLiteRepository)(nil)

const selectItems = `SELECT w.id, w.project_id, w.spec_id, COALESCE(s.title, ''), w.priority, w.position, w.status,
	w.blocked_by, w.session_id, w.added_at, w.assigned_at, w.completed_at
	FROM work_items w LEFT JOIN specs s ON s.id = w.spec_id`

const queueOrder = ` ORDER BY w.priority DESC, w.position ASC, w.added_at ASC, w.id ASC`

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(row scanner) (*queue.WorkItem, error) {
	var (
		w                   queue.WorkItem
		added               int64
		assigned, completed sql.NullInt64
	)
	if err := row.Scan(&w.ID, &w.ProjectID, &w.SpecID, &w.Title, &w.Priority, &w.Position, &w.Status,
		&w.BlockedBy, &w.SessionID, &added, &assigned, &completed); err != nil {
		return nil, err
	}
	w.AddedAt = db.Time(added)
	w.AssignedAt = db.TimePtr(assigned)
	w.CompletedAt = db.TimePtr(completed)
	return &w, nil
}

func (r *SQLiteRepository) query(ctx context.Context, q string, args ...any) ([]*queue.WorkItem, error) {
	rows, err := r.db.Conn(ctx).QueryContext(ctx, q, args...)
	if err != nil {
		return nil, cerr.WrapDBError("work items", "", err)
	}
	defer rows.Close()
	var out []*queue.WorkItem
	for rows.Next() {
		w, err := scanItem(rows)
		if err != nil {
			return nil, cerr.WrapDBError("work items", "", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, cerr.WrapDBError("work items", "", err)
	}
	return out, nil
}

func (r *SQLiteRepository) Insert(ctx context.Context, w *queue.WorkItem) error {
	_, err := r.db.Conn(ctx).ExecContext(ctx,
		`INSERT INTO work_items (id, project_id, spec_id, priority, position, status, blocked_by, session_id,
		 added_at, assigned_at, completed_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.ProjectID, w.SpecID, w.Priority, w.Position, w.Status, w.BlockedBy, w.SessionID,
		db.Millis(w.AddedAt), db.NullMillis(w.AssignedAt), db.NullMillis(w.CompletedAt))
	if err != nil {
		return cerr.WrapDBError("work item", w.ID, err)
	}
	return nil
}

func (r *SQLiteRepository) Get(ctx context.Context, id string) (*queue.WorkItem, error) {
	w, err := scanItem(r.db.Conn(ctx).QueryRowContext(ctx, selectItems+` WHERE w.id = ?`, id))
	if err != nil {
		return nil, cerr.WrapDBError("work item", id, err)
	}
	return w, nil
}

func (r *SQLiteRepository) List(ctx context.Context, projectID string, f queue.Filter) ([]*queue.WorkItem, error) {
	where := []string{"w.project_id = ?"}
	args := []any{projectID}
	if f.Status != "" {
		where = append(where, "w.status = ?")
		args = append(args, f.Status)
	}
	if f.MinPriority > 0 {
		where = append(where, "w.priority >= ?")
		args = append(args, f.MinPriority)
	}
	if f.MaxPriority > 0 {
		where = append(where, "w.priority <= ?")
		args = append(args, f.MaxPriority)
	}
	if f.Text != "" {
		where = append(where, `LOWER(s.title) LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(strings.ToLower(f.Text))+"%")
	}
	return r.query(ctx, selectItems+" WHERE "+strings.Join(where, " AND ")+queueOrder, args...)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

func (r *SQLiteRepository) MaxPosition(ctx context.Context, projectID string) (int, error) {
	var pos int
	err := r.db.Conn(ctx).QueryRowContext(ctx,
		`SELECT COALESCE(MAX(position), -1) FROM work_items WHERE project_id = ?`, projectID).Scan(&pos)
	if err != nil {
		return 0, cerr.WrapDBError("work items of project", projectID, err)
	}
	return pos, nil
}

func (r *SQLiteRepository) FindOpenBySpec(ctx context.Context, specID string) (*queue.WorkItem, error) {
	w, err := scanItem(r.db.Conn(ctx).QueryRowContext(ctx,
		selectItems+` WHERE w.spec_id = ? AND w.status != ? ORDER BY w.added_at DESC, w.id DESC LIMIT 1`,
		specID, queue.StatusCompleted))
	if err != nil {
		return nil, cerr.WrapDBError("open work item of spec", specID, err)
	}
	return w, nil
}

func (r *SQLiteRepository) NextQueued(ctx context.Context, projectID string) (*queue.WorkItem, error) {
	w, err := scanItem(r.db.Conn(ctx).QueryRowContext(ctx,
		selectItems+` WHERE w.project_id = ? AND w.status = ?`+queueOrder+` LIMIT 1`,
		projectID, queue.StatusQueued))
	if err != nil {
		return nil, cerr.WrapDBError("queued work item of project", projectID, err)
	}
	return w, nil
}

func (r *SQLiteRepository) Stats(ctx context.Context, projectID string) (*queue.Stats, error) {
	rows, err := r.db.Conn(ctx).QueryContext(ctx,
		`SELECT status, COUNT(*), MAX(priority) FROM work_items WHERE project_id = ? GROUP BY status`, projectID)
	if err != nil {
		return nil, cerr.WrapDBError("work item stats", projectID, err)
	}
	defer rows.Close()
	st := &queue.Stats{Counts: make(map[queue.Status]int, len(queue.Statuses))}
	for _, s := range queue.Statuses {
		st.Counts[s] = 0
	}
	for rows.Next() {
		var (
			status       queue.Status
			count, maxPr int
		)
		if err := rows.Scan(&status, &count, &maxPr); err != nil {
			return nil, cerr.WrapDBError("work item stats", projectID, err)
		}
		st.Counts[status] = count
		st.Total += count
		st.MaxPriority = max(st.MaxPriority, maxPr)
	}
	if err := rows.Err(); err != nil {
		return nil, cerr.WrapDBError("work item stats", projectID, err)
	}
	return st, nil
}

func (r *SQLiteRepository) exec(ctx context.Context, id, q string, args ...any) (int64, error) {
	res, err := r.db.Conn(ctx).ExecContext(ctx, q, args...)
	if err != nil {
		return 0, cerr.WrapDBError("work item", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, cerr.WrapDBError("work item", id, err)
	}
	return n, nil
}

func (r *SQLiteRepository) mustExec(ctx context.Context, id, q string, args ...any) error {
	n, err := r.exec(ctx, id, q, args...)
	if err != nil {
		return err
	}
	if n == 0 {
		return cerr.NotFoundError("work item", id)
	}
	return nil
}

func (r *SQLiteRepository) UpdatePosition(ctx context.Context, id string, position int) error {
	return r.mustExec(ctx, id, `UPDATE work_items SET position = ? WHERE id = ?`, position, id)
}

func (r *SQLiteRepository) MarkAssigned(ctx context.Context, id, sessionID string, at time.Time) (bool, error) {
	n, err := r.exec(ctx, id,
		`UPDATE work_items SET status = ?, session_id = ?, assigned_at = ? WHERE id = ? AND status = ?`,
		queue.StatusAssigned, sessionID, db.Millis(at), id, queue.StatusQueued)
	return n == 1, err
}

func (r *SQLiteRepository) MarkCompleted(ctx context.Context, id string, at time.Time) (bool, error) {
	n, err := r.exec(ctx, id,
		`UPDATE work_items SET status = ?, blocked_by = '', completed_at = ? WHERE id = ? AND status != ?`,
		queue.StatusCompleted, db.Millis(at), id, queue.StatusCompleted)
	return n == 1, err
}

func (r *SQLiteRepository) SetBlocked(ctx context.Context, id, blockedBy string) error {
	return r.mustExec(ctx, id,
		`UPDATE work_items SET status = ?, blocked_by = ? WHERE id = ?`, queue.StatusBlocked, blockedBy, id)
}

func (r *SQLiteRepository) Unblock(ctx context.Context, id string) error {
	return r.mustExec(ctx, id,
		`UPDATE work_items SET status = ?, blocked_by = '', session_id = '', assigned_at = NULL WHERE id = ?`,
		queue.StatusQueued, id)
}

func (r *SQLiteRepository) UnblockDependents(ctx context.Context, specID string) (int, error) {
	n, err := r.exec(ctx, specID,
		`UPDATE work_items SET status = ?, blocked_by = '', session_id = '', assigned_at = NULL
		 WHERE blocked_by = ? AND status = ?`,
		queue.StatusQueued, specID, queue.StatusBlocked)
	return int(n), err
}

func (r *SQLiteRepository) UpdatePriorityBySpec(ctx context.Context, specID string, priority int) (int, error) {
	n, err := r.exec(ctx, specID,
		`UPDATE work_items SET priority = ? WHERE spec_id = ? AND status != ?`,
		priority, specID, queue.StatusCompleted)
	return int(n), err
}

func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	return r.mustExec(ctx, id, `DELETE FROM work_items WHERE id = ?`, id)
}
