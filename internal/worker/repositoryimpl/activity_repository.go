package repositoryimpl

import (
	"context"
	"slices"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/kazz187/specguild/internal/db"
	"github.com/kazz187/specguild/internal/worker"
	"github.com/kazz187/specguild/pkg/cerr"
)

type ActivityRepository struct {
	db *db.DB
}

func NewActivityRepository(d *db.DB) *ActivityRepository {
	return &ActivityRepository{db: d}
}

var _ worker.ActivityRepository = (*ActivityRepository)(nil)

func (r *ActivityRepository) Append(ctx context.Context, a *worker.Activity) error {
	if a.ID == "" {
		a.ID = ulid.Make().String()
	}
	_, err := r.db.Conn(ctx).ExecContext(ctx,
		`INSERT INTO activity (id, session_id, worker_id, tool_name, success, duration_ms, error_message, raw_input, output, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.SessionID, a.WorkerID, a.ToolName, a.Success, a.DurationMs, a.ErrorMessage, a.RawInput, a.Output, db.Millis(a.CreatedAt))
	if err != nil {
		return cerr.WrapDBError("activity", a.ID, err)
	}
	return nil
}

func (r *ActivityRepository) Recent(ctx context.Context, sessionID, workerID string, since time.Time, limit int) ([]*worker.Activity, error) {
	rows, err := r.db.Conn(ctx).QueryContext(ctx,
		`SELECT id, session_id, worker_id, tool_name, success, duration_ms, error_message, raw_input, output, created_at
		 FROM activity WHERE session_id = ? AND worker_id IN ('', ?) AND created_at >= ?
		 ORDER BY created_at DESC, id DESC LIMIT ?`,
		sessionID, workerID, db.Millis(since), limit)
	if err != nil {
		return nil, cerr.WrapDBError("activity", sessionID, err)
	}
	defer rows.Close()
	var out []*worker.Activity
	for rows.Next() {
		var (
			a       worker.Activity
			created int64
		)
		if err := rows.Scan(&a.ID, &a.SessionID, &a.WorkerID, &a.ToolName, &a.Success, &a.DurationMs, &a.ErrorMessage,
			&a.RawInput, &a.Output, &created); err != nil {
			return nil, cerr.WrapDBError("activity", sessionID, err)
		}
		a.CreatedAt = db.Time(created)
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, cerr.WrapDBError("activity", sessionID, err)
	}
	slices.Reverse(out)
	return out, nil
}
