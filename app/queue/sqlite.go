package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const actionsSchema = `
CREATE TABLE IF NOT EXISTS queue_actions (
	id           TEXT PRIMARY KEY,
	grp          TEXT NOT NULL,
	hook         TEXT NOT NULL,
	payload      BLOB,
	scheduled_at INTEGER NOT NULL,
	status       TEXT NOT NULL,
	attempts     INTEGER NOT NULL DEFAULT 0,
	last_error   TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_queue_actions_due ON queue_actions (status, scheduled_at);
CREATE INDEX IF NOT EXISTS idx_queue_actions_group ON queue_actions (grp, status);`

const actionColumns = `id, grp, hook, payload, scheduled_at, status, attempts, last_error, created_at, updated_at`

// SQLiteQueue lưu action trong bảng queue_actions, dùng chung database với store.SQLiteStore
type SQLiteQueue struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteQueue tạo queue trên db đã mở (xem store.OpenSQLite) và đảm bảo schema tồn tại
func NewSQLiteQueue(db *sql.DB, now func() time.Time) (*SQLiteQueue, error) {
	if now == nil {
		now = time.Now
	}
	if _, err := db.Exec(actionsSchema); err != nil {
		return nil, fmt.Errorf("không thể tạo bảng queue_actions: %w", err)
	}
	return &SQLiteQueue{db: db, now: now}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAction(row rowScanner) (Action, error) {
	var (
		a                             Action
		payload                       []byte
		scheduledAt, created, updated int64
		status                        string
	)
	if err := row.Scan(&a.ID, &a.Group, &a.Hook, &payload, &scheduledAt, &status, &a.Attempts, &a.LastError, &created, &updated); err != nil {
		return Action{}, err
	}
	a.Payload = payload
	a.Status = Status(status)
	a.ScheduledAt = time.Unix(0, scheduledAt)
	a.CreatedAt = time.Unix(0, created)
	a.UpdatedAt = time.Unix(0, updated)
	return a, nil
}

func (q *SQLiteQueue) ScheduleAt(ctx context.Context, at time.Time, group, hook string, payload []byte) (string, error) {
	id := uuid.NewString()
	now := q.now().UnixNano()
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO queue_actions (`+actionColumns+`) VALUES (?, ?, ?, ?, ?, ?, 0, '', ?, ?)`,
		id, group, hook, payload, at.UnixNano(), string(StatusPending), now, now)
	if err != nil {
		return "", fmt.Errorf("lỗi khi đặt lịch action %s/%s: %w", group, hook, err)
	}
	return id, nil
}

func (q *SQLiteQueue) ListActions(ctx context.Context, group string, statuses ...Status) ([]Action, error) {
	query := `SELECT ` + actionColumns + ` FROM queue_actions WHERE grp = ?`
	args := []any{group}
	if len(statuses) > 0 {
		query += ` AND status IN (?` + strings.Repeat(", ?", len(statuses)-1) + `)`
		for _, s := range statuses {
			args = append(args, string(s))
		}
	}
	query += ` ORDER BY scheduled_at, rowid`

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("lỗi khi liệt kê action của group %s: %w", group, err)
	}
	defer rows.Close()

	out := make([]Action, 0)
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (q *SQLiteQueue) UnscheduleAll(ctx context.Context, group, hook string) (int, error) {
	query := `UPDATE queue_actions SET status = ?, updated_at = ? WHERE grp = ? AND status = ?`
	args := []any{string(StatusCanceled), q.now().UnixNano(), group, string(StatusPending)}
	if hook != "" {
		query += ` AND hook = ?`
		args = append(args, hook)
	}
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("lỗi khi huỷ action của group %s: %w", group, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// transition cập nhật một action nếu nó đang ở một trong các trạng thái from
func (q *SQLiteQueue) transition(ctx context.Context, id string, from []Status, set string, args ...any) error {
	placeholders := `?` + strings.Repeat(", ?", len(from)-1)
	query := `UPDATE queue_actions SET ` + set + `, updated_at = ? WHERE id = ? AND status IN (` + placeholders + `)`
	all := append(args, q.now().UnixNano(), id)
	for _, s := range from {
		all = append(all, string(s))
	}

	res, err := q.db.ExecContext(ctx, query, all...)
	if err != nil {
		return fmt.Errorf("lỗi khi cập nhật action %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var status string
	err = q.db.QueryRowContext(ctx, `SELECT status FROM queue_actions WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrActionNotFound, id)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: action %s đang ở trạng thái %s", ErrInvalidTransition, id, status)
}

func (q *SQLiteQueue) MarkComplete(ctx context.Context, id string) error {
	return q.transition(ctx, id, []Status{StatusPending, StatusRunning}, `status = ?`, string(StatusComplete))
}

func (q *SQLiteQueue) MarkFailed(ctx context.Context, id, reason string) error {
	return q.transition(ctx, id, []Status{StatusPending, StatusRunning}, `status = ?, last_error = ?`, string(StatusFailed), reason)
}

func (q *SQLiteQueue) Retry(ctx context.Context, id string, at time.Time) error {
	return q.transition(ctx, id, []Status{StatusFailed}, `status = ?, scheduled_at = ?`, string(StatusPending), at.UnixNano())
}

func (q *SQLiteQueue) ClaimDue(ctx context.Context, now time.Time, limit int) ([]Action, error) {
	if limit <= 0 {
		limit = -1
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+actionColumns+` FROM queue_actions
		 WHERE status = ? AND scheduled_at <= ?
		 ORDER BY scheduled_at, rowid LIMIT ?`,
		string(StatusPending), now.UnixNano(), limit)
	if err != nil {
		return nil, fmt.Errorf("lỗi khi lấy action tới hạn: %w", err)
	}
	due := make([]Action, 0)
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		due = append(due, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	updated := q.now()
	for i := range due {
		if _, err := tx.ExecContext(ctx,
			`UPDATE queue_actions SET status = ?, attempts = attempts + 1, updated_at = ? WHERE id = ?`,
			string(StatusRunning), updated.UnixNano(), due[i].ID); err != nil {
			return nil, fmt.Errorf("lỗi khi nhận action %s: %w", due[i].ID, err)
		}
		due[i].Status = StatusRunning
		due[i].Attempts++
		due[i].UpdatedAt = updated
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return due, nil
}
