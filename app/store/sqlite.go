package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const optionsSchema = `
CREATE TABLE IF NOT EXISTS options (
	name       TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);`

// OpenSQLite mở (hoặc tạo) database SQLite dùng chung cho store và task queue.
// SQLite chỉ cho phép một writer tại một thời điểm nên pool được giới hạn 1 connection.
// path = ":memory:" dùng cho test.
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("không thể mở database %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("không thể kết nối database %s: %w", path, err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("không thể thực thi %q: %w", pragma, err)
		}
	}
	return db, nil
}

// SQLiteStore lưu trạng thái engine trong bảng options
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore tạo store trên db đã mở và đảm bảo bảng options tồn tại
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(optionsSchema); err != nil {
		return nil, fmt.Errorf("không thể tạo bảng options: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM options WHERE name = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("lỗi khi đọc option %s: %w", key, err)
	}
	return value, true, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO options (name, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, s.now().Unix())
	if err != nil {
		return fmt.Errorf("lỗi khi ghi option %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM options WHERE name = ?`, key); err != nil {
		return fmt.Errorf("lỗi khi xoá option %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) CompareAndSwap(ctx context.Context, key string, old, new []byte) (bool, error) {
	var (
		res sql.Result
		err error
	)
	if old == nil {
		res, err = s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO options (name, value, updated_at) VALUES (?, ?, ?)`,
			key, new, s.now().Unix())
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE options SET value = ?, updated_at = ? WHERE name = ? AND value = ?`,
			new, s.now().Unix(), key, old)
	}
	if err != nil {
		return false, fmt.Errorf("lỗi khi compare-and-swap option %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
