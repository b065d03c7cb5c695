// Package store 提供直播会话与投稿记录的持久化，
// 是进程内唯一的共享可变状态，所有修改都必须经过这里的接口。
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

var (
	// ErrSessionNotFound 会话不存在
	ErrSessionNotFound = errors.New("store: 会话不存在")
	// ErrUploadNotFound 投稿记录不存在
	ErrUploadNotFound = errors.New("store: 投稿记录不存在")
)

// Store 会话与投稿记录的存取接口
type Store interface {
	// 直播会话
	OpenSession(ctx context.Context, name string, start time.Time) (int64, error)
	CloseSession(ctx context.Context, id int64, end time.Time) error
	LatestOpenSession(ctx context.Context, name string) (*StreamSession, error)
	CloseStaleSessions(ctx context.Context, olderThan time.Duration) (int, error)
	RecentSessions(ctx context.Context, name string, since time.Time) ([]*StreamSession, error)

	// 投稿记录
	InsertUpload(ctx context.Context, parentID, title, firstPart string, at time.Time) (int64, error)
	SetParentID(ctx context.Context, id int64, parentID string) error
	FindUploadsInWindow(ctx context.Context, start, end time.Time) ([]*UploadRecord, error)
	CountUploadsInWindow(ctx context.Context, start, end time.Time) (int, error)
	FindUploadsMissingParentID(ctx context.Context) ([]*UploadRecord, error)
	FindUploadByFilename(ctx context.Context, filename string) (*UploadRecord, error)

	Close() error
}

// SQLiteStore SQLite 存储实现
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// NewSQLiteStore 打开数据库并执行迁移
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("创建数据库目录失败: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}

	store := &SQLiteStore{db: db, dbPath: dbPath}
	if err := store.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("运行数据库迁移失败: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) runMigrations() error {
	src, err := iofs.New(embeddedMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("加载迁移文件失败: %w", err)
	}
	driver, err := sqlitemigrate.WithInstance(s.db, &sqlitemigrate.Config{})
	if err != nil {
		return fmt.Errorf("创建迁移驱动失败: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("创建迁移器失败: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// OpenSession 开始一场新会话。
// 同一主播已有未结束会话时返回既有会话 id（重启后幂等）。
func (s *SQLiteStore) OpenSession(ctx context.Context, name string, start time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existingID int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM stream_sessions
		WHERE streamer_name = ? AND start_time > 0 AND end_time = 0
		ORDER BY start_time DESC LIMIT 1
	`, name).Scan(&existingID)
	if err == nil {
		logrus.WithFields(logrus.Fields{"streamer": name, "session": existingID}).
			Warn("已有未结束的直播会话，复用该会话")
		return existingID, nil
	}
	if err != sql.ErrNoRows {
		return 0, err
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO stream_sessions (streamer_name, start_time) VALUES (?, ?)
	`, name, start.Unix())
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// CloseSession 结束指定会话
func (s *SQLiteStore) CloseSession(ctx context.Context, id int64, end time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `
		UPDATE stream_sessions SET end_time = ? WHERE id = ? AND end_time = 0
	`, end.Unix(), id)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// LatestOpenSession 返回主播最近一场未结束会话，不存在时返回 (nil, nil)
func (s *SQLiteStore) LatestOpenSession(ctx context.Context, name string) (*StreamSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, streamer_name, start_time, end_time, created_at
		FROM stream_sessions
		WHERE streamer_name = ? AND start_time > 0 AND end_time = 0
		ORDER BY start_time DESC LIMIT 1
	`, name)
	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

// CloseStaleSessions 关闭开播超过阈值却从未记录下播的会话，
// 结束时间取 min(start+12h, now)。返回清理数量。
func (s *SQLiteStore) CloseStaleSessions(ctx context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-olderThan).Unix()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, start_time FROM stream_sessions
		WHERE start_time > 0 AND start_time < ? AND end_time = 0
	`, cutoff)
	if err != nil {
		return 0, err
	}
	type stale struct {
		id    int64
		start int64
	}
	var stales []stale
	for rows.Next() {
		var st stale
		if err := rows.Scan(&st.id, &st.start); err != nil {
			rows.Close()
			return 0, err
		}
		stales = append(stales, st)
	}
	rows.Close()

	for _, st := range stales {
		end := time.Unix(st.start, 0).Add(12 * time.Hour)
		if end.After(now) {
			end = now
		}
		if _, err := s.db.ExecContext(ctx, `
			UPDATE stream_sessions SET end_time = ? WHERE id = ?
		`, end.Unix(), st.id); err != nil {
			return 0, err
		}
		logrus.WithFields(logrus.Fields{"session": st.id, "end": end}).
			Info("已清理长时间未结束的直播会话")
	}
	return len(stales), nil
}

// RecentSessions 返回 since 之后结束（或仍未结束）的会话，按开播时间升序
func (s *SQLiteStore) RecentSessions(ctx context.Context, name string, since time.Time) ([]*StreamSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, streamer_name, start_time, end_time, created_at
		FROM stream_sessions
		WHERE streamer_name = ? AND start_time > 0 AND (end_time = 0 OR end_time >= ?)
		ORDER BY start_time ASC
	`, name, since.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*StreamSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (*StreamSession, error) {
	session := &StreamSession{}
	var startTime, endTime int64
	var createdAtStr string
	if err := r.Scan(&session.ID, &session.StreamerName, &startTime, &endTime, &createdAtStr); err != nil {
		return nil, err
	}
	if startTime > 0 {
		session.StartTime = time.Unix(startTime, 0)
	}
	if endTime > 0 {
		session.EndTime = time.Unix(endTime, 0)
	}
	// 解析 SQLite DATETIME 格式
	if createdAtStr != "" {
		if t, err := time.Parse("2006-01-02 15:04:05", createdAtStr); err == nil {
			session.CreatedAt = t
		}
	}
	return session, nil
}

// InsertUpload 写入一条投稿记录，parentID 为空时落库为 NULL
func (s *SQLiteStore) InsertUpload(ctx context.Context, parentID, title, firstPart string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pid any
	if parentID != "" {
		pid = parentID
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO upload_records (parent_id, title, first_part_filename, upload_time)
		VALUES (?, ?, ?, ?)
	`, pid, title, firstPart, at.Unix())
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// SetParentID 回填父稿件标识
func (s *SQLiteStore) SetParentID(ctx context.Context, id int64, parentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `
		UPDATE upload_records SET parent_id = ? WHERE id = ?
	`, parentID, id)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrUploadNotFound
	}
	return nil
}

// FindUploadsInWindow 按上传时间升序返回窗口内（含边界）的投稿记录
func (s *SQLiteStore) FindUploadsInWindow(ctx context.Context, start, end time.Time) ([]*UploadRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, parent_id, title, first_part_filename, upload_time
		FROM upload_records
		WHERE upload_time >= ? AND upload_time <= ?
		ORDER BY upload_time ASC, id ASC
	`, start.Unix(), end.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUploads(rows)
}

// CountUploadsInWindow 统计窗口内（含边界）的投稿记录数
func (s *SQLiteStore) CountUploadsInWindow(ctx context.Context, start, end time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM upload_records WHERE upload_time >= ? AND upload_time <= ?
	`, start.Unix(), end.Unix()).Scan(&n)
	return n, err
}

// FindUploadsMissingParentID 返回所有父稿件标识未回填的记录
func (s *SQLiteStore) FindUploadsMissingParentID(ctx context.Context) ([]*UploadRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, parent_id, title, first_part_filename, upload_time
		FROM upload_records WHERE parent_id IS NULL
		ORDER BY upload_time DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUploads(rows)
}

// FindUploadByFilename 按首个分P文件名查找记录，不存在时返回 (nil, nil)
func (s *SQLiteStore) FindUploadByFilename(ctx context.Context, filename string) (*UploadRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, parent_id, title, first_part_filename, upload_time
		FROM upload_records WHERE first_part_filename = ? LIMIT 1
	`, filename)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	records, err := scanUploads(rows)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return records[0], nil
}

func scanUploads(rows *sql.Rows) ([]*UploadRecord, error) {
	var records []*UploadRecord
	for rows.Next() {
		record := &UploadRecord{}
		var parentID sql.NullString
		var uploadTime int64
		if err := rows.Scan(&record.ID, &parentID, &record.Title, &record.FirstPartFilename, &uploadTime); err != nil {
			return nil, err
		}
		record.ParentID = parentID.String
		record.UploadTime = time.Unix(uploadTime, 0)
		records = append(records, record)
	}
	return records, rows.Err()
}

// Close 关闭存储
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
