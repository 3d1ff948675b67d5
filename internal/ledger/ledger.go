// Package ledger 记录已归档的邮件 ID 和运行属性（SQLite）。
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Ledger 已归档邮件台账
type Ledger struct {
	db *sql.DB
}

// Open 打开（必要时创建）台账数据库
func Open(dsn string) (*Ledger, error) {
	if path := filePath(dsn); path != "" {
		// #nosec G301 -- 状态目录
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("创建台账目录失败: %w", err)
		}
	}
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}
	// 单进程单写入者
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("数据库连接失败: %w", err)
	}

	l := &Ledger{db: db}
	if err := l.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化表结构失败: %w", err)
	}
	return l, nil
}

// filePath 返回 DSN 对应的数据库文件路径，内存数据库返回空串
func filePath(dsn string) string {
	path, _, _ := strings.Cut(strings.TrimPrefix(dsn, "file:"), "?")
	if path == "" || strings.HasPrefix(path, ":memory:") {
		return ""
	}
	return path
}

// initSchema 初始化表结构
func (l *Ledger) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS properties (
		k TEXT PRIMARY KEY,
		v TEXT
	);

	CREATE TABLE IF NOT EXISTS archived_messages (
		eid TEXT PRIMARY KEY,
		ts  TEXT NOT NULL
	);
	`
	_, err := l.db.Exec(schema)
	return err
}

// Close 关闭数据库
func (l *Ledger) Close() error {
	return l.db.Close()
}

// WasArchived 判断邮件是否已处理过；空 ID 视为未处理
func (l *Ledger) WasArchived(ctx context.Context, eid string) (bool, error) {
	if eid == "" {
		return false, nil
	}
	_, found, err := l.ArchivedAt(ctx, eid)
	return found, err
}

// MarkArchived 记录邮件已处理，重复记录保留首次时间
func (l *Ledger) MarkArchived(ctx context.Context, eid string, at time.Time) error {
	if eid == "" {
		return nil
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO archived_messages (eid, ts) VALUES (?, ?)`,
		eid, at.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("写入归档记录失败: %w", err)
	}
	return nil
}

// ArchivedAt 返回邮件的归档时间
func (l *Ledger) ArchivedAt(ctx context.Context, eid string) (time.Time, bool, error) {
	var ts string
	err := l.db.QueryRowContext(ctx, `SELECT ts FROM archived_messages WHERE eid = ?`, eid).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("查询归档记录失败: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("解析归档时间失败: %w", err)
	}
	return t, true, nil
}

// Count 返回已记录的邮件数量
func (l *Ledger) Count(ctx context.Context) (int, error) {
	var n int
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM archived_messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("统计归档记录失败: %w", err)
	}
	return n, nil
}

func lastRunKey(job string) string {
	return "last_run:" + job
}

// LastRun 返回任务最近一次成功运行的时间；没有记录或无法解析时 ok 为 false
func (l *Ledger) LastRun(ctx context.Context, job string) (time.Time, bool, error) {
	var v sql.NullString
	err := l.db.QueryRowContext(ctx, `SELECT v FROM properties WHERE k = ?`, lastRunKey(job)).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("查询运行时间失败: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return time.Time{}, false, nil
	}
	return t, true, nil
}

// SetLastRun 记录任务运行时间
func (l *Ledger) SetLastRun(ctx context.Context, job string, at time.Time) error {
	_, err := l.db.ExecContext(ctx,
		`REPLACE INTO properties (k, v) VALUES (?, ?)`,
		lastRunKey(job), at.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("写入运行时间失败: %w", err)
	}
	return nil
}
