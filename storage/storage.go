// Storage module - SQLite persistence of sessions, usage and memories

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/gliderlab/aiosgate/pkg/config"
	"github.com/gliderlab/aiosgate/pkg/logging"
	"github.com/gliderlab/aiosgate/session"
)

// ErrNotFound is returned when a record does not exist or is not visible to
// the caller.
var ErrNotFound = errors.New("storage: not found")

// addColumnSafe adds a column to a table if it doesn't exist.
// Returns true if the column was added.
func addColumnSafe(db *sql.DB, log *zap.Logger, table, column, definition string) bool {
	var count int
	err := db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM pragma_table_info('%s') WHERE name = ?", table), column).Scan(&count)
	if err == nil && count > 0 {
		return false
	}
	if _, err = db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)); err != nil {
		log.Warn("migration: add column failed", zap.String("table", table), zap.String("column", column), zap.Error(err))
		return false
	}
	return true
}

type Storage struct {
	db  *sql.DB
	log *zap.Logger
	now func() time.Time

	stmtUpsertUsage   *sql.Stmt
	stmtUpsertSession *sql.Stmt
}

// SessionSummary is one row of a user's session list.
type SessionSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UsageTotals aggregates the usage logs of one user.
type UsageTotals struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
	RequestCount int64 `json:"request_count"`
}

// Open opens (and migrates) the database described by cfg.
func Open(cfg config.StorageConfig, log *zap.Logger) (*Storage, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("db path required")
	}
	log = logging.OrNop(log).Named("storage")

	db, err := sql.Open("sqlite3", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database connection failed: %w", err)
	}

	if cfg.WalMode {
		if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
			db.Close()
			return nil, fmt.Errorf("set WAL: %w", err)
		}
	}
	syncMode := strings.ToUpper(cfg.SyncMode)
	switch syncMode {
	case "":
		syncMode = "NORMAL"
	case "OFF", "NORMAL", "FULL", "EXTRA":
	default:
		db.Close()
		return nil, fmt.Errorf("invalid sync mode %q", cfg.SyncMode)
	}
	if _, err := db.Exec("PRAGMA synchronous=" + syncMode + ";"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set synchronous: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	s := &Storage{db: db, log: log, now: time.Now}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	if err := s.initPreparedStmts(); err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare statements: %w", err)
	}

	log.Info("database opened", zap.String("path", cfg.DBPath))
	return s, nil
}

func (s *Storage) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS usage_logs (
			session_id TEXT PRIMARY KEY,
			conn_id TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_logs_user ON usage_logs(user_id)`,

		`CREATE TABLE IF NOT EXISTS chat_sessions (
			session_id TEXT PRIMARY KEY,
			conn_id TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL,
			history TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_sessions_user ON chat_sessions(user_id, updated_at)`,

		`CREATE TABLE IF NOT EXISTS user_memories (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			text TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			UNIQUE(user_id, text)
		)`,

		`CREATE TABLE IF NOT EXISTS rate_limits (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			endpoint TEXT NOT NULL,
			key TEXT NOT NULL,
			requests INTEGER NOT NULL DEFAULT 0,
			window_start DATETIME NOT NULL,
			max_requests INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(endpoint, key)
		)`,
	}
	for _, q := range stmts {
		if _, err := s.db.Exec(q); err != nil {
			return err
		}
	}
	// Migration: titles were derived on read before they were stored
	addColumnSafe(s.db, s.log, "chat_sessions", "title", "TEXT NOT NULL DEFAULT ''")
	return nil
}

func (s *Storage) initPreparedStmts() error {
	var err error
	if s.stmtUpsertUsage, err = s.db.Prepare(`
		INSERT INTO usage_logs (session_id, conn_id, user_id, input_tokens, output_tokens, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			input_tokens = excluded.input_tokens,
			output_tokens = excluded.output_tokens`); err != nil {
		return fmt.Errorf("UpsertUsageLog: %w", err)
	}
	if s.stmtUpsertSession, err = s.db.Prepare(`
		INSERT INTO chat_sessions (session_id, conn_id, user_id, title, history, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			title = excluded.title,
			history = excluded.history,
			updated_at = excluded.updated_at`); err != nil {
		return fmt.Errorf("UpsertSessionRecord: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Storage) Close() error {
	for _, st := range []*sql.Stmt{s.stmtUpsertUsage, s.stmtUpsertSession} {
		if st != nil {
			st.Close()
		}
	}
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ============ Termination records ============

// UpsertUsageLog stores the usage of one session. Replaying the same
// session id overwrites the previous values.
func (s *Storage) UpsertUsageLog(ctx context.Context, rec session.UsageRecord) error {
	if rec.SessionID == "" || rec.UserID == "" {
		return errors.New("usage record needs session and user id")
	}
	_, err := s.stmtUpsertUsage.ExecContext(ctx,
		rec.SessionID, rec.ConnID, rec.UserID, rec.InputTokens, rec.OutputTokens, rec.CreatedAt.UTC())
	return err
}

// UpsertSessionRecord stores the conversation of one session.
func (s *Storage) UpsertSessionRecord(ctx context.Context, rec session.SessionRecord) error {
	if rec.SessionID == "" || rec.UserID == "" {
		return errors.New("session record needs session and user id")
	}
	history, err := json.Marshal(rec.History)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	_, err = s.stmtUpsertSession.ExecContext(ctx,
		rec.SessionID, rec.ConnID, rec.UserID, rec.Title, string(history), rec.CreatedAt.UTC(), rec.UpdatedAt.UTC())
	return err
}

// ListSessions returns userID's sessions, most recently updated first.
func (s *Storage) ListSessions(ctx context.Context, userID string, limit int) ([]SessionSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, title, created_at, updated_at
		FROM chat_sessions WHERE user_id = ?
		ORDER BY updated_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []SessionSummary{}
	for rows.Next() {
		var ss SessionSummary
		if err := rows.Scan(&ss.ID, &ss.Title, &ss.CreatedAt, &ss.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, ss)
	}
	return out, rows.Err()
}

// GetSession returns one stored session of userID. Sessions of other users
// are reported as ErrNotFound.
func (s *Storage) GetSession(ctx context.Context, userID, sessionID string) (*session.SessionRecord, error) {
	var (
		rec     session.SessionRecord
		history string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, conn_id, user_id, title, history, created_at, updated_at
		FROM chat_sessions WHERE session_id = ? AND user_id = ?`, sessionID, userID).
		Scan(&rec.SessionID, &rec.ConnID, &rec.UserID, &rec.Title, &history, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(history), &rec.History); err != nil {
		return nil, fmt.Errorf("decode history of %s: %w", sessionID, err)
	}
	return &rec, nil
}

// UsageTotals aggregates userID's usage logs.
func (s *Storage) UsageTotals(ctx context.Context, userID string) (UsageTotals, error) {
	var t UsageTotals
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COUNT(*)
		FROM usage_logs WHERE user_id = ?`, userID).
		Scan(&t.InputTokens, &t.OutputTokens, &t.RequestCount)
	if err != nil {
		return t, err
	}
	t.TotalTokens = t.InputTokens + t.OutputTokens
	return t, nil
}

// ============ Memories ============

// SaveMemory stores text for userID. Saving the same text twice is a no-op.
func (s *Storage) SaveMemory(ctx context.Context, userID, text string) error {
	text = strings.TrimSpace(text)
	if userID == "" || text == "" {
		return errors.New("memory needs user id and text")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_memories (user_id, text, created_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id, text) DO NOTHING`, userID, text, s.now().UTC())
	return err
}

// SearchMemories returns userID's memories containing any word of query,
// newest first. An empty query returns the newest memories.
func (s *Storage) SearchMemories(ctx context.Context, userID, query string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 10
	}
	q := "SELECT text FROM user_memories WHERE user_id = ?"
	args := []any{userID}
	if words := strings.Fields(query); len(words) > 0 {
		var like []string
		for _, w := range words {
			like = append(like, "text LIKE ? ESCAPE '\\'")
			args = append(args, "%"+escapeLike(w)+"%")
		}
		q += " AND (" + strings.Join(like, " OR ") + ")"
	}
	q += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return nil, err
		}
		out = append(out, text)
	}
	return out, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// ============ Rate Limiting ============

// CheckRateLimit counts one request of key against endpoint and reports
// whether it is within maxPerHour. maxPerHour <= 0 means unlimited.
func (s *Storage) CheckRateLimit(ctx context.Context, endpoint, key string, maxPerHour int) (bool, error) {
	if maxPerHour <= 0 {
		return true, nil
	}
	now := s.now().UTC().Truncate(time.Second)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rate_limits (endpoint, key, requests, window_start, max_requests)
		VALUES (?, ?, 0, ?, ?)
		ON CONFLICT(endpoint, key) DO UPDATE SET
			max_requests = excluded.max_requests,
			updated_at = CURRENT_TIMESTAMP`, endpoint, key, now, maxPerHour)
	if err != nil {
		return false, err
	}

	// Window expired: start a new one with this request
	res, err := s.db.ExecContext(ctx, `
		UPDATE rate_limits SET requests = 1, window_start = ?
		WHERE endpoint = ? AND key = ? AND window_start <= ?`,
		now, endpoint, key, now.Add(-time.Hour))
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}

	// Atomic check-and-increment
	res, err = s.db.ExecContext(ctx, `
		UPDATE rate_limits SET requests = requests + 1
		WHERE endpoint = ? AND key = ? AND requests < max_requests`, endpoint, key)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

var _ session.Sink = (*Storage)(nil)
