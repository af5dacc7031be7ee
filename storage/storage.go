// Package storage persists chat configuration, monitored users, session
// cookies and the delivered-post ledger in SQLite.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"lowendtalk-notifier/pkg/notifier"
	"lowendtalk-notifier/secret"
)

// Check interval bounds in seconds.
const (
	MinInterval     = 60
	MaxInterval     = 86400
	DefaultInterval = 300
)

// ErrNotFound indicates the requested row does not exist.
var ErrNotFound = errors.New("storage: not found")

// Store provides database operations backed by a single SQLite file.
// Individual calls are transactionally consistent at the row level.
type Store struct {
	db     *sql.DB
	cipher secret.Cipher
	logger *slog.Logger
}

// New opens (creating if needed) the database at path and runs the schema.
func New(path string, cipher secret.Cipher, logger *slog.Logger) (*Store, error) {
	// WAL for concurrent poll loops, busy timeout for write contention.
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logger.Warn("Failed to close database", "error", closeErr)
		}
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db, cipher: cipher, logger: logger}
	if err := s.initSchema(context.Background()); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logger.Warn("Failed to close database", "error", closeErr)
		}
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS configs (
			chat_id INTEGER PRIMARY KEY,
			forum_username TEXT NOT NULL,
			forum_password TEXT NOT NULL,
			check_interval INTEGER NOT NULL DEFAULT 300,
			created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS monitored_users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id INTEGER NOT NULL,
			username TEXT NOT NULL,
			last_check TEXT,
			created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(chat_id, username)
		)`,
		`CREATE TABLE IF NOT EXISTS user_cookies (
			chat_id INTEGER PRIMARY KEY,
			cookies TEXT NOT NULL,
			last_update TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS post_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id INTEGER NOT NULL,
			username TEXT NOT NULL,
			post_id TEXT NOT NULL UNIQUE,
			title TEXT,
			content TEXT,
			post_date TEXT,
			link TEXT,
			created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

// SaveUserConfig stores a chat's forum account, encrypting the password.
// A zero interval keeps the existing interval, or the default for new rows.
func (s *Store) SaveUserConfig(ctx context.Context, chatID int64, username, password string, interval int) error {
	if interval == 0 {
		interval = DefaultInterval
		if existing, err := s.UserConfig(ctx, chatID); err == nil {
			interval = existing.Interval
		}
	}
	if interval < MinInterval || interval > MaxInterval {
		return fmt.Errorf("check interval %d out of range [%d, %d]", interval, MinInterval, MaxInterval)
	}

	encrypted, err := s.cipher.Encrypt(password)
	if err != nil {
		return fmt.Errorf("encrypt password: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO configs (chat_id, forum_username, forum_password, check_interval, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(chat_id) DO UPDATE SET
			forum_username = excluded.forum_username,
			forum_password = excluded.forum_password,
			check_interval = excluded.check_interval,
			updated_at = CURRENT_TIMESTAMP`,
		chatID, username, encrypted, interval)
	if err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	s.logger.Info("User config saved", "chat_id", chatID, "forum_username", username, "interval", interval)
	return nil
}

// UserConfig loads a chat's credentials with the password decrypted.
// Returns ErrNotFound when the chat has no configuration.
func (s *Store) UserConfig(ctx context.Context, chatID int64) (*notifier.Credentials, error) {
	var creds notifier.Credentials
	var encrypted string

	err := s.db.QueryRowContext(ctx, `
		SELECT forum_username, forum_password, check_interval
		FROM configs WHERE chat_id = ?`, chatID).
		Scan(&creds.Username, &encrypted, &creds.Interval)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	creds.Password, err = s.cipher.Decrypt(encrypted)
	if err != nil {
		return nil, fmt.Errorf("decrypt password: %w", err)
	}

	return &creds, nil
}

// ChatIDs lists all chats that have stored configuration.
func (s *Store) ChatIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT chat_id FROM configs ORDER BY chat_id`)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan chat id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AddMonitoredUser registers a forum user to watch for a chat. Re-adding
// an existing user keeps its watermark.
func (s *Store) AddMonitoredUser(ctx context.Context, chatID int64, username string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO monitored_users (chat_id, username) VALUES (?, ?)`,
		chatID, username)
	if err != nil {
		return fmt.Errorf("add monitored user: %w", err)
	}
	return nil
}

// RemoveMonitoredUser stops watching a forum user for a chat.
func (s *Store) RemoveMonitoredUser(ctx context.Context, chatID int64, username string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM monitored_users WHERE chat_id = ? AND username = ?`,
		chatID, username)
	if err != nil {
		return fmt.Errorf("remove monitored user: %w", err)
	}
	return nil
}

// MonitoredUsers lists the forum users a chat watches with their watermarks.
func (s *Store) MonitoredUsers(ctx context.Context, chatID int64) ([]notifier.MonitoredUser, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, last_check FROM monitored_users WHERE chat_id = ? ORDER BY username`,
		chatID)
	if err != nil {
		return nil, fmt.Errorf("list monitored users: %w", err)
	}
	defer rows.Close()

	var users []notifier.MonitoredUser
	for rows.Next() {
		var u notifier.MonitoredUser
		var lastCheck sql.NullString
		if err := rows.Scan(&u.Username, &lastCheck); err != nil {
			return nil, fmt.Errorf("scan monitored user: %w", err)
		}
		u.LastCheck = lastCheck.String
		users = append(users, u)
	}
	return users, rows.Err()
}

// UpdateLastCheck advances the watermark for a (chat, username) pair.
// The watermark never decreases: an older date is a no-op.
func (s *Store) UpdateLastCheck(ctx context.Context, chatID int64, username, lastCheck string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE monitored_users SET last_check = ?
		WHERE chat_id = ? AND username = ? AND (last_check IS NULL OR last_check < ?)`,
		lastCheck, chatID, username, lastCheck)
	if err != nil {
		return fmt.Errorf("update last check: %w", err)
	}
	return nil
}

// SaveCookies persists a chat's cookie set as an opaque JSON blob.
func (s *Store) SaveCookies(ctx context.Context, chatID int64, cookies []notifier.Cookie) error {
	blob, err := json.Marshal(cookies)
	if err != nil {
		return fmt.Errorf("marshal cookies: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_cookies (chat_id, cookies, last_update)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(chat_id) DO UPDATE SET
			cookies = excluded.cookies,
			last_update = CURRENT_TIMESTAMP`,
		chatID, string(blob))
	if err != nil {
		return fmt.Errorf("save cookies: %w", err)
	}

	s.logger.Debug("Cookies saved", "chat_id", chatID, "count", len(cookies))
	return nil
}

// Cookies loads a chat's persisted cookie set. Returns ErrNotFound when
// no set has been saved.
func (s *Store) Cookies(ctx context.Context, chatID int64) ([]notifier.Cookie, error) {
	var blob string
	err := s.db.QueryRowContext(ctx, `
		SELECT cookies FROM user_cookies WHERE chat_id = ?`, chatID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load cookies: %w", err)
	}

	var cookies []notifier.Cookie
	if err := json.Unmarshal([]byte(blob), &cookies); err != nil {
		return nil, fmt.Errorf("unmarshal cookies: %w", err)
	}
	return cookies, nil
}

// SavePost inserts a post into the delivered ledger. Returns false when
// the post ID was already present (ignore-if-duplicate on the unique ID).
func (s *Store) SavePost(ctx context.Context, chatID int64, post *notifier.Post) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO post_history (chat_id, username, post_id, title, content, post_date, link)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		chatID, post.Username, post.ID, post.Title, post.Content, post.Date, post.Link)
	if err != nil {
		return false, fmt.Errorf("save post: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// PostExists reports whether a post ID is already in the ledger.
func (s *Store) PostExists(ctx context.Context, postID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM post_history WHERE post_id = ?`, postID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check post: %w", err)
	}
	return true, nil
}

// CleanupOldData removes ledger rows and cookie blobs older than the
// retention window. Watermarks are kept.
func (s *Store) CleanupOldData(ctx context.Context, retention time.Duration) error {
	cutoff := time.Now().UTC().Add(-retention).Format("2006-01-02 15:04:05")

	res, err := s.db.ExecContext(ctx, `DELETE FROM post_history WHERE created_at < ?`, cutoff)
	if err != nil {
		return fmt.Errorf("cleanup posts: %w", err)
	}
	posts, _ := res.RowsAffected()

	res, err = s.db.ExecContext(ctx, `DELETE FROM user_cookies WHERE last_update < ?`, cutoff)
	if err != nil {
		return fmt.Errorf("cleanup cookies: %w", err)
	}
	cookies, _ := res.RowsAffected()

	if posts > 0 || cookies > 0 {
		s.logger.Info("Old data cleaned up", "posts_removed", posts, "cookie_sets_removed", cookies)
	}
	return nil
}
