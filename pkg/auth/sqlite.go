package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"

	"github.com/aeolun/realm/pkg/logging"
)

// migrations are applied in order; the index+1 is the schema version.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id            TEXT PRIMARY KEY,
		username      TEXT NOT NULL,
		username_key  TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		created_at    INTEGER NOT NULL,
		last_seen     INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS logins (
		user_id   TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		logged_at INTEGER NOT NULL,
		success   INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_logins_user ON logins(user_id, logged_at)`,
}

// SQLiteStore keeps accounts in a SQLite database. The logged-in set lives in
// memory and starts empty on every open.
type SQLiteStore struct {
	sessions

	db     *sql.DB
	logger *slog.Logger
}

// OpenSQLite opens (creating if needed) the account database at path.
// ":memory:" gives a private in-memory database.
func OpenSQLite(path string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: SQLite serialises writers anyway, and ":memory:" is per connection.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	s := &SQLiteStore{sessions: newSessions(), db: db, logger: logging.OrDiscard(logger)}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY, applied_at INTEGER NOT NULL)`); err != nil {
		return err
	}
	var current int
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return err
	}
	for v := current + 1; v <= len(migrations); v++ {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		for _, stmt := range strings.Split(migrations[v-1], ";") {
			if strings.TrimSpace(stmt) == "" {
				continue
			}
			if _, err := tx.Exec(stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("migration %d: %w", v, err)
			}
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, v, time.Now().UnixMilli()); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		s.logger.Info("applied account schema migration", "version", v)
	}
	return nil
}

// SchemaVersion returns the applied migration version.
func (s *SQLiteStore) SchemaVersion() (int, error) {
	var v int
	err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&v)
	return v, err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateUser adds an account with a bcrypt password hash.
func (s *SQLiteStore) CreateUser(ctx context.Context, username, password string) (*User, error) {
	if err := ValidateUsername(username); err != nil {
		return nil, err
	}
	h, err := hashPassword(password)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	u := &User{ID: uuid.New(), Username: username, CreatedAt: now, LastSeen: now}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, username_key, password_hash, created_at, last_seen)
		VALUES (?, ?, ?, ?, ?, ?)
	`, u.ID.String(), username, key(username), h, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, fmt.Errorf("%w: %s", ErrUserExists, username)
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	s.logger.Info("user created", "user", username, "id", u.ID)
	return u, nil
}

// SetPassword replaces a user's password.
func (s *SQLiteStore) SetPassword(ctx context.Context, username, password string) error {
	h, err := hashPassword(password)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash = ? WHERE username_key = ?`, h, key(username))
	if err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrUserNotFound, username)
	}
	return nil
}

// DeleteUser removes an account and its login history.
func (s *SQLiteStore) DeleteUser(ctx context.Context, username string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE username_key = ?`, key(username))
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrUserNotFound, username)
	}
	s.release(username)
	return nil
}

type userRow struct {
	User
	hash string
}

func (s *SQLiteStore) lookup(ctx context.Context, username string) (*userRow, error) {
	var (
		row               userRow
		id                string
		created, lastSeen int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, created_at, last_seen
		FROM users
		WHERE username_key = ?
	`, key(username)).Scan(&id, &row.Username, &row.hash, &created, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, username)
	}
	if err != nil {
		return nil, err
	}
	if row.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("corrupt user id %q: %w", id, err)
	}
	row.CreatedAt = time.UnixMilli(created)
	row.LastSeen = time.UnixMilli(lastSeen)
	return &row, nil
}

// GetUser returns an account by username.
func (s *SQLiteStore) GetUser(ctx context.Context, username string) (*User, error) {
	row, err := s.lookup(ctx, username)
	if err != nil {
		return nil, err
	}
	return &row.User, nil
}

// ListUsers returns every account ordered by username.
func (s *SQLiteStore) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, username, created_at, last_seen FROM users ORDER BY username_key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*User
	for rows.Next() {
		var (
			u                 User
			id                string
			created, lastSeen int64
		)
		if err := rows.Scan(&id, &u.Username, &created, &lastSeen); err != nil {
			return nil, err
		}
		if u.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("corrupt user id %q: %w", id, err)
		}
		u.CreatedAt = time.UnixMilli(created)
		u.LastSeen = time.UnixMilli(lastSeen)
		out = append(out, &u)
	}
	return out, rows.Err()
}

// LoginCount returns how many successful logins the user has recorded.
func (s *SQLiteStore) LoginCount(ctx context.Context, username string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM logins l JOIN users u ON u.id = l.user_id
		WHERE u.username_key = ? AND l.success = 1
	`, key(username)).Scan(&n)
	return n, err
}

func (s *SQLiteStore) Authenticate(ctx context.Context, username, password string) (*User, error) {
	row, err := s.lookup(ctx, username)
	if errors.Is(err, ErrUserNotFound) {
		return nil, ErrBadCredentials
	}
	if err != nil {
		return nil, err
	}

	now := time.Now()
	ok := bcrypt.CompareHashAndPassword([]byte(row.hash), []byte(password)) == nil
	success := 0
	if ok {
		success = 1
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO logins (user_id, logged_at, success) VALUES (?, ?, ?)`,
		row.ID.String(), now.UnixMilli(), success); err != nil {
		s.logger.Warn("failed to record login", "user", row.Username, "error", err)
	}
	if !ok {
		return nil, ErrBadCredentials
	}
	if err := s.claim(row.Username); err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE users SET last_seen = ? WHERE id = ?`, now.UnixMilli(), row.ID.String()); err != nil {
		s.logger.Warn("failed to update last seen", "user", row.Username, "error", err)
	}
	row.LastSeen = now
	return &row.User, nil
}

func (s *SQLiteStore) Logout(_ context.Context, username string) bool {
	return s.release(username)
}
