package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"gwi.com/chatcore/internal/chaterr"
)

type Options struct {
	MaxOpenConns int
	WriteRetries int
}

type SQLiteStore struct {
	db      *sql.DB
	retries int
	now     func() time.Time
}

func NewSQLiteStore(dataSourceName string, opts Options) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", withPragmas(dataSourceName))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = 1
	}
	if opts.WriteRetries <= 0 {
		opts.WriteRetries = 5
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetConnMaxLifetime(0)

	if err = db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping database")
	}

	store := &SQLiteStore{
		db:      db,
		retries: opts.WriteRetries,
		now:     func() time.Time { return time.Now().UTC() },
	}
	if err = store.initSchema(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to initialize schema")
	}
	return store, nil
}

// withPragmas makes every transaction take the write lock up front and wait
// on a busy database instead of failing immediately.
func withPragmas(dsn string) string {
	params := []string{"_busy_timeout=5000", "_txlock=immediate", "_foreign_keys=on"}
	if !strings.Contains(dsn, ":memory:") && !strings.Contains(dsn, "mode=memory") {
		params = append(params, "_journal_mode=WAL")
	}
	var kept []string
	for _, p := range params {
		if !strings.Contains(dsn, strings.SplitN(p, "=", 2)[0]+"=") {
			kept = append(kept, p)
		}
	}
	if len(kept) == 0 {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(kept, "&")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS users (
        id TEXT PRIMARY KEY, -- UUID
        username TEXT UNIQUE NOT NULL,
        display_name TEXT NOT NULL,
        password_hash TEXT NOT NULL,
        last_seen_at DATETIME,
        created_at DATETIME NOT NULL,
        updated_at DATETIME NOT NULL
    );

    CREATE TABLE IF NOT EXISTS chats (
        id TEXT PRIMARY KEY, -- UUID
        participant_a TEXT NOT NULL,
        participant_b TEXT NOT NULL,
        last_sequence INTEGER NOT NULL DEFAULT 0,
        last_activity_at DATETIME NOT NULL,
        created_at DATETIME NOT NULL,
        updated_at DATETIME NOT NULL,
        CHECK (participant_a < participant_b),
        UNIQUE (participant_a, participant_b),
        FOREIGN KEY (participant_a) REFERENCES users (id),
        FOREIGN KEY (participant_b) REFERENCES users (id)
    );
    CREATE INDEX IF NOT EXISTS idx_chats_participant_b ON chats (participant_b);

    CREATE TABLE IF NOT EXISTS media_blobs (
        content_hash TEXT PRIMARY KEY, -- sha256 hex
        byte_size INTEGER NOT NULL CHECK (byte_size > 0),
        mime_type TEXT NOT NULL,
        storage_locator TEXT NOT NULL,
        created_at DATETIME NOT NULL,
        updated_at DATETIME NOT NULL
    );

    CREATE TABLE IF NOT EXISTS messages (
        id TEXT PRIMARY KEY, -- UUID
        chat_id TEXT NOT NULL,
        sender_id TEXT NOT NULL,
        sequence INTEGER NOT NULL CHECK (sequence > 0),
        type TEXT NOT NULL CHECK (type IN ('TEXT', 'IMAGE', 'VIDEO', 'AUDIO', 'FILE')),
        text_content TEXT,
        media_ref TEXT,
        state TEXT NOT NULL CHECK (state IN ('SENT', 'DELIVERED', 'SEEN')),
        created_at DATETIME NOT NULL,
        updated_at DATETIME NOT NULL,
        UNIQUE (chat_id, sequence),
        CHECK ((type = 'TEXT' AND text_content IS NOT NULL AND media_ref IS NULL)
            OR (type <> 'TEXT' AND text_content IS NULL AND media_ref IS NOT NULL)),
        FOREIGN KEY (chat_id) REFERENCES chats (id),
        FOREIGN KEY (sender_id) REFERENCES users (id),
        FOREIGN KEY (media_ref) REFERENCES media_blobs (content_hash)
    );
    CREATE INDEX IF NOT EXISTS idx_messages_chat_sender ON messages (chat_id, sender_id, sequence);

    CREATE TABLE IF NOT EXISTS seen_watermarks (
        chat_id TEXT NOT NULL,
        user_id TEXT NOT NULL,
        last_seen_sequence INTEGER NOT NULL DEFAULT 0,
        created_at DATETIME NOT NULL,
        updated_at DATETIME NOT NULL,
        PRIMARY KEY (chat_id, user_id),
        FOREIGN KEY (chat_id) REFERENCES chats (id),
        FOREIGN KEY (user_id) REFERENCES users (id)
    );
    `
	_, err := s.db.Exec(schema)
	return err
}

// withTx runs fn in a single transaction and retries the whole transaction
// with exponential backoff when SQLite reports a lock or uniqueness conflict.
// Any other error from fn aborts immediately.
func (s *SQLiteStore) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	attempt := 0
	run := func() error {
		attempt++
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return classify(err)
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			return classify(err)
		}
		if err := tx.Commit(); err != nil {
			tx.Rollback()
			return classify(err)
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 5 * time.Millisecond
	policy.MaxInterval = 250 * time.Millisecond
	policy.MaxElapsedTime = 5 * time.Second
	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(s.retries-1)), ctx)

	err := backoff.Retry(run, b)
	if err == nil {
		return nil
	}
	if isConflict(err) {
		jww.WARN.Printf("%s: giving up after %d attempts: %v", op, attempt, err)
		return chaterr.ConcurrencyConflict(errors.Wrap(err, op))
	}
	if _, ok := err.(*chaterr.Error); ok {
		return err
	}
	return errors.Wrap(err, op)
}

// classify marks every non-conflict error permanent so backoff stops.
func classify(err error) error {
	if isConflict(err) {
		return err
	}
	return backoff.Permanent(err)
}

func isConflict(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch {
	case sqliteErr.Code == sqlite3.ErrBusy, sqliteErr.Code == sqlite3.ErrLocked:
		return true
	case sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique,
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
		return true
	}
	return false
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

// User methods
func (s *SQLiteStore) CreateUser(ctx context.Context, username, displayName, passwordHash string) (*User, error) {
	now := s.now()
	user := &User{
		ID:           uuid.NewString(),
		Username:     username,
		DisplayName:  displayName,
		PasswordHash: passwordHash,
		Audit:        Audit{CreatedAt: now, UpdatedAt: now},
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, username, display_name, password_hash, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)",
		user.ID, user.Username, user.DisplayName, user.PasswordHash, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, chaterr.ErrUsernameTaken
		}
		return nil, errors.Wrap(err, "store.CreateUser")
	}
	return user, nil
}

const userColumns = "id, username, display_name, password_hash, last_seen_at, created_at, updated_at"

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var user User
	var lastSeen sql.NullTime
	if err := row.Scan(&user.ID, &user.Username, &user.DisplayName, &user.PasswordHash, &lastSeen, &user.CreatedAt, &user.UpdatedAt); err != nil {
		return nil, err
	}
	if lastSeen.Valid {
		t := lastSeen.Time
		user.LastSeenAt = &t
	}
	return &user, nil
}

func (s *SQLiteStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, chaterr.ErrUserNotFound
		}
		return nil, errors.Wrap(err, "store.GetUserByID")
	}
	return user, nil
}

func (s *SQLiteStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE username = ?", username))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, chaterr.ErrUserNotFound
		}
		return nil, errors.Wrap(err, "store.GetUserByUsername")
	}
	return user, nil
}

// TouchLastSeen records activity for presence. It never moves the timestamp
// backwards.
func (s *SQLiteStore) TouchLastSeen(ctx context.Context, userID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE users SET last_seen_at = ?, updated_at = ? WHERE id = ? AND (last_seen_at IS NULL OR last_seen_at < ?)",
		at.UTC(), s.now(), userID, at.UTC())
	if err != nil {
		return errors.Wrap(err, "store.TouchLastSeen")
	}
	return nil
}
