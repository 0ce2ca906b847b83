package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/conductor/pkg/schema"
)

// LibSQLStore keeps sessions in an embedded libSQL database, one row per
// session holding the encoded state next to indexed status columns.
type LibSQLStore struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

// sessionPragmas tune the embedded database for a single writer.
var sessionPragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA foreign_keys=ON",
}

// NewLibSQLStore opens the session database at dsn, a file: URI such as
// "file:/var/lib/conductor/conductor.db". Rows expire ttl after their last
// save; a zero ttl keeps them forever. Call Migrate before first use.
func NewLibSQLStore(dsn string, ttl time.Duration) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, storeError("open", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range sessionPragmas {
		// journal_mode answers with a row, the others with nothing.
		rows, err := db.Query(pragma)
		if err != nil {
			_ = db.Close()
			return nil, storeError("open", fmt.Errorf("%s: %w", pragma, err))
		}
		_ = rows.Close()
	}

	return &LibSQLStore{db: db, ttl: ttl, now: time.Now}, nil
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

func (s *LibSQLStore) Load(ctx context.Context, id string) (*schema.WorkflowState, error) {
	var state string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM sessions WHERE id = ? AND (expires_at IS NULL OR expires_at > ?)`,
		id, s.now().Unix(),
	).Scan(&state)
	if err == sql.ErrNoRows {
		return nil, sessionNotFound(id)
	}
	if err != nil {
		return nil, storeError("load", err)
	}
	return decodeState([]byte(state))
}

func (s *LibSQLStore) Save(ctx context.Context, state *schema.WorkflowState) error {
	b, err := encodeState(state)
	if err != nil {
		return err
	}
	now := s.now()
	var expires any
	if s.ttl > 0 {
		expires = now.Add(s.ttl).Unix()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, status, state, updated_at, expires_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET user_id=excluded.user_id, status=excluded.status,
		 state=excluded.state, updated_at=excluded.updated_at, expires_at=excluded.expires_at`,
		state.SessionID, nullStr(state.UserID), string(state.Status), string(b), now.Unix(), expires,
	)
	if err != nil {
		return storeError("save", err)
	}
	return nil
}

func (s *LibSQLStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return storeError("delete", err)
	}
	return nil
}

// PurgeExpired deletes expired rows and reports how many were removed.
func (s *LibSQLStore) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at IS NOT NULL AND expires_at <= ?`, s.now().Unix())
	if err != nil {
		return 0, storeError("purge", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeError("purge", err)
	}
	return n, nil
}

// Count returns the number of stored rows, expired or not.
func (s *LibSQLStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&n); err != nil {
		return 0, storeError("count", err)
	}
	return n, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var (
	_ Store  = (*LibSQLStore)(nil)
	_ Purger = (*LibSQLStore)(nil)
)
