package session

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore persists sessions so clients survive a server restart without
// re-entering credentials. Live Session objects (with their cached protocol
// handlers) are kept in an in-memory layer; the database holds only the
// rehydratable identity fields.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSQLiteStore opens the session database at path and applies migrations.
func NewSQLiteStore(ctx context.Context, path string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("session: open %s: %w", path, err)
	}

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{
		db:       db,
		logger:   logger,
		sessions: make(map[string]*Session),
	}, nil
}

// runMigrations applies the embedded schema migrations with the goose v3
// Provider API.
func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("session: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("session: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("session: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("applied session migration", slog.String("source", r.Source.Path))
	}

	return nil
}

// Load implements Store: the live session when cached, otherwise a session
// rehydrated from its persisted row.
func (s *SQLiteStore) Load(hkey string) (*Session, error) {
	s.mu.RLock()
	cached := s.sessions[hkey]
	s.mu.RUnlock()

	if cached != nil {
		return cached, nil
	}

	return s.rehydrate("SELECT hkey, skey, username, path FROM session WHERE hkey = ?", hkey)
}

// LoadFromSKey implements Store.
func (s *SQLiteStore) LoadFromSKey(skey string) (*Session, error) {
	s.mu.RLock()
	for _, sess := range s.sessions {
		if sess.SKey == skey {
			s.mu.RUnlock()
			return sess, nil
		}
	}
	s.mu.RUnlock()

	return s.rehydrate("SELECT hkey, skey, username, path FROM session WHERE skey = ?", skey)
}

// rehydrate rebuilds a live Session from a persisted row and caches it.
// Protocol handler state starts fresh — an interrupted sync is simply
// restarted by the client.
func (s *SQLiteStore) rehydrate(query, key string) (*Session, error) {
	var hkey, skey, username, path string

	err := s.db.QueryRow(query, key).Scan(&hkey, &skey, &username, &path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("session: loading session: %w", err)
	}

	sess := &Session{
		HostKey:  hkey,
		SKey:     skey,
		Username: username,
		Path:     path,
		Created:  time.Now(),
	}

	s.mu.Lock()
	s.sessions[hkey] = sess
	s.mu.Unlock()

	s.logger.Debug("session rehydrated", slog.String("username", username))

	return sess, nil
}

// Save implements Store.
func (s *SQLiteStore) Save(hkey string, sess *Session) error {
	sess.HostKey = hkey

	s.mu.Lock()
	s.sessions[hkey] = sess
	s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO session (hkey, skey, username, path) VALUES (?, ?, ?, ?)
		 ON CONFLICT(hkey) DO UPDATE SET
			skey = excluded.skey, username = excluded.username, path = excluded.path`,
		hkey, sess.SKey, sess.Username, sess.Path)
	if err != nil {
		return fmt.Errorf("session: saving session: %w", err)
	}

	return nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(hkey string) error {
	s.mu.Lock()
	delete(s.sessions, hkey)
	s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM session WHERE hkey = ?", hkey); err != nil {
		return fmt.Errorf("session: deleting session: %w", err)
	}

	return nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("session: close: %w", err)
	}

	return nil
}

var _ Store = (*SQLiteStore)(nil)
