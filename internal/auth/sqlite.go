package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// saltHexLen is the length of the hex-encoded salt appended to each stored
// hash. The stored format is sha256(username + password + salt) + salt, the
// same layout the original server's auth databases use, so existing auth.db
// files keep working.
const saltHexLen = 16

// SQLiteUserManager authenticates against a SQLite auth database. Credentials
// are cached in memory; a filesystem watcher reloads the cache when another
// process (the user CLI) rewrites the database.
type SQLiteUserManager struct {
	db     *sql.DB
	path   string
	logger *slog.Logger

	mu    sync.RWMutex
	users map[string]string // username -> stored hash

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewSQLiteUserManager opens (creating if needed) the auth database at path,
// loads the credential cache, and starts the reload watcher.
func NewSQLiteUserManager(ctx context.Context, path string, logger *slog.Logger) (*SQLiteUserManager, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("auth: open %s: %w", path, err)
	}

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	m := &SQLiteUserManager{
		db:     db,
		path:   path,
		logger: logger,
		done:   make(chan struct{}),
	}

	if err := m.reload(); err != nil {
		db.Close()
		return nil, err
	}

	if err := m.startWatcher(); err != nil {
		// The watcher is a convenience; authentication still works without
		// it, just without hot reload.
		logger.Warn("auth database watcher unavailable", slog.String("error", err.Error()))
	}

	return m, nil
}

// runMigrations applies the embedded schema migrations with the goose v3
// Provider API (no global state, context-aware).
func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("auth: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("auth: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("auth: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("applied auth migration", slog.String("source", r.Source.Path))
	}

	return nil
}

// startWatcher begins watching the database file for external writes.
func (m *SQLiteUserManager) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("auth: creating watcher: %w", err)
	}

	if err := watcher.Add(m.path); err != nil {
		watcher.Close()
		return fmt.Errorf("auth: watching %s: %w", m.path, err)
	}

	m.watcher = watcher

	go m.watchLoop()

	return nil
}

func (m *SQLiteUserManager) watchLoop() {
	for {
		select {
		case <-m.done:
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			m.logger.Debug("auth database changed, reloading credentials")

			if err := m.reload(); err != nil {
				m.logger.Error("reloading credentials", slog.String("error", err.Error()))
			}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}

			m.logger.Warn("auth database watcher", slog.String("error", err.Error()))
		}
	}
}

// reload replaces the credential cache with the current table contents.
func (m *SQLiteUserManager) reload() error {
	rows, err := m.db.Query("SELECT username, hash FROM auth")
	if err != nil {
		return fmt.Errorf("auth: reading users: %w", err)
	}
	defer rows.Close()

	users := make(map[string]string)

	for rows.Next() {
		var username, hash string
		if err := rows.Scan(&username, &hash); err != nil {
			return fmt.Errorf("auth: scanning user: %w", err)
		}

		users[username] = hash
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("auth: iterating users: %w", err)
	}

	m.mu.Lock()
	m.users = users
	m.mu.Unlock()

	m.logger.Debug("credential cache loaded", slog.Int("users", len(users)))

	return nil
}

// Close stops the watcher and closes the database.
func (m *SQLiteUserManager) Close() error {
	close(m.done)

	if m.watcher != nil {
		m.watcher.Close()
	}

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("auth: close: %w", err)
	}

	return nil
}

// Authenticate checks the password against the stored salted hash.
func (m *SQLiteUserManager) Authenticate(username, password string) bool {
	m.mu.RLock()
	stored, ok := m.users[username]
	m.mu.RUnlock()

	if !ok || len(stored) <= saltHexLen {
		return false
	}

	salt := stored[len(stored)-saltHexLen:]
	computed := hashPassword(username, password, salt)

	return subtle.ConstantTimeCompare([]byte(computed), []byte(stored)) == 1
}

// UserDir maps a username to its directory under data_root. The original
// server uses the username itself.
func (m *SQLiteUserManager) UserDir(username string) string {
	m.mu.RLock()
	_, ok := m.users[username]
	m.mu.RUnlock()

	if !ok {
		return ""
	}

	return username
}

// AddUser creates an account with the given password.
func (m *SQLiteUserManager) AddUser(username, password string) error {
	m.mu.RLock()
	_, exists := m.users[username]
	m.mu.RUnlock()

	if exists {
		return fmt.Errorf("%w: %s", ErrUserExists, username)
	}

	hash, err := newHash(username, password)
	if err != nil {
		return err
	}

	if _, err := m.db.Exec(
		"INSERT INTO auth (username, hash) VALUES (?, ?)", username, hash); err != nil {
		return fmt.Errorf("auth: adding %s: %w", username, err)
	}

	m.cacheHash(username, hash)

	return nil
}

// SetPassword replaces the password of an existing account.
func (m *SQLiteUserManager) SetPassword(username, password string) error {
	m.mu.RLock()
	_, exists := m.users[username]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrNoSuchUser, username)
	}

	hash, err := newHash(username, password)
	if err != nil {
		return err
	}

	if _, err := m.db.Exec(
		"UPDATE auth SET hash = ? WHERE username = ?", hash, username); err != nil {
		return fmt.Errorf("auth: updating password for %s: %w", username, err)
	}

	m.cacheHash(username, hash)

	return nil
}

// newHash salts and hashes a fresh credential.
func newHash(username, password string) (string, error) {
	saltBytes := make([]byte, saltHexLen/2)
	if _, err := rand.Read(saltBytes); err != nil {
		return "", fmt.Errorf("auth: generating salt: %w", err)
	}

	return hashPassword(username, password, hex.EncodeToString(saltBytes)), nil
}

func (m *SQLiteUserManager) cacheHash(username, hash string) {
	m.mu.Lock()
	m.users[username] = hash
	m.mu.Unlock()
}

// DelUser removes an account. The user's collection directory is left in
// place; removing data is a deliberate manual step.
func (m *SQLiteUserManager) DelUser(username string) error {
	res, err := m.db.Exec("DELETE FROM auth WHERE username = ?", username)
	if err != nil {
		return fmt.Errorf("auth: deleting %s: %w", username, err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNoSuchUser, username)
	}

	m.mu.Lock()
	delete(m.users, username)
	m.mu.Unlock()

	return nil
}

// ListUsers returns every account name.
func (m *SQLiteUserManager) ListUsers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	users := make([]string, 0, len(m.users))
	for u := range m.users {
		users = append(users, u)
	}

	return users
}

// hashPassword computes the stored credential string: the hex SHA-256 of
// username+password+salt with the salt appended.
func hashPassword(username, password, salt string) string {
	sum := sha256.Sum256([]byte(username + password + salt))
	return hex.EncodeToString(sum[:]) + salt
}

var _ UserManager = (*SQLiteUserManager)(nil)
