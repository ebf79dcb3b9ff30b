package auth

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testLogWriter struct{ t *testing.T }

func (w testLogWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(testLogWriter{t: t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

func openTestManager(t *testing.T) *SQLiteUserManager {
	t.Helper()

	m, err := NewSQLiteUserManager(
		context.Background(),
		filepath.Join(t.TempDir(), "auth.db"),
		testLogger(t),
	)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	return m
}

func TestAddAndAuthenticate(t *testing.T) {
	t.Parallel()

	m := openTestManager(t)

	require.NoError(t, m.AddUser("alice", "secret"))

	assert.True(t, m.Authenticate("alice", "secret"))
	assert.False(t, m.Authenticate("alice", "wrong"))
	assert.False(t, m.Authenticate("bob", "secret"))
	assert.False(t, m.Authenticate("", ""))
}

func TestAddDuplicateUser(t *testing.T) {
	t.Parallel()

	m := openTestManager(t)

	require.NoError(t, m.AddUser("alice", "secret"))

	err := m.AddUser("alice", "other")
	require.ErrorIs(t, err, ErrUserExists)
}

func TestStoredHashFormat(t *testing.T) {
	t.Parallel()

	m := openTestManager(t)
	require.NoError(t, m.AddUser("alice", "secret"))

	var hash string
	require.NoError(t, m.db.QueryRow(
		"SELECT hash FROM auth WHERE username = 'alice'").Scan(&hash))

	// hex sha256 plus 16 hex chars of salt
	require.Len(t, hash, 64+saltHexLen)

	salt := hash[len(hash)-saltHexLen:]
	assert.Equal(t, hashPassword("alice", "secret", salt), hash)
}

func TestSetPassword(t *testing.T) {
	t.Parallel()

	m := openTestManager(t)

	require.ErrorIs(t, m.SetPassword("ghost", "x"), ErrNoSuchUser)

	require.NoError(t, m.AddUser("alice", "old"))
	require.NoError(t, m.SetPassword("alice", "new"))

	assert.False(t, m.Authenticate("alice", "old"))
	assert.True(t, m.Authenticate("alice", "new"))
}

func TestDelUser(t *testing.T) {
	t.Parallel()

	m := openTestManager(t)

	require.ErrorIs(t, m.DelUser("ghost"), ErrNoSuchUser)

	require.NoError(t, m.AddUser("alice", "secret"))
	require.NoError(t, m.DelUser("alice"))

	assert.False(t, m.Authenticate("alice", "secret"))
	assert.Empty(t, m.ListUsers())
}

func TestListUsers(t *testing.T) {
	t.Parallel()

	m := openTestManager(t)

	require.NoError(t, m.AddUser("alice", "a"))
	require.NoError(t, m.AddUser("bob", "b"))

	assert.ElementsMatch(t, []string{"alice", "bob"}, m.ListUsers())
}

func TestUserDir(t *testing.T) {
	t.Parallel()

	m := openTestManager(t)

	assert.Empty(t, m.UserDir("ghost"))

	require.NoError(t, m.AddUser("alice", "secret"))
	assert.Equal(t, "alice", m.UserDir("alice"))
}

func TestPersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "auth.db")

	m, err := NewSQLiteUserManager(context.Background(), path, testLogger(t))
	require.NoError(t, err)
	require.NoError(t, m.AddUser("alice", "secret"))
	require.NoError(t, m.Close())

	m, err = NewSQLiteUserManager(context.Background(), path, testLogger(t))
	require.NoError(t, err)
	defer m.Close()

	assert.True(t, m.Authenticate("alice", "secret"))
}
