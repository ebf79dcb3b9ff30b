// Package auth implements user authentication against the auth database,
// plus the account-management operations the user subcommands expose. The
// credential table is cached in memory and reloaded when the database file
// changes on disk, so accounts added by the CLI while the server runs are
// picked up without a restart.
package auth

import "errors"

// ErrUserExists is returned when adding an account that is already present.
var ErrUserExists = errors.New("auth: user already exists")

// ErrNoSuchUser is returned when operating on an unknown account.
var ErrNoSuchUser = errors.New("auth: no such user")

// UserManager authenticates sync clients and resolves their on-disk
// directory name.
type UserManager interface {
	// Authenticate reports whether the username/password pair is valid.
	Authenticate(username, password string) bool

	// UserDir returns the directory name under data_root for the user, or
	// "" when the user does not exist.
	UserDir(username string) string
}
