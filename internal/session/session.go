// Package session implements sync sessions and their stores. A session is
// created when a client authenticates via hostKey and is looked up on every
// later request, either by host key (collection sub-protocol) or by the
// short session key the media sub-protocol uses.
package session

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/ankicommunity/ankisyncd/internal/ankiutil"
)

// Session identifies one authenticated client. The handler fields cache the
// per-sync protocol state (collection and media handlers) across HTTP
// requests; they are managed by the dispatcher and never persisted.
type Session struct {
	HostKey       string
	SKey          string
	Username      string
	Path          string // user directory under data_root
	Version       int    // sync protocol version from meta
	ClientVersion string // raw cv string from meta
	Created       time.Time

	// Handler state owned by the server package. Opaque here so the
	// session store doesn't depend on protocol internals.
	ColHandler   any
	MediaHandler any
}

// New creates a session for the user, generating a fresh session key and
// making sure the user directory exists.
func New(username, path string) (*Session, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("session: creating user dir: %w", err)
	}

	skey, err := newSessionKey()
	if err != nil {
		return nil, err
	}

	return &Session{
		SKey:     skey,
		Username: username,
		Path:     path,
		Created:  time.Now(),
	}, nil
}

// CollectionPath returns the collection.anki2 path for this session's user.
func (s *Session) CollectionPath() string {
	return filepath.Join(s.Path, "collection.anki2")
}

// NewHostKey generates the long-lived token handed out by hostKey:
// md5 of "username:unix-seconds:8-random-alphanumerics".
func NewHostKey(username string) (string, error) {
	const chars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	nonce := make([]byte, 8)

	for i := range nonce {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(chars))))
		if err != nil {
			return "", fmt.Errorf("session: generating host key: %w", err)
		}

		nonce[i] = chars[n.Int64()]
	}

	val := fmt.Sprintf("%s:%d:%s", username, ankiutil.IntTime(1), nonce)
	sum := md5.Sum([]byte(val))

	return hex.EncodeToString(sum[:]), nil
}

// newSessionKey generates the short media-protocol token: the first 8 hex
// digits of the SHA-1 of a random float string.
func newSessionKey() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<53))
	if err != nil {
		return "", fmt.Errorf("session: generating session key: %w", err)
	}

	f := float64(n.Int64()) / float64(1<<53)

	return ankiutil.Checksum([]byte(fmt.Sprint(f)))[:8], nil
}
