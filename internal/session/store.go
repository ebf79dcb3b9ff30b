package session

import "sync"

// Store maps host keys and session keys to sessions. Implementations must
// be safe for concurrent use — the HTTP front end is free-threaded.
type Store interface {
	// Load returns the session for a host key, or nil when unknown.
	Load(hkey string) (*Session, error)

	// LoadFromSKey returns the session for a media session key, or nil.
	LoadFromSKey(skey string) (*Session, error)

	// Save upserts the session under its host key.
	Save(hkey string, s *Session) error

	// Delete removes the session for a host key.
	Delete(hkey string) error

	// Close releases any backing resources.
	Close() error
}

// MemoryStore is a process-local session store. Sessions vanish on restart,
// which just means clients re-authenticate.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

// Load implements Store.
func (m *MemoryStore) Load(hkey string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.sessions[hkey], nil
}

// LoadFromSKey implements Store.
func (m *MemoryStore) LoadFromSKey(skey string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, s := range m.sessions {
		if s.SKey == skey {
			return s, nil
		}
	}

	return nil, nil
}

// Save implements Store.
func (m *MemoryStore) Save(hkey string, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s.HostKey = hkey
	m.sessions[hkey] = s

	return nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(hkey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, hkey)

	return nil
}

// Close implements Store.
func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
