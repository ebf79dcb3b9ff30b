// Package fullsync implements full collection upload and download. Both
// directions replace incremental sync entirely: upload swaps the server's
// collection file for the client's, download hands the client the server's
// file verbatim.
package fullsync

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"

	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".
)

// ErrCorrupt marks an uploaded database that failed the integrity check.
// The dispatcher turns it into a client error rather than a server fault.
var ErrCorrupt = errors.New("fullsync: uploaded database failed integrity check")

// Manager performs full sync operations for one collection path.
type Manager struct {
	path   string
	logger *slog.Logger
}

// NewManager returns a manager for the collection at path.
func NewManager(path string, logger *slog.Logger) *Manager {
	return &Manager{path: path, logger: logger}
}

// Upload validates the uploaded database bytes and atomically replaces the
// collection file. The caller must have closed any open handle on the
// collection first. On any failure the existing collection is left intact.
func (m *Manager) Upload(data []byte) error {
	tmp := m.path + ".tmp"

	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("fullsync: writing upload: %w", err)
	}

	if err := m.checkIntegrity(tmp); err != nil {
		os.Remove(tmp)
		return err
	}

	if err := os.Rename(tmp, m.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("fullsync: replacing collection: %w", err)
	}

	m.logger.Info("collection replaced by upload", slog.Int("bytes", len(data)))

	return nil
}

// checkIntegrity opens the candidate file as SQLite and runs the full
// integrity check. Anything but a clean "ok" rejects the upload.
func (m *Manager) checkIntegrity(path string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	if result != "ok" {
		m.logger.Warn("upload rejected", slog.String("integrity", result))
		return ErrCorrupt
	}

	return nil
}

// Download returns the collection file's raw bytes. The caller must have
// saved and closed any open handle on the collection first so the file on
// disk is complete.
func (m *Manager) Download() ([]byte, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return nil, fmt.Errorf("fullsync: reading collection: %w", err)
	}

	m.logger.Info("collection downloaded", slog.Int("bytes", len(data)))

	return data, nil
}
