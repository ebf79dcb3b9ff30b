package collection

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// mediaSchemaSQL is the server-side media index: one row per filename, with
// the usn of its last change. A NULL csum is a tombstone — the file was
// deleted but clients that haven't seen the deletion yet still need the row.
const mediaSchemaSQL = `
CREATE TABLE IF NOT EXISTS media (
	fname TEXT NOT NULL PRIMARY KEY,
	usn   INTEGER NOT NULL,
	csum  TEXT
);
CREATE INDEX IF NOT EXISTS idx_media_usn ON media (usn);
`

// MediaEntry is one addition staged by uploadChanges.
type MediaEntry struct {
	Filename string
	USN      int64
	Checksum string
}

// MediaChange is one row of the mediaChanges response.
type MediaChange struct {
	Filename string
	USN      int64
	Checksum string // empty for a deletion
}

// Media is the media index database plus the directory of media files.
type Media struct {
	db     *sql.DB
	dir    string
	logger *slog.Logger
}

// OpenMedia opens (creating if needed) the media index at dbPath and
// ensures the media directory exists.
func OpenMedia(dbPath, dir string, logger *slog.Logger) (*Media, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("media: creating media dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("media: open %s: %w", dbPath, err)
	}

	if _, err := db.Exec(mediaSchemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("media: creating schema: %w", err)
	}

	return &Media{db: db, dir: dir, logger: logger}, nil
}

// Close closes the media index database.
func (m *Media) Close() error {
	if m.db == nil {
		return nil
	}

	err := m.db.Close()
	m.db = nil

	if err != nil {
		return fmt.Errorf("media: close: %w", err)
	}

	return nil
}

// Dir returns the media directory path.
func (m *Media) Dir() string { return m.dir }

// LastUSN returns the highest usn in the index, 0 when empty. Tombstones
// count: deletions advance the serial like additions do.
func (m *Media) LastUSN() (int64, error) {
	var usn sql.NullInt64

	err := m.db.QueryRow("SELECT max(usn) FROM media").Scan(&usn)
	if err != nil {
		return 0, fmt.Errorf("media: reading last usn: %w", err)
	}

	return usn.Int64, nil
}

// MediaCount returns the number of live files (rows with a checksum).
func (m *Media) MediaCount() (int64, error) {
	var n int64

	err := m.db.QueryRow("SELECT count(*) FROM media WHERE csum IS NOT NULL").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("media: counting files: %w", err)
	}

	return n, nil
}

// SyncDelete records a deletion: the row becomes a tombstone at the next
// usn and the file is removed from the media directory when present. A
// deletion of a file the server never had still consumes a usn so the
// client's accounting stays consistent.
func (m *Media) SyncDelete(fname string) error {
	last, err := m.LastUSN()
	if err != nil {
		return err
	}

	_, err = m.db.Exec(
		`INSERT INTO media (fname, usn, csum) VALUES (?, ?, NULL)
		 ON CONFLICT(fname) DO UPDATE SET usn = excluded.usn, csum = NULL`,
		fname, last+1)
	if err != nil {
		return fmt.Errorf("media: recording deletion of %q: %w", fname, err)
	}

	path := filepath.Join(m.dir, fname)

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		m.logger.Error("removing media file",
			slog.String("file", fname),
			slog.String("error", err.Error()),
		)
	}

	return nil
}

// AddEntries upserts a batch of additions in one transaction, as staged by
// uploadChanges after the files are on disk.
func (m *Media) AddEntries(entries []MediaEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("media: begin add tx: %w", err)
	}

	for _, e := range entries {
		if _, execErr := tx.Exec(
			"INSERT OR REPLACE INTO media (fname, usn, csum) VALUES (?, ?, ?)",
			e.Filename, e.USN, e.Checksum); execErr != nil {
			rollbackErr := tx.Rollback()
			return fmt.Errorf("media: adding %q: %w (rollback: %v)",
				e.Filename, execErr, rollbackErr)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("media: commit add tx: %w", err)
	}

	return nil
}

// Changes returns the newest limit rows in ascending usn order. The query
// runs descending and is reversed, so the last row carries the server's
// current last usn — clients rely on that.
func (m *Media) Changes(limit int64) ([]MediaChange, error) {
	rows, err := m.db.Query(
		"SELECT fname, usn, csum FROM media ORDER BY usn DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("media: reading changes: %w", err)
	}
	defer rows.Close()

	var out []MediaChange

	for rows.Next() {
		var (
			change MediaChange
			csum   sql.NullString
		)

		if err := rows.Scan(&change.Filename, &change.USN, &csum); err != nil {
			return nil, fmt.Errorf("media: scanning change: %w", err)
		}

		change.Checksum = csum.String
		out = append(out, change)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("media: iterating changes: %w", err)
	}

	// Reverse into ascending usn order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}

	return out, nil
}

// WriteFile stores the uploaded bytes under the normalized filename,
// overwriting any previous version.
func (m *Media) WriteFile(fname string, data []byte) error {
	path := filepath.Join(m.dir, fname)

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("media: writing %q: %w", fname, err)
	}

	return nil
}

// ReadFile returns the bytes of a stored media file.
func (m *Media) ReadFile(fname string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(m.dir, fname))
	if err != nil {
		return nil, fmt.Errorf("media: reading %q: %w", fname, err)
	}

	return data, nil
}
