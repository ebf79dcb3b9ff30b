// Package collection implements the server side of an Anki collection: the
// collection.anki2 SQLite database, the JSON-encoded entity maps stored in
// its col row, the merge and chunk primitives the sync protocol needs, and
// the media index (media.go).
package collection

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".

	"github.com/ankicommunity/ankisyncd/internal/ankiutil"
)

// Graves is a set of deleted object IDs grouped by kind, as exchanged in
// start/applyGraves.
type Graves struct {
	Cards []int64 `json:"cards"`
	Notes []int64 `json:"notes"`
	Decks []int64 `json:"decks"`
}

// Collection is an open collection.anki2 plus its media index. It is not
// safe for concurrent use; the worker pool guarantees single-threaded
// access per path.
type Collection struct {
	path   string
	db     *sql.DB
	logger *slog.Logger
	media  *Media

	crt int64
	mod int64
	scm int64
	ver int64
	dty int64
	usn int64
	ls  int64

	conf   map[string]any
	models map[string]map[string]any
	decks  map[string]map[string]any
	dconf  map[string]map[string]any
	tags   map[string]int64

	dirty bool
}

// Open opens the collection at path, creating it with the default schema
// when the file does not exist yet. The journal mode is kept at TRUNCATE so
// the main database file is always complete — full download reads the raw
// file bytes.
func Open(path string, logger *slog.Logger) (*Collection, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("collection: creating user dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("collection: open %s: %w", path, err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = TRUNCATE",
		"PRAGMA synchronous = FULL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("collection: %s: %w", pragma, err)
		}
	}

	c := &Collection{path: path, db: db, logger: logger}

	if err := c.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}

	if err := c.load(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("collection open",
		slog.String("path", path),
		slog.Int64("usn", c.usn),
		slog.Int64("scm", c.scm),
	)

	return c, nil
}

// ensureSchema creates the schema and the initial col row when missing.
func (c *Collection) ensureSchema() error {
	var n int
	err := c.db.QueryRow(
		"SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = 'col'").Scan(&n)
	if err != nil {
		return fmt.Errorf("collection: checking schema: %w", err)
	}

	if n > 0 {
		return nil
	}

	c.logger.Info("creating new collection", slog.String("path", c.path))

	if _, err := c.db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("collection: creating schema: %w", err)
	}

	nowMS := ankiutil.IntTime(1000)

	_, err = c.db.Exec(
		`INSERT INTO col (id, crt, mod, scm, ver, dty, usn, ls, conf, models, decks, dconf, tags)
		 VALUES (1, ?, ?, ?, ?, 0, 0, 0, ?, '{}', ?, ?, '{}')`,
		dayCutoff(), nowMS, nowMS, schemaVersion, defaultConf, defaultDeck, defaultDConf,
	)
	if err != nil {
		return fmt.Errorf("collection: seeding col row: %w", err)
	}

	return nil
}

// dayCutoff returns 4 AM today in unix seconds, the creation stamp Anki
// uses for new collections.
func dayCutoff() int64 {
	now := ankiutil.IntTime(1)
	return now - now%86400 + 4*3600 - 86400
}

// load reads the singleton col row into memory.
func (c *Collection) load() error {
	var conf, models, decks, dconf, tags string

	err := c.db.QueryRow(
		"SELECT crt, mod, scm, ver, dty, usn, ls, conf, models, decks, dconf, tags FROM col").Scan(
		&c.crt, &c.mod, &c.scm, &c.ver, &c.dty, &c.usn, &c.ls,
		&conf, &models, &decks, &dconf, &tags,
	)
	if err != nil {
		return fmt.Errorf("collection: loading col row: %w", err)
	}

	for _, blob := range []struct {
		raw  string
		dest any
		name string
	}{
		{conf, &c.conf, "conf"},
		{models, &c.models, "models"},
		{decks, &c.decks, "decks"},
		{dconf, &c.dconf, "dconf"},
		{tags, &c.tags, "tags"},
	} {
		if err := json.Unmarshal([]byte(blob.raw), blob.dest); err != nil {
			return fmt.Errorf("collection: decoding col.%s: %w", blob.name, err)
		}
	}

	return nil
}

// Path returns the collection file path.
func (c *Collection) Path() string { return c.path }

// SCM returns the schema modification timestamp.
func (c *Collection) SCM() int64 { return c.scm }

// Mod returns the collection modification timestamp (milliseconds).
func (c *Collection) Mod() int64 { return c.mod }

// USN returns the collection's current update serial number.
func (c *Collection) USN() int64 { return c.usn }

// SetUSN sets the update serial number; finish bumps it to maxUsn+1.
func (c *Collection) SetUSN(usn int64) {
	c.usn = usn
	c.dirty = true
}

// SetLS records the last-sync timestamp.
func (c *Collection) SetLS(ls int64) {
	c.ls = ls
	c.dirty = true
}

// SchedVer returns the scheduler version from conf (1 when unset).
func (c *Collection) SchedVer() int64 {
	if v, ok := c.conf["schedVer"]; ok {
		return anyToInt64(v)
	}

	return 1
}

// Save persists the in-memory col row. When entity state changed since the
// last save, mod is bumped to the current millisecond timestamp first. The
// worker calls this after every scheduled job.
func (c *Collection) Save() error {
	if c.dirty {
		c.mod = ankiutil.IntTime(1000)
	}

	return c.flush()
}

// SaveWithMod persists with an explicit modification timestamp; finish uses
// this so the value returned to the client matches the stored one.
func (c *Collection) SaveWithMod(mod int64) error {
	c.mod = mod
	return c.flush()
}

func (c *Collection) flush() error {
	blobs := make(map[string]string, 5)

	for name, v := range map[string]any{
		"conf": c.conf, "models": c.models, "decks": c.decks,
		"dconf": c.dconf, "tags": c.tags,
	} {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("collection: encoding col.%s: %w", name, err)
		}

		blobs[name] = string(raw)
	}

	_, err := c.db.Exec(
		`UPDATE col SET crt = ?, mod = ?, scm = ?, ver = ?, dty = ?, usn = ?, ls = ?,
		 conf = ?, models = ?, decks = ?, dconf = ?, tags = ?`,
		c.crt, c.mod, c.scm, c.ver, c.dty, c.usn, c.ls,
		blobs["conf"], blobs["models"], blobs["decks"], blobs["dconf"], blobs["tags"],
	)
	if err != nil {
		return fmt.Errorf("collection: saving col row: %w", err)
	}

	c.dirty = false

	return nil
}

// Close closes the collection database and the media index if open.
func (c *Collection) Close() error {
	if c.media != nil {
		if err := c.media.Close(); err != nil {
			c.logger.Warn("closing media index", slog.String("error", err.Error()))
		}

		c.media = nil
	}

	if c.db == nil {
		return nil
	}

	err := c.db.Close()
	c.db = nil

	if err != nil {
		return fmt.Errorf("collection: close: %w", err)
	}

	return nil
}

// Media returns the media index, opening it on first use. meta relies on
// this to make sure the media database exists before reporting musn.
func (c *Collection) Media() (*Media, error) {
	if c.media == nil {
		dir := filepath.Dir(c.path)

		m, err := OpenMedia(
			filepath.Join(dir, "collection.media.db2"),
			filepath.Join(dir, "collection.media"),
			c.logger,
		)
		if err != nil {
			return nil, err
		}

		c.media = m
	}

	return c.media, nil
}

// --- entity accessors ---

// ModelsAll returns every note type.
func (c *Collection) ModelsAll() []map[string]any { return mapValues(c.models) }

// DecksAll returns every deck.
func (c *Collection) DecksAll() []map[string]any { return mapValues(c.decks) }

// DConfAll returns every deck options group.
func (c *Collection) DConfAll() []map[string]any { return mapValues(c.dconf) }

// TagsAllItems returns tag name -> usn for every registered tag.
func (c *Collection) TagsAllItems() map[string]int64 {
	out := make(map[string]int64, len(c.tags))
	for name, usn := range c.tags {
		out[name] = usn
	}

	return out
}

// Conf returns the global configuration blob.
func (c *Collection) Conf() map[string]any { return c.conf }

// Crt returns the creation timestamp.
func (c *Collection) Crt() int64 { return c.crt }

// --- tombstones ---

// Removed returns the graves with usn >= minUsn, grouped by kind. Every oid
// in the result satisfies the protocol invariant tombstone.usn >= minUsn by
// construction.
func (c *Collection) Removed(minUsn int64) (Graves, error) {
	graves := Graves{Cards: []int64{}, Notes: []int64{}, Decks: []int64{}}

	rows, err := c.db.Query("SELECT oid, type FROM graves WHERE usn >= ?", minUsn)
	if err != nil {
		return graves, fmt.Errorf("collection: reading graves: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var oid, typ int64
		if err := rows.Scan(&oid, &typ); err != nil {
			return graves, fmt.Errorf("collection: scanning grave: %w", err)
		}

		switch typ {
		case remCard:
			graves.Cards = append(graves.Cards, oid)
		case remNote:
			graves.Notes = append(graves.Notes, oid)
		default:
			graves.Decks = append(graves.Decks, oid)
		}
	}

	if err := rows.Err(); err != nil {
		return graves, fmt.Errorf("collection: iterating graves: %w", err)
	}

	return graves, nil
}

// Remove deletes the given entities and stamps tombstones at the current
// collection usn so later-syncing clients pick the deletions up. Notes go
// first so their cards don't leave duplicate graves; the call is idempotent.
func (c *Collection) Remove(graves Graves) error {
	if err := c.removeNotes(graves.Notes); err != nil {
		return err
	}

	if err := c.removeCards(graves.Cards); err != nil {
		return err
	}

	return c.removeDecks(graves.Decks)
}

func (c *Collection) removeNotes(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	// Cards of deleted notes go too, with their own graves.
	cardIDs, err := c.selectIDs(
		"SELECT id FROM cards WHERE nid IN " + idList(ids))
	if err != nil {
		return err
	}

	if err := c.removeCards(cardIDs); err != nil {
		return err
	}

	if _, err := c.db.Exec("DELETE FROM notes WHERE id IN " + idList(ids)); err != nil {
		return fmt.Errorf("collection: deleting notes: %w", err)
	}

	return c.addGraves(ids, remNote)
}

func (c *Collection) removeCards(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	if _, err := c.db.Exec("DELETE FROM cards WHERE id IN " + idList(ids)); err != nil {
		return fmt.Errorf("collection: deleting cards: %w", err)
	}

	if _, err := c.db.Exec("DELETE FROM revlog WHERE cid IN " + idList(ids)); err != nil {
		return fmt.Errorf("collection: deleting revlog: %w", err)
	}

	return c.addGraves(ids, remCard)
}

func (c *Collection) removeDecks(ids []int64) error {
	for _, id := range ids {
		// The default deck is never removed.
		if id == 1 {
			continue
		}

		key := fmt.Sprintf("%d", id)
		if _, ok := c.decks[key]; ok {
			delete(c.decks, key)
			c.dirty = true
		}

		if err := c.addGraves([]int64{id}, remDeck); err != nil {
			return err
		}
	}

	return nil
}

func (c *Collection) addGraves(ids []int64, typ int64) error {
	for _, id := range ids {
		if _, err := c.db.Exec(
			"INSERT INTO graves (usn, oid, type) VALUES (?, ?, ?)", c.usn, id, typ); err != nil {
			return fmt.Errorf("collection: adding grave: %w", err)
		}
	}

	return nil
}

func (c *Collection) selectIDs(query string) ([]int64, error) {
	rows, err := c.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("collection: %s: %w", query, err)
	}
	defer rows.Close()

	var ids []int64

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("collection: scanning id: %w", err)
		}

		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("collection: iterating ids: %w", err)
	}

	return ids, nil
}

// --- helpers ---

// idList renders an IN (...) list. IDs are int64 from trusted decoding, so
// string building is safe here.
func idList(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%d", id)
	}

	return "(" + strings.Join(parts, ",") + ")"
}

func mapValues(m map[string]map[string]any) []map[string]any {
	out := make([]map[string]any, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}

	return out
}

// anyToInt64 converts the numeric types JSON decoding and SQL scanning
// produce into int64.
func anyToInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	default:
		return 0
	}
}
