package collection

import (
	"crypto/sha1"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
)

// Changes carries the non-versioned structures exchanged by applyChanges:
// note types, decks plus options groups, tags, and — when the sending side
// considers itself newer — the global conf and creation stamp.
type Changes struct {
	Models []map[string]any   `json:"models"`
	Decks  [][]map[string]any `json:"decks"`
	Tags   []string           `json:"tags"`
	Conf   map[string]any     `json:"conf,omitempty"`
	Crt    int64              `json:"crt,omitempty"`
}

// LocalChanges collects the server-side entities with usn >= minUsn. When
// lnewer is set the global conf and crt ride along, signalling that this
// side wins for non-versioned structures.
func (c *Collection) LocalChanges(minUsn int64, lnewer bool) Changes {
	ch := Changes{
		Models: []map[string]any{},
		Decks:  [][]map[string]any{{}, {}},
		Tags:   []string{},
	}

	for _, m := range c.models {
		if anyToInt64(m["usn"]) >= minUsn {
			ch.Models = append(ch.Models, m)
		}
	}

	for _, d := range c.decks {
		if anyToInt64(d["usn"]) >= minUsn {
			ch.Decks[0] = append(ch.Decks[0], d)
		}
	}

	for _, dc := range c.dconf {
		if anyToInt64(dc["usn"]) >= minUsn {
			ch.Decks[1] = append(ch.Decks[1], dc)
		}
	}

	for name, usn := range c.tags {
		if usn >= minUsn {
			ch.Tags = append(ch.Tags, name)
		}
	}

	if lnewer {
		ch.Conf = c.conf
		ch.Crt = c.crt
	}

	return ch
}

// MergeChanges folds the client's changes into the collection. Per-entity,
// the side with the larger mod wins; tags are registered at maxUsn; conf
// and crt are taken wholesale when the client sent them.
func (c *Collection) MergeChanges(remote Changes, maxUsn int64) {
	c.mergeModels(remote.Models)

	if len(remote.Decks) > 0 {
		c.mergeDecks(remote.Decks[0])
	}

	if len(remote.Decks) > 1 {
		c.mergeDConf(remote.Decks[1])
	}

	c.mergeTags(remote.Tags, maxUsn)

	if remote.Conf != nil {
		c.conf = remote.Conf
		c.dirty = true
	}

	if remote.Crt != 0 {
		c.crt = remote.Crt
		c.dirty = true
	}
}

func (c *Collection) mergeModels(remote []map[string]any) {
	for _, r := range remote {
		id := idKey(r["id"])
		local, ok := c.models[id]

		if !ok || anyToInt64(r["mod"]) > anyToInt64(local["mod"]) {
			c.models[id] = r
			c.dirty = true
		}
	}
}

func (c *Collection) mergeDecks(remote []map[string]any) {
	for _, r := range remote {
		id := idKey(r["id"])
		local, ok := c.decks[id]

		if !ok || anyToInt64(r["mod"]) > anyToInt64(local["mod"]) {
			c.decks[id] = r
			c.dirty = true
		}
	}
}

func (c *Collection) mergeDConf(remote []map[string]any) {
	for _, r := range remote {
		id := idKey(r["id"])
		local, ok := c.dconf[id]

		if !ok || anyToInt64(r["mod"]) > anyToInt64(local["mod"]) {
			c.dconf[id] = r
			c.dirty = true
		}
	}
}

// mergeTags registers names not seen before, stamped at usn. Known tags are
// left alone.
func (c *Collection) mergeTags(names []string, usn int64) {
	for _, name := range names {
		if _, ok := c.tags[name]; !ok {
			c.tags[name] = usn
			c.dirty = true
		}
	}
}

// idKey renders an entity id (which arrives as a JSON number or string)
// as the map key used in the col blobs.
func idKey(v any) string {
	switch id := v.(type) {
	case string:
		return id
	default:
		return fmt.Sprintf("%d", anyToInt64(v))
	}
}

// --- chunk streaming ---

// chunkRows is the batch size of a single chunk response.
const chunkRows = 250

// chunkTables is the fixed streaming order.
var chunkTables = []string{"revlog", "cards", "notes"}

// ChunkCursor tracks progress of the server-to-client row stream across
// chunk calls of one sync. It lives on the session's collection handler.
type ChunkCursor struct {
	tablesLeft []string
	buf        [][]any
	loaded     bool
}

// NewChunkCursor returns a cursor positioned at the start of the stream.
func NewChunkCursor() *ChunkCursor {
	return &ChunkCursor{tablesLeft: append([]string(nil), chunkTables...)}
}

// Chunk is one exchanged batch: up to 250 rows across the pending tables,
// done on the final (possibly empty) batch.
type Chunk struct {
	Done   bool    `json:"done"`
	Revlog [][]any `json:"revlog,omitempty"`
	Cards  [][]any `json:"cards,omitempty"`
	Notes  [][]any `json:"notes,omitempty"`
}

// Chunk emits the next batch of rows with usn >= minUsn, rewriting each
// row's usn to maxUsn as it is handed out. When a table drains, its
// remaining local rows are stamped to maxUsn so they are not re-sent.
func (c *Collection) Chunk(cur *ChunkCursor, minUsn, maxUsn int64) (Chunk, error) {
	out := Chunk{}
	lim := chunkRows

	for len(cur.tablesLeft) > 0 && lim > 0 {
		table := cur.tablesLeft[0]

		if !cur.loaded {
			rows, err := c.pendingRows(table, minUsn, maxUsn)
			if err != nil {
				return out, err
			}

			cur.buf = rows
			cur.loaded = true
		}

		n := lim
		if n > len(cur.buf) {
			n = len(cur.buf)
		}

		batch := cur.buf[:n]
		cur.buf = cur.buf[n:]
		lim -= n

		switch table {
		case "revlog":
			out.Revlog = append(out.Revlog, batch...)
		case "cards":
			out.Cards = append(out.Cards, batch...)
		case "notes":
			out.Notes = append(out.Notes, batch...)
		}

		// Buffer exhausted means the table is drained: mark the rows as
		// sent and move on.
		if len(cur.buf) == 0 {
			if err := c.stampSent(table, minUsn, maxUsn); err != nil {
				return out, err
			}

			cur.tablesLeft = cur.tablesLeft[1:]
			cur.loaded = false
		}
	}

	if len(cur.tablesLeft) == 0 {
		out.Done = true
	}

	return out, nil
}

// pendingRows selects the not-yet-sent rows of table, substituting maxUsn
// for the usn column in the emitted rows.
func (c *Collection) pendingRows(table string, minUsn, maxUsn int64) ([][]any, error) {
	var query string

	switch table {
	case "revlog":
		query = fmt.Sprintf(
			"SELECT id, cid, %d, ease, ivl, lastIvl, factor, time, type FROM revlog WHERE usn >= ?",
			maxUsn)
	case "cards":
		query = fmt.Sprintf(
			"SELECT id, nid, did, ord, mod, %d, type, queue, due, ivl, factor, reps, lapses, left, odue, odid, flags, data FROM cards WHERE usn >= ?",
			maxUsn)
	case "notes":
		query = fmt.Sprintf(
			"SELECT id, guid, mid, mod, %d, tags, flds, '', '', flags, data FROM notes WHERE usn >= ?",
			maxUsn)
	default:
		return nil, fmt.Errorf("collection: unknown chunk table %q", table)
	}

	rows, err := c.db.Query(query, minUsn)
	if err != nil {
		return nil, fmt.Errorf("collection: chunking %s: %w", table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("collection: chunk columns: %w", err)
	}

	var out [][]any

	for rows.Next() {
		row := make([]any, len(cols))
		ptrs := make([]any, len(cols))

		for i := range row {
			ptrs[i] = &row[i]
		}

		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("collection: scanning %s row: %w", table, err)
		}

		for i, v := range row {
			if b, ok := v.([]byte); ok {
				row[i] = string(b)
			}
		}

		out = append(out, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("collection: iterating %s rows: %w", table, err)
	}

	return out, nil
}

// stampSent marks table rows as transferred at maxUsn.
func (c *Collection) stampSent(table string, minUsn, maxUsn int64) error {
	_, err := c.db.Exec(
		fmt.Sprintf("UPDATE %s SET usn = ? WHERE usn >= ?", table), maxUsn, minUsn)
	if err != nil {
		return fmt.Errorf("collection: stamping %s: %w", table, err)
	}

	return nil
}

// --- applying client chunks ---

// ApplyChunk merges the client's rows. Revlog inserts ignore existing IDs;
// cards and notes take the client row when the local copy is absent,
// unmodified since minUsn, or older by mod.
func (c *Collection) ApplyChunk(chunk Chunk, minUsn int64) error {
	if len(chunk.Revlog) > 0 {
		if err := c.mergeRevlog(chunk.Revlog); err != nil {
			return err
		}
	}

	if len(chunk.Cards) > 0 {
		if err := c.mergeCards(chunk.Cards, minUsn); err != nil {
			return err
		}
	}

	if len(chunk.Notes) > 0 {
		if err := c.mergeNotes(chunk.Notes, minUsn); err != nil {
			return err
		}
	}

	return nil
}

func (c *Collection) mergeRevlog(rows [][]any) error {
	for _, row := range rows {
		if len(row) != 9 {
			return fmt.Errorf("collection: revlog row has %d fields, want 9", len(row))
		}

		if _, err := c.db.Exec(
			"INSERT OR IGNORE INTO revlog VALUES (?,?,?,?,?,?,?,?,?)",
			dbValues(row)...); err != nil {
			return fmt.Errorf("collection: merging revlog: %w", err)
		}
	}

	return nil
}

func (c *Collection) mergeCards(rows [][]any, minUsn int64) error {
	rows, err := c.newerRows(rows, "cards", 4, minUsn)
	if err != nil {
		return err
	}

	for _, row := range rows {
		if len(row) != 18 {
			return fmt.Errorf("collection: card row has %d fields, want 18", len(row))
		}

		if _, err := c.db.Exec(
			"INSERT OR REPLACE INTO cards VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)",
			dbValues(row)...); err != nil {
			return fmt.Errorf("collection: merging cards: %w", err)
		}
	}

	return nil
}

func (c *Collection) mergeNotes(rows [][]any, minUsn int64) error {
	rows, err := c.newerRows(rows, "notes", 3, minUsn)
	if err != nil {
		return err
	}

	for _, row := range rows {
		if len(row) != 11 {
			return fmt.Errorf("collection: note row has %d fields, want 11", len(row))
		}

		// Clients send placeholder sfld/csum; recompute from the first field.
		flds, _ := row[6].(string)
		row[7], row[8] = fieldCache(flds)

		if _, err := c.db.Exec(
			"INSERT OR REPLACE INTO notes VALUES (?,?,?,?,?,?,?,?,?,?,?)",
			dbValues(row)...); err != nil {
			return fmt.Errorf("collection: merging notes: %w", err)
		}
	}

	return nil
}

// newerRows filters remote rows down to those whose local counterpart is
// missing, untouched since minUsn, or has a smaller mod.
func (c *Collection) newerRows(rows [][]any, table string, modIdx int, minUsn int64) ([][]any, error) {
	if len(rows) == 0 {
		return rows, nil
	}

	ids := make([]int64, len(rows))
	for i, row := range rows {
		ids[i] = anyToInt64(row[0])
	}

	lmods := make(map[int64]int64, len(rows))

	query := fmt.Sprintf(
		"SELECT id, mod FROM %s WHERE id IN %s AND usn >= %d", table, idList(ids), minUsn)

	dbRows, err := c.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("collection: reading local mods: %w", err)
	}
	defer dbRows.Close()

	for dbRows.Next() {
		var id, mod int64
		if err := dbRows.Scan(&id, &mod); err != nil {
			return nil, fmt.Errorf("collection: scanning local mod: %w", err)
		}

		lmods[id] = mod
	}

	if err := dbRows.Err(); err != nil {
		return nil, fmt.Errorf("collection: iterating local mods: %w", err)
	}

	var update [][]any

	for _, row := range rows {
		local, ok := lmods[anyToInt64(row[0])]
		if !ok || local < anyToInt64(row[modIdx]) {
			update = append(update, row)
		}
	}

	return update, nil
}

// fieldCache computes the sort field and checksum of a note from its
// field separator-joined field string: sfld is the first field, csum the
// first 8 hex digits of its SHA-1 as an integer.
func fieldCache(flds string) (string, int64) {
	first := flds
	if i := strings.IndexByte(flds, 0x1f); i >= 0 {
		first = flds[:i]
	}

	sum := sha1.Sum([]byte(first))

	return first, int64(binary.BigEndian.Uint32(sum[:4]))
}

// dbValues converts JSON-decoded row values into types the SQLite driver
// accepts, collapsing integral floats into int64.
func dbValues(row []any) []any {
	out := make([]any, len(row))

	for i, v := range row {
		switch n := v.(type) {
		case float64:
			if n == float64(int64(n)) {
				out[i] = int64(n)
			} else {
				out[i] = n
			}
		case json.Number:
			if iv, err := n.Int64(); err == nil {
				out[i] = iv
			} else if fv, err := n.Float64(); err == nil {
				out[i] = fv
			} else {
				out[i] = n.String()
			}
		default:
			out[i] = v
		}
	}

	return out
}
