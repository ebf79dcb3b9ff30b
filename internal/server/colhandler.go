package server

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ankicommunity/ankisyncd/internal/ankiutil"
	"github.com/ankicommunity/ankisyncd/internal/collection"
)

// CollectionHandler runs the incremental sync protocol for one session. The
// fields below are the cross-request sync state: captured at start, consumed
// by the later steps, all serialized by the collection's worker.
type CollectionHandler struct {
	logger *slog.Logger

	minUsn int64
	maxUsn int64
	lnewer bool
	cursor *collection.ChunkCursor
}

// NewCollectionHandler returns a handler with no sync in flight.
func NewCollectionHandler(logger *slog.Logger) *CollectionHandler {
	return &CollectionHandler{logger: logger}
}

// Meta reports the collection's sync state. It rejects clients too old to
// speak the protocol and refuses v2-scheduler collections to pre-v9 clients.
func (h *CollectionHandler) Meta(col *collection.Collection, data map[string]any) (any, error) {
	v := dataInt64(data, "v")
	cv := dataString(data, "cv")

	if oldClient(cv) {
		return nil, fmt.Errorf("%w: %s", ErrOldClient, cv)
	}

	if v < 9 && col.SchedVer() >= 2 {
		return map[string]any{
			"cont": false,
			"msg":  fmt.Sprintf("Your client doesn't support the v%d scheduler.", col.SchedVer()),
		}, nil
	}

	media, err := col.Media()
	if err != nil {
		return nil, err
	}

	musn, err := media.LastUSN()
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"scm":     col.SCM(),
		"ts":      ankiutil.IntTime(1),
		"mod":     col.Mod(),
		"usn":     col.USN(),
		"musn":    musn,
		"msg":     "",
		"cont":    true,
		"hostNum": 0,
	}, nil
}

// Start opens a sync: snapshot the server USN, record the client's position
// and newness flag, exchange deletions. Re-entering start resets any stream
// state left over from an interrupted sync.
func (h *CollectionHandler) Start(col *collection.Collection, data map[string]any) (any, error) {
	h.maxUsn = col.USN()
	h.minUsn = dataInt64(data, "minUsn")
	// Both sides compute newness from their own point of view, so the
	// client's flag arrives inverted.
	h.lnewer = !dataBool(data, "lnewer")
	h.cursor = nil

	h.logger.Debug("sync started",
		slog.Int64("minUsn", h.minUsn),
		slog.Int64("maxUsn", h.maxUsn),
		slog.Bool("lnewer", h.lnewer),
	)

	lgraves, err := col.Removed(h.minUsn)
	if err != nil {
		return nil, err
	}

	var graves collection.Graves
	if err := decodeField(data, "graves", &graves); err != nil {
		return nil, err
	}

	if err := col.Remove(graves); err != nil {
		return nil, err
	}

	return lgraves, nil
}

// ApplyGraves deletes the entities the client removed. Idempotent.
func (h *CollectionHandler) ApplyGraves(col *collection.Collection, data map[string]any) (any, error) {
	var graves collection.Graves
	if err := decodeField(data, "chunk", &graves); err != nil {
		return nil, err
	}

	if err := col.Remove(graves); err != nil {
		return nil, err
	}

	return nil, nil
}

// ApplyChanges exchanges the non-versioned structures: returns the server's
// side and merges the client's into the collection.
func (h *CollectionHandler) ApplyChanges(col *collection.Collection, data map[string]any) (any, error) {
	var remote collection.Changes
	if err := decodeField(data, "changes", &remote); err != nil {
		return nil, err
	}

	lchg := col.LocalChanges(h.minUsn, h.lnewer)

	// The server-newer side keeps its own conf and crt.
	if h.lnewer {
		remote.Conf = nil
		remote.Crt = 0
	}

	col.MergeChanges(remote, h.maxUsn)

	return lchg, nil
}

// Chunk streams the next batch of server-side rows.
func (h *CollectionHandler) Chunk(col *collection.Collection, data map[string]any) (any, error) {
	if h.cursor == nil {
		h.cursor = collection.NewChunkCursor()
	}

	return col.Chunk(h.cursor, h.minUsn, h.maxUsn)
}

// ApplyChunk merges a batch of client rows.
func (h *CollectionHandler) ApplyChunk(col *collection.Collection, data map[string]any) (any, error) {
	var chunk collection.Chunk
	if err := decodeField(data, "chunk", &chunk); err != nil {
		return nil, err
	}

	if err := col.ApplyChunk(chunk, h.minUsn); err != nil {
		return nil, err
	}

	return nil, nil
}

// SanityCheck2 compares the client's structural tally against the server's.
func (h *CollectionHandler) SanityCheck2(col *collection.Collection, data map[string]any) (any, error) {
	server, err := col.SanityCheck()
	if err != nil {
		return nil, err
	}

	client, _ := data["client"].([]any)

	if !tallyEqual(client, server) {
		h.logger.Warn("sanity check mismatch")
		return map[string]any{"status": "bad", "c": client, "s": server}, nil
	}

	return map[string]any{"status": "ok"}, nil
}

// Finish closes the sync: stamp mod, advance the collection USN past the
// snapshot, persist, and hand the new mod back to the client.
func (h *CollectionHandler) Finish(col *collection.Collection, data map[string]any) (any, error) {
	mod := ankiutil.IntTime(1000)

	col.SetLS(mod)
	col.SetUSN(h.maxUsn + 1)

	if err := col.SaveWithMod(mod); err != nil {
		return nil, err
	}

	return mod, nil
}

// tallyEqual compares sanity check arrays structurally, treating all JSON
// numbers as integers (the tallies are counts).
func tallyEqual(client, server []any) bool {
	cj, errC := json.Marshal(normalizeTally(client))
	sj, errS := json.Marshal(normalizeTally(server))

	if errC != nil || errS != nil {
		return false
	}

	return string(cj) == string(sj)
}

func normalizeTally(v []any) []any {
	out := make([]any, len(v))

	for i, e := range v {
		switch n := e.(type) {
		case []any:
			out[i] = normalizeTally(n)
		case float64:
			out[i] = int64(n)
		case json.Number:
			iv, err := n.Int64()
			if err != nil {
				out[i] = n.String()
			} else {
				out[i] = iv
			}
		default:
			out[i] = e
		}
	}

	return out
}

// --- payload field helpers ---

func dataInt64(data map[string]any, key string) int64 {
	switch n := data[key].(type) {
	case float64:
		return int64(n)
	case json.Number:
		iv, _ := n.Int64()
		return iv
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}

func dataBool(data map[string]any, key string) bool {
	switch b := data[key].(type) {
	case bool:
		return b
	case float64:
		return b != 0
	default:
		return false
	}
}

func dataString(data map[string]any, key string) string {
	s, _ := data[key].(string)
	return s
}

// decodeField re-decodes one JSON-derived payload field into a typed
// structure. Absent fields leave the target at its zero value.
func decodeField(data map[string]any, key string, target any) error {
	v, ok := data[key]
	if v == nil || !ok {
		return nil
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: field %s: %v", ErrBadRequest, key, err)
	}

	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("%w: field %s: %v", ErrBadRequest, key, err)
	}

	return nil
}
