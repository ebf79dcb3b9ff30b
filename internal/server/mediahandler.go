package server

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/ankicommunity/ankisyncd/internal/ankiutil"
	"github.com/ankicommunity/ankisyncd/internal/collection"
)

const (
	// maxMetaSize bounds the _meta entry of an uploaded zip.
	maxMetaSize = 100_000

	// maxZipSize bounds the summed uncompressed size of all upload entries.
	maxZipSize = 100 * 1024 * 1024

	// syncZipSize and syncZipCount bound one downloadFiles response. These
	// match the limits the desktop client's media sync code assumes.
	syncZipSize  = 2560 * 1024
	syncZipCount = 25
)

// MediaHandler runs the media sub-protocol for one session. It carries no
// cross-request state; each operation reads everything it needs from the
// media index.
type MediaHandler struct {
	logger *slog.Logger
}

// NewMediaHandler returns a handler.
func NewMediaHandler(logger *slog.Logger) *MediaHandler {
	return &MediaHandler{logger: logger}
}

// Begin opens a media sync: echo the session key and report the server's
// media position.
func (h *MediaHandler) Begin(col *collection.Collection, data map[string]any) (any, error) {
	media, err := col.Media()
	if err != nil {
		return nil, err
	}

	usn, err := media.LastUSN()
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"data": map[string]any{
			"sk":  dataString(data, "skey"),
			"usn": usn,
		},
		"err": "",
	}, nil
}

// UploadChanges applies a client zip of added and deleted media files.
// Deletions and additions each advance the media usn by one, so afterwards
// lastUsn has grown by exactly the number of meta entries.
func (h *MediaHandler) UploadChanges(col *collection.Collection, data map[string]any) (any, error) {
	raw, ok := data["data"].([]byte)
	if !ok {
		return nil, fmt.Errorf("%w: uploadChanges without zip payload", ErrBadRequest)
	}

	media, err := col.Media()
	if err != nil {
		return nil, err
	}

	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, fmt.Errorf("%w: reading zip: %v", ErrBadRequest, err)
	}

	if err := checkZipLimits(zr); err != nil {
		return nil, err
	}

	meta, err := readZipMeta(zr)
	if err != nil {
		return nil, err
	}

	processed, err := h.adoptChanges(media, zr, meta)
	if err != nil {
		return nil, err
	}

	lastUsn, err := media.LastUSN()
	if err != nil {
		return nil, err
	}

	h.logger.Info("media upload applied",
		slog.Int("processed", processed),
		slog.Int64("lastUsn", lastUsn),
	)

	return map[string]any{"data": []any{processed, lastUsn}, "err": ""}, nil
}

// metaPair is one _meta entry: the client-normalized filename and the zip
// entry name it maps to, null or empty for a deletion.
type metaPair struct {
	name    string
	ordinal string // "" marks a deletion
}

func checkZipLimits(zr *zip.Reader) error {
	var total uint64

	for _, f := range zr.File {
		if f.Name == "_meta" && f.UncompressedSize64 > maxMetaSize {
			return fmt.Errorf("%w: zip metadata larger than %d bytes", ErrBadRequest, maxMetaSize)
		}

		total += f.UncompressedSize64
	}

	if total > maxZipSize {
		return fmt.Errorf("%w: zip contents larger than %d bytes", ErrBadRequest, maxZipSize)
	}

	return nil
}

func readZipMeta(zr *zip.Reader) ([]metaPair, error) {
	var metaFile *zip.File

	for _, f := range zr.File {
		if f.Name == "_meta" {
			metaFile = f
			break
		}
	}

	if metaFile == nil {
		return nil, fmt.Errorf("%w: zip has no _meta entry", ErrBadRequest)
	}

	rc, err := metaFile.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: opening _meta: %v", ErrBadRequest, err)
	}
	defer rc.Close()

	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("%w: reading _meta: %v", ErrBadRequest, err)
	}

	var pairs [][]any
	if err := json.Unmarshal(raw, &pairs); err != nil {
		return nil, fmt.Errorf("%w: decoding _meta: %v", ErrBadRequest, err)
	}

	meta := make([]metaPair, 0, len(pairs))

	for _, pair := range pairs {
		if len(pair) != 2 {
			return nil, fmt.Errorf("%w: malformed _meta pair", ErrBadRequest)
		}

		name, _ := pair[0].(string)
		p := metaPair{name: name}

		switch ord := pair[1].(type) {
		case nil:
			// deletion
		case string:
			p.ordinal = ord
		case float64:
			p.ordinal = strconv.FormatInt(int64(ord), 10)
		default:
			return nil, fmt.Errorf("%w: malformed _meta ordinal", ErrBadRequest)
		}

		meta = append(meta, p)
	}

	return meta, nil
}

// adoptChanges removes tombstoned files and stores the uploaded ones,
// returning the number of meta entries processed.
func (h *MediaHandler) adoptChanges(media *collection.Media, zr *zip.Reader, meta []metaPair) (int, error) {
	byOrdinal := make(map[string]string, len(meta))
	removed := 0

	for _, p := range meta {
		if p.ordinal == "" {
			if err := media.SyncDelete(ankiutil.NormalizeFilename(p.name)); err != nil {
				return 0, err
			}

			removed++

			continue
		}

		byOrdinal[p.ordinal] = p.name
	}

	usn, err := media.LastUSN()
	if err != nil {
		return 0, err
	}

	var entries []collection.MediaEntry

	for _, f := range zr.File {
		if f.Name == "_meta" {
			continue
		}

		name, ok := byOrdinal[f.Name]
		if !ok {
			return 0, fmt.Errorf("%w: zip entry %q not in _meta", ErrBadRequest, f.Name)
		}

		rc, err := f.Open()
		if err != nil {
			return 0, fmt.Errorf("%w: opening zip entry %q: %v", ErrBadRequest, f.Name, err)
		}

		fileData, err := io.ReadAll(rc)
		rc.Close()

		if err != nil {
			return 0, fmt.Errorf("%w: reading zip entry %q: %v", ErrBadRequest, f.Name, err)
		}

		fname := ankiutil.NormalizeFilename(name)

		if err := media.WriteFile(fname, fileData); err != nil {
			return 0, err
		}

		usn++

		entries = append(entries, collection.MediaEntry{
			Filename: fname,
			USN:      usn,
			Checksum: ankiutil.Checksum(fileData),
		})
	}

	if err := media.AddEntries(entries); err != nil {
		return 0, err
	}

	return removed + len(entries), nil
}

// DownloadFiles builds a zip of the requested media files, each entry named
// by its ordinal, with a _meta entry mapping ordinals back to filenames.
// The zip is capped by size and file count; the client requests the rest in
// a later batch.
func (h *MediaHandler) DownloadFiles(col *collection.Collection, data map[string]any) (any, error) {
	media, err := col.Media()
	if err != nil {
		return nil, err
	}

	names, _ := data["files"].([]any)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	flist := make(map[string]string)

	cnt := 0
	size := 0

	for _, n := range names {
		fname, ok := n.(string)
		if !ok {
			continue
		}

		fileData, err := media.ReadFile(fname)
		if err != nil {
			return nil, err
		}

		w, err := zw.Create(strconv.Itoa(cnt))
		if err != nil {
			return nil, fmt.Errorf("server: zipping %q: %w", fname, err)
		}

		if _, err := w.Write(fileData); err != nil {
			return nil, fmt.Errorf("server: zipping %q: %w", fname, err)
		}

		flist[strconv.Itoa(cnt)] = fname
		size += len(fileData)

		if size > syncZipSize || cnt > syncZipCount {
			break
		}

		cnt++
	}

	metaJSON, err := json.Marshal(flist)
	if err != nil {
		return nil, fmt.Errorf("server: encoding zip meta: %w", err)
	}

	w, err := zw.Create("_meta")
	if err != nil {
		return nil, fmt.Errorf("server: writing zip meta: %w", err)
	}

	if _, err := w.Write(metaJSON); err != nil {
		return nil, fmt.Errorf("server: writing zip meta: %w", err)
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("server: closing zip: %w", err)
	}

	return buf.Bytes(), nil
}

// MediaChanges returns the media index rows the client hasn't seen,
// ascending by usn so the last row carries the server's current position.
func (h *MediaHandler) MediaChanges(col *collection.Collection, data map[string]any) (any, error) {
	media, err := col.Media()
	if err != nil {
		return nil, err
	}

	clientUsn := dataInt64(data, "lastUsn")

	serverUsn, err := media.LastUSN()
	if err != nil {
		return nil, err
	}

	result := []any{}

	if clientUsn < serverUsn || clientUsn == 0 {
		changes, err := media.Changes(serverUsn - clientUsn)
		if err != nil {
			return nil, err
		}

		for _, ch := range changes {
			var csum any
			if ch.Checksum != "" {
				csum = ch.Checksum
			}

			result = append(result, []any{ch.Filename, ch.USN, csum})
		}
	}

	return map[string]any{"data": result, "err": ""}, nil
}

// MediaSanity compares the client's live file count against the server's.
func (h *MediaHandler) MediaSanity(col *collection.Collection, data map[string]any) (any, error) {
	media, err := col.Media()
	if err != nil {
		return nil, err
	}

	count, err := media.MediaCount()
	if err != nil {
		return nil, err
	}

	status := "FAILED"
	if count == dataInt64(data, "local") {
		status = "OK"
	}

	return map[string]any{"data": status, "err": ""}, nil
}
