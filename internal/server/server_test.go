package server

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ankicommunity/ankisyncd/internal/collection"
	"github.com/ankicommunity/ankisyncd/internal/config"
	"github.com/ankicommunity/ankisyncd/internal/session"
	"github.com/ankicommunity/ankisyncd/internal/worker"
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

// fakeUsers is a plain-map user manager for dispatcher tests.
type fakeUsers struct {
	creds map[string]string
}

func (f *fakeUsers) Authenticate(username, password string) bool {
	pw, ok := f.creds[username]
	return ok && pw == password
}

func (f *fakeUsers) UserDir(username string) string {
	if _, ok := f.creds[username]; ok {
		return username
	}

	return ""
}

type testEnv struct {
	ts  *httptest.Server
	cfg config.Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.DataRoot = t.TempDir()
	cfg.SessionManager = "memory"

	users := &fakeUsers{creds: map[string]string{"alice": "pw", "bob": "pw2"}}
	srv := New(cfg, users, session.NewMemoryStore(), worker.NewPool(testLogger(t)), testLogger(t))

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		srv.Shutdown()
	})

	return &testEnv{ts: ts, cfg: cfg}
}

// post sends one protocol operation as a form request, the way clients that
// skip compression do.
func (e *testEnv) post(t *testing.T, base, op, hkey string, payload any) (*http.Response, []byte) {
	t.Helper()

	form := url.Values{}

	if payload != nil {
		switch p := payload.(type) {
		case []byte:
			form.Set("data", string(p))
		default:
			raw, err := json.Marshal(p)
			require.NoError(t, err)
			form.Set("data", string(raw))
		}
	}

	if hkey != "" {
		form.Set("k", hkey)
	}

	resp, err := http.PostForm(e.ts.URL+base+op, form)
	require.NoError(t, err)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()

	return resp, body
}

func (e *testEnv) hostKey(t *testing.T) string {
	t.Helper()

	resp, body := e.post(t, e.cfg.BaseURL, "hostKey", "",
		map[string]any{"u": "alice", "p": "pw"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result map[string]string
	require.NoError(t, json.Unmarshal(body, &result))
	require.NotEmpty(t, result["key"])

	return result["key"]
}

func jsonMap(t *testing.T, body []byte) map[string]any {
	t.Helper()

	var m map[string]any
	require.NoError(t, json.Unmarshal(body, &m))

	return m
}

func TestHostKey(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	hkey := env.hostKey(t)
	assert.Len(t, hkey, 32)
}

func TestHostKeyBadCredentials(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	resp, _ := env.post(t, env.cfg.BaseURL, "hostKey", "",
		map[string]any{"u": "alice", "p": "wrong"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestNoSessionForbidden(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	resp, _ := env.post(t, env.cfg.BaseURL, "meta", "",
		map[string]any{"v": 11, "cv": "ankidesktop,2.1.49,mac"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = env.post(t, env.cfg.BaseURL, "meta", "bogus-key",
		map[string]any{"v": 11, "cv": "ankidesktop,2.1.49,mac"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestUnknownOperation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	hkey := env.hostKey(t)

	resp, _ := env.post(t, env.cfg.BaseURL, "bogusOp", hkey, map[string]any{})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetaRejectsOldClient(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	hkey := env.hostKey(t)

	resp, _ := env.post(t, env.cfg.BaseURL, "meta", hkey,
		map[string]any{"v": 8, "cv": "ankidesktop,2.0.26,linux"})
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)

	resp, _ = env.post(t, env.cfg.BaseURL, "meta", hkey,
		map[string]any{"v": 11, "cv": "ankidroid,2.3.0alpha3,android"})
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)

	resp, _ = env.post(t, env.cfg.BaseURL, "meta", hkey,
		map[string]any{"v": 11, "cv": "ankidroid,2.3.0alpha4,android"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetaIsRepeatable(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	hkey := env.hostKey(t)

	for i := 0; i < 3; i++ {
		resp, body := env.post(t, env.cfg.BaseURL, "meta", hkey,
			map[string]any{"v": 11, "cv": "ankidesktop,2.1.49,mac"})
		require.Equal(t, http.StatusOK, resp.StatusCode)

		m := jsonMap(t, body)
		assert.Equal(t, true, m["cont"])
		assert.EqualValues(t, 0, m["usn"])
		assert.Equal(t, "", m["msg"])
	}
}

func TestEmptySyncRoundTrip(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	hkey := env.hostKey(t)

	// meta
	resp, body := env.post(t, env.cfg.BaseURL, "meta", hkey,
		map[string]any{"v": 11, "cv": "ankidesktop,2.1.49,mac"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	meta := jsonMap(t, body)
	require.Equal(t, true, meta["cont"])
	minUsn := meta["usn"]

	// start
	resp, body = env.post(t, env.cfg.BaseURL, "start", hkey, map[string]any{
		"minUsn": minUsn,
		"lnewer": false,
		"graves": map[string]any{"cards": []any{}, "notes": []any{}, "decks": []any{}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	graves := jsonMap(t, body)
	assert.Empty(t, graves["cards"])
	assert.Empty(t, graves["notes"])
	assert.Empty(t, graves["decks"])

	// applyChanges
	resp, body = env.post(t, env.cfg.BaseURL, "applyChanges", hkey, map[string]any{
		"changes": map[string]any{
			"models": []any{},
			"decks":  []any{[]any{}, []any{}},
			"tags":   []any{},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	lchg := jsonMap(t, body)
	// A fresh collection sends its seeded default deck and options group.
	decks := lchg["decks"].([]any)
	require.Len(t, decks, 2)
	assert.Len(t, decks[0], 1)
	assert.Len(t, decks[1], 1)

	// chunk until done (immediately, the collection is empty)
	resp, body = env.post(t, env.cfg.BaseURL, "chunk", hkey, map[string]any{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, jsonMap(t, body)["done"])

	// sanityCheck2
	resp, body = env.post(t, env.cfg.BaseURL, "sanityCheck2", hkey, map[string]any{
		"client": []any{[]any{0, 0, 0}, 0, 0, 0, 0, 0, 1, 1},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", jsonMap(t, body)["status"])

	// finish returns a millisecond timestamp and bumps the usn
	resp, body = env.post(t, env.cfg.BaseURL, "finish", hkey, map[string]any{})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var mod int64
	require.NoError(t, json.Unmarshal(body, &mod))
	assert.Greater(t, mod, int64(1_000_000_000_000))

	resp, body = env.post(t, env.cfg.BaseURL, "meta", hkey,
		map[string]any{"v": 11, "cv": "ankidesktop,2.1.49,mac"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, jsonMap(t, body)["usn"])
}

func TestSanityCheckMismatch(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	hkey := env.hostKey(t)

	env.post(t, env.cfg.BaseURL, "start", hkey, map[string]any{
		"minUsn": 0, "lnewer": false,
	})

	resp, body := env.post(t, env.cfg.BaseURL, "sanityCheck2", hkey, map[string]any{
		"client": []any{[]any{0, 0, 0}, 5, 5, 5, 0, 0, 1, 1},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	m := jsonMap(t, body)
	assert.Equal(t, "bad", m["status"])
	assert.NotNil(t, m["c"])
	assert.NotNil(t, m["s"])
}

func TestFullUploadRejectsGarbage(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	hkey := env.hostKey(t)

	resp, _ := env.post(t, env.cfg.BaseURL, "upload", hkey,
		[]byte("definitely not a sqlite database"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// The collection still syncs normally afterwards.
	resp, body := env.post(t, env.cfg.BaseURL, "meta", hkey,
		map[string]any{"v": 11, "cv": "ankidesktop,2.1.49,mac"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, jsonMap(t, body)["cont"])
}

func TestFullUploadAndDownload(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	hkey := env.hostKey(t)

	// Build a valid collection to upload.
	srcPath := filepath.Join(t.TempDir(), "upload.anki2")
	col, err := collection.Open(srcPath, testLogger(t))
	require.NoError(t, err)
	col.SetUSN(5)
	require.NoError(t, col.Save())
	require.NoError(t, col.Close())

	uploaded, err := os.ReadFile(srcPath)
	require.NoError(t, err)

	resp, body := env.post(t, env.cfg.BaseURL, "upload", hkey, uploaded)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))

	// download returns the stored file verbatim. Ordered before meta, which
	// would touch the database and shift its change counter.
	resp, body = env.post(t, env.cfg.BaseURL, "download", hkey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, uploaded, body)

	// meta now reflects the uploaded collection.
	resp, body = env.post(t, env.cfg.BaseURL, "meta", hkey,
		map[string]any{"v": 11, "cv": "ankidesktop,2.1.49,mac"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 5, jsonMap(t, body)["usn"])
}

// buildMediaZip assembles an uploadChanges payload.
func buildMediaZip(t *testing.T, meta []any, files map[string][]byte) []byte {
	t.Helper()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	metaJSON, err := json.Marshal(meta)
	require.NoError(t, err)

	w, err := zw.Create("_meta")
	require.NoError(t, err)
	_, err = w.Write(metaJSON)
	require.NoError(t, err)

	for name, data := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}

	require.NoError(t, zw.Close())

	return buf.Bytes()
}

func TestMediaSync(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	hkey := env.hostKey(t)

	// begin reports usn 0 on a fresh media database.
	resp, body := env.post(t, env.cfg.BaseMediaURL, "begin", hkey, map[string]any{})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	begin := jsonMap(t, body)
	data := begin["data"].(map[string]any)
	assert.EqualValues(t, 0, data["usn"])
	assert.NotEmpty(t, data["sk"])

	// Upload two files and one deletion.
	bytesA := []byte("jpeg bytes")
	bytesB := []byte("png bytes")
	zipData := buildMediaZip(t,
		[]any{
			[]any{"a.jpg", "0"},
			[]any{"b.png", "1"},
			[]any{"c.txt", nil},
		},
		map[string][]byte{"0": bytesA, "1": bytesB},
	)

	resp, body = env.post(t, env.cfg.BaseMediaURL, "uploadChanges", hkey, zipData)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	result := jsonMap(t, body)["data"].([]any)
	assert.EqualValues(t, 3, result[0])
	assert.EqualValues(t, 3, result[1])

	// mediaChanges(0) returns the full history ascending.
	resp, body = env.post(t, env.cfg.BaseMediaURL, "mediaChanges", hkey,
		map[string]any{"lastUsn": 0})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	changes := jsonMap(t, body)["data"].([]any)
	require.Len(t, changes, 3)

	last := changes[2].([]any)
	assert.EqualValues(t, 3, last[1])

	// The tombstone row has a null checksum.
	first := changes[0].([]any)
	assert.Equal(t, "c.txt", first[0])
	assert.Nil(t, first[2])

	// mediaSanity agrees on two live files.
	resp, body = env.post(t, env.cfg.BaseMediaURL, "mediaSanity", hkey,
		map[string]any{"local": 2})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", jsonMap(t, body)["data"])

	resp, body = env.post(t, env.cfg.BaseMediaURL, "mediaSanity", hkey,
		map[string]any{"local": 7})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "FAILED", jsonMap(t, body)["data"])

	// downloadFiles round-trips the uploaded bytes.
	resp, body = env.post(t, env.cfg.BaseMediaURL, "downloadFiles", hkey,
		map[string]any{"files": []any{"a.jpg"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	require.NoError(t, err)

	entries := map[string][]byte{}
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		raw, err := io.ReadAll(rc)
		require.NoError(t, err)
		rc.Close()
		entries[f.Name] = raw
	}

	assert.Equal(t, bytesA, entries["0"])

	var flist map[string]string
	require.NoError(t, json.Unmarshal(entries["_meta"], &flist))
	assert.Equal(t, map[string]string{"0": "a.jpg"}, flist)
}

func TestMediaUploadRejectsOversizedMeta(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	hkey := env.hostKey(t)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	w, err := zw.Create("_meta")
	require.NoError(t, err)
	_, err = w.Write(bytes.Repeat([]byte("x"), maxMetaSize+1))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	resp, _ := env.post(t, env.cfg.BaseMediaURL, "uploadChanges", hkey, buf.Bytes())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSessionIsolation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	// Two users with separate collections.
	aliceKey := env.hostKey(t)

	resp, body := env.post(t, env.cfg.BaseURL, "hostKey", "",
		map[string]any{"u": "bob", "p": "pw2"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result map[string]string
	require.NoError(t, json.Unmarshal(body, &result))
	bobKey := result["key"]
	require.NotEqual(t, aliceKey, bobKey)

	// Alice finishes a sync; bob's usn is unaffected.
	env.post(t, env.cfg.BaseURL, "start", aliceKey, map[string]any{
		"minUsn": 0, "lnewer": false,
	})
	env.post(t, env.cfg.BaseURL, "finish", aliceKey, map[string]any{})

	resp, body = env.post(t, env.cfg.BaseURL, "meta", aliceKey,
		map[string]any{"v": 11, "cv": "ankidesktop,2.1.49,mac"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, jsonMap(t, body)["usn"])

	resp, body = env.post(t, env.cfg.BaseURL, "meta", bobKey,
		map[string]any{"v": 11, "cv": "ankidesktop,2.1.49,mac"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 0, jsonMap(t, body)["usn"])
}
