// Package server implements the HTTP sync surface: request decoding,
// authentication, session resolution, and dispatch of protocol operations
// onto each collection's worker.
package server

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ankicommunity/ankisyncd/internal/auth"
	"github.com/ankicommunity/ankisyncd/internal/collection"
	"github.com/ankicommunity/ankisyncd/internal/config"
	"github.com/ankicommunity/ankisyncd/internal/fullsync"
	"github.com/ankicommunity/ankisyncd/internal/session"
	"github.com/ankicommunity/ankisyncd/internal/worker"
)

// maxFormMemory bounds how much of a multipart body is held in memory
// before spilling to temp files. Full uploads can reach collection size.
const maxFormMemory = 32 << 20

// collectionOps maps collection sub-protocol operation names to handler
// methods. Membership in this table is also the URL validity check.
var collectionOps = map[string]func(*CollectionHandler, *collection.Collection, map[string]any) (any, error){
	"meta":         (*CollectionHandler).Meta,
	"start":        (*CollectionHandler).Start,
	"applyGraves":  (*CollectionHandler).ApplyGraves,
	"applyChanges": (*CollectionHandler).ApplyChanges,
	"chunk":        (*CollectionHandler).Chunk,
	"applyChunk":   (*CollectionHandler).ApplyChunk,
	"sanityCheck2": (*CollectionHandler).SanityCheck2,
	"finish":       (*CollectionHandler).Finish,
}

// mediaOps maps media sub-protocol operation names to handler methods.
var mediaOps = map[string]func(*MediaHandler, *collection.Collection, map[string]any) (any, error){
	"begin":         (*MediaHandler).Begin,
	"uploadChanges": (*MediaHandler).UploadChanges,
	"downloadFiles": (*MediaHandler).DownloadFiles,
	"mediaChanges":  (*MediaHandler).MediaChanges,
	"mediaSanity":   (*MediaHandler).MediaSanity,
}

// Hook runs on the collection worker before or after an operation.
type Hook func(col *collection.Collection, s *session.Session) error

// Server is the sync dispatcher. It owns no collection state itself; all
// collection access goes through the worker pool.
type Server struct {
	cfg      config.Config
	logger   *slog.Logger
	users    auth.UserManager
	sessions session.Store
	pool     *worker.Pool

	// Optional per-operation hooks, keyed by operation name.
	PreHooks  map[string]Hook
	PostHooks map[string]Hook
}

// New wires a dispatcher from its collaborators.
func New(cfg config.Config, users auth.UserManager, sessions session.Store, pool *worker.Pool, logger *slog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		logger:    logger,
		users:     users,
		sessions:  sessions,
		pool:      pool,
		PreHooks:  make(map[string]Hook),
		PostHooks: make(map[string]Hook),
	}
}

// Router builds the HTTP routing table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Minute))

	r.Post(s.cfg.BaseURL+"{op}", s.handleCollection)
	r.Get(s.cfg.BaseURL+"{op}", s.handleCollection)
	r.Post(s.cfg.BaseMediaURL+"{op}", s.handleMedia)

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "ankisyncd is running.")
	})

	return r
}

// handleCollection serves the collection prefix: hostKey, full sync, and
// the incremental protocol.
func (s *Server) handleCollection(w http.ResponseWriter, r *http.Request) {
	op := chi.URLParam(r, "op")

	data, err := s.decodePayload(r)
	if err != nil {
		s.writeError(w, op, err)
		return
	}

	if op == "hostKey" {
		result, err := s.hostKey(data)
		if err != nil {
			s.writeError(w, op, err)
			return
		}

		s.writeResult(w, result)

		return
	}

	_, isOp := collectionOps[op]
	if !isOp && op != "upload" && op != "download" {
		http.NotFound(w, r)
		return
	}

	sess, hkey, err := s.resolveSession(r)
	if err != nil {
		s.writeError(w, op, err)
		return
	}

	if op == "meta" {
		s.adoptMetaFields(r, sess, hkey, data)
	}

	result, err := s.dispatchCollection(op, sess, data)
	if err != nil {
		s.writeError(w, op, err)
		return
	}

	s.writeResult(w, result)
}

// handleMedia serves the media prefix.
func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	op := chi.URLParam(r, "op")

	fn, ok := mediaOps[op]
	if !ok {
		http.NotFound(w, r)
		return
	}

	data, err := s.decodePayload(r)
	if err != nil {
		s.writeError(w, op, err)
		return
	}

	sess, _, err := s.resolveSession(r)
	if err != nil {
		s.writeError(w, op, err)
		return
	}

	if op == "begin" {
		data["skey"] = sess.SKey
	}

	handler := s.mediaHandler(sess)
	wk := s.pool.Get(sess.CollectionPath())

	result, err := wk.Submit(op, func(col *collection.Collection) (any, error) {
		return fn(handler, col, data)
	})
	if err != nil {
		s.writeError(w, op, err)
		return
	}

	s.writeResult(w, result)
}

// dispatchCollection routes one collection-prefix operation to the session's
// worker. Full sync runs detached so the database file can be swapped or
// read with no open handle.
func (s *Server) dispatchCollection(op string, sess *session.Session, data map[string]any) (any, error) {
	wk := s.pool.Get(sess.CollectionPath())

	if err := s.runHook(s.PreHooks[op], wk, sess); err != nil {
		return nil, err
	}

	var (
		result any
		err    error
	)

	switch op {
	case "upload":
		raw, ok := data["data"].([]byte)
		if !ok {
			return nil, fmt.Errorf("%w: upload without database payload", ErrBadRequest)
		}

		mgr := fullsync.NewManager(sess.CollectionPath(), s.logger)

		result, err = wk.SubmitDetached(op, func() (any, error) {
			if uploadErr := mgr.Upload(raw); uploadErr != nil {
				return nil, uploadErr
			}

			return "OK", nil
		})
	case "download":
		mgr := fullsync.NewManager(sess.CollectionPath(), s.logger)

		result, err = wk.SubmitDetached(op, func() (any, error) {
			return mgr.Download()
		})
	default:
		fn := collectionOps[op]
		handler := s.collectionHandler(sess)

		result, err = wk.Submit(op, func(col *collection.Collection) (any, error) {
			return fn(handler, col, data)
		})
	}

	if err != nil {
		return nil, err
	}

	if hookErr := s.runHook(s.PostHooks[op], wk, sess); hookErr != nil {
		return nil, hookErr
	}

	return result, nil
}

func (s *Server) runHook(h Hook, wk *worker.Worker, sess *session.Session) error {
	if h == nil {
		return nil
	}

	_, err := wk.Submit("hook", func(col *collection.Collection) (any, error) {
		return nil, h(col, sess)
	})

	return err
}

// hostKey authenticates and mints a new session.
func (s *Server) hostKey(data map[string]any) (any, error) {
	username := dataString(data, "u")
	password := dataString(data, "p")

	if !s.users.Authenticate(username, password) {
		s.logger.Warn("authentication failed", slog.String("username", username))
		return nil, fmt.Errorf("%w: bad credentials", ErrForbidden)
	}

	dirname := s.users.UserDir(username)
	if dirname == "" {
		return nil, fmt.Errorf("%w: no user directory", ErrForbidden)
	}

	sess, err := session.New(username, filepath.Join(s.cfg.DataRoot, dirname))
	if err != nil {
		return nil, err
	}

	hkey, err := session.NewHostKey(username)
	if err != nil {
		return nil, err
	}

	if err := s.sessions.Save(hkey, sess); err != nil {
		return nil, err
	}

	s.logger.Info("session created", slog.String("username", username))

	return map[string]any{"key": hkey}, nil
}

// resolveSession finds the caller's session by host key (form or query),
// falling back to the media session key.
func (s *Server) resolveSession(r *http.Request) (*session.Session, string, error) {
	hkey := r.PostFormValue("k")
	if hkey == "" {
		hkey = r.URL.Query().Get("k")
	}

	if hkey != "" {
		sess, err := s.sessions.Load(hkey)
		if err != nil {
			return nil, "", err
		}

		if sess != nil {
			return sess, hkey, nil
		}
	}

	if skey := r.PostFormValue("sk"); skey != "" {
		sess, err := s.sessions.LoadFromSKey(skey)
		if err != nil {
			return nil, "", err
		}

		if sess != nil {
			return sess, sess.HostKey, nil
		}
	}

	return nil, "", fmt.Errorf("%w: no session", ErrForbidden)
}

// adoptMetaFields records protocol and client version on the session and
// adopts a client-proposed session key, then re-saves the session.
func (s *Server) adoptMetaFields(r *http.Request, sess *session.Session, hkey string, data map[string]any) {
	if sess.SKey == "" {
		if skey := r.PostFormValue("s"); skey != "" {
			sess.SKey = skey
		}
	}

	if _, ok := data["v"]; ok {
		sess.Version = int(dataInt64(data, "v"))
	}

	if cv := dataString(data, "cv"); cv != "" {
		sess.ClientVersion = cv
	}

	if err := s.sessions.Save(hkey, sess); err != nil {
		s.logger.Warn("saving session", slog.String("error", err.Error()))
	}
}

// collectionHandler returns the session's cached incremental-sync handler,
// creating it on first use. The handler carries sync state across requests.
func (s *Server) collectionHandler(sess *session.Session) *CollectionHandler {
	if h, ok := sess.ColHandler.(*CollectionHandler); ok {
		return h
	}

	h := NewCollectionHandler(s.logger)
	sess.ColHandler = h

	return h
}

func (s *Server) mediaHandler(sess *session.Session) *MediaHandler {
	if h, ok := sess.MediaHandler.(*MediaHandler); ok {
		return h
	}

	h := NewMediaHandler(s.logger)
	sess.MediaHandler = h

	return h
}

// decodePayload reads the request's data field, gunzipping when the c flag
// is set and parsing JSON. Payloads that aren't JSON objects (zip and
// database uploads) are wrapped as {"data": <raw bytes>}.
func (s *Server) decodePayload(r *http.Request) (map[string]any, error) {
	err := r.ParseMultipartForm(maxFormMemory)
	if err != nil && !errors.Is(err, http.ErrNotMultipart) {
		return nil, fmt.Errorf("%w: parsing form: %v", ErrBadRequest, err)
	}

	compressed := false
	if c := r.FormValue("c"); c != "" && c != "0" {
		compressed = true
	}

	raw, err := s.readDataField(r)
	if err != nil {
		return nil, err
	}

	if raw == nil {
		return map[string]any{}, nil
	}

	if compressed {
		gz, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("%w: bad gzip payload: %v", ErrBadRequest, err)
		}

		raw, err = io.ReadAll(gz)
		gz.Close()

		if err != nil {
			return nil, fmt.Errorf("%w: decompressing payload: %v", ErrBadRequest, err)
		}
	}

	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil || data == nil {
		return map[string]any{"data": raw}, nil
	}

	return data, nil
}

// readDataField returns the data payload, preferring a file part over a
// plain form value.
func (s *Server) readDataField(r *http.Request) ([]byte, error) {
	if r.MultipartForm != nil {
		if file, _, err := r.FormFile("data"); err == nil {
			defer file.Close()

			raw, err := io.ReadAll(file)
			if err != nil {
				return nil, fmt.Errorf("%w: reading payload: %v", ErrBadRequest, err)
			}

			return raw, nil
		}
	}

	if v := r.FormValue("data"); v != "" {
		return []byte(v), nil
	}

	return nil, nil
}

// writeResult serializes a handler result: strings and raw bytes pass
// through, anything else is JSON.
func (s *Server) writeResult(w http.ResponseWriter, result any) {
	switch v := result.(type) {
	case nil:
		fmt.Fprint(w, "null")
	case string:
		io.WriteString(w, v)
	case []byte:
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(v)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			s.logger.Error("encoding response", slog.String("error", err.Error()))
			http.Error(w, "internal error", http.StatusInternalServerError)

			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write(raw)
	}
}

// writeError maps a protocol error to its status code. Internal details are
// logged, not leaked.
func (s *Server) writeError(w http.ResponseWriter, op string, err error) {
	status := httpStatus(err)

	if status == http.StatusInternalServerError {
		s.logger.Error("operation failed",
			slog.String("op", op),
			slog.String("error", err.Error()),
		)

		http.Error(w, "internal error", status)

		return
	}

	s.logger.Debug("request rejected",
		slog.String("op", op),
		slog.Int("status", status),
		slog.String("error", err.Error()),
	)

	http.Error(w, http.StatusText(status), status)
}

// Shutdown stops the worker pool and closes the session store.
func (s *Server) Shutdown() {
	s.pool.Shutdown()

	if err := s.sessions.Close(); err != nil {
		s.logger.Warn("closing session store", slog.String("error", err.Error()))
	}
}
