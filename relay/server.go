package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/securechat/core/crypto"
	"github.com/securechat/core/errkind"
	"github.com/securechat/core/transport"
)

// Server is the relay's HTTP and WebSocket surface.
type Server struct {
	cfg      Config
	keys     *KeyDirectory
	sessions *SessionRegistry
	meta     *MetaStore
	files    *FileStore
	hub      *Hub
	metrics  *Metrics
	auth     *Auth
	registry *prometheus.Registry
	upgrader websocket.Upgrader
}

// NewServer wires the relay components.
func NewServer(cfg Config, tp crypto.TimeProvider) *Server {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	meta := NewMetaStore()
	files := NewFileStore()
	return &Server{
		cfg:      cfg,
		keys:     NewKeyDirectory(tp),
		sessions: NewSessionRegistry(tp),
		meta:     meta,
		files:    files,
		hub:      NewHub(meta, files, metrics),
		metrics:  metrics,
		auth:     NewAuth([]byte(cfg.JWTSecret)),
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
		},
	}
}

// Handler builds the full route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	authed := func(h http.HandlerFunc) http.Handler { return s.auth.Middleware(h) }
	mux.Handle("POST /keys/upload", authed(s.handleKeyUpload))
	mux.Handle("GET /keys/me", authed(s.handleKeyMe))
	mux.Handle("GET /keys/{userId}", authed(s.handleKeyGet))
	mux.Handle("POST /sessions", authed(s.handleSessionEstablish))
	mux.Handle("GET /sessions", authed(s.handleSessionList))
	mux.Handle("GET /sessions/{id}", authed(s.handleSessionGet))
	mux.Handle("POST /files/upload", authed(s.handleFileUpload))
	mux.Handle("GET /files/{fileId}", authed(s.handleFileGet))
	mux.Handle("GET /files/{fileId}/chunk/{i}", authed(s.handleFileChunk))
	mux.Handle("POST /messages/relay", authed(s.handleMessageRelay))
	mux.Handle("GET /ws", authed(s.handleWS))

	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	var handler http.Handler = mux
	if s.cfg.RequireHTTPS {
		handler = RequireHTTPS(handler)
	}
	return handler
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logrus.WithField("addr", s.cfg.ListenAddr).Info("Relay listening")
		var err error
		if s.cfg.TLSCert != "" && s.cfg.TLSKey != "" {
			err = srv.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
		} else {
			err = srv.ListenAndServe()
		}
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// statusFor maps error kinds to HTTP status codes.
func statusFor(err error) int {
	switch errkind.Of(err) {
	case errkind.BadInput:
		return http.StatusBadRequest
	case errkind.SessionNotFound:
		return http.StatusNotFound
	case errkind.ReplayDetected, errkind.IntegrityError:
		return http.StatusConflict
	case errkind.SessionLocked, errkind.BadPassword:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(err))
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{
			"kind":    errkind.Of(err).String(),
			"message": errkind.Message(err),
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleKeyUpload(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key *crypto.JWK `json:"publicIdentityKeyJWK"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Key == nil {
		writeError(w, errkind.New(errkind.BadInput, "missing publicIdentityKeyJWK"))
		return
	}
	rec, err := s.keys.Upsert(UserFrom(r.Context()), req.Key)
	if err != nil {
		if errkind.Is(err, errkind.IntegrityError) {
			s.metrics.IntegrityErrors.Inc()
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleKeyMe(w http.ResponseWriter, r *http.Request) {
	rec, err := s.keys.Get(UserFrom(r.Context()))
	if err != nil {
		if errkind.Is(err, errkind.IntegrityError) {
			s.metrics.IntegrityErrors.Inc()
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleKeyGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.keys.Get(r.PathValue("userId"))
	if err != nil {
		if errkind.Is(err, errkind.IntegrityError) {
			s.metrics.IntegrityErrors.Inc()
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleSessionEstablish(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID1 string `json:"userId1"`
		UserID2 string `json:"userId2"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errkind.New(errkind.BadInput, "malformed session request"))
		return
	}
	caller := UserFrom(r.Context())
	if caller != req.UserID1 && caller != req.UserID2 {
		writeError(w, errkind.New(errkind.BadInput, "caller must be a session participant"))
		return
	}
	rec, isNew, err := s.sessions.Establish(req.UserID1, req.UserID2)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session": rec,
		"isNew":   isNew,
	})
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.ListFor(UserFrom(r.Context())))
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.sessions.Participant(id, UserFrom(r.Context())) {
		writeError(w, errkind.Newf(errkind.SessionNotFound, "no session %s", id))
		return
	}
	rec, err := s.sessions.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// fileUploadRequest is the flat HTTP shape for one encrypted file envelope.
// A request carrying filename metadata describes the transfer (FILE_META);
// all others are chunks.
type fileUploadRequest struct {
	FileID        string `json:"fileId"`
	ChunkIndex    int    `json:"chunkIndex"`
	TotalChunks   int    `json:"totalChunks"`
	EncryptedData string `json:"encryptedData"`
	IV            string `json:"iv"`
	AuthTag       string `json:"authTag"`
	SessionID     string `json:"sessionId"`
	Timestamp     int64  `json:"timestamp"`
	Seq           uint64 `json:"seq"`
	Nonce         string `json:"nonce"`
	Filename      string `json:"filename,omitempty"`
	Size          int64  `json:"size,omitempty"`
	Mimetype      string `json:"mimetype,omitempty"`
}

func (s *Server) handleFileUpload(w http.ResponseWriter, r *http.Request) {
	var req fileUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errkind.New(errkind.BadInput, "malformed file upload"))
		return
	}
	caller := UserFrom(r.Context())
	receiver, err := s.peerOf(req.SessionID, caller)
	if err != nil {
		writeError(w, err)
		return
	}

	env := &transport.Envelope{
		SessionID:  req.SessionID,
		Sender:     caller,
		Receiver:   receiver,
		Ciphertext: req.EncryptedData,
		IV:         req.IV,
		AuthTag:    req.AuthTag,
		Timestamp:  req.Timestamp,
		Seq:        req.Seq,
		Nonce:      req.Nonce,
	}
	if req.Filename != "" {
		env.Type = transport.TypeFileMeta
		env.Meta = &transport.FileMeta{
			FileID:      req.FileID,
			Filename:    req.Filename,
			Size:        req.Size,
			Mimetype:    req.Mimetype,
			TotalChunks: req.TotalChunks,
		}
	} else {
		env.Type = transport.TypeFileChunk
		env.Meta = &transport.FileMeta{
			FileID:      req.FileID,
			TotalChunks: req.TotalChunks,
			ChunkIndex:  req.ChunkIndex,
		}
	}

	meta, err := s.hub.Dispatch(caller, env)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"messageId": meta.MessageID,
		"complete":  s.files.Complete(req.FileID),
	})
}

func (s *Server) handleFileGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.files.Get(r.PathValue("fileId"))
	if err != nil {
		writeError(w, err)
		return
	}
	if !s.sessions.Participant(rec.SessionID, UserFrom(r.Context())) {
		writeError(w, errkind.Newf(errkind.SessionNotFound, "no file %s", rec.FileID))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"fileId":      rec.FileID,
		"sessionId":   rec.SessionID,
		"totalChunks": rec.TotalChunks,
		"complete":    rec.complete(),
		"meta":        rec.Meta,
	})
}

func (s *Server) handleFileChunk(w http.ResponseWriter, r *http.Request) {
	fileID := r.PathValue("fileId")
	index, err := strconv.Atoi(r.PathValue("i"))
	if err != nil || index < 0 {
		writeError(w, errkind.New(errkind.BadInput, "malformed chunk index"))
		return
	}
	rec, err := s.files.Get(fileID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !s.sessions.Participant(rec.SessionID, UserFrom(r.Context())) {
		writeError(w, errkind.Newf(errkind.SessionNotFound, "no file %s", fileID))
		return
	}
	chunk, err := s.files.GetChunk(fileID, index)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chunk)
}

func (s *Server) handleMessageRelay(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Envelope *transport.Envelope `json:"envelope"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Envelope == nil {
		writeError(w, errkind.New(errkind.BadInput, "missing envelope"))
		return
	}
	meta, err := s.hub.Dispatch(UserFrom(r.Context()), req.Envelope)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := map[string]interface{}{"accepted": true}
	if meta != nil {
		resp["messageId"] = meta.MessageID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID := UserFrom(r.Context())
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithError(err).WithField("user_id", userID).Warn("WebSocket upgrade failed")
		return
	}
	s.hub.Attach(userID, conn)
}

// peerOf resolves the other participant of a session.
func (s *Server) peerOf(sessionID, userID string) (string, error) {
	rec, err := s.sessions.Get(sessionID)
	if err != nil {
		return "", err
	}
	switch userID {
	case rec.UserA:
		return rec.UserB, nil
	case rec.UserB:
		return rec.UserA, nil
	default:
		return "", errkind.Newf(errkind.SessionNotFound, "no session %s", sessionID)
	}
}
