package session

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/securechat/core/crypto"
	"github.com/securechat/core/errkind"
)

const (
	// KeyCacheTTL is the maximum lifetime of a cached session-encryption
	// key. After expiry every load fails with SessionLocked until Unlock.
	KeyCacheTTL = time.Hour

	storeKeyInfo  = "session-store/v1"
	recordVersion = 1
)

// SecurityCallbacks is the sole path by which the transport notifies the UI
// of security events. Callbacks are invoked synchronously; they must not
// block.
type SecurityCallbacks struct {
	OnReplayDetected   func(sessionID string, details string)
	OnInvalidSignature func(sessionID string, details string)
}

type cachedKey struct {
	key     []byte
	expires time.Time
}

// Store persists sessions encrypted at rest, one file per (user, session).
type Store struct {
	dir          string
	timeProvider crypto.TimeProvider

	mu        sync.Mutex
	cache     map[string]*cachedKey
	locks     map[string]*sync.Mutex
	callbacks SecurityCallbacks

	stopJanitor chan struct{}
	janitorOnce sync.Once
}

// NewStore opens a session store rooted at dir.
func NewStore(dir string, tp crypto.TimeProvider) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errkind.Wrap(errkind.TransportError, "session store directory unavailable", err)
	}
	if tp == nil {
		tp = crypto.DefaultTimeProvider{}
	}
	s := &Store{
		dir:          dir,
		timeProvider: tp,
		cache:        make(map[string]*cachedKey),
		locks:        make(map[string]*sync.Mutex),
		stopJanitor:  make(chan struct{}),
	}
	go s.janitor()
	return s, nil
}

// SetCallbacks registers the UI security hooks.
func (s *Store) SetCallbacks(cb SecurityCallbacks) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = cb
}

// ReportReplay logs a structured security event and fires the replay hook.
func (s *Store) ReportReplay(sessionID string, seq uint64, reason string) {
	logrus.WithFields(logrus.Fields{
		"event":      "replay_detected",
		"session_id": sessionID,
		"seq":        seq,
		"reason":     reason,
	}).Warn("Replay detected")
	s.mu.Lock()
	cb := s.callbacks.OnReplayDetected
	s.mu.Unlock()
	if cb != nil {
		cb(sessionID, reason)
	}
}

// ReportInvalidSignature logs a structured security event and fires the
// invalid-signature hook.
func (s *Store) ReportInvalidSignature(sessionID string, reason string) {
	logrus.WithFields(logrus.Fields{
		"event":      "invalid_signature",
		"session_id": sessionID,
		"reason":     reason,
	}).Warn("Invalid signature")
	s.mu.Lock()
	cb := s.callbacks.OnInvalidSignature
	s.mu.Unlock()
	if cb != nil {
		cb(sessionID, reason)
	}
}

// Unlock derives and caches the user's session-encryption key from their
// password. The salt is created on first unlock and persisted unencrypted
// alongside the sessions (it is not secret).
func (s *Store) Unlock(userID string, password []byte) error {
	salt, err := s.loadOrCreateSalt(userID)
	if err != nil {
		return err
	}
	stretched := crypto.StretchPassword(password, salt)
	defer crypto.Wipe(stretched)
	key, err := crypto.DeriveKey(stretched, nil, storeKeyInfo)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.cache[userID]; ok {
		crypto.Wipe(old.key)
	}
	s.cache[userID] = &cachedKey{
		key:     key,
		expires: s.timeProvider.Now().Add(KeyCacheTTL),
	}
	logrus.WithField("user_id", userID).Debug("Session store unlocked")
	return nil
}

// Lock purges the user's cached key; subsequent loads fail with
// SessionLocked. Called on logout.
func (s *Store) Lock(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ck, ok := s.cache[userID]; ok {
		crypto.Wipe(ck.key)
		delete(s.cache, userID)
	}
}

func (s *Store) userKey(userID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ck, ok := s.cache[userID]
	if !ok {
		return nil, errkind.Newf(errkind.SessionLocked, "session store locked for %s", userID)
	}
	if s.timeProvider.Now().After(ck.expires) {
		crypto.Wipe(ck.key)
		delete(s.cache, userID)
		return nil, errkind.Newf(errkind.SessionLocked, "session key cache expired for %s", userID)
	}
	return ck.key, nil
}

func (s *Store) loadOrCreateSalt(userID string) ([]byte, error) {
	if err := os.MkdirAll(s.userDir(userID), 0o700); err != nil {
		return nil, errkind.Wrap(errkind.TransportError, "user directory unavailable", err)
	}
	path := filepath.Join(s.userDir(userID), ".salt")
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != crypto.PBKDF2SaltSize {
			return nil, errkind.Newf(errkind.BadInput, "invalid salt file size %d", len(data))
		}
		return data, nil
	}
	if !os.IsNotExist(err) {
		return nil, errkind.Wrap(errkind.TransportError, "salt read failed", err)
	}
	salt, err := crypto.RandomBytes(crypto.PBKDF2SaltSize)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, errkind.Wrap(errkind.TransportError, "salt write failed", err)
	}
	return salt, nil
}

func (s *Store) userDir(userID string) string {
	return filepath.Join(s.dir, userID)
}

func (s *Store) sessionPath(userID, sessionID string) string {
	return filepath.Join(s.userDir(userID), sessionID+".session")
}

func (s *Store) sessionLock(userID, sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := userID + "/" + sessionID
	l, ok := s.locks[k]
	if !ok {
		l = &sync.Mutex{}
		s.locks[k] = l
	}
	return l
}

// Create persists a new session record. The store key must be unlocked.
func (s *Store) Create(sess *Session) error {
	l := s.sessionLock(sess.UserID, sess.SessionID)
	l.Lock()
	defer l.Unlock()
	return s.persist(sess)
}

// Load reads and decrypts a session.
func (s *Store) Load(userID, sessionID string) (*Session, error) {
	l := s.sessionLock(userID, sessionID)
	l.Lock()
	defer l.Unlock()
	return s.read(userID, sessionID)
}

// Mutate applies fn to the session under its lock and persists the result
// atomically. The persisted write is the commit point: cancellation before
// it leaves state unchanged; the in-memory record callers hold is never the
// source of truth.
func (s *Store) Mutate(ctx context.Context, userID, sessionID string, fn func(*Session) error) (*Session, error) {
	l := s.sessionLock(userID, sessionID)
	l.Lock()
	defer l.Unlock()

	sess, err := s.read(userID, sessionID)
	if err != nil {
		return nil, err
	}
	if err := fn(sess); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, errkind.Wrap(errkind.TransportError, "operation cancelled before commit", err)
	}
	sess.UpdatedAt = s.timeProvider.Now()
	if err := s.persist(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// NextSequence atomically allocates the next outbound sequence number.
func (s *Store) NextSequence(ctx context.Context, userID, sessionID string) (uint64, error) {
	var seq uint64
	_, err := s.Mutate(ctx, userID, sessionID, func(sess *Session) error {
		seq = sess.NextSeq
		sess.NextSeq++
		return nil
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// Delete removes a session record.
func (s *Store) Delete(userID, sessionID string) error {
	l := s.sessionLock(userID, sessionID)
	l.Lock()
	defer l.Unlock()
	if err := os.Remove(s.sessionPath(userID, sessionID)); err != nil && !os.IsNotExist(err) {
		return errkind.Wrap(errkind.TransportError, "session delete failed", err)
	}
	return nil
}

// ListByUser returns all decryptable sessions for a user.
func (s *Store) ListByUser(userID string) ([]*Session, error) {
	if _, err := s.userKey(userID); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.userDir(userID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errkind.Wrap(errkind.TransportError, "session list failed", err)
	}
	var out []*Session
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".session") {
			continue
		}
		sess, err := s.read(userID, strings.TrimSuffix(name, ".session"))
		if err != nil {
			logrus.WithError(err).WithField("file", name).Warn("Skipping unreadable session record")
			continue
		}
		out = append(out, sess)
	}
	return out, nil
}

// MarkAllStale flags every session of the user for renegotiation. Used
// after an identity rotation.
func (s *Store) MarkAllStale(userID string) error {
	sessions, err := s.ListByUser(userID)
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		_, err := s.Mutate(context.Background(), userID, sess.SessionID, func(sess *Session) error {
			sess.Stale = true
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// persist seals and writes the record with tmp+rename. Callers hold the
// session lock.
func (s *Store) persist(sess *Session) error {
	key, err := s.userKey(sess.UserID)
	if err != nil {
		return err
	}
	plaintext, err := json.Marshal(sess)
	if err != nil {
		return errkind.Wrap(errkind.BadInput, "session encoding failed", err)
	}
	defer crypto.Wipe(plaintext)

	iv, err := crypto.NewIV()
	if err != nil {
		return err
	}
	ct, tag, err := crypto.Seal(key, iv, plaintext, []byte(sess.SessionID))
	if err != nil {
		return err
	}

	// Record layout: [version:2][iv:12][ciphertext][tag:16]
	out := make([]byte, 0, 2+len(iv)+len(ct)+len(tag))
	var ver [2]byte
	binary.BigEndian.PutUint16(ver[:], recordVersion)
	out = append(out, ver[:]...)
	out = append(out, iv...)
	out = append(out, ct...)
	out = append(out, tag...)

	path := s.sessionPath(sess.UserID, sess.SessionID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return errkind.Wrap(errkind.TransportError, "session write failed", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errkind.Wrap(errkind.TransportError, "session rename failed", err)
	}
	return nil
}

func (s *Store) read(userID, sessionID string) (*Session, error) {
	key, err := s.userKey(userID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.sessionPath(userID, sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errkind.Newf(errkind.SessionNotFound, "no session %s for %s", sessionID, userID)
		}
		return nil, errkind.Wrap(errkind.TransportError, "session read failed", err)
	}
	if len(data) < 2+crypto.IVSize+crypto.TagSize {
		return nil, errkind.New(errkind.BadInput, "session record too short")
	}
	if v := binary.BigEndian.Uint16(data[0:2]); v != recordVersion {
		return nil, errkind.Newf(errkind.BadInput, "unsupported session record version %d", v)
	}
	iv := data[2 : 2+crypto.IVSize]
	body := data[2+crypto.IVSize:]
	split := len(body) - crypto.TagSize
	plaintext, err := crypto.Open(key, iv, body[:split], body[split:], []byte(sessionID))
	if err != nil {
		return nil, errkind.Wrap(errkind.BadPassword, "session record unseal failed", err)
	}
	defer crypto.Wipe(plaintext)

	var sess Session
	if err := json.Unmarshal(plaintext, &sess); err != nil {
		return nil, errkind.Wrap(errkind.BadInput, "corrupted session record", err)
	}
	return &sess, nil
}

// janitor sweeps expired cache entries once a minute.
func (s *Store) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := s.timeProvider.Now()
			s.mu.Lock()
			for userID, ck := range s.cache {
				if now.After(ck.expires) {
					crypto.Wipe(ck.key)
					delete(s.cache, userID)
					logrus.WithField("user_id", userID).Info("Session key cache expired")
				}
			}
			s.mu.Unlock()
		case <-s.stopJanitor:
			return
		}
	}
}

// Close stops the janitor and wipes all cached keys.
func (s *Store) Close() error {
	s.janitorOnce.Do(func() { close(s.stopJanitor) })
	s.mu.Lock()
	defer s.mu.Unlock()
	for userID, ck := range s.cache {
		crypto.Wipe(ck.key)
		delete(s.cache, userID)
	}
	return nil
}
