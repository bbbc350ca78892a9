package relay

import (
	"sync"

	"github.com/securechat/core/errkind"
	"github.com/securechat/core/transport"
)

// FileRecord is the relay's buffered view of one chunked transfer: the
// FILE_META envelope plus chunk envelopes keyed by index, all opaque
// ciphertext.
type FileRecord struct {
	FileID      string
	SessionID   string
	TotalChunks int
	Meta        *transport.Envelope
	Chunks      map[int]*transport.Envelope
}

// complete reports whether the meta and every chunk have arrived.
func (f *FileRecord) complete() bool {
	return f.Meta != nil && f.TotalChunks > 0 && len(f.Chunks) == f.TotalChunks
}

// FileStore buffers encrypted file envelopes for retrieval by the receiver.
type FileStore struct {
	mu    sync.Mutex
	files map[string]*FileRecord
}

// NewFileStore creates an empty store.
func NewFileStore() *FileStore {
	return &FileStore{files: make(map[string]*FileRecord)}
}

// Put stores a FILE_META or FILE_CHUNK envelope. Chunks for a session other
// than the one the transfer started on are rejected.
func (s *FileStore) Put(env *transport.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	if env.Type != transport.TypeFileMeta && env.Type != transport.TypeFileChunk {
		return errkind.Newf(errkind.BadInput, "envelope type %s is not a file variant", env.Type)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.files[env.Meta.FileID]
	if !ok {
		rec = &FileRecord{
			FileID:    env.Meta.FileID,
			SessionID: env.SessionID,
			Chunks:    make(map[int]*transport.Envelope),
		}
		s.files[env.Meta.FileID] = rec
	}
	if rec.SessionID != env.SessionID {
		return errkind.Newf(errkind.BadInput, "file %s belongs to another session", env.Meta.FileID)
	}

	if env.Type == transport.TypeFileMeta {
		rec.Meta = env
		rec.TotalChunks = env.Meta.TotalChunks
		return nil
	}
	if rec.TotalChunks == 0 {
		rec.TotalChunks = env.Meta.TotalChunks
	}
	if env.Meta.TotalChunks != rec.TotalChunks {
		return errkind.Newf(errkind.BadInput, "chunk declares %d total chunks, transfer has %d", env.Meta.TotalChunks, rec.TotalChunks)
	}
	rec.Chunks[env.Meta.ChunkIndex] = env
	return nil
}

// Get returns a transfer's buffered record.
func (s *FileStore) Get(fileID string) (*FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.files[fileID]
	if !ok {
		return nil, errkind.Newf(errkind.SessionNotFound, "no file %s", fileID)
	}
	out := *rec
	return &out, nil
}

// GetChunk returns one chunk envelope of a transfer.
func (s *FileStore) GetChunk(fileID string, index int) (*transport.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.files[fileID]
	if !ok {
		return nil, errkind.Newf(errkind.SessionNotFound, "no file %s", fileID)
	}
	chunk, ok := rec.Chunks[index]
	if !ok {
		return nil, errkind.Newf(errkind.SessionNotFound, "file %s has no chunk %d", fileID, index)
	}
	return chunk, nil
}

// Complete reports whether the transfer is fully buffered.
func (s *FileStore) Complete(fileID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.files[fileID]
	return ok && rec.complete()
}

// Drop discards a transfer once the receiver has fetched it.
func (s *FileStore) Drop(fileID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, fileID)
}
