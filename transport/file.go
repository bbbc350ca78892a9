package transport

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/securechat/core/errkind"
)

// ChunkSize is the fixed policy constant for file chunking.
const ChunkSize = 64 * 1024

// FileInfo is the encrypted payload of a FILE_META envelope.
type FileInfo struct {
	Filename    string `json:"filename"`
	Size        int64  `json:"size"`
	Mimetype    string `json:"mimetype"`
	TotalChunks int    `json:"totalChunks"`
}

// ProgressFunc reports chunks sent so far out of the total.
type ProgressFunc func(sent, total int)

// SendFile splits data into independently encrypted chunks preceded by one
// FILE_META envelope whose ciphertext is the encrypted file description.
// Every envelope gets its own sequence number, IV and nonce.
func (m *Messenger) SendFile(ctx context.Context, sessionID, filename, mimetype string, data []byte, progress ProgressFunc) ([]*Envelope, error) {
	totalChunks := (len(data) + ChunkSize - 1) / ChunkSize
	fileID := uuid.NewString()

	info := FileInfo{
		Filename:    filename,
		Size:        int64(len(data)),
		Mimetype:    mimetype,
		TotalChunks: totalChunks,
	}
	infoJSON, err := json.Marshal(info)
	if err != nil {
		return nil, errkind.Wrap(errkind.BadInput, "file info encoding failed", err)
	}

	envelopes := make([]*Envelope, 0, totalChunks+1)
	metaEnv, err := m.seal(ctx, sessionID, TypeFileMeta, infoJSON, &FileMeta{
		FileID:      fileID,
		Filename:    filename,
		Size:        info.Size,
		Mimetype:    mimetype,
		TotalChunks: totalChunks,
	})
	if err != nil {
		return nil, err
	}
	envelopes = append(envelopes, metaEnv)

	for i := 0; i < totalChunks; i++ {
		end := (i + 1) * ChunkSize
		if end > len(data) {
			end = len(data)
		}
		chunkEnv, err := m.seal(ctx, sessionID, TypeFileChunk, data[i*ChunkSize:end], &FileMeta{
			FileID:      fileID,
			TotalChunks: totalChunks,
			ChunkIndex:  i,
		})
		if err != nil {
			return nil, err
		}
		envelopes = append(envelopes, chunkEnv)
		if progress != nil {
			progress(i+1, totalChunks)
		}
	}

	logrus.WithFields(logrus.Fields{
		"session_id": sessionID,
		"file_id":    fileID,
		"size":       info.Size,
		"chunks":     totalChunks,
	}).Info("File sent")
	return envelopes, nil
}

// ReceivedFile is a fully reassembled inbound file.
type ReceivedFile struct {
	Info FileInfo
	Data []byte
}

type incomingFile struct {
	info   FileInfo
	chunks map[int][]byte
}

// FileAssembler buffers decrypted file chunks and reassembles them in chunk
// order, regardless of arrival order. A chunk that fails integrity never
// reaches the assembler (Receive rejects it), and the whole transfer is
// discarded on Abort.
type FileAssembler struct {
	mu      sync.Mutex
	pending map[string]*incomingFile
}

// NewFileAssembler creates an empty assembler.
func NewFileAssembler() *FileAssembler {
	return &FileAssembler{pending: make(map[string]*incomingFile)}
}

func assemblerKey(sessionID, fileID string) string { return sessionID + "/" + fileID }

// Accept consumes a decrypted FILE_META or FILE_CHUNK inbound. It returns a
// non-nil ReceivedFile once the final chunk arrives.
func (a *FileAssembler) Accept(in *Inbound) (*ReceivedFile, error) {
	env := in.Envelope
	switch env.Type {
	case TypeFileMeta:
		var info FileInfo
		if err := json.Unmarshal(in.Plaintext, &info); err != nil {
			return nil, errkind.Wrap(errkind.BadInput, "malformed file info payload", err)
		}
		a.mu.Lock()
		defer a.mu.Unlock()
		key := assemblerKey(env.SessionID, env.Meta.FileID)
		existing := a.pending[key]
		if existing == nil {
			existing = &incomingFile{chunks: make(map[int][]byte)}
			a.pending[key] = existing
		}
		existing.info = info
		return a.tryComplete(key, existing)

	case TypeFileChunk:
		a.mu.Lock()
		defer a.mu.Unlock()
		key := assemblerKey(env.SessionID, env.Meta.FileID)
		existing := a.pending[key]
		if existing == nil {
			// Chunks may outrun the meta envelope on the relay.
			existing = &incomingFile{chunks: make(map[int][]byte)}
			a.pending[key] = existing
		}
		existing.chunks[env.Meta.ChunkIndex] = in.Plaintext
		return a.tryComplete(key, existing)

	default:
		return nil, errkind.Newf(errkind.BadInput, "envelope type %s is not a file variant", env.Type)
	}
}

// tryComplete assembles when the meta is known and every chunk is present.
// Callers hold the lock.
func (a *FileAssembler) tryComplete(key string, f *incomingFile) (*ReceivedFile, error) {
	if f.info.TotalChunks == 0 && f.info.Filename == "" && len(f.chunks) > 0 {
		return nil, nil // meta not seen yet
	}
	if len(f.chunks) < f.info.TotalChunks {
		return nil, nil
	}

	indexes := make([]int, 0, len(f.chunks))
	for i := range f.chunks {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	for want, got := range indexes {
		if want != got {
			return nil, nil // gap; keep waiting
		}
	}

	data := make([]byte, 0, f.info.Size)
	for _, i := range indexes {
		data = append(data, f.chunks[i]...)
	}
	if int64(len(data)) != f.info.Size {
		delete(a.pending, key)
		return nil, errkind.Newf(errkind.BadInput, "reassembled size %d does not match declared %d", len(data), f.info.Size)
	}

	delete(a.pending, key)
	return &ReceivedFile{Info: f.info, Data: data}, nil
}

// Abort discards a partial transfer, e.g. after a chunk failed integrity.
func (a *FileAssembler) Abort(sessionID, fileID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.pending, assemblerKey(sessionID, fileID))
	logrus.WithFields(logrus.Fields{
		"session_id": sessionID,
		"file_id":    fileID,
	}).Warn("File transfer discarded")
}
