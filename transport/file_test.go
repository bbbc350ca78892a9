package transport

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/securechat/core/crypto"
	"github.com/securechat/core/errkind"
)

func TestSendFileChunkCounts(t *testing.T) {
	tests := []struct {
		name   string
		size   int
		chunks int
	}{
		{"empty", 0, 0},
		{"one byte", 1, 1},
		{"just under a chunk", ChunkSize - 1, 1},
		{"exactly one chunk", ChunkSize, 1},
		{"just over a chunk", ChunkSize + 1, 2},
		{"200 KiB", 200 * 1024, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFixedClock()
			alice, _, sessionID := pairedMessengers(t, clock)

			data, err := crypto.RandomBytes(tt.size)
			require.NoError(t, err)

			envelopes, err := alice.SendFile(context.Background(), sessionID, "blob.bin", "application/octet-stream", data, nil)
			require.NoError(t, err)
			require.Len(t, envelopes, tt.chunks+1)

			meta := envelopes[0]
			assert.Equal(t, TypeFileMeta, meta.Type)
			require.NotNil(t, meta.Meta)
			assert.Equal(t, tt.chunks, meta.Meta.TotalChunks)
			assert.Equal(t, int64(tt.size), meta.Meta.Size)
			assert.NotEmpty(t, meta.Meta.FileID)

			for i, env := range envelopes[1:] {
				assert.Equal(t, TypeFileChunk, env.Type)
				require.NotNil(t, env.Meta)
				assert.Equal(t, meta.Meta.FileID, env.Meta.FileID)
				assert.Equal(t, i, env.Meta.ChunkIndex)
				require.NoError(t, env.Validate())
			}
		})
	}
}

func TestFileRoundTripOutOfOrderAssembly(t *testing.T) {
	clock := newFixedClock()
	alice, bob, sessionID := pairedMessengers(t, clock)
	ctx := context.Background()

	data, err := crypto.RandomBytes(200 * 1024)
	require.NoError(t, err)

	envelopes, err := alice.SendFile(ctx, sessionID, "photo.jpg", "image/jpeg", data, nil)
	require.NoError(t, err)
	require.Len(t, envelopes, 5)

	// Decrypt in transport order, then feed the assembler with the chunks
	// shuffled: reassembly goes by chunk index, not arrival.
	inbounds := make([]*Inbound, 0, len(envelopes))
	for _, env := range envelopes {
		in, err := bob.Receive(ctx, env)
		require.NoError(t, err)
		inbounds = append(inbounds, in)
	}

	assembler := NewFileAssembler()
	order := []int{0, 3, 1, 4, 2} // meta, then chunks 2, 0, 3, 1
	var file *ReceivedFile
	for i, idx := range order {
		got, err := assembler.Accept(inbounds[idx])
		require.NoError(t, err)
		if i < len(order)-1 {
			assert.Nil(t, got, "file must not complete before the last chunk")
		} else {
			file = got
		}
	}
	require.NotNil(t, file)
	assert.Equal(t, "photo.jpg", file.Info.Filename)
	assert.Equal(t, crypto.SHA256(data), crypto.SHA256(file.Data))
	assert.Equal(t, int64(len(data)), file.Info.Size)
}

func TestFileMetaAfterChunks(t *testing.T) {
	clock := newFixedClock()
	alice, bob, sessionID := pairedMessengers(t, clock)
	ctx := context.Background()

	data, err := crypto.RandomBytes(ChunkSize + 100)
	require.NoError(t, err)

	envelopes, err := alice.SendFile(ctx, sessionID, "late-meta.bin", "application/octet-stream", data, nil)
	require.NoError(t, err)
	require.Len(t, envelopes, 3)

	inbounds := make([]*Inbound, 0, len(envelopes))
	for _, env := range envelopes {
		in, err := bob.Receive(ctx, env)
		require.NoError(t, err)
		inbounds = append(inbounds, in)
	}

	assembler := NewFileAssembler()
	got, err := assembler.Accept(inbounds[1])
	require.NoError(t, err)
	assert.Nil(t, got)
	got, err = assembler.Accept(inbounds[2])
	require.NoError(t, err)
	assert.Nil(t, got)

	file, err := assembler.Accept(inbounds[0])
	require.NoError(t, err)
	require.NotNil(t, file, "arrival of the meta completes a fully buffered file")
	assert.Equal(t, crypto.SHA256(data), crypto.SHA256(file.Data))
}

func TestFileProgressCallback(t *testing.T) {
	clock := newFixedClock()
	alice, _, sessionID := pairedMessengers(t, clock)

	data, err := crypto.RandomBytes(3*ChunkSize + 1)
	require.NoError(t, err)

	type step struct{ sent, total int }
	var steps []step
	_, err = alice.SendFile(context.Background(), sessionID, "big.bin", "application/octet-stream", data, func(sent, total int) {
		steps = append(steps, step{sent, total})
	})
	require.NoError(t, err)
	require.Len(t, steps, 4)
	for i, s := range steps {
		assert.Equal(t, i+1, s.sent)
		assert.Equal(t, 4, s.total)
	}
}

func TestFileEmpty(t *testing.T) {
	clock := newFixedClock()
	alice, bob, sessionID := pairedMessengers(t, clock)
	ctx := context.Background()

	envelopes, err := alice.SendFile(ctx, sessionID, "empty.txt", "text/plain", nil, nil)
	require.NoError(t, err)
	require.Len(t, envelopes, 1)

	in, err := bob.Receive(ctx, envelopes[0])
	require.NoError(t, err)

	file, err := NewFileAssembler().Accept(in)
	require.NoError(t, err)
	require.NotNil(t, file)
	assert.Equal(t, "empty.txt", file.Info.Filename)
	assert.Empty(t, file.Data)
}

func TestFileSizeMismatchDiscards(t *testing.T) {
	assembler := NewFileAssembler()

	info, err := json.Marshal(FileInfo{Filename: "bad.bin", Size: 10, TotalChunks: 1})
	require.NoError(t, err)

	metaIn := &Inbound{
		Envelope: &Envelope{
			Type:      TypeFileMeta,
			SessionID: "sess-1",
			Meta:      &FileMeta{FileID: "f1", TotalChunks: 1},
		},
		Plaintext: info,
	}
	got, err := assembler.Accept(metaIn)
	require.NoError(t, err)
	assert.Nil(t, got)

	chunkIn := &Inbound{
		Envelope: &Envelope{
			Type:      TypeFileChunk,
			SessionID: "sess-1",
			Meta:      &FileMeta{FileID: "f1", TotalChunks: 1, ChunkIndex: 0},
		},
		Plaintext: []byte("short"),
	}
	_, err = assembler.Accept(chunkIn)
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.BadInput))
}

func TestFileAbortDiscardsPartial(t *testing.T) {
	clock := newFixedClock()
	alice, bob, sessionID := pairedMessengers(t, clock)
	ctx := context.Background()

	data, err := crypto.RandomBytes(2 * ChunkSize)
	require.NoError(t, err)

	envelopes, err := alice.SendFile(ctx, sessionID, "aborted.bin", "application/octet-stream", data, nil)
	require.NoError(t, err)
	require.Len(t, envelopes, 3)

	assembler := NewFileAssembler()
	fileID := envelopes[0].Meta.FileID
	for _, env := range envelopes[:2] {
		in, err := bob.Receive(ctx, env)
		require.NoError(t, err)
		_, err = assembler.Accept(in)
		require.NoError(t, err)
	}

	assembler.Abort(sessionID, fileID)

	// Only the final chunk arrives after the abort; without the meta and
	// first chunk the transfer can never complete.
	in, err := bob.Receive(ctx, envelopes[2])
	require.NoError(t, err)
	got, err := assembler.Accept(in)
	require.NoError(t, err)
	assert.Nil(t, got)
}
