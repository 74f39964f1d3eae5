package cleanup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Talkytitan5127/s3-storage/internal/metastore"
)

// fakeDeleter records chunk deletes and can fail for chosen addresses.
type fakeDeleter struct {
	mu      sync.Mutex
	failing map[string]error
	deleted map[string]string // chunkID -> address
}

func newFakeDeleter() *fakeDeleter {
	return &fakeDeleter{
		failing: make(map[string]error),
		deleted: make(map[string]string),
	}
}

func (f *fakeDeleter) failAddr(addr string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing[addr] = err
}

func (f *fakeDeleter) healAddr(addr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.failing, addr)
}

func (f *fakeDeleter) DeleteChunk(_ context.Context, addr, chunkID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failing[addr]; ok {
		return err
	}
	f.deleted[chunkID] = addr
	return nil
}

func (f *fakeDeleter) deletedAddr(chunkID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	addr, ok := f.deleted[chunkID]
	return addr, ok
}

func registerServer(t *testing.T, store metastore.MetaStore, addr string) *metastore.StorageServer {
	t.Helper()
	server := &metastore.StorageServer{Address: addr}
	require.NoError(t, store.UpsertServer(context.Background(), server))
	return server
}

func expiredUpload(t *testing.T, store metastore.MetaStore, serverID uuid.UUID, chunks int) (*metastore.File, []*metastore.Chunk) {
	t.Helper()
	ctx := context.Background()
	file := &metastore.File{Filename: "stale.bin", TotalSize: int64(chunks) * 1024}
	_, err := store.CreateFileWithSession(ctx, file, -time.Minute)
	require.NoError(t, err)

	placed := make([]*metastore.Chunk, 0, chunks)
	for i := 0; i < chunks; i++ {
		chunk := &metastore.Chunk{
			FileID:          file.FileID,
			ChunkNumber:     i,
			StorageServerID: serverID,
			ChunkSize:       1024,
		}
		require.NoError(t, store.RecordChunk(ctx, chunk))
		placed = append(placed, chunk)
	}
	return file, placed
}

func TestRunOnce_ReclaimsExpiredSession(t *testing.T) {
	ctx := context.Background()
	store := metastore.NewMemoryStore()
	server := registerServer(t, store, "node-1:9000")
	file, chunks := expiredUpload(t, store, server.ServerID, 3)

	deleter := newFakeDeleter()
	job := NewJob(store, deleter, zap.NewNop())
	require.NoError(t, job.RunOnce(ctx))

	// Chunk bytes were deleted on the owning node.
	for _, chunk := range chunks {
		addr, ok := deleter.deletedAddr(chunk.ChunkID.String())
		require.True(t, ok, "chunk %s was never deleted", chunk.ChunkID)
		assert.Equal(t, "node-1:9000", addr)
	}

	// Metadata rows are gone.
	_, err := store.GetFile(ctx, file.FileID)
	assert.ErrorIs(t, err, metastore.ErrNotFound)
}

func TestRunOnce_LeavesFreshSessionsAlone(t *testing.T) {
	ctx := context.Background()
	store := metastore.NewMemoryStore()
	server := registerServer(t, store, "node-1:9000")

	fresh := &metastore.File{Filename: "inflight.bin", TotalSize: 1024}
	_, err := store.CreateFileWithSession(ctx, fresh, time.Hour)
	require.NoError(t, err)
	require.NoError(t, store.RecordChunk(ctx, &metastore.Chunk{
		FileID: fresh.FileID, ChunkNumber: 0, StorageServerID: server.ServerID, ChunkSize: 1024,
	}))

	deleter := newFakeDeleter()
	job := NewJob(store, deleter, zap.NewNop())
	require.NoError(t, job.RunOnce(ctx))

	// The in-flight upload is untouched even though it has stored chunks.
	got, err := store.GetFile(ctx, fresh.FileID)
	require.NoError(t, err)
	assert.Equal(t, metastore.FileStatusPending, got.UploadStatus)
	chunks, err := store.GetChunksByFileID(ctx, fresh.FileID)
	require.NoError(t, err)
	assert.Len(t, chunks, 1)
}

func TestRunOnce_NodeFailureStillRemovesMetadata(t *testing.T) {
	ctx := context.Background()
	store := metastore.NewMemoryStore()
	server := registerServer(t, store, "dead-node:9000")
	file, chunks := expiredUpload(t, store, server.ServerID, 2)

	deleter := newFakeDeleter()
	deleter.failAddr("dead-node:9000", errors.New("connection refused"))
	job := NewJob(store, deleter, zap.NewNop())
	require.NoError(t, job.RunOnce(ctx))

	// Node-side deletes are best effort; the rows still go away.
	_, err := store.GetFile(ctx, file.FileID)
	assert.ErrorIs(t, err, metastore.ErrNotFound)

	// Every failed delete left a tombstone behind.
	tombstones, err := store.ListTombstones(ctx, 10)
	require.NoError(t, err)
	require.Len(t, tombstones, len(chunks))

	// Once the node is back the next pass drains them.
	deleter.healAddr("dead-node:9000")
	require.NoError(t, job.RunOnce(ctx))
	for _, chunk := range chunks {
		_, ok := deleter.deletedAddr(chunk.ChunkID.String())
		assert.True(t, ok, "chunk %s was never deleted", chunk.ChunkID)
	}
	tombstones, err = store.ListTombstones(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, tombstones)
}

func TestRunOnce_UnknownServerDoesNotAbortPass(t *testing.T) {
	ctx := context.Background()
	store := metastore.NewMemoryStore()
	// A chunk pointing at a server that was never registered.
	file, _ := expiredUpload(t, store, uuid.New(), 1)

	job := NewJob(store, newFakeDeleter(), zap.NewNop())
	require.NoError(t, job.RunOnce(ctx))

	_, err := store.GetFile(ctx, file.FileID)
	assert.ErrorIs(t, err, metastore.ErrNotFound)

	// The chunk stays tombstoned until its server shows up.
	tombstones, err := store.ListTombstones(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, tombstones, 1)
}

func TestRunOnce_RetriesTombstonesWithoutClaimedSessions(t *testing.T) {
	ctx := context.Background()
	store := metastore.NewMemoryStore()
	server := registerServer(t, store, "node-1:9000")

	orphan := uuid.New()
	require.NoError(t, store.AddTombstones(ctx, []*metastore.ChunkTombstone{
		{ChunkID: orphan, StorageServerID: server.ServerID},
	}))

	deleter := newFakeDeleter()
	job := NewJob(store, deleter, zap.NewNop())
	require.NoError(t, job.RunOnce(ctx))

	// No sessions to claim, the tombstone still gets retried.
	addr, ok := deleter.deletedAddr(orphan.String())
	require.True(t, ok)
	assert.Equal(t, "node-1:9000", addr)
	tombstones, err := store.ListTombstones(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, tombstones)
}

func TestRunOnce_KeepsTombstoneWhileNodeIsDown(t *testing.T) {
	ctx := context.Background()
	store := metastore.NewMemoryStore()
	server := registerServer(t, store, "dead-node:9000")

	orphan := uuid.New()
	require.NoError(t, store.AddTombstones(ctx, []*metastore.ChunkTombstone{
		{ChunkID: orphan, StorageServerID: server.ServerID},
	}))

	deleter := newFakeDeleter()
	deleter.failAddr("dead-node:9000", errors.New("connection refused"))
	job := NewJob(store, deleter, zap.NewNop())
	require.NoError(t, job.RunOnce(ctx))

	tombstones, err := store.ListTombstones(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, tombstones, 1)
}

func TestRunOnce_Idempotent(t *testing.T) {
	ctx := context.Background()
	store := metastore.NewMemoryStore()
	server := registerServer(t, store, "node-1:9000")
	expiredUpload(t, store, server.ServerID, 1)

	deleter := newFakeDeleter()
	job := NewJob(store, deleter, zap.NewNop())
	require.NoError(t, job.RunOnce(ctx))
	// A second pass finds nothing left to claim.
	require.NoError(t, job.RunOnce(ctx))
}

func TestRunOnce_ReclaimsAbortedSession(t *testing.T) {
	ctx := context.Background()
	store := metastore.NewMemoryStore()
	server := registerServer(t, store, "node-1:9000")

	file := &metastore.File{Filename: "aborted.bin", TotalSize: 1024}
	session, err := store.CreateFileWithSession(ctx, file, time.Hour)
	require.NoError(t, err)
	chunk := &metastore.Chunk{
		FileID: file.FileID, ChunkNumber: 0, StorageServerID: server.ServerID, ChunkSize: 1024,
	}
	require.NoError(t, store.RecordChunk(ctx, chunk))
	require.NoError(t, store.AbortSession(ctx, session.SessionID))

	deleter := newFakeDeleter()
	job := NewJob(store, deleter, zap.NewNop())
	require.NoError(t, job.RunOnce(ctx))

	// An explicit abort is reclaimed even before its TTL lapses.
	_, ok := deleter.deletedAddr(chunk.ChunkID.String())
	assert.True(t, ok)
	_, err = store.GetFile(ctx, file.FileID)
	assert.ErrorIs(t, err, metastore.ErrNotFound)
}
