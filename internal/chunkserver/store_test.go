package chunkserver

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *DiskStore {
	t.Helper()
	store, err := NewDiskStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func randomChunk(t *testing.T, size int) ([]byte, string) {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	sum := sha256.Sum256(data)
	return data, hex.EncodeToString(sum[:])
}

func TestDiskStore_PutOpenRoundtrip(t *testing.T) {
	store := newTestStore(t)
	data, checksum := randomChunk(t, 64*1024)
	chunkID := uuid.New().String()

	size, err := store.Put(chunkID, bytes.NewReader(data), checksum)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), size)

	reader, gotSize, err := store.Open(chunkID)
	require.NoError(t, err)
	defer reader.Close()
	assert.Equal(t, int64(len(data)), gotSize)

	got, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestDiskStore_PutRejectsBadChecksum(t *testing.T) {
	store := newTestStore(t)
	data, _ := randomChunk(t, 1024)
	chunkID := uuid.New().String()

	wrong := sha256.Sum256([]byte("something else"))
	_, err := store.Put(chunkID, bytes.NewReader(data), hex.EncodeToString(wrong[:]))
	assert.ErrorIs(t, err, ErrChecksumMismatch)

	// A rejected put must leave nothing behind.
	_, _, err = store.Open(chunkID)
	assert.ErrorIs(t, err, ErrNotFound)
	count, err := store.ChunkCount()
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestDiskStore_PutWithoutChecksumComputesOne(t *testing.T) {
	store := newTestStore(t)
	data, checksum := randomChunk(t, 1024)
	chunkID := uuid.New().String()

	_, err := store.Put(chunkID, bytes.NewReader(data), "")
	require.NoError(t, err)

	entry, err := store.lookup(chunkID)
	require.NoError(t, err)
	assert.Equal(t, checksum, entry.Checksum)
}

func TestDiskStore_PutIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	data, checksum := randomChunk(t, 2048)
	chunkID := uuid.New().String()

	size1, err := store.Put(chunkID, bytes.NewReader(data), checksum)
	require.NoError(t, err)
	size2, err := store.Put(chunkID, bytes.NewReader(data), checksum)
	require.NoError(t, err)
	assert.Equal(t, size1, size2)

	// The retry must not double-count used space.
	_, used, _, err := store.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), used)
}

func TestDiskStore_ConcurrentPutsSameChunk(t *testing.T) {
	store := newTestStore(t)
	data, checksum := randomChunk(t, 8*1024)
	chunkID := uuid.New().String()

	const writers = 8
	errs := make(chan error, writers)
	var start sync.WaitGroup
	start.Add(1)
	for i := 0; i < writers; i++ {
		go func() {
			start.Wait()
			_, err := store.Put(chunkID, bytes.NewReader(data), checksum)
			errs <- err
		}()
	}
	start.Done()
	for i := 0; i < writers; i++ {
		require.NoError(t, <-errs)
	}

	// Racing puts of the same chunk must index it exactly once.
	count, err := store.ChunkCount()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	_, used, _, err := store.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), used)
}

func TestDiskStore_Delete(t *testing.T) {
	store := newTestStore(t)
	data, checksum := randomChunk(t, 4096)
	chunkID := uuid.New().String()

	_, err := store.Put(chunkID, bytes.NewReader(data), checksum)
	require.NoError(t, err)

	require.NoError(t, store.Delete(chunkID))
	_, _, err = store.Open(chunkID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, used, _, err := store.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(0), used)

	// Deleting again is a no-op.
	assert.NoError(t, store.Delete(chunkID))
}

func TestDiskStore_UsedSpaceAccounting(t *testing.T) {
	store := newTestStore(t)

	ids := make([]string, 3)
	var expected int64
	for i := range ids {
		data, checksum := randomChunk(t, (i+1)*1024)
		ids[i] = uuid.New().String()
		_, err := store.Put(ids[i], bytes.NewReader(data), checksum)
		require.NoError(t, err)
		expected += int64(len(data))
	}

	total, used, available, err := store.Stats()
	require.NoError(t, err)
	assert.Equal(t, expected, used)
	assert.Greater(t, total, int64(0))
	assert.GreaterOrEqual(t, total, available)

	count, err := store.ChunkCount()
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	require.NoError(t, store.Delete(ids[0]))
	_, used, _, err = store.Stats()
	require.NoError(t, err)
	assert.Equal(t, expected-1024, used)
}

func TestDiskStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := NewDiskStore(dir)
	require.NoError(t, err)

	data, checksum := randomChunk(t, 1024)
	chunkID := uuid.New().String()
	_, err = store.Put(chunkID, bytes.NewReader(data), checksum)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := NewDiskStore(dir)
	require.NoError(t, err)
	defer reopened.Close()

	reader, size, err := reopened.Open(chunkID)
	require.NoError(t, err)
	defer reader.Close()
	assert.Equal(t, int64(len(data)), size)

	_, used, _, err := reopened.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), used)
}
