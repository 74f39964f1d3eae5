// Package chunkserver implements the storage node: durable chunk bytes
// on local disk plus the HTTP service the gateway talks to.
package chunkserver

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	// ErrNotFound is returned when a chunk does not exist on this node.
	ErrNotFound = errors.New("chunk not found")
	// ErrChecksumMismatch is returned when uploaded bytes do not hash to
	// the announced checksum.
	ErrChecksumMismatch = errors.New("checksum mismatch")
	// ErrOutOfSpace is returned when the disk cannot hold the chunk.
	ErrOutOfSpace = errors.New("out of disk space")
)

var (
	chunksBucket = []byte("chunks")
	metaBucket   = []byte("meta")
	usedSpaceKey = []byte("used_space")
)

// indexEntry is the per-chunk record kept in the bolt index so health
// reporting never has to walk the data directory.
type indexEntry struct {
	Size     int64     `json:"size"`
	Checksum string    `json:"checksum"`
	StoredAt time.Time `json:"stored_at"`
}

// DiskStore stores chunk bytes under dir/chunks and tracks them in a
// bolt index at dir/index.db.
type DiskStore struct {
	dir   string
	index *bolt.DB
}

// NewDiskStore opens (creating if needed) a chunk store rooted at dir.
func NewDiskStore(dir string) (*DiskStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, "chunks"), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	index, err := bolt.Open(filepath.Join(dir, "index.db"), 0o600, &bolt.Options{
		Timeout: time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("open chunk index: %w", err)
	}
	err = index.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(chunksBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(metaBucket)
		return err
	})
	if err != nil {
		index.Close()
		return nil, fmt.Errorf("init chunk index: %w", err)
	}
	return &DiskStore{dir: dir, index: index}, nil
}

// Close closes the index database.
func (s *DiskStore) Close() error {
	return s.index.Close()
}

// Put streams r into a temp file, verifies the SHA-256 against the
// announced checksum when one is given, fsyncs, and publishes the chunk
// with a rename. A chunk is never visible under its final id before it
// is durable. Re-putting an existing chunk is an idempotent success.
func (s *DiskStore) Put(chunkID string, r io.Reader, checksum string) (int64, error) {
	path := s.chunkPath(chunkID)

	if entry, err := s.lookup(chunkID); err == nil {
		io.Copy(io.Discard, r)
		return entry.Size, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("create chunk directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), chunkID+".tmp-*")
	if err != nil {
		if isOutOfSpace(err) {
			return 0, ErrOutOfSpace
		}
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hasher), r)
	if err != nil {
		tmp.Close()
		if isOutOfSpace(err) {
			return 0, ErrOutOfSpace
		}
		return 0, fmt.Errorf("write chunk data: %w", err)
	}

	if checksum != "" {
		if actual := hex.EncodeToString(hasher.Sum(nil)); actual != checksum {
			tmp.Close()
			return 0, fmt.Errorf("%w: expected %s, got %s", ErrChecksumMismatch, checksum, actual)
		}
	} else {
		checksum = hex.EncodeToString(hasher.Sum(nil))
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("sync chunk: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("close chunk: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return 0, fmt.Errorf("publish chunk: %w", err)
	}

	err = s.index.Update(func(tx *bolt.Tx) error {
		// Concurrent puts of the same chunk race the rename; the early
		// lookup above is only a fast path. The loser lands here with
		// identical bytes already published, so it must not count the
		// size a second time.
		if tx.Bucket(chunksBucket).Get([]byte(chunkID)) != nil {
			return nil
		}
		entry, err := json.Marshal(indexEntry{Size: size, Checksum: checksum, StoredAt: time.Now().UTC()})
		if err != nil {
			return err
		}
		if err := tx.Bucket(chunksBucket).Put([]byte(chunkID), entry); err != nil {
			return err
		}
		return addUsedSpace(tx, size)
	})
	if err != nil {
		return 0, fmt.Errorf("index chunk: %w", err)
	}
	return size, nil
}

// Open returns a reader over the stored chunk bytes and their size.
func (s *DiskStore) Open(chunkID string) (io.ReadCloser, int64, error) {
	entry, err := s.lookup(chunkID)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(s.chunkPath(chunkID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("open chunk: %w", err)
	}
	return f, entry.Size, nil
}

// Delete removes the chunk bytes and index entry. Deleting a missing
// chunk is not an error.
func (s *DiskStore) Delete(chunkID string) error {
	entry, err := s.lookup(chunkID)
	if errors.Is(err, ErrNotFound) {
		// Still try the file in case the index lost the entry.
		if rmErr := os.Remove(s.chunkPath(chunkID)); rmErr != nil && !os.IsNotExist(rmErr) {
			return fmt.Errorf("delete chunk: %w", rmErr)
		}
		return nil
	}
	if err != nil {
		return err
	}

	if err := os.Remove(s.chunkPath(chunkID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete chunk: %w", err)
	}
	err = s.index.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(chunksBucket).Delete([]byte(chunkID)); err != nil {
			return err
		}
		return addUsedSpace(tx, -entry.Size)
	})
	if err != nil {
		return fmt.Errorf("deindex chunk: %w", err)
	}
	return nil
}

// Stats reports disk capacity. Total and available come from the
// filesystem; used is the indexed sum of stored chunk sizes.
func (s *DiskStore) Stats() (total, used, available int64, err error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(s.dir, &stat); err != nil {
		return 0, 0, 0, fmt.Errorf("statfs: %w", err)
	}
	total = int64(stat.Blocks) * int64(stat.Bsize)
	available = int64(stat.Bavail) * int64(stat.Bsize)

	err = s.index.View(func(tx *bolt.Tx) error {
		used = readUsedSpace(tx)
		return nil
	})
	if err != nil {
		return 0, 0, 0, fmt.Errorf("read used space: %w", err)
	}
	return total, used, available, nil
}

// ChunkCount returns the number of indexed chunks.
func (s *DiskStore) ChunkCount() (int, error) {
	var count int
	err := s.index.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(chunksBucket).Stats().KeyN
		return nil
	})
	return count, err
}

func (s *DiskStore) lookup(chunkID string) (*indexEntry, error) {
	var entry *indexEntry
	err := s.index.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(chunksBucket).Get([]byte(chunkID))
		if raw == nil {
			return nil
		}
		entry = &indexEntry{}
		return json.Unmarshal(raw, entry)
	})
	if err != nil {
		return nil, fmt.Errorf("lookup chunk: %w", err)
	}
	if entry == nil {
		return nil, ErrNotFound
	}
	return entry, nil
}

// chunkPath shards chunks into subdirectories by id prefix so no single
// directory grows unbounded.
func (s *DiskStore) chunkPath(chunkID string) string {
	if len(chunkID) >= 2 {
		return filepath.Join(s.dir, "chunks", chunkID[:2], chunkID)
	}
	return filepath.Join(s.dir, "chunks", chunkID)
}

func readUsedSpace(tx *bolt.Tx) int64 {
	raw := tx.Bucket(metaBucket).Get(usedSpaceKey)
	if len(raw) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(raw))
}

func addUsedSpace(tx *bolt.Tx, delta int64) error {
	used := readUsedSpace(tx) + delta
	if used < 0 {
		used = 0
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(used))
	return tx.Bucket(metaBucket).Put(usedSpaceKey, buf)
}

func isOutOfSpace(err error) bool {
	return errors.Is(err, syscall.ENOSPC)
}
