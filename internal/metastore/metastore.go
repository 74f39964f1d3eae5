// Package metastore holds the durable metadata for files, chunks, upload
// sessions and the storage node registry. All cross-entity atomicity in
// the system lives here: session lifecycle transitions are conditional
// updates, so the upload path and the cleanup job can race safely.
package metastore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a resource does not exist.
	ErrNotFound = errors.New("resource not found")
	// ErrDuplicate is returned when creating a resource that already exists.
	ErrDuplicate = errors.New("duplicate resource")
	// ErrConflict is returned when a conditional state transition loses
	// to a concurrent one (e.g. finalize racing with expiry).
	ErrConflict = errors.New("conflicting state transition")
)

// File upload statuses.
const (
	FileStatusPending   = "pending"
	FileStatusCompleted = "completed"
	FileStatusFailed    = "failed"
)

// Chunk statuses.
const (
	ChunkStatusPending = "pending"
	ChunkStatusStored  = "stored"
	ChunkStatusFailed  = "failed"
)

// Upload session statuses. "expiring" is the claim state the cleanup job
// flips a session into before touching its chunks.
const (
	SessionStatusActive    = "active"
	SessionStatusCompleted = "completed"
	SessionStatusExpiring  = "expiring"
	SessionStatusExpired   = "expired"
)

// Storage server statuses.
const (
	ServerStatusActive   = "active"
	ServerStatusInactive = "inactive"
)

// reclaimGrace is how long an "expiring" claim is honored before a later
// cleanup pass may steal it. It must comfortably exceed one cleanup pass
// so two healthy passes never fight over a session.
const reclaimGrace = 10 * time.Minute

// File is a logical object assembled from chunks.
type File struct {
	FileID       uuid.UUID
	Filename     string
	ContentType  string
	TotalSize    int64
	Checksum     string
	UploadStatus string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time
	Chunks       []*Chunk
}

// Chunk is one placed piece of a file.
type Chunk struct {
	ChunkID         uuid.UUID
	FileID          uuid.UUID
	ChunkNumber     int
	StorageServerID uuid.UUID
	ChunkSize       int64
	ChunkHash       string
	Status          string
	CreatedAt       time.Time
}

// UploadSession tracks one in-flight multi-chunk upload.
type UploadSession struct {
	SessionID uuid.UUID
	FileID    uuid.UUID
	Status    string
	ExpiresAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ChunkTombstone marks chunk bytes left behind on a node after their
// metadata rows were removed, giving the cleanup job a handle to retry
// the node-side delete.
type ChunkTombstone struct {
	ChunkID         uuid.UUID
	StorageServerID uuid.UUID
	CreatedAt       time.Time
}

// StorageServer is a registered chunk node.
type StorageServer struct {
	ServerID       uuid.UUID
	Address        string
	Status         string
	TotalSpace     int64
	UsedSpace      int64
	AvailableSpace int64
	LastHeartbeat  time.Time
	CreatedAt      time.Time
}

// MetaStore is the metadata persistence contract shared by the postgres
// implementation and the in-memory one used in tests.
type MetaStore interface {
	// CreateFileWithSession creates the File row (pending) and its
	// UploadSession row (active, TTL from now) in one transaction.
	CreateFileWithSession(ctx context.Context, file *File, ttl time.Duration) (*UploadSession, error)

	GetFile(ctx context.Context, fileID uuid.UUID) (*File, error)
	GetFileWithChunks(ctx context.Context, fileID uuid.UUID) (*File, error)
	// ListFiles returns one page of files with the given upload status,
	// newest first, plus the total matching count.
	ListFiles(ctx context.Context, status string, page, perPage int) ([]*File, int64, error)
	// MarkFileFailed flips a pending file to failed.
	MarkFileFailed(ctx context.Context, fileID uuid.UUID) error
	// DeleteFile removes the file row; chunk rows cascade.
	DeleteFile(ctx context.Context, fileID uuid.UUID) error

	// RecordChunk inserts a chunk row with status "stored".
	RecordChunk(ctx context.Context, chunk *Chunk) error
	GetChunksByFileID(ctx context.Context, fileID uuid.UUID) ([]*Chunk, error)

	// CompleteUpload atomically transitions session active->completed and
	// file pending->completed, setting the whole-file checksum. Returns
	// ErrConflict when the session was already claimed (expired or
	// completed) by someone else.
	CompleteUpload(ctx context.Context, sessionID, fileID uuid.UUID, checksum string) error
	// AbortSession transitions session active->expired. Chunk bytes are
	// left for the cleanup job.
	AbortSession(ctx context.Context, sessionID uuid.UUID) error
	// ClaimExpiredSessions flips up to limit reclaimable sessions
	// (active past their TTL, or explicitly expired) into "expiring" and
	// returns them. A session inside its TTL is never claimed. Sessions
	// stuck in "expiring" longer than reclaimGrace are claimed again, so
	// a cleanup pass that died mid-flight does not strand them.
	ClaimExpiredSessions(ctx context.Context, limit int) ([]*UploadSession, error)
	// FinishExpiry removes the chunk, file and session rows of a
	// previously claimed session.
	FinishExpiry(ctx context.Context, session *UploadSession) error

	// AddTombstones records chunks whose node-side delete failed after
	// their metadata was removed. Re-adding a chunk is a no-op.
	AddTombstones(ctx context.Context, tombstones []*ChunkTombstone) error
	// ListTombstones returns up to limit tombstones, oldest first.
	ListTombstones(ctx context.Context, limit int) ([]*ChunkTombstone, error)
	// RemoveTombstone drops a tombstone once its chunk is confirmed gone.
	RemoveTombstone(ctx context.Context, chunkID uuid.UUID) error

	// UpsertServer registers a storage node, updating the existing row
	// when the address is already known.
	UpsertServer(ctx context.Context, server *StorageServer) error
	// Heartbeat refreshes last_heartbeat and capacity numbers.
	Heartbeat(ctx context.Context, serverID uuid.UUID, usedSpace, availableSpace int64) error
	// LiveServers returns active servers whose heartbeat is within the
	// window. Liveness is derived, not stored.
	LiveServers(ctx context.Context, window time.Duration) ([]*StorageServer, error)
	// AllServers returns every registered server regardless of liveness;
	// cleanup uses it to reach nodes that have since gone quiet.
	AllServers(ctx context.Context) ([]*StorageServer, error)

	Ping(ctx context.Context) error
	Close()
}
