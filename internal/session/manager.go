// Package session orchestrates a multi-chunk upload as one recoverable
// unit: open a session, place chunks on ring-selected nodes, finalize
// atomically, or leave the session to expire.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Talkytitan5127/s3-storage/internal/chunker"
	"github.com/Talkytitan5127/s3-storage/internal/metastore"
	"github.com/Talkytitan5127/s3-storage/internal/retry"
	"github.com/Talkytitan5127/s3-storage/internal/ring"
)

var (
	// ErrNoServersAvailable is returned when the ring has no live nodes.
	ErrNoServersAvailable = errors.New("no storage servers available")
	// ErrPlacementFailed is returned when every ring candidate for a
	// chunk was tried and failed.
	ErrPlacementFailed = errors.New("chunk placement failed on all candidates")
	// ErrIncompleteUpload is returned by Finalize when the stored chunks
	// do not cover the plan.
	ErrIncompleteUpload = errors.New("upload is incomplete")
)

// RingSource yields the current ring snapshot.
type RingSource interface {
	Current() *ring.Ring
}

// ChunkPutter is the slice of the chunk RPC the manager needs.
type ChunkPutter interface {
	PutChunk(ctx context.Context, addr, chunkID, checksum string, body io.Reader, size int64) error
}

// Upload is an open session together with its chunk plan.
type Upload struct {
	File    *metastore.File
	Session *metastore.UploadSession
	Plan    []chunker.Span
}

// Manager owns the upload session lifecycle.
type Manager struct {
	store        metastore.MetaStore
	ring         RingSource
	client       ChunkPutter
	retryCfg     retry.Config
	maxChunkSize int64
	ttl          time.Duration
	attempts     int
	log          *zap.Logger
}

// Options tune a Manager. Zero values fall back to defaults.
type Options struct {
	MaxChunkSize      int64
	SessionTTL        time.Duration
	PlacementAttempts int
	Retry             retry.Config
}

// NewManager wires the manager. attempts is the number of distinct ring
// candidates tried per chunk before the upload fails.
func NewManager(store metastore.MetaStore, ringSrc RingSource, client ChunkPutter, opts Options, log *zap.Logger) *Manager {
	if opts.MaxChunkSize <= 0 {
		opts.MaxChunkSize = chunker.DefaultMaxChunkSize
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 30 * time.Minute
	}
	if opts.PlacementAttempts <= 0 {
		opts.PlacementAttempts = 3
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = retry.DefaultConfig()
	}
	return &Manager{
		store:        store,
		ring:         ringSrc,
		client:       client,
		retryCfg:     opts.Retry,
		maxChunkSize: opts.MaxChunkSize,
		ttl:          opts.SessionTTL,
		attempts:     opts.PlacementAttempts,
		log:          log,
	}
}

// Open validates the size, computes the chunk plan, and creates the File
// (pending) and Session (active) rows in one transaction.
func (m *Manager) Open(ctx context.Context, filename, contentType string, totalSize int64) (*Upload, error) {
	plan, err := chunker.Plan(totalSize, m.maxChunkSize)
	if err != nil {
		return nil, err
	}

	file := &metastore.File{
		Filename:    filename,
		ContentType: contentType,
		TotalSize:   totalSize,
	}
	session, err := m.store.CreateFileWithSession(ctx, file, m.ttl)
	if err != nil {
		return nil, fmt.Errorf("open upload session: %w", err)
	}

	m.log.Info("upload session opened",
		zap.String("file_id", file.FileID.String()),
		zap.String("session_id", session.SessionID.String()),
		zap.Int64("total_size", totalSize),
		zap.Int("chunks", len(plan)))
	return &Upload{File: file, Session: session, Plan: plan}, nil
}

// PlaceChunk streams one planned chunk to a ring-selected node, verifies
// placement, and records the chunk row. On node failure it falls through
// to the next candidate in the ring's preference order. src must cover
// the span's size; it is read once for the checksum and re-read from the
// start on every placement attempt, which is why a ReaderAt is required
// instead of a one-shot stream.
func (m *Manager) PlaceChunk(ctx context.Context, up *Upload, number int, src io.ReaderAt) (*metastore.Chunk, error) {
	if number < 0 || number >= len(up.Plan) {
		return nil, fmt.Errorf("chunk number %d outside plan of %d", number, len(up.Plan))
	}
	span := up.Plan[number]

	chunkID := uuid.New()
	checksum, n, err := chunker.ChecksumReader(io.NewSectionReader(src, 0, span.Size))
	if err != nil {
		return nil, fmt.Errorf("checksum chunk %d: %w", number, err)
	}
	if n != span.Size {
		return nil, fmt.Errorf("chunk %d has %d bytes, plan expects %d", number, n, span.Size)
	}

	candidates, err := m.ring.Current().Lookup(chunkID.String(), m.attempts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoServersAvailable, err)
	}
	if len(candidates) < m.attempts {
		m.log.Warn("degraded placement capacity",
			zap.Int("candidates", len(candidates)),
			zap.Int("wanted", m.attempts))
	}

	var lastErr error
	for _, candidate := range candidates {
		err := retry.Do(ctx, m.retryCfg, func() error {
			// Fresh section per attempt; a failed stream must not leave
			// the next attempt reading mid-chunk.
			return m.client.PutChunk(ctx, candidate.Address, chunkID.String(),
				checksum, io.NewSectionReader(src, 0, span.Size), span.Size)
		})
		if err != nil {
			lastErr = err
			m.log.Warn("chunk placement attempt failed",
				zap.String("chunk_id", chunkID.String()),
				zap.String("server", candidate.Address),
				zap.Error(err))
			continue
		}

		chunk := &metastore.Chunk{
			ChunkID:         chunkID,
			FileID:          up.File.FileID,
			ChunkNumber:     number,
			StorageServerID: candidate.ServerID,
			ChunkSize:       span.Size,
			ChunkHash:       checksum,
		}
		if err := m.store.RecordChunk(ctx, chunk); err != nil {
			return nil, fmt.Errorf("record chunk %d: %w", number, err)
		}
		return chunk, nil
	}
	return nil, fmt.Errorf("%w: chunk %d after %d candidates: %v",
		ErrPlacementFailed, number, len(candidates), lastErr)
}

// Finalize requires every planned chunk to be stored, then publishes the
// file and completes the session in one guarded transaction. A session
// already claimed by expiry surfaces as metastore.ErrConflict and the
// file is never published.
func (m *Manager) Finalize(ctx context.Context, up *Upload, checksum string) error {
	chunks, err := m.store.GetChunksByFileID(ctx, up.File.FileID)
	if err != nil {
		return fmt.Errorf("load chunks: %w", err)
	}
	if err := m.verifyPlanCovered(up, chunks); err != nil {
		return err
	}

	if err := m.store.CompleteUpload(ctx, up.Session.SessionID, up.File.FileID, checksum); err != nil {
		return fmt.Errorf("complete upload: %w", err)
	}
	up.File.UploadStatus = metastore.FileStatusCompleted
	up.File.Checksum = checksum

	m.log.Info("upload finalized",
		zap.String("file_id", up.File.FileID.String()),
		zap.Int("chunks", len(chunks)))
	return nil
}

// Abort expires the session and marks the file failed. Chunk bytes stay
// on their nodes until the cleanup job reclaims them; the request path
// never blocks on node-side deletes.
func (m *Manager) Abort(ctx context.Context, up *Upload) error {
	if err := m.store.AbortSession(ctx, up.Session.SessionID); err != nil {
		return fmt.Errorf("abort session: %w", err)
	}
	if err := m.store.MarkFileFailed(ctx, up.File.FileID); err != nil && !errors.Is(err, metastore.ErrConflict) {
		m.log.Warn("mark file failed", zap.String("file_id", up.File.FileID.String()), zap.Error(err))
	}
	return nil
}

func (m *Manager) verifyPlanCovered(up *Upload, chunks []*metastore.Chunk) error {
	if len(chunks) != len(up.Plan) {
		return fmt.Errorf("%w: %d of %d chunks stored", ErrIncompleteUpload, len(chunks), len(up.Plan))
	}
	var total int64
	for i, chunk := range chunks {
		if chunk.ChunkNumber != i {
			return fmt.Errorf("%w: chunk numbers are not contiguous at %d", ErrIncompleteUpload, i)
		}
		if chunk.Status != metastore.ChunkStatusStored {
			return fmt.Errorf("%w: chunk %d is %s", ErrIncompleteUpload, i, chunk.Status)
		}
		if chunk.ChunkSize != up.Plan[i].Size {
			return fmt.Errorf("%w: chunk %d size %d, plan expects %d",
				ErrIncompleteUpload, i, chunk.ChunkSize, up.Plan[i].Size)
		}
		total += chunk.ChunkSize
	}
	if total != up.File.TotalSize {
		return fmt.Errorf("%w: chunk sizes sum to %d, file is %d bytes",
			ErrIncompleteUpload, total, up.File.TotalSize)
	}
	return nil
}
