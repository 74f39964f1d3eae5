// Package cleanup reconciles metadata with storage node state: sessions
// whose TTL lapsed while still active (or that were explicitly aborted)
// get their chunks deleted from nodes and their rows removed.
package cleanup

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/Talkytitan5127/s3-storage/internal/metastore"
)

const (
	// claimBatchSize bounds how many sessions one run claims.
	claimBatchSize = 100
	// tombstoneBatchSize bounds how many leftover chunks one run retries.
	tombstoneBatchSize = 100
	// chunkDeleteTimeout bounds each node-side delete.
	chunkDeleteTimeout = 10 * time.Second
)

// ChunkDeleter is the slice of the chunk RPC the job needs.
type ChunkDeleter interface {
	DeleteChunk(ctx context.Context, addr, chunkID string) error
}

// Job is the periodic expiry/reconciliation task.
type Job struct {
	store  metastore.MetaStore
	client ChunkDeleter
	log    *zap.Logger

	cron *cron.Cron
}

// NewJob wires a cleanup job.
func NewJob(store metastore.MetaStore, client ChunkDeleter, log *zap.Logger) *Job {
	return &Job{store: store, client: client, log: log}
}

// Start schedules RunOnce on the given interval. Overlapping runs are
// skipped rather than stacked.
func (j *Job) Start(ctx context.Context, interval time.Duration) {
	j.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DiscardLogger),
	))
	j.cron.Schedule(cron.Every(interval), cron.FuncJob(func() {
		if err := j.RunOnce(ctx); err != nil {
			j.log.Error("cleanup run failed", zap.Error(err))
		}
	}))
	j.cron.Start()
	j.log.Info("cleanup job started", zap.Duration("interval", interval))
}

// Stop halts the schedule and waits for a running pass to finish.
func (j *Job) Stop() {
	if j.cron != nil {
		<-j.cron.Stop().Done()
	}
	j.log.Info("cleanup job stopped")
}

// RunOnce claims reclaimable sessions and cleans each one, then retries
// tombstoned chunks whose node-side delete failed earlier. Sessions
// still inside their TTL are never claimed, even if they have no chunks
// yet. The pass is idempotent: chunks already gone from a node do not
// fail it.
func (j *Job) RunOnce(ctx context.Context) error {
	addresses, err := j.serverAddresses(ctx)
	if err != nil {
		return err
	}

	sessions, err := j.store.ClaimExpiredSessions(ctx, claimBatchSize)
	if err != nil {
		return err
	}

	cleaned := 0
	for _, session := range sessions {
		if err := j.cleanupSession(ctx, session, addresses); err != nil {
			j.log.Warn("session cleanup failed",
				zap.String("session_id", session.SessionID.String()),
				zap.Error(err))
			continue
		}
		cleaned++
	}

	removed, err := j.retryTombstones(ctx, addresses)
	if err != nil {
		return err
	}

	if len(sessions) > 0 || removed > 0 {
		j.log.Info("cleanup pass finished",
			zap.Int("claimed", len(sessions)),
			zap.Int("cleaned", cleaned),
			zap.Int("tombstones_removed", removed))
	}
	return nil
}

// retryTombstones re-attempts node-side deletes for chunks whose
// metadata is already gone. A tombstone is only dropped once the node
// confirms the delete, so unreachable nodes keep theirs for the next
// pass.
func (j *Job) retryTombstones(ctx context.Context, addresses map[uuid.UUID]string) (int, error) {
	tombstones, err := j.store.ListTombstones(ctx, tombstoneBatchSize)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, ts := range tombstones {
		addr, ok := addresses[ts.StorageServerID]
		if !ok {
			continue
		}

		deleteCtx, cancel := context.WithTimeout(ctx, chunkDeleteTimeout)
		err := j.client.DeleteChunk(deleteCtx, addr, ts.ChunkID.String())
		cancel()
		if err != nil {
			j.log.Warn("tombstoned chunk delete failed",
				zap.String("chunk_id", ts.ChunkID.String()),
				zap.String("server", addr),
				zap.Error(err))
			continue
		}
		if err := j.store.RemoveTombstone(ctx, ts.ChunkID); err != nil {
			j.log.Warn("remove tombstone",
				zap.String("chunk_id", ts.ChunkID.String()),
				zap.Error(err))
			continue
		}
		removed++
	}
	return removed, nil
}

func (j *Job) cleanupSession(ctx context.Context, session *metastore.UploadSession, addresses map[uuid.UUID]string) error {
	chunks, err := j.store.GetChunksByFileID(ctx, session.FileID)
	if err != nil {
		return err
	}

	// Node-side deletes are best effort: one unreachable node must not
	// block reclaiming the rest. Failures get a tombstone before the
	// chunk rows disappear with the session, so a later pass still has a
	// handle to retry with.
	var leftovers []*metastore.ChunkTombstone
	for _, chunk := range chunks {
		addr, ok := addresses[chunk.StorageServerID]
		if !ok {
			j.log.Warn("chunk references unknown storage server",
				zap.String("chunk_id", chunk.ChunkID.String()),
				zap.String("server_id", chunk.StorageServerID.String()))
			leftovers = append(leftovers, &metastore.ChunkTombstone{
				ChunkID:         chunk.ChunkID,
				StorageServerID: chunk.StorageServerID,
			})
			continue
		}

		deleteCtx, cancel := context.WithTimeout(ctx, chunkDeleteTimeout)
		err := j.client.DeleteChunk(deleteCtx, addr, chunk.ChunkID.String())
		cancel()
		if err != nil {
			j.log.Warn("chunk delete failed",
				zap.String("chunk_id", chunk.ChunkID.String()),
				zap.String("server", addr),
				zap.Error(err))
			leftovers = append(leftovers, &metastore.ChunkTombstone{
				ChunkID:         chunk.ChunkID,
				StorageServerID: chunk.StorageServerID,
			})
		}
	}

	if len(leftovers) > 0 {
		if err := j.store.AddTombstones(ctx, leftovers); err != nil {
			return err
		}
	}

	if err := j.store.FinishExpiry(ctx, session); err != nil {
		return err
	}
	j.log.Info("expired session reclaimed",
		zap.String("session_id", session.SessionID.String()),
		zap.String("file_id", session.FileID.String()),
		zap.Int("chunks", len(chunks)))
	return nil
}

func (j *Job) serverAddresses(ctx context.Context) (map[uuid.UUID]string, error) {
	servers, err := j.store.AllServers(ctx)
	if err != nil {
		return nil, err
	}
	addresses := make(map[uuid.UUID]string, len(servers))
	for _, s := range servers {
		addresses[s.ServerID] = s.Address
	}
	return addresses, nil
}
