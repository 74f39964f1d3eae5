package metastore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS storage_servers (
	server_id       UUID PRIMARY KEY,
	address         TEXT NOT NULL UNIQUE,
	status          TEXT NOT NULL DEFAULT 'active'
		CHECK (status IN ('active', 'inactive')),
	total_space     BIGINT NOT NULL DEFAULT 0,
	used_space      BIGINT NOT NULL DEFAULT 0,
	available_space BIGINT NOT NULL DEFAULT 0,
	last_heartbeat  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS files (
	file_id       UUID PRIMARY KEY,
	filename      TEXT NOT NULL,
	content_type  TEXT NOT NULL DEFAULT 'application/octet-stream',
	total_size    BIGINT NOT NULL CHECK (total_size >= 0),
	checksum      TEXT NOT NULL DEFAULT '',
	upload_status TEXT NOT NULL DEFAULT 'pending'
		CHECK (upload_status IN ('pending', 'completed', 'failed')),
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	completed_at  TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS chunks (
	chunk_id          UUID PRIMARY KEY,
	file_id           UUID NOT NULL REFERENCES files(file_id) ON DELETE CASCADE,
	chunk_number      INT NOT NULL CHECK (chunk_number >= 0),
	storage_server_id UUID NOT NULL REFERENCES storage_servers(server_id),
	chunk_size        BIGINT NOT NULL CHECK (chunk_size >= 0),
	chunk_hash        TEXT NOT NULL,
	status            TEXT NOT NULL DEFAULT 'pending'
		CHECK (status IN ('pending', 'stored', 'failed')),
	created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (file_id, chunk_number)
);

CREATE TABLE IF NOT EXISTS upload_sessions (
	session_id UUID PRIMARY KEY,
	file_id    UUID NOT NULL REFERENCES files(file_id) ON DELETE CASCADE,
	status     TEXT NOT NULL DEFAULT 'active'
		CHECK (status IN ('active', 'completed', 'expiring', 'expired')),
	expires_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS chunk_tombstones (
	chunk_id          UUID PRIMARY KEY,
	storage_server_id UUID NOT NULL REFERENCES storage_servers(server_id),
	created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS upload_sessions_one_active_per_file
	ON upload_sessions (file_id) WHERE status = 'active';
CREATE INDEX IF NOT EXISTS upload_sessions_expiry
	ON upload_sessions (expires_at) WHERE status = 'active';
CREATE INDEX IF NOT EXISTS files_status_created
	ON files (upload_status, created_at DESC);
`

// PostgresStore implements MetaStore on top of PostgreSQL via pgx.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ MetaStore = (*PostgresStore)(nil)

// NewPostgresStore wraps an existing connection pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates tables and indexes if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) CreateFileWithSession(ctx context.Context, file *File, ttl time.Duration) (*UploadSession, error) {
	if file.FileID == uuid.Nil {
		file.FileID = uuid.New()
	}
	if file.ContentType == "" {
		file.ContentType = "application/octet-stream"
	}

	session := &UploadSession{
		SessionID: uuid.New(),
		FileID:    file.FileID,
		Status:    SessionStatusActive,
		ExpiresAt: time.Now().Add(ttl),
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO files (file_id, filename, content_type, total_size, upload_status)
		VALUES ($1, $2, $3, $4, 'pending')
		RETURNING created_at, updated_at`,
		file.FileID, file.Filename, file.ContentType, file.TotalSize,
	).Scan(&file.CreatedAt, &file.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: file %s", ErrDuplicate, file.FileID)
		}
		return nil, fmt.Errorf("insert file: %w", err)
	}
	file.UploadStatus = FileStatusPending

	err = tx.QueryRow(ctx, `
		INSERT INTO upload_sessions (session_id, file_id, status, expires_at)
		VALUES ($1, $2, 'active', $3)
		RETURNING created_at, updated_at`,
		session.SessionID, session.FileID, session.ExpiresAt,
	).Scan(&session.CreatedAt, &session.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: active session exists for file %s", ErrConflict, file.FileID)
		}
		return nil, fmt.Errorf("insert session: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return session, nil
}

func (s *PostgresStore) GetFile(ctx context.Context, fileID uuid.UUID) (*File, error) {
	file := &File{}
	err := s.pool.QueryRow(ctx, `
		SELECT file_id, filename, content_type, total_size, checksum,
		       upload_status, created_at, updated_at, completed_at
		FROM files WHERE file_id = $1`,
		fileID,
	).Scan(
		&file.FileID, &file.Filename, &file.ContentType, &file.TotalSize,
		&file.Checksum, &file.UploadStatus, &file.CreatedAt, &file.UpdatedAt,
		&file.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get file: %w", err)
	}
	return file, nil
}

func (s *PostgresStore) GetFileWithChunks(ctx context.Context, fileID uuid.UUID) (*File, error) {
	file, err := s.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	chunks, err := s.GetChunksByFileID(ctx, fileID)
	if err != nil {
		return nil, err
	}
	file.Chunks = chunks
	return file, nil
}

func (s *PostgresStore) ListFiles(ctx context.Context, status string, page, perPage int) ([]*File, int64, error) {
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * perPage

	rows, err := s.pool.Query(ctx, `
		SELECT file_id, filename, content_type, total_size, checksum,
		       upload_status, created_at, updated_at, completed_at
		FROM files
		WHERE upload_status = $1
		ORDER BY created_at DESC, file_id
		LIMIT $2 OFFSET $3`,
		status, perPage, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	var files []*File
	for rows.Next() {
		file := &File{}
		if err := rows.Scan(
			&file.FileID, &file.Filename, &file.ContentType, &file.TotalSize,
			&file.Checksum, &file.UploadStatus, &file.CreatedAt, &file.UpdatedAt,
			&file.CompletedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan file: %w", err)
		}
		files = append(files, file)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate files: %w", err)
	}

	var total int64
	err = s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM files WHERE upload_status = $1`, status,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count files: %w", err)
	}
	return files, total, nil
}

func (s *PostgresStore) MarkFileFailed(ctx context.Context, fileID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE files SET upload_status = 'failed', updated_at = NOW()
		WHERE file_id = $1 AND upload_status = 'pending'`,
		fileID,
	)
	if err != nil {
		return fmt.Errorf("mark file failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) DeleteFile(ctx context.Context, fileID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM files WHERE file_id = $1`, fileID)
	if err != nil {
		return fmt.Errorf("delete file: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) RecordChunk(ctx context.Context, chunk *Chunk) error {
	if chunk.ChunkID == uuid.Nil {
		chunk.ChunkID = uuid.New()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO chunks (chunk_id, file_id, chunk_number, storage_server_id,
		                    chunk_size, chunk_hash, status)
		VALUES ($1, $2, $3, $4, $5, $6, 'stored')
		RETURNING created_at`,
		chunk.ChunkID, chunk.FileID, chunk.ChunkNumber, chunk.StorageServerID,
		chunk.ChunkSize, chunk.ChunkHash,
	).Scan(&chunk.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: chunk %d of file %s", ErrDuplicate, chunk.ChunkNumber, chunk.FileID)
		}
		return fmt.Errorf("record chunk: %w", err)
	}
	chunk.Status = ChunkStatusStored
	return nil
}

func (s *PostgresStore) GetChunksByFileID(ctx context.Context, fileID uuid.UUID) ([]*Chunk, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT chunk_id, file_id, chunk_number, storage_server_id,
		       chunk_size, chunk_hash, status, created_at
		FROM chunks
		WHERE file_id = $1
		ORDER BY chunk_number ASC`,
		fileID,
	)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*Chunk
	for rows.Next() {
		chunk := &Chunk{}
		if err := rows.Scan(
			&chunk.ChunkID, &chunk.FileID, &chunk.ChunkNumber,
			&chunk.StorageServerID, &chunk.ChunkSize, &chunk.ChunkHash,
			&chunk.Status, &chunk.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		chunks = append(chunks, chunk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}
	return chunks, nil
}

func (s *PostgresStore) CompleteUpload(ctx context.Context, sessionID, fileID uuid.UUID, checksum string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	// The conditional status check is the claim: if the cleanup job got
	// here first the session is no longer active and we must not publish
	// the file.
	tag, err := tx.Exec(ctx, `
		UPDATE upload_sessions SET status = 'completed', updated_at = NOW()
		WHERE session_id = $1 AND status = 'active'`,
		sessionID,
	)
	if err != nil {
		return fmt.Errorf("complete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: session %s is not active", ErrConflict, sessionID)
	}

	tag, err = tx.Exec(ctx, `
		UPDATE files
		SET upload_status = 'completed', checksum = $1,
		    updated_at = NOW(), completed_at = NOW()
		WHERE file_id = $2 AND upload_status = 'pending'`,
		checksum, fileID,
	)
	if err != nil {
		return fmt.Errorf("complete file: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: file %s is not pending", ErrConflict, fileID)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) AbortSession(ctx context.Context, sessionID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE upload_sessions SET status = 'expired', updated_at = NOW()
		WHERE session_id = $1 AND status = 'active'`,
		sessionID,
	)
	if err != nil {
		return fmt.Errorf("abort session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: session %s is not active", ErrConflict, sessionID)
	}
	return nil
}

func (s *PostgresStore) ClaimExpiredSessions(ctx context.Context, limit int) ([]*UploadSession, error) {
	// Claims sessions whose TTL has lapsed while still active, explicitly
	// aborted ones that still hold rows, and sessions stuck in "expiring"
	// past the grace window (a claim orphaned by a dead cleanup pass).
	// SKIP LOCKED keeps concurrent job runs from fighting over the same
	// sessions.
	rows, err := s.pool.Query(ctx, `
		UPDATE upload_sessions SET status = 'expiring', updated_at = NOW()
		WHERE session_id IN (
			SELECT session_id FROM upload_sessions
			WHERE (status = 'active' AND expires_at < NOW())
			   OR status = 'expired'
			   OR (status = 'expiring' AND updated_at < $2)
			ORDER BY expires_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING session_id, file_id, status, expires_at, created_at, updated_at`,
		limit, time.Now().Add(-reclaimGrace),
	)
	if err != nil {
		return nil, fmt.Errorf("claim expired sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*UploadSession
	for rows.Next() {
		session := &UploadSession{}
		if err := rows.Scan(
			&session.SessionID, &session.FileID, &session.Status,
			&session.ExpiresAt, &session.CreatedAt, &session.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

func (s *PostgresStore) FinishExpiry(ctx context.Context, session *UploadSession) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	// Deleting the file cascades to chunks and the session row itself.
	// The file may already be gone from a previous partially-failed run;
	// that is fine, the job is idempotent.
	if _, err := tx.Exec(ctx, `DELETE FROM files WHERE file_id = $1`, session.FileID); err != nil {
		return fmt.Errorf("delete file: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM upload_sessions WHERE session_id = $1`, session.SessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) AddTombstones(ctx context.Context, tombstones []*ChunkTombstone) error {
	for _, t := range tombstones {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO chunk_tombstones (chunk_id, storage_server_id)
			VALUES ($1, $2)
			ON CONFLICT (chunk_id) DO NOTHING`,
			t.ChunkID, t.StorageServerID,
		)
		if err != nil {
			return fmt.Errorf("add tombstone: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) ListTombstones(ctx context.Context, limit int) ([]*ChunkTombstone, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT chunk_id, storage_server_id, created_at
		FROM chunk_tombstones
		ORDER BY created_at ASC, chunk_id
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list tombstones: %w", err)
	}
	defer rows.Close()

	var tombstones []*ChunkTombstone
	for rows.Next() {
		t := &ChunkTombstone{}
		if err := rows.Scan(&t.ChunkID, &t.StorageServerID, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan tombstone: %w", err)
		}
		tombstones = append(tombstones, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tombstones: %w", err)
	}
	return tombstones, nil
}

func (s *PostgresStore) RemoveTombstone(ctx context.Context, chunkID uuid.UUID) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM chunk_tombstones WHERE chunk_id = $1`, chunkID,
	); err != nil {
		return fmt.Errorf("remove tombstone: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpsertServer(ctx context.Context, server *StorageServer) error {
	if server.ServerID == uuid.Nil {
		server.ServerID = uuid.New()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO storage_servers
			(server_id, address, status, total_space, used_space, available_space)
		VALUES ($1, $2, 'active', $3, $4, $5)
		ON CONFLICT (address) DO UPDATE SET
			status = 'active',
			total_space = EXCLUDED.total_space,
			used_space = EXCLUDED.used_space,
			available_space = EXCLUDED.available_space,
			last_heartbeat = NOW()
		RETURNING server_id, created_at, last_heartbeat`,
		server.ServerID, server.Address, server.TotalSpace,
		server.UsedSpace, server.AvailableSpace,
	).Scan(&server.ServerID, &server.CreatedAt, &server.LastHeartbeat)
	if err != nil {
		return fmt.Errorf("upsert server: %w", err)
	}
	server.Status = ServerStatusActive
	return nil
}

func (s *PostgresStore) Heartbeat(ctx context.Context, serverID uuid.UUID, usedSpace, availableSpace int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE storage_servers
		SET last_heartbeat = NOW(), used_space = $1, available_space = $2
		WHERE server_id = $3`,
		usedSpace, availableSpace, serverID,
	)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) LiveServers(ctx context.Context, window time.Duration) ([]*StorageServer, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT server_id, address, status, total_space, used_space,
		       available_space, last_heartbeat, created_at
		FROM storage_servers
		WHERE status = 'active' AND last_heartbeat > $1
		ORDER BY server_id`,
		time.Now().Add(-window),
	)
	if err != nil {
		return nil, fmt.Errorf("query live servers: %w", err)
	}
	defer rows.Close()

	var servers []*StorageServer
	for rows.Next() {
		server := &StorageServer{}
		if err := rows.Scan(
			&server.ServerID, &server.Address, &server.Status,
			&server.TotalSpace, &server.UsedSpace, &server.AvailableSpace,
			&server.LastHeartbeat, &server.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan server: %w", err)
		}
		servers = append(servers, server)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate servers: %w", err)
	}
	return servers, nil
}

func (s *PostgresStore) AllServers(ctx context.Context) ([]*StorageServer, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT server_id, address, status, total_space, used_space,
		       available_space, last_heartbeat, created_at
		FROM storage_servers
		ORDER BY server_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query servers: %w", err)
	}
	defer rows.Close()

	var servers []*StorageServer
	for rows.Next() {
		server := &StorageServer{}
		if err := rows.Scan(
			&server.ServerID, &server.Address, &server.Status,
			&server.TotalSpace, &server.UsedSpace, &server.AvailableSpace,
			&server.LastHeartbeat, &server.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan server: %w", err)
		}
		servers = append(servers, server)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate servers: %w", err)
	}
	return servers, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
