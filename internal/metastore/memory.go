package metastore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a mutex-guarded in-memory MetaStore. It mirrors the
// conditional-transition semantics of the postgres implementation and
// exists for unit tests and single-binary development.
type MemoryStore struct {
	mu         sync.Mutex
	files      map[uuid.UUID]*File
	chunks     map[uuid.UUID][]*Chunk // keyed by file_id
	sessions   map[uuid.UUID]*UploadSession
	servers    map[uuid.UUID]*StorageServer
	byAddr     map[string]uuid.UUID
	tombstones map[uuid.UUID]*ChunkTombstone
}

var _ MetaStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		files:      make(map[uuid.UUID]*File),
		chunks:     make(map[uuid.UUID][]*Chunk),
		sessions:   make(map[uuid.UUID]*UploadSession),
		servers:    make(map[uuid.UUID]*StorageServer),
		byAddr:     make(map[string]uuid.UUID),
		tombstones: make(map[uuid.UUID]*ChunkTombstone),
	}
}

func (m *MemoryStore) Ping(context.Context) error { return nil }
func (m *MemoryStore) Close()                     {}

func (m *MemoryStore) CreateFileWithSession(_ context.Context, file *File, ttl time.Duration) (*UploadSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if file.FileID == uuid.Nil {
		file.FileID = uuid.New()
	}
	if file.ContentType == "" {
		file.ContentType = "application/octet-stream"
	}
	if _, ok := m.files[file.FileID]; ok {
		return nil, fmt.Errorf("%w: file %s", ErrDuplicate, file.FileID)
	}
	for _, s := range m.sessions {
		if s.FileID == file.FileID && s.Status == SessionStatusActive {
			return nil, fmt.Errorf("%w: active session exists for file %s", ErrConflict, file.FileID)
		}
	}

	now := time.Now()
	file.UploadStatus = FileStatusPending
	file.CreatedAt = now
	file.UpdatedAt = now
	m.files[file.FileID] = copyFile(file)

	session := &UploadSession{
		SessionID: uuid.New(),
		FileID:    file.FileID,
		Status:    SessionStatusActive,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.sessions[session.SessionID] = copySession(session)
	return session, nil
}

func (m *MemoryStore) GetFile(_ context.Context, fileID uuid.UUID) (*File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	file, ok := m.files[fileID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyFile(file), nil
}

func (m *MemoryStore) GetFileWithChunks(ctx context.Context, fileID uuid.UUID) (*File, error) {
	file, err := m.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	chunks, err := m.GetChunksByFileID(ctx, fileID)
	if err != nil {
		return nil, err
	}
	file.Chunks = chunks
	return file, nil
}

func (m *MemoryStore) ListFiles(_ context.Context, status string, page, perPage int) ([]*File, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if page < 1 {
		page = 1
	}

	var matched []*File
	for _, f := range m.files {
		if f.UploadStatus == status {
			matched = append(matched, copyFile(f))
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].FileID.String() < matched[j].FileID.String()
	})

	total := int64(len(matched))
	start := (page - 1) * perPage
	if start >= len(matched) {
		return nil, total, nil
	}
	end := start + perPage
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], total, nil
}

func (m *MemoryStore) MarkFileFailed(_ context.Context, fileID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	file, ok := m.files[fileID]
	if !ok || file.UploadStatus != FileStatusPending {
		return ErrConflict
	}
	file.UploadStatus = FileStatusFailed
	file.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) DeleteFile(_ context.Context, fileID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.files[fileID]; !ok {
		return ErrNotFound
	}
	delete(m.files, fileID)
	delete(m.chunks, fileID)
	return nil
}

func (m *MemoryStore) RecordChunk(_ context.Context, chunk *Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if chunk.ChunkID == uuid.Nil {
		chunk.ChunkID = uuid.New()
	}
	if _, ok := m.files[chunk.FileID]; !ok {
		return ErrNotFound
	}
	for _, existing := range m.chunks[chunk.FileID] {
		if existing.ChunkNumber == chunk.ChunkNumber {
			return fmt.Errorf("%w: chunk %d of file %s", ErrDuplicate, chunk.ChunkNumber, chunk.FileID)
		}
	}
	chunk.Status = ChunkStatusStored
	chunk.CreatedAt = time.Now()
	stored := *chunk
	m.chunks[chunk.FileID] = append(m.chunks[chunk.FileID], &stored)
	return nil
}

func (m *MemoryStore) GetChunksByFileID(_ context.Context, fileID uuid.UUID) ([]*Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	chunks := make([]*Chunk, 0, len(m.chunks[fileID]))
	for _, c := range m.chunks[fileID] {
		copied := *c
		chunks = append(chunks, &copied)
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].ChunkNumber < chunks[j].ChunkNumber })
	return chunks, nil
}

func (m *MemoryStore) CompleteUpload(_ context.Context, sessionID, fileID uuid.UUID, checksum string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok || session.Status != SessionStatusActive {
		return fmt.Errorf("%w: session %s is not active", ErrConflict, sessionID)
	}
	file, ok := m.files[fileID]
	if !ok || file.UploadStatus != FileStatusPending {
		return fmt.Errorf("%w: file %s is not pending", ErrConflict, fileID)
	}

	now := time.Now()
	session.Status = SessionStatusCompleted
	session.UpdatedAt = now
	file.UploadStatus = FileStatusCompleted
	file.Checksum = checksum
	file.UpdatedAt = now
	file.CompletedAt = &now
	return nil
}

func (m *MemoryStore) AbortSession(_ context.Context, sessionID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok || session.Status != SessionStatusActive {
		return fmt.Errorf("%w: session %s is not active", ErrConflict, sessionID)
	}
	session.Status = SessionStatusExpired
	session.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ClaimExpiredSessions(_ context.Context, limit int) ([]*UploadSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	staleClaim := now.Add(-reclaimGrace)
	var claimable []*UploadSession
	for _, s := range m.sessions {
		if (s.Status == SessionStatusActive && s.ExpiresAt.Before(now)) ||
			s.Status == SessionStatusExpired ||
			(s.Status == SessionStatusExpiring && s.UpdatedAt.Before(staleClaim)) {
			claimable = append(claimable, s)
		}
	}
	sort.Slice(claimable, func(i, j int) bool {
		return claimable[i].ExpiresAt.Before(claimable[j].ExpiresAt)
	})
	if len(claimable) > limit {
		claimable = claimable[:limit]
	}

	claimed := make([]*UploadSession, 0, len(claimable))
	for _, s := range claimable {
		s.Status = SessionStatusExpiring
		s.UpdatedAt = now
		claimed = append(claimed, copySession(s))
	}
	return claimed, nil
}

func (m *MemoryStore) FinishExpiry(_ context.Context, session *UploadSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.files, session.FileID)
	delete(m.chunks, session.FileID)
	delete(m.sessions, session.SessionID)
	return nil
}

func (m *MemoryStore) AddTombstones(_ context.Context, tombstones []*ChunkTombstone) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for _, t := range tombstones {
		if _, ok := m.tombstones[t.ChunkID]; ok {
			continue
		}
		stored := *t
		stored.CreatedAt = now
		m.tombstones[t.ChunkID] = &stored
	}
	return nil
}

func (m *MemoryStore) ListTombstones(_ context.Context, limit int) ([]*ChunkTombstone, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tombstones := make([]*ChunkTombstone, 0, len(m.tombstones))
	for _, t := range m.tombstones {
		copied := *t
		tombstones = append(tombstones, &copied)
	}
	sort.Slice(tombstones, func(i, j int) bool {
		if !tombstones[i].CreatedAt.Equal(tombstones[j].CreatedAt) {
			return tombstones[i].CreatedAt.Before(tombstones[j].CreatedAt)
		}
		return tombstones[i].ChunkID.String() < tombstones[j].ChunkID.String()
	})
	if len(tombstones) > limit {
		tombstones = tombstones[:limit]
	}
	return tombstones, nil
}

func (m *MemoryStore) RemoveTombstone(_ context.Context, chunkID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.tombstones, chunkID)
	return nil
}

func (m *MemoryStore) UpsertServer(_ context.Context, server *StorageServer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existingID, ok := m.byAddr[server.Address]; ok {
		server.ServerID = existingID
	} else if server.ServerID == uuid.Nil {
		server.ServerID = uuid.New()
	}

	now := time.Now()
	server.Status = ServerStatusActive
	server.LastHeartbeat = now
	if existing, ok := m.servers[server.ServerID]; ok {
		server.CreatedAt = existing.CreatedAt
	} else {
		server.CreatedAt = now
	}
	m.servers[server.ServerID] = copyServer(server)
	m.byAddr[server.Address] = server.ServerID
	return nil
}

func (m *MemoryStore) Heartbeat(_ context.Context, serverID uuid.UUID, usedSpace, availableSpace int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	server, ok := m.servers[serverID]
	if !ok {
		return ErrNotFound
	}
	server.LastHeartbeat = time.Now()
	server.UsedSpace = usedSpace
	server.AvailableSpace = availableSpace
	return nil
}

func (m *MemoryStore) LiveServers(_ context.Context, window time.Duration) ([]*StorageServer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-window)
	var live []*StorageServer
	for _, s := range m.servers {
		if s.Status == ServerStatusActive && s.LastHeartbeat.After(cutoff) {
			live = append(live, copyServer(s))
		}
	}
	sort.Slice(live, func(i, j int) bool {
		return live[i].ServerID.String() < live[j].ServerID.String()
	})
	return live, nil
}

func (m *MemoryStore) AllServers(_ context.Context) ([]*StorageServer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	servers := make([]*StorageServer, 0, len(m.servers))
	for _, s := range m.servers {
		servers = append(servers, copyServer(s))
	}
	sort.Slice(servers, func(i, j int) bool {
		return servers[i].ServerID.String() < servers[j].ServerID.String()
	})
	return servers, nil
}

func copyFile(f *File) *File {
	copied := *f
	copied.Chunks = nil
	return &copied
}

func copySession(s *UploadSession) *UploadSession {
	copied := *s
	return &copied
}

func copyServer(s *StorageServer) *StorageServer {
	copied := *s
	return &copied
}
