// Package gateway translates whole-file HTTP operations into session,
// ring and chunk RPC primitives.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Talkytitan5127/s3-storage/internal/chunker"
	"github.com/Talkytitan5127/s3-storage/internal/metastore"
	"github.com/Talkytitan5127/s3-storage/internal/session"
)

const (
	multipartMemory = 32 << 20
	defaultPerPage  = 20
	maxPerPage      = 100
	uploadTimeout   = 30 * time.Minute
	downloadTimeout = 30 * time.Minute
	metadataTimeout = 10 * time.Second
)

// ChunkFetcher is the slice of the chunk RPC the gateway needs beyond
// what the session manager already owns.
type ChunkFetcher interface {
	GetChunk(ctx context.Context, addr, chunkID string) (io.ReadCloser, error)
	DeleteChunk(ctx context.Context, addr, chunkID string) error
}

// Handler serves the public file API.
type Handler struct {
	store           metastore.MetaStore
	sessions        *session.Manager
	client          ChunkFetcher
	heartbeatWindow time.Duration
	parallelism     int
	log             *zap.Logger
}

// NewHandler wires the gateway handler. parallelism bounds concurrent
// chunk placements per upload.
func NewHandler(store metastore.MetaStore, sessions *session.Manager, client ChunkFetcher, heartbeatWindow time.Duration, parallelism int, log *zap.Logger) *Handler {
	if parallelism <= 0 {
		parallelism = 1
	}
	return &Handler{
		store:           store,
		sessions:        sessions,
		client:          client,
		heartbeatWindow: heartbeatWindow,
		parallelism:     parallelism,
		log:             log,
	}
}

// Router builds the public route table.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/files", h.Upload).Methods(http.MethodPost)
	r.HandleFunc("/files", h.List).Methods(http.MethodGet)
	r.HandleFunc("/files/{file_id}/metadata", h.Metadata).Methods(http.MethodGet)
	r.HandleFunc("/files/{file_id}", h.Download).Methods(http.MethodGet)
	r.HandleFunc("/files/{file_id}", h.Delete).Methods(http.MethodDelete)
	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	return r
}

// Upload accepts a multipart file, splits it per the chunk plan, places
// chunks concurrently, and finalizes the session once every placement
// has joined. Any failure leaves the session to expiry-based cleanup.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		writeError(w, http.StatusBadRequest, "failed to parse multipart form")
		return
	}
	part, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer part.Close()

	if header.Size <= 0 {
		writeError(w, http.StatusBadRequest, "file is empty")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), uploadTimeout)
	defer cancel()

	up, err := h.sessions.Open(ctx, header.Filename, header.Header.Get("Content-Type"), header.Size)
	if err != nil {
		switch {
		case errors.Is(err, chunker.ErrFileTooLarge):
			writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("file size exceeds maximum of %d bytes", int64(chunker.MaxFileSize)))
		case errors.Is(err, chunker.ErrInvalidFileSize):
			writeError(w, http.StatusBadRequest, "invalid file size")
		default:
			h.log.Error("open session failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to open upload session")
		}
		return
	}

	checksum, err := h.placeAll(ctx, up, part)
	if err != nil {
		if abortErr := h.sessions.Abort(ctx, up); abortErr != nil {
			h.log.Warn("abort after failed upload",
				zap.String("session_id", up.Session.SessionID.String()),
				zap.Error(abortErr))
		}
		if errors.Is(err, session.ErrNoServersAvailable) {
			writeError(w, http.StatusServiceUnavailable, "no storage servers available")
			return
		}
		h.log.Error("upload failed",
			zap.String("file_id", up.File.FileID.String()),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to store file")
		return
	}

	if err := h.sessions.Finalize(ctx, up, checksum); err != nil {
		h.log.Error("finalize failed",
			zap.String("file_id", up.File.FileID.String()),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to finalize upload")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"file_id":  up.File.FileID,
		"filename": up.File.Filename,
		"size":     up.File.TotalSize,
		"checksum": checksum,
		"chunks":   len(up.Plan),
		"status":   metastore.FileStatusCompleted,
	})
}

// placeAll fans chunk placements out over sections of the uploaded file;
// the errgroup is the join barrier required before finalization. Spooled
// multipart files support concurrent ReadAt, so no chunk is ever
// buffered whole in memory.
func (h *Handler) placeAll(ctx context.Context, up *session.Upload, src io.ReaderAt) (string, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.parallelism)

	for _, span := range up.Plan {
		span := span
		g.Go(func() error {
			_, err := h.sessions.PlaceChunk(gctx, up, span.Number,
				io.NewSectionReader(src, span.Offset, span.Size))
			return err
		})
	}

	// The whole-file checksum streams alongside the placements.
	checksum, n, err := chunker.ChecksumReader(io.NewSectionReader(src, 0, up.File.TotalSize))
	if err != nil {
		g.Wait()
		return "", fmt.Errorf("checksum upload: %w", err)
	}
	if n != up.File.TotalSize {
		g.Wait()
		return "", fmt.Errorf("upload has %d bytes, expected %d", n, up.File.TotalSize)
	}

	if err := g.Wait(); err != nil {
		return "", err
	}
	return checksum, nil
}

// Download streams a completed file's chunks in order. A pending or
// failed file is not visible. Content-Length is set up front so a
// mid-stream chunk failure surfaces as a truncated response, never a
// silently short success.
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	fileID, ok := parseFileID(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), downloadTimeout)
	defer cancel()

	file, err := h.store.GetFileWithChunks(ctx, fileID)
	if err != nil || file.UploadStatus != metastore.FileStatusCompleted {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}

	addresses, err := h.serverAddresses(ctx)
	if err != nil {
		h.log.Error("resolve server addresses", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to resolve storage servers")
		return
	}

	w.Header().Set("Content-Type", file.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", file.Filename))
	w.Header().Set("Content-Length", strconv.FormatInt(file.TotalSize, 10))

	body := &countingWriter{w: w}
	for _, chunk := range file.Chunks {
		addr, found := addresses[chunk.StorageServerID]
		if !found {
			h.abortDownload(w, body.n, file.FileID, chunk.ChunkNumber, errors.New("unknown storage server"))
			return
		}
		if err := h.streamChunk(ctx, body, addr, chunk); err != nil {
			h.abortDownload(w, body.n, file.FileID, chunk.ChunkNumber, err)
			return
		}
	}
}

// countingWriter tracks whether any body bytes went out, which decides
// if a failed download can still carry a real status code.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func (h *Handler) streamChunk(ctx context.Context, w io.Writer, addr string, chunk *metastore.Chunk) error {
	reader, err := h.client.GetChunk(ctx, addr, chunk.ChunkID.String())
	if err != nil {
		return err
	}
	defer reader.Close()

	n, err := io.Copy(w, reader)
	if err != nil {
		return err
	}
	if n != chunk.ChunkSize {
		return fmt.Errorf("chunk %s returned %d bytes, expected %d", chunk.ChunkID, n, chunk.ChunkSize)
	}
	return nil
}

// abortDownload reports a chunk failure to the client. Before any body
// byte is out the headers are unsent, so the download headers can be
// dropped and a real 500 returned. Once bytes are out the status line is
// gone; the declared Content-Length mismatch makes the truncation
// visible to the client instead.
func (h *Handler) abortDownload(w http.ResponseWriter, written int64, fileID uuid.UUID, chunkNumber int, err error) {
	h.log.Error("download aborted",
		zap.String("file_id", fileID.String()),
		zap.Int("chunk_number", chunkNumber),
		zap.Int64("bytes_written", written),
		zap.Error(err))

	if written == 0 {
		w.Header().Del("Content-Length")
		w.Header().Del("Content-Disposition")
		writeError(w, http.StatusInternalServerError, "failed to stream file")
		return
	}
	// Expire the write deadline so the connection tears down instead of
	// idling on a response that can no longer be completed.
	http.NewResponseController(w).SetWriteDeadline(time.Now())
}

// Metadata returns the full metadata document, including per-chunk
// placement, for completed files.
func (h *Handler) Metadata(w http.ResponseWriter, r *http.Request) {
	fileID, ok := parseFileID(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), metadataTimeout)
	defer cancel()

	file, err := h.store.GetFileWithChunks(ctx, fileID)
	if err != nil || file.UploadStatus != metastore.FileStatusCompleted {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}

	chunks := make([]map[string]any, 0, len(file.Chunks))
	for _, chunk := range file.Chunks {
		chunks = append(chunks, map[string]any{
			"chunk_id":     chunk.ChunkID,
			"chunk_number": chunk.ChunkNumber,
			"server_id":    chunk.StorageServerID,
			"size":         chunk.ChunkSize,
			"status":       chunk.Status,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"file_id":       file.FileID,
		"filename":      file.Filename,
		"content_type":  file.ContentType,
		"size":          file.TotalSize,
		"checksum":      file.Checksum,
		"upload_status": file.UploadStatus,
		"created_at":    file.CreatedAt,
		"chunks":        chunks,
	})
}

// List returns one page of completed files.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), metadataTimeout)
	defer cancel()

	page := queryInt(r, "page", 1)
	perPage := queryInt(r, "per_page", defaultPerPage)
	if perPage > maxPerPage {
		perPage = maxPerPage
	}

	files, total, err := h.store.ListFiles(ctx, metastore.FileStatusCompleted, page, perPage)
	if err != nil {
		h.log.Error("list files failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list files")
		return
	}

	items := make([]map[string]any, 0, len(files))
	for _, file := range files {
		items = append(items, map[string]any{
			"file_id":    file.FileID,
			"filename":   file.Filename,
			"size":       file.TotalSize,
			"checksum":   file.Checksum,
			"created_at": file.CreatedAt,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"files":    items,
		"total":    total,
		"page":     page,
		"per_page": perPage,
	})
}

// Delete removes the metadata first, making the file invisible to
// readers immediately, then best-effort deletes chunk bytes. Node
// failures are logged; the bytes are unreferenced either way.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	fileID, ok := parseFileID(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), downloadTimeout)
	defer cancel()

	file, err := h.store.GetFileWithChunks(ctx, fileID)
	if err != nil || file.UploadStatus != metastore.FileStatusCompleted {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}

	if err := h.store.DeleteFile(ctx, fileID); err != nil {
		if errors.Is(err, metastore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "file not found")
			return
		}
		h.log.Error("delete file failed", zap.String("file_id", fileID.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to delete file")
		return
	}

	addresses, err := h.serverAddresses(ctx)
	if err != nil {
		addresses = map[uuid.UUID]string{}
	}

	deleted := 0
	var leftovers []*metastore.ChunkTombstone
	for _, chunk := range file.Chunks {
		addr, found := addresses[chunk.StorageServerID]
		if found {
			if err := h.client.DeleteChunk(ctx, addr, chunk.ChunkID.String()); err == nil {
				deleted++
				continue
			} else {
				h.log.Warn("chunk delete failed",
					zap.String("chunk_id", chunk.ChunkID.String()),
					zap.String("server", addr),
					zap.Error(err))
			}
		}
		leftovers = append(leftovers, &metastore.ChunkTombstone{
			ChunkID:         chunk.ChunkID,
			StorageServerID: chunk.StorageServerID,
		})
	}

	// Chunks that outlived their metadata get a tombstone so the cleanup
	// job retries the node-side delete later.
	if len(leftovers) > 0 {
		if err := h.store.AddTombstones(ctx, leftovers); err != nil {
			h.log.Error("record chunk tombstones",
				zap.String("file_id", fileID.String()),
				zap.Int("chunks", len(leftovers)),
				zap.Error(err))
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message":        "file deleted",
		"file_id":        fileID,
		"deleted_chunks": deleted,
		"failed_chunks":  len(leftovers),
	})
}

// Health reports metadata store reachability and live node count.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), metadataTimeout)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unhealthy",
			"error":  "metadata store unreachable",
		})
		return
	}

	servers, err := h.store.LiveServers(ctx, h.heartbeatWindow)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unhealthy",
			"error":  "failed to query storage servers",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "healthy",
		"storage_servers": len(servers),
	})
}

func (h *Handler) serverAddresses(ctx context.Context) (map[uuid.UUID]string, error) {
	servers, err := h.store.AllServers(ctx)
	if err != nil {
		return nil, err
	}
	addresses := make(map[uuid.UUID]string, len(servers))
	for _, s := range servers {
		addresses[s.ServerID] = s.Address
	}
	return addresses, nil
}

func parseFileID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	fileID, err := uuid.Parse(mux.Vars(r)["file_id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid file id")
		return uuid.Nil, false
	}
	return fileID, true
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
