package chunkserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// ChecksumHeader carries the announced SHA-256 of a chunk body. It is
// sent once per put, ahead of the streamed bytes.
const ChecksumHeader = "X-Chunk-Checksum"

// Server exposes the chunk RPC over HTTP: streaming put/get, idempotent
// delete, and a health/capacity probe.
type Server struct {
	store *DiskStore
	log   *zap.Logger
}

// NewServer wraps a DiskStore with HTTP handlers.
func NewServer(store *DiskStore, log *zap.Logger) *Server {
	return &Server{store: store, log: log}
}

// Router builds the chunk-node route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/chunks/{chunk_id}", s.handlePut).Methods(http.MethodPut)
	r.HandleFunc("/chunks/{chunk_id}", s.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/chunks/{chunk_id}", s.handleDelete).Methods(http.MethodDelete)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	return r
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	chunkID, ok := parseChunkID(w, r)
	if !ok {
		return
	}

	checksum := r.Header.Get(ChecksumHeader)
	size, err := s.store.Put(chunkID, r.Body, checksum)
	if err != nil {
		switch {
		case errors.Is(err, ErrChecksumMismatch):
			s.log.Warn("chunk rejected: checksum mismatch", zap.String("chunk_id", chunkID))
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		case errors.Is(err, ErrOutOfSpace):
			s.log.Error("chunk rejected: disk full", zap.String("chunk_id", chunkID))
			writeError(w, http.StatusInsufficientStorage, "disk full")
		default:
			s.log.Error("chunk write failed", zap.String("chunk_id", chunkID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to store chunk")
		}
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"success":  true,
		"chunk_id": chunkID,
		"size":     size,
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	chunkID, ok := parseChunkID(w, r)
	if !ok {
		return
	}

	reader, size, err := s.store.Open(chunkID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "chunk not found")
			return
		}
		s.log.Error("chunk read failed", zap.String("chunk_id", chunkID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read chunk")
		return
	}
	defer reader.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	if _, err := io.Copy(w, reader); err != nil {
		s.log.Warn("chunk stream interrupted", zap.String("chunk_id", chunkID), zap.Error(err))
	}
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	chunkID, ok := parseChunkID(w, r)
	if !ok {
		return
	}

	if err := s.store.Delete(chunkID); err != nil {
		s.log.Error("chunk delete failed", zap.String("chunk_id", chunkID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to delete chunk")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "chunk_id": chunkID})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	total, used, available, err := s.store.Stats()
	if err != nil {
		s.log.Error("health probe failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"status": "unhealthy"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "healthy",
		"total_space":     total,
		"used_space":      used,
		"available_space": available,
	})
}

func parseChunkID(w http.ResponseWriter, r *http.Request) (string, bool) {
	chunkID := mux.Vars(r)["chunk_id"]
	if _, err := uuid.Parse(chunkID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid chunk id")
		return "", false
	}
	return chunkID, true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}
