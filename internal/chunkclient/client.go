// Package chunkclient is the gateway-side client for the chunk RPC
// exposed by storage nodes.
package chunkclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

var (
	// ErrChunkNotFound is returned when a node does not hold the chunk.
	ErrChunkNotFound = errors.New("chunk not found on storage node")
	// ErrChecksumRejected is returned when the node refuses a put
	// because the streamed bytes did not match the announced checksum.
	ErrChecksumRejected = errors.New("storage node rejected chunk checksum")
)

// ChecksumHeader mirrors the header the chunk server expects.
const ChecksumHeader = "X-Chunk-Checksum"

// NodeHealth is a storage node's health/capacity snapshot.
type NodeHealth struct {
	Status         string `json:"status"`
	TotalSpace     int64  `json:"total_space"`
	UsedSpace      int64  `json:"used_space"`
	AvailableSpace int64  `json:"available_space"`
}

// Client talks to storage nodes over HTTP with bounded deadlines.
type Client struct {
	http           *http.Client
	requestTimeout time.Duration
}

// New creates a client. requestTimeout bounds every chunk RPC; zero
// means one minute.
func New(requestTimeout time.Duration) *Client {
	if requestTimeout <= 0 {
		requestTimeout = time.Minute
	}
	return &Client{
		http:           &http.Client{},
		requestTimeout: requestTimeout,
	}
}

// PutChunk streams body to the node at addr under chunkID, announcing
// the expected SHA-256 once. size is passed through as Content-Length so
// the node can fail fast on truncated streams.
func (c *Client) PutChunk(ctx context.Context, addr, chunkID, checksum string, body io.Reader, size int64) error {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.chunkURL(addr, chunkID), body)
	if err != nil {
		return fmt.Errorf("build put request: %w", err)
	}
	req.Header.Set(ChecksumHeader, checksum)
	req.ContentLength = size

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("put chunk %s to %s: %w", chunkID, addr, err)
	}
	defer drainAndClose(resp.Body)

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusOK:
		return nil
	case http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: chunk %s on %s", ErrChecksumRejected, chunkID, addr)
	default:
		return fmt.Errorf("put chunk %s to %s: %s", chunkID, addr, readError(resp))
	}
}

// GetChunk opens a stream over the chunk bytes. The caller must close
// the returned reader. The request context bounds the whole stream, so
// no per-call timeout is applied here.
func (c *Client) GetChunk(ctx context.Context, addr, chunkID string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.chunkURL(addr, chunkID), nil)
	if err != nil {
		return nil, fmt.Errorf("build get request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get chunk %s from %s: %w", chunkID, addr, err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return resp.Body, nil
	case http.StatusNotFound:
		drainAndClose(resp.Body)
		return nil, fmt.Errorf("%w: chunk %s on %s", ErrChunkNotFound, chunkID, addr)
	default:
		msg := readError(resp)
		drainAndClose(resp.Body)
		return nil, fmt.Errorf("get chunk %s from %s: %s", chunkID, addr, msg)
	}
}

// DeleteChunk removes the chunk from the node. A missing chunk is a
// success: deletes are idempotent by contract.
func (c *Client) DeleteChunk(ctx context.Context, addr, chunkID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.chunkURL(addr, chunkID), nil)
	if err != nil {
		return fmt.Errorf("build delete request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("delete chunk %s on %s: %w", chunkID, addr, err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return fmt.Errorf("delete chunk %s on %s: %s", chunkID, addr, readError(resp))
}

// Health fetches the node's health snapshot and validates the capacity
// invariant available <= total.
func (c *Client) Health(ctx context.Context, addr string) (*NodeHealth, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s/health", addr), nil)
	if err != nil {
		return nil, fmt.Errorf("build health request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("health check %s: %w", addr, err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("health check %s: status %d", addr, resp.StatusCode)
	}

	health := &NodeHealth{}
	if err := json.NewDecoder(resp.Body).Decode(health); err != nil {
		return nil, fmt.Errorf("decode health response from %s: %w", addr, err)
	}
	if health.AvailableSpace > health.TotalSpace {
		return nil, fmt.Errorf("health check %s: available space exceeds total", addr)
	}
	return health, nil
}

func (c *Client) chunkURL(addr, chunkID string) string {
	return fmt.Sprintf("http://%s/chunks/%s", addr, chunkID)
}

func readError(resp *http.Response) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body); err == nil && body.Error != "" {
		return fmt.Sprintf("status %d: %s", resp.StatusCode, body.Error)
	}
	return fmt.Sprintf("status %d", resp.StatusCode)
}

func drainAndClose(body io.ReadCloser) {
	io.Copy(io.Discard, io.LimitReader(body, 4096))
	body.Close()
}
