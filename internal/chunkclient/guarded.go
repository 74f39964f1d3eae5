package chunkclient

import (
	"context"
	"fmt"
	"io"

	"github.com/Talkytitan5127/s3-storage/internal/circuitbreaker"
)

// GuardedClient wraps Client with one circuit breaker per node address.
// A node that keeps failing its chunk RPCs gets its breaker opened, and
// further calls to it fail fast with circuitbreaker.ErrOpen instead of
// burning a full request timeout each. Breaker rejections are not
// retryable, so placement falls through to the next ring candidate.
//
// Health checks bypass the breakers: the heartbeat refresher is the one
// caller that must keep observing a down node.
type GuardedClient struct {
	client   *Client
	breakers *circuitbreaker.Registry
}

// NewGuarded wraps client with per-address breakers configured by cfg.
func NewGuarded(client *Client, cfg circuitbreaker.Config) *GuardedClient {
	return &GuardedClient{
		client:   client,
		breakers: circuitbreaker.NewRegistry(cfg),
	}
}

// PutChunk is Client.PutChunk behind addr's breaker.
func (g *GuardedClient) PutChunk(ctx context.Context, addr, chunkID, checksum string, body io.Reader, size int64) error {
	err := g.breakers.Get(addr).Execute(func() error {
		return g.client.PutChunk(ctx, addr, chunkID, checksum, body, size)
	})
	if err == circuitbreaker.ErrOpen {
		return fmt.Errorf("put chunk %s to %s: %w", chunkID, addr, err)
	}
	return err
}

// GetChunk is Client.GetChunk behind addr's breaker. Only opening the
// stream counts against the breaker; read errors after that surface to
// the caller as usual.
func (g *GuardedClient) GetChunk(ctx context.Context, addr, chunkID string) (io.ReadCloser, error) {
	var rc io.ReadCloser
	err := g.breakers.Get(addr).Execute(func() error {
		var err error
		rc, err = g.client.GetChunk(ctx, addr, chunkID)
		return err
	})
	if err == circuitbreaker.ErrOpen {
		return nil, fmt.Errorf("get chunk %s from %s: %w", chunkID, addr, err)
	}
	if err != nil {
		return nil, err
	}
	return rc, nil
}

// DeleteChunk is Client.DeleteChunk behind addr's breaker.
func (g *GuardedClient) DeleteChunk(ctx context.Context, addr, chunkID string) error {
	err := g.breakers.Get(addr).Execute(func() error {
		return g.client.DeleteChunk(ctx, addr, chunkID)
	})
	if err == circuitbreaker.ErrOpen {
		return fmt.Errorf("delete chunk %s on %s: %w", chunkID, addr, err)
	}
	return err
}

// Health passes through unguarded.
func (g *GuardedClient) Health(ctx context.Context, addr string) (*NodeHealth, error) {
	return g.client.Health(ctx, addr)
}
