package chunkclient

import (
	"bytes"
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Talkytitan5127/s3-storage/internal/circuitbreaker"
	"github.com/Talkytitan5127/s3-storage/internal/retry"
)

func guardedTestConfig() circuitbreaker.Config {
	return circuitbreaker.Config{
		MaxFailures:       2,
		OpenTimeout:       time.Minute,
		HalfOpenMaxProbes: 1,
	}
}

func TestGuardedClient_TripsPerAddress(t *testing.T) {
	// A node that nothing listens on.
	dead := "127.0.0.1:1"
	var liveHits int
	live := stubNode(t, func(w http.ResponseWriter, r *http.Request) {
		liveHits++
		w.WriteHeader(http.StatusCreated)
	})

	g := NewGuarded(New(time.Second), guardedTestConfig())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.Error(t, g.PutChunk(ctx, dead, "chunk-1", "abc", bytes.NewReader([]byte("x")), 1))
	}

	err := g.PutChunk(ctx, dead, "chunk-1", "abc", bytes.NewReader([]byte("x")), 1)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)

	// The live node's breaker is untouched.
	assert.NoError(t, g.PutChunk(ctx, live, "chunk-1", "abc", bytes.NewReader([]byte("x")), 1))
	assert.Equal(t, 1, liveHits)
}

func TestGuardedClient_OpenBreakerGuardsGetAndDelete(t *testing.T) {
	dead := "127.0.0.1:1"
	g := NewGuarded(New(time.Second), guardedTestConfig())
	ctx := context.Background()

	require.Error(t, g.DeleteChunk(ctx, dead, "chunk-1"))
	require.Error(t, g.DeleteChunk(ctx, dead, "chunk-1"))

	_, err := g.GetChunk(ctx, dead, "chunk-1")
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.ErrorIs(t, g.DeleteChunk(ctx, dead, "chunk-1"), circuitbreaker.ErrOpen)
}

func TestGuardedClient_RejectionIsNotRetryable(t *testing.T) {
	dead := "127.0.0.1:1"
	g := NewGuarded(New(time.Second), guardedTestConfig())
	ctx := context.Background()

	require.Error(t, g.DeleteChunk(ctx, dead, "chunk-1"))
	require.Error(t, g.DeleteChunk(ctx, dead, "chunk-1"))

	err := g.DeleteChunk(ctx, dead, "chunk-1")
	require.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.False(t, retry.Retryable(err),
		"callers should fail over to another node instead of retrying an open breaker")
}

func TestGuardedClient_SuccessfulCallsStayClosed(t *testing.T) {
	payload := []byte("chunk bytes")
	addr := stubNode(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	})

	g := NewGuarded(New(time.Second), guardedTestConfig())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		rc, err := g.GetChunk(ctx, addr, "chunk-1")
		require.NoError(t, err)
		rc.Close()
	}
}

func TestGuardedClient_HealthBypassesBreaker(t *testing.T) {
	dead := "127.0.0.1:1"
	g := NewGuarded(New(time.Second), guardedTestConfig())
	ctx := context.Background()

	require.Error(t, g.DeleteChunk(ctx, dead, "chunk-1"))
	require.Error(t, g.DeleteChunk(ctx, dead, "chunk-1"))
	require.ErrorIs(t, g.DeleteChunk(ctx, dead, "chunk-1"), circuitbreaker.ErrOpen)

	// Health still reaches the wire so the refresher keeps observing the
	// node; it fails with a transport error, not ErrOpen.
	_, err := g.Health(ctx, dead)
	require.Error(t, err)
	assert.NotErrorIs(t, err, circuitbreaker.ErrOpen)
}
