package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errNodeDown = errors.New("connection refused")

func testConfig() Config {
	return Config{
		MaxFailures:       3,
		OpenTimeout:       20 * time.Millisecond,
		HalfOpenMaxProbes: 2,
	}
}

func failN(b *Breaker, n int) {
	for i := 0; i < n; i++ {
		b.Execute(func() error { return errNodeDown })
	}
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b := New(testConfig())
	require.Equal(t, StateClosed, b.State())

	failN(b, 2)
	assert.Equal(t, StateClosed, b.State(), "below the threshold the circuit stays closed")

	failN(b, 1)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_OpenRejectsWithoutCallingFn(t *testing.T) {
	b := New(testConfig())
	failN(b, 3)

	called := false
	err := b.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called, "an open breaker must not touch the node")
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := New(testConfig())
	failN(b, 2)
	require.NoError(t, b.Execute(func() error { return nil }))

	// The streak restarts; two more failures are not enough to open.
	failN(b, 2)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenClosesAfterProbeSuccesses(t *testing.T) {
	cfg := testConfig()
	b := New(cfg)
	failN(b, 3)
	require.Equal(t, StateOpen, b.State())

	time.Sleep(cfg.OpenTimeout + 5*time.Millisecond)

	// Probe requests flow again after the cool-down.
	require.NoError(t, b.Execute(func() error { return nil }))
	assert.Equal(t, StateHalfOpen, b.State())
	require.NoError(t, b.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	cfg := testConfig()
	b := New(cfg)
	failN(b, 3)
	time.Sleep(cfg.OpenTimeout + 5*time.Millisecond)

	require.Error(t, b.Execute(func() error { return errNodeDown }))
	assert.Equal(t, StateOpen, b.State())

	err := b.Execute(func() error { return nil })
	assert.ErrorIs(t, err, ErrOpen, "a failed probe restarts the cool-down")
}

func TestBreaker_HalfOpenBoundsProbes(t *testing.T) {
	cfg := testConfig()
	b := New(cfg)
	failN(b, 3)
	time.Sleep(cfg.OpenTimeout + 5*time.Millisecond)

	// Hold probe slots open without completing them.
	release := make(chan struct{})
	done := make(chan error, cfg.HalfOpenMaxProbes)
	for i := 0; i < cfg.HalfOpenMaxProbes; i++ {
		go func() {
			done <- b.Execute(func() error { <-release; return nil })
		}()
	}

	assert.Eventually(t, func() bool {
		return b.Execute(func() error { return nil }) == ErrOpen
	}, time.Second, time.Millisecond, "probe slots exhausted, extra requests rejected")

	close(release)
	for i := 0; i < cfg.HalfOpenMaxProbes; i++ {
		require.NoError(t, <-done)
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestRegistry_PerAddressIsolation(t *testing.T) {
	r := NewRegistry(testConfig())

	flaky := r.Get("flaky:9000")
	failN(flaky, 3)
	assert.Equal(t, StateOpen, r.Get("flaky:9000").State())
	assert.Equal(t, StateClosed, r.Get("healthy:9000").State(),
		"one node's failures must not shed traffic from another")

	assert.Same(t, flaky, r.Get("flaky:9000"))
}
