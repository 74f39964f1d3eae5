package ring

import (
	"fmt"
	"math"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeMembers(n int) []Member {
	members := make([]Member, 0, n)
	for i := 0; i < n; i++ {
		members = append(members, Member{
			ServerID: uuid.New(),
			Address:  fmt.Sprintf("node-%d:9000", i),
		})
	}
	return members
}

func TestLookup_EmptyRing(t *testing.T) {
	r := Build(nil, DefaultVirtualNodes)

	_, err := r.Lookup("any-key", 1)
	assert.ErrorIs(t, err, ErrNoServers)
	assert.Equal(t, 0, r.Size())
}

func TestLookup_SingleServerGetsEverything(t *testing.T) {
	members := makeMembers(1)
	r := Build(members, DefaultVirtualNodes)

	for i := 0; i < 100; i++ {
		selected, err := r.Lookup(fmt.Sprintf("key-%d", i), 1)
		require.NoError(t, err)
		require.Len(t, selected, 1)
		assert.Equal(t, members[0].ServerID, selected[0].ServerID)
	}
}

func TestLookup_Deterministic(t *testing.T) {
	r := Build(makeMembers(6), DefaultVirtualNodes)

	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("chunk-%d", i)
		first, err := r.Lookup(key, 3)
		require.NoError(t, err)
		for attempt := 0; attempt < 5; attempt++ {
			again, err := r.Lookup(key, 3)
			require.NoError(t, err)
			assert.Equal(t, first, again, "repeated lookups must agree while membership is unchanged")
		}
	}
}

func TestLookup_DistinctCandidates(t *testing.T) {
	r := Build(makeMembers(6), DefaultVirtualNodes)

	selected, err := r.Lookup("some-chunk", 4)
	require.NoError(t, err)
	require.Len(t, selected, 4)

	seen := make(map[uuid.UUID]bool)
	for _, m := range selected {
		assert.False(t, seen[m.ServerID], "candidates must be distinct physical nodes")
		seen[m.ServerID] = true
	}
}

func TestLookup_FewerServersThanRequested(t *testing.T) {
	r := Build(makeMembers(2), DefaultVirtualNodes)

	selected, err := r.Lookup("some-chunk", 5)
	require.NoError(t, err)
	assert.Len(t, selected, 2, "a short ring returns as many distinct nodes as exist")
}

func TestLookup_Distribution(t *testing.T) {
	members := makeMembers(6)
	r := Build(members, DefaultVirtualNodes)

	const numKeys = 10000
	counts := make(map[uuid.UUID]int)
	for i := 0; i < numKeys; i++ {
		selected, err := r.Lookup(fmt.Sprintf("file-%d-chunk-%d", i/6, i%6), 1)
		require.NoError(t, err)
		counts[selected[0].ServerID]++
	}

	expected := float64(numKeys) / float64(len(members))
	var sumSquaredDiff float64
	for _, m := range members {
		diff := float64(counts[m.ServerID]) - expected
		sumSquaredDiff += diff * diff
	}
	cv := math.Sqrt(sumSquaredDiff/float64(len(members))) / expected
	assert.Less(t, cv, 0.15, "coefficient of variation should stay low with 150 virtual nodes")

	// No node should dominate placement.
	for _, m := range members {
		share := float64(counts[m.ServerID]) / float64(numKeys)
		assert.Less(t, share, 0.6, "no node may hold more than 60%% of keys")
	}
}

func TestLookup_BoundedRemapOnNodeRemoval(t *testing.T) {
	members := makeMembers(6)
	before := Build(members, DefaultVirtualNodes)
	after := Build(members[:5], DefaultVirtualNodes)

	removed := members[5].ServerID

	const numKeys = 10000
	moved := 0
	for i := 0; i < numKeys; i++ {
		key := fmt.Sprintf("chunk-%d", i)
		b, err := before.Lookup(key, 1)
		require.NoError(t, err)
		a, err := after.Lookup(key, 1)
		require.NoError(t, err)

		if b[0].ServerID == removed {
			// Keys owned by the removed node must move somewhere.
			assert.NotEqual(t, removed, a[0].ServerID)
			continue
		}
		if a[0].ServerID != b[0].ServerID {
			moved++
		}
	}

	// Consistent hashing: keys not owned by the removed node stay put.
	share := float64(moved) / float64(numKeys)
	assert.Less(t, share, 0.05, "removing one of six nodes must not reshuffle surviving keys")
}

func TestMembers_ReturnsCopy(t *testing.T) {
	members := makeMembers(3)
	r := Build(members, 16)

	got := r.Members()
	require.Len(t, got, 3)
	got[0].Address = "mutated"

	assert.NotEqual(t, "mutated", r.Members()[0].Address)
}
