// Package ring implements consistent hashing over the live storage node
// set. A Ring is immutable once built; membership changes produce a new
// Ring that the Refresher publishes with a single atomic pointer swap,
// so concurrent lookups never observe a partially-built ring.
package ring

import (
	"errors"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// DefaultVirtualNodes is the number of positions each server occupies on
// the ring. More positions smooth the key distribution.
const DefaultVirtualNodes = 150

// ErrNoServers is returned when a lookup hits an empty ring.
var ErrNoServers = errors.New("no storage servers available")

// Member is one physical storage node participating in the ring.
type Member struct {
	ServerID uuid.UUID
	Address  string
}

type point struct {
	hash   uint64
	member int // index into members
}

// Ring is an immutable consistent-hashing snapshot.
type Ring struct {
	members []Member
	points  []point
}

// Build places every member at virtualNodes positions on the ring,
// hashing "serverID#replica" with xxhash.
func Build(members []Member, virtualNodes int) *Ring {
	if virtualNodes <= 0 {
		virtualNodes = DefaultVirtualNodes
	}

	r := &Ring{
		members: append([]Member(nil), members...),
		points:  make([]point, 0, len(members)*virtualNodes),
	}
	for i, m := range r.members {
		for v := 0; v < virtualNodes; v++ {
			key := fmt.Sprintf("%s#%d", m.ServerID, v)
			r.points = append(r.points, point{
				hash:   xxhash.Sum64String(key),
				member: i,
			})
		}
	}
	sort.Slice(r.points, func(i, j int) bool { return r.points[i].hash < r.points[j].hash })
	return r
}

// Size returns the number of physical members.
func (r *Ring) Size() int {
	return len(r.members)
}

// Members returns a copy of the physical member list.
func (r *Ring) Members() []Member {
	return append([]Member(nil), r.members...)
}

// Lookup hashes key onto the ring and walks clockwise collecting up to n
// distinct physical nodes, in preference order. Virtual positions of
// already-selected nodes are skipped. Fewer than n live members yields a
// shorter list; an empty ring yields ErrNoServers.
func (r *Ring) Lookup(key string, n int) ([]Member, error) {
	if len(r.points) == 0 {
		return nil, ErrNoServers
	}
	if n <= 0 {
		n = 1
	}
	if n > len(r.members) {
		n = len(r.members)
	}

	keyHash := xxhash.Sum64String(key)
	start := sort.Search(len(r.points), func(i int) bool {
		return r.points[i].hash >= keyHash
	})

	selected := make([]Member, 0, n)
	seen := make(map[int]struct{}, n)
	for i := 0; i < len(r.points) && len(selected) < n; i++ {
		p := r.points[(start+i)%len(r.points)]
		if _, ok := seen[p.member]; ok {
			continue
		}
		seen[p.member] = struct{}{}
		selected = append(selected, r.members[p.member])
	}
	return selected, nil
}
