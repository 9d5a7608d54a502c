package replicaset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/denveloper/Consus/kv/ident"
)

const dcEast = DCId(1)

func members(dc DCId, ids ...ident.CommId) []Member {
	out := make([]Member, 0, len(ids))
	for _, id := range ids {
		out = append(out, Member{Id: id, DC: dc, Addr: "127.0.0.1:0"})
	}
	return out
}

func TestHashDeterministic(t *testing.T) {
	c := NewConfiguration(3, 3, members(dcEast, 1, 2, 3, 4, 5), nil)
	a, ok := c.Hash(dcEast, []byte("t"), []byte("k"))
	require.True(t, ok)
	b, ok := c.Hash(dcEast, []byte("t"), []byte("k"))
	require.True(t, ok)
	assert.Equal(t, a, b)
	assert.Equal(t, uint64(3), a.Epoch)
}

func TestHashSpreadsKeys(t *testing.T) {
	c := NewConfiguration(3, 1, members(dcEast, 1, 2, 3, 4, 5, 6, 7, 8), nil)
	owners := make(map[ident.CommId]bool)
	keys := []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k", "l"}
	for _, k := range keys {
		rs, ok := c.Hash(dcEast, []byte("t"), []byte(k))
		require.True(t, ok)
		require.Len(t, rs.Replicas, 1)
		owners[rs.Replicas[0]] = true
	}
	// Twelve keys over eight members land on more than one of them.
	assert.True(t, len(owners) > 1)
}

func TestHashEmptyDC(t *testing.T) {
	c := NewConfiguration(3, 3, members(dcEast, 1, 2, 3), nil)
	_, ok := c.Hash(DCId(9), []byte("t"), []byte("k"))
	assert.False(t, ok)
}

func TestHashPicksDistinctMembers(t *testing.T) {
	c := NewConfiguration(3, 3, members(dcEast, 1, 2, 3, 4, 5), nil)
	rs, ok := c.Hash(dcEast, []byte("t"), []byte("k"))
	require.True(t, ok)
	require.Equal(t, uint32(3), rs.NumReplicas)
	seen := make(map[ident.CommId]bool)
	for _, id := range rs.Replicas {
		assert.False(t, seen[id])
		seen[id] = true
		assert.False(t, id.Null())
	}
}

func TestHashUnderProvisioned(t *testing.T) {
	c := NewConfiguration(3, 5, members(dcEast, 1, 2), nil)
	rs, ok := c.Hash(dcEast, []byte("t"), []byte("k"))
	require.True(t, ok)
	assert.Equal(t, uint32(2), rs.NumReplicas)
	// Desired replication is reported as configured so callers can see the
	// shortfall.
	assert.Equal(t, uint32(5), rs.DesiredReplication)
	assert.Len(t, rs.Transitioning, 2)
}

func TestHashNoTransitionWithoutNext(t *testing.T) {
	c := NewConfiguration(3, 3, members(dcEast, 1, 2, 3, 4), nil)
	rs, ok := c.Hash(dcEast, []byte("t"), []byte("k"))
	require.True(t, ok)
	for _, id := range rs.Transitioning {
		assert.True(t, id.Null())
	}
}

func TestHashTransitioning(t *testing.T) {
	cur := members(dcEast, 1, 2, 3, 4, 5)
	next := members(dcEast, 1, 2, 3, 4, 6)
	c := NewConfiguration(4, 3, cur, next)

	moved := false
	for _, k := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		rs, ok := c.Hash(dcEast, []byte("t"), []byte(k))
		require.True(t, ok)
		require.Len(t, rs.Transitioning, int(rs.NumReplicas))
		for i, id := range rs.Transitioning {
			if !id.Null() {
				moved = true
				// A slot never transitions to its current owner.
				assert.NotEqual(t, rs.Replicas[i], id)
			}
		}
	}
	// Replacing member 5 with 6 moves at least one of these keys.
	assert.True(t, moved)
}

func TestHashIdenticalNextIsQuiescent(t *testing.T) {
	cur := members(dcEast, 1, 2, 3)
	c := NewConfiguration(4, 3, cur, cur)
	rs, ok := c.Hash(dcEast, []byte("t"), []byte("k"))
	require.True(t, ok)
	for _, id := range rs.Transitioning {
		assert.True(t, id.Null())
	}
}

func TestAgree(t *testing.T) {
	a := ReplicaSet{
		NumReplicas:        2,
		DesiredReplication: 2,
		Replicas:           []ident.CommId{1, 2},
		Transitioning:      []ident.CommId{0, 0},
		Epoch:              7,
	}
	b := a
	assert.True(t, Agree(1, a, b))

	divergent := a
	divergent.Epoch = 8
	assert.False(t, Agree(1, a, divergent))

	assert.False(t, Agree(3, a, b))

	var zero ReplicaSet
	assert.False(t, Agree(1, a, zero))
	assert.False(t, Agree(1, zero, zero))
}

func TestContainsReplica(t *testing.T) {
	rs := ReplicaSet{
		Replicas:      []ident.CommId{1, 2},
		Transitioning: []ident.CommId{0, 9},
	}
	assert.True(t, rs.ContainsReplica(1))
	assert.True(t, rs.ContainsReplica(9))
	assert.False(t, rs.ContainsReplica(5))
}

func TestAddress(t *testing.T) {
	c := NewConfiguration(1, 3, []Member{{Id: 1, DC: dcEast, Addr: "10.0.0.1:2271"}}, nil)
	addr, ok := c.Address(1)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.1:2271", addr)
	_, ok = c.Address(2)
	assert.False(t, ok)
}
