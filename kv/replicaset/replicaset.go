package replicaset

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/dgryski/go-farm"

	"github.com/denveloper/Consus/kv/ident"
)

// DCId identifies a data center.
type DCId uint64

func (dc DCId) String() string {
	return fmt.Sprintf("dc(%d)", uint64(dc))
}

// ReplicaSet names the replicas currently responsible for a (dc, table, key)
// triple. Replicas and Transitioning are parallel: Transitioning[i] is the
// incoming owner of slot i during a reconfiguration, or the null id when the
// slot is not moving. DesiredReplication may exceed NumReplicas when the
// cluster is under-provisioned; callers detect this and degrade.
type ReplicaSet struct {
	NumReplicas        uint32
	DesiredReplication uint32
	Replicas           []ident.CommId
	Transitioning      []ident.CommId
	// Epoch is the configuration version the set was computed from. Two
	// views of the same slot agree only if their epochs match (see Agree).
	Epoch uint64
}

func (rs ReplicaSet) String() string {
	return fmt.Sprintf("replica_set(epoch=%d num=%d desired=%d replicas=%v transitioning=%v)",
		rs.Epoch, rs.NumReplicas, rs.DesiredReplication, rs.Replicas, rs.Transitioning)
}

// ContainsReplica reports whether id appears in the set, in either the
// current or the transitioning column.
func (rs ReplicaSet) ContainsReplica(id ident.CommId) bool {
	for _, r := range rs.Replicas {
		if r == id {
			return true
		}
	}
	for _, r := range rs.Transitioning {
		if r == id {
			return true
		}
	}
	return false
}

// Agree reports whether two observed views of node refer to the same
// replica-set epoch. A zero view (no response folded in yet) agrees with
// nothing.
func Agree(node ident.CommId, a, b ReplicaSet) bool {
	if a.Epoch == 0 || b.Epoch == 0 {
		return false
	}
	return a.Epoch == b.Epoch && a.ContainsReplica(node) && b.ContainsReplica(node)
}

// Member is one KVS daemon known to the configuration.
type Member struct {
	Id   ident.CommId
	DC   DCId
	Addr string
}

// Configuration is an immutable snapshot of cluster membership. The daemon
// replaces the whole snapshot atomically between work cycles; holders never
// see it change underneath them.
type Configuration struct {
	Version            uint64
	DesiredReplication uint32

	members map[DCId][]ident.CommId
	// next holds the incoming membership of a DC mid-reconfiguration.
	next  map[DCId][]ident.CommId
	addrs map[ident.CommId]string
}

// NewConfiguration builds a snapshot from the given members. nextMembers may
// be nil when no reconfiguration is in flight.
func NewConfiguration(version uint64, desired uint32, members []Member, nextMembers []Member) *Configuration {
	c := &Configuration{
		Version:            version,
		DesiredReplication: desired,
		members:            make(map[DCId][]ident.CommId),
		next:               make(map[DCId][]ident.CommId),
		addrs:              make(map[ident.CommId]string),
	}
	for _, m := range members {
		c.members[m.DC] = append(c.members[m.DC], m.Id)
		c.addrs[m.Id] = m.Addr
	}
	for _, m := range nextMembers {
		c.next[m.DC] = append(c.next[m.DC], m.Id)
		if _, ok := c.addrs[m.Id]; !ok {
			c.addrs[m.Id] = m.Addr
		}
	}
	return c
}

// Address looks up the transport address of a member.
func (c *Configuration) Address(id ident.CommId) (string, bool) {
	addr, ok := c.addrs[id]
	return addr, ok
}

// Hash computes the replica set responsible for key in table within dc.
// Placement is rendezvous hashing: members are ranked by the fingerprint of
// (member, table, key) and the top DesiredReplication of them own the key.
// Returns false when the configuration has no members for the DC; callers
// treat that as "retry later". Pure function of the snapshot; never blocks.
func (c *Configuration) Hash(dc DCId, table []byte, key []byte) (ReplicaSet, bool) {
	cur := c.members[dc]
	if len(cur) == 0 {
		return ReplicaSet{}, false
	}
	rs := ReplicaSet{
		DesiredReplication: c.DesiredReplication,
		Epoch:              c.Version,
	}
	rs.Replicas = rank(cur, table, key, c.DesiredReplication)
	rs.NumReplicas = uint32(len(rs.Replicas))
	rs.Transitioning = make([]ident.CommId, rs.NumReplicas)
	if incoming := c.next[dc]; len(incoming) > 0 {
		nextOwners := rank(incoming, table, key, rs.NumReplicas)
		for i := range nextOwners {
			if nextOwners[i] != rs.Replicas[i] {
				rs.Transitioning[i] = nextOwners[i]
			}
		}
	}
	return rs, true
}

// rank orders members by descending placement weight for (table, key) and
// returns at most n of them.
func rank(members []ident.CommId, table, key []byte, n uint32) []ident.CommId {
	type weighted struct {
		id ident.CommId
		w  uint64
	}
	ranked := make([]weighted, 0, len(members))
	buf := make([]byte, 0, 8+len(table)+len(key))
	for _, id := range members {
		buf = buf[:8]
		binary.BigEndian.PutUint64(buf, uint64(id))
		buf = append(buf, table...)
		buf = append(buf, key...)
		ranked = append(ranked, weighted{id: id, w: farm.Fingerprint64(buf)})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].w != ranked[j].w {
			return ranked[i].w > ranked[j].w
		}
		return ranked[i].id < ranked[j].id
	})
	if uint32(len(ranked)) > n {
		ranked = ranked[:n]
	}
	out := make([]ident.CommId, len(ranked))
	for i := range ranked {
		out[i] = ranked[i].id
	}
	return out
}
