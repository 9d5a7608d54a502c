package lockrep

import (
	"github.com/denveloper/Consus/kv/ident"
	"github.com/denveloper/Consus/kv/replicaset"
)

// lockStub is the per-target bookkeeping of one replicator: when we last
// asked the target, and the transaction and replica-set view it last
// reported. Stubs are created on first contact and kept until the replicator
// finishes, so observed state survives configuration flaps.
type lockStub struct {
	target          ident.CommId
	lastRequestTime uint64
	tg              ident.TransactionGroup
	rs              replicaset.ReplicaSet
}

// The stub table is a plain slice. Replica fan-out is single digit, so a
// linear scan beats a map on every axis that matters here.

func (lr *LockReplicator) getStub(id ident.CommId) *lockStub {
	for i := range lr.requests {
		if lr.requests[i].target == id {
			return &lr.requests[i]
		}
	}
	return nil
}

func (lr *LockReplicator) getOrCreateStub(id ident.CommId) *lockStub {
	ws := lr.getStub(id)
	if ws == nil && !id.Null() {
		lr.requests = append(lr.requests, lockStub{target: id})
		ws = &lr.requests[len(lr.requests)-1]
	}
	return ws
}

func (lr *LockReplicator) ensureStubExists(id ident.CommId) {
	lr.getOrCreateStub(id)
}
