// Package lockrep drives single lock and unlock operations over a quorum of
// KVS replicas on behalf of a transaction manager.
//
// Locking is harder than reading or writing. A write at a given timestamp is
// always the same value and can be reissued forever until a quorum
// acknowledges it; a read looks for the highest value a quorum returns. Both
// are idempotent over the timestamp. A lock is not idempotent in time: any
// message can be duplicated and delayed, and a stale duplicate "lock" that
// arrives after the transaction has committed and unlocked would re-lock the
// lock for a dead transaction.
//
// Two invariants make that harmless. First, a transaction manager issues
// unlock only after the transaction's outcome is durably recorded, so
// nothing that happens after the first unlock can change the outcome.
// Second, unlock for a transaction is initiated only by members of the paxos
// group that decided that outcome, so there is exactly one place in the
// system where the unlock decision is made, and it is the same place the
// outcome is recorded. Under those two rules the worst a stale duplicate can
// do is leave a lock spuriously held. That cannot affect correctness, only
// liveness, and liveness is restored by leaking the current holder to other
// transactions vying for the lock: a holder wounded by an older transaction
// aborts and unlocks; otherwise it ignores the signal or unlocks a lock it
// never really held.
package lockrep

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/dgryski/go-farm"
	"github.com/juju/ratelimit"
	"github.com/ngaut/log"

	"github.com/denveloper/Consus/kv/ident"
	"github.com/denveloper/Consus/kv/replicaset"
	"github.com/denveloper/Consus/kv/wire"
)

// Cluster operators get told about under-provisioning at most once every
// five seconds, not once per work cycle.
var shortLockWarn = ratelimit.NewBucketWithRate(0.2, 1)

// LockReplicator replicates one lock or unlock operation for a (table, key)
// pair to the key's replica quorum. One instance exists per in-flight
// operation, keyed by a state key the replicas echo back verbatim.
//
// A single mutex serializes every public entry point. Work cycles hold it
// end to end; they only touch memory and enqueue sends, so the hold is
// short.
type LockReplicator struct {
	stateKey uint64

	mtx      sync.Mutex
	init     bool
	finished bool
	id       ident.CommId
	nonce    uint64
	table    []byte
	key      []byte
	tg       ident.TransactionGroup
	op       ident.LockOp
	backing  []byte
	requests []lockStub
}

func NewLockReplicator(stateKey uint64) *LockReplicator {
	return &LockReplicator{stateKey: stateKey}
}

func (lr *LockReplicator) StateKey() uint64 {
	return lr.stateKey
}

// Finished reports whether the replicator is done. An uninitialized
// replicator counts as finished so the registry can collect stragglers that
// never got an Init.
func (lr *LockReplicator) Finished() bool {
	lr.mtx.Lock()
	defer lr.mtx.Unlock()
	return !lr.init || lr.finished
}

// Init binds the replicator to its operation. table and key must be slices
// into backing; the replicator takes ownership of backing and keeps the
// slices valid for its whole life. Calling Init twice is a programming
// error.
func (lr *LockReplicator) Init(id ident.CommId, nonce uint64,
	table []byte, key []byte,
	tg ident.TransactionGroup, op ident.LockOp,
	backing []byte) {
	lr.mtx.Lock()
	defer lr.mtx.Unlock()
	if lr.init {
		panic("lock replicator initialized twice")
	}
	lr.id = id
	lr.nonce = nonce
	lr.table = table
	lr.key = key
	lr.tg = tg
	lr.op = op
	lr.backing = backing
	lr.init = true

	if debugMode {
		log.Infof("%s table=%q key=%q transaction=%s nonce=%d id=%s",
			lr.logid(), lr.table, lr.key, tg, nonce, id)
	}
}

// Response folds a replica's answer into its stub and re-evaluates. Answers
// from targets we never contacted are dropped; a response must not create a
// stub.
func (lr *LockReplicator) Response(from ident.CommId, tg ident.TransactionGroup,
	rs replicaset.ReplicaSet, ctx Context) {
	lr.mtx.Lock()
	defer lr.mtx.Unlock()
	stub := lr.getStub(from)

	if stub == nil {
		if debugMode {
			log.Infof("%s dropped response; no outstanding request to %s", lr.logid(), from)
		}
		return
	}

	log.Infof("%s response from=%s", lr.logid(), from)
	stub.tg = tg
	stub.rs = rs
	lr.workStateMachine(ctx)
}

// Abort wounds the transaction holding this replicator: the originating
// transaction manager is told to abort tg and the replicator finishes.
// Which of two conflicting transactions yields is the caller's decision,
// made by comparing transaction timestamps; Abort only carries out the
// mechanical wound. Idempotent once finished.
func (lr *LockReplicator) Abort(tg ident.TransactionGroup, ctx Context) {
	lr.mtx.Lock()
	defer lr.mtx.Unlock()
	if !lr.init || lr.finished || lr.tg != tg {
		return
	}
	lr.finished = true
	lr.requests = nil
	if debugMode {
		log.Infof("%s sending wound message for %s", lr.logid(), tg.Log())
	}
	ctx.Send(lr.id, wire.PackWound(wire.Wound{TG: tg}))
}

// Drop terminates the replicator without any network side effect. Used when
// the local transaction manager already knows the transaction's fate.
func (lr *LockReplicator) Drop(tg ident.TransactionGroup) {
	lr.mtx.Lock()
	defer lr.mtx.Unlock()
	if lr.tg == tg {
		lr.finished = true
		lr.requests = nil
		if debugMode {
			log.Infof("%s dropping transaction", lr.logid())
		}
	}
}

// ExternallyWork re-evaluates the state machine on a timer or an external
// nudge.
func (lr *LockReplicator) ExternallyWork(ctx Context) {
	lr.mtx.Lock()
	defer lr.mtx.Unlock()
	lr.workStateMachine(ctx)
}

// workStateMachine is one fixed-point pass over the current replica set.
// Callers hold lr.mtx.
//
// A slot is complete when its primary stub (and, mid-transition, the
// incoming stub) last reported our transaction, and the two views name the
// same replica-set epoch. A slot with two stubs still counts at most once.
// Non-complete slots whose stubs disagree are re-asked once per resend
// interval. When complete slots reach a quorum of the desired replication
// the replicator finishes and the originator gets exactly one terminal
// response.
func (lr *LockReplicator) workStateMachine(ctx Context) {
	if !lr.init || lr.finished {
		return
	}
	rs, ok := ctx.GetConfig().Hash(ctx.DC(), lr.table, lr.key)
	if !ok {
		// No replica set for this key yet. The registry tick re-enters the
		// state machine, so there is nothing to schedule here.
		return
	}

	now := ctx.Now()
	resend := ctx.ResendInterval()
	complete := uint32(0)

	for i := uint32(0); i < rs.NumReplicas; i++ {
		lr.ensureStubExists(rs.Replicas[i])
		lr.ensureStubExists(rs.Transitioning[i])
		// look the stubs up again, creation may have grown the table
		owner1 := lr.getStub(rs.Replicas[i])
		owner2 := lr.getStub(rs.Transitioning[i])
		agree := owner2 == nil || replicaset.Agree(rs.Replicas[i], owner1.rs, owner2.rs)

		if owner1.tg == lr.tg && (owner2 == nil || owner2.tg == lr.tg) && agree {
			complete++
			continue
		}

		if now-owner1.lastRequestTime >= resend && (owner1.tg != lr.tg || !agree) {
			lr.sendLockRequest(owner1, now, ctx)
		}
		if owner2 != nil && now-owner2.lastRequestTime >= resend &&
			(owner2.tg != lr.tg || !agree) {
			lr.sendLockRequest(owner2, now, ctx)
		}
	}

	shortLock := false

	if rs.DesiredReplication > rs.NumReplicas {
		if shortLockWarn.TakeAvailable(1) > 0 {
			log.Warnf("too few kvs daemons to achieve desired replication factor: %d more daemons needed",
				rs.DesiredReplication-rs.NumReplicas)
		}
		rs.DesiredReplication = rs.NumReplicas
		shortLock = true
	}

	quorum := rs.DesiredReplication/2 + 1

	if complete >= quorum {
		rc := ident.Success
		if shortLock {
			rc = ident.LessDurable
		}
		lr.finished = true
		ctx.Send(lr.id, wire.PackLockOpResp(wire.LockOpResp{Nonce: lr.nonce, RC: rc}))

		if debugMode {
			log.Infof("%s response=%s id=%s", lr.logid(), rc, lr.id)
		}
	}
}

func (lr *LockReplicator) sendLockRequest(stub *lockStub, now uint64, ctx Context) {
	if debugMode {
		log.Infof("%s sending target=%s", lr.logid(), stub.target)
	}
	msg := wire.PackRawLock(wire.RawLock{
		StateKey: lr.stateKey,
		Table:    lr.table,
		Key:      lr.key,
		TG:       lr.tg,
		Op:       lr.op,
	})
	ctx.Send(stub.target, msg)
	stub.lastRequestTime = now
}

// DebugDump renders a human-readable snapshot for the daemon's debug
// surface.
func (lr *LockReplicator) DebugDump() string {
	var buf bytes.Buffer
	lr.mtx.Lock()
	defer lr.mtx.Unlock()
	fmt.Fprintf(&buf, "init=%s\n", yesno(lr.init))
	fmt.Fprintf(&buf, "finished=%s\n", yesno(lr.finished))
	fmt.Fprintf(&buf, "request id=%s nonce=%d\n", lr.id, lr.nonce)
	fmt.Fprintf(&buf, "table=%q\n", lr.table)
	fmt.Fprintf(&buf, "key=%q\n", lr.key)
	fmt.Fprintf(&buf, "t/k logid=%s\n", keyLogID(lr.table, lr.key))
	fmt.Fprintf(&buf, "tx logid=%s\n", lr.tg.Log())
	fmt.Fprintf(&buf, "tx=%s\n", lr.tg)
	fmt.Fprintf(&buf, "op=%s\n", lr.op)

	for i := range lr.requests {
		s := &lr.requests[i]
		fmt.Fprintf(&buf, "request[%d] target=%s last_request_time=%d transaction_group=%s replica_set=%s\n",
			i, s.target, s.lastRequestTime, s.tg, s.rs)
	}

	return buf.String()
}

func (lr *LockReplicator) logid() string {
	s := keyLogID(lr.table, lr.key) + ":" + lr.tg.Log()
	switch lr.op {
	case ident.LockLock:
		return s + "-LL-REP"
	case ident.LockUnlock:
		return s + "-LU-REP"
	default:
		return s + "-L?-REP"
	}
}

// keyLogID produces a short stable per-key prefix so one key's operations
// can be grepped out of a shared log.
func keyLogID(table, key []byte) string {
	buf := make([]byte, 0, 4+len(table)+len(key))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(table)))
	buf = append(buf, table...)
	buf = append(buf, key...)
	return fmt.Sprintf("%08x", uint32(farm.Fingerprint64(buf)))
}

func yesno(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
