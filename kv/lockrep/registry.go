package lockrep

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/ngaut/log"
	"github.com/pingcap/errors"

	"github.com/denveloper/Consus/kv/ident"
	"github.com/denveloper/Consus/kv/wire"
)

// Registry owns every live replicator of one daemon, keyed by state key.
// It routes inbound lock responses by the state key the replica echoed,
// drives idle replicators on a tick so resend timers fire, and collects
// replicators that have been finished long enough that no straggler
// response can still be in flight.
type Registry struct {
	mu          sync.Mutex
	replicators map[uint64]*LockReplicator
	// finishedAt records when a replicator was first seen finished, in the
	// context's monotonic units.
	finishedAt map[uint64]uint64

	closeCh chan struct{}
	wg      sync.WaitGroup
}

func NewRegistry() *Registry {
	return &Registry{
		replicators: make(map[uint64]*LockReplicator),
		finishedAt:  make(map[uint64]uint64),
		closeCh:     make(chan struct{}),
	}
}

// GetOrCreate returns the replicator for stateKey, allocating an
// uninitialized one if none is live. The creating transaction manager picks
// state keys unique among its outstanding lock operations.
func (r *Registry) GetOrCreate(stateKey uint64) *LockReplicator {
	r.mu.Lock()
	defer r.mu.Unlock()
	lr, ok := r.replicators[stateKey]
	if !ok {
		lr = NewLockReplicator(stateKey)
		r.replicators[stateKey] = lr
	}
	return lr
}

func (r *Registry) Get(stateKey uint64) (*LockReplicator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lr, ok := r.replicators[stateKey]
	return lr, ok
}

// Dispatch parses an inbound KVS_RAW_LK_RESP payload and hands it to the
// replicator that sent the request. Responses for unknown state keys are
// dropped; the replicator may already have been collected.
func (r *Registry) Dispatch(payload []byte, ctx Context) error {
	resp, err := wire.ParseRawLockResp(payload)
	if err != nil {
		return errors.Trace(err)
	}
	lr, ok := r.Get(resp.StateKey)
	if !ok {
		log.Debugf("dropped lock response for unknown state key %d from %s",
			resp.StateKey, resp.From)
		return nil
	}
	lr.Response(resp.From, resp.TG, resp.RS, ctx)
	return nil
}

// Abort wounds every replicator working for tg. The wound itself is a no-op
// on replicators bound to other transactions.
func (r *Registry) Abort(tg ident.TransactionGroup, ctx Context) {
	for _, lr := range r.snapshot() {
		lr.Abort(tg, ctx)
	}
}

// Drop silently terminates every replicator working for tg.
func (r *Registry) Drop(tg ident.TransactionGroup) {
	for _, lr := range r.snapshot() {
		lr.Drop(tg)
	}
}

// WorkAll re-drives every live replicator. This is the timer that gives the
// protocol liveness: replicators whose oracle lookup failed, or whose
// requests were dropped by the send layer, make progress here.
func (r *Registry) WorkAll(ctx Context) {
	for _, lr := range r.snapshot() {
		lr.ExternallyWork(ctx)
	}
}

// Collect evicts replicators that have been finished for at least grace
// monotonic units. grace must cover two worst-case round trips plus the
// resend interval so delayed responses find their replicator.
func (r *Registry) Collect(ctx Context, grace uint64) {
	now := ctx.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, lr := range r.replicators {
		if !lr.Finished() {
			delete(r.finishedAt, key)
			continue
		}
		since, ok := r.finishedAt[key]
		if !ok {
			r.finishedAt[key] = now
			continue
		}
		if now-since >= grace {
			delete(r.replicators, key)
			delete(r.finishedAt, key)
		}
	}
}

// Start runs the tick loop until Stop. Each tick re-drives every replicator
// and collects the long-finished.
func (r *Registry) Start(ctx Context, tick time.Duration, grace time.Duration) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.WorkAll(ctx)
				r.Collect(ctx, uint64(grace))
			case <-r.closeCh:
				return
			}
		}
	}()
}

func (r *Registry) Stop() {
	close(r.closeCh)
	r.wg.Wait()
}

func (r *Registry) snapshot() []*LockReplicator {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*LockReplicator, 0, len(r.replicators))
	for _, lr := range r.replicators {
		out = append(out, lr)
	}
	return out
}

func (r *Registry) DebugDump() string {
	var buf bytes.Buffer
	for _, lr := range r.snapshot() {
		fmt.Fprintf(&buf, "== state key %d\n", lr.StateKey())
		buf.WriteString(lr.DebugDump())
	}
	return buf.String()
}
