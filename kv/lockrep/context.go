package lockrep

import (
	"github.com/denveloper/Consus/kv/ident"
	"github.com/denveloper/Consus/kv/replicaset"
)

// Configuration answers replica placement queries. *replicaset.Configuration
// is the production implementation; tests script their own.
type Configuration interface {
	Hash(dc replicaset.DCId, table []byte, key []byte) (replicaset.ReplicaSet, bool)
}

// Context carries the daemon capabilities a work cycle needs. It is injected
// at every entry point and never stored; the replicator must not outlive a
// single call's view of it.
//
// Send must not block. A dropped send is fine, the resend timer covers it.
// Now must be non-decreasing across calls.
type Context interface {
	GetConfig() Configuration
	DC() replicaset.DCId
	ResendInterval() uint64
	Now() uint64
	Send(target ident.CommId, msg []byte)
}

// debugMode gates verbose per-replicator logging. Set once from
// configuration before any replicator runs; never written after that.
var debugMode bool

func SetDebugMode(on bool) {
	debugMode = on
}
