package ident

import (
	"encoding/binary"
	"fmt"

	"github.com/dgryski/go-farm"
)

// CommId identifies a node in the cluster. Ids are issued by the coordinator
// and are stable for a node's lifetime. The zero value is the null id and
// never names a real node.
type CommId uint64

func (id CommId) Null() bool {
	return id == 0
}

func (id CommId) String() string {
	if id.Null() {
		return "comm(nil)"
	}
	return fmt.Sprintf("comm(%d)", uint64(id))
}

// TransactionGroup identifies a transaction together with the paxos group
// that decides its outcome. Timestamp is the transaction's begin timestamp
// and drives the wound-wait order.
type TransactionGroup struct {
	Group     uint64
	Timestamp uint64
	Number    uint64
}

// Compare establishes the total order used by wound-wait: first by begin
// timestamp, ties broken by group then sequence number. A transaction that
// compares lower is older and wins conflicts.
func Compare(a, b TransactionGroup) int {
	switch {
	case a.Timestamp < b.Timestamp:
		return -1
	case a.Timestamp > b.Timestamp:
		return 1
	case a.Group < b.Group:
		return -1
	case a.Group > b.Group:
		return 1
	case a.Number < b.Number:
		return -1
	case a.Number > b.Number:
		return 1
	default:
		return 0
	}
}

func (tg TransactionGroup) Zero() bool {
	return tg == TransactionGroup{}
}

func (tg TransactionGroup) String() string {
	return fmt.Sprintf("tg(group=%d ts=%d num=%d)", tg.Group, tg.Timestamp, tg.Number)
}

// Log returns a short stable identifier for log correlation. Distinct
// transactions collide only with fingerprint probability, which is fine for
// grepping logs.
func (tg TransactionGroup) Log() string {
	var buf [24]byte
	binary.BigEndian.PutUint64(buf[0:8], tg.Group)
	binary.BigEndian.PutUint64(buf[8:16], tg.Timestamp)
	binary.BigEndian.PutUint64(buf[16:24], tg.Number)
	return fmt.Sprintf("%08x", uint32(farm.Fingerprint64(buf[:])))
}

// LockOp selects which half of a lock operation a request performs.
type LockOp uint8

const (
	LockLock   LockOp = 1
	LockUnlock LockOp = 2
)

func (op LockOp) String() string {
	switch op {
	case LockLock:
		return "lock"
	case LockUnlock:
		return "unlock"
	default:
		return "corrupt"
	}
}

// ReturnCode is the terminal status reported to the originator of a lock
// operation.
type ReturnCode uint8

const (
	Success ReturnCode = 1
	// LessDurable reports success against a replica set that could not meet
	// the configured replication factor.
	LessDurable    ReturnCode = 2
	ErrServerError ReturnCode = 3
)

func (rc ReturnCode) String() string {
	switch rc {
	case Success:
		return "SUCCESS"
	case LessDurable:
		return "LESS_DURABLE"
	case ErrServerError:
		return "SERVER_ERROR"
	default:
		return fmt.Sprintf("ReturnCode(%d)", uint8(rc))
	}
}
