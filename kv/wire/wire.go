// Package wire packs and parses the messages exchanged between transaction
// managers and KVS daemons. The format is fixed at the byte level: peers
// written against existing daemons parse these frames directly, so there is
// no room for a self-describing codec here.
//
// Every outbound buffer reserves HeaderSize bytes in front of the payload.
// The transport owns those bytes and fills them when the frame is written;
// nothing above the transport reads or writes them.
package wire

import (
	"encoding/binary"

	"github.com/pingcap/errors"

	"github.com/denveloper/Consus/kv/ident"
	"github.com/denveloper/Consus/kv/replicaset"
)

// HeaderSize is the transport header reservation at the front of every
// outbound message buffer.
const HeaderSize = 8

type MsgType uint16

const (
	MsgKVSRawLock     MsgType = 0x0301
	MsgKVSRawLockResp MsgType = 0x0302
	MsgKVSLockOpResp  MsgType = 0x0303
	MsgTxmanWound     MsgType = 0x0401
)

func (t MsgType) String() string {
	switch t {
	case MsgKVSRawLock:
		return "KVS_RAW_LK"
	case MsgKVSRawLockResp:
		return "KVS_RAW_LK_RESP"
	case MsgKVSLockOpResp:
		return "KVS_LOCK_OP_RESP"
	case MsgTxmanWound:
		return "TXMAN_WOUND"
	default:
		return "UNKNOWN"
	}
}

// RawLock is a per-replica lock or unlock request. StateKey is echoed
// verbatim by the replica so the response can be demultiplexed in O(1).
type RawLock struct {
	StateKey uint64
	Table    []byte
	Key      []byte
	TG       ident.TransactionGroup
	Op       ident.LockOp
}

// RawLockResp is a replica's answer, carrying the transaction it currently
// holds the lock for and its view of the replica set.
type RawLockResp struct {
	StateKey uint64
	From     ident.CommId
	TG       ident.TransactionGroup
	RS       replicaset.ReplicaSet
}

// LockOpResp is the single terminal response to the originator.
type LockOpResp struct {
	Nonce uint64
	RC    ident.ReturnCode
}

// Wound tells a transaction manager to abort the named transaction.
type Wound struct {
	TG ident.TransactionGroup
}

func PackRawLock(m RawLock) []byte {
	buf := newMsg(MsgKVSRawLock)
	buf = appendUint64(buf, m.StateKey)
	buf = appendBytes(buf, m.Table)
	buf = appendBytes(buf, m.Key)
	buf = appendTG(buf, m.TG)
	buf = append(buf, byte(m.Op))
	return buf
}

func ParseRawLock(payload []byte) (RawLock, error) {
	var m RawLock
	r := reader{buf: payload}
	r.expectType(MsgKVSRawLock)
	m.StateKey = r.uint64()
	m.Table = r.bytes()
	m.Key = r.bytes()
	m.TG = r.tg()
	m.Op = ident.LockOp(r.uint8())
	return m, r.finish()
}

func PackRawLockResp(m RawLockResp) []byte {
	buf := newMsg(MsgKVSRawLockResp)
	buf = appendUint64(buf, m.StateKey)
	buf = appendUint64(buf, uint64(m.From))
	buf = appendTG(buf, m.TG)
	buf = appendRS(buf, m.RS)
	return buf
}

func ParseRawLockResp(payload []byte) (RawLockResp, error) {
	var m RawLockResp
	r := reader{buf: payload}
	r.expectType(MsgKVSRawLockResp)
	m.StateKey = r.uint64()
	m.From = ident.CommId(r.uint64())
	m.TG = r.tg()
	m.RS = r.rs()
	return m, r.finish()
}

func PackLockOpResp(m LockOpResp) []byte {
	buf := newMsg(MsgKVSLockOpResp)
	buf = appendUint64(buf, m.Nonce)
	buf = append(buf, byte(m.RC))
	return buf
}

func ParseLockOpResp(payload []byte) (LockOpResp, error) {
	var m LockOpResp
	r := reader{buf: payload}
	r.expectType(MsgKVSLockOpResp)
	m.Nonce = r.uint64()
	m.RC = ident.ReturnCode(r.uint8())
	return m, r.finish()
}

func PackWound(m Wound) []byte {
	buf := newMsg(MsgTxmanWound)
	buf = appendTG(buf, m.TG)
	return buf
}

func ParseWound(payload []byte) (Wound, error) {
	var m Wound
	r := reader{buf: payload}
	r.expectType(MsgTxmanWound)
	m.TG = r.tg()
	return m, r.finish()
}

// PeekType reads the message type of a payload without consuming it.
func PeekType(payload []byte) (MsgType, error) {
	if len(payload) < 2 {
		return 0, errors.New("payload too short for message type")
	}
	return MsgType(binary.BigEndian.Uint16(payload)), nil
}

// Payload strips the transport header reservation from a packed message.
func Payload(msg []byte) ([]byte, error) {
	if len(msg) < HeaderSize {
		return nil, errors.Errorf("frame of %d bytes shorter than header", len(msg))
	}
	return msg[HeaderSize:], nil
}

func newMsg(t MsgType) []byte {
	buf := make([]byte, HeaderSize, HeaderSize+64)
	var tb [2]byte
	binary.BigEndian.PutUint16(tb[:], uint16(t))
	return append(buf, tb[:]...)
}

func appendUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func appendUint32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func appendBytes(buf []byte, v []byte) []byte {
	buf = appendUint32(buf, uint32(len(v)))
	return append(buf, v...)
}

func appendTG(buf []byte, tg ident.TransactionGroup) []byte {
	buf = appendUint64(buf, tg.Group)
	buf = appendUint64(buf, tg.Timestamp)
	return appendUint64(buf, tg.Number)
}

func appendRS(buf []byte, rs replicaset.ReplicaSet) []byte {
	buf = appendUint64(buf, rs.Epoch)
	buf = appendUint32(buf, rs.DesiredReplication)
	buf = appendUint32(buf, rs.NumReplicas)
	for _, id := range rs.Replicas {
		buf = appendUint64(buf, uint64(id))
	}
	for _, id := range rs.Transitioning {
		buf = appendUint64(buf, uint64(id))
	}
	return buf
}

// reader consumes a payload front to back, remembering the first error so
// parse functions stay flat.
type reader struct {
	buf []byte
	err error
}

func (r *reader) expectType(want MsgType) {
	got := MsgType(r.uint16())
	if r.err == nil && got != want {
		r.err = errors.Errorf("unexpected message type %s, want %s", got, want)
	}
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf) < n {
		r.err = errors.Errorf("truncated message: need %d bytes, have %d", n, len(r.buf))
		return nil
	}
	out := r.buf[:n]
	r.buf = r.buf[n:]
	return out
}

func (r *reader) uint8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) uint16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) uint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) uint64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *reader) bytes() []byte {
	n := r.uint32()
	b := r.take(int(n))
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

func (r *reader) tg() ident.TransactionGroup {
	var tg ident.TransactionGroup
	tg.Group = r.uint64()
	tg.Timestamp = r.uint64()
	tg.Number = r.uint64()
	return tg
}

func (r *reader) rs() replicaset.ReplicaSet {
	var rs replicaset.ReplicaSet
	rs.Epoch = r.uint64()
	rs.DesiredReplication = r.uint32()
	rs.NumReplicas = r.uint32()
	if r.err != nil {
		return rs
	}
	if rs.NumReplicas > 1<<16 {
		r.err = errors.Errorf("implausible replica count %d", rs.NumReplicas)
		return rs
	}
	rs.Replicas = make([]ident.CommId, rs.NumReplicas)
	for i := range rs.Replicas {
		rs.Replicas[i] = ident.CommId(r.uint64())
	}
	rs.Transitioning = make([]ident.CommId, rs.NumReplicas)
	for i := range rs.Transitioning {
		rs.Transitioning[i] = ident.CommId(r.uint64())
	}
	return rs
}

func (r *reader) finish() error {
	if r.err != nil {
		return r.err
	}
	if len(r.buf) != 0 {
		return errors.Errorf("%d trailing bytes after message", len(r.buf))
	}
	return nil
}
