package daemon

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/denveloper/Consus/kv/config"
	"github.com/denveloper/Consus/kv/ident"
	"github.com/denveloper/Consus/kv/replicaset"
	"github.com/denveloper/Consus/kv/wire"
)

const dcTest = replicaset.DCId(1)

func TestReadFrame(t *testing.T) {
	msg := wire.PackWound(wire.Wound{TG: ident.TransactionGroup{Group: 1, Timestamp: 2, Number: 3}})
	binary.BigEndian.PutUint32(msg[0:4], uint32(len(msg)-wire.HeaderSize))

	payload, err := readFrame(bytes.NewReader(msg))
	require.NoError(t, err)
	w, err := wire.ParseWound(payload)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), w.TG.Timestamp)
}

func TestReadFrameRejectsOversize(t *testing.T) {
	var hdr [wire.HeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], maxFrameSize+1)
	_, err := readFrame(bytes.NewReader(hdr[:]))
	assert.Error(t, err)
}

func TestReadFrameShortHeader(t *testing.T) {
	_, err := readFrame(bytes.NewReader([]byte{1, 2, 3}))
	assert.Error(t, err)
}

func newTestDaemon(t *testing.T, id ident.CommId) *Daemon {
	cfg := config.NewTestConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	d := NewDaemon(cfg, id, dcTest)
	require.NoError(t, d.Start())
	t.Cleanup(d.Stop)
	return d
}

func listenAddr(d *Daemon) string {
	return d.tr.ln.Addr().String()
}

// Two daemons on loopback: d1 replicates a lock whose single replica and
// originator are both played by d2. The full loop is exercised: raw lock
// request out, response in through the dispatcher, terminal response back
// to the originator.
func TestLockRoundTripOverTCP(t *testing.T) {
	d1 := newTestDaemon(t, 1)
	d2 := newTestDaemon(t, 2)

	mems := []replicaset.Member{
		{Id: 1, DC: dcTest, Addr: listenAddr(d1)},
		{Id: 2, DC: dcTest, Addr: listenAddr(d2)},
	}
	c1 := replicaset.NewConfiguration(5, 1, []replicaset.Member{mems[1]}, nil)
	d1.InstallConfiguration(c1)
	d2.InstallConfiguration(replicaset.NewConfiguration(5, 1, mems, nil))

	respCh := make(chan wire.LockOpResp, 1)
	d2.OnLockOpResp = func(r wire.LockOpResp) { respCh <- r }

	tg := ident.TransactionGroup{Group: 1, Timestamp: 10, Number: 1}
	backing := []byte("default\x00pony")
	lr := d1.Registry.GetOrCreate(71)
	lr.Init(2, 42, backing[:7], backing[8:], tg, ident.LockLock, backing)

	// The registry tick sends the raw lock to d2; answer it as the replica
	// would once the request shows up.
	rs, ok := c1.Hash(dcTest, backing[:7], backing[8:])
	require.True(t, ok)
	resp := wire.PackRawLockResp(wire.RawLockResp{StateKey: 71, From: 2, TG: tg, RS: rs})

	deadline := time.After(5 * time.Second)
	for !lr.Finished() {
		d2.Send(1, append([]byte(nil), resp...))
		select {
		case <-deadline:
			t.Fatal("replicator never finished")
		case <-time.After(10 * time.Millisecond):
		}
	}

	select {
	case r := <-respCh:
		assert.Equal(t, uint64(42), r.Nonce)
		assert.Equal(t, ident.Success, r.RC)
	case <-time.After(5 * time.Second):
		t.Fatal("no terminal response delivered")
	}
}

func TestSendToUnknownTargetDropped(t *testing.T) {
	d := newTestDaemon(t, 1)
	// No configuration installed beyond the empty snapshot; nothing to do
	// but drop.
	d.Send(9, wire.PackWound(wire.Wound{}))
}

func TestWoundDelivery(t *testing.T) {
	d1 := newTestDaemon(t, 1)
	d2 := newTestDaemon(t, 2)

	mems := []replicaset.Member{
		{Id: 1, DC: dcTest, Addr: listenAddr(d1)},
		{Id: 2, DC: dcTest, Addr: listenAddr(d2)},
	}
	d1.InstallConfiguration(replicaset.NewConfiguration(5, 1, mems, nil))

	woundCh := make(chan wire.Wound, 1)
	d2.OnWound = func(w wire.Wound) { woundCh <- w }

	tg := ident.TransactionGroup{Group: 1, Timestamp: 10, Number: 1}
	backing := []byte("tk")
	lr := d1.Registry.GetOrCreate(5)
	lr.Init(2, 1, backing[:1], backing[1:], tg, ident.LockLock, backing)
	lr.Abort(tg, d1)
	require.True(t, lr.Finished())

	select {
	case w := <-woundCh:
		assert.Equal(t, tg, w.TG)
	case <-time.After(5 * time.Second):
		t.Fatal("wound never delivered")
	}
}
