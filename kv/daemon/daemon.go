// Package daemon hosts the lock-replicator core: it supplies the clock,
// configuration snapshot, and non-blocking send the replicators need, and
// pumps inbound frames into the registry.
package daemon

import (
	"sync/atomic"

	"github.com/ngaut/log"

	"github.com/denveloper/Consus/kv/config"
	"github.com/denveloper/Consus/kv/ident"
	"github.com/denveloper/Consus/kv/lockrep"
	"github.com/denveloper/Consus/kv/replicaset"
	"github.com/denveloper/Consus/kv/util/mono"
	"github.com/denveloper/Consus/kv/wire"
)

// Daemon implements lockrep.Context. All capabilities it hands to the core
// are non-blocking; a work cycle never waits on the daemon.
type Daemon struct {
	us  ident.CommId
	dc  replicaset.DCId
	cfg *config.Config

	// conf holds the current *replicaset.Configuration. Snapshots are
	// immutable and swapped whole, so a work cycle sees one consistent view.
	conf atomic.Value

	Registry *lockrep.Registry
	tr       *transport

	// Callbacks into the transaction-manager layer for terminal responses
	// and wounds addressed to this node. Set before Start.
	OnLockOpResp func(wire.LockOpResp)
	OnWound      func(wire.Wound)
}

func NewDaemon(cfg *config.Config, us ident.CommId, dc replicaset.DCId) *Daemon {
	d := &Daemon{
		us:       us,
		dc:       dc,
		cfg:      cfg,
		Registry: lockrep.NewRegistry(),
	}
	// An empty snapshot until the coordinator delivers a real one; Hash
	// answers false and replicators retry on the tick.
	d.conf.Store(replicaset.NewConfiguration(0, cfg.DesiredReplication, nil, nil))
	d.tr = newTransport(us, cfg.SendQueueSize, d.handleFrame)
	return d
}

// InstallConfiguration atomically replaces the cluster snapshot.
func (d *Daemon) InstallConfiguration(c *replicaset.Configuration) {
	d.conf.Store(c)
	log.Infof("installed configuration version=%d", c.Version)
}

func (d *Daemon) configuration() *replicaset.Configuration {
	return d.conf.Load().(*replicaset.Configuration)
}

func (d *Daemon) GetConfig() lockrep.Configuration {
	return d.configuration()
}

func (d *Daemon) DC() replicaset.DCId {
	return d.dc
}

func (d *Daemon) ResendInterval() uint64 {
	return uint64(d.cfg.ResendInterval())
}

func (d *Daemon) Now() uint64 {
	return mono.Now()
}

// Send enqueues msg for target without blocking. Unknown targets and full
// queues drop the message; retransmission covers both.
func (d *Daemon) Send(target ident.CommId, msg []byte) {
	addr, ok := d.configuration().Address(target)
	if !ok {
		log.Debugf("dropped send to %s: not in configuration", target)
		return
	}
	d.tr.send(target, addr, msg)
}

func (d *Daemon) Start() error {
	if err := d.tr.listen(d.cfg.ListenAddr); err != nil {
		return err
	}
	d.Registry.Start(d, d.cfg.WorkTickInterval(), d.cfg.FinishedGrace())
	log.Infof("daemon %s listening on %s", d.us, d.cfg.ListenAddr)
	return nil
}

func (d *Daemon) Stop() {
	d.Registry.Stop()
	d.tr.close()
}

func (d *Daemon) handleFrame(payload []byte) {
	t, err := wire.PeekType(payload)
	if err != nil {
		log.Warnf("dropped unreadable frame: %v", err)
		return
	}
	switch t {
	case wire.MsgKVSRawLockResp:
		if err := d.Registry.Dispatch(payload, d); err != nil {
			log.Warnf("dropped malformed lock response: %v", err)
		}
	case wire.MsgKVSLockOpResp:
		resp, err := wire.ParseLockOpResp(payload)
		if err != nil {
			log.Warnf("dropped malformed lock op response: %v", err)
			return
		}
		if d.OnLockOpResp != nil {
			d.OnLockOpResp(resp)
		}
	case wire.MsgTxmanWound:
		w, err := wire.ParseWound(payload)
		if err != nil {
			log.Warnf("dropped malformed wound: %v", err)
			return
		}
		if d.OnWound != nil {
			d.OnWound(w)
		}
	case wire.MsgKVSRawLock:
		// Replica-side lock tables live in the KVS daemons; this host only
		// drives the transaction-manager side.
		log.Debugf("dropped %s: no local lock table", t)
	default:
		log.Debugf("dropped frame of unexpected type %s", t)
	}
}
