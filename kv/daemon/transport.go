package daemon

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/ngaut/log"
	"github.com/pingcap/errors"

	"github.com/denveloper/Consus/kv/ident"
	"github.com/denveloper/Consus/kv/wire"
)

// The frame size limit is larger than any lock message by orders of
// magnitude; anything bigger is garbage or an attack.
const maxFrameSize = 16 << 20

const reconnectBackoff = time.Second

// transport moves framed messages between daemons over TCP. Each peer has
// one outbound goroutine draining a bounded channel; enqueueing never
// blocks, and a full channel drops the frame. The resend timers above make
// dropping safe.
type transport struct {
	us        ident.CommId
	queueSize int
	handler   func(payload []byte)

	mu    sync.Mutex
	peers map[ident.CommId]*peer
	conns map[net.Conn]struct{}
	ln    net.Listener

	closed  chan struct{}
	closing sync.Once
	wg      sync.WaitGroup
}

type peer struct {
	id   ident.CommId
	addr string
	ch   chan []byte
	// done retires this peer's drain loop when the peer is replaced. The
	// channel itself is never closed, so enqueues cannot race a close.
	done chan struct{}
}

func newTransport(us ident.CommId, queueSize int, handler func([]byte)) *transport {
	return &transport{
		us:        us,
		queueSize: queueSize,
		handler:   handler,
		peers:     make(map[ident.CommId]*peer),
		conns:     make(map[net.Conn]struct{}),
		closed:    make(chan struct{}),
	}
}

func (t *transport) listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Trace(err)
	}
	t.ln = ln
	t.wg.Add(1)
	go t.acceptLoop(ln)
	return nil
}

func (t *transport) close() {
	t.closing.Do(func() {
		close(t.closed)
		if t.ln != nil {
			t.ln.Close()
		}
		t.mu.Lock()
		t.peers = nil
		for conn := range t.conns {
			conn.Close()
		}
		t.conns = nil
		t.mu.Unlock()
	})
	t.wg.Wait()
}

// send enqueues msg for the peer, spinning up its outbound loop on first
// contact. msg must carry the wire.HeaderSize reservation; the frame header
// is written into it here.
func (t *transport) send(id ident.CommId, addr string, msg []byte) {
	if len(msg) < wire.HeaderSize {
		log.Errorf("dropped frame to %s: no header reservation", id)
		return
	}
	binary.BigEndian.PutUint32(msg[0:4], uint32(len(msg)-wire.HeaderSize))
	binary.BigEndian.PutUint32(msg[4:8], 0)

	t.mu.Lock()
	if t.peers == nil {
		t.mu.Unlock()
		return
	}
	p, ok := t.peers[id]
	if ok && p.addr != addr {
		// Peer moved. Retire the old drain loop and start fresh.
		close(p.done)
		ok = false
	}
	if !ok {
		p = &peer{
			id:   id,
			addr: addr,
			ch:   make(chan []byte, t.queueSize),
			done: make(chan struct{}),
		}
		t.peers[id] = p
		t.wg.Add(1)
		go t.sendLoop(p)
	}
	t.mu.Unlock()

	select {
	case p.ch <- msg:
	default:
		log.Debugf("dropped frame to %s: send queue full", id)
	}
}

func (t *transport) sendLoop(p *peer) {
	defer t.wg.Done()
	var conn net.Conn
	defer func() {
		if conn != nil {
			conn.Close()
		}
	}()
	for {
		var msg []byte
		select {
		case msg = <-p.ch:
		case <-p.done:
			return
		case <-t.closed:
			return
		}
		if conn == nil {
			c, err := net.DialTimeout("tcp", p.addr, reconnectBackoff)
			if err != nil {
				log.Warnf("dial %s (%s) failed: %v", p.id, p.addr, err)
				select {
				case <-time.After(reconnectBackoff):
				case <-t.closed:
					return
				}
				continue
			}
			conn = c
		}
		if _, err := conn.Write(msg); err != nil {
			log.Warnf("write to %s failed: %v", p.id, err)
			conn.Close()
			conn = nil
		}
	}
}

func (t *transport) acceptLoop(ln net.Listener) {
	defer t.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-t.closed:
			default:
				log.Errorf("accept failed: %v", err)
			}
			return
		}
		t.mu.Lock()
		if t.conns == nil {
			t.mu.Unlock()
			conn.Close()
			return
		}
		t.conns[conn] = struct{}{}
		t.mu.Unlock()
		t.wg.Add(1)
		go t.recvLoop(conn)
	}
}

func (t *transport) recvLoop(conn net.Conn) {
	defer t.wg.Done()
	defer func() {
		t.mu.Lock()
		if t.conns != nil {
			delete(t.conns, conn)
		}
		t.mu.Unlock()
		conn.Close()
	}()
	for {
		payload, err := readFrame(conn)
		if err != nil {
			if err != io.EOF {
				log.Debugf("connection from %s closed: %v", conn.RemoteAddr(), err)
			}
			return
		}
		t.handler(payload)
	}
}

// readFrame reads one framed payload: an 8 byte header whose first word is
// the payload length, then the payload itself.
func readFrame(r io.Reader) ([]byte, error) {
	var hdr [wire.HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[0:4])
	if n > maxFrameSize {
		return nil, errors.Errorf("frame of %d bytes exceeds limit", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
