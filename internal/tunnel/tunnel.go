// Package tunnel implements the bidirectional relay between a SOCKS5
// client connection and the outbound connection dialed on its behalf,
// with an explicit byte-counted high-water mark that couples the two
// directions the way muduo's per-connection output-buffer callback did
// in the original event-loop server. There is no equivalent hook on a
// blocking net.Conn, so the mark is enforced by pausing the peer's
// reader goroutine while a side's outbound queue is over the mark.
package tunnel

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ErrDial is returned by Dial when the outbound connection could not be
// established; the caller is expected to translate it into a SOCKS5
// reply code and never touches the Tunnel it would have returned.
var ErrDial = errors.New("tunnel: dial failed")

// Tunnel splices a client connection with a remote connection once both
// ends are known. Forward is safe to call concurrently with the read
// loops started by Dial.
type Tunnel struct {
	id      uint64
	client  *half
	remote  *half
	log     zerolog.Logger
	onClose func(id uint64)
	once    sync.Once
}

type half struct {
	name    string
	conn    net.Conn
	out     chan []byte
	pending int64 // atomic byte count queued for write
	mark    int64 // high-water mark in bytes
	gate    flowGate
	closed  chan struct{}
}

func newHalf(name string, conn net.Conn, markBytes int64) *half {
	return &half{
		name:   name,
		conn:   conn,
		out:    make(chan []byte, 256),
		mark:   markBytes,
		closed: make(chan struct{}),
	}
}

// enqueue queues data for delivery to this half's peer connection and
// pauses the gate (blocking the reader that produces data for us) once
// the queued byte count crosses the high-water mark.
func (h *half) enqueue(data []byte) {
	n := int64(len(data))
	select {
	case h.out <- data:
	case <-h.closed:
		return
	}
	if atomic.AddInt64(&h.pending, n) > h.mark {
		h.gate.Pause()
	}
}

// writeLoop drains queued data to the connection until the half is
// closed, at which point it flushes whatever is already queued (the
// "drain send queue before full close" invariant) and closes the
// underlying connection. h.out is never closed: enqueue and writeLoop
// coordinate purely through h.closed to avoid a send-on-closed-channel
// race between them.
func (h *half) writeLoop(log zerolog.Logger, onErr func()) {
	for {
		select {
		case data := <-h.out:
			h.write(data, log, onErr)
		case <-h.closed:
			h.drainAndClose(log, onErr)
			return
		}
	}
}

func (h *half) write(data []byte, log zerolog.Logger, onErr func()) {
	n := int64(len(data))
	if _, err := h.conn.Write(data); err != nil {
		log.Debug().Str("side", h.name).Err(err).Msg("tunnel write failed")
		onErr()
	}
	if atomic.AddInt64(&h.pending, -n) <= h.mark {
		h.gate.Resume()
	}
}

func (h *half) drainAndClose(log zerolog.Logger, onErr func()) {
	for {
		select {
		case data := <-h.out:
			h.write(data, log, onErr)
		default:
			h.conn.Close()
			return
		}
	}
}

// flowGate pauses a reader goroutine while its peer's outbound queue is
// full and wakes it again once the queue drains below the mark.
type flowGate struct {
	mu     sync.Mutex
	cond   *sync.Cond
	paused bool
	dead   bool
}

func (g *flowGate) init() { g.cond = sync.NewCond(&g.mu) }

func (g *flowGate) Pause() {
	g.mu.Lock()
	g.paused = true
	g.mu.Unlock()
}

func (g *flowGate) Resume() {
	g.mu.Lock()
	g.paused = false
	g.cond.Broadcast()
	g.mu.Unlock()
}

// wait blocks while the gate is paused, returning false if the gate was
// killed (tunnel torn down) while waiting.
func (g *flowGate) wait() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for g.paused && !g.dead {
		g.cond.Wait()
	}
	return !g.dead
}

func (g *flowGate) kill() {
	g.mu.Lock()
	g.dead = true
	g.cond.Broadcast()
	g.mu.Unlock()
}

// Dial establishes the outbound half of the tunnel and, on success,
// starts the four goroutines (a writer and reader per side) that keep
// it running until either side disconnects. onClose is invoked exactly
// once, from whichever goroutine notices the teardown first, so the
// caller can drop its TunnelMap entry.
func Dial(id uint64, client net.Conn, network, addr string, dialTimeout time.Duration, highWaterMarkBytes int64, log zerolog.Logger, onClose func(id uint64)) (*Tunnel, net.Addr, error) {
	remoteConn, err := net.DialTimeout(network, addr, dialTimeout)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrDial, err)
	}

	t := &Tunnel{
		id:      id,
		client:  newHalf("client", client, highWaterMarkBytes),
		remote:  newHalf("remote", remoteConn, highWaterMarkBytes),
		log:     log,
		onClose: onClose,
	}
	t.client.gate.init()
	t.remote.gate.init()

	go t.client.writeLoop(log, func() { t.teardown() })
	go t.remote.writeLoop(log, func() { t.teardown() })
	go t.readLoop(t.client, t.remote)
	go t.readLoop(t.remote, t.client)

	return t, remoteConn.LocalAddr(), nil
}

// readLoop reads from src and forwards every chunk to dst's outbound
// queue, gated by dst's flow-control state, until src errors or the
// tunnel is torn down.
func (t *Tunnel) readLoop(src, dst *half) {
	buf := make([]byte, 32*1024)
	for {
		if !dst.gate.wait() {
			return
		}
		n, err := src.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			dst.enqueue(chunk)
		}
		if err != nil {
			t.teardown()
			return
		}
	}
}

// Forward delivers client-originated bytes into the tunnel, consuming
// the entire slice before returning, matching the drain-per-notification
// invariant of the state machine's Established handler.
func (t *Tunnel) Forward(data []byte) {
	if len(data) == 0 {
		return
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	t.remote.enqueue(cp)
}

// teardown, exactly once, wakes any paused readers, tells both writer
// goroutines to flush their queues and close their connections, and
// invokes onClose.
func (t *Tunnel) teardown() {
	t.once.Do(func() {
		t.client.gate.kill()
		t.remote.gate.kill()
		close(t.client.closed)
		close(t.remote.closed)
		if t.onClose != nil {
			t.onClose(t.id)
		}
	})
}

// Close tears the tunnel down from the outside, e.g. when the owning
// connection is evicted from the connection queue before its peer
// noticed anything wrong.
func (t *Tunnel) Close() { t.teardown() }
