// Conn is the per-connection SOCKS5 state machine (spec component E),
// transliterated from original_source/SocksServer.cpp's
// handleWREQ/handleWVLDT/handleWCMD/handleESTABL state functions and
// the onMessage incomplete-byte dispatch loop, reworked from a single
// shared receive buffer indexed by connection id into one Conn struct
// per goroutine.
package socks

import (
	"bytes"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Conn tracks one client connection through the handshake into the
// established, forwarding state. OnBytes is driven by the goroutine
// that owns the underlying net.Conn and must not be called concurrently
// with itself for the same Conn; resolver callbacks and ForceClose may
// run on other goroutines and serialize with it through mu.
type Conn struct {
	ID    uint64
	Raw   net.Conn
	state ConnState
	log   zerolog.Logger

	// mu guards every field below. OnBytes runs on the connection's
	// owning read-loop goroutine; the resolver gateway's success and
	// failure callbacks for a domain CONNECT run on a goroutine of
	// their own and must serialize with it the same way the original
	// single-threaded event loop serialized every state mutation for
	// free.
	mu      sync.Mutex
	deps    *Deps
	pending bytes.Buffer

	method    byte
	resolving bool
	tunnel    Tunneler

	closed atomic.Bool
}

// NewConn wraps an accepted connection. The caller is responsible for
// admitting the returned Conn to the connection queue; NewConn does not
// touch the queue.
func NewConn(id uint64, raw net.Conn, deps *Deps) *Conn {
	return &Conn{
		ID:    id,
		Raw:   raw,
		state: StateWaitRequest,
		log:   deps.Logger.With().Uint64("conn", id).Logger(),
		deps:  deps,
	}
}

// State reports the connection's current position in the handshake.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ForceClose satisfies connqueue.Closable: it tears the connection
// (and any live tunnel) down immediately, as happens when the
// connection queue evicts the oldest admitted entry. Safe to call from
// any goroutine, including ones not holding c.mu.
func (c *Conn) ForceClose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forceCloseLocked()
}

// forceCloseLocked assumes c.mu is already held by the caller, which
// every in-state-machine caller is: OnBytes and the resolver callbacks
// both take the lock before dispatching into handler code.
func (c *Conn) forceCloseLocked() {
	if c.closed.Swap(true) {
		return
	}
	if c.tunnel != nil {
		c.tunnel.Close()
	}
	c.Raw.Close()
	if c.deps.OnClosed != nil {
		c.deps.OnClosed(c.ID)
	}
}

// OnBytes appends newly read bytes to the connection's pending buffer
// and dispatches by state until the buffer is exhausted, the state
// stops changing, or the ESTABLISHED state consumes the rest and
// returns, mirroring onMessage's "while (incompleted)" loop. Safe to
// call from the connection's owning read-loop goroutine only; it
// serializes against the resolver gateway's callbacks via c.mu.
func (c *Conn) OnBytes(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return
	}
	c.pending.Write(data)

	for {
		before := c.state
		switch c.state {
		case StateWaitRequest:
			c.handleWaitRequest()
		case StateWaitValidate:
			c.handleWaitValidate()
		case StateWaitCommand:
			if c.resolving {
				return
			}
			c.handleWaitCommand()
		case StateEstablished:
			c.handleEstablished()
			return
		}
		if c.closed.Load() {
			return
		}
		if c.state == before || c.pending.Len() == 0 {
			return
		}
	}
}

// drain discards every byte currently buffered, matching
// shutdownSocksReq's buf->retrieveAll() after a rejected request.
func (c *Conn) drain() {
	c.pending.Reset()
}

// sendReply writes a reply frame directly to the socket. Reply frames
// are small and sent synchronously from the owning goroutine, so no
// queueing is needed here (unlike the tunnel's relayed payloads).
func (c *Conn) sendReply(frame []byte) {
	if _, err := c.Raw.Write(frame); err != nil {
		c.log.Debug().Err(err).Msg("write reply failed")
	}
}

// shutdown sends a general-failure reply, drains the buffer and force
// closes the connection, mirroring shutdownSocksReq followed by
// forceClose in the branches that call both. Callers always already
// hold c.mu.
func (c *Conn) shutdown() {
	c.sendReply(EncodeGeneralFailure())
	c.drain()
	c.forceCloseLocked()
}

func (c *Conn) handleWaitRequest() {
	buf := c.pending.Bytes()
	if len(buf) < 2 {
		return
	}
	ver, nmethods := buf[0], int(buf[1])
	if ver != Version5 {
		c.log.Warn().Uint8("ver", ver).Msg("unsupported SOCKS version")
		c.drain()
		c.forceCloseLocked()
		return
	}
	if len(buf) < 2+nmethods {
		return
	}
	consumed := c.pending.Next(2 + nmethods)
	methods := consumed[2:]

	method := c.selectMethod(methods)
	if method == MethodNoAcceptable {
		c.sendReply(EncodeMethodSelection(MethodNoAcceptable))
		c.forceCloseLocked()
		return
	}
	c.method = method
	c.sendReply(EncodeMethodSelection(method))
	if method == MethodNoAuth {
		c.state = StateWaitCommand
	} else {
		c.state = StateWaitValidate
	}
}

func (c *Conn) selectMethod(offered []byte) byte {
	want := MethodUsernamePass
	if c.deps.Config.NoAuth {
		want = MethodNoAuth
	}
	for _, m := range offered {
		if m == want {
			return want
		}
	}
	return MethodNoAcceptable
}

func (c *Conn) handleWaitValidate() {
	buf := c.pending.Bytes()
	if len(buf) < 2 {
		return
	}
	ver, ulen := buf[0], int(buf[1])
	if len(buf) < 2+ulen+1 {
		return
	}
	plen := int(buf[2+ulen])
	if len(buf) < 2+ulen+1+plen {
		return
	}
	consumed := c.pending.Next(2 + ulen + 1 + plen)
	username := string(consumed[2 : 2+ulen])
	password := string(consumed[2+ulen+1 : 2+ulen+1+plen])
	_ = ver

	ok := c.authenticate(username, password)
	c.sendReply(EncodeAuthResult(ok))
	if !ok {
		c.log.Warn().Str("user", username).Msg("authentication failed")
		c.forceCloseLocked()
		return
	}
	c.state = StateWaitCommand
}

func (c *Conn) authenticate(username, password string) bool {
	if c.deps.Config.UseDynamicPassword {
		if c.deps.Config.Authenticator == nil {
			return false
		}
		return c.deps.Config.Authenticator.Authenticate(username, password)
	}
	return username == c.deps.Config.Username && password == c.deps.Config.Password
}
