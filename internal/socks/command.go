// WaitCommand handling (CONNECT/BIND/UDP ASSOCIATE), transliterated
// from original_source/SocksServer.cpp's handleWCMD. BIND is
// intentionally unsupported, matching the teacher's bind.go and
// spec.md's explicit scope.
package socks

import (
	"net"

	"socks5d/internal/tunnel"
)

func (c *Conn) handleWaitCommand() {
	buf := c.pending.Bytes()
	if len(buf) < 4 {
		return
	}
	ver, cmd := buf[0], buf[1]
	if ver != Version5 {
		c.log.Warn().Uint8("ver", ver).Msg("unsupported SOCKS version in command")
		c.drain()
		c.forceCloseLocked()
		return
	}

	atypData := buf[3:]
	kind := Classify(atypData)

	switch cmd {
	case CmdConnect:
		c.handleConnect(atypData, kind)
	case CmdBind:
		c.log.Info().Msg("BIND not supported")
		c.shutdown()
	case CmdUDPAssociate:
		c.handleUDPAssociateCommand(kind)
	default:
		c.log.Warn().Uint8("cmd", cmd).Msg("unknown command")
		c.shutdown()
	}
}

func (c *Conn) handleConnect(atypData []byte, kind Kind) {
	switch kind {
	case KindIncomplete:
		return
	case KindInvalid:
		c.log.Warn().Msg("invalid address type in CONNECT")
		c.shutdown()
		return
	}

	switch kind {
	case KindIPv4:
		ip, port, addrLen := ParseIPv4(atypData)
		c.connectResolved(3+addrLen, ip, port)
	case KindIPv6:
		ip, port, addrLen := ParseIPv6(atypData)
		c.connectResolved(3+addrLen, ip, port)
	case KindDomain:
		host, port, addrLen := ParseDomain(atypData)
		c.connectDomain(3+addrLen, host, port)
	}
}

// connectResolved handles a CONNECT request whose destination address
// was already a literal IP (no resolution needed), going straight to
// the skip_local check and tunnel dial the way parseSocksToInetAddress
// fires its success callback synchronously for literal addresses.
func (c *Conn) connectResolved(totalLen int, ip net.IP, port uint16) {
	if c.deps.Config.SkipLocal && IsPrivate(ip) {
		c.log.Warn().Str("addr", FormatHostPort(ip.String(), port)).Msg("CONNECT to local address blocked")
		c.shutdown()
		return
	}
	c.dialAndEstablish(totalLen, ip, port, "")
}

// connectDomain issues an asynchronous resolve for a domain-name
// CONNECT request and leaves the request bytes in the pending buffer
// until the resolve completes, guarded by c.resolving so a second
// OnBytes call arriving before resolution finishes does not re-issue
// a duplicate lookup. A literal IP address in the domain field is
// dialed directly: the resolver would run the success callback on this
// goroutine, which already holds c.mu.
func (c *Conn) connectDomain(totalLen int, hostname string, port uint16) {
	if ip := net.ParseIP(hostname); ip != nil {
		if c.deps.Config.SkipLocal && IsPrivate(ip) {
			c.log.Warn().Str("host", hostname).Msg("CONNECT to local address blocked")
			c.shutdown()
			return
		}
		c.dialAndEstablish(totalLen, ip, port, hostname)
		return
	}

	c.resolving = true
	deps := c.deps

	deps.Resolver.Resolve(hostname, deps.Config.ResolveTimeout, func(ip net.IP) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed.Load() {
			return
		}
		c.resolving = false
		if deps.Config.SkipLocal && IsPrivate(ip) {
			c.log.Warn().Str("host", hostname).Str("resolved", ip.String()).Msg("CONNECT to resolved local address blocked")
			c.shutdown()
			return
		}
		c.dialAndEstablish(totalLen, ip, port, hostname)
	}, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed.Load() {
			return
		}
		c.resolving = false
		c.log.Warn().Str("host", hostname).Msg("failed to resolve CONNECT target")
		c.shutdown()
	})
}

// dialAndEstablish dials the destination and, on success, sends the
// CONNECT success reply. The reply's BND.ADDR/BND.PORT mirror the
// destination that was requested: the resolved/literal ip and port for
// an IP-addressed request, or the original hostname (ATYP 3) when
// domain carries the name a connectDomain resolve was issued for,
// matching original_source/SocksServer.cpp's handleWCMD building
// initSuccessResponse from dst_addr rather than the locally bound
// outbound socket address.
func (c *Conn) dialAndEstablish(totalLen int, ip net.IP, port uint16, domain string) {
	addr := FormatHostPort(ip.String(), port)
	tun, _, err := tunnel.Dial(c.ID, c.Raw, "tcp", addr, c.deps.Config.DialTimeout, c.deps.Config.HighWaterMarkBytes, c.deps.Logger, func(id uint64) {
		if c.deps.OnClosed != nil {
			c.deps.OnClosed(id)
		}
	})
	if err != nil {
		c.log.Warn().Str("addr", addr).Err(err).Msg("CONNECT dial failed")
		c.shutdown()
		return
	}

	c.tunnel = tun
	c.state = StateEstablished
	c.pending.Next(totalLen)

	if domain != "" {
		c.sendReply(EncodeReplyDomain(ReplySucceeded, domain, port))
	} else {
		c.sendReply(EncodeReply(ReplySucceeded, ip, port))
	}
	if c.deps.OnEstablished != nil {
		c.deps.OnEstablished(c.ID, tun)
	}
}

func (c *Conn) handleUDPAssociateCommand(kind Kind) {
	switch kind {
	case KindIncomplete:
		return
	case KindInvalid:
		c.log.Warn().Msg("invalid address type in UDP ASSOCIATE")
		c.shutdown()
		return
	}

	ip, port, ok := c.deps.Config.AssociationAddr()
	if !ok {
		c.log.Info().Msg("UDP ASSOCIATE requested but UDP subsystem is disabled")
		c.shutdown()
		return
	}
	c.sendReply(EncodeReply(ReplySucceeded, ip, port))
	c.drain()
}

// handleEstablished forwards the entire pending buffer into the
// tunnel, matching the ESTABL state's "assert buffer fully drained"
// invariant from handleESTABL.
func (c *Conn) handleEstablished() {
	if c.pending.Len() == 0 {
		return
	}
	data := c.pending.Next(c.pending.Len())
	if c.tunnel != nil {
		c.tunnel.Forward(data)
	}
}
