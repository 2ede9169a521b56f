// Package udpassoc implements the UDP ASSOCIATE relay (spec component
// G), transliterated from original_source/UdpAssociate.h's
// UdpAssociation/UdpTunnel pair: one bound association socket accepts
// client datagrams prefixed with the RFC1928 UDP request header, and a
// dedicated outbound socket per source endpoint relays to the actual
// destination and filters responses back through the same header.
// Idle per-source mappings are swept on a fixed interval, mirroring
// the original's 60-second cleanup timer and 300-second default idle
// timeout.
package udpassoc

import (
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"socks5d/internal/resolver"
	"socks5d/internal/socks"
)

// DefaultIdleTimeout and DefaultSweepInterval match
// original_source/UdpAssociate.h's DEFAULT_TIMEOUT_SECONDS and the
// hardcoded 60-second runEvery cleanup interval.
const (
	DefaultIdleTimeout   = 300 * time.Second
	DefaultSweepInterval = 60 * time.Second
)

const maxDatagram = 65536

// Config holds the tunable knobs of the relay.
type Config struct {
	SkipLocal      bool
	IdleTimeout    time.Duration
	SweepInterval  time.Duration
	ResolveTimeout time.Duration
}

// Relay is a running UDP ASSOCIATE socket plus its live per-source
// mappings.
type Relay struct {
	conn     *net.UDPConn
	resolver *resolver.Gateway
	cfg      Config
	log      zerolog.Logger

	mu       sync.Mutex
	mappings map[string]*mapping

	stop chan struct{}
}

// mapping is the equivalent of a UdpTunnel: a dedicated outbound
// socket for one client source endpoint, with the RFC1928 header it
// arrived with stashed so responses can be re-prefixed before being
// sent back.
type mapping struct {
	out    *net.UDPConn
	src    *net.UDPAddr
	header []byte

	mu           sync.Mutex
	lastActivity time.Time

	stop chan struct{}
}

func (m *mapping) touch() {
	m.mu.Lock()
	m.lastActivity = time.Now()
	m.mu.Unlock()
}

func (m *mapping) idleFor() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Since(m.lastActivity)
}

// Listen binds the association address and starts the relay's read
// and cleanup loops. It does not block.
func Listen(addr *net.UDPAddr, cfg Config, res *resolver.Gateway, log zerolog.Logger) (*Relay, error) {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	r := &Relay{
		conn:     conn,
		resolver: res,
		cfg:      cfg,
		log:      log,
		mappings: make(map[string]*mapping),
		stop:     make(chan struct{}),
	}
	go r.readLoop()
	go r.cleanupLoop()
	return r, nil
}

// LocalAddr reports the bound association address, used to build the
// UDP ASSOCIATE success reply.
func (r *Relay) LocalAddr() *net.UDPAddr {
	return r.conn.LocalAddr().(*net.UDPAddr)
}

// Close stops the relay and every live mapping.
func (r *Relay) Close() {
	close(r.stop)
	r.conn.Close()
	r.mu.Lock()
	for key, m := range r.mappings {
		close(m.stop)
		m.out.Close()
		delete(r.mappings, key)
	}
	r.mu.Unlock()
}

func (r *Relay) readLoop() {
	buf := make([]byte, maxDatagram)
	for {
		n, src, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-r.stop:
				return
			default:
				r.log.Debug().Err(err).Msg("udp associate read error")
				continue
			}
		}
		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		r.handleDatagram(datagram, src)
	}
}

// handleDatagram mirrors UdpAssociation::readCallback: validate the
// RSV/FRAG prefix, classify and parse the destination address, then
// resolve (synchronously for literals, asynchronously for domains)
// before relaying the payload.
func (r *Relay) handleDatagram(datagram []byte, src *net.UDPAddr) {
	if len(datagram) <= 4 {
		return
	}
	if datagram[0] != 0x00 || datagram[1] != 0x00 || datagram[2] != 0x00 {
		// FRAG must be zero: fragmentation is an explicit non-goal.
		return
	}

	atypData := datagram[3:]
	kind := socks.Classify(atypData)

	var (
		headerLen int
		hostname  string
		literal   net.IP
		port      uint16
	)

	switch kind {
	case socks.KindIPv4:
		ip, p, addrLen := socks.ParseIPv4(atypData)
		literal, port, headerLen = ip, p, 3+addrLen
	case socks.KindIPv6:
		ip, p, addrLen := socks.ParseIPv6(atypData)
		literal, port, headerLen = ip, p, 3+addrLen
	case socks.KindDomain:
		host, p, addrLen := socks.ParseDomain(atypData)
		hostname, port, headerLen = host, p, 3+addrLen
	default:
		r.log.Warn().Str("src", src.String()).Msg("invalid UDP request format")
		return
	}

	header := make([]byte, headerLen)
	copy(header, datagram[:headerLen])
	data := datagram[headerLen:]

	deliver := func(ip net.IP) {
		if r.cfg.SkipLocal && socks.IsPrivate(ip) {
			r.log.Warn().Str("dst", ip.String()).Msg("UDP ASSOCIATE to local address blocked")
			return
		}
		r.relay(src, header, data, &net.UDPAddr{IP: ip, Port: int(port)})
	}

	if hostname != "" {
		r.resolver.Resolve(hostname, r.cfg.ResolveTimeout, deliver, func() {
			r.log.Warn().Str("host", hostname).Str("src", src.String()).Msg("failed to resolve UDP ASSOCIATE target")
		})
		return
	}
	deliver(literal)
}

// relay gets or creates the per-source mapping and forwards data to
// dst through its dedicated outbound socket.
func (r *Relay) relay(src *net.UDPAddr, header, data []byte, dst *net.UDPAddr) {
	key := src.String()

	r.mu.Lock()
	m, ok := r.mappings[key]
	if !ok {
		out, err := net.ListenUDP("udp", nil)
		if err != nil {
			r.mu.Unlock()
			r.log.Warn().Err(err).Msg("failed to open outbound UDP socket")
			return
		}
		m = &mapping{out: out, src: src, header: header, lastActivity: time.Now(), stop: make(chan struct{})}
		r.mappings[key] = m
		r.log.Info().Str("src", key).Str("dst", dst.String()).Msg("new UDP tunnel")
		go r.responseLoop(m)
	}
	r.mu.Unlock()

	m.touch()
	if _, err := m.out.WriteToUDP(data, dst); err != nil {
		r.log.Warn().Err(err).Str("dst", dst.String()).Msg("UDP relay send failed")
	}
}

// responseLoop is the UdpTunnel equivalent: read whatever the target
// sends back and relay it to the original client source, with the
// stashed RFC1928 header re-applied (the MessageFilter).
func (r *Relay) responseLoop(m *mapping) {
	buf := make([]byte, maxDatagram)
	for {
		select {
		case <-m.stop:
			return
		default:
		}
		m.out.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, _, err := m.out.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
		framed := make([]byte, 0, len(m.header)+n)
		framed = append(framed, m.header...)
		framed = append(framed, buf[:n]...)
		m.touch()
		if _, err := r.conn.WriteToUDP(framed, m.src); err != nil {
			r.log.Debug().Err(err).Msg("UDP relay response send failed")
		}
	}
}

func (r *Relay) cleanupLoop() {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Relay) sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, m := range r.mappings {
		if m.idleFor() > r.cfg.IdleTimeout {
			close(m.stop)
			m.out.Close()
			delete(r.mappings, key)
			r.log.Info().Str("src", key).Msg("UDP tunnel expired")
		}
	}
}
