package socks

import (
	"net"
	"time"

	"github.com/rs/zerolog"

	"socks5d/internal/resolver"
)

// Config holds the subset of the server's configuration the state
// machine needs per connection, translated out of the flat JSON
// config by internal/server.
type Config struct {
	NoAuth             bool
	UseDynamicPassword bool
	Username           string
	Password           string
	SkipLocal          bool
	HighWaterMarkBytes int64
	DialTimeout        time.Duration
	ResolveTimeout     time.Duration
	Authenticator      DynamicAuthenticator

	// AssociationAddr returns the configured UDP ASSOCIATE relay
	// address, or ok=false when the UDP subsystem is disabled.
	AssociationAddr func() (ip net.IP, port uint16, ok bool)
}

// Deps wires a Conn to the rest of the server: the resolver gateway
// for domain lookups, the logger, and the callbacks the server needs
// to keep its TunnelMap/StatusMap in sync with state transitions.
type Deps struct {
	Config   *Config
	Resolver *resolver.Gateway
	Logger   zerolog.Logger

	// OnEstablished is called once a CONNECT succeeds and the tunnel
	// is live, so the server can record it in its TunnelMap.
	OnEstablished func(id uint64, tun Tunneler)

	// OnClosed is called when the connection's lifecycle ends, for any
	// reason, so the server can drop its StatusMap and TunnelMap entries
	// and erase it from the connection queue. For an established
	// connection it is called twice, once by the tunnel's teardown and
	// once by the connection's own close, so it must be idempotent.
	OnClosed func(id uint64)
}

// Tunneler is the subset of *tunnel.Tunnel the state machine needs,
// kept as an interface here so this package does not import
// internal/tunnel's concrete type into its exported surface.
type Tunneler interface {
	Forward(data []byte)
	Close()
}
