package socks

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"socks5d/internal/resolver"
)

// driveReads runs the read loop a real server would run: every chunk
// read off raw is fed straight into the connection's state machine.
func driveReads(t *testing.T, c *Conn, raw net.Conn) {
	t.Helper()
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := raw.Read(buf)
			if n > 0 {
				c.OnBytes(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()
}

func newTestDeps(cfg *Config) *Deps {
	return &Deps{
		Config:   cfg,
		Resolver: resolver.New(nil),
		Logger:   zerolog.Nop(),
	}
}

func newEchoServer(t *testing.T) (addr string, closeFn func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go io.Copy(conn, conn)
		}
	}()
	return ln.Addr().String(), func() { ln.Close() }
}

func readN(t *testing.T, r io.Reader, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		t.Fatalf("readN(%d): %v", n, err)
	}
	return buf
}

// TestS1NoAuthIPv4ConnectRoundTrip exercises scenario S1: NoAuth method
// negotiation, a literal-IPv4 CONNECT, and a payload round trip through
// the established tunnel.
func TestS1NoAuthIPv4ConnectRoundTrip(t *testing.T) {
	targetAddr, closeTarget := newEchoServer(t)
	defer closeTarget()
	host, portStr, _ := net.SplitHostPort(targetAddr)
	port := mustAtoiPort(t, portStr)

	client, server := net.Pipe()
	defer client.Close()

	cfg := &Config{NoAuth: true, DialTimeout: 2 * time.Second, ResolveTimeout: 2 * time.Second}
	c := NewConn(1, server, newTestDeps(cfg))
	driveReads(t, c, server)

	// Method negotiation: VER NMETHODS METHODS
	client.Write([]byte{Version5, 1, MethodNoAuth})
	reply := readN(t, client, 2)
	if reply[0] != Version5 || reply[1] != MethodNoAuth {
		t.Fatalf("unexpected method reply: %v", reply)
	}

	// CONNECT to the literal IPv4 echo server.
	req := []byte{Version5, CmdConnect, 0x00, ATYPIPv4}
	req = append(req, net.ParseIP(host).To4()...)
	req = append(req, byte(port>>8), byte(port))
	client.Write(req)

	connReply := readN(t, client, 10)
	wantReply := EncodeReply(ReplySucceeded, net.ParseIP(host).To4(), uint16(port))
	if string(connReply) != string(wantReply) {
		t.Fatalf("unexpected CONNECT reply: got %v, want %v", connReply, wantReply)
	}

	payload := []byte("hello tunnel")
	client.Write(payload)
	echoed := readN(t, client, len(payload))
	if string(echoed) != string(payload) {
		t.Fatalf("got %q, want %q", echoed, payload)
	}
}

// TestS2PrivateAddressBlocked exercises scenario S2: a CONNECT to a
// private/loopback literal address is refused when SkipLocal is set.
func TestS2PrivateAddressBlocked(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	cfg := &Config{NoAuth: true, SkipLocal: true, DialTimeout: time.Second, ResolveTimeout: time.Second}
	c := NewConn(1, server, newTestDeps(cfg))
	driveReads(t, c, server)

	client.Write([]byte{Version5, 1, MethodNoAuth})
	readN(t, client, 2)

	req := []byte{Version5, CmdConnect, 0x00, ATYPIPv4, 127, 0, 0, 1, 0x1f, 0x90}
	client.Write(req)

	reply := readN(t, client, 10)
	if reply[1] != ReplyGeneralFailure {
		t.Fatalf("expected general failure, got %v", reply)
	}
}

// TestS3UsernamePasswordDomainConnect exercises scenario S3:
// username/password negotiation followed by a domain-name CONNECT.
func TestS3UsernamePasswordDomainConnect(t *testing.T) {
	targetAddr, closeTarget := newEchoServer(t)
	defer closeTarget()
	_, portStr, _ := net.SplitHostPort(targetAddr)
	port := mustAtoiPort(t, portStr)

	client, server := net.Pipe()
	defer client.Close()

	cfg := &Config{
		NoAuth: false, Username: "alice", Password: "secret",
		DialTimeout: 2 * time.Second, ResolveTimeout: 2 * time.Second,
	}
	c := NewConn(1, server, newTestDeps(cfg))
	driveReads(t, c, server)

	client.Write([]byte{Version5, 1, MethodUsernamePass})
	methodReply := readN(t, client, 2)
	if methodReply[1] != MethodUsernamePass {
		t.Fatalf("expected username/password method selected, got %v", methodReply)
	}

	authReq := []byte{AuthVersion, 5}
	authReq = append(authReq, []byte("alice")...)
	authReq = append(authReq, 6)
	authReq = append(authReq, []byte("secret")...)
	client.Write(authReq)
	authReply := readN(t, client, 2)
	if authReply[1] != AuthSuccess {
		t.Fatalf("expected auth success, got %v", authReply)
	}

	hostname := "localhost"
	req := []byte{Version5, CmdConnect, 0x00, ATYPDomain, byte(len(hostname))}
	req = append(req, []byte(hostname)...)
	req = append(req, byte(port>>8), byte(port))
	client.Write(req)

	// The success reply must echo the domain name back (ATYP 3), not
	// the IP address it resolved to.
	wantReply := EncodeReplyDomain(ReplySucceeded, hostname, uint16(port))
	connReply := readN(t, client, len(wantReply))
	if string(connReply) != string(wantReply) {
		t.Fatalf("unexpected CONNECT reply: got %v, want %v", connReply, wantReply)
	}
}

// TestS4AuthenticationFailure exercises scenario S4: a bad credential
// pair is rejected and the connection is closed.
func TestS4AuthenticationFailure(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	cfg := &Config{Username: "alice", Password: "secret", DialTimeout: time.Second, ResolveTimeout: time.Second}
	c := NewConn(1, server, newTestDeps(cfg))
	driveReads(t, c, server)

	client.Write([]byte{Version5, 1, MethodUsernamePass})
	readN(t, client, 2)

	authReq := []byte{AuthVersion, 3}
	authReq = append(authReq, []byte("bob")...)
	authReq = append(authReq, 5)
	authReq = append(authReq, []byte("wrong")...)
	client.Write(authReq)

	authReply := readN(t, client, 2)
	if authReply[1] != AuthFailure {
		t.Fatalf("expected auth failure, got %v", authReply)
	}
}

// TestS5UnsupportedMethodRejected exercises scenario S5: the client
// offers no method the server accepts.
func TestS5UnsupportedMethodRejected(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	cfg := &Config{NoAuth: true, DialTimeout: time.Second, ResolveTimeout: time.Second}
	c := NewConn(1, server, newTestDeps(cfg))
	driveReads(t, c, server)

	client.Write([]byte{Version5, 1, 0x01}) // GSSAPI only
	reply := readN(t, client, 2)
	if reply[1] != MethodNoAcceptable {
		t.Fatalf("expected no acceptable methods, got %v", reply)
	}
}

// TestHandshakeAcrossChunkedDelivery verifies the state machine copes
// with a method-negotiation request delivered one byte at a time.
func TestHandshakeAcrossChunkedDelivery(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	cfg := &Config{NoAuth: true, DialTimeout: time.Second, ResolveTimeout: time.Second}
	c := NewConn(1, server, newTestDeps(cfg))
	driveReads(t, c, server)

	msg := []byte{Version5, 1, MethodNoAuth}
	for _, b := range msg {
		client.Write([]byte{b})
	}
	reply := readN(t, client, 2)
	if reply[0] != Version5 || reply[1] != MethodNoAuth {
		t.Fatalf("unexpected reply after chunked delivery: %v", reply)
	}
	if c.State() != StateWaitCommand {
		t.Fatalf("expected WaitCommand, got %v", c.State())
	}
}

func mustAtoiPort(t *testing.T, s string) int {
	t.Helper()
	n := 0
	for _, ch := range s {
		if ch < '0' || ch > '9' {
			t.Fatalf("bad port %q", s)
		}
		n = n*10 + int(ch-'0')
	}
	return n
}
