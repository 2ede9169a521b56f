package tunnel

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newEchoListener(t *testing.T) (addr string, closeFn func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go io.Copy(c, c)
		}
	}()
	return ln.Addr().String(), func() { ln.Close() }
}

func TestForwardRoundTrip(t *testing.T) {
	addr, closeFn := newEchoListener(t)
	defer closeFn()

	client, srvEnd := net.Pipe()
	defer client.Close()

	var closedID uint64
	closedCh := make(chan struct{}, 1)
	tun, _, err := Dial(42, srvEnd, "tcp", addr, 2*time.Second, 64*1024, zerolog.Nop(), func(id uint64) {
		closedID = id
		select {
		case closedCh <- struct{}{}:
		default:
		}
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	tun.Forward([]byte("ping"))

	buf := make([]byte, 4)
	if _, err := io.ReadFull(client, buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("got %q", buf)
	}

	client.Close()
	select {
	case <-closedCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for teardown callback")
	}
	if closedID != 42 {
		t.Fatalf("expected onClose(42), got %d", closedID)
	}
}

func TestDialFailureReturnsError(t *testing.T) {
	client, srvEnd := net.Pipe()
	defer client.Close()
	defer srvEnd.Close()

	_, _, err := Dial(1, srvEnd, "tcp", "127.0.0.1:1", 200*time.Millisecond, 1024, zerolog.Nop(), nil)
	if err == nil {
		t.Fatalf("expected dial error")
	}
}
