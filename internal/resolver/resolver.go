// Package resolver implements the asynchronous resolver gateway (spec
// component B): resolve a hostname in the background, invoke exactly
// one of a success/failure callback, and guarantee the callback fires
// at most once even when the query result and the timeout race each
// other. Grounded on original_source's ResolveContext (a done flag
// guarding both completion paths) and the rdcross pack's asyncQuery
// pattern of firing a goroutine and racing a timer.
package resolver

import (
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// DefaultTimeout matches original_source's dnsTimeoutSeconds default.
const DefaultTimeout = 10 * time.Second

// Gateway resolves hostnames, optionally against a configured set of
// upstream DNS servers, falling back to the system resolver when none
// are configured.
type Gateway struct {
	upstream []string // "host:port" resolvers; empty means use net.Resolver
	client   *dns.Client
}

// New creates a Gateway. upstream may be empty, in which case every
// Resolve falls back to the standard library resolver.
func New(upstream []string) *Gateway {
	return &Gateway{
		upstream: upstream,
		client:   &dns.Client{Timeout: DefaultTimeout},
	}
}

type resolveCtx struct {
	mu   sync.Mutex
	done bool
}

// complete fires exactly one of onSuccess/onFailure, no matter how many
// times it is called (timer fire plus query completion can both call
// in, in either order).
func (c *resolveCtx) complete(ip net.IP, onSuccess func(net.IP), onFailure func()) {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return
	}
	c.done = true
	c.mu.Unlock()

	if ip != nil {
		onSuccess(ip)
	} else {
		onFailure()
	}
}

// Resolve resolves hostname asynchronously and invokes exactly one of
// onSuccess/onFailure after at most timeout has elapsed. If hostname is
// a literal IP address, onSuccess runs synchronously on the caller's
// goroutine before Resolve returns; otherwise Resolve returns
// immediately and the callback runs on a goroutine other than the
// caller.
func (g *Gateway) Resolve(hostname string, timeout time.Duration, onSuccess func(net.IP), onFailure func()) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if ip := net.ParseIP(hostname); ip != nil {
		// Already a literal address: no resolution needed, fire
		// success synchronously on the caller's goroutine like the
		// original's IPv4/IPv6 literal branches of
		// parseSocksToInetAddress.
		onSuccess(ip)
		return
	}

	ctx := &resolveCtx{}
	resultCh := make(chan net.IP, 1)

	go g.query(hostname, resultCh)

	timer := time.AfterFunc(timeout, func() {
		ctx.complete(nil, onSuccess, onFailure)
	})

	go func() {
		ip := <-resultCh
		timer.Stop()
		ctx.complete(ip, onSuccess, onFailure)
	}()
}

// query performs the actual lookup and always sends exactly one result
// (nil on failure) to resultCh.
func (g *Gateway) query(hostname string, resultCh chan<- net.IP) {
	if len(g.upstream) == 0 {
		ips, err := net.LookupIP(hostname)
		if err != nil || len(ips) == 0 {
			resultCh <- nil
			return
		}
		resultCh <- pickPreferred(ips)
		return
	}

	for _, server := range g.upstream {
		if ip := g.queryUpstream(server, hostname); ip != nil {
			resultCh <- ip
			return
		}
	}
	resultCh <- nil
}

func (g *Gateway) queryUpstream(server, hostname string) net.IP {
	fqdn := dns.Fqdn(hostname)
	if ip := g.queryType(server, fqdn, dns.TypeA); ip != nil {
		return ip
	}
	return g.queryType(server, fqdn, dns.TypeAAAA)
}

func (g *Gateway) queryType(server, fqdn string, qtype uint16) net.IP {
	msg := new(dns.Msg)
	msg.SetQuestion(fqdn, qtype)
	msg.RecursionDesired = true

	resp, _, err := g.client.Exchange(msg, server)
	if err != nil || resp == nil {
		return nil
	}
	for _, rr := range resp.Answer {
		switch rec := rr.(type) {
		case *dns.A:
			return rec.A
		case *dns.AAAA:
			return rec.AAAA
		}
	}
	return nil
}

// pickPreferred prefers an IPv4 result when both families are present,
// matching the common case of original_source's IPv4-first behavior.
func pickPreferred(ips []net.IP) net.IP {
	for _, ip := range ips {
		if ip.To4() != nil {
			return ip
		}
	}
	return ips[0]
}
