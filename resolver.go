package meek

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

// Resolver resolves upstream hostnames. Implementations must resolve
// outside the tunnel, or the fronting domain lookup would be routed back
// through the transport it is trying to establish.
type Resolver interface {
	LookupIP(ctx context.Context, host string) ([]net.IP, error)
}

// SystemResolver resolves through the platform's configured DNS servers,
// with the protect hook applied to the resolver's sockets.
type SystemResolver struct {
	Protect ProtectFunc
}

func (r *SystemResolver) LookupIP(ctx context.Context, host string) ([]net.IP, error) {
	resolver := &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			d := &net.Dialer{Control: protectControl(r.Protect)}
			return d.DialContext(ctx, network, address)
		},
	}
	addrs, err := resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", host, err)
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, addr := range addrs {
		ips = append(ips, addr.IP)
	}
	return ips, nil
}

// DNSResolver queries a fixed DNS server directly over a protected socket,
// bypassing the platform resolver entirely. UDP with TCP retry on
// truncation.
type DNSResolver struct {
	// Server is the host:port of the DNS server, reached outside the
	// tunnel.
	Server string

	// Timeout bounds each query. Defaults to 10s.
	Timeout time.Duration

	// Protect is applied to query sockets before connect.
	Protect ProtectFunc
}

func (r *DNSResolver) LookupIP(ctx context.Context, host string) ([]net.IP, error) {
	timeout := r.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	var ips []net.IP
	for i, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		answers, err := r.query(ctx, host, qtype, timeout)
		if err != nil {
			// A failed AAAA lookup is not fatal when A succeeded.
			if i > 0 && len(ips) > 0 {
				break
			}
			return nil, err
		}
		ips = append(ips, answers...)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no addresses for %s", host)
	}
	return ips, nil
}

func (r *DNSResolver) query(ctx context.Context, host string, qtype uint16, timeout time.Duration) ([]net.IP, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), qtype)

	client := &dns.Client{
		Net:     "udp",
		Timeout: timeout,
		Dialer: &net.Dialer{
			Timeout: timeout,
			Control: protectControl(r.Protect),
		},
	}
	resp, _, err := client.ExchangeContext(ctx, msg, r.Server)
	if err != nil {
		return nil, fmt.Errorf("querying %s for %s: %w", r.Server, host, err)
	}
	if resp.Truncated {
		client.Net = "tcp"
		resp, _, err = client.ExchangeContext(ctx, msg, r.Server)
		if err != nil {
			return nil, fmt.Errorf("querying %s for %s over tcp: %w", r.Server, host, err)
		}
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("querying %s for %s: %s", r.Server, host, dns.RcodeToString[resp.Rcode])
	}

	var ips []net.IP
	for _, rr := range resp.Answer {
		switch answer := rr.(type) {
		case *dns.A:
			ips = append(ips, answer.A)
		case *dns.AAAA:
			ips = append(ips, answer.AAAA)
		}
	}
	return ips, nil
}
