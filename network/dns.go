package network

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/miekg/dns"
	"github.com/ruteri/device-agent/interfaces"
)

const (
	DefaultResolver     = "127.0.0.53:53"
	DefaultPollInterval = 2 * time.Second
	DefaultQueryTimeout = 3 * time.Second
)

// DNSSignal considers the network available once Host resolves.
type DNSSignal struct {
	// Host is the name to resolve, usually the broker or provisioning server.
	Host string
	// Server is the resolver address; DefaultResolver when empty.
	Server       string
	PollInterval time.Duration
	Timeout      time.Duration
	Log          *slog.Logger
}

var _ interfaces.NetworkSignal = (*DNSSignal)(nil)

// ResolverFromConfig returns the first nameserver of a resolv.conf file, or
// DefaultResolver when it cannot be read.
func ResolverFromConfig(path string) string {
	cfg, err := dns.ClientConfigFromFile(path)
	if err != nil || len(cfg.Servers) == 0 {
		return DefaultResolver
	}
	return net.JoinHostPort(cfg.Servers[0], cfg.Port)
}

// WaitReady polls until Host resolves or ctx is done.
func (p *DNSSignal) WaitReady(ctx context.Context) error {
	interval := p.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	for attempt := 1; ; attempt++ {
		addrs, err := p.Resolve(ctx, p.Host)
		if err == nil && len(addrs) > 0 {
			p.Log.Info("Network available", "host", p.Host, "addrs", addrs, "attempts", attempt)
			return nil
		}
		p.Log.Debug("Network not available yet", "host", p.Host, "attempt", attempt, "err", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Resolve returns the IPv4 addresses of host.
func (p *DNSSignal) Resolve(ctx context.Context, host string) ([]string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []string{ip.String()}, nil
	}

	server := p.Server
	if server == "" {
		server = DefaultResolver
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeA)
	m.RecursionDesired = true

	qctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c := &dns.Client{Timeout: timeout}
	in, _, err := c.ExchangeContext(qctx, m, server)
	if err != nil {
		return nil, &interfaces.NetworkError{Op: "resolve " + host, Err: err}
	}
	if in.Rcode != dns.RcodeSuccess {
		return nil, &interfaces.NetworkError{Op: "resolve " + host, Err: fmt.Errorf("rcode %s", dns.RcodeToString[in.Rcode])}
	}

	addrs := make([]string, 0, len(in.Answer))
	for _, answer := range in.Answer {
		if a, ok := answer.(*dns.A); ok {
			addrs = append(addrs, a.A.String())
		}
	}
	return addrs, nil
}

// Static is a signal that is always ready, for hosts with a wired network.
type Static struct{}

func (Static) WaitReady(ctx context.Context) error {
	return ctx.Err()
}
