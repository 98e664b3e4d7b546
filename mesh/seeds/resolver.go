package seeds

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// Resolver abstracts DNS TXT lookups so tests can supply in-memory fixtures.
type Resolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

type netResolver struct {
	resolver *net.Resolver
}

func (n *netResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	if n == nil || n.resolver == nil {
		return net.DefaultResolver.LookupTXT(ctx, name)
	}
	return n.resolver.LookupTXT(ctx, name)
}

// DefaultResolver returns a resolver backed by the Go runtime's default DNS
// implementation.
func DefaultResolver() Resolver {
	return &netResolver{resolver: net.DefaultResolver}
}

const defaultServerTimeout = 5 * time.Second

// ServerResolver queries one explicit DNS server instead of the system
// configuration. Deployments behind split-horizon DNS point this at the
// authority's own server.
type ServerResolver struct {
	// Server is the host:port of the DNS server, e.g. "127.0.0.1:8053".
	Server string
	// Net selects "udp" or "tcp". Defaults to "udp".
	Net string
	// Timeout bounds one exchange. Default 5s.
	Timeout time.Duration
}

// NewServerResolver builds a UDP resolver against the given host:port.
func NewServerResolver(server string) *ServerResolver {
	return &ServerResolver{Server: server}
}

// LookupTXT sends a TXT query for name to the configured server. Multi-string
// TXT answers are joined, matching the convention used when long records are
// split across strings.
func (r *ServerResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	if r == nil || strings.TrimSpace(r.Server) == "" {
		return nil, fmt.Errorf("seeds: resolver server not configured")
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = defaultServerTimeout
	}
	client := &dns.Client{Net: r.Net, Timeout: timeout}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(strings.TrimSpace(name)), dns.TypeTXT)

	reply, _, err := client.ExchangeContext(ctx, msg, r.Server)
	if err != nil {
		return nil, fmt.Errorf("seeds: query %s via %s: %w", name, r.Server, err)
	}
	if reply.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("seeds: query %s via %s: rcode %s", name, r.Server, dns.RcodeToString[reply.Rcode])
	}
	records := make([]string, 0, len(reply.Answer))
	for _, answer := range reply.Answer {
		txt, ok := answer.(*dns.TXT)
		if !ok {
			continue
		}
		records = append(records, strings.Join(txt.Txt, ""))
	}
	return records, nil
}
