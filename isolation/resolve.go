package isolation

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// Resolver turns a whitelist hostname into addresses.
type Resolver interface {
	LookupAddrs(ctx context.Context, host string) ([]netip.Addr, error)
}

// defaultResolvConf is read when no resolver servers are configured.
var defaultResolvConf = "/etc/resolv.conf"

// fallbackServer is used when resolv.conf is missing or empty.
const fallbackServer = "1.1.1.1:53"

// DNSResolver queries A and AAAA records directly against a fixed set of
// servers instead of going through the system resolver, so the addresses
// installed in the firewall are exactly the ones the servers returned.
type DNSResolver struct {
	servers []string
	client  *dns.Client
}

// NewDNSResolver returns a resolver for servers ("host" or "host:port").
// With no servers it reads /etc/resolv.conf and falls back to 1.1.1.1.
func NewDNSResolver(servers []string, timeout time.Duration) *DNSResolver {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if len(servers) == 0 {
		servers = systemServers()
	}
	normalized := make([]string, 0, len(servers))
	for _, s := range servers {
		if _, _, err := net.SplitHostPort(s); err != nil {
			s = net.JoinHostPort(strings.Trim(s, "[]"), "53")
		}
		normalized = append(normalized, s)
	}
	return &DNSResolver{
		servers: normalized,
		client:  &dns.Client{Net: "udp", Timeout: timeout},
	}
}

func systemServers() []string {
	cfg, err := dns.ClientConfigFromFile(defaultResolvConf)
	if err != nil || len(cfg.Servers) == 0 {
		return []string{fallbackServer}
	}
	out := make([]string, 0, len(cfg.Servers))
	for _, s := range cfg.Servers {
		out = append(out, net.JoinHostPort(s, cfg.Port))
	}
	return out
}

// Servers returns the addresses of the configured DNS servers.
func (r *DNSResolver) Servers() []netip.Addr {
	var out []netip.Addr
	for _, s := range r.servers {
		host, _, err := net.SplitHostPort(s)
		if err != nil {
			continue
		}
		if a, err := netip.ParseAddr(host); err == nil {
			out = append(out, a)
		}
	}
	return out
}

// LookupAddrs returns the A and AAAA records for host. Servers are tried in
// order; the first one that answers without error wins.
func (r *DNSResolver) LookupAddrs(ctx context.Context, host string) ([]netip.Addr, error) {
	if a, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{a}, nil
	}
	var errs []error
	for _, server := range r.servers {
		addrs, err := r.query(ctx, server, host)
		if err == nil {
			return addrs, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", server, err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("resolve %s: %w", host, errors.Join(errs...))
}

func (r *DNSResolver) query(ctx context.Context, server, host string) ([]netip.Addr, error) {
	var addrs []netip.Addr
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		m := new(dns.Msg)
		m.SetQuestion(dns.Fqdn(host), qtype)
		m.RecursionDesired = true

		in, _, err := r.client.ExchangeContext(ctx, m, server)
		if err != nil {
			return nil, err
		}
		if in.Rcode != dns.RcodeSuccess {
			return nil, fmt.Errorf("rcode %s", dns.RcodeToString[in.Rcode])
		}
		for _, rr := range in.Answer {
			var ip net.IP
			switch v := rr.(type) {
			case *dns.A:
				ip = v.A
			case *dns.AAAA:
				ip = v.AAAA
			default:
				continue
			}
			if a, ok := netip.AddrFromSlice(ip); ok {
				addrs = append(addrs, a.Unmap())
			}
		}
	}
	if len(addrs) == 0 {
		return nil, errors.New("no A/AAAA records")
	}
	slices.SortFunc(addrs, func(a, b netip.Addr) int { return a.Compare(b) })
	return slices.Compact(addrs), nil
}

// resolveRules expands rules into entries. Literal addresses and CIDRs are
// used as is; hostnames are looked up through res.
func resolveRules(ctx context.Context, res Resolver, rules []Rule) ([]Entry, error) {
	var entries []Entry
	for _, r := range rules {
		proto := r.Proto
		if proto == "" {
			proto = ProtoAny
		}
		port := uint16(r.Port)

		if p, err := netip.ParsePrefix(r.Host); err == nil {
			entries = append(entries, Entry{Prefix: p.Masked(), Port: port, Proto: proto})
			continue
		}
		if a, err := netip.ParseAddr(r.Host); err == nil {
			a = a.Unmap()
			entries = append(entries, Entry{Prefix: netip.PrefixFrom(a, a.BitLen()), Port: port, Proto: proto})
			continue
		}
		if res == nil {
			return nil, fmt.Errorf("resolve %s: no resolver configured", r.Host)
		}
		addrs, err := res.LookupAddrs(ctx, r.Host)
		if err != nil {
			return nil, err
		}
		for _, a := range addrs {
			entries = append(entries, Entry{Prefix: netip.PrefixFrom(a, a.BitLen()), Port: port, Proto: proto})
		}
	}
	return entries, nil
}
