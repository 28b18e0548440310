package isolation

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Proto is the transport protocol an allow entry applies to.
type Proto string

const (
	ProtoTCP Proto = "tcp"
	ProtoUDP Proto = "udp"
	ProtoAny Proto = "any"
)

func (p Proto) valid() bool {
	switch p {
	case ProtoTCP, ProtoUDP, ProtoAny:
		return true
	}
	return false
}

// matches reports whether traffic of protocol other is covered by p.
func (p Proto) matches(other Proto) bool {
	return p == ProtoAny || p == other
}

// Rule is one whitelist entry as written by the operator.
//
// Host is a hostname, an IP address or a CIDR. Port 0 allows every port.
// An empty Proto means ProtoAny.
type Rule struct {
	Host  string `yaml:"host" json:"host"`
	Port  int    `yaml:"port,omitempty" json:"port,omitempty"`
	Proto Proto  `yaml:"proto,omitempty" json:"proto,omitempty"`
}

// String renders the rule in the form accepted by ParseRule.
func (r Rule) String() string {
	host := r.Host
	if strings.Contains(host, ":") && r.Port != 0 {
		host = "[" + host + "]"
	}
	s := host
	if r.Port != 0 {
		s += ":" + strconv.Itoa(r.Port)
	}
	if r.Proto != "" && r.Proto != ProtoAny {
		s += "/" + string(r.Proto)
	}
	return s
}

// ParseRule parses "host[:port][/proto]". Host may be a CIDR, in which case
// the network suffix is kept ("10.0.0.0/8:443/tcp"). IPv6 hosts with a port
// must be bracketed ("[2001:db8::1]:443").
func ParseRule(s string) (Rule, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "://") {
		return Rule{}, fmt.Errorf("rule %q: host must not contain protocol prefix", s)
	}
	var r Rule

	if i := strings.LastIndexByte(s, '/'); i >= 0 {
		if p := Proto(strings.ToLower(s[i+1:])); p.valid() {
			r.Proto = p
			s = s[:i]
		}
	}

	host := s
	switch {
	case strings.HasPrefix(s, "["):
		end := strings.IndexByte(s, ']')
		if end < 0 {
			return Rule{}, fmt.Errorf("rule %q: missing ']'", s)
		}
		host = s[1:end]
		rest := s[end+1:]
		if rest != "" {
			if !strings.HasPrefix(rest, ":") {
				return Rule{}, fmt.Errorf("rule %q: unexpected %q after address", s, rest)
			}
			port, err := parsePort(rest[1:])
			if err != nil {
				return Rule{}, fmt.Errorf("rule %q: %w", s, err)
			}
			r.Port = port
		}
	case strings.Count(s, ":") == 1:
		i := strings.IndexByte(s, ':')
		port, err := parsePort(s[i+1:])
		if err != nil {
			return Rule{}, fmt.Errorf("rule %q: %w", s, err)
		}
		host, r.Port = s[:i], port
	}
	r.Host = host

	if err := r.Validate(); err != nil {
		return Rule{}, err
	}
	return r, nil
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return port, nil
}

// UnmarshalYAML accepts either the short string form or a mapping.
func (r *Rule) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		parsed, err := ParseRule(value.Value)
		if err != nil {
			return err
		}
		*r = parsed
		return nil
	}
	type plain Rule
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	*r = Rule(p)
	return r.Validate()
}

// Decode parses the short string form. It lets environment overrides carry
// whitelist rules as a comma separated list.
func (r *Rule) Decode(value string) error {
	parsed, err := ParseRule(strings.TrimSpace(value))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Validate checks the rule. Hostnames must be concrete: firewall entries are
// addresses, so wildcard patterns cannot be resolved into them.
func (r Rule) Validate() error {
	if r.Port < 0 || r.Port > 65535 {
		return fmt.Errorf("rule %q: port %d out of range", r.Host, r.Port)
	}
	if r.Proto != "" && !r.Proto.valid() {
		return fmt.Errorf("rule %q: unknown proto %q", r.Host, r.Proto)
	}
	if err := validateHost(r.Host); err != nil {
		return fmt.Errorf("rule %q: %w", r.Host, err)
	}
	return nil
}

func validateHost(host string) error {
	if host == "" {
		return errors.New("empty host")
	}
	if strings.Contains(host, "://") {
		return errors.New("host must not contain protocol prefix")
	}
	if _, err := netip.ParseAddr(host); err == nil {
		return nil
	}
	if strings.Contains(host, "/") {
		if _, err := netip.ParsePrefix(host); err != nil {
			return fmt.Errorf("invalid CIDR: %w", err)
		}
		return nil
	}
	if strings.Contains(host, "*") {
		return errors.New("wildcards cannot be resolved to firewall entries")
	}
	h := strings.TrimSuffix(host, ".")
	if !strings.Contains(h, ".") && h != "localhost" {
		return errors.New("hostname must contain at least one dot")
	}
	for _, c := range h {
		if !(c == '-' || c == '.' || c == '_' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z') {
			return fmt.Errorf("invalid character %q in hostname", c)
		}
	}
	return nil
}

// Entry is a resolved allow entry: one prefix, port and protocol.
type Entry struct {
	Prefix netip.Prefix `json:"prefix"`
	Port   uint16       `json:"port,omitempty"`
	Proto  Proto        `json:"proto"`
}

func (e Entry) String() string {
	s := e.Prefix.String()
	if e.Port != 0 {
		s += ":" + strconv.Itoa(int(e.Port))
	}
	return s + "/" + string(e.Proto)
}

// Permits reports whether a packet to addr:port over proto matches e.
func (e Entry) Permits(addr netip.Addr, port uint16, proto Proto) bool {
	if !e.Prefix.Contains(addr.Unmap()) {
		return false
	}
	if e.Port != 0 && e.Port != port {
		return false
	}
	return e.Proto.matches(proto)
}

// concrete splits a port-scoped ProtoAny entry into tcp and udp entries,
// since a destination port match needs a concrete protocol.
func (e Entry) concrete() []Entry {
	if e.Port == 0 || e.Proto != ProtoAny {
		return []Entry{e}
	}
	tcp, udp := e, e
	tcp.Proto, udp.Proto = ProtoTCP, ProtoUDP
	return []Entry{tcp, udp}
}

// loopbackEntries are always allowed: the probes reach the proxy's local
// listener over loopback.
func loopbackEntries() []Entry {
	return []Entry{
		{Prefix: netip.MustParsePrefix("127.0.0.0/8"), Proto: ProtoAny},
		{Prefix: netip.MustParsePrefix("::1/128"), Proto: ProtoAny},
	}
}

// dnsEntries allows port 53 on the given resolver addresses.
func dnsEntries(servers []netip.Addr) []Entry {
	out := make([]Entry, 0, len(servers)*2)
	for _, s := range servers {
		p := netip.PrefixFrom(s.Unmap(), s.Unmap().BitLen())
		out = append(out,
			Entry{Prefix: p, Port: 53, Proto: ProtoUDP},
			Entry{Prefix: p, Port: 53, Proto: ProtoTCP},
		)
	}
	return out
}
