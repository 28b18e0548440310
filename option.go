package tunnelcheck

import (
	"net/netip"

	"github.com/zhangyunhao116/tunnelcheck/isolation"
	"github.com/zhangyunhao116/tunnelcheck/notworkers"
	"github.com/zhangyunhao116/tunnelcheck/probe"
	"github.com/zhangyunhao116/tunnelcheck/report"
)

// Option configures a Harness.
type Option func(*options)

// options holds the collaborators applied via Option functions. Anything
// left nil is built from the Config.
type options struct {
	backend   isolation.Backend
	resolver  isolation.Resolver
	history   *notworkers.Store
	countries CountryLookup
	sink      ReportSink
	probes    []probe.Probe
	env       []string
}

// CountryLookup maps an upstream address to an ISO country code.
type CountryLookup interface {
	Country(addr netip.Addr) (string, error)
}

// ReportSink receives each target's report as soon as it is final.
// Write may be called from several goroutines at once.
type ReportSink interface {
	Write(r report.CheckReport) error
}

// WithBackend sets the firewall backend instead of detecting one.
func WithBackend(b isolation.Backend) Option {
	return func(o *options) {
		o.backend = b
	}
}

// WithResolver sets the resolver used for whitelist and upstream hostnames.
func WithResolver(r isolation.Resolver) Option {
	return func(o *options) {
		o.resolver = r
	}
}

// WithNotworkers records failures in s and, with SkipKnownBad, skips
// targets it lists. The harness does not close s.
func WithNotworkers(s *notworkers.Store) Option {
	return func(o *options) {
		o.history = s
	}
}

// WithGeo sets the country lookup for upstream addresses.
func WithGeo(c CountryLookup) Option {
	return func(o *options) {
		o.countries = c
	}
}

// WithReportSink streams reports to sink while the run progresses.
func WithReportSink(sink ReportSink) Option {
	return func(o *options) {
		o.sink = sink
	}
}

// WithProbes replaces the standard probe sequence. The slice is copied.
func WithProbes(probes ...probe.Probe) Option {
	cpy := append([]probe.Probe(nil), probes...)
	return func(o *options) {
		o.probes = cpy
	}
}

// WithSupervisorEnv adds KEY=VALUE entries to every proxy's environment.
// Proxy variables are stripped regardless.
func WithSupervisorEnv(env ...string) Option {
	cpy := append([]string(nil), env...)
	return func(o *options) {
		o.env = append(o.env, cpy...)
	}
}
