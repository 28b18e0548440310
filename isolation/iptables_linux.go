//go:build linux

package isolation

import (
	"io"
	"log/slog"
	"os/exec"

	"github.com/coreos/go-iptables/iptables"
	"golang.org/x/sys/unix"
)

// Seams for tests.
var (
	geteuidFn  = unix.Geteuid
	lookPathFn = exec.LookPath
	newTableFn = func(proto iptables.Protocol) (ruleTable, error) {
		return iptables.NewWithProtocol(proto)
	}
)

// NewIPTables returns an iptables backend. Missing binaries or privileges
// are reported through CheckDependencies rather than as an error, so the
// caller can decide how to surface them. ip6tables is required unless
// IPv6Disabled(true) is given.
func NewIPTables(logger *slog.Logger, opts ...DetectOption) *IPTablesBackend {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	var o detectOptions
	for _, opt := range opts {
		opt(&o)
	}
	return newIPTables(logger, o)
}

func newIPTables(logger *slog.Logger, o detectOptions) *IPTablesBackend {
	b := &IPTablesBackend{deps: &DependencyCheck{}, logger: logger}

	if geteuidFn() != 0 {
		b.deps.Errors = append(b.deps.Errors, "iptables: must run as root (CAP_NET_ADMIN)")
	}

	if _, err := lookPathFn("iptables"); err != nil {
		b.deps.Errors = append(b.deps.Errors, "iptables: binary not found in PATH")
		return b
	}
	v4, err := newTableFn(iptables.ProtocolIPv4)
	if err != nil {
		b.deps.Errors = append(b.deps.Errors, "iptables: "+err.Error())
		return b
	}
	b.v4 = v4

	v6Problem := func(msg string) {
		if o.ipv6Disabled {
			b.deps.Warnings = append(b.deps.Warnings, msg+": IPv6 egress is not restricted (ipv6_disabled set)")
			return
		}
		b.deps.Errors = append(b.deps.Errors, msg+": IPv6 egress cannot be restricted; set ipv6_disabled if the host has no IPv6")
	}
	if _, err := lookPathFn("ip6tables"); err != nil {
		v6Problem("ip6tables: binary not found in PATH")
		return b
	}
	v6, err := newTableFn(iptables.ProtocolIPv6)
	if err != nil {
		v6Problem("ip6tables: " + err.Error())
		return b
	}
	b.v6 = v6
	return b
}

func detectBackend(logger *slog.Logger, o detectOptions) Backend {
	return newIPTables(logger, o)
}
