//go:build linux

package isolation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/coreos/go-iptables/iptables"
)

func stubLinuxSeams(t *testing.T, euid int, missing ...string) {
	t.Helper()
	origEuid, origLook, origNew := geteuidFn, lookPathFn, newTableFn
	t.Cleanup(func() {
		geteuidFn, lookPathFn, newTableFn = origEuid, origLook, origNew
	})

	geteuidFn = func() int { return euid }
	lookPathFn = func(name string) (string, error) {
		for _, m := range missing {
			if m == name {
				return "", errors.New("not found")
			}
		}
		return "/usr/sbin/" + name, nil
	}
	newTableFn = func(iptables.Protocol) (ruleTable, error) { return newFakeTable(), nil }
}

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNewIPTablesAsRoot(t *testing.T) {
	stubLinuxSeams(t, 0)
	b := NewIPTables(discardLogger())
	if !b.Available() {
		t.Fatalf("Available() = false, deps = %+v", b.CheckDependencies())
	}
	if b.v6 == nil {
		t.Error("ip6tables handle not created")
	}
}

func TestNewIPTablesRequiresRoot(t *testing.T) {
	stubLinuxSeams(t, 1000)
	b := NewIPTables(discardLogger())
	if b.Available() {
		t.Fatal("non-root backend should not be available")
	}
	if deps := b.CheckDependencies(); !strings.Contains(strings.Join(deps.Errors, ";"), "root") {
		t.Errorf("deps = %+v, want root error", deps)
	}
}

func TestNewIPTablesMissingBinary(t *testing.T) {
	stubLinuxSeams(t, 0, "iptables")
	b := NewIPTables(discardLogger())
	if b.Available() {
		t.Fatal("backend without iptables should not be available")
	}
}

func TestNewIPTablesIP6Tables(t *testing.T) {
	brokenV6 := func(proto iptables.Protocol) (ruleTable, error) {
		if proto == iptables.ProtocolIPv6 {
			return nil, errors.New("can't initialize ip6tables table `filter'")
		}
		return newFakeTable(), nil
	}
	tests := []struct {
		name      string
		missing   bool
		broken    bool
		disabled  bool
		available bool
	}{
		{name: "missing", missing: true},
		{name: "broken", broken: true},
		{name: "missing with ipv6 disabled", missing: true, disabled: true, available: true},
		{name: "broken with ipv6 disabled", broken: true, disabled: true, available: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.missing {
				stubLinuxSeams(t, 0, "ip6tables")
			} else {
				stubLinuxSeams(t, 0)
			}
			if tt.broken {
				newTableFn = brokenV6
			}

			b := NewIPTables(discardLogger(), IPv6Disabled(tt.disabled))
			if b.Available() != tt.available {
				t.Fatalf("Available() = %v, want %v; deps = %+v", b.Available(), tt.available, b.CheckDependencies())
			}
			deps := b.CheckDependencies()
			msgs := deps.Errors
			if tt.disabled {
				msgs = deps.Warnings
			}
			if !strings.Contains(strings.Join(msgs, ";"), "ip6tables") {
				t.Errorf("deps = %+v, want an ip6tables entry", deps)
			}
			if b.v6 != nil {
				t.Error("ip6tables handle set despite the failure")
			}
		})
	}
}

func TestIP6TablesMissingFailsApply(t *testing.T) {
	stubLinuxSeams(t, 0, "ip6tables")
	c, err := NewController(ControllerConfig{Backend: NewIPTables(discardLogger()), Resolver: staticResolver{}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Apply(context.Background(), nil); !errors.Is(err, ErrIsolation) {
		t.Fatalf("Apply() = %v, want ErrIsolation", err)
	}
}

func TestDetectOnLinux(t *testing.T) {
	stubLinuxSeams(t, 0)
	if got := Detect(nil).Name(); got != "iptables" {
		t.Errorf("Detect().Name() = %q, want iptables", got)
	}
}

func TestDetectPassesIPv6Disabled(t *testing.T) {
	stubLinuxSeams(t, 0, "ip6tables")
	if Detect(nil).Available() {
		t.Error("Detect() without ip6tables should be unavailable")
	}
	if !Detect(nil, IPv6Disabled(true)).Available() {
		t.Error("Detect(IPv6Disabled) without ip6tables should be available")
	}
}
