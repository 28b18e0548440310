// Package render turns a ProxyTarget into the configuration file a proxy
// binary consumes.
//
// Each protocol is a Variant: it knows how to render its configuration,
// how the binary is invoked, which transport the upstream uses and how to
// tell that the local listener is ready. Rendering is a pure function of
// the target and the listen address; only Materialize touches the disk.
package render

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sort"

	"github.com/zhangyunhao116/tunnelcheck/isolation"
	"github.com/zhangyunhao116/tunnelcheck/target"
)

// ErrConfig indicates a target cannot be rendered into a valid
// configuration.
var ErrConfig = errors.New("render: invalid proxy configuration")

// Variant renders configuration for one protocol.
type Variant interface {
	// Protocol returns the protocol this variant handles.
	Protocol() target.Protocol

	// Render returns the configuration bytes with the local SOCKS listener
	// bound to listen.
	Render(t target.ProxyTarget, listen netip.AddrPort) ([]byte, error)

	// Ext returns the configuration file extension without the dot.
	Ext() string

	// Args returns the command line arguments for a configuration file.
	Args(configPath string) []string

	// UpstreamProto returns the transport the binary uses to reach the
	// upstream, which is what the firewall must admit.
	UpstreamProto() isolation.Proto

	// Ready reports whether the binary's listener at addr is serving.
	Ready(ctx context.Context, addr netip.AddrPort) error
}

var variants = map[target.Protocol]Variant{
	target.VLESS:    xrayVariant{},
	target.Hysteria: hysteriaVariant{},
}

// Lookup returns the variant for p.
func Lookup(p target.Protocol) (Variant, error) {
	v, ok := variants[p]
	if !ok {
		return nil, fmt.Errorf("%w: no variant for protocol %q", ErrConfig, p)
	}
	return v, nil
}

// Protocols lists the protocols with a registered variant.
func Protocols() []target.Protocol {
	out := make([]target.Protocol, 0, len(variants))
	for p := range variants {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Render validates t and renders it with the matching variant.
func Render(t target.ProxyTarget, listen netip.AddrPort) ([]byte, Variant, error) {
	if err := t.Validate(); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if !listen.IsValid() || listen.Port() == 0 {
		return nil, nil, fmt.Errorf("%w: invalid listen address %s", ErrConfig, listen)
	}
	v, err := Lookup(t.Protocol)
	if err != nil {
		return nil, nil, err
	}
	data, err := v.Render(t, listen)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %w", ErrConfig, t.Label(), err)
	}
	return data, v, nil
}
