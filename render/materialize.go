package render

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"

	"github.com/zhangyunhao116/tunnelcheck/target"
)

// Handle is a configuration written to disk for one target.
type Handle struct {
	// Path is the configuration file.
	Path string

	// Variant rendered the file and knows how to start and probe the binary.
	Variant Variant

	// Listen is the local SOCKS listener address the file binds.
	Listen netip.AddrPort

	// Target is the target the file was rendered from.
	Target target.ProxyTarget
}

// Args returns the binary's arguments for this configuration.
func (h *Handle) Args() []string { return h.Variant.Args(h.Path) }

// Remove deletes the configuration file. A missing file is not an error.
func (h *Handle) Remove() error {
	if h == nil || h.Path == "" {
		return nil
	}
	if err := os.Remove(h.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Materialize renders t and writes it to dir as
// "<protocol>-<listen port>.<ext>" with mode 0600, since the file carries
// credentials. dir is created if needed.
func Materialize(t target.ProxyTarget, listen netip.AddrPort, dir string) (*Handle, error) {
	data, v, err := Render(t, listen)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: config dir: %w", ErrConfig, err)
	}
	name := string(t.Protocol) + "-" + strconv.Itoa(int(listen.Port())) + "." + v.Ext()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("%w: write %s: %w", ErrConfig, path, err)
	}
	return &Handle{Path: path, Variant: v, Listen: listen, Target: t}, nil
}
