package render

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/netip"
	"time"
)

// readyDialTimeout bounds a single readiness attempt when ctx has no
// earlier deadline.
const readyDialTimeout = time.Second

// SOCKSReady reports whether addr accepts a connection and answers a SOCKS5
// greeting offering no-auth. A bound port alone is not enough: some
// binaries bind before their outbound is configured.
func SOCKSReady(ctx context.Context, addr netip.AddrPort) error {
	ctx, cancel := context.WithTimeout(ctx, readyDialTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if _, err := conn.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		return fmt.Errorf("socks greeting: %w", err)
	}
	reply := make([]byte, 2)
	if _, err := io.ReadFull(conn, reply); err != nil {
		return fmt.Errorf("socks greeting: %w", err)
	}
	if reply[0] != 0x05 || reply[1] != 0x00 {
		return fmt.Errorf("socks greeting: unexpected reply %#x %#x", reply[0], reply[1])
	}
	return nil
}
