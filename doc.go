// Package tunnelcheck verifies proxy tunnels end to end from inside a
// default-deny network sandbox.
//
// A run isolates the host (only loopback, DNS and a whitelist may leave),
// then for each target renders a client configuration for Xray (VLESS) or
// Hysteria, admits that target's upstream, starts the client, waits for
// its local SOCKS listener and sends probe traffic through it. Any traffic
// that does not go through the tunnel is dropped by the firewall, so a
// passing probe proves the tunnel carried it.
//
// Key features:
//   - Default-deny isolation via iptables, reverted exactly once per run
//   - Xray and Hysteria configuration rendering from targets or share links
//   - Process supervision with readiness checks and crash detection
//   - Reachability, HTTP round trip and throughput probes
//   - JSON reports, failure history in SQLite and GeoIP country tagging
//
// Basic usage:
//
//	cfg, err := tunnelcheck.LoadConfig("tunnelcheck.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	h, err := tunnelcheck.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer h.Close()
//
//	summary, err := h.Run(ctx)
//	os.Exit(summary.ExitCode())
package tunnelcheck
