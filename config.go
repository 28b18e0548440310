package tunnelcheck

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/zhangyunhao116/tunnelcheck/internal/pathutil"
	"github.com/zhangyunhao116/tunnelcheck/isolation"
	"github.com/zhangyunhao116/tunnelcheck/probe"
	"github.com/zhangyunhao116/tunnelcheck/target"
)

// EnvPrefix prefixes every environment override, e.g. TUNNELCHECK_XRAY_PATH.
const EnvPrefix = "TUNNELCHECK"

// Defaults.
const (
	DefaultXrayPath     = "/usr/local/bin/xray"
	DefaultHysteriaPath = "/usr/local/bin/hysteria"
	DefaultListenAddr   = "127.0.0.1"
	DefaultBasePort     = 20800
	DefaultStateDir     = "/var/lib/tunnelcheck"
	DefaultKnownBadTTL  = 24 * time.Hour
)

// Config holds the complete configuration for a harness run.
type Config struct {
	// Targets are the proxies to verify.
	Targets []target.ProxyTarget `yaml:"targets" ignored:"true"`

	// Links are share links (vless://, hysteria2://, hy2://) imported into
	// Targets by LoadConfig.
	Links []string `yaml:"links" envconfig:"LINKS"`

	// Exclude lists endpoints to skip, as "host" or "host:port".
	Exclude []string `yaml:"exclude" envconfig:"EXCLUDE"`

	// Whitelist is what the isolation session admits besides loopback,
	// DNS and each target's own upstream.
	Whitelist []isolation.Rule `yaml:"whitelist" envconfig:"WHITELIST"`

	// XrayPath is the pinned Xray executable used for VLESS targets.
	XrayPath string `yaml:"xray_path" envconfig:"XRAY_PATH"`

	// HysteriaPath is the pinned Hysteria executable.
	HysteriaPath string `yaml:"hysteria_path" envconfig:"HYSTERIA_PATH"`

	// ConfigDir receives rendered proxy configurations. Empty means a
	// temporary directory per run.
	ConfigDir string `yaml:"config_dir" envconfig:"CONFIG_DIR"`

	// StateDir keeps isolation session records for crash recovery.
	StateDir string `yaml:"state_dir" envconfig:"STATE_DIR"`

	// Backend selects the firewall: "auto" or "iptables".
	Backend string `yaml:"backend" envconfig:"BACKEND"`

	// AllowDNS admits port 53 to DNSServers inside the session.
	AllowDNS bool `yaml:"allow_dns" envconfig:"ALLOW_DNS"`

	// IPv6Disabled declares the host has no IPv6 egress, letting the
	// iptables backend run without ip6tables.
	IPv6Disabled bool `yaml:"ipv6_disabled" envconfig:"IPV6_DISABLED"`

	// DNSServers overrides the resolvers from /etc/resolv.conf, as "ip" or
	// "ip:port".
	DNSServers []string `yaml:"dns_servers" envconfig:"DNS_SERVERS"`

	// ListenAddr is the local address proxies bind their SOCKS listener to.
	ListenAddr string `yaml:"listen_addr" envconfig:"LISTEN_ADDR"`

	// BasePort is the first local listener port.
	BasePort int `yaml:"base_port" envconfig:"BASE_PORT"`

	// Parallelism is how many targets are checked at once.
	Parallelism int `yaml:"parallelism" envconfig:"PARALLELISM"`

	// Strict aborts the run when a target cannot be set up.
	Strict bool `yaml:"strict" envconfig:"STRICT"`

	ReadyTimeout time.Duration `yaml:"ready_timeout" envconfig:"READY_TIMEOUT"`
	StopTimeout  time.Duration `yaml:"stop_timeout" envconfig:"STOP_TIMEOUT"`
	PollInterval time.Duration `yaml:"poll_interval" envconfig:"POLL_INTERVAL"`

	// Probes configures the probe sequence.
	Probes probe.Settings `yaml:"probes" envconfig:"PROBE"`

	// NotworkersDB is the failure history database. Empty disables it.
	NotworkersDB string `yaml:"notworkers_db" envconfig:"NOTWORKERS_DB"`

	// SkipKnownBad skips targets that failed within KnownBadTTL.
	SkipKnownBad bool          `yaml:"skip_known_bad" envconfig:"SKIP_KNOWN_BAD"`
	KnownBadTTL  time.Duration `yaml:"known_bad_ttl" envconfig:"KNOWN_BAD_TTL"`

	// GeoIPDB is a GeoLite2/GeoIP2 country database. Empty disables
	// country lookups.
	GeoIPDB string `yaml:"geoip_db" envconfig:"GEOIP_DB"`

	// Logger is the structured logger. If nil, slog.Default() is used.
	Logger *slog.Logger `yaml:"-" ignored:"true"`
}

// DefaultConfig returns a Config with the default binaries, ports and
// probe settings and no targets.
func DefaultConfig() *Config {
	return &Config{
		XrayPath:     DefaultXrayPath,
		HysteriaPath: DefaultHysteriaPath,
		StateDir:     DefaultStateDir,
		Backend:      "auto",
		AllowDNS:     true,
		ListenAddr:   DefaultListenAddr,
		BasePort:     DefaultBasePort,
		Parallelism:  1,
		Probes:       probe.DefaultSettings(),
		KnownBadTTL:  DefaultKnownBadTTL,
	}
}

// LoadConfig builds a Config from defaults, the YAML file at path (if
// any), dotenv files (".env" when none are given; missing files are
// skipped) and TUNNELCHECK_* environment overrides, then imports Links and
// validates the result.
func LoadConfig(path string, envFiles ...string) (*Config, error) {
	cfg, err := ReadConfig(path, envFiles...)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ReadConfig is LoadConfig without the final Validate, for callers that
// adjust the config before handing it to New.
func ReadConfig(path string, envFiles ...string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConfigInvalid, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: %s: %w", ErrConfigInvalid, path, err)
		}
	}

	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrConfigInvalid, f, err)
		}
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("%w: environment: %w", ErrConfigInvalid, err)
	}

	if err := cfg.ImportLinks(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ImportLinks parses Links and appends them to Targets. Every link is
// tried; the error lists each one that failed.
func (c *Config) ImportLinks() error {
	var errs []string
	for i, link := range c.Links {
		link = strings.TrimSpace(link)
		if link == "" || strings.HasPrefix(link, "#") {
			continue
		}
		t, err := target.ParseLink(link)
		if err != nil {
			errs = append(errs, fmt.Sprintf("Links[%d]: %v", i, err))
			continue
		}
		c.Targets = append(c.Targets, t)
	}
	c.Links = nil
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrConfigInvalid, strings.Join(errs, "; "))
	}
	return nil
}

// Validate checks the harness settings and returns an error wrapping
// ErrConfigInvalid that lists every problem. Individual targets are not
// validated here: a bad target fails on its own without stopping the run.
func (c *Config) Validate() error {
	var errs []string

	if len(c.Targets) == 0 && len(c.Links) == 0 {
		errs = append(errs, "Targets: at least one target is required")
	}
	for i, r := range c.Whitelist {
		if err := r.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("Whitelist[%d]: %v", i, err))
		}
	}
	for i, e := range c.Exclude {
		if _, err := parseExclude(e); err != nil {
			errs = append(errs, fmt.Sprintf("Exclude[%d]: %v", i, err))
		}
	}
	for i, s := range c.DNSServers {
		if _, err := parseDNSServer(s); err != nil {
			errs = append(errs, fmt.Sprintf("DNSServers[%d]: %v", i, err))
		}
	}

	errs = validatePath(errs, "XrayPath", c.XrayPath, true)
	errs = validatePath(errs, "HysteriaPath", c.HysteriaPath, true)
	errs = validatePath(errs, "ConfigDir", c.ConfigDir, false)
	errs = validatePath(errs, "StateDir", c.StateDir, false)
	errs = validatePath(errs, "NotworkersDB", c.NotworkersDB, false)
	errs = validatePath(errs, "GeoIPDB", c.GeoIPDB, false)

	switch c.Backend {
	case "", "auto", "iptables":
	default:
		errs = append(errs, fmt.Sprintf("Backend: unknown %q", c.Backend))
	}
	if addr, err := netip.ParseAddr(c.ListenAddr); err != nil {
		errs = append(errs, fmt.Sprintf("ListenAddr: %v", err))
	} else if !addr.IsLoopback() {
		errs = append(errs, fmt.Sprintf("ListenAddr: %s is not a loopback address", addr))
	}
	if c.BasePort < 1 || c.BasePort > 65535 {
		errs = append(errs, fmt.Sprintf("BasePort: %d out of range 1-65535", c.BasePort))
	}
	if c.Parallelism < 1 {
		errs = append(errs, "Parallelism: must be >= 1")
	}
	if c.BasePort+c.Parallelism-1 > 65535 {
		errs = append(errs, "BasePort: range exceeds 65535 at this parallelism")
	}
	for name, d := range map[string]time.Duration{
		"ReadyTimeout": c.ReadyTimeout,
		"StopTimeout":  c.StopTimeout,
		"PollInterval": c.PollInterval,
		"KnownBadTTL":  c.KnownBadTTL,
	} {
		if d < 0 {
			errs = append(errs, name+": must be >= 0")
		}
	}
	if c.Probes.MinBytesPerSec < 0 || c.Probes.MaxBytes < 0 {
		errs = append(errs, "Probes: throughput limits must be >= 0")
	}

	if len(errs) > 0 {
		slices.Sort(errs)
		return fmt.Errorf("%w: %s", ErrConfigInvalid, strings.Join(errs, "; "))
	}
	return nil
}

func validatePath(errs []string, field, p string, required bool) []string {
	switch {
	case p == "" && required:
		return append(errs, field+": must not be empty")
	case pathutil.ContainsNullByte(p):
		return append(errs, field+": must not contain null bytes")
	}
	return errs
}

// binaryFor returns the executable for t.
func (c *Config) binaryFor(t target.ProxyTarget) string {
	if t.Binary != "" {
		return t.Binary
	}
	switch t.Protocol {
	case target.Hysteria:
		return c.HysteriaPath
	default:
		return c.XrayPath
	}
}

// dnsServers parses DNSServers.
func (c *Config) dnsServers() []netip.Addr {
	var out []netip.Addr
	for _, s := range c.DNSServers {
		if a, err := parseDNSServer(s); err == nil {
			out = append(out, a.Addr())
		}
	}
	return out
}

func parseDNSServer(s string) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap, nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%q is not an IP or IP:port", s)
	}
	return netip.AddrPortFrom(a, 53), nil
}

// exclusion is one parsed Exclude entry. Port 0 matches any port.
type exclusion struct {
	host string
	port int
}

func parseExclude(s string) (exclusion, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return exclusion{}, errors.New("empty entry")
	}
	if host, portStr, err := net.SplitHostPort(s); err == nil {
		port, err := strconv.Atoi(portStr)
		if err != nil || port < 1 || port > 65535 {
			return exclusion{}, fmt.Errorf("invalid port in %q", s)
		}
		return exclusion{host: strings.ToLower(host), port: port}, nil
	}
	host := strings.Trim(s, "[]")
	if strings.ContainsAny(host, "/ ") {
		return exclusion{}, fmt.Errorf("%q is not a host or host:port", s)
	}
	return exclusion{host: strings.ToLower(host)}, nil
}

func (e exclusion) matches(t target.ProxyTarget) bool {
	if !strings.EqualFold(e.host, t.Host) {
		return false
	}
	return e.port == 0 || e.port == t.Port
}

// deepCopyConfig returns a copy of cfg with all slice fields deep-copied
// to prevent aliasing. Logger is shared by reference.
func deepCopyConfig(cfg *Config) Config {
	cp := *cfg
	cp.Targets = make([]target.ProxyTarget, len(cfg.Targets))
	for i, t := range cfg.Targets {
		t.TLS.ALPN = slices.Clone(t.TLS.ALPN)
		cp.Targets[i] = t
	}
	cp.Links = slices.Clone(cfg.Links)
	cp.Exclude = slices.Clone(cfg.Exclude)
	cp.Whitelist = slices.Clone(cfg.Whitelist)
	cp.DNSServers = slices.Clone(cfg.DNSServers)
	cp.Probes.ExpectStatus = slices.Clone(cfg.Probes.ExpectStatus)
	return cp
}
