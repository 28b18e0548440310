package render

import (
	"context"
	"errors"
	"net/netip"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/zhangyunhao116/tunnelcheck/isolation"
	"github.com/zhangyunhao116/tunnelcheck/target"
)

// hysteriaVariant renders Hysteria 2 client configuration.
type hysteriaVariant struct{}

func (hysteriaVariant) Protocol() target.Protocol { return target.Hysteria }

func (hysteriaVariant) Ext() string { return "yaml" }

func (hysteriaVariant) Args(configPath string) []string {
	return []string{"client", "-c", configPath}
}

// UpstreamProto is udp: Hysteria runs over QUIC.
func (hysteriaVariant) UpstreamProto() isolation.Proto { return isolation.ProtoUDP }

func (hysteriaVariant) Ready(ctx context.Context, addr netip.AddrPort) error {
	return SOCKSReady(ctx, addr)
}

type (
	hysteriaConfig struct {
		Server    string             `yaml:"server"`
		Auth      string             `yaml:"auth"`
		TLS       hysteriaTLS        `yaml:"tls"`
		Obfs      *hysteriaObfs      `yaml:"obfs,omitempty"`
		Bandwidth *hysteriaBandwidth `yaml:"bandwidth,omitempty"`
		SOCKS5    hysteriaSOCKS5     `yaml:"socks5"`
	}

	hysteriaTLS struct {
		SNI       string `yaml:"sni"`
		Insecure  bool   `yaml:"insecure"`
		PinSHA256 string `yaml:"pinSHA256,omitempty"`
	}

	hysteriaObfs struct {
		Type       string                 `yaml:"type"`
		Salamander hysteriaSalamanderObfs `yaml:"salamander"`
	}

	hysteriaSalamanderObfs struct {
		Password string `yaml:"password"`
	}

	hysteriaBandwidth struct {
		Up   string `yaml:"up,omitempty"`
		Down string `yaml:"down,omitempty"`
	}

	hysteriaSOCKS5 struct {
		Listen     string `yaml:"listen"`
		DisableUDP bool   `yaml:"disableUDP"`
	}
)

func mbps(n int) string {
	if n <= 0 {
		return ""
	}
	return strconv.Itoa(n) + " mbps"
}

func (hysteriaVariant) Render(t target.ProxyTarget, listen netip.AddrPort) ([]byte, error) {
	if t.Password == "" {
		return nil, errors.New("hysteria requires a password")
	}
	cfg := hysteriaConfig{
		Server: t.Endpoint(),
		Auth:   t.Password,
		TLS: hysteriaTLS{
			SNI:       t.ServerName(),
			Insecure:  t.TLS.AllowInsecure,
			PinSHA256: t.TLS.PinSHA256,
		},
		SOCKS5: hysteriaSOCKS5{Listen: listen.String()},
	}
	if t.Obfs != "" {
		cfg.Obfs = &hysteriaObfs{Type: "salamander", Salamander: hysteriaSalamanderObfs{Password: t.Obfs}}
	}
	if t.UpMbps > 0 || t.DownMbps > 0 {
		cfg.Bandwidth = &hysteriaBandwidth{Up: mbps(t.UpMbps), Down: mbps(t.DownMbps)}
	}
	return yaml.Marshal(cfg)
}
