package render

import (
	"context"
	"encoding/json"
	"net/netip"

	"github.com/zhangyunhao116/tunnelcheck/isolation"
	"github.com/zhangyunhao116/tunnelcheck/target"
)

// xrayVariant renders VLESS targets for the Xray runtime.
type xrayVariant struct{}

func (xrayVariant) Protocol() target.Protocol { return target.VLESS }

func (xrayVariant) Ext() string { return "json" }

func (xrayVariant) Args(configPath string) []string {
	return []string{"run", "-c", configPath}
}

func (xrayVariant) UpstreamProto() isolation.Proto { return isolation.ProtoTCP }

func (xrayVariant) Ready(ctx context.Context, addr netip.AddrPort) error {
	return SOCKSReady(ctx, addr)
}

// Xray configuration document. Only the fields the harness sets are
// modelled.
type (
	xrayConfig struct {
		Log       xrayLog        `json:"log"`
		Inbounds  []xrayInbound  `json:"inbounds"`
		Outbounds []xrayOutbound `json:"outbounds"`
	}

	xrayLog struct {
		Level string `json:"loglevel"`
	}

	xrayInbound struct {
		Tag      string            `json:"tag"`
		Listen   string            `json:"listen"`
		Port     uint16            `json:"port"`
		Protocol string            `json:"protocol"`
		Settings xraySocksSettings `json:"settings"`
	}

	xraySocksSettings struct {
		Auth string `json:"auth"`
		UDP  bool   `json:"udp"`
		IP   string `json:"ip,omitempty"`
	}

	xrayOutbound struct {
		Tag            string             `json:"tag"`
		Protocol       string             `json:"protocol"`
		Settings       xrayVLESSSettings  `json:"settings"`
		StreamSettings xrayStreamSettings `json:"streamSettings"`
	}

	xrayVLESSSettings struct {
		Vnext []xrayVnext `json:"vnext"`
	}

	xrayVnext struct {
		Address string      `json:"address"`
		Port    int         `json:"port"`
		Users   []xrayVUser `json:"users"`
	}

	xrayVUser struct {
		ID         string `json:"id"`
		Encryption string `json:"encryption"`
		Flow       string `json:"flow,omitempty"`
	}

	xrayStreamSettings struct {
		Network         string               `json:"network"`
		Security        string               `json:"security"`
		TLSSettings     *xrayTLSSettings     `json:"tlsSettings,omitempty"`
		RealitySettings *xrayRealitySettings `json:"realitySettings,omitempty"`
		WSSettings      *xrayWSSettings      `json:"wsSettings,omitempty"`
		GRPCSettings    *xrayGRPCSettings    `json:"grpcSettings,omitempty"`
	}

	xrayTLSSettings struct {
		ServerName    string   `json:"serverName"`
		AllowInsecure bool     `json:"allowInsecure"`
		Fingerprint   string   `json:"fingerprint,omitempty"`
		ALPN          []string `json:"alpn,omitempty"`
	}

	xrayRealitySettings struct {
		ServerName  string `json:"serverName"`
		Fingerprint string `json:"fingerprint"`
		PublicKey   string `json:"publicKey"`
		ShortID     string `json:"shortId,omitempty"`
		SpiderX     string `json:"spiderX,omitempty"`
	}

	xrayWSSettings struct {
		Path    string            `json:"path,omitempty"`
		Headers map[string]string `json:"headers,omitempty"`
	}

	xrayGRPCSettings struct {
		ServiceName string `json:"serviceName"`
	}
)

// defaultFingerprint is used for REALITY, which requires one.
const defaultFingerprint = "chrome"

func (xrayVariant) Render(t target.ProxyTarget, listen netip.AddrPort) ([]byte, error) {
	network := t.Network
	if network == "" {
		network = target.NetworkTCP
	}

	stream := xrayStreamSettings{
		Network:  network,
		Security: t.Security(),
	}
	switch stream.Security {
	case target.SecurityTLS:
		stream.TLSSettings = &xrayTLSSettings{
			ServerName:    t.ServerName(),
			AllowInsecure: t.TLS.AllowInsecure,
			Fingerprint:   t.TLS.Fingerprint,
			ALPN:          t.TLS.ALPN,
		}
	case target.SecurityReality:
		fp := t.TLS.Fingerprint
		if fp == "" {
			fp = defaultFingerprint
		}
		stream.RealitySettings = &xrayRealitySettings{
			ServerName:  t.TLS.SNI,
			Fingerprint: fp,
			PublicKey:   t.TLS.PublicKey,
			ShortID:     t.TLS.ShortID,
			SpiderX:     t.TLS.SpiderX,
		}
	}
	switch network {
	case target.NetworkWS:
		ws := &xrayWSSettings{Path: t.Path}
		if t.HostHeader != "" {
			ws.Headers = map[string]string{"Host": t.HostHeader}
		}
		stream.WSSettings = ws
	case target.NetworkGRPC:
		stream.GRPCSettings = &xrayGRPCSettings{ServiceName: t.ServiceName}
	}

	cfg := xrayConfig{
		Log: xrayLog{Level: "warning"},
		Inbounds: []xrayInbound{{
			Tag:      "socks-in",
			Listen:   listen.Addr().String(),
			Port:     listen.Port(),
			Protocol: "socks",
			Settings: xraySocksSettings{Auth: "noauth", UDP: true, IP: listen.Addr().String()},
		}},
		Outbounds: []xrayOutbound{{
			Tag:      "proxy",
			Protocol: "vless",
			Settings: xrayVLESSSettings{Vnext: []xrayVnext{{
				Address: t.Host,
				Port:    t.Port,
				Users:   []xrayVUser{{ID: t.ID, Encryption: "none", Flow: t.Flow}},
			}}},
			StreamSettings: stream,
		}},
	}
	return json.MarshalIndent(cfg, "", "  ")
}
