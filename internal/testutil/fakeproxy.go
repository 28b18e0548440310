// Package testutil provides a fake proxy binary for tests.
//
// The fake proxy is the test binary itself, re-executed with FakeProxyEnv
// set. Packages that start proxies call MaybeRunFakeProxy first thing in
// TestMain and pass Binary() as the proxy executable:
//
//	func TestMain(m *testing.M) {
//	    testutil.MaybeRunFakeProxy()
//	    os.Exit(m.Run())
//	}
//
// The fake reads the listen address from the rendered configuration given
// with -c, so it accepts both the Xray and the Hysteria command lines.
package testutil

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zhangyunhao116/tunnelcheck/internal/socks5"
)

// FakeProxyEnv selects the fake proxy's behaviour. When unset the test
// binary runs tests as usual.
const FakeProxyEnv = "TUNNELCHECK_FAKE_PROXY"

// CrashAfterEnv sets how long ModeCrashAfterReady serves before exiting.
const CrashAfterEnv = "TUNNELCHECK_FAKE_CRASH_AFTER"

// Fake proxy behaviours.
const (
	// ModeOK serves SOCKS5 until SIGTERM.
	ModeOK = "ok"
	// ModeCrash prints an error and exits with CrashExitCode immediately.
	ModeCrash = "crash"
	// ModeNeverBind runs without ever opening the listener.
	ModeNeverBind = "never-bind"
	// ModeIgnoreTerm serves SOCKS5 and ignores SIGTERM.
	ModeIgnoreTerm = "ignore-term"
	// ModeCrashAfterReady serves SOCKS5, then exits with CrashExitCode.
	ModeCrashAfterReady = "crash-after-ready"
)

// CrashExitCode is the exit code of the crashing modes.
const CrashExitCode = 3

// CrashMessage is what the crashing modes print to stderr.
const CrashMessage = "fake proxy: failed to load outbound"

// Env returns the environment entries selecting mode.
func Env(mode string) []string {
	return []string{FakeProxyEnv + "=" + mode}
}

// Binary returns the path of the running test binary.
func Binary() (string, error) {
	return os.Executable()
}

// MaybeRunFakeProxy runs the fake proxy and exits if FakeProxyEnv is set.
// It returns normally otherwise.
func MaybeRunFakeProxy() {
	mode := os.Getenv(FakeProxyEnv)
	if mode == "" {
		return
	}
	if err := runFakeProxy(mode, os.Args[1:]); err != nil {
		var exit exitCode
		if errors.As(err, &exit) {
			os.Exit(int(exit))
		}
		fmt.Fprintln(os.Stderr, "fake proxy:", err)
		os.Exit(1)
	}
	os.Exit(0)
}

type exitCode int

func (e exitCode) Error() string { return "exit " + strconv.Itoa(int(e)) }

func runFakeProxy(mode string, args []string) error {
	switch mode {
	case ModeCrash:
		fmt.Fprintln(os.Stderr, CrashMessage)
		return exitCode(CrashExitCode)
	case ModeNeverBind:
		waitForSignal(syscall.SIGTERM, syscall.SIGINT)
		return nil
	case ModeOK, ModeIgnoreTerm, ModeCrashAfterReady:
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}

	path, err := configFlag(args)
	if err != nil {
		return err
	}
	addr, err := ListenAddr(path)
	if err != nil {
		return err
	}
	l, err := net.Listen("tcp", addr.String())
	if err != nil {
		return err
	}
	srv := socks5.New(socks5.Config{})
	go func() { _ = srv.Serve(l) }()
	defer srv.Close()
	defer l.Close()

	switch mode {
	case ModeIgnoreTerm:
		signal.Ignore(syscall.SIGTERM)
		waitForSignal(syscall.SIGINT)
	case ModeCrashAfterReady:
		after := 300 * time.Millisecond
		if v := os.Getenv(CrashAfterEnv); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				after = d
			}
		}
		time.Sleep(after)
		fmt.Fprintln(os.Stderr, CrashMessage)
		return exitCode(CrashExitCode)
	default:
		waitForSignal(syscall.SIGTERM, syscall.SIGINT)
	}
	return nil
}

func waitForSignal(sigs ...os.Signal) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	<-ch
}

func configFlag(args []string) (string, error) {
	for i, a := range args {
		if (a == "-c" || a == "--config") && i+1 < len(args) {
			return args[i+1], nil
		}
	}
	return "", errors.New("missing -c <config>")
}

// ListenAddr extracts the SOCKS listen address from a rendered Xray JSON
// or Hysteria YAML configuration. JSON is read with the YAML decoder.
func ListenAddr(path string) (netip.AddrPort, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return netip.AddrPort{}, err
	}
	var cfg struct {
		Inbounds []struct {
			Listen string `yaml:"listen"`
			Port   uint16 `yaml:"port"`
		} `yaml:"inbounds"`
		SOCKS5 struct {
			Listen string `yaml:"listen"`
		} `yaml:"socks5"`
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return netip.AddrPort{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.SOCKS5.Listen != "" {
		return netip.ParseAddrPort(cfg.SOCKS5.Listen)
	}
	if len(cfg.Inbounds) > 0 {
		addr, err := netip.ParseAddr(cfg.Inbounds[0].Listen)
		if err != nil {
			return netip.AddrPort{}, err
		}
		return netip.AddrPortFrom(addr, cfg.Inbounds[0].Port), nil
	}
	return netip.AddrPort{}, fmt.Errorf("%s: no listen address", path)
}

// FreePort returns a loopback address with a port that was free a moment
// ago.
func FreePort() (netip.AddrPort, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return netip.AddrPort{}, err
	}
	defer l.Close()
	return netip.ParseAddrPort(l.Addr().String())
}
