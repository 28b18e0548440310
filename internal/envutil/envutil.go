// Package envutil manipulates environment slices in "KEY=value" form.
package envutil

import (
	"strings"
)

// proxyKeys are the variables that would make a child route its own
// traffic through some other proxy. Matching is case-insensitive.
var proxyKeys = []string{
	"HTTP_PROXY",
	"HTTPS_PROXY",
	"ALL_PROXY",
	"FTP_PROXY",
	"NO_PROXY",
	"SOCKS_PROXY",
	"SOCKS5_PROXY",
}

func key(entry string) string {
	if i := strings.IndexByte(entry, '='); i >= 0 {
		return entry[:i]
	}
	return entry
}

// Get returns the value of k in env and whether it was present.
func Get(env []string, k string) (string, bool) {
	prefix := k + "="
	for _, e := range env {
		if strings.HasPrefix(e, prefix) {
			return e[len(prefix):], true
		}
	}
	return "", false
}

// Remove returns env without the given keys, compared case-insensitively.
func Remove(env []string, keys ...string) []string {
	out := make([]string, 0, len(env))
	for _, e := range env {
		k := key(e)
		drop := false
		for _, r := range keys {
			if strings.EqualFold(k, r) {
				drop = true
				break
			}
		}
		if !drop {
			out = append(out, e)
		}
	}
	return out
}

// StripProxy removes proxy configuration variables from env.
func StripProxy(env []string) []string {
	return Remove(env, proxyKeys...)
}

// Merge returns base with extra applied on top. Keys in extra replace the
// same key in base in place; new keys are appended in order.
func Merge(base, extra []string) []string {
	overrides := make(map[string]string, len(extra))
	order := make([]string, 0, len(extra))
	for _, e := range extra {
		k := key(e)
		if _, seen := overrides[k]; !seen {
			order = append(order, k)
		}
		overrides[k] = e
	}

	replaced := make(map[string]bool, len(overrides))
	out := make([]string, 0, len(base)+len(extra))
	for _, e := range base {
		k := key(e)
		if o, ok := overrides[k]; ok {
			if !replaced[k] {
				out = append(out, o)
				replaced[k] = true
			}
			continue
		}
		out = append(out, e)
	}
	for _, k := range order {
		if !replaced[k] {
			out = append(out, overrides[k])
		}
	}
	return out
}
