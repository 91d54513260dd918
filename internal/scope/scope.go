// Package scope normalizes worker endpoint identifiers into canonical runtime
// scopes and host tokens, and builds the resource keys derived from them.
// Everything here is pure; no function touches the store or the environment
// except through the lookup func passed in.
package scope

import (
	"net"
	"net/url"
	"strings"
)

// Resource key namespaces.
const (
	RoomPrefix         = "room:"
	LockPrefix         = "lock:"
	RuntimeScopePrefix = "runtime-scope:"
	SkipHostPrefix     = "skip-host:"

	// DirectClaimKey marks tasks inserted straight into the running lane for a
	// local worker to pick up through the direct-claim path.
	DirectClaimKey = "claim:local-direct"
)

// DefaultEnvKeys is the override order used when no explicit scope is given.
var DefaultEnvKeys = []string{
	"COORDQ_RUNTIME_SCOPE",
	"WORKER_RUNTIME_SCOPE",
	"LIVEKIT_URL",
}

// paramScopeKeys are the params fields that may carry an embedded scope.
var paramScopeKeys = []string{"runtime_scope", "runtimeScope", "runtime_url", "runtimeUrl", "worker_url", "workerUrl"}

// NormalizeRuntimeScope reduces a URL or bare host to "host[:port]".
// ws and wss schemes are treated as http and https; paths are dropped.
// It returns ok=false when the input has no usable host.
func NormalizeRuntimeScope(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	switch strings.ToLower(u.Scheme) {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", false
	}
	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if host == "" || !validHost(host) {
		return "", false
	}
	if port := u.Port(); port != "" {
		return net.JoinHostPort(host, port), true
	}
	return host, true
}

func validHost(host string) bool {
	for _, r := range host {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		case r == '.', r == '-', r == '_', r == ':':
		default:
			return false
		}
	}
	return true
}

// ResolveRuntimeScope returns the first override among keys whose value
// normalizes to a scope. lookup is usually os.Getenv.
func ResolveRuntimeScope(lookup func(string) string, keys ...string) string {
	if lookup == nil {
		return ""
	}
	if len(keys) == 0 {
		keys = DefaultEnvKeys
	}
	for _, key := range keys {
		if s, ok := NormalizeRuntimeScope(lookup(key)); ok {
			return s
		}
	}
	return ""
}

// ScopeFromParams extracts a scope embedded in task params, checking the top
// level first and then nested "metadata" or "meta" objects.
func ScopeFromParams(params map[string]any) string {
	if s := scopeFromMap(params); s != "" {
		return s
	}
	for _, nested := range []string{"metadata", "meta"} {
		if m, ok := params[nested].(map[string]any); ok {
			if s := scopeFromMap(m); s != "" {
				return s
			}
		}
	}
	return ""
}

func scopeFromMap(m map[string]any) string {
	for _, key := range paramScopeKeys {
		v, ok := m[key].(string)
		if !ok {
			continue
		}
		if s, ok := NormalizeRuntimeScope(v); ok {
			return s
		}
	}
	return ""
}

// IsLocalRuntimeScope reports whether scope points at the local machine:
// localhost, a loopback or unspecified address, or a "local"/"local-*" sentinel.
func IsLocalRuntimeScope(raw string) bool {
	s, ok := NormalizeRuntimeScope(raw)
	if !ok {
		return false
	}
	host := s
	if h, _, err := net.SplitHostPort(s); err == nil {
		host = h
	}
	switch {
	case host == "localhost", strings.HasSuffix(host, ".localhost"):
		return true
	case host == "local", strings.HasPrefix(host, "local-"):
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback() || ip.IsUnspecified()
	}
	return false
}

// SanitizeKeyPart lower-cases v and replaces anything outside [a-z0-9.:-].
func SanitizeKeyPart(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	var b strings.Builder
	b.Grow(len(v))
	for _, r := range v {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == ':', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}

// RoomKey returns the default resource key for a room.
func RoomKey(room string) string { return RoomPrefix + SanitizeKeyPart(room) }

// LockKey returns the resource key for a named lock.
func LockKey(name string) string { return LockPrefix + SanitizeKeyPart(name) }

// RuntimeScopeKey returns the resource key for a runtime scope.
func RuntimeScopeKey(scope string) string { return RuntimeScopePrefix + SanitizeKeyPart(scope) }

// SkipHostKey returns the fencing key excluding host from claiming.
func SkipHostKey(host string) string { return SkipHostPrefix + SanitizeKeyPart(NormalizeWorkerHost(host)) }
