package scope

import (
	"net"
	"net/url"
	"strings"
)

// NormalizeWorkerHost reduces a host or URL to a bare lower-case hostname
// without port, path or trailing ".local".
func NormalizeWorkerHost(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return ""
	}
	if strings.Contains(v, "://") {
		if u, err := url.Parse(v); err == nil {
			v = u.Hostname()
		}
	} else {
		if i := strings.IndexByte(v, '/'); i >= 0 {
			v = v[:i]
		}
		if h, _, err := net.SplitHostPort(v); err == nil {
			v = h
		}
	}
	v = strings.TrimSuffix(v, ".")
	v = strings.TrimSuffix(v, ".local")
	return v
}

// AreWorkerHostsEquivalent reports whether two host identities refer to the
// same machine. Hosts match on their normalized form or on their first dot
// label. A machine-generated id (container hostnames) only matches itself.
func AreWorkerHostsEquivalent(a, b string) bool {
	na, nb := NormalizeWorkerHost(a), NormalizeWorkerHost(b)
	if na == "" || nb == "" {
		return false
	}
	if na == nb {
		return true
	}
	if looksMachineGenerated(na) || looksMachineGenerated(nb) {
		return false
	}
	la, lb := firstLabel(na), firstLabel(nb)
	return la != "" && la == lb
}

func firstLabel(host string) string {
	if net.ParseIP(host) != nil {
		return host
	}
	if i := strings.IndexByte(host, '.'); i >= 0 {
		return host[:i]
	}
	return host
}

// looksMachineGenerated matches short hex ids such as docker container
// hostnames ("f8152f2e162b").
func looksMachineGenerated(host string) bool {
	label := firstLabel(host)
	if len(label) < 12 || len(label) > 64 {
		return false
	}
	for _, r := range label {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f') {
			return false
		}
	}
	return true
}

// HostAliases returns the identities a host may be fenced under: its
// normalized form and, for human-readable names, its first dot label.
func HostAliases(host string) []string {
	n := NormalizeWorkerHost(host)
	if n == "" {
		return nil
	}
	out := []string{n}
	if looksMachineGenerated(n) {
		return out
	}
	if l := firstLabel(n); l != "" && l != n {
		out = append(out, l)
	}
	return out
}

// SkipHostKeysFor returns the skip-host keys covering every alias of host.
func SkipHostKeysFor(host string) []string {
	aliases := HostAliases(host)
	keys := make([]string, 0, len(aliases))
	for _, a := range aliases {
		keys = append(keys, SkipHostKey(a))
	}
	return keys
}
