package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/basket/coordq/internal/scope"
)

const (
	defaultFenceLookback = 10 * time.Minute
	defaultFenceLimit    = 50
)

// HostLister returns distinct recently-alive worker hosts, newest first.
// heartbeat.Registry satisfies it.
type HostLister interface {
	RecentHosts(ctx context.Context, since time.Time, limit int) ([]string, error)
}

// HostFence builds skip-host keys for local-scope tasks so a different
// machine's local worker never claims them.
type HostFence struct {
	Hosts    HostLister
	SelfHost string
	Lookback time.Duration
	Limit    int
	Now      func() time.Time
	Logger   *slog.Logger
}

// SkipHostKeys returns one skip-host key per recent host not equivalent to
// SelfHost. Lookup failures yield no keys.
func (f *HostFence) SkipHostKeys(ctx context.Context) []string {
	if f == nil || f.Hosts == nil {
		return nil
	}
	lookback := f.Lookback
	if lookback <= 0 {
		lookback = defaultFenceLookback
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultFenceLimit
	}
	now := time.Now
	if f.Now != nil {
		now = f.Now
	}

	hosts, err := f.Hosts.RecentHosts(ctx, now().Add(-lookback), limit)
	if err != nil {
		logger := f.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("host fence lookup failed", "error", err)
		return nil
	}

	keys := make([]string, 0, len(hosts))
	seen := make(map[string]struct{}, len(hosts))
	for _, h := range hosts {
		if h == "" || scope.AreWorkerHostsEquivalent(h, f.SelfHost) {
			continue
		}
		for _, key := range scope.SkipHostKeysFor(h) {
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			keys = append(keys, key)
		}
	}
	return keys
}
