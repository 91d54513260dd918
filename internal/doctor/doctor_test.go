package doctor

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/basket/coordq/internal/config"
)

type fakeStore struct{ err error }

func (s fakeStore) CountActive(context.Context, string) (int, error) { return 0, s.err }

type fakeHosts struct {
	hosts []string
	since time.Time
}

func (h *fakeHosts) RecentHosts(_ context.Context, since time.Time, _ int) ([]string, error) {
	h.since = since
	return h.hosts, nil
}

func result(t *testing.T, d Diagnosis, name string) CheckResult {
	t.Helper()
	for _, r := range d.Results {
		if r.Name == name {
			return r
		}
	}
	t.Fatalf("no %s check in %+v", name, d.Results)
	return CheckResult{}
}

func baseInputs(t *testing.T) Inputs {
	cfg := config.Config{HomeDir: t.TempDir()}
	cfg.Store.Driver = config.DriverSQLite
	cfg.Fence.LookbackSeconds = 60
	return Inputs{
		Config:   cfg,
		Version:  "test",
		Store:    fakeStore{},
		Hosts:    &fakeHosts{hosts: []string{"alpha"}},
		LookPath: func(string) (string, error) { return "/bin/true", nil },
	}
}

func TestRun_AllPass(t *testing.T) {
	in := baseInputs(t)
	in.Config.Worker.Handlers = map[string][]string{"build": {"make"}}
	d := Run(context.Background(), in)
	if d.Failed() {
		t.Fatalf("unexpected failure: %+v", d.Results)
	}
	if d.System.Version != "test" {
		t.Fatalf("version not recorded: %+v", d.System)
	}
	for _, name := range []string{"Config", "Store", "Permissions", "Handlers", "Heartbeats"} {
		if r := result(t, d, name); r.Status != StatusPass {
			t.Fatalf("%s: expected PASS, got %+v", name, r)
		}
	}
	if r := result(t, d, "NATS"); r.Status != StatusSkip {
		t.Fatalf("NATS: expected SKIP, got %+v", r)
	}
}

func TestRun_ConfigErrorSkipsStore(t *testing.T) {
	in := baseInputs(t)
	in.ConfigErr = errors.New("store.dsn is required for postgres")
	in.Store = nil
	d := Run(context.Background(), in)
	if !d.Failed() {
		t.Fatal("expected failure")
	}
	if r := result(t, d, "Store"); r.Status != StatusSkip {
		t.Fatalf("expected store SKIP, got %+v", r)
	}
}

func TestCheckStore(t *testing.T) {
	in := baseInputs(t)
	in.Store = fakeStore{err: errors.New("no such table: tasks")}
	if r := checkStore(context.Background(), in); r.Status != StatusFail {
		t.Fatalf("expected FAIL, got %+v", r)
	}
	in.Store, in.StoreErr = nil, errors.New("dial tcp: refused")
	if r := checkStore(context.Background(), in); r.Status != StatusFail {
		t.Fatalf("expected FAIL on open error, got %+v", r)
	}
}

func TestCheckHandlers(t *testing.T) {
	in := baseInputs(t)
	if r := checkHandlers(context.Background(), in); r.Status != StatusWarn {
		t.Fatalf("expected WARN with no handlers, got %+v", r)
	}
	in.Config.Worker.Handlers = map[string][]string{"build": {"make"}, "lint": {"missing-linter"}, "empty": {}}
	in.LookPath = func(bin string) (string, error) {
		if bin == "make" {
			return "/usr/bin/make", nil
		}
		return "", errors.New("not found")
	}
	r := checkHandlers(context.Background(), in)
	if r.Status != StatusFail {
		t.Fatalf("expected FAIL, got %+v", r)
	}
	if r.Detail != "build: ok, empty: empty command, lint: missing-linter not found" {
		t.Fatalf("unexpected detail %q", r.Detail)
	}
}

func TestCheckHeartbeats(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	hosts := &fakeHosts{}
	in := baseInputs(t)
	in.Hosts = hosts
	in.Now = func() time.Time { return now }
	if r := checkHeartbeats(context.Background(), in); r.Status != StatusWarn {
		t.Fatalf("expected WARN with no hosts, got %+v", r)
	}
	if !hosts.since.Equal(now.Add(-time.Minute)) {
		t.Fatalf("expected lookback from fence config, got %v", hosts.since)
	}
	in.Hosts = nil
	if r := checkHeartbeats(context.Background(), in); r.Status != StatusSkip {
		t.Fatalf("expected SKIP without registry, got %+v", r)
	}
}

func TestCheckNATS(t *testing.T) {
	in := baseInputs(t)
	in.Config.NATS.Enabled = true
	in.Config.NATS.URL = "nats://broker.internal, nats://backup:4223"

	var dialed string
	in.Dial = func(_ context.Context, _, addr string) (net.Conn, error) {
		dialed = addr
		client, server := net.Pipe()
		server.Close()
		return client, nil
	}
	if r := checkNATS(context.Background(), in); r.Status != StatusPass {
		t.Fatalf("expected PASS, got %+v", r)
	}
	if dialed != "broker.internal:4222" {
		t.Fatalf("expected default port on first server, dialed %q", dialed)
	}

	in.Dial = func(context.Context, string, string) (net.Conn, error) { return nil, errors.New("connection refused") }
	if r := checkNATS(context.Background(), in); r.Status != StatusFail {
		t.Fatalf("expected FAIL, got %+v", r)
	}

	in.Config.NATS.URL = ""
	if r := checkNATS(context.Background(), in); r.Status != StatusFail {
		t.Fatalf("expected FAIL on empty url, got %+v", r)
	}
}
