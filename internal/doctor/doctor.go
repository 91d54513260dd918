package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/basket/coordq/internal/config"
)

type Status string

const (
	StatusPass Status = "PASS"
	StatusFail Status = "FAIL"
	StatusWarn Status = "WARN"
	StatusSkip Status = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

// StoreChecker is satisfied by both store drivers.
type StoreChecker interface {
	CountActive(ctx context.Context, room string) (int, error)
}

// HostLister is satisfied by *heartbeat.Registry.
type HostLister interface {
	RecentHosts(ctx context.Context, since time.Time, limit int) ([]string, error)
}

// Inputs carries what the checks inspect. A nil Store or Hosts skips the
// checks that need it; a non-nil StoreErr reports why the store did not open.
type Inputs struct {
	Config    config.Config
	ConfigErr error
	Version   string
	Store     StoreChecker
	StoreErr  error
	Hosts     HostLister

	Now      func() time.Time
	LookPath func(string) (string, error)
	Dial     func(ctx context.Context, network, addr string) (net.Conn, error)
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, in Inputs) Diagnosis {
	if in.Now == nil {
		in.Now = time.Now
	}
	if in.LookPath == nil {
		in.LookPath = exec.LookPath
	}
	if in.Dial == nil {
		var d net.Dialer
		in.Dial = d.DialContext
	}
	d := Diagnosis{
		Timestamp: in.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: in.Version,
		},
	}

	checks := []func(context.Context, Inputs) CheckResult{
		checkConfig,
		checkStore,
		checkPermissions,
		checkHandlers,
		checkHeartbeats,
		checkNATS,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, in))
	}
	return d
}

func checkConfig(_ context.Context, in Inputs) CheckResult {
	if in.ConfigErr != nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: in.ConfigErr.Error()}
	}
	return CheckResult{
		Name:    "Config",
		Status:  StatusPass,
		Message: fmt.Sprintf("Loaded from %s", in.Config.HomeDir),
		Detail:  in.Config.Fingerprint(),
	}
}

func checkStore(ctx context.Context, in Inputs) CheckResult {
	name := "Store"
	switch {
	case in.ConfigErr != nil:
		return CheckResult{Name: name, Status: StatusSkip, Message: "Config invalid"}
	case in.StoreErr != nil:
		return CheckResult{Name: name, Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", in.StoreErr)}
	case in.Store == nil:
		return CheckResult{Name: name, Status: StatusSkip, Message: "Store not opened"}
	}
	if _, err := in.Store.CountActive(ctx, ""); err != nil {
		return CheckResult{Name: name, Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{Name: name, Status: StatusPass, Message: fmt.Sprintf("%s store reachable, schema current", in.Config.Store.Driver)}
}

func checkPermissions(_ context.Context, in Inputs) CheckResult {
	if in.Config.HomeDir == "" {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Home directory unknown"}
	}
	if err := os.MkdirAll(in.Config.HomeDir, 0o755); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir not creatable: %v", err)}
	}
	testFile := filepath.Join(in.Config.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func checkHandlers(_ context.Context, in Inputs) CheckResult {
	handlers := in.Config.Worker.Handlers
	if len(handlers) == 0 {
		return CheckResult{Name: "Handlers", Status: StatusWarn, Message: "No task handlers configured", Detail: "Set worker.handlers in config.yaml"}
	}
	names := make([]string, 0, len(handlers))
	for name := range handlers {
		names = append(names, name)
	}
	sort.Strings(names)

	status := StatusPass
	var details []string
	for _, name := range names {
		argv := handlers[name]
		if len(argv) == 0 {
			details = append(details, name+": empty command")
			status = StatusFail
			continue
		}
		bin := argv[0]
		if !filepath.IsAbs(bin) && strings.ContainsRune(bin, filepath.Separator) {
			bin = filepath.Join(in.Config.HomeDir, bin)
		}
		if _, err := in.LookPath(bin); err != nil {
			details = append(details, fmt.Sprintf("%s: %s not found", name, argv[0]))
			status = StatusFail
			continue
		}
		details = append(details, name+": ok")
	}
	return CheckResult{
		Name:    "Handlers",
		Status:  status,
		Message: fmt.Sprintf("Checked %d handlers", len(names)),
		Detail:  strings.Join(details, ", "),
	}
}

func checkHeartbeats(ctx context.Context, in Inputs) CheckResult {
	if in.Hosts == nil {
		return CheckResult{Name: "Heartbeats", Status: StatusSkip, Message: "Store not opened"}
	}
	lookback := in.Config.Fence.Lookback()
	if lookback <= 0 {
		lookback = 10 * time.Minute
	}
	hosts, err := in.Hosts.RecentHosts(ctx, in.Now().Add(-lookback), in.Config.Fence.Limit)
	if err != nil {
		return CheckResult{Name: "Heartbeats", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	if len(hosts) == 0 {
		return CheckResult{Name: "Heartbeats", Status: StatusWarn, Message: fmt.Sprintf("No worker heartbeats in the last %s", lookback)}
	}
	return CheckResult{
		Name:    "Heartbeats",
		Status:  StatusPass,
		Message: fmt.Sprintf("%d hosts seen in the last %s", len(hosts), lookback),
		Detail:  strings.Join(hosts, ", "),
	}
}

func checkNATS(ctx context.Context, in Inputs) CheckResult {
	if !in.Config.NATS.Enabled {
		return CheckResult{Name: "NATS", Status: StatusSkip, Message: "Bridge disabled"}
	}
	addr, err := natsAddr(in.Config.NATS.URL)
	if err != nil {
		return CheckResult{Name: "NATS", Status: StatusFail, Message: err.Error()}
	}

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	start := in.Now()
	conn, err := in.Dial(dialCtx, "tcp", addr)
	latency := in.Now().Sub(start)
	if err != nil {
		return CheckResult{Name: "NATS", Status: StatusFail, Message: fmt.Sprintf("Dial %s failed: %v", addr, err)}
	}
	conn.Close()
	return CheckResult{Name: "NATS", Status: StatusPass, Message: fmt.Sprintf("Reached %s (%dms)", addr, latency.Milliseconds())}
}

// natsAddr takes the first server of a comma-separated NATS URL list.
func natsAddr(raw string) (string, error) {
	first := strings.TrimSpace(strings.Split(raw, ",")[0])
	if first == "" {
		return "", fmt.Errorf("nats url is empty")
	}
	if !strings.Contains(first, "://") {
		first = "nats://" + first
	}
	u, err := url.Parse(first)
	if err != nil || u.Hostname() == "" {
		return "", fmt.Errorf("invalid nats url %q", raw)
	}
	port := u.Port()
	if port == "" {
		port = "4222"
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}
