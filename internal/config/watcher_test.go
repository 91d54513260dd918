package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/coordq/internal/config"
)

func startWatcher(t *testing.T, homeDir string, extra ...string) *config.Watcher {
	t.Helper()
	w := config.NewWatcher(homeDir, nil, extra...)
	w.SetDebounce(50 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	return w
}

// waitForEvent rewrites path with data on a ticker until an event arrives,
// in case the watch was not registered before the first write.
func waitForEvent(t *testing.T, w *config.Watcher, write func()) config.ReloadEvent {
	t.Helper()
	deadline := time.After(3 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	write()
	for {
		select {
		case ev, ok := <-w.Events():
			if !ok {
				t.Fatal("events channel closed")
			}
			return ev
		case <-tick.C:
			write()
		case <-deadline:
			t.Fatal("timed out waiting for reload event")
		}
	}
}

func TestWatcher_DetectsConfigChange(t *testing.T) {
	homeDir := t.TempDir()
	cfgPath := config.ConfigPath(homeDir)
	if err := os.WriteFile(cfgPath, []byte("queue:\n  max_active_per_room: 5\n"), 0o644); err != nil {
		t.Fatalf("write initial config: %v", err)
	}
	w := startWatcher(t, homeDir)

	ev := waitForEvent(t, w, func() {
		_ = os.WriteFile(cfgPath, []byte("queue:\n  max_active_per_room: 7\n"), 0o644)
	})
	if len(ev.Paths) != 1 || filepath.Base(ev.Paths[0]) != "config.yaml" {
		t.Fatalf("expected config.yaml event, got %v", ev.Paths)
	}
}

func TestWatcher_CoalescesBurstAndIgnoresOtherFiles(t *testing.T) {
	homeDir := t.TempDir()
	schemaDir := filepath.Join(homeDir, "schemas")
	if err := os.MkdirAll(schemaDir, 0o755); err != nil {
		t.Fatal(err)
	}
	cfgPath := config.ConfigPath(homeDir)
	schemaPath := filepath.Join(schemaDir, "build.json")
	w := startWatcher(t, homeDir, "schemas/build.json")

	ev := waitForEvent(t, w, func() {
		_ = os.WriteFile(filepath.Join(homeDir, "notes.txt"), []byte("x"), 0o644)
		_ = os.WriteFile(cfgPath, []byte("log_level: debug\n"), 0o644)
		_ = os.WriteFile(cfgPath, []byte("log_level: info\n"), 0o644)
		_ = os.WriteFile(schemaPath, []byte(`{"type":"object"}`), 0o644)
	})
	want := map[string]bool{cfgPath: true, schemaPath: true}
	for _, p := range ev.Paths {
		if !want[p] {
			t.Fatalf("unexpected path %s in %v", p, ev.Paths)
		}
	}
	if len(ev.Paths) == 0 || len(ev.Paths) > 2 {
		t.Fatalf("expected a coalesced event, got %v", ev.Paths)
	}
}

func TestWatcher_SeesRenameReplace(t *testing.T) {
	homeDir := t.TempDir()
	cfgPath := config.ConfigPath(homeDir)
	if err := os.WriteFile(cfgPath, []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	w := startWatcher(t, homeDir)

	tmp := filepath.Join(homeDir, ".config.yaml.tmp")
	ev := waitForEvent(t, w, func() {
		_ = os.WriteFile(tmp, []byte("log_level: warn\n"), 0o644)
		_ = os.Rename(tmp, cfgPath)
	})
	if len(ev.Paths) != 1 || ev.Paths[0] != cfgPath {
		t.Fatalf("expected config.yaml after rename, got %v", ev.Paths)
	}
}

func TestWatcher_ClosesOnCancel(t *testing.T) {
	w := config.NewWatcher(t.TempDir(), nil, "schemas/missing.json")
	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	cancel()
	select {
	case _, ok := <-w.Events():
		if ok {
			t.Fatal("expected closed channel, got event")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("events channel not closed after cancel")
	}
}
