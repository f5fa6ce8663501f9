package server

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

// TestWatchFileHappyPath makes sure a write to the watched file
// eventually calls onChange.
func TestWatchFileHappyPath(t *testing.T) {
	tmp := t.TempDir()
	cfgPath := filepath.Join(tmp, "echofleet.yaml")
	if err := os.WriteFile(cfgPath, []byte("listeners: []\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	if err := WatchFile(ctx, cfgPath, func() { calls.Add(1) }); err != nil {
		t.Fatalf("WatchFile returned error: %v", err)
	}

	if err := os.WriteFile(cfgPath, []byte("listeners: [{port: 1}]\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	// wait up to 2 seconds for the watcher goroutine to observe the change.
	if !waitFor(t, 2*time.Second, func() bool { return calls.Load() > 0 }) {
		t.Fatalf("expected onChange after the file was written")
	}
}

func TestWatchFileIgnoresSiblings(t *testing.T) {
	tmp := t.TempDir()
	cfgPath := filepath.Join(tmp, "echofleet.json")
	if err := os.WriteFile(cfgPath, []byte("{}"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	if err := WatchFile(ctx, cfgPath, func() { calls.Add(1) }); err != nil {
		t.Fatalf("WatchFile returned error: %v", err)
	}

	if err := os.WriteFile(filepath.Join(tmp, "other.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write sibling: %v", err)
	}

	time.Sleep(3 * reloadDebounce)
	if calls.Load() != 0 {
		t.Fatalf("onChange called for an unrelated file")
	}
}

func TestWatchFileMissingDirectory(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope", "echofleet.yaml")

	if err := WatchFile(context.Background(), missing, func() {}); err == nil {
		t.Fatalf("expected an error when the directory does not exist")
	}
}
