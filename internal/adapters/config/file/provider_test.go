package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tjfontaine/replywatch/internal/config"
)

func TestProvider_Load(t *testing.T) {
	if _, err := NewProvider("", nil); err == nil {
		t.Error("NewProvider() expected error for empty path")
	}

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("tracking:\n  missed_threshold: 7m\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	p, err := NewProvider(path, nil)
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	cfg, err := p.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Tracking.MissedThreshold != 7*time.Minute || p.Current() != cfg {
		t.Errorf("Load() = %+v", cfg.Tracking)
	}
}

func TestProvider_WatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("tracking:\n  missed_threshold: 5m\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	p, _ := NewProvider(path, nil)
	p.debounce = 10 * time.Millisecond
	if _, err := p.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *config.Config, 4)
	if err := p.Watch(ctx, func(c *config.Config) { changes <- c }); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	// An invalid edit is skipped.
	if err := os.WriteFile(path, []byte("tracking:\n  missed_threshold: 0s\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("tracking:\n  missed_threshold: 9m\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case c := <-changes:
		if c.Tracking.MissedThreshold != 9*time.Minute {
			t.Errorf("reloaded threshold = %v, want 9m", c.Tracking.MissedThreshold)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}
	if p.Current().Tracking.MissedThreshold != 9*time.Minute {
		t.Errorf("Current() not updated")
	}
}
