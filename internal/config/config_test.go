package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Queue.Concurrency != 4 {
		t.Errorf("expected concurrency 4, got %d", cfg.Queue.Concurrency)
	}
	if cfg.Queue.MaxAttempts != 3 {
		t.Errorf("expected max attempts 3, got %d", cfg.Queue.MaxAttempts)
	}
	if cfg.Engine.StepTimeout != 10*time.Minute {
		t.Errorf("expected 10m step timeout, got %v", cfg.Engine.StepTimeout)
	}
	if cfg.HTTP.Addr != ":8080" {
		t.Errorf("expected :8080, got %s", cfg.HTTP.Addr)
	}
	if !cfg.Workflows.Watch {
		t.Error("expected watch enabled by default")
	}
}

func TestLoadFromPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	doc := `
store:
  path: /var/lib/marketloop/engine.db
queue:
  concurrency: 8
  max_attempts: 5
  backoff_base: 500ms
engine:
  step_timeout: 2m
http:
  addr: ":9090"
workflows:
  dir: /etc/marketloop/workflows
  watch: false
logging:
  debug_log: /tmp/marketloop-debug.log
`
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Store.Path != "/var/lib/marketloop/engine.db" {
		t.Errorf("store path: %s", cfg.Store.Path)
	}
	if cfg.Queue.Concurrency != 8 || cfg.Queue.MaxAttempts != 5 {
		t.Errorf("queue settings: %+v", cfg.Queue)
	}
	if cfg.Queue.BackoffBase != 500*time.Millisecond {
		t.Errorf("backoff base: %v", cfg.Queue.BackoffBase)
	}
	if cfg.Engine.StepTimeout != 2*time.Minute {
		t.Errorf("step timeout: %v", cfg.Engine.StepTimeout)
	}
	if cfg.HTTP.Addr != ":9090" {
		t.Errorf("http addr: %s", cfg.HTTP.Addr)
	}
	if cfg.Workflows.Watch {
		t.Error("watch should be disabled")
	}
}

func TestLoadFromPathDefaultsFillGaps(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("http:\n  addr: \":7000\"\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Addr != ":7000" {
		t.Errorf("http addr: %s", cfg.HTTP.Addr)
	}
	if cfg.Queue.Concurrency != 4 {
		t.Errorf("unset keys should keep defaults, got concurrency %d", cfg.Queue.Concurrency)
	}
}

func TestLoadFromPathExpandsEnv(t *testing.T) {
	t.Setenv("MARKETLOOP_TEST_DATA", "/srv/data")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	doc := "store:\n  path: ${MARKETLOOP_TEST_DATA}/engine.db\n"
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.Path != "/srv/data/engine.db" {
		t.Errorf("env not expanded: %s", cfg.Store.Path)
	}
}
