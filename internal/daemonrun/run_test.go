package daemonrun

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"kbforge/internal/api"
	"kbforge/internal/config"
	"kbforge/internal/logging"
	"kbforge/internal/testsupport"
)

func TestBuildWiresServingDaemon(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithBackend("local", testsupport.NewModelServer(t, "writer", "embedder"), "writer", "embedder"))
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := Build(ctx, cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer rt.Close()
	if err := rt.Daemon.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	client, err := api.NewClient(rt.Daemon.APIAddress(), cfg.API.Token)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	status, err := client.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !status.Running {
		t.Fatal("expected daemon to report running")
	}
	if len(status.Workflow.Backends) != 1 || status.Workflow.Backends[0].Name != "local" {
		t.Fatalf("unexpected backends: %+v", status.Workflow.Backends)
	}

	resp, err := client.Ingest(ctx, api.IngestRequest{Payload: "Notes on sqlite WAL checkpoints"})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if !resp.Created || resp.Item.ID == "" {
		t.Fatalf("unexpected ingest response: %+v", resp)
	}
}

func TestBuildRejectsUnnamedTaskKind(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	cfg.Tasks.Kinds = map[string]config.TaskKind{"": {}}
	if _, err := Build(context.Background(), cfg, logging.NewNop()); err == nil {
		t.Fatal("expected kind table error")
	}
}

func TestRunReturnsOnCancel(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Logging.Format = "json"
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	if err := Run(ctx, cfg, Options{LogLevel: "error"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := os.Stat(filepath.Join(cfg.Paths.DataDir, "kbforged.pid")); !os.IsNotExist(err) {
		t.Fatalf("expected pid file removed, stat err=%v", err)
	}
	target, err := os.Readlink(filepath.Join(cfg.Paths.LogDir, "kbforge.log"))
	if err != nil {
		t.Fatalf("Readlink: %v", err)
	}
	if filepath.Dir(target) != cfg.Paths.LogDir {
		t.Fatalf("log pointer %q outside log dir", target)
	}
}

func TestEnsureCurrentLogPointerReplacesLink(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "kbforge-1.log")
	second := filepath.Join(dir, "kbforge-2.log")
	for _, p := range []string{first, second} {
		testsupport.WriteFile(t, p, "")
	}
	if err := ensureCurrentLogPointer(dir, first); err != nil {
		t.Fatalf("first pointer: %v", err)
	}
	if err := ensureCurrentLogPointer(dir, second); err != nil {
		t.Fatalf("second pointer: %v", err)
	}
	target, err := os.Readlink(filepath.Join(dir, "kbforge.log"))
	if err != nil {
		t.Fatalf("Readlink: %v", err)
	}
	if target != second {
		t.Fatalf("pointer = %q, want %q", target, second)
	}
}
