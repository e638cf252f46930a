package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kwall/drover/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunVersion(t *testing.T) {
	var out, errOut bytes.Buffer
	if err := run(context.Background(), &out, &errOut, []string{"version"}); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !strings.Contains(out.String(), "Drover") {
		t.Errorf("expected version output to mention Drover, got %q", out.String())
	}
}

func TestRunVersionJSON(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"-o", "json", "version"}); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !strings.Contains(out.String(), `"version"`) {
		t.Errorf("expected JSON output, got %q", out.String())
	}
}

func TestRunNoCommandPrintsUsage(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, nil); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !strings.Contains(out.String(), "Usage:") {
		t.Errorf("expected usage output, got %q", out.String())
	}
}

func TestRunUnknownCommand(t *testing.T) {
	var out bytes.Buffer
	err := run(context.Background(), &out, &out, []string{"bogus"})
	if err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Errorf("expected unknown command error, got %v", err)
	}
}

func TestRunUnknownOutputFormat(t *testing.T) {
	var out bytes.Buffer
	err := run(context.Background(), &out, &out, []string{"-o", "xml", "version"})
	if err == nil || !strings.Contains(err.Error(), "output format") {
		t.Errorf("expected output format error, got %v", err)
	}
}

func TestRunAskRequiresQuestion(t *testing.T) {
	var out bytes.Buffer
	err := run(context.Background(), &out, &out, []string{"ask"})
	if err == nil || !strings.Contains(err.Error(), "usage: drover ask") {
		t.Errorf("expected ask usage error, got %v", err)
	}
}

func TestRunMissingConfigFile(t *testing.T) {
	var out bytes.Buffer
	err := run(context.Background(), &out, &out, []string{"-config", "/nonexistent/drover.yaml", "stats"})
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("expected config not found error, got %v", err)
	}
}

func TestBuildBackends(t *testing.T) {
	cfg := &config.Config{
		Backends: []config.BackendConfig{
			{ID: "ollama", Provider: "ollama", Tier: "local", BaseURL: "http://localhost:11434", Model: "qwen3:4b"},
			{ID: "claude", Provider: "anthropic", Tier: "cloud", APIKey: "k", Model: "m", CostPerKTokens: 3.0},
			{ID: "gpt", Provider: "openai", Tier: "cloud", APIKey: "k", Model: "m", CostPerKTokens: 2.5},
		},
	}

	local, cloud, costs, err := buildBackends(cfg, discardLogger())
	if err != nil {
		t.Fatalf("buildBackends failed: %v", err)
	}
	if len(local) != 1 || len(cloud) != 2 {
		t.Errorf("expected 1 local and 2 cloud backends, got %d and %d", len(local), len(cloud))
	}
	if costs["claude"] != 3.0 || costs["gpt"] != 2.5 {
		t.Errorf("unexpected cost table: %v", costs)
	}
	if _, ok := costs["ollama"]; ok {
		t.Error("zero-cost backend should not be in the cost table")
	}
}

func TestBuildBackendsUnknownProvider(t *testing.T) {
	cfg := &config.Config{
		Backends: []config.BackendConfig{{ID: "x", Provider: "bedrock", Tier: "cloud"}},
	}
	if _, _, _, err := buildBackends(cfg, discardLogger()); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestRouterConfigThreshold(t *testing.T) {
	cfg := config.Default()
	if got := routerConfig(cfg, nil).LocalThreshold; got != 3 {
		t.Errorf("expected threshold 3 for simple, got %d", got)
	}
	cfg.Routing.LocalThreshold = "moderate"
	if got := routerConfig(cfg, nil).LocalThreshold; got != 6 {
		t.Errorf("expected threshold 6 for moderate, got %d", got)
	}
}

func TestRunStatsEmptyStore(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "drover.yaml")
	cfgYAML := "data_dir: " + filepath.Join(dir, "data") + "\n"
	if err := os.WriteFile(cfgPath, []byte(cfgYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "data"), 0o755); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, []string{"-config", cfgPath, "stats"}); err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if !strings.Contains(out.String(), "Last 30 days") {
		t.Errorf("unexpected stats output: %q", out.String())
	}
}
