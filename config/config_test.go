package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Addr != ":8420" {
		t.Fatalf("unexpected addr: %q", cfg.Server.Addr)
	}
	if cfg.State.Backend != "sqlite" {
		t.Fatalf("unexpected state backend: %q", cfg.State.Backend)
	}
	if !cfg.Executor.IsHeadless() {
		t.Fatal("expected headless by default")
	}
	if !cfg.Audit.IsEnabled() {
		t.Fatal("expected audit enabled by default")
	}

	policy := cfg.Workflow.Policy()
	if policy.ApprovalConfidenceThreshold != 0.7 {
		t.Fatalf("unexpected approval threshold: %v", policy.ApprovalConfidenceThreshold)
	}
	if policy.ValidationSuccessThreshold != 0.8 {
		t.Fatalf("unexpected validation threshold: %v", policy.ValidationSuccessThreshold)
	}
	if policy.MaxRetryAttempts != 3 {
		t.Fatalf("unexpected max retries: %d", policy.MaxRetryAttempts)
	}
	if policy.ApprovalTimeout != 300*time.Second {
		t.Fatalf("unexpected approval timeout: %v", policy.ApprovalTimeout)
	}

	opts := cfg.State.StoreOptions()
	if opts.RedisTTL != 72*time.Hour {
		t.Fatalf("unexpected redis ttl: %v", opts.RedisTTL)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
server:
  addr: ":9000"
workflow:
  approvalConfidenceThreshold: 0.5
  maxRetryAttempts: 5
executor:
  backend: scripted
  headless: false
state:
  backend: hybrid
  redisAddr: "10.0.0.5:6379"
portals:
  dmv: "https://dmv.example.gov"
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Addr != ":9000" {
		t.Fatalf("unexpected addr: %q", cfg.Server.Addr)
	}
	if cfg.Workflow.ApprovalConfidenceThreshold != 0.5 {
		t.Fatalf("unexpected approval threshold: %v", cfg.Workflow.ApprovalConfidenceThreshold)
	}
	if cfg.Workflow.MaxRetryAttempts != 5 {
		t.Fatalf("unexpected max retries: %d", cfg.Workflow.MaxRetryAttempts)
	}
	// Values the file omits keep their defaults.
	if cfg.Workflow.ValidationSuccessThreshold != 0.8 {
		t.Fatalf("unexpected validation threshold: %v", cfg.Workflow.ValidationSuccessThreshold)
	}
	if cfg.Executor.Backend != "scripted" {
		t.Fatalf("unexpected executor backend: %q", cfg.Executor.Backend)
	}
	if cfg.Executor.IsHeadless() {
		t.Fatal("expected headless disabled")
	}
	if cfg.State.Backend != "hybrid" || cfg.State.RedisAddr != "10.0.0.5:6379" {
		t.Fatalf("unexpected state section: %+v", cfg.State)
	}
	if cfg.Portals["dmv"] != "https://dmv.example.gov" {
		t.Fatalf("unexpected portals: %v", cfg.Portals)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  addr: \":9000\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("TRAMITE_ADDR", ":7777")
	t.Setenv("TRAMITE_MAX_RETRY_ATTEMPTS", "7")
	t.Setenv("TRAMITE_APPROVAL_CONFIDENCE_THRESHOLD", "0.9")
	t.Setenv("TRAMITE_HEADLESS", "false")
	t.Setenv("TRAMITE_AUDIT_ENABLED", "0")
	t.Setenv("TRAMITE_STATE_BACKEND", "redis")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Addr != ":7777" {
		t.Fatalf("env override lost: %q", cfg.Server.Addr)
	}
	if cfg.Workflow.MaxRetryAttempts != 7 {
		t.Fatalf("unexpected max retries: %d", cfg.Workflow.MaxRetryAttempts)
	}
	if cfg.Workflow.ApprovalConfidenceThreshold != 0.9 {
		t.Fatalf("unexpected approval threshold: %v", cfg.Workflow.ApprovalConfidenceThreshold)
	}
	if cfg.Executor.IsHeadless() {
		t.Fatal("expected headless disabled via env")
	}
	if cfg.Audit.IsEnabled() {
		t.Fatal("expected audit disabled via env")
	}
	if cfg.State.Backend != "redis" {
		t.Fatalf("unexpected state backend: %q", cfg.State.Backend)
	}
}

func TestEnvIgnoresMalformedValues(t *testing.T) {
	t.Setenv("TRAMITE_MAX_RETRY_ATTEMPTS", "many")
	t.Setenv("TRAMITE_APPROVAL_CONFIDENCE_THRESHOLD", "high")
	t.Setenv("TRAMITE_HEADLESS", "maybe")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Workflow.MaxRetryAttempts != 3 {
		t.Fatalf("malformed int should keep default, got %d", cfg.Workflow.MaxRetryAttempts)
	}
	if cfg.Workflow.ApprovalConfidenceThreshold != 0.7 {
		t.Fatalf("malformed float should keep default, got %v", cfg.Workflow.ApprovalConfidenceThreshold)
	}
	if !cfg.Executor.IsHeadless() {
		t.Fatal("malformed bool should keep default")
	}
}

func TestRetryPolicyConversion(t *testing.T) {
	cfg := Default()
	policy := cfg.Executor.RetryPolicy()
	if policy.MaxAttempts != 3 {
		t.Fatalf("unexpected attempts: %d", policy.MaxAttempts)
	}
	if policy.BaseDelay != 500*time.Millisecond || policy.MaxDelay != 10*time.Second {
		t.Fatalf("unexpected delays: base %v max %v", policy.BaseDelay, policy.MaxDelay)
	}
	breaker := cfg.Executor.BreakerConfig()
	if breaker.FailureThreshold != 5 || breaker.Timeout != time.Minute {
		t.Fatalf("unexpected breaker config: %+v", breaker)
	}
}
