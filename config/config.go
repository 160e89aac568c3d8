// Package config loads service configuration from a YAML file, a .env
// file, and TRAMITE_* environment variables, in that order of
// precedence (environment wins).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"

	"github.com/tramitebot/tramitebot/retry"
	"github.com/tramitebot/tramitebot/state/factory"
	"github.com/tramitebot/tramitebot/workflow"
)

type Config struct {
	Server    Server            `yaml:"server"`
	State     State             `yaml:"state"`
	Workflow  Workflow          `yaml:"workflow"`
	Executor  Executor          `yaml:"executor"`
	Audit     Audit             `yaml:"audit"`
	Telemetry Telemetry         `yaml:"telemetry"`
	Portals   map[string]string `yaml:"portals"`
}

type Server struct {
	Addr                 string `yaml:"addr"`
	ReadHeaderTimeoutSec int    `yaml:"readHeaderTimeoutSeconds"`
	ShutdownSec          int    `yaml:"shutdownTimeoutSeconds"`
}

type State struct {
	Backend       string `yaml:"backend"`
	SQLitePath    string `yaml:"sqlitePath"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	RedisDB       int    `yaml:"redisDB"`
	RedisTTL      string `yaml:"redisTTL"`
}

type Workflow struct {
	ApprovalConfidenceThreshold float64 `yaml:"approvalConfidenceThreshold"`
	ValidationSuccessThreshold  float64 `yaml:"validationSuccessThreshold"`
	MaxRetryAttempts            int     `yaml:"maxRetryAttempts"`
	ApprovalTimeoutSec          int     `yaml:"approvalTimeoutSeconds"`
}

type Executor struct {
	Backend     string `yaml:"backend"` // chrome or scripted
	Headless    *bool  `yaml:"headless"`
	ArtifactDir string `yaml:"artifactDir"`

	RetryMaxAttempts int     `yaml:"retryMaxAttempts"`
	RetryBaseDelayMs int     `yaml:"retryBaseDelayMs"`
	RetryMaxDelayMs  int     `yaml:"retryMaxDelayMs"`
	RetryFactor      float64 `yaml:"retryBackoffFactor"`

	BreakerFailureThreshold int `yaml:"breakerFailureThreshold"`
	BreakerSuccessThreshold int `yaml:"breakerSuccessThreshold"`
	BreakerTimeoutSec       int `yaml:"breakerTimeoutSeconds"`
}

type Audit struct {
	Enabled    *bool  `yaml:"enabled"`
	SQLitePath string `yaml:"sqlitePath"`
}

type Telemetry struct {
	Enabled      bool    `yaml:"enabled"`
	OTLPEndpoint string  `yaml:"otlpEndpoint"`
	ServiceName  string  `yaml:"serviceName"`
	SampleRate   float64 `yaml:"sampleRate"`
}

func Default() Config {
	headless := true
	auditEnabled := true
	return Config{
		Server: Server{
			Addr:                 ":8420",
			ReadHeaderTimeoutSec: 10,
			ShutdownSec:          15,
		},
		State: State{
			Backend:    "sqlite",
			SQLitePath: "./.tramitebot/state.db",
			RedisAddr:  "127.0.0.1:6379",
			RedisTTL:   "72h",
		},
		Workflow: Workflow{
			ApprovalConfidenceThreshold: 0.7,
			ValidationSuccessThreshold:  0.8,
			MaxRetryAttempts:            3,
			ApprovalTimeoutSec:          300,
		},
		Executor: Executor{
			Backend:                 "chrome",
			Headless:                &headless,
			ArtifactDir:             ".tramitebot/artifacts",
			RetryMaxAttempts:        3,
			RetryBaseDelayMs:        500,
			RetryMaxDelayMs:         10_000,
			RetryFactor:             2.0,
			BreakerFailureThreshold: 5,
			BreakerSuccessThreshold: 3,
			BreakerTimeoutSec:       60,
		},
		Audit: Audit{
			Enabled:    &auditEnabled,
			SQLitePath: "./.tramitebot/audit.db",
		},
		Telemetry: Telemetry{
			OTLPEndpoint: "127.0.0.1:4317",
			ServiceName:  "tramitebot",
			SampleRate:   1.0,
		},
	}
}

// Load builds the effective configuration. A missing .env file is
// fine; a named YAML file that cannot be read or parsed is an error.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file %q: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to decode config file %q: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Server.Addr, "TRAMITE_ADDR")
	setInt(&c.Server.ReadHeaderTimeoutSec, "TRAMITE_READ_HEADER_TIMEOUT_SECONDS")
	setInt(&c.Server.ShutdownSec, "TRAMITE_SHUTDOWN_TIMEOUT_SECONDS")

	setString(&c.State.Backend, "TRAMITE_STATE_BACKEND")
	setString(&c.State.SQLitePath, "TRAMITE_SQLITE_PATH")
	setString(&c.State.RedisAddr, "TRAMITE_REDIS_ADDR")
	setString(&c.State.RedisPassword, "TRAMITE_REDIS_PASSWORD")
	setInt(&c.State.RedisDB, "TRAMITE_REDIS_DB")
	setString(&c.State.RedisTTL, "TRAMITE_REDIS_TTL")

	setFloat(&c.Workflow.ApprovalConfidenceThreshold, "TRAMITE_APPROVAL_CONFIDENCE_THRESHOLD")
	setFloat(&c.Workflow.ValidationSuccessThreshold, "TRAMITE_VALIDATION_SUCCESS_THRESHOLD")
	setInt(&c.Workflow.MaxRetryAttempts, "TRAMITE_MAX_RETRY_ATTEMPTS")
	setInt(&c.Workflow.ApprovalTimeoutSec, "TRAMITE_APPROVAL_TIMEOUT_SECONDS")

	setString(&c.Executor.Backend, "TRAMITE_EXECUTOR_BACKEND")
	setBool(&c.Executor.Headless, "TRAMITE_HEADLESS")
	setString(&c.Executor.ArtifactDir, "TRAMITE_ARTIFACT_DIR")

	setBool(&c.Audit.Enabled, "TRAMITE_AUDIT_ENABLED")
	setString(&c.Audit.SQLitePath, "TRAMITE_AUDIT_SQLITE_PATH")

	if raw := strings.ToLower(strings.TrimSpace(os.Getenv("TRAMITE_TELEMETRY_ENABLED"))); raw != "" {
		c.Telemetry.Enabled = raw == "1" || raw == "true" || raw == "yes" || raw == "on"
	}
	setString(&c.Telemetry.OTLPEndpoint, "TRAMITE_OTLP_ENDPOINT")
	setString(&c.Telemetry.ServiceName, "TRAMITE_SERVICE_NAME")
	setFloat(&c.Telemetry.SampleRate, "TRAMITE_TELEMETRY_SAMPLE_RATE")
}

// Policy converts the workflow section into engine thresholds.
func (w Workflow) Policy() workflow.Policy {
	return workflow.Policy{
		ApprovalConfidenceThreshold: w.ApprovalConfidenceThreshold,
		ValidationSuccessThreshold:  w.ValidationSuccessThreshold,
		MaxRetryAttempts:            w.MaxRetryAttempts,
		ApprovalTimeout:             time.Duration(w.ApprovalTimeoutSec) * time.Second,
	}
}

// StoreOptions converts the state section into factory options.
func (s State) StoreOptions() factory.Options {
	ttl, err := time.ParseDuration(s.RedisTTL)
	if err != nil {
		ttl = 0
	}
	return factory.Options{
		Backend:       s.Backend,
		SQLitePath:    s.SQLitePath,
		RedisAddr:     s.RedisAddr,
		RedisPassword: s.RedisPassword,
		RedisDB:       s.RedisDB,
		RedisTTL:      ttl,
	}
}

// RetryPolicy converts the executor retry fields.
func (e Executor) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:   e.RetryMaxAttempts,
		BaseDelay:     time.Duration(e.RetryBaseDelayMs) * time.Millisecond,
		MaxDelay:      time.Duration(e.RetryMaxDelayMs) * time.Millisecond,
		BackoffFactor: e.RetryFactor,
		Jitter:        true,
	}
}

// BreakerConfig converts the executor breaker fields.
func (e Executor) BreakerConfig() retry.BreakerConfig {
	return retry.BreakerConfig{
		FailureThreshold: e.BreakerFailureThreshold,
		SuccessThreshold: e.BreakerSuccessThreshold,
		Timeout:          time.Duration(e.BreakerTimeoutSec) * time.Second,
	}
}

// IsHeadless resolves the headless flag with its default.
func (e Executor) IsHeadless() bool {
	return e.Headless == nil || *e.Headless
}

// IsEnabled resolves the audit flag with its default.
func (a Audit) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	if n, err := strconv.Atoi(raw); err == nil {
		*dst = n
	}
}

func setFloat(dst *float64, key string) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		*dst = f
	}
}

func setBool(dst **bool, key string) {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if raw == "" {
		return
	}
	switch raw {
	case "1", "true", "yes", "on":
		v := true
		*dst = &v
	case "0", "false", "no", "off":
		v := false
		*dst = &v
	}
}
