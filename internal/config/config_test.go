package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func clearBrokerEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"BROKER_ADDR", "BROKER_GRPC_ADDR", "BROKER_ALLOWED_ORIGINS",
		"BROKER_MAX_PAYLOAD_BYTES", "BROKER_PING_INTERVAL",
		"BROKER_TLS_CERT", "BROKER_TLS_KEY", "BROKER_ADMIN_TOKEN",
		"BROKER_SPU_PROCESSING_TIMEOUT_MS", "BROKER_ENDPOINT_RETRY_BUDGET",
		"BROKER_UNIT_SCALE", "BROKER_FILTER_MODE", "BROKER_ENDPOINT_URL",
		"BROKER_JOURNAL_DIR", "BROKER_JOURNAL_MAX_SEGMENTS", "BROKER_JOURNAL_MAX_AGE",
		"BROKER_LOG_LEVEL", "BROKER_LOG_PATH", "BROKER_LOG_MAX_SIZE_MB",
		"BROKER_LOG_MAX_BACKUPS", "BROKER_LOG_MAX_AGE_DAYS", "BROKER_LOG_COMPRESS",
		"BROKER_JSAP_CONFIG",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearBrokerEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Address != DefaultAddr {
		t.Fatalf("expected default addr %q, got %q", DefaultAddr, cfg.Address)
	}
	if cfg.GRPCAddress != DefaultGRPCAddr {
		t.Fatalf("expected default gRPC addr %q, got %q", DefaultGRPCAddr, cfg.GRPCAddress)
	}
	if cfg.AllowedOrigins != nil {
		t.Fatalf("expected no allowed origins, got %#v", cfg.AllowedOrigins)
	}
	if cfg.SPUProcessingTimeout != DefaultSPUProcessingTimeout {
		t.Fatalf("expected default spu processing timeout %v, got %v", DefaultSPUProcessingTimeout, cfg.SPUProcessingTimeout)
	}
	if cfg.EndpointRetryBudget != DefaultEndpointRetryBudget {
		t.Fatalf("expected default endpoint retry budget %d, got %d", DefaultEndpointRetryBudget, cfg.EndpointRetryBudget)
	}
	if cfg.UnitScale != DefaultUnitScale {
		t.Fatalf("expected default unit scale %q, got %q", DefaultUnitScale, cfg.UnitScale)
	}
	if cfg.FilterMode != DefaultFilterMode {
		t.Fatalf("expected default filter mode %q, got %q", DefaultFilterMode, cfg.FilterMode)
	}
	if cfg.AdminToken != "" {
		t.Fatalf("expected admin token to be empty by default")
	}
	if cfg.Logging.Level != DefaultLogLevel {
		t.Fatalf("expected default log level %q, got %q", DefaultLogLevel, cfg.Logging.Level)
	}
	if cfg.Logging.Path != DefaultLogPath {
		t.Fatalf("expected default log path %q, got %q", DefaultLogPath, cfg.Logging.Path)
	}
}

func TestLoadOverrides(t *testing.T) {
	clearBrokerEnv(t)
	t.Setenv("BROKER_ADDR", "127.0.0.1:9000")
	t.Setenv("BROKER_ALLOWED_ORIGINS", "https://example.com, https://demo.local")
	t.Setenv("BROKER_SPU_PROCESSING_TIMEOUT_MS", "250")
	t.Setenv("BROKER_ENDPOINT_RETRY_BUDGET", "5")
	t.Setenv("BROKER_UNIT_SCALE", "us")
	t.Setenv("BROKER_FILTER_MODE", "lut")
	t.Setenv("BROKER_ADMIN_TOKEN", "s3cret")
	t.Setenv("BROKER_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Address != "127.0.0.1:9000" {
		t.Fatalf("unexpected address: %q", cfg.Address)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[0] != "https://example.com" || cfg.AllowedOrigins[1] != "https://demo.local" {
		t.Fatalf("unexpected allowed origins: %#v", cfg.AllowedOrigins)
	}
	if cfg.SPUProcessingTimeout != 250*time.Millisecond {
		t.Fatalf("expected overridden spu processing timeout, got %v", cfg.SPUProcessingTimeout)
	}
	if cfg.EndpointRetryBudget != 5 {
		t.Fatalf("expected overridden retry budget, got %d", cfg.EndpointRetryBudget)
	}
	if cfg.UnitScale != "us" {
		t.Fatalf("expected overridden unit scale, got %q", cfg.UnitScale)
	}
	if cfg.FilterMode != "lut" {
		t.Fatalf("expected overridden filter mode, got %q", cfg.FilterMode)
	}
	if cfg.AdminToken != "s3cret" {
		t.Fatalf("expected overridden admin token, got %q", cfg.AdminToken)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("expected overridden log level debug, got %q", cfg.Logging.Level)
	}
}

func TestLoadReturnsValidationErrors(t *testing.T) {
	clearBrokerEnv(t)
	t.Setenv("BROKER_MAX_PAYLOAD_BYTES", "-5")
	t.Setenv("BROKER_PING_INTERVAL", "abc")
	t.Setenv("BROKER_SPU_PROCESSING_TIMEOUT_MS", "-1")
	t.Setenv("BROKER_ENDPOINT_RETRY_BUDGET", "-1")
	t.Setenv("BROKER_UNIT_SCALE", "parsecs")
	t.Setenv("BROKER_FILTER_MODE", "bogus")
	t.Setenv("BROKER_TLS_CERT", "/tmp/cert.pem")
	t.Setenv("BROKER_TLS_KEY", "")
	t.Setenv("BROKER_LOG_MAX_SIZE_MB", "-1")
	t.Setenv("BROKER_LOG_COMPRESS", "notabool")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error from invalid configuration, got nil")
	}

	for _, want := range []string{
		"BROKER_MAX_PAYLOAD_BYTES",
		"BROKER_PING_INTERVAL",
		"BROKER_SPU_PROCESSING_TIMEOUT_MS",
		"BROKER_ENDPOINT_RETRY_BUDGET",
		"BROKER_UNIT_SCALE",
		"BROKER_FILTER_MODE",
		"BROKER_TLS_CERT",
		"BROKER_LOG_MAX_SIZE_MB",
		"BROKER_LOG_COMPRESS",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected error to mention %s, got %q", want, err.Error())
		}
	}
}

func TestLoadIgnoresEmptyAllowedOrigins(t *testing.T) {
	clearBrokerEnv(t)
	t.Setenv("BROKER_ALLOWED_ORIGINS", " , ,https://ok.example, ")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "https://ok.example" {
		t.Fatalf("expected single cleaned origin, got %#v", cfg.AllowedOrigins)
	}
}

func TestLoadJSAPSidecarOverridesDefaultsButNotEnv(t *testing.T) {
	clearBrokerEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "jsap.json")
	if err := os.WriteFile(path, []byte(`{"spu_processing_timeout_ms": 750, "filter_mode": "lut"}`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv("BROKER_JSAP_CONFIG", path)
	t.Setenv("BROKER_FILTER_MODE", "all")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.SPUProcessingTimeout != 750*time.Millisecond {
		t.Fatalf("expected sidecar timeout to apply, got %v", cfg.SPUProcessingTimeout)
	}
	if cfg.FilterMode != "all" {
		t.Fatalf("expected explicit env var to win over sidecar, got %q", cfg.FilterMode)
	}
}

func TestLoadJSAPSidecarMissingFileIsError(t *testing.T) {
	clearBrokerEnv(t)
	t.Setenv("BROKER_JSAP_CONFIG", "/nonexistent/path/jsap.json")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for unreadable JSAP sidecar path")
	}
}
