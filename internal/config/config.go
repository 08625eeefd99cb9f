// Package config loads the broker's runtime tunables the way the rest of
// this stack does configuration: typed environment variables with sane
// defaults and descriptive validation errors, no reflection-based merge
// library. It additionally loads an optional JSON sidecar file, modeling
// a JSAP-style deployment descriptor.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultAddr is the default TCP address the HTTP/WS gateway listens on.
	DefaultAddr = ":43127"
	// DefaultGRPCAddr is the default address the notification stream listens on.
	DefaultGRPCAddr = ":43128"
	// DefaultPingInterval controls the keepalive cadence for WebSocket connections.
	DefaultPingInterval = 30 * time.Second
	// DefaultMaxPayloadBytes limits inbound WebSocket frame size.
	DefaultMaxPayloadBytes int64 = 1 << 20

	// DefaultSPUProcessingTimeout is the per-SPU barrier timeout.
	DefaultSPUProcessingTimeout = 5 * time.Second
	// DefaultEndpointRetryBudget bounds outbound HTTPEndpoint retry attempts.
	DefaultEndpointRetryBudget = 3
	// DefaultUnitScale selects the rendering scale for barrier-duration gauges.
	DefaultUnitScale = "ms"
	// DefaultFilterMode selects how update() narrows the active SPU set.
	DefaultFilterMode = "all"

	// DefaultJournalMaxSegments bounds retained journal segment files.
	DefaultJournalMaxSegments = 50
	// DefaultJournalMaxAge bounds how long a journal segment is retained.
	DefaultJournalMaxAge = 7 * 24 * time.Hour

	// DefaultLogLevel controls verbosity for broker logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "sepabroker.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
)

// Config captures all runtime tunables for the broker service.
type Config struct {
	Address         string
	GRPCAddress     string
	AllowedOrigins  []string
	MaxPayloadBytes int64
	PingInterval    time.Duration
	TLSCertPath     string
	TLSKeyPath      string
	AdminToken      string
	WSHMACSecret    string

	SPUProcessingTimeout time.Duration
	EndpointRetryBudget  int
	UnitScale            string
	FilterMode           string

	EndpointURL string

	JournalDirectory   string
	JournalMaxSegments int
	JournalMaxAge      time.Duration

	Logging LoggingConfig
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// jsapSidecar is the JSON shape BROKER_JSAP_CONFIG points at. Every field is
// optional; a present field overrides the environment default, and an
// explicit environment variable overrides the sidecar value.
type jsapSidecar struct {
	SPUProcessingTimeoutMS *int64  `json:"spu_processing_timeout_ms"`
	EndpointRetryBudget    *int    `json:"endpoint_retry_budget"`
	UnitScale              *string `json:"unit_scale"`
	FilterMode             *string `json:"filter_mode"`
	EndpointURL            *string `json:"endpoint_url"`
}

// Load reads the broker configuration from environment variables (and, if
// BROKER_JSAP_CONFIG names a readable file, a JSON sidecar), applying sane
// defaults and returning descriptive errors for invalid overrides.
func Load() (*Config, error) {
	cfg := &Config{
		Address:         getString("BROKER_ADDR", DefaultAddr),
		GRPCAddress:     getString("BROKER_GRPC_ADDR", DefaultGRPCAddr),
		AllowedOrigins:  parseList(os.Getenv("BROKER_ALLOWED_ORIGINS")),
		MaxPayloadBytes: DefaultMaxPayloadBytes,
		PingInterval:    DefaultPingInterval,
		TLSCertPath:     strings.TrimSpace(os.Getenv("BROKER_TLS_CERT")),
		TLSKeyPath:      strings.TrimSpace(os.Getenv("BROKER_TLS_KEY")),
		AdminToken:      strings.TrimSpace(os.Getenv("BROKER_ADMIN_TOKEN")),
		WSHMACSecret:    strings.TrimSpace(os.Getenv("BROKER_WS_HMAC_SECRET")),

		SPUProcessingTimeout: DefaultSPUProcessingTimeout,
		EndpointRetryBudget:  DefaultEndpointRetryBudget,
		UnitScale:            getString("BROKER_UNIT_SCALE", DefaultUnitScale),
		FilterMode:           getString("BROKER_FILTER_MODE", DefaultFilterMode),
		EndpointURL:          strings.TrimSpace(os.Getenv("BROKER_ENDPOINT_URL")),

		JournalDirectory:   getString("BROKER_JOURNAL_DIR", "journal"),
		JournalMaxSegments: DefaultJournalMaxSegments,
		JournalMaxAge:      DefaultJournalMaxAge,

		Logging: LoggingConfig{
			Level:      strings.TrimSpace(getString("BROKER_LOG_LEVEL", DefaultLogLevel)),
			Path:       strings.TrimSpace(getString("BROKER_LOG_PATH", DefaultLogPath)),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}

	if err := applySidecar(cfg); err != nil {
		return nil, err
	}

	var problems []string

	if raw := strings.TrimSpace(os.Getenv("BROKER_MAX_PAYLOAD_BYTES")); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("BROKER_MAX_PAYLOAD_BYTES must be a positive integer, got %q", raw))
		} else {
			cfg.MaxPayloadBytes = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("BROKER_PING_INTERVAL")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("BROKER_PING_INTERVAL must be a positive duration, got %q", raw))
		} else {
			cfg.PingInterval = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("BROKER_SPU_PROCESSING_TIMEOUT_MS")); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("BROKER_SPU_PROCESSING_TIMEOUT_MS must be a positive integer, got %q", raw))
		} else {
			cfg.SPUProcessingTimeout = time.Duration(value) * time.Millisecond
		}
	}

	if raw := strings.TrimSpace(os.Getenv("BROKER_ENDPOINT_RETRY_BUDGET")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("BROKER_ENDPOINT_RETRY_BUDGET must be a non-negative integer, got %q", raw))
		} else {
			cfg.EndpointRetryBudget = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("BROKER_UNIT_SCALE")); raw != "" {
		if raw != "ms" && raw != "us" && raw != "ns" {
			problems = append(problems, fmt.Sprintf("BROKER_UNIT_SCALE must be one of ms, us, ns, got %q", raw))
		} else {
			cfg.UnitScale = raw
		}
	}

	if raw := strings.TrimSpace(os.Getenv("BROKER_FILTER_MODE")); raw != "" {
		if raw != "all" && raw != "lut" {
			problems = append(problems, fmt.Sprintf("BROKER_FILTER_MODE must be one of all, lut, got %q", raw))
		} else {
			cfg.FilterMode = raw
		}
	}

	if raw := strings.TrimSpace(os.Getenv("BROKER_JOURNAL_MAX_SEGMENTS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("BROKER_JOURNAL_MAX_SEGMENTS must be a positive integer, got %q", raw))
		} else {
			cfg.JournalMaxSegments = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("BROKER_JOURNAL_MAX_AGE")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("BROKER_JOURNAL_MAX_AGE must be a positive duration, got %q", raw))
		} else {
			cfg.JournalMaxAge = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("BROKER_LOG_MAX_SIZE_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("BROKER_LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("BROKER_LOG_MAX_BACKUPS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("BROKER_LOG_MAX_BACKUPS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxBackups = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("BROKER_LOG_MAX_AGE_DAYS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("BROKER_LOG_MAX_AGE_DAYS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxAgeDays = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("BROKER_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("BROKER_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if (cfg.TLSCertPath == "") != (cfg.TLSKeyPath == "") {
		problems = append(problems, "BROKER_TLS_CERT and BROKER_TLS_KEY must be provided together")
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%s", strings.Join(problems, "; "))
	}

	return cfg, nil
}

// applySidecar loads BROKER_JSAP_CONFIG, if set, and overlays its values onto
// cfg. Environment variables read afterward in Load still take precedence.
func applySidecar(cfg *Config) error {
	path := strings.TrimSpace(os.Getenv("BROKER_JSAP_CONFIG"))
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("BROKER_JSAP_CONFIG: reading %q: %w", path, err)
	}
	var sidecar jsapSidecar
	if err := json.Unmarshal(data, &sidecar); err != nil {
		return fmt.Errorf("BROKER_JSAP_CONFIG: parsing %q: %w", path, err)
	}
	if sidecar.SPUProcessingTimeoutMS != nil {
		cfg.SPUProcessingTimeout = time.Duration(*sidecar.SPUProcessingTimeoutMS) * time.Millisecond
	}
	if sidecar.EndpointRetryBudget != nil {
		cfg.EndpointRetryBudget = *sidecar.EndpointRetryBudget
	}
	if sidecar.UnitScale != nil {
		cfg.UnitScale = *sidecar.UnitScale
	}
	if sidecar.FilterMode != nil {
		cfg.FilterMode = *sidecar.FilterMode
	}
	if sidecar.EndpointURL != nil && cfg.EndpointURL == "" {
		cfg.EndpointURL = *sidecar.EndpointURL
	}
	return nil
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	return values
}
