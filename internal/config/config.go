// Package config loads patrol agent settings from an optional YAML file
// and PATROL_* environment variables. Environment values win.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultSystemInstruction = "You are a security patrol unit watching a workstation. " +
	"Narrate briefly what you see. Say SECURE when the authorized operator is present, " +
	"CAUTION or WARNING for anything unknown, and UNAUTHORIZED or INTRUDER when someone " +
	"other than the operator is at the terminal."

// Config holds every runtime setting of the patrol agent.
type Config struct {
	HTTPPort string `yaml:"http_port"`
	LogLevel string `yaml:"log_level"`
	APIToken string `yaml:"api_token"`

	PerceptionEndpoint string        `yaml:"perception_endpoint"`
	ReasoningEndpoint  string        `yaml:"reasoning_endpoint"`
	DeepScanTimeout    time.Duration `yaml:"deep_scan_timeout"`
	SetupTimeout       time.Duration `yaml:"setup_timeout"`
	Voice              string        `yaml:"voice"`
	SystemInstruction  string        `yaml:"system_instruction"`

	FrameInterval time.Duration `yaml:"frame_interval"`
	FrameMaxWidth int           `yaml:"frame_max_width"`
	JPEGQuality   int           `yaml:"jpeg_quality"`

	EvidenceCapacity   int           `yaml:"evidence_capacity"`
	EvidenceSpacing    time.Duration `yaml:"evidence_spacing"`
	MinNarrationLength int           `yaml:"min_narration_length"`

	OperatorPasswordHash string `yaml:"operator_password_hash"`
	AlarmBell            bool   `yaml:"alarm_bell"`

	ClickHouseDSN string `yaml:"clickhouse_dsn"`
	PostgresDSN   string `yaml:"postgres_dsn"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		HTTPPort:           "8080",
		LogLevel:           "info",
		PerceptionEndpoint: "localhost:50061",
		ReasoningEndpoint:  "localhost:50062",
		DeepScanTimeout:    15 * time.Second,
		SetupTimeout:       10 * time.Second,
		Voice:              "Fenrir",
		SystemInstruction:  defaultSystemInstruction,
		FrameInterval:      500 * time.Millisecond,
		FrameMaxWidth:      640,
		JPEGQuality:        70,
		EvidenceCapacity:   8,
		EvidenceSpacing:    2 * time.Second,
		MinNarrationLength: 5,
		AlarmBell:          true,
	}
}

// Load reads PATROL_CONFIG_FILE (if set) over the defaults, then applies
// environment overrides and validates the result.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv("PATROL_CONFIG_FILE"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.HTTPPort = envOrDefault("PATROL_HTTP_PORT", cfg.HTTPPort)
	cfg.LogLevel = envOrDefault("PATROL_LOG_LEVEL", cfg.LogLevel)
	cfg.APIToken = envOrDefault("PATROL_API_TOKEN", cfg.APIToken)

	cfg.PerceptionEndpoint = envOrDefault("PATROL_PERCEPTION_ENDPOINT", cfg.PerceptionEndpoint)
	cfg.ReasoningEndpoint = envOrDefault("PATROL_REASONING_ENDPOINT", cfg.ReasoningEndpoint)
	cfg.DeepScanTimeout = envOrDefaultMs("PATROL_DEEP_SCAN_TIMEOUT_MS", cfg.DeepScanTimeout)
	cfg.SetupTimeout = envOrDefaultMs("PATROL_SETUP_TIMEOUT_MS", cfg.SetupTimeout)
	cfg.Voice = envOrDefault("PATROL_VOICE", cfg.Voice)
	cfg.SystemInstruction = envOrDefault("PATROL_SYSTEM_INSTRUCTION", cfg.SystemInstruction)

	cfg.FrameInterval = envOrDefaultMs("PATROL_FRAME_INTERVAL_MS", cfg.FrameInterval)
	cfg.FrameMaxWidth = envOrDefaultInt("PATROL_FRAME_MAX_WIDTH", cfg.FrameMaxWidth)
	cfg.JPEGQuality = envOrDefaultInt("PATROL_JPEG_QUALITY", cfg.JPEGQuality)

	cfg.EvidenceCapacity = envOrDefaultInt("PATROL_EVIDENCE_CAPACITY", cfg.EvidenceCapacity)
	cfg.EvidenceSpacing = envOrDefaultMs("PATROL_EVIDENCE_SPACING_MS", cfg.EvidenceSpacing)
	cfg.MinNarrationLength = envOrDefaultInt("PATROL_MIN_NARRATION_LENGTH", cfg.MinNarrationLength)

	cfg.OperatorPasswordHash = envOrDefault("PATROL_OPERATOR_PASSWORD_HASH", cfg.OperatorPasswordHash)
	cfg.AlarmBell = envOrDefaultBool("PATROL_ALARM_BELL", cfg.AlarmBell)

	cfg.ClickHouseDSN = envOrDefault("CLICKHOUSE_DSN", cfg.ClickHouseDSN)
	cfg.PostgresDSN = envOrDefault("POSTGRES_DSN", cfg.PostgresDSN)
}

// Validate rejects settings the agent cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.HTTPPort == "" {
		errs = append(errs, errors.New("http_port is required"))
	}
	if c.PerceptionEndpoint == "" {
		errs = append(errs, errors.New("perception_endpoint is required"))
	}
	if c.ReasoningEndpoint == "" {
		errs = append(errs, errors.New("reasoning_endpoint is required"))
	}
	if c.DeepScanTimeout <= 0 {
		errs = append(errs, errors.New("deep_scan_timeout must be positive"))
	}
	if c.FrameInterval <= 0 {
		errs = append(errs, errors.New("frame_interval must be positive"))
	}
	if c.FrameMaxWidth <= 0 {
		errs = append(errs, errors.New("frame_max_width must be positive"))
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("jpeg_quality %d out of range 1-100", c.JPEGQuality))
	}
	if c.EvidenceCapacity <= 0 {
		errs = append(errs, errors.New("evidence_capacity must be positive"))
	}
	if c.EvidenceSpacing < 0 {
		errs = append(errs, errors.New("evidence_spacing must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envOrDefaultMs(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultVal
}

func envOrDefaultBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}
