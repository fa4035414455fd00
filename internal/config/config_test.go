package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PATROL_CONFIG_FILE", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Voice != "Fenrir" {
		t.Errorf("Voice = %q", cfg.Voice)
	}
	if cfg.DeepScanTimeout != 15*time.Second {
		t.Errorf("DeepScanTimeout = %v", cfg.DeepScanTimeout)
	}
	if cfg.FrameInterval != 500*time.Millisecond || cfg.FrameMaxWidth != 640 || cfg.JPEGQuality != 70 {
		t.Errorf("frame settings = %v/%d/%d", cfg.FrameInterval, cfg.FrameMaxWidth, cfg.JPEGQuality)
	}
	if cfg.EvidenceCapacity != 8 || cfg.EvidenceSpacing != 2*time.Second {
		t.Errorf("evidence settings = %d/%v", cfg.EvidenceCapacity, cfg.EvidenceSpacing)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PATROL_CONFIG_FILE", "")
	t.Setenv("PATROL_VOICE", "Kore")
	t.Setenv("PATROL_DEEP_SCAN_TIMEOUT_MS", "2500")
	t.Setenv("PATROL_EVIDENCE_CAPACITY", "4")
	t.Setenv("PATROL_ALARM_BELL", "false")
	t.Setenv("PATROL_FRAME_MAX_WIDTH", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Voice != "Kore" {
		t.Errorf("Voice = %q", cfg.Voice)
	}
	if cfg.DeepScanTimeout != 2500*time.Millisecond {
		t.Errorf("DeepScanTimeout = %v", cfg.DeepScanTimeout)
	}
	if cfg.EvidenceCapacity != 4 {
		t.Errorf("EvidenceCapacity = %d", cfg.EvidenceCapacity)
	}
	if cfg.AlarmBell {
		t.Error("AlarmBell = true, want false")
	}
	if cfg.FrameMaxWidth != 640 {
		t.Errorf("unparseable env should keep default, got %d", cfg.FrameMaxWidth)
	}
}

func TestLoad_YAMLFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patrol.yaml")
	body := `
http_port: "9090"
voice: Puck
deep_scan_timeout: 7s
frame_interval: 250ms
jpeg_quality: 55
reasoning_endpoint: reasoning.internal:443
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PATROL_CONFIG_FILE", path)
	t.Setenv("PATROL_VOICE", "Charon")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPPort != "9090" {
		t.Errorf("HTTPPort = %q", cfg.HTTPPort)
	}
	if cfg.Voice != "Charon" {
		t.Errorf("Voice = %q, env should override file", cfg.Voice)
	}
	if cfg.DeepScanTimeout != 7*time.Second || cfg.FrameInterval != 250*time.Millisecond {
		t.Errorf("durations = %v/%v", cfg.DeepScanTimeout, cfg.FrameInterval)
	}
	if cfg.JPEGQuality != 55 {
		t.Errorf("JPEGQuality = %d", cfg.JPEGQuality)
	}
	if cfg.ReasoningEndpoint != "reasoning.internal:443" {
		t.Errorf("ReasoningEndpoint = %q", cfg.ReasoningEndpoint)
	}
	if cfg.PerceptionEndpoint != "localhost:50061" {
		t.Errorf("PerceptionEndpoint = %q, want default kept", cfg.PerceptionEndpoint)
	}
}

func TestLoad_BadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	if err := os.WriteFile(path, []byte("voice: [unterminated"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PATROL_CONFIG_FILE", path)
	if _, err := Load(); err == nil {
		t.Error("expected parse error")
	}

	t.Setenv("PATROL_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := Load(); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults ok", func(*Config) {}, ""},
		{"quality too high", func(c *Config) { c.JPEGQuality = 101 }, "jpeg_quality"},
		{"quality zero", func(c *Config) { c.JPEGQuality = 0 }, "jpeg_quality"},
		{"no reasoning endpoint", func(c *Config) { c.ReasoningEndpoint = "" }, "reasoning_endpoint"},
		{"zero capacity", func(c *Config) { c.EvidenceCapacity = 0 }, "evidence_capacity"},
		{"negative spacing", func(c *Config) { c.EvidenceSpacing = -time.Second }, "evidence_spacing"},
		{"zero interval", func(c *Config) { c.FrameInterval = 0 }, "frame_interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate = %v, want error mentioning %q", err, tt.wantErr)
			}
		})
	}
}
