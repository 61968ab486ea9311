package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "AFFECT_SAMPLE_INTERVAL", "AFFECT_STALENESS_WINDOW", "AFFECT_DECAY", "AFFECT_CONFIG_FILE", "OTEL_EXPORTER", "SPEECH_APP_ID"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Fatalf("unexpected addr %q", cfg.Server.Addr)
	}
	if cfg.Affect.SampleInterval != 2*time.Second || cfg.Affect.StalenessWindow != 10*time.Second {
		t.Fatalf("unexpected affect timings %+v", cfg.Affect)
	}
	if cfg.Affect.Decay != "linear" || cfg.Affect.HistoryCapacity != 32 || cfg.Affect.PushDelta != 0.1 {
		t.Fatalf("unexpected affect defaults %+v", cfg.Affect)
	}
	if cfg.Telemetry.Exporter != "none" || cfg.Speech.Enabled {
		t.Fatalf("unexpected defaults telemetry=%+v speech=%+v", cfg.Telemetry, cfg.Speech)
	}
}

func TestAffectEnvOverrides(t *testing.T) {
	t.Setenv("AFFECT_CONFIG_FILE", "")
	t.Setenv("AFFECT_SAMPLE_INTERVAL", "1500ms")
	t.Setenv("AFFECT_STALENESS_WINDOW", "4")
	t.Setenv("AFFECT_DECAY", "Exponential")
	t.Setenv("AFFECT_PUSH_DELTA", "0.25")

	cfg, err := loadAffectConfig()
	if err != nil {
		t.Fatalf("loadAffectConfig returned error: %v", err)
	}
	if cfg.SampleInterval != 1500*time.Millisecond || cfg.StalenessWindow != 4*time.Second {
		t.Fatalf("unexpected durations %+v", cfg)
	}
	if cfg.Decay != "exponential" || cfg.PushDelta != 0.25 {
		t.Fatalf("unexpected overrides %+v", cfg)
	}
}

func TestAffectRejectsInvalidValues(t *testing.T) {
	t.Setenv("AFFECT_CONFIG_FILE", "")
	cases := map[string]string{
		"AFFECT_DECAY":            "cubic",
		"AFFECT_STALENESS_WINDOW": "-3s",
		"AFFECT_HISTORY_CAPACITY": "0",
		"AFFECT_SAMPLE_INTERVAL":  "soon",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			if _, err := loadAffectConfig(); err == nil {
				t.Fatalf("expected error for %s=%q", key, value)
			}
		})
	}
}

func TestAffectYAMLOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "affect.yaml")
	doc := "affect:\n  staleness_window: 6s\n  decay: step\n  history_capacity: 8\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	t.Setenv("AFFECT_CONFIG_FILE", path)
	t.Setenv("AFFECT_SAMPLE_INTERVAL", "3s")
	t.Setenv("AFFECT_DECAY", "")
	t.Setenv("AFFECT_STALENESS_WINDOW", "")

	cfg, err := loadAffectConfig()
	if err != nil {
		t.Fatalf("loadAffectConfig returned error: %v", err)
	}
	if cfg.StalenessWindow != 6*time.Second || cfg.Decay != "step" || cfg.HistoryCapacity != 8 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.SampleInterval != 3*time.Second {
		t.Fatalf("keys absent from the file should keep env values, got %s", cfg.SampleInterval)
	}
}

func TestLoadServerConfig(t *testing.T) {
	tests := []struct {
		port    string
		want    string
		wantErr bool
	}{
		{port: "9000", want: ":9000"},
		{port: "127.0.0.1:7000", want: "127.0.0.1:7000"},
		{port: "80 80", wantErr: true},
	}
	for _, tt := range tests {
		t.Setenv("PORT", tt.port)
		got, err := loadServerConfig()
		if tt.wantErr {
			if err == nil {
				t.Fatalf("PORT=%q: expected error", tt.port)
			}
			continue
		}
		if err != nil || got.Addr != tt.want {
			t.Fatalf("PORT=%q: got %q, %v", tt.port, got.Addr, err)
		}
	}
}

func TestSpeechEnabledRequiresCredentials(t *testing.T) {
	t.Setenv("SPEECH_APP_ID", "app")
	t.Setenv("SPEECH_ACCESS_TOKEN", "")
	t.Setenv("SPEECH_API_KEY", "legacy")

	cfg, err := loadSpeechConfig()
	if err != nil {
		t.Fatalf("loadSpeechConfig returned error: %v", err)
	}
	if !cfg.Enabled || cfg.AccessToken != "legacy" {
		t.Fatalf("expected API key fallback to enable speech, got %+v", cfg)
	}
}
