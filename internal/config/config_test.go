package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseEmptyUsesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Parse(nil, nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Port != defaultPort || cfg.Env != "development" || !cfg.IsDev() {
		t.Fatalf("unexpected server defaults: %+v", cfg)
	}
	if cfg.Audio.Retention != 48*time.Hour || cfg.Audio.SweepInterval != 6*time.Hour {
		t.Fatalf("unexpected audio defaults: %+v", cfg.Audio)
	}
	if cfg.Transcription.Interval != time.Hour || cfg.Transcription.MaxAttempts != 3 {
		t.Fatalf("unexpected transcription defaults: %+v", cfg.Transcription)
	}
	if cfg.Analysis.Interval != time.Hour || cfg.Analysis.Delay != 20*time.Minute {
		t.Fatalf("unexpected analysis schedule: %+v", cfg.Analysis)
	}
	if cfg.Lesson.AutoCompleteInterval != time.Minute || cfg.Lesson.AutoCompleteBatch != 100 {
		t.Fatalf("unexpected lesson defaults: %+v", cfg.Lesson)
	}
	if cfg.Pronunciation.SampleRate != 0.15 {
		t.Fatalf("unexpected sample rate: %v", cfg.Pronunciation.SampleRate)
	}
	if !strings.Contains(cfg.DSN, "tcp(127.0.0.1:3306)/lingvo") || !strings.Contains(cfg.DSN, "loc=UTC") {
		t.Fatalf("unexpected dsn: %s", cfg.DSN)
	}
	if cfg.RedisURL != "redis://localhost:6379/0" {
		t.Fatalf("unexpected redis url: %s", cfg.RedisURL)
	}
}

func TestParseOverridesAndEnv(t *testing.T) {
	t.Parallel()

	content := []byte(`
port: 8080
env: production
database:
  driver: sqlite
  path: /tmp/core.db
audio:
  driver: s3
  retention: 24h
  s3:
    bucket: lesson-audio
analysis:
  max_attempts: 5
  delay: 15m
  providers:
    - type: Anthropic
      api_key_env: ANTHROPIC_KEY
      enabled: true
`)
	env := map[string]string{
		"ANTHROPIC_KEY":  "sk-ant",
		"OPENAI_API_KEY": "sk-openai",
		"AWS_REGION":     "eu-west-1",
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}

	cfg, err := Parse(content, lookup)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Port != 8080 || cfg.IsDev() {
		t.Fatalf("unexpected server config: %+v", cfg)
	}
	if cfg.DSN != "/tmp/core.db?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)" {
		t.Fatalf("unexpected sqlite dsn: %s", cfg.DSN)
	}
	if cfg.Audio.Retention != 24*time.Hour || cfg.Audio.S3.Region != "eu-west-1" {
		t.Fatalf("unexpected audio config: %+v", cfg.Audio)
	}
	if cfg.Analysis.MaxAttempts != 5 || cfg.Analysis.Delay != 15*time.Minute {
		t.Fatalf("unexpected analysis config: %+v", cfg.Analysis)
	}
	if len(cfg.Analysis.Providers) != 1 || cfg.Analysis.Providers[0].APIKey != "sk-ant" || cfg.Analysis.Providers[0].ID != "provider-1" {
		t.Fatalf("unexpected providers: %+v", cfg.Analysis.Providers)
	}
	if cfg.Transcription.Provider.APIKey != "sk-openai" {
		t.Fatalf("stt key not taken from env")
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"unknown field":  "nope: 1\n",
		"bad port":       "port: 70000\n",
		"bad driver":     "database:\n  driver: postgres\n",
		"s3 no bucket":   "audio:\n  driver: s3\n",
		"bad sample":     "pronunciation:\n  sample_rate: 1.5\n",
		"zero attempts":  "analysis:\n  max_attempts: 0\n",
		"zero interval":  "transcription:\n  interval: 0s\n",
		"bad audio type": "audio:\n  driver: ftp\n",
	}
	for name, content := range cases {
		if _, err := Parse([]byte(content), nil); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestLoadReadsFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte("port: 9000\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 9000 {
		t.Fatalf("unexpected port: %d", cfg.Port)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
