package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AppConfig holds runtime startup configuration loaded from YAML.
type AppConfig struct {
	Port           int      `yaml:"port"`
	Env            string   `yaml:"env"` // "development" | "production"
	AllowedOrigins []string `yaml:"allowed_origins"`
	// RateLimit caps requests per client IP per second; zero disables it.
	// Only enforced when Redis is enabled.
	RateLimit     int64                 `yaml:"rate_limit"`
	Log           LogConfig             `yaml:"log"`
	Database      DatabaseRuntimeConfig `yaml:"database"`
	Redis         RedisRuntimeConfig    `yaml:"redis"`
	Audio         AudioConfig           `yaml:"audio"`
	Transcription TranscriptionConfig   `yaml:"transcription"`
	Pronunciation PronunciationConfig   `yaml:"pronunciation"`
	Analysis      AnalysisConfig        `yaml:"analysis"`
	Lesson        LessonConfig          `yaml:"lesson"`

	// DSN and RedisURL are derived from Database and Redis after loading.
	DSN      string `yaml:"-"`
	RedisURL string `yaml:"-"`
}

type LogConfig struct {
	Dir    string `yaml:"dir"`
	Level  string `yaml:"level"`
	Stdout *bool  `yaml:"stdout"`
}

type DatabaseRuntimeConfig struct {
	Driver    string            `yaml:"driver"` // mysql | sqlite
	Path      string            `yaml:"path"`   // sqlite file
	DSN       string            `yaml:"dsn"`
	Host      string            `yaml:"host"`
	Port      int               `yaml:"port"`
	User      string            `yaml:"user"`
	Password  string            `yaml:"password"`
	Name      string            `yaml:"name"`
	Charset   string            `yaml:"charset"`
	ParseTime bool              `yaml:"parse_time"`
	Params    map[string]string `yaml:"params"`
	// MaxOpenConns caps the pool; zero leaves the driver default.
	MaxOpenConns int `yaml:"max_open_conns"`
}

type RedisRuntimeConfig struct {
	Enable   bool              `yaml:"enable"`
	URL      string            `yaml:"url"`
	Host     string            `yaml:"host"`
	Port     int               `yaml:"port"`
	Username string            `yaml:"username"`
	Password string            `yaml:"password"`
	DB       int               `yaml:"db"`
	TLS      bool              `yaml:"tls"`
	Params   map[string]string `yaml:"params"`
}

// AudioConfig selects the durable audio store backend.
type AudioConfig struct {
	Driver        string        `yaml:"driver"` // s3 | local
	Retention     time.Duration `yaml:"retention"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	LocalDir      string        `yaml:"local_dir"`
	S3            S3Config      `yaml:"s3"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	PathStyle       bool   `yaml:"path_style"`
}

type TranscriptionConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BatchSize   int           `yaml:"batch_size"`
	Interval    time.Duration `yaml:"interval"`
	CallTimeout time.Duration `yaml:"call_timeout"`
	Provider    STTProvider   `yaml:"provider"`
}

// STTProvider configures the OpenAI-style audio transcription endpoint.
type STTProvider struct {
	APIKey   string `yaml:"api_key"`
	Endpoint string `yaml:"endpoint"`
	Model    string `yaml:"model"`
}

type PronunciationConfig struct {
	Enable         bool          `yaml:"enable"`
	SampleRate     float64       `yaml:"sample_rate"`
	FlagThreshold  float64       `yaml:"flag_threshold"`
	Region         string        `yaml:"region"`
	Key            string        `yaml:"key"`
	Endpoint       string        `yaml:"endpoint"`
	FFmpegPath     string        `yaml:"ffmpeg_path"`
	ConvertTimeout time.Duration `yaml:"convert_timeout"`
	CallTimeout    time.Duration `yaml:"call_timeout"`
}

type AnalysisConfig struct {
	MaxAttempts  int                `yaml:"max_attempts"`
	BatchSize    int                `yaml:"batch_size"`
	Concurrency  int                `yaml:"concurrency"`
	Workers      int                `yaml:"workers"`
	QueueSize    int                `yaml:"queue_size"`
	Interval     time.Duration      `yaml:"interval"`
	Delay        time.Duration      `yaml:"delay"`
	CallTimeout  time.Duration      `yaml:"call_timeout"`
	StaleAfter   time.Duration      `yaml:"stale_after"`
	HistoryLimit int                `yaml:"history_limit"`
	Providers    []AIProvider       `yaml:"providers"`
	Model        *AIModelAssignment `yaml:"model"`
}

type AIModelAssignment struct {
	ProviderID string `yaml:"provider_id"`
	Model      string `yaml:"model"`
}

type AIProvider struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	Type         string `yaml:"type"` // OpenAI | OpenAI-Compatible | Anthropic | OpenRouter
	APIKey       string `yaml:"api_key"`
	APIKeyEnv    string `yaml:"api_key_env"`
	Endpoint     string `yaml:"endpoint"`
	DefaultModel string `yaml:"default_model"`
	Enabled      bool   `yaml:"enabled"`
}

type LessonConfig struct {
	AutoCompleteInterval time.Duration `yaml:"auto_complete_interval"`
	AutoCompleteBatch    int           `yaml:"auto_complete_batch"`
}

// IsDev reports whether the process runs in development mode.
func (c *AppConfig) IsDev() bool {
	return c.Env == "development"
}

// Load reads the YAML file at configPath, applies defaults and environment
// overrides, and validates the result.
func Load(configPath string) (*AppConfig, error) {
	path := strings.TrimSpace(configPath)
	if path == "" {
		path = DefaultConfigPath
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %q: %w", path, err)
	}
	cfg, err := Parse(content, os.LookupEnv)
	if err != nil {
		return nil, fmt.Errorf("config %q: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML content on top of the defaults. lookup resolves
// environment overrides; nil disables them.
func Parse(content []byte, lookup func(string) (string, bool)) (*AppConfig, error) {
	cfg := defaultAppConfig()
	decoder := yaml.NewDecoder(bytes.NewReader(content))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse: %w", err)
	}

	if lookup != nil {
		applyEnvOverrides(&cfg, lookup)
	}
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	cfg.DSN = cfg.Database.DSNValue()
	cfg.RedisURL = cfg.Redis.URLValue()
	return &cfg, nil
}

// Default returns the configuration used when no file is supplied.
func Default() *AppConfig {
	cfg := defaultAppConfig()
	normalize(&cfg)
	cfg.DSN = cfg.Database.DSNValue()
	cfg.RedisURL = cfg.Redis.URLValue()
	return &cfg
}
