package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

func defaultAppConfig() AppConfig {
	stdout := true
	return AppConfig{
		Port:      defaultPort,
		Env:       defaultEnv,
		RateLimit: defaultRateLimit,
		Log:       LogConfig{Level: "info", Stdout: &stdout},
		Database: DatabaseRuntimeConfig{
			Driver:    defaultDBDriver,
			Path:      defaultSQLitePath,
			Host:      defaultDBHost,
			Port:      defaultDBPort,
			User:      defaultDBUser,
			Password:  defaultDBPassword,
			Name:      defaultDBName,
			Charset:   defaultDBCharset,
			ParseTime: true,
		},
		Redis: RedisRuntimeConfig{
			Enable: true,
			Host:   defaultRedisHost,
			Port:   defaultRedisPort,
		},
		Audio: AudioConfig{
			Driver:        defaultAudioDriver,
			Retention:     defaultAudioRetention,
			SweepInterval: defaultAudioSweepInterval,
			LocalDir:      defaultAudioLocalDir,
		},
		Transcription: TranscriptionConfig{
			MaxAttempts: defaultTranscriptionMaxAttempts,
			BatchSize:   defaultTranscriptionBatch,
			Interval:    defaultTranscriptionInterval,
			CallTimeout: defaultTranscriptionTimeout,
			Provider:    STTProvider{Model: defaultSTTModel},
		},
		Pronunciation: PronunciationConfig{
			SampleRate:     defaultSampleRate,
			FlagThreshold:  defaultFlagThreshold,
			FFmpegPath:     defaultFFmpegPath,
			ConvertTimeout: defaultConvertTimeout,
			CallTimeout:    defaultPronunciationTimeout,
		},
		Analysis: AnalysisConfig{
			MaxAttempts:  defaultAnalysisMaxAttempts,
			BatchSize:    defaultAnalysisBatch,
			Concurrency:  defaultAnalysisConcurrency,
			Workers:      defaultAnalysisWorkers,
			QueueSize:    defaultAnalysisQueue,
			Interval:     defaultAnalysisInterval,
			Delay:        defaultAnalysisDelay,
			CallTimeout:  defaultAnalysisTimeout,
			StaleAfter:   defaultAnalysisStaleAfter,
			HistoryLimit: defaultAnalysisHistoryLimit,
		},
		Lesson: LessonConfig{
			AutoCompleteInterval: defaultAutoCompleteInterval,
			AutoCompleteBatch:    defaultAutoCompleteBatch,
		},
	}
}

// applyEnvOverrides lets secrets and deployment endpoints come from the
// environment (or a .env file) instead of the YAML file.
func applyEnvOverrides(cfg *AppConfig, lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}

	str("LINGVO_ENV", &cfg.Env)
	if v, ok := lookup("LINGVO_PORT"); ok {
		if port, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.Port = port
		}
	}
	str("LINGVO_LOG_LEVEL", &cfg.Log.Level)
	str("LINGVO_DATABASE_DRIVER", &cfg.Database.Driver)
	str("LINGVO_DATABASE_DSN", &cfg.Database.DSN)
	str("LINGVO_DATABASE_PATH", &cfg.Database.Path)
	str("LINGVO_REDIS_URL", &cfg.Redis.URL)

	str("LINGVO_AUDIO_DRIVER", &cfg.Audio.Driver)
	str("LINGVO_S3_BUCKET", &cfg.Audio.S3.Bucket)
	str("LINGVO_S3_ENDPOINT", &cfg.Audio.S3.Endpoint)
	str("AWS_REGION", &cfg.Audio.S3.Region)
	str("AWS_ACCESS_KEY_ID", &cfg.Audio.S3.AccessKeyID)
	str("AWS_SECRET_ACCESS_KEY", &cfg.Audio.S3.SecretAccessKey)

	str("OPENAI_API_KEY", &cfg.Transcription.Provider.APIKey)
	str("LINGVO_STT_ENDPOINT", &cfg.Transcription.Provider.Endpoint)

	str("AZURE_SPEECH_KEY", &cfg.Pronunciation.Key)
	str("AZURE_SPEECH_REGION", &cfg.Pronunciation.Region)

	for i := range cfg.Analysis.Providers {
		p := &cfg.Analysis.Providers[i]
		if env := strings.TrimSpace(p.APIKeyEnv); env != "" {
			str(env, &p.APIKey)
		}
	}
}

func normalize(cfg *AppConfig) {
	cfg.Env = normalizeEnv(cfg.Env)
	cfg.AllowedOrigins = normalizeOrigins(cfg.AllowedOrigins)
	cfg.Log.Dir = strings.TrimSpace(cfg.Log.Dir)
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	cfg.Database = normalizeDatabaseConfig(cfg.Database)
	cfg.Redis = normalizeRedisConfig(cfg.Redis)

	cfg.Audio.Driver = strings.ToLower(strings.TrimSpace(cfg.Audio.Driver))
	cfg.Audio.LocalDir = strings.TrimSpace(cfg.Audio.LocalDir)
	cfg.Audio.S3.Bucket = strings.TrimSpace(cfg.Audio.S3.Bucket)
	cfg.Audio.S3.Region = strings.TrimSpace(cfg.Audio.S3.Region)
	cfg.Audio.S3.Endpoint = strings.TrimRight(strings.TrimSpace(cfg.Audio.S3.Endpoint), "/")
	if cfg.Audio.S3.Region == "" {
		cfg.Audio.S3.Region = "us-east-1"
	}

	cfg.Transcription.Provider.Model = strings.TrimSpace(cfg.Transcription.Provider.Model)
	if cfg.Transcription.Provider.Model == "" {
		cfg.Transcription.Provider.Model = defaultSTTModel
	}
	if strings.TrimSpace(cfg.Pronunciation.FFmpegPath) == "" {
		cfg.Pronunciation.FFmpegPath = defaultFFmpegPath
	}

	for i := range cfg.Analysis.Providers {
		p := &cfg.Analysis.Providers[i]
		p.ID = strings.TrimSpace(p.ID)
		p.Type = strings.TrimSpace(p.Type)
		p.APIKey = strings.TrimSpace(p.APIKey)
		p.Endpoint = strings.TrimSpace(p.Endpoint)
		p.DefaultModel = strings.TrimSpace(p.DefaultModel)
		if p.ID == "" {
			p.ID = fmt.Sprintf("provider-%d", i+1)
		}
	}
}

func validate(cfg *AppConfig) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("invalid port %d, expected 1-65535", cfg.Port)
	}
	switch cfg.Database.Driver {
	case "mysql":
		if cfg.Database.DSN == "" && (cfg.Database.Port < 1 || cfg.Database.Port > 65535) {
			return fmt.Errorf("invalid database.port %d, expected 1-65535", cfg.Database.Port)
		}
	case "sqlite":
		if cfg.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unknown database.driver %q, expected mysql or sqlite", cfg.Database.Driver)
	}
	if cfg.Redis.Enable && cfg.Redis.URL == "" && (cfg.Redis.Port < 1 || cfg.Redis.Port > 65535) {
		return fmt.Errorf("invalid redis.port %d, expected 1-65535", cfg.Redis.Port)
	}
	if cfg.RateLimit < 0 {
		return fmt.Errorf("invalid rate_limit %d, expected >= 0", cfg.RateLimit)
	}
	if cfg.Redis.DB < 0 {
		return fmt.Errorf("invalid redis.db %d, expected >= 0", cfg.Redis.DB)
	}

	switch cfg.Audio.Driver {
	case "local":
		if cfg.Audio.LocalDir == "" {
			return fmt.Errorf("audio.local_dir is required for the local driver")
		}
	case "s3":
		if cfg.Audio.S3.Bucket == "" {
			return fmt.Errorf("audio.s3.bucket is required for the s3 driver")
		}
	default:
		return fmt.Errorf("unknown audio.driver %q, expected s3 or local", cfg.Audio.Driver)
	}
	if cfg.Audio.Retention <= 0 {
		return fmt.Errorf("audio.retention must be positive")
	}

	if cfg.Transcription.MaxAttempts < 1 {
		return fmt.Errorf("transcription.max_attempts must be >= 1")
	}
	if cfg.Analysis.MaxAttempts < 1 {
		return fmt.Errorf("analysis.max_attempts must be >= 1")
	}
	if cfg.Analysis.Concurrency < 1 || cfg.Analysis.Workers < 1 {
		return fmt.Errorf("analysis.concurrency and analysis.workers must be >= 1")
	}
	if r := cfg.Pronunciation.SampleRate; r <= 0 || r > 1 {
		return fmt.Errorf("pronunciation.sample_rate %.2f out of range (0, 1]", r)
	}
	if cfg.Lesson.AutoCompleteBatch < 1 {
		return fmt.Errorf("lesson.auto_complete_batch must be >= 1")
	}

	for _, interval := range []struct {
		name  string
		value int64
	}{
		{"audio.sweep_interval", int64(cfg.Audio.SweepInterval)},
		{"transcription.interval", int64(cfg.Transcription.Interval)},
		{"analysis.interval", int64(cfg.Analysis.Interval)},
		{"lesson.auto_complete_interval", int64(cfg.Lesson.AutoCompleteInterval)},
	} {
		if interval.value <= 0 {
			return fmt.Errorf("%s must be positive", interval.name)
		}
	}
	return nil
}

func normalizeDatabaseConfig(cfg DatabaseRuntimeConfig) DatabaseRuntimeConfig {
	cfg.Driver = strings.ToLower(strings.TrimSpace(cfg.Driver))
	cfg.Path = strings.TrimSpace(cfg.Path)
	cfg.DSN = strings.TrimSpace(cfg.DSN)
	cfg.Host = strings.TrimSpace(cfg.Host)
	cfg.User = strings.TrimSpace(cfg.User)
	cfg.Password = strings.TrimSpace(cfg.Password)
	cfg.Name = strings.TrimSpace(cfg.Name)
	cfg.Charset = strings.TrimSpace(cfg.Charset)

	if cfg.Driver == "" {
		cfg.Driver = defaultDBDriver
	}
	if cfg.Host == "" {
		cfg.Host = defaultDBHost
	}
	if cfg.Port == 0 {
		cfg.Port = defaultDBPort
	}
	if cfg.User == "" {
		cfg.User = defaultDBUser
	}
	if cfg.Name == "" {
		cfg.Name = defaultDBName
	}
	if cfg.Charset == "" {
		cfg.Charset = defaultDBCharset
	}
	if cfg.Params != nil {
		cfg.Params = copyStringMap(cfg.Params)
	}
	return cfg
}

func normalizeRedisConfig(cfg RedisRuntimeConfig) RedisRuntimeConfig {
	cfg.URL = normalizeRedisRawURL(cfg.URL)
	cfg.Host = strings.TrimSpace(cfg.Host)
	cfg.Username = strings.TrimSpace(cfg.Username)
	cfg.Password = strings.TrimSpace(cfg.Password)

	if cfg.Host == "" && cfg.URL == "" {
		cfg.Host = defaultRedisHost
	}
	if cfg.Port == 0 {
		cfg.Port = defaultRedisPort
	}
	if cfg.Params != nil {
		cfg.Params = copyStringMap(cfg.Params)
	}
	return cfg
}

func normalizeRedisRawURL(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	if strings.HasPrefix(trimmed, "redis://") || strings.HasPrefix(trimmed, "rediss://") {
		return trimmed
	}
	return "redis://" + trimmed
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func normalizeEnv(env string) string {
	trimmed := strings.ToLower(strings.TrimSpace(env))
	if trimmed == "" {
		return defaultEnv
	}
	return trimmed
}

func copyStringMap(input map[string]string) map[string]string {
	if input == nil {
		return nil
	}
	out := make(map[string]string, len(input))
	for key, value := range input {
		k := strings.TrimSpace(key)
		v := strings.TrimSpace(value)
		if k != "" && v != "" {
			out[k] = v
		}
	}
	return out
}

// ExecutableDir returns the directory where the current executable resides.
func ExecutableDir() string {
	exe, err := os.Executable()
	if err == nil && strings.TrimSpace(exe) != "" {
		if resolved, resolveErr := filepath.EvalSymlinks(exe); resolveErr == nil && strings.TrimSpace(resolved) != "" {
			exe = resolved
		}
		return filepath.Dir(exe)
	}

	if wd, wdErr := os.Getwd(); wdErr == nil && strings.TrimSpace(wd) != "" {
		return wd
	}
	return "."
}

// ResolveRuntimePath resolves a relative data directory against the working
// directory, falling back to the executable directory.
func ResolveRuntimePath(raw string) string {
	target := strings.TrimSpace(raw)
	if target == "" {
		return ExecutableDir()
	}
	if filepath.IsAbs(target) {
		return filepath.Clean(target)
	}
	if wd, err := os.Getwd(); err == nil && wd != "" {
		return filepath.Clean(filepath.Join(wd, target))
	}
	return filepath.Clean(filepath.Join(ExecutableDir(), target))
}
