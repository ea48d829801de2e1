package config

import "time"

const (
	// DefaultConfigPath is used when --config is not provided.
	DefaultConfigPath = "config.yml"
	defaultPort       = 2333
	defaultEnv        = "development"
	defaultRateLimit  = 50

	defaultDBDriver   = "mysql"
	defaultDBHost     = "127.0.0.1"
	defaultDBPort     = 3306
	defaultDBUser     = "root"
	defaultDBPassword = "password"
	defaultDBName     = "lingvo"
	defaultDBCharset  = "utf8mb4"
	defaultSQLitePath = "data/lingvo.db"

	defaultRedisHost = "localhost"
	defaultRedisPort = 6379

	defaultAudioDriver        = "local"
	defaultAudioLocalDir      = "data/audio"
	defaultAudioRetention     = 48 * time.Hour
	defaultAudioSweepInterval = 6 * time.Hour

	defaultTranscriptionMaxAttempts = 3
	defaultTranscriptionBatch       = 50
	defaultTranscriptionInterval    = time.Hour
	defaultTranscriptionTimeout     = 2 * time.Minute
	defaultSTTModel                 = "whisper-1"

	defaultSampleRate           = 0.15
	defaultFlagThreshold        = 60
	defaultFFmpegPath           = "ffmpeg"
	defaultConvertTimeout       = 10 * time.Second
	defaultPronunciationTimeout = 30 * time.Second

	defaultAnalysisMaxAttempts  = 3
	defaultAnalysisBatch        = 20
	defaultAnalysisConcurrency  = 3
	defaultAnalysisWorkers      = 2
	defaultAnalysisQueue        = 64
	defaultAnalysisInterval     = time.Hour
	defaultAnalysisDelay        = 20 * time.Minute
	defaultAnalysisTimeout      = 2 * time.Minute
	defaultAnalysisStaleAfter   = 30 * time.Minute
	defaultAnalysisHistoryLimit = 5

	defaultAutoCompleteInterval = time.Minute
	defaultAutoCompleteBatch    = 100
)
