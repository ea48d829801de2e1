package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lingvo-space/core/internal/config"
	"github.com/lingvo-space/core/internal/database"
	"github.com/lingvo-space/core/internal/middleware"
	"github.com/lingvo-space/core/internal/modules/analysis"
	"github.com/lingvo-space/core/internal/modules/audiostore"
	"github.com/lingvo-space/core/internal/modules/lesson"
	"github.com/lingvo-space/core/internal/modules/presence"
	"github.com/lingvo-space/core/internal/modules/pronunciation"
	"github.com/lingvo-space/core/internal/modules/transcript"
	"github.com/lingvo-space/core/internal/modules/transcription"
	pkgcron "github.com/lingvo-space/core/internal/pkg/cron"
	pkgredis "github.com/lingvo-space/core/internal/pkg/redis"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// App holds all application dependencies.
type App struct {
	cfg    *config.AppConfig
	router *gin.Engine
	db     *gorm.DB
	rc     *pkgredis.Client
	logger *zap.Logger
	cancel context.CancelFunc
	sched  *pkgcron.Scheduler

	audio       *audiostore.Store
	transcripts *transcript.Service
	engine      *transcription.Engine
	analyses    *analysis.Service
	lessons     *lesson.Store
	completer   *lesson.AutoCompleter
}

// New initializes the application: DB → Redis → audio store → pipeline → routes.
func New(logger *zap.Logger, cfg *config.AppConfig) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := database.Connect(cfg, true)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}

	var rc *pkgredis.Client
	if cfg.Redis.Enable {
		if rc, err = pkgredis.Connect(cfg.RedisURL); err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
	} else {
		logger.Warn("redis disabled, presence notifications are off")
	}

	backend, err := newAudioBackend(cfg.Audio)
	if err != nil {
		return nil, fmt.Errorf("audio store: %w", err)
	}
	audio := audiostore.New(backend,
		audiostore.WithLogger(logger.Named("AudioStore")),
		audiostore.WithRetention(cfg.Audio.Retention),
	)

	stt, err := transcription.NewOpenAIProvider(cfg.Transcription.Provider,
		transcription.WithProviderLogger(logger.Named("SpeechToText")))
	if err != nil {
		return nil, fmt.Errorf("speech-to-text: %w", err)
	}

	transcripts := transcript.NewService(db, transcript.WithLogger(logger.Named("TranscriptService")))
	engine := transcription.NewEngine(transcripts, audio, stt, transcription.Config{
		MaxAttempts: cfg.Transcription.MaxAttempts,
		BatchSize:   cfg.Transcription.BatchSize,
		CallTimeout: cfg.Transcription.CallTimeout,
	}, transcription.WithLogger(logger.Named("TranscriptionEngine")))

	lessons := lesson.NewStore(db)
	analysisOpts := []analysis.Option{
		analysis.WithLogger(logger.Named("AnalysisService")),
		analysis.WithLevels(lessons),
	}
	completerOpts := []lesson.Option{
		lesson.WithLogger(logger.Named("AutoComplete")),
		lesson.WithBatchSize(cfg.Lesson.AutoCompleteBatch),
	}
	if rc != nil {
		notifier := presence.New(rc, presence.WithLogger(logger.Named("Presence")))
		analysisOpts = append(analysisOpts, analysis.WithNotifier(notifier))
		completerOpts = append(completerOpts, lesson.WithNotifier(notifier))
	}
	if assessor := newPronunciation(cfg.Pronunciation, audio, logger); assessor != nil {
		analysisOpts = append(analysisOpts, analysis.WithPronunciation(assessor))
	}

	gen := analysis.NewLLMGenerator(cfg.Analysis, analysis.WithGeneratorLogger(logger.Named("AnalysisGenerator")))
	analyses := analysis.NewService(db, transcripts, gen, analysis.Config{
		MaxAttempts:  cfg.Analysis.MaxAttempts,
		BatchSize:    cfg.Analysis.BatchSize,
		Concurrency:  cfg.Analysis.Concurrency,
		Workers:      cfg.Analysis.Workers,
		QueueSize:    cfg.Analysis.QueueSize,
		CallTimeout:  cfg.Analysis.CallTimeout,
		StaleAfter:   cfg.Analysis.StaleAfter,
		HistoryLimit: cfg.Analysis.HistoryLimit,
	}, analysisOpts...)
	completer := lesson.NewAutoCompleter(transcripts, lessons, lessons, analyses, completerOpts...)

	if cfg.IsDev() {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.HandleMethodNotAllowed = true
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(logger))
	if rc != nil {
		router.Use(middleware.RateLimit(rc.Raw(), cfg.RateLimit, logger.Named("RateLimit")))
	}
	router.Use(newCORS(cfg))

	ctx, cancel := context.WithCancel(context.Background())
	analyses.Start(ctx)

	sched := pkgcron.New(pkgcron.WithLogger(logger.Named("CronService")))
	app := &App{
		cfg:         cfg,
		router:      router,
		db:          db,
		rc:          rc,
		logger:      logger,
		cancel:      cancel,
		sched:       sched,
		audio:       audio,
		transcripts: transcripts,
		engine:      engine,
		analyses:    analyses,
		lessons:     lessons,
		completer:   completer,
	}
	app.registerCronJobs()
	sched.Start(ctx)
	app.registerRoutes()

	return app, nil
}

func newAudioBackend(cfg config.AudioConfig) (audiostore.Backend, error) {
	if cfg.Driver == "s3" {
		return audiostore.NewS3Backend(cfg.S3)
	}
	return audiostore.NewLocalBackend(cfg.LocalDir)
}

// newPronunciation returns nil when assessment is disabled or unconfigured.
func newPronunciation(cfg config.PronunciationConfig, audio *audiostore.Store, logger *zap.Logger) *pronunciation.Service {
	if !cfg.Enable {
		return nil
	}
	azure, err := pronunciation.NewAzureAssessor(cfg.Key, cfg.Region, cfg.Endpoint)
	if err != nil {
		logger.Warn("pronunciation assessment disabled", zap.Error(err))
		return nil
	}
	return pronunciation.NewService(azure, pronunciation.NewFFmpeg(cfg.FFmpegPath, cfg.ConvertTimeout), audio,
		pronunciation.Config{
			SampleRate:    cfg.SampleRate,
			FlagThreshold: cfg.FlagThreshold,
			CallTimeout:   cfg.CallTimeout,
		},
		pronunciation.WithLogger(logger.Named("Pronunciation")))
}

// Addr returns the listen address.
func (a *App) Addr() string { return fmt.Sprintf(":%d", a.cfg.Port) }

// Router returns the HTTP handler.
func (a *App) Router() http.Handler { return a.router }

// Shutdown stops background work and releases connections. Running jobs and
// analyses finish before it returns; queued analyses are left to the retry sweep.
func (a *App) Shutdown() {
	a.cancel()
	a.sched.Wait()
	a.analyses.Wait()
	if a.rc != nil {
		if err := a.rc.Close(); err != nil {
			a.logger.Warn("close redis", zap.Error(err))
		}
	}
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

var processStart = time.Now()
