package app

import (
	"context"
	"fmt"
	"time"

	pkgcron "github.com/lingvo-space/core/internal/pkg/cron"
	"go.uber.org/zap"
)

const (
	jobAudioExpiry   = "audio_expiry_sweep"
	jobTranscription = "transcription_retry"
	jobAnalysis      = "analysis_retry"
	jobAutoComplete  = "lesson_auto_complete"
)

// registerCronJobs registers all scheduled background jobs.
func (a *App) registerCronJobs() {
	cronLogger := a.logger.Named("CronService")

	a.sched.Register(pkgcron.Job{
		Name:        jobAudioExpiry,
		Description: "Delete stored audio past its retention and flag the expired chunks",
		Interval:    a.cfg.Audio.SweepInterval,
		Fn: func(ctx context.Context) error {
			now := time.Now().UTC()
			res, err := a.audio.SweepExpired(ctx, now)
			if err != nil {
				return fmt.Errorf("sweep audio: %w", err)
			}
			n, err := a.transcripts.MarkExpiredChunks(ctx, now)
			if err != nil {
				return fmt.Errorf("mark expired chunks: %w", err)
			}
			cronLogger.Info("audio expiry sweep finished",
				zap.Int("deleted", res.Deleted),
				zap.Int("errors", res.Errors),
				zap.Int64("chunksExpired", n))
			return nil
		},
	})

	a.sched.Register(pkgcron.Job{
		Name:        jobTranscription,
		Description: "Retry failed transcription of uploaded audio chunks",
		Interval:    a.cfg.Transcription.Interval,
		Fn: func(ctx context.Context) error {
			_, err := a.engine.RetryAll(ctx)
			return err
		},
	})

	a.sched.Register(pkgcron.Job{
		Name:        jobAnalysis,
		Description: "Retry failed and stale lesson analyses",
		Interval:    a.cfg.Analysis.Interval,
		Delay:       a.cfg.Analysis.Delay,
		Fn: func(ctx context.Context) error {
			_, err := a.analyses.RetryFailed(ctx)
			return err
		},
	})

	a.sched.Register(pkgcron.Job{
		Name:        jobAutoComplete,
		Description: "Close transcripts of lessons past their scheduled end",
		Interval:    a.cfg.Lesson.AutoCompleteInterval,
		Fn: func(ctx context.Context) error {
			_, err := a.completer.Sweep(ctx)
			return err
		},
	})
}
