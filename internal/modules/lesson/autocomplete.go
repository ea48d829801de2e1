package lesson

import (
	"context"
	"errors"
	"time"

	"github.com/lingvo-space/core/internal/models"
	"github.com/lingvo-space/core/internal/modules/presence"
	"github.com/lingvo-space/core/internal/modules/transcript"
	"github.com/lingvo-space/core/internal/pkg/apperr"
	"go.uber.org/zap"
)

const (
	DefaultBatchSize = 100

	noStudentSpeech = "no student speech recorded"
)

// AnalysisTrigger starts analysis for a lesson.
type AnalysisTrigger interface {
	Exists(ctx context.Context, lessonID string) (bool, error)
	Trigger(ctx context.Context, lessonID string) (*models.Analysis, error)
}

type Notifier interface {
	NotifyAll(ctx context.Context, ev presence.Event, userIDs ...string) int
}

type SweepResult struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

// AutoCompleter closes transcripts whose lesson has passed its scheduled end.
type AutoCompleter struct {
	transcripts *transcript.Service
	lessons     Directory
	finalizer   Finalizer
	analyses    AnalysisTrigger
	notifier    Notifier
	batch       int
	logger      *zap.Logger
	now         func() time.Time
}

type Option func(*AutoCompleter)

func WithLogger(logger *zap.Logger) Option {
	return func(a *AutoCompleter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(a *AutoCompleter) {
		if now != nil {
			a.now = now
		}
	}
}

func WithNotifier(n Notifier) Option {
	return func(a *AutoCompleter) { a.notifier = n }
}

func WithBatchSize(n int) Option {
	return func(a *AutoCompleter) {
		if n > 0 {
			a.batch = n
		}
	}
}

func NewAutoCompleter(transcripts *transcript.Service, lessons Directory, finalizer Finalizer, analyses AnalysisTrigger, opts ...Option) *AutoCompleter {
	a := &AutoCompleter{
		transcripts: transcripts,
		lessons:     lessons,
		finalizer:   finalizer,
		analyses:    analyses,
		batch:       DefaultBatchSize,
		logger:      zap.NewNop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeCompleted
	outcomeFailed
)

// Sweep visits one batch of active transcripts. Per-transcript errors are
// logged and counted; only failing to list the batch is returned.
func (a *AutoCompleter) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	active, err := a.transcripts.Active(ctx, a.batch)
	if err != nil {
		return res, err
	}
	for i := range active {
		t := &active[i]
		o, err := a.complete(ctx, t)
		if err != nil {
			res.Errors++
			a.logger.Error("auto-complete transcript",
				zap.String("transcriptId", t.ID),
				zap.String("lessonId", t.LessonID),
				zap.Error(err),
			)
			continue
		}
		switch o {
		case outcomeCompleted:
			res.Completed++
		case outcomeFailed:
			res.Failed++
		default:
			res.Skipped++
		}
	}
	if res.Completed+res.Failed+res.Errors > 0 {
		a.logger.Info("auto-complete sweep finished",
			zap.Int("completed", res.Completed),
			zap.Int("failed", res.Failed),
			zap.Int("skipped", res.Skipped),
			zap.Int("errors", res.Errors),
		)
	}
	return res, nil
}

func (a *AutoCompleter) complete(ctx context.Context, t *models.Transcript) (outcome, error) {
	now := a.now().UTC()
	l, err := a.lessons.Lesson(ctx, t.LessonID)
	if err != nil {
		return outcomeSkipped, err
	}
	if now.Before(l.ScheduledEnd) {
		return outcomeSkipped, nil
	}
	log := a.logger.With(zap.String("transcriptId", t.ID), zap.String("lessonId", t.LessonID))

	n, err := a.transcripts.StudentSegmentCount(ctx, t.ID)
	if err != nil {
		return outcomeSkipped, err
	}
	if n == 0 {
		if err := a.transcripts.MarkFailed(ctx, t.ID, noStudentSpeech); err != nil {
			return outcomeSkipped, skipClosed(err)
		}
		log.Info("transcript failed: no student speech")
		return outcomeFailed, nil
	}

	_, frozen, err := a.transcripts.FreezeOnce(ctx, t.ID, now)
	if err != nil {
		return outcomeSkipped, skipClosed(err)
	}
	if !frozen {
		log.Debug("transcript closed by another closer")
		return outcomeSkipped, nil
	}
	if fin, err := a.finalizer.Finalize(ctx, t.LessonID, now); err != nil {
		log.Warn("finalize lesson failed", zap.Error(err))
	} else if fin.Updated {
		log.Info("lesson finalized", zap.Int64("durationSeconds", fin.DurationSeconds))
	}

	if a.notifier != nil {
		a.notifier.NotifyAll(ctx, presence.Event{
			Type:         presence.EventLessonCompleted,
			LessonID:     t.LessonID,
			TranscriptID: t.ID,
		}, t.StudentID, t.TutorID)
	}

	exists, err := a.analyses.Exists(ctx, t.LessonID)
	if err != nil {
		return outcomeCompleted, err
	}
	if !exists {
		if _, err := a.analyses.Trigger(ctx, t.LessonID); err != nil {
			return outcomeCompleted, err
		}
	}
	return outcomeCompleted, nil
}

// skipClosed turns a lost race with another closer into a no-op.
func skipClosed(err error) error {
	if errors.Is(err, apperr.ErrInvalidState) {
		return nil
	}
	return err
}
