// Package analysis owns the per-lesson AI analysis record: creating it once,
// claiming it for processing and retrying bounded failures.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lingvo-space/core/internal/models"
	"github.com/lingvo-space/core/internal/modules/presence"
	"github.com/lingvo-space/core/internal/modules/pronunciation"
	"github.com/lingvo-space/core/internal/modules/transcript"
	"github.com/lingvo-space/core/internal/pkg/apperr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	maxErrorLen = 1024

	unavailableMessage = "analysis unavailable"
	inProgressMessage  = "analysis in progress"
)

// ErrNotClaimed is returned by Process when the record is not in a state
// this caller may process, usually because another worker holds it.
var ErrNotClaimed = fmt.Errorf("analysis not claimable: %w", apperr.ErrInvalidState)

// LevelSource resolves the student's declared level for a lesson.
type LevelSource interface {
	StudentLevel(ctx context.Context, lessonID string) (string, error)
}

// PronunciationAssessor scores a sample of the student's speech.
type PronunciationAssessor interface {
	AssessSession(ctx context.Context, t *models.Transcript, segs []models.TranscriptSegment, chunks []models.AudioChunk, level string) (*pronunciation.Summary, error)
}

type Notifier interface {
	NotifyAll(ctx context.Context, ev presence.Event, userIDs ...string) int
}

type Config struct {
	MaxAttempts  int
	BatchSize    int
	Concurrency  int
	Workers      int
	QueueSize    int
	CallTimeout  time.Duration
	StaleAfter   time.Duration
	HistoryLimit int
}

func (c *Config) defaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 3
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 2 * time.Minute
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 30 * time.Minute
	}
	if c.HistoryLimit < 0 {
		c.HistoryLimit = 0
	}
}

type Service struct {
	db          *gorm.DB
	transcripts *transcript.Service
	gen         Generator
	cfg         Config

	levels        LevelSource
	pronunciation PronunciationAssessor
	notifier      Notifier
	dispatcher    *Dispatcher
	logger        *zap.Logger
	now           func() time.Time
}

type Option func(*Service)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLevels(l LevelSource) Option {
	return func(s *Service) { s.levels = l }
}

func WithPronunciation(p PronunciationAssessor) Option {
	return func(s *Service) { s.pronunciation = p }
}

func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

func NewService(db *gorm.DB, transcripts *transcript.Service, gen Generator, cfg Config, opts ...Option) *Service {
	cfg.defaults()
	s := &Service{
		db:          db,
		transcripts: transcripts,
		gen:         gen,
		cfg:         cfg,
		logger:      zap.NewNop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.dispatcher = NewDispatcher(cfg.Workers, cfg.QueueSize, s.runQueued, s.logger)
	return s
}

// Start runs the background workers until ctx ends.
func (s *Service) Start(ctx context.Context) { s.dispatcher.Start(ctx) }

// Wait blocks until the background workers have stopped.
func (s *Service) Wait() { s.dispatcher.Wait() }

func (s *Service) runQueued(ctx context.Context, id string) {
	if err := s.Process(ctx, id); err != nil && !errors.Is(err, ErrNotClaimed) {
		s.logger.Warn("queued analysis failed", zap.String("analysisId", id), zap.Error(err))
	}
}

// Ensure returns the analysis for a lesson, creating a pending one if none
// exists. Concurrent callers always end up with the same row.
func (s *Service) Ensure(ctx context.Context, lessonID string) (*models.Analysis, error) {
	lessonID = strings.TrimSpace(lessonID)
	if lessonID == "" {
		return nil, errors.New("analysis: lesson id is required")
	}
	db := s.db.WithContext(ctx)

	row := &models.Analysis{
		LessonID: lessonID,
		Status:   models.AnalysisPending,
		CanRetry: true,
	}
	if t, err := s.transcripts.ForLesson(ctx, lessonID); err == nil {
		row.TranscriptID = t.ID
		row.StudentID = t.StudentID
		row.TutorID = t.TutorID
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}

	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "lesson_id"}},
		DoNothing: true,
	}).Create(row).Error
	if err != nil {
		return nil, fmt.Errorf("create analysis: %w", err)
	}

	var out models.Analysis
	if err := db.Where("lesson_id = ?", lessonID).First(&out).Error; err != nil {
		return nil, fmt.Errorf("load analysis: %w", err)
	}
	if out.ID == row.ID {
		s.logger.Info("analysis created", zap.String("analysisId", out.ID), zap.String("lessonId", lessonID))
	}
	return &out, nil
}

// Exists reports whether a lesson already has an analysis record.
func (s *Service) Exists(ctx context.Context, lessonID string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Analysis{}).Where("lesson_id = ?", lessonID).Count(&n).Error
	return n > 0, err
}

// Trigger ensures the lesson's analysis exists and queues it unless it is
// completed, running or permanently failed.
func (s *Service) Trigger(ctx context.Context, lessonID string) (*models.Analysis, error) {
	a, err := s.Ensure(ctx, lessonID)
	if err != nil {
		return nil, err
	}
	if s.claimable(a) {
		if s.dispatcher.Submit(a.ID) {
			s.logger.Debug("analysis queued", zap.String("analysisId", a.ID), zap.String("lessonId", lessonID))
		}
	}
	return a, nil
}

func (s *Service) claimable(a *models.Analysis) bool {
	switch a.Status {
	case models.AnalysisPending:
		return true
	case models.AnalysisFailed:
		return a.CanRetry && a.RetryAttempts < s.cfg.MaxAttempts
	default:
		return false
	}
}

// claim moves the row to processing. Every claim counts as an attempt.
func (s *Service) claim(ctx context.Context, id string, now time.Time) (*models.Analysis, error) {
	db := s.db.WithContext(ctx)
	staleBefore := now.Add(-s.cfg.StaleAfter)
	res := db.Model(&models.Analysis{}).
		Where("id = ?", id).
		Where(db.Where("status = ?", models.AnalysisPending).
			Or("status = ? AND can_retry = ? AND retry_attempts < ?", models.AnalysisFailed, true, s.cfg.MaxAttempts).
			Or("status = ? AND claimed_at < ? AND retry_attempts < ?", models.AnalysisProcessing, staleBefore, s.cfg.MaxAttempts)).
		Updates(map[string]interface{}{
			"status":             models.AnalysisProcessing,
			"claimed_at":         now,
			"last_retry_attempt": now,
			"retry_attempts":     gorm.Expr("retry_attempts + 1"),
			"updated_at":         now,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("claim analysis: %w", res.Error)
	}
	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected == 0 {
		return a, ErrNotClaimed
	}
	return a, nil
}

// Process runs one attempt for an analysis. It returns nil when the attempt
// completed the analysis, ErrNotClaimed when the record was not claimable,
// and the attempt's error otherwise; the failure is already recorded.
func (s *Service) Process(ctx context.Context, id string) error {
	now := s.now().UTC()
	a, err := s.claim(ctx, id, now)
	if err != nil {
		return err
	}
	log := s.logger.With(zap.String("analysisId", a.ID), zap.String("lessonId", a.LessonID), zap.Int("attempt", a.RetryAttempts))

	payload, err := s.generate(ctx, a)
	if err != nil {
		if ferr := s.recordFailure(ctx, a, err); ferr != nil {
			log.Error("record analysis failure", zap.Error(ferr))
			return errors.Join(err, ferr)
		}
		log.Warn("analysis attempt failed", zap.Bool("permanent", apperr.IsPermanent(err)), zap.Error(err))
		return err
	}
	if err := s.recordSuccess(ctx, a, payload); err != nil {
		log.Error("record analysis result", zap.Error(err))
		return err
	}
	log.Info("analysis completed", zap.String("proficiencyLevel", payload.ProficiencyLevel))

	if s.notifier != nil {
		s.notifier.NotifyAll(ctx, presence.Event{
			Type:         presence.EventAnalysisCompleted,
			LessonID:     a.LessonID,
			TranscriptID: a.TranscriptID,
			AnalysisID:   a.ID,
		}, a.StudentID, a.TutorID)
	}
	return nil
}

func (s *Service) generate(ctx context.Context, a *models.Analysis) (*Payload, error) {
	t, err := s.resolveTranscript(ctx, a)
	if err != nil {
		return nil, err
	}
	if t.Status == models.TranscriptFailed {
		return nil, fmt.Errorf("transcript %s failed: %w", t.ID, apperr.ErrEmptyTranscript)
	}
	segs, err := s.transcripts.Segments(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	usable := make([]models.TranscriptSegment, 0, len(segs))
	student := 0
	for _, seg := range segs {
		if strings.TrimSpace(seg.Text) == "" {
			continue
		}
		if seg.Speaker == models.SpeakerStudent {
			student++
		}
		usable = append(usable, seg)
	}
	if student == 0 {
		return nil, fmt.Errorf("transcript %s: %w", t.ID, apperr.ErrEmptyTranscript)
	}

	level := ""
	if s.levels != nil {
		if level, err = s.levels.StudentLevel(ctx, a.LessonID); err != nil {
			s.logger.Debug("student level unavailable", zap.String("lessonId", a.LessonID), zap.Error(err))
			level = ""
		}
	}

	prior, err := s.prior(ctx, a)
	if err != nil {
		return nil, err
	}

	in := Input{
		LessonID:     a.LessonID,
		Language:     t.Language,
		StudentLevel: level,
		StartTime:    t.StartTime,
		Segments:     usable,
		Metadata:     t.Metadata,
		Prior:        prior,
	}
	if s.pronunciation != nil {
		in.Pronunciation = s.assessPronunciation(ctx, t, usable, level)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	report, err := s.gen.Generate(callCtx, in)
	if err != nil {
		return nil, err
	}

	p := &Payload{Report: *report, Pronunciation: in.Pronunciation, Metadata: t.Metadata}
	for _, pa := range prior {
		p.PriorLessons = append(p.PriorLessons, pa.LessonID)
	}
	return p, nil
}

func (s *Service) assessPronunciation(ctx context.Context, t *models.Transcript, segs []models.TranscriptSegment, level string) *pronunciation.Summary {
	chunks, err := s.transcripts.ChunksForTranscript(ctx, t.ID)
	if err != nil {
		s.logger.Warn("load chunks for pronunciation", zap.String("transcriptId", t.ID), zap.Error(err))
		return nil
	}
	sum, err := s.pronunciation.AssessSession(ctx, t, segs, chunks, level)
	if err != nil {
		s.logger.Warn("pronunciation assessment skipped", zap.String("transcriptId", t.ID), zap.Error(err))
		return nil
	}
	return sum
}

// resolveTranscript loads the analysis' transcript, binding it to the row on
// first sight.
func (s *Service) resolveTranscript(ctx context.Context, a *models.Analysis) (*models.Transcript, error) {
	var (
		t   *models.Transcript
		err error
	)
	if a.TranscriptID != "" {
		t, err = s.transcripts.Get(ctx, a.TranscriptID)
	} else {
		t, err = s.transcripts.ForLesson(ctx, a.LessonID)
	}
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, fmt.Errorf("lesson %s: %w", a.LessonID, apperr.ErrMissingTranscript)
	}
	if err != nil {
		return nil, err
	}
	if a.TranscriptID != t.ID || a.StudentID == "" || a.TutorID == "" {
		err := s.db.WithContext(ctx).Model(&models.Analysis{}).Where("id = ?", a.ID).Updates(map[string]interface{}{
			"transcript_id": t.ID,
			"student_id":    t.StudentID,
			"tutor_id":      t.TutorID,
		}).Error
		if err != nil {
			return nil, err
		}
		a.TranscriptID, a.StudentID, a.TutorID = t.ID, t.StudentID, t.TutorID
	}
	return t, nil
}

// prior loads earlier completed analyses for the same student and tutor,
// newest first.
func (s *Service) prior(ctx context.Context, a *models.Analysis) ([]PriorAnalysis, error) {
	if s.cfg.HistoryLimit == 0 || a.StudentID == "" || a.TutorID == "" {
		return nil, nil
	}
	var rows []models.Analysis
	err := s.db.WithContext(ctx).
		Where("student_id = ? AND tutor_id = ? AND status = ? AND id <> ?", a.StudentID, a.TutorID, models.AnalysisCompleted, a.ID).
		Order("completed_at DESC").
		Limit(s.cfg.HistoryLimit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load prior analyses: %w", err)
	}
	out := make([]PriorAnalysis, 0, len(rows))
	for _, r := range rows {
		var p Payload
		if err := json.Unmarshal(r.Payload, &p); err != nil {
			s.logger.Debug("skip unreadable prior analysis", zap.String("analysisId", r.ID), zap.Error(err))
			continue
		}
		pa := PriorAnalysis{
			LessonID:         r.LessonID,
			ProficiencyLevel: r.ProficiencyLevel,
			Summary:          p.Summary,
			Areas:            p.AreasForImprovement,
		}
		if r.CompletedAt != nil {
			pa.CompletedAt = *r.CompletedAt
		}
		out = append(out, pa)
	}
	return out, nil
}

func (s *Service) recordSuccess(ctx context.Context, a *models.Analysis, p *Payload) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	res := s.db.WithContext(ctx).Model(&models.Analysis{}).
		Where("id = ? AND status = ? AND retry_attempts = ?", a.ID, models.AnalysisProcessing, a.RetryAttempts).
		Updates(map[string]interface{}{
			"status":            models.AnalysisCompleted,
			"can_retry":         false,
			"error":             nil,
			"payload":           datatypes.JSON(raw),
			"proficiency_level": p.ProficiencyLevel,
			"completed_at":      now,
			"updated_at":        now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("analysis %s was reclaimed: %w", a.ID, apperr.ErrInvalidState)
	}
	return nil
}

func (s *Service) recordFailure(ctx context.Context, a *models.Analysis, cause error) error {
	canRetry := !apperr.IsPermanent(cause) && a.RetryAttempts < s.cfg.MaxAttempts
	msg := truncate(cause.Error(), maxErrorLen)
	res := s.db.WithContext(ctx).Model(&models.Analysis{}).
		Where("id = ? AND status = ? AND retry_attempts = ?", a.ID, models.AnalysisProcessing, a.RetryAttempts).
		Updates(map[string]interface{}{
			"status":     models.AnalysisFailed,
			"error":      msg,
			"can_retry":  canRetry,
			"updated_at": s.now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if !canRetry {
		s.logger.Warn("analysis permanently failed", zap.String("analysisId", a.ID), zap.String("lessonId", a.LessonID), zap.Int("attempts", a.RetryAttempts))
	}
	return nil
}

type RetryResult struct {
	Retried   int `json:"retried"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// RetryFailed runs one attempt for every retryable analysis, including
// pending and processing rows that have been left behind.
func (s *Service) RetryFailed(ctx context.Context) (RetryResult, error) {
	var result RetryResult
	now := s.now().UTC()
	staleBefore := now.Add(-s.cfg.StaleAfter)
	db := s.db.WithContext(ctx)

	abandoned := db.Model(&models.Analysis{}).
		Where("status = ? AND claimed_at < ? AND retry_attempts >= ?", models.AnalysisProcessing, staleBefore, s.cfg.MaxAttempts).
		Updates(map[string]interface{}{
			"status":     models.AnalysisFailed,
			"can_retry":  false,
			"error":      "processing abandoned after final attempt",
			"updated_at": now,
		})
	if abandoned.Error != nil {
		return result, abandoned.Error
	}
	if abandoned.RowsAffected > 0 {
		s.logger.Warn("abandoned analyses marked failed", zap.Int64("count", abandoned.RowsAffected))
	}

	var ids []string
	err := db.Model(&models.Analysis{}).
		Where(db.Where("status = ? AND can_retry = ? AND retry_attempts < ?", models.AnalysisFailed, true, s.cfg.MaxAttempts).
			Or("status = ? AND claimed_at < ?", models.AnalysisProcessing, staleBefore).
			Or("status = ? AND created_at < ?", models.AnalysisPending, staleBefore)).
		Order("updated_at ASC").
		Limit(s.cfg.BatchSize).
		Pluck("id", &ids).Error
	if err != nil {
		return result, fmt.Errorf("select retryable analyses: %w", err)
	}

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(s.cfg.Concurrency)
	for _, id := range ids {
		g.Go(func() error {
			err := s.Process(ctx, id)
			if errors.Is(err, ErrNotClaimed) {
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			result.Retried++
			if err != nil {
				result.Failed++
			} else {
				result.Succeeded++
			}
			return nil
		})
	}
	_ = g.Wait()

	if result.Retried > 0 {
		s.logger.Info("analysis retry finished",
			zap.Int("retried", result.Retried),
			zap.Int("succeeded", result.Succeeded),
			zap.Int("failed", result.Failed),
		)
	}
	return result, nil
}

// Retry runs one attempt for a single analysis now. Completed and
// permanently failed analyses are rejected.
func (s *Service) Retry(ctx context.Context, id string) (*models.Analysis, error) {
	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.claimable(a) {
		return a, fmt.Errorf("analysis %s is %s (retryable=%v): %w", a.ID, a.Status, a.CanRetry, apperr.ErrInvalidState)
	}
	if err := s.Process(ctx, id); errors.Is(err, ErrNotClaimed) {
		return a, err
	}
	return s.Get(ctx, id)
}

func (s *Service) Get(ctx context.Context, id string) (*models.Analysis, error) {
	var a models.Analysis
	if err := s.db.WithContext(ctx).First(&a, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("analysis %s: %w", id, apperr.ErrNotFound)
		}
		return nil, err
	}
	return &a, nil
}

func (s *Service) GetByLesson(ctx context.Context, lessonID string) (*models.Analysis, error) {
	var a models.Analysis
	if err := s.db.WithContext(ctx).First(&a, "lesson_id = ?", lessonID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("analysis for lesson %s: %w", lessonID, apperr.ErrNotFound)
		}
		return nil, err
	}
	return &a, nil
}

type Stats struct {
	PendingRetries    int64 `json:"pendingRetries"`
	PermanentlyFailed int64 `json:"permanentlyFailed"`
	TotalFailed       int64 `json:"totalFailed"`
	Completed         int64 `json:"completed"`
	Processing        int64 `json:"processing"`
	Pending           int64 `json:"pending"`
}

func (s *Service) Stats(ctx context.Context) (Stats, error) {
	var rows []struct {
		Status    models.AnalysisStatus
		Retryable bool
		N         int64
	}
	err := s.db.WithContext(ctx).Model(&models.Analysis{}).
		Select("status, (can_retry AND retry_attempts < ?) AS retryable, COUNT(*) AS n", s.cfg.MaxAttempts).
		Group("status, retryable").
		Scan(&rows).Error
	if err != nil {
		return Stats{}, err
	}
	var st Stats
	for _, r := range rows {
		switch r.Status {
		case models.AnalysisPending:
			st.Pending += r.N
		case models.AnalysisProcessing:
			st.Processing += r.N
		case models.AnalysisCompleted:
			st.Completed += r.N
		case models.AnalysisFailed:
			st.TotalFailed += r.N
			if r.Retryable {
				st.PendingRetries += r.N
			} else {
				st.PermanentlyFailed += r.N
			}
		}
	}
	return st, nil
}

// View is the end-user projection of an analysis. Provider errors never
// appear in it.
type View struct {
	LessonID    string     `json:"lessonId"`
	Status      string     `json:"status"`
	Message     string     `json:"message,omitempty"`
	Report      *Payload   `json:"report,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

func (s *Service) ForLesson(ctx context.Context, lessonID string) (*View, error) {
	a, err := s.GetByLesson(ctx, lessonID)
	if err != nil {
		return nil, err
	}
	v := &View{LessonID: lessonID}
	switch {
	case a.Status == models.AnalysisCompleted:
		var p Payload
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			s.logger.Error("decode analysis payload", zap.String("analysisId", a.ID), zap.Error(err))
			v.Status, v.Message = "unavailable", unavailableMessage
			return v, nil
		}
		v.Status = string(models.AnalysisCompleted)
		v.Report = &p
		v.CompletedAt = a.CompletedAt
	case a.Status == models.AnalysisFailed && !(a.CanRetry && a.RetryAttempts < s.cfg.MaxAttempts):
		v.Status, v.Message = "unavailable", unavailableMessage
	default:
		v.Status, v.Message = "pending", inProgressMessage
	}
	return v, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
