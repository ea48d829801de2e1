// Package transcript owns the transcript state machine and the audio chunks
// recorded for it.
package transcript

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lingvo-space/core/internal/models"
	"github.com/lingvo-space/core/internal/pkg/apperr"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var activeStatuses = []models.TranscriptStatus{models.TranscriptRecording, models.TranscriptProcessing}

// Service is the transcript aggregator. Every state transition is a single
// conditional UPDATE on the current status, so overlapping callers cannot
// both win.
type Service struct {
	db     *gorm.DB
	logger *zap.Logger
	now    func() time.Time
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

func NewService(db *gorm.DB, opts ...Option) *Service {
	s := &Service{db: db, logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type StartParams struct {
	LessonID  string
	StudentID string
	TutorID   string
	Language  string
	StartTime time.Time
}

// Start opens a transcript in the recording state.
func (s *Service) Start(ctx context.Context, p StartParams) (*models.Transcript, error) {
	if p.LessonID == "" || p.StudentID == "" || p.TutorID == "" {
		return nil, errors.New("transcript: lesson, student and tutor ids are required")
	}
	start := p.StartTime
	if start.IsZero() {
		start = s.now()
	}
	t := &models.Transcript{
		LessonID:  p.LessonID,
		StudentID: p.StudentID,
		TutorID:   p.TutorID,
		Language:  strings.TrimSpace(p.Language),
		StartTime: start.UTC(),
		Status:    models.TranscriptRecording,
		Metadata:  Summarize(start, nil, nil),
	}
	if err := s.db.WithContext(ctx).Create(t).Error; err != nil {
		return nil, fmt.Errorf("create transcript: %w", err)
	}
	s.logger.Info("transcript started", zap.String("transcriptId", t.ID), zap.String("lessonId", t.LessonID))
	return t, nil
}

// lockActive takes the row lock on an active transcript for the rest of tx.
// It returns ErrNotFound or ErrInvalidState when the transcript is missing
// or terminal.
func (s *Service) lockActive(tx *gorm.DB, id string) error {
	res := tx.Model(&models.Transcript{}).
		Where("id = ? AND status IN ?", id, activeStatuses).
		Update("updated_at", s.now().UTC())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}
	return s.stateError(tx, id)
}

func (s *Service) stateError(tx *gorm.DB, id string) error {
	var t models.Transcript
	if err := tx.Select("id", "status").First(&t, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("transcript %s: %w", id, apperr.ErrNotFound)
		}
		return err
	}
	return fmt.Errorf("transcript %s is %s: %w", id, t.Status, apperr.ErrInvalidState)
}

// AppendSegments adds segments to an active transcript and refreshes the
// derived fullText and metadata in the same transaction. Empty texts are
// dropped. It returns the number of rows appended.
func (s *Service) AppendSegments(ctx context.Context, id string, segs []SegmentInput) (int, error) {
	var appended int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.lockActive(tx, id); err != nil {
			return err
		}
		n, err := s.appendLocked(tx, id, segs)
		appended = n
		return err
	})
	if err != nil {
		return 0, err
	}
	return appended, nil
}

// appendLocked must run inside a transaction holding the transcript lock.
func (s *Service) appendLocked(tx *gorm.DB, id string, segs []SegmentInput) (int, error) {
	var t models.Transcript
	if err := tx.Select("id", "language", "start_time", "end_time").First(&t, "id = ?", id).Error; err != nil {
		return 0, err
	}
	rows := toRows(id, t.Language, segs)
	if len(rows) > 0 {
		if err := tx.CreateInBatches(rows, 200).Error; err != nil {
			return 0, fmt.Errorf("insert segments: %w", err)
		}
	}
	if err := s.refresh(tx, &t, nil); err != nil {
		return 0, err
	}
	return len(rows), nil
}

// refresh recomputes fullText and metadata from every stored segment.
// extra is merged into the update.
func (s *Service) refresh(tx *gorm.DB, t *models.Transcript, extra map[string]interface{}) error {
	segs, err := loadSegments(tx, t.ID)
	if err != nil {
		return err
	}
	updates := map[string]interface{}{
		"full_text": FullText(segs),
		"metadata":  Summarize(t.StartTime, t.EndTime, segs),
	}
	for k, v := range extra {
		updates[k] = v
	}
	return tx.Model(&models.Transcript{}).Where("id = ?", t.ID).Updates(updates).Error
}

func loadSegments(tx *gorm.DB, id string) ([]models.TranscriptSegment, error) {
	var segs []models.TranscriptSegment
	if err := tx.Where("transcript_id = ?", id).
		Order("timestamp ASC").Order("speaker ASC").Order("text ASC").
		Find(&segs).Error; err != nil {
		return nil, fmt.Errorf("load segments: %w", err)
	}
	SortSegments(segs)
	return segs, nil
}

// MarkProcessing moves a recording transcript to processing. Already
// processing is a no-op.
func (s *Service) MarkProcessing(ctx context.Context, id string) error {
	db := s.db.WithContext(ctx)
	res := db.Model(&models.Transcript{}).
		Where("id = ? AND status = ?", id, models.TranscriptRecording).
		Update("status", models.TranscriptProcessing)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Status == models.TranscriptProcessing {
		return nil
	}
	return fmt.Errorf("transcript %s is %s: %w", id, t.Status, apperr.ErrInvalidState)
}

// Freeze recomputes the derived fields from the final segments and completes
// the transcript. Freezing a completed transcript returns it unchanged.
// A transcript without student speech yields ErrInsufficientData; the caller
// should mark it failed instead.
func (s *Service) Freeze(ctx context.Context, id string, endTime time.Time) (*models.Transcript, error) {
	t, _, err := s.FreezeOnce(ctx, id, endTime)
	return t, err
}

// FreezeOnce is Freeze that also reports whether this call performed the
// transition. It is false when another closer completed the transcript first.
func (s *Service) FreezeOnce(ctx context.Context, id string, endTime time.Time) (*models.Transcript, bool, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.lockActive(tx, id); err != nil {
			return err
		}
		var t models.Transcript
		if err := tx.First(&t, "id = ?", id).Error; err != nil {
			return err
		}
		students, err := countStudentSegments(tx, id)
		if err != nil {
			return err
		}
		if students == 0 {
			return fmt.Errorf("transcript %s has no student speech: %w", id, apperr.ErrInsufficientData)
		}
		end := endTime.UTC()
		t.EndTime = &end
		return s.refresh(tx, &t, map[string]interface{}{
			"status":   models.TranscriptCompleted,
			"end_time": end,
		})
	})
	if errors.Is(err, apperr.ErrInvalidState) {
		t, getErr := s.Get(ctx, id)
		if getErr == nil && t.Status == models.TranscriptCompleted {
			return t, false, nil
		}
		return nil, false, err
	}
	if err != nil {
		return nil, false, err
	}
	s.logger.Info("transcript frozen", zap.String("transcriptId", id))
	t, err := s.Get(ctx, id)
	return t, true, err
}

// MarkFailed terminates an active transcript. Already failed is a no-op;
// completed is ErrInvalidState.
func (s *Service) MarkFailed(ctx context.Context, id, reason string) error {
	db := s.db.WithContext(ctx)
	now := s.now().UTC()
	if len(reason) > 512 {
		reason = reason[:512]
	}
	res := db.Model(&models.Transcript{}).
		Where("id = ? AND status IN ?", id, activeStatuses).
		Updates(map[string]interface{}{
			"status":         models.TranscriptFailed,
			"failure_reason": reason,
			"end_time":       gorm.Expr("COALESCE(end_time, ?)", now),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		s.logger.Info("transcript failed", zap.String("transcriptId", id), zap.String("reason", reason))
		return nil
	}
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Status == models.TranscriptFailed {
		return nil
	}
	return fmt.Errorf("transcript %s is %s: %w", id, t.Status, apperr.ErrInvalidState)
}

// Get loads a transcript without segments.
func (s *Service) Get(ctx context.Context, id string) (*models.Transcript, error) {
	var t models.Transcript
	if err := s.db.WithContext(ctx).First(&t, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("transcript %s: %w", id, apperr.ErrNotFound)
		}
		return nil, err
	}
	return &t, nil
}

// GetWithSegments loads a transcript with chronologically sorted segments
// and its chunks.
func (s *Service) GetWithSegments(ctx context.Context, id string) (*models.Transcript, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	db := s.db.WithContext(ctx)
	if t.Segments, err = loadSegments(db, id); err != nil {
		return nil, err
	}
	if err := db.Where("transcript_id = ?", id).Order("chunk_index ASC").Order("speaker ASC").Find(&t.Chunks).Error; err != nil {
		return nil, err
	}
	return t, nil
}

// Segments returns the sorted segments of a transcript.
func (s *Service) Segments(ctx context.Context, id string) ([]models.TranscriptSegment, error) {
	return loadSegments(s.db.WithContext(ctx), id)
}

// ForLesson returns the most recent transcript for a lesson.
func (s *Service) ForLesson(ctx context.Context, lessonID string) (*models.Transcript, error) {
	var t models.Transcript
	err := s.db.WithContext(ctx).Where("lesson_id = ?", lessonID).Order("created_at DESC").First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("transcript for lesson %s: %w", lessonID, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Active lists recording or processing transcripts, oldest first.
func (s *Service) Active(ctx context.Context, limit int) ([]models.Transcript, error) {
	var out []models.Transcript
	q := s.db.WithContext(ctx).Where("status IN ?", activeStatuses).Order("start_time ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// StudentSegmentCount counts the student-speaker segments of a transcript.
func (s *Service) StudentSegmentCount(ctx context.Context, id string) (int64, error) {
	return countStudentSegments(s.db.WithContext(ctx), id)
}

func countStudentSegments(db *gorm.DB, id string) (int64, error) {
	var n int64
	err := db.Model(&models.TranscriptSegment{}).
		Where("transcript_id = ? AND speaker = ?", id, models.SpeakerStudent).
		Count(&n).Error
	return n, err
}
