// Package lesson reads the booking system's lessons and finalizes the ones
// whose live session ended without an explicit close.
package lesson

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lingvo-space/core/internal/models"
	"github.com/lingvo-space/core/internal/pkg/apperr"
	"gorm.io/gorm"
)

// Info is the subset of a lesson the pipeline needs.
type Info struct {
	ID             string
	StudentID      string
	TutorID        string
	Language       string
	StudentLevel   string
	ScheduledStart time.Time
	ScheduledEnd   time.Time
}

type Directory interface {
	Lesson(ctx context.Context, id string) (*Info, error)
}

// FinalizeResult is the billing-relevant outcome of finalizing a lesson.
type FinalizeResult struct {
	ActualStart     time.Time `json:"actualStart"`
	ActualEnd       time.Time `json:"actualEnd"`
	DurationSeconds int64     `json:"durationSeconds"`
	// Updated is false when the lesson had already been finalized.
	Updated bool `json:"updated"`
}

// Finalizer stamps the actual call end of a lesson. Calling it again never
// moves an end time that is already set.
type Finalizer interface {
	Finalize(ctx context.Context, lessonID string, end time.Time) (*FinalizeResult, error)
}

// Store is the gorm adapter over the lessons table.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) get(ctx context.Context, id string) (*models.LessonModel, error) {
	var l models.LessonModel
	if err := s.db.WithContext(ctx).First(&l, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("lesson %s: %w", id, apperr.ErrNotFound)
		}
		return nil, err
	}
	return &l, nil
}

func (s *Store) Lesson(ctx context.Context, id string) (*Info, error) {
	l, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Info{
		ID:             l.ID,
		StudentID:      l.StudentID,
		TutorID:        l.TutorID,
		Language:       l.Language,
		StudentLevel:   l.StudentLevel,
		ScheduledStart: l.ScheduledStart,
		ScheduledEnd:   l.ScheduledEnd,
	}, nil
}

// StudentLevel returns the student's declared level for the lesson.
func (s *Store) StudentLevel(ctx context.Context, lessonID string) (string, error) {
	l, err := s.get(ctx, lessonID)
	if err != nil {
		return "", err
	}
	return l.StudentLevel, nil
}

// MarkCallStarted records when the live call began, only if unset.
func (s *Store) MarkCallStarted(ctx context.Context, lessonID string, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.LessonModel{}).
		Where("id = ? AND actual_call_start_time IS NULL", lessonID).
		Update("actual_call_start_time", at.UTC())
	return res.RowsAffected == 1, res.Error
}

func (s *Store) Finalize(ctx context.Context, lessonID string, end time.Time) (*FinalizeResult, error) {
	l, err := s.get(ctx, lessonID)
	if err != nil {
		return nil, err
	}
	start := l.ScheduledStart
	if l.ActualCallStartTime != nil {
		start = *l.ActualCallStartTime
	}
	end = end.UTC()
	duration := int64(end.Sub(start) / time.Second)
	if duration < 0 {
		duration = 0
	}

	res := s.db.WithContext(ctx).Model(&models.LessonModel{}).
		Where("id = ? AND actual_call_end_time IS NULL", lessonID).
		Updates(map[string]interface{}{
			"actual_call_end_time":    end,
			"actual_duration_seconds": duration,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("finalize lesson: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return &FinalizeResult{ActualStart: start, ActualEnd: end, DurationSeconds: duration, Updated: true}, nil
	}

	if l, err = s.get(ctx, lessonID); err != nil {
		return nil, err
	}
	out := &FinalizeResult{ActualStart: start}
	if l.ActualCallEndTime != nil {
		out.ActualEnd = *l.ActualCallEndTime
	}
	if l.ActualDurationSeconds != nil {
		out.DurationSeconds = *l.ActualDurationSeconds
	}
	return out, nil
}
