package transcript

import (
	"context"

	"github.com/lingvo-space/core/internal/models"
	"github.com/lingvo-space/core/internal/pkg/pagination"
	"github.com/lingvo-space/core/internal/pkg/response"
)

// ListFilter narrows the operator transcript listing. Empty fields match all.
type ListFilter struct {
	Status    models.TranscriptStatus
	LessonID  string
	StudentID string
	TutorID   string
}

// List returns one page of transcripts, newest first, without segments.
func (s *Service) List(ctx context.Context, f ListFilter, q pagination.Query) ([]models.Transcript, response.Pagination, error) {
	db := s.db.WithContext(ctx).Model(&models.Transcript{})
	if f.Status != "" {
		db = db.Where("status = ?", f.Status)
	}
	if f.LessonID != "" {
		db = db.Where("lesson_id = ?", f.LessonID)
	}
	if f.StudentID != "" {
		db = db.Where("student_id = ?", f.StudentID)
	}
	if f.TutorID != "" {
		db = db.Where("tutor_id = ?", f.TutorID)
	}
	out := []models.Transcript{}
	page, err := pagination.Paginate(db.Order("created_at DESC").Order("id ASC"), q, &out)
	return out, page, err
}
