package analysis

import (
	"context"

	"github.com/lingvo-space/core/internal/models"
	"github.com/lingvo-space/core/internal/pkg/pagination"
	"github.com/lingvo-space/core/internal/pkg/response"
)

type ListFilter struct {
	Status    models.AnalysisStatus
	StudentID string
	TutorID   string
	// Retryable keeps only failed rows the retry sweep will pick up.
	Retryable *bool
}

// List returns one page of analyses, most recently updated first.
func (s *Service) List(ctx context.Context, f ListFilter, q pagination.Query) ([]models.Analysis, response.Pagination, error) {
	db := s.db.WithContext(ctx).Model(&models.Analysis{})
	if f.Status != "" {
		db = db.Where("status = ?", f.Status)
	}
	if f.StudentID != "" {
		db = db.Where("student_id = ?", f.StudentID)
	}
	if f.TutorID != "" {
		db = db.Where("tutor_id = ?", f.TutorID)
	}
	if f.Retryable != nil {
		if *f.Retryable {
			db = db.Where("status = ? AND can_retry AND retry_attempts < ?", models.AnalysisFailed, s.cfg.MaxAttempts)
		} else {
			db = db.Where("status = ? AND NOT (can_retry AND retry_attempts < ?)", models.AnalysisFailed, s.cfg.MaxAttempts)
		}
	}
	out := []models.Analysis{}
	page, err := pagination.Paginate(db.Order("updated_at DESC").Order("id ASC"), q, &out)
	return out, page, err
}
