package transcript

import (
	"context"
	"fmt"
	"testing"

	"github.com/lingvo-space/core/internal/models"
	"github.com/lingvo-space/core/internal/pkg/pagination"
)

func TestListFiltersAndPages(t *testing.T) {
	t.Parallel()

	s := newTestService(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		student := "student-1"
		if i%2 == 1 {
			student = "student-2"
		}
		if _, err := s.Start(ctx, StartParams{
			LessonID:  fmt.Sprintf("lesson-%d", i),
			StudentID: student,
			TutorID:   "tutor-1",
			Language:  "es",
			StartTime: testStart,
		}); err != nil {
			t.Fatalf("start: %v", err)
		}
	}
	failed, _ := s.ForLesson(ctx, "lesson-0")
	if err := s.MarkFailed(ctx, failed.ID, "no student speech recorded"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	items, page, err := s.List(ctx, ListFilter{StudentID: "student-1"}, pagination.Query{Page: 1, Size: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Total != 3 || page.TotalPage != 2 || !page.HasNextPage || len(items) != 2 {
		t.Fatalf("unexpected first page: %+v (%d items)", page, len(items))
	}
	items, page, _ = s.List(ctx, ListFilter{StudentID: "student-1"}, pagination.Query{Page: 2, Size: 2})
	if len(items) != 1 || page.HasNextPage {
		t.Fatalf("unexpected second page: %+v (%d items)", page, len(items))
	}

	items, _, _ = s.List(ctx, ListFilter{Status: models.TranscriptFailed}, pagination.Query{})
	if len(items) != 1 || items[0].LessonID != "lesson-0" {
		t.Fatalf("status filter: %+v", items)
	}
}
