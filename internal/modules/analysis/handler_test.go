package analysis

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/lingvo-space/core/internal/models"
)

func TestHandlerGenerateAndView(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.lesson(t, "lesson-h", true)

	r := gin.New()
	NewHandler(h.svc).RegisterRoutes(r.Group(""), func(c *gin.Context) { c.Next() })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/lessons/lesson-h/analysis", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("view before generate: %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/lessons/lesson-h/analysis?wait=true", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("generate: %d %s", w.Code, w.Body.String())
	}
	var a models.Analysis
	if err := json.Unmarshal(w.Body.Bytes(), &a); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if a.Status != models.AnalysisCompleted {
		t.Fatalf("expected completed, got %s", a.Status)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/lessons/lesson-h/analysis", nil))
	var v View
	json.Unmarshal(w.Body.Bytes(), &v)
	if v.Status != "completed" || v.Report == nil || v.Report.ProficiencyLevel != "B1" {
		t.Fatalf("unexpected view: %+v", v)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/analyses/"+a.ID+"/retry", nil))
	if w.Code != http.StatusConflict {
		t.Fatalf("retry of completed analysis: %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/analysis/stats", nil))
	var st Stats
	json.Unmarshal(w.Body.Bytes(), &st)
	if st.Completed != 1 || st.TotalFailed != 0 {
		t.Fatalf("unexpected stats: %+v", st)
	}
	if h.gen.Calls() != 1 {
		t.Fatalf("generator called %d times", h.gen.Calls())
	}
}

func TestHandlerGenerateSurvivesClientDisconnect(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.lesson(t, "lesson-gone", true)

	r := gin.New()
	NewHandler(h.svc).RegisterRoutes(r.Group(""), func(c *gin.Context) { c.Next() })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/lessons/lesson-gone/analysis?wait=true", nil).WithContext(ctx)
	r.ServeHTTP(httptest.NewRecorder(), req)

	a, err := h.svc.GetByLesson(context.Background(), "lesson-gone")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if a.Status != models.AnalysisCompleted || a.RetryAttempts != 1 {
		t.Fatalf("expected completed analysis, got status=%s attempts=%d", a.Status, a.RetryAttempts)
	}
}
