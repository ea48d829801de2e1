package crontask

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	pkgcron "github.com/lingvo-space/core/internal/pkg/cron"
)

func TestCronRoutes(t *testing.T) {
	t.Parallel()

	sched := pkgcron.New()
	runs := 0
	sched.Register(pkgcron.Job{
		Name:     "lesson_auto_complete",
		Interval: time.Minute,
		Fn: func(context.Context) error {
			runs++
			return nil
		},
	})
	sched.Register(pkgcron.Job{
		Name:     "broken",
		Interval: time.Hour,
		Fn:       func(context.Context) error { return errors.New("store offline") },
	})

	r := gin.New()
	NewHandler(sched).RegisterRoutes(r.Group(""), func(c *gin.Context) { c.Next() })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/cron", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"name":"broken"`) {
		t.Fatalf("list: %d %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/cron/lesson_auto_complete/run?wait=true", nil))
	if w.Code != http.StatusOK || runs != 1 || !strings.Contains(w.Body.String(), `"ran":true`) {
		t.Fatalf("run: %d %s (runs=%d)", w.Code, w.Body.String(), runs)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/cron/broken/run?wait=true", nil))
	if !strings.Contains(w.Body.String(), "store offline") {
		t.Fatalf("expected failure message, got %s", w.Body.String())
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/cron/missing", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing job: %d", w.Code)
	}
}
