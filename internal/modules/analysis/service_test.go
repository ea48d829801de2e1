package analysis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lingvo-space/core/internal/database/databasetest"
	"github.com/lingvo-space/core/internal/models"
	"github.com/lingvo-space/core/internal/modules/presence"
	"github.com/lingvo-space/core/internal/modules/transcript"
	"github.com/lingvo-space/core/internal/pkg/apperr"
	"gorm.io/gorm"
)

var lessonStart = time.Date(2026, 4, 7, 9, 0, 0, 0, time.UTC)

type fakeGenerator struct {
	mu    sync.Mutex
	errs  []error
	calls int
	last  Input
}

func (f *fakeGenerator) Generate(_ context.Context, in Input) (*Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = in
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &Report{
		ProficiencyLevel:    "B1",
		Summary:             "Handled past tense well.",
		Strengths:           []string{"pretérito"},
		AreasForImprovement: []string{"subjuntivo"},
	}, nil
}

func (f *fakeGenerator) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []presence.Event
	users  []string
}

func (f *fakeNotifier) NotifyAll(_ context.Context, ev presence.Event, userIDs ...string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	f.users = append(f.users, userIDs...)
	return len(userIDs)
}

type staticLevels string

func (l staticLevels) StudentLevel(context.Context, string) (string, error) { return string(l), nil }

type harness struct {
	db          *gorm.DB
	transcripts *transcript.Service
	gen         *fakeGenerator
	svc         *Service
	now         time.Time
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{db: databasetest.Open(t), gen: &fakeGenerator{}, now: lessonStart.Add(2 * time.Hour)}
	clock := func() time.Time { return h.now }
	h.transcripts = transcript.NewService(h.db, transcript.WithClock(clock))
	opts = append([]Option{WithClock(clock), WithLevels(staticLevels("B1"))}, opts...)
	h.svc = NewService(h.db, h.transcripts, h.gen, Config{MaxAttempts: 3, HistoryLimit: 5}, opts...)
	return h
}

func (h *harness) lesson(t *testing.T, lessonID string, withStudent bool) *models.Transcript {
	t.Helper()
	ctx := context.Background()
	tr, err := h.transcripts.Start(ctx, transcript.StartParams{
		LessonID:  lessonID,
		StudentID: "student-1",
		TutorID:   "tutor-1",
		Language:  "es",
		StartTime: lessonStart,
	})
	if err != nil {
		t.Fatalf("start transcript: %v", err)
	}
	segs := []transcript.SegmentInput{{Timestamp: lessonStart.Add(5 * time.Second), Speaker: models.SpeakerTutor, Text: "¿Qué hiciste ayer?"}}
	if withStudent {
		segs = append(segs, transcript.SegmentInput{Timestamp: lessonStart.Add(9 * time.Second), Speaker: models.SpeakerStudent, Text: "Ayer fui al mercado."})
	}
	if _, err := h.transcripts.AppendSegments(ctx, tr.ID, segs); err != nil {
		t.Fatalf("append: %v", err)
	}
	return tr
}

func TestEnsureNeverDuplicates(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	tr := h.lesson(t, "lesson-1", true)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]string, 8)
	errs := make([]error, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := h.svc.Ensure(ctx, "lesson-1")
			errs[i] = err
			if a != nil {
				ids[i] = a.ID
			}
		}(i)
	}
	wg.Wait()

	for i := range ids {
		if errs[i] != nil {
			t.Fatalf("ensure %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("ensure returned different records: %v", ids)
		}
	}
	var n int64
	h.db.Model(&models.Analysis{}).Where("lesson_id = ?", "lesson-1").Count(&n)
	if n != 1 {
		t.Fatalf("expected one analysis row, got %d", n)
	}

	a, _ := h.svc.Get(ctx, ids[0])
	if a.TranscriptID != tr.ID || a.StudentID != "student-1" || a.Status != models.AnalysisPending || !a.CanRetry {
		t.Fatalf("unexpected analysis: %+v", a)
	}
}

func TestTransientFailuresThenSuccess(t *testing.T) {
	t.Parallel()

	notifier := &fakeNotifier{}
	h := newHarness(t, WithNotifier(notifier))
	h.lesson(t, "lesson-1", true)
	transient := apperr.Transient("llm", errors.New("503"))
	h.gen.errs = []error{transient, transient}
	ctx := context.Background()

	a, err := h.svc.Ensure(ctx, "lesson-1")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := h.svc.Process(ctx, a.ID); err == nil {
		t.Fatalf("expected first attempt to fail")
	}
	for i := 0; i < 2; i++ {
		h.now = h.now.Add(time.Hour)
		if _, err := h.svc.RetryFailed(ctx); err != nil {
			t.Fatalf("retry %d: %v", i, err)
		}
	}

	got, _ := h.svc.Get(ctx, a.ID)
	if got.Status != models.AnalysisCompleted || got.RetryAttempts != 3 || got.Error != nil {
		t.Fatalf("expected completed after third attempt, got status=%s attempts=%d err=%v", got.Status, got.RetryAttempts, got.Error)
	}
	if got.CanRetry {
		t.Fatalf("completed analysis at the attempt limit is still retryable")
	}
	if got.ProficiencyLevel != "B1" || got.CompletedAt == nil || got.LastRetryAttempt == nil {
		t.Fatalf("result not recorded: %+v", got)
	}
	if h.gen.Calls() != 3 {
		t.Fatalf("expected 3 generator calls, got %d", h.gen.Calls())
	}
	if h.gen.last.StudentLevel != "B1" || len(h.gen.last.Segments) != 2 {
		t.Fatalf("unexpected generator input: %+v", h.gen.last)
	}
	if len(notifier.events) != 1 || notifier.events[0].AnalysisID != a.ID || len(notifier.users) != 2 {
		t.Fatalf("expected one notification to both users, got %+v %v", notifier.events, notifier.users)
	}

	// completed analyses are never reprocessed
	res, err := h.svc.RetryFailed(ctx)
	if err != nil || res.Retried != 0 {
		t.Fatalf("completed analysis retried: %+v %v", res, err)
	}
	if err := h.svc.Process(ctx, a.ID); !errors.Is(err, ErrNotClaimed) {
		t.Fatalf("expected completed analysis to be unclaimable, got %v", err)
	}

	view, err := h.svc.ForLesson(ctx, "lesson-1")
	if err != nil || view.Status != "completed" || view.Report == nil || view.Report.Summary == "" {
		t.Fatalf("unexpected view: %+v %v", view, err)
	}
}

func TestRetryAttemptsExhausted(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.lesson(t, "lesson-1", true)
	transient := apperr.Transient("llm", errors.New("timeout"))
	h.gen.errs = []error{transient, transient, transient, transient}
	ctx := context.Background()

	a, _ := h.svc.Ensure(ctx, "lesson-1")
	_ = h.svc.Process(ctx, a.ID)
	for i := 0; i < 4; i++ {
		h.now = h.now.Add(time.Hour)
		if _, err := h.svc.RetryFailed(ctx); err != nil {
			t.Fatalf("retry: %v", err)
		}
	}

	got, _ := h.svc.Get(ctx, a.ID)
	if got.Status != models.AnalysisFailed || got.CanRetry || got.RetryAttempts != 3 {
		t.Fatalf("expected permanent failure at 3 attempts, got %+v", got)
	}
	if got.Error == nil || *got.Error == "" {
		t.Fatalf("expected error to be recorded")
	}
	if h.gen.Calls() != 3 {
		t.Fatalf("expected no calls beyond max attempts, got %d", h.gen.Calls())
	}

	st, err := h.svc.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.PermanentlyFailed != 1 || st.TotalFailed != 1 || st.PendingRetries != 0 {
		t.Fatalf("unexpected stats: %+v", st)
	}

	if _, err := h.svc.Retry(ctx, a.ID); !errors.Is(err, apperr.ErrInvalidState) {
		t.Fatalf("expected manual retry of permanent failure to be rejected, got %v", err)
	}
	view, _ := h.svc.ForLesson(ctx, "lesson-1")
	if view.Status != "unavailable" || view.Message != "analysis unavailable" || view.Report != nil {
		t.Fatalf("raw failure leaked to the user view: %+v", view)
	}
}

func TestInsufficientDataIsPermanent(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.lesson(t, "lesson-empty", false)
	ctx := context.Background()

	empty, _ := h.svc.Ensure(ctx, "lesson-empty")
	if err := h.svc.Process(ctx, empty.ID); !errors.Is(err, apperr.ErrEmptyTranscript) {
		t.Fatalf("expected empty transcript, got %v", err)
	}
	missing, _ := h.svc.Ensure(ctx, "lesson-missing")
	if err := h.svc.Process(ctx, missing.ID); !errors.Is(err, apperr.ErrMissingTranscript) {
		t.Fatalf("expected missing transcript, got %v", err)
	}

	for _, id := range []string{empty.ID, missing.ID} {
		got, _ := h.svc.Get(ctx, id)
		if got.Status != models.AnalysisFailed || got.CanRetry || got.RetryAttempts != 1 {
			t.Fatalf("expected terminal failure after one attempt, got %+v", got)
		}
	}

	h.now = h.now.Add(24 * time.Hour)
	res, err := h.svc.RetryFailed(ctx)
	if err != nil || res.Retried != 0 {
		t.Fatalf("permanent failures must not be retried: %+v %v", res, err)
	}
	if h.gen.Calls() != 0 {
		t.Fatalf("generator called for unusable transcripts")
	}
}

func TestPriorAnalysesForSamePair(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	h.lesson(t, "lesson-1", true)
	first, _ := h.svc.Ensure(ctx, "lesson-1")
	if err := h.svc.Process(ctx, first.ID); err != nil {
		t.Fatalf("first: %v", err)
	}

	h.now = h.now.Add(24 * time.Hour)
	h.lesson(t, "lesson-2", true)
	second, _ := h.svc.Ensure(ctx, "lesson-2")
	if err := h.svc.Process(ctx, second.ID); err != nil {
		t.Fatalf("second: %v", err)
	}
	prior := h.gen.last.Prior
	if len(prior) != 1 || prior[0].LessonID != "lesson-1" || prior[0].ProficiencyLevel != "B1" || len(prior[0].Areas) != 1 {
		t.Fatalf("unexpected prior analyses: %+v", prior)
	}
}

func TestTriggerRunsInBackground(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.lesson(t, "lesson-1", true)
	ctx, cancel := context.WithCancel(context.Background())
	h.svc.Start(ctx)

	a, err := h.svc.Trigger(context.Background(), "lesson-1")
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := h.svc.Get(context.Background(), a.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status == models.AnalysisCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("analysis not completed in time: %+v", got)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// a second trigger finds the completed record and does nothing
	again, err := h.svc.Trigger(context.Background(), "lesson-1")
	if err != nil || again.ID != a.ID {
		t.Fatalf("second trigger: %+v %v", again, err)
	}
	cancel()
	h.svc.Wait()
	if h.gen.Calls() != 1 {
		t.Fatalf("expected a single generation, got %d", h.gen.Calls())
	}
}
