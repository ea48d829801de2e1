package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lingvo-space/core/internal/models"
)

type recordingTrigger struct {
	mu      sync.Mutex
	lessons []string
}

func (r *recordingTrigger) Trigger(_ context.Context, lessonID string) (*models.Analysis, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lessons = append(r.lessons, lessonID)
	return &models.Analysis{LessonID: lessonID, Status: models.AnalysisPending}, nil
}

type recordingCalls struct {
	started map[string]time.Time
}

func (r *recordingCalls) MarkCallStarted(_ context.Context, lessonID string, at time.Time) (bool, error) {
	if _, ok := r.started[lessonID]; ok {
		return false, nil
	}
	r.started[lessonID] = at
	return true, nil
}

func newRouter(h *harness, trigger AnalysisTrigger, calls CallTracker) *gin.Engine {
	r := gin.New()
	noop := func(c *gin.Context) { c.Next() }
	NewHandler(h.transcripts, h.engine, trigger, calls).RegisterRoutes(r.Group(""), noop)
	return r
}

func chunkRequest(t *testing.T, path string, fields map[string]string, audio string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			t.Fatalf("field: %v", err)
		}
	}
	if audio != "" {
		part, err := w.CreateFormFile("audio", "chunk.webm")
		if err != nil {
			t.Fatalf("form file: %v", err)
		}
		part.Write([]byte(audio))
	}
	w.Close()
	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func TestHandlerRecordingLifecycle(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	trigger := &recordingTrigger{}
	calls := &recordingCalls{started: map[string]time.Time{}}
	r := newRouter(h, trigger, calls)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/transcripts",
		strings.NewReader(`{"lessonId":"lesson-9","studentId":"s-1","tutorId":"t-1","language":"es"}`)))
	if w.Code != http.StatusCreated {
		t.Fatalf("start: %d %s", w.Code, w.Body.String())
	}
	var tr models.Transcript
	if err := json.Unmarshal(w.Body.Bytes(), &tr); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := calls.started["lesson-9"]; !ok {
		t.Fatalf("call start not recorded")
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, chunkRequest(t, "/transcripts/"+tr.ID+"/chunks",
		map[string]string{"chunkIndex": "0", "speaker": "student", "offsetMs": "0"}, "c0"))
	if w.Code != http.StatusCreated {
		t.Fatalf("ingest: %d %s", w.Code, w.Body.String())
	}
	var res IngestResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode ingest: %v", err)
	}
	if !res.Transcribed || !res.BackedUp {
		t.Fatalf("unexpected ingest result: %+v", res)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/transcripts/"+tr.ID+"/close", nil))
	if w.Code != http.StatusAccepted {
		t.Fatalf("close: %d %s", w.Code, w.Body.String())
	}
	if len(trigger.lessons) != 1 || trigger.lessons[0] != "lesson-9" {
		t.Fatalf("analysis not triggered: %v", trigger.lessons)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/transcripts/"+tr.ID, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("get: %d", w.Code)
	}
	var got models.Transcript
	json.Unmarshal(w.Body.Bytes(), &got)
	if got.Status != models.TranscriptProcessing || len(got.Segments) == 0 {
		t.Fatalf("unexpected transcript: %s with %d segments", got.Status, len(got.Segments))
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/transcription/stats", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"transcribed":1`) {
		t.Fatalf("stats: %d %s", w.Code, w.Body.String())
	}
}

func TestHandlerRejectsBadChunks(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	tr := h.start(t, "es")
	r := newRouter(h, &recordingTrigger{}, nil)

	cases := []struct {
		name   string
		path   string
		fields map[string]string
		audio  string
		want   int
	}{
		{"missing index", "/transcripts/" + tr.ID + "/chunks", map[string]string{"speaker": "student"}, "a", http.StatusBadRequest},
		{"missing audio", "/transcripts/" + tr.ID + "/chunks", map[string]string{"chunkIndex": "1", "speaker": "student"}, "", http.StatusBadRequest},
		{"unknown speaker", "/transcripts/" + tr.ID + "/chunks", map[string]string{"chunkIndex": "1", "speaker": "parent"}, "a", http.StatusUnprocessableEntity},
		{"unknown transcript", "/transcripts/nope/chunks", map[string]string{"chunkIndex": "1", "speaker": "student"}, "a", http.StatusNotFound},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, chunkRequest(t, tc.path, tc.fields, tc.audio))
		if w.Code != tc.want {
			t.Fatalf("%s: status %d, want %d (%s)", tc.name, w.Code, tc.want, w.Body.String())
		}
	}
}
