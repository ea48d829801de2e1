package transcription

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lingvo-space/core/internal/database/databasetest"
	"github.com/lingvo-space/core/internal/models"
	"github.com/lingvo-space/core/internal/modules/audiostore"
	"github.com/lingvo-space/core/internal/modules/transcript"
	"github.com/lingvo-space/core/internal/pkg/apperr"
)

var sessionStart = time.Date(2026, 4, 6, 17, 0, 0, 0, time.UTC)

type fakeSTT struct {
	mu       sync.Mutex
	calls    map[string]int
	fail     map[string]error
	text     map[string]string
	langs    []string
	speakers []models.Speaker
}

func newFakeSTT() *fakeSTT {
	return &fakeSTT{calls: map[string]int{}, fail: map[string]error{}, text: map[string]string{}}
}

func (f *fakeSTT) Transcribe(_ context.Context, req Request) (*Recognition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := string(req.Audio)
	f.calls[key]++
	f.langs = append(f.langs, req.Language)
	f.speakers = append(f.speakers, req.Speaker)
	if err := f.fail[key]; err != nil {
		return nil, err
	}
	text := f.text[key]
	if text == "" {
		text = "hola " + key
	}
	return &Recognition{Segments: []Segment{
		{Start: 500 * time.Millisecond, End: 2500 * time.Millisecond, Text: text, Confidence: 0.8},
		{Start: 3 * time.Second, End: 3 * time.Second, Text: "  "},
	}}, nil
}

func (f *fakeSTT) callCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

type harness struct {
	now         time.Time
	transcripts *transcript.Service
	store       *audiostore.Store
	stt         *fakeSTT
	engine      *Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{now: sessionStart, stt: newFakeSTT()}
	clock := func() time.Time { return h.now }

	backend, err := audiostore.NewLocalBackend(t.TempDir())
	if err != nil {
		t.Fatalf("backend: %v", err)
	}
	h.store = audiostore.New(backend, audiostore.WithClock(clock))
	h.transcripts = transcript.NewService(databasetest.Open(t), transcript.WithClock(clock))
	h.engine = NewEngine(h.transcripts, h.store, h.stt, Config{MaxAttempts: 3, BatchSize: 50, CallTimeout: time.Second}, WithClock(clock))
	return h
}

func (h *harness) start(t *testing.T, language string) *models.Transcript {
	t.Helper()
	tr, err := h.transcripts.Start(context.Background(), transcript.StartParams{
		LessonID:  "lesson-1",
		StudentID: "student-1",
		TutorID:   "tutor-1",
		Language:  language,
		StartTime: sessionStart,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return tr
}

// upload stores the audio and records the chunk without transcribing it,
// as if the live attempt had been lost.
func (h *harness) upload(t *testing.T, tr *models.Transcript, idx int, audio string) *models.AudioChunk {
	t.Helper()
	ctx := context.Background()
	put, err := h.store.Put(ctx, audiostore.PutInput{
		LessonID:   tr.LessonID,
		ChunkIndex: idx,
		Speaker:    string(models.SpeakerStudent),
		Data:       []byte(audio),
		MimeType:   "audio/webm",
		UploadedAt: h.now,
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	chunk, err := h.transcripts.RecordChunk(ctx, tr.ID, transcript.ChunkParams{
		ChunkIndex:  idx,
		Speaker:     models.SpeakerStudent,
		OffsetMs:    int64(idx) * 30_000,
		StoragePath: put.Path,
		MimeType:    "audio/webm",
		SizeBytes:   put.SizeBytes,
		UploadedAt:  h.now,
		DeleteAt:    put.DeleteAt,
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	return chunk
}

func TestRetryExpiresFailingChunkAndFreezeUsesTheRest(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	tr := h.start(t, "Spanish")
	c1 := h.upload(t, tr, 1, "uno")
	c2 := h.upload(t, tr, 2, "dos")
	c3 := h.upload(t, tr, 3, "tres")
	h.stt.fail["dos"] = apperr.Transient("stt", errors.New("503"))

	h.now = sessionStart.Add(time.Hour)
	res, err := h.engine.RetryAll(ctx)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res != (Result{Retried: 3, Succeeded: 2, Failed: 1}) {
		t.Fatalf("unexpected first run: %+v", res)
	}

	h.now = sessionStart.Add(2 * time.Hour)
	res, err = h.engine.RetryAll(ctx)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res != (Result{Retried: 1, Failed: 1}) {
		t.Fatalf("unexpected second run: %+v", res)
	}

	// third window opens after retention ran out
	h.now = sessionStart.Add(49 * time.Hour)
	res, err = h.engine.RetryAll(ctx)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res.Retried != 0 {
		t.Fatalf("expired chunk retried: %+v", res)
	}
	if got := h.stt.callCount("dos"); got != 2 {
		t.Fatalf("expected 2 calls for chunk 2, got %d", got)
	}

	stored, err := h.transcripts.GetChunk(ctx, c2.ID)
	if err != nil {
		t.Fatalf("get chunk: %v", err)
	}
	if stored.Transcribed || stored.TranscriptionAttempts != 2 || stored.LastError == "" {
		t.Fatalf("unexpected chunk 2 state: %+v", stored)
	}
	for _, c := range []*models.AudioChunk{c1, c3} {
		got, err := h.transcripts.GetChunk(ctx, c.ID)
		if err != nil {
			t.Fatalf("get chunk: %v", err)
		}
		if !got.Transcribed || got.TranscriptionAttempts != 1 {
			t.Fatalf("unexpected state for chunk %d: %+v", c.ChunkIndex, got)
		}
	}

	frozen, err := h.transcripts.Freeze(ctx, tr.ID, sessionStart.Add(50*time.Minute))
	if err != nil {
		t.Fatalf("freeze: %v", err)
	}
	if frozen.FullText != "hola uno hola tres" {
		t.Fatalf("unexpected full text: %q", frozen.FullText)
	}

	segs, err := h.transcripts.Segments(ctx, tr.ID)
	if err != nil {
		t.Fatalf("segments: %v", err)
	}
	want := sessionStart.Add(30*time.Second + 500*time.Millisecond)
	if len(segs) != 2 || !segs[0].Timestamp.Equal(want) || segs[0].DurationMs != 2000 {
		t.Fatalf("unexpected segments: %+v", segs)
	}
	for _, lang := range h.stt.langs {
		if lang != "es" {
			t.Fatalf("language not normalized: %q", lang)
		}
	}
	for _, sp := range h.stt.speakers {
		if sp != models.SpeakerStudent {
			t.Fatalf("speaker hint not forwarded: %q", sp)
		}
	}
}

func TestAttemptsNeverDecrease(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	tr := h.start(t, "es")
	c := h.upload(t, tr, 0, "cero")
	h.stt.fail["cero"] = apperr.Transient("stt", errors.New("timeout"))

	prev := 0
	for i := 0; i < 5; i++ {
		h.now = h.now.Add(time.Hour)
		if _, err := h.engine.RetryAll(ctx); err != nil {
			t.Fatalf("retry: %v", err)
		}
		got, err := h.transcripts.GetChunk(ctx, c.ID)
		if err != nil {
			t.Fatalf("get chunk: %v", err)
		}
		if got.TranscriptionAttempts < prev {
			t.Fatalf("attempts decreased: %d -> %d", prev, got.TranscriptionAttempts)
		}
		prev = got.TranscriptionAttempts
	}
	if prev != 3 {
		t.Fatalf("expected attempts capped at 3, got %d", prev)
	}
	st, err := h.transcripts.ChunkStats(ctx, h.now)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.PermanentlyFailed != 1 || st.Expired != 0 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestClosedTranscriptChunksAreNotAppended(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	tr := h.start(t, "es")
	c := h.upload(t, tr, 0, "tarde")
	if err := h.transcripts.MarkFailed(ctx, tr.ID, "closed"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	res, err := h.engine.RetryTranscript(ctx, tr.ID)
	if err != nil {
		t.Fatalf("retry transcript: %v", err)
	}
	if res.Skipped != 1 || res.Succeeded != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if h.stt.callCount("tarde") != 0 {
		t.Fatalf("speech-to-text called for closed transcript")
	}
	got, err := h.transcripts.GetChunk(ctx, c.ID)
	if err != nil {
		t.Fatalf("get chunk: %v", err)
	}
	if got.TerminalReason != models.ChunkTranscriptClosed {
		t.Fatalf("unexpected terminal reason: %q", got.TerminalReason)
	}
}

func TestUnsupportedLanguageAndMissingAudio(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	klingon := h.start(t, "Klingon")
	c := h.upload(t, klingon, 0, "qapla")
	if _, err := h.engine.RetryAll(ctx); err != nil {
		t.Fatalf("retry: %v", err)
	}
	got, err := h.transcripts.GetChunk(ctx, c.ID)
	if err != nil {
		t.Fatalf("get chunk: %v", err)
	}
	if got.TerminalReason != models.ChunkUnsupportedLanguage || got.TranscriptionAttempts != 1 {
		t.Fatalf("unexpected chunk: %+v", got)
	}

	tr := h.start(t, "es")
	lost := h.upload(t, tr, 0, "perdido")
	if err := h.store.Delete(ctx, lost.StoragePath); err != nil {
		t.Fatalf("delete: %v", err)
	}
	res, err := h.engine.RetryTranscript(ctx, tr.ID)
	if err != nil {
		t.Fatalf("retry transcript: %v", err)
	}
	if res.Failed != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	got, err = h.transcripts.GetChunk(ctx, lost.ID)
	if err != nil {
		t.Fatalf("get chunk: %v", err)
	}
	if got.TerminalReason != models.ChunkAudioMissing {
		t.Fatalf("unexpected reason: %q", got.TerminalReason)
	}
}

type brokenStore struct {
	AudioStore
}

func (brokenStore) Put(context.Context, audiostore.PutInput) (audiostore.PutResult, error) {
	return audiostore.PutResult{}, errors.New("bucket unavailable")
}

func TestIngestSurvivesBackupFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	tr := h.start(t, "es")
	engine := NewEngine(h.transcripts, brokenStore{AudioStore: h.store}, h.stt, Config{}, WithClock(func() time.Time { return h.now }))

	res, err := engine.Ingest(ctx, tr.ID, IngestParams{
		ChunkIndex: 0,
		Speaker:    models.SpeakerStudent,
		OffsetMs:   0,
		Audio:      []byte("en vivo"),
		MimeType:   "audio/webm",
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.BackedUp || !res.Transcribed {
		t.Fatalf("unexpected ingest result: %+v", res)
	}
	if res.Chunk.StoragePath != "" {
		t.Fatalf("expected no storage path, got %q", res.Chunk.StoragePath)
	}
	if !res.Chunk.DeleteAt.Equal(sessionStart.Add(audiostore.DefaultRetention)) {
		t.Fatalf("unexpected delete at: %v", res.Chunk.DeleteAt)
	}

	again, err := engine.Ingest(ctx, tr.ID, IngestParams{ChunkIndex: 0, Speaker: models.SpeakerStudent, Audio: []byte("en vivo"), MimeType: "audio/webm"})
	if err != nil {
		t.Fatalf("duplicate ingest: %v", err)
	}
	if again.Chunk.ID != res.Chunk.ID || h.stt.callCount("en vivo") != 1 {
		t.Fatalf("duplicate upload transcribed twice")
	}

	got, err := h.transcripts.Get(ctx, tr.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !strings.Contains(got.FullText, "hola en vivo") {
		t.Fatalf("segments not appended: %q", got.FullText)
	}
}
