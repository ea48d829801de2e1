package transcription

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	appcfg "github.com/lingvo-space/core/internal/config"
	"github.com/lingvo-space/core/internal/models"
	"github.com/lingvo-space/core/internal/pkg/apperr"
)

func noWait() backoff.BackOff {
	return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2)
}

func TestOpenAIProviderRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/audio/transcriptions" {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if got := r.FormValue("language"); got != "es" {
			t.Errorf("unexpected language %q", got)
		}
		if got := r.FormValue("prompt"); got != speakerPrompt(models.SpeakerStudent) {
			t.Errorf("unexpected prompt %q", got)
		}
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":{"message":"overloaded"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":"hola qué tal","language":"spanish","segments":[
			{"start":0.0,"end":1.5,"text":" hola","avg_logprob":-0.1,"no_speech_prob":0.0},
			{"start":1.5,"end":2.25,"text":" qué tal","avg_logprob":-0.3,"no_speech_prob":0.1},
			{"start":2.25,"end":3.0,"text":"  ","avg_logprob":-1,"no_speech_prob":0.9}]}`))
	}))
	defer srv.Close()

	p, err := NewOpenAIProvider(appcfg.STTProvider{APIKey: "sk-test", Endpoint: srv.URL}, WithBackOff(noWait))
	if err != nil {
		t.Fatalf("provider: %v", err)
	}
	rec, err := p.Transcribe(context.Background(), Request{Audio: []byte("audio"), MimeType: "audio/webm", Language: "es", Speaker: models.SpeakerStudent})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected one retry, got %d calls", calls.Load())
	}
	if len(rec.Segments) != 2 {
		t.Fatalf("expected blank segment dropped, got %+v", rec.Segments)
	}
	if rec.Segments[1].Start != 1500*time.Millisecond || rec.Segments[1].End != 2250*time.Millisecond || rec.Segments[1].Text != "qué tal" {
		t.Fatalf("unexpected segment: %+v", rec.Segments[1])
	}
	if c := rec.Segments[0].Confidence; c <= 0 || c > 1 {
		t.Fatalf("confidence out of range: %v", c)
	}
}

func TestOpenAIProviderDoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid file format"}}`))
	}))
	defer srv.Close()

	p, err := NewOpenAIProvider(appcfg.STTProvider{APIKey: "sk-test", Endpoint: srv.URL + "/v1"}, WithBackOff(noWait))
	if err != nil {
		t.Fatalf("provider: %v", err)
	}
	_, err = p.Transcribe(context.Background(), Request{Audio: []byte("audio"), MimeType: "audio/webm"})
	if err == nil {
		t.Fatalf("expected error")
	}
	if apperr.IsTransient(err) {
		t.Fatalf("client error classified transient: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single call, got %d", calls.Load())
	}
}

func TestNewOpenAIProviderRequiresKey(t *testing.T) {
	t.Parallel()

	if _, err := NewOpenAIProvider(appcfg.STTProvider{}); err == nil {
		t.Fatalf("expected missing key error")
	}
	if got := normalizeBaseURL("https://stt.internal/"); got != "https://stt.internal/v1/" {
		t.Fatalf("unexpected base url %q", got)
	}
}
