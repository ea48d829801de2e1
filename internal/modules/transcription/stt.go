// Package transcription turns stored audio chunks into transcript segments
// and retries the chunks whose first attempt failed.
package transcription

import (
	"context"
	"time"

	"github.com/lingvo-space/core/internal/models"
)

// Request is one chunk of audio to transcribe.
type Request struct {
	Audio    []byte
	MimeType string
	Filename string
	// Language is a normalized ISO 639-1 code.
	Language string
	// Speaker is who is talking in the chunk, used as a recognition hint.
	Speaker models.Speaker
}

// Segment is a timed piece of recognized speech, relative to the start of
// the chunk.
type Segment struct {
	Start      time.Duration
	End        time.Duration
	Text       string
	Confidence float64
}

type Recognition struct {
	Text     string
	Language string
	Segments []Segment
}

// SpeechToText is the speech recognition capability. Implementations return
// errors wrapped with apperr.Transient when a retry may succeed.
type SpeechToText interface {
	Transcribe(ctx context.Context, req Request) (*Recognition, error)
}
