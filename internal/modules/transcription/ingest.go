package transcription

import (
	"context"
	"fmt"

	"github.com/lingvo-space/core/internal/models"
	"github.com/lingvo-space/core/internal/modules/audiostore"
	"github.com/lingvo-space/core/internal/modules/transcript"
	"github.com/lingvo-space/core/internal/pkg/apperr"
	"go.uber.org/zap"
)

// IngestParams is one chunk uploaded by the live capture client.
type IngestParams struct {
	ChunkIndex int
	Speaker    models.Speaker
	OffsetMs   int64
	Audio      []byte
	MimeType   string
}

type IngestResult struct {
	Chunk       *models.AudioChunk `json:"chunk"`
	Transcribed bool               `json:"transcribed"`
	// BackedUp is false when the durable copy could not be written; the
	// chunk then cannot be retried later.
	BackedUp bool `json:"backedUp"`
}

// Ingest backs the audio up to the store, records the chunk and makes the
// first transcription attempt. A failed backup is logged and does not stop
// the attempt. A failed attempt leaves the chunk for the retry sweep.
func (e *Engine) Ingest(ctx context.Context, transcriptID string, p IngestParams) (*IngestResult, error) {
	if !p.Speaker.Valid() {
		return nil, fmt.Errorf("unknown speaker %q: %w", p.Speaker, apperr.ErrInsufficientData)
	}
	if len(p.Audio) == 0 {
		return nil, fmt.Errorf("empty audio chunk: %w", apperr.ErrInsufficientData)
	}
	t, err := e.transcripts.Get(ctx, transcriptID)
	if err != nil {
		return nil, err
	}
	if !t.Status.Active() {
		return nil, fmt.Errorf("transcript %s is %s: %w", t.ID, t.Status, apperr.ErrInvalidState)
	}

	uploaded := e.now().UTC()
	params := transcript.ChunkParams{
		ChunkIndex: p.ChunkIndex,
		Speaker:    p.Speaker,
		OffsetMs:   p.OffsetMs,
		MimeType:   p.MimeType,
		SizeBytes:  int64(len(p.Audio)),
		UploadedAt: uploaded,
		DeleteAt:   uploaded.Add(e.store.Retention()),
	}
	put, err := e.store.Put(ctx, audiostore.PutInput{
		LessonID:   t.LessonID,
		ChunkIndex: p.ChunkIndex,
		Speaker:    string(p.Speaker),
		Data:       p.Audio,
		MimeType:   p.MimeType,
		UploadedAt: uploaded,
	})
	backedUp := err == nil
	if err != nil {
		e.logger.Warn("audio backup failed",
			zap.String("transcriptId", t.ID),
			zap.Int("chunkIndex", p.ChunkIndex),
			zap.String("speaker", string(p.Speaker)),
			zap.Error(err))
	} else {
		params.StoragePath = put.Path
		params.DeleteAt = put.DeleteAt
	}

	chunk, err := e.transcripts.RecordChunk(ctx, t.ID, params)
	if err != nil {
		return nil, err
	}
	res := &IngestResult{Chunk: chunk, BackedUp: backedUp}
	if chunk.Transcribed || chunk.TerminalReason != "" || chunk.TranscriptionAttempts > 0 {
		// duplicate upload of a chunk already attempted
		res.Transcribed = chunk.Transcribed
		return res, nil
	}

	res.Transcribed = e.process(ctx, t, chunk, p.Audio) == outcomeSucceeded
	return res, nil
}
