package transcription

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/lingvo-space/core/internal/models"
	"github.com/lingvo-space/core/internal/modules/audiostore"
	"github.com/lingvo-space/core/internal/modules/transcript"
	"github.com/lingvo-space/core/internal/pkg/apperr"
	"github.com/lingvo-space/core/internal/pkg/langcode"
	"go.uber.org/zap"
)

// AudioStore is the part of the durable audio store the engine needs.
type AudioStore interface {
	Put(ctx context.Context, in audiostore.PutInput) (audiostore.PutResult, error)
	Get(ctx context.Context, path string) ([]byte, error)
	Retention() time.Duration
}

type Config struct {
	MaxAttempts int
	BatchSize   int
	CallTimeout time.Duration
}

// Result summarizes one retry run.
type Result struct {
	Retried   int `json:"retried"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

type outcome int

const (
	outcomeSucceeded outcome = iota
	outcomeFailed
	outcomeSkipped
)

func (r *Result) add(o outcome) {
	r.Retried++
	switch o {
	case outcomeSucceeded:
		r.Succeeded++
	case outcomeFailed:
		r.Failed++
	default:
		r.Skipped++
	}
}

// Engine transcribes audio chunks, on upload and again from the retry sweep.
// Chunks are processed one at a time.
type Engine struct {
	transcripts *transcript.Service
	store       AudioStore
	stt         SpeechToText
	cfg         Config
	logger      *zap.Logger
	now         func() time.Time
}

type Option func(*Engine)

func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func NewEngine(transcripts *transcript.Service, store AudioStore, stt SpeechToText, cfg Config, opts ...Option) *Engine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 2 * time.Minute
	}
	e := &Engine{
		transcripts: transcripts,
		store:       store,
		stt:         stt,
		cfg:         cfg,
		logger:      zap.NewNop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RetryAll makes one more attempt on every eligible chunk, oldest first,
// up to the batch size.
func (e *Engine) RetryAll(ctx context.Context) (Result, error) {
	now := e.now()
	chunks, err := e.transcripts.RetryableChunks(ctx, now, e.cfg.MaxAttempts, e.cfg.BatchSize)
	if err != nil {
		return Result{}, fmt.Errorf("select retryable chunks: %w", err)
	}
	res := e.run(ctx, chunks)
	if res.Retried > 0 {
		e.logger.Info("transcription retry finished",
			zap.Int("retried", res.Retried),
			zap.Int("succeeded", res.Succeeded),
			zap.Int("failed", res.Failed),
			zap.Int("skipped", res.Skipped))
	}
	return res, nil
}

// RetryTranscript retries the eligible chunks of a single transcript.
func (e *Engine) RetryTranscript(ctx context.Context, transcriptID string) (Result, error) {
	if _, err := e.transcripts.Get(ctx, transcriptID); err != nil {
		return Result{}, err
	}
	chunks, err := e.transcripts.RetryableChunksFor(ctx, transcriptID, e.now(), e.cfg.MaxAttempts)
	if err != nil {
		return Result{}, fmt.Errorf("select retryable chunks: %w", err)
	}
	return e.run(ctx, chunks), nil
}

func (e *Engine) run(ctx context.Context, chunks []models.AudioChunk) Result {
	var res Result
	cache := map[string]*models.Transcript{}
	for i := range chunks {
		if ctx.Err() != nil {
			break
		}
		chunk := &chunks[i]
		t, ok := cache[chunk.TranscriptID]
		if !ok {
			loaded, err := e.transcripts.Get(ctx, chunk.TranscriptID)
			if err != nil {
				e.logger.Warn("load transcript for chunk failed", zap.String("chunkId", chunk.ID), zap.Error(err))
				res.add(outcomeFailed)
				continue
			}
			t = loaded
			cache[chunk.TranscriptID] = t
		}
		res.add(e.process(ctx, t, chunk, nil))
	}
	return res
}

// process makes one transcription attempt on chunk. audio may carry the
// bytes already in memory; otherwise they are read from the store.
func (e *Engine) process(ctx context.Context, t *models.Transcript, chunk *models.AudioChunk, audio []byte) outcome {
	log := e.logger.With(zap.String("chunkId", chunk.ID), zap.String("transcriptId", t.ID), zap.Int("chunkIndex", chunk.ChunkIndex))

	if !t.Status.Active() {
		if _, err := e.transcripts.MarkChunkTerminal(ctx, chunk.ID, models.ChunkTranscriptClosed); err != nil {
			log.Warn("mark chunk closed failed", zap.Error(err))
		}
		return outcomeSkipped
	}

	lang, err := langcode.Normalize(t.Language)
	if err != nil {
		return e.fail(ctx, log, chunk, err, models.ChunkUnsupportedLanguage)
	}

	if audio == nil {
		if chunk.StoragePath == "" {
			return e.fail(ctx, log, chunk, fmt.Errorf("chunk has no stored audio: %w", apperr.ErrNotFound), models.ChunkAudioMissing)
		}
		audio, err = e.store.Get(ctx, chunk.StoragePath)
		if errors.Is(err, apperr.ErrNotFound) {
			return e.fail(ctx, log, chunk, err, models.ChunkAudioMissing)
		}
		if err != nil {
			return e.fail(ctx, log, chunk, fmt.Errorf("download audio: %w", err), "")
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	rec, err := e.stt.Transcribe(callCtx, Request{
		Audio:    audio,
		MimeType: chunk.MimeType,
		Filename: filename(chunk),
		Language: lang,
		Speaker:  chunk.Speaker,
	})
	cancel()
	if err != nil {
		return e.fail(ctx, log, chunk, err, "")
	}

	segs := toSegments(t, chunk, lang, rec)
	n, err := e.transcripts.CompleteChunk(ctx, chunk, segs, e.now())
	switch {
	case err == nil:
		log.Debug("chunk transcribed", zap.Int("segments", n))
		return outcomeSucceeded
	case errors.Is(err, apperr.ErrInvalidState):
		// transcript closed while the call was in flight
		if _, markErr := e.transcripts.MarkChunkTerminal(ctx, chunk.ID, models.ChunkTranscriptClosed); markErr != nil {
			log.Warn("mark chunk closed failed", zap.Error(markErr))
		}
		return outcomeSkipped
	case errors.Is(err, transcript.ErrChunkConflict):
		log.Debug("chunk handled by another run")
		return outcomeSkipped
	default:
		return e.fail(ctx, log, chunk, fmt.Errorf("store segments: %w", err), "")
	}
}

func (e *Engine) fail(ctx context.Context, log *zap.Logger, chunk *models.AudioChunk, cause error, reason models.ChunkTerminalReason) outcome {
	log.Warn("chunk transcription failed",
		zap.Int("attempt", chunk.TranscriptionAttempts+1),
		zap.Bool("transient", apperr.IsTransient(cause)),
		zap.Error(cause))
	if err := e.transcripts.FailChunk(ctx, chunk, e.now(), cause, e.cfg.MaxAttempts, reason); err != nil {
		if errors.Is(err, transcript.ErrChunkConflict) {
			return outcomeSkipped
		}
		log.Error("record chunk failure", zap.Error(err))
	}
	return outcomeFailed
}

// toSegments places each recognized piece on the session clock:
// transcript start + chunk offset + offset within the chunk.
func toSegments(t *models.Transcript, chunk *models.AudioChunk, lang string, rec *Recognition) []transcript.SegmentInput {
	if rec == nil {
		return nil
	}
	base := t.StartTime.Add(time.Duration(chunk.OffsetMs) * time.Millisecond)
	idx := chunk.ChunkIndex
	out := make([]transcript.SegmentInput, 0, len(rec.Segments))
	for _, seg := range rec.Segments {
		dur := seg.End - seg.Start
		if dur < 0 {
			dur = 0
		}
		out = append(out, transcript.SegmentInput{
			Timestamp:  base.Add(seg.Start),
			Speaker:    chunk.Speaker,
			Text:       seg.Text,
			Confidence: seg.Confidence,
			Language:   lang,
			DurationMs: dur.Milliseconds(),
			ChunkIndex: &idx,
		})
	}
	return out
}

func filename(chunk *models.AudioChunk) string {
	if chunk.StoragePath != "" {
		return path.Base(chunk.StoragePath)
	}
	return fmt.Sprintf("chunk-%d-%s.%s", chunk.ChunkIndex, chunk.Speaker, audiostore.Extension(chunk.MimeType))
}
