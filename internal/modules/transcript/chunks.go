package transcript

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lingvo-space/core/internal/models"
	"github.com/lingvo-space/core/internal/pkg/apperr"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrChunkConflict means the chunk changed since it was read; another run
// already handled this attempt.
var ErrChunkConflict = errors.New("chunk state changed concurrently")

const maxErrorLen = 1024

type ChunkParams struct {
	ChunkIndex  int
	Speaker     models.Speaker
	OffsetMs    int64
	StoragePath string
	MimeType    string
	SizeBytes   int64
	UploadedAt  time.Time
	DeleteAt    time.Time
}

// RecordChunk registers an uploaded chunk for an active transcript.
// Recording the same (index, speaker) twice returns the existing row.
func (s *Service) RecordChunk(ctx context.Context, transcriptID string, p ChunkParams) (*models.AudioChunk, error) {
	if !p.Speaker.Valid() {
		return nil, fmt.Errorf("transcript: unknown speaker %q", p.Speaker)
	}
	t, err := s.Get(ctx, transcriptID)
	if err != nil {
		return nil, err
	}
	if !t.Status.Active() {
		return nil, fmt.Errorf("transcript %s is %s: %w", transcriptID, t.Status, apperr.ErrInvalidState)
	}

	uploaded := p.UploadedAt
	if uploaded.IsZero() {
		uploaded = s.now()
	}
	chunk := &models.AudioChunk{
		TranscriptID: transcriptID,
		LessonID:     t.LessonID,
		ChunkIndex:   p.ChunkIndex,
		Speaker:      p.Speaker,
		OffsetMs:     p.OffsetMs,
		StoragePath:  p.StoragePath,
		MimeType:     p.MimeType,
		SizeBytes:    p.SizeBytes,
		UploadedAt:   uploaded.UTC(),
		DeleteAt:     p.DeleteAt.UTC(),
	}
	db := s.db.WithContext(ctx)
	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(chunk)
	if res.Error != nil {
		return nil, fmt.Errorf("record chunk: %w", res.Error)
	}
	// read back whichever row won the insert
	stored := &models.AudioChunk{}
	if err := db.Where("transcript_id = ? AND chunk_index = ? AND speaker = ?", transcriptID, p.ChunkIndex, p.Speaker).
		First(stored).Error; err != nil {
		return nil, err
	}
	return stored, nil
}

func retryable(db *gorm.DB, now time.Time, maxAttempts int) *gorm.DB {
	return db.Where("transcribed = ? AND transcription_attempts < ? AND delete_at > ? AND terminal_reason = ?",
		false, maxAttempts, now.UTC(), "")
}

// RetryableChunks selects chunks eligible for another transcription attempt
// across all transcripts, oldest upload first.
func (s *Service) RetryableChunks(ctx context.Context, now time.Time, maxAttempts, limit int) ([]models.AudioChunk, error) {
	var out []models.AudioChunk
	q := retryable(s.db.WithContext(ctx).Model(&models.AudioChunk{}), now, maxAttempts).Order("uploaded_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// RetryableChunksFor is RetryableChunks restricted to one transcript.
func (s *Service) RetryableChunksFor(ctx context.Context, transcriptID string, now time.Time, maxAttempts int) ([]models.AudioChunk, error) {
	var out []models.AudioChunk
	err := retryable(s.db.WithContext(ctx).Model(&models.AudioChunk{}), now, maxAttempts).
		Where("transcript_id = ?", transcriptID).
		Order("chunk_index ASC").Order("speaker ASC").
		Find(&out).Error
	return out, err
}

func (s *Service) ChunksForTranscript(ctx context.Context, transcriptID string) ([]models.AudioChunk, error) {
	var out []models.AudioChunk
	err := s.db.WithContext(ctx).Where("transcript_id = ?", transcriptID).
		Order("chunk_index ASC").Order("speaker ASC").
		Find(&out).Error
	return out, err
}

// GetChunk loads one chunk.
func (s *Service) GetChunk(ctx context.Context, id string) (*models.AudioChunk, error) {
	var c models.AudioChunk
	if err := s.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("chunk %s: %w", id, apperr.ErrNotFound)
		}
		return nil, err
	}
	return &c, nil
}

// CompleteChunk marks the chunk transcribed and appends its segments in one
// transaction. The chunk must still be untranscribed with the attempt count
// the caller read, otherwise ErrChunkConflict. A terminal transcript yields
// ErrInvalidState and nothing is written.
func (s *Service) CompleteChunk(ctx context.Context, chunk *models.AudioChunk, segs []SegmentInput, at time.Time) (int, error) {
	var appended int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.lockActive(tx, chunk.TranscriptID); err != nil {
			return err
		}
		res := tx.Model(&models.AudioChunk{}).
			Where("id = ? AND transcribed = ? AND transcription_attempts = ? AND terminal_reason = ?",
				chunk.ID, false, chunk.TranscriptionAttempts, "").
			Updates(map[string]interface{}{
				"transcribed":                true,
				"transcription_attempts":     chunk.TranscriptionAttempts + 1,
				"last_transcription_attempt": at.UTC(),
				"last_error":                 "",
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrChunkConflict
		}
		n, err := s.appendLocked(tx, chunk.TranscriptID, segs)
		appended = n
		return err
	})
	if err != nil {
		return 0, err
	}
	chunk.Transcribed = true
	chunk.TranscriptionAttempts++
	stamp := at.UTC()
	chunk.LastTranscriptionAttempt = &stamp
	chunk.LastError = ""
	return appended, nil
}

// FailChunk records a failed attempt. The chunk leaves the retry pool with
// reason when one is given, or with max_attempts once the new count reaches
// maxAttempts.
func (s *Service) FailChunk(ctx context.Context, chunk *models.AudioChunk, at time.Time, cause error, maxAttempts int, reason models.ChunkTerminalReason) error {
	attempts := chunk.TranscriptionAttempts + 1
	if reason == "" && attempts >= maxAttempts {
		reason = models.ChunkMaxAttempts
	}
	msg := ""
	if cause != nil {
		msg = truncate(cause.Error(), maxErrorLen)
	}
	res := s.db.WithContext(ctx).Model(&models.AudioChunk{}).
		Where("id = ? AND transcribed = ? AND transcription_attempts = ? AND terminal_reason = ?",
			chunk.ID, false, chunk.TranscriptionAttempts, "").
		Updates(map[string]interface{}{
			"transcription_attempts":     attempts,
			"last_transcription_attempt": at.UTC(),
			"last_error":                 msg,
			"terminal_reason":            reason,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrChunkConflict
	}
	chunk.TranscriptionAttempts = attempts
	stamp := at.UTC()
	chunk.LastTranscriptionAttempt = &stamp
	chunk.LastError = msg
	chunk.TerminalReason = reason
	if reason != "" {
		s.logger.Warn("chunk left retry pool",
			zap.String("chunkId", chunk.ID),
			zap.String("reason", string(reason)),
			zap.Int("attempts", attempts))
	}
	return nil
}

// MarkChunkTerminal takes an untranscribed chunk out of the retry pool
// without counting an attempt.
func (s *Service) MarkChunkTerminal(ctx context.Context, chunkID string, reason models.ChunkTerminalReason) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.AudioChunk{}).
		Where("id = ? AND transcribed = ? AND terminal_reason = ?", chunkID, false, "").
		Update("terminal_reason", reason)
	return res.RowsAffected == 1, res.Error
}

// MarkExpiredChunks flags every untranscribed chunk past its retention
// deadline so stats can tell expiry apart from exhausted retries.
func (s *Service) MarkExpiredChunks(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.AudioChunk{}).
		Where("transcribed = ? AND terminal_reason = ? AND delete_at <= ?", false, "", now.UTC()).
		Update("terminal_reason", models.ChunkExpired)
	return res.RowsAffected, res.Error
}

// ChunkStats counts chunks by outcome.
type ChunkStats struct {
	Total               int64 `json:"total"`
	Transcribed         int64 `json:"transcribed"`
	Pending             int64 `json:"pending"`
	PermanentlyFailed   int64 `json:"permanentlyFailed"`
	Expired             int64 `json:"expired"`
	Closed              int64 `json:"closed"`
	AudioMissing        int64 `json:"audioMissing"`
	UnsupportedLanguage int64 `json:"unsupportedLanguage"`
}

func (s *Service) ChunkStats(ctx context.Context, now time.Time) (ChunkStats, error) {
	var rows []struct {
		Transcribed    bool
		TerminalReason models.ChunkTerminalReason
		Expired        bool
		N              int64
	}
	err := s.db.WithContext(ctx).Model(&models.AudioChunk{}).
		Select("transcribed, terminal_reason, (delete_at <= ?) AS expired, COUNT(*) AS n", now.UTC()).
		Group("transcribed, terminal_reason, expired").
		Scan(&rows).Error
	if err != nil {
		return ChunkStats{}, err
	}

	var st ChunkStats
	for _, r := range rows {
		st.Total += r.N
		switch {
		case r.Transcribed:
			st.Transcribed += r.N
		case r.TerminalReason == models.ChunkMaxAttempts:
			st.PermanentlyFailed += r.N
		case r.TerminalReason == models.ChunkExpired:
			st.Expired += r.N
		case r.TerminalReason == models.ChunkTranscriptClosed:
			st.Closed += r.N
		case r.TerminalReason == models.ChunkAudioMissing:
			st.AudioMissing += r.N
		case r.TerminalReason == models.ChunkUnsupportedLanguage:
			st.UnsupportedLanguage += r.N
		case r.Expired:
			// not yet flagged by the expiry sweep
			st.Expired += r.N
		default:
			st.Pending += r.N
		}
	}
	return st, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n]
}
