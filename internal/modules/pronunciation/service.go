// Package pronunciation samples student speech and scores it with a
// pronunciation assessment capability.
package pronunciation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/lingvo-space/core/internal/models"
	"github.com/lingvo-space/core/internal/pkg/langcode"
	"go.uber.org/zap"
)

// AudioReader reads stored chunk audio.
type AudioReader interface {
	Get(ctx context.Context, path string) ([]byte, error)
}

type Config struct {
	SampleRate    float64
	FlagThreshold float64
	CallTimeout   time.Duration
}

// FlaggedWord is a word scored below the flag threshold.
type FlaggedWord struct {
	Word      string          `json:"word"`
	Accuracy  float64         `json:"accuracy"`
	ErrorType string          `json:"errorType,omitempty"`
	Phonemes  []PhonemeResult `json:"phonemes,omitempty"`
	Context   string          `json:"context"`
	Timestamp time.Time       `json:"timestamp"`
}

type SegmentScore struct {
	SegmentID  uint64     `json:"segmentId"`
	Timestamp  time.Time  `json:"timestamp"`
	Text       string     `json:"text"`
	Complexity float64    `json:"complexity"`
	Scores     Assessment `json:"scores"`
}

// Summary aggregates the assessments of one session.
type Summary struct {
	Sampled      int            `json:"sampled"`
	Assessed     int            `json:"assessed"`
	Overall      float64        `json:"overall"`
	Accuracy     float64        `json:"accuracy"`
	Fluency      float64        `json:"fluency"`
	Prosody      float64        `json:"prosody"`
	Completeness float64        `json:"completeness"`
	FlaggedWords []FlaggedWord  `json:"flaggedWords"`
	Segments     []SegmentScore `json:"segments"`
}

type Service struct {
	assessor  Assessor
	converter Converter
	audio     AudioReader
	cfg       Config
	logger    *zap.Logger
}

type Option func(*Service)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewService(assessor Assessor, converter Converter, audio AudioReader, cfg Config, opts ...Option) *Service {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.FlagThreshold <= 0 {
		cfg.FlagThreshold = 60
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	s := &Service{assessor: assessor, converter: converter, audio: audio, cfg: cfg, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AssessSession samples the student's segments and assesses each pick
// against its chunk audio. Per-segment failures are logged and skipped; an
// error is returned only when nothing could be assessed. A session without
// student speech, or in a language the assessor does not cover, yields a nil
// summary.
func (s *Service) AssessSession(ctx context.Context, t *models.Transcript, segs []models.TranscriptSegment, chunks []models.AudioChunk, level string) (*Summary, error) {
	lang, err := langcode.Normalize(t.Language)
	if err != nil {
		s.logger.Info("skip pronunciation assessment", zap.String("transcriptId", t.ID), zap.Error(err))
		return nil, nil
	}
	student := make([]models.TranscriptSegment, 0, len(segs))
	for _, seg := range segs {
		if seg.Speaker == models.SpeakerStudent && seg.ChunkIndex != nil {
			student = append(student, seg)
		}
	}
	picks := Sample(student, lang, level, s.cfg.SampleRate)
	if len(picks) == 0 {
		return nil, nil
	}

	byIndex := make(map[int]models.AudioChunk, len(chunks))
	for _, c := range chunks {
		if c.Speaker == models.SpeakerStudent {
			byIndex[c.ChunkIndex] = c
		}
	}

	sum := &Summary{Sampled: len(picks), FlaggedWords: []FlaggedWord{}, Segments: []SegmentScore{}}
	raw := map[int][]byte{}
	var lastErr error
	for _, pick := range picks {
		seg := pick.Segment
		log := s.logger.With(zap.Uint64("segmentId", seg.ID), zap.String("transcriptId", t.ID))

		chunk, ok := byIndex[*seg.ChunkIndex]
		if !ok || chunk.StoragePath == "" {
			log.Debug("no stored audio for sampled segment")
			continue
		}
		audio, ok := raw[chunk.ChunkIndex]
		if !ok {
			data, err := s.audio.Get(ctx, chunk.StoragePath)
			if err != nil {
				log.Warn("load chunk audio failed", zap.Error(err))
				lastErr = err
				continue
			}
			raw[chunk.ChunkIndex] = data
			audio = data
		}

		chunkStart := t.StartTime.Add(time.Duration(chunk.OffsetMs) * time.Millisecond)
		clip := Clip{Start: seg.Timestamp.Sub(chunkStart), Duration: time.Duration(seg.DurationMs) * time.Millisecond}
		if clip.Start < 0 {
			clip.Start = 0
		}
		wav, err := s.converter.ToWAV(ctx, audio, chunk.MimeType, clip)
		if err != nil {
			log.Warn("convert audio failed", zap.Error(err))
			lastErr = err
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
		res, err := s.assessor.Assess(callCtx, wav, seg.Text, lang)
		cancel()
		if err != nil {
			log.Warn("pronunciation assessment failed", zap.Error(err))
			lastErr = err
			continue
		}
		s.add(sum, pick, res)
	}

	if sum.Assessed == 0 {
		if lastErr == nil {
			lastErr = errors.New("no sampled segment has stored audio")
		}
		return nil, fmt.Errorf("pronunciation: nothing assessed: %w", lastErr)
	}
	n := float64(sum.Assessed)
	sum.Overall = round2(sum.Overall / n)
	sum.Accuracy = round2(sum.Accuracy / n)
	sum.Fluency = round2(sum.Fluency / n)
	sum.Prosody = round2(sum.Prosody / n)
	sum.Completeness = round2(sum.Completeness / n)
	sort.SliceStable(sum.FlaggedWords, func(i, j int) bool {
		return sum.FlaggedWords[i].Accuracy < sum.FlaggedWords[j].Accuracy
	})
	return sum, nil
}

func (s *Service) add(sum *Summary, pick Candidate, res *Assessment) {
	sum.Assessed++
	sum.Overall += res.Overall
	sum.Accuracy += res.Accuracy
	sum.Fluency += res.Fluency
	sum.Prosody += res.Prosody
	sum.Completeness += res.Completeness
	sum.Segments = append(sum.Segments, SegmentScore{
		SegmentID:  pick.Segment.ID,
		Timestamp:  pick.Segment.Timestamp,
		Text:       pick.Segment.Text,
		Complexity: round2(pick.Score),
		Scores:     *res,
	})
	for _, w := range res.Words {
		if w.Accuracy >= s.cfg.FlagThreshold {
			continue
		}
		sum.FlaggedWords = append(sum.FlaggedWords, FlaggedWord{
			Word:      w.Word,
			Accuracy:  w.Accuracy,
			ErrorType: w.ErrorType,
			Phonemes:  w.Phonemes,
			Context:   pick.Segment.Text,
			Timestamp: pick.Segment.Timestamp,
		})
	}
}
