package transcript

import (
	"sort"
	"strings"
	"time"

	"github.com/lingvo-space/core/internal/models"
)

// SegmentInput is one piece of text to append to a transcript.
type SegmentInput struct {
	Timestamp  time.Time
	Speaker    models.Speaker
	Text       string
	Confidence float64
	Language   string
	DurationMs int64
	ChunkIndex *int
}

// SortSegments orders segments chronologically. Ties break on speaker, then
// text, so the order does not depend on insertion order.
func SortSegments(segs []models.TranscriptSegment) {
	sort.SliceStable(segs, func(i, j int) bool {
		a, b := segs[i], segs[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if a.Speaker != b.Speaker {
			return a.Speaker < b.Speaker
		}
		return a.Text < b.Text
	})
}

// FullText joins segment texts in chronological order.
func FullText(segs []models.TranscriptSegment) string {
	sorted := append([]models.TranscriptSegment(nil), segs...)
	SortSegments(sorted)
	parts := make([]string, 0, len(sorted))
	for _, seg := range sorted {
		if text := strings.TrimSpace(seg.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}

// Summarize derives metadata from the segments. Without an end time the
// duration runs to the end of the last segment.
func Summarize(start time.Time, end *time.Time, segs []models.TranscriptSegment) models.TranscriptMetadata {
	meta := models.TranscriptMetadata{
		SpeakingTimeSeconds: map[models.Speaker]float64{},
		WordsBySpeaker:      map[models.Speaker]int{},
		SegmentCount:        len(segs),
	}

	last := start
	for _, seg := range segs {
		words := len(strings.Fields(seg.Text))
		meta.WordCount += words
		meta.WordsBySpeaker[seg.Speaker] += words
		meta.SpeakingTimeSeconds[seg.Speaker] += float64(seg.DurationMs) / 1000
		if segEnd := seg.Timestamp.Add(time.Duration(seg.DurationMs) * time.Millisecond); segEnd.After(last) {
			last = segEnd
		}
	}
	if end != nil {
		last = *end
	}
	if d := last.Sub(start).Seconds(); d > 0 {
		meta.DurationSeconds = d
	}
	return meta
}

func toRows(transcriptID string, fallbackLang string, in []SegmentInput) []models.TranscriptSegment {
	rows := make([]models.TranscriptSegment, 0, len(in))
	for _, seg := range in {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		lang := seg.Language
		if lang == "" {
			lang = fallbackLang
		}
		conf := seg.Confidence
		if conf < 0 {
			conf = 0
		} else if conf > 1 {
			conf = 1
		}
		rows = append(rows, models.TranscriptSegment{
			TranscriptID: transcriptID,
			Timestamp:    seg.Timestamp.UTC(),
			Speaker:      seg.Speaker,
			Text:         text,
			Confidence:   conf,
			Language:     lang,
			DurationMs:   seg.DurationMs,
			ChunkIndex:   seg.ChunkIndex,
		})
	}
	return rows
}
