package pronunciation

import (
	"fmt"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/lingvo-space/core/internal/models"
)

var t0 = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func segments(n int) []models.TranscriptSegment {
	words := []string{"sí", "casa", "perro", "ferrocarril", "desafortunadamente", "jugo", "año", "extraordinario", "mañana", "tren", "ahí"}
	out := make([]models.TranscriptSegment, n)
	for i := range out {
		text := fmt.Sprintf("%s %s %s", words[i%len(words)], words[(i*7)%len(words)], words[(i*3+1)%len(words)])
		out[i] = models.TranscriptSegment{
			ID:        uint64(i + 1),
			Timestamp: t0.Add(time.Duration(i) * 10 * time.Second),
			Speaker:   models.SpeakerStudent,
			Text:      text,
		}
	}
	return out
}

func TestSampleHundredSegments(t *testing.T) {
	t.Parallel()

	segs := segments(100)
	picks := Sample(segs, "es", "B1", 0.15)
	if len(picks) != 15 {
		t.Fatalf("expected 15 picks, got %d", len(picks))
	}

	ranked := append([]models.TranscriptSegment(nil), segs...)
	sort.SliceStable(ranked, func(i, j int) bool {
		si, sj := Score(ranked[i].Text, "es", "B1"), Score(ranked[j].Text, "es", "B1")
		if si != sj {
			return si > sj
		}
		return ranked[i].Timestamp.Before(ranked[j].Timestamp)
	})
	pool := map[uint64]int{}
	for i, seg := range ranked[:23] {
		pool[seg.ID] = i
	}

	seen := map[uint64]bool{}
	beyondTop15 := false
	for i, p := range picks {
		rank, ok := pool[p.Segment.ID]
		if !ok {
			t.Fatalf("pick %d (segment %d) outside the top-23 pool", i, p.Segment.ID)
		}
		if rank >= 15 {
			beyondTop15 = true
		}
		if seen[p.Segment.ID] {
			t.Fatalf("segment %d picked twice", p.Segment.ID)
		}
		seen[p.Segment.ID] = true
		if i > 0 && p.Segment.Timestamp.Before(picks[i-1].Segment.Timestamp) {
			t.Fatalf("picks not in timestamp order")
		}
	}
	if !beyondTop15 {
		t.Fatalf("picks clustered in the top 15 instead of spread across the pool")
	}
}

func TestTargetCount(t *testing.T) {
	t.Parallel()

	cases := []struct {
		n    int
		rate float64
		want int
	}{
		{0, 0.15, 0},
		{1, 0.15, 1},
		{3, 0.15, 1},
		{7, 0.15, 2},
		{100, 0.15, 15},
		{10, 0, 2},
		{4, 1, 4},
	}
	for _, tc := range cases {
		if got := TargetCount(tc.n, tc.rate); got != tc.want {
			t.Fatalf("TargetCount(%d, %v) = %d, want %d", tc.n, tc.rate, got, tc.want)
		}
	}
}

func TestSampleEdgeCases(t *testing.T) {
	t.Parallel()

	if picks := Sample(nil, "es", "A1", 0.15); len(picks) != 0 {
		t.Fatalf("expected no picks for empty input, got %d", len(picks))
	}

	segs := segments(3)
	picks := Sample(segs, "es", "A1", 1)
	if len(picks) != 3 {
		t.Fatalf("expected every segment at rate 1, got %d", len(picks))
	}
	for i := range picks {
		if picks[i].Segment.ID != segs[i].ID {
			t.Fatalf("picks not restored to timestamp order: %+v", picks)
		}
	}
}

func TestScoreFavoursHardWords(t *testing.T) {
	t.Parallel()

	easy := Score("sí no", "es", "B1")
	hard := Score("ferrocarril desafortunadamente", "es", "B1")
	if hard <= easy {
		t.Fatalf("expected hard text to score higher: easy=%v hard=%v", easy, hard)
	}
	if Score("", "es", "B1") != 0 || Score("¿...?", "es", "B1") != 0 {
		t.Fatalf("expected zero score for text without words")
	}

	// thresholds scale with level: beginners earn length points sooner
	if a1, c2 := Score("casa", "es", "A1"), Score("casa", "es", "C2"); a1 <= c2 {
		t.Fatalf("expected A1 score above C2: %v vs %v", a1, c2)
	}
}

func TestSyllables(t *testing.T) {
	t.Parallel()

	for word, want := range map[string]int{
		"casa":       2,
		"tren":       1,
		"aeropuerto": 4,
		"ahí":        2,
		"東京":         2,
		"привет":     2,
	} {
		if got := syllables(strings.ToLower(word)); got != want {
			t.Fatalf("syllables(%q) = %d, want %d", word, got, want)
		}
	}
}

func TestScoreAcceptsLanguageNames(t *testing.T) {
	t.Parallel()

	text := "perro ferrocarril mañana"
	byCode := Score(text, "es", "B1")
	if byName := Score(text, "Spanish", "B1"); byName != byCode {
		t.Fatalf("Spanish scored %v, es scored %v", byName, byCode)
	}
	if unknown := Score(text, "Klingon", "B1"); unknown >= byCode {
		t.Fatalf("unsupported language earned phonetic points: %v", unknown)
	}

	segs := segments(40)
	byCodePicks := Sample(segs, "es", "B1", 0.15)
	byNamePicks := Sample(segs, "Spanish", "B1", 0.15)
	if len(byCodePicks) != len(byNamePicks) {
		t.Fatalf("pick counts differ: %d vs %d", len(byCodePicks), len(byNamePicks))
	}
	for i := range byCodePicks {
		if byCodePicks[i].Score != byNamePicks[i].Score {
			t.Fatalf("pick %d scored %v by code and %v by name", i, byCodePicks[i].Score, byNamePicks[i].Score)
		}
	}
}

func TestKoreanPhoneticPatterns(t *testing.T) {
	t.Parallel()

	for word, want := range map[string]float64{
		"까치":  1, // tense initial
		"읽었다": 2, // double final and past tense
		"의사":  1,
		"나라":  0,
	} {
		if got := phoneticPoints(word, "ko"); got != want {
			t.Fatalf("phoneticPoints(%q) = %v, want %v", word, got, want)
		}
	}
}
