package pronunciation

import (
	"math"
	"sort"

	"github.com/lingvo-space/core/internal/models"
)

const DefaultSampleRate = 0.15

// oversample widens the ranked pool before striding over it.
const oversample = 1.5

// Candidate is a segment picked for assessment.
type Candidate struct {
	Segment models.TranscriptSegment
	Score   float64
}

// TargetCount is max(1, ceil(n*rate)), capped at n.
func TargetCount(n int, rate float64) int {
	if n <= 0 {
		return 0
	}
	if rate <= 0 || rate > 1 {
		rate = DefaultSampleRate
	}
	target := int(math.Ceil(float64(n) * rate))
	if target < 1 {
		target = 1
	}
	if target > n {
		target = n
	}
	return target
}

// Sample picks a complexity-weighted, evenly spread subset of segments.
// Segments are ranked by Score, the top ceil(target*1.5) form a pool, and
// picks are taken at a fixed stride across the pool so they do not all come
// from the single hardest stretch. Picks are returned in timestamp order.
func Sample(segs []models.TranscriptSegment, language, level string, rate float64) []Candidate {
	target := TargetCount(len(segs), rate)
	if target == 0 {
		return nil
	}

	ranked := make([]Candidate, len(segs))
	for i, seg := range segs {
		ranked[i] = Candidate{Segment: seg, Score: Score(seg.Text, language, level)}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].Segment.Timestamp.Before(ranked[j].Segment.Timestamp)
	})

	pool := int(math.Ceil(float64(target) * oversample))
	if pool > len(ranked) {
		pool = len(ranked)
	}
	stride := float64(pool) / float64(target)

	picks := make([]Candidate, 0, target)
	for i := 0; i < target; i++ {
		picks = append(picks, ranked[int(math.Floor(float64(i)*stride))])
	}
	sort.SliceStable(picks, func(i, j int) bool {
		return picks[i].Segment.Timestamp.Before(picks[j].Segment.Timestamp)
	})
	return picks
}
