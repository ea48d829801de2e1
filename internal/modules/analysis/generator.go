package analysis

import (
	"context"
	"time"

	"github.com/lingvo-space/core/internal/models"
	"github.com/lingvo-space/core/internal/modules/pronunciation"
)

// Generator turns a finished lesson transcript into a structured report.
type Generator interface {
	Generate(ctx context.Context, in Input) (*Report, error)
}

// Input is everything the generator sees about one lesson.
type Input struct {
	LessonID      string
	Language      string
	StudentLevel  string
	StartTime     time.Time
	Segments      []models.TranscriptSegment
	Metadata      models.TranscriptMetadata
	Pronunciation *pronunciation.Summary
	Prior         []PriorAnalysis
}

// PriorAnalysis is a completed analysis of an earlier lesson between the
// same student and tutor.
type PriorAnalysis struct {
	LessonID         string    `json:"lessonId"`
	CompletedAt      time.Time `json:"completedAt"`
	ProficiencyLevel string    `json:"proficiencyLevel"`
	Summary          string    `json:"summary"`
	Areas            []string  `json:"areasForImprovement"`
}

type GrammarError struct {
	Original    string `json:"original"`
	Correction  string `json:"correction"`
	Explanation string `json:"explanation"`
}

type Vocabulary struct {
	Range       string   `json:"range"`
	NewWords    []string `json:"newWords"`
	Suggestions []string `json:"suggestions"`
}

type Fluency struct {
	Score float64 `json:"score"`
	Notes string  `json:"notes"`
}

// Report is the generator's structured output.
type Report struct {
	ProficiencyLevel    string         `json:"proficiencyLevel"`
	Summary             string         `json:"summary"`
	Strengths           []string       `json:"strengths"`
	AreasForImprovement []string       `json:"areasForImprovement"`
	GrammarErrors       []GrammarError `json:"grammarErrors"`
	Vocabulary          Vocabulary     `json:"vocabulary"`
	Fluency             Fluency        `json:"fluency"`
	Recommendations     []string       `json:"recommendations"`
	ProgressNotes       string         `json:"progressNotes,omitempty"`
}

// Payload is what gets stored in the analysis row.
type Payload struct {
	Report
	Pronunciation *pronunciation.Summary    `json:"pronunciation,omitempty"`
	Metadata      models.TranscriptMetadata `json:"metadata"`
	PriorLessons  []string                  `json:"priorLessons,omitempty"`
}
