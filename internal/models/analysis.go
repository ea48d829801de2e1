package models

import (
	"time"

	"gorm.io/datatypes"
)

type AnalysisStatus string

const (
	AnalysisPending    AnalysisStatus = "pending"
	AnalysisProcessing AnalysisStatus = "processing"
	AnalysisCompleted  AnalysisStatus = "completed"
	AnalysisFailed     AnalysisStatus = "failed"
)

// Analysis is the AI assessment of one lesson. There is at most one row per lesson.
type Analysis struct {
	Base
	LessonID         string         `json:"lessonId"         gorm:"type:char(36);uniqueIndex;not null"`
	TranscriptID     string         `json:"transcriptId"     gorm:"type:char(36);index"`
	StudentID        string         `json:"studentId"        gorm:"type:char(36);index:idx_analysis_pair,priority:1"`
	TutorID          string         `json:"tutorId"          gorm:"type:char(36);index:idx_analysis_pair,priority:2"`
	Status           AnalysisStatus `json:"status"           gorm:"size:16;index;not null"`
	RetryAttempts    int            `json:"retryAttempts"    gorm:"not null"`
	CanRetry         bool           `json:"canRetry"         gorm:"not null"`
	LastRetryAttempt *time.Time     `json:"lastRetryAttempt"`
	ClaimedAt        *time.Time     `json:"claimedAt,omitempty"`
	Error            *string        `json:"error"            gorm:"type:text"`
	ProficiencyLevel string         `json:"proficiencyLevel,omitempty" gorm:"size:8"`
	Payload          datatypes.JSON `json:"payload,omitempty"`
	CompletedAt      *time.Time     `json:"completedAt,omitempty"`
}

func (Analysis) TableName() string { return "analyses" }
