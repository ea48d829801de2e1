package models

import "time"

// LessonModel mirrors the booking system's lessons table. The pipeline only
// reads it, apart from stamping the actual call end once.
type LessonModel struct {
	Base
	StudentID             string     `json:"studentId"      gorm:"type:char(36);index;not null"`
	TutorID               string     `json:"tutorId"        gorm:"type:char(36);index;not null"`
	Language              string     `json:"language"       gorm:"size:32"`
	StudentLevel          string     `json:"studentLevel"   gorm:"size:8"`
	ScheduledStart        time.Time  `json:"scheduledStart" gorm:"not null"`
	ScheduledEnd          time.Time  `json:"scheduledEnd"   gorm:"index;not null"`
	ActualCallStartTime   *time.Time `json:"actualCallStartTime"`
	ActualCallEndTime     *time.Time `json:"actualCallEndTime"`
	ActualDurationSeconds *int64     `json:"actualDurationSeconds"`
}

func (LessonModel) TableName() string { return "lessons" }
