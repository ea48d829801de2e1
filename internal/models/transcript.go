package models

import "time"

// TranscriptStatus is the lifecycle state of a recording session transcript.
type TranscriptStatus string

const (
	TranscriptRecording  TranscriptStatus = "recording"
	TranscriptProcessing TranscriptStatus = "processing"
	TranscriptCompleted  TranscriptStatus = "completed"
	TranscriptFailed     TranscriptStatus = "failed"
)

// Active reports whether segments may still be appended.
func (s TranscriptStatus) Active() bool {
	return s == TranscriptRecording || s == TranscriptProcessing
}

// Terminal reports whether the status can never change again.
func (s TranscriptStatus) Terminal() bool {
	return s == TranscriptCompleted || s == TranscriptFailed
}

// TranscriptMetadata is derived from the segments on every change.
type TranscriptMetadata struct {
	DurationSeconds     float64             `json:"durationSeconds"`
	SpeakingTimeSeconds map[Speaker]float64 `json:"speakingTimeSeconds"`
	WordCount           int                 `json:"wordCount"`
	WordsBySpeaker      map[Speaker]int     `json:"wordsBySpeaker"`
	SegmentCount        int                 `json:"segmentCount"`
}

// Transcript is one lesson recording session.
type Transcript struct {
	Base
	LessonID      string             `json:"lessonId"      gorm:"type:char(36);index;not null"`
	StudentID     string             `json:"studentId"     gorm:"type:char(36);index;not null"`
	TutorID       string             `json:"tutorId"       gorm:"type:char(36);index;not null"`
	Language      string             `json:"language"      gorm:"size:32;not null"`
	StartTime     time.Time          `json:"startTime"     gorm:"not null"`
	EndTime       *time.Time         `json:"endTime"`
	Status        TranscriptStatus   `json:"status"        gorm:"size:16;index;not null"`
	FullText      string             `json:"fullText"      gorm:"type:longtext"`
	Metadata      TranscriptMetadata `json:"metadata"      gorm:"type:text"`
	FailureReason string             `json:"failureReason,omitempty" gorm:"size:512"`

	Segments []TranscriptSegment `json:"segments,omitempty"    gorm:"foreignKey:TranscriptID"`
	Chunks   []AudioChunk        `json:"audioChunks,omitempty" gorm:"foreignKey:TranscriptID"`
}

func (Transcript) TableName() string { return "transcripts" }

// TranscriptSegment is one timestamped, speaker-attributed piece of text.
// Rows are insert-only.
type TranscriptSegment struct {
	ID           uint64    `json:"id"           gorm:"primaryKey;autoIncrement"`
	TranscriptID string    `json:"transcriptId" gorm:"type:char(36);index:idx_segment_order,priority:1;not null"`
	Timestamp    time.Time `json:"timestamp"    gorm:"index:idx_segment_order,priority:2;not null"`
	Speaker      Speaker   `json:"speaker"      gorm:"size:16;not null"`
	Text         string    `json:"text"         gorm:"type:text;not null"`
	Confidence   float64   `json:"confidence"`
	Language     string    `json:"language"     gorm:"size:16"`
	DurationMs   int64     `json:"durationMs"`
	ChunkIndex   *int      `json:"chunkIndex,omitempty"`
	CreatedAt    time.Time `json:"created"`
}

func (TranscriptSegment) TableName() string { return "transcript_segments" }

// ChunkTerminalReason records why a chunk left the retry pool without being
// transcribed. Empty means the chunk is still eligible.
type ChunkTerminalReason string

const (
	ChunkMaxAttempts         ChunkTerminalReason = "max_attempts"
	ChunkExpired             ChunkTerminalReason = "expired"
	ChunkTranscriptClosed    ChunkTerminalReason = "transcript_closed"
	ChunkAudioMissing        ChunkTerminalReason = "audio_missing"
	ChunkUnsupportedLanguage ChunkTerminalReason = "unsupported_language"
)

// AudioChunk is a bounded slice of session audio for one speaker.
type AudioChunk struct {
	Base
	TranscriptID             string              `json:"transcriptId"   gorm:"type:char(36);uniqueIndex:idx_chunk_identity,priority:1;not null"`
	LessonID                 string              `json:"lessonId"       gorm:"type:char(36);index;not null"`
	ChunkIndex               int                 `json:"chunkIndex"     gorm:"uniqueIndex:idx_chunk_identity,priority:2;not null"`
	Speaker                  Speaker             `json:"speaker"        gorm:"size:16;uniqueIndex:idx_chunk_identity,priority:3;not null"`
	OffsetMs                 int64               `json:"offsetMs"       gorm:"not null"`
	StoragePath              string              `json:"storagePath"    gorm:"size:512"`
	MimeType                 string              `json:"mimeType"       gorm:"size:64"`
	SizeBytes                int64               `json:"sizeBytes"`
	UploadedAt               time.Time           `json:"uploadedAt"     gorm:"not null"`
	DeleteAt                 time.Time           `json:"deleteAt"       gorm:"index;not null"`
	Transcribed              bool                `json:"transcribed"    gorm:"index;not null"`
	TranscriptionAttempts    int                 `json:"transcriptionAttempts" gorm:"not null"`
	LastTranscriptionAttempt *time.Time          `json:"lastTranscriptionAttempt"`
	TerminalReason           ChunkTerminalReason `json:"terminalReason,omitempty" gorm:"size:32;index;not null"`
	LastError                string              `json:"lastError,omitempty"      gorm:"size:1024"`
}

func (AudioChunk) TableName() string { return "audio_chunks" }
