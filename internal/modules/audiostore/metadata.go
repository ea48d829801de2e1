package audiostore

import (
	"strconv"
	"strings"
	"time"
)

// Metadata is attached to every stored chunk.
type Metadata struct {
	LessonID   string    `json:"lessonId"`
	ChunkIndex int       `json:"chunkIndex"`
	Speaker    string    `json:"speaker"`
	UploadedAt time.Time `json:"uploadedAt"`
	DeleteAt   time.Time `json:"deleteAt"`
}

// Map renders the metadata as string pairs for object stores.
func (m Metadata) Map() map[string]string {
	return map[string]string{
		"lessonId":   m.LessonID,
		"chunkIndex": strconv.Itoa(m.ChunkIndex),
		"speaker":    m.Speaker,
		"uploadedAt": m.UploadedAt.UTC().Format(time.RFC3339),
		"deleteAt":   m.DeleteAt.UTC().Format(time.RFC3339),
	}
}

// MetadataFromMap parses string pairs written by Map. Keys are matched
// case-insensitively because S3 returns user metadata lower-cased.
func MetadataFromMap(raw map[string]string) Metadata {
	get := func(key string) string {
		for k, v := range raw {
			if strings.EqualFold(k, key) {
				return v
			}
		}
		return ""
	}

	m := Metadata{
		LessonID: get("lessonId"),
		Speaker:  get("speaker"),
	}
	if v, err := strconv.Atoi(get("chunkIndex")); err == nil {
		m.ChunkIndex = v
	}
	if v, err := time.Parse(time.RFC3339, get("uploadedAt")); err == nil {
		m.UploadedAt = v
	}
	if v, err := time.Parse(time.RFC3339, get("deleteAt")); err == nil {
		m.DeleteAt = v
	}
	return m
}
