package audiostore

import (
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"
)

// RootPrefix is the key prefix shared by every lesson chunk.
const RootPrefix = "lessons/"

var extensions = map[string]string{
	"audio/webm": "webm",
	"audio/wav":  "wav",
	"audio/wave": "wav",
	"audio/ogg":  "ogg",
	"audio/mpeg": "mp3",
	"audio/mp4":  "m4a",
}

// Extension maps a MIME type (parameters ignored) to a file extension.
func Extension(mimeType string) string {
	base, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(mimeType)), ";")
	if ext, ok := extensions[strings.TrimSpace(base)]; ok {
		return ext
	}
	return "bin"
}

// LessonPrefix returns the key prefix for all chunks of a lesson.
func LessonPrefix(lessonID string) (string, error) {
	if err := validSegment("lesson id", lessonID); err != nil {
		return "", err
	}
	return RootPrefix + lessonID + "/", nil
}

// ChunkPath builds lessons/{lessonId}/chunk-{index}-{speaker}-{uploadMs}.{ext}.
func ChunkPath(lessonID string, chunkIndex int, speaker string, uploadedAt time.Time, mimeType string) (string, error) {
	prefix, err := LessonPrefix(lessonID)
	if err != nil {
		return "", err
	}
	if chunkIndex < 0 {
		return "", fmt.Errorf("audiostore: negative chunk index %d", chunkIndex)
	}
	if err := validSegment("speaker", speaker); err != nil {
		return "", err
	}
	if strings.Contains(speaker, "-") {
		return "", fmt.Errorf("audiostore: speaker %q must not contain '-'", speaker)
	}
	name := fmt.Sprintf("chunk-%d-%s-%d.%s", chunkIndex, speaker, uploadedAt.UnixMilli(), Extension(mimeType))
	return prefix + name, nil
}

// UploadTimeFromPath recovers the upload timestamp encoded in a chunk key.
func UploadTimeFromPath(key string) (time.Time, bool) {
	name := path.Base(key)
	if !strings.HasPrefix(name, "chunk-") {
		return time.Time{}, false
	}
	name = strings.TrimSuffix(name, path.Ext(name))
	idx := strings.LastIndex(name, "-")
	if idx < 0 {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(name[idx+1:], 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(ms).UTC(), true
}

func validSegment(what, v string) error {
	if strings.TrimSpace(v) == "" {
		return fmt.Errorf("audiostore: empty %s", what)
	}
	if strings.ContainsAny(v, "/\\") || v == "." || v == ".." {
		return fmt.Errorf("audiostore: invalid %s %q", what, v)
	}
	return nil
}
