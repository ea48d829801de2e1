// Package audiostore keeps raw lesson audio chunks for a bounded retention
// window so failed transcriptions can be retried.
package audiostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lingvo-space/core/internal/pkg/apperr"
	"go.uber.org/zap"
)

// DefaultRetention is how long raw audio is kept after upload.
const DefaultRetention = 48 * time.Hour

// Object describes one stored blob.
type Object struct {
	Key      string
	Size     int64
	Modified time.Time
}

// Backend is the blob primitive a Store is built on. Read and Metadata
// return apperr.ErrNotFound for missing keys; Remove of a missing key is not
// an error.
type Backend interface {
	Write(ctx context.Context, key string, data []byte, mimeType string, meta Metadata) error
	Read(ctx context.Context, key string) ([]byte, error)
	Remove(ctx context.Context, key string) error
	Walk(ctx context.Context, prefix string, fn func(Object) error) error
	Metadata(ctx context.Context, key string) (Metadata, error)
}

type PutInput struct {
	LessonID   string
	ChunkIndex int
	Speaker    string
	Data       []byte
	MimeType   string
	// UploadedAt defaults to the store clock.
	UploadedAt time.Time
}

type PutResult struct {
	Path      string    `json:"path"`
	SizeBytes int64     `json:"sizeBytes"`
	DeleteAt  time.Time `json:"deleteAt"`
}

type SweepResult struct {
	Deleted int `json:"deleted"`
	Errors  int `json:"errors"`
}

type Stats struct {
	TotalFiles     int        `json:"totalFiles"`
	TotalSizeBytes int64      `json:"totalSizeBytes"`
	Oldest         *time.Time `json:"oldest"`
	Newest         *time.Time `json:"newest"`
}

// Store implements the durable audio store contract over a Backend.
type Store struct {
	backend   Backend
	retention time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

type Option func(*Store)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithRetention(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.retention = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func New(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend:   backend,
		retention: DefaultRetention,
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Retention returns the configured retention window.
func (s *Store) Retention() time.Duration { return s.retention }

// Put stores one chunk and returns where it lives and when it expires.
func (s *Store) Put(ctx context.Context, in PutInput) (PutResult, error) {
	if len(in.Data) == 0 {
		return PutResult{}, fmt.Errorf("audiostore: empty chunk")
	}
	uploaded := in.UploadedAt
	if uploaded.IsZero() {
		uploaded = s.now()
	}
	uploaded = uploaded.UTC()

	key, err := ChunkPath(in.LessonID, in.ChunkIndex, in.Speaker, uploaded, in.MimeType)
	if err != nil {
		return PutResult{}, err
	}
	meta := Metadata{
		LessonID:   in.LessonID,
		ChunkIndex: in.ChunkIndex,
		Speaker:    in.Speaker,
		UploadedAt: uploaded,
		DeleteAt:   uploaded.Add(s.retention),
	}
	if err := s.backend.Write(ctx, key, in.Data, in.MimeType, meta); err != nil {
		return PutResult{}, fmt.Errorf("audiostore: write %s: %w", key, err)
	}
	return PutResult{Path: key, SizeBytes: int64(len(in.Data)), DeleteAt: meta.DeleteAt}, nil
}

// Get returns the chunk bytes at path.
func (s *Store) Get(ctx context.Context, path string) ([]byte, error) {
	if path == "" {
		return nil, fmt.Errorf("audiostore: empty path: %w", apperr.ErrNotFound)
	}
	data, err := s.backend.Read(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("audiostore: read %s: %w", path, err)
	}
	return data, nil
}

// Delete removes path. Deleting an absent object succeeds.
func (s *Store) Delete(ctx context.Context, path string) error {
	if path == "" {
		return nil
	}
	if err := s.backend.Remove(ctx, path); err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return fmt.Errorf("audiostore: delete %s: %w", path, err)
	}
	return nil
}

// DeleteAllForLesson removes every chunk stored for a lesson.
func (s *Store) DeleteAllForLesson(ctx context.Context, lessonID string) (int, error) {
	prefix, err := LessonPrefix(lessonID)
	if err != nil {
		return 0, err
	}
	var keys []string
	if err := s.backend.Walk(ctx, prefix, func(o Object) error {
		keys = append(keys, o.Key)
		return nil
	}); err != nil {
		return 0, fmt.Errorf("audiostore: list %s: %w", prefix, err)
	}

	deleted := 0
	for _, key := range keys {
		if err := s.Delete(ctx, key); err != nil {
			return deleted, err
		}
		deleted++
	}
	s.logger.Info("deleted lesson audio", zap.String("lessonId", lessonID), zap.Int("count", deleted))
	return deleted, nil
}

// SweepExpired removes objects whose deleteAt is not after now. A failure on
// one object is counted and logged; the sweep moves on.
func (s *Store) SweepExpired(ctx context.Context, now time.Time) (SweepResult, error) {
	var result SweepResult
	var expired []string

	walkErr := s.backend.Walk(ctx, RootPrefix, func(o Object) error {
		deleteAt, err := s.deleteAt(ctx, o)
		if err != nil {
			result.Errors++
			s.logger.Warn("read audio metadata failed", zap.String("path", o.Key), zap.Error(err))
			return nil
		}
		if !deleteAt.After(now) {
			expired = append(expired, o.Key)
		}
		return nil
	})
	if walkErr != nil {
		return result, fmt.Errorf("audiostore: list: %w", walkErr)
	}

	for _, key := range expired {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := s.Delete(ctx, key); err != nil {
			result.Errors++
			s.logger.Warn("delete expired audio failed", zap.String("path", key), zap.Error(err))
			continue
		}
		result.Deleted++
	}
	if result.Deleted > 0 || result.Errors > 0 {
		s.logger.Info("audio expiry sweep", zap.Int("deleted", result.Deleted), zap.Int("errors", result.Errors))
	}
	return result, nil
}

// deleteAt prefers the stored metadata and falls back to the upload
// timestamp encoded in the object name.
func (s *Store) deleteAt(ctx context.Context, o Object) (time.Time, error) {
	meta, err := s.backend.Metadata(ctx, o.Key)
	if err == nil && !meta.DeleteAt.IsZero() {
		return meta.DeleteAt, nil
	}
	if uploaded, ok := UploadTimeFromPath(o.Key); ok {
		return uploaded.Add(s.retention), nil
	}
	if err == nil {
		err = errors.New("no deleteAt metadata")
	}
	return time.Time{}, err
}

// Stats summarizes everything currently stored.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.backend.Walk(ctx, RootPrefix, func(o Object) error {
		st.TotalFiles++
		st.TotalSizeBytes += o.Size
		m := o.Modified
		if st.Oldest == nil || m.Before(*st.Oldest) {
			st.Oldest = &m
		}
		if st.Newest == nil || m.After(*st.Newest) {
			n := m
			st.Newest = &n
		}
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("audiostore: stats: %w", err)
	}
	return st, nil
}
