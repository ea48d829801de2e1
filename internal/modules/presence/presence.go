// Package presence tracks which users are connected and pushes pipeline
// events to them over Redis pub/sub.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	redisc "github.com/lingvo-space/core/internal/pkg/redis"
	"go.uber.org/zap"
)

const keyPrefix = "presence:user:"

// Event types pushed to connected users.
const (
	EventAnalysisCompleted = "analysis.completed"
	EventLessonCompleted   = "lesson.completed"
)

type Event struct {
	Type         string    `json:"type"`
	LessonID     string    `json:"lessonId"`
	TranscriptID string    `json:"transcriptId,omitempty"`
	AnalysisID   string    `json:"analysisId,omitempty"`
	At           time.Time `json:"at"`
}

// Service resolves a user's live channel from presence:user:{id}. The
// gateway that holds the user's connection writes the key and subscribes
// to the channel it names.
type Service struct {
	rc     *redisc.Client
	logger *zap.Logger
	now    func() time.Time
}

type Option func(*Service)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func New(rc *redisc.Client, opts ...Option) *Service {
	s := &Service{rc: rc, logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func Key(userID string) string { return keyPrefix + userID }

// Lookup returns the channel a user listens on, or false when the user is
// not connected.
func (s *Service) Lookup(ctx context.Context, userID string) (string, bool, error) {
	if s == nil || s.rc == nil || strings.TrimSpace(userID) == "" {
		return "", false, nil
	}
	channel, err := s.rc.Get(ctx, Key(userID))
	if err != nil {
		return "", false, fmt.Errorf("presence lookup: %w", err)
	}
	channel = strings.TrimSpace(channel)
	return channel, channel != "", nil
}

// Notify publishes ev to the user's channel. Absent users are skipped and
// reported as not delivered.
func (s *Service) Notify(ctx context.Context, userID string, ev Event) (bool, error) {
	channel, ok, err := s.Lookup(ctx, userID)
	if err != nil || !ok {
		return false, err
	}
	if ev.At.IsZero() {
		ev.At = s.now().UTC()
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return false, err
	}
	if _, err := s.rc.Publish(ctx, channel, body); err != nil {
		return false, fmt.Errorf("presence publish: %w", err)
	}
	s.logger.Debug("event delivered", zap.String("userId", userID), zap.String("type", ev.Type))
	return true, nil
}

// NotifyAll notifies each user, logging failures instead of returning them.
func (s *Service) NotifyAll(ctx context.Context, ev Event, userIDs ...string) int {
	delivered := 0
	for _, id := range userIDs {
		ok, err := s.Notify(ctx, id, ev)
		if err != nil {
			s.logger.Warn("notify failed", zap.String("userId", id), zap.String("type", ev.Type), zap.Error(err))
			continue
		}
		if ok {
			delivered++
		}
	}
	return delivered
}
