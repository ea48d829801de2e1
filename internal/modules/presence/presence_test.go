package presence

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redisc "github.com/lingvo-space/core/internal/pkg/redis"
	"github.com/redis/go-redis/v9"
)

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis, *redisc.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redisc.Wrap(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = rc.Close() })
	return New(rc), mr, rc
}

func TestNotifyConnectedUser(t *testing.T) {
	t.Parallel()

	s, mr, rc := newTestService(t)
	ctx := context.Background()
	// the connection gateway owns presence keys
	if err := mr.Set(Key("student-1"), "ws:node-a:42"); err != nil {
		t.Fatalf("set presence: %v", err)
	}

	sub := rc.Raw().Subscribe(ctx, "ws:node-a:42")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ok, err := s.Notify(ctx, "student-1", Event{Type: EventAnalysisCompleted, LessonID: "lesson-1", AnalysisID: "a-1"})
	if err != nil || !ok {
		t.Fatalf("notify: ok=%v err=%v", ok, err)
	}

	select {
	case msg := <-sub.Channel():
		var ev Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if ev.Type != EventAnalysisCompleted || ev.AnalysisID != "a-1" || ev.At.IsZero() {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("event not delivered")
	}
}

func TestAbsentUserIsSkipped(t *testing.T) {
	t.Parallel()

	s, mr, _ := newTestService(t)
	ctx := context.Background()

	if _, ok, err := s.Lookup(ctx, "tutor-1"); ok || err != nil {
		t.Fatalf("expected absent user, ok=%v err=%v", ok, err)
	}
	ok, err := s.Notify(ctx, "tutor-1", Event{Type: EventLessonCompleted})
	if ok || err != nil {
		t.Fatalf("absent user should be skipped silently, ok=%v err=%v", ok, err)
	}

	if err := mr.Set(Key("tutor-1"), "ws:node-b:7"); err != nil {
		t.Fatalf("set presence: %v", err)
	}
	mr.SetTTL(Key("tutor-1"), time.Minute)
	mr.FastForward(2 * time.Minute)
	if _, ok, _ := s.Lookup(ctx, "tutor-1"); ok {
		t.Fatalf("expired presence still reported")
	}

	if n := s.NotifyAll(ctx, Event{Type: EventLessonCompleted}, "tutor-1", "student-9"); n != 0 {
		t.Fatalf("expected no deliveries, got %d", n)
	}
}
