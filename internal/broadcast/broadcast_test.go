package broadcast

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"videoingest/internal/models"
)

func progress(jobID string, pct int) models.Event {
	return models.Event{
		JobID:   jobID,
		Type:    models.EventProgress,
		Status:  models.StatusUploading,
		Percent: models.IntPtr(pct),
		At:      time.Now().UTC(),
	}
}

func done(jobID string) models.Event {
	return models.Event{JobID: jobID, Type: models.EventDone, Status: models.StatusDone, VendorID: "v-1", At: time.Now().UTC()}
}

func receive(t *testing.T, sub Subscription) models.Event {
	t.Helper()
	select {
	case event, ok := <-sub.Events():
		if !ok {
			t.Fatal("subscription closed unexpectedly")
		}
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return models.Event{}
}

func expectClosed(t *testing.T, sub Subscription) {
	t.Helper()
	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Fatal("expected closed subscription")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subscription to close")
	}
}

func TestMemoryDeliversOnlyToJobSubscribers(t *testing.T) {
	b := NewMemory(MemoryConfig{})
	defer b.Close()

	subA, err := b.Subscribe(context.Background(), "job-a")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer subA.Close()
	subB, err := b.Subscribe(context.Background(), "job-b")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer subB.Close()

	if err := b.Publish(context.Background(), progress("job-a", 10)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := receive(t, subA); got.Percent == nil || *got.Percent != 10 {
		t.Fatalf("unexpected event %+v", got)
	}
	select {
	case event := <-subB.Events():
		t.Fatalf("job-b received foreign event %+v", event)
	default:
	}
}

func TestMemoryReplaysLastEvent(t *testing.T) {
	b := NewMemory(MemoryConfig{})
	defer b.Close()

	_ = b.Publish(context.Background(), progress("job-1", 20))
	_ = b.Publish(context.Background(), progress("job-1", 40))

	sub, err := b.Subscribe(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	if got := receive(t, sub); *got.Percent != 40 {
		t.Fatalf("expected replay of the last event, got %d", *got.Percent)
	}
}

func TestMemoryTerminalReplayExpires(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	b := NewMemory(MemoryConfig{Retention: time.Minute, Now: clock})
	defer b.Close()

	_ = b.Publish(context.Background(), done("job-1"))
	now = now.Add(2 * time.Minute)
	// Publishing for another job prunes expired entries.
	_ = b.Publish(context.Background(), progress("job-2", 1))

	sub, err := b.Subscribe(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	select {
	case event := <-sub.Events():
		t.Fatalf("expected no replay after retention, got %+v", event)
	default:
	}
}

func TestMemoryDropsWhenSubscriberIsSlow(t *testing.T) {
	b := NewMemory(MemoryConfig{Buffer: 1})
	defer b.Close()

	sub, err := b.Subscribe(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	for i := 1; i <= 5; i++ {
		if err := b.Publish(context.Background(), progress("job-1", i*10)); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	if got := receive(t, sub); *got.Percent != 10 {
		t.Fatalf("expected the buffered event, got %d", *got.Percent)
	}
}

func TestMemoryKeepsTerminalEventForSlowSubscriber(t *testing.T) {
	b := NewMemory(MemoryConfig{Buffer: 1})
	defer b.Close()

	sub, err := b.Subscribe(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	for i := 1; i <= 3; i++ {
		_ = b.Publish(context.Background(), progress("job-1", i*10))
	}
	if err := b.Publish(context.Background(), done("job-1")); err != nil {
		t.Fatalf("publish done: %v", err)
	}
	if got := receive(t, sub); got.Type != models.EventDone {
		t.Fatalf("expected the terminal event to win the full buffer, got %+v", got)
	}
}

func TestMemoryForgetsStaleProgress(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	b := NewMemory(MemoryConfig{Retention: time.Minute, StaleRetention: time.Hour, Now: clock})
	defer b.Close()

	_ = b.Publish(context.Background(), progress("job-1", 30))
	now = now.Add(30 * time.Minute)
	_ = b.Publish(context.Background(), progress("job-2", 1))

	sub, err := b.Subscribe(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if got := receive(t, sub); *got.Percent != 30 {
		t.Fatalf("expected progress to survive within retention, got %+v", got)
	}
	sub.Close()

	now = now.Add(2 * time.Hour)
	_ = b.Publish(context.Background(), progress("job-2", 2))
	sub, err = b.Subscribe(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	select {
	case event := <-sub.Events():
		t.Fatalf("expected stale progress to be pruned, got %+v", event)
	default:
	}
}

func TestMemorySubscriptionClosesWithContext(t *testing.T) {
	b := NewMemory(MemoryConfig{})
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := b.Subscribe(ctx, "job-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()
	expectClosed(t, sub)
	sub.Close()
	if err := b.Publish(context.Background(), progress("job-1", 5)); err != nil {
		t.Fatalf("publish after close: %v", err)
	}
}

func TestMemoryRejectsAfterClose(t *testing.T) {
	b := NewMemory(MemoryConfig{})
	sub, err := b.Subscribe(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	expectClosed(t, sub)
	if err := b.Publish(context.Background(), progress("job-1", 1)); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := b.Subscribe(context.Background(), "job-1"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := b.Ping(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from ping, got %v", err)
	}
}

func TestPublishValidatesEvent(t *testing.T) {
	b := NewMemory(MemoryConfig{})
	defer b.Close()
	if err := b.Publish(context.Background(), models.Event{Type: models.EventProgress}); err == nil {
		t.Fatal("expected error for missing job id")
	}
	if err := b.Publish(context.Background(), models.Event{JobID: "job-1"}); err == nil {
		t.Fatal("expected error for missing type")
	}
}

func newRedis(t *testing.T) (*miniredis.Miniredis, Broadcaster) {
	t.Helper()
	mr := miniredis.RunT(t)
	b, err := NewRedis(RedisConfig{
		Addr:      mr.Addr(),
		Prefix:    "test",
		Retention: time.Minute,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return mr, b
}

func TestRedisPublishSubscribe(t *testing.T) {
	_, b := newRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := b.Subscribe(ctx, "job-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if err := b.Publish(ctx, progress("job-1", 30)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := b.Publish(ctx, done("job-1")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	first := receive(t, sub)
	if first.Type != models.EventProgress || *first.Percent != 30 {
		t.Fatalf("unexpected first event %+v", first)
	}
	second := receive(t, sub)
	if second.Type != models.EventDone || second.VendorID != "v-1" {
		t.Fatalf("unexpected second event %+v", second)
	}
}

func TestRedisReplaysLastEventWithTTL(t *testing.T) {
	mr, b := newRedis(t)
	ctx := context.Background()

	if err := b.Publish(ctx, done("job-9")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if ttl := mr.TTL("test:last:job-9"); ttl != time.Minute {
		t.Fatalf("expected last event ttl of 1m, got %s", ttl)
	}

	sub, err := b.Subscribe(ctx, "job-9")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if got := receive(t, sub); got.Type != models.EventDone {
		t.Fatalf("expected replayed done event, got %+v", got)
	}
	sub.Close()

	mr.FastForward(2 * time.Minute)
	late, err := b.Subscribe(ctx, "job-9")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer late.Close()
	select {
	case event := <-late.Events():
		t.Fatalf("expected no replay after ttl, got %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRedisSubscriptionEndsWithContext(t *testing.T) {
	_, b := newRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := b.Subscribe(ctx, "job-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()
	expectClosed(t, sub)
}

func TestRedisPing(t *testing.T) {
	mr, b := newRedis(t)
	if err := b.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	mr.Close()
	if err := b.Ping(context.Background()); err == nil {
		t.Fatal("expected ping error against stopped redis")
	}
}

func TestNewRedisRequiresAddr(t *testing.T) {
	if _, err := NewRedis(RedisConfig{}); err == nil {
		t.Fatal("expected error without addr")
	}
	if _, err := NewRedis(RedisConfig{Addr: "127.0.0.1:6379", TLS: RedisTLSConfig{CertFile: "cert.pem"}}); err == nil {
		t.Fatal("expected error for cert without key")
	}
}

func TestNewRedisWithSharedClient(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := NewRedisClient(RedisConfig{Addrs: []string{" ", mr.Addr()}})
	if err != nil {
		t.Fatalf("NewRedisClient: %v", err)
	}
	b, err := NewRedisWithClient(client, RedisConfig{Prefix: "shared"})
	if err != nil {
		t.Fatalf("NewRedisWithClient: %v", err)
	}
	defer b.Close()

	if err := b.Publish(context.Background(), done("job-2")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !mr.Exists("shared:last:job-2") {
		t.Fatal("expected last event stored through the shared client")
	}
	if _, err := NewRedisWithClient(nil, RedisConfig{}); err == nil {
		t.Fatal("expected error for nil client")
	}
}
