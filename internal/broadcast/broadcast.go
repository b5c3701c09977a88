// Package broadcast fans job progress events out to subscribers that joined
// by job id.
package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"

	"videoingest/internal/models"
)

const (
	defaultBuffer    = 32
	defaultRetention = 10 * time.Minute
	// Jobs whose terminal event never arrived are forgotten after this long.
	defaultStaleRetention = 24 * time.Hour
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("broadcaster closed")

// Broadcaster publishes job events and lets clients follow a single job.
type Broadcaster interface {
	Publish(ctx context.Context, event models.Event) error
	Subscribe(ctx context.Context, jobID string) (Subscription, error)
	Ping(ctx context.Context) error
	Close() error
}

// Subscription is one client's event stream. The last known event for the
// job, if any, is delivered first.
type Subscription interface {
	Events() <-chan models.Event
	Close()
}

func validate(event models.Event) error {
	if event.JobID == "" {
		return errors.New("event job id is required")
	}
	if event.Type == "" {
		return errors.New("event type is required")
	}
	return nil
}

// MemoryConfig tunes the in-process broadcaster.
type MemoryConfig struct {
	Buffer int
	// Retention bounds how long the last event of a finished job is replayed.
	Retention time.Duration
	// StaleRetention bounds how long a non-terminal last event is kept.
	StaleRetention time.Duration
	Now            func() time.Time
}

type lastEvent struct {
	event   models.Event
	expires time.Time
}

type memoryBroadcaster struct {
	mu        sync.RWMutex
	subs      map[string]map[*memorySubscription]struct{}
	last      map[string]lastEvent
	buffer         int
	retention      time.Duration
	staleRetention time.Duration
	now            func() time.Time
	closed         bool
}

// NewMemory returns a broadcaster for single-process deployments and tests.
func NewMemory(cfg MemoryConfig) Broadcaster {
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultBuffer
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	if cfg.StaleRetention <= 0 {
		cfg.StaleRetention = defaultStaleRetention
	}
	if cfg.StaleRetention < cfg.Retention {
		cfg.StaleRetention = cfg.Retention
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &memoryBroadcaster{
		subs:           make(map[string]map[*memorySubscription]struct{}),
		last:           make(map[string]lastEvent),
		buffer:         cfg.Buffer,
		retention:      cfg.Retention,
		staleRetention: cfg.StaleRetention,
		now:            cfg.Now,
	}
}

func (b *memoryBroadcaster) Publish(ctx context.Context, event models.Event) error {
	if err := validate(event); err != nil {
		return err
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	now := b.now()
	b.pruneLocked(now)
	entry := lastEvent{event: event, expires: now.Add(b.staleRetention)}
	if event.Terminal() {
		entry.expires = now.Add(b.retention)
	}
	b.last[event.JobID] = entry
	subs := make([]*memorySubscription, 0, len(b.subs[event.JobID]))
	for sub := range b.subs[event.JobID] {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.deliver(event)
	}
	return ctx.Err()
}

func (b *memoryBroadcaster) pruneLocked(now time.Time) {
	for id, entry := range b.last {
		if now.After(entry.expires) {
			delete(b.last, id)
		}
	}
}

func (b *memoryBroadcaster) Subscribe(ctx context.Context, jobID string) (Subscription, error) {
	if jobID == "" {
		return nil, errors.New("job id is required")
	}
	sub := &memorySubscription{
		broadcaster: b,
		jobID:       jobID,
		ch:          make(chan models.Event, b.buffer),
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	if b.subs[jobID] == nil {
		b.subs[jobID] = make(map[*memorySubscription]struct{})
	}
	b.subs[jobID][sub] = struct{}{}
	if entry, ok := b.last[jobID]; ok {
		sub.ch <- entry.event
	}
	b.mu.Unlock()

	stop := context.AfterFunc(ctx, sub.Close)
	sub.mu.Lock()
	if sub.closed {
		stop()
	}
	sub.stop = stop
	sub.mu.Unlock()
	return sub, nil
}

func (b *memoryBroadcaster) Ping(context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

func (b *memoryBroadcaster) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var subs []*memorySubscription
	for _, set := range b.subs {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	b.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
	return nil
}

type memorySubscription struct {
	broadcaster *memoryBroadcaster
	jobID       string
	stop        func() bool

	mu     sync.Mutex
	closed bool
	ch     chan models.Event
}

func (s *memorySubscription) Events() <-chan models.Event {
	return s.ch
}

// deliver never blocks. A full buffer drops progress events; a terminal
// event evicts the oldest buffered one instead so the stream can still end.
func (s *memorySubscription) deliver(event models.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- event:
		return
	default:
	}
	if !event.Terminal() {
		return
	}
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- event:
	default:
	}
}

func (s *memorySubscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.ch)
	stop := s.stop
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	b := s.broadcaster
	b.mu.Lock()
	if set, ok := b.subs[s.jobID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(b.subs, s.jobID)
		}
	}
	b.mu.Unlock()
}
