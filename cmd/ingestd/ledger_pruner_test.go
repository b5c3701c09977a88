package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"videoingest/internal/observability/logging"
)

type fakeLedger struct {
	calls chan time.Duration
	err   error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{calls: make(chan time.Duration, 1)}
}

func (f *fakeLedger) Prune(olderThan time.Duration) (int, error) {
	select {
	case f.calls <- olderThan:
	default:
	}
	return 1, f.err
}

type manualTicker struct {
	c       chan time.Time
	stopped chan struct{}
}

func newManualTicker() *manualTicker {
	return &manualTicker{
		c:       make(chan time.Time, 1),
		stopped: make(chan struct{}),
	}
}

func (m *manualTicker) C() <-chan time.Time {
	return m.c
}

func (m *manualTicker) Stop() {
	select {
	case <-m.stopped:
		return
	default:
		close(m.stopped)
	}
}

func (m *manualTicker) Tick() {
	select {
	case m.c <- time.Now():
	default:
	}
}

func TestStartLedgerPruneWorker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticker := newManualTicker()
	store := newFakeLedger()
	stop := startLedgerPruneWorkerWithTicker(ctx, logging.Discard(), store, 48*time.Hour, time.Minute, func(time.Duration) pruneTicker {
		return ticker
	})

	ticker.Tick()
	select {
	case retention := <-store.calls:
		if retention != 48*time.Hour {
			t.Fatalf("expected retention passed through, got %s", retention)
		}
	case <-time.After(time.Second):
		t.Fatal("expected prune to be invoked")
	}

	cancel()
	stop()

	select {
	case <-ticker.stopped:
	case <-time.After(time.Second):
		t.Fatal("expected ticker to stop after context cancellation")
	}
}

func TestLedgerPruneWorkerSurvivesErrors(t *testing.T) {
	ticker := newManualTicker()
	store := newFakeLedger()
	store.err = errors.New("disk full")
	stop := startLedgerPruneWorkerWithTicker(context.Background(), logging.Discard(), store, time.Hour, time.Minute, func(time.Duration) pruneTicker {
		return ticker
	})
	defer stop()

	for i := 0; i < 2; i++ {
		ticker.Tick()
		select {
		case <-store.calls:
		case <-time.After(time.Second):
			t.Fatalf("tick %d: expected prune attempt after a failure", i)
		}
	}
}

func TestLedgerPruneWorkerDisabled(t *testing.T) {
	store := newFakeLedger()
	stop := startLedgerPruneWorkerWithTicker(context.Background(), logging.Discard(), store, 0, time.Minute, func(time.Duration) pruneTicker {
		t.Fatal("ticker must not be created when retention is disabled")
		return nil
	})
	stop()
	stop()
}
