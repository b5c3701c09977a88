package main

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type ledgerPruner interface {
	Prune(olderThan time.Duration) (int, error)
}

type pruneTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) pruneTicker

// startLedgerPruneWorker drops ledger records older than retention every
// interval until ctx ends or the returned stop function is called.
func startLedgerPruneWorker(ctx context.Context, logger *slog.Logger, store ledgerPruner, retention, interval time.Duration) func() {
	return startLedgerPruneWorkerWithTicker(ctx, logger, store, retention, interval, func(d time.Duration) pruneTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func startLedgerPruneWorkerWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	store ledgerPruner,
	retention time.Duration,
	interval time.Duration,
	newTicker tickerFactory,
) func() {
	if store == nil || retention <= 0 || interval <= 0 {
		return func() {}
	}
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C():
				removed, err := store.Prune(retention)
				if err != nil {
					if logger != nil {
						logger.Error("failed to prune job ledger", "error", err)
					}
					continue
				}
				if removed > 0 && logger != nil {
					logger.Info("pruned job ledger", "removed", removed, "retention", retention)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
