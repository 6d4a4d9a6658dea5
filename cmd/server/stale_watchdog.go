package main

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// staleReaper drains sessions whose upstream stopped producing data.
type staleReaper interface {
	ReapStale(threshold time.Duration) int
}

type sweepTicker interface {
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

type tickerFactory func(time.Duration) sweepTicker

func startStaleWatchdog(ctx context.Context, logger *slog.Logger, reaper staleReaper, threshold, interval time.Duration) func() {
	return startStaleWatchdogWithTicker(ctx, logger, reaper, threshold, interval, func(d time.Duration) sweepTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func startStaleWatchdogWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	reaper staleReaper,
	threshold time.Duration,
	interval time.Duration,
	newTicker tickerFactory,
) func() {
	if reaper == nil || threshold <= 0 || interval <= 0 {
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
				if reaped := reaper.ReapStale(threshold); reaped > 0 && logger != nil {
					logger.Warn("drained stale sessions", "count", reaped, "threshold", threshold.String())
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
