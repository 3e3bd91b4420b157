package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically sweeps participants with stale heartbeats into the
// normal settle path.
type Timer struct {
	svc      *Service
	timeout  time.Duration
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a heartbeat-sweep timer. timeout is how long a
// participant may go silent before being settled.
func NewTimer(svc *Service, timeout time.Duration, logger *slog.Logger) *Timer {
	return &Timer{
		svc:      svc,
		timeout:  timeout,
		interval: 30 * time.Second,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the periodic sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in heartbeat sweep", "panic", fmt.Sprint(r))
		}
	}()

	start := time.Now()
	settled, err := t.svc.SweepStale(ctx, t.timeout)
	sweepDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		t.logger.Warn("heartbeat sweep failed", "error", err)
		return
	}
	sweepStaleFound.Set(float64(settled))
	if settled > 0 {
		t.logger.Info("heartbeat sweep settled stale participants", "count", settled)
	}
}
