package deposits

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically scans custody wallets for new deposits.
type Timer struct {
	monitor  *Monitor
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a deposit scan timer.
func NewTimer(monitor *Monitor, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Timer{
		monitor:  monitor,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}, 1),
	}
}

// Running reports whether the scan loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start runs the scan loop until ctx ends or Stop is called. Call in a
// goroutine.
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
			t.safeTick(ctx)
		}
	}
}

// Stop signals the loop to exit.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in deposit timer", "panic", fmt.Sprint(r))
		}
	}()
	res, err := t.monitor.Scan(ctx)
	if err != nil {
		t.logger.Warn("deposit scan failed", "error", err)
		return
	}
	if res.Recorded > 0 || res.Swapped > 0 || res.Failed > 0 {
		t.logger.Info("deposit scan", "checked", res.Checked, "recorded", res.Recorded,
			"swapped", res.Swapped, "failed", res.Failed)
	}
}
