package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Sweeper abandons expired pending work, such as multi-sig transactions.
type Sweeper interface {
	Sweep(ctx context.Context) (abandoned, executed int, err error)
}

// Timer periodically settles expired escrows and resumes stale settlements.
type Timer struct {
	service  *Service
	sweeper  Sweeper
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new timeout timer. sweeper may be nil.
func NewTimer(service *Service, sweeper Sweeper, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Timer{
		service:  service,
		sweeper:  sweeper,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}, 1),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the timeout loop. Call in a goroutine.
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

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in escrow timer", "panic", fmt.Sprint(r))
		}
	}()
	t.tick(ctx)
}

func (t *Timer) tick(ctx context.Context) {
	// Stale settlements first: an escrow stuck releasing is never listed as
	// expired until its settlement finishes.
	if n, err := t.service.ResumeStale(ctx); err != nil {
		t.logger.Warn("failed to resume stale settlements", "error", err)
	} else if n > 0 {
		t.logger.Info("resumed stale settlements", "count", n)
	}

	if n, err := t.service.ProcessExpired(ctx); err != nil {
		t.logger.Warn("failed to process expired escrows", "error", err)
	} else if n > 0 {
		t.logger.Info("settled expired escrows", "count", n)
	}

	if t.sweeper == nil {
		return
	}
	abandoned, executed, err := t.sweeper.Sweep(ctx)
	if err != nil {
		t.logger.Warn("failed to sweep multi-sig transactions", "error", err)
		return
	}
	if abandoned > 0 || executed > 0 {
		t.logger.Info("swept multi-sig transactions", "abandoned", abandoned, "executed", executed)
	}
}
