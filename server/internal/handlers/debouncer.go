package handlers

import (
	"log/slog"
	"sync"
	"time"
)

// Flusher persists buffered state
type Flusher interface {
	Flush() error
}

// FlushDebouncer retries persistence of artifacts whose write failed.
// Failures within the delay are coalesced into one Flush.
type FlushDebouncer struct {
	store  Flusher
	delay  time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// NewFlushDebouncer creates a debouncer with the specified delay
func NewFlushDebouncer(store Flusher, delay time.Duration, logger *slog.Logger) *FlushDebouncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &FlushDebouncer{store: store, delay: delay, logger: logger}
}

// Schedule queues a flush, resetting the timer if one is already pending
func (d *FlushDebouncer) Schedule() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Reset(d.delay)
		return
	}
	d.timer = time.AfterFunc(d.delay, d.flush)
}

func (d *FlushDebouncer) flush() {
	d.mu.Lock()
	d.timer = nil
	d.mu.Unlock()

	if err := d.store.Flush(); err != nil {
		d.logger.Warn("artifact flush failed, will retry", "error", err)
		d.Schedule()
		return
	}
	d.logger.Info("pending artifacts flushed")
}

// Stop cancels any pending flush and performs a final one
func (d *FlushDebouncer) Stop() error {
	d.mu.Lock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()
	return d.store.Flush()
}
