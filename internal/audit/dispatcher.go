package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"tradeguard.io/internal/obs"
)

type job struct {
	entry Entry
	alert *Alert
}

// Dispatcher persists entries and delivers alerts on a bounded worker pool
// so request goroutines never wait on storage.
type Dispatcher struct {
	store   Store
	alerter Alerter
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan job
	wg     sync.WaitGroup

	overflow atomic.Uint64
}

// NewDispatcher starts workers goroutines reading from a queue of queueSize.
func NewDispatcher(store Store, alerter Alerter, queueSize, workers int, timeout time.Duration) *Dispatcher {
	d := &Dispatcher{
		store:   store,
		alerter: alerter,
		timeout: timeout,
		queue:   make(chan job, max(queueSize, 1)),
	}
	for range max(workers, 1) {
		d.wg.Add(1)
		go d.run()
	}
	return d
}

// Submit enqueues the entry. When the queue is full or closed the entry goes
// to the fallback log immediately and Submit returns false.
func (d *Dispatcher) Submit(e Entry, a *Alert) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		writeFallback("dispatcher_closed", e)
		return false
	}
	select {
	case d.queue <- job{entry: e, alert: a}:
		return true
	default:
		d.overflow.Add(1)
		obs.ObserveAuditPersistFailure("queue_full")
		writeFallback("queue_full", e)
		return false
	}
}

// Overflowed returns how many entries bypassed the queue because it was full.
func (d *Dispatcher) Overflowed() uint64 { return d.overflow.Load() }

// Close stops accepting work and waits for queued jobs to drain. When ctx
// ends first, jobs still in the queue are written to the fallback log.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		flushed := 0
		for j := range d.queue {
			obs.ObserveAuditPersistFailure("shutdown")
			writeFallback("shutdown", j.entry)
			if j.alert != nil {
				writeAlertFallback("shutdown", *j.alert)
			}
			flushed++
		}
		obs.Warn("audit_drain_incomplete", map[string]any{"flushed": flushed})
		return ctx.Err()
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for j := range d.queue {
		d.process(j)
	}
}

func (d *Dispatcher) process(j job) {
	defer func() {
		if rec := recover(); rec != nil {
			obs.Error("audit_worker_panic", map[string]any{
				"audit_id": j.entry.AuditID,
				"code":     InternalErrorCode,
				"panic":    fmt.Sprint(rec),
			})
			writeFallback(InternalErrorCode, j.entry)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	err := d.store.SaveEntry(ctx, j.entry)
	cancel()
	switch {
	case err == nil:
	case errors.Is(err, ErrDuplicate):
		obs.Warn("audit_duplicate", map[string]any{"audit_id": j.entry.AuditID})
	default:
		reason := "store_error"
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "timeout"
		}
		obs.ObserveAuditPersistFailure(reason)
		obs.Error("audit_persist_failed", map[string]any{"audit_id": j.entry.AuditID, "error": err.Error()})
		writeFallback(reason, j.entry)
	}

	if j.alert != nil {
		d.deliver(*j.alert)
	}
}

func (d *Dispatcher) deliver(a Alert) {
	obs.ObserveAlert(a.AlertType)
	if d.alerter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := d.alerter.Alert(ctx, a)
		cancel()
		if err != nil {
			obs.Error("alert_delivery_failed", map[string]any{"audit_id": a.AuditID, "error": err.Error()})
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if err := d.store.SaveAlert(ctx, a); err != nil && !errors.Is(err, ErrDuplicate) {
		obs.ObserveAuditPersistFailure("alert_store_error")
		obs.Error("alert_persist_failed", map[string]any{"audit_id": a.AuditID, "error": err.Error()})
		writeAlertFallback("alert_store_error", a)
	}
}
