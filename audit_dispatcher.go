package authkit

import (
	"context"
	"sync/atomic"
)

// auditDispatcher moves audit emission off the request path. Events queue
// to a single writer goroutine; by default a full queue sheds the event
// and counts it, since a slow sink must never hold up a login. With
// BlockWhenFull set, Emit waits for space instead, bounded by the caller's
// context.
type auditDispatcher struct {
	sink    AuditSink
	queue   chan AuditEvent
	quit    chan struct{}
	flushed chan struct{}
	block   bool
	stopped atomic.Bool
	dropped atomic.Uint64
}

func newAuditDispatcher(cfg AuditConfig, sink AuditSink) *auditDispatcher {
	if !cfg.Enabled {
		return nil
	}
	if sink == nil {
		sink = NoOpSink{}
	}
	size := cfg.BufferSize
	if size <= 0 {
		size = 1
	}

	d := &auditDispatcher{
		sink:    sink,
		queue:   make(chan AuditEvent, size),
		quit:    make(chan struct{}),
		flushed: make(chan struct{}),
		block:   cfg.BlockWhenFull,
	}
	go d.writer()
	return d
}

// writer is the single consumer. On shutdown it delivers what is already
// queued, then reports back through flushed.
func (d *auditDispatcher) writer() {
	defer close(d.flushed)

	for {
		select {
		case event := <-d.queue:
			d.sink.Emit(context.Background(), event)
		case <-d.quit:
			for n := len(d.queue); n > 0; n-- {
				d.sink.Emit(context.Background(), <-d.queue)
			}
			return
		}
	}
}

func (d *auditDispatcher) Emit(ctx context.Context, event AuditEvent) {
	if d == nil || d.stopped.Load() {
		return
	}

	if !d.block {
		select {
		case d.queue <- event:
		default:
			d.dropped.Add(1)
		}
		return
	}

	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case d.queue <- event:
	case <-ctx.Done():
	case <-d.quit:
	}
}

// Close stops intake and waits for queued events to reach the sink.
func (d *auditDispatcher) Close() {
	if d == nil || !d.stopped.CompareAndSwap(false, true) {
		return
	}
	close(d.quit)
	<-d.flushed
}

// Dropped reports how many events were shed on a full queue.
func (d *auditDispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
