package history

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// SendTimeout bounds a single Send call.
const SendTimeout = 5 * time.Second

// Dispatcher fans events out to sinks from a background goroutine so the
// caller never blocks on I/O. Events published while the buffer is full are
// dropped and counted.
type Dispatcher struct {
	sinks []Sink
	log   *slog.Logger
	ch    chan Event
	done  chan struct{}

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
	failed  atomic.Int64
}

func NewDispatcher(buffer int, log *slog.Logger, sinks ...Sink) *Dispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{
		sinks: sinks,
		log:   log,
		ch:    make(chan Event, buffer),
		done:  make(chan struct{}),
	}
	go d.run()
	return d
}

// Publish queues e for every sink. It never blocks.
func (d *Dispatcher) Publish(e Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.ch <- e:
	default:
		if d.dropped.Add(1) == 1 {
			d.log.Warn("history buffer full, dropping events")
		}
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for e := range d.ch {
		for _, s := range d.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), SendTimeout)
			if err := s.Send(ctx, e); err != nil {
				d.failed.Add(1)
				d.log.Warn("history sink failed", "type", e.Type, "pool", e.Pool, "pid", e.PID, "error", err)
			}
			cancel()
		}
	}
}

// Close stops accepting events, drains the queue until ctx is done and
// closes the sinks that implement io.Closer.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.ch)
	}
	d.mu.Unlock()

	var err error
	select {
	case <-d.done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	for _, s := range d.sinks {
		if c, ok := s.(io.Closer); ok {
			if cerr := c.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	}
	return err
}

// Dropped is the number of events lost to a full buffer.
func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }

// Failed is the number of Send calls that returned an error.
func (d *Dispatcher) Failed() int64 { return d.failed.Load() }
