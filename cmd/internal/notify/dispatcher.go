package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultDispatchBuffer  = 1024
	defaultDispatchWorkers = 2
	defaultDeliverTimeout  = 5 * time.Second
)

// ErrDispatcherClosed is returned by Notify after Close.
var ErrDispatcherClosed = errors.New("notify: dispatcher closed")

// ErrQueueFull is returned by Notify when the buffer is full. The
// notification is dropped.
var ErrQueueFull = errors.New("notify: queue full")

// Dispatcher decouples callers from a slow Sink: Notify only enqueues into a
// bounded buffer drained by a fixed worker pool.
type Dispatcher struct {
	log     *slog.Logger
	next    Sink
	metrics *Metrics
	timeout time.Duration

	queue chan Notification

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDeliverTimeout bounds each downstream Notify call.
func WithDeliverTimeout(d time.Duration) DispatcherOption {
	return func(x *Dispatcher) {
		if d > 0 {
			x.timeout = d
		}
	}
}

// WithMetrics records drops and delivery failures.
func WithMetrics(m *Metrics) DispatcherOption {
	return func(x *Dispatcher) { x.metrics = m }
}

// NewDispatcher starts workers draining into next.
func NewDispatcher(log *slog.Logger, next Sink, buffer, workers int, opts ...DispatcherOption) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	if buffer <= 0 {
		buffer = defaultDispatchBuffer
	}
	if workers <= 0 {
		workers = defaultDispatchWorkers
	}
	d := &Dispatcher{
		log:     log,
		next:    next,
		timeout: defaultDeliverTimeout,
		queue:   make(chan Notification, buffer),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}

	d.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go d.worker()
	}
	return d
}

// Notify enqueues n without blocking.
func (d *Dispatcher) Notify(_ context.Context, n Notification) error {
	if err := n.Validate(); err != nil {
		return err
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}

	select {
	case d.queue <- n:
		return nil
	default:
		d.metrics.dropped()
		d.log.Warn("notify.drop.queue_full", "kind", string(n.Kind), "recipient_id", n.RecipientID)
		return ErrQueueFull
	}
}

// Close stops accepting notifications and waits for the buffer to drain or
// ctx to end.
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
		return ctx.Err()
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()

	for n := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := d.next.Notify(ctx, n)
		cancel()

		if err != nil {
			d.metrics.failed()
			d.log.Warn("notify.deliver.fail", "kind", string(n.Kind), "recipient_id", n.RecipientID, "err", err)
			continue
		}
		d.metrics.delivered()
	}
}
