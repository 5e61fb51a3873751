package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"petition-billing/pkg/metrics"
)

// Dispatcher delivers notifications asynchronously (fire-and-forget).
// Notify never blocks the caller: when the buffer is full the notification is
// dropped and counted. Close stops intake and drains what is queued.
type Dispatcher struct {
	next    Notifier
	log     *slog.Logger
	m       *metrics.Metrics
	timeout time.Duration

	queue chan Notification
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewDispatcher(next Notifier, log *slog.Logger, m *metrics.Metrics, buffer, workers int) *Dispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	if workers <= 0 {
		workers = 2
	}
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{
		next:    next,
		log:     log,
		m:       m,
		timeout: 10 * time.Second,
		queue:   make(chan Notification, buffer),
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.run()
	}
	return d
}

func (d *Dispatcher) Notify(_ context.Context, n Notification) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.m.Notification(string(n.Type), "dropped")
		return nil
	}
	select {
	case d.queue <- n:
	default:
		d.m.Notification(string(n.Type), "dropped")
		d.log.Warn("notification dropped: queue full", "user_id", n.UserID, "type", n.Type)
	}
	return nil
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for n := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := d.next.Notify(ctx, n)
		cancel()
		if err != nil {
			d.m.Notification(string(n.Type), "error")
			d.log.Error("notification delivery failed", "user_id", n.UserID, "type", n.Type, "err", err)
			continue
		}
		d.m.Notification(string(n.Type), "sent")
	}
}

// Close drains the queue, waiting at most until ctx is done.
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
