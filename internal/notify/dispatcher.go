package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	dispatchedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fomorip",
		Subsystem: "notify",
		Name:      "dispatched_total",
		Help:      "Notifications delivered to a publisher, by publisher and kind.",
	}, []string{"publisher", "kind"})

	dispatchErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fomorip",
		Subsystem: "notify",
		Name:      "dispatch_errors_total",
		Help:      "Notification delivery failures, by publisher.",
	}, []string{"publisher"})

	// RecordErrors counts notifications that could not be written at all.
	// Transitions increment it when the savepointed insert fails.
	RecordErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fomorip",
		Subsystem: "notify",
		Name:      "record_errors_total",
		Help:      "Notifications dropped because the insert failed, by kind.",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(dispatchedTotal, dispatchErrors, RecordErrors)
}

// Publisher delivers a notification to an external consumer.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, n *Notification) error
}

// Dispatcher drains pending notifications to publishers. Each publisher
// that accepts a notification is recorded on it and skipped on later ticks.
// The notification is marked sent once every publisher has accepted it.
type Dispatcher struct {
	store      Store
	publishers []Publisher
	interval   time.Duration
	batch      int
	logger     *slog.Logger
	stop       chan struct{}
	running    atomic.Bool
}

// NewDispatcher creates a dispatcher over store.
func NewDispatcher(store Store, logger *slog.Logger, publishers ...Publisher) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:      store,
		publishers: publishers,
		interval:   2 * time.Second,
		batch:      200,
		logger:     logger,
		stop:       make(chan struct{}),
	}
}

// WithInterval overrides the polling interval.
func (d *Dispatcher) WithInterval(interval time.Duration) *Dispatcher {
	if interval > 0 {
		d.interval = interval
	}
	return d
}

// Running reports whether the dispatch loop is running.
func (d *Dispatcher) Running() bool {
	return d.running.Load()
}

// Start runs the dispatch loop. Call in a goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	d.running.Store(true)
	defer d.running.Store(false)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case <-ticker.C:
			d.safeDispatch(ctx)
		}
	}
}

// Stop signals the dispatcher to stop.
func (d *Dispatcher) Stop() {
	select {
	case d.stop <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) safeDispatch(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic in notification dispatcher", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := d.DispatchOnce(ctx); err != nil {
		d.logger.Warn("notification dispatch failed", "error", err)
	}
}

// DispatchOnce delivers one batch and returns how many were marked sent.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	pending, err := d.store.ListPending(ctx, d.batch)
	if err != nil {
		return 0, fmt.Errorf("list pending: %w", err)
	}

	sent := make([]string, 0, len(pending))
	for _, n := range pending {
		delivered := true
		for _, p := range d.publishers {
			if n.DeliveredBy(p.Name()) {
				continue
			}
			if err := p.Publish(ctx, n); err != nil {
				delivered = false
				dispatchErrors.WithLabelValues(p.Name()).Inc()
				d.logger.Warn("notification publish failed",
					"publisher", p.Name(),
					"notification", n.ID,
					"kind", n.Kind,
					"error", err,
				)
				continue
			}
			dispatchedTotal.WithLabelValues(p.Name(), string(n.Kind)).Inc()
			if err := d.store.MarkDelivered(ctx, n.ID, p.Name()); err != nil {
				// Leave it pending; this publisher may see it again.
				delivered = false
				d.logger.Warn("record delivery failed",
					"publisher", p.Name(),
					"notification", n.ID,
					"error", err,
				)
			}
		}
		if delivered {
			sent = append(sent, n.ID)
		}
	}

	if err := d.store.MarkSent(ctx, sent); err != nil {
		return 0, fmt.Errorf("mark sent: %w", err)
	}
	return len(sent), nil
}
