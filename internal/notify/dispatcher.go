package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"llm-crypto-trader/internal/logger"
)

// Sink delivers events to one channel.
type Sink interface {
	Name() string
	Send(ctx context.Context, ev Event) error
}

// Dispatcher fans events out to sinks from a bounded queue. Publish never
// blocks the caller; when the queue is full the event is dropped and logged.
type Dispatcher struct {
	sinks       []Sink
	queue       chan Event
	sendTimeout time.Duration
	dropped     atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

func NewDispatcher(queueSize int, sinks ...Sink) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Dispatcher{
		sinks:       sinks,
		queue:       make(chan Event, queueSize),
		sendTimeout: 10 * time.Second,
		done:        make(chan struct{}),
	}
}

func (d *Dispatcher) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	select {
	case d.queue <- ev:
	default:
		n := d.dropped.Add(1)
		logger.Warn(context.Background(), "Notification queue full, event dropped", "kind", ev.Kind, "pair", ev.Pair, "dropped_total", n)
	}
}

// Dropped is the number of events discarded because the queue was full.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Run delivers events until ctx is done, then drains what is already queued.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case ev := <-d.queue:
			d.deliver(ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-d.queue:
					d.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

// Wait blocks until Run has drained and returned.
func (d *Dispatcher) Wait() {
	<-d.done
}

func (d *Dispatcher) deliver(ev Event) {
	for _, s := range d.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), d.sendTimeout)
		if err := s.Send(ctx, ev); err != nil {
			logger.ErrorWithErr(ctx, "Notification sink failed", err, "sink", s.Name(), "kind", ev.Kind)
		}
		cancel()
	}
}
