// Package sink mirrors relay events to external systems without ever blocking the pump.
package sink

import (
	"context"
	"time"

	"github.com/vmorsell/frame-relay/internal/metrics"
	"github.com/vmorsell/frame-relay/pkg/model"
	"go.uber.org/zap"
)

const (
	DefaultQueueSize      = 64
	DefaultPublishTimeout = 5 * time.Second
)

// Event is a status or motion event as broadcast to subscribers.
type Event struct {
	Type     string
	Camera   model.CameraID
	Status   string
	Detected bool
	At       time.Time
	Payload  []byte
}

type Sink interface {
	Name() string
	Publish(ctx context.Context, e Event) error
}

// Dispatcher queues events and publishes them to every sink from its own goroutine.
// Events are dropped when the queue is full.
type Dispatcher struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
	sinks   []Sink
	queue   chan Event
	timeout time.Duration
}

func NewDispatcher(logger *zap.Logger, m *metrics.Metrics, queueSize int, timeout time.Duration, sinks ...Sink) *Dispatcher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if timeout <= 0 {
		timeout = DefaultPublishTimeout
	}
	return &Dispatcher{
		logger:  logger,
		metrics: m,
		sinks:   sinks,
		queue:   make(chan Event, queueSize),
		timeout: timeout,
	}
}

// Enqueue hands e to the dispatcher. It reports false when the event was dropped. A nil
// Dispatcher or one without sinks accepts and discards everything.
func (d *Dispatcher) Enqueue(e Event) bool {
	if d == nil || len(d.sinks) == 0 {
		return true
	}
	select {
	case d.queue <- e:
		return true
	default:
		d.logger.Warn("sink queue full, dropping event",
			zap.String("type", e.Type),
			zap.String("camera", e.Camera.String()))
		for _, s := range d.sinks {
			d.count(s.Name(), "dropped")
		}
		return false
	}
}

// Run publishes queued events until ctx is cancelled, then publishes whatever is still
// queued before returning. Cancel ctx only once nothing enqueues anymore. Publishes are
// bounded by the dispatcher timeout, not by ctx.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			d.drain()
			return nil
		case e := <-d.queue:
			d.publish(e)
		}
	}
}

func (d *Dispatcher) drain() {
	n := 0
	for {
		select {
		case e := <-d.queue:
			d.publish(e)
			n++
		default:
			if n > 0 {
				d.logger.Info("sink queue drained", zap.Int("events", n))
			}
			return
		}
	}
}

func (d *Dispatcher) publish(e Event) {
	for _, s := range d.sinks {
		pctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := s.Publish(pctx, e)
		cancel()
		if err != nil {
			d.logger.Error("sink publish failed",
				zap.String("sink", s.Name()),
				zap.String("type", e.Type),
				zap.Error(err))
			d.count(s.Name(), "error")
			continue
		}
		d.count(s.Name(), "ok")
	}
}

func (d *Dispatcher) count(name, result string) {
	if d.metrics != nil {
		d.metrics.SinkPublishes.WithLabelValues(name, result).Inc()
	}
}
