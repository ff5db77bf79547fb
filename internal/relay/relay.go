// Package relay implements the cooperative pump that admits producers, services their
// slots one message at a time and forwards frames and motion events to subscribers.
//
// All slot table, memory guard and frame buffer state is owned by the goroutine running
// Run. Other goroutines interact with the pump only through Admit, Slots and
// StatusSnapshot.
package relay

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/vmorsell/frame-relay/internal/framebuf"
	"github.com/vmorsell/frame-relay/internal/memguard"
	"github.com/vmorsell/frame-relay/internal/metrics"
	"github.com/vmorsell/frame-relay/internal/sink"
	"github.com/vmorsell/frame-relay/internal/slots"
	"github.com/vmorsell/frame-relay/pkg/model"
	"go.uber.org/zap"
)

var (
	// ErrMalformedControl is returned for text messages that are not valid JSON.
	ErrMalformedControl = errors.New("malformed control message")
	// ErrStopped is returned by Admit and Slots once the pump has exited.
	ErrStopped = errors.New("relay stopped")
)

// Broadcaster pushes messages to every connected subscriber. Calls must not block.
type Broadcaster interface {
	BroadcastText(payload []byte)
	// BroadcastBinary sends one chunk of a binary message. first marks the chunk that
	// starts the message and last the one that completes it.
	BroadcastBinary(chunk []byte, first, last bool)
}

type Config struct {
	Slots          slots.Config
	ChunkSize      int
	ChunkYield     time.Duration
	ClientTimeout  time.Duration
	SampleInterval time.Duration
	LowWatermark   uint64
	ResetThreshold int
	MotionHold     time.Duration
	IdleBackoff    time.Duration
}

func DefaultConfig() Config {
	return Config{
		Slots: slots.Config{
			Capacity:      slots.DefaultCapacity,
			FrameCapacity: framebuf.DefaultCapacity,
			SafetyMargin:  8 * 1024,
		},
		ChunkSize:      framebuf.DefaultChunkSize,
		ClientTimeout:  10 * time.Second,
		SampleInterval: time.Second,
		LowWatermark:   2 * 1024 * 1024,
		ResetThreshold: memguard.DefaultThreshold,
		MotionHold:     5 * time.Second,
		IdleBackoff:    5 * time.Millisecond,
	}
}

type Option func(*Relay)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Relay) { r.now = now }
}

func WithSinks(d *sink.Dispatcher) Option {
	return func(r *Relay) { r.sinks = d }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Relay) { r.metrics = m }
}

type admission struct {
	conn   slots.Conn
	remote string
	reply  chan error
}

type Relay struct {
	logger  *zap.Logger
	cfg     Config
	table   *slots.Table
	guard   *memguard.Guard
	memory  memguard.Source
	buf     *framebuf.Buffer
	out     Broadcaster
	sinks   *sink.Dispatcher
	metrics *metrics.Metrics
	now     func() time.Time

	admissions chan admission
	queries    chan chan []model.SlotInfo
	done       chan struct{}
	stopOnce   sync.Once

	nextSample time.Time

	statusMu sync.RWMutex
	statuses map[model.CameraID]int
}

func New(logger *zap.Logger, cfg Config, memory memguard.Source, out Broadcaster, opts ...Option) *Relay {
	def := DefaultConfig()
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.ClientTimeout <= 0 {
		cfg.ClientTimeout = def.ClientTimeout
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = def.SampleInterval
	}
	if cfg.IdleBackoff <= 0 {
		cfg.IdleBackoff = def.IdleBackoff
	}

	r := &Relay{
		logger:     logger,
		cfg:        cfg,
		guard:      memguard.New(cfg.LowWatermark, cfg.ResetThreshold),
		memory:     memory,
		buf:        framebuf.New(cfg.Slots.FrameCapacity),
		out:        out,
		now:        time.Now,
		admissions: make(chan admission, 4),
		queries:    make(chan chan []model.SlotInfo),
		done:       make(chan struct{}),
		statuses:   make(map[model.CameraID]int),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics = metrics.New()
	}
	r.table = slots.NewTable(logger, cfg.Slots, memory, r, r.now)
	return r
}

// Admit asks the pump to place conn in a free slot and waits for the outcome. On error
// the caller still owns conn.
func (r *Relay) Admit(ctx context.Context, conn slots.Conn, remote string) error {
	req := admission{conn: conn, remote: remote, reply: make(chan error, 1)}
	select {
	case r.admissions <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrStopped
	}

	select {
	case err := <-req.reply:
		return err
	case <-r.done:
		select {
		case err := <-req.reply:
			return err
		default:
			return ErrStopped
		}
	}
}

// Slots returns a description of every occupied slot.
func (r *Relay) Slots(ctx context.Context) ([]model.SlotInfo, error) {
	reply := make(chan []model.SlotInfo, 1)
	select {
	case r.queries <- reply:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.done:
		return nil, ErrStopped
	}
	select {
	case infos := <-reply:
		return infos, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run drives the pump until ctx is cancelled, then evicts every producer.
func (r *Relay) Run(ctx context.Context) error {
	defer r.stop()

	idle := time.NewTimer(r.cfg.IdleBackoff)
	defer idle.Stop()

	for {
		if ctx.Err() != nil {
			return nil
		}
		if r.Cycle() {
			continue
		}

		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(r.cfg.IdleBackoff)

		select {
		case <-ctx.Done():
			return nil
		case req := <-r.admissions:
			r.admit(req)
		case reply := <-r.queries:
			reply <- r.table.Snapshot()
		case <-idle.C:
		}
	}
}

func (r *Relay) stop() {
	r.stopOnce.Do(func() {
		n := r.table.EvictAll(slots.ReasonShutdown)
		r.countEvictions(slots.ReasonShutdown, n)
		close(r.done)
		for {
			select {
			case req := <-r.admissions:
				req.reply <- ErrStopped
			default:
				r.logger.Info("relay stopped", zap.Int("evicted", n))
				return
			}
		}
	})
}

// Cycle runs one scheduling pass: pending admissions and queries, memory sampling,
// motion hold expiry and one message per occupied slot. It reports whether any work was
// done.
func (r *Relay) Cycle() bool {
	worked := r.drainRequests()
	now := r.now()

	r.sampleMemory(now)
	r.expireMotion(now)

	r.table.ForEachOccupied(func(s *slots.Slot) {
		if r.service(s) {
			worked = true
		}
	})
	return worked
}

func (r *Relay) drainRequests() bool {
	worked := false
	for {
		select {
		case req := <-r.admissions:
			r.admit(req)
			worked = true
		case reply := <-r.queries:
			reply <- r.table.Snapshot()
		default:
			return worked
		}
	}
}

func (r *Relay) admit(req admission) {
	_, err := r.table.Admit(req.conn, req.remote)
	switch {
	case errors.Is(err, slots.ErrCapacityExceeded):
		r.metrics.Admissions.WithLabelValues("capacity_exceeded").Inc()
		r.logger.Warn("producer refused: capacity exceeded",
			zap.String("remote", req.remote),
			zap.Int("capacity", r.table.Capacity()))
	case errors.Is(err, slots.ErrInsufficientMemory):
		r.metrics.Admissions.WithLabelValues("insufficient_memory").Inc()
		r.logger.Warn("producer refused: insufficient memory",
			zap.String("remote", req.remote),
			zap.Uint64("required", r.table.Threshold()))
	case err == nil:
		r.metrics.Admissions.WithLabelValues("admitted").Inc()
		r.metrics.ProducersConnected.Set(float64(r.table.Occupied()))
	}
	req.reply <- err
}

func (r *Relay) sampleMemory(now time.Time) {
	if now.Before(r.nextSample) {
		return
	}
	r.nextSample = now.Add(r.cfg.SampleInterval)

	free := r.memory.Available()
	r.metrics.MemoryAvailable.Set(float64(free))
	r.guard.Sample(free)

	if !r.guard.ShouldForceReset() {
		return
	}
	n := r.table.EvictAll(slots.ReasonMemoryPressure)
	r.countEvictions(slots.ReasonMemoryPressure, n)
	r.metrics.ForcedResets.Inc()
	r.logger.Warn("sustained memory pressure, evicted all producers",
		zap.Uint64("available", free),
		zap.Uint64("lowWatermark", r.cfg.LowWatermark),
		zap.Int("evicted", n))
}

func (r *Relay) evict(index int, reason slots.Reason) {
	if r.table.Evict(index, reason) {
		r.countEvictions(reason, 1)
	}
}

func (r *Relay) countEvictions(reason slots.Reason, n int) {
	if n > 0 {
		r.metrics.Evictions.WithLabelValues(string(reason)).Add(float64(n))
	}
	r.metrics.ProducersConnected.Set(float64(r.table.Occupied()))
}

func (r *Relay) yield() {
	if r.cfg.ChunkYield > 0 {
		time.Sleep(r.cfg.ChunkYield)
		return
	}
	runtime.Gosched()
}
