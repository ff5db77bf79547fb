// Package slots implements the fixed-capacity table of producer connections.
//
// The table is owned by the relay pump goroutine and performs no locking.
package slots

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/vmorsell/frame-relay/internal/framebuf"
	"github.com/vmorsell/frame-relay/internal/memguard"
	"github.com/vmorsell/frame-relay/pkg/model"
	"go.uber.org/zap"
)

const DefaultCapacity = 2

var (
	// ErrCapacityExceeded is returned by Admit when every slot is occupied.
	ErrCapacityExceeded = errors.New("producer capacity exceeded")
	// ErrInsufficientMemory is returned by Admit when memory headroom is below the
	// admission threshold.
	ErrInsufficientMemory = errors.New("insufficient memory")
	// ErrConnClosed is returned by Conn.ReadInto once the connection is gone for good.
	ErrConnClosed = errors.New("connection closed")
	// ErrNoMessage is returned by Conn.ReadInto when nothing is pending.
	ErrNoMessage = errors.New("no message pending")
)

// Conn is a producer connection as seen by the pump.
type Conn interface {
	// Pending reports, without blocking, whether a message is ready to be read.
	Pending() bool
	// ReadInto reads the pending message into buf.
	ReadInto(buf *framebuf.Buffer) (model.MessageKind, error)
	Close() error
}

// Notifier receives identity status changes caused by the table.
type Notifier interface {
	StatusChanged(camera model.CameraID, status string)
}

type Reason string

const (
	ReasonTimeout        Reason = "timeout"
	ReasonMemoryPressure Reason = "memory_pressure"
	ReasonReadFailure    Reason = "read_failure"
	ReasonShutdown       Reason = "shutdown"
)

type Slot struct {
	Index        int
	ID           string
	Conn         Conn
	Identity     model.CameraID
	Remote       string
	AdmittedAt   time.Time
	LastActivity time.Time

	// MotionUntil is when the current motion hold expires. Zero means no hold.
	MotionUntil time.Time
}

func (s *Slot) Info() model.SlotInfo {
	return model.SlotInfo{
		Slot:         s.Index,
		SessionID:    s.ID,
		Camera:       s.Identity,
		Remote:       s.Remote,
		AdmittedAt:   s.AdmittedAt,
		LastActivity: s.LastActivity,
	}
}

type Config struct {
	Capacity      int
	FrameCapacity int
	SafetyMargin  uint64
}

type Table struct {
	logger   *zap.Logger
	slots    []*Slot
	occupied int
	required uint64
	memory   memguard.Source
	notifier Notifier
	now      func() time.Time
}

func NewTable(logger *zap.Logger, cfg Config, memory memguard.Source, notifier Notifier, now func() time.Time) *Table {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.FrameCapacity <= 0 {
		cfg.FrameCapacity = framebuf.DefaultCapacity
	}
	if now == nil {
		now = time.Now
	}
	return &Table{
		logger:   logger,
		slots:    make([]*Slot, cfg.Capacity),
		required: uint64(cfg.FrameCapacity) + cfg.SafetyMargin,
		memory:   memory,
		notifier: notifier,
		now:      now,
	}
}

func (t *Table) Capacity() int { return len(t.slots) }

func (t *Table) Occupied() int { return t.occupied }

// Threshold is the memory headroom required to admit or service a producer.
func (t *Table) Threshold() uint64 { return t.required }

// HasHeadroom reports whether available memory meets the admission threshold.
func (t *Table) HasHeadroom() bool {
	return t.memory.Available() >= t.required
}

// Admit places conn in the first empty slot.
func (t *Table) Admit(conn Conn, remote string) (*Slot, error) {
	if t.occupied >= len(t.slots) {
		return nil, ErrCapacityExceeded
	}
	if !t.HasHeadroom() {
		return nil, ErrInsufficientMemory
	}

	for i, s := range t.slots {
		if s != nil {
			continue
		}
		now := t.now()
		slot := &Slot{
			Index:        i,
			ID:           uuid.NewString(),
			Conn:         conn,
			Identity:     model.CameraUnset,
			Remote:       remote,
			AdmittedAt:   now,
			LastActivity: now,
		}
		t.slots[i] = slot
		t.occupied++
		t.logger.Info("producer admitted",
			zap.Int("slot", i),
			zap.String("session", slot.ID),
			zap.String("remote", remote),
			zap.Int("occupied", t.occupied))
		return slot, nil
	}

	// Unreachable while occupied matches the number of non-nil slots.
	return nil, ErrCapacityExceeded
}

// Evict clears the slot at index. It reports whether a slot was actually evicted;
// evicting an empty or out-of-range index does nothing.
func (t *Table) Evict(index int, reason Reason) bool {
	if index < 0 || index >= len(t.slots) {
		return false
	}
	s := t.slots[index]
	if s == nil {
		return false
	}

	t.slots[index] = nil
	t.occupied--

	if err := s.Conn.Close(); err != nil {
		t.logger.Debug("close producer connection", zap.Int("slot", index), zap.Error(err))
	}
	t.logger.Info("producer evicted",
		zap.Int("slot", index),
		zap.String("session", s.ID),
		zap.String("camera", s.Identity.String()),
		zap.String("reason", string(reason)),
		zap.Int("occupied", t.occupied))

	if s.Identity.Valid() && t.notifier != nil {
		t.notifier.StatusChanged(s.Identity, model.StatusDisconnected)
	}
	return true
}

// EvictAll evicts every occupied slot and returns how many were evicted.
func (t *Table) EvictAll(reason Reason) int {
	n := 0
	for i := range t.slots {
		if t.Evict(i, reason) {
			n++
		}
	}
	return n
}

// ForEachOccupied calls fn once for each occupied slot in index order. fn may evict the
// slot it is given.
func (t *Table) ForEachOccupied(fn func(*Slot)) {
	for i := range t.slots {
		if s := t.slots[i]; s != nil {
			fn(s)
		}
	}
}

// Snapshot returns descriptions of the occupied slots.
func (t *Table) Snapshot() []model.SlotInfo {
	infos := make([]model.SlotInfo, 0, t.occupied)
	t.ForEachOccupied(func(s *Slot) {
		infos = append(infos, s.Info())
	})
	return infos
}
