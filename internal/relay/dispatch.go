package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/vmorsell/frame-relay/internal/framebuf"
	"github.com/vmorsell/frame-relay/internal/sink"
	"github.com/vmorsell/frame-relay/internal/slots"
	"github.com/vmorsell/frame-relay/pkg/model"
	"go.uber.org/zap"
)

// service handles at most one message for s. It reports whether a message was consumed.
func (r *Relay) service(s *slots.Slot) bool {
	now := r.now()

	if !s.Conn.Pending() {
		if now.Sub(s.LastActivity) > r.cfg.ClientTimeout {
			r.logger.Warn("producer timed out",
				zap.Int("slot", s.Index),
				zap.String("camera", s.Identity.String()),
				zap.Duration("idle", now.Sub(s.LastActivity)))
			r.evict(s.Index, slots.ReasonTimeout)
		}
		return false
	}

	// Never copy a message in while critically low; the slot keeps its activity time.
	if !r.table.HasHeadroom() {
		r.metrics.LowMemorySkips.Inc()
		return false
	}

	kind, err := s.Conn.ReadInto(r.buf)
	if err != nil {
		r.readFailed(s, err)
		return true
	}

	switch kind {
	case model.KindText:
		err = r.handleControl(s, now)
	case model.KindBinary:
		r.handleFrame(s)
	default:
		err = fmt.Errorf("unsupported message kind %d", kind)
	}
	if err != nil {
		r.logger.Debug("message ignored",
			zap.Int("slot", s.Index),
			zap.String("kind", kind.String()),
			zap.Error(err))
		return true
	}

	s.LastActivity = now
	return true
}

func (r *Relay) readFailed(s *slots.Slot, err error) {
	switch {
	case errors.Is(err, slots.ErrConnClosed):
		r.logger.Info("producer connection lost",
			zap.Int("slot", s.Index),
			zap.String("camera", s.Identity.String()),
			zap.Error(err))
		r.evict(s.Index, slots.ReasonReadFailure)
	case errors.Is(err, framebuf.ErrFrameTooLarge):
		r.metrics.FramesDropped.WithLabelValues("too_large").Inc()
		r.logger.Warn("frame dropped: too large",
			zap.Int("slot", s.Index),
			zap.String("camera", s.Identity.String()),
			zap.Int("capacity", r.buf.Cap()))
	case errors.Is(err, slots.ErrNoMessage):
	default:
		r.logger.Debug("read failed", zap.Int("slot", s.Index), zap.Error(err))
	}
}

func (r *Relay) handleControl(s *slots.Slot, now time.Time) error {
	var msg model.ControlMessage
	if err := json.Unmarshal(r.buf.Bytes(), &msg); err != nil {
		r.metrics.ControlMessages.WithLabelValues("malformed").Inc()
		return fmt.Errorf("%w: %v", ErrMalformedControl, err)
	}
	if !msg.IsMotion() {
		r.metrics.ControlMessages.WithLabelValues("ignored").Inc()
		return nil
	}

	if !s.Identity.Valid() {
		r.metrics.ControlMessages.WithLabelValues("unidentified").Inc()
		return nil
	}

	detected := *msg.Detected
	if detected && r.cfg.MotionHold > 0 {
		s.MotionUntil = now.Add(r.cfg.MotionHold)
	} else {
		s.MotionUntil = time.Time{}
	}

	// The event is attributed to the slot's identity, whatever the producer claims.
	r.broadcastMotion(s.Identity, detected)
	r.metrics.ControlMessages.WithLabelValues("forwarded").Inc()
	return nil
}

func (r *Relay) handleFrame(s *slots.Slot) {
	if tag, ok := model.IdentityTag(r.buf.Bytes()); ok && tag != s.Identity {
		r.reassign(s, tag)
	}
	r.forward()
}

func (r *Relay) reassign(s *slots.Slot, tag model.CameraID) {
	old := s.Identity
	if old.Valid() {
		r.StatusChanged(old, model.StatusDisconnected)
	}
	s.Identity = tag
	r.StatusChanged(tag, model.StatusConnected)
	r.metrics.IdentityChanges.Inc()
	r.logger.Info("producer identity assigned",
		zap.Int("slot", s.Index),
		zap.String("from", old.String()),
		zap.String("to", tag.String()))
}

// forward sends the buffered frame to subscribers. The buffer must not be touched until
// forward returns.
func (r *Relay) forward() {
	n := r.buf.Len()
	_ = r.buf.Chunks(r.cfg.ChunkSize, func(chunk []byte, first, last bool) error {
		r.out.BroadcastBinary(chunk, first, last)
		r.metrics.ChunksSent.Inc()
		if !last {
			r.yield()
		}
		return nil
	})
	r.metrics.FramesForwarded.Inc()
	r.metrics.BytesForwarded.Add(float64(n))
}

func (r *Relay) expireMotion(now time.Time) {
	r.table.ForEachOccupied(func(s *slots.Slot) {
		if s.MotionUntil.IsZero() || now.Before(s.MotionUntil) {
			return
		}
		s.MotionUntil = time.Time{}
		r.broadcastMotion(s.Identity, false)
	})
}

// StatusChanged broadcasts a connection status event. It is called by the slot table on
// eviction and by the dispatcher on identity changes.
func (r *Relay) StatusChanged(camera model.CameraID, status string) {
	payload, err := json.Marshal(model.NewStatusMessage(camera, status))
	if err != nil {
		r.logger.Error("marshal status message", zap.Error(err))
		return
	}
	// The snapshot must reflect the change before subscribers see it. Counts are per
	// camera since two slots may carry the same identity.
	r.statusMu.Lock()
	if status == model.StatusConnected {
		r.statuses[camera]++
	} else if r.statuses[camera] > 1 {
		r.statuses[camera]--
	} else {
		delete(r.statuses, camera)
	}
	r.statusMu.Unlock()

	r.out.BroadcastText(payload)

	r.sinks.Enqueue(sink.Event{
		Type:    model.MessageTypeStatus,
		Camera:  camera,
		Status:  status,
		At:      r.now(),
		Payload: payload,
	})
}

func (r *Relay) broadcastMotion(camera model.CameraID, detected bool) {
	payload, err := json.Marshal(model.NewMotionMessage(camera, detected))
	if err != nil {
		r.logger.Error("marshal motion message", zap.Error(err))
		return
	}
	r.out.BroadcastText(payload)
	r.sinks.Enqueue(sink.Event{
		Type:     model.MessageTypeMotion,
		Camera:   camera,
		Detected: detected,
		At:       r.now(),
		Payload:  payload,
	})
}

// StatusSnapshot returns a connected status message for every camera at least one slot
// identifies as. It is safe to call from any goroutine.
func (r *Relay) StatusSnapshot() [][]byte {
	r.statusMu.RLock()
	cameras := make([]model.CameraID, 0, len(r.statuses))
	for c := range r.statuses {
		cameras = append(cameras, c)
	}
	r.statusMu.RUnlock()

	sort.Slice(cameras, func(i, j int) bool { return cameras[i] < cameras[j] })

	out := make([][]byte, 0, len(cameras))
	for _, c := range cameras {
		payload, err := json.Marshal(model.NewStatusMessage(c, model.StatusConnected))
		if err != nil {
			continue
		}
		out = append(out, payload)
	}
	return out
}
