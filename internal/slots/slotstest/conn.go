// Package slotstest provides in-memory producer connections for tests.
package slotstest

import (
	"sync"

	"github.com/vmorsell/frame-relay/internal/framebuf"
	"github.com/vmorsell/frame-relay/internal/slots"
	"github.com/vmorsell/frame-relay/pkg/model"
)

type message struct {
	kind model.MessageKind
	data []byte
	err  error
}

// Conn is a scripted slots.Conn. Queue messages with Text, Binary or Fail; the pump
// consumes them one per ReadInto.
type Conn struct {
	mu     sync.Mutex
	queue  []message
	closed bool
	hungUp bool
	closes int
}

var _ slots.Conn = (*Conn)(nil)

func NewConn() *Conn { return &Conn{} }

func (c *Conn) Text(payload string) *Conn {
	return c.push(message{kind: model.KindText, data: []byte(payload)})
}

func (c *Conn) Binary(frame []byte) *Conn {
	return c.push(message{kind: model.KindBinary, data: frame})
}

// Fail queues a read that returns err.
func (c *Conn) Fail(err error) *Conn {
	return c.push(message{err: err})
}

func (c *Conn) push(m message) *Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = append(c.queue, m)
	return c
}

func (c *Conn) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue) > 0 || c.hungUp
}

func (c *Conn) ReadInto(buf *framebuf.Buffer) (model.MessageKind, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, slots.ErrConnClosed
	}
	if len(c.queue) == 0 {
		if c.hungUp {
			return 0, slots.ErrConnClosed
		}
		return 0, slots.ErrNoMessage
	}
	m := c.queue[0]
	c.queue = c.queue[1:]
	if m.err != nil {
		return 0, m.err
	}
	if err := buf.Load(m.data); err != nil {
		return m.kind, err
	}
	return m.kind, nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.closes++
	return nil
}

// Hangup simulates the remote end going away once queued messages are read.
func (c *Conn) Hangup() *Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hungUp = true
	return c
}

// Closes returns how many times Close was called.
func (c *Conn) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// Remaining returns the number of queued, unread messages.
func (c *Conn) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Notifier records status changes.
type Notifier struct {
	mu     sync.Mutex
	Events []model.StatusMessage
}

func (n *Notifier) StatusChanged(camera model.CameraID, status string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Events = append(n.Events, model.NewStatusMessage(camera, status))
}
