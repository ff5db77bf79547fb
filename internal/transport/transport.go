// Package transport adapts producer websocket connections to the poll-then-read model the
// relay pump expects.
package transport

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vmorsell/frame-relay/internal/framebuf"
	"github.com/vmorsell/frame-relay/internal/slots"
	"github.com/vmorsell/frame-relay/pkg/model"
)

const (
	DefaultReadTimeout    = 2 * time.Second
	DefaultMaxMessageSize = 1 << 20
	DefaultWriteWait      = 10 * time.Second
)

type Options struct {
	// ReadTimeout bounds reading the body of one message once it has started arriving.
	ReadTimeout time.Duration
	// MaxMessageSize is the transport hard cap. Larger messages close the connection.
	MaxMessageSize int64
	WriteWait      time.Duration
}

func (o Options) withDefaults() Options {
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = DefaultReadTimeout
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = DefaultMaxMessageSize
	}
	if o.WriteWait <= 0 {
		o.WriteWait = DefaultWriteWait
	}
	return o
}

type incoming struct {
	messageType int
	r           io.Reader
}

// Conn is a producer connection. A reader goroutine waits for the start of each message
// and parks until the pump has read it, so Pending never blocks.
//
// Pending and ReadInto must be called from a single goroutine.
type Conn struct {
	ws     *websocket.Conn
	opts   Options
	remote string

	ready  chan incoming
	resume chan struct{}
	closed chan struct{}
	gone   chan struct{}
	err    error // set by the reader before gone is closed

	cur       *incoming
	closeOnce sync.Once
}

var _ slots.Conn = (*Conn)(nil)

// New wraps ws and starts its reader goroutine.
func New(ws *websocket.Conn, opts Options) *Conn {
	opts = opts.withDefaults()
	ws.SetReadLimit(opts.MaxMessageSize)

	c := &Conn{
		ws:     ws,
		opts:   opts,
		remote: ws.RemoteAddr().String(),
		ready:  make(chan incoming),
		resume: make(chan struct{}),
		closed: make(chan struct{}),
		gone:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Conn) Remote() string { return c.remote }

func (c *Conn) readLoop() {
	defer close(c.gone)
	for {
		messageType, r, err := c.ws.NextReader()
		if err != nil {
			c.err = err
			return
		}
		select {
		case c.ready <- incoming{messageType: messageType, r: r}:
		case <-c.closed:
			return
		}
		select {
		case <-c.resume:
		case <-c.closed:
			return
		}
	}
}

// Pending reports whether a message has started arriving or the connection is gone.
func (c *Conn) Pending() bool {
	if c.cur != nil {
		return true
	}
	select {
	case m := <-c.ready:
		c.cur = &m
		return true
	case <-c.gone:
		return true
	default:
		return false
	}
}

// ReadInto reads the pending message into buf under the per-message read deadline. Any
// transport failure is reported as slots.ErrConnClosed since the websocket cannot be read
// again after one.
func (c *Conn) ReadInto(buf *framebuf.Buffer) (model.MessageKind, error) {
	if !c.Pending() {
		return 0, slots.ErrNoMessage
	}
	if c.cur == nil {
		return 0, c.goneErr()
	}
	m := *c.cur
	c.cur = nil

	kind := kindOf(m.messageType)

	_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	_, err := buf.ReadFrom(m.r)
	_ = c.ws.SetReadDeadline(time.Time{})

	select {
	case c.resume <- struct{}{}:
	case <-c.closed:
	}

	switch {
	case err == nil:
		return kind, nil
	case errors.Is(err, framebuf.ErrFrameTooLarge):
		return kind, err
	default:
		return kind, fmt.Errorf("%w: %v", slots.ErrConnClosed, err)
	}
}

func (c *Conn) goneErr() error {
	if c.err == nil {
		return slots.ErrConnClosed
	}
	return fmt.Errorf("%w: %v", slots.ErrConnClosed, c.err)
}

// Close sends a normal close frame and closes the socket.
func (c *Conn) Close() error {
	return c.CloseWith(websocket.CloseNormalClosure, "")
}

// CloseWith sends a close frame with code and reason and closes the socket. Only the first
// call has an effect.
func (c *Conn) CloseWith(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.opts.WriteWait))
		err = c.ws.Close()
	})
	return err
}

func kindOf(messageType int) model.MessageKind {
	if messageType == websocket.TextMessage {
		return model.KindText
	}
	return model.KindBinary
}
