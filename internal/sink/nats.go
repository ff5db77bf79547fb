package sink

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const DefaultSubjectPrefix = "framerelay"

type publisher interface {
	Publish(subject string, data []byte) error
}

// NATS publishes events on <prefix>.<type>.<camera>.
type NATS struct {
	conn   publisher
	prefix string
	close  func()
}

// DialNATS connects to url and keeps reconnecting in the background.
func DialNATS(logger *zap.Logger, url, prefix string) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.Name("frame-relay"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	n := newNATS(nc, prefix)
	n.close = func() {
		if err := nc.Drain(); err != nil {
			logger.Warn("drain nats", zap.Error(err))
		}
	}
	return n, nil
}

func newNATS(conn publisher, prefix string) *NATS {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATS{conn: conn, prefix: prefix}
}

func (n *NATS) Name() string { return "nats" }

func (n *NATS) Subject(e Event) string {
	return n.prefix + "." + e.Type + "." + strconv.Itoa(int(e.Camera))
}

func (n *NATS) Publish(_ context.Context, e Event) error {
	if err := n.conn.Publish(n.Subject(e), e.Payload); err != nil {
		return fmt.Errorf("publish %s: %w", n.Subject(e), err)
	}
	return nil
}

func (n *NATS) Close() {
	if n.close != nil {
		n.close()
	}
}
