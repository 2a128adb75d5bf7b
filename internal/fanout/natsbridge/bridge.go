// Package natsbridge relays fan-out events to NATS so external observers can
// follow pipeline progress without holding a WebSocket open.
package natsbridge

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"kbforge/internal/config"
	"kbforge/internal/fanout"
	"kbforge/internal/logging"
)

// Publisher is the subset of *nats.Conn the bridge uses.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Bridge is a fanout.Sink publishing each event to <prefix>.<channel>.
type Bridge struct {
	pub    Publisher
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
}

// Connect dials NATS using the config section. Publishes are buffered by the
// client library, so HandleEvent never waits on the network.
func Connect(cfg config.NATS, logger *slog.Logger) (*Bridge, error) {
	logger = logging.NewComponentLogger(logger, "natsbridge")
	conn, err := nats.Connect(cfg.URL,
		nats.Name("kbforge"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logging.WarnWithContext(logger, "nats disconnected", "nats_disconnected",
					logging.Error(err),
					logging.String(logging.FieldImpact, "events are buffered until reconnect"),
				)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", logging.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", cfg.URL, err)
	}
	b := New(conn, cfg.SubjectPrefix, logger)
	b.conn = conn
	return b, nil
}

// New wraps an existing publisher.
func New(pub Publisher, prefix string, logger *slog.Logger) *Bridge {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = "kbforge.events"
	}
	return &Bridge{pub: pub, prefix: prefix, logger: logging.NewComponentLogger(logger, "natsbridge")}
}

// Subject maps a fan-out channel to a NATS subject.
func (b *Bridge) Subject(channel string) string {
	return b.prefix + "." + strings.ReplaceAll(channel, ":", ".")
}

// HandleEvent implements fanout.Sink.
func (b *Bridge) HandleEvent(evt fanout.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		b.logger.Warn("encode event failed", logging.Error(err))
		return
	}
	if err := b.pub.Publish(b.Subject(evt.Channel), data); err != nil {
		b.logger.Debug("nats publish failed",
			logging.String("channel", evt.Channel),
			logging.Error(err),
		)
	}
}

// Close drains the underlying connection when the bridge owns one.
func (b *Bridge) Close() error {
	if b == nil || b.conn == nil {
		return nil
	}
	return b.conn.Drain()
}
