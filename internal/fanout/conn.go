package fanout

import "context"

// Conn is a subscriber transport. The hub calls Send from a single writer
// goroutine per connection; Ping may run concurrently with Send.
type Conn interface {
	ID() string
	Send(ctx context.Context, evt Event) error
	Ping(ctx context.Context) error
	Close() error
}

// Sink receives every published event after subscriber delivery. Sinks must
// not block.
type Sink interface {
	HandleEvent(evt Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// HandleEvent implements Sink.
func (f SinkFunc) HandleEvent(evt Event) { f(evt) }

// Metrics receives hub counters. Implemented by the metrics package.
type Metrics interface {
	EventPublished(channel string)
	EventDelivered()
	EventDropped()
	ConnectionsChanged(n int)
}

type noopMetrics struct{}

func (noopMetrics) EventPublished(string)  {}
func (noopMetrics) EventDelivered()        {}
func (noopMetrics) EventDropped()          {}
func (noopMetrics) ConnectionsChanged(int) {}
