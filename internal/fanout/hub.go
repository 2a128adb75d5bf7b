package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"kbforge/internal/config"
	"kbforge/internal/logging"
)

// ErrUnknownConnection is returned for operations on unregistered connections.
var ErrUnknownConnection = errors.New("unknown connection")

// Options configures a Hub.
type Options struct {
	QueueSize         int
	HeartbeatInterval time.Duration
	MaxMissedPongs    int
	WriteTimeout      time.Duration
	Logger            *slog.Logger
	Metrics           Metrics
}

// OptionsFromConfig maps the fanout config section onto Options.
func OptionsFromConfig(cfg config.Fanout) Options {
	return Options{
		QueueSize:         cfg.QueueSize,
		HeartbeatInterval: time.Duration(cfg.HeartbeatInterval) * time.Second,
		MaxMissedPongs:    cfg.MaxMissedPongs,
		WriteTimeout:      time.Duration(cfg.WriteTimeout) * time.Second,
	}
}

// Hub routes events to connections subscribed to named channels.
type Hub struct {
	opts    Options
	logger  *slog.Logger
	metrics Metrics

	mu       sync.RWMutex
	subs     map[string]*subscriber
	channels map[string]map[string]*subscriber
	sinks    []Sink

	// pubMu orders stamping and queueing so every subscriber sees Seq ascend.
	pubMu sync.Mutex
	seq   uint64

	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// NewHub builds a hub. Zero option fields take defaults.
func NewHub(opts Options) *Hub {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 20 * time.Second
	}
	if opts.MaxMissedPongs <= 0 {
		opts.MaxMissedPongs = 3
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Hub{
		opts:     opts,
		logger:   logging.NewComponentLogger(opts.Logger, "fanout"),
		metrics:  metrics,
		subs:     make(map[string]*subscriber),
		channels: make(map[string]map[string]*subscriber),
	}
}

// AddSink wires a sink that receives every published event.
func (h *Hub) AddSink(sink Sink) {
	if sink == nil {
		return
	}
	h.mu.Lock()
	h.sinks = append(h.sinks, sink)
	h.mu.Unlock()
}

// Register adds a connection and starts its writer.
func (h *Hub) Register(conn Conn) error {
	if conn == nil || conn.ID() == "" {
		return fmt.Errorf("register connection: missing id")
	}
	sub := newSubscriber(conn, h.opts.QueueSize)
	h.mu.Lock()
	if _, exists := h.subs[conn.ID()]; exists {
		h.mu.Unlock()
		return fmt.Errorf("register connection %s: already registered", conn.ID())
	}
	h.subs[conn.ID()] = sub
	count := len(h.subs)
	h.mu.Unlock()

	h.metrics.ConnectionsChanged(count)
	go sub.writeLoop(h.opts.WriteTimeout, func() {
		h.delivered.Add(1)
		h.metrics.EventDelivered()
	}, func(err error) {
		h.logger.Debug("subscriber write failed",
			logging.String("conn", conn.ID()),
			logging.Error(err),
		)
		h.Remove(conn.ID())
	})
	return nil
}

// Remove drops a connection, its subscriptions, and closes it.
func (h *Hub) Remove(connID string) {
	h.mu.Lock()
	sub, ok := h.subs[connID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.subs, connID)
	for ch := range sub.channels {
		if members := h.channels[ch]; members != nil {
			delete(members, connID)
			if len(members) == 0 {
				delete(h.channels, ch)
			}
		}
	}
	count := len(h.subs)
	h.mu.Unlock()

	sub.stop()
	_ = sub.conn.Close()
	h.metrics.ConnectionsChanged(count)
}

// Subscribe adds connID to channel.
func (h *Hub) Subscribe(connID, channel string) error {
	if err := ValidateChannel(channel); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.subs[connID]
	if !ok {
		return fmt.Errorf("subscribe %s: %w", connID, ErrUnknownConnection)
	}
	members := h.channels[channel]
	if members == nil {
		members = make(map[string]*subscriber)
		h.channels[channel] = members
	}
	members[connID] = sub
	sub.mu.Lock()
	sub.channels[channel] = struct{}{}
	sub.mu.Unlock()
	return nil
}

// Unsubscribe removes connID from channel.
func (h *Hub) Unsubscribe(connID, channel string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.subs[connID]
	if !ok {
		return fmt.Errorf("unsubscribe %s: %w", connID, ErrUnknownConnection)
	}
	if members := h.channels[channel]; members != nil {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.channels, channel)
		}
	}
	sub.mu.Lock()
	delete(sub.channels, channel)
	sub.mu.Unlock()
	return nil
}

// Publish stamps evt and queues it for every subscriber of channel. It never
// blocks on a slow subscriber: full queues shed their oldest event.
func (h *Hub) Publish(channel string, evt Event) Event {
	evt.Channel = channel
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	h.mu.RLock()
	members := h.channels[channel]
	targets := make([]*subscriber, 0, len(members))
	for _, sub := range members {
		targets = append(targets, sub)
	}
	sinks := append([]Sink(nil), h.sinks...)
	h.mu.RUnlock()

	h.pubMu.Lock()
	h.seq++
	evt.Seq = h.seq
	for _, sub := range targets {
		if sub.push(evt) {
			h.dropped.Add(1)
			h.metrics.EventDropped()
		}
	}
	h.pubMu.Unlock()

	h.published.Add(1)
	h.metrics.EventPublished(channel)
	for _, sink := range sinks {
		sink.HandleEvent(evt)
	}
	return evt
}

// PublishAll publishes evt on every channel returned by ChannelsFor.
func (h *Hub) PublishAll(evt Event) {
	for _, ch := range ChannelsFor(evt.TaskID, evt.ItemID) {
		h.Publish(ch, evt)
	}
}

// Pong records a heartbeat reply from connID.
func (h *Hub) Pong(connID string) {
	h.mu.RLock()
	sub, ok := h.subs[connID]
	h.mu.RUnlock()
	if ok {
		sub.missedPongs.Store(0)
	}
}

// Run drives the heartbeat loop until ctx ends, then closes every connection.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-ticker.C:
			h.heartbeat(ctx)
		}
	}
}

// heartbeat pings every connection. A connection whose missed count has
// reached the limit is closed instead of pinged again.
func (h *Hub) heartbeat(ctx context.Context) {
	h.mu.RLock()
	subs := make([]*subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		if int(sub.missedPongs.Load()) >= h.opts.MaxMissedPongs {
			logging.WarnWithContext(h.logger, "closing unresponsive connection", "heartbeat_timeout",
				logging.String("conn", sub.conn.ID()),
				logging.Int("missed_pongs", int(sub.missedPongs.Load())),
				logging.String(logging.FieldImpact, "client stops receiving progress events"),
				logging.String(logging.FieldErrorHint, "client must reconnect and resubscribe"),
			)
			h.Remove(sub.conn.ID())
			continue
		}
		sub.missedPongs.Add(1)
		pingCtx, cancel := context.WithTimeout(ctx, h.opts.WriteTimeout)
		if err := sub.conn.Ping(pingCtx); err != nil {
			h.logger.Debug("ping failed", logging.String("conn", sub.conn.ID()), logging.Error(err))
		}
		cancel()
	}
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	ids := make([]string, 0, len(h.subs))
	for id := range h.subs {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	for _, id := range ids {
		h.Remove(id)
	}
}

// ConnStats describes one connection.
type ConnStats struct {
	ID          string   `json:"id"`
	Channels    []string `json:"channels"`
	Queued      int      `json:"queued"`
	Delivered   uint64   `json:"delivered"`
	Dropped     uint64   `json:"dropped"`
	MissedPongs int      `json:"missed_pongs"`
}

// Stats is a point-in-time view of the hub.
type Stats struct {
	Connections int            `json:"connections"`
	Channels    map[string]int `json:"channels"`
	Published   uint64         `json:"published"`
	Delivered   uint64         `json:"delivered"`
	Dropped     uint64         `json:"dropped"`
	PerConn     []ConnStats    `json:"per_connection,omitempty"`
}

// Stats returns current counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	stats := Stats{
		Connections: len(h.subs),
		Channels:    make(map[string]int, len(h.channels)),
	}
	for ch, members := range h.channels {
		stats.Channels[ch] = len(members)
	}
	subs := make([]*subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		stats.PerConn = append(stats.PerConn, ConnStats{
			ID:          sub.conn.ID(),
			Channels:    sub.channelList(),
			Queued:      sub.queued(),
			Delivered:   sub.delivered.Load(),
			Dropped:     sub.dropped.Load(),
			MissedPongs: int(sub.missedPongs.Load()),
		})
	}
	sort.Slice(stats.PerConn, func(i, j int) bool { return stats.PerConn[i].ID < stats.PerConn[j].ID })
	stats.Published = h.published.Load()
	stats.Delivered = h.delivered.Load()
	stats.Dropped = h.dropped.Load()
	return stats
}
