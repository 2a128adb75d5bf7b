package fanout

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// subscriber owns one connection's bounded queue and writer goroutine.
type subscriber struct {
	conn     Conn
	capacity int

	mu       sync.Mutex
	queue    []Event
	channels map[string]struct{}

	notify chan struct{}
	done   chan struct{}
	once   sync.Once

	dropped     atomic.Uint64
	delivered   atomic.Uint64
	missedPongs atomic.Int32
}

func newSubscriber(conn Conn, capacity int) *subscriber {
	return &subscriber{
		conn:     conn,
		capacity: capacity,
		queue:    make([]Event, 0, capacity),
		channels: make(map[string]struct{}),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// push enqueues evt, dropping the oldest queued event when full. It never
// blocks and reports whether something was dropped.
func (s *subscriber) push(evt Event) bool {
	s.mu.Lock()
	dropped := false
	if len(s.queue) >= s.capacity {
		copy(s.queue, s.queue[1:])
		s.queue = s.queue[:len(s.queue)-1]
		dropped = true
	}
	s.queue = append(s.queue, evt)
	s.mu.Unlock()

	if dropped {
		s.dropped.Add(1)
	}
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return dropped
}

func (s *subscriber) drain() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	out := make([]Event, len(s.queue))
	copy(out, s.queue)
	s.queue = s.queue[:0]
	return out
}

func (s *subscriber) queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *subscriber) channelList() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.channels))
	for ch := range s.channels {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

// writeLoop delivers queued events in order until stopped or a send fails.
func (s *subscriber) writeLoop(writeTimeout time.Duration, onDelivered func(), onFailure func(error)) {
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}
		for _, evt := range s.drain() {
			select {
			case <-s.done:
				return
			default:
			}
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := s.conn.Send(ctx, evt)
			cancel()
			if err != nil {
				onFailure(err)
				return
			}
			s.delivered.Add(1)
			onDelivered()
		}
	}
}
