package fanout_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"kbforge/internal/fanout"
	"kbforge/internal/logging"
)

type fakeConn struct {
	id string

	mu      sync.Mutex
	events  []fanout.Event
	pings   int
	closed  bool
	block   chan struct{}
	sendErr error
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(ctx context.Context, evt fanout.Event) error {
	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.events = append(c.events, evt)
	return nil
}

func (c *fakeConn) Ping(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pings++
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) snapshot() ([]fanout.Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]fanout.Event(nil), c.events...), c.closed
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func newHub(queue int) *fanout.Hub {
	return fanout.NewHub(fanout.Options{
		QueueSize:         queue,
		HeartbeatInterval: time.Hour,
		MaxMissedPongs:    3,
		WriteTimeout:      10 * time.Second,
		Logger:            logging.NewNop(),
	})
}

func TestPublishRoutesByChannel(t *testing.T) {
	hub := newHub(16)
	global, task := newFakeConn("global"), newFakeConn("task")
	for _, c := range []*fakeConn{global, task} {
		if err := hub.Register(c); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	_ = hub.Subscribe("global", fanout.GlobalChannel)
	_ = hub.Subscribe("task", fanout.TaskChannel("t1"))

	hub.PublishAll(fanout.Event{Type: fanout.EventTaskProgress, TaskID: "t1", ItemID: "i1"})
	hub.PublishAll(fanout.Event{Type: fanout.EventTaskProgress, TaskID: "t2", ItemID: "i2"})

	waitFor(t, func() bool {
		g, _ := global.snapshot()
		k, _ := task.snapshot()
		return len(g) == 2 && len(k) == 1
	})
	events, _ := task.snapshot()
	if events[0].TaskID != "t1" || events[0].Channel != "task:t1" || events[0].Seq == 0 {
		t.Fatalf("unexpected task event: %+v", events[0])
	}
}

func TestPerConnectionOrderPreserved(t *testing.T) {
	hub := newHub(64)
	conn := newFakeConn("c")
	_ = hub.Register(conn)
	_ = hub.Subscribe("c", fanout.GlobalChannel)
	for i := 0; i < 20; i++ {
		hub.Publish(fanout.GlobalChannel, fanout.Event{Type: fanout.EventTaskProgress})
	}
	waitFor(t, func() bool { e, _ := conn.snapshot(); return len(e) == 20 })
	events, _ := conn.snapshot()
	for i := 1; i < len(events); i++ {
		if events[i].Seq <= events[i-1].Seq {
			t.Fatalf("events out of order at %d: %d after %d", i, events[i].Seq, events[i-1].Seq)
		}
	}
}

func TestConcurrentPublishersKeepSeqOrder(t *testing.T) {
	const publishers, perPublisher = 8, 50
	hub := newHub(publishers * perPublisher)
	conn := newFakeConn("c")
	_ = hub.Register(conn)
	_ = hub.Subscribe("c", fanout.GlobalChannel)

	var wg sync.WaitGroup
	for range publishers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perPublisher {
				hub.Publish(fanout.GlobalChannel, fanout.Event{Type: fanout.EventTaskProgress})
			}
		}()
	}
	wg.Wait()

	total := publishers * perPublisher
	waitFor(t, func() bool { e, _ := conn.snapshot(); return len(e) == total })
	events, _ := conn.snapshot()
	for i := 1; i < len(events); i++ {
		if events[i].Seq <= events[i-1].Seq {
			t.Fatalf("events out of order at %d: %d after %d", i, events[i].Seq, events[i-1].Seq)
		}
	}
}

func TestSlowSubscriberDropsOldestWithoutBlocking(t *testing.T) {
	hub := newHub(4)
	slow := newFakeConn("slow")
	slow.block = make(chan struct{})
	fast := newFakeConn("fast")
	_ = hub.Register(slow)
	_ = hub.Register(fast)
	_ = hub.Subscribe("slow", fanout.GlobalChannel)
	_ = hub.Subscribe("fast", fanout.GlobalChannel)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			hub.Publish(fanout.GlobalChannel, fanout.Event{Type: fanout.EventTaskProgress})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	waitFor(t, func() bool {
		e, _ := fast.snapshot()
		return len(e) > 0 && e[len(e)-1].Seq == 50
	})
	stats := hub.Stats()
	if stats.Dropped == 0 {
		t.Fatalf("expected drops to be counted, got %+v", stats)
	}
	var slowStats fanout.ConnStats
	for _, c := range stats.PerConn {
		if c.ID == "slow" {
			slowStats = c
		}
	}
	if slowStats.Dropped == 0 || slowStats.Queued > 4 {
		t.Fatalf("slow connection stats = %+v", slowStats)
	}

	close(slow.block)
	waitFor(t, func() bool { e, _ := slow.snapshot(); return len(e) > 0 })
	events, _ := slow.snapshot()
	if last := events[len(events)-1].Seq; last < 50 {
		t.Fatalf("newest events should survive, last seq %d", last)
	}
}

func TestHeartbeatClosesAfterMissedPongs(t *testing.T) {
	hub := fanout.NewHub(fanout.Options{
		QueueSize:         4,
		HeartbeatInterval: 10 * time.Millisecond,
		MaxMissedPongs:    3,
		WriteTimeout:      time.Second,
		Logger:            logging.NewNop(),
	})
	silent := newFakeConn("silent")
	alive := newFakeConn("alive")
	_ = hub.Register(silent)
	_ = hub.Register(alive)
	_ = hub.Subscribe("silent", fanout.GlobalChannel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	stopPong := make(chan struct{})
	defer close(stopPong)
	go func() {
		ticker := time.NewTicker(2 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stopPong:
				return
			case <-ticker.C:
				hub.Pong("alive")
			}
		}
	}()

	waitFor(t, func() bool { _, closed := silent.snapshot(); return closed })
	stats := hub.Stats()
	if stats.Connections != 1 || stats.Channels[fanout.GlobalChannel] != 0 {
		t.Fatalf("silent connection not cleaned up: %+v", stats)
	}
	if _, closed := alive.snapshot(); closed {
		t.Fatal("responsive connection must stay open")
	}
}

func TestSendFailureRemovesConnection(t *testing.T) {
	hub := newHub(4)
	conn := newFakeConn("broken")
	conn.sendErr = errors.New("broken pipe")
	_ = hub.Register(conn)
	_ = hub.Subscribe("broken", fanout.GlobalChannel)
	hub.Publish(fanout.GlobalChannel, fanout.Event{Type: fanout.EventTaskFailed})
	waitFor(t, func() bool { return hub.Stats().Connections == 0 })
}

func TestSinksSeeEveryEvent(t *testing.T) {
	hub := newHub(4)
	var (
		mu   sync.Mutex
		seen []string
	)
	hub.AddSink(fanout.SinkFunc(func(evt fanout.Event) {
		mu.Lock()
		seen = append(seen, evt.Channel)
		mu.Unlock()
	}))
	hub.PublishAll(fanout.Event{Type: fanout.EventTaskSucceeded, TaskID: "t", ItemID: "i"})
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 {
		t.Fatalf("sink saw %v", seen)
	}
}

func TestSubscribeValidation(t *testing.T) {
	hub := newHub(4)
	if err := hub.Subscribe("missing", fanout.GlobalChannel); !errors.Is(err, fanout.ErrUnknownConnection) {
		t.Fatalf("expected unknown connection, got %v", err)
	}
	_ = hub.Register(newFakeConn("c"))
	for _, bad := range []string{"", "task:", "items:1", "everything"} {
		if err := hub.Subscribe("c", bad); err == nil {
			t.Fatalf("channel %q should be rejected", bad)
		}
	}
	if err := hub.Subscribe("c", fanout.ItemChannel("abc")); err != nil {
		t.Fatalf("valid item channel rejected: %v", err)
	}
	if err := hub.Unsubscribe("c", fanout.ItemChannel("abc")); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if got := hub.Stats().Channels; len(got) != 0 {
		t.Fatalf("expected no channels, got %v", got)
	}
}
