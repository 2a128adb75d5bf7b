package natsbridge_test

import (
	"encoding/json"
	"sync"
	"testing"

	"kbforge/internal/fanout"
	"kbforge/internal/fanout/natsbridge"
	"kbforge/internal/logging"
)

type recorder struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
}

func (r *recorder) Publish(subject string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subjects = append(r.subjects, subject)
	r.payloads = append(r.payloads, data)
	return nil
}

func TestBridgeRelaysHubEvents(t *testing.T) {
	rec := &recorder{}
	bridge := natsbridge.New(rec, "kb.events.", logging.NewNop())
	hub := fanout.NewHub(fanout.Options{Logger: logging.NewNop()})
	hub.AddSink(bridge)

	hub.PublishAll(fanout.Event{Type: fanout.EventItemPhaseCompleted, TaskID: "t1", ItemID: "i1", Phase: "cache"})

	want := []string{"kb.events.global", "kb.events.task.t1", "kb.events.item.i1"}
	if len(rec.subjects) != len(want) {
		t.Fatalf("subjects = %v", rec.subjects)
	}
	for i, subject := range want {
		if rec.subjects[i] != subject {
			t.Fatalf("subject %d = %q, want %q", i, rec.subjects[i], subject)
		}
	}
	var evt fanout.Event
	if err := json.Unmarshal(rec.payloads[1], &evt); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if evt.Phase != "cache" || evt.Channel != "task:t1" {
		t.Fatalf("unexpected payload %+v", evt)
	}
}

func TestDefaultPrefix(t *testing.T) {
	bridge := natsbridge.New(&recorder{}, "", logging.NewNop())
	if got := bridge.Subject("global"); got != "kbforge.events.global" {
		t.Fatalf("Subject = %q", got)
	}
}
