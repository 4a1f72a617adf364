package tracelog

import (
	"testing"
)

type stubSender struct {
	batches []QueueBatch
	fail    bool
}

func (s *stubSender) Send(batch QueueBatch) bool {
	if s.fail {
		return false
	}
	s.batches = append(s.batches, batch)
	return true
}

func testInfo() (string, string, string) {
	return "user-1", "session-1", "desktop"
}

func newTestBuffer(cfg Config, sender BatchSender) *EventBuffer {
	cfg.ProjectID = "proj"
	return NewEventBuffer(cfg, nil, sender, testInfo)
}

func TestBufferCoalescesRepeatedClicks(t *testing.T) {
	sender := &stubSender{}
	buffer := newTestBuffer(Config{}, sender)

	click := &ClickData{X: 10, Y: 20, Tag: "button"}
	buffer.Track(Event{Type: EventClick, Click: click, Timestamp: 1000})
	buffer.Track(Event{Type: EventClick, Click: click, Timestamp: 1400})

	if buffer.Len() != 1 {
		t.Fatalf("expected coalesced queue of 1, got %d", buffer.Len())
	}
	buffer.Flush()
	if len(sender.batches) != 1 || len(sender.batches[0].Events) != 1 {
		t.Fatalf("unexpected batches: %+v", sender.batches)
	}
	if got := sender.batches[0].Events[0].Timestamp; got != 1400 {
		t.Fatalf("coalesced event should keep later timestamp, got %d", got)
	}
}

func TestBufferDistinctClicksKept(t *testing.T) {
	sender := &stubSender{}
	buffer := newTestBuffer(Config{}, sender)

	buffer.Track(Event{Type: EventClick, Click: &ClickData{X: 1, Y: 1}, Timestamp: 1000})
	buffer.Track(Event{Type: EventClick, Click: &ClickData{X: 2, Y: 2}, Timestamp: 1100})
	if buffer.Len() != 2 {
		t.Fatalf("distinct clicks collapsed: %d", buffer.Len())
	}
}

func TestBufferExcludedURLSuppression(t *testing.T) {
	sender := &stubSender{}
	buffer := newTestBuffer(Config{ExcludedURLPaths: []string{"/admin"}}, sender)

	buffer.Track(Event{Type: EventPageView, PageURL: "https://x.test/admin", Timestamp: 1000})
	buffer.Track(Event{Type: EventSessionStart, PageURL: "https://x.test/admin", Timestamp: 1001})
	buffer.Track(Event{Type: EventSessionEnd, PageURL: "https://x.test/admin", EndReason: EndReasonManual, Timestamp: 1002})

	if len(sender.batches) != 1 {
		t.Fatalf("session_end should have forced a flush: %d batches", len(sender.batches))
	}
	events := sender.batches[0].Events
	if len(events) != 2 {
		t.Fatalf("expected only session markers, got %+v", events)
	}
	for _, event := range events {
		if event.PageURL != "" {
			t.Fatalf("marker kept excluded URL: %+v", event)
		}
	}
}

func TestBufferSamplingDropsNonMarkers(t *testing.T) {
	sender := &stubSender{}
	buffer := newTestBuffer(Config{SamplingRate: 0.5}, sender)
	buffer.sample = func() float64 { return 0.9 }

	buffer.Track(Event{Type: EventClick, Click: &ClickData{X: 1, Y: 1}, Timestamp: 1000})
	if buffer.Len() != 0 {
		t.Fatal("sampled-out event enqueued")
	}
	buffer.Track(Event{Type: EventSessionStart, Timestamp: 1001})
	if buffer.Len() != 1 {
		t.Fatal("session marker must bypass sampling")
	}
}

func TestBufferOverflowDropsOldest(t *testing.T) {
	sender := &stubSender{}
	buffer := newTestBuffer(Config{MaxQueueLength: 3}, sender)

	for i := 0; i < 5; i++ {
		buffer.Track(Event{
			Type:      EventCustom,
			Custom:    &CustomData{Name: "evt-" + string(rune('a'+i))},
			Timestamp: int64(1000 + i),
		})
	}
	if buffer.Len() != 3 {
		t.Fatalf("queue length %d, want 3", buffer.Len())
	}
	buffer.Flush()
	events := sender.batches[0].Events
	if events[0].Custom.Name != "evt-c" || events[2].Custom.Name != "evt-e" {
		t.Fatalf("oldest events not dropped in order: %+v", events)
	}
}

func TestBufferFlushFailureRetainsEvents(t *testing.T) {
	sender := &stubSender{fail: true}
	buffer := newTestBuffer(Config{}, sender)

	buffer.Track(Event{Type: EventClick, Click: &ClickData{X: 1, Y: 1}, Timestamp: 1000})
	buffer.Flush()
	if buffer.Len() != 1 {
		t.Fatalf("failed flush lost events: %d", buffer.Len())
	}

	sender.fail = false
	buffer.Flush()
	if buffer.Len() != 0 {
		t.Fatal("retry flush did not drain queue")
	}
	if len(sender.batches) != 1 || len(sender.batches[0].Events) != 1 {
		t.Fatalf("unexpected delivery: %+v", sender.batches)
	}
}

func TestBufferFlushSortsAndDedups(t *testing.T) {
	sender := &stubSender{}
	buffer := newTestBuffer(Config{DedupWindow: 1}, sender)

	// Same identity far apart in time lands as separate queue entries;
	// flush collapses them to one with the latest timestamp.
	buffer.Track(Event{Type: EventCustom, Custom: &CustomData{Name: "dup"}, Timestamp: 5000})
	buffer.Track(Event{Type: EventCustom, Custom: &CustomData{Name: "other"}, Timestamp: 1000})
	buffer.Track(Event{Type: EventCustom, Custom: &CustomData{Name: "dup"}, Timestamp: 9000})

	buffer.Flush()
	events := sender.batches[0].Events
	if len(events) != 2 {
		t.Fatalf("composite dedup failed: %+v", events)
	}
	if events[0].Custom.Name != "other" {
		t.Fatalf("events not sorted by timestamp: %+v", events)
	}
	if events[1].Timestamp != 9000 {
		t.Fatalf("dedup should keep latest timestamp, got %d", events[1].Timestamp)
	}
}

func TestBufferBatchCarriesIdentity(t *testing.T) {
	sender := &stubSender{}
	buffer := newTestBuffer(Config{GlobalMetadata: map[string]any{"env": "test"}}, sender)

	buffer.Track(Event{Type: EventPageView, PageURL: "https://x.test/", Timestamp: 1000})
	buffer.Flush()

	batch := sender.batches[0]
	if batch.UserID != "user-1" || batch.SessionID != "session-1" || batch.Device != "desktop" {
		t.Fatalf("batch identity wrong: %+v", batch)
	}
	if batch.GlobalMetadata["env"] != "test" {
		t.Fatalf("global metadata missing: %+v", batch.GlobalMetadata)
	}
}
