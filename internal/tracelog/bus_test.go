package tracelog

import (
	"errors"
	"testing"
	"time"
)

func newTestHub() *memoryBusHub {
	return &memoryBusHub{channels: map[string][]*memoryBus{}}
}

func TestMemoryBusPublisherDoesNotEcho(t *testing.T) {
	hub := newTestHub()
	a := newMemoryBusOnHub(hub, "chan")
	b := newMemoryBusOnHub(hub, "chan")
	defer a.Close()
	defer b.Close()

	var aGot, bGot []Message
	a.Subscribe(func(msg Message) { aGot = append(aGot, msg) })
	b.Subscribe(func(msg Message) { bGot = append(bGot, msg) })

	if err := a.Publish(Message{Action: ActionHeartbeat, TabID: "a"}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if len(aGot) != 0 {
		t.Fatalf("publisher received its own message: %v", aGot)
	}
	if len(bGot) != 1 || bGot[0].Action != ActionHeartbeat {
		t.Fatalf("peer did not receive message: %v", bGot)
	}
}

func TestMemoryBusChannelIsolation(t *testing.T) {
	hub := newTestHub()
	a := newMemoryBusOnHub(hub, "one")
	b := newMemoryBusOnHub(hub, "two")
	defer a.Close()
	defer b.Close()

	received := 0
	b.Subscribe(func(Message) { received++ })
	if err := a.Publish(Message{Action: ActionHeartbeat, TabID: "a"}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if received != 0 {
		t.Fatal("message crossed channels")
	}
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	hub := newTestHub()
	a := newMemoryBusOnHub(hub, "chan")
	b := newMemoryBusOnHub(hub, "chan")
	defer a.Close()
	defer b.Close()

	received := 0
	unsubscribe := b.Subscribe(func(Message) { received++ })
	unsubscribe()
	if err := a.Publish(Message{Action: ActionHeartbeat, TabID: "a"}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if received != 0 {
		t.Fatal("unsubscribed handler still invoked")
	}
}

func TestMemoryBusClosedPublish(t *testing.T) {
	hub := newTestHub()
	a := newMemoryBusOnHub(hub, "chan")
	if err := a.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := a.Publish(Message{Action: ActionHeartbeat}); !errors.Is(err, ErrBusClosed) {
		t.Fatalf("expected ErrBusClosed, got %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("double close failed: %v", err)
	}
}

func TestFileBusDeliversBetweenInstances(t *testing.T) {
	dir := t.TempDir()
	a, err := NewFileBus(dir, "proj", "tab-a")
	if err != nil {
		t.Fatalf("NewFileBus failed: %v", err)
	}
	defer a.Close()
	b, err := NewFileBus(dir, "proj", "tab-b")
	if err != nil {
		t.Fatalf("NewFileBus failed: %v", err)
	}
	defer b.Close()

	got := make(chan Message, 4)
	b.Subscribe(func(msg Message) { got <- msg })

	if err := a.Publish(Message{Action: ActionElectionRequest, TabID: "tab-a", Timestamp: 1}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case msg := <-got:
		if msg.Action != ActionElectionRequest || msg.TabID != "tab-a" {
			t.Fatalf("unexpected message: %+v", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for file bus delivery")
	}
}

func TestFileBusSkipsOwnMessages(t *testing.T) {
	dir := t.TempDir()
	a, err := NewFileBus(dir, "proj", "tab-a")
	if err != nil {
		t.Fatalf("NewFileBus failed: %v", err)
	}
	defer a.Close()

	got := make(chan Message, 4)
	a.Subscribe(func(msg Message) { got <- msg })
	if err := a.Publish(Message{Action: ActionHeartbeat, TabID: "tab-a", Timestamp: 1}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case msg := <-got:
		t.Fatalf("received own message: %+v", msg)
	case <-time.After(500 * time.Millisecond):
	}
}
