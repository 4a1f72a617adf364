package tracelog

import (
	"strings"
	"sync"
)

type MessageAction string

const (
	ActionElectionRequest  MessageAction = "election_request"
	ActionElectionResponse MessageAction = "election_response"
	ActionSessionStart     MessageAction = "session_start"
	ActionSessionEnd       MessageAction = "session_end"
	ActionHeartbeat        MessageAction = "heartbeat"
	ActionTabClosing       MessageAction = "tab_closing"
)

type Message struct {
	Action    MessageAction `json:"action"`
	TabID     string        `json:"tab_id"`
	SessionID string        `json:"session_id,omitempty"`
	IsLeader  bool          `json:"is_leader,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	Timestamp int64         `json:"timestamp"`
}

// Bus is the best-effort fan-out channel shared by same-origin execution
// contexts. Delivery is unordered and at-most-once; a publisher never
// receives its own messages back.
type Bus interface {
	Publish(msg Message) error
	Subscribe(handler func(Message)) (unsubscribe func())
	Close() error
}

type memoryBusHub struct {
	mu       sync.Mutex
	channels map[string][]*memoryBus
}

var sharedMemoryHub = &memoryBusHub{channels: map[string][]*memoryBus{}}

type memoryBus struct {
	hub     *memoryBusHub
	channel string

	mu       sync.Mutex
	handlers map[int]func(Message)
	nextID   int
	closed   bool
}

// NewMemoryBus joins the process-global broadcast channel with the given
// name. Every bus on the same channel receives everything the others
// publish, mirroring how sibling tabs share a broadcast channel.
func NewMemoryBus(channel string) Bus {
	return newMemoryBusOnHub(sharedMemoryHub, channel)
}

func newMemoryBusOnHub(hub *memoryBusHub, channel string) Bus {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		channel = "default"
	}
	b := &memoryBus{
		hub:      hub,
		channel:  channel,
		handlers: map[int]func(Message){},
	}
	hub.mu.Lock()
	hub.channels[channel] = append(hub.channels[channel], b)
	hub.mu.Unlock()
	return b
}

func (b *memoryBus) Publish(msg Message) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	b.mu.Unlock()

	b.hub.mu.Lock()
	peers := append([]*memoryBus(nil), b.hub.channels[b.channel]...)
	b.hub.mu.Unlock()

	for _, peer := range peers {
		if peer == b {
			continue
		}
		peer.deliver(msg)
	}
	return nil
}

func (b *memoryBus) deliver(msg Message) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	handlers := make([]func(Message), 0, len(b.handlers))
	for _, handler := range b.handlers {
		handlers = append(handlers, handler)
	}
	b.mu.Unlock()
	for _, handler := range handlers {
		handler(msg)
	}
}

func (b *memoryBus) Subscribe(handler func(Message)) func() {
	if handler == nil {
		return func() {}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}
	id := b.nextID
	b.nextID++
	b.handlers[id] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, id)
	}
}

func (b *memoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.handlers = map[int]func(Message){}
	b.mu.Unlock()

	b.hub.mu.Lock()
	peers := b.hub.channels[b.channel]
	for i, peer := range peers {
		if peer == b {
			b.hub.channels[b.channel] = append(peers[:i], peers[i+1:]...)
			break
		}
	}
	if len(b.hub.channels[b.channel]) == 0 {
		delete(b.hub.channels, b.channel)
	}
	b.hub.mu.Unlock()
	return nil
}
