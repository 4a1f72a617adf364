package tracelog

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

const wsWriteTimeout = 5 * time.Second

type wsBus struct {
	conn   *websocket.Conn
	selfID string

	mu       sync.Mutex
	handlers map[int]func(Message)
	nextID   int
	closed   bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWebSocketBus joins a broadcast channel hosted by a collector relay.
// The connection is best-effort: if it drops, the bus goes quiet rather
// than reconnecting, and the coordinator degrades accordingly.
func NewWebSocketBus(ctx context.Context, relayURL, channel, selfID string) (Bus, error) {
	relayURL = strings.TrimRight(strings.TrimSpace(relayURL), "/")
	channel = strings.TrimSpace(channel)
	if relayURL == "" || channel == "" || strings.TrimSpace(selfID) == "" {
		return nil, ErrInvalidInput
	}
	dialCtx, cancelDial := context.WithTimeout(ctx, 10*time.Second)
	defer cancelDial()
	conn, _, err := websocket.Dial(dialCtx, relayURL+"/v1/broadcast/"+channel, nil)
	if err != nil {
		return nil, err
	}

	readCtx, cancel := context.WithCancel(context.Background())
	b := &wsBus{
		conn:     conn,
		selfID:   selfID,
		handlers: map[int]func(Message){},
		cancel:   cancel,
	}
	b.wg.Add(1)
	go b.readLoop(readCtx)
	return b, nil
}

func (b *wsBus) Publish(msg Message) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	b.mu.Unlock()

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
	defer cancel()
	return b.conn.Write(ctx, websocket.MessageText, data)
}

func (b *wsBus) Subscribe(handler func(Message)) func() {
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

func (b *wsBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.handlers = map[int]func(Message){}
	b.mu.Unlock()

	b.cancel()
	err := b.conn.Close(websocket.StatusNormalClosure, "bus closed")
	b.wg.Wait()
	return err
}

func (b *wsBus) readLoop(ctx context.Context) {
	defer b.wg.Done()
	for {
		_, data, err := b.conn.Read(ctx)
		if err != nil {
			return
		}
		var msg Message
		if jsonErr := json.Unmarshal(data, &msg); jsonErr != nil || msg.Action == "" {
			continue
		}
		if msg.TabID == b.selfID {
			continue
		}
		b.deliver(msg)
	}
}

func (b *wsBus) deliver(msg Message) {
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
