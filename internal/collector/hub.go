package collector

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

const (
	hubSendBuffer   = 32
	hubWriteTimeout = 5 * time.Second
)

// Hub relays broadcast messages between the execution contexts of a
// channel. Every message from one subscriber is fanned out verbatim to
// the channel's other subscribers; a subscriber that cannot keep up is
// dropped rather than allowed to stall the channel.
type Hub struct {
	logger *slog.Logger

	mu       sync.Mutex
	channels map[string]map[*hubClient]struct{}
}

type hubClient struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:   logger,
		channels: map[string]map[*hubClient]struct{}{},
	}
}

// Handle upgrades the request and pumps messages until the peer leaves.
func (h *Hub) Handle(w http.ResponseWriter, r *http.Request, channel string) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	client := &hubClient{
		conn: conn,
		send: make(chan []byte, hubSendBuffer),
		done: make(chan struct{}),
	}
	h.register(channel, client)
	defer h.unregister(channel, client)

	go h.writeLoop(client)
	h.readLoop(r.Context(), channel, client)
}

func (h *Hub) register(channel string, client *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients, ok := h.channels[channel]
	if !ok {
		clients = map[*hubClient]struct{}{}
		h.channels[channel] = clients
	}
	clients[client] = struct{}{}
}

func (h *Hub) unregister(channel string, client *hubClient) {
	h.mu.Lock()
	clients := h.channels[channel]
	delete(clients, client)
	if len(clients) == 0 {
		delete(h.channels, channel)
	}
	h.mu.Unlock()
	client.close()
}

func (c *hubClient) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close(websocket.StatusNormalClosure, "")
	})
}

func (h *Hub) readLoop(ctx context.Context, channel string, client *hubClient) {
	for {
		msgType, data, err := client.conn.Read(ctx)
		if err != nil {
			return
		}
		if msgType != websocket.MessageText {
			continue
		}
		h.broadcast(channel, client, data)
	}
}

func (h *Hub) writeLoop(client *hubClient) {
	for {
		select {
		case <-client.done:
			return
		case data := <-client.send:
			ctx, cancel := context.WithTimeout(context.Background(), hubWriteTimeout)
			err := client.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				client.close()
				return
			}
		}
	}
}

// broadcast fans data out to every channel peer except the sender.
func (h *Hub) broadcast(channel string, sender *hubClient, data []byte) {
	h.mu.Lock()
	peers := make([]*hubClient, 0, len(h.channels[channel]))
	for client := range h.channels[channel] {
		if client != sender {
			peers = append(peers, client)
		}
	}
	h.mu.Unlock()

	for _, peer := range peers {
		select {
		case peer.send <- data:
		default:
			if h.logger != nil {
				h.logger.Debug("dropping slow broadcast subscriber", "channel", channel)
			}
			peer.close()
		}
	}
}

// ChannelSize reports the subscriber count of a channel.
func (h *Hub) ChannelSize(channel string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.channels[channel])
}
