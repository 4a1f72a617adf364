package tracelog

import (
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"
)

// BatchSender consumes a flushed batch. Send reports delivery success and
// must never panic.
type BatchSender interface {
	Send(batch QueueBatch) bool
}

// BatchInfo supplies the identifiers stamped onto a batch at flush time.
type BatchInfo func() (userID, sessionID, device string)

// EventBuffer accumulates captured events, coalesces near-duplicate
// repeats, and hands time-ordered batches to the delivery engine on a
// timer, on session end, or on demand.
type EventBuffer struct {
	cfg    Config
	logger *slog.Logger
	sender BatchSender
	info   BatchInfo

	mu      sync.Mutex
	queue   []Event
	lastKey string
	lastAt  int64

	ticker   *time.Ticker
	done     chan struct{}
	wg       sync.WaitGroup
	startMu  sync.Mutex
	started  bool
	sample   func() float64
}

func NewEventBuffer(cfg Config, logger *slog.Logger, sender BatchSender, info BatchInfo) *EventBuffer {
	cfg = cfg.withDefaults()
	return &EventBuffer{
		cfg:    cfg,
		logger: logger,
		sender: sender,
		info:   info,
		sample: rand.Float64,
	}
}

func (b *EventBuffer) Start() {
	b.startMu.Lock()
	defer b.startMu.Unlock()
	if b.started {
		return
	}
	b.started = true
	b.ticker = time.NewTicker(b.cfg.FlushInterval)
	b.done = make(chan struct{})
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-b.ticker.C:
				b.Flush()
			case <-b.done:
				return
			}
		}
	}()
}

func (b *EventBuffer) Stop() {
	b.startMu.Lock()
	if !b.started {
		b.startMu.Unlock()
		return
	}
	b.started = false
	b.ticker.Stop()
	close(b.done)
	b.startMu.Unlock()
	b.wg.Wait()
	b.Flush()
}

// Track enqueues an event, coalescing it into the immediately preceding
// record when it is a near-duplicate within the dedup window.
func (b *EventBuffer) Track(event Event) {
	if event.Type == "" {
		return
	}
	if event.Timestamp == 0 {
		event.Timestamp = nowMillis()
	}
	sessionMarker := event.Type == EventSessionStart || event.Type == EventSessionEnd

	if b.cfg.isExcludedURL(event.PageURL) {
		if !sessionMarker {
			return
		}
		event.PageURL = ""
	}
	if !sessionMarker && b.cfg.SamplingRate < 1 && b.sample() >= b.cfg.SamplingRate {
		return
	}

	flushNow := false
	b.mu.Lock()
	key := event.identityKey()
	if !sessionMarker && key == b.lastKey &&
		event.Timestamp-b.lastAt <= b.cfg.DedupWindow.Milliseconds() &&
		len(b.queue) > 0 && b.queue[len(b.queue)-1].identityKey() == key {
		b.queue[len(b.queue)-1].Timestamp = event.Timestamp
		b.lastAt = event.Timestamp
		b.mu.Unlock()
		return
	}
	b.queue = append(b.queue, event)
	if len(b.queue) > b.cfg.MaxQueueLength {
		dropped := len(b.queue) - b.cfg.MaxQueueLength
		b.queue = append([]Event(nil), b.queue[dropped:]...)
		logDebug(b.logger, "event queue overflow", "dropped", dropped)
	}
	b.lastKey = key
	b.lastAt = event.Timestamp
	if event.Type == EventSessionEnd {
		flushNow = true
	}
	b.mu.Unlock()

	if flushNow {
		b.Flush()
	}
}

func (b *EventBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Flush hands the queued events to the sender. On failure the same events
// stay at the head of the queue for the next attempt.
func (b *EventBuffer) Flush() {
	b.mu.Lock()
	if len(b.queue) == 0 {
		b.mu.Unlock()
		return
	}
	pending := b.queue
	b.queue = nil
	b.lastKey = ""
	b.lastAt = 0
	b.mu.Unlock()

	events := dedupEvents(pending)
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp < events[j].Timestamp
	})

	userID, sessionID, device := b.info()
	batch := QueueBatch{
		UserID:         userID,
		SessionID:      sessionID,
		Device:         device,
		Events:         events,
		GlobalMetadata: b.cfg.GlobalMetadata,
	}
	if b.sender.Send(batch) {
		return
	}

	b.mu.Lock()
	b.queue = append(pending, b.queue...)
	if len(b.queue) > b.cfg.MaxQueueLength {
		b.queue = append([]Event(nil), b.queue[len(b.queue)-b.cfg.MaxQueueLength:]...)
	}
	b.mu.Unlock()
}

// dedupEvents collapses entries sharing a composite identity within the
// flushed batch, keeping the latest timestamp. Session markers are never
// collapsed.
func dedupEvents(events []Event) []Event {
	seen := map[string]int{}
	out := make([]Event, 0, len(events))
	for _, event := range events {
		if event.Type == EventSessionStart || event.Type == EventSessionEnd {
			out = append(out, event)
			continue
		}
		key := event.identityKey()
		if idx, ok := seen[key]; ok {
			if event.Timestamp > out[idx].Timestamp {
				out[idx].Timestamp = event.Timestamp
			}
			continue
		}
		seen[key] = len(out)
		out = append(out, event)
	}
	return out
}
