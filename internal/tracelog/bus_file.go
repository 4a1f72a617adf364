package tracelog

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

type fileBus struct {
	path    string
	selfID  string
	watcher *fsnotify.Watcher

	mu       sync.Mutex
	offset   int64
	handlers map[int]func(Message)
	nextID   int
	closed   bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewFileBus broadcasts over an append-only JSONL file in a directory
// shared by all participating processes, watched with fsnotify. Messages
// published by selfID are skipped on delivery.
func NewFileBus(dir, channel, selfID string) (Bus, error) {
	dir = strings.TrimSpace(dir)
	channel = strings.TrimSpace(channel)
	if dir == "" || channel == "" || strings.TrimSpace(selfID) == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, channel+".bus.jsonl")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	_ = file.Close()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	info, err := os.Stat(path)
	var offset int64
	if err == nil {
		offset = info.Size()
	}

	b := &fileBus{
		path:     path,
		selfID:   selfID,
		watcher:  watcher,
		offset:   offset,
		handlers: map[int]func(Message){},
		done:     make(chan struct{}),
	}
	b.wg.Add(1)
	go b.watchLoop()
	return b, nil
}

func (b *fileBus) Publish(msg Message) error {
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
	file, err := os.OpenFile(b.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = file.Write(append(data, '\n'))
	return err
}

func (b *fileBus) Subscribe(handler func(Message)) func() {
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

func (b *fileBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.handlers = map[int]func(Message){}
	b.mu.Unlock()

	close(b.done)
	err := b.watcher.Close()
	b.wg.Wait()
	return err
}

func (b *fileBus) watchLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case event, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			if event.Name != b.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			b.drain()
		case _, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// drain reads any appended lines past the last seen offset and delivers
// them. Malformed lines and own messages are skipped; a shrunken file
// resets the offset.
func (b *fileBus) drain() {
	file, err := os.Open(b.path)
	if err != nil {
		return
	}
	defer file.Close()

	b.mu.Lock()
	offset := b.offset
	b.mu.Unlock()

	info, err := file.Stat()
	if err != nil {
		return
	}
	if info.Size() < offset {
		offset = 0
	}
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return
	}

	reader := bufio.NewReader(file)
	consumed := offset
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			break
		}
		consumed += int64(len(line))
		var msg Message
		if jsonErr := json.Unmarshal(line, &msg); jsonErr != nil || msg.Action == "" {
			continue
		}
		if msg.TabID == b.selfID {
			continue
		}
		b.deliver(msg)
	}

	b.mu.Lock()
	b.offset = consumed
	b.mu.Unlock()
}

func (b *fileBus) deliver(msg Message) {
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
