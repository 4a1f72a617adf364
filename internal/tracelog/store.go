package tracelog

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Store is the origin-scoped shared key/value storage every execution
// context reads and writes. No transactions: concurrent read-modify-write
// from sibling contexts is last-writer-wins by design.
type Store interface {
	Get(key string) (string, bool)
	Set(key, value string) error
	Remove(key string)
	Close() error
}

func sessionKey(projectID string) string  { return "tl:" + projectID + ":session" }
func tabKey(projectID, tabID string) string { return "tl:" + projectID + ":tab:" + tabID }
func recoveryKey(projectID string) string { return "tl:" + projectID + ":recovery" }
func queueKey(userID string) string       { return "tl:queue:" + userID }

// getJSON decodes the value under key into out. Corrupt JSON is treated
// as an absent key.
func getJSON(s Store, key string, out any) bool {
	raw, ok := s.Get(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return false
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false
	}
	return true
}

// setJSON writes key, logging instead of propagating failures: losing
// persistence degrades durability, never coordination.
func setJSON(s Store, logger *slog.Logger, key string, value any) {
	data, err := json.Marshal(value)
	if err != nil {
		logWarn(logger, "store marshal failed", "key", key, "error", err)
		return
	}
	if err := s.Set(key, string(data)); err != nil {
		logWarn(logger, "store write failed", "key", key, "error", err)
	}
}

type memoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemoryStore() Store {
	return &memoryStore{values: map[string]string{}}
}

func (m *memoryStore) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.values[key]
	return value, ok
}

func (m *memoryStore) Set(key, value string) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *memoryStore) Remove(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
}

func (m *memoryStore) Close() error { return nil }

type fileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore persists the whole key space as a single JSON object,
// written atomically via tmp+rename. A missing or corrupt file is an
// empty store.
func NewFileStore(path string) (Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &fileStore{path: path}, nil
}

func (f *fileStore) load() map[string]string {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return map[string]string{}
	}
	values := map[string]string{}
	if err := json.Unmarshal(data, &values); err != nil {
		return map[string]string{}
	}
	return values
}

func (f *fileStore) save(values map[string]string) error {
	data, err := json.Marshal(values)
	if err != nil {
		return err
	}
	dir := filepath.Dir(f.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *fileStore) Get(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	value, ok := f.load()[key]
	return value, ok
}

func (f *fileStore) Set(key, value string) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	values := f.load()
	values[key] = value
	return f.save(values)
}

func (f *fileStore) Remove(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	values := f.load()
	if _, ok := values[key]; !ok {
		return
	}
	delete(values, key)
	_ = f.save(values)
}

func (f *fileStore) Close() error { return nil }

type StoreFactory func(dsn string) (Store, error)

var storeFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]StoreFactory
}{factories: map[string]StoreFactory{}}

func RegisterStoreFactory(scheme string, factory StoreFactory) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if scheme == "" || factory == nil {
		return
	}
	storeFactoryRegistry.mu.Lock()
	defer storeFactoryRegistry.mu.Unlock()
	storeFactoryRegistry.factories[scheme] = factory
}

func lookupStoreFactory(scheme string) (StoreFactory, bool) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	storeFactoryRegistry.mu.RLock()
	defer storeFactoryRegistry.mu.RUnlock()
	factory, ok := storeFactoryRegistry.factories[scheme]
	return factory, ok
}

// BuildStoreFromDSN resolves a store implementation from a DSN. Empty DSN
// means in-memory, the degraded mode used when durable storage is
// unavailable.
func BuildStoreFromDSN(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryStore(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileStore(path)
	case "memory", "mem", "inmem":
		return NewMemoryStore(), nil
	case "postgres", "postgresql":
		return NewPostgresStore(dsn)
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: store backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported store scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed.Scheme == "" {
		return raw, nil
	}
	path := parsed.Path
	if parsed.Host != "" {
		path = parsed.Host + path
	}
	if path == "" {
		return "", errors.New("file store dsn has no path")
	}
	return path, nil
}

func logWarn(logger *slog.Logger, msg string, args ...any) {
	if logger == nil {
		return
	}
	logger.Warn(msg, args...)
}

func logDebug(logger *slog.Logger, msg string, args ...any) {
	if logger == nil {
		return
	}
	logger.Debug(msg, args...)
}
