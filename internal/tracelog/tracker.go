package tracelog

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
)

type TrackerOptions struct {
	Config     Config
	Store      Store
	Bus        Bus
	Logger     *slog.Logger
	Source     ActivitySource
	PageURL    func() string
	HTTPClient *http.Client
	Beacon     BeaconSender
}

// Tracker assembles the coordination and delivery core into the SDK
// surface: it owns the store, bus, coordinator, lifecycle, buffer and
// delivery engine for one project.
type Tracker struct {
	cfg         Config
	logger      *slog.Logger
	store       Store
	bus         Bus
	recovery    *SessionRecoveryStore
	coordinator *TabCoordinator
	lifecycle   *SessionLifecycle
	buffer      *EventBuffer
	delivery    *DeliveryEngine
	pageURL     func() string
	userID      string

	destroyOnce sync.Once
}

// New validates the configuration — the only surface that returns an
// error — and wires the core together. Storage and bus failures degrade
// (memory store, single-context mode) instead of failing construction.
func New(opts TrackerOptions) (*Tracker, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	cfg := opts.Config.withDefaults()
	logger := opts.Logger

	store := opts.Store
	if store == nil {
		built, err := BuildStoreFromDSN(cfg.StoreDSN)
		if err != nil {
			logWarn(logger, "store unavailable, using in-memory fallback", "error", err)
			built = NewMemoryStore()
		}
		store = built
	}

	tabID := newTabID()
	bus := opts.Bus
	if bus == nil && cfg.BusDSN != "" {
		built, err := buildBusFromDSN(cfg, tabID)
		if err != nil {
			logWarn(logger, "broadcast bus unavailable, single-context mode", "error", err)
		}
		bus = built
	}

	t := &Tracker{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		bus:     bus,
		pageURL: opts.PageURL,
		userID:  resolveUserID(store, logger, cfg.UserID),
	}
	t.recovery = NewSessionRecoveryStore(store, logger, cfg)
	t.delivery = NewDeliveryEngine(DeliveryOptions{
		CollectorURL:    cfg.CollectorURL,
		Store:           store,
		Logger:          logger,
		HTTPClient:      opts.HTTPClient,
		Beacon:          opts.Beacon,
		RetryFloorDelay: cfg.RetryFloorDelay,
		RetryCeiling:    cfg.RetryCeilingDelay,
		SendMinInterval: cfg.SendMinInterval,
		BatchMaxAge:     cfg.BatchMaxAge,
	})
	t.buffer = NewEventBuffer(cfg, logger, t.delivery, func() (string, string, string) {
		return t.userID, t.coordinator.SessionID(), cfg.Device
	})
	t.coordinator = NewTabCoordinator(CoordinatorOptions{
		Config:   cfg,
		Store:    store,
		Bus:      bus,
		Logger:   logger,
		Recovery: t.recovery,
		TabID:    tabID,
		OnSessionStart: func(sessionID string, recovered bool) {
			if ctx, ok := loadSessionContext(store, cfg.ProjectID); ok {
				t.recovery.StoreForRecovery(ctx)
			}
			logDebug(logger, "session available",
				"session_id", sessionID, "recovered", recovered)
		},
		OnSessionEnd: func(sessionID, reason string) {
			t.lifecycle.Deactivate()
			logDebug(logger, "session ended remotely",
				"session_id", sessionID, "reason", reason)
		},
		OnConflict: func(remoteTabID, remoteSessionID string) {
			logWarn(logger, "leadership conflict observed",
				"remote_tab", remoteTabID, "remote_session", remoteSessionID)
		},
	})
	t.lifecycle = NewSessionLifecycle(LifecycleOptions{
		Config:      cfg,
		Logger:      logger,
		Coordinator: t.coordinator,
		Sink:        t.buffer,
		Source:      opts.Source,
		PageURL:     opts.PageURL,
	})
	return t, nil
}

// buildBusFromDSN resolves the broadcast bus. The tab id doubles as the
// bus self id so a context never consumes its own broadcasts.
func buildBusFromDSN(cfg Config, tabID string) (Bus, error) {
	dsn := strings.TrimSpace(cfg.BusDSN)
	switch {
	case dsn == "" || dsn == "none":
		return nil, nil
	case strings.HasPrefix(dsn, "memory:"):
		return NewMemoryBus(strings.TrimPrefix(dsn, "memory:")), nil
	case dsn == "memory":
		return NewMemoryBus(cfg.ProjectID), nil
	case strings.HasPrefix(dsn, "file:"):
		return NewFileBus(strings.TrimPrefix(dsn, "file:"), cfg.ProjectID, tabID)
	case strings.HasPrefix(dsn, "ws://"), strings.HasPrefix(dsn, "wss://"):
		return NewWebSocketBus(context.Background(), dsn, cfg.ProjectID, tabID)
	default:
		return nil, ErrInvalidInput
	}
}

func resolveUserID(store Store, logger *slog.Logger, configured string) string {
	if strings.TrimSpace(configured) != "" {
		return configured
	}
	const key = "tl:user_id"
	if existing, ok := store.Get(key); ok && strings.TrimSpace(existing) != "" {
		return existing
	}
	id := "user_" + newSessionID()
	if err := store.Set(key, id); err != nil {
		logWarn(logger, "persisting user id failed", "error", err)
	}
	return id
}

// Start installs the activity listener, starts the flush loop, and
// retries any batch persisted by a crashed predecessor.
func (t *Tracker) Start() {
	t.lifecycle.Start()
	t.buffer.Start()
	t.delivery.RecoverPersisted(t.userID)
}

func (t *Tracker) Activity() { t.lifecycle.Activity() }

func (t *Tracker) SessionID() string { return t.coordinator.SessionID() }
func (t *Tracker) IsLeader() bool    { return t.coordinator.IsLeader() }
func (t *Tracker) UserID() string    { return t.userID }

func (t *Tracker) Track(event Event) {
	t.lifecycle.Activity()
	if event.PageURL == "" && t.pageURL != nil {
		event.PageURL = t.pageURL()
	}
	t.buffer.Track(event)
}

func (t *Tracker) TrackPageView(pageURL, referrer, title string) {
	t.Track(Event{
		Type:     EventPageView,
		PageURL:  pageURL,
		PageView: &PageViewData{Referrer: referrer, Title: title},
	})
}

func (t *Tracker) TrackClick(x, y int, tag, text string) {
	t.Track(Event{
		Type:  EventClick,
		Click: &ClickData{X: x, Y: y, Tag: tag, Text: text},
	})
}

func (t *Tracker) TrackScroll(depth int, direction ScrollDirection) {
	t.Track(Event{
		Type:   EventScroll,
		Scroll: &ScrollData{Depth: depth, Direction: direction},
	})
}

func (t *Tracker) TrackCustom(name string, metadata map[string]any) {
	t.Track(Event{
		Type:   EventCustom,
		Custom: &CustomData{Name: name, Metadata: metadata},
	})
}

func (t *Tracker) TrackWebVitals(name string, value float64) {
	t.Track(Event{
		Type:      EventWebVitals,
		WebVitals: &WebVitalsData{Name: name, Value: value},
	})
}

// Stop ends the session and flushes whatever is buffered.
func (t *Tracker) Stop() {
	t.lifecycle.Stop()
	t.buffer.Flush()
}

// Destroy tears everything down: lifecycle, flush loop, coordinator
// timers, retry timer, bus, store. Safe to call more than once.
func (t *Tracker) Destroy() {
	t.destroyOnce.Do(func() {
		t.lifecycle.Stop()
		t.buffer.Stop()
		t.coordinator.Destroy()
		t.delivery.Close()
		if t.bus != nil {
			_ = t.bus.Close()
		}
		_ = t.store.Close()
	})
}
