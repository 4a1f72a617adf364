package tracelog

import (
	"log/slog"
	"sync"
	"time"
)

type SessionState string

const (
	StateNoSession SessionState = "no_session"
	StateActive    SessionState = "active"
)

// EventSink receives the session boundary markers and captured events.
type EventSink interface {
	Track(event Event)
}

// ActivitySource delivers opaque "user is active" ticks from whatever
// captures DOM signals upstream.
type ActivitySource interface {
	Subscribe(handler func()) (unsubscribe func())
}

type LifecycleOptions struct {
	Config      Config
	Logger      *slog.Logger
	Coordinator *TabCoordinator
	Sink        EventSink
	Source      ActivitySource
	PageURL     func() string
}

// SessionLifecycle drives the NO_SESSION <-> ACTIVE state machine from
// activity signals and the inactivity timeout.
type SessionLifecycle struct {
	cfg         Config
	logger      *slog.Logger
	coordinator *TabCoordinator
	sink        EventSink
	source      ActivitySource
	pageURL     func() string

	mu          sync.Mutex
	state       SessionState
	started     bool
	inactivity  *time.Timer
	unsubscribe func()
}

func NewSessionLifecycle(opts LifecycleOptions) *SessionLifecycle {
	return &SessionLifecycle{
		cfg:         opts.Config.withDefaults(),
		logger:      opts.Logger,
		coordinator: opts.Coordinator,
		sink:        opts.Sink,
		source:      opts.Source,
		pageURL:     opts.PageURL,
		state:       StateNoSession,
	}
}

func (l *SessionLifecycle) State() SessionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Start installs the activity listener exactly once; repeated calls are
// no-ops.
func (l *SessionLifecycle) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return
	}
	l.started = true
	if l.source != nil {
		l.unsubscribe = l.source.Subscribe(l.Activity)
	}
}

// Activity is the signal entry point. The first signal with no session
// held opens one; every signal while active resets the inactivity timer.
func (l *SessionLifecycle) Activity() {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return
	}
	if l.state == StateActive {
		l.resetInactivityLocked()
		l.mu.Unlock()
		l.coordinator.Touch()
		return
	}
	l.state = StateActive
	l.resetInactivityLocked()
	l.mu.Unlock()

	l.coordinator.EnsureSession()
	l.emit(Event{Type: EventSessionStart})
	logDebug(l.logger, "session activated", "session_id", l.coordinator.SessionID())
}

func (l *SessionLifecycle) resetInactivityLocked() {
	if l.inactivity != nil {
		l.inactivity.Stop()
	}
	l.inactivity = time.AfterFunc(l.cfg.SessionTimeout, func() {
		l.endSession(EndReasonInactivity)
	})
}

// Stop ends the session explicitly and removes the activity listener.
// Stopping with no session is a no-op for the session machinery.
func (l *SessionLifecycle) Stop() {
	l.endSession(EndReasonManual)
	l.mu.Lock()
	unsubscribe := l.unsubscribe
	l.unsubscribe = nil
	l.started = false
	l.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

func (l *SessionLifecycle) endSession(reason SessionEndReason) {
	l.mu.Lock()
	if l.state != StateActive {
		l.mu.Unlock()
		return
	}
	l.state = StateNoSession
	if l.inactivity != nil {
		l.inactivity.Stop()
		l.inactivity = nil
	}
	l.mu.Unlock()

	l.emit(Event{Type: EventSessionEnd, EndReason: reason})
	l.coordinator.EndSession(string(reason))
}

// Deactivate drops back to NO_SESSION without emitting a marker or
// touching the coordinator; used when a remote leader already ended the
// session and broadcast the end on the bus.
func (l *SessionLifecycle) Deactivate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateActive {
		return
	}
	l.state = StateNoSession
	if l.inactivity != nil {
		l.inactivity.Stop()
		l.inactivity = nil
	}
}

func (l *SessionLifecycle) emit(event Event) {
	if l.sink == nil {
		return
	}
	if event.PageURL == "" && l.pageURL != nil {
		event.PageURL = l.pageURL()
	}
	event.Timestamp = nowMillis()
	l.sink.Track(event)
}
