package tracelog

import (
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

type CoordinatorOptions struct {
	Config   Config
	Store    Store
	Bus      Bus
	Logger   *slog.Logger
	Recovery *SessionRecoveryStore
	TabID    string

	// OnSessionStart fires when this context gains a session id, whether
	// minted, recovered, or adopted from a sibling.
	OnSessionStart func(sessionID string, recovered bool)
	// OnSessionEnd fires when the session this context holds ends.
	OnSessionEnd func(sessionID string, reason string)
	// OnConflict observes competing leadership claims. The local leader
	// never steps down; the hook exists for observability.
	OnConflict func(remoteTabID, remoteSessionID string)
}

// TabCoordinator elects exactly one leader context among the open tabs of
// a project and owns session identity. Leadership is best-effort: brief
// dual leadership during startup races is tolerated and converges via
// last-writer-wins on the shared session context.
type TabCoordinator struct {
	cfg      Config
	store    Store
	bus      Bus
	logger   *slog.Logger
	recovery *SessionRecoveryStore

	onSessionStart func(string, bool)
	onSessionEnd   func(string, string)
	onConflict     func(string, string)

	mu            sync.Mutex
	tabID         string
	sessionID     string
	leaderTabID   string
	isLeader      bool
	started       bool
	ended         bool
	destroyed     bool
	startTime     int64
	lastBeat      int64
	electionTimer *time.Timer
	fallbackTimer *time.Timer
	cleanupTimers []*time.Timer
	unsubscribe   func()

	heartbeat *time.Ticker
	health    *time.Ticker
	done      chan struct{}
	wg        sync.WaitGroup
}

func NewTabCoordinator(opts CoordinatorOptions) *TabCoordinator {
	cfg := opts.Config.withDefaults()
	tabID := opts.TabID
	if tabID == "" {
		tabID = newTabID()
	}
	store := opts.Store
	if store == nil {
		store = NewMemoryStore()
	}
	return &TabCoordinator{
		cfg:            cfg,
		store:          store,
		bus:            opts.Bus,
		logger:         opts.Logger,
		recovery:       opts.Recovery,
		onSessionStart: opts.OnSessionStart,
		onSessionEnd:   opts.OnSessionEnd,
		onConflict:     opts.OnConflict,
		tabID:          tabID,
		done:           make(chan struct{}),
	}
}

func (t *TabCoordinator) TabID() string { return t.tabID }

func (t *TabCoordinator) IsLeader() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isLeader
}

func (t *TabCoordinator) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// Start is idempotent. Without a bus the coordinator becomes leader
// synchronously; otherwise it joins an existing session or runs an
// election, with an unconditional fallback timer so a crashed election
// never leaves this tab in follower limbo.
func (t *TabCoordinator) Start() {
	t.mu.Lock()
	if t.started || t.destroyed {
		t.mu.Unlock()
		return
	}
	t.started = true
	t.startTime = nowMillis()
	t.mu.Unlock()

	if t.bus == nil {
		t.becomeLeader()
		return
	}

	t.mu.Lock()
	t.unsubscribe = t.bus.Subscribe(t.handleMessage)
	t.mu.Unlock()

	if ctx, ok := loadSessionContext(t.store, t.cfg.ProjectID); ok {
		t.mu.Lock()
		t.sessionID = ctx.SessionID
		t.mu.Unlock()
		updateSessionContext(t.store, t.logger, t.cfg.ProjectID, func(sc *SessionContext) {
			sc.TabCount++
		})
		t.fireSessionStart(ctx.SessionID, false)
	}
	// Timers are armed before the election request goes out: a leader's
	// response may arrive synchronously during publish and must find
	// something to cancel.
	t.mu.Lock()
	t.electionTimer = time.AfterFunc(t.cfg.ElectionTimeout+t.jitter(), t.becomeLeader)
	t.fallbackTimer = time.AfterFunc(t.cfg.ElectionTimeout+t.cfg.FallbackBuffer, t.ensureLeader)
	t.mu.Unlock()
	t.publish(Message{Action: ActionElectionRequest, SessionID: t.SessionID()})

	t.startLoops()
}

// EnsureSession guarantees a session id exists or is being established.
// Before Start it starts; after a session ended it re-arms the election
// sequence so new activity opens a fresh session instead of leaving this
// context sessionless forever.
func (t *TabCoordinator) EnsureSession() {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return
	}
	started := t.started
	needsSession := t.sessionID == ""
	t.mu.Unlock()

	if !started {
		t.Start()
		return
	}
	if !needsSession {
		return
	}
	if t.bus == nil {
		t.becomeLeader()
		return
	}
	t.triggerReelection()
}

func (t *TabCoordinator) jitter() time.Duration {
	max := t.cfg.ElectionJitterMax
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}

func (t *TabCoordinator) startLoops() {
	t.mu.Lock()
	if t.destroyed || t.heartbeat != nil {
		t.mu.Unlock()
		return
	}
	t.heartbeat = time.NewTicker(t.cfg.HeartbeatInterval)
	t.health = time.NewTicker(2 * t.cfg.HeartbeatInterval)
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for {
			select {
			case <-t.heartbeat.C:
				t.sendHeartbeat()
			case <-t.health.C:
				t.checkLeaderHealth()
			case <-t.done:
				return
			}
		}
	}()
}

// becomeLeader is idempotent and settles any outstanding elections: it
// always answers with a leadership claim, and announces session_start
// only for a freshly minted session.
func (t *TabCoordinator) becomeLeader() {
	t.mu.Lock()
	if t.isLeader || t.destroyed {
		t.mu.Unlock()
		return
	}
	t.isLeader = true
	t.leaderTabID = t.tabID
	t.ended = false
	t.cancelElectionTimersLocked()

	sessionID := t.sessionID
	minted := false
	recovered := false
	if sessionID == "" {
		if t.recovery != nil {
			if result := t.recovery.AttemptRecovery(""); result.Recovered {
				sessionID = result.SessionID
				recovered = true
			}
		}
		if sessionID == "" {
			sessionID = newSessionID()
			minted = true
		}
		t.sessionID = sessionID
	}
	tabID := t.tabID
	startTime := t.startTime
	t.mu.Unlock()

	now := nowMillis()
	saveTabRecord(t.store, t.logger, t.cfg.ProjectID, TabRecord{
		TabID:         tabID,
		SessionID:     sessionID,
		IsLeader:      true,
		LastHeartbeat: now,
		StartTime:     startTime,
	})
	if _, ok := updateSessionContext(t.store, t.logger, t.cfg.ProjectID, func(sc *SessionContext) {
		sc.SessionID = sessionID
		sc.LastActivity = now
	}); !ok {
		saveSessionContext(t.store, t.logger, t.cfg.ProjectID, SessionContext{
			SessionID:    sessionID,
			StartTime:    now,
			LastActivity: now,
			TabCount:     1,
		})
	}

	if minted || recovered {
		t.publish(Message{Action: ActionSessionStart, SessionID: sessionID})
	}
	t.publish(Message{Action: ActionElectionResponse, SessionID: sessionID, IsLeader: true})
	logDebug(t.logger, "became leader", "tab_id", tabID, "session_id", sessionID)

	if minted || recovered {
		t.fireSessionStart(sessionID, recovered)
	}
	t.startLoops()
}

// ensureLeader is the last-resort consistency backstop: if neither a
// leader claim nor our own election settled things, take leadership.
func (t *TabCoordinator) ensureLeader() {
	t.mu.Lock()
	settled := t.isLeader || t.leaderTabID != ""
	t.mu.Unlock()
	if settled {
		return
	}
	t.becomeLeader()
}

func (t *TabCoordinator) handleMessage(msg Message) {
	switch msg.Action {
	case ActionElectionRequest:
		t.handleElectionRequest(msg)
	case ActionElectionResponse:
		t.handleElectionResponse(msg)
	case ActionSessionStart:
		t.handleSessionStart(msg)
	case ActionSessionEnd:
		t.handleSessionEnd(msg)
	case ActionHeartbeat:
		t.handleHeartbeat(msg)
	case ActionTabClosing:
		t.handleTabClosing(msg)
	}
}

func (t *TabCoordinator) handleElectionRequest(_ Message) {
	t.mu.Lock()
	leader := t.isLeader
	sessionID := t.sessionID
	t.mu.Unlock()
	if !leader {
		return
	}
	t.publish(Message{Action: ActionElectionResponse, SessionID: sessionID, IsLeader: true})
}

func (t *TabCoordinator) handleElectionResponse(msg Message) {
	if !msg.IsLeader {
		return
	}
	t.mu.Lock()
	if t.isLeader {
		t.mu.Unlock()
		logWarn(t.logger, "competing leader claim",
			"remote_tab", msg.TabID, "remote_session", msg.SessionID)
		if t.onConflict != nil {
			t.onConflict(msg.TabID, msg.SessionID)
		}
		return
	}
	t.leaderTabID = msg.TabID
	adopted := ""
	if msg.SessionID != "" && t.sessionID != msg.SessionID {
		t.sessionID = msg.SessionID
		t.ended = false
		adopted = msg.SessionID
	}
	t.cancelElectionTimersLocked()
	t.mu.Unlock()
	if adopted != "" {
		t.fireSessionStart(adopted, false)
	}
}

func (t *TabCoordinator) handleSessionStart(msg Message) {
	t.mu.Lock()
	if t.sessionID != "" || msg.SessionID == "" {
		t.mu.Unlock()
		return
	}
	t.sessionID = msg.SessionID
	t.leaderTabID = msg.TabID
	t.ended = false
	t.cancelElectionTimersLocked()
	t.mu.Unlock()

	updateSessionContext(t.store, t.logger, t.cfg.ProjectID, func(sc *SessionContext) {
		sc.TabCount++
	})
	t.fireSessionStart(msg.SessionID, false)
}

// handleSessionEnd only honors the currently recorded leader; a
// session_end from anyone else is protocol noise and is dropped.
func (t *TabCoordinator) handleSessionEnd(msg Message) {
	t.mu.Lock()
	if msg.TabID == "" || msg.TabID != t.leaderTabID || t.isLeader {
		t.mu.Unlock()
		return
	}
	endedSession := t.sessionID
	t.sessionID = ""
	t.leaderTabID = ""
	t.ended = true
	t.mu.Unlock()

	if endedSession != "" && t.onSessionEnd != nil {
		t.onSessionEnd(endedSession, msg.Reason)
	}
	t.triggerReelection()
}

func (t *TabCoordinator) handleHeartbeat(msg Message) {
	t.mu.Lock()
	known := t.sessionID != "" && msg.SessionID == t.sessionID
	t.mu.Unlock()
	if !known {
		return
	}
	updateSessionContext(t.store, t.logger, t.cfg.ProjectID, func(sc *SessionContext) {
		sc.LastActivity = msg.Timestamp
	})
}

// handleTabClosing notes a sibling's departure. The closing tab already
// removed itself from the shared count; receivers only contest leadership
// when the leader left.
func (t *TabCoordinator) handleTabClosing(msg Message) {
	t.mu.Lock()
	wasLeader := msg.IsLeader || (msg.TabID != "" && msg.TabID == t.leaderTabID)
	if wasLeader {
		t.leaderTabID = ""
	}
	destroyed := t.destroyed
	t.mu.Unlock()
	if !wasLeader || destroyed {
		return
	}
	// Let the closing broadcast settle before contesting leadership.
	t.mu.Lock()
	timer := time.AfterFunc(t.cfg.ElectionJitterMax, t.triggerReelection)
	t.cleanupTimers = append(t.cleanupTimers, timer)
	t.mu.Unlock()
}

func (t *TabCoordinator) triggerReelection() {
	t.mu.Lock()
	if t.destroyed || t.isLeader {
		t.mu.Unlock()
		return
	}
	if t.electionTimer != nil {
		t.electionTimer.Stop()
	}
	if t.fallbackTimer != nil {
		t.fallbackTimer.Stop()
	}
	sessionID := t.sessionID
	t.electionTimer = time.AfterFunc(t.cfg.ElectionTimeout+t.jitter(), t.becomeLeader)
	t.fallbackTimer = time.AfterFunc(t.cfg.ElectionTimeout+t.cfg.FallbackBuffer, t.ensureLeader)
	t.mu.Unlock()
	t.publish(Message{Action: ActionElectionRequest, SessionID: sessionID})
}

func (t *TabCoordinator) sendHeartbeat() {
	t.mu.Lock()
	if t.destroyed || t.sessionID == "" {
		t.mu.Unlock()
		return
	}
	leader := t.isLeader
	sessionID := t.sessionID
	tabID := t.tabID
	startTime := t.startTime
	now := nowMillis()
	throttled := !leader && t.lastBeat != 0 &&
		time.Duration(now-t.lastBeat)*time.Millisecond < t.cfg.HeartbeatInterval*8/10
	if !throttled {
		t.lastBeat = now
	}
	t.mu.Unlock()

	saveTabRecord(t.store, t.logger, t.cfg.ProjectID, TabRecord{
		TabID:         tabID,
		SessionID:     sessionID,
		IsLeader:      leader,
		LastHeartbeat: now,
		StartTime:     startTime,
	})
	if leader {
		updateSessionContext(t.store, t.logger, t.cfg.ProjectID, func(sc *SessionContext) {
			sc.LastActivity = now
		})
	}
	if throttled {
		return
	}
	t.publish(Message{Action: ActionHeartbeat, SessionID: sessionID})
}

// checkLeaderHealth runs on followers; a leader whose session context has
// not advanced within ~3 heartbeat intervals is presumed dead and a
// re-election starts. This recovers from leaders that crashed without a
// tab_closing broadcast.
func (t *TabCoordinator) checkLeaderHealth() {
	t.mu.Lock()
	if t.isLeader || t.destroyed || t.leaderTabID == "" {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	ctx, ok := loadSessionContext(t.store, t.cfg.ProjectID)
	if !ok {
		return
	}
	stale := time.Duration(nowMillis()-ctx.LastActivity) * time.Millisecond
	if stale < 3*t.cfg.HeartbeatInterval {
		return
	}
	logDebug(t.logger, "leader heartbeat stale", "stale", stale)
	t.mu.Lock()
	t.leaderTabID = ""
	t.mu.Unlock()
	t.triggerReelection()
}

// Touch refreshes session activity. The leader writes the shared context
// directly; followers piggyback on rate-limited heartbeats.
func (t *TabCoordinator) Touch() {
	t.mu.Lock()
	if t.sessionID == "" {
		t.mu.Unlock()
		return
	}
	leader := t.isLeader
	sessionID := t.sessionID
	now := nowMillis()
	throttled := !leader && t.lastBeat != 0 &&
		time.Duration(now-t.lastBeat)*time.Millisecond < t.cfg.HeartbeatInterval*8/10
	if !leader && !throttled {
		t.lastBeat = now
	}
	t.mu.Unlock()
	if leader {
		updateSessionContext(t.store, t.logger, t.cfg.ProjectID, func(sc *SessionContext) {
			sc.LastActivity = now
		})
		return
	}
	if !throttled {
		t.publish(Message{Action: ActionHeartbeat, SessionID: sessionID})
	}
}

// EndSession ends the logical session. Only the leader removes the shared
// context and broadcasts; a follower end is local. Idempotent per
// session.
func (t *TabCoordinator) EndSession(reason string) {
	t.mu.Lock()
	if t.ended || t.sessionID == "" {
		t.mu.Unlock()
		return
	}
	t.ended = true
	leader := t.isLeader
	sessionID := t.sessionID
	t.sessionID = ""
	if leader {
		t.isLeader = false
		t.leaderTabID = ""
	}
	t.mu.Unlock()

	if leader {
		t.publish(Message{Action: ActionSessionEnd, SessionID: sessionID, IsLeader: true, Reason: reason})
		removeSessionContext(t.store, t.cfg.ProjectID)
		if t.recovery != nil {
			// A cleanly ended session must not be resumed later.
			t.recovery.Clear()
		}
	}
	if t.onSessionEnd != nil {
		t.onSessionEnd(sessionID, reason)
	}
	logDebug(t.logger, "session ended", "session_id", sessionID, "reason", reason)
}

// Destroy tears the coordinator down: every timer is stopped before the
// bus subscription is released, and a best-effort tab_closing is sent so
// siblings can re-elect without waiting for heartbeat timeout.
func (t *TabCoordinator) Destroy() {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return
	}
	t.destroyed = true
	leader := t.isLeader
	sessionID := t.sessionID
	t.cancelElectionTimersLocked()
	for _, timer := range t.cleanupTimers {
		timer.Stop()
	}
	t.cleanupTimers = nil
	if t.heartbeat != nil {
		t.heartbeat.Stop()
	}
	if t.health != nil {
		t.health.Stop()
	}
	unsubscribe := t.unsubscribe
	t.unsubscribe = nil
	t.mu.Unlock()

	close(t.done)
	t.wg.Wait()

	t.publish(Message{Action: ActionTabClosing, SessionID: sessionID, IsLeader: leader})
	removeTabRecord(t.store, t.cfg.ProjectID, t.tabID)
	// The closing tab removes itself from the count; siblings never do,
	// so one close decrements exactly once however many tabs listen.
	updateSessionContext(t.store, t.logger, t.cfg.ProjectID, func(sc *SessionContext) {
		sc.TabCount--
	})
	if unsubscribe != nil {
		unsubscribe()
	}
}

func (t *TabCoordinator) cancelElectionTimersLocked() {
	if t.electionTimer != nil {
		t.electionTimer.Stop()
		t.electionTimer = nil
	}
	if t.fallbackTimer != nil {
		t.fallbackTimer.Stop()
		t.fallbackTimer = nil
	}
}

func (t *TabCoordinator) fireSessionStart(sessionID string, recovered bool) {
	if t.onSessionStart == nil || sessionID == "" {
		return
	}
	t.onSessionStart(sessionID, recovered)
}

func (t *TabCoordinator) publish(msg Message) {
	if t.bus == nil {
		return
	}
	msg.TabID = t.tabID
	if msg.Timestamp == 0 {
		msg.Timestamp = nowMillis()
	}
	if err := t.bus.Publish(msg); err != nil {
		logDebug(t.logger, "broadcast failed", "action", string(msg.Action), "error", err)
	}
}
