package tracelog

import (
	"log/slog"
	"time"
)

type RecoveryAttempt struct {
	SessionID string         `json:"session_id"`
	Timestamp int64          `json:"timestamp"`
	Attempt   int            `json:"attempt"`
	Context   SessionContext `json:"context"`
}

type RecoveryResult struct {
	Recovered bool
	SessionID string
	Context   SessionContext
	Reason    string
}

// SessionRecoveryStore lets a reloaded or crashed context resume its prior
// session within a bounded window instead of minting a new one.
type SessionRecoveryStore struct {
	store     Store
	logger    *slog.Logger
	projectID string

	window      time.Duration
	maxAttempts int
	maxLog      int
}

func NewSessionRecoveryStore(store Store, logger *slog.Logger, cfg Config) *SessionRecoveryStore {
	cfg = cfg.withDefaults()
	window := cfg.SessionTimeout * time.Duration(cfg.RecoveryMultiplier)
	if window > cfg.RecoveryCeiling {
		window = cfg.RecoveryCeiling
	}
	return &SessionRecoveryStore{
		store:       store,
		logger:      logger,
		projectID:   cfg.ProjectID,
		window:      window,
		maxAttempts: cfg.MaxRecoveryTries,
		maxLog:      cfg.MaxRecoveryLog,
	}
}

func (r *SessionRecoveryStore) loadAttempts() []RecoveryAttempt {
	var attempts []RecoveryAttempt
	if !getJSON(r.store, recoveryKey(r.projectID), &attempts) {
		return nil
	}
	return attempts
}

func (r *SessionRecoveryStore) saveAttempts(attempts []RecoveryAttempt) {
	if len(attempts) > r.maxLog {
		attempts = attempts[len(attempts)-r.maxLog:]
	}
	setJSON(r.store, r.logger, recoveryKey(r.projectID), attempts)
}

// StoreForRecovery snapshots the current session context so a future
// context restart can resume it.
func (r *SessionRecoveryStore) StoreForRecovery(ctx SessionContext) {
	if ctx.SessionID == "" {
		return
	}
	attempts := r.pruneStale(r.loadAttempts())
	attempt := 0
	for i := len(attempts) - 1; i >= 0; i-- {
		if attempts[i].SessionID == ctx.SessionID {
			attempt = attempts[i].Attempt
			break
		}
	}
	attempts = append(attempts, RecoveryAttempt{
		SessionID: ctx.SessionID,
		Timestamp: nowMillis(),
		Attempt:   attempt,
		Context:   ctx,
	})
	r.saveAttempts(attempts)
}

// Clear drops the recovery record; used when a session ends cleanly so
// only crashes and reloads remain recoverable.
func (r *SessionRecoveryStore) Clear() {
	r.store.Remove(recoveryKey(r.projectID))
}

func (r *SessionRecoveryStore) HasRecoverableSession() bool {
	latest, ok := r.latestAttempt()
	if !ok {
		return false
	}
	return r.eligible(latest) == ""
}

// AttemptRecovery resumes the most recent recoverable session. Any
// rejection reason yields Recovered=false; callers mint a new session.
func (r *SessionRecoveryStore) AttemptRecovery(currentSessionID string) RecoveryResult {
	latest, ok := r.latestAttempt()
	if !ok {
		return RecoveryResult{Reason: "no recovery record"}
	}
	if currentSessionID != "" && currentSessionID != latest.SessionID {
		return RecoveryResult{Reason: "session id mismatch"}
	}
	if reason := r.eligible(latest); reason != "" {
		return RecoveryResult{Reason: reason}
	}

	attempts := r.pruneStale(r.loadAttempts())
	attempts = append(attempts, RecoveryAttempt{
		SessionID: latest.SessionID,
		Timestamp: nowMillis(),
		Attempt:   latest.Attempt + 1,
		Context:   latest.Context,
	})
	r.saveAttempts(attempts)
	logDebug(r.logger, "session recovered",
		"session_id", latest.SessionID, "attempt", latest.Attempt+1)
	return RecoveryResult{
		Recovered: true,
		SessionID: latest.SessionID,
		Context:   latest.Context,
	}
}

func (r *SessionRecoveryStore) latestAttempt() (RecoveryAttempt, bool) {
	attempts := r.loadAttempts()
	if len(attempts) == 0 {
		return RecoveryAttempt{}, false
	}
	return attempts[len(attempts)-1], true
}

func (r *SessionRecoveryStore) eligible(attempt RecoveryAttempt) string {
	lastActivity := attempt.Context.LastActivity
	if lastActivity == 0 {
		lastActivity = attempt.Timestamp
	}
	age := time.Duration(nowMillis()-lastActivity) * time.Millisecond
	if age > r.window {
		return "outside recovery window"
	}
	if attempt.Attempt >= r.maxAttempts {
		return "max recovery attempts exceeded"
	}
	return ""
}

func (r *SessionRecoveryStore) pruneStale(attempts []RecoveryAttempt) []RecoveryAttempt {
	if len(attempts) == 0 {
		return attempts
	}
	cutoff := nowMillis() - r.window.Milliseconds()
	kept := attempts[:0]
	for _, attempt := range attempts {
		if attempt.Timestamp >= cutoff {
			kept = append(kept, attempt)
		}
	}
	return kept
}
