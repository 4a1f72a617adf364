package tracelog

import (
	"log/slog"

	"github.com/google/uuid"
)

// SessionContext is the single shared record describing the logical
// session for a project. It lives in the shared store and is mutated by
// whichever context currently believes it is leader; concurrent writers
// race last-writer-wins.
type SessionContext struct {
	SessionID        string `json:"session_id"`
	StartTime        int64  `json:"start_time"`
	LastActivity     int64  `json:"last_activity"`
	TabCount         int    `json:"tab_count"`
	RecoveryAttempts int    `json:"recovery_attempts"`
}

// TabRecord is owned exclusively by one execution context and refreshed
// on every heartbeat.
type TabRecord struct {
	TabID         string `json:"tab_id"`
	SessionID     string `json:"session_id"`
	IsLeader      bool   `json:"is_leader"`
	LastHeartbeat int64  `json:"last_heartbeat"`
	StartTime     int64  `json:"start_time"`
}

func newSessionID() string {
	return uuid.NewString()
}

func newTabID() string {
	return "tab_" + uuid.NewString()
}

func loadSessionContext(store Store, projectID string) (SessionContext, bool) {
	var ctx SessionContext
	if !getJSON(store, sessionKey(projectID), &ctx) {
		return SessionContext{}, false
	}
	if ctx.SessionID == "" {
		return SessionContext{}, false
	}
	if ctx.TabCount < 1 {
		ctx.TabCount = 1
	}
	return ctx, true
}

func saveSessionContext(store Store, logger *slog.Logger, projectID string, ctx SessionContext) {
	if ctx.TabCount < 1 {
		ctx.TabCount = 1
	}
	setJSON(store, logger, sessionKey(projectID), ctx)
}

// updateSessionContext applies mutate to the stored context under the
// usual non-transactional caveat. It is a no-op when no context exists.
func updateSessionContext(store Store, logger *slog.Logger, projectID string, mutate func(*SessionContext)) (SessionContext, bool) {
	ctx, ok := loadSessionContext(store, projectID)
	if !ok {
		return SessionContext{}, false
	}
	before := ctx.LastActivity
	mutate(&ctx)
	if ctx.LastActivity < before {
		ctx.LastActivity = before
	}
	saveSessionContext(store, logger, projectID, ctx)
	return ctx, true
}

func removeSessionContext(store Store, projectID string) {
	store.Remove(sessionKey(projectID))
}

func saveTabRecord(store Store, logger *slog.Logger, projectID string, record TabRecord) {
	setJSON(store, logger, tabKey(projectID, record.TabID), record)
}

func removeTabRecord(store Store, projectID, tabID string) {
	store.Remove(tabKey(projectID, tabID))
}
