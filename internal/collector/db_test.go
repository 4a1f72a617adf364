package collector

import (
	"path/filepath"
	"testing"

	"github.com/nacorga/tracelog-lib-sub006/internal/tracelog"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenDB(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("OpenDB failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testIngestBatch() tracelog.QueueBatch {
	return tracelog.QueueBatch{
		UserID:    "user-1",
		SessionID: "session-1",
		Device:    "desktop",
		Events: []tracelog.Event{
			{Type: tracelog.EventSessionStart, Timestamp: 1000, PageURL: "https://x.test/"},
			{Type: tracelog.EventClick, Timestamp: 2000, Click: &tracelog.ClickData{X: 1, Y: 2}},
			{Type: tracelog.EventSessionEnd, Timestamp: 3000, EndReason: tracelog.EndReasonManual},
		},
	}
}

func TestInsertBatchAndReadBack(t *testing.T) {
	db := newTestDB(t)
	if err := db.InsertBatch(testIngestBatch()); err != nil {
		t.Fatalf("InsertBatch failed: %v", err)
	}

	events, err := db.SessionEvents("session-1", 0)
	if err != nil {
		t.Fatalf("SessionEvents failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Type != "session_start" || events[2].Type != "session_end" {
		t.Fatalf("events out of order: %+v", events)
	}
	if events[1].UserID != "user-1" || events[1].Device != "desktop" {
		t.Fatalf("batch identity not stored: %+v", events[1])
	}

	count, err := db.EventCount()
	if err != nil || count != 3 {
		t.Fatalf("EventCount = %d (%v), want 3", count, err)
	}
}

func TestInsertBatchRejectsInvalidEvents(t *testing.T) {
	db := newTestDB(t)

	if err := db.InsertBatch(tracelog.QueueBatch{UserID: "u", Events: []tracelog.Event{{Type: "click", Timestamp: 1}}}); err == nil {
		t.Fatal("expected rejection for empty session id")
	}
	if err := db.InsertBatch(tracelog.QueueBatch{
		UserID:    "u",
		SessionID: "s",
		Events:    []tracelog.Event{{Type: "", Timestamp: 1}},
	}); err == nil {
		t.Fatal("expected rejection for missing type")
	}

	// A rejected batch must not leave partial rows behind.
	if err := db.InsertBatch(tracelog.QueueBatch{
		UserID:    "u",
		SessionID: "s",
		Events: []tracelog.Event{
			{Type: tracelog.EventClick, Timestamp: 1},
			{Type: "", Timestamp: 2},
		},
	}); err == nil {
		t.Fatal("expected rejection for invalid second event")
	}
	count, err := db.EventCount()
	if err != nil || count != 0 {
		t.Fatalf("partial batch persisted: count=%d (%v)", count, err)
	}
}

func TestSessionEventsUnknownSession(t *testing.T) {
	db := newTestDB(t)
	events, err := db.SessionEvents("missing", 10)
	if err != nil {
		t.Fatalf("SessionEvents failed: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events, got %d", len(events))
	}
}
