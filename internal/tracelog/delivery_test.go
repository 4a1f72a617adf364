package tracelog

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testBatch() QueueBatch {
	return QueueBatch{
		UserID:    "user-1",
		SessionID: "session-1",
		Events: []Event{
			{Type: EventPageView, PageURL: "https://x.test/", Timestamp: nowMillis()},
		},
	}
}

func newTestDelivery(url string, store Store) *DeliveryEngine {
	return NewDeliveryEngine(DeliveryOptions{
		CollectorURL:    url,
		Store:           store,
		RetryFloorDelay: 10 * time.Millisecond,
		RetryCeiling:    50 * time.Millisecond,
		SendMinInterval: time.Millisecond,
	})
}

func TestDeliverySuccessClearsPersistedBatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	store := NewMemoryStore()
	setJSON(store, nil, queueKey("user-1"), persistedBatch{Batch: testBatch(), Timestamp: nowMillis()})

	engine := newTestDelivery(server.URL, store)
	defer engine.Close()
	if !engine.Send(testBatch()) {
		t.Fatal("send to healthy collector failed")
	}
	if _, ok := store.Get(queueKey("user-1")); ok {
		t.Fatal("persisted batch not cleared on success")
	}
}

func TestDeliveryFailurePersistsAndSchedulesRetry(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	store := NewMemoryStore()
	engine := newTestDelivery(server.URL, store)
	defer engine.Close()

	if engine.Send(testBatch()) {
		t.Fatal("send to failing collector reported success")
	}
	var stored persistedBatch
	if !getJSON(store, queueKey("user-1"), &stored) {
		t.Fatal("failed batch not persisted")
	}
	if len(stored.Batch.Events) != 1 {
		t.Fatalf("persisted batch wrong: %+v", stored.Batch)
	}
	if !engine.RetryPending() {
		t.Fatal("no retry scheduled after failure")
	}
}

func TestDeliveryRetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	store := NewMemoryStore()
	engine := newTestDelivery(server.URL, store)
	defer engine.Close()

	engine.Send(testBatch())

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := store.Get(queueKey("user-1")); !ok && !engine.RetryPending() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("retries never converged, %d calls made", calls.Load())
}

func TestDeliveryThrottlesRapidSends(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	engine := NewDeliveryEngine(DeliveryOptions{
		CollectorURL:    server.URL,
		Store:           NewMemoryStore(),
		SendMinInterval: time.Hour,
	})
	defer engine.Close()

	if !engine.Send(testBatch()) {
		t.Fatal("first send failed")
	}
	if engine.Send(testBatch()) {
		t.Fatal("second send should have been throttled")
	}
}

func TestDeliveryEmptyBatchIsSuccess(t *testing.T) {
	engine := newTestDelivery("http://127.0.0.1:0", NewMemoryStore())
	defer engine.Close()
	if !engine.Send(QueueBatch{UserID: "u"}) {
		t.Fatal("empty batch should succeed without transport")
	}
}

func TestRecoverPersistedDiscardsStaleBatch(t *testing.T) {
	store := NewMemoryStore()
	stale := persistedBatch{
		Batch:     testBatch(),
		Timestamp: nowMillis() - (25 * time.Hour).Milliseconds(),
	}
	setJSON(store, nil, queueKey("user-1"), stale)

	engine := newTestDelivery("http://127.0.0.1:0", store)
	defer engine.Close()
	engine.RecoverPersisted("user-1")

	if _, ok := store.Get(queueKey("user-1")); ok {
		t.Fatal("stale batch not discarded")
	}
	if engine.RetryPending() {
		t.Fatal("stale batch should not schedule retries")
	}
}

func TestRecoverPersistedRetriesFreshBatch(t *testing.T) {
	var got atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	store := NewMemoryStore()
	setJSON(store, nil, queueKey("user-1"), persistedBatch{Batch: testBatch(), Timestamp: nowMillis()})

	engine := newTestDelivery(server.URL, store)
	defer engine.Close()
	engine.RecoverPersisted("user-1")

	if got.Load() != 1 {
		t.Fatalf("expected one delivery, got %d", got.Load())
	}
	if _, ok := store.Get(queueKey("user-1")); ok {
		t.Fatal("delivered batch not cleared")
	}
}

func TestAsyncBeaconRejectsOversizedPayload(t *testing.T) {
	beacon := NewAsyncBeacon(nil, nil)
	if beacon.TrySend("http://127.0.0.1:0", make([]byte, beaconMaxPayloadBytes+1)) {
		t.Fatal("oversized payload accepted")
	}
	if beacon.TrySend("http://127.0.0.1:0", nil) {
		t.Fatal("empty payload accepted")
	}
	if beacon.TrySend("", []byte("x")) {
		t.Fatal("empty url accepted")
	}
}

func TestAsyncBeaconDelivers(t *testing.T) {
	got := make(chan struct{}, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- struct{}{}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	beacon := NewAsyncBeacon(nil, nil)
	if !beacon.TrySend(server.URL, []byte(`{"ok":true}`)) {
		t.Fatal("beacon rejected small payload")
	}
	beacon.Wait()
	select {
	case <-got:
	default:
		t.Fatal("beacon payload never arrived")
	}
}
