package tracelog

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const beaconMaxPayloadBytes = 64 * 1024

// BeaconSender is the fire-and-forget transport tried before the awaited
// HTTP path. TrySend reports whether the payload was accepted for
// delivery; rejection falls through to the fetch-style path.
type BeaconSender interface {
	TrySend(url string, payload []byte) bool
}

type persistedBatch struct {
	Batch     QueueBatch `json:"batch"`
	Timestamp int64      `json:"timestamp"`
}

type DeliveryOptions struct {
	CollectorURL    string
	Store           Store
	Logger          *slog.Logger
	HTTPClient      *http.Client
	Beacon          BeaconSender
	RetryFloorDelay time.Duration
	RetryCeiling    time.Duration
	SendMinInterval time.Duration
	BatchMaxAge     time.Duration
}

// DeliveryEngine transmits batches to the collector, persisting failed
// batches and retrying with exponential backoff. Send never panics and
// never propagates transport errors.
type DeliveryEngine struct {
	collectorURL string
	store        Store
	logger       *slog.Logger
	httpClient   *http.Client
	beacon       BeaconSender
	minInterval  time.Duration
	batchMaxAge  time.Duration

	mu           sync.Mutex
	backoff      *backoff.ExponentialBackOff
	retryTimer   *time.Timer
	retryUserID  string
	lastAttempt  time.Time
	closed       bool
}

func NewDeliveryEngine(opts DeliveryOptions) *DeliveryEngine {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	floor := opts.RetryFloorDelay
	if floor <= 0 {
		floor = defaultRetryFloor
	}
	ceiling := opts.RetryCeiling
	if ceiling <= 0 {
		ceiling = defaultRetryCeiling
	}
	minInterval := opts.SendMinInterval
	if minInterval <= 0 {
		minInterval = defaultSendMinInterval
	}
	maxAge := opts.BatchMaxAge
	if maxAge <= 0 {
		maxAge = defaultBatchMaxAge
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = floor
	bo.MaxInterval = ceiling
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	return &DeliveryEngine{
		collectorURL: strings.TrimRight(strings.TrimSpace(opts.CollectorURL), "/"),
		store:        opts.Store,
		logger:       opts.Logger,
		httpClient:   httpClient,
		beacon:       opts.Beacon,
		minInterval:  minInterval,
		batchMaxAge:  maxAge,
		backoff:      bo,
	}
}

// Send attempts delivery once. On failure the batch is persisted under
// the user's queue key and a retry is scheduled; only one retry timer is
// ever pending.
func (d *DeliveryEngine) Send(batch QueueBatch) bool {
	if len(batch.Events) == 0 {
		return true
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	if !d.lastAttempt.IsZero() && time.Since(d.lastAttempt) < d.minInterval {
		d.mu.Unlock()
		logDebug(d.logger, "send throttled", "session_id", batch.SessionID)
		return false
	}
	d.lastAttempt = time.Now()
	d.mu.Unlock()

	if d.transmit(batch) {
		d.onSuccess(batch.UserID)
		return true
	}
	d.onFailure(batch)
	return false
}

func (d *DeliveryEngine) transmit(batch QueueBatch) bool {
	payload, err := json.Marshal(batch)
	if err != nil {
		logWarn(d.logger, "batch marshal failed", "error", err)
		return false
	}
	if d.beacon != nil && d.beacon.TrySend(d.collectorURL+"/v1/events", payload) {
		return true
	}
	return d.postJSON(payload)
}

func (d *DeliveryEngine) postJSON(payload []byte) bool {
	if d.collectorURL == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.collectorURL+"/v1/events", bytes.NewReader(payload))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.httpClient.Do(req)
	if err != nil {
		logDebug(d.logger, "collector post failed", "error", err)
		return false
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode <= 299
}

func (d *DeliveryEngine) onSuccess(userID string) {
	d.mu.Lock()
	d.backoff.Reset()
	d.mu.Unlock()
	if userID != "" {
		d.store.Remove(queueKey(userID))
	}
}

func (d *DeliveryEngine) onFailure(batch QueueBatch) {
	if batch.UserID != "" {
		setJSON(d.store, d.logger, queueKey(batch.UserID), persistedBatch{
			Batch:     batch,
			Timestamp: nowMillis(),
		})
	}
	d.scheduleRetry(batch.UserID)
}

func (d *DeliveryEngine) scheduleRetry(userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.retryTimer != nil {
		return
	}
	delay := d.backoff.NextBackOff()
	if delay == backoff.Stop {
		delay = d.backoff.MaxInterval
	}
	d.retryUserID = userID
	d.retryTimer = time.AfterFunc(delay, func() { d.retryPersisted() })
	logDebug(d.logger, "retry scheduled", "delay", delay)
}

func (d *DeliveryEngine) retryPersisted() {
	d.mu.Lock()
	d.retryTimer = nil
	userID := d.retryUserID
	closed := d.closed
	d.mu.Unlock()
	if closed || userID == "" {
		return
	}

	var stored persistedBatch
	if !getJSON(d.store, queueKey(userID), &stored) || len(stored.Batch.Events) == 0 {
		return
	}
	d.mu.Lock()
	d.lastAttempt = time.Now()
	d.mu.Unlock()
	if d.transmit(stored.Batch) {
		d.onSuccess(userID)
		return
	}
	d.scheduleRetry(userID)
}

// RecoverPersisted retries a batch persisted by a previous context, if it
// is fresh enough. Stale batches are discarded outright.
func (d *DeliveryEngine) RecoverPersisted(userID string) {
	if strings.TrimSpace(userID) == "" {
		return
	}
	var stored persistedBatch
	if !getJSON(d.store, queueKey(userID), &stored) {
		return
	}
	if len(stored.Batch.Events) == 0 {
		d.store.Remove(queueKey(userID))
		return
	}
	age := time.Duration(nowMillis()-stored.Timestamp) * time.Millisecond
	if age > d.batchMaxAge {
		logDebug(d.logger, "discarding stale persisted batch", "age", age)
		d.store.Remove(queueKey(userID))
		return
	}
	if d.transmit(stored.Batch) {
		d.onSuccess(userID)
		return
	}
	d.onFailure(stored.Batch)
}

// RetryPending reports whether a retry timer is outstanding.
func (d *DeliveryEngine) RetryPending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.retryTimer != nil
}

func (d *DeliveryEngine) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	if d.retryTimer != nil {
		d.retryTimer.Stop()
		d.retryTimer = nil
	}
}

// AsyncBeacon emulates a navigation-surviving fire-and-forget transport:
// the payload is handed to a background goroutine and accepted
// immediately. Payloads over the beacon size cap are rejected
// synchronously so the caller can fall back to the awaited path.
type AsyncBeacon struct {
	httpClient *http.Client
	logger     *slog.Logger
	wg         sync.WaitGroup
}

func NewAsyncBeacon(httpClient *http.Client, logger *slog.Logger) *AsyncBeacon {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &AsyncBeacon{httpClient: httpClient, logger: logger}
}

func (a *AsyncBeacon) TrySend(url string, payload []byte) bool {
	if url == "" || len(payload) == 0 || len(payload) > beaconMaxPayloadBytes {
		return false
	}
	body := append([]byte(nil), payload...)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := a.httpClient.Do(req)
		if err != nil {
			logDebug(a.logger, "beacon post failed", "error", err)
			return
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	return true
}

// Wait blocks until in-flight beacon posts finish; teardown helper.
func (a *AsyncBeacon) Wait() {
	a.wg.Wait()
}
