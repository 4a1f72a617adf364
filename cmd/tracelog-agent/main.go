package main

import (
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"log/slog"

	"github.com/nacorga/tracelog-lib-sub006/internal/tracelog"
)

// tracelog-agent is a headless stand-in for a browser tab: it opens a
// session, reports synthetic page views on an interval, and coordinates
// with sibling agents through the shared store and bus. Run several
// against the same TRACELOG_STATE_DIR to watch leader election settle.
func main() {
	projectID := os.Getenv("TRACELOG_PROJECT_ID")
	if projectID == "" {
		projectID = "demo"
	}
	stateDir := os.Getenv("TRACELOG_STATE_DIR")
	if stateDir == "" {
		stateDir = ".tracelog"
	}
	logger := buildLogger()
	httpClient := &http.Client{Timeout: 10 * time.Second}

	tracker, err := tracelog.New(tracelog.TrackerOptions{
		Config: tracelog.Config{
			ProjectID:        projectID,
			UserID:           os.Getenv("TRACELOG_USER_ID"),
			CollectorURL:     os.Getenv("TRACELOG_COLLECTOR_URL"),
			Device:           "agent",
			StoreDSN:         "file://" + stateDir + "/state.json",
			BusDSN:           busDSN(stateDir),
			SessionTimeout:   durationEnv("TRACELOG_SESSION_TIMEOUT", 0),
			SamplingRate:     floatEnv("TRACELOG_SAMPLING_RATE", 0),
			FlushInterval:    durationEnv("TRACELOG_FLUSH_INTERVAL", 0),
			MaxQueueLength:   intEnv("TRACELOG_MAX_QUEUE_LENGTH", 0),
		},
		Logger:     logger,
		HTTPClient: httpClient,
		Beacon:     tracelog.NewAsyncBeacon(httpClient, logger),
	})
	if err != nil {
		log.Fatalf("failed to build tracker: %v", err)
	}

	tracker.Start()
	logger.Info("agent started", "project", projectID, "user", tracker.UserID())

	interval := durationEnv("TRACELOG_PAGE_INTERVAL", 5*time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	page := 0
	for {
		select {
		case <-ticker.C:
			page++
			tracker.TrackPageView("https://example.com/page/"+strconv.Itoa(page), "", "Page "+strconv.Itoa(page))
			logger.Debug("page view tracked",
				"session_id", tracker.SessionID(), "leader", tracker.IsLeader())
		case <-done:
			logger.Info("agent stopping", "session_id", tracker.SessionID())
			tracker.Stop()
			tracker.Destroy()
			return
		}
	}
}

// busDSN defaults to the file bus in the shared state dir so sibling
// agents on one machine discover each other without a relay.
func busDSN(stateDir string) string {
	if dsn := os.Getenv("TRACELOG_BUS_DSN"); dsn != "" {
		return dsn
	}
	return "file:" + stateDir
}

func buildLogger() *slog.Logger {
	level := slog.LevelInfo
	switch os.Getenv("TRACELOG_LOG_LEVEL") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %g", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
