package collector

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/nacorga/tracelog-lib-sub006/internal/tracelog"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

type ServerConfig struct {
	MaxBodyBytes int64
}

// Server is the collector's HTTP surface: batch ingest, per-session
// reads, and the broadcast relay used by the websocket bus.
type Server struct {
	db     *DB
	hub    *Hub
	schema *jsonschema.Schema
	logger *slog.Logger
	cfg    ServerConfig
}

func NewServer(db *DB, hub *Hub, logger *slog.Logger) (*Server, error) {
	return NewServerWithConfig(db, hub, logger, ServerConfig{})
}

func NewServerWithConfig(db *DB, hub *Hub, logger *slog.Logger, cfg ServerConfig) (*Server, error) {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	schema, err := compileBatchSchema()
	if err != nil {
		return nil, err
	}
	return &Server{
		db:     db,
		hub:    hub,
		schema: schema,
		logger: logger,
		cfg:    cfg,
	}, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/v1/events" && r.Method == http.MethodPost {
		s.handleIngest(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	switch {
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "broadcast":
		if parts[2] == "" {
			writeError(w, http.StatusBadRequest, "bad_request", "missing channel")
			return
		}
		s.hub.Handle(w, r, parts[2])
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "sessions" && parts[3] == "events" && r.Method == http.MethodGet:
		s.handleSessionEvents(w, r, parts[2])
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds limit")
		return
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}
	if err := s.schema.Validate(doc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_batch", err.Error())
		return
	}

	var batch tracelog.QueueBatch
	if err := json.Unmarshal(body, &batch); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}
	if err := s.db.InsertBatch(batch); err != nil {
		if s.logger != nil {
			s.logger.Warn("batch insert failed", "session_id", batch.SessionID, "error", err)
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to store batch")
		return
	}
	if s.logger != nil {
		s.logger.Debug("batch stored",
			"session_id", batch.SessionID, "events", len(batch.Events))
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request, sessionID string) {
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing session id")
		return
	}
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 1000, 1, 10_000)
	events, err := s.db.SessionEvents(sessionID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, struct {
		SessionID string        `json:"session_id"`
		Count     int           `json:"count"`
		Events    []StoredEvent `json:"events"`
	}{SessionID: sessionID, Count: len(events), Events: events})
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < min || value > max {
		return fallback
	}
	return value
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"code":    code,
		"message": message,
	})
}
