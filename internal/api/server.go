// Package api exposes the operational HTTP surface: health, metrics,
// subscription administration, and dead-letter inspection.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parikshitpisal/circa-boybz6-sub001/internal/logging"
	"github.com/parikshitpisal/circa-boybz6-sub001/internal/pipeline"
	"github.com/parikshitpisal/circa-boybz6-sub001/internal/queue"
	"github.com/parikshitpisal/circa-boybz6-sub001/internal/webhook"
)

// HealthReporter is implemented by the broker pool and mailbox pool.
type HealthReporter interface {
	Degraded() bool
}

// DeadLetterReader is the slice of the queue gateway the API uses.
type DeadLetterReader interface {
	PeekDeadLetters(t queue.Topology, limit int) ([]queue.DeadLetter, error)
}

// Config configures the API server.
type Config struct {
	Enabled    bool   `toml:"enabled"`
	ListenAddr string `toml:"listen_addr"`
}

// Server serves the operational API.
type Server struct {
	cfg        Config
	broker     HealthReporter
	mailboxes  HealthReporter
	deadReader DeadLetterReader
	subs       webhook.SubscriptionStore
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer wires an API server. Reporters may be nil when a subsystem is
// disabled; the health endpoint skips them.
func NewServer(cfg Config, broker, mailboxes HealthReporter, deadReader DeadLetterReader, subs webhook.SubscriptionStore, logger *slog.Logger) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:        cfg,
		broker:     broker,
		mailboxes:  mailboxes,
		deadReader: deadReader,
		subs:       subs,
		logger:     logger.With("component", "api"),
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/loglevel", s.handleLogLevel).Methods(http.MethodPut)
	r.HandleFunc("/api/v1/subscriptions", s.handleListSubscriptions).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/subscriptions/{id}/enabled", s.handleSetEnabled).Methods(http.MethodPut)
	r.HandleFunc("/api/v1/deadletters/{type}", s.handleDeadLetters).Methods(http.MethodGet)
	r.Use(s.loggingMiddleware)

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return s
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("api server listening", "addr", s.cfg.ListenAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type healthResponse struct {
	Status    string          `json:"status"`
	Checks    map[string]bool `json:"checks"`
	Timestamp time.Time       `json:"timestamp"`
}

// handleHealth reports degraded rather than failing hard: a degraded pool
// keeps serving from its healthy members.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "ok",
		Checks:    make(map[string]bool),
		Timestamp: time.Now().UTC(),
	}

	if s.broker != nil {
		healthy := !s.broker.Degraded()
		resp.Checks["broker"] = healthy
		if !healthy {
			resp.Status = "degraded"
		}
	}
	if s.mailboxes != nil {
		healthy := !s.mailboxes.Degraded()
		resp.Checks["mailbox"] = healthy
		if !healthy {
			resp.Status = "degraded"
		}
	}

	code := http.StatusOK
	if resp.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleLogLevel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Level string `json:"level"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	level, err := logging.StringToLevel(body.Level)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	logging.Levels().Set(level)
	s.logger.Info("log level changed", "level", level.String())
	writeJSON(w, http.StatusOK, map[string]string{"level": level.String()})
}

type subscriptionView struct {
	ID          string              `json:"id"`
	EndpointURL string              `json:"endpoint_url"`
	Enabled     bool                `json:"enabled"`
	Health      webhook.HealthState `json:"health"`
	Successes   int64               `json:"successes"`
	Failures    int64               `json:"failures"`
	LastError   string              `json:"last_error,omitempty"`
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	if s.subs == nil {
		writeError(w, http.StatusNotFound, "webhooks disabled")
		return
	}

	subs, err := s.subs.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	views := make([]subscriptionView, 0, len(subs))
	for _, sub := range subs {
		success, failure, lastError := sub.Stats()
		views = append(views, subscriptionView{
			ID:          sub.ID,
			EndpointURL: sub.EndpointURL,
			Enabled:     sub.Enabled,
			Health:      sub.Health(),
			Successes:   success,
			Failures:    failure,
			LastError:   lastError,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleSetEnabled(w http.ResponseWriter, r *http.Request) {
	if s.subs == nil {
		writeError(w, http.StatusNotFound, "webhooks disabled")
		return
	}

	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id := mux.Vars(r)["id"]
	if err := s.subs.SetEnabled(r.Context(), id, body.Enabled); err != nil {
		if err == webhook.ErrSubscriptionNotFound {
			writeError(w, http.StatusNotFound, "subscription not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Info("subscription toggled", "subscription_id", id, "enabled", body.Enabled)
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "enabled": body.Enabled})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if s.deadReader == nil {
		writeError(w, http.StatusNotFound, "queue gateway unavailable")
		return
	}

	docType := pipeline.DocumentType(mux.Vars(r)["type"])
	valid := false
	for _, t := range pipeline.AllDocumentTypes {
		if t == docType {
			valid = true
			break
		}
	}
	if !valid {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown document type %q", docType))
		return
	}

	entries, err := s.deadReader.PeekDeadLetters(queue.TopologyFor(string(docType)), 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request handled",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
