// Package statusapi exposes the daemon's own operational state over HTTP:
// a liveness probe and a JSON snapshot of per-log health and cursor
// position, for humans and monitoring tools running alongside the
// daemon. Optional bearer auth reuses the teacher's JWT helper.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bl4ck0w1/ctsentry/internal/ctlogs"
	"github.com/bl4ck0w1/ctsentry/pkg/utils"
)

// Snapshotter is the narrow view the Status API needs of the Log
// Coordinator, kept as an interface so tests can substitute a stub.
type Snapshotter interface {
	Snapshot() []ctlogs.PollerRuntimeStats
	LastTick() time.Time
}

// livenessWindow is how stale the coordinator's periodic loop tick may
// be before /healthz reports unhealthy, per spec §10.
const livenessWindow = 2 * ctlogs.HealthSummaryInterval

type logStatus struct {
	LogURL               string `json:"log_url"`
	Status               string `json:"status"`
	ConsecutiveFailures  uint32 `json:"consecutive_failures"`
	LastSuccessAt        string `json:"last_success_at,omitempty"`
	LastFailureAt        string `json:"last_failure_at,omitempty"`
	NextAttemptNotBefore string `json:"next_attempt_not_before,omitempty"`
	LastCursor           uint64 `json:"last_cursor"`
}

type statusResponse struct {
	StartedAt    string      `json:"started_at"`
	Uptime       string      `json:"uptime"`
	HealthyLogs  int         `json:"healthy_logs"`
	DegradedLogs int         `json:"degraded_logs"`
	FailedLogs   int         `json:"failed_logs"`
	Logs         []logStatus `json:"logs"`
}

// Server serves /healthz and /status over HTTP.
type Server struct {
	coordinator Snapshotter
	health      *ctlogs.HealthTracker
	jwtSecret   string
	startedAt   time.Time
	logger      logrus.FieldLogger
	httpServer  *http.Server
}

func New(addr string, coordinator Snapshotter, health *ctlogs.HealthTracker, jwtSecret string, startedAt time.Time, logger logrus.FieldLogger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Server{
		coordinator: coordinator,
		health:      health,
		jwtSecret:   jwtSecret,
		startedAt:   startedAt,
		logger:      logger,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/status", s.authenticated(s.handleStatus))
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// ListenAndServe blocks until ctx is cancelled, then shuts the HTTP
// server down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if age := time.Since(s.coordinator.LastTick()); age > livenessWindow {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("stale: periodic loop last ticked " + age.Round(time.Second).String() + " ago"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats := s.coordinator.Snapshot()
	healthy, degraded, failed := s.health.Stats()

	resp := statusResponse{
		StartedAt:    s.startedAt.UTC().Format(time.RFC3339),
		Uptime:       time.Since(s.startedAt).Round(time.Second).String(),
		HealthyLogs:  healthy,
		DegradedLogs: degraded,
		FailedLogs:   failed,
		Logs:         make([]logStatus, 0, len(stats)),
	}
	for _, st := range stats {
		ls := logStatus{
			LogURL:              st.LogURL,
			Status:              string(st.Health.Status),
			ConsecutiveFailures: st.Health.ConsecutiveFailures,
			LastCursor:          st.LastCursor,
		}
		if !st.Health.LastSuccessAt.IsZero() {
			ls.LastSuccessAt = st.Health.LastSuccessAt.UTC().Format(time.RFC3339)
		}
		if !st.Health.LastFailureAt.IsZero() {
			ls.LastFailureAt = st.Health.LastFailureAt.UTC().Format(time.RFC3339)
		}
		if !st.Health.NextAttemptNotBefore.IsZero() {
			ls.NextAttemptNotBefore = st.Health.NextAttemptNotBefore.UTC().Format(time.RFC3339)
		}
		resp.Logs = append(resp.Logs, ls)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.WithError(err).Warn("status api: failed to encode response")
	}
}

// authenticated wraps a handler with bearer-token JWT validation. When no
// secret is configured the endpoint is left open, matching the daemon's
// default of running behind a trusted loopback interface.
func (s *Server) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.jwtSecret == "" {
			next(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || token == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		valid, err := utils.ValidateJWT(token, s.jwtSecret)
		if err != nil || !valid {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}
