package ctlogs

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// HealthTracker is a process-wide, per-log-keyed state machine tracking
// poll eligibility. It holds no ticker of its own: the periodic summary
// log is driven externally by the Log Coordinator, keeping this type a
// pure, lock-guarded map that is trivial to construct in isolation for
// tests.
type HealthTracker struct {
	mu               sync.Mutex
	states           map[string]*Health
	failureThreshold uint32
	logger           logrus.FieldLogger
	now              func() time.Time
}

// NewHealthTracker builds a tracker with the given consecutive-failure
// threshold before a log is marked Failed (spec default: 3).
func NewHealthTracker(failureThreshold uint32, logger logrus.FieldLogger) *HealthTracker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if failureThreshold == 0 {
		failureThreshold = 3
	}
	return &HealthTracker{
		states:           make(map[string]*Health),
		failureThreshold: failureThreshold,
		logger:           logger,
		now:              time.Now,
	}
}

// Backoff implements backoff(k) = min(60 * 2^(k-1), 3600) seconds.
func Backoff(consecutiveFailures uint32) time.Duration {
	if consecutiveFailures == 0 {
		return 0
	}
	const base = 60 * time.Second
	const cap_ = 3600 * time.Second
	shift := consecutiveFailures - 1
	if shift > 6 { // 60*2^6 = 3840 > 3600, already saturated beyond this
		return cap_
	}
	backoff := base << shift
	if backoff > cap_ {
		return cap_
	}
	return backoff
}

// RecordSuccess transitions a log to Healthy and resets its failure
// counter, regardless of prior state.
func (h *HealthTracker) RecordSuccess(logURL string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	st := h.stateLocked(logURL)
	wasUnhealthy := st.Status != Healthy
	st.Status = Healthy
	st.ConsecutiveFailures = 0
	st.LastSuccessAt = h.now()
	st.NextAttemptNotBefore = time.Time{}

	if wasUnhealthy {
		h.logger.WithField("log_url", logURL).Info("log recovered, marked healthy")
	}
}

// RecordFailure applies the transition table from spec §4.5 and
// recomputes next_attempt_not_before when the log is or becomes Failed.
func (h *HealthTracker) RecordFailure(logURL string, cause error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	st := h.stateLocked(logURL)
	prevStatus := st.Status
	st.ConsecutiveFailures++
	st.LastFailureAt = h.now()

	switch {
	case st.ConsecutiveFailures >= h.failureThreshold:
		st.Status = Failed
		st.NextAttemptNotBefore = st.LastFailureAt.Add(Backoff(st.ConsecutiveFailures))
	default:
		st.Status = Degraded
	}

	entry := h.logger.WithFields(logrus.Fields{
		"log_url":              logURL,
		"consecutive_failures": st.ConsecutiveFailures,
		"cause":                errString(cause),
	})
	switch {
	case prevStatus != Failed && st.Status == Failed:
		entry.WithField("backoff", Backoff(st.ConsecutiveFailures)).Warn("log marked failed")
	case st.Status == Failed:
		entry.Debug("log still failed")
	case st.Status == Degraded:
		entry.Warn("log degraded")
	}
}

// ShouldPoll reports whether a poller may attempt a get-sth call now.
// Unknown logs default to true.
func (h *HealthTracker) ShouldPoll(logURL string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	st, ok := h.states[logURL]
	if !ok {
		return true
	}
	if st.Status != Failed {
		return true
	}
	if st.NextAttemptNotBefore.IsZero() {
		return true
	}
	return !h.now().Before(st.NextAttemptNotBefore)
}

// Get returns a copy of the current health state for a log.
func (h *HealthTracker) Get(logURL string) Health {
	h.mu.Lock()
	defer h.mu.Unlock()
	return *h.stateLocked(logURL)
}

// Stats returns counts of logs currently in each state.
func (h *HealthTracker) Stats() (healthy, degraded, failed int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, st := range h.states {
		switch st.Status {
		case Healthy:
			healthy++
		case Degraded:
			degraded++
		case Failed:
			failed++
		}
	}
	return
}

// LogSummary emits the periodic 5-minute health rollup: counts per state
// plus URLs currently Failed and their next attempt time.
func (h *HealthTracker) LogSummary() {
	h.mu.Lock()
	defer h.mu.Unlock()

	healthy, degraded, failed := 0, 0, 0
	failedURLs := make(map[string]time.Time)
	for url, st := range h.states {
		switch st.Status {
		case Healthy:
			healthy++
		case Degraded:
			degraded++
		case Failed:
			failed++
			failedURLs[url] = st.NextAttemptNotBefore
		}
	}
	h.logger.WithFields(logrus.Fields{
		"healthy":  healthy,
		"degraded": degraded,
		"failed":   failed,
	}).Info("health tracker summary")
	for url, next := range failedURLs {
		h.logger.WithFields(logrus.Fields{
			"log_url":       url,
			"next_attempt":  next,
		}).Warn("log still failed")
	}
}

func (h *HealthTracker) stateLocked(logURL string) *Health {
	st, ok := h.states[logURL]
	if !ok {
		st = &Health{Status: Healthy}
		h.states[logURL] = st
	}
	return st
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
