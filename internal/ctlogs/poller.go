package ctlogs

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// StateStore is the narrow view of the State Store a Poller needs. Kept
// as an interface so pollers never hold a back-reference to the
// Coordinator or the concrete store type (spec §9 cyclic-reference
// guidance).
type StateStore interface {
	Get(logURL string) uint64
	Record(logURL string, index uint64) bool
	Flush() error
}

// LogFetcher is the narrow view of LogClient a Poller depends on, so
// tests can substitute a fake without standing up an HTTP server.
type LogFetcher interface {
	GetSTH(ctx context.Context) (SignedTreeHead, error)
	GetEntries(ctx context.Context, start, end uint64) ([]RawEntryB64, error)
}

// PollerConfig tunes a single log's poll loop.
type PollerConfig struct {
	PollInterval  time.Duration
	BatchSize     uint64
	AllowPrecerts bool
}

func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		PollInterval:  30 * time.Second,
		BatchSize:     256,
		AllowPrecerts: true,
	}
}

// Poller drives get-sth/get-entries against a single log, parses each
// entry, and emits CertificateEvents onto a shared channel. One instance
// runs per log, spawned by the Log Coordinator.
type Poller struct {
	descriptor Descriptor
	client     LogFetcher
	parser     *Parser
	health     *HealthTracker
	state      StateStore
	events     chan<- CertificateEvent
	cfg        PollerConfig
	logger     logrus.FieldLogger

	sleep func(ctx context.Context, d time.Duration) bool
}

func NewPoller(descriptor Descriptor, client *LogClient, health *HealthTracker, state StateStore, events chan<- CertificateEvent, cfg PollerConfig, logger logrus.FieldLogger) *Poller {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Poller{
		descriptor: descriptor,
		client:     client,
		parser:     NewParser(),
		health:     health,
		state:      state,
		events:     events,
		cfg:        cfg,
		logger:     logger.WithField("log_url", descriptor.URL),
		sleep:      sleepOrShutdown,
	}
}

// sleepOrShutdown returns true if it woke because shutdown was signaled
// (the shutdown channel is closed).
func sleepOrShutdown(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return false
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}

// Run executes the main loop described in spec §4.4 until ctx is
// cancelled. The shutdown receiver is checked between HTTP requests; a
// call already in flight is never aborted, only not followed by another.
func (p *Poller) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		if !p.health.ShouldPoll(p.descriptor.URL) {
			wait := time.Until(p.health.Get(p.descriptor.URL).NextAttemptNotBefore)
			if p.sleep(ctx, wait) {
				return
			}
			continue
		}

		sth, err := p.client.GetSTH(ctx)
		if err != nil {
			p.health.RecordFailure(p.descriptor.URL, err)
			backoff := pollFailureSleep(err)
			if p.sleep(ctx, backoff) {
				return
			}
			continue
		}

		cursor := p.state.Get(p.descriptor.URL)
		if cursor == 0 {
			// Initial catch-up is deliberately skipped: a first-seen log
			// starts at the current tree size, not at index 0.
			cursor = sth.TreeSize
			p.state.Record(p.descriptor.URL, cursor)
		}

		if cursor >= sth.TreeSize {
			p.health.RecordSuccess(p.descriptor.URL)
			if p.sleep(ctx, p.cfg.PollInterval) {
				return
			}
			continue
		}

		end := cursor + p.cfg.BatchSize - 1
		if end > sth.TreeSize-1 {
			end = sth.TreeSize - 1
		}

		entries, err := p.client.GetEntries(ctx, cursor, end)
		if err != nil {
			p.health.RecordFailure(p.descriptor.URL, err)
			backoff := pollFailureSleep(err)
			if p.sleep(ctx, backoff) {
				return
			}
			continue
		}

		received := uint64(len(entries))
		for i, raw := range entries {
			cert, perr := p.parser.Parse(raw.LeafInput, raw.ExtraData, p.cfg.AllowPrecerts)
			if perr != nil {
				p.logger.WithError(perr).WithField("entry_index", cursor+uint64(i)).
					Warn("skipping unparseable entry")
				continue
			}
			evt := CertificateEvent{
				Cert:       cert,
				SourceLog:  p.descriptor.URL,
				EntryIndex: cursor + uint64(i),
				ObservedAt: time.Now(),
			}
			select {
			case p.events <- evt:
			case <-ctx.Done():
				return
			}
		}

		p.health.RecordSuccess(p.descriptor.URL)
		newCursor := cursor + received
		shouldFlush := p.state.Record(p.descriptor.URL, newCursor)
		if shouldFlush {
			if err := p.state.Flush(); err != nil {
				p.logger.WithError(err).Error("state flush failed")
			}
		}

		if newCursor < sth.TreeSize {
			// Drain mode: still behind the tree, don't wait poll_interval.
			continue
		}
		if p.sleep(ctx, p.cfg.PollInterval) {
			return
		}
	}
}

// pollFailureSleep returns the mandatory pause for a get-sth/get-entries
// failure: 429 gets a fixed one-minute minimum pause, everything else a
// short retry delay (the Health Tracker's backoff governs the health
// gate itself; this is just the in-loop pause before re-checking it).
func pollFailureSleep(err error) time.Duration {
	if se, ok := err.(*StatusError); ok && se.StatusCode == 429 {
		return 60 * time.Second
	}
	return 5 * time.Second
}
