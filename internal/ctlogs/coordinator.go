package ctlogs

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// HealthSummaryInterval is how often the Coordinator triggers the Health
// Tracker's rollup log and a State Store flush, per spec §4.8.
const HealthSummaryInterval = 5 * time.Minute

// Coordinator owns one Poller per monitored log, fans their
// CertificateEvents into a single bounded channel, and runs the periodic
// health-summary/state-flush task. Shutdown is cooperative: cancelling
// the context passed to Run stops every poller after at most one more
// batch and performs a final flush.
type Coordinator struct {
	descriptors []Descriptor
	health      *HealthTracker
	state       StateStore
	events      chan CertificateEvent
	cfg         PollerConfig
	logger      logrus.FieldLogger
	lastTick    atomic.Int64 // unix nanos, updated by runPeriodicSummary
}

// PollerRuntimeStats is the small in-memory counter set the Status API
// reads for a single log.
type PollerRuntimeStats struct {
	LogURL     string
	Health     Health
	LastCursor uint64
}

func NewCoordinator(descriptors []Descriptor, health *HealthTracker, state StateStore, eventCapacity int, cfg PollerConfig, logger logrus.FieldLogger) *Coordinator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if eventCapacity <= 0 {
		eventCapacity = 1024
	}
	c := &Coordinator{
		descriptors: descriptors,
		health:      health,
		state:       state,
		events:      make(chan CertificateEvent, eventCapacity),
		cfg:         cfg,
		logger:      logger,
	}
	c.lastTick.Store(time.Now().UnixNano())
	return c
}

// Events exposes the fan-in channel for the Match Pipeline to consume.
// It is closed once every poller has returned.
func (c *Coordinator) Events() <-chan CertificateEvent { return c.events }

// Run spawns one goroutine per descriptor plus the periodic
// health/flush task, and blocks until ctx is cancelled and every poller
// has returned. It performs a final State Store flush before returning.
func (c *Coordinator) Run(ctx context.Context, newClient func(Descriptor) LogFetcher) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, d := range c.descriptors {
		d := d
		poller := &Poller{
			descriptor: d,
			client:     newClient(d),
			parser:     NewParser(),
			health:     c.health,
			state:      c.state,
			events:     c.events,
			cfg:        c.cfg,
			logger:     c.logger.WithField("log_url", d.URL),
			sleep:      sleepOrShutdown,
		}
		g.Go(func() error {
			poller.Run(gctx)
			return nil
		})
	}

	g.Go(func() error {
		c.runPeriodicSummary(gctx)
		return nil
	})

	err := g.Wait()
	close(c.events)

	if flushErr := c.state.Flush(); flushErr != nil {
		c.logger.WithError(flushErr).Error("final state flush failed during shutdown")
		if err == nil {
			err = fmt.Errorf("final flush: %w", flushErr)
		}
	}
	return err
}

func (c *Coordinator) runPeriodicSummary(ctx context.Context) {
	ticker := time.NewTicker(HealthSummaryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.lastTick.Store(time.Now().UnixNano())
			c.health.LogSummary()
			if err := c.state.Flush(); err != nil {
				c.logger.WithError(err).Error("periodic state flush failed")
			}
		}
	}
}

// LastTick returns when the periodic health-summary/state-flush task last
// ran, for the Status API's liveness probe. It starts at construction
// time, so a Coordinator that hasn't reached its first tick yet still
// reports itself alive.
func (c *Coordinator) LastTick() time.Time {
	return time.Unix(0, c.lastTick.Load())
}

// Snapshot returns a point-in-time view suitable for the Status API.
func (c *Coordinator) Snapshot() []PollerRuntimeStats {
	out := make([]PollerRuntimeStats, 0, len(c.descriptors))
	for _, d := range c.descriptors {
		out = append(out, PollerRuntimeStats{
			LogURL:     d.URL,
			Health:     c.health.Get(d.URL),
			LastCursor: c.state.Get(d.URL),
		})
	}
	return out
}
