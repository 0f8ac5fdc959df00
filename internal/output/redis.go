package output

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bl4ck0w1/ctsentry/internal/match"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisConfig configures the Redis Publisher sink (spec §4.7).
type RedisConfig struct {
	URL           string
	Token         string
	Channel       string
	QueueName     string
	MaxQueueSize  int64
	Strict        bool
	MaxRetries    int
	RetryBaseWait time.Duration

	// MaxReconnectDelay caps the wait between publish retries
	// (RetryBaseWait * 2^attempt); the daemon sets it from
	// reconnect_delay_secs.
	MaxReconnectDelay time.Duration
}

func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		URL:               "redis://localhost:6379",
		Channel:           "bb:ct_events",
		QueueName:         "bb:ct_events_queue",
		MaxQueueSize:      10000,
		MaxRetries:        3,
		RetryBaseWait:     100 * time.Millisecond,
		MaxReconnectDelay: 30 * time.Second,
	}
}

// RedisSink publishes Match Results to a Redis channel and, optionally,
// pushes them onto a bounded list for durability. Startup behavior when
// Redis is unreachable is governed by Strict: strict mode fails fast,
// lenient mode logs the failure and starts disconnected. There is no
// separate reconnect loop: each publish tries to reconnect after every
// failed attempt, and an event whose attempts all fail is dropped.
type RedisSink struct {
	cfg    RedisConfig
	logger logrus.FieldLogger

	mu        sync.RWMutex
	client    *redis.Client
	connected bool
}

func resolveUpstashURL(rawURL, token string) string {
	if token == "" {
		return rawURL
	}
	if strings.Contains(rawURL, "@") {
		return rawURL
	}
	return strings.Replace(rawURL, "rediss://", fmt.Sprintf("rediss://default:%s@", token), 1)
}

// NewRedisSink dials Redis and, in strict mode, returns an error if the
// initial PING fails. In lenient mode it returns immediately and retries
// connecting from Emit.
func NewRedisSink(ctx context.Context, cfg RedisConfig, logger logrus.FieldLogger) (*RedisSink, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBaseWait <= 0 {
		cfg.RetryBaseWait = 100 * time.Millisecond
	}
	if cfg.MaxReconnectDelay <= 0 {
		cfg.MaxReconnectDelay = 30 * time.Second
	}

	s := &RedisSink{cfg: cfg, logger: logger}
	if err := s.connect(ctx); err != nil {
		if cfg.Strict {
			return nil, fmt.Errorf("redis sink: strict startup failed: %w", err)
		}
		logger.WithError(err).Warn("redis sink: initial connection failed, continuing in degraded mode")
	}
	return s, nil
}

func (s *RedisSink) connect(ctx context.Context) error {
	url := resolveUpstashURL(s.cfg.URL, s.cfg.Token)
	opts, err := redis.ParseURL(url)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("ping: %w", err)
	}

	s.mu.Lock()
	if s.client != nil {
		s.client.Close()
	}
	s.client = client
	s.connected = true
	s.mu.Unlock()

	s.logger.Info("redis sink: connected")
	return nil
}

func (s *RedisSink) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// Emit never blocks the match consumer: marshaling happens inline (cheap
// and lets bad payloads fail loud), but the publish-with-retry sequence
// runs in a detached goroutine per spec §4.7, so a Redis outage stalls
// only that goroutine, never the pipeline.
func (s *RedisSink) Emit(ctx context.Context, r match.Result) {
	payload, err := json.Marshal(toPayload(r))
	if err != nil {
		s.logger.WithError(err).Error("redis sink: failed to marshal match result")
		return
	}
	go s.publishWithRetry(ctx, payload)
}

func (s *RedisSink) publishWithRetry(ctx context.Context, payload []byte) {
	for attempt := 0; attempt < s.cfg.MaxRetries; attempt++ {
		if err := s.publishOnce(ctx, payload); err == nil {
			return
		} else {
			s.logger.WithError(err).WithField("attempt", attempt+1).Warn("redis sink: publish failed")
			s.mu.Lock()
			s.connected = false
			s.mu.Unlock()
			if reconnectErr := s.connect(ctx); reconnectErr != nil {
				s.logger.WithError(reconnectErr).Warn("redis sink: reconnect failed")
			}
			wait := s.cfg.RetryBaseWait * time.Duration(1<<uint(attempt))
			if wait > s.cfg.MaxReconnectDelay {
				wait = s.cfg.MaxReconnectDelay
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}
	}
	s.logger.WithField("retries", s.cfg.MaxRetries).Error("redis sink: publish failed after retries, event dropped")
}

func (s *RedisSink) publishOnce(ctx context.Context, payload []byte) error {
	s.mu.RLock()
	client := s.client
	s.mu.RUnlock()
	if client == nil {
		return fmt.Errorf("not connected")
	}

	if err := client.Publish(ctx, s.cfg.Channel, payload).Err(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	if s.cfg.QueueName != "" {
		if err := client.LPush(ctx, s.cfg.QueueName, payload).Err(); err != nil {
			return fmt.Errorf("lpush: %w", err)
		}
		if s.cfg.MaxQueueSize > 0 {
			if err := client.LTrim(ctx, s.cfg.QueueName, 0, s.cfg.MaxQueueSize-1).Err(); err != nil {
				return fmt.Errorf("ltrim: %w", err)
			}
		}
	}
	return nil
}

func (s *RedisSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}
