// Package state implements the State Store: a keyed map of per-log
// cursors, persisted as a single human-readable YAML file with an
// atomic write (temp file + fsync + rename).
package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// ErrCorrupt is wrapped into the error returned by Load when the state
// file exists but cannot be parsed. Load has already rotated the file
// aside and left the store empty, so callers can log it and continue
// rather than treat this as fatal.
var ErrCorrupt = errors.New("state file corrupt")

// Store is a keyed map of log_url -> last_processed_index, flushed to a
// single file. Record is in-memory only; Flush is the only operation
// that touches disk after Load.
type Store struct {
	mu         sync.Mutex
	path       string
	cursors    map[string]uint64
	sinceFlush map[string]int // advances since the last flush, per log
	logger     logrus.FieldLogger
}

// FlushEveryN is the default number of cursor advances per log before an
// automatic flush, per spec §4.2.
const FlushEveryN = 100

func New(path string, logger logrus.FieldLogger) *Store {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Store{
		path:       path,
		cursors:    make(map[string]uint64),
		sinceFlush: make(map[string]int),
		logger:     logger,
	}
}

// Load reads the persisted file, if any. A missing file is not an error
// ("no prior state"); a corrupt file is rotated aside and the store
// starts empty, both logged, never fatal.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.logger.WithField("path", s.path).Info("no prior state file, starting fresh")
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading state file: %w", err)
	}

	var loaded map[string]uint64
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		aside := s.path + ".corrupt"
		if renameErr := os.Rename(s.path, aside); renameErr != nil {
			s.logger.WithError(renameErr).Error("failed to rotate aside corrupt state file")
		} else {
			s.logger.WithField("moved_to", aside).Warn("state file corrupt, rotated aside, starting fresh")
		}
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	s.cursors = loaded
	if s.cursors == nil {
		s.cursors = make(map[string]uint64)
	}
	s.logger.WithField("count", len(s.cursors)).Info("loaded state for CT logs")
	return nil
}

// Get returns the last-processed-index for a log, or 0 if unknown.
func (s *Store) Get(logURL string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[logURL]
}

// Record advances a log's cursor in memory. Returns true once this log
// has accumulated FlushEveryN advances since its last flush and the
// caller should flush, per spec §4.2 ("every N advances, default 100
// per log").
//
// Per invariant I1, callers must never call Record with an index lower
// than the previous value; Record enforces this defensively.
func (s *Store) Record(logURL string, index uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.cursors[logURL]; ok && index < prev {
		s.logger.WithFields(logrus.Fields{"log_url": logURL, "prev": prev, "attempted": index}).
			Warn("ignoring out-of-order cursor update")
		return false
	}
	s.cursors[logURL] = index
	s.sinceFlush[logURL]++
	if s.sinceFlush[logURL] >= FlushEveryN {
		s.sinceFlush[logURL] = 0
		return true
	}
	return false
}

// Snapshot returns a copy of the current cursor map, for the status API
// and tests.
func (s *Store) Snapshot() map[string]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]uint64, len(s.cursors))
	for k, v := range s.cursors {
		out[k] = v
	}
	return out
}

// TrackedLogs returns the set of log URLs with a known cursor.
func (s *Store) TrackedLogs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.cursors))
	for k := range s.cursors {
		out = append(out, k)
	}
	return out
}

// Flush atomically rewrites the state file: write to a sibling temporary
// path, fsync, then rename over the target.
func (s *Store) Flush() error {
	s.mu.Lock()
	snapshot := make(map[string]uint64, len(s.cursors))
	for k, v := range s.cursors {
		snapshot[k] = v
	}
	s.mu.Unlock()

	data, err := yaml.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming state file into place: %w", err)
	}

	s.logger.WithField("count", len(snapshot)).Debug("state flushed")
	return nil
}
