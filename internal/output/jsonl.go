package output

import (
	"context"
	"encoding/json"
	"os"
	"sync"

	"github.com/bl4ck0w1/ctsentry/internal/match"
	"github.com/sirupsen/logrus"
)

// JSONLSink appends one JSON object per line to a file. Sink failures
// are logged and never propagate to the pipeline (spec §4.6 step 5).
type JSONLSink struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	logger logrus.FieldLogger
}

func NewJSONLSink(path string, logger logrus.FieldLogger) (*JSONLSink, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &JSONLSink{path: path, file: f, logger: logger}, nil
}

func (s *JSONLSink) Emit(_ context.Context, r match.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload := toPayload(r)
	line, err := json.Marshal(payload)
	if err != nil {
		s.logger.WithError(err).Error("jsonl sink: failed to marshal match result")
		return
	}
	line = append(line, '\n')
	if _, err := s.file.Write(line); err != nil {
		s.logger.WithError(err).Error("jsonl sink: write failed")
	}
}

func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
