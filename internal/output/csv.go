package output

import (
	"context"
	"encoding/csv"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bl4ck0w1/ctsentry/internal/match"
	"github.com/sirupsen/logrus"
)

var csvHeader = []string{"timestamp", "matched_domain", "all_domains", "cert_index", "not_before", "not_after", "fingerprint", "program_name", "ct_log", "is_precert"}

// CSVSink appends one row per match to a file with a fixed header,
// writing the header once on creation of a new file.
type CSVSink struct {
	mu     sync.Mutex
	file   *os.File
	writer *csv.Writer
	logger logrus.FieldLogger
}

func NewCSVSink(path string, logger logrus.FieldLogger) (*CSVSink, error) {
	_, statErr := os.Stat(path)
	needsHeader := statErr != nil

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	w := csv.NewWriter(f)
	if needsHeader {
		if err := w.Write(csvHeader); err != nil {
			f.Close()
			return nil, err
		}
		w.Flush()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &CSVSink{file: f, writer: w, logger: logger}, nil
}

func (s *CSVSink) Emit(_ context.Context, r match.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := []string{
		r.DiscoveredAt.Format(time.RFC3339),
		r.MatchedIdentifier,
		strings.Join(r.AllNames, "|"),
		strconv.FormatUint(r.CertIndex, 10),
		strconv.FormatInt(r.NotBefore, 10),
		strconv.FormatInt(r.NotAfter, 10),
		r.Fingerprint,
		r.ProgramLabel,
		r.SourceLogURL,
		strconv.FormatBool(r.IsPrecert),
	}
	if err := s.writer.Write(row); err != nil {
		s.logger.WithError(err).Error("csv sink: write failed")
		return
	}
	s.writer.Flush()
	if err := s.writer.Error(); err != nil {
		s.logger.WithError(err).Error("csv sink: flush failed")
	}
}

func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writer.Flush()
	return s.file.Close()
}
