// Package watchsource implements the reference WatchlistSource collaborator
// named in spec §6: a file-backed program list that the core polls at
// startup and every sync_interval thereafter.
package watchsource

import (
	"context"
	"fmt"
	"os"

	"github.com/bl4ck0w1/ctsentry/internal/match"
	"gopkg.in/yaml.v3"
)

// fileDoc is the on-disk shape: a list of programs, each with its own
// domain/host/ip/cidr patterns. A program with an empty label merges into
// the anonymous (unnamed) program.
type fileDoc struct {
	Programs []programEntry `yaml:"programs"`
}

type programEntry struct {
	Label   string   `yaml:"label"`
	Domains []string `yaml:"domains"`
	Hosts   []string `yaml:"hosts"`
	IPs     []string `yaml:"ips"`
	CIDRs   []string `yaml:"cidrs"`
}

// FileSource reads a YAML watchlist file from disk on every Fetch call,
// so external edits are picked up on the next sync without a restart.
type FileSource struct {
	path string
}

func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (s *FileSource) Fetch(_ context.Context) ([]match.Entry, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("reading watchlist file %s: %w", s.path, err)
	}

	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing watchlist file %s: %w", s.path, err)
	}

	entries := make([]match.Entry, 0, len(doc.Programs))
	for _, p := range doc.Programs {
		entries = append(entries, match.Entry{
			ProgramLabel: p.Label,
			Domains:      p.Domains,
			Hosts:        p.Hosts,
			IPs:          p.IPs,
			CIDRs:        p.CIDRs,
		})
	}
	return entries, nil
}
