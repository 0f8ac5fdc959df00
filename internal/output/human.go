package output

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/bl4ck0w1/ctsentry/internal/match"
)

// HumanSink renders Match Results as a single readable line per match,
// colorized when writing to a terminal.
type HumanSink struct {
	mu     sync.Mutex
	out    io.Writer
	colors bool
}

func NewHumanSink(out io.Writer) *HumanSink {
	if out == nil {
		out = os.Stdout
	}
	colors := false
	if f, ok := out.(*os.File); ok {
		if fi, err := f.Stat(); err == nil {
			colors = (fi.Mode() & os.ModeCharDevice) != 0
		}
	}
	return &HumanSink{out: out, colors: colors}
}

func (h *HumanSink) Emit(_ context.Context, r match.Result) {
	h.mu.Lock()
	defer h.mu.Unlock()

	label := r.ProgramLabel
	if label == "" {
		label = "-"
	}
	kind := "cert"
	if r.IsPrecert {
		kind = "precert"
	}

	line := fmt.Sprintf("[%s] %-7s %-40s root=%-25s program=%-15s log=%s cert_index=%d fingerprint=%s\n",
		r.DiscoveredAt.Format(time.RFC3339), kind, r.MatchedIdentifier, r.RootDomain, label, shortURL(r.SourceLogURL), r.CertIndex, r.Fingerprint)

	if h.colors {
		line = "\x1b[32m" + line + "\x1b[0m"
	}
	fmt.Fprint(h.out, line)
}

func shortURL(u string) string {
	u = strings.TrimPrefix(u, "https://")
	u = strings.TrimSuffix(u, "/")
	return u
}
