// Package transcript reconciles interim and final transcription events
// into a monotonically growing, user-editable text buffer.
package transcript

import (
	"log/slog"
	"strings"
	"sync"
)

// Buffer is the user-visible editable text area. It is owned by the
// caller; the aggregator only ever appends to it and never rewrites
// text it appended earlier, so edits the user makes to already-merged
// text survive.
type Buffer interface {
	Append(text string)
}

type Config struct {
	Buffer Buffer
	Log    *slog.Logger
}

// Aggregator tracks the transcript state of one streaming session:
// the current interim segment (replaced wholesale on every interim
// event) and the append-only sequence of finalized segments.
type Aggregator struct {
	buffer Buffer
	log    *slog.Logger

	mu           sync.Mutex
	interim      string
	finals       []string
	prevFinalLen int
}

func NewAggregator(cfg Config) *Aggregator {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Aggregator{
		buffer: cfg.Buffer,
		log:    cfg.Log,
	}
}

// OnInterim replaces the provisional segment. Interim text never
// reaches the editable buffer; it only shows up in FullTranscript.
func (a *Aggregator) OnInterim(text string) {
	a.mu.Lock()
	a.interim = text
	a.mu.Unlock()
}

// OnFinal appends a finalized segment, clears the interim, and merges
// the not-yet-seen suffix of the finals concatenation into the
// editable buffer. The cursor advances even when the new suffix trims
// to nothing, so whitespace-only finals are never reprocessed.
func (a *Aggregator) OnFinal(text string) {
	a.mu.Lock()
	a.finals = append(a.finals, text)
	a.interim = ""

	concat := strings.Join(a.finals, "")
	var suffix string
	if len(concat) > a.prevFinalLen {
		suffix = strings.TrimSpace(concat[a.prevFinalLen:])
		a.prevFinalLen = len(concat)
	}
	buffer := a.buffer
	a.mu.Unlock()

	if suffix == "" {
		return
	}
	a.log.Debug("merging finalized text", "chars", len(suffix))
	if buffer != nil {
		buffer.Append(suffix)
	}
}

// Interim returns the current provisional segment.
func (a *Aggregator) Interim() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.interim
}

// Finals returns a copy of the finalized segments in arrival order.
func (a *Aggregator) Finals() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.finals))
	copy(out, a.finals)
	return out
}

// FullTranscript is the finals concatenation plus the current interim.
// Read-only progress display; it is never what gets merged into the
// editable buffer.
func (a *Aggregator) FullTranscript() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return strings.Join(a.finals, "") + a.interim
}

// Reset clears transcript state for a new connection. The editable
// buffer is left alone; the caller owns clearing it.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	a.interim = ""
	a.finals = nil
	a.prevFinalLen = 0
	a.mu.Unlock()
}
