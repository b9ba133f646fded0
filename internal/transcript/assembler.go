// Package transcript assembles per-call transcripts from realtime
// transcription events. Lines are appended to the call log in arrival order;
// a similarity gate suppresses the near-duplicate re-emissions some realtime
// services produce when they refine a finalized segment.
package transcript

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/antzucaro/matchr"

	"github.com/careline/nightbridge/internal/observe"
)

// Speaker labels used in transcript lines.
const (
	SpeakerPatient = "Patient"
	SpeakerAgent   = "Agent"
)

// duplicateThreshold is the Jaro-Winkler similarity above which a new
// fragment from the same speaker is treated as a re-emission of a recent
// line and dropped.
const duplicateThreshold = 0.93

// recentWindow is how many recent lines per call the duplicate gate
// remembers. Re-emissions arrive within a couple of turns.
const recentWindow = 6

// Appender receives accepted transcript lines. *store.CallLogRepo
// implements it.
type Appender interface {
	AppendTranscript(ctx context.Context, callLogID int64, line string) error
}

// line is one accepted fragment kept for duplicate comparison.
type line struct {
	speaker string
	text    string
}

// Assembler builds transcripts for all live calls. Safe for concurrent use.
type Assembler struct {
	appender Appender

	mu     sync.Mutex
	recent map[int64][]line
}

// NewAssembler creates an Assembler writing through appender.
func NewAssembler(appender Appender) *Assembler {
	return &Assembler{
		appender: appender,
		recent:   make(map[int64][]line),
	}
}

// Append records one finalized transcription fragment. Near-duplicates of a
// recent line from the same speaker are silently dropped. The durable append
// failure is returned but callers treat it as non-fatal.
func (a *Assembler) Append(ctx context.Context, callLogID int64, speaker, text string) error {
	text = strings.TrimSpace(text)
	if text == "" || callLogID == 0 {
		return nil
	}

	a.mu.Lock()
	if a.isDuplicateLocked(callLogID, speaker, text) {
		a.mu.Unlock()
		observe.Logger(ctx).Debug("transcript: dropped near-duplicate fragment",
			"call_log_id", callLogID,
			"speaker", speaker,
			"len", len(text),
		)
		return nil
	}
	a.rememberLocked(callLogID, speaker, text)
	a.mu.Unlock()

	entry := speaker + ": " + text
	if err := a.appender.AppendTranscript(ctx, callLogID, entry); err != nil {
		return fmt.Errorf("transcript: append to call log %d: %w", callLogID, err)
	}
	return nil
}

// Finish releases the duplicate-gate state for a finished call.
func (a *Assembler) Finish(callLogID int64) {
	a.mu.Lock()
	delete(a.recent, callLogID)
	a.mu.Unlock()
}

// isDuplicateLocked reports whether text is a near-duplicate of a recent
// line from the same speaker on the same call.
func (a *Assembler) isDuplicateLocked(callLogID int64, speaker, text string) bool {
	lower := strings.ToLower(text)
	for _, l := range a.recent[callLogID] {
		if l.speaker != speaker {
			continue
		}
		if matchr.JaroWinkler(strings.ToLower(l.text), lower, false) >= duplicateThreshold {
			return true
		}
	}
	return false
}

// rememberLocked appends to the per-call window, evicting the oldest entry.
func (a *Assembler) rememberLocked(callLogID int64, speaker, text string) {
	lines := append(a.recent[callLogID], line{speaker: speaker, text: text})
	if len(lines) > recentWindow {
		lines = lines[len(lines)-recentWindow:]
	}
	a.recent[callLogID] = lines
}
