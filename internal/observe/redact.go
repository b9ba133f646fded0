package observe

import "sync/atomic"

// phiRedaction is the process-wide switch. Call paths check it through
// [RedactNumber] and [RedactTranscript] rather than threading a flag.
var phiRedaction atomic.Bool

// SetPHIRedaction switches caller-identifying log redaction on or off.
// Set once at startup from configuration.
func SetPHIRedaction(on bool) {
	phiRedaction.Store(on)
}

// PHIRedactionEnabled reports the current redaction state.
func PHIRedactionEnabled() bool {
	return phiRedaction.Load()
}

// RedactNumber returns a log-safe rendering of a phone number. With
// redaction on, only the last four digits survive ("…4321"); numbers too
// short to keep a suffix collapse entirely.
func RedactNumber(e164 string) string {
	if !phiRedaction.Load() {
		return e164
	}
	if len(e164) <= 4 {
		return "…"
	}
	return "…" + e164[len(e164)-4:]
}

// RedactTranscript returns a log-safe rendering of transcript text. With
// redaction on, the content is replaced by its length; patient speech never
// reaches the logs.
func RedactTranscript(text string) string {
	if !phiRedaction.Load() {
		return text
	}
	if text == "" {
		return ""
	}
	return "[redacted]"
}
