// Package voiceai defines the realtime speech service surface the
// orchestrator depends on: the REST control plane that accepts or hangs up
// SIP-routed calls, the per-call event stream, and the typed server events.
//
// Wire payloads are parsed at the stream boundary into one typed variant per
// event kind; the orchestration layer consumes them with a type switch and
// never sees raw JSON.
package voiceai

import (
	"context"
	"errors"
)

// Default session parameters. The carrier delivers G.711 μ-law; anything
// else on the wire produces silence on the PSTN leg.
const (
	AudioFormatPCMU  = "audio/pcmu"
	TurnDetectionVAD = "semantic_vad"
)

// CallConfig is the session configuration submitted when accepting a call.
type CallConfig struct {
	Model        string
	Voice        string
	Instructions string

	// InputAudioFormat and OutputAudioFormat must both stay AudioFormatPCMU
	// for SIP calls. [Normalize] rewrites anything else.
	InputAudioFormat  string
	OutputAudioFormat string

	TurnDetection      TurnDetection
	TranscriptionModel string
	Tools              []ToolDefinition
}

// TurnDetection configures when the model considers the caller's turn over.
type TurnDetection struct {
	Type              string
	Eagerness         string
	CreateResponse    bool
	InterruptResponse bool
}

// ToolDefinition declares one function tool offered to the model.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Normalize rewrites defaults the SDK would otherwise fill with
// non-telephony values: PCM16 audio becomes μ-law and a missing turn
// detection block becomes semantic VAD with medium eagerness.
func (c *CallConfig) Normalize() {
	if c.InputAudioFormat == "" || c.InputAudioFormat == "pcm16" {
		c.InputAudioFormat = AudioFormatPCMU
	}
	if c.OutputAudioFormat == "" || c.OutputAudioFormat == "pcm16" {
		c.OutputAudioFormat = AudioFormatPCMU
	}
	if c.TurnDetection.Type == "" {
		c.TurnDetection = TurnDetection{
			Type:              TurnDetectionVAD,
			Eagerness:         "medium",
			CreateResponse:    true,
			InterruptResponse: true,
		}
	}
}

// Controller is the realtime control plane: accept a ringing SIP call into a
// model session, observe its events, or end it.
type Controller interface {
	// AcceptCall answers the pending SIP invite identified by callID with
	// the given session configuration.
	AcceptCall(ctx context.Context, callID string, cfg CallConfig) error

	// HangupCall ends the realtime side of the call.
	HangupCall(ctx context.Context, callID string) error

	// OpenEvents attaches to the accepted call's server event stream.
	OpenEvents(ctx context.Context, callID string) (EventStream, error)
}

// EventStream is one call's server event feed plus the small command surface
// the orchestrator uses mid-call.
type EventStream interface {
	// Events returns the channel of typed server events. It is closed when
	// the stream ends; Err reports why.
	Events() <-chan Event

	// Err returns the first error that terminated the stream, or nil after
	// a clean close.
	Err() error

	// UpdateSession reconfigures the live session (voice, instructions,
	// tools). Some fields are rejected once audio has flowed; those
	// rejections arrive as ServerError events.
	UpdateSession(cfg CallConfig) error

	// CreateResponse asks the model to speak, optionally with one-off
	// instructions such as the greeting.
	CreateResponse(instructions string) error

	// SubmitToolOutput returns a function tool's result to the model and
	// requests the follow-up response.
	SubmitToolOutput(toolCallID, output string) error

	// Close tears the stream down. Idempotent.
	Close() error
}

// ── Server events ──────────────────────────────────────────────────────────

// Event is a typed server event. Exactly one concrete variant exists per
// wire event kind the orchestrator consumes.
type Event interface {
	eventKind() string
}

// SessionCreated is emitted once when the event stream attaches.
type SessionCreated struct {
	SessionID string
}

// SessionUpdated confirms an UpdateSession round trip.
type SessionUpdated struct{}

// ResponseDone marks the end of one model response turn.
type ResponseDone struct {
	Status string
}

// CallerTranscript is a finalized transcription of caller speech.
type CallerTranscript struct {
	ItemID string
	Text   string
}

// AgentTranscript is a finalized transcript of the agent's own speech.
type AgentTranscript struct {
	ItemID string
	Text   string
}

// ToolCall is the model invoking a function tool.
type ToolCall struct {
	CallID    string
	Name      string
	Arguments string
}

// ServerError is an in-band error event. Whether it is fatal is the
// orchestrator's decision, not the stream's.
type ServerError struct {
	Code    string
	Message string
}

func (SessionCreated) eventKind() string   { return "session.created" }
func (SessionUpdated) eventKind() string   { return "session.updated" }
func (ResponseDone) eventKind() string     { return "response.done" }
func (CallerTranscript) eventKind() string { return "caller.transcript" }
func (AgentTranscript) eventKind() string  { return "agent.transcript" }
func (ToolCall) eventKind() string         { return "tool.call" }
func (ServerError) eventKind() string      { return "error" }

// HTTPStatus extracts the HTTP status code from an error returned by a
// [Controller] REST call. The second return is false when the error did not
// originate from an HTTP response, or when it carries no status.
func HTTPStatus(err error) (int, bool) {
	var sc interface{ HTTPStatus() int }
	if errors.As(err, &sc) {
		return sc.HTTPStatus(), true
	}
	return 0, false
}

// NonFatalErrorCodes lists in-band error codes that do not end a call: they
// are logged and the session continues.
var NonFatalErrorCodes = map[string]bool{
	"cannot_update_voice":                      true,
	"unknown_parameter":                        true,
	"conversation_already_has_active_response": true,
}
