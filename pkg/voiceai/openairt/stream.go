package openairt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/careline/nightbridge/pkg/voiceai"
)

// OpenEvents attaches to the accepted call's server event stream.
func (c *Client) OpenEvents(ctx context.Context, callID string) (voiceai.EventStream, error) {
	wsURL := fmt.Sprintf("%s?call_id=%s", c.wsURL, callID)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + c.apiKey},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openairt: dial event stream for %s: %w", callID, err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	s := &stream{
		conn:   conn,
		events: make(chan voiceai.Event, 32),
		ctx:    streamCtx,
		cancel: cancel,
	}
	go s.receiveLoop()
	return s, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session updateSession `json:"session"`
}

type updateSession struct {
	Type         string     `json:"type"`
	Instructions string     `json:"instructions,omitempty"`
	Tools        []wireTool `json:"tools,omitempty"`
}

type responseCreateMessage struct {
	Type     string          `json:"type"`
	Response *responseParams `json:"response,omitempty"`
}

type responseParams struct {
	Instructions string `json:"instructions,omitempty"`
}

type itemCreateMessage struct {
	Type string   `json:"type"`
	Item wireItem `json:"item"`
}

type wireItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id,omitempty"`
	Output string `json:"output,omitempty"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

// serverEvent is the loosely-typed wire envelope. It is flattened across all
// event kinds the orchestrator consumes and converted to one typed
// [voiceai.Event] variant at this boundary.
type serverEvent struct {
	Type string `json:"type"`

	// session.created / session.updated
	Session *struct {
		ID string `json:"id"`
	} `json:"session,omitempty"`

	// response.done
	Response *struct {
		Status string `json:"status"`
	} `json:"response,omitempty"`

	// conversation.item.input_audio_transcription.completed
	ItemID     string `json:"item_id,omitempty"`
	Transcript string `json:"transcript,omitempty"`

	// response.function_call_arguments.done
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	// error
	Error *struct {
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// ── stream ─────────────────────────────────────────────────────────────────────

type stream struct {
	conn   *websocket.Conn
	events chan voiceai.Event

	mu     sync.Mutex
	errVal error
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

var _ voiceai.EventStream = (*stream)(nil)

// Events returns the typed event channel. Closed when the stream ends.
func (s *stream) Events() <-chan voiceai.Event { return s.events }

// Err returns the first error that terminated the stream.
func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// UpdateSession reconfigures the live session.
func (s *stream) UpdateSession(cfg voiceai.CallConfig) error {
	return s.writeJSON(sessionUpdateMessage{
		Type: "session.update",
		Session: updateSession{
			Type:         "realtime",
			Instructions: cfg.Instructions,
			Tools:        toWireTools(cfg.Tools),
		},
	})
}

// CreateResponse asks the model to speak, optionally with one-off
// instructions. This is how the greeting is triggered.
func (s *stream) CreateResponse(instructions string) error {
	msg := responseCreateMessage{Type: "response.create"}
	if instructions != "" {
		msg.Response = &responseParams{Instructions: instructions}
	}
	return s.writeJSON(msg)
}

// SubmitToolOutput returns a function tool's result and requests the
// follow-up response.
func (s *stream) SubmitToolOutput(toolCallID, output string) error {
	if err := s.writeJSON(itemCreateMessage{
		Type: "conversation.item.create",
		Item: wireItem{Type: "function_call_output", CallID: toolCallID, Output: output},
	}); err != nil {
		return err
	}
	return s.writeJSON(responseCreateMessage{Type: "response.create"})
}

// Close tears the stream down. Idempotent.
func (s *stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "stream closed")
	return nil
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *stream) writeJSON(v any) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("openairt: stream closed")
	}
	s.mu.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openairt: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads wire events, converts them to typed variants, and
// delivers them on the events channel. It owns the channel: it closes it
// when it exits.
func (s *stream) receiveLoop() {
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.setErr(err)
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		if typed := convertEvent(&evt); typed != nil {
			select {
			case s.events <- typed:
			case <-s.ctx.Done():
				return
			}
		}
	}
}

// convertEvent maps one wire envelope to its typed variant, or nil for event
// kinds the orchestrator does not consume.
func convertEvent(evt *serverEvent) voiceai.Event {
	switch evt.Type {
	case "session.created":
		e := voiceai.SessionCreated{}
		if evt.Session != nil {
			e.SessionID = evt.Session.ID
		}
		return e

	case "session.updated":
		return voiceai.SessionUpdated{}

	case "response.done":
		e := voiceai.ResponseDone{}
		if evt.Response != nil {
			e.Status = evt.Response.Status
		}
		return e

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" {
			return nil
		}
		return voiceai.CallerTranscript{ItemID: evt.ItemID, Text: evt.Transcript}

	case "response.output_audio_transcript.done":
		if evt.Transcript == "" {
			return nil
		}
		return voiceai.AgentTranscript{ItemID: evt.ItemID, Text: evt.Transcript}

	case "response.function_call_arguments.done":
		return voiceai.ToolCall{CallID: evt.CallID, Name: evt.Name, Arguments: evt.Arguments}

	case "error":
		e := voiceai.ServerError{}
		if evt.Error != nil {
			e.Code = evt.Error.Code
			e.Message = evt.Error.Message
		}
		return e
	}
	return nil
}

func (s *stream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}
