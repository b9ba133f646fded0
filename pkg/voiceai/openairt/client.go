// Package openairt implements the [voiceai.Controller] surface against the
// OpenAI Realtime API's SIP call control plane: the REST endpoints that
// accept or hang up a ringing SIP call, the signed webhook envelope, and the
// per-call WebSocket event stream.
package openairt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/careline/nightbridge/pkg/voiceai"
)

const (
	defaultBaseURL = "https://api.openai.com"
	defaultWSURL   = "wss://api.openai.com/v1/realtime"
)

// StatusError is returned by REST calls that fail with a non-2xx response.
// The accept engine branches on StatusCode to decide retryability: 404 means
// the realtime service has not yet indexed the call and is worth another try.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("openairt: status %d: %s", e.StatusCode, e.Body)
}

// HTTPStatus implements the status-code probe used by [voiceai.HTTPStatus].
func (e *StatusError) HTTPStatus() int { return e.StatusCode }

// Client implements [voiceai.Controller].
type Client struct {
	apiKey     string
	baseURL    string
	wsURL      string
	httpClient *http.Client
}

// Option configures a [Client].
type Option func(*Client)

// WithBaseURL overrides the REST endpoint. Used in tests to point at a fake.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.baseURL = strings.TrimSuffix(u, "/")
		}
	}
}

// WithWebSocketURL overrides the event stream endpoint.
func WithWebSocketURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.wsURL = strings.TrimSuffix(u, "/")
		}
	}
}

// WithHTTPClient substitutes the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// NewClient creates a realtime control plane client.
func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		wsURL:      defaultWSURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ voiceai.Controller = (*Client)(nil)

// acceptRequest is the wire shape of the accept call body.
type acceptRequest struct {
	Type         string      `json:"type"`
	Model        string      `json:"model,omitempty"`
	Instructions string      `json:"instructions,omitempty"`
	Audio        acceptAudio `json:"audio"`
	Tools        []wireTool  `json:"tools,omitempty"`
}

type acceptAudio struct {
	Input  acceptAudioInput  `json:"input"`
	Output acceptAudioOutput `json:"output"`
}

type acceptAudioInput struct {
	Format        audioFormat        `json:"format"`
	Transcription *transcriptionConf `json:"transcription,omitempty"`
	TurnDetection *turnDetectionConf `json:"turn_detection,omitempty"`
}

type acceptAudioOutput struct {
	Format audioFormat `json:"format"`
	Voice  string      `json:"voice,omitempty"`
}

type audioFormat struct {
	Type string `json:"type"`
}

type transcriptionConf struct {
	Model string `json:"model"`
}

type turnDetectionConf struct {
	Type              string `json:"type"`
	Eagerness         string `json:"eagerness,omitempty"`
	CreateResponse    bool   `json:"create_response"`
	InterruptResponse bool   `json:"interrupt_response"`
}

type wireTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// AcceptCall answers the pending SIP invite with the session configuration.
// The config is normalized first so SDK-default PCM16 audio or a missing
// turn-detection block never reaches the wire.
func (c *Client) AcceptCall(ctx context.Context, callID string, cfg voiceai.CallConfig) error {
	cfg.Normalize()

	body := acceptRequest{
		Type:         "realtime",
		Model:        cfg.Model,
		Instructions: cfg.Instructions,
		Audio: acceptAudio{
			Input: acceptAudioInput{
				Format: audioFormat{Type: cfg.InputAudioFormat},
				TurnDetection: &turnDetectionConf{
					Type:              cfg.TurnDetection.Type,
					Eagerness:         cfg.TurnDetection.Eagerness,
					CreateResponse:    cfg.TurnDetection.CreateResponse,
					InterruptResponse: cfg.TurnDetection.InterruptResponse,
				},
			},
			Output: acceptAudioOutput{
				Format: audioFormat{Type: cfg.OutputAudioFormat},
				Voice:  cfg.Voice,
			},
		},
		Tools: toWireTools(cfg.Tools),
	}
	if cfg.TranscriptionModel != "" {
		body.Audio.Input.Transcription = &transcriptionConf{Model: cfg.TranscriptionModel}
	}

	return c.post(ctx, fmt.Sprintf("/v1/realtime/calls/%s/accept", callID), body)
}

// HangupCall ends the realtime side of the call.
func (c *Client) HangupCall(ctx context.Context, callID string) error {
	return c.post(ctx, fmt.Sprintf("/v1/realtime/calls/%s/hangup", callID), nil)
}

// post issues one JSON POST and maps non-2xx responses to [StatusError].
func (c *Client) post(ctx context.Context, path string, body any) error {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("openairt: marshal request: %w", err)
		}
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, payload)
	if err != nil {
		return fmt.Errorf("openairt: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("openairt: POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	return nil
}

func toWireTools(tools []voiceai.ToolDefinition) []wireTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]wireTool, len(tools))
	for i, t := range tools {
		out[i] = wireTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		}
	}
	return out
}
