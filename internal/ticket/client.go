// Package ticket pushes finalized call bundles to the practice's external
// ticketing system, cross-linking the ticket the agent opened during the
// call with the canonical call record.
package ticket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/careline/nightbridge/internal/resilience"
)

// Bundle is the per-call payload attached to an existing ticket after the
// post-call pipeline finishes.
type Bundle struct {
	TicketNumber       string  `json:"ticket_number"`
	ConferenceName     string  `json:"conference_name"`
	Transcript         string  `json:"transcript"`
	RecordingURL       string  `json:"recording_url,omitempty"`
	DurationSeconds    int     `json:"duration_seconds"`
	CarrierCostCents   int     `json:"carrier_cost_cents"`
	AgentCostCents     int     `json:"agent_cost_cents"`
	TotalCostCents     int     `json:"total_cost_cents"`
	TransferredToHuman bool    `json:"transferred_to_human"`
	QualityScore       float32 `json:"quality_score,omitempty"`
	PatientSentiment   string  `json:"patient_sentiment,omitempty"`
	AgentOutcome       string  `json:"agent_outcome,omitempty"`
}

// retryableError marks failures worth another attempt (5xx, transport).
type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Client is the ticketing REST client. A zero BaseURL disables pushes;
// [Client.Enabled] reports it.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	policy     resilience.RetryPolicy
}

// Option configures a [Client].
type Option func(*Client)

// WithHTTPClient substitutes the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// NewClient creates a ticketing client for the given endpoint.
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		policy: resilience.RetryPolicy{
			MaxAttempts: 4,
			Initial:     500 * time.Millisecond,
			MaxDelay:    5 * time.Second,
			Jitter:      200 * time.Millisecond,
			RetryIf: func(err error) bool {
				var re *retryableError
				return errors.As(err, &re)
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Enabled reports whether a ticketing endpoint is configured.
func (c *Client) Enabled() bool { return c.baseURL != "" }

// Push attaches the bundle to its ticket, retrying on 5xx and transport
// errors. Client errors (4xx) are final: the payload will not get better.
// The idempotency key makes carrier-side retries of the whole pipeline safe.
func (c *Client) Push(ctx context.Context, b Bundle) error {
	if !c.Enabled() {
		return fmt.Errorf("ticket: no endpoint configured")
	}
	if b.TicketNumber == "" {
		return fmt.Errorf("ticket: bundle missing ticket number")
	}

	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("ticket: marshal bundle: %w", err)
	}
	idempotencyKey := uuid.NewString()
	url := fmt.Sprintf("%s/tickets/%s/call-bundle", c.baseURL, b.TicketNumber)

	return c.policy.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("ticket: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", idempotencyKey)
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return &retryableError{err: fmt.Errorf("ticket: POST %s: %w", url, err)}
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode <= 299:
			return nil
		case resp.StatusCode >= 500:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			return &retryableError{err: fmt.Errorf("ticket: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))}
		default:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			return fmt.Errorf("ticket: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}
	})
}
