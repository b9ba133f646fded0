// Package twilio implements [telco.Provider] against the Twilio REST API.
package twilio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/careline/nightbridge/pkg/telco"
)

const (
	defaultBaseURL = "https://api.twilio.com"
	apiVersion     = "2010-04-01"
)

// Client is a minimal Twilio REST client covering the four orchestration
// operations: dialing participants into conferences, redirecting legs to new
// TwiML, fetching call records, and hanging up.
type Client struct {
	accountSID string
	authToken  string
	baseURL    string
	httpClient *http.Client
}

// Option configures a [Client].
type Option func(*Client)

// WithBaseURL overrides the API endpoint. Used in tests to point at a fake.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.baseURL = strings.TrimSuffix(u, "/")
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

// NewClient creates a Twilio client authenticated with the account SID and
// auth token.
func NewClient(accountSID, authToken string, opts ...Option) *Client {
	c := &Client{
		accountSID: accountSID,
		authToken:  authToken,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ telco.Provider = (*Client)(nil)

// participantResponse is the wire shape of a created conference participant.
type participantResponse struct {
	CallSID string `json:"call_sid"`
	Label   string `json:"label"`
	Status  string `json:"status"`
}

// callResponse is the wire shape of a fetched call. Duration arrives as a
// decimal string.
type callResponse struct {
	SID       string `json:"sid"`
	Status    string `json:"status"`
	From      string `json:"from"`
	To        string `json:"to"`
	Duration  string `json:"duration"`
	Price     string `json:"price"`
	PriceUnit string `json:"price_unit"`
}

// apiError is Twilio's error envelope.
type apiError struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

// AddParticipant dials a new leg into the named conference.
func (c *Client) AddParticipant(ctx context.Context, req telco.ParticipantRequest) (*telco.Participant, error) {
	form := url.Values{}
	form.Set("From", req.From)
	form.Set("To", req.To)
	if req.Label != "" {
		form.Set("Label", req.Label)
	}
	if req.EarlyMedia {
		form.Set("EarlyMedia", "true")
	}
	if req.CallToken != "" {
		form.Set("CallToken", req.CallToken)
	}
	if req.StatusCallbackURL != "" {
		form.Set("StatusCallback", req.StatusCallbackURL)
		form.Set("StatusCallbackEvent", "initiated ringing answered completed")
	}
	if req.TimeoutSeconds > 0 {
		form.Set("Timeout", strconv.Itoa(req.TimeoutSeconds))
	}

	path := fmt.Sprintf("/%s/Accounts/%s/Conferences/%s/Participants.json",
		apiVersion, c.accountSID, url.PathEscape(req.ConferenceName))

	var out participantResponse
	if err := c.postForm(ctx, path, form, &out); err != nil {
		return nil, fmt.Errorf("twilio: add participant %q to %s: %w", req.Label, req.ConferenceName, err)
	}
	return &telco.Participant{
		CallSID: out.CallSID,
		Label:   out.Label,
		Status:  telco.CallStatus(out.Status),
	}, nil
}

// RedirectCall replaces the leg's current TwiML with doc.
func (c *Client) RedirectCall(ctx context.Context, callSID string, doc telco.Response) error {
	twiml, err := doc.Render()
	if err != nil {
		return fmt.Errorf("twilio: redirect %s: %w", callSID, err)
	}
	form := url.Values{}
	form.Set("Twiml", twiml)

	path := fmt.Sprintf("/%s/Accounts/%s/Calls/%s.json", apiVersion, c.accountSID, callSID)
	if err := c.postForm(ctx, path, form, nil); err != nil {
		return fmt.Errorf("twilio: redirect %s: %w", callSID, err)
	}
	return nil
}

// FetchCall retrieves the carrier's record of a leg. A 404 means the carrier
// never saw the call; that is reported as (nil, nil), not an error.
func (c *Client) FetchCall(ctx context.Context, callSID string) (*telco.CallRecord, error) {
	path := fmt.Sprintf("/%s/Accounts/%s/Calls/%s.json", apiVersion, c.accountSID, callSID)

	var out callResponse
	err := c.getJSON(ctx, path, &out)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("twilio: fetch call %s: %w", callSID, err)
	}

	duration := 0
	if out.Duration != "" {
		if duration, err = strconv.Atoi(out.Duration); err != nil {
			return nil, fmt.Errorf("twilio: fetch call %s: duration %q: %w", callSID, out.Duration, err)
		}
	}
	return &telco.CallRecord{
		SID:       out.SID,
		Status:    telco.CallStatus(out.Status),
		From:      out.From,
		To:        out.To,
		Duration:  duration,
		Price:     out.Price,
		PriceUnit: out.PriceUnit,
	}, nil
}

// HangupCall terminates a leg by forcing its status to completed.
func (c *Client) HangupCall(ctx context.Context, callSID string) error {
	form := url.Values{}
	form.Set("Status", string(telco.StatusCompleted))

	path := fmt.Sprintf("/%s/Accounts/%s/Calls/%s.json", apiVersion, c.accountSID, callSID)
	if err := c.postForm(ctx, path, form, nil); err != nil {
		return fmt.Errorf("twilio: hangup %s: %w", callSID, err)
	}
	return nil
}

// StatusError reports a non-2xx carrier response.
type StatusError struct {
	StatusCode int
	Code       int // carrier-specific error code, 0 when absent
	Message    string
}

func (e *StatusError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("carrier returned %d (code %d): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("carrier returned %d: %s", e.StatusCode, e.Message)
}

// postForm issues an authenticated form POST and decodes a JSON response
// into out when out is non-nil.
func (c *Client) postForm(ctx context.Context, path string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path,
		strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, out)
}

// getJSON issues an authenticated GET and decodes the JSON response.
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.SetBasicAuth(c.accountSID, c.authToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		se := &StatusError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		var ae apiError
		if json.Unmarshal(body, &ae) == nil && ae.Message != "" {
			se.Code = ae.Code
			se.Message = ae.Message
		}
		return se
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
