package openairt

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/careline/nightbridge/pkg/voiceai"
)

// Webhook header names, per the standard-webhooks envelope the realtime
// service signs with.
const (
	headerWebhookID        = "webhook-id"
	headerWebhookTimestamp = "webhook-timestamp"
	headerWebhookSignature = "webhook-signature"
)

// signatureTolerance bounds the age of an acceptable webhook timestamp.
// Replays outside the window are rejected even with a valid signature.
const signatureTolerance = 5 * time.Minute

// ErrSignature is returned when a webhook envelope fails verification on
// both the decoded-secret and the raw-secret paths.
var ErrSignature = errors.New("openairt: webhook signature mismatch")

// WebhookVerifier checks the HMAC-SHA256 envelope signature over
// "id.timestamp.body". The secret arrives prefixed "whsec_" with the key
// material base64-encoded after the prefix.
//
// Some SDK versions sign with the undecoded secret string instead of the
// decoded bytes; verification therefore runs a manual second pass with the
// raw secret before rejecting.
type WebhookVerifier struct {
	decodedSecret []byte
	rawSecret     []byte
	now           func() time.Time
}

// NewWebhookVerifier creates a verifier from the "whsec_"-prefixed secret.
func NewWebhookVerifier(secret string) (*WebhookVerifier, error) {
	trimmed, ok := strings.CutPrefix(secret, "whsec_")
	if !ok {
		return nil, fmt.Errorf("openairt: webhook secret missing whsec_ prefix")
	}
	decoded, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("openairt: webhook secret is not base64: %w", err)
	}
	return &WebhookVerifier{
		decodedSecret: decoded,
		rawSecret:     []byte(trimmed),
		now:           time.Now,
	}, nil
}

// Verify checks the envelope headers against body. It returns nil only when
// the timestamp is within tolerance and at least one v1 signature matches
// under either secret interpretation. Comparison is constant-time.
func (v *WebhookVerifier) Verify(h http.Header, body []byte) error {
	id := h.Get(headerWebhookID)
	ts := h.Get(headerWebhookTimestamp)
	sigHeader := h.Get(headerWebhookSignature)
	if id == "" || ts == "" || sigHeader == "" {
		return fmt.Errorf("openairt: webhook envelope incomplete")
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("openairt: webhook timestamp %q: %w", ts, err)
	}
	age := v.now().Sub(time.Unix(unix, 0))
	if age > signatureTolerance || age < -signatureTolerance {
		return fmt.Errorf("openairt: webhook timestamp outside tolerance (%s)", age)
	}

	signed := id + "." + ts + "." + string(body)
	primary := sign(v.decodedSecret, signed)
	manual := sign(v.rawSecret, signed)

	// The header may carry several space-separated "v1,<base64>" entries
	// after a key rotation; any single match passes.
	for _, part := range strings.Fields(sigHeader) {
		val, ok := strings.CutPrefix(part, "v1,")
		if !ok {
			continue
		}
		got, err := base64.StdEncoding.DecodeString(val)
		if err != nil {
			continue
		}
		if hmac.Equal(got, primary) || hmac.Equal(got, manual) {
			return nil
		}
	}
	return ErrSignature
}

func sign(secret []byte, payload string) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}

// webhookEnvelope is the wire shape of a realtime webhook body.
type webhookEnvelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		CallID     string `json:"call_id"`
		SIPHeaders []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"sip_headers"`
	} `json:"data"`
}

// ParseWebhookEvent converts a verified webhook body into its typed variant.
func ParseWebhookEvent(body []byte) (voiceai.WebhookEvent, error) {
	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("openairt: decode webhook body: %w", err)
	}

	switch env.Type {
	case "realtime.call.incoming":
		ev := voiceai.CallIncoming{EventID: env.ID, CallID: env.Data.CallID}
		if ev.CallID == "" {
			return nil, fmt.Errorf("openairt: incoming-call webhook missing call_id")
		}
		for _, h := range env.Data.SIPHeaders {
			ev.SIPHeaders = append(ev.SIPHeaders, voiceai.SIPHeader{Name: h.Name, Value: h.Value})
		}
		return ev, nil

	case "realtime.call.disconnected":
		if env.Data.CallID == "" {
			return nil, fmt.Errorf("openairt: disconnected webhook missing call_id")
		}
		return voiceai.CallDisconnected{EventID: env.ID, CallID: env.Data.CallID}, nil

	default:
		return voiceai.UnknownWebhook{EventID: env.ID, Kind: env.Type}, nil
	}
}
