package voiceai

import "strings"

// WebhookEvent is a typed realtime webhook notification. One variant exists
// per event kind the orchestrator consumes; unrecognised kinds surface as
// [UnknownWebhook] so handlers can acknowledge and ignore them.
type WebhookEvent interface {
	webhookKind() string
}

// CallIncoming announces a SIP invite awaiting accept. The correlation
// headers stamped onto the invite by the dialing side come back in
// SIPHeaders.
type CallIncoming struct {
	EventID    string
	CallID     string
	SIPHeaders []SIPHeader
}

// CallDisconnected announces that the realtime side of a call ended.
type CallDisconnected struct {
	EventID string
	CallID  string
}

// UnknownWebhook carries an event kind this orchestrator has no handler for.
type UnknownWebhook struct {
	EventID string
	Kind    string
}

func (CallIncoming) webhookKind() string     { return "realtime.call.incoming" }
func (CallDisconnected) webhookKind() string { return "realtime.call.disconnected" }
func (e UnknownWebhook) webhookKind() string { return e.Kind }

// SIPHeader is one header from the SIP invite.
type SIPHeader struct {
	Name  string
	Value string
}

// Header returns the first SIP header with the given name, matched
// case-insensitively. SIP proxies are allowed to change header casing in
// transit.
func (e CallIncoming) Header(name string) string {
	for _, h := range e.SIPHeaders {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}
