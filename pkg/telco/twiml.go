package telco

import (
	"encoding/xml"
	"fmt"
)

// Response is a minimal TwiML document. Verb order follows field order:
// an optional spoken line, then either a dial or a hangup.
type Response struct {
	XMLName xml.Name `xml:"Response"`
	Say     *Say     `xml:"Say,omitempty"`
	Dial    *Dial    `xml:"Dial,omitempty"`
	Hangup  *Hangup  `xml:"Hangup,omitempty"`
}

// Say speaks text to the connected party.
type Say struct {
	Voice string `xml:"voice,attr,omitempty"`
	Text  string `xml:",chardata"`
}

// Dial connects the current leg to a conference or a dialed number.
type Dial struct {
	CallerID   string      `xml:"callerId,attr,omitempty"`
	Conference *Conference `xml:"Conference,omitempty"`
	Number     *Number     `xml:"Number,omitempty"`
}

// Conference drops the leg into a named mixer. The caller leg both starts
// the mixer and tears it down, so an abandoned caller cannot strand the
// agent leg in an empty room.
type Conference struct {
	ParticipantLabel        string `xml:"participantLabel,attr,omitempty"`
	StartConferenceOnEnter  string `xml:"startConferenceOnEnter,attr,omitempty"`
	EndConferenceOnExit     string `xml:"endConferenceOnExit,attr,omitempty"`
	Beep                    string `xml:"beep,attr,omitempty"`
	StatusCallback          string `xml:"statusCallback,attr,omitempty"`
	StatusCallbackEvent     string `xml:"statusCallbackEvent,attr,omitempty"`
	Record                  string `xml:"record,attr,omitempty"`
	RecordingStatusCallback string `xml:"recordingStatusCallback,attr,omitempty"`
	Name                    string `xml:",chardata"`
}

// Number dials a PSTN number.
type Number struct {
	Text string `xml:",chardata"`
}

// Hangup ends the leg.
type Hangup struct{}

// Render serializes the document with the XML declaration the carrier expects.
func (r Response) Render() (string, error) {
	body, err := xml.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("telco: render twiml: %w", err)
	}
	return xml.Header + string(body), nil
}

// AnswerParams configures the document returned to a fresh incoming call.
type AnswerParams struct {
	HoldPhrase           string // spoken before the caller enters the mixer
	Voice                string
	ConferenceName       string
	EventsCallbackURL    string
	RecordingCallbackURL string
}

// AnswerDocument parks the caller in the named mixer with full lifecycle
// callbacks and recording from the first second.
func AnswerDocument(p AnswerParams) Response {
	resp := Response{
		Dial: &Dial{
			Conference: &Conference{
				ParticipantLabel:        LabelCaller,
				StartConferenceOnEnter:  "true",
				EndConferenceOnExit:     "true",
				Beep:                    "false",
				StatusCallback:          p.EventsCallbackURL,
				StatusCallbackEvent:     "start end join leave",
				Record:                  "record-from-start",
				RecordingStatusCallback: p.RecordingCallbackURL,
				Name:                    p.ConferenceName,
			},
		},
	}
	if p.HoldPhrase != "" {
		resp.Say = &Say{Voice: p.Voice, Text: p.HoldPhrase}
	}
	return resp
}

// FallbackParams configures the human-fallback document played when the
// agent leg cannot be attached or the watchdog gives up.
type FallbackParams struct {
	Apology     string
	Voice       string
	HumanNumber string
	CallerID    string
}

// HumanFallbackDocument apologises and dials the on-call human directly.
func HumanFallbackDocument(p FallbackParams) Response {
	resp := Response{
		Dial: &Dial{
			CallerID: p.CallerID,
			Number:   &Number{Text: p.HumanNumber},
		},
	}
	if p.Apology != "" {
		resp.Say = &Say{Voice: p.Voice, Text: p.Apology}
	}
	return resp
}

// HangupDocument optionally speaks a goodbye and ends the leg.
func HangupDocument(goodbye, voice string) Response {
	resp := Response{Hangup: &Hangup{}}
	if goodbye != "" {
		resp.Say = &Say{Voice: voice, Text: goodbye}
	}
	return resp
}
