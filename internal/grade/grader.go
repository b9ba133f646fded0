// Package grade scores finished call transcripts: a quality score for the
// agent's handling, the patient's sentiment, and an outcome tag. Grading is
// post-call enrichment; failures never affect the call record beyond the
// grade fields staying empty.
package grade

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// MinTranscriptLength is the shortest transcript worth grading. Below it
// the call was noise or an instant hangup.
const MinTranscriptLength = 50

// Result is one grading verdict.
type Result struct {
	// QualityScore rates the agent's handling from 0 to 10.
	QualityScore float32 `json:"quality_score"`

	// PatientSentiment is one of "positive", "neutral", "frustrated",
	// "distressed".
	PatientSentiment string `json:"patient_sentiment"`

	// Outcome tags what the call achieved, e.g. "resolved",
	// "ticket_created", "transferred", "incomplete".
	Outcome string `json:"outcome"`
}

// Grader asks a chat model to grade transcripts.
type Grader struct {
	client oai.Client
	model  string
}

// Option configures a [Grader].
type Option func(*[]option.RequestOption)

// WithBaseURL overrides the API endpoint. Used in tests to point at a fake.
func WithBaseURL(url string) Option {
	return func(opts *[]option.RequestOption) {
		*opts = append(*opts, option.WithBaseURL(url))
	}
}

// New creates a Grader using the given API key and model.
func New(apiKey, model string, opts ...Option) (*Grader, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("grade: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("grade: model must not be empty")
	}
	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithRequestTimeout(30 * time.Second),
	}
	for _, o := range opts {
		o(&reqOpts)
	}
	return &Grader{client: oai.NewClient(reqOpts...), model: model}, nil
}

const systemPrompt = `You grade transcripts of after-hours calls answered by a voice agent for a medical practice.
Respond with a single JSON object and nothing else:
{"quality_score": <0-10>, "patient_sentiment": "positive|neutral|frustrated|distressed", "outcome": "resolved|ticket_created|transferred|incomplete"}`

// Grade scores the transcript. Transcripts shorter than
// [MinTranscriptLength] are rejected before any network call.
func (g *Grader) Grade(ctx context.Context, transcript string) (*Result, error) {
	if len(transcript) <= MinTranscriptLength {
		return nil, fmt.Errorf("grade: transcript too short to grade (%d chars)", len(transcript))
	}

	resp, err := g.client.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
		Model: g.model,
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(systemPrompt),
			oai.UserMessage(transcript),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("grade: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("grade: empty choices in response")
	}

	return parseVerdict(resp.Choices[0].Message.Content)
}

// parseVerdict decodes the model's JSON verdict, tolerating a fenced code
// block around it.
func parseVerdict(content string) (*Result, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var r Result
	if err := json.Unmarshal([]byte(content), &r); err != nil {
		return nil, fmt.Errorf("grade: parse verdict %q: %w", content, err)
	}
	if r.QualityScore < 0 || r.QualityScore > 10 {
		return nil, fmt.Errorf("grade: quality score %v out of range", r.QualityScore)
	}
	return &r, nil
}
