package verdict

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/zulandar/signalbox/internal/config"
	"google.golang.org/genai"
)

const systemPrompt = `You review a sales conversation between a prospect ("user") and a company
representative ("agent"). Decide three things about the prospect:
- interested: they asked about the offer, prices or availability;
- qualified: they match the offer and expressed a concrete need or budget;
- scheduled: they booked an appointment, agreed to a visit or paid.
Answer only with JSON of the form
{"interested": bool, "qualified": bool, "scheduled": bool, "reason": "short explanation"}.`

var verdictSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"interested": {Type: genai.TypeBoolean},
		"qualified":  {Type: genai.TypeBoolean},
		"scheduled":  {Type: genai.TypeBoolean},
		"reason":     {Type: genai.TypeString},
	},
	Required: []string{"interested", "qualified", "scheduled"},
}

// generator is the slice of the genai client used here.
type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Gemini classifies transcripts with a Gemini model.
type Gemini struct {
	gen     generator
	model   string
	timeout time.Duration
}

// NewGemini creates a Gemini client from cfg.
func NewGemini(ctx context.Context, cfg config.AIConfig) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("verdict: gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("verdict: create gemini client: %w", err)
	}
	return &Gemini{gen: client.Models, model: cfg.Model, timeout: cfg.Timeout}, nil
}

// Classify asks the model for a verdict on transcript.
func (g *Gemini) Classify(ctx context.Context, transcript Transcript, c Context) (Verdict, error) {
	text := transcript.String()
	if text == "" {
		return Verdict{}, &PermanentError{Err: ErrEmptyTranscript}
	}

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	prompt := fmt.Sprintf("Direction: %s\nCame from an ad: %t\n\nConversation:\n%s", c.Direction, c.AdOrigin, text)
	contents := []*genai.Content{{
		Role:  "user",
		Parts: []*genai.Part{genai.NewPartFromText(prompt)},
	}}
	resp, err := g.gen.GenerateContent(ctx, g.model, contents, &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{Parts: []*genai.Part{genai.NewPartFromText(systemPrompt)}},
		ResponseMIMEType:  "application/json",
		ResponseSchema:    verdictSchema,
	})
	if err != nil {
		return Verdict{}, classifyCallError(err)
	}

	raw := responseText(resp)
	if raw == "" {
		return Verdict{}, &PermanentError{Err: errors.New("empty model response")}
	}
	var v Verdict
	if err := json.Unmarshal([]byte(stripFences(raw)), &v); err != nil {
		return Verdict{}, &PermanentError{Err: fmt.Errorf("decode model response: %w", err)}
	}
	return v, nil
}

// classifyCallError maps a failed API call to a transient or permanent error.
// Client errors other than timeouts and rate limits are permanent.
func classifyCallError(err error) error {
	code := 0
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
		code = apiErr.Code
	case errors.As(err, &apiErrPtr):
		code = apiErrPtr.Code
	}
	if code >= 400 && code < 500 && code != http.StatusRequestTimeout && code != http.StatusTooManyRequests {
		return &PermanentError{Err: err}
	}
	return &TransientError{Err: err}
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if p != nil {
			b.WriteString(p.Text)
		}
	}
	return strings.TrimSpace(b.String())
}

// stripFences removes a ```json fence some models wrap JSON answers in.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
