package verdict

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zulandar/signalbox/internal/config"
	"github.com/zulandar/signalbox/internal/funnel"
	"google.golang.org/genai"
)

type fakeGenerator struct {
	text     string
	err      error
	calls    int
	model    string
	prompt   string
	mimeType string
}

func (f *fakeGenerator) GenerateContent(_ context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.calls++
	f.model = model
	if len(contents) > 0 && len(contents[0].Parts) > 0 {
		f.prompt = contents[0].Parts[0].Text
	}
	if cfg != nil {
		f.mimeType = cfg.ResponseMIMEType
	}
	if f.err != nil {
		return nil, f.err
	}
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{{Text: f.text}}},
		}},
	}, nil
}

func sampleTranscript() Transcript {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return Transcript{
		{Role: "user", Text: "Hi, how much are implants?", At: at},
		{Role: "agent", Text: "From 500. Would you like a consultation?", At: at.Add(time.Minute)},
		{Role: "user", Text: "Yes, Tuesday at 10 works.", At: at.Add(2 * time.Minute)},
	}
}

func TestTranscript_String(t *testing.T) {
	tr := Transcript{{Role: "user", Text: " hi "}, {Role: "agent", Text: "  "}, {Role: "agent", Text: "hello"}}
	assert.Equal(t, "user: hi\nagent: hello\n", tr.String())
}

func TestVerdict_Reached(t *testing.T) {
	v := Verdict{Interested: true, Scheduled: true}
	assert.True(t, v.Reached(funnel.LevelInterest))
	assert.False(t, v.Reached(funnel.LevelQualified))
	assert.True(t, v.Reached(funnel.LevelScheduled))
	assert.False(t, v.Reached(funnel.Level(0)))
}

func TestGemini_Classify(t *testing.T) {
	gen := &fakeGenerator{text: `{"interested":true,"qualified":true,"scheduled":true,"reason":"booked"}`}
	g := &Gemini{gen: gen, model: "gemini-2.5-flash", timeout: time.Second}

	v, err := g.Classify(context.Background(), sampleTranscript(), Context{Direction: "dental", AdOrigin: true})
	require.NoError(t, err)
	assert.Equal(t, Verdict{Interested: true, Qualified: true, Scheduled: true, Reason: "booked"}, v)
	assert.Equal(t, "gemini-2.5-flash", gen.model)
	assert.Equal(t, "application/json", gen.mimeType)
	assert.Contains(t, gen.prompt, "Direction: dental")
	assert.Contains(t, gen.prompt, "user: Yes, Tuesday at 10 works.")
}

func TestGemini_Classify_FencedJSON(t *testing.T) {
	gen := &fakeGenerator{text: "```json\n{\"interested\":true,\"qualified\":false,\"scheduled\":false}\n```"}
	g := &Gemini{gen: gen}

	v, err := g.Classify(context.Background(), sampleTranscript(), Context{})
	require.NoError(t, err)
	assert.True(t, v.Interested)
	assert.False(t, v.Qualified)
}

func TestGemini_Classify_EmptyTranscriptIsPermanent(t *testing.T) {
	gen := &fakeGenerator{}
	g := &Gemini{gen: gen}

	_, err := g.Classify(context.Background(), Transcript{{Role: "user", Text: "  "}}, Context{})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, ErrEmptyTranscript)
	assert.Zero(t, gen.calls, "model must not be called for an empty transcript")
}

func TestGemini_Classify_MalformedResponseIsPermanent(t *testing.T) {
	g := &Gemini{gen: &fakeGenerator{text: "I think they are interested"}}
	_, err := g.Classify(context.Background(), sampleTranscript(), Context{})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))

	g = &Gemini{gen: &fakeGenerator{text: ""}}
	_, err = g.Classify(context.Background(), sampleTranscript(), Context{})
	assert.True(t, IsPermanent(err))
}

func TestGemini_Classify_CallErrors(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		permanent bool
	}{
		{"network", errors.New("dial tcp: connection refused"), false},
		{"deadline", context.DeadlineExceeded, false},
		{"server error", genai.APIError{Code: http.StatusServiceUnavailable, Message: "overloaded"}, false},
		{"rate limited", genai.APIError{Code: http.StatusTooManyRequests}, false},
		{"bad request", genai.APIError{Code: http.StatusBadRequest, Message: "invalid argument"}, true},
		{"wrapped forbidden", fmt.Errorf("call: %w", &genai.APIError{Code: http.StatusForbidden}), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := &Gemini{gen: &fakeGenerator{err: tt.err}}
			_, err := g.Classify(context.Background(), sampleTranscript(), Context{})
			require.Error(t, err)
			assert.Equal(t, tt.permanent, IsPermanent(err))
			if !tt.permanent {
				var te *TransientError
				assert.ErrorAs(t, err, &te)
			}
			assert.True(t, strings.HasPrefix(err.Error(), "verdict: "))
		})
	}
}

func TestNewGemini_RequiresKey(t *testing.T) {
	_, err := NewGemini(context.Background(), config.AIConfig{Provider: "gemini"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api key is required")
}
