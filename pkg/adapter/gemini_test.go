package adapter_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/ragademic/pkg/adapter"
	"github.com/m-mizutani/ragademic/pkg/model"
	"google.golang.org/genai"
)

func newTestGemini(t *testing.T) *adapter.GeminiClient {
	apiKey := os.Getenv("TEST_GEMINI_API_KEY")
	if apiKey == "" {
		t.Skip("TEST_GEMINI_API_KEY is not set")
	}

	client, err := adapter.NewGemini(context.Background(), adapter.WithAPIKey(apiKey))
	gt.NoError(t, err)
	return client
}

func TestGeminiEmbed(t *testing.T) {
	client := newTestGemini(t)

	vec, err := client.Embed(context.Background(), "A deterministic finite automaton is a 5-tuple.")
	gt.NoError(t, err)
	gt.A(t, vec).Length(client.Dimensions())
}

func TestGeminiGenerate(t *testing.T) {
	client := newTestGemini(t)

	resp, err := client.Generate(context.Background(), &adapter.GenerateInput{
		SystemPrompt: "You are a teaching assistant. Answer in one sentence.",
		Context:      []string{"A deterministic finite automaton (DFA) is a 5-tuple (Q, Σ, δ, q0, F)."},
		UserMessage:  "What is a DFA?",
	})
	gt.NoError(t, err)
	gt.True(t, resp != "")
	t.Log("response:", resp)
}

func TestNewGeminiRequiresCredentials(t *testing.T) {
	_, err := adapter.NewGemini(context.Background())
	gt.Error(t, err)
	gt.True(t, errors.Is(err, model.ErrConfig))
}

func TestBuildContents(t *testing.T) {
	contents := adapter.BuildContentsForTest(&adapter.GenerateInput{
		History: []model.Message{
			model.NewUserMessage("hi"),
			model.NewAssistantMessage("hello"),
			model.NewUserMessage("what failed?"),
			model.NewErrorMessage("Gemini LLM is overloaded (503). Please try again later."),
		},
		UserMessage: "What is a DFA?",
	})

	gt.A(t, contents).Length(4)
	gt.V(t, contents[0].Role).Equal("user")
	gt.V(t, contents[1].Role).Equal("model")
	gt.V(t, contents[1].Parts[0].Text).Equal("hello")
	gt.V(t, contents[3].Parts[0].Text).Equal("What is a DFA?")
}

func TestBuildSystemInstruction(t *testing.T) {
	text := adapter.BuildSystemInstructionForTest(&adapter.GenerateInput{
		SystemPrompt: "You are a tutor.",
		Context:      []string{"chunk one", "chunk two"},
	})
	gt.S(t, text).Contains("You are a tutor.")
	gt.S(t, text).Contains("chunk one")
	gt.S(t, text).Contains("chunk two")

	gt.V(t, adapter.BuildSystemInstructionForTest(&adapter.GenerateInput{SystemPrompt: "only"})).Equal("only")
}

func TestClassifyError(t *testing.T) {
	testCases := []struct {
		name      string
		err       error
		transient bool
	}{
		{
			name:      "overloaded",
			err:       genai.APIError{Code: 503, Status: "UNAVAILABLE", Message: "The model is overloaded."},
			transient: true,
		},
		{
			name:      "rate limited",
			err:       genai.APIError{Code: 429, Status: "RESOURCE_EXHAUSTED", Message: "quota"},
			transient: true,
		},
		{
			name:      "bad request",
			err:       genai.APIError{Code: 400, Status: "INVALID_ARGUMENT", Message: "invalid"},
			transient: false,
		},
		{
			name:      "network",
			err:       errors.New("connection reset"),
			transient: false,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := adapter.ClassifyErrorForTest(tc.err, "failed")
			gt.Error(t, err)
			gt.V(t, errors.Is(err, model.ErrTransient)).Equal(tc.transient)
		})
	}
}
