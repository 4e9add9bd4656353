package gemini

import (
	"context"
	"errors"
	"testing"

	"github.com/google/generative-ai-go/genai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical-ai/pagevision/internal/domain"
	"github.com/spherical-ai/pagevision/internal/observability"
)

func TestCompleteRequiresAPIKey(t *testing.T) {
	client := NewClient("", "", observability.Nop())

	_, err := client.Complete(context.Background(), domain.CompletionRequest{
		UserPrompt: "p",
	})
	require.Error(t, err)

	var apiErr *domain.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Contains(t, err.Error(), "GEMINI_API_KEY")
}

func TestNewClientDefaults(t *testing.T) {
	client := NewClient("  key  ", "", observability.Nop())

	assert.Equal(t, "gemini", client.Name())
	assert.Equal(t, "key", client.apiKey)
	assert.Equal(t, defaultModel, client.model)
}

func TestFirstText(t *testing.T) {
	assert.Equal(t, "", firstText(nil))
	assert.Equal(t, "", firstText(&genai.GenerateContentResponse{}))

	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{
			{Content: nil},
			{Content: &genai.Content{Parts: []genai.Part{genai.Text("# Page 1")}}},
		},
	}
	assert.Equal(t, "# Page 1", firstText(resp))
}
