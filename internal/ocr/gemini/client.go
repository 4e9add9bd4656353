package gemini

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/spherical-ai/pagevision/internal/domain"
	"github.com/spherical-ai/pagevision/internal/observability"
)

const (
	defaultModel    = "gemini-1.5-flash"
	maxOutputTokens = 4096
)

// Client sends batch completions to the Gemini API
type Client struct {
	apiKey string
	model  string
	log    *observability.Logger
}

// NewClient creates a new Gemini client
func NewClient(apiKey, model string, log *observability.Logger) *Client {
	if model == "" {
		model = defaultModel
	}

	return &Client{
		apiKey: strings.TrimSpace(apiKey),
		model:  strings.TrimSpace(model),
		log:    log.WithComponent("gemini"),
	}
}

// Name identifies the engine in configuration and logs
func (c *Client) Name() string {
	return "gemini"
}

// Complete sends one batch of page images with its prompts and returns the
// model's markdown response.
func (c *Client) Complete(ctx context.Context, compReq domain.CompletionRequest) (string, error) {
	if c.apiKey == "" {
		return "", domain.WrapAPIError(errors.New("GEMINI_API_KEY is empty"))
	}

	cl, err := genai.NewClient(ctx, option.WithAPIKey(c.apiKey))
	if err != nil {
		return "", domain.WrapAPIError(err)
	}
	defer cl.Close()

	model := compReq.Model
	if model == "" {
		model = c.model
	}

	m := cl.GenerativeModel(model)
	if m == nil {
		return "", domain.WrapAPIError(fmt.Errorf("gemini: model is nil"))
	}
	m.GenerationConfig = genai.GenerationConfig{
		MaxOutputTokens: ptrInt32(maxOutputTokens),
	}
	m.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(compReq.SystemPrompt)},
	}

	parts := make([]genai.Part, 0, len(compReq.ImagePaths)+1)
	parts = append(parts, genai.Text(compReq.UserPrompt))
	for _, path := range compReq.ImagePaths {
		imgBytes, err := os.ReadFile(path)
		if err != nil {
			return "", domain.WrapAPIError(fmt.Errorf("failed to read image %s: %w", path, err))
		}
		parts = append(parts, &genai.Blob{MIMEType: "image/png", Data: imgBytes})
	}

	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		resp, err := m.GenerateContent(ctx, parts...)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			c.log.Warn().
				Int("attempt", attempt).
				Err(err).
				Msg("Gemini request failed, retrying")
			time.Sleep(time.Duration(attempt) * 300 * time.Millisecond)
			continue
		}

		txt := firstText(resp)
		if txt == "" {
			return "", domain.WrapAPIError(fmt.Errorf("gemini: empty response"))
		}
		return txt, nil
	}

	return "", domain.WrapAPIError(lastErr)
}

func firstText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	for _, c := range resp.Candidates {
		if c.Content == nil {
			continue
		}
		for _, p := range c.Content.Parts {
			if t, ok := p.(genai.Text); ok {
				return string(t)
			}
		}
	}
	return ""
}

func ptrInt32(v int32) *int32 { return &v }
