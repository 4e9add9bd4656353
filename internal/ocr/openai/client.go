package openai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spherical-ai/pagevision/internal/domain"
	"github.com/spherical-ai/pagevision/internal/observability"
)

const (
	defaultModel = "gpt-4-vision-preview"
	maxTokens    = 4096
)

// Client talks to an OpenAI-compatible chat completions endpoint
type Client struct {
	apiKey     string
	endpoint   string
	model      string
	httpClient *http.Client
	log        *observability.Logger
}

// Message represents a chat message
type Message struct {
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

// ContentPart represents a part of message content (text or image)
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL represents an image URL in the message
type ImageURL struct {
	URL string `json:"url"`
}

// Request represents the API request structure
type Request struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens"`
}

// Response represents the API response structure
type Response struct {
	ID      string   `json:"id"`
	Choices []Choice `json:"choices"`
}

// Choice represents a single completion choice
type Choice struct {
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// ChatMessage represents the completion content of a choice
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// NewClient creates a new OpenAI client. The endpoint may be a bare base URL;
// it is completed via NormalizeEndpoint.
func NewClient(apiKey, endpoint, model string, log *observability.Logger) *Client {
	if model == "" {
		model = defaultModel
	}

	return &Client{
		apiKey:   apiKey,
		endpoint: NormalizeEndpoint(endpoint),
		model:    model,
		// Vision completions on large batches can run for minutes, so the
		// overall client timeout stays off and only the wait for response
		// headers is bounded.
		httpClient: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: 120 * time.Second,
			},
		},
		log: log.WithComponent("openai"),
	}
}

// Name identifies the engine in configuration and logs
func (c *Client) Name() string {
	return "openai"
}

// Complete sends one batch of page images with its prompts and returns the
// model's markdown response.
func (c *Client) Complete(ctx context.Context, compReq domain.CompletionRequest) (string, error) {
	req, err := c.buildRequest(compReq)
	if err != nil {
		return "", domain.WrapAPIError(fmt.Errorf("failed to build request: %w", err))
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", domain.WrapAPIError(fmt.Errorf("failed to marshal request: %w", err))
	}

	resp, err := c.retryWithBackoff(ctx, func() (*http.Response, error) {
		// Clone the request body for each retry
		reqBody := bytes.NewReader(body)
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, reqBody)
		if err != nil {
			return nil, err
		}

		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

		return c.httpClient.Do(httpReq)
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return "", domain.NewAPIError(resp.StatusCode, string(bodyBytes))
	}

	var parsed Response
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", domain.WrapAPIError(fmt.Errorf("failed to decode response: %w", err))
	}
	if len(parsed.Choices) == 0 {
		return "", domain.WrapAPIError(fmt.Errorf("response contained no choices"))
	}

	return parsed.Choices[0].Message.Content, nil
}

// buildRequest constructs the API request with the batch images attached as
// base64 data URIs.
func (c *Client) buildRequest(compReq domain.CompletionRequest) (*Request, error) {
	model := compReq.Model
	if model == "" {
		model = c.model
	}

	userParts := make([]ContentPart, 0, len(compReq.ImagePaths)+1)
	userParts = append(userParts, ContentPart{
		Type: "text",
		Text: compReq.UserPrompt,
	})

	for _, path := range compReq.ImagePaths {
		imageData, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read image %s: %w", path, err)
		}

		base64Image := base64.StdEncoding.EncodeToString(imageData)
		userParts = append(userParts, ContentPart{
			Type: "image_url",
			ImageURL: &ImageURL{
				URL: "data:image/png;base64," + base64Image,
			},
		})
	}

	return &Request{
		Model: model,
		Messages: []Message{
			{
				Role: "system",
				Content: []ContentPart{
					{Type: "text", Text: compReq.SystemPrompt},
				},
			},
			{
				Role:    "user",
				Content: userParts,
			},
		},
		MaxTokens: maxTokens,
	}, nil
}
