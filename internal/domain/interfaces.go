package domain

import "context"

// PageRenderer defines the interface for rendering PDF pages to image files
type PageRenderer interface {
	// PageCount returns the number of pages in the open document
	PageCount() int

	// RenderPage renders one 1-based page to an image file and returns it
	RenderPage(ctx context.Context, pageNumber int) (PageImage, error)

	// Close releases the document and any resources held by the renderer
	Close() error
}

// CompletionRequest carries one batch of page images and its prompts to a
// vision model.
type CompletionRequest struct {
	Model        string
	SystemPrompt string
	UserPrompt   string
	ImagePaths   []string
}

// OCREngine defines the interface for vision-model completion backends
type OCREngine interface {
	// Name identifies the engine in configuration and logs
	Name() string

	// Complete sends the request and returns the response text, or an
	// *APIError on any non-success result
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}
