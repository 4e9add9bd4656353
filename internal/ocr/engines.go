// Package ocr routes batches of page images to vision-model backends.
package ocr

import (
	"fmt"

	"github.com/spherical-ai/pagevision/internal/domain"
)

// Engines is the registry of configured completion backends.
type Engines struct {
	OpenAI domain.OCREngine
	Gemini domain.OCREngine
}

// Get resolves an engine by name.
func (e *Engines) Get(name string) (domain.OCREngine, error) {
	switch name {
	case "openai", "gpt":
		if e.OpenAI == nil {
			return nil, fmt.Errorf("openai engine not configured")
		}
		return e.OpenAI, nil
	case "gemini":
		if e.Gemini == nil {
			return nil, fmt.Errorf("gemini engine not configured")
		}
		return e.Gemini, nil
	default:
		return nil, fmt.Errorf("unknown engine %q; use openai or gemini", name)
	}
}
