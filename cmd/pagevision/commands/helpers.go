package commands

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/spherical-ai/pagevision/internal/config"
	"github.com/spherical-ai/pagevision/internal/observability"
	"github.com/spherical-ai/pagevision/internal/ocr"
	"github.com/spherical-ai/pagevision/internal/ocr/gemini"
	"github.com/spherical-ai/pagevision/internal/ocr/openai"
)

// loadConfig reads the config file named by --config or CONFIG_PATH, with a
// .env file applied first so API keys can live next to the binary.
func loadConfig() (*config.Config, error) {
	_ = godotenv.Load()

	path := cfgFile
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	return config.Load(path)
}

// newLogger builds the CLI logger. Commands that own the terminal keep the
// log level at warn so structured output does not fight the progress bar;
// --verbose drops it to debug.
func newLogger(cfg *config.Config, quiet bool) *observability.Logger {
	level := cfg.Observability.LogLevel
	if quiet {
		level = "warn"
	}
	if verbose {
		level = "debug"
	}
	return observability.NewLogger(observability.LogConfig{
		Level:       level,
		Format:      cfg.Observability.LogFormat,
		ServiceName: "pagevision",
	})
}

// buildEngines wires both completion backends from configuration.
func buildEngines(cfg *config.Config, log *observability.Logger) *ocr.Engines {
	return &ocr.Engines{
		OpenAI: openai.NewClient(cfg.API.OpenAI.APIKey, cfg.API.OpenAI.Endpoint, cfg.API.Model, log),
		Gemini: gemini.NewClient(cfg.API.Gemini.APIKey, cfg.API.Model, log),
	}
}

// parsePageRange parses a --pages value. Accepts "N" for a single page or
// "N-M" for an inclusive range; empty selects the whole document.
func parsePageRange(s string) (int, int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, 0, nil
	}

	first, second, found := strings.Cut(s, "-")
	start, err := strconv.Atoi(strings.TrimSpace(first))
	if err != nil || start < 1 {
		return 0, 0, fmt.Errorf("invalid page range %q (use N or N-M)", s)
	}
	if !found {
		return start, start, nil
	}

	end, err := strconv.Atoi(strings.TrimSpace(second))
	if err != nil || end < 1 {
		return 0, 0, fmt.Errorf("invalid page range %q (use N or N-M)", s)
	}
	if end < start {
		return 0, 0, fmt.Errorf("invalid page range %q: end precedes start", s)
	}
	return start, end, nil
}

// formatPageRange renders a stored page range for display.
func formatPageRange(start, end int) string {
	if start == 0 && end == 0 {
		return "all"
	}
	return fmt.Sprintf("%d-%d", start, end)
}
