// Package export renders consolidated markdown into a standalone HTML page.
package export

import (
	"bytes"
	"fmt"
	"html"
	"os"
	"path/filepath"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/spherical-ai/pagevision/internal/domain"
)

const pageCSS = `body { font-family: -apple-system, "Segoe UI", Helvetica, Arial, sans-serif; max-width: 48rem; margin: 2rem auto; padding: 0 1rem; line-height: 1.6; color: #24292f; }
table { border-collapse: collapse; margin: 1rem 0; }
th, td { border: 1px solid #d0d7de; padding: 0.4rem 0.8rem; }
th { background: #f6f8fa; }
hr { border: none; border-top: 1px solid #d0d7de; margin: 2rem 0; }
img { max-width: 100%; }
code { background: #f6f8fa; padding: 0.1rem 0.3rem; border-radius: 3px; }
`

// HTML converts a markdown file into a standalone HTML document written next
// to it, and returns the new path. GitHub-flavored tables survive the
// conversion, which matters for pages that are mostly tabular data.
func HTML(markdownPath string) (string, error) {
	src, err := os.ReadFile(markdownPath)
	if err != nil {
		return "", domain.IOError("Failed to read markdown file", err)
	}

	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	var body bytes.Buffer
	if err := md.Convert(src, &body); err != nil {
		return "", fmt.Errorf("convert markdown: %w", err)
	}

	title := strings.TrimSuffix(filepath.Base(markdownPath), filepath.Ext(markdownPath))
	outputPath := strings.TrimSuffix(markdownPath, filepath.Ext(markdownPath)) + ".html"

	var page bytes.Buffer
	page.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n")
	fmt.Fprintf(&page, "<title>%s</title>\n", html.EscapeString(title))
	page.WriteString("<style>\n" + pageCSS + "</style>\n</head>\n<body>\n")
	page.Write(body.Bytes())
	page.WriteString("</body>\n</html>\n")

	if err := os.WriteFile(outputPath, page.Bytes(), 0o644); err != nil {
		return "", domain.IOError("Failed to write HTML file", err)
	}
	return outputPath, nil
}
