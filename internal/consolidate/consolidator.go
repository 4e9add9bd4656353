// Package consolidate merges per-page markdown results into a single
// document with a generated header.
package consolidate

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spherical-ai/pagevision/internal/domain"
	"github.com/spherical-ai/pagevision/internal/observability"
)

// Options describes one consolidation.
type Options struct {
	// SourceName is the PDF base name up to the first dot. It names both the
	// document title and the output file.
	SourceName string
	OutputDir  string
	Mode       domain.Mode
	Language   domain.Language
	StartPage  int
	EndPage    int
}

// Consolidator combines page results into {SourceName}_consolidated.md.
type Consolidator struct {
	log *observability.Logger
}

// New creates a consolidator.
func New(log *observability.Logger) *Consolidator {
	return &Consolidator{log: log.WithComponent("consolidate")}
}

// Consolidate writes the consolidated markdown file and returns its path.
// Pages missing from the requested range are skipped with a warning; every
// present page is written in page order followed by a separator.
func (c *Consolidator) Consolidate(pages []domain.PageResult, opts Options) (string, error) {
	sorted := make([]domain.PageResult, len(pages))
	copy(sorted, pages)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].PageNumber < sorted[j].PageNumber
	})

	present := make(map[int]bool, len(sorted))
	for _, p := range sorted {
		present[p.PageNumber] = true
	}
	var missing []int
	for n := opts.StartPage; n <= opts.EndPage; n++ {
		if !present[n] {
			missing = append(missing, n)
		}
	}
	if len(missing) > 0 {
		c.log.Warn().
			Ints("pages", missing).
			Msg("No results for some pages, skipping them in the consolidated file")
	}

	var sb strings.Builder
	sb.WriteString("# " + opts.SourceName + "\n\n")

	timestamp := time.Now().Format("2006-01-02 15:04:05")
	if opts.Language == domain.LanguageChinese {
		desc := "文本提取"
		if opts.Mode == domain.ModeSummarize {
			desc = "摘要"
		}
		fmt.Fprintf(&sb, "从第 %d 页到第 %d 页的%s整合\n\n", opts.StartPage, opts.EndPage, desc)
		fmt.Fprintf(&sb, "生成于 %s\n\n---\n\n", timestamp)
	} else {
		desc := "text extraction"
		if opts.Mode == domain.ModeSummarize {
			desc = "summary"
		}
		fmt.Fprintf(&sb, "Consolidated %s from %d to %d\n\n", desc, opts.StartPage, opts.EndPage)
		fmt.Fprintf(&sb, "Generated on %s\n\n---\n\n", timestamp)
	}

	for _, p := range sorted {
		sb.WriteString(p.Text)
		sb.WriteString("\n\n---\n\n")
	}

	outputPath := filepath.Join(opts.OutputDir, opts.SourceName+"_consolidated.md")
	if err := os.WriteFile(outputPath, []byte(sb.String()), 0o644); err != nil {
		return "", domain.IOError("Failed to write consolidated file", err)
	}

	return outputPath, nil
}
