// Package split maps a multi-page model response back to per-page segments.
package split

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/spherical-ai/pagevision/internal/domain"
)

// Page-header markers emitted by the model, per prompt language. The
// captured number is the authoritative page identifier.
var (
	englishHeader = regexp.MustCompile(`(?i)#+\s*Page\s+(\d+)`)
	chineseHeader = regexp.MustCompile(`(?i)#+\s*第\s*(\d+)\s*页`)
)

// Split maps one response covering the ordered pages pageNums back to
// per-page text segments keyed by page number.
//
// For a single page the whole response is that page's segment. For multiple
// pages the response is scanned for page-header markers; each match starts a
// segment running to the next match (or end of text), keyed by the parsed
// page number. Duplicate headers for the same number overwrite: the last
// match wins. When no headers are found the response is divided into
// equal line blocks assigned to pageNums in order, and a synthesized header
// is prepended to any block not already starting with one.
//
// The returned flag reports whether the line-block fallback was used, so
// callers can log it as a warning.
func Split(response string, pageNums []int, lang domain.Language) (map[int]string, bool) {
	results := make(map[int]string, len(pageNums))

	if len(pageNums) == 0 {
		return results, false
	}

	if len(pageNums) == 1 {
		results[pageNums[0]] = response
		return results, false
	}

	pattern := englishHeader
	if lang == domain.LanguageChinese {
		pattern = chineseHeader
	}

	matches := pattern.FindAllStringSubmatchIndex(response, -1)
	if len(matches) == 0 {
		splitEvenly(response, pageNums, lang, results)
		return results, true
	}

	for i, m := range matches {
		end := len(response)
		if i < len(matches)-1 {
			end = matches[i+1][0]
		}

		pageNum, err := strconv.Atoi(response[m[2]:m[3]])
		if err != nil {
			continue
		}

		// Segment includes its own header. Later matches for the same
		// page number replace earlier ones.
		results[pageNum] = response[m[0]:end]
	}

	return results, false
}

// splitEvenly divides the response into len(pageNums) contiguous line
// blocks of totalLines/n lines each, with remainder lines going to the last
// block, and assigns blocks to pageNums in order.
func splitEvenly(response string, pageNums []int, lang domain.Language, results map[int]string) {
	lines := strings.Split(response, "\n")
	linesPerPage := len(lines) / len(pageNums)

	for i, pageNum := range pageNums {
		startLine := i * linesPerPage
		endLine := len(lines)
		if i < len(pageNums)-1 {
			endLine = (i + 1) * linesPerPage
		}

		content := strings.Join(lines[startLine:endLine], "\n")
		if !strings.HasPrefix(strings.TrimSpace(content), "#") {
			content = SynthesizedHeader(pageNum, lang) + content
		}

		results[pageNum] = content
	}
}

// SynthesizedHeader returns the page header prepended to fallback blocks
// that lack one.
func SynthesizedHeader(pageNum int, lang domain.Language) string {
	if lang == domain.LanguageChinese {
		return fmt.Sprintf("# 第 %d 页\n\n", pageNum)
	}
	return fmt.Sprintf("# Page %d\n\n", pageNum)
}
