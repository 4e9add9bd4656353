package domain

import (
	"fmt"
	"strings"
	"time"
)

// Mode selects what the model is asked to do with each page.
type Mode string

const (
	ModeExtract   Mode = "extract"
	ModeSummarize Mode = "summarize"
)

// ParseMode converts a user-supplied string into a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "extract", "extraction", "ocr":
		return ModeExtract, nil
	case "summarize", "summary":
		return ModeSummarize, nil
	default:
		return "", fmt.Errorf("unknown mode %q (use extract or summarize)", s)
	}
}

// Language selects the prompt language and the page-header pattern used to
// split multi-page responses.
type Language string

const (
	LanguageEnglish Language = "english"
	LanguageChinese Language = "chinese"
)

// ParseLanguage converts a user-supplied string into a Language.
func ParseLanguage(s string) (Language, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "english", "en":
		return LanguageEnglish, nil
	case "chinese", "zh", "中文":
		return LanguageChinese, nil
	default:
		return "", fmt.Errorf("unknown language %q (use english or chinese)", s)
	}
}

// Job describes one processing run. A Job is owned by the orchestrator for
// the lifetime of the run.
type Job struct {
	SourcePath string
	OutputDir  string

	// StartPage and EndPage are 1-based inclusive. Zero values mean the
	// whole document; out-of-range values are clamped against the page
	// count once the source is opened.
	StartPage int
	EndPage   int

	Mode     Mode
	Language Language

	// BatchSize is the number of pages sent per API call.
	BatchSize int
	// Concurrency is the number of batch workers running in parallel.
	Concurrency int
	// MinCallInterval is the minimum spacing between consecutive API
	// dispatches across all workers. Zero disables spacing.
	MinCallInterval time.Duration

	Engine string
	Model  string
}

// PageImage is a single rendered PDF page.
type PageImage struct {
	PageNumber int    `json:"page_number"`
	Path       string `json:"path"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
}

// Batch is an ordered, contiguous group of pages sent together in one API
// call. Page order inside a batch is significant: response splitting relies
// on it.
type Batch struct {
	Pages []PageImage
}

// PageNumbers returns the page numbers of the batch in order.
func (b Batch) PageNumbers() []int {
	nums := make([]int, len(b.Pages))
	for i, p := range b.Pages {
		nums[i] = p.PageNumber
	}
	return nums
}

// First returns the lowest page number in the batch.
func (b Batch) First() int {
	if len(b.Pages) == 0 {
		return 0
	}
	return b.Pages[0].PageNumber
}

// Last returns the highest page number in the batch.
func (b Batch) Last() int {
	if len(b.Pages) == 0 {
		return 0
	}
	return b.Pages[len(b.Pages)-1].PageNumber
}

// PageResult is the text produced for a single page.
type PageResult struct {
	PageNumber int    `json:"page_number"`
	Text       string `json:"text"`
}

// RunStatus is the lifecycle state of a processing run.
type RunStatus string

const (
	StatusIdle          RunStatus = "idle"
	StatusRendering     RunStatus = "rendering"
	StatusDispatching   RunStatus = "dispatching"
	StatusConsolidating RunStatus = "consolidating"
	StatusCompleted     RunStatus = "completed"
	StatusCancelled     RunStatus = "cancelled"
	StatusFailed        RunStatus = "failed"
)

// Terminal reports whether the status is a final state.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// EventType represents the type of stream event.
type EventType string

const (
	// EventStatus carries a human-readable phase description.
	EventStatus EventType = "status"
	// EventProgress carries an integer percentage in [0,100],
	// monotonically non-decreasing within a run.
	EventProgress EventType = "progress"
	// EventLog carries a free-text log line.
	EventLog EventType = "log"
	// EventPageRendered fires after each page image is written.
	EventPageRendered EventType = "page_rendered"
	// EventBatchComplete fires after a batch finishes, successfully or not.
	EventBatchComplete EventType = "batch_complete"
	// EventComplete is the single terminal event of a run.
	EventComplete EventType = "complete"
)

// StreamEvent is an event emitted during processing. The core emits events
// without assuming a consumer is listening; slow consumers may miss events.
type StreamEvent struct {
	Type       EventType `json:"type"`
	Status     RunStatus `json:"status,omitempty"`
	Progress   int       `json:"progress,omitempty"`
	PageNumber int       `json:"page_number,omitempty"`
	Message    string    `json:"message,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// RunResult summarizes a finished run.
type RunResult struct {
	Status           RunStatus     `json:"status"`
	ConsolidatedPath string        `json:"consolidated_path,omitempty"`
	PagesRendered    int           `json:"pages_rendered"`
	PagesTotal       int           `json:"pages_total"`
	BatchesTotal     int           `json:"batches_total"`
	BatchesFailed    int           `json:"batches_failed"`
	Duration         time.Duration `json:"duration"`
}

// ClampPageRange resolves a requested 1-based inclusive page range against
// the document's page count. Zero start or end select the document bounds.
// The clamped start never exceeds totalPages and the clamped end never
// precedes the clamped start.
func ClampPageRange(start, end, totalPages int) (int, int) {
	if start == 0 {
		start = 1
	}
	if end == 0 {
		end = totalPages
	}
	start = max(1, min(start, totalPages))
	end = max(start, min(end, totalPages))
	return start, end
}

// SourceName derives a document title from a source path: the base name up
// to the first dot.
func SourceName(path string) string {
	base := path
	if i := strings.LastIndexAny(base, `/\`); i >= 0 {
		base = base[i+1:]
	}
	if i := strings.IndexByte(base, '.'); i >= 0 {
		base = base[:i]
	}
	return base
}
