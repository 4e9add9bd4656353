// Package store persists pipeline outputs: per-page markdown files and the
// run ledger.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/spherical-ai/pagevision/internal/domain"
)

// PageStore writes per-page markdown results as individual files named
// page_%04d.md. Saves may come from concurrent workers.
type PageStore struct {
	mu  sync.Mutex
	dir string
}

// NewPageStore creates the markdown directory and returns a store over it.
func NewPageStore(dir string) (*PageStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, domain.IOError("Failed to create markdown directory", err)
	}
	return &PageStore{dir: dir}, nil
}

// Dir returns the directory the store writes to
func (s *PageStore) Dir() string {
	return s.dir
}

// Save writes the text for a page, replacing any previous entry
func (s *PageStore) Save(pageNumber int, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, fmt.Sprintf("page_%04d.md", pageNumber))
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return domain.IOError(fmt.Sprintf("Failed to write page %d", pageNumber), err)
	}
	return nil
}

// List returns all stored pages sorted by page number. Files whose names
// don't carry a parsable page number are ignored.
func (s *PageStore) List() ([]domain.PageResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, domain.IOError("Failed to list markdown directory", err)
	}

	results := make([]domain.PageResult, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		num, ok := pageNumberFromName(entry.Name())
		if !ok {
			continue
		}

		content, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			return nil, domain.IOError(fmt.Sprintf("Failed to read %s", entry.Name()), err)
		}
		results = append(results, domain.PageResult{
			PageNumber: num,
			Text:       string(content),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].PageNumber < results[j].PageNumber
	})
	return results, nil
}

// pageNumberFromName parses the page number from names like page_0012.md
func pageNumberFromName(name string) (int, bool) {
	parts := strings.Split(name, "_")
	if len(parts) < 2 {
		return 0, false
	}
	numPart := strings.Split(parts[1], ".")[0]
	n, err := strconv.Atoi(numPart)
	if err != nil {
		return 0, false
	}
	return n, true
}
