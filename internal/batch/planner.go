// Package batch partitions rendered pages into dispatch groups.
package batch

import (
	"github.com/spherical-ai/pagevision/internal/domain"
)

// Plan partitions an ordered page sequence into contiguous batches of at
// most size pages. The batches cover every page exactly once, preserve page
// order, and only the last batch may be short. A size below 1 is treated
// as 1.
func Plan(pages []domain.PageImage, size int) []domain.Batch {
	if size < 1 {
		size = 1
	}

	batches := make([]domain.Batch, 0, (len(pages)+size-1)/size)
	for start := 0; start < len(pages); start += size {
		end := start + size
		if end > len(pages) {
			end = len(pages)
		}
		batches = append(batches, domain.Batch{Pages: pages[start:end]})
	}

	return batches
}
