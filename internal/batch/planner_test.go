package batch

import (
	"testing"

	"github.com/spherical-ai/pagevision/internal/domain"
)

func makePages(n int) []domain.PageImage {
	pages := make([]domain.PageImage, n)
	for i := range pages {
		pages[i] = domain.PageImage{PageNumber: i + 1}
	}
	return pages
}

func TestPlan(t *testing.T) {
	tests := []struct {
		name      string
		pages     int
		size      int
		wantCount int
		wantLast  int // size of the last batch
	}{
		{name: "single page single batch", pages: 1, size: 1, wantCount: 1, wantLast: 1},
		{name: "exact multiple", pages: 6, size: 2, wantCount: 3, wantLast: 2},
		{name: "remainder in last batch", pages: 7, size: 3, wantCount: 3, wantLast: 1},
		{name: "batch larger than input", pages: 2, size: 4, wantCount: 1, wantLast: 2},
		{name: "size one", pages: 5, size: 1, wantCount: 5, wantLast: 1},
		{name: "size clamped to one", pages: 3, size: 0, wantCount: 3, wantLast: 1},
		{name: "empty input", pages: 0, size: 3, wantCount: 0, wantLast: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			batches := Plan(makePages(tt.pages), tt.size)

			if len(batches) != tt.wantCount {
				t.Fatalf("got %d batches, want %d", len(batches), tt.wantCount)
			}

			if tt.wantCount == 0 {
				return
			}

			if got := len(batches[len(batches)-1].Pages); got != tt.wantLast {
				t.Errorf("last batch has %d pages, want %d", got, tt.wantLast)
			}
		})
	}
}

func TestPlanPartitionsContiguously(t *testing.T) {
	for _, size := range []int{1, 2, 3, 4} {
		for _, total := range []int{1, 2, 5, 8, 13} {
			batches := Plan(makePages(total), size)

			next := 1
			for bi, b := range batches {
				if len(b.Pages) == 0 {
					t.Fatalf("size=%d total=%d: batch %d is empty", size, total, bi)
				}
				if len(b.Pages) > size {
					t.Fatalf("size=%d total=%d: batch %d has %d pages", size, total, bi, len(b.Pages))
				}
				for _, p := range b.Pages {
					if p.PageNumber != next {
						t.Fatalf("size=%d total=%d: expected page %d, got %d", size, total, next, p.PageNumber)
					}
					next++
				}
			}

			if next != total+1 {
				t.Fatalf("size=%d total=%d: covered up to page %d", size, total, next-1)
			}
		}
	}
}

func TestBatchHelpers(t *testing.T) {
	b := domain.Batch{Pages: makePages(3)}

	if got := b.First(); got != 1 {
		t.Errorf("First() = %d, want 1", got)
	}
	if got := b.Last(); got != 3 {
		t.Errorf("Last() = %d, want 3", got)
	}

	nums := b.PageNumbers()
	if len(nums) != 3 || nums[0] != 1 || nums[2] != 3 {
		t.Errorf("PageNumbers() = %v, want [1 2 3]", nums)
	}
}
