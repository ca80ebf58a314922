// Package chunker partitions a document into page-range chunks sized for
// the OCR provider, and splits oversized chunk text to fit the extraction
// token budget.
package chunker

import (
	"fmt"

	"github.com/manualminer/manualminer/internal/manual"
)

// InvalidConfigError reports a chunking parameter that makes partitioning
// impossible.
type InvalidConfigError struct {
	Field string
	Value int
}

func (e *InvalidConfigError) Error() string {
	return fmt.Sprintf("invalid chunking config: %s = %d", e.Field, e.Value)
}

// Split partitions pages 1..pageCount into ordered, contiguous,
// non-overlapping ranges of at most maxPagesPerChunk pages. Every range
// except possibly the last spans exactly maxPagesPerChunk.
func Split(pageCount, maxPagesPerChunk int) ([]manual.PageRange, error) {
	if maxPagesPerChunk <= 0 {
		return nil, &InvalidConfigError{Field: "max_pages_per_chunk", Value: maxPagesPerChunk}
	}
	if pageCount <= 0 {
		return nil, &InvalidConfigError{Field: "page_count", Value: pageCount}
	}

	ranges := make([]manual.PageRange, 0, (pageCount+maxPagesPerChunk-1)/maxPagesPerChunk)
	for first := 1; first <= pageCount; first += maxPagesPerChunk {
		last := first + maxPagesPerChunk - 1
		if last > pageCount {
			last = pageCount
		}
		ranges = append(ranges, manual.PageRange{First: first, Last: last})
	}
	return ranges, nil
}
