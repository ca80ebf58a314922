// Package ocr reads page-range text out of a prepared PDF, either through a
// remote OCR service or straight from the embedded text layer of
// born-digital files.
package ocr

import (
	"context"
	"fmt"

	"github.com/manualminer/manualminer/internal/manual"
)

// Client extracts text for one page range of a prepared document.
type Client interface {
	ExtractText(ctx context.Context, req Request) (*Result, error)
	Name() string
}

// Request asks for the text of Range within the PDF bytes. Language is a
// recognition hint ("en", "fr"); providers may ignore it.
type Request struct {
	Data     []byte
	Range    manual.PageRange
	Language string
}

// PageConfidence is the provider's recognition confidence for one page,
// in [0, 1]. Blank pages come back at 0.
type PageConfidence struct {
	Page       int     `json:"page"`
	Confidence float64 `json:"confidence"`
}

// Result is recognized text with per-page confidence, pages separated by
// form feeds and listed in request order.
type Result struct {
	Text  string
	Pages []PageConfidence
}

// MeanConfidence averages the per-page confidences, 0 when unknown.
func (r *Result) MeanConfidence() float64 {
	if len(r.Pages) == 0 {
		return 0
	}
	var sum float64
	for _, p := range r.Pages {
		sum += p.Confidence
	}
	return sum / float64(len(r.Pages))
}

// PageLimitError means the requested range exceeds the provider's per-call
// page cap. The chunking config normally prevents this; it is terminal, not
// retryable.
type PageLimitError struct {
	Requested int
	Limit     int
}

func (e *PageLimitError) Error() string {
	return fmt.Sprintf("requested %d pages exceeds the per-call limit of %d", e.Requested, e.Limit)
}
