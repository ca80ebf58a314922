// Package manual holds the domain model shared by every pipeline stage:
// the prepared source document, page-range chunks, per-chunk extraction
// candidates, and the final merged record.
package manual

import "fmt"

// PageRange is a 1-based inclusive span of pages.
type PageRange struct {
	First int `json:"first"`
	Last  int `json:"last"`
}

// Pages returns the number of pages covered by the range.
func (r PageRange) Pages() int {
	return r.Last - r.First + 1
}

func (r PageRange) String() string {
	if r.First == r.Last {
		return fmt.Sprintf("page %d", r.First)
	}
	return fmt.Sprintf("pages %d-%d", r.First, r.Last)
}

// Chunk identifies one unit of pipeline work. Numbers start at 1 and follow
// document order.
type Chunk struct {
	Number int       `json:"number"`
	Range  PageRange `json:"pages"`
}

func (c Chunk) String() string {
	return fmt.Sprintf("chunk %d (%s)", c.Number, c.Range)
}

// Document is a prepared (decrypted, page-counted) source manual.
type Document struct {
	Name      string `json:"name"`
	SHA256    string `json:"sha256"`
	PageCount int    `json:"page_count"`
	Encrypted bool   `json:"encrypted"`

	// Raw PDF bytes after preparation. Not serialized.
	Data []byte `json:"-"`
}
