package ocr

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	pdflib "github.com/ledongthuc/pdf"
)

// TextLayer reads embedded PDF text directly. It is a pass-through for
// born-digital documents, not OCR: scanned pages come back blank with
// confidence 0. When the library yields nothing it can shell out to
// pdftotext, which copes with more exotic encodings.
type TextLayer struct {
	FallbackPdftotext bool
}

func (t *TextLayer) Name() string { return "textlayer" }

func (t *TextLayer) ExtractText(ctx context.Context, req Request) (*Result, error) {
	r, err := pdflib.NewReader(bytes.NewReader(req.Data), int64(len(req.Data)))
	if err != nil {
		if t.FallbackPdftotext {
			return t.pdftotext(ctx, req)
		}
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	if req.Range.Last > r.NumPage() {
		return nil, fmt.Errorf("%s beyond last page %d", req.Range, r.NumPage())
	}

	var buf strings.Builder
	pages := make([]PageConfidence, 0, req.Range.Pages())
	blank := true
	for i := req.Range.First; i <= req.Range.Last; i++ {
		var text string
		if page := r.Page(i); !page.V.IsNull() {
			// Extraction failures on single pages are treated as blank
			// scans rather than request failures.
			text, _ = page.GetPlainText(nil)
		}
		if i > req.Range.First {
			buf.WriteString("\f")
		}
		buf.WriteString(text)

		conf := 1.0
		if strings.TrimSpace(text) == "" {
			conf = 0
		} else {
			blank = false
		}
		pages = append(pages, PageConfidence{Page: i, Confidence: conf})
	}

	if blank && t.FallbackPdftotext {
		if res, err := t.pdftotext(ctx, req); err == nil {
			return res, nil
		}
	}
	return &Result{Text: buf.String(), Pages: pages}, nil
}

// pdftotext extracts the requested range with the poppler CLI. The library
// needs a file path, so the bytes go through a temp file.
func (t *TextLayer) pdftotext(ctx context.Context, req Request) (*Result, error) {
	tmp, err := os.CreateTemp("", "manualminer-*.pdf")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(req.Data); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("write temp file: %w", err)
	}
	tmp.Close()

	cmd := exec.CommandContext(ctx, "pdftotext", "-layout",
		"-f", strconv.Itoa(req.Range.First),
		"-l", strconv.Itoa(req.Range.Last),
		tmpPath, "-")
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("pdftotext: %w", err)
	}

	text := strings.TrimRight(string(out), "\f\n")
	pages := make([]PageConfidence, 0, req.Range.Pages())
	for i, pageText := range strings.Split(text, "\f") {
		page := req.Range.First + i
		if page > req.Range.Last {
			break
		}
		conf := 1.0
		if strings.TrimSpace(pageText) == "" {
			conf = 0
		}
		pages = append(pages, PageConfidence{Page: page, Confidence: conf})
	}
	return &Result{Text: text, Pages: pages}, nil
}
