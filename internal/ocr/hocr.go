package ocr

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// ParseHOCR extracts page text and per-page confidence from an hOCR
// document. Pages are numbered 1..n in encounter order; page confidence is
// the mean x_wconf of its words, scaled to [0, 1].
func ParseHOCR(src string) (string, []PageConfidence, error) {
	root, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return "", nil, fmt.Errorf("parse hocr: %w", err)
	}

	var pages []*hocrPage
	var visit func(n *html.Node, page *hocrPage)
	visit = func(n *html.Node, page *hocrPage) {
		if n.Type == html.ElementNode {
			switch {
			case hasClass(n, "ocr_page"):
				p := &hocrPage{}
				pages = append(pages, p)
				for c := n.FirstChild; c != nil; c = c.NextSibling {
					visit(c, p)
				}
				p.flushLine()
				return
			case hasClass(n, "ocr_line") || hasClass(n, "ocr_caption") || hasClass(n, "ocr_header"):
				if page != nil {
					for c := n.FirstChild; c != nil; c = c.NextSibling {
						visit(c, page)
					}
					page.flushLine()
					return
				}
			case hasClass(n, "ocrx_word"):
				if page != nil {
					if w := strings.TrimSpace(textContent(n)); w != "" {
						page.line = append(page.line, w)
					}
					if conf, ok := wordConfidence(n); ok {
						page.confSum += conf
						page.words++
					}
					return
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c, page)
		}
	}
	visit(root, nil)

	if len(pages) == 0 {
		return "", nil, fmt.Errorf("hocr contains no ocr_page elements")
	}

	var text strings.Builder
	confs := make([]PageConfidence, 0, len(pages))
	for i, p := range pages {
		if i > 0 {
			text.WriteString("\f")
		}
		text.WriteString(strings.Join(p.lines, "\n"))

		conf := 0.0
		if p.words > 0 {
			conf = p.confSum / float64(p.words) / 100.0
		}
		confs = append(confs, PageConfidence{Page: i + 1, Confidence: conf})
	}
	return text.String(), confs, nil
}

type hocrPage struct {
	lines   []string
	line    []string
	confSum float64
	words   int
}

func (p *hocrPage) flushLine() {
	if len(p.line) > 0 {
		p.lines = append(p.lines, strings.Join(p.line, " "))
		p.line = nil
	}
}

func hasClass(n *html.Node, class string) bool {
	for _, attr := range n.Attr {
		if attr.Key != "class" {
			continue
		}
		for _, c := range strings.Fields(attr.Val) {
			if c == class {
				return true
			}
		}
	}
	return false
}

func textContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		sb.WriteString(textContent(c))
	}
	return sb.String()
}

// wordConfidence reads the x_wconf value from an hOCR title attribute like
// "bbox 100 117 219 138; x_wconf 96".
func wordConfidence(n *html.Node) (float64, bool) {
	for _, attr := range n.Attr {
		if attr.Key != "title" {
			continue
		}
		for _, prop := range strings.Split(attr.Val, ";") {
			fields := strings.Fields(strings.TrimSpace(prop))
			if len(fields) == 2 && fields[0] == "x_wconf" {
				if v, err := strconv.ParseFloat(fields[1], 64); err == nil {
					return v, true
				}
			}
		}
	}
	return 0, false
}
