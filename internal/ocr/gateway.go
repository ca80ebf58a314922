package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/manualminer/manualminer/internal/remote"
)

// DefaultPageLimit is the per-call page cap of the reference OCR
// deployment.
const DefaultPageLimit = 15

// Gateway calls a Document-AI-style OCR service over HTTP. The service
// answers with plain text plus per-page confidence, or with an hOCR
// rendering which is parsed locally.
type Gateway struct {
	baseURL    string
	apiKey     string
	pageLimit  int
	httpClient *http.Client
}

func NewGateway(baseURL, apiKey string, pageLimit int) *Gateway {
	if pageLimit <= 0 {
		pageLimit = DefaultPageLimit
	}
	return &Gateway{
		baseURL:   baseURL,
		apiKey:    apiKey,
		pageLimit: pageLimit,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

func (g *Gateway) Name() string { return "gateway" }

type gatewayRequest struct {
	Content   string `json:"content"` // base64-encoded PDF bytes
	MimeType  string `json:"mime_type"`
	FirstPage int    `json:"first_page"`
	LastPage  int    `json:"last_page"`
	Language  string `json:"language,omitempty"`
}

type gatewayResponse struct {
	Text  string           `json:"text"`
	Pages []PageConfidence `json:"pages"`
	HOCR  string           `json:"hocr,omitempty"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// ExtractText sends one page range to the service. HTTP 429 and 5xx map to
// retryable quota errors, other non-200s are terminal.
func (g *Gateway) ExtractText(ctx context.Context, req Request) (*Result, error) {
	if n := req.Range.Pages(); n > g.pageLimit {
		return nil, &PageLimitError{Requested: n, Limit: g.pageLimit}
	}

	body, err := json.Marshal(gatewayRequest{
		Content:   base64.StdEncoding.EncodeToString(req.Data),
		MimeType:  "application/pdf",
		FirstPage: req.Range.First,
		LastPage:  req.Range.Last,
		Language:  req.Language,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/ocr", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ocr service: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, &remote.QuotaError{Provider: "ocr", StatusCode: resp.StatusCode, Message: string(respBody)}
	}
	if resp.StatusCode != http.StatusOK {
		var apiResp gatewayResponse
		if json.Unmarshal(respBody, &apiResp) == nil && apiResp.Error != nil && apiResp.Error.Code == "PAGE_LIMIT_EXCEEDED" {
			return nil, &PageLimitError{Requested: req.Range.Pages(), Limit: g.pageLimit}
		}
		return nil, &remote.InvalidRequestError{Provider: "ocr", StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	var apiResp gatewayResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if apiResp.Error != nil {
		return nil, fmt.Errorf("ocr error %s: %s", apiResp.Error.Code, apiResp.Error.Message)
	}

	text := apiResp.Text
	pages := apiResp.Pages
	if text == "" && apiResp.HOCR != "" {
		parsedText, parsedPages, err := ParseHOCR(apiResp.HOCR)
		if err != nil {
			return nil, fmt.Errorf("parse hocr payload: %w", err)
		}
		text = parsedText
		// hOCR pages are relative to the request; renumber to absolute.
		for i := range parsedPages {
			parsedPages[i].Page = req.Range.First + i
		}
		pages = parsedPages
	}

	if len(pages) == 0 {
		// Provider gave no per-page detail; record the pages as unknown.
		for p := req.Range.First; p <= req.Range.Last; p++ {
			pages = append(pages, PageConfidence{Page: p, Confidence: 0})
		}
	}

	return &Result{Text: text, Pages: pages}, nil
}

// Close releases resources.
func (g *Gateway) Close() {
	g.httpClient.CloseIdleConnections()
}
