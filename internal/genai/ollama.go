package genai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"
	"github.com/ollama/ollama/envconfig"

	"github.com/manualminer/manualminer/internal/remote"
)

// OllamaClient runs extraction against a local Ollama server. It keeps
// the pipeline usable offline and without an API key.
type OllamaClient struct {
	client *api.Client
	model  string
}

// NewOllamaClient connects to the Ollama server at host. An empty host
// falls back to the OLLAMA_HOST environment variable and its default.
func NewOllamaClient(host, model string) (*OllamaClient, error) {
	hostURL := envconfig.Host()
	if host != "" {
		parsed, err := url.Parse(host)
		if err != nil {
			return nil, fmt.Errorf("parse ollama host: %w", err)
		}
		hostURL = parsed
	}
	return &OllamaClient{
		client: api.NewClient(hostURL, http.DefaultClient),
		model:  model,
	}, nil
}

func (o *OllamaClient) Name() string { return "ollama/" + o.model }

func (o *OllamaClient) Generate(ctx context.Context, req Request) (string, error) {
	genReq := api.GenerateRequest{
		Model:  o.model,
		Prompt: req.Prompt,
		System: req.System,
		Options: map[string]interface{}{
			"temperature": req.Temperature,
		},
	}
	if req.MaxTokens > 0 {
		genReq.Options["num_predict"] = req.MaxTokens
	}

	var responseBuilder strings.Builder
	err := o.client.Generate(ctx, &genReq, func(resp api.GenerateResponse) error {
		_, err := responseBuilder.WriteString(resp.Response)
		return err
	})
	if err != nil {
		var statusErr api.StatusError
		if errors.As(err, &statusErr) &&
			(statusErr.StatusCode == http.StatusTooManyRequests || statusErr.StatusCode >= 500) {
			return "", &remote.QuotaError{
				Provider:   "ollama",
				StatusCode: statusErr.StatusCode,
				Message:    statusErr.ErrorMessage,
			}
		}
		return "", fmt.Errorf("ollama generate: %w", err)
	}

	text := responseBuilder.String()
	if text == "" {
		return "", fmt.Errorf("empty response from ollama")
	}
	return text, nil
}
