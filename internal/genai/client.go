// Package genai provides text-generation clients used by the extraction
// and validation stages. All clients answer a single-turn prompt with a
// plain text completion; JSON parsing is the caller's job.
package genai

import "context"

// Request is a single-turn generation request.
type Request struct {
	// System primes the model with role and output format instructions.
	System string
	// Prompt is the user-turn content.
	Prompt string
	// MaxTokens caps the completion length. Zero means provider default.
	MaxTokens int
	// Temperature controls sampling. Extraction runs cold (0.1).
	Temperature float64
}

// Client generates a completion for a request.
type Client interface {
	Generate(ctx context.Context, req Request) (string, error)
	Name() string
}
