// Package extract turns OCR text into structured extraction candidates
// via a generation model.
package extract

import (
	"context"
	"fmt"
	"strings"

	"github.com/manualminer/manualminer/internal/chunker"
	"github.com/manualminer/manualminer/internal/genai"
	"github.com/manualminer/manualminer/internal/manual"
	"github.com/manualminer/manualminer/internal/merge"
	"github.com/manualminer/manualminer/internal/prompt"
	"github.com/manualminer/manualminer/internal/remote"
)

// promptOverheadTokens reserves room for the instructions, the JSON
// skeleton and the prior context, which ride along with the chunk text
// in every request.
const promptOverheadTokens = 2500

// maxContextRunes caps the prior-context fragment handed to each prompt.
const maxContextRunes = 300

// Config tunes the extraction stage.
type Config struct {
	// MaxTokensPerRequest bounds the estimated size of one request. Text
	// over the budget is split and extracted in parts.
	MaxTokensPerRequest int

	// MaxOutputTokens caps the completion length.
	MaxOutputTokens int

	// Temperature for generation. Extraction wants it low.
	Temperature float64

	// Language of the extracted values ("en", "fr").
	Language string
}

// Context carries forward what earlier chunks established, so follow-up
// chunks can resolve references like "the instrument".
type Context struct {
	DeviceName   string
	Manufacturer string
	Summary      string
}

// Render flattens the context to a prompt fragment, clipped to the last
// maxContextRunes runes so late chunks keep the freshest sentences.
func (c Context) Render() string {
	var sb strings.Builder
	if c.DeviceName != "" {
		sb.WriteString("Instrument: ")
		sb.WriteString(c.DeviceName)
		if c.Manufacturer != "" {
			sb.WriteString(" (")
			sb.WriteString(c.Manufacturer)
			sb.WriteString(")")
		}
		sb.WriteString(". ")
	}
	sb.WriteString(c.Summary)
	return tailRunes(strings.TrimSpace(sb.String()), maxContextRunes)
}

func tailRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[len(runes)-n:])
}

// Stage runs extraction prompts through a generation client under a
// retry policy. One Stage serves one run; the client and pacer may be
// shared across runs.
type Stage struct {
	client genai.Client
	policy remote.Policy
	pacer  *remote.Pacer
	cfg    Config
}

func NewStage(client genai.Client, policy remote.Policy, pacer *remote.Pacer, cfg Config) *Stage {
	if policy.Retryable == nil {
		policy.Retryable = Retryable
	}
	return &Stage{client: client, policy: policy, pacer: pacer, cfg: cfg}
}

// Extract runs the extraction prompt over one chunk of manual text. Text
// beyond the token budget is split into parts, each extracted separately
// and folded back into a single candidate. Blank text short-circuits to
// an empty candidate without a remote call.
func (s *Stage) Extract(ctx context.Context, chunk manual.Chunk, text string, prior Context) (manual.Candidate, error) {
	if strings.TrimSpace(text) == "" {
		var cand manual.Candidate
		cand.Chunk = chunk
		cand.EnsureSections()
		return cand, nil
	}

	parts := chunker.SplitByBudget(text, s.textBudget())
	cands := make([]manual.Candidate, 0, len(parts))
	for i, partText := range parts {
		cand, err := s.extractOne(ctx, chunk, partText, prior, i+1, len(parts))
		if err != nil {
			return manual.Candidate{}, err
		}
		cands = append(cands, cand)
	}

	out := merge.Combine(cands)
	out.Chunk = chunk
	return out, nil
}

// Repair sends a broken extraction document back to the model with the
// list of problems, one round-trip, and parses the corrected reply.
func (s *Stage) Repair(ctx context.Context, raw []byte, problems []string) (manual.Candidate, error) {
	user, err := prompt.Repair(problems, string(raw))
	if err != nil {
		return manual.Candidate{}, err
	}

	var cand manual.Candidate
	err = s.policy.Do(ctx, "repair extraction", func(ctx context.Context) error {
		if err := s.pacer.Wait(ctx); err != nil {
			return err
		}
		reply, err := s.client.Generate(ctx, genai.Request{
			Prompt:      user,
			MaxTokens:   s.cfg.MaxOutputTokens,
			Temperature: s.cfg.Temperature,
		})
		if err != nil {
			return err
		}
		parsed, err := ParseCandidate(reply)
		if err != nil {
			return err
		}
		cand = parsed
		return nil
	})
	if err != nil {
		return manual.Candidate{}, err
	}
	return cand, nil
}

func (s *Stage) extractOne(ctx context.Context, chunk manual.Chunk, text string, prior Context, part, totalParts int) (manual.Candidate, error) {
	label := chunk.String()
	if totalParts > 1 {
		label = fmt.Sprintf("%s, part %d/%d", label, part, totalParts)
	}
	system, user, err := prompt.Extraction(s.cfg.Language, prior.Render(), label, text)
	if err != nil {
		return manual.Candidate{}, err
	}

	var cand manual.Candidate
	err = s.policy.Do(ctx, "extract "+label, func(ctx context.Context) error {
		if err := s.pacer.Wait(ctx); err != nil {
			return err
		}
		reply, err := s.client.Generate(ctx, genai.Request{
			System:      system,
			Prompt:      user,
			MaxTokens:   s.cfg.MaxOutputTokens,
			Temperature: s.cfg.Temperature,
		})
		if err != nil {
			return err
		}
		parsed, err := ParseCandidate(reply)
		if err != nil {
			return err
		}
		cand = parsed
		return nil
	})
	if err != nil {
		return manual.Candidate{}, err
	}
	cand.Chunk = chunk
	return cand, nil
}

// textBudget is the token room left for chunk text after the prompt
// overhead and the reserved completion length are taken out of the
// per-request budget.
func (s *Stage) textBudget() int {
	budget := s.cfg.MaxTokensPerRequest - promptOverheadTokens - s.cfg.MaxOutputTokens
	if budget < 1000 {
		budget = 1000
	}
	return budget
}
