// Package validate checks extraction candidates in two phases: a schema
// pass over the raw JSON shape, then an AI review of the content against
// the source text. Shape problems get one repair round-trip before the
// candidate is rejected; content problems strip the flagged fields but
// keep the candidate.
package validate

import (
	"context"
	"encoding/json"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/manualminer/manualminer/internal/extract"
	"github.com/manualminer/manualminer/internal/genai"
	"github.com/manualminer/manualminer/internal/manual"
	"github.com/manualminer/manualminer/internal/prompt"
	"github.com/manualminer/manualminer/internal/remote"
)

//go:embed schema/candidate.schema.json
var candidateSchemaJSON string

var candidateSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("candidate.schema.json", strings.NewReader(candidateSchemaJSON)); err != nil {
		panic(fmt.Sprintf("add candidate schema: %v", err))
	}
	return c.MustCompile("candidate.schema.json")
}

// maxSourceRunes caps the source excerpt sent with the review prompt.
const maxSourceRunes = 24000

// Outcome is the terminal state of a validated chunk.
type Outcome string

const (
	OutcomeAccepted            Outcome = "accepted"
	OutcomeAcceptedWithWarning Outcome = "accepted_with_warning"
	OutcomeRejected            Outcome = "rejected"
)

// FieldFlag identifies one suspicious field in a candidate. Index is the
// zero-based entry position for list sections and nil for general_info
// and summary. An empty Field flags the whole entry.
type FieldFlag struct {
	Section string `json:"section"`
	Index   *int   `json:"index"`
	Field   string `json:"field"`
	Reason  string `json:"reason"`
}

func (f FieldFlag) String() string {
	loc := f.Section
	if f.Index != nil {
		loc = fmt.Sprintf("%s[%d]", loc, *f.Index)
	}
	if f.Field != "" {
		loc += "." + f.Field
	}
	if f.Reason == "" {
		return loc
	}
	return loc + ": " + f.Reason
}

// Verdict is the validation ruling over one candidate.
type Verdict struct {
	Outcome   Outcome
	Candidate manual.Candidate

	// Stripped lists the flags that were applied to the candidate.
	Stripped []FieldFlag

	// Repaired marks that the shape phase needed a repair round-trip.
	Repaired bool

	// ReviewFlag marks that the semantic review produced no usable
	// verdict, so the candidate should be checked by a human.
	ReviewFlag bool

	// Reason is a short human-readable note on non-clean outcomes.
	Reason string
}

// Repairer fixes a broken extraction document in one model round-trip.
// The extraction stage implements it.
type Repairer interface {
	Repair(ctx context.Context, raw []byte, problems []string) (manual.Candidate, error)
}

// Stage runs both validation phases. One Stage serves one run; the
// client and pacer may be shared across runs.
type Stage struct {
	client   genai.Client
	repairer Repairer
	policy   remote.Policy
	pacer    *remote.Pacer
}

func NewStage(client genai.Client, repairer Repairer, policy remote.Policy, pacer *remote.Pacer) *Stage {
	if policy.Retryable == nil {
		policy.Retryable = extract.Retryable
	}
	return &Stage{client: client, repairer: repairer, policy: policy, pacer: pacer}
}

// Validate runs the two phases over a candidate. It returns an error only
// when the context is done; every other failure degrades into an outcome.
func (s *Stage) Validate(ctx context.Context, cand manual.Candidate, sourceText string) (Verdict, error) {
	v := Verdict{Outcome: OutcomeAccepted}

	raw := cand.Raw
	if len(raw) == 0 {
		cand.EnsureSections()
		raw, _ = json.Marshal(&cand)
	}

	// Phase 1: shape.
	if problems := SyntaxProblems(raw); len(problems) > 0 {
		if s.repairer == nil {
			v.Outcome = OutcomeRejected
			v.Candidate = cand
			v.Reason = "invalid shape: " + strings.Join(problems, "; ")
			return v, nil
		}
		repaired, err := s.repairer.Repair(ctx, raw, problems)
		if err != nil {
			if ctx.Err() != nil {
				return Verdict{}, ctx.Err()
			}
			v.Outcome = OutcomeRejected
			v.Candidate = cand
			v.Reason = "repair failed: " + err.Error()
			return v, nil
		}
		repaired.Chunk = cand.Chunk
		if again := SyntaxProblems(repaired.Raw); len(again) > 0 {
			v.Outcome = OutcomeRejected
			v.Candidate = cand
			v.Reason = "still invalid after repair: " + strings.Join(again, "; ")
			return v, nil
		}
		cand = repaired
		v.Repaired = true
	}
	v.Candidate = cand

	// Nothing extracted means nothing to review.
	if isEmptyCandidate(&cand) {
		return v, nil
	}

	// Phase 2: content.
	reply, err := s.critique(ctx, cand, sourceText)
	if err != nil {
		if ctx.Err() != nil {
			return Verdict{}, ctx.Err()
		}
		v.Outcome = OutcomeAcceptedWithWarning
		v.ReviewFlag = true
		v.Reason = "content review unavailable: " + err.Error()
		return v, nil
	}

	if len(reply.Flags) == 0 {
		// A negative verdict without per-field flags disavows the whole
		// candidate; nothing can be stripped, so the chunk is rejected.
		if reply.Verdict == verdictFail {
			v.Outcome = OutcomeRejected
			v.Reason = "content review rejected the extraction"
			if reply.Reason != "" {
				v.Reason += ": " + reply.Reason
			}
		}
		return v, nil
	}
	stripped, kept := applyFlags(cand, reply.Flags)
	if len(stripped) > 0 {
		v.Candidate = kept
		v.Stripped = stripped
		v.Outcome = OutcomeAcceptedWithWarning
		v.Reason = fmt.Sprintf("%d flagged field(s) stripped after review", len(stripped))
	}
	return v, nil
}

// SyntaxProblems validates raw JSON against the candidate schema and
// returns human-readable problems, nil when the shape is fine.
func SyntaxProblems(raw []byte) []string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return []string{"invalid JSON: " + err.Error()}
	}
	if err := candidateSchema.Validate(v); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return flattenSchemaError(ve)
		}
		return []string{err.Error()}
	}
	return nil
}

// flattenSchemaError collects leaf causes as "location: message" lines.
func flattenSchemaError(ve *jsonschema.ValidationError) []string {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return []string{fmt.Sprintf("%s: %s", loc, ve.Message)}
	}
	var out []string
	for _, c := range ve.Causes {
		out = append(out, flattenSchemaError(c)...)
	}
	return out
}

// Normalized verdict values. A "flag" verdict that carries no flags is
// folded into verdictFail: either way the reviewer stands against the
// candidate without naming a strippable field.
const (
	verdictPass = "pass"
	verdictFlag = "flag"
	verdictFail = "fail"
)

type verdictReply struct {
	Verdict string      `json:"verdict"`
	Flags   []FieldFlag `json:"flags"`
	Reason  string      `json:"reason,omitempty"`
}

func (s *Stage) critique(ctx context.Context, cand manual.Candidate, sourceText string) (verdictReply, error) {
	candJSON, err := json.MarshalIndent(&cand, "", "  ")
	if err != nil {
		return verdictReply{}, fmt.Errorf("marshal candidate: %w", err)
	}
	system, user, err := prompt.Verdict(cand.Chunk.String(), headRunes(sourceText, maxSourceRunes), string(candJSON))
	if err != nil {
		return verdictReply{}, err
	}

	var out verdictReply
	err = s.policy.Do(ctx, "review "+cand.Chunk.String(), func(ctx context.Context) error {
		if err := s.pacer.Wait(ctx); err != nil {
			return err
		}
		reply, err := s.client.Generate(ctx, genai.Request{
			System:      system,
			Prompt:      user,
			MaxTokens:   2048,
			Temperature: 0,
		})
		if err != nil {
			return err
		}
		parsed, err := parseVerdict(reply)
		if err != nil {
			return err
		}
		out = parsed
		return nil
	})
	return out, err
}

// parseVerdict decodes the review reply. Anything that does not carry a
// recognizable verdict is a malformed reply, which the policy retries.
func parseVerdict(reply string) (verdictReply, error) {
	cleaned := extract.CleanReply(reply)
	if cleaned == "" {
		return verdictReply{}, &extract.MalformedError{Reason: "no JSON object in review reply", Raw: reply}
	}
	var out verdictReply
	if err := json.Unmarshal([]byte(cleaned), &out); err != nil {
		return verdictReply{}, &extract.MalformedError{Reason: "invalid review JSON: " + err.Error(), Raw: reply}
	}
	switch strings.ToLower(strings.TrimSpace(out.Verdict)) {
	case "pass":
		out.Verdict = verdictPass
		out.Flags = nil
	case "flag":
		out.Verdict = verdictFlag
		if len(out.Flags) == 0 {
			out.Verdict = verdictFail
		}
	case "fail", "reject":
		out.Verdict = verdictFail
		out.Flags = nil
	default:
		return verdictReply{}, &extract.MalformedError{Reason: fmt.Sprintf("unknown verdict %q", out.Verdict), Raw: reply}
	}
	return out, nil
}

func isEmptyCandidate(c *manual.Candidate) bool {
	gi := c.GeneralInfo
	return c.EntryCount() == 0 &&
		strings.TrimSpace(c.Summary) == "" &&
		gi.DeviceName == "" && gi.Manufacturer == "" && gi.Model == "" &&
		gi.DeviceType == "" && gi.Description == "" && len(gi.Applications) == 0
}

func headRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
