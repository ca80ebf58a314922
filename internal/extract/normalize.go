package extract

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/manualminer/manualminer/internal/manual"
	"github.com/manualminer/manualminer/internal/remote"
)

// MalformedError reports a model reply that could not be parsed into the
// expected structure. It is retryable: a fresh generation usually comes
// back well-formed.
type MalformedError struct {
	Reason string
	Raw    string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed reply: %s (raw: %s)", e.Reason, remote.Truncate(e.Raw, 200))
}

// Retryable reports whether an extraction attempt is worth repeating.
// Malformed generations count alongside transient transport failures.
func Retryable(err error) bool {
	var me *MalformedError
	return errors.As(err, &me) || remote.DefaultRetryable(err)
}

// CleanReply strips markdown fences and surrounding prose from a model
// reply and repairs common JSON slips, returning the bare object text.
// An empty result means no object was found.
func CleanReply(s string) string {
	cleaned := extractObject(stripCodeBlock(s))
	if cleaned == "" {
		return ""
	}
	return fixCommonJSON(cleaned)
}

// ParseCandidate turns a raw model reply into a candidate. It tolerates
// markdown fences, prose around the JSON object, trailing commas and
// stray control characters. A reply with no recognizable object, broken
// JSON, or none of the expected sections is a MalformedError. Missing or
// mistyped sections are left empty for the validator to report; the
// cleaned JSON is kept on the candidate for that inspection.
func ParseCandidate(text string) (manual.Candidate, error) {
	var cand manual.Candidate

	cleaned := CleanReply(text)
	if cleaned == "" {
		return cand, &MalformedError{Reason: "no JSON object in response", Raw: text}
	}

	var sections map[string]json.RawMessage
	if err := json.Unmarshal([]byte(cleaned), &sections); err != nil {
		return cand, &MalformedError{Reason: "invalid JSON: " + err.Error(), Raw: text}
	}

	known := 0
	for _, key := range manual.SectionKeys {
		if _, ok := sections[key]; ok {
			known++
		}
	}
	if known == 0 {
		return cand, &MalformedError{Reason: "response carries none of the expected sections", Raw: text}
	}

	decodeSection(sections, "general_info", &cand.GeneralInfo)
	decodeSection(sections, "procedures", &cand.Procedures)
	decodeSection(sections, "maintenance", &cand.Maintenance)
	decodeSection(sections, "specifications", &cand.Specifications)
	decodeSection(sections, "safety", &cand.Safety)
	decodeSection(sections, "calibration", &cand.Calibration)
	decodeSection(sections, "troubleshooting", &cand.Troubleshooting)
	decodeSection(sections, "summary", &cand.Summary)

	cand.EnsureSections()
	cand.Raw = []byte(cleaned)
	return cand, nil
}

// decodeSection fills dst from the named key, tolerating null and type
// mismatches. Shape problems are the validator's to report, not ours.
func decodeSection(sections map[string]json.RawMessage, key string, dst any) {
	raw, ok := sections[key]
	if !ok || string(raw) == "null" {
		return
	}
	_ = json.Unmarshal(raw, dst)
}

var codeBlockRe = regexp.MustCompile("(?s)^```(?:json)?\\s*(.*?)\\s*```$")

func stripCodeBlock(s string) string {
	s = strings.TrimSpace(s)
	if m := codeBlockRe.FindStringSubmatch(s); len(m) > 1 {
		return m[1]
	}
	return s
}

// extractObject cuts the reply down to its outermost JSON object, which
// also sheds prose and unterminated fences around it.
func extractObject(s string) string {
	first := strings.Index(s, "{")
	last := strings.LastIndex(s, "}")
	if first < 0 || last <= first {
		return ""
	}
	return strings.TrimSpace(s[first : last+1])
}

var (
	controlCharRe   = regexp.MustCompile("[\x00-\x1f\x7f]")
	doubleCommaRe   = regexp.MustCompile(`,,+`)
	trailingCommaRe = regexp.MustCompile(`,(\s*[}\]])`)
)

// fixCommonJSON repairs the frequent mechanical mistakes in generated
// JSON. Control characters go first so the comma fixes see plain
// whitespace.
func fixCommonJSON(s string) string {
	s = controlCharRe.ReplaceAllString(s, " ")
	s = doubleCommaRe.ReplaceAllString(s, ",")
	s = trailingCommaRe.ReplaceAllString(s, "$1")
	return s
}
