package validate

import (
	"encoding/json"
	"sort"

	"github.com/manualminer/manualminer/internal/manual"
)

// applyFlags strips flagged content from a candidate. A flag naming a
// field empties that field in place; a flag with an empty Field drops the
// whole entry. Flags that match nothing are skipped. Stripping works on
// the candidate's JSON form, so a field always empties to its own type.
func applyFlags(cand manual.Candidate, flags []FieldFlag) ([]FieldFlag, manual.Candidate) {
	b, err := json.Marshal(&cand)
	if err != nil {
		return nil, cand
	}
	var doc map[string]any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, cand
	}

	var applied []FieldFlag
	removals := make(map[string]map[int]struct{})
	for _, f := range flags {
		switch f.Section {
		case "general_info":
			obj, ok := doc["general_info"].(map[string]any)
			if !ok {
				continue
			}
			if f.Field == "" {
				for k, v := range obj {
					obj[k] = emptyOf(v)
				}
				applied = append(applied, f)
				continue
			}
			v, ok := obj[f.Field]
			if !ok {
				continue
			}
			obj[f.Field] = emptyOf(v)
			applied = append(applied, f)

		case "summary":
			if _, ok := doc["summary"]; !ok {
				continue
			}
			doc["summary"] = ""
			applied = append(applied, f)

		case "procedures", "maintenance", "specifications", "safety", "calibration", "troubleshooting":
			arr, ok := doc[f.Section].([]any)
			if !ok || f.Index == nil || *f.Index < 0 || *f.Index >= len(arr) {
				continue
			}
			if f.Field == "" {
				if removals[f.Section] == nil {
					removals[f.Section] = make(map[int]struct{})
				}
				if _, dup := removals[f.Section][*f.Index]; dup {
					continue
				}
				removals[f.Section][*f.Index] = struct{}{}
				applied = append(applied, f)
				continue
			}
			entry, ok := arr[*f.Index].(map[string]any)
			if !ok {
				continue
			}
			v, ok := entry[f.Field]
			if !ok {
				continue
			}
			entry[f.Field] = emptyOf(v)
			applied = append(applied, f)
		}
	}

	// Entry removals go last, highest index first, so the flag indices
	// above always refer to the original candidate.
	for section, idxSet := range removals {
		arr, _ := doc[section].([]any)
		idxs := make([]int, 0, len(idxSet))
		for i := range idxSet {
			idxs = append(idxs, i)
		}
		sort.Sort(sort.Reverse(sort.IntSlice(idxs)))
		for _, i := range idxs {
			if i < len(arr) {
				arr = append(arr[:i], arr[i+1:]...)
			}
		}
		doc[section] = arr
	}

	if len(applied) == 0 {
		return nil, cand
	}

	fixed, err := json.Marshal(doc)
	if err != nil {
		return applied, cand
	}
	var out manual.Candidate
	if err := json.Unmarshal(fixed, &out); err != nil {
		return applied, cand
	}
	out.Chunk = cand.Chunk
	out.Raw = fixed
	out.EnsureSections()
	return applied, out
}

// emptyOf returns the type-matching empty value for a stripped field.
func emptyOf(v any) any {
	switch v.(type) {
	case string:
		return ""
	case []any:
		return []any{}
	case map[string]any:
		return map[string]any{}
	default:
		return nil
	}
}
