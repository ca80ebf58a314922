// Package merge consolidates per-chunk extraction candidates into a
// single record.
package merge

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/manualminer/manualminer/internal/manual"
)

// Merge folds accepted candidates into one merged document. Candidates
// must arrive in ascending chunk order. Scalar fields keep the first
// non-empty value; a later chunk disagreeing with the kept value is
// recorded as a conflict, never silently dropped. List sections
// concatenate in chunk order, skipping entries that duplicate an earlier
// one up to case and whitespace.
//
// The result depends only on the input sequence, never on the clock or
// on map iteration, so the same candidates always merge to the same
// bytes. Source, MissingRanges, Warnings and CreatedAt are the caller's
// to fill in.
func Merge(candidates []manual.Candidate) (*manual.MergedDocument, error) {
	for i := 1; i < len(candidates); i++ {
		if candidates[i].Chunk.Number <= candidates[i-1].Chunk.Number {
			return nil, fmt.Errorf("candidates out of chunk order: chunk %d follows chunk %d",
				candidates[i].Chunk.Number, candidates[i-1].Chunk.Number)
		}
	}

	doc := &manual.MergedDocument{}
	m := newMerger()
	var summaries []string
	for i := range candidates {
		cand := candidates[i]
		cand.EnsureSections()
		m.foldGeneralInfo(&doc.GeneralInfo, cand.GeneralInfo, cand.Chunk)
		doc.Procedures = appendUnique(doc.Procedures, cand.Procedures, m.seen("procedures"))
		doc.Maintenance = appendUnique(doc.Maintenance, cand.Maintenance, m.seen("maintenance"))
		doc.Specifications = appendUnique(doc.Specifications, cand.Specifications, m.seen("specifications"))
		doc.Safety = appendUnique(doc.Safety, cand.Safety, m.seen("safety"))
		doc.Calibration = appendUnique(doc.Calibration, cand.Calibration, m.seen("calibration"))
		doc.Troubleshooting = appendUnique(doc.Troubleshooting, cand.Troubleshooting, m.seen("troubleshooting"))
		if s := strings.TrimSpace(cand.Summary); s != "" {
			summaries = append(summaries, s)
		}
	}

	doc.Summary = strings.Join(summaries, "\n\n")
	doc.Conflicts = m.conflicts
	doc.EnsureSections()
	return doc, nil
}

// Combine folds the candidates produced for sub-parts of one oversized
// chunk back into a single candidate. It applies the same rules as Merge
// except that scalar disagreements inside one chunk are dropped without
// a conflict record, and part summaries join into one paragraph.
func Combine(parts []manual.Candidate) manual.Candidate {
	var out manual.Candidate
	if len(parts) > 0 {
		out.Chunk = parts[0].Chunk
	}
	if len(parts) == 1 {
		out = parts[0]
		out.EnsureSections()
		return out
	}

	m := newMerger()
	var summaries []string
	for i := range parts {
		part := parts[i]
		part.EnsureSections()
		m.foldGeneralInfo(&out.GeneralInfo, part.GeneralInfo, out.Chunk)
		out.Procedures = appendUnique(out.Procedures, part.Procedures, m.seen("procedures"))
		out.Maintenance = appendUnique(out.Maintenance, part.Maintenance, m.seen("maintenance"))
		out.Specifications = appendUnique(out.Specifications, part.Specifications, m.seen("specifications"))
		out.Safety = appendUnique(out.Safety, part.Safety, m.seen("safety"))
		out.Calibration = appendUnique(out.Calibration, part.Calibration, m.seen("calibration"))
		out.Troubleshooting = appendUnique(out.Troubleshooting, part.Troubleshooting, m.seen("troubleshooting"))
		if s := strings.TrimSpace(part.Summary); s != "" {
			summaries = append(summaries, s)
		}
	}
	out.Summary = strings.Join(summaries, " ")
	out.EnsureSections()
	return out
}

type merger struct {
	conflicts []manual.FieldConflict
	keptChunk map[string]int
	seenKeys  map[string]map[string]struct{}
}

func newMerger() *merger {
	return &merger{
		conflicts: []manual.FieldConflict{},
		keptChunk: make(map[string]int),
		seenKeys:  make(map[string]map[string]struct{}),
	}
}

func (m *merger) foldGeneralInfo(dst *manual.GeneralInfo, src manual.GeneralInfo, chunk manual.Chunk) {
	m.scalar("general_info.device_name", &dst.DeviceName, src.DeviceName, chunk)
	m.scalar("general_info.manufacturer", &dst.Manufacturer, src.Manufacturer, chunk)
	m.scalar("general_info.model", &dst.Model, src.Model, chunk)
	m.scalar("general_info.device_type", &dst.DeviceType, src.DeviceType, chunk)
	m.scalar("general_info.description", &dst.Description, src.Description, chunk)
	dst.Applications = appendUniqueStrings(dst.Applications, src.Applications, m.seen("general_info.applications"))
}

// scalar keeps the first non-empty value seen for a field. A later value
// that differs beyond case and whitespace becomes a conflict record.
func (m *merger) scalar(field string, dst *string, val string, chunk manual.Chunk) {
	val = strings.TrimSpace(val)
	if val == "" {
		return
	}
	if *dst == "" {
		*dst = val
		m.keptChunk[field] = chunk.Number
		return
	}
	if normKey(val) == normKey(*dst) {
		return
	}
	m.conflicts = append(m.conflicts, manual.FieldConflict{
		Field:          field,
		Kept:           *dst,
		KeptChunk:      m.keptChunk[field],
		Discarded:      val,
		DiscardedChunk: chunk.Number,
	})
}

func (m *merger) seen(section string) map[string]struct{} {
	s, ok := m.seenKeys[section]
	if !ok {
		s = make(map[string]struct{})
		m.seenKeys[section] = s
	}
	return s
}

func appendUnique[T any](dst, src []T, seen map[string]struct{}) []T {
	for _, item := range src {
		k := entryKey(item)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		dst = append(dst, item)
	}
	return dst
}

func appendUniqueStrings(dst, src []string, seen map[string]struct{}) []string {
	for _, s := range src {
		k := normKey(s)
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		dst = append(dst, strings.TrimSpace(s))
	}
	return dst
}

// entryKey builds the dedup key for a list entry from its canonical JSON
// form, so comparison covers every field without per-type code.
func entryKey(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return normKey(string(b))
}

// normKey lowercases and collapses whitespace runs so comparisons ignore
// case and spacing differences.
func normKey(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
