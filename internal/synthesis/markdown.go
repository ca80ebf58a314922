package synthesis

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/manualminer/manualminer/internal/manual"
	"github.com/manualminer/manualminer/internal/pipeline"
)

// MarkdownEmitter writes the synthesis document as Markdown plus an HTML
// rendering of it. Sections appear in a fixed order and lists in merge
// order, so the same record always produces the same bytes.
type MarkdownEmitter struct{}

func (MarkdownEmitter) Name() string { return "markdown" }

func (MarkdownEmitter) Emit(_ context.Context, res *pipeline.Result, dir string) ([]Artifact, error) {
	if res.Merged == nil {
		return nil, fmt.Errorf("no merged record to render")
	}
	md := renderMarkdown(res.Merged)

	a, err := writeArtifact(dir, "synthesis.md", []byte(md))
	if err != nil {
		return nil, err
	}
	arts := []Artifact{a}

	var buf bytes.Buffer
	buf.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n<title>")
	buf.WriteString(htmlEscape(documentTitle(res.Merged)))
	buf.WriteString("</title>\n</head>\n<body>\n")
	renderer := goldmark.New(goldmark.WithExtensions(extension.Table))
	if err := renderer.Convert([]byte(md), &buf); err != nil {
		return arts, fmt.Errorf("render html: %w", err)
	}
	buf.WriteString("</body>\n</html>\n")

	a, err = writeArtifact(dir, "synthesis.html", buf.Bytes())
	if err != nil {
		return arts, err
	}
	return append(arts, a), nil
}

func documentTitle(m *manual.MergedDocument) string {
	if m.GeneralInfo.DeviceName != "" {
		return m.GeneralInfo.DeviceName
	}
	if m.Source.Name != "" {
		return m.Source.Name
	}
	return "Technical Datasheet"
}

func renderMarkdown(m *manual.MergedDocument) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", documentTitle(m))

	info := m.GeneralInfo
	if info.Manufacturer != "" || info.Model != "" || info.DeviceType != "" {
		sb.WriteString("| | |\n|---|---|\n")
		writeInfoRow(&sb, "Manufacturer", info.Manufacturer)
		writeInfoRow(&sb, "Model", info.Model)
		writeInfoRow(&sb, "Type", info.DeviceType)
		writeInfoRow(&sb, "Source", m.Source.Name)
		sb.WriteString("\n")
	}
	if info.Description != "" {
		sb.WriteString(info.Description)
		sb.WriteString("\n\n")
	}
	if len(info.Applications) > 0 {
		sb.WriteString("**Applications:** ")
		sb.WriteString(strings.Join(info.Applications, ", "))
		sb.WriteString("\n\n")
	}

	if s := strings.TrimSpace(m.Summary); s != "" {
		sb.WriteString("## Summary\n\n")
		sb.WriteString(s)
		sb.WriteString("\n\n")
	}

	if len(m.Procedures) > 0 {
		sb.WriteString("## Procedures\n\n")
		for i, p := range m.Procedures {
			fmt.Fprintf(&sb, "### %d. %s\n\n", i+1, orField(p.Name, "Unnamed procedure"))
			if p.Purpose != "" {
				fmt.Fprintf(&sb, "%s\n\n", p.Purpose)
			}
			if p.SampleType != "" {
				fmt.Fprintf(&sb, "- Sample type: %s\n", p.SampleType)
			}
			if p.Duration != "" {
				fmt.Fprintf(&sb, "- Duration: %s\n", p.Duration)
			}
			if p.SampleType != "" || p.Duration != "" {
				sb.WriteString("\n")
			}
			writeSteps(&sb, p.Steps)
			if len(p.Controls) > 0 {
				sb.WriteString("Controls:\n\n")
				writeBullets(&sb, p.Controls)
			}
		}
	}

	if len(m.Maintenance) > 0 {
		sb.WriteString("## Maintenance\n\n")
		for _, t := range m.Maintenance {
			fmt.Fprintf(&sb, "### %s\n\n", orField(t.Task, "Unnamed task"))
			if t.Frequency != "" {
				fmt.Fprintf(&sb, "- Frequency: %s\n", t.Frequency)
			}
			if t.Duration != "" {
				fmt.Fprintf(&sb, "- Duration: %s\n", t.Duration)
			}
			if t.Frequency != "" || t.Duration != "" {
				sb.WriteString("\n")
			}
			writeSteps(&sb, t.Steps)
			if len(t.Materials) > 0 {
				fmt.Fprintf(&sb, "Materials: %s\n\n", strings.Join(t.Materials, ", "))
			}
		}
	}

	if len(m.Specifications) > 0 {
		sb.WriteString("## Specifications\n\n")
		sb.WriteString("| Characteristic | Value | Unit | Category |\n|---|---|---|---|\n")
		for _, s := range m.Specifications {
			fmt.Fprintf(&sb, "| %s | %s | %s | %s |\n",
				cell(s.Name), cell(s.Value), cell(s.Unit), cell(s.Category))
		}
		sb.WriteString("\n")
	}

	if len(m.Safety) > 0 {
		sb.WriteString("## Safety\n\n")
		for _, s := range m.Safety {
			fmt.Fprintf(&sb, "### %s\n\n", orField(s.Category, "General"))
			if s.Hazard != "" {
				fmt.Fprintf(&sb, "Hazard: %s\n\n", s.Hazard)
			}
			writeBullets(&sb, s.Precautions)
			if len(s.PPE) > 0 {
				fmt.Fprintf(&sb, "PPE: %s\n\n", strings.Join(s.PPE, ", "))
			}
		}
	}

	if len(m.Calibration) > 0 {
		sb.WriteString("## Calibration\n\n")
		for _, c := range m.Calibration {
			fmt.Fprintf(&sb, "### %s\n\n", orField(c.Name, "Unnamed routine"))
			if c.Frequency != "" {
				fmt.Fprintf(&sb, "- Frequency: %s\n\n", c.Frequency)
			}
			if len(c.Standards) > 0 {
				fmt.Fprintf(&sb, "Standards: %s\n\n", strings.Join(c.Standards, ", "))
			}
			writeSteps(&sb, c.Steps)
			if len(c.Criteria) > 0 {
				sb.WriteString("Acceptance criteria:\n\n")
				writeBullets(&sb, c.Criteria)
			}
		}
	}

	if len(m.Troubleshooting) > 0 {
		sb.WriteString("## Troubleshooting\n\n")
		for _, t := range m.Troubleshooting {
			fmt.Fprintf(&sb, "### %s\n\n", orField(t.Problem, "Unnamed problem"))
			if len(t.Causes) > 0 {
				sb.WriteString("Possible causes:\n\n")
				writeBullets(&sb, t.Causes)
			}
			if len(t.Remedies) > 0 {
				sb.WriteString("Remedies:\n\n")
				writeBullets(&sb, t.Remedies)
			}
		}
	}

	if len(m.MissingRanges) > 0 || len(m.Conflicts) > 0 || len(m.Warnings) > 0 {
		sb.WriteString("## Review Appendix\n\n")
		if len(m.MissingRanges) > 0 {
			sb.WriteString("The following page ranges contributed no data:\n\n")
			for _, g := range m.MissingRanges {
				fmt.Fprintf(&sb, "- %s (%s: %s)\n", g.Range, g.Stage, g.Reason)
			}
			sb.WriteString("\n")
		}
		if len(m.Conflicts) > 0 {
			sb.WriteString("Conflicting field values across chunks (first value kept):\n\n")
			for _, c := range m.Conflicts {
				fmt.Fprintf(&sb, "- %s: kept %q (chunk %d), saw %q (chunk %d)\n",
					c.Field, c.Kept, c.KeptChunk, c.Discarded, c.DiscardedChunk)
			}
			sb.WriteString("\n")
		}
		if len(m.Warnings) > 0 {
			sb.WriteString("Validation warnings:\n\n")
			writeBullets(&sb, m.Warnings)
		}
	}

	fmt.Fprintf(&sb, "---\n\nGenerated from %s (%d pages).\n",
		orField(m.Source.Name, "uploaded manual"), m.Source.PageCount)
	return sb.String()
}

func writeInfoRow(sb *strings.Builder, label, value string) {
	if value != "" {
		fmt.Fprintf(sb, "| **%s** | %s |\n", label, cell(value))
	}
}

func writeSteps(sb *strings.Builder, steps []string) {
	if len(steps) == 0 {
		return
	}
	for i, s := range steps {
		fmt.Fprintf(sb, "%d. %s\n", i+1, s)
	}
	sb.WriteString("\n")
}

func writeBullets(sb *strings.Builder, items []string) {
	if len(items) == 0 {
		return
	}
	for _, it := range items {
		fmt.Fprintf(sb, "- %s\n", it)
	}
	sb.WriteString("\n")
}

func orField(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

// cell keeps a value on one table row.
func cell(v string) string {
	v = strings.ReplaceAll(v, "|", "\\|")
	return strings.Join(strings.Fields(v), " ")
}

func htmlEscape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}
