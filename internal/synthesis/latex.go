package synthesis

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/manualminer/manualminer/internal/pipeline"
)

//go:embed templates/report.tex.tmpl
var latexTemplate string

// [[ ]] delimiters keep the template readable next to LaTeX's braces.
var latexTmpl = template.Must(template.New("report").
	Delims("[[", "]]").
	Funcs(template.FuncMap{"esc": escapeLaTeX, "inc": func(i int) int { return i + 1 }}).
	Parse(latexTemplate))

// LaTeXEmitter writes a typeset technical report. With Compile set it also
// runs pdflatex when the binary is on PATH; an absent binary is not an
// error, the .tex artifact still stands on its own.
type LaTeXEmitter struct {
	Compile bool
}

func (LaTeXEmitter) Name() string { return "latex" }

func (e LaTeXEmitter) Emit(ctx context.Context, res *pipeline.Result, dir string) ([]Artifact, error) {
	if res.Merged == nil {
		return nil, fmt.Errorf("no merged record to render")
	}

	var buf bytes.Buffer
	if err := latexTmpl.Execute(&buf, res.Merged); err != nil {
		return nil, fmt.Errorf("render latex: %w", err)
	}
	a, err := writeArtifact(dir, "report.tex", buf.Bytes())
	if err != nil {
		return nil, err
	}
	arts := []Artifact{a}

	if !e.Compile {
		return arts, nil
	}
	pdf, err := compilePDF(ctx, dir, a.Path)
	if err != nil {
		return arts, err
	}
	if pdf != nil {
		arts = append(arts, *pdf)
	}
	return arts, nil
}

// compilePDF runs pdflatex twice so cross-references settle. A missing
// binary returns no artifact and no error.
func compilePDF(ctx context.Context, dir, texPath string) (*Artifact, error) {
	bin, err := exec.LookPath("pdflatex")
	if err != nil {
		return nil, nil
	}
	for range 2 {
		cmd := exec.CommandContext(ctx, bin,
			"-interaction=nonstopmode", "-halt-on-error",
			"-output-directory", dir, texPath)
		if out, err := cmd.CombinedOutput(); err != nil {
			return nil, fmt.Errorf("pdflatex: %w: %s", err, tail(string(out), 400))
		}
	}
	pdfPath := strings.TrimSuffix(texPath, ".tex") + ".pdf"
	return &Artifact{Name: filepath.Base(pdfPath), Path: pdfPath}, nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

var latexEscaper = strings.NewReplacer(
	"\\", `\textbackslash{}`,
	"&", `\&`,
	"%", `\%`,
	"$", `\$`,
	"#", `\#`,
	"_", `\_`,
	"{", `\{`,
	"}", `\}`,
	"~", `\textasciitilde{}`,
	"^", `\textasciicircum{}`,
)

// escapeLaTeX makes arbitrary extracted text safe inside the report. It
// also flattens newlines, since values land in table cells and items.
func escapeLaTeX(s string) string {
	s = latexEscaper.Replace(s)
	return strings.Join(strings.Fields(s), " ")
}
