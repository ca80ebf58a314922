// Package prompt renders the generation prompts from embedded templates.
package prompt

import (
	"bytes"
	"embed"
	"fmt"
	"text/template"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

var templates = template.Must(template.ParseFS(templatesFS, "templates/*.tmpl"))

// Render executes the named template. Names are the file names under
// templates/, e.g. "extract_user.tmpl".
func Render(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return buf.String(), nil
}

// LanguageLine is the output-language instruction shared by the prompts.
func LanguageLine(lang string) string {
	switch lang {
	case "fr":
		return "IMPORTANT: Respond EXCLUSIVELY in French. All extracted texts, descriptions and values must be in French."
	default:
		return "IMPORTANT: Respond EXCLUSIVELY in English. All extracted texts, descriptions and values must be in English."
	}
}

type extractData struct {
	LanguageLine string
	PriorContext string
	ChunkLabel   string
	Text         string
}

// Extraction renders the system and user prompts for structured extraction
// over one chunk of manual text.
func Extraction(lang, priorContext, chunkLabel, text string) (system, user string, err error) {
	system, err = Render("extract_system.tmpl", nil)
	if err != nil {
		return "", "", err
	}
	user, err = Render("extract_user.tmpl", extractData{
		LanguageLine: LanguageLine(lang),
		PriorContext: priorContext,
		ChunkLabel:   chunkLabel,
		Text:         text,
	})
	return system, user, err
}

type repairData struct {
	Problems []string
	JSON     string
}

// Repair renders the single-turn prompt that asks the model to fix a
// malformed or incomplete extraction document.
func Repair(problems []string, rawJSON string) (string, error) {
	return Render("repair.tmpl", repairData{Problems: problems, JSON: rawJSON})
}

type verdictData struct {
	ChunkLabel string
	Source     string
	Candidate  string
}

// Verdict renders the system and user prompts for the semantic review of
// an extraction candidate against its source text.
func Verdict(chunkLabel, source, candidate string) (system, user string, err error) {
	system, err = Render("verdict_system.tmpl", nil)
	if err != nil {
		return "", "", err
	}
	user, err = Render("verdict_user.tmpl", verdictData{
		ChunkLabel: chunkLabel,
		Source:     source,
		Candidate:  candidate,
	})
	return system, user, err
}

type synthesisData struct {
	LanguageLine string
	DeviceName   string
	Record       string
}

// Synthesis renders the single-turn prompt producing the final narrative
// summary from the merged record.
func Synthesis(lang, deviceName, record string) (string, error) {
	return Render("synthesis.tmpl", synthesisData{
		LanguageLine: LanguageLine(lang),
		DeviceName:   deviceName,
		Record:       record,
	})
}
