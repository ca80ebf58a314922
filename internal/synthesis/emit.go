// Package synthesis turns a finished run into human-readable artifacts:
// the merged record and per-chunk manifest as JSON, a Markdown synthesis
// document with an HTML rendering, and an optional LaTeX report.
package synthesis

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/manualminer/manualminer/internal/pipeline"
)

// Artifact describes one file written for a run.
type Artifact struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	Bytes int    `json:"bytes"`
}

// Emitter writes one artifact family for a finished run into dir,
// creating it as needed.
type Emitter interface {
	Emit(ctx context.Context, res *pipeline.Result, dir string) ([]Artifact, error)
	Name() string
}

// JSONEmitter writes the merged record and the per-chunk manifest. The
// manifest is written even when the run produced no merged record, so a
// failed run still leaves an audit trail.
type JSONEmitter struct{}

func (JSONEmitter) Name() string { return "json" }

func (JSONEmitter) Emit(_ context.Context, res *pipeline.Result, dir string) ([]Artifact, error) {
	var arts []Artifact

	if res.Merged != nil {
		record, err := json.MarshalIndent(res.Merged, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("marshal record: %w", err)
		}
		a, err := writeArtifact(dir, "record.json", append(record, '\n'))
		if err != nil {
			return nil, err
		}
		arts = append(arts, a)
	}

	manifest, err := json.MarshalIndent(manifestDoc{
		RunID:    res.RunID,
		Document: res.Stats.Document,
		Stats:    res.Stats,
		Chunks:   res.Outcomes,
	}, "", "  ")
	if err != nil {
		return arts, fmt.Errorf("marshal manifest: %w", err)
	}
	a, err := writeArtifact(dir, "manifest.json", append(manifest, '\n'))
	if err != nil {
		return arts, err
	}
	return append(arts, a), nil
}

type manifestDoc struct {
	RunID    string                  `json:"run_id"`
	Document string                  `json:"document"`
	Stats    pipeline.RunStats       `json:"stats"`
	Chunks   []pipeline.ChunkOutcome `json:"chunks"`
}

func writeArtifact(dir, name string, data []byte) (Artifact, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Artifact{}, err
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return Artifact{}, fmt.Errorf("write %s: %w", name, err)
	}
	return Artifact{Name: name, Path: path, Bytes: len(data)}, nil
}
