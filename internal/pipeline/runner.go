// Package pipeline drives one document end to end: prepare, chunk, then a
// strictly sequential per-chunk loop (OCR, extraction, validation), then
// merge and synthesis. Chunks run in order because each extraction receives
// context accumulated from earlier accepted chunks.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/manualminer/manualminer/internal/chunker"
	"github.com/manualminer/manualminer/internal/extract"
	"github.com/manualminer/manualminer/internal/genai"
	"github.com/manualminer/manualminer/internal/manual"
	"github.com/manualminer/manualminer/internal/merge"
	"github.com/manualminer/manualminer/internal/ocr"
	"github.com/manualminer/manualminer/internal/pdfprep"
	"github.com/manualminer/manualminer/internal/prompt"
	"github.com/manualminer/manualminer/internal/remote"
	"github.com/manualminer/manualminer/internal/validate"
)

// ChunkState is the lifecycle position of one chunk. A chunk moves
// pending -> extracting -> validating and stops on a terminal state.
type ChunkState string

const (
	ChunkPending    ChunkState = "pending"
	ChunkExtracting ChunkState = "extracting"
	ChunkValidating ChunkState = "validating"

	// Terminal states.
	ChunkAccepted            ChunkState = "accepted"
	ChunkAcceptedWithWarning ChunkState = "accepted_with_warning"
	ChunkRejected            ChunkState = "rejected"
	ChunkFailed              ChunkState = "failed"
	ChunkEmpty               ChunkState = "empty"
)

// ChunkOutcome is one manifest entry: where a chunk ended and why. Stage
// names the pipeline stage that decided a non-accepted outcome.
type ChunkOutcome struct {
	Chunk      manual.Chunk `json:"chunk"`
	State      ChunkState   `json:"state"`
	Stage      string       `json:"stage,omitempty"`
	Reason     string       `json:"reason,omitempty"`
	Confidence float64      `json:"ocr_confidence"`
	Retries    int          `json:"retries,omitempty"`
	Repaired   bool         `json:"repaired,omitempty"`
	Stripped   []string     `json:"stripped,omitempty"`
	ReviewFlag bool         `json:"needs_review,omitempty"`
}

// RunStats summarizes a run for the CLI footer and the stats artifact.
type RunStats struct {
	RunID         string         `json:"run_id"`
	Document      string         `json:"document"`
	Pages         int            `json:"pages"`
	Chunks        int            `json:"chunks"`
	Accepted      int            `json:"accepted"`
	Warnings      int            `json:"accepted_with_warning"`
	Rejected      int            `json:"rejected"`
	Failed        int            `json:"failed"`
	Empty         int            `json:"empty"`
	OCRChars      int            `json:"ocr_chars"`
	OCRConfidence float64        `json:"ocr_mean_confidence"`
	Retries       int            `json:"retries"`
	Sections      map[string]int `json:"section_entries,omitempty"`
	Duration      time.Duration  `json:"duration"`
}

// Result is everything a run produces. Outcomes is populated even when the
// run as a whole fails after chunking.
type Result struct {
	RunID    string
	Merged   *manual.MergedDocument
	Outcomes []ChunkOutcome
	Stats    RunStats
}

// ErrNoContent means every chunk ended empty, rejected or failed, so there
// is nothing to merge.
var ErrNoContent = errors.New("no chunk survived validation")

// CancelledError reports a run stopped between chunks. The outcomes of
// chunks that reached a terminal state are preserved in the Result.
type CancelledError struct {
	CompletedChunks int
	TotalChunks     int
	Cause           error
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("run cancelled after %d of %d chunks", e.CompletedChunks, e.TotalChunks)
}

func (e *CancelledError) Unwrap() error {
	return e.Cause
}

// Preparer readies raw upload bytes for chunking. *pdfprep.Preparer is the
// production implementation.
type Preparer interface {
	Prepare(name string, data []byte) (*manual.Document, error)
}

// RunnerOptions wires the collaborators of a Runner. Model serves
// extraction, review and synthesis; OCR reads chunk text. Policy and Pacer
// govern every remote call either makes.
type RunnerOptions struct {
	Preparer Preparer
	OCR      ocr.Client
	Model    genai.Client
	Policy   remote.Policy
	Pacer    *remote.Pacer
	Sink     Sink
	Log      *slog.Logger

	MaxPagesPerChunk int
	Extraction       extract.Config
}

// Runner executes analysis runs. It is stateless across runs and safe for
// concurrent use; per-run state lives in Run.
type Runner struct {
	opts RunnerOptions
}

func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.OCR == nil {
		return nil, errors.New("pipeline: ocr client is required")
	}
	if opts.Model == nil {
		return nil, errors.New("pipeline: generation client is required")
	}
	if opts.Preparer == nil {
		opts.Preparer = &pdfprep.Preparer{}
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	return &Runner{opts: opts}, nil
}

// Run analyzes one document. Cancellation is honored between chunks and
// inside retry waits; a remote call in flight is never abandoned by the
// runner itself. On cancellation the returned Result holds the outcomes
// recorded so far and the error is a *CancelledError.
func (r *Runner) Run(ctx context.Context, name string, data []byte) (*Result, error) {
	return r.RunWithSink(ctx, name, data, r.opts.Sink)
}

// RunWithSink runs like Run but publishes progress to sink. The HTTP
// service uses it to route each job's events to that job's own buffer.
func (r *Runner) RunWithSink(ctx context.Context, name string, data []byte, sink Sink) (*Result, error) {
	runID := NewRunID()
	started := time.Now()

	rn := &run{
		opts: r.opts,
		log:  r.opts.Log.With("run_id", runID, "document", name),
		em:   &emitter{sink: sink},
	}
	policy := r.opts.Policy
	policy.OnRetry = func(op string, attempt int, wait time.Duration, err error) {
		rn.retries++
		rn.em.emit(LevelWarning, "%s: attempt %d failed, retrying in %s: %v", op, attempt, wait, err)
	}
	rn.policy = policy
	rn.extractor = extract.NewStage(r.opts.Model, policy, r.opts.Pacer, r.opts.Extraction)
	rn.validator = validate.NewStage(r.opts.Model, rn.extractor, policy, r.opts.Pacer)

	res := &Result{RunID: runID}
	res.Stats.RunID = runID
	res.Stats.Document = name

	rn.em.emit(LevelInfo, "run %s: preparing %s (%d bytes)", runID, name, len(data))
	doc, err := r.opts.Preparer.Prepare(name, data)
	if err != nil {
		rn.em.emit(LevelError, "preparation failed: %v", err)
		return nil, fmt.Errorf("prepare %s: %w", name, err)
	}
	rn.doc = doc
	if doc.Encrypted {
		rn.em.emit(LevelInfo, "encryption removed")
	}
	rn.em.emit(LevelInfo, "document ready: %d pages", doc.PageCount)

	ranges, err := chunker.Split(doc.PageCount, r.opts.MaxPagesPerChunk)
	if err != nil {
		rn.em.emit(LevelError, "chunking failed: %v", err)
		return nil, err
	}
	chunks := make([]manual.Chunk, len(ranges))
	for i, rg := range ranges {
		chunks[i] = manual.Chunk{Number: i + 1, Range: rg}
	}
	rn.em.emit(LevelInfo, "%d chunks of at most %d pages", len(chunks), r.opts.MaxPagesPerChunk)
	res.Stats.Pages = doc.PageCount
	res.Stats.Chunks = len(chunks)
	res.Outcomes = make([]ChunkOutcome, 0, len(chunks))

	for _, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return r.cancelled(rn, res, started, len(chunks), err)
		}
		res.Outcomes = append(res.Outcomes, rn.processChunk(ctx, chunk))
	}
	if err := ctx.Err(); err != nil {
		return r.cancelled(rn, res, started, len(chunks), err)
	}

	rn.tally(&res.Stats, res.Outcomes)
	if len(rn.accepted) == 0 {
		rn.em.emit(LevelError, "no chunk survived validation")
		res.Stats.Duration = time.Since(started)
		return res, ErrNoContent
	}

	merged, err := merge.Merge(rn.accepted)
	if err != nil {
		return res, fmt.Errorf("merge: %w", err)
	}
	merged.Source = manual.SourceInfo{
		Name:      doc.Name,
		SHA256:    doc.SHA256,
		PageCount: doc.PageCount,
		Encrypted: doc.Encrypted,
	}
	merged.MissingRanges = append(merged.MissingRanges, rn.gaps...)
	merged.Warnings = append(merged.Warnings, rn.warnings...)

	rn.em.emit(LevelInfo, "merged %d candidates: %d entries, %d conflicts, %d gaps",
		len(rn.accepted), merged.EntryCount(), len(merged.Conflicts), len(merged.MissingRanges))

	rn.em.emit(LevelInfo, "synthesizing final summary")
	summary, err := rn.synthesize(ctx, merged)
	if err != nil {
		if ctx.Err() != nil {
			return r.cancelled(rn, res, started, len(chunks), ctx.Err())
		}
		rn.em.emit(LevelWarning, "synthesis unavailable, using assembled summary: %v", err)
		summary = fallbackSynthesis(merged)
	}
	merged.Summary = summary
	merged.CreatedAt = time.Now().UTC()

	res.Merged = merged
	res.Stats.Retries = rn.retries
	res.Stats.Duration = time.Since(started)
	res.Stats.Sections = sectionCounts(merged)

	rn.em.emit(LevelSuccess, "run complete: %d/%d chunks usable, %d entries",
		res.Stats.Accepted+res.Stats.Warnings, len(chunks), merged.EntryCount())
	rn.log.Info("run complete",
		"chunks", len(chunks),
		"accepted", res.Stats.Accepted,
		"warnings", res.Stats.Warnings,
		"rejected", res.Stats.Rejected,
		"failed", res.Stats.Failed,
		"duration", res.Stats.Duration)
	return res, nil
}

func (r *Runner) cancelled(rn *run, res *Result, started time.Time, total int, cause error) (*Result, error) {
	rn.em.emit(LevelWarning, "run cancelled after %d of %d chunks", len(res.Outcomes), total)
	rn.tally(&res.Stats, res.Outcomes)
	res.Stats.Duration = time.Since(started)
	return res, &CancelledError{CompletedChunks: len(res.Outcomes), TotalChunks: total, Cause: cause}
}

// run carries the mutable state of one Run invocation. It is confined to
// the calling goroutine.
type run struct {
	opts      RunnerOptions
	log       *slog.Logger
	em        *emitter
	policy    remote.Policy
	extractor *extract.Stage
	validator *validate.Stage

	doc      *manual.Document
	accepted []manual.Candidate
	prior    extract.Context
	gaps     []manual.GapRecord
	warnings []string

	retries  int
	ocrChars int
	confSum  float64
	confN    int
}

func (r *run) processChunk(ctx context.Context, chunk manual.Chunk) (out ChunkOutcome) {
	out = ChunkOutcome{Chunk: chunk, State: ChunkPending}
	before := r.retries
	defer func() { out.Retries = r.retries - before }()

	r.em.emit(LevelInfo, "%s: recognizing text", chunk)
	rec, err := r.recognize(ctx, chunk)
	if err != nil {
		r.fail(&out, "ocr", err)
		return out
	}
	out.Confidence = rec.MeanConfidence()
	r.ocrChars += len(rec.Text)
	for _, p := range rec.Pages {
		r.confSum += p.Confidence
		r.confN++
	}

	if strings.TrimSpace(rec.Text) == "" {
		out.State = ChunkEmpty
		out.Stage = "ocr"
		out.Reason = "no text recognized"
		r.gaps = append(r.gaps, manual.GapRecord{Range: chunk.Range, Stage: "ocr", Reason: "no text recognized"})
		r.em.emit(LevelWarning, "%s: no text recognized, skipping", chunk)
		return out
	}

	out.State = ChunkExtracting
	r.em.emit(LevelInfo, "%s: extracting (%d chars, confidence %.2f)", chunk, len(rec.Text), out.Confidence)
	cand, err := r.extractor.Extract(ctx, chunk, rec.Text, r.prior)
	if err != nil {
		r.fail(&out, "extract", err)
		return out
	}

	out.State = ChunkValidating
	r.em.emit(LevelInfo, "%s: validating", chunk)
	verdict, err := r.validator.Validate(ctx, cand, rec.Text)
	if err != nil {
		r.fail(&out, "validate", err)
		return out
	}

	out.Repaired = verdict.Repaired
	switch verdict.Outcome {
	case validate.OutcomeRejected:
		out.State = ChunkRejected
		out.Stage = "validate"
		out.Reason = verdict.Reason
		r.gaps = append(r.gaps, manual.GapRecord{Range: chunk.Range, Stage: "validate", Reason: verdict.Reason})
		r.em.emit(LevelError, "%s: rejected: %s", chunk, verdict.Reason)

	case validate.OutcomeAcceptedWithWarning:
		out.State = ChunkAcceptedWithWarning
		out.Reason = verdict.Reason
		out.ReviewFlag = verdict.ReviewFlag
		for _, f := range verdict.Stripped {
			out.Stripped = append(out.Stripped, f.String())
		}
		r.warnings = append(r.warnings, fmt.Sprintf("%s: %s", chunk, verdict.Reason))
		r.accept(verdict.Candidate)
		r.em.emit(LevelWarning, "%s: accepted with warning: %s", chunk, verdict.Reason)

	default:
		out.State = ChunkAccepted
		r.accept(verdict.Candidate)
		r.em.emit(LevelSuccess, "%s: accepted (%d entries)", chunk, verdict.Candidate.EntryCount())
	}
	return out
}

func (r *run) recognize(ctx context.Context, chunk manual.Chunk) (*ocr.Result, error) {
	var rec *ocr.Result
	err := r.policy.Do(ctx, "ocr "+chunk.String(), func(ctx context.Context) error {
		if err := r.opts.Pacer.Wait(ctx); err != nil {
			return err
		}
		out, err := r.opts.OCR.ExtractText(ctx, ocr.Request{
			Data:     r.doc.Data,
			Range:    chunk.Range,
			Language: r.opts.Extraction.Language,
		})
		if err != nil {
			return err
		}
		rec = out
		return nil
	})
	return rec, err
}

// accept queues a validated candidate for the merge and folds its identity
// fields into the context handed to later chunks.
func (r *run) accept(cand manual.Candidate) {
	r.accepted = append(r.accepted, cand)
	if r.prior.DeviceName == "" {
		r.prior.DeviceName = cand.GeneralInfo.DeviceName
	}
	if r.prior.Manufacturer == "" {
		r.prior.Manufacturer = cand.GeneralInfo.Manufacturer
	}
	if s := strings.TrimSpace(cand.Summary); s != "" {
		if r.prior.Summary != "" {
			r.prior.Summary += " "
		}
		r.prior.Summary += s
	}
}

func (r *run) fail(out *ChunkOutcome, stage string, err error) {
	out.State = ChunkFailed
	out.Stage = stage
	out.Reason = err.Error()
	r.gaps = append(r.gaps, manual.GapRecord{Range: out.Chunk.Range, Stage: stage, Reason: err.Error()})
	r.em.emit(LevelError, "%s: %s failed: %v", out.Chunk, stage, err)
	r.log.Error("chunk failed", "chunk", out.Chunk.Number, "stage", stage, "error", err)
}

func (r *run) tally(stats *RunStats, outcomes []ChunkOutcome) {
	for _, out := range outcomes {
		switch out.State {
		case ChunkAccepted:
			stats.Accepted++
		case ChunkAcceptedWithWarning:
			stats.Warnings++
		case ChunkRejected:
			stats.Rejected++
		case ChunkFailed:
			stats.Failed++
		case ChunkEmpty:
			stats.Empty++
		}
	}
	stats.OCRChars = r.ocrChars
	if r.confN > 0 {
		stats.OCRConfidence = r.confSum / float64(r.confN)
	}
	stats.Retries = r.retries
}

// maxSynthesisRecordChars caps the merged record JSON handed to the
// synthesis prompt.
const maxSynthesisRecordChars = 15000

func (r *run) synthesize(ctx context.Context, m *manual.MergedDocument) (string, error) {
	record, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", err
	}
	user, err := prompt.Synthesis(r.opts.Extraction.Language, m.GeneralInfo.DeviceName, clipRunes(string(record), maxSynthesisRecordChars))
	if err != nil {
		return "", err
	}

	var out string
	err = r.policy.Do(ctx, "synthesize", func(ctx context.Context) error {
		if err := r.opts.Pacer.Wait(ctx); err != nil {
			return err
		}
		reply, err := r.opts.Model.Generate(ctx, genai.Request{
			Prompt:      user,
			MaxTokens:   r.opts.Extraction.MaxOutputTokens,
			Temperature: r.opts.Extraction.Temperature,
		})
		if err != nil {
			return err
		}
		reply = strings.TrimSpace(reply)
		if reply == "" {
			return errors.New("empty synthesis reply")
		}
		out = reply
		return nil
	})
	return out, err
}

// fallbackSynthesis assembles a plain summary from the merged record when
// the synthesis call is unavailable.
func fallbackSynthesis(m *manual.MergedDocument) string {
	var sb strings.Builder
	name := m.GeneralInfo.DeviceName
	if name == "" {
		name = "This device"
	}
	sb.WriteString(name)
	if m.GeneralInfo.Manufacturer != "" {
		fmt.Fprintf(&sb, " (%s)", m.GeneralInfo.Manufacturer)
	}
	fmt.Fprintf(&sb, ": %d procedures, %d maintenance tasks, %d specifications, %d safety notices, %d calibration routines, %d troubleshooting entries.",
		len(m.Procedures), len(m.Maintenance), len(m.Specifications), len(m.Safety), len(m.Calibration), len(m.Troubleshooting))
	if s := strings.TrimSpace(m.Summary); s != "" {
		sb.WriteString("\n\n")
		sb.WriteString(s)
	}
	return sb.String()
}

func sectionCounts(m *manual.MergedDocument) map[string]int {
	return map[string]int{
		"procedures":      len(m.Procedures),
		"maintenance":     len(m.Maintenance),
		"specifications":  len(m.Specifications),
		"safety":          len(m.Safety),
		"calibration":     len(m.Calibration),
		"troubleshooting": len(m.Troubleshooting),
	}
}

func clipRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
