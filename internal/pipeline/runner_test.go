package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/manualminer/manualminer/internal/chunker"
	"github.com/manualminer/manualminer/internal/extract"
	"github.com/manualminer/manualminer/internal/genai"
	"github.com/manualminer/manualminer/internal/manual"
	"github.com/manualminer/manualminer/internal/ocr"
	"github.com/manualminer/manualminer/internal/remote"
)

const passReply = `{"verdict": "pass", "flags": []}`

// candidateReply builds a schema-valid extraction reply. Every reply
// carries the same specification entry so multi-chunk merges exercise
// dedup, while procedure names and summaries vary per chunk.
func candidateReply(device, procName, summary string) string {
	return fmt.Sprintf(`{
  "general_info": {"device_name": %q, "manufacturer": "Acme Diagnostics", "model": "", "device_type": "analyzer", "description": "", "applications": []},
  "procedures": [{"name": %q, "purpose": "", "sample_type": "", "steps": ["step one"], "duration": "", "controls": []}],
  "maintenance": [],
  "specifications": [{"name": "rotor speed", "value": "15000", "unit": "rpm", "category": "performance"}],
  "safety": [],
  "calibration": [],
  "troubleshooting": [],
  "summary": %q
}`, device, procName, summary)
}

type fakePreparer struct {
	pages int
	err   error
}

func (p *fakePreparer) Prepare(name string, data []byte) (*manual.Document, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &manual.Document{Name: name, SHA256: "cafe0123", PageCount: p.pages, Data: data}, nil
}

type scriptedOCR struct {
	mu    sync.Mutex
	texts map[int]string // first page of the range -> text override
	errs  map[int]error  // first page of the range -> error
	calls []manual.PageRange
}

func (o *scriptedOCR) ExtractText(_ context.Context, req ocr.Request) (*ocr.Result, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, req.Range)
	if err, ok := o.errs[req.Range.First]; ok {
		return nil, err
	}
	text, ok := o.texts[req.Range.First]
	if !ok {
		text = fmt.Sprintf("Operating instructions for pages %d through %d.", req.Range.First, req.Range.Last)
	}
	conf := 0.9
	if strings.TrimSpace(text) == "" {
		conf = 0
	}
	pages := make([]ocr.PageConfidence, req.Range.Pages())
	for i := range pages {
		pages[i] = ocr.PageConfidence{Page: req.Range.First + i, Confidence: conf}
	}
	return &ocr.Result{Text: text, Pages: pages}, nil
}

func (o *scriptedOCR) Name() string { return "scripted" }

func (o *scriptedOCR) ranges() []manual.PageRange {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]manual.PageRange, len(o.calls))
	copy(out, o.calls)
	return out
}

// scriptedModel routes prompts by their distinctive markers and replays
// canned replies in call order. Exhausted lists repeat their last entry.
type scriptedModel struct {
	mu sync.Mutex

	extracts []string
	verdicts []string
	repairs  []string
	synth    string
	synthErr error

	extractCalls int
	verdictCalls int
	repairCalls  int
	synthCalls   int
	prompts      []string

	onVerdict func(call int)
}

func (m *scriptedModel) Generate(_ context.Context, req genai.Request) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompts = append(m.prompts, req.Prompt)

	switch {
	case strings.Contains(req.Prompt, "TEXT TO ANALYZE"):
		m.extractCalls++
		return replay(m.extracts, m.extractCalls, candidateReply("", "", "")), nil
	case strings.Contains(req.Prompt, "EXTRACTED RECORD"):
		m.verdictCalls++
		if m.onVerdict != nil {
			m.onVerdict(m.verdictCalls)
		}
		return replay(m.verdicts, m.verdictCalls, passReply), nil
	case strings.Contains(req.Prompt, "DOCUMENT TO FIX"):
		m.repairCalls++
		return replay(m.repairs, m.repairCalls, candidateReply("", "", "")), nil
	case strings.Contains(req.Prompt, "STRUCTURED RECORD"):
		m.synthCalls++
		if m.synthErr != nil {
			return "", m.synthErr
		}
		if m.synth != "" {
			return m.synth, nil
		}
		return "A concise overview of the instrument.", nil
	}
	return "", fmt.Errorf("unexpected prompt: %s", remote.Truncate(req.Prompt, 80))
}

func (m *scriptedModel) Name() string { return "scripted" }

func (m *scriptedModel) extractionPrompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, p := range m.prompts {
		if strings.Contains(p, "TEXT TO ANALYZE") {
			out = append(out, p)
		}
	}
	return out
}

func replay(list []string, call int, fallback string) string {
	if call <= len(list) {
		return list[call-1]
	}
	if len(list) > 0 {
		return list[len(list)-1]
	}
	return fallback
}

func testOptions(model *scriptedModel, o *scriptedOCR, pages, maxRetries int) RunnerOptions {
	return RunnerOptions{
		Preparer: &fakePreparer{pages: pages},
		OCR:      o,
		Model:    model,
		Policy:   remote.Policy{MaxRetries: maxRetries, Delay: time.Millisecond},
		Log:      slog.New(slog.NewTextHandler(io.Discard, nil)),

		MaxPagesPerChunk: 15,
		Extraction: extract.Config{
			MaxTokensPerRequest: 16000,
			MaxOutputTokens:     4096,
			Temperature:         0.1,
			Language:            "en",
		},
	}
}

func mustRunner(t *testing.T, opts RunnerOptions) *Runner {
	t.Helper()
	r, err := NewRunner(opts)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	return r
}

func TestRun_HappyPath(t *testing.T) {
	model := &scriptedModel{
		extracts: []string{
			candidateReply("HemoCell 3000", "Blood count", "Covers installation."),
			candidateReply("HemoCell 3000", "Quality control", "Covers operation."),
			candidateReply("HemoCell 3000", "Shutdown", "Covers maintenance."),
		},
		synth: "The HemoCell 3000 is a hematology analyzer.",
	}
	o := &scriptedOCR{}
	buf := &BufferSink{}
	opts := testOptions(model, o, 40, 1)
	opts.Sink = buf

	res, err := mustRunner(t, opts).Run(context.Background(), "manual.pdf", []byte("%PDF-fake"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	wantRanges := []manual.PageRange{{First: 1, Last: 15}, {First: 16, Last: 30}, {First: 31, Last: 40}}
	got := o.ranges()
	if len(got) != len(wantRanges) {
		t.Fatalf("ocr calls = %d, want %d", len(got), len(wantRanges))
	}
	for i, want := range wantRanges {
		if got[i] != want {
			t.Errorf("ocr call %d range = %+v, want %+v", i, got[i], want)
		}
	}

	if len(res.Outcomes) != 3 {
		t.Fatalf("outcomes = %d, want 3", len(res.Outcomes))
	}
	for i, out := range res.Outcomes {
		if out.State != ChunkAccepted {
			t.Errorf("chunk %d state = %q, want accepted", i+1, out.State)
		}
		if out.Confidence < 0.89 || out.Confidence > 0.91 {
			t.Errorf("chunk %d confidence = %v", i+1, out.Confidence)
		}
	}

	m := res.Merged
	if m == nil {
		t.Fatal("no merged document")
	}
	if m.GeneralInfo.DeviceName != "HemoCell 3000" {
		t.Errorf("device = %q", m.GeneralInfo.DeviceName)
	}
	if len(m.Procedures) != 3 {
		t.Errorf("procedures = %d, want 3", len(m.Procedures))
	}
	if len(m.Specifications) != 1 {
		t.Errorf("specifications = %d, want 1 (identical entries should collapse)", len(m.Specifications))
	}
	if len(m.Conflicts) != 0 {
		t.Errorf("conflicts = %+v, want none", m.Conflicts)
	}
	if m.Summary != "The HemoCell 3000 is a hematology analyzer." {
		t.Errorf("summary = %q", m.Summary)
	}
	if m.Source.PageCount != 40 || m.Source.Name != "manual.pdf" {
		t.Errorf("source = %+v", m.Source)
	}
	if m.CreatedAt.IsZero() {
		t.Error("created_at not set")
	}

	st := res.Stats
	if st.Pages != 40 || st.Chunks != 3 || st.Accepted != 3 {
		t.Errorf("stats = %+v", st)
	}
	if st.OCRConfidence < 0.89 || st.OCRConfidence > 0.91 {
		t.Errorf("ocr confidence = %v", st.OCRConfidence)
	}
	if st.Sections["procedures"] != 3 {
		t.Errorf("section counts = %+v", st.Sections)
	}
	if model.extractCalls != 3 || model.verdictCalls != 3 || model.synthCalls != 1 {
		t.Errorf("calls: extract=%d verdict=%d synth=%d", model.extractCalls, model.verdictCalls, model.synthCalls)
	}

	events := buf.Events()
	if len(events) == 0 {
		t.Fatal("no events published")
	}
	for i, e := range events {
		if e.Seq != i+1 {
			t.Fatalf("event %d has seq %d, want %d", i, e.Seq, i+1)
		}
	}
	if last := events[len(events)-1]; last.Level != LevelSuccess || !strings.Contains(last.Message, "run complete") {
		t.Errorf("last event = %+v", last)
	}
}

func TestRun_PriorContextFlowsForward(t *testing.T) {
	model := &scriptedModel{
		extracts: []string{
			candidateReply("HemoCell 3000", "Install", "First part covers installation."),
			candidateReply("", "Operate", "Second part."),
		},
	}
	o := &scriptedOCR{}
	opts := testOptions(model, o, 30, 1)

	if _, err := mustRunner(t, opts).Run(context.Background(), "m.pdf", nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	prompts := model.extractionPrompts()
	if len(prompts) != 2 {
		t.Fatalf("extraction prompts = %d, want 2", len(prompts))
	}
	if !strings.Contains(prompts[0], "Start of document.") {
		t.Error("first chunk should start without prior context")
	}
	if !strings.Contains(prompts[1], "HemoCell 3000") {
		t.Error("second chunk prompt should carry the device name from chunk 1")
	}
	if !strings.Contains(prompts[1], "installation") {
		t.Error("second chunk prompt should carry the rolling summary")
	}
}

func TestRun_MalformedChunkFailsTerminally(t *testing.T) {
	model := &scriptedModel{
		extracts: []string{
			candidateReply("HemoCell 3000", "Install", "s1"),
			"not json at all",
			"not json at all",
			"not json at all",
			candidateReply("", "Operate", "s3"),
		},
	}
	o := &scriptedOCR{}
	opts := testOptions(model, o, 40, 2)

	res, err := mustRunner(t, opts).Run(context.Background(), "m.pdf", nil)
	if err != nil {
		t.Fatalf("Run should continue past a failed chunk, got %v", err)
	}

	out := res.Outcomes[1]
	if out.State != ChunkFailed || out.Stage != "extract" {
		t.Fatalf("chunk 2 outcome = %+v", out)
	}
	if !strings.Contains(out.Reason, "after 3 attempts") {
		t.Errorf("reason = %q, want exhaustion after 3 attempts", out.Reason)
	}
	if !strings.Contains(out.Reason, "malformed reply") {
		t.Errorf("reason = %q, want the underlying malformed error", out.Reason)
	}
	if out.Retries != 2 {
		t.Errorf("retries = %d, want 2", out.Retries)
	}
	if model.extractCalls != 5 {
		t.Errorf("extraction calls = %d, want 5 (1 + 3 + 1)", model.extractCalls)
	}

	m := res.Merged
	if m == nil {
		t.Fatal("run with surviving chunks must still merge")
	}
	if len(m.MissingRanges) != 1 {
		t.Fatalf("missing ranges = %+v", m.MissingRanges)
	}
	gap := m.MissingRanges[0]
	if gap.Range != (manual.PageRange{First: 16, Last: 30}) || gap.Stage != "extract" {
		t.Errorf("gap = %+v", gap)
	}
	if res.Stats.Failed != 1 || res.Stats.Accepted != 2 {
		t.Errorf("stats = %+v", res.Stats)
	}

	// The failed chunk contributed no context, but chunk 1 still did.
	prompts := model.extractionPrompts()
	if last := prompts[len(prompts)-1]; !strings.Contains(last, "HemoCell 3000") {
		t.Error("chunk 3 should still receive context from chunk 1")
	}
}

func TestRun_BlankChunkRecordsGap(t *testing.T) {
	model := &scriptedModel{
		extracts: []string{candidateReply("HemoCell 3000", "Install", "s1")},
	}
	o := &scriptedOCR{texts: map[int]string{16: " \n\f "}}
	opts := testOptions(model, o, 30, 1)

	res, err := mustRunner(t, opts).Run(context.Background(), "m.pdf", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out := res.Outcomes[1]; out.State != ChunkEmpty || out.Stage != "ocr" {
		t.Fatalf("chunk 2 outcome = %+v", out)
	}
	if model.extractCalls != 1 {
		t.Errorf("extraction calls = %d, blank chunk must not reach the model", model.extractCalls)
	}
	if res.Stats.Empty != 1 {
		t.Errorf("stats = %+v", res.Stats)
	}
	if len(res.Merged.MissingRanges) != 1 || res.Merged.MissingRanges[0].Stage != "ocr" {
		t.Errorf("missing ranges = %+v", res.Merged.MissingRanges)
	}
}

func TestRun_OCRErrorHandling(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		maxRetries  int
		wantCalls   int // total OCR calls across both chunks
		wantRetries int
	}{
		{
			name:        "non-retryable fails fast",
			err:         &ocr.PageLimitError{Requested: 16, Limit: 15},
			maxRetries:  2,
			wantCalls:   2,
			wantRetries: 0,
		},
		{
			name:        "quota exhausts the budget",
			err:         &remote.QuotaError{Provider: "ocr", StatusCode: 429, Message: "slow down"},
			maxRetries:  1,
			wantCalls:   3,
			wantRetries: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model := &scriptedModel{
				extracts: []string{candidateReply("HemoCell 3000", "Install", "s1")},
			}
			o := &scriptedOCR{errs: map[int]error{16: tt.err}}
			opts := testOptions(model, o, 30, tt.maxRetries)

			res, err := mustRunner(t, opts).Run(context.Background(), "m.pdf", nil)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			out := res.Outcomes[1]
			if out.State != ChunkFailed || out.Stage != "ocr" {
				t.Fatalf("chunk 2 outcome = %+v", out)
			}
			if out.Retries != tt.wantRetries {
				t.Errorf("retries = %d, want %d", out.Retries, tt.wantRetries)
			}
			if got := len(o.ranges()); got != tt.wantCalls {
				t.Errorf("ocr calls = %d, want %d", got, tt.wantCalls)
			}
		})
	}
}

func TestRun_RepairedChunkStaysAccepted(t *testing.T) {
	model := &scriptedModel{
		extracts: []string{`{"general_info": {"device_name": "X-200"}}`},
		repairs:  []string{candidateReply("X-200", "Startup", "s1")},
	}
	o := &scriptedOCR{}
	opts := testOptions(model, o, 10, 1)

	res, err := mustRunner(t, opts).Run(context.Background(), "m.pdf", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	out := res.Outcomes[0]
	if out.State != ChunkAccepted {
		t.Fatalf("outcome = %+v, want accepted", out)
	}
	if !out.Repaired {
		t.Error("outcome should record the repair round-trip")
	}
	if model.repairCalls != 1 {
		t.Errorf("repair calls = %d, want 1", model.repairCalls)
	}
	if res.Merged.GeneralInfo.DeviceName != "X-200" {
		t.Errorf("device = %q", res.Merged.GeneralInfo.DeviceName)
	}
}

func TestRun_RejectedChunkRecordsGap(t *testing.T) {
	model := &scriptedModel{
		extracts: []string{
			candidateReply("HemoCell 3000", "Install", "s1"),
			`{"general_info": {"device_name": "Y"}}`,
		},
		repairs: []string{`{"general_info": {"device_name": "Y"}}`},
	}
	o := &scriptedOCR{}
	opts := testOptions(model, o, 30, 1)

	res, err := mustRunner(t, opts).Run(context.Background(), "m.pdf", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	out := res.Outcomes[1]
	if out.State != ChunkRejected || out.Stage != "validate" {
		t.Fatalf("chunk 2 outcome = %+v", out)
	}
	if !strings.Contains(out.Reason, "still invalid after repair") {
		t.Errorf("reason = %q", out.Reason)
	}
	if res.Stats.Rejected != 1 || res.Stats.Accepted != 1 {
		t.Errorf("stats = %+v", res.Stats)
	}
	if len(res.Merged.MissingRanges) != 1 || res.Merged.MissingRanges[0].Stage != "validate" {
		t.Errorf("missing ranges = %+v", res.Merged.MissingRanges)
	}
}

func TestRun_FlaggedFieldStrippedNotRejected(t *testing.T) {
	model := &scriptedModel{
		extracts: []string{candidateReply("HemoCell 3000", "Install", "s1")},
		verdicts: []string{`{"verdict": "flag", "flags": [
			{"section": "specifications", "index": 0, "field": "value", "reason": "not in source"}
		]}`},
	}
	o := &scriptedOCR{}
	opts := testOptions(model, o, 10, 1)

	res, err := mustRunner(t, opts).Run(context.Background(), "m.pdf", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	out := res.Outcomes[0]
	if out.State != ChunkAcceptedWithWarning {
		t.Fatalf("outcome = %+v, want accepted_with_warning", out)
	}
	if len(out.Stripped) != 1 || !strings.Contains(out.Stripped[0], "specifications[0].value") {
		t.Errorf("stripped = %+v", out.Stripped)
	}

	m := res.Merged
	if len(m.Specifications) != 1 {
		t.Fatalf("specifications = %+v", m.Specifications)
	}
	if m.Specifications[0].Value != "" {
		t.Errorf("flagged value survived: %q", m.Specifications[0].Value)
	}
	if m.Specifications[0].Name != "rotor speed" {
		t.Errorf("unflagged field lost: %+v", m.Specifications[0])
	}
	if res.Stats.Warnings != 1 {
		t.Errorf("stats = %+v", res.Stats)
	}
	if len(m.Warnings) != 1 {
		t.Errorf("merged warnings = %+v", m.Warnings)
	}
}

func TestRun_ZeroAcceptedFails(t *testing.T) {
	model := &scriptedModel{extracts: []string{"garbage"}}
	o := &scriptedOCR{}
	opts := testOptions(model, o, 10, 0)

	res, err := mustRunner(t, opts).Run(context.Background(), "m.pdf", nil)
	if !errors.Is(err, ErrNoContent) {
		t.Fatalf("err = %v, want ErrNoContent", err)
	}
	if res == nil || len(res.Outcomes) != 1 {
		t.Fatalf("manifest must survive a failed run: %+v", res)
	}
	if res.Merged != nil {
		t.Error("failed run must not produce a merged document")
	}
	if res.Outcomes[0].State != ChunkFailed {
		t.Errorf("outcome = %+v", res.Outcomes[0])
	}
}

func TestRun_CancelBetweenChunks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	model := &scriptedModel{
		extracts: []string{candidateReply("HemoCell 3000", "Install", "s1")},
	}
	model.onVerdict = func(call int) {
		if call == 1 {
			cancel()
		}
	}
	o := &scriptedOCR{}
	opts := testOptions(model, o, 40, 1)

	res, err := mustRunner(t, opts).Run(ctx, "m.pdf", nil)

	var ce *CancelledError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want CancelledError", err)
	}
	if ce.CompletedChunks != 1 || ce.TotalChunks != 3 {
		t.Errorf("cancelled = %+v", ce)
	}
	if !errors.Is(err, context.Canceled) {
		t.Error("CancelledError should wrap the context error")
	}
	if len(res.Outcomes) != 1 || res.Outcomes[0].State != ChunkAccepted {
		t.Errorf("outcomes = %+v", res.Outcomes)
	}
	if got := len(o.ranges()); got != 1 {
		t.Errorf("ocr calls = %d, chunk 2 must not start after cancellation", got)
	}
	if res.Merged != nil {
		t.Error("cancelled run must not merge")
	}
}

func TestRun_SynthesisFallback(t *testing.T) {
	model := &scriptedModel{
		extracts: []string{candidateReply("HemoCell 3000", "Install", "Covers installation.")},
		synthErr: &remote.InvalidRequestError{Provider: "genai", StatusCode: 400, Message: "nope"},
	}
	o := &scriptedOCR{}
	opts := testOptions(model, o, 10, 1)

	res, err := mustRunner(t, opts).Run(context.Background(), "m.pdf", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	sum := res.Merged.Summary
	if !strings.HasPrefix(sum, "HemoCell 3000 (Acme Diagnostics)") {
		t.Errorf("fallback summary = %q", sum)
	}
	if !strings.Contains(sum, "1 procedures") {
		t.Errorf("fallback summary should count entries: %q", sum)
	}
	if !strings.Contains(sum, "Covers installation.") {
		t.Errorf("fallback summary should keep the chunk summaries: %q", sum)
	}
}

func TestRun_InvalidChunkConfiguration(t *testing.T) {
	model := &scriptedModel{}
	o := &scriptedOCR{}
	opts := testOptions(model, o, 10, 1)
	opts.MaxPagesPerChunk = 0

	_, err := mustRunner(t, opts).Run(context.Background(), "m.pdf", nil)
	var ice *chunker.InvalidConfigError
	if !errors.As(err, &ice) {
		t.Fatalf("err = %v, want InvalidConfigError", err)
	}
	if got := len(o.ranges()); got != 0 {
		t.Errorf("ocr calls = %d, want 0", got)
	}
}

func TestRun_PrepareFailure(t *testing.T) {
	model := &scriptedModel{}
	o := &scriptedOCR{}
	opts := testOptions(model, o, 10, 1)
	opts.Preparer = &fakePreparer{err: errors.New("missing %PDF header")}

	res, err := mustRunner(t, opts).Run(context.Background(), "junk.bin", []byte("hello"))
	if err == nil || !strings.Contains(err.Error(), "missing %PDF header") {
		t.Fatalf("err = %v", err)
	}
	if res != nil {
		t.Errorf("res = %+v, want nil", res)
	}
}
