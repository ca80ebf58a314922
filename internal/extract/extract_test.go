package extract

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/manualminer/manualminer/internal/genai"
	"github.com/manualminer/manualminer/internal/manual"
	"github.com/manualminer/manualminer/internal/remote"
)

// fakeClient replays scripted replies and records every request.
type fakeClient struct {
	replies []string
	calls   []genai.Request
}

func (f *fakeClient) Name() string { return "fake" }

func (f *fakeClient) Generate(ctx context.Context, req genai.Request) (string, error) {
	f.calls = append(f.calls, req)
	if len(f.replies) == 0 {
		return "", errors.New("fake client: out of replies")
	}
	reply := f.replies[0]
	f.replies = f.replies[1:]
	return reply, nil
}

const goodReply = `{
	"general_info": {"device_name": "HemoCell 3000", "manufacturer": "Acme", "model": "", "device_type": "", "description": "", "applications": []},
	"procedures": [{"name": "blood count", "purpose": "", "sample_type": "", "steps": [], "duration": "", "controls": []}],
	"maintenance": [],
	"specifications": [],
	"safety": [],
	"calibration": [],
	"troubleshooting": [],
	"summary": "introduces the analyzer"
}`

func testPolicy(maxRetries int) remote.Policy {
	return remote.Policy{MaxRetries: maxRetries, Delay: time.Millisecond}
}

func testConfig() Config {
	return Config{
		MaxTokensPerRequest: 16000,
		MaxOutputTokens:     4096,
		Temperature:         0.1,
		Language:            "en",
	}
}

func chunkOne() manual.Chunk {
	return manual.Chunk{Number: 1, Range: manual.PageRange{First: 1, Last: 15}}
}

func TestStageExtract(t *testing.T) {
	client := &fakeClient{replies: []string{goodReply}}
	stage := NewStage(client, testPolicy(2), nil, testConfig())

	cand, err := stage.Extract(context.Background(), chunkOne(), "INSTALLATION\n\nUnpack the analyzer.", Context{})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(client.calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(client.calls))
	}
	if cand.GeneralInfo.DeviceName != "HemoCell 3000" {
		t.Errorf("device_name = %q", cand.GeneralInfo.DeviceName)
	}
	if cand.Chunk.Number != 1 {
		t.Errorf("chunk = %+v, want the chunk stamped on the candidate", cand.Chunk)
	}

	req := client.calls[0]
	if !strings.Contains(req.Prompt, "Unpack the analyzer.") {
		t.Error("prompt missing chunk text")
	}
	if !strings.Contains(req.Prompt, "chunk 1 (pages 1-15)") {
		t.Error("prompt missing chunk label")
	}
	if req.System == "" {
		t.Error("extraction should carry a system prompt")
	}
	if req.Temperature != 0.1 || req.MaxTokens != 4096 {
		t.Errorf("request tuning = %+v", req)
	}
}

func TestStageExtract_PriorContextInPrompt(t *testing.T) {
	client := &fakeClient{replies: []string{goodReply}}
	stage := NewStage(client, testPolicy(0), nil, testConfig())

	prior := Context{DeviceName: "HemoCell 3000", Manufacturer: "Acme", Summary: "chunk one covered installation"}
	if _, err := stage.Extract(context.Background(), chunkOne(), "page text", prior); err != nil {
		t.Fatalf("Extract: %v", err)
	}
	prompt := client.calls[0].Prompt
	if !strings.Contains(prompt, "chunk one covered installation") {
		t.Error("prompt missing prior summary")
	}
	if !strings.Contains(prompt, "HemoCell 3000") {
		t.Error("prompt missing prior device name")
	}
}

func TestStageExtract_SplitsOversizedText(t *testing.T) {
	partOne := `{"general_info": {"device_name": "X-200"}, "procedures": [{"name": "startup"}], "summary": "part one"}`
	partTwo := `{"general_info": {"manufacturer": "Acme"}, "procedures": [{"name": "shutdown"}], "summary": "part two"}`
	client := &fakeClient{replies: []string{partOne, partTwo}}

	cfg := testConfig()
	cfg.MaxTokensPerRequest = 3000 // text budget floors at 1000 tokens
	stage := NewStage(client, testPolicy(0), nil, cfg)

	// ~1200 words is about 1600 estimated tokens: two parts.
	text := strings.Repeat("The rotor turns at high speed. ", 200)
	cand, err := stage.Extract(context.Background(), chunkOne(), text, Context{})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(client.calls) != 2 {
		t.Fatalf("calls = %d, want one per part", len(client.calls))
	}
	if !strings.Contains(client.calls[0].Prompt, "part 1/2") || !strings.Contains(client.calls[1].Prompt, "part 2/2") {
		t.Error("part labels missing from prompts")
	}

	if cand.GeneralInfo.DeviceName != "X-200" || cand.GeneralInfo.Manufacturer != "Acme" {
		t.Errorf("general_info = %+v, want fields folded across parts", cand.GeneralInfo)
	}
	if len(cand.Procedures) != 2 {
		t.Errorf("procedures = %+v, want entries from both parts", cand.Procedures)
	}
	if cand.Summary != "part one part two" {
		t.Errorf("summary = %q", cand.Summary)
	}
}

func TestStage_TextBudgetReservesCompletionRoom(t *testing.T) {
	tests := []struct {
		name      string
		maxTokens int
		maxOutput int
		want      int
	}{
		{"defaults", 16000, 8192, 16000 - promptOverheadTokens - 8192},
		{"generous budget", 32000, 4096, 32000 - promptOverheadTokens - 4096},
		{"floors at minimum", 3000, 4096, 1000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.MaxTokensPerRequest = tt.maxTokens
			cfg.MaxOutputTokens = tt.maxOutput
			stage := NewStage(&fakeClient{}, testPolicy(0), nil, cfg)
			if got := stage.textBudget(); got != tt.want {
				t.Errorf("textBudget() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestStageExtract_RetriesMalformedReply(t *testing.T) {
	client := &fakeClient{replies: []string{"I cannot answer that.", goodReply}}
	stage := NewStage(client, testPolicy(2), nil, testConfig())

	cand, err := stage.Extract(context.Background(), chunkOne(), "text", Context{})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(client.calls) != 2 {
		t.Fatalf("calls = %d, want a retry after the malformed reply", len(client.calls))
	}
	if cand.GeneralInfo.DeviceName != "HemoCell 3000" {
		t.Errorf("device_name = %q", cand.GeneralInfo.DeviceName)
	}
}

func TestStageExtract_ExhaustsOnPersistentGarbage(t *testing.T) {
	client := &fakeClient{replies: []string{"garbage", "garbage", "garbage"}}
	stage := NewStage(client, testPolicy(2), nil, testConfig())

	_, err := stage.Extract(context.Background(), chunkOne(), "text", Context{})
	var ex *remote.ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("error = %v, want *remote.ExhaustedError", err)
	}
	if ex.Attempts != 3 {
		t.Errorf("attempts = %d, want 3 for maxRetries=2", ex.Attempts)
	}
	var me *MalformedError
	if !errors.As(err, &me) {
		t.Error("exhaustion should wrap the last malformed-extraction error")
	}
	if len(client.calls) != 3 {
		t.Errorf("calls = %d, want 3", len(client.calls))
	}
}

func TestStageExtract_NonRetryableFailsFast(t *testing.T) {
	client := &failingClient{err: &remote.InvalidRequestError{Provider: "gemini", StatusCode: 400, Message: "bad key"}}
	stage := NewStage(client, testPolicy(3), nil, testConfig())

	_, err := stage.Extract(context.Background(), chunkOne(), "text", Context{})
	var ire *remote.InvalidRequestError
	if !errors.As(err, &ire) {
		t.Fatalf("error = %v, want the invalid-request error untouched", err)
	}
	if client.calls != 1 {
		t.Errorf("calls = %d, want no retries", client.calls)
	}
}

type failingClient struct {
	err   error
	calls int
}

func (f *failingClient) Name() string { return "failing" }

func (f *failingClient) Generate(ctx context.Context, req genai.Request) (string, error) {
	f.calls++
	return "", f.err
}

func TestStageExtract_BlankTextSkipsRemoteCall(t *testing.T) {
	client := &fakeClient{}
	stage := NewStage(client, testPolicy(2), nil, testConfig())

	cand, err := stage.Extract(context.Background(), chunkOne(), "  \n\f  ", Context{})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(client.calls) != 0 {
		t.Errorf("calls = %d, blank text must not reach the model", len(client.calls))
	}
	if cand.EntryCount() != 0 || cand.Procedures == nil {
		t.Errorf("candidate = %+v, want explicit empty sections", cand)
	}
}

func TestStageRepair(t *testing.T) {
	client := &fakeClient{replies: []string{goodReply}}
	stage := NewStage(client, testPolicy(1), nil, testConfig())

	raw := []byte(`{"general_info": {"device_name": "HemoCell 3000"}`)
	problems := []string{`missing required key "safety"`}
	cand, err := stage.Repair(context.Background(), raw, problems)
	if err != nil {
		t.Fatalf("Repair: %v", err)
	}
	if cand.GeneralInfo.DeviceName != "HemoCell 3000" {
		t.Errorf("device_name = %q", cand.GeneralInfo.DeviceName)
	}

	prompt := client.calls[0].Prompt
	if !strings.Contains(prompt, `missing required key "safety"`) {
		t.Error("repair prompt missing the problem list")
	}
	if !strings.Contains(prompt, `{"general_info": {"device_name": "HemoCell 3000"}`) {
		t.Error("repair prompt missing the document to fix")
	}
}

func TestContextRender(t *testing.T) {
	c := Context{DeviceName: "HemoCell 3000", Manufacturer: "Acme", Summary: "covers startup"}
	got := c.Render()
	if !strings.Contains(got, "HemoCell 3000") || !strings.Contains(got, "Acme") || !strings.Contains(got, "covers startup") {
		t.Errorf("Render() = %q", got)
	}

	if (Context{}).Render() != "" {
		t.Error("empty context should render empty")
	}
}

func TestContextRender_ClipsToTail(t *testing.T) {
	c := Context{Summary: strings.Repeat("a", 400) + " END"}
	got := c.Render()
	if len([]rune(got)) != 300 {
		t.Errorf("rendered length = %d runes, want 300", len([]rune(got)))
	}
	if !strings.HasSuffix(got, "END") {
		t.Error("clip should keep the tail of the context")
	}
}
