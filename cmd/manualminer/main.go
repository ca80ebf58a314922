// Command manualminer analyzes one technical manual from the command line
// and writes the requested artifacts.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/manualminer/manualminer/internal/config"
	"github.com/manualminer/manualminer/internal/extract"
	"github.com/manualminer/manualminer/internal/genai"
	"github.com/manualminer/manualminer/internal/ocr"
	"github.com/manualminer/manualminer/internal/pdfprep"
	"github.com/manualminer/manualminer/internal/pipeline"
	"github.com/manualminer/manualminer/internal/remote"
	"github.com/manualminer/manualminer/internal/synthesis"
)

const (
	exitRunFailure  = 1
	exitConfigError = 2
)

func main() {
	var (
		input      = flag.String("input", "", "path to the PDF manual (required)")
		outDir     = flag.String("out", "", "artifact directory (default: <output_dir>/<run-id>)")
		configPath = flag.String("config", "", "path to a YAML config file")
		lang       = flag.String("lang", "", "output language: en or fr")
		formats    = flag.String("formats", "json,markdown", "artifact formats: json,markdown,latex")
		maxPages   = flag.Int("max-pages-per-chunk", 0, "override max pages per chunk")
		password   = flag.String("password", "", "extra PDF password candidate")
		verbose    = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if *input == "" {
		fmt.Fprintln(os.Stderr, "usage: manualminer -input manual.pdf [-out dir] [-formats json,markdown,latex]")
		flag.PrintDefaults()
		os.Exit(exitConfigError)
	}

	godotenv.Load()
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(exitConfigError)
	}
	if *lang != "" {
		cfg.Language = *lang
	}
	if *maxPages > 0 {
		cfg.MaxPagesPerChunk = *maxPages
	}
	if *password != "" {
		cfg.PDFPasswords = append(cfg.PDFPasswords, *password)
	}
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(exitConfigError)
	}

	emitters, err := parseFormats(*formats, cfg.LaTeXCompile)
	if err != nil {
		log.Error("invalid -formats", "error", err)
		os.Exit(exitConfigError)
	}

	data, err := os.ReadFile(*input)
	if err != nil {
		log.Error("failed to read input", "error", err)
		os.Exit(exitConfigError)
	}

	model, err := buildModel(cfg)
	if err != nil {
		log.Error("failed to initialize ai client", "error", err)
		os.Exit(exitConfigError)
	}
	ocrClient := buildOCR(cfg)

	runner, err := pipeline.NewRunner(pipeline.RunnerOptions{
		Preparer: &pdfprep.Preparer{Passwords: cfg.PDFPasswords},
		OCR:      ocrClient,
		Model:    model,
		Policy: remote.Policy{
			MaxRetries: cfg.MaxRetries,
			Delay:      cfg.DelayBetweenRequests,
		},
		Pacer:            remote.NewPacer(cfg.DelayBetweenRequests),
		Sink:             pipeline.SlogSink{Log: log},
		Log:              log,
		MaxPagesPerChunk: cfg.MaxPagesPerChunk,
		Extraction: extract.Config{
			MaxTokensPerRequest: cfg.MaxTokensPerRequest,
			MaxOutputTokens:     cfg.MaxOutputTokens,
			Temperature:         cfg.Temperature,
			Language:            cfg.Language,
		},
	})
	if err != nil {
		log.Error("failed to initialize pipeline", "error", err)
		os.Exit(exitConfigError)
	}

	// Ctrl-C stops the run between chunks; completed chunks still land
	// in the manifest.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, runErr := runner.Run(ctx, filepath.Base(*input), data)

	dir := *outDir
	if dir == "" && res != nil {
		dir = filepath.Join(cfg.OutputDir, res.RunID)
	}
	if res != nil && len(res.Outcomes) > 0 {
		for _, em := range emitters {
			// Renderings need a merged record; the manifest does not.
			if res.Merged == nil && em.Name() != "json" {
				continue
			}
			arts, err := em.Emit(context.Background(), res, dir)
			if err != nil {
				log.Error("emit failed", "emitter", em.Name(), "error", err)
			}
			for _, a := range arts {
				log.Info("artifact written", "path", a.Path, "bytes", a.Bytes)
			}
		}
	}

	if runErr != nil {
		var cancelled *pipeline.CancelledError
		if errors.As(runErr, &cancelled) {
			log.Warn("run cancelled", "completed_chunks", cancelled.CompletedChunks, "total_chunks", cancelled.TotalChunks)
		} else {
			log.Error("run failed", "error", runErr)
		}
		os.Exit(exitRunFailure)
	}

	printStats(res.Stats)
}

func printStats(st pipeline.RunStats) {
	fmt.Printf("\nRun %s: %s\n", st.RunID, st.Document)
	fmt.Printf("  pages:     %d in %d chunks\n", st.Pages, st.Chunks)
	fmt.Printf("  accepted:  %d (+%d with warnings)\n", st.Accepted, st.Warnings)
	if st.Rejected > 0 || st.Failed > 0 || st.Empty > 0 {
		fmt.Printf("  skipped:   %d rejected, %d failed, %d empty\n", st.Rejected, st.Failed, st.Empty)
	}
	if st.Retries > 0 {
		fmt.Printf("  retries:   %d\n", st.Retries)
	}
	if len(st.Sections) > 0 {
		var parts []string
		for _, k := range []string{"procedures", "maintenance", "specifications", "safety", "calibration", "troubleshooting"} {
			if n := st.Sections[k]; n > 0 {
				parts = append(parts, fmt.Sprintf("%d %s", n, k))
			}
		}
		if len(parts) > 0 {
			fmt.Printf("  extracted: %s\n", strings.Join(parts, ", "))
		}
	}
	fmt.Printf("  duration:  %s\n", st.Duration.Round(time.Millisecond))
}

func parseFormats(s string, latexCompile bool) ([]synthesis.Emitter, error) {
	var out []synthesis.Emitter
	for _, f := range strings.Split(s, ",") {
		switch strings.TrimSpace(f) {
		case "json":
			out = append(out, synthesis.JSONEmitter{})
		case "markdown", "md":
			out = append(out, synthesis.MarkdownEmitter{})
		case "latex", "tex":
			out = append(out, synthesis.LaTeXEmitter{Compile: latexCompile})
		case "":
		default:
			return nil, fmt.Errorf("unknown format %q", f)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("no formats selected")
	}
	return out, nil
}

func buildOCR(cfg config.Config) ocr.Client {
	if cfg.OCRProvider == "textlayer" {
		return &ocr.TextLayer{FallbackPdftotext: true}
	}
	return ocr.NewGateway(cfg.OCRBaseURL, cfg.OCRAPIKey, cfg.OCRPageLimit)
}

func buildModel(cfg config.Config) (genai.Client, error) {
	if cfg.AIProvider == "ollama" {
		return genai.NewOllamaClient(cfg.OllamaHost, cfg.OllamaModel)
	}
	c := genai.NewGeminiClient(cfg.GeminiAPIKey, cfg.GeminiModel)
	if cfg.GeminiBaseURL != "" {
		c = c.WithBaseURL(cfg.GeminiBaseURL)
	}
	return c, nil
}
