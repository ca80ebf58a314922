package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/manualminer/manualminer/internal/api"
	"github.com/manualminer/manualminer/internal/config"
	"github.com/manualminer/manualminer/internal/extract"
	"github.com/manualminer/manualminer/internal/genai"
	"github.com/manualminer/manualminer/internal/ocr"
	"github.com/manualminer/manualminer/internal/pdfprep"
	"github.com/manualminer/manualminer/internal/pipeline"
	"github.com/manualminer/manualminer/internal/remote"
	"github.com/manualminer/manualminer/internal/synthesis"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	// A .env file is optional; the environment wins either way.
	godotenv.Load()

	cfg, err := config.Load(os.Getenv("MM_CONFIG_FILE"))
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize clients.
	ocrClient := buildOCR(cfg)
	aiStats := genai.NewStats(time.Hour)
	model, err := buildModel(cfg)
	if err != nil {
		log.Error("failed to initialize ai client", "error", err)
		os.Exit(1)
	}
	recorded := genai.NewRecorder(model, aiStats)

	// Initialize pipeline.
	runner, err := pipeline.NewRunner(pipeline.RunnerOptions{
		Preparer: &pdfprep.Preparer{Passwords: cfg.PDFPasswords},
		OCR:      ocrClient,
		Model:    recorded,
		Policy: remote.Policy{
			MaxRetries: cfg.MaxRetries,
			Delay:      cfg.DelayBetweenRequests,
		},
		Pacer:            remote.NewPacer(cfg.DelayBetweenRequests),
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
		os.Exit(1)
	}

	jobs := pipeline.NewStore(cfg.JobTTL)
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := jobs.Cleanup(); n > 0 {
					log.Info("evicted expired jobs", "count", n)
				}
			}
		}
	}()

	// Initialize HTTP server.
	srv := api.NewServer(ctx, api.ServerOptions{
		Runner: runner,
		Jobs:   jobs,
		Emitters: []synthesis.Emitter{
			synthesis.JSONEmitter{},
			synthesis.MarkdownEmitter{},
			synthesis.LaTeXEmitter{Compile: cfg.LaTeXCompile},
		},
		AIStats: aiStats,
		AIName:  model.Name(),
		OCRName: ocrClient.Name(),
		Log:     log,
		Config:  cfg,
	})

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 30 * time.Minute, // SSE analyses stream for the whole run
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown.
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down...")

		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	log.Info("starting manualminer",
		"addr", cfg.ListenAddr,
		"ai_provider", model.Name(),
		"ocr_provider", ocrClient.Name())
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
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
