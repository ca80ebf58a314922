// Package config resolves the runtime configuration from defaults, an
// optional YAML file and MM_-prefixed environment variables, in that
// order of precedence (environment wins).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// Pipeline pacing and bounds
	MaxPagesPerChunk     int
	DelayBetweenRequests time.Duration
	MaxRetries           int
	MaxTokensPerRequest  int
	MaxOutputTokens      int
	Temperature          float64
	Language             string

	// Generation provider: "gemini" or "ollama"
	AIProvider    string
	GeminiAPIKey  string
	GeminiBaseURL string
	GeminiModel   string
	OllamaHost    string
	OllamaModel   string

	// OCR provider: "gateway" or "textlayer"
	OCRProvider  string
	OCRBaseURL   string
	OCRAPIKey    string
	OCRPageLimit int

	// PDF preparation
	PDFPasswords []string

	// Artifacts
	OutputDir    string
	LaTeXCompile bool

	// Server
	ListenAddr  string
	AuthToken   string
	MaxUploadMB int64
	JobTTL      time.Duration
}

// Load builds the configuration from defaults, the YAML file at path when
// non-empty, and finally the environment.
func Load(path string) (Config, error) {
	cfg := defaults()
	if path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return cfg, err
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func defaults() Config {
	return Config{
		MaxPagesPerChunk:     15,
		DelayBetweenRequests: 3 * time.Second,
		MaxRetries:           3,
		MaxTokensPerRequest:  16000,
		MaxOutputTokens:      8192,
		Temperature:          0.2,
		Language:             "en",

		AIProvider:  "gemini",
		GeminiModel: "gemini-2.0-flash",
		OllamaModel: "llama3.1",

		OCRProvider:  "gateway",
		OCRPageLimit: 15,

		OutputDir: "output",

		ListenAddr:  ":8080",
		MaxUploadMB: 100,
		JobTTL:      1 * time.Hour,
	}
}

// fileConfig mirrors Config with optional fields so "absent" and "zero"
// stay distinguishable when merging.
type fileConfig struct {
	MaxPagesPerChunk     *int     `yaml:"max_pages_per_chunk"`
	DelayBetweenRequests *string  `yaml:"delay_between_requests"`
	MaxRetries           *int     `yaml:"max_retries"`
	MaxTokensPerRequest  *int     `yaml:"max_tokens_per_request"`
	MaxOutputTokens      *int     `yaml:"max_output_tokens"`
	Temperature          *float64 `yaml:"temperature"`
	Language             *string  `yaml:"language"`

	AIProvider    *string `yaml:"ai_provider"`
	GeminiAPIKey  *string `yaml:"gemini_api_key"`
	GeminiBaseURL *string `yaml:"gemini_base_url"`
	GeminiModel   *string `yaml:"gemini_model"`
	OllamaHost    *string `yaml:"ollama_host"`
	OllamaModel   *string `yaml:"ollama_model"`

	OCRProvider  *string `yaml:"ocr_provider"`
	OCRBaseURL   *string `yaml:"ocr_base_url"`
	OCRAPIKey    *string `yaml:"ocr_api_key"`
	OCRPageLimit *int    `yaml:"ocr_page_limit"`

	PDFPasswords []string `yaml:"pdf_passwords"`

	OutputDir    *string `yaml:"output_dir"`
	LaTeXCompile *bool   `yaml:"latex_compile"`

	ListenAddr  *string `yaml:"listen_addr"`
	AuthToken   *string `yaml:"auth_token"`
	MaxUploadMB *int64  `yaml:"max_upload_mb"`
	JobTTL      *string `yaml:"job_ttl"`
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	setInt := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}
	setStr := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	setDur := func(dst *time.Duration, src *string) error {
		if src == nil {
			return nil
		}
		d, err := time.ParseDuration(*src)
		if err != nil {
			return fmt.Errorf("parse %s: invalid duration %q", path, *src)
		}
		*dst = d
		return nil
	}

	setInt(&cfg.MaxPagesPerChunk, fc.MaxPagesPerChunk)
	if err := setDur(&cfg.DelayBetweenRequests, fc.DelayBetweenRequests); err != nil {
		return err
	}
	setInt(&cfg.MaxRetries, fc.MaxRetries)
	setInt(&cfg.MaxTokensPerRequest, fc.MaxTokensPerRequest)
	setInt(&cfg.MaxOutputTokens, fc.MaxOutputTokens)
	if fc.Temperature != nil {
		cfg.Temperature = *fc.Temperature
	}
	setStr(&cfg.Language, fc.Language)
	setStr(&cfg.AIProvider, fc.AIProvider)
	setStr(&cfg.GeminiAPIKey, fc.GeminiAPIKey)
	setStr(&cfg.GeminiBaseURL, fc.GeminiBaseURL)
	setStr(&cfg.GeminiModel, fc.GeminiModel)
	setStr(&cfg.OllamaHost, fc.OllamaHost)
	setStr(&cfg.OllamaModel, fc.OllamaModel)
	setStr(&cfg.OCRProvider, fc.OCRProvider)
	setStr(&cfg.OCRBaseURL, fc.OCRBaseURL)
	setStr(&cfg.OCRAPIKey, fc.OCRAPIKey)
	setInt(&cfg.OCRPageLimit, fc.OCRPageLimit)
	if fc.PDFPasswords != nil {
		cfg.PDFPasswords = fc.PDFPasswords
	}
	setStr(&cfg.OutputDir, fc.OutputDir)
	if fc.LaTeXCompile != nil {
		cfg.LaTeXCompile = *fc.LaTeXCompile
	}
	setStr(&cfg.ListenAddr, fc.ListenAddr)
	setStr(&cfg.AuthToken, fc.AuthToken)
	if fc.MaxUploadMB != nil {
		cfg.MaxUploadMB = *fc.MaxUploadMB
	}
	return setDur(&cfg.JobTTL, fc.JobTTL)
}

func applyEnv(cfg *Config) {
	cfg.MaxPagesPerChunk = envInt("MM_MAX_PAGES_PER_CHUNK", cfg.MaxPagesPerChunk)
	cfg.DelayBetweenRequests = envDuration("MM_DELAY_BETWEEN_REQUESTS", cfg.DelayBetweenRequests)
	cfg.MaxRetries = envInt("MM_MAX_RETRIES", cfg.MaxRetries)
	cfg.MaxTokensPerRequest = envInt("MM_MAX_TOKENS_PER_REQUEST", cfg.MaxTokensPerRequest)
	cfg.MaxOutputTokens = envInt("MM_MAX_OUTPUT_TOKENS", cfg.MaxOutputTokens)
	cfg.Temperature = envFloat("MM_TEMPERATURE", cfg.Temperature)
	cfg.Language = envOr("MM_LANGUAGE", cfg.Language)

	cfg.AIProvider = envOr("MM_AI_PROVIDER", cfg.AIProvider)
	cfg.GeminiAPIKey = envOr("MM_GEMINI_API_KEY", cfg.GeminiAPIKey)
	cfg.GeminiBaseURL = envOr("MM_GEMINI_BASE_URL", cfg.GeminiBaseURL)
	cfg.GeminiModel = envOr("MM_GEMINI_MODEL", cfg.GeminiModel)
	cfg.OllamaHost = envOr("MM_OLLAMA_HOST", cfg.OllamaHost)
	cfg.OllamaModel = envOr("MM_OLLAMA_MODEL", cfg.OllamaModel)

	cfg.OCRProvider = envOr("MM_OCR_PROVIDER", cfg.OCRProvider)
	cfg.OCRBaseURL = envOr("MM_OCR_BASE_URL", cfg.OCRBaseURL)
	cfg.OCRAPIKey = envOr("MM_OCR_API_KEY", cfg.OCRAPIKey)
	cfg.OCRPageLimit = envInt("MM_OCR_PAGE_LIMIT", cfg.OCRPageLimit)

	if v := os.Getenv("MM_PDF_PASSWORDS"); v != "" {
		cfg.PDFPasswords = splitCSV(v)
	}

	cfg.OutputDir = envOr("MM_OUTPUT_DIR", cfg.OutputDir)
	cfg.LaTeXCompile = envBool("MM_LATEX_COMPILE", cfg.LaTeXCompile)

	cfg.ListenAddr = envOr("MM_LISTEN_ADDR", cfg.ListenAddr)
	cfg.AuthToken = envOr("MM_AUTH_TOKEN", cfg.AuthToken)
	cfg.MaxUploadMB = envInt64("MM_MAX_UPLOAD_MB", cfg.MaxUploadMB)
	cfg.JobTTL = envDuration("MM_JOB_TTL", cfg.JobTTL)
}

func (c Config) Validate() error {
	if c.MaxPagesPerChunk <= 0 {
		return fmt.Errorf("max_pages_per_chunk must be positive, got %d", c.MaxPagesPerChunk)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative, got %d", c.MaxRetries)
	}
	if c.DelayBetweenRequests < 0 {
		return fmt.Errorf("delay_between_requests must not be negative, got %s", c.DelayBetweenRequests)
	}
	if c.MaxTokensPerRequest <= 0 {
		return fmt.Errorf("max_tokens_per_request must be positive, got %d", c.MaxTokensPerRequest)
	}
	if c.MaxOutputTokens <= 0 {
		return fmt.Errorf("max_output_tokens must be positive, got %d", c.MaxOutputTokens)
	}
	switch c.Language {
	case "en", "fr":
	default:
		return fmt.Errorf("language must be en or fr, got %q", c.Language)
	}
	switch c.AIProvider {
	case "gemini":
		if c.GeminiAPIKey == "" {
			return fmt.Errorf("MM_GEMINI_API_KEY is required for the gemini provider")
		}
	case "ollama":
	default:
		return fmt.Errorf("ai_provider must be gemini or ollama, got %q", c.AIProvider)
	}
	switch c.OCRProvider {
	case "gateway":
		if c.OCRBaseURL == "" {
			return fmt.Errorf("MM_OCR_BASE_URL is required for the gateway provider")
		}
		if c.OCRPageLimit <= 0 {
			return fmt.Errorf("ocr_page_limit must be positive, got %d", c.OCRPageLimit)
		}
		if c.MaxPagesPerChunk > c.OCRPageLimit {
			return fmt.Errorf("max_pages_per_chunk (%d) exceeds ocr_page_limit (%d)",
				c.MaxPagesPerChunk, c.OCRPageLimit)
		}
	case "textlayer":
	default:
		return fmt.Errorf("ocr_provider must be gateway or textlayer, got %q", c.OCRProvider)
	}
	if c.MaxUploadMB <= 0 {
		return fmt.Errorf("max_upload_mb must be positive, got %d", c.MaxUploadMB)
	}
	if c.JobTTL <= 0 {
		return fmt.Errorf("job_ttl must be positive, got %s", c.JobTTL)
	}
	return nil
}

// MaxUploadBytes is the upload cap in bytes.
func (c Config) MaxUploadBytes() int64 {
	return c.MaxUploadMB << 20
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
