package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string         `toml:"environment"` // "development" or "production"
	Server      ServerConfig   `toml:"server"`
	Pipeline    PipelineConfig `toml:"pipeline"`
	Fetch       FetchConfig    `toml:"fetch"`
	Storage     StorageConfig  `toml:"storage"`
	Cache       CacheConfig    `toml:"cache"`
	Logging     LoggingConfig  `toml:"logging"`
	Gemini      GeminiConfig   `toml:"gemini"`
	Claude      ClaudeConfig   `toml:"claude"`
	LLM         LLMConfig      `toml:"llm"`
	Evidence    EvidenceConfig `toml:"evidence"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// PipelineConfig controls job execution concurrency and per-stage budgets
type PipelineConfig struct {
	MaxConcurrent     int    `toml:"max_concurrent"`      // Number of jobs executing concurrently (default: 3)
	QueueHighWater    int    `toml:"queue_high_water"`    // Ingress queue high-water mark; requests over it get a busy signal
	ContractTimeout   string `toml:"contract_timeout"`    // Wall-clock budget for contract generation (default: "800ms")
	AugmentTimeout    string `toml:"augment_timeout"`     // Wall-clock budget for augmentation (default: "1200ms")
	ValidationTimeout string `toml:"validation_timeout"`  // Wall-clock budget for validation calls (default: "600ms")
	ContractTokens    int    `toml:"contract_tokens"`     // Output token budget for contract generation (default: 500)
	AugmentTokens     int    `toml:"augment_tokens"`      // Output token budget for augmentation (default: 400)
	ValidationTokens  int    `toml:"validation_tokens"`   // Output token budget for validation calls (default: 100)
	ExtractionTimeout string `toml:"extraction_timeout"`  // Wall-clock budget for schema-constrained extraction (default: "5s")
	ExtractionTokens  int    `toml:"extraction_tokens"`   // Output token budget for schema-constrained extraction (default: 2000)
	JobLogCapacity    int    `toml:"job_log_capacity"`    // Bounded ring size for per-job logs (default: 256)
	MinAnchorsPerField int   `toml:"min_anchors_per_field"` // Evidence policy floor applied to generated contracts (default: 1)
}

// FetchConfig contains content acquisition configuration shared by all strategies
type FetchConfig struct {
	UserAgent          string        `toml:"user_agent"`           // Default user agent string
	RequestTimeout     time.Duration `toml:"request_timeout"`      // HTTP request timeout for static fetch
	RequestDelay       time.Duration `toml:"request_delay"`        // Minimum delay between requests to the same domain
	MaxBodySize        int           `toml:"max_body_size"`        // Maximum response body size in bytes
	BrowserTimeout     time.Duration `toml:"browser_timeout"`      // Per-page budget for browser strategies
	JavaScriptWaitTime time.Duration `toml:"javascript_wait_time"` // Time to wait for JavaScript to render
	BrowserPoolSize    int           `toml:"browser_pool_size"`    // Maximum concurrent chromedp tabs
	Headless           bool          `toml:"headless"`             // Run Chrome headless
	DefaultChain       string        `toml:"default_chain"`        // Fallback chain when the request does not name one: fast|quality|balanced|cost_optimized|robust
	EmergencyFallback  bool          `toml:"emergency_fallback"`   // Attempt a bare static fetch after the chain is exhausted
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path; empty selects in-memory mode
	InMemory       bool   `toml:"in_memory"`        // Run without a backing directory (tests, one-shot CLI runs)
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

// CacheConfig controls the content/contract/result caches
type CacheConfig struct {
	Enabled        bool   `toml:"enabled"`         // Master switch; disabled caches miss on every lookup
	NegativeTTL    string `toml:"negative_ttl"`    // TTL for cached abstention markers (default: "1h")
	ResultTTL      string `toml:"result_ttl"`      // TTL for cached extraction results; empty means no expiry
	JanitorSchedule string `toml:"janitor_schedule"` // Cron schedule for Badger value-log GC (default: "0 */10 * * * *")
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Format     string   `toml:"format"`      // "json" or "text"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Time format for logs (default: "15:04:05.000")
}

// GeminiConfig contains Google Gemini API configuration
type GeminiConfig struct {
	APIKey    string `toml:"api_key"`    // Google Gemini API key
	Model     string `toml:"model"`      // Model for extraction operations (default: "gemini-2.0-flash")
	Timeout   string `toml:"timeout"`    // Operation timeout as duration string (default: "1m")
	RateLimit string `toml:"rate_limit"` // Admission rate as duration between calls (default: "1s")
}

// ClaudeConfig contains Anthropic Claude API configuration
type ClaudeConfig struct {
	APIKey    string `toml:"api_key"`    // Anthropic API key
	Model     string `toml:"model"`      // Model for extraction operations (default: "claude-haiku-3-5-20241022")
	MaxTokens int    `toml:"max_tokens"` // Hard ceiling on response tokens (default: 8192)
	Timeout   string `toml:"timeout"`    // Operation timeout as duration string (default: "1m")
	RateLimit string `toml:"rate_limit"` // Admission rate as duration between calls (default: "1s")
}

// LLMProvider represents the AI provider type
type LLMProvider string

const (
	// LLMProviderGemini uses Google Gemini API
	LLMProviderGemini LLMProvider = "gemini"
	// LLMProviderClaude uses Anthropic Claude API
	LLMProviderClaude LLMProvider = "claude"
)

// LLMConfig contains unified configuration for all AI providers
type LLMConfig struct {
	DefaultProvider LLMProvider `toml:"default_provider"` // "gemini" or "claude" (default: "gemini")
	Seed            int64       `toml:"seed"`             // Stable seed recorded on contracts and model calls
	AdmissionRPS    float64     `toml:"admission_rps"`    // Token-bucket refill rate shared across workers
	AdmissionBurst  int         `toml:"admission_burst"`  // Token-bucket burst shared across workers
}

// EvidenceConfig controls redaction of evidence records
type EvidenceConfig struct {
	RedactPII  bool     `toml:"redact_pii"`  // Hash values of PII classes unless the request opts in (default: true)
	PIIClasses []string `toml:"pii_classes"` // Field types treated as PII (default: email, phone, address)
}

// NewDefaultConfig creates a configuration with default values.
// Technical parameters are hardcoded here for production stability; only
// user-facing settings should be exposed in atlas.toml.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Pipeline: PipelineConfig{
			MaxConcurrent:      3,
			QueueHighWater:     64,
			ContractTimeout:    "800ms",
			AugmentTimeout:     "1200ms",
			ValidationTimeout:  "600ms",
			ContractTokens:     500,
			AugmentTokens:      400,
			ValidationTokens:   100,
			ExtractionTimeout:  "5s",
			ExtractionTokens:   2000,
			JobLogCapacity:     256,
			MinAnchorsPerField: 1,
		},
		Fetch: FetchConfig{
			UserAgent:          "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			RequestTimeout:     30 * time.Second,
			RequestDelay:       1 * time.Second,
			MaxBodySize:        10 * 1024 * 1024, // 10MB
			BrowserTimeout:     60 * time.Second,
			JavaScriptWaitTime: 3 * time.Second,
			BrowserPoolSize:    2,
			Headless:           true,
			DefaultChain:       "balanced",
			EmergencyFallback:  true,
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data",
			},
		},
		Cache: CacheConfig{
			Enabled:         true,
			NegativeTTL:     "1h",
			ResultTTL:       "",
			JanitorSchedule: "0 */10 * * * *",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: []string{"stdout", "file"},
		},
		Gemini: GeminiConfig{
			APIKey:    "",
			Model:     "gemini-2.0-flash",
			Timeout:   "1m",
			RateLimit: "1s",
		},
		Claude: ClaudeConfig{
			APIKey:    "",
			Model:     "claude-haiku-3-5-20241022",
			MaxTokens: 8192,
			Timeout:   "1m",
			RateLimit: "1s",
		},
		LLM: LLMConfig{
			DefaultProvider: LLMProviderGemini,
			Seed:            1,
			AdmissionRPS:    2,
			AdmissionBurst:  4,
		},
		Evidence: EvidenceConfig{
			RedactPII:  true,
			PIIClasses: []string{"email", "phone", "address"},
		},
	}
}

// LoadFromFile loads configuration with priority: default -> file -> env -> CLI
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return LoadFromFiles()
	}
	return LoadFromFiles(path)
}

// LoadFromFiles loads configuration from multiple files. Later files override
// earlier files; environment variables override all files.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config.
// Unrecognized ATLAS_* variables are ignored.
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("ATLAS_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	if port := os.Getenv("ATLAS_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("ATLAS_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	if concurrency := os.Getenv("ATLAS_PIPELINE_MAX_CONCURRENT"); concurrency != "" {
		if c, err := strconv.Atoi(concurrency); err == nil {
			config.Pipeline.MaxConcurrent = c
		}
	}
	if highWater := os.Getenv("ATLAS_PIPELINE_QUEUE_HIGH_WATER"); highWater != "" {
		if h, err := strconv.Atoi(highWater); err == nil {
			config.Pipeline.QueueHighWater = h
		}
	}

	if badgerPath := os.Getenv("ATLAS_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}

	if ttl := os.Getenv("ATLAS_CACHE_NEGATIVE_TTL"); ttl != "" {
		config.Cache.NegativeTTL = ttl
	}

	if level := os.Getenv("ATLAS_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("ATLAS_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}
	if output := os.Getenv("ATLAS_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}

	if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" {
		config.Claude.APIKey = apiKey
	}
	if apiKey := os.Getenv("ATLAS_CLAUDE_API_KEY"); apiKey != "" {
		config.Claude.APIKey = apiKey
	}
	if model := os.Getenv("ATLAS_CLAUDE_MODEL"); model != "" {
		config.Claude.Model = model
	}
	if apiKey := os.Getenv("GEMINI_API_KEY"); apiKey != "" {
		config.Gemini.APIKey = apiKey
	}
	if apiKey := os.Getenv("ATLAS_GEMINI_API_KEY"); apiKey != "" {
		config.Gemini.APIKey = apiKey
	}
	if model := os.Getenv("ATLAS_GEMINI_MODEL"); model != "" {
		config.Gemini.Model = model
	}
	if provider := os.Getenv("ATLAS_LLM_PROVIDER"); provider != "" {
		config.LLM.DefaultProvider = LLMProvider(provider)
	}
	if seed := os.Getenv("ATLAS_LLM_SEED"); seed != "" {
		if s, err := strconv.ParseInt(seed, 10, 64); err == nil {
			config.LLM.Seed = s
		}
	}

	if timeout := os.Getenv("ATLAS_FETCH_REQUEST_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			config.Fetch.RequestTimeout = d
		}
	}
	if timeout := os.Getenv("ATLAS_FETCH_BROWSER_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			config.Fetch.BrowserTimeout = d
		}
	}
	if chain := os.Getenv("ATLAS_FETCH_DEFAULT_CHAIN"); chain != "" {
		config.Fetch.DefaultChain = chain
	}
}

// ApplyFlagOverrides applies command-line flag overrides (highest priority)
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port != 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// ParseDurationOr parses a duration string, falling back to def on error or empty input
func ParseDurationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
