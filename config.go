package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

// Configuration constants
var (
	// OpenRouterAPIKey is the API key for OpenRouter. The core consults no
	// other environment variable.
	OpenRouterAPIKey string

	// CouncilsFile is the path to the councils configuration file
	CouncilsFile = "councils.yaml"

	// PricingFile is the path to the optional price book file
	PricingFile = "pricing.yaml"

	// DataDir is the directory for session storage
	DataDir = "data/sessions"

	// CORS allowed origins (configurable via environment)
	// In development (empty/default), allows any localhost port
	// In production, set CORS_ALLOWED_ORIGINS environment variable
	CORSAllowedOrigins = []string{}

	// MaxRequestBodySize is the maximum allowed request body size (1MB)
	MaxRequestBodySize int64 = 1 << 20

	// CatalogCacheTTL is the time-to-live for the model catalog cache
	CatalogCacheTTL = 5 * time.Minute

	// TitleGenTimeout bounds background session-title generation
	TitleGenTimeout = 30 * time.Second
)

const (
	// DefaultSystemPrompt applies when neither the member nor the council
	// declares a system prompt.
	DefaultSystemPrompt = "You are a member of a council of advisors. Answer the question directly and completely, drawing on your own best judgment."

	// DefaultSynthesizerModel folds transcripts when no synthesizer is
	// configured. A low-cost model on purpose.
	DefaultSynthesizerModel = "google/gemini-2.5-flash"

	// DefaultTemperature applies when no temperature is configured.
	DefaultTemperature = 0.7

	// Attribution headers sent to OpenRouter with every request
	ClientReferer = "https://modelcouncil.dev"
	ClientTitle   = "Model Council"
)

// FileConfig is the root of the councils file: an inline root council plus
// any number of named councils. default_council, when set, names the council
// used when a request does not pick one.
type FileConfig struct {
	CouncilConfig  `yaml:",inline"`
	Councils       map[string]CouncilConfig `yaml:"councils" validate:"omitempty,dive"`
	DefaultCouncil string                   `yaml:"default_council"`
	Pricing        string                   `yaml:"pricing"`
}

// Resolve picks a council by name. An empty name resolves to the
// default_council when one is set, otherwise to the inline root council.
// The returned name is the resolved one, for display and storage.
func (f *FileConfig) Resolve(name string) (CouncilConfig, string, error) {
	if name == "" {
		name = f.DefaultCouncil
	}
	if name == "" {
		if len(f.Models) == 0 {
			return CouncilConfig{}, "", fmt.Errorf("no council requested and no root council configured")
		}
		return f.CouncilConfig, "default", nil
	}
	cfg, ok := f.Councils[name]
	if !ok {
		return CouncilConfig{}, "", fmt.Errorf("unknown council %q", name)
	}
	return cfg, name, nil
}

var validate = validator.New()

// ValidateConfig enforces everything the orchestrator assumes is already
// checked: rounds 1..10, temperature 0..2, web result budgets 1..50, time
// limits 0.1..300s, non-empty member lists, and default_council existence.
func ValidateConfig(cfg *FileConfig) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid councils file: %w", err)
	}
	if len(cfg.Models) == 0 && len(cfg.Councils) == 0 {
		return fmt.Errorf("invalid councils file: no models and no councils declared")
	}
	if cfg.DefaultCouncil != "" {
		if _, ok := cfg.Councils[cfg.DefaultCouncil]; !ok {
			return fmt.Errorf("invalid councils file: default_council %q does not exist", cfg.DefaultCouncil)
		}
	}
	for name, c := range cfg.Councils {
		if len(c.Models) == 0 {
			return fmt.Errorf("invalid councils file: council %q has no models", name)
		}
	}
	return nil
}

// LoadCouncils parses and validates a councils file. Unknown fields are
// rejected loudly rather than silently ignored, so typos in option names
// fail at startup instead of quietly running with defaults.
func LoadCouncils(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read councils file: %w", err)
	}

	var cfg FileConfig
	if err := yaml.UnmarshalWithOptions(data, &cfg, yaml.Strict()); err != nil {
		return nil, fmt.Errorf("failed to parse councils file: %w", err)
	}
	if err := ValidateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfig loads configuration from environment variables
func LoadConfig() {
	// Load .env file - try multiple locations
	envLocations := []string{
		".env",    // Current directory
		"../.env", // Parent directory
	}

	// Try to find and load .env file
	envLoaded := false
	for _, envPath := range envLocations {
		absPath, err := filepath.Abs(envPath)
		if err != nil {
			continue
		}

		if _, err := os.Stat(absPath); err == nil {
			if err := godotenv.Load(absPath); err == nil {
				log.Printf("Loaded .env from: %s", absPath)
				envLoaded = true
				break
			}
		}
	}

	if !envLoaded {
		log.Printf("Warning: .env file not found in any expected location")
	}

	// Get OpenRouter API key
	OpenRouterAPIKey = os.Getenv("OPENROUTER_API_KEY")
	if OpenRouterAPIKey == "" {
		log.Fatal("OPENROUTER_API_KEY environment variable is required")
	}

	// Optional overrides for file locations
	if councilsFile := os.Getenv("COUNCIL_CONFIG"); councilsFile != "" {
		CouncilsFile = councilsFile
	}
	if pricingFile := os.Getenv("COUNCIL_PRICING"); pricingFile != "" {
		PricingFile = pricingFile
	}
	if dataDir := os.Getenv("COUNCIL_DATA_DIR"); dataDir != "" {
		DataDir = dataDir
	}

	// Load CORS origins from environment if provided (comma-separated)
	if corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		CORSAllowedOrigins = []string{}
		for _, origin := range strings.Split(corsOrigins, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				CORSAllowedOrigins = append(CORSAllowedOrigins, origin)
			}
		}
	}

	log.Println("Configuration loaded successfully")
}
