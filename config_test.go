package main

import (
	"os"
	"strings"
	"testing"
)

const sampleCouncilsYAML = `models:
  - openai/gpt-5.1
  - id: anthropic/claude-sonnet-4.5
    system: Play devil's advocate.
system: You are a pragmatic advisor.
rounds: 2
defaults:
  single: true
  temperature: 0.5
councils:
  fast:
    models:
      - google/gemini-2.5-flash
      - openai/gpt-5-mini
    defaults:
      first_n: 1
  research:
    models:
      - openai/gpt-5.1
    synthesizer: google/gemini-3-pro
    defaults:
      web: true
      web_max_results: 5
default_council: fast
pricing: custom-pricing.yaml
`

// TestLoadCouncils tests councils file parsing and validation
func TestLoadCouncils(t *testing.T) {
	helper := NewTestHelper(t)
	defer helper.Cleanup()

	t.Run("full file", func(t *testing.T) {
		path := helper.WriteFile("councils.yaml", []byte(sampleCouncilsYAML))

		cfg, err := LoadCouncils(path)
		if err != nil {
			t.Fatalf("LoadCouncils failed: %v", err)
		}

		// Inline root council
		if len(cfg.Models) != 2 {
			t.Fatalf("Root models = %d, want 2", len(cfg.Models))
		}
		if cfg.Models[0].ID != "openai/gpt-5.1" || cfg.Models[0].System != "" {
			t.Errorf("Model 0 = %+v", cfg.Models[0])
		}
		if cfg.Models[1].ID != "anthropic/claude-sonnet-4.5" || cfg.Models[1].System != "Play devil's advocate." {
			t.Errorf("Model 1 = %+v", cfg.Models[1])
		}
		if cfg.System != "You are a pragmatic advisor." {
			t.Errorf("System = %q", cfg.System)
		}
		if cfg.Rounds != 2 || !cfg.Defaults.Single {
			t.Errorf("Rounds = %d, Single = %v", cfg.Rounds, cfg.Defaults.Single)
		}
		if cfg.Defaults.Temperature == nil || *cfg.Defaults.Temperature != 0.5 {
			t.Errorf("Temperature = %v", cfg.Defaults.Temperature)
		}

		// Named councils
		if len(cfg.Councils) != 2 {
			t.Fatalf("Councils = %d, want 2", len(cfg.Councils))
		}
		fast := cfg.Councils["fast"]
		if len(fast.Models) != 2 || fast.Defaults.FirstN != 1 {
			t.Errorf("Council fast = %+v", fast)
		}
		research := cfg.Councils["research"]
		if research.Synthesizer == nil || research.Synthesizer.ID != "google/gemini-3-pro" {
			t.Errorf("Council research synthesizer = %+v", research.Synthesizer)
		}
		if !research.Defaults.Web || research.Defaults.WebMaxResults != 5 {
			t.Errorf("Council research defaults = %+v", research.Defaults)
		}

		if cfg.DefaultCouncil != "fast" {
			t.Errorf("DefaultCouncil = %q", cfg.DefaultCouncil)
		}
		if cfg.Pricing != "custom-pricing.yaml" {
			t.Errorf("Pricing = %q", cfg.Pricing)
		}
	})

	t.Run("unknown fields are rejected", func(t *testing.T) {
		content := []byte("modles:\n  - openai/gpt-5.1\n")
		path := helper.WriteFile("typo.yaml", content)

		_, err := LoadCouncils(path)
		if err == nil {
			t.Fatal("Expected error for unknown field")
		}
	})

	t.Run("missing default_council target", func(t *testing.T) {
		content := []byte(`models:
  - openai/gpt-5.1
councils:
  fast:
    models:
      - google/gemini-2.5-flash
default_council: nonexistent
`)
		path := helper.WriteFile("bad-default.yaml", content)

		_, err := LoadCouncils(path)
		if err == nil {
			t.Fatal("Expected error for dangling default_council")
		}
		if !strings.Contains(err.Error(), "nonexistent") {
			t.Errorf("Error = %v", err)
		}
	})

	t.Run("option ranges are enforced", func(t *testing.T) {
		invalid := []struct {
			name    string
			content string
		}{
			{"rounds too high", "models:\n  - x/ai\nrounds: 99\n"},
			{"temperature out of range", "models:\n  - x/ai\ndefaults:\n  temperature: 5\n"},
			{"web budget out of range", "models:\n  - x/ai\ndefaults:\n  web_max_results: 500\n"},
			{"bad web context", "models:\n  - x/ai\ndefaults:\n  web_context: enormous\n"},
			{"time limit out of range", "models:\n  - x/ai\ndefaults:\n  time_limit: 1000\n"},
			{"negative first_n", "models:\n  - x/ai\ndefaults:\n  first_n: -1\n"},
			{"nested council violation", "models:\n  - x/ai\ncouncils:\n  bad:\n    models:\n      - y/ai\n    defaults:\n      rounds: 50\n"},
		}

		for _, tt := range invalid {
			t.Run(tt.name, func(t *testing.T) {
				path := helper.WriteFile("invalid.yaml", []byte(tt.content))
				if _, err := LoadCouncils(path); err == nil {
					t.Errorf("Expected validation error for %s", tt.name)
				}
			})
		}
	})

	t.Run("council without models", func(t *testing.T) {
		content := []byte("councils:\n  empty:\n    models: []\n")
		path := helper.WriteFile("empty-council.yaml", content)

		_, err := LoadCouncils(path)
		if err == nil {
			t.Fatal("Expected error for memberless council")
		}
	})

	t.Run("nothing declared", func(t *testing.T) {
		path := helper.WriteFile("empty.yaml", []byte("pricing: p.yaml\n"))
		if _, err := LoadCouncils(path); err == nil {
			t.Fatal("Expected error for a file with no councils at all")
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if _, err := LoadCouncils("does-not-exist.yaml"); err == nil {
			t.Fatal("Expected error for missing file")
		}
	})
}

// TestResolve tests council selection by name
func TestResolve(t *testing.T) {
	cfg := &FileConfig{
		CouncilConfig: councilOf("root/model"),
		Councils: map[string]CouncilConfig{
			"fast": councilOf("fast/model"),
		},
	}

	t.Run("named council", func(t *testing.T) {
		c, name, err := cfg.Resolve("fast")
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if name != "fast" || c.Models[0].ID != "fast/model" {
			t.Errorf("Resolve = %q %+v", name, c)
		}
	})

	t.Run("empty name falls back to the root council", func(t *testing.T) {
		c, name, err := cfg.Resolve("")
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if name != "default" || c.Models[0].ID != "root/model" {
			t.Errorf("Resolve = %q %+v", name, c)
		}
	})

	t.Run("empty name honors default_council", func(t *testing.T) {
		withDefault := *cfg
		withDefault.DefaultCouncil = "fast"

		c, name, err := withDefault.Resolve("")
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if name != "fast" || c.Models[0].ID != "fast/model" {
			t.Errorf("Resolve = %q %+v", name, c)
		}
	})

	t.Run("unknown council", func(t *testing.T) {
		_, _, err := cfg.Resolve("nope")
		if err == nil {
			t.Fatal("Expected error for unknown council")
		}
	})

	t.Run("no root council and no name", func(t *testing.T) {
		bare := &FileConfig{Councils: map[string]CouncilConfig{"fast": councilOf("fast/model")}}
		_, _, err := bare.Resolve("")
		if err == nil {
			t.Fatal("Expected error when nothing can be resolved")
		}
	})
}

// TestLoadConfig tests environment configuration loading
func TestLoadConfig(t *testing.T) {
	// Save original env and globals
	saved := map[string]string{}
	for _, key := range []string{"OPENROUTER_API_KEY", "COUNCIL_CONFIG", "COUNCIL_PRICING", "COUNCIL_DATA_DIR", "CORS_ALLOWED_ORIGINS"} {
		saved[key] = os.Getenv(key)
	}
	oldAPIKey := OpenRouterAPIKey
	oldCouncilsFile := CouncilsFile
	oldPricingFile := PricingFile
	oldDataDir := DataDir
	oldCORS := CORSAllowedOrigins
	defer func() {
		for key, val := range saved {
			if val != "" {
				os.Setenv(key, val)
			} else {
				os.Unsetenv(key)
			}
		}
		OpenRouterAPIKey = oldAPIKey
		CouncilsFile = oldCouncilsFile
		PricingFile = oldPricingFile
		DataDir = oldDataDir
		CORSAllowedOrigins = oldCORS
	}()

	os.Setenv("OPENROUTER_API_KEY", "test-key-12345")
	os.Setenv("COUNCIL_CONFIG", "custom-councils.yaml")
	os.Setenv("COUNCIL_PRICING", "custom-pricing.yaml")
	os.Setenv("COUNCIL_DATA_DIR", "custom-data")
	os.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com ,")

	LoadConfig()

	if OpenRouterAPIKey != "test-key-12345" {
		t.Errorf("API key = %q, want 'test-key-12345'", OpenRouterAPIKey)
	}
	if CouncilsFile != "custom-councils.yaml" {
		t.Errorf("CouncilsFile = %q", CouncilsFile)
	}
	if PricingFile != "custom-pricing.yaml" {
		t.Errorf("PricingFile = %q", PricingFile)
	}
	if DataDir != "custom-data" {
		t.Errorf("DataDir = %q", DataDir)
	}
	if len(CORSAllowedOrigins) != 2 || CORSAllowedOrigins[0] != "https://a.example.com" || CORSAllowedOrigins[1] != "https://b.example.com" {
		t.Errorf("CORSAllowedOrigins = %v, want two trimmed origins", CORSAllowedOrigins)
	}
}
